package store

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"

	"github.com/dalbodeule/hop-dtls/internal/dtls"
	"github.com/dalbodeule/hop-dtls/internal/logging"
)

// PSKStore 는 PostgreSQL 의 dtls_psk_identities 테이블에 identity/키를 보관합니다.
// dtls.PSKStore 와 admin.CredentialService 를 구현합니다.
type PSKStore struct {
	Logger logging.Logger
	Driver *entsql.Driver
}

var _ dtls.PSKStore = (*PSKStore)(nil)

// NewPSKStore 는 OpenPostgres 로 연 드라이버 위에 PSKStore 를 만듭니다.
func NewPSKStore(logger logging.Logger, drv *entsql.Driver) *PSKStore {
	return &PSKStore{
		Logger: logger.With(logging.Fields{"component": "psk_store"}),
		Driver: drv,
	}
}

func builder() *entsql.DialectBuilder {
	return entsql.Dialect(dialect.Postgres)
}

func lookupQuery(identity string) (string, []any) {
	b := builder()
	return b.Select("psk").
		From(b.Table(pskTableName)).
		Where(entsql.EQ("identity", identity)).
		Query()
}

func upsertQuery(id uuid.UUID, identity string, key []byte, memo string, now time.Time) (string, []any) {
	return builder().Insert(pskTableName).
		Columns("id", "identity", "psk", "memo", "created_at", "updated_at").
		Values(id, identity, key, memo, now, now).
		OnConflict(
			entsql.ConflictColumns("identity"),
			entsql.ResolveWith(func(u *entsql.UpdateSet) {
				u.SetExcluded("psk")
				u.SetExcluded("memo")
				u.SetExcluded("updated_at")
			}),
		).
		Query()
}

func deleteQuery(identity string) (string, []any) {
	return builder().Delete(pskTableName).
		Where(entsql.EQ("identity", identity)).
		Query()
}

// LookupPSK 는 identity 의 키를 조회합니다. 없으면 dtls.ErrUnknownIdentity 입니다.
func (s *PSKStore) LookupPSK(ctx context.Context, identity []byte) ([]byte, error) {
	query, args := lookupQuery(string(identity))

	var rows entsql.Rows
	if err := s.Driver.Query(ctx, query, args, &rows); err != nil {
		return nil, fmt.Errorf("lookup psk: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("lookup psk: %w", err)
		}
		s.Logger.Warn("unknown psk identity", logging.Fields{"identity": string(identity)})
		return nil, dtls.ErrUnknownIdentity
	}
	var key []byte
	if err := rows.Scan(&key); err != nil {
		return nil, fmt.Errorf("lookup psk: %w", err)
	}
	return key, nil
}

// RegisterIdentity 는 새 identity 에 랜덤 키를 발급해 저장하고 hex 문자열로 반환합니다.
// 이미 있는 identity 는 키를 교체합니다.
func (s *PSKStore) RegisterIdentity(ctx context.Context, identity, memo string) (string, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return "", dtls.ErrEmptyIdentity
	}

	key, err := dtls.GeneratePSK(dtls.DefaultPSKLength)
	if err != nil {
		return "", err
	}

	query, args := upsertQuery(uuid.New(), identity, key, memo, time.Now().UTC())
	if err := s.Driver.Exec(ctx, query, args, nil); err != nil {
		return "", fmt.Errorf("register psk identity: %w", err)
	}

	encoded := hex.EncodeToString(key)
	s.Logger.Info("psk identity registered", logging.Fields{
		"identity":   identity,
		"memo":       memo,
		"psk_masked": dtls.MaskKey(encoded),
	})
	return encoded, nil
}

// UnregisterIdentity 는 identity 를 삭제합니다. 없으면 dtls.ErrUnknownIdentity 입니다.
func (s *PSKStore) UnregisterIdentity(ctx context.Context, identity string) error {
	identity = strings.TrimSpace(identity)
	query, args := deleteQuery(identity)

	var res sql.Result
	if err := s.Driver.Exec(ctx, query, args, &res); err != nil {
		return fmt.Errorf("unregister psk identity: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("unregister psk identity: %w", err)
	}
	if n == 0 {
		return dtls.ErrUnknownIdentity
	}
	s.Logger.Info("psk identity unregistered", logging.Fields{"identity": identity})
	return nil
}
