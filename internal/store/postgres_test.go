package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dalbodeule/hop-dtls/internal/dtls"
	"github.com/dalbodeule/hop-dtls/internal/logging"
)

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("HOP_DB_DSN", "")
	_, err := ConfigFromEnv("")
	assert.Error(t, err)

	t.Setenv("HOP_DB_MAX_OPEN_CONNS", "20")
	t.Setenv("HOP_DB_MAX_IDLE_CONNS", "bogus")
	t.Setenv("HOP_DB_CONN_MAX_LIFETIME", "1h")
	cfg, err := ConfigFromEnv(" postgres://u:p@db:5432/hop ")
	require.NoError(t, err)
	assert.Equal(t, "postgres://u:p@db:5432/hop", cfg.DSN)
	assert.Equal(t, 20, cfg.MaxOpenConns)
	assert.Equal(t, 5, cfg.MaxIdleConns)
	assert.Equal(t, time.Hour, cfg.ConnMaxLifetime)

	t.Setenv("HOP_DB_DSN", "postgres://env@db/hop")
	cfg, err = ConfigFromEnv("")
	require.NoError(t, err)
	assert.Equal(t, "postgres://env@db/hop", cfg.DSN)
}

func TestMaskDSN(t *testing.T) {
	assert.Equal(t, "", maskDSN(""))
	assert.Equal(t, "***", maskDSN("host=db user=hop password=secret"))
	masked := maskDSN("postgres://hop:secret@db:5432/hop?sslmode=disable")
	assert.NotContains(t, masked, "secret")
	assert.Contains(t, masked, "db:5432")
}

func TestOpenPostgresRequiresDSN(t *testing.T) {
	_, err := OpenPostgres(context.Background(), logging.NewNop(), Config{})
	assert.Error(t, err)
	assert.Error(t, configurePool(nil, defaultConfig()))
}

func TestPSKQueries(t *testing.T) {
	query, args := lookupQuery("device-1")
	assert.Contains(t, query, `"psk"`)
	assert.Contains(t, query, `FROM "dtls_psk_identities"`)
	assert.Contains(t, query, `"identity" = $1`)
	assert.Equal(t, []any{"device-1"}, args)

	now := time.Unix(1700000000, 0).UTC()
	id := uuid.New()
	query, args = upsertQuery(id, "device-1", []byte{0x01}, "lab", now)
	assert.Contains(t, query, `INSERT INTO "dtls_psk_identities"`)
	assert.Contains(t, query, `ON CONFLICT ("identity") DO UPDATE SET`)
	assert.Contains(t, query, `$6`)
	assert.Equal(t, []any{id, "device-1", []byte{0x01}, "lab", now, now}, args)

	query, args = deleteQuery("device-1")
	assert.Contains(t, query, `DELETE FROM "dtls_psk_identities"`)
	assert.Contains(t, query, `"identity" = $1`)
	assert.Equal(t, []any{"device-1"}, args)
}

func TestPSKTableSchema(t *testing.T) {
	require.Len(t, pskTable.PrimaryKey, 1)
	assert.Equal(t, "id", pskTable.PrimaryKey[0].Name)

	names := make([]string, 0, len(pskTable.Columns))
	for _, c := range pskTable.Columns {
		names = append(names, c.Name)
		if c.Name == "identity" {
			assert.True(t, c.Unique)
		}
	}
	assert.Equal(t, []string{"id", "identity", "psk", "memo", "created_at", "updated_at"}, names)
}

// HOP_TEST_DB_DSN 이 설정된 경우에만 실제 PostgreSQL 에 대해 실행합니다.
func TestPSKStorePostgres(t *testing.T) {
	dsn := os.Getenv("HOP_TEST_DB_DSN")
	if dsn == "" {
		t.Skip("HOP_TEST_DB_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := ConfigFromEnv(dsn)
	require.NoError(t, err)
	drv, err := OpenPostgres(ctx, logging.NewNop(), cfg)
	require.NoError(t, err)
	defer drv.Close()

	s := NewPSKStore(logging.NewNop(), drv)
	identity := "test-" + time.Now().Format("150405.000000")

	_, err = s.RegisterIdentity(ctx, identity, "store test")
	require.NoError(t, err)
	// 같은 identity 를 다시 등록하면 키가 교체됩니다.
	encoded, err := s.RegisterIdentity(ctx, identity, "store test")
	require.NoError(t, err)
	want, err := dtls.DecodePSK(encoded)
	require.NoError(t, err)

	got, err := s.LookupPSK(ctx, []byte(identity))
	require.NoError(t, err)
	assert.Equal(t, want, got)

	require.NoError(t, s.UnregisterIdentity(ctx, identity))
	assert.ErrorIs(t, s.UnregisterIdentity(ctx, identity), dtls.ErrUnknownIdentity)
	_, err = s.LookupPSK(ctx, []byte(identity))
	assert.ErrorIs(t, err, dtls.ErrUnknownIdentity)

	_, err = s.RegisterIdentity(ctx, " ", "")
	assert.ErrorIs(t, err, dtls.ErrEmptyIdentity)
}
