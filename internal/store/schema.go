package store

import (
	"context"
	"fmt"

	"entgo.io/ent/dialect"
	"entgo.io/ent/dialect/sql/schema"
	"entgo.io/ent/schema/field"
)

// pskTableName 은 PSK identity 를 저장하는 테이블입니다.
// - id: UUID 기본 키
// - identity: 클라이언트가 ClientKeyExchange 에 싣는 PSK identity
// - psk: 원본 키 바이트
// - memo: 관리자 메모
// - created_at / updated_at: 감사용 타임스탬프
const pskTableName = "dtls_psk_identities"

var (
	pskColumns = []*schema.Column{
		{Name: "id", Type: field.TypeUUID},
		{Name: "identity", Type: field.TypeString, Unique: true},
		{Name: "psk", Type: field.TypeBytes},
		{Name: "memo", Type: field.TypeString, Default: ""},
		{Name: "created_at", Type: field.TypeTime},
		{Name: "updated_at", Type: field.TypeTime},
	}
	pskTable = &schema.Table{
		Name:       pskTableName,
		Columns:    pskColumns,
		PrimaryKey: []*schema.Column{pskColumns[0]},
	}

	tables = []*schema.Table{pskTable}
)

// migrate 는 테이블이 없으면 만들고, 있으면 누락된 컬럼/인덱스만 추가합니다.
func migrate(ctx context.Context, drv dialect.Driver) error {
	m, err := schema.NewMigrate(drv)
	if err != nil {
		return fmt.Errorf("ent migrate: %w", err)
	}
	return m.Create(ctx, tables...)
}
