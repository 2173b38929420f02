package admin

import (
	"context"
	"errors"
	"strings"

	"github.com/dalbodeule/hop-dtls/internal/dtls"
)

// ErrInvalidIdentity 는 identity 값이 비어 있거나 허용되지 않는 문자를 포함할 때 사용됩니다.
var ErrInvalidIdentity = errors.New("invalid psk identity")

// maxIdentityLength 는 PSK identity 의 최대 길이입니다 (RFC 4279: 2^16-1, 여기서는 운영상 제한).
const maxIdentityLength = 128

// SessionManager 는 DTLS 세션 테이블 조회/제거를 담당합니다. *dtls.Server 가 구현합니다.
type SessionManager interface {
	Sessions() []dtls.SessionInfo
	Evict(peer string) bool
}

// CredentialService 는 PSK identity 발급/해제를 담당하는 인터페이스입니다.
// 구현: dtls.MemoryPSKStore, store.PSKStore(PostgreSQL).
type CredentialService interface {
	// RegisterIdentity 는 identity 에 새 랜덤 키를 발급하고 hex 문자열로 반환합니다.
	RegisterIdentity(ctx context.Context, identity, memo string) (hexKey string, err error)

	// UnregisterIdentity 는 identity 를 삭제합니다. 없으면 dtls.ErrUnknownIdentity 입니다.
	UnregisterIdentity(ctx context.Context, identity string) error
}

// normalizeIdentity 는 앞뒤 공백을 제거하고 제어 문자가 포함된 identity 를 거부합니다.
func normalizeIdentity(identity string) (string, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" || len(identity) > maxIdentityLength {
		return "", ErrInvalidIdentity
	}
	for _, r := range identity {
		if r < 0x20 || r == 0x7f {
			return "", ErrInvalidIdentity
		}
	}
	return identity, nil
}
