package dtls

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dalbodeule/hop-dtls/internal/logging"
)

// PSKStore 는 PSK identity 에 대응하는 키를 조회합니다.
// 등록되지 않은 identity 는 ErrUnknownIdentity 를 반환해야 합니다.
// 구현: MemoryPSKStore(정적/개발용), store.PSKStore(PostgreSQL).
type PSKStore interface {
	LookupPSK(ctx context.Context, identity []byte) ([]byte, error)
}

// DefaultPSKLength 는 새로 발급하는 PSK 의 바이트 길이입니다.
const DefaultPSKLength = 16

// GeneratePSK 는 length 바이트의 랜덤 키를 생성합니다.
func GeneratePSK(length int) ([]byte, error) {
	if length <= 0 {
		return nil, fmt.Errorf("invalid psk length: %d", length)
	}
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// DecodePSK 는 hex 로 인코딩된 키를 디코딩합니다.
func DecodePSK(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty psk", ErrConfig)
	}
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: psk must be hex encoded: %v", ErrConfig, err)
	}
	return key, nil
}

// MaskKey 는 로그에 남길 수 있도록 키 문자열을 마스킹합니다.
func MaskKey(key string) string {
	key = strings.TrimSpace(key)
	if len(key) <= 8 {
		if key == "" {
			return ""
		}
		return "***"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

// MemoryPSKStore 는 메모리에 identity -> key 를 보관하는 PSKStore 입니다.
// 설정 파일의 정적 키나 DB 없이 실행되는 debug 서버에서 사용합니다.
type MemoryPSKStore struct {
	Logger logging.Logger

	mu   sync.RWMutex
	keys map[string][]byte
}

// NewMemoryPSKStore 는 초기 키 목록(identity -> key)으로 저장소를 만듭니다.
func NewMemoryPSKStore(logger logging.Logger, keys map[string][]byte) *MemoryPSKStore {
	if logger == nil {
		logger = logging.NewNop()
	}
	s := &MemoryPSKStore{
		Logger: logger.With(logging.Fields{"component": "psk_store"}),
		keys:   make(map[string][]byte, len(keys)),
	}
	for id, k := range keys {
		s.keys[id] = append([]byte(nil), k...)
	}
	return s
}

func (s *MemoryPSKStore) LookupPSK(_ context.Context, identity []byte) ([]byte, error) {
	s.mu.RLock()
	key, ok := s.keys[string(identity)]
	s.mu.RUnlock()
	if !ok {
		s.Logger.Warn("unknown psk identity", logging.Fields{"identity": string(identity)})
		return nil, ErrUnknownIdentity
	}
	return append([]byte(nil), key...), nil
}

// Put 은 identity 의 키를 설정하거나 교체합니다.
func (s *MemoryPSKStore) Put(identity string, key []byte) {
	s.mu.Lock()
	s.keys[identity] = append([]byte(nil), key...)
	s.mu.Unlock()
}

// RegisterIdentity 는 새 identity 에 랜덤 키를 발급하고 hex 문자열로 반환합니다.
func (s *MemoryPSKStore) RegisterIdentity(_ context.Context, identity, memo string) (string, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return "", ErrEmptyIdentity
	}
	key, err := GeneratePSK(DefaultPSKLength)
	if err != nil {
		return "", err
	}
	s.Put(identity, key)

	encoded := hex.EncodeToString(key)
	s.Logger.Info("psk identity registered", logging.Fields{
		"identity":   identity,
		"memo":       memo,
		"psk_masked": MaskKey(encoded),
	})
	return encoded, nil
}

// UnregisterIdentity 는 identity 를 삭제합니다. 없으면 ErrUnknownIdentity 입니다.
func (s *MemoryPSKStore) UnregisterIdentity(_ context.Context, identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[identity]; !ok {
		return ErrUnknownIdentity
	}
	delete(s.keys, identity)
	s.Logger.Info("psk identity unregistered", logging.Fields{"identity": identity})
	return nil
}

// Identities 는 등록된 identity 목록을 정렬하여 반환합니다.
func (s *MemoryPSKStore) Identities() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.keys))
	for id := range s.keys {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
