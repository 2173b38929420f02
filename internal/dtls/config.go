package dtls

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"strings"
	"time"

	piondtls "github.com/pion/dtls/v3"

	"github.com/dalbodeule/hop-dtls/internal/logging"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultSettleTimeout    = time.Second
	defaultReadGrace        = 20 * time.Millisecond
	pskLookupTimeout        = 5 * time.Second
)

// Config 는 한 역할(client/server)의 핸드셰이크 컨텍스트를 만들어내는 설정입니다.
// 같은 Config 로 여러 컨텍스트를 만들 수 있으며, 생성 이후에는 읽기 전용으로 취급합니다.
type Config struct {
	Role Role

	// DTLS 는 pion 엔진 설정입니다. 컨텍스트마다 얕은 복사본이 사용됩니다.
	DTLS *piondtls.Config

	// HandshakeTimeout 은 핸드셰이크 한 번에 허용되는 최대 시간입니다.
	// 끝나지 않는 half-open 핸드셰이크도 이 시간이 지나면 실패로 정리됩니다.
	HandshakeTimeout time.Duration

	// ConnectionIDSize 가 0 보다 크면 RFC 9146 connection ID 를 요청합니다.
	ConnectionIDSize int

	// SendConnectionID 는 스스로 CID 를 요청하지 않고 피어의 CID 만 사용합니다.
	SendConnectionID bool

	// SettleTimeout 은 datagram 투입 후 엔진 처리 완료를 기다리는 상한입니다.
	SettleTimeout time.Duration

	// ReadGrace 는 복호화 결과를 엔진에서 꺼낼 때 기다리는 시간입니다.
	ReadGrace time.Duration

	Logger logging.Logger
}

func (c *Config) handshakeTimeout() time.Duration {
	if c.HandshakeTimeout > 0 {
		return c.HandshakeTimeout
	}
	return defaultHandshakeTimeout
}

func (c *Config) settleTimeout() time.Duration {
	if c.SettleTimeout > 0 {
		return c.SettleTimeout
	}
	return defaultSettleTimeout
}

func (c *Config) readGrace() time.Duration {
	if c.ReadGrace > 0 {
		return c.ReadGrace
	}
	return defaultReadGrace
}

func (c *Config) logger() logging.Logger {
	if c.Logger == nil {
		return logging.NewNop()
	}
	return c.Logger
}

// localCIDLen 은 피어가 우리에게 보내는 레코드에 실리는 CID 길이입니다.
func (c *Config) localCIDLen() int {
	if c.SendConnectionID || c.ConnectionIDSize <= 0 {
		return 0
	}
	return c.ConnectionIDSize
}

// engineConfig 는 컨텍스트 하나에 쓰일 pion 설정 복사본을 만듭니다.
func (c *Config) engineConfig() (*piondtls.Config, error) {
	if c.DTLS == nil {
		return nil, fmt.Errorf("%w: missing engine configuration", ErrConfig)
	}
	if c.Role != RoleClient && c.Role != RoleServer {
		return nil, fmt.Errorf("%w: unknown role %v", ErrConfig, c.Role)
	}
	cfg := *c.DTLS
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.PionLoggerFactory(c.logger().With(logging.Fields{"component": "dtls_engine"}))
	}
	switch {
	case c.SendConnectionID:
		cfg.ConnectionIDGenerator = piondtls.OnlySendCIDGenerator()
	case c.ConnectionIDSize > 0:
		cfg.ConnectionIDGenerator = piondtls.RandomCIDGenerator(c.ConnectionIDSize)
	}
	return &cfg, nil
}

// Validate 는 네트워크 활동 없이 설정 오류를 확인합니다.
func (c *Config) Validate() error {
	cfg, err := c.engineConfig()
	if err != nil {
		return err
	}
	if c.Role == RoleClient && cfg.PSK != nil && cfg.PSKIdentityHint == nil {
		return fmt.Errorf("%w: psk client requires an identity", ErrConfig)
	}
	if c.Role == RoleServer && cfg.PSK == nil && len(cfg.Certificates) == 0 {
		return fmt.Errorf("%w: server requires psk or certificates", ErrConfig)
	}
	return nil
}

// DefaultPSKCipherSuites 는 PSK 설정의 기본 cipher suite 목록입니다.
var DefaultPSKCipherSuites = []piondtls.CipherSuiteID{
	piondtls.TLS_PSK_WITH_AES_128_CCM_8,
	piondtls.TLS_PSK_WITH_AES_128_GCM_SHA256,
}

var knownCipherSuites = []piondtls.CipherSuiteID{
	piondtls.TLS_ECDHE_ECDSA_WITH_AES_128_CCM,
	piondtls.TLS_ECDHE_ECDSA_WITH_AES_128_CCM_8,
	piondtls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	piondtls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	piondtls.TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA,
	piondtls.TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA,
	piondtls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	piondtls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	piondtls.TLS_PSK_WITH_AES_128_CCM,
	piondtls.TLS_PSK_WITH_AES_128_CCM_8,
	piondtls.TLS_PSK_WITH_AES_256_CCM_8,
	piondtls.TLS_PSK_WITH_AES_128_GCM_SHA256,
	piondtls.TLS_PSK_WITH_AES_128_CBC_SHA256,
	piondtls.TLS_ECDHE_PSK_WITH_AES_128_CBC_SHA256,
}

// ParseCipherSuites 는 IANA 이름(예: TLS_PSK_WITH_AES_128_CCM_8) 목록을 ID 로 변환합니다.
// 빈 목록은 nil 을 반환하여 기본값을 사용하게 합니다.
func ParseCipherSuites(names []string) ([]piondtls.CipherSuiteID, error) {
	if len(names) == 0 {
		return nil, nil
	}
	out := make([]piondtls.CipherSuiteID, 0, len(names))
	for _, raw := range names {
		name := strings.ToUpper(strings.TrimSpace(raw))
		if name == "" {
			continue
		}
		found := false
		for _, id := range knownCipherSuites {
			if piondtls.CipherSuiteName(id) == name {
				out = append(out, id)
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: unknown cipher suite %q", ErrConfig, raw)
		}
	}
	return out, nil
}

// NewClientPSKConfig 는 (identity, key) 로 인증하는 클라이언트 설정을 만듭니다.
func NewClientPSKConfig(identity, key []byte, suites []piondtls.CipherSuiteID) *Config {
	if len(suites) == 0 {
		suites = DefaultPSKCipherSuites
	}
	k := append([]byte(nil), key...)
	return &Config{
		Role: RoleClient,
		DTLS: &piondtls.Config{
			PSK: func([]byte) ([]byte, error) {
				return k, nil
			},
			PSKIdentityHint:      append([]byte(nil), identity...),
			CipherSuites:         suites,
			ExtendedMasterSecret: piondtls.RequestExtendedMasterSecret,
		},
	}
}

// NewServerPSKConfig 는 PSKStore 에서 identity 별 키를 조회하는 서버 설정을 만듭니다.
// hint 는 ServerKeyExchange 로 전달되며 nil 이어도 됩니다.
func NewServerPSKConfig(store PSKStore, hint []byte, suites []piondtls.CipherSuiteID) *Config {
	if len(suites) == 0 {
		suites = DefaultPSKCipherSuites
	}
	return &Config{
		Role: RoleServer,
		DTLS: &piondtls.Config{
			PSK: func(identity []byte) ([]byte, error) {
				ctx, cancel := context.WithTimeout(context.Background(), pskLookupTimeout)
				defer cancel()
				return store.LookupPSK(ctx, identity)
			},
			PSKIdentityHint:      hint,
			CipherSuites:         suites,
			ExtendedMasterSecret: piondtls.RequestExtendedMasterSecret,
		},
	}
}

// NewServerCertificateConfig 는 인증서 기반 서버 설정을 만듭니다.
func NewServerCertificateConfig(certs []tls.Certificate, suites []piondtls.CipherSuiteID) *Config {
	return &Config{
		Role: RoleServer,
		DTLS: &piondtls.Config{
			Certificates:         certs,
			CipherSuites:         suites,
			ExtendedMasterSecret: piondtls.RequireExtendedMasterSecret,
		},
	}
}

// NewClientCertificateConfig 는 인증서 기반 클라이언트 설정을 만듭니다.
// insecure 가 true 이면 체인 검증을 생략합니다(debug 용 self-signed 서버).
func NewClientCertificateConfig(roots *x509.CertPool, serverName string, insecure bool, suites []piondtls.CipherSuiteID) *Config {
	return &Config{
		Role: RoleClient,
		DTLS: &piondtls.Config{
			RootCAs:              roots,
			ServerName:           serverName,
			InsecureSkipVerify:   insecure,
			CipherSuites:         suites,
			ExtendedMasterSecret: piondtls.RequireExtendedMasterSecret,
		},
	}
}
