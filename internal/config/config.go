package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
)

// ErrInvalid 는 설정 검증 실패를 나타냅니다.
var ErrInvalid = errors.New("invalid configuration")

const (
	ModePSK         = "psk"
	ModeCertificate = "certificate"
)

// Duration 은 TOML 에서 "10s", "250ms" 같은 문자열로 쓰는 time.Duration 입니다.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// LoggingConfig 는 공통 로그 설정을 담습니다.
type LoggingConfig struct {
	Level string `toml:"level"` // 예: "debug", "info", "warn", "error"
}

// AdminConfig 는 관리 API / 메트릭 HTTP 서버 설정입니다.
type AdminConfig struct {
	Listen string `toml:"listen"`  // 비어 있으면 관리 서버를 띄우지 않습니다.
	APIKey string `toml:"api_key"` // Authorization: Bearer {APIKey}
}

// DatabaseConfig 는 PSK identity 를 저장하는 PostgreSQL 설정입니다.
// DSN 이 비어 있으면 메모리 저장소를 사용합니다.
type DatabaseConfig struct {
	DSN string `toml:"dsn"`
}

// ServerConfig 는 서버 프로세스 설정을 담습니다.
type ServerConfig struct {
	Listen           string            `toml:"listen"`             // 예: ":5684"
	Mode             string            `toml:"mode"`               // "psk" 또는 "certificate"
	CipherSuites     []string          `toml:"cipher_suites"`      // IANA 이름, 비어 있으면 기본값
	HandshakeTimeout Duration          `toml:"handshake_timeout"`  // half-open 핸드셰이크 정리 기준
	FlightInterval   Duration          `toml:"flight_interval"`    // 0 이면 엔진 기본값
	ConnectionIDSize int               `toml:"connection_id_size"` // 0 이면 CID 비활성
	PSKHint          string            `toml:"psk_hint"`
	PSKKeys          map[string]string `toml:"psk_keys"` // identity -> hex key (정적 키)
	CertFile         string            `toml:"cert_file"`
	KeyFile          string            `toml:"key_file"`
	ResponseSuffix   string            `toml:"response_suffix"` // echo 핸들러가 붙이는 접미사
	Debug            bool              `toml:"debug"`           // true 이면 인증서가 없을 때 self-signed 사용

	Admin    AdminConfig    `toml:"admin"`
	Database DatabaseConfig `toml:"database"`
	Logging  LoggingConfig  `toml:"logging"` // 서버용 로그 설정
}

// ClientConfig 는 클라이언트 프로세스 설정을 담습니다.
// 값은 TOML 파일, .env/환경변수, CLI 인자를 조합해 구성하며
// CLI 인자 > env > 파일 > 기본값 순으로 적용됩니다.
type ClientConfig struct {
	ServerAddr       string   `toml:"server_addr"` // DTLS 서버 주소 (host:port)
	BindPort         int      `toml:"bind_port"`   // 0 이면 임의 포트
	Mode             string   `toml:"mode"`
	Identity         string   `toml:"identity"` // PSK identity
	PSK              string   `toml:"psk"`      // hex 로 인코딩된 PSK
	CipherSuites     []string `toml:"cipher_suites"`
	HandshakeTimeout Duration `toml:"handshake_timeout"`
	FlightInterval   Duration `toml:"flight_interval"`
	SendConnectionID bool     `toml:"send_connection_id"`
	ConnectionIDSize int      `toml:"connection_id_size"`
	ServerName       string   `toml:"server_name"`
	CAFile           string   `toml:"ca_file"`
	SessionFile      string   `toml:"session_file"` // 세션 저장/재개 파일
	Debug            bool     `toml:"debug"`        // true 이면 서버 인증서 검증 스킵

	Logging LoggingConfig `toml:"logging"` // 클라이언트용 로그 설정
}

var (
	dotenvOnce sync.Once
	dotenvErr  error
)

// loadDotEnvOnce 는 현재 작업 디렉터리의 .env 파일을 한 번만 읽어서 os.Environ 에 주입합니다.
// - KEY=VALUE, export KEY=VALUE 형식을 지원
// - # 으로 시작하는 줄은 주석으로 간주합니다.
func loadDotEnvOnce() {
	dotenvOnce.Do(func() {
		dotenvErr = loadDotEnv(".env")
	})
}

func loadDotEnv(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// .env 가 없으면 조용히 무시
			return nil
		}
		return err
	}
	if fi.IsDir() {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		// 양 끝의 작은/큰따옴표 제거
		val = strings.Trim(val, `"'`)

		if key != "" {
			// 이미 OS 환경변수에 설정된 값이 있으면 그대로 둡니다.
			if _, exists := os.LookupEnv(key); !exists {
				_ = os.Setenv(key, val)
			}
		}
	}
	return scanner.Err()
}

func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return def
	}
	switch v {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getEnvInt(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrInvalid, key, err)
	}
	return n, nil
}

func getEnvDuration(key string, def Duration) (Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return Duration{}, fmt.Errorf("%w: %s: %v", ErrInvalid, key, err)
	}
	return Duration{d}, nil
}

func parseCSVEnv(key string, def []string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseKeyValueCSV 는 "k1=v1,k2=v2" 형태의 문자열을 map 으로 변환합니다.
func parseKeyValueCSV(raw string) map[string]string {
	if raw == "" {
		return nil
	}
	m := make(map[string]string)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		k := strings.TrimSpace(kv[0])
		v := strings.TrimSpace(kv[1])
		if k != "" {
			m[k] = v
		}
	}
	return m
}

// decodeFile 은 path 가 비어 있지 않으면 TOML 파일을 v 에 덮어씁니다.
func decodeFile(path string, v any) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	md, err := toml.DecodeFile(path, v)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return fmt.Errorf("%w: unknown keys in %s: %s", ErrInvalid, path, strings.Join(keys, ", "))
	}
	return nil
}

// normalizePort 는 숫자 포트만 지정된 경우 ":" prefix 를 붙입니다 (예: "5684" -> ":5684").
func normalizePort(p string, def string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return def
	}
	if strings.HasPrefix(p, ":") {
		return p
	}
	if _, err := strconv.Atoi(p); err == nil {
		return ":" + p
	}
	return p
}

func defaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Listen:           ":5684",
		Mode:             ModePSK,
		HandshakeTimeout: Duration{10 * time.Second},
		ResponseSuffix:   ":resp",
		Logging:          LoggingConfig{Level: "info"},
	}
}

func defaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Mode:             ModePSK,
		HandshakeTimeout: Duration{10 * time.Second},
		Logging:          LoggingConfig{Level: "info"},
	}
}

// LoadServerConfig 는 기본값 위에 TOML 파일(path 가 비어 있지 않으면)과
// .env/환경변수를 차례로 덮어써 서버 설정을 구성합니다.
func LoadServerConfig(path string) (*ServerConfig, error) {
	loadDotEnvOnce()
	if dotenvErr != nil {
		return nil, dotenvErr
	}

	cfg := defaultServerConfig()
	if err := decodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.Listen = normalizePort(cfg.Listen, ":5684")
	cfg.Admin.Listen = normalizePort(cfg.Admin.Listen, "")
	return cfg, nil
}

func (c *ServerConfig) applyEnv() error {
	var err error
	c.Listen = getEnvOrDefault("HOP_DTLS_LISTEN", c.Listen)
	c.Mode = strings.ToLower(getEnvOrDefault("HOP_DTLS_MODE", c.Mode))
	c.CipherSuites = parseCSVEnv("HOP_DTLS_CIPHER_SUITES", c.CipherSuites)
	if c.HandshakeTimeout, err = getEnvDuration("HOP_DTLS_HANDSHAKE_TIMEOUT", c.HandshakeTimeout); err != nil {
		return err
	}
	if c.FlightInterval, err = getEnvDuration("HOP_DTLS_FLIGHT_INTERVAL", c.FlightInterval); err != nil {
		return err
	}
	if c.ConnectionIDSize, err = getEnvInt("HOP_DTLS_CID_SIZE", c.ConnectionIDSize); err != nil {
		return err
	}
	c.PSKHint = getEnvOrDefault("HOP_DTLS_PSK_HINT", c.PSKHint)
	if keys := parseKeyValueCSV(os.Getenv("HOP_DTLS_PSK_KEYS")); len(keys) > 0 {
		c.PSKKeys = keys
	}
	c.CertFile = getEnvOrDefault("HOP_DTLS_CERT_FILE", c.CertFile)
	c.KeyFile = getEnvOrDefault("HOP_DTLS_KEY_FILE", c.KeyFile)
	c.ResponseSuffix = getEnvOrDefault("HOP_SERVER_RESPONSE_SUFFIX", c.ResponseSuffix)
	c.Debug = getEnvBool("HOP_SERVER_DEBUG", c.Debug)

	c.Admin.Listen = getEnvOrDefault("HOP_ADMIN_LISTEN", c.Admin.Listen)
	c.Admin.APIKey = getEnvOrDefault("HOP_ADMIN_API_KEY", c.Admin.APIKey)
	c.Database.DSN = getEnvOrDefault("HOP_DB_DSN", c.Database.DSN)
	c.Logging.Level = getEnvOrDefault("HOP_LOG_LEVEL", c.Logging.Level)
	return nil
}

// Validate 는 소켓을 열기 전에 설정 오류를 확인합니다.
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.Listen) == "" {
		return fmt.Errorf("%w: listen address is required", ErrInvalid)
	}
	if c.HandshakeTimeout.Duration < 0 || c.FlightInterval.Duration < 0 {
		return fmt.Errorf("%w: durations must not be negative", ErrInvalid)
	}
	if c.ConnectionIDSize < 0 || c.ConnectionIDSize > 255 {
		return fmt.Errorf("%w: connection_id_size must be within 0..255", ErrInvalid)
	}
	switch c.Mode {
	case ModePSK:
		if len(c.PSKKeys) == 0 && c.Database.DSN == "" && c.Admin.Listen == "" {
			return fmt.Errorf("%w: psk mode needs psk_keys, a database or the admin api to register identities", ErrInvalid)
		}
	case ModeCertificate:
		if (c.CertFile == "") != (c.KeyFile == "") {
			return fmt.Errorf("%w: cert_file and key_file must be set together", ErrInvalid)
		}
		if c.CertFile == "" && !c.Debug {
			return fmt.Errorf("%w: certificate mode requires cert_file/key_file (or debug for self-signed)", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalid, c.Mode)
	}
	if c.Admin.Listen != "" && strings.TrimSpace(c.Admin.APIKey) == "" {
		return fmt.Errorf("%w: admin api requires api_key", ErrInvalid)
	}
	return nil
}

// LoadClientConfig 는 기본값 위에 TOML 파일과 .env/환경변수를 차례로 덮어써
// 클라이언트 설정을 구성합니다.
func LoadClientConfig(path string) (*ClientConfig, error) {
	loadDotEnvOnce()
	if dotenvErr != nil {
		return nil, dotenvErr
	}

	cfg := defaultClientConfig()
	if err := decodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *ClientConfig) applyEnv() error {
	var err error
	c.ServerAddr = getEnvOrDefault("HOP_CLIENT_SERVER_ADDR", c.ServerAddr)
	if c.BindPort, err = getEnvInt("HOP_CLIENT_BIND_PORT", c.BindPort); err != nil {
		return err
	}
	c.Mode = strings.ToLower(getEnvOrDefault("HOP_CLIENT_MODE", c.Mode))
	c.Identity = getEnvOrDefault("HOP_CLIENT_IDENTITY", c.Identity)
	c.PSK = getEnvOrDefault("HOP_CLIENT_PSK", c.PSK)
	c.CipherSuites = parseCSVEnv("HOP_CLIENT_CIPHER_SUITES", c.CipherSuites)
	if c.HandshakeTimeout, err = getEnvDuration("HOP_CLIENT_HANDSHAKE_TIMEOUT", c.HandshakeTimeout); err != nil {
		return err
	}
	if c.FlightInterval, err = getEnvDuration("HOP_CLIENT_FLIGHT_INTERVAL", c.FlightInterval); err != nil {
		return err
	}
	c.SendConnectionID = getEnvBool("HOP_CLIENT_SEND_CID", c.SendConnectionID)
	if c.ConnectionIDSize, err = getEnvInt("HOP_CLIENT_CID_SIZE", c.ConnectionIDSize); err != nil {
		return err
	}
	c.ServerName = getEnvOrDefault("HOP_CLIENT_SERVER_NAME", c.ServerName)
	c.CAFile = getEnvOrDefault("HOP_CLIENT_CA_FILE", c.CAFile)
	c.SessionFile = getEnvOrDefault("HOP_CLIENT_SESSION_FILE", c.SessionFile)
	c.Debug = getEnvBool("HOP_CLIENT_DEBUG", c.Debug)
	c.Logging.Level = getEnvOrDefault("HOP_LOG_LEVEL", c.Logging.Level)
	return nil
}

// Validate 는 네트워크 활동 전에 클라이언트 설정 오류를 확인합니다.
func (c *ClientConfig) Validate() error {
	if strings.TrimSpace(c.ServerAddr) == "" {
		return fmt.Errorf("%w: server_addr is required", ErrInvalid)
	}
	if c.BindPort < 0 || c.BindPort > 65535 {
		return fmt.Errorf("%w: bind_port out of range", ErrInvalid)
	}
	if c.HandshakeTimeout.Duration < 0 || c.FlightInterval.Duration < 0 {
		return fmt.Errorf("%w: durations must not be negative", ErrInvalid)
	}
	if c.ConnectionIDSize < 0 || c.ConnectionIDSize > 255 {
		return fmt.Errorf("%w: connection_id_size must be within 0..255", ErrInvalid)
	}
	switch c.Mode {
	case ModePSK:
		if strings.TrimSpace(c.Identity) == "" || strings.TrimSpace(c.PSK) == "" {
			return fmt.Errorf("%w: psk mode requires identity and psk", ErrInvalid)
		}
	case ModeCertificate:
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalid, c.Mode)
	}
	return nil
}
