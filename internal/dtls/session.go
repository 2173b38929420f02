package dtls

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	piondtls "github.com/pion/dtls/v3"
)

// maxRecordPlaintext 는 하나의 DTLS 레코드가 담을 수 있는 최대 평문 크기보다 넉넉한 버퍼 크기입니다.
const maxRecordPlaintext = 64 * 1024

// Session 은 한 피어와 수립된 DTLS 세션입니다. 소켓을 소유하지 않으며,
// 암호화된 레코드는 호출자가 직접 Channel 로 보내고 받습니다.
//
// Encrypt/Decrypt/Save 는 내부 mutex 로 직렬화되므로 하나의 엔진 컨텍스트가
// 동시에 두 연산에 의해 변경되지 않습니다.
type Session struct {
	id     string
	role   Role
	peer   net.Addr
	conn   *piondtls.Conn
	pipe   *datagramPipe
	cidLen int
	settle time.Duration
	grace  time.Duration

	establishedAt time.Time
	cipherSuite   piondtls.CipherSuiteID
	peerCID       []byte

	mu     sync.Mutex
	buf    []byte
	closed atomic.Bool
}

// stateView 는 pion State 의 직렬화 결과 중 필요한 필드만 읽어옵니다.
type stateView struct {
	CipherSuiteID      uint16
	LocalConnectionID  []byte
	RemoteConnectionID []byte
	IsClient           bool
}

func inspectState(raw []byte) (*stateView, error) {
	var v stateView
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&v); err != nil {
		return nil, err
	}
	return &v, nil
}

func newSession(cfg *Config, peer net.Addr, conn *piondtls.Conn, pipe *datagramPipe) (*Session, error) {
	st, ok := conn.ConnectionState()
	if !ok {
		return nil, errors.New("connection state unavailable")
	}
	raw, err := st.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal connection state: %w", err)
	}
	view, err := inspectState(raw)
	if err != nil {
		return nil, fmt.Errorf("inspect connection state: %w", err)
	}

	role := RoleServer
	if view.IsClient {
		role = RoleClient
	}
	return &Session{
		id:            uuid.NewString(),
		role:          role,
		peer:          peer,
		conn:          conn,
		pipe:          pipe,
		cidLen:        len(view.LocalConnectionID),
		settle:        cfg.settleTimeout(),
		grace:         cfg.readGrace(),
		establishedAt: time.Now(),
		cipherSuite:   piondtls.CipherSuiteID(view.CipherSuiteID),
		peerCID:       view.RemoteConnectionID,
		buf:           make([]byte, maxRecordPlaintext),
	}, nil
}

// ID 는 세션 생성 시 부여된 UUID 입니다.
func (s *Session) ID() string { return s.id }

func (s *Session) Role() Role { return s.role }

func (s *Session) Peer() net.Addr { return s.peer }

func (s *Session) EstablishedAt() time.Time { return s.establishedAt }

// CipherSuite 는 협상된 cipher suite 의 IANA 이름입니다.
func (s *Session) CipherSuite() string {
	return piondtls.CipherSuiteName(s.cipherSuite)
}

// PeerCID 는 피어가 요청한 connection ID 입니다. 협상되지 않았으면 nil 입니다.
func (s *Session) PeerCID() []byte {
	if len(s.peerCID) == 0 {
		return nil
	}
	return append([]byte(nil), s.peerCID...)
}

// Encrypt 는 plaintext 를 application data 레코드로 보호한 datagram 을 반환합니다.
// 레코드는 전송되지 않으므로 호출자가 Channel 로 보내야 합니다.
func (s *Session) Encrypt(plaintext []byte) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pipe.beginCapture()
	_, err := s.conn.Write(plaintext)
	record := s.pipe.endCapture()
	if err != nil {
		if errors.Is(err, piondtls.ErrConnClosed) || s.closed.Load() {
			return nil, ErrSessionClosed
		}
		return nil, fmt.Errorf("encrypt: %w", err)
	}
	if record == nil {
		return nil, errors.New("encrypt: engine produced no record")
	}
	return record, nil
}

// Decrypt 는 datagram 하나를 엔진에 넣고 복호화된 application data 를 레코드 순서대로 반환합니다.
// 한 datagram 에 여러 레코드가 실려 있으면 평문도 여러 개입니다.
//
//   - 레코드 프레이밍이 깨졌거나 엔진이 세션을 닫았으면 ErrDecrypt 를 감싼 에러입니다.
//   - 보호된 application data 레코드가 인증 태그 불일치나 재전송으로 엔진에서 버려지면
//     역시 ErrDecrypt 입니다.
//   - application data 가 없는 datagram(핸드셰이크 재전송 등)은 (nil, nil) 입니다.
func (s *Session) Decrypt(datagram []byte) ([][]byte, error) {
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}
	protected, err := checkRecords(datagram, s.cidLen)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.pipe.push(datagram); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	out, err := s.collect()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	if len(out) < protected {
		return nil, fmt.Errorf("%w: %d of %d records failed authentication", ErrDecrypt, protected-len(out), protected)
	}
	return out, nil
}

// collect 는 엔진이 받은 datagram 을 다 처리할 때까지 복호화된 평문을 모두 꺼냅니다.
// 엔진은 꺼내지 않은 평문이 있으면 다음 레코드로 넘어가지 않으므로 settle 대신
// idle 확인과 평문 읽기를 번갈아 합니다. s.mu 를 잡은 상태에서 호출합니다.
func (s *Session) collect() ([][]byte, error) {
	deadline := time.Now().Add(s.settle)
	var out [][]byte
	for {
		// idle 이 읽기 전에 참이었다면 남은 평문은 이번 읽기로 전부 나옵니다.
		idle := s.pipe.isIdle()
		plain, err := s.readPlaintext()
		if err != nil {
			return out, err
		}
		if plain != nil {
			out = append(out, plain)
			continue
		}
		if idle || !time.Now().Before(deadline) {
			return out, nil
		}
	}
}

// readPlaintext 는 엔진이 이미 복호화해 둔 평문 하나를 꺼냅니다. 없으면 (nil, nil).
// s.mu 를 잡은 상태에서 호출합니다.
func (s *Session) readPlaintext() ([]byte, error) {
	_ = s.conn.SetReadDeadline(time.Now().Add(s.grace))
	n, err := s.conn.Read(s.buf)
	_ = s.conn.SetReadDeadline(time.Time{})
	if err != nil {
		if isTimeout(err) {
			return nil, nil
		}
		if errors.Is(err, io.EOF) {
			return nil, ErrSessionClosed
		}
		return nil, err
	}
	// 빈 application data 도 nil 이 아닌 슬라이스로 구분합니다.
	plain := make([]byte, n)
	copy(plain, s.buf[:n])
	return plain, nil
}

// drainPending 은 핸드셰이크 도중 엔진에 들어와 이미 복호화된 평문들을 꺼냅니다.
func (s *Session) drainPending() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	out, _ := s.collect()
	return out
}

// Save 는 나중에 핸드셰이크 없이 세션을 재개할 수 있는 바이트열을 만듭니다.
func (s *Session) Save() ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.conn.ConnectionState()
	if !ok {
		return nil, errors.New("save: connection state unavailable")
	}
	raw, err := st.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("save: %w", err)
	}
	exp := &sessionExport{
		Version: exportVersion,
		State:   raw,
		SavedAt: time.Now(),
	}
	if s.peer != nil {
		exp.Peer = s.peer.String()
	}
	return exp.marshal(), nil
}

// Close 는 엔진 컨텍스트를 해제합니다. close_notify 는 보내지 않습니다(hard close).
func (s *Session) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.pipe.mute()
	err := s.conn.Close()
	_ = s.pipe.Close()
	if errors.Is(err, piondtls.ErrConnClosed) {
		return nil
	}
	return err
}
