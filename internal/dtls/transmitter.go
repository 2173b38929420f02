package dtls

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/dalbodeule/hop-dtls/internal/logging"
)

// Transmitter 는 전용 UDP 채널과 수립된 세션을 묶은 클라이언트 façade 입니다.
//
// 모든 엔진 연산(암호화/복호화/저장)은 Transmitter 당 하나의 serial executor 에서
// 실행되므로, 여러 goroutine 에서 Send/Receive 를 호출해도 엔진 컨텍스트가 경합하지 않습니다.
type Transmitter struct {
	channel Channel
	peer    net.Addr
	session *Session
	exec    *serialExecutor
	log     logging.Logger

	recvMu  sync.Mutex
	recvBuf []byte
	pending [][]byte

	closeOnce sync.Once
	closeErr  error
}

func newTransmitter(ch Channel, peer net.Addr, sess *Session, log logging.Logger) *Transmitter {
	return &Transmitter{
		channel: ch,
		peer:    peer,
		session: sess,
		exec:    newSerialExecutor(),
		log:     log,
		recvBuf: make([]byte, maxDatagramSize),
	}
}

// Create 는 SaveSession 으로 저장한 세션을 핸드셰이크 없이 복원합니다.
// 서버가 같은 피어 주소의 세션을 유지하고 있어야 하므로 보통 같은 BindPort 를 사용합니다.
func Create(dest *net.UDPAddr, saved []byte, cfg *Config, opts TransmitterOptions) (*Transmitter, error) {
	if cfg == nil || cfg.Role != RoleClient {
		return nil, fmt.Errorf("%w: create requires a client role config", ErrConfig)
	}
	if dest == nil {
		return nil, fmt.Errorf("%w: nil destination", ErrConfig)
	}
	logger := opts.Logger
	if logger == nil {
		logger = cfg.logger()
	}

	ch := opts.Channel
	if ch == nil {
		uc, err := Dial(dest, opts.BindPort)
		if err != nil {
			return nil, err
		}
		ch = uc
	}

	sess, err := cfg.Resume(saved, ch.LocalAddr(), dest, func(b []byte) error {
		return ch.Send(b, dest)
	})
	if err != nil {
		_ = ch.Close()
		return nil, err
	}

	log := logger.With(logging.Fields{"component": "dtls_client", "peer": dest.String()})
	log.Info("dtls session resumed", logging.Fields{
		"cipher_suite": sess.CipherSuite(),
		"local":        ch.LocalAddr().String(),
	})
	return newTransmitter(ch, dest, sess, log), nil
}

func (t *Transmitter) call(task func() error) error {
	err := t.exec.Call(task)
	if errors.Is(err, errExecutorClosed) {
		return ErrSessionClosed
	}
	return err
}

// Send 는 payload 를 암호화하여 datagram 하나로 전송합니다.
func (t *Transmitter) Send(payload []byte) error {
	return t.call(func() error {
		record, err := t.session.Encrypt(payload)
		if err != nil {
			return err
		}
		return t.channel.Send(record, t.peer)
	})
}

// SendString 은 문자열 payload 를 전송합니다.
func (t *Transmitter) SendString(s string) error {
	return t.Send([]byte(s))
}

// Receive 는 datagram 하나를 기다려 복호화된 payload 를 반환합니다.
// 한 datagram 에 레코드가 여러 개면 나머지는 다음 Receive 호출들이 순서대로 돌려줍니다.
// 핸드셰이크 재전송처럼 application data 가 없는 datagram 은 건너뜁니다.
// 형식이 깨졌거나 인증에 실패한 datagram 을 받으면 ErrDecrypt 를 반환하며 채널은 닫지 않습니다.
func (t *Transmitter) Receive() ([]byte, error) {
	t.recvMu.Lock()
	defer t.recvMu.Unlock()

	for len(t.pending) == 0 {
		n, _, err := t.channel.Receive(t.recvBuf)
		if err != nil {
			return nil, err
		}
		datagram := append([]byte(nil), t.recvBuf[:n]...)

		var plains [][]byte
		err = t.call(func() error {
			var derr error
			plains, derr = t.session.Decrypt(datagram)
			return derr
		})
		if err != nil {
			return nil, err
		}
		t.pending = append(t.pending, plains...)
	}

	p := t.pending[0]
	t.pending = t.pending[1:]
	return p, nil
}

// ReceiveString 은 Receive 결과를 문자열로 반환합니다.
func (t *Transmitter) ReceiveString() (string, error) {
	b, err := t.Receive()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// SetReadDeadline 은 이후 Receive 의 대기 상한을 설정합니다.
func (t *Transmitter) SetReadDeadline(deadline time.Time) error {
	return t.channel.SetReadDeadline(deadline)
}

// CipherSuite 는 협상된 cipher suite 이름입니다.
func (t *Transmitter) CipherSuite() string { return t.session.CipherSuite() }

// PeerCID 는 피어의 connection ID 입니다. 협상되지 않았으면 nil 입니다.
func (t *Transmitter) PeerCID() []byte { return t.session.PeerCID() }

// SaveSession 은 Create 로 재개할 수 있는 세션 스냅샷을 반환합니다.
func (t *Transmitter) SaveSession() ([]byte, error) {
	var out []byte
	err := t.call(func() error {
		var serr error
		out, serr = t.session.Save()
		return serr
	})
	return out, err
}

func (t *Transmitter) LocalAddr() net.Addr { return t.channel.LocalAddr() }

func (t *Transmitter) RemoteAddr() net.Addr { return t.peer }

// Close 는 엔진 컨텍스트와 채널을 해제합니다. close_notify 는 보내지 않습니다.
// 블록된 Receive 는 에러로 깨어납니다.
func (t *Transmitter) Close() error {
	t.closeOnce.Do(func() {
		t.exec.Close()
		_ = t.session.Close()
		t.closeErr = t.channel.Close()
	})
	return t.closeErr
}
