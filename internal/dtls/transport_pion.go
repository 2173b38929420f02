package dtls

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	piondtls "github.com/pion/dtls/v3"

	"github.com/dalbodeule/hop-dtls/internal/logging"
)

// HandshakeContext 는 pion/dtls 엔진 하나를 감싼 진행 중인 핸드셰이크입니다. (ko)
// HandshakeContext wraps one pion/dtls engine while its handshake is in progress. (en)
//
// pion 은 핸드셰이크를 자체 goroutine 과 타이머로 진행하므로, Step 은 datagram 을
// 엔진에 공급하고 그 시점의 결과(진행 중 / 수립 / 실패)를 돌려줍니다.
// 엔진이 만드는 flight 와 재전송은 컨텍스트에 묶인 SendFunc 로 나갑니다.
type HandshakeContext struct {
	cfg    *Config
	peer   net.Addr
	pipe   *datagramPipe
	conn   *piondtls.Conn
	cidLen int
	log    logging.Logger

	startOnce  sync.Once
	finishOnce sync.Once
	done       chan struct{}
	startedAt  time.Time

	session *Session
	err     error
}

// NewContext 는 설정된 역할의 새 핸드셰이크 컨텍스트를 만듭니다. (ko)
// NewContext creates a fresh handshake context for the configured role. (en)
//
// local 은 엔진에 보고되는 로컬 주소이고, send 는 이 컨텍스트의 모든 송신에 쓰입니다.
// 설정 오류는 네트워크 활동 이전에 ErrConfig 로 반환됩니다.
func (c *Config) NewContext(local, peer net.Addr, send SendFunc) (*HandshakeContext, error) {
	if send == nil {
		return nil, fmt.Errorf("%w: nil send function", ErrConfig)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	dcfg, err := c.engineConfig()
	if err != nil {
		return nil, err
	}

	pipe := newDatagramPipe(local, peer, send)
	var conn *piondtls.Conn
	switch c.Role {
	case RoleClient:
		conn, err = piondtls.Client(pipe, peer, dcfg)
	case RoleServer:
		conn, err = piondtls.Server(pipe, peer, dcfg)
	}
	if err != nil {
		_ = pipe.Close()
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}

	return &HandshakeContext{
		cfg:    c,
		peer:   peer,
		pipe:   pipe,
		conn:   conn,
		cidLen: c.localCIDLen(),
		log: c.logger().With(logging.Fields{
			"component": "dtls_handshake",
			"role":      c.Role.String(),
			"peer":      peer.String(),
		}),
		done: make(chan struct{}),
	}, nil
}

// Step 은 수신 datagram 하나를 엔진에 공급합니다.
//
//   - 첫 호출에서 엔진의 핸드셰이크를 시작합니다. 클라이언트는 nil 로 호출해 ClientHello 를 유도합니다.
//   - 아직 진행 중이면 (nil, nil), 수립되었으면 세션, 실패했으면 ErrHandshake 를 감싼 에러입니다.
//   - DTLS 레코드 형식이 아닌 datagram 은 즉시 핸드셰이크를 실패시킵니다.
//   - 이미 수립된 뒤에 들어온 datagram 도 엔진에 공급됩니다. 그 평문은 drainPending 으로 꺼냅니다.
func (h *HandshakeContext) Step(datagram []byte) (*Session, error) {
	select {
	case <-h.done:
		if h.err == nil && len(datagram) > 0 {
			if _, err := checkRecords(datagram, h.cidLen); err == nil {
				_ = h.pipe.push(datagram)
			}
		}
		return h.session, h.err
	default:
	}

	if len(datagram) > 0 {
		if _, err := checkRecords(datagram, h.cidLen); err != nil {
			herr := fmt.Errorf("%w: %v", ErrHandshake, err)
			h.finish(nil, herr)
			return nil, herr
		}
	}

	h.start()

	if len(datagram) > 0 {
		if err := h.pipe.push(datagram); err != nil {
			select {
			case <-h.done:
				return h.session, h.err
			default:
			}
			return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
		}
		h.pipe.settle(h.cfg.settleTimeout())
	}

	select {
	case <-h.done:
		return h.session, h.err
	default:
		return nil, nil
	}
}

func (h *HandshakeContext) start() {
	h.startOnce.Do(func() {
		h.startedAt = time.Now()
		go h.run()
	})
}

func (h *HandshakeContext) run() {
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.handshakeTimeout())
	defer cancel()

	if err := h.conn.HandshakeContext(ctx); err != nil {
		h.finish(nil, fmt.Errorf("%w: %w", ErrHandshake, err))
		return
	}

	sess, err := newSession(h.cfg, h.peer, h.conn, h.pipe)
	if err != nil {
		h.finish(nil, fmt.Errorf("%w: %v", ErrHandshake, err))
		return
	}
	h.log.Debug("dtls handshake completed", logging.Fields{
		"cipher_suite": sess.CipherSuite(),
		"elapsed_ms":   time.Since(h.startedAt).Milliseconds(),
	})
	h.finish(sess, nil)
}

// finish 는 결과를 한 번만 기록하고 done 을 닫습니다. 실패면 엔진을 해제합니다.
func (h *HandshakeContext) finish(sess *Session, err error) {
	recorded := false
	h.finishOnce.Do(func() {
		h.session = sess
		h.err = err
		close(h.done)
		recorded = true
	})
	if recorded && err != nil {
		h.release()
	}
}

func (h *HandshakeContext) release() {
	h.pipe.mute()
	_ = h.conn.Close()
	_ = h.pipe.Close()
}

// Done 은 핸드셰이크가 성공 또는 실패로 끝나면 닫힙니다.
func (h *HandshakeContext) Done() <-chan struct{} { return h.done }

// Result 는 Done 이후의 결과입니다. 끝나기 전에는 (nil, nil) 입니다.
func (h *HandshakeContext) Result() (*Session, error) {
	select {
	case <-h.done:
		return h.session, h.err
	default:
		return nil, nil
	}
}

// Elapsed 는 핸드셰이크 시작 이후 경과 시간입니다.
func (h *HandshakeContext) Elapsed() time.Duration {
	if h.startedAt.IsZero() {
		return 0
	}
	return time.Since(h.startedAt)
}

// Close 는 진행 중인 핸드셰이크를 중단하거나, 이미 수립되었다면 세션을 닫습니다.
func (h *HandshakeContext) Close() error {
	h.finish(nil, ErrSessionClosed)
	if sess, _ := h.Result(); sess != nil {
		return sess.Close()
	}
	return nil
}

// Resume 은 Session.Save 로 만든 바이트열에서 핸드셰이크 없이 세션을 복원합니다.
func (c *Config) Resume(saved []byte, local, peer net.Addr, send SendFunc) (*Session, error) {
	exp, err := unmarshalSessionExport(saved)
	if err != nil {
		return nil, err
	}
	var st piondtls.State
	if err := st.UnmarshalBinary(exp.State); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidExport, err)
	}
	dcfg, err := c.engineConfig()
	if err != nil {
		return nil, err
	}

	pipe := newDatagramPipe(local, peer, send)
	conn, err := piondtls.Resume(&st, pipe, peer, dcfg)
	if err != nil {
		_ = pipe.Close()
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.handshakeTimeout())
	defer cancel()
	if err := conn.HandshakeContext(ctx); err != nil {
		pipe.mute()
		_ = conn.Close()
		_ = pipe.Close()
		return nil, fmt.Errorf("%w: resume: %w", ErrHandshake, err)
	}

	sess, err := newSession(c, peer, conn, pipe)
	if err != nil {
		pipe.mute()
		_ = conn.Close()
		_ = pipe.Close()
		return nil, fmt.Errorf("%w: resume: %v", ErrHandshake, err)
	}
	return sess, nil
}
