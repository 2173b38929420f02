package dtls

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dalbodeule/hop-dtls/internal/logging"
	"github.com/dalbodeule/hop-dtls/internal/observability"
)

// serverSession 은 세션 테이블의 한 항목입니다.
// 모든 엔진 호출과 핸들러 호출은 exec 위에서 순서대로 실행됩니다.
type serverSession struct {
	id        string
	key       string
	peer      net.Addr
	server    *Server
	hs        *HandshakeContext
	exec      *serialExecutor
	createdAt time.Time
	log       logging.Logger

	state     atomic.Int32
	session   atomic.Pointer[Session]
	closeOnce sync.Once
}

// newServerSession 은 s.mu 를 잡은 상태에서 호출됩니다.
func (s *Server) newServerSession(peer net.Addr) (*serverSession, error) {
	hs, err := s.cfg.NewContext(s.ch.LocalAddr(), peer, s.sendTo(peer))
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	ss := &serverSession{
		id:        id,
		key:       peer.String(),
		peer:      peer,
		server:    s,
		hs:        hs,
		exec:      newSerialExecutor(),
		createdAt: time.Now(),
		log: s.log.With(logging.Fields{
			"peer":       peer.String(),
			"session_id": id,
		}),
	}
	ss.state.Store(int32(StateHandshaking))
	return ss, nil
}

func (ss *serverSession) State() State { return State(ss.state.Load()) }

func (ss *serverSession) enqueue(datagram []byte) {
	if !ss.exec.Submit(func() { ss.process(datagram) }) {
		ss.log.Debug("datagram dropped for closed session", nil)
	}
}

// watchHandshake 는 엔진 쪽에서 핸드셰이크가 끝나면(재전송 타이머/타임아웃 포함)
// 그 결과 반영을 세션 큐에 넣습니다.
func (ss *serverSession) watchHandshake() {
	<-ss.hs.Done()
	ss.exec.Submit(ss.completeHandshake)
}

func (ss *serverSession) process(datagram []byte) {
	if ss.State() == StateHandshaking {
		select {
		case <-ss.hs.Done():
			ss.completeHandshake()
		default:
			sess, err := ss.hs.Step(datagram)
			if err != nil {
				ss.server.evict(ss, observability.EvictHandshake, err)
				return
			}
			if sess != nil {
				ss.completeHandshake()
			}
			return
		}
	}

	if ss.State() != StateEstablished {
		return
	}
	sess := ss.session.Load()
	plains, err := sess.Decrypt(datagram)
	if err != nil {
		ss.server.evict(ss, observability.EvictDecrypt, err)
		return
	}
	for _, plain := range plains {
		ss.deliver(plain)
	}
}

// completeHandshake 는 handshaking -> established 전이를 한 번만 수행합니다.
func (ss *serverSession) completeHandshake() {
	if ss.State() != StateHandshaking {
		return
	}
	sess, err := ss.hs.Result()
	if err != nil {
		ss.server.evict(ss, observability.EvictHandshake, err)
		return
	}
	if sess == nil {
		return
	}

	ss.session.Store(sess)
	ss.state.Store(int32(StateEstablished))

	role := RoleServer.String()
	observability.DTLSHandshakesTotal.WithLabelValues(role, observability.ResultSuccess).Inc()
	observability.DTLSHandshakeDurationSeconds.WithLabelValues(role).Observe(ss.hs.Elapsed().Seconds())
	ss.log.Info("dtls session established", logging.Fields{
		"cipher_suite": sess.CipherSuite(),
	})

	for _, plain := range sess.drainPending() {
		ss.deliver(plain)
	}
}

// deliver 는 핸들러를 호출합니다. 핸들러의 에러와 panic 은 이 datagram 에만 국한됩니다.
func (ss *serverSession) deliver(payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			observability.DTLSHandlerErrorsTotal.Inc()
			ss.log.Error("dtls handler panic", logging.Fields{"panic": fmt.Sprint(r)})
		}
	}()

	if err := ss.server.handler.HandleDatagram(ss.peer, payload); err != nil {
		observability.DTLSHandlerErrorsTotal.Inc()
		ss.log.Warn("dtls handler failed", logging.Fields{"error": err.Error()})
	}
}

func (ss *serverSession) info() SessionInfo {
	info := SessionInfo{
		ID:        ss.id,
		Peer:      ss.key,
		State:     ss.State().String(),
		CreatedAt: ss.createdAt,
	}
	if sess := ss.session.Load(); sess != nil {
		info.CipherSuite = sess.CipherSuite()
		info.EstablishedAt = sess.EstablishedAt()
	}
	return info
}

// close 는 엔진 컨텍스트와 큐를 해제합니다. 공유 소켓은 건드리지 않습니다.
func (ss *serverSession) close() {
	ss.closeOnce.Do(func() {
		ss.state.Store(int32(StateClosed))
		_ = ss.hs.Close()
		ss.exec.Close()
	})
}
