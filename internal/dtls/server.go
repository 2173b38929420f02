package dtls

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/dalbodeule/hop-dtls/internal/logging"
	"github.com/dalbodeule/hop-dtls/internal/observability"
)

// maxDatagramSize 는 UDP datagram 하나의 최대 크기입니다.
const maxDatagramSize = 64 * 1024

// ServerOptions 는 Server 생성 옵션입니다.
type ServerOptions struct {
	// Addr 는 바인드할 UDP 주소입니다. Channel 이 주어지면 무시됩니다.
	Addr string

	// Channel 이 nil 이 아니면 Addr 대신 이 채널을 사용합니다. 채널은 서버가 소유합니다.
	Channel Channel

	Logger logging.Logger
}

// SessionInfo 는 관리 API 에 노출되는 세션 요약입니다.
type SessionInfo struct {
	ID            string    `json:"id"`
	Peer          string    `json:"peer"`
	State         string    `json:"state"`
	CipherSuite   string    `json:"cipher_suite,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	EstablishedAt time.Time `json:"established_at,omitempty"`
}

// Server 는 하나의 UDP 소켓에서 피어 주소별 DTLS 세션을 다중화합니다.
//
// 수신 루프는 하나이며, 각 datagram 은 피어별 serial executor 로 넘겨져
// 같은 피어의 datagram 은 도착 순서대로, 서로 다른 피어는 독립적으로 처리됩니다.
// 세션 테이블은 수신 루프(생성)와 eviction 경로(제거)에서만 변경됩니다.
type Server struct {
	cfg *Config
	ch  Channel
	log logging.Logger

	mu        sync.Mutex
	sessions  map[string]*serverSession
	handler   Handler
	listening bool
	closed    bool
	loopDone  chan struct{}
}

// NewServer 는 서버 역할 Config 로 Server 를 만들고 UDP 채널을 바인드합니다.
// 설정 오류는 소켓을 열기 전에 반환됩니다.
func NewServer(cfg *Config, opts ServerOptions) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil config", ErrConfig)
	}
	if cfg.Role != RoleServer {
		return nil, fmt.Errorf("%w: server requires a server role config, got %s", ErrConfig, cfg.Role)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = cfg.logger()
	}

	ch := opts.Channel
	if ch == nil {
		addr := opts.Addr
		if addr == "" {
			addr = ":5684"
		}
		uc, err := Bind(addr)
		if err != nil {
			return nil, err
		}
		ch = uc
	}

	return &Server{
		cfg:      cfg,
		ch:       ch,
		log:      logger.With(logging.Fields{"component": "dtls_server"}),
		sessions: make(map[string]*serverSession),
		loopDone: make(chan struct{}),
	}, nil
}

// LocalAddr 는 서버 소켓의 로컬 주소입니다.
func (s *Server) LocalAddr() net.Addr { return s.ch.LocalAddr() }

// Listen 은 handler 를 등록하고 수신 루프를 시작합니다. 한 번만 호출할 수 있습니다.
func (s *Server) Listen(handler Handler) error {
	if handler == nil {
		return fmt.Errorf("%w: nil handler", ErrConfig)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	if s.listening {
		s.mu.Unlock()
		return errors.New("dtls: server already listening")
	}
	s.listening = true
	s.handler = handler
	s.mu.Unlock()

	s.log.Info("dtls server listening", logging.Fields{
		"addr": s.ch.LocalAddr().String(),
	})
	go s.receiveLoop()
	return nil
}

func (s *Server) receiveLoop() {
	defer close(s.loopDone)

	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := s.ch.Receive(buf)
		if err != nil {
			if s.isClosed() || errors.Is(err, ErrChannelClosed) {
				return
			}
			// 소켓 오류는 채널 전체에 치명적이므로 서버를 닫습니다.
			s.log.Error("dtls server socket error", logging.Fields{"error": err.Error()})
			go func() { _ = s.shutdown(false) }()
			return
		}
		observability.DTLSDatagramsTotal.WithLabelValues(observability.DirectionIn).Inc()

		datagram := append([]byte(nil), buf[:n]...)
		s.dispatch(addr, datagram)
	}
}

// dispatch 는 피어 주소로 세션을 찾거나(없으면 생성) datagram 을 그 세션 큐에 넣습니다.
func (s *Server) dispatch(peer net.Addr, datagram []byte) {
	key := peer.String()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	ss, ok := s.sessions[key]
	if !ok {
		var err error
		ss, err = s.newServerSession(peer)
		if err != nil {
			s.mu.Unlock()
			s.log.Error("failed to create dtls session", logging.Fields{
				"peer":  key,
				"error": err.Error(),
			})
			return
		}
		s.sessions[key] = ss
		observability.DTLSActiveSessions.Inc()
	}
	s.mu.Unlock()

	if !ok {
		s.log.Debug("dtls session created", logging.Fields{"peer": key, "session_id": ss.id})
		go ss.watchHandshake()
	}
	ss.enqueue(datagram)
}

func (s *Server) sendTo(peer net.Addr) SendFunc {
	return func(datagram []byte) error {
		if err := s.ch.Send(datagram, peer); err != nil {
			return err
		}
		observability.DTLSDatagramsTotal.WithLabelValues(observability.DirectionOut).Inc()
		return nil
	}
}

// Send 는 dest 와 수립된 세션으로 payload 를 암호화해 전송합니다.
// 핸들러 안에서 호출해도 됩니다.
func (s *Server) Send(payload []byte, dest net.Addr) error {
	if dest == nil {
		return ErrNoSession
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	ss := s.sessions[dest.String()]
	s.mu.Unlock()

	if ss == nil || ss.State() != StateEstablished {
		return ErrNoSession
	}
	sess := ss.session.Load()
	if sess == nil {
		return ErrNoSession
	}

	record, err := sess.Encrypt(payload)
	if err != nil {
		return err
	}
	return s.sendTo(ss.peer)(record)
}

// NumberOfSessions 는 호출 시점의 세션 테이블 크기입니다.
func (s *Server) NumberOfSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Sessions 는 세션 테이블의 스냅샷을 피어 주소 순으로 반환합니다.
func (s *Server) Sessions() []SessionInfo {
	s.mu.Lock()
	list := make([]*serverSession, 0, len(s.sessions))
	for _, ss := range s.sessions {
		list = append(list, ss)
	}
	s.mu.Unlock()

	out := make([]SessionInfo, 0, len(list))
	for _, ss := range list {
		out = append(out, ss.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Peer < out[j].Peer })
	return out
}

// Evict 는 peer 주소의 세션을 제거합니다. 세션이 있었으면 true 입니다.
func (s *Server) Evict(peer string) bool {
	s.mu.Lock()
	ss := s.sessions[peer]
	s.mu.Unlock()
	if ss == nil {
		return false
	}
	return s.evict(ss, observability.EvictAdmin, nil)
}

// evict 는 세션을 테이블에서 제거하고 엔진 컨텍스트를 해제합니다.
func (s *Server) evict(ss *serverSession, reason string, cause error) bool {
	s.mu.Lock()
	removed := false
	if cur, ok := s.sessions[ss.key]; ok && cur == ss {
		delete(s.sessions, ss.key)
		removed = true
	}
	s.mu.Unlock()

	wasHandshaking := ss.State() == StateHandshaking
	ss.close()

	if !removed {
		return false
	}
	observability.DTLSActiveSessions.Dec()
	observability.DTLSSessionEvictionsTotal.WithLabelValues(reason).Inc()
	if reason == observability.EvictHandshake && wasHandshaking {
		observability.DTLSHandshakesTotal.WithLabelValues(RoleServer.String(), observability.ResultFailure).Inc()
	}

	fields := logging.Fields{
		"peer":       ss.key,
		"session_id": ss.id,
		"reason":     reason,
	}
	if cause != nil {
		fields["error"] = cause.Error()
	}
	s.log.Warn("dtls session evicted", fields)
	return true
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close 는 소켓을 닫고 모든 세션을 해제합니다. 피어에게 close_notify 는 보내지 않습니다.
func (s *Server) Close() error {
	return s.shutdown(true)
}

func (s *Server) shutdown(wait bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	sessions := s.sessions
	s.sessions = make(map[string]*serverSession)
	listening := s.listening
	s.mu.Unlock()

	err := s.ch.Close()
	for _, ss := range sessions {
		ss.close()
		observability.DTLSActiveSessions.Dec()
		observability.DTLSSessionEvictionsTotal.WithLabelValues(observability.EvictShutdown).Inc()
	}
	if listening && wait {
		<-s.loopDone
	}

	s.log.Info("dtls server closed", logging.Fields{"sessions_released": len(sessions)})
	return err
}
