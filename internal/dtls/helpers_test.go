package dtls

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dalbodeule/hop-dtls/internal/logging"
)

var (
	testIdentity = []byte("dupa")
	testKey      = []byte{0x01}
)

const testHandshakeTimeout = 2 * time.Second

func testServerConfig() *Config {
	store := NewMemoryPSKStore(logging.NewNop(), map[string][]byte{string(testIdentity): testKey})
	cfg := NewServerPSKConfig(store, nil, nil)
	cfg.HandshakeTimeout = testHandshakeTimeout
	cfg.Logger = logging.NewNop()
	return cfg
}

func testClientConfig(identity, key []byte) *Config {
	cfg := NewClientPSKConfig(identity, key, nil)
	cfg.HandshakeTimeout = testHandshakeTimeout
	cfg.Logger = logging.NewNop()
	return cfg
}

// echoHandler 는 payload 에 ":resp" 를 붙여 돌려보내고, "error" 에는 실패합니다.
func echoHandler(srv *Server) Handler {
	return HandlerFunc(func(peer net.Addr, payload []byte) error {
		if string(payload) == "error" {
			return errors.New("handler failure")
		}
		resp := append(append([]byte(nil), payload...), ":resp"...)
		return srv.Send(resp, peer)
	})
}

func startServer(t *testing.T, cfg *Config, handler func(*Server) Handler) *Server {
	t.Helper()
	srv, err := NewServer(cfg, ServerOptions{Addr: "127.0.0.1:0", Logger: logging.NewNop()})
	require.NoError(t, err)
	require.NoError(t, srv.Listen(handler(srv)))
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

func startEchoServer(t *testing.T) *Server {
	return startServer(t, testServerConfig(), echoHandler)
}

func serverAddr(t *testing.T, srv *Server) *net.UDPAddr {
	t.Helper()
	addr, ok := srv.LocalAddr().(*net.UDPAddr)
	require.True(t, ok)
	return addr
}

func dial(srv *Server, cfg *Config, opts TransmitterOptions) (*Transmitter, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return Connect(ctx, srv.LocalAddr().(*net.UDPAddr), cfg, opts)
}

func connect(t *testing.T, srv *Server, cfg *Config) *Transmitter {
	t.Helper()
	tr, err := dial(srv, cfg, TransmitterOptions{Logger: logging.NewNop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

// echo 는 msg 를 보내고 응답 하나를 받습니다.
func echo(tr *Transmitter, msg string) (string, error) {
	if err := tr.SendString(msg); err != nil {
		return "", err
	}
	if err := tr.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return "", err
	}
	return tr.ReceiveString()
}

// serverSessionFor 는 tr 에 대응하는 서버 쪽 수립된 세션을 찾습니다.
func serverSessionFor(t *testing.T, srv *Server, tr *Transmitter) *Session {
	t.Helper()
	srv.mu.Lock()
	ss := srv.sessions[tr.LocalAddr().String()]
	srv.mu.Unlock()
	require.NotNil(t, ss)
	sess := ss.session.Load()
	require.NotNil(t, sess)
	return sess
}

// collectHandler 는 받은 payload 를 out 으로 넘깁니다.
func collectHandler(out chan<- string) func(*Server) Handler {
	return func(*Server) Handler {
		return HandlerFunc(func(_ net.Addr, payload []byte) error {
			out <- string(payload)
			return nil
		})
	}
}

func recvWithin(t *testing.T, ch <-chan string, d time.Duration) string {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(d):
		t.Fatal("no payload delivered")
		return ""
	}
}
