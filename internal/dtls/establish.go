package dtls

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/dalbodeule/hop-dtls/internal/logging"
	"github.com/dalbodeule/hop-dtls/internal/observability"
)

// TransmitterOptions 는 Transmitter 생성 옵션입니다.
type TransmitterOptions struct {
	// BindPort 는 로컬 UDP 포트입니다. 0 이면 임의 포트를 사용합니다.
	BindPort int

	// Channel 이 nil 이 아니면 새로 Dial 하지 않고 이 채널을 사용합니다.
	// 채널은 Transmitter 가 소유하며 실패/Close 시 함께 닫힙니다.
	Channel Channel

	Logger logging.Logger
}

// Establishment 는 진행 중인 클라이언트 핸드셰이크의 결과를 나중에 얻기 위한 future 입니다.
type Establishment struct {
	done chan struct{}

	mu       sync.Mutex
	hs       *HandshakeContext
	canceled bool

	tr  *Transmitter
	err error
}

// ConnectAsync 는 dest 와의 핸드셰이크를 별도 goroutine 에서 시작합니다.
// 호출자는 Done/Wait 로 결과를 기다립니다.
func ConnectAsync(dest *net.UDPAddr, cfg *Config, opts TransmitterOptions) *Establishment {
	e := &Establishment{done: make(chan struct{})}
	go e.run(dest, cfg, opts)
	return e
}

// Connect 는 핸드셰이크가 끝날 때까지 기다려 Transmitter 를 반환합니다.
// ctx 가 먼저 끝나면 핸드셰이크를 중단하고 ctx 의 에러를 반환합니다.
func Connect(ctx context.Context, dest *net.UDPAddr, cfg *Config, opts TransmitterOptions) (*Transmitter, error) {
	return ConnectAsync(dest, cfg, opts).Wait(ctx)
}

// Done 은 핸드셰이크가 성공/실패로 끝나면 닫힙니다.
func (e *Establishment) Done() <-chan struct{} { return e.done }

// Result 는 Done 이후의 결과입니다. 끝나기 전에는 (nil, nil) 입니다.
func (e *Establishment) Result() (*Transmitter, error) {
	select {
	case <-e.done:
		return e.tr, e.err
	default:
		return nil, nil
	}
}

// Wait 는 결과를 기다립니다. ctx 가 끝나면 시도를 취소합니다.
func (e *Establishment) Wait(ctx context.Context) (*Transmitter, error) {
	select {
	case <-e.done:
		return e.tr, e.err
	case <-ctx.Done():
		e.Cancel()
		<-e.done
		if e.err == nil {
			// 취소 직전에 수립된 경우
			return e.tr, nil
		}
		return nil, ctx.Err()
	}
}

// Cancel 은 진행 중인 핸드셰이크를 중단합니다.
func (e *Establishment) Cancel() {
	e.mu.Lock()
	e.canceled = true
	hs := e.hs
	e.mu.Unlock()
	if hs != nil {
		hs.finish(nil, fmt.Errorf("%w: canceled", ErrHandshake))
	}
}

func (e *Establishment) run(dest *net.UDPAddr, cfg *Config, opts TransmitterOptions) {
	defer close(e.done)

	tr, err := e.establish(dest, cfg, opts)
	if err != nil {
		e.err = err
		return
	}
	e.tr = tr
}

func (e *Establishment) establish(dest *net.UDPAddr, cfg *Config, opts TransmitterOptions) (*Transmitter, error) {
	if cfg == nil || cfg.Role != RoleClient {
		return nil, fmt.Errorf("%w: connect requires a client role config", ErrConfig)
	}
	if dest == nil {
		return nil, fmt.Errorf("%w: nil destination", ErrConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = cfg.logger()
	}
	log := logger.With(logging.Fields{"component": "dtls_client", "peer": dest.String()})

	ch := opts.Channel
	if ch == nil {
		uc, err := Dial(dest, opts.BindPort)
		if err != nil {
			return nil, err
		}
		ch = uc
	}

	hs, err := cfg.NewContext(ch.LocalAddr(), dest, func(b []byte) error {
		return ch.Send(b, dest)
	})
	if err != nil {
		_ = ch.Close()
		return nil, err
	}

	e.mu.Lock()
	e.hs = hs
	canceled := e.canceled
	e.mu.Unlock()
	if canceled {
		_ = hs.Close()
		_ = ch.Close()
		return nil, fmt.Errorf("%w: canceled", ErrHandshake)
	}

	role := RoleClient.String()
	sess, err := driveHandshake(hs, ch)
	if err != nil {
		_ = hs.Close()
		_ = ch.Close()
		observability.DTLSHandshakesTotal.WithLabelValues(role, observability.ResultFailure).Inc()
		log.Warn("dtls handshake failed", logging.Fields{"error": err.Error()})
		return nil, err
	}
	observability.DTLSHandshakesTotal.WithLabelValues(role, observability.ResultSuccess).Inc()
	observability.DTLSHandshakeDurationSeconds.WithLabelValues(role).Observe(hs.Elapsed().Seconds())
	log.Info("dtls session established", logging.Fields{
		"cipher_suite": sess.CipherSuite(),
		"local":        ch.LocalAddr().String(),
	})

	tr := newTransmitter(ch, dest, sess, log)
	tr.pending = sess.drainPending()
	return tr, nil
}

// driveHandshake 는 첫 flight 를 유도한 뒤, 채널에서 datagram 을 하나씩 받아 Step 에
// 공급하기를 핸드셰이크가 끝날 때까지 반복합니다.
//
// 엔진은 재전송 타이머로도 진행하므로 수신은 별도 goroutine 이 맡고, 여기서는
// 핸드셰이크 종료 또는 채널 오류를 기다립니다. 끝나면 read deadline 으로 수신을 풀어
// 채널 소유권을 Transmitter 에게 넘깁니다.
func driveHandshake(hs *HandshakeContext, ch Channel) (*Session, error) {
	if _, err := hs.Step(nil); err != nil {
		return nil, err
	}

	recvErr := make(chan error, 1)
	stop := make(chan struct{})
	readerDone := make(chan struct{})

	go func() {
		defer close(readerDone)
		buf := make([]byte, maxDatagramSize)
		for {
			n, _, err := ch.Receive(buf)
			if err != nil {
				select {
				case <-stop:
				default:
					recvErr <- err
				}
				return
			}
			if _, err := hs.Step(append([]byte(nil), buf[:n]...)); err != nil {
				return
			}
		}
	}()

	var rerr error
	select {
	case <-hs.Done():
	case rerr = <-recvErr:
	}
	close(stop)
	_ = ch.SetReadDeadline(time.Now())
	<-readerDone
	_ = ch.SetReadDeadline(time.Time{})

	if rerr != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, rerr)
	}
	sess, err := hs.Result()
	if err != nil {
		return nil, err
	}
	return sess, nil
}
