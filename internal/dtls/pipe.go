package dtls

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pion/transport/v3/packetio"
)

// datagramPipe 는 pion 엔진 하나에게 주어지는 가상의 net.PacketConn 입니다.
//
//   - 수신: push 로 넣은 datagram 을 엔진의 read loop 가 ReadFrom 으로 꺼냅니다.
//   - 송신: 엔진의 WriteTo 는 SendFunc 로 전달되거나(capture 중이면) 가로채집니다.
//
// idle 채널은 엔진이 빈 pipe 에서 다음 datagram 을 기다리는 동안 닫혀 있습니다.
// push 직후 idle 을 기다리면 엔진이 그 datagram 을 모두 처리했음을 알 수 있습니다.
type datagramPipe struct {
	local  net.Addr
	remote net.Addr
	buf    *packetio.Buffer

	mu        sync.Mutex
	send      SendFunc
	queued    int
	reading   bool
	idle      chan struct{}
	muted     bool
	capturing bool
	captured  []byte

	closed    chan struct{}
	closeOnce sync.Once
}

var _ net.PacketConn = (*datagramPipe)(nil)

func newDatagramPipe(local, remote net.Addr, send SendFunc) *datagramPipe {
	return &datagramPipe{
		local:  local,
		remote: remote,
		buf:    packetio.NewBuffer(),
		send:   send,
		idle:   make(chan struct{}),
		closed: make(chan struct{}),
	}
}

// syncIdleLocked 는 idle 채널 상태를 (reading && queued == 0) 과 맞춥니다.
func (p *datagramPipe) syncIdleLocked() {
	isIdle := p.reading && p.queued == 0
	select {
	case <-p.idle:
		if !isIdle {
			p.idle = make(chan struct{})
		}
	default:
		if isIdle {
			close(p.idle)
		}
	}
}

// push 는 수신 datagram 을 엔진 쪽 큐에 넣습니다.
func (p *datagramPipe) push(datagram []byte) error {
	p.mu.Lock()
	p.queued++
	p.syncIdleLocked()
	p.mu.Unlock()

	if _, err := p.buf.Write(datagram); err != nil {
		p.mu.Lock()
		p.queued--
		p.syncIdleLocked()
		p.mu.Unlock()
		if errors.Is(err, io.ErrClosedPipe) {
			return ErrSessionClosed
		}
		return err
	}
	return nil
}

// settle 은 엔진이 큐에 있는 datagram 을 모두 소비하거나 pipe 가 닫힐 때까지
// 최대 timeout 만큼 기다립니다.
func (p *datagramPipe) settle(timeout time.Duration) {
	p.mu.Lock()
	idle := p.idle
	p.mu.Unlock()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-idle:
	case <-p.closed:
	case <-t.C:
	}
}

// isIdle 은 엔진이 큐를 비우고 다음 datagram 을 기다리는 중이거나 pipe 가 닫혔는지 봅니다.
func (p *datagramPipe) isIdle() bool {
	select {
	case <-p.closed:
		return true
	default:
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reading && p.queued == 0
}

// beginCapture 이후 처음 나가는 application data 레코드는 전송되지 않고 보관됩니다.
func (p *datagramPipe) beginCapture() {
	p.mu.Lock()
	p.capturing = true
	p.captured = nil
	p.mu.Unlock()
}

func (p *datagramPipe) endCapture() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.captured
	p.capturing = false
	p.captured = nil
	return out
}

// mute 이후의 모든 송신은 조용히 버려집니다. hard close 에서 close_notify 를 막습니다.
func (p *datagramPipe) mute() {
	p.mu.Lock()
	p.muted = true
	p.mu.Unlock()
}

func (p *datagramPipe) ReadFrom(b []byte) (int, net.Addr, error) {
	p.mu.Lock()
	p.reading = true
	p.syncIdleLocked()
	p.mu.Unlock()

	n, err := p.buf.Read(b)

	p.mu.Lock()
	p.reading = false
	if err == nil || errors.Is(err, io.ErrShortBuffer) {
		p.queued--
	}
	p.syncIdleLocked()
	p.mu.Unlock()

	if err != nil {
		if errors.Is(err, io.EOF) {
			return 0, nil, net.ErrClosed
		}
		return n, nil, err
	}
	return n, p.remote, nil
}

func (p *datagramPipe) WriteTo(b []byte, _ net.Addr) (int, error) {
	select {
	case <-p.closed:
		return 0, net.ErrClosed
	default:
	}

	p.mu.Lock()
	if p.muted {
		p.mu.Unlock()
		return len(b), nil
	}
	if p.capturing && p.captured == nil && isApplicationRecord(b) {
		p.captured = append([]byte(nil), b...)
		p.mu.Unlock()
		return len(b), nil
	}
	send := p.send
	p.mu.Unlock()

	if err := send(b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (p *datagramPipe) Close() error {
	p.closeOnce.Do(func() {
		close(p.closed)
		_ = p.buf.Close()
	})
	return nil
}

func (p *datagramPipe) LocalAddr() net.Addr { return p.local }

func (p *datagramPipe) SetDeadline(t time.Time) error { return p.buf.SetReadDeadline(t) }

func (p *datagramPipe) SetReadDeadline(t time.Time) error { return p.buf.SetReadDeadline(t) }

func (p *datagramPipe) SetWriteDeadline(time.Time) error { return nil }
