package dtls

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAddr(port int) net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
}

func TestDatagramPipeReadFrom(t *testing.T) {
	p := newDatagramPipe(testAddr(1), testAddr(2), func([]byte) error { return nil })
	defer p.Close()

	require.NoError(t, p.push([]byte("hello")))
	buf := make([]byte, 16)
	n, addr, err := p.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
	assert.Equal(t, testAddr(2).String(), addr.String())
}

func TestDatagramPipeSettle(t *testing.T) {
	p := newDatagramPipe(testAddr(1), testAddr(2), func([]byte) error { return nil })
	defer p.Close()

	require.NoError(t, p.push([]byte("a")))

	// 아무도 읽지 않으면 timeout 까지 기다립니다.
	start := time.Now()
	p.settle(50 * time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)

	consumed := make(chan struct{})
	go func() {
		buf := make([]byte, 16)
		_, _, _ = p.ReadFrom(buf)
		close(consumed)
		_, _, _ = p.ReadFrom(buf) // idle 상태로 대기
	}()
	<-consumed

	start = time.Now()
	p.settle(5 * time.Second)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestDatagramPipeCaptureAndMute(t *testing.T) {
	var sent [][]byte
	p := newDatagramPipe(testAddr(1), testAddr(2), func(b []byte) error {
		sent = append(sent, append([]byte(nil), b...))
		return nil
	})
	defer p.Close()

	app := record(23, 1, []byte("x"))
	hs := record(22, 0, []byte("y"))

	p.beginCapture()
	_, err := p.WriteTo(hs, nil)
	require.NoError(t, err)
	_, err = p.WriteTo(app, nil)
	require.NoError(t, err)
	assert.Equal(t, app, p.endCapture())
	require.Len(t, sent, 1)
	assert.Equal(t, hs, sent[0])

	p.mute()
	n, err := p.WriteTo(app, nil)
	require.NoError(t, err)
	assert.Equal(t, len(app), n)
	assert.Len(t, sent, 1)
}

func TestDatagramPipeSendError(t *testing.T) {
	boom := errors.New("boom")
	p := newDatagramPipe(testAddr(1), testAddr(2), func([]byte) error { return boom })
	defer p.Close()

	_, err := p.WriteTo([]byte{22}, nil)
	assert.ErrorIs(t, err, boom)
}

func TestDatagramPipeClose(t *testing.T) {
	p := newDatagramPipe(testAddr(1), testAddr(2), func([]byte) error { return nil })

	readErr := make(chan error, 1)
	go func() {
		_, _, err := p.ReadFrom(make([]byte, 16))
		readErr <- err
	}()

	require.NoError(t, p.Close())
	select {
	case err := <-readErr:
		assert.ErrorIs(t, err, net.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("read was not released")
	}

	assert.ErrorIs(t, p.push([]byte("late")), ErrSessionClosed)
	_, err := p.WriteTo([]byte{23}, nil)
	assert.ErrorIs(t, err, net.ErrClosed)

	// 닫힌 pipe 에서 settle 은 즉시 반환합니다.
	start := time.Now()
	p.settle(5 * time.Second)
	assert.Less(t, time.Since(start), time.Second)
	assert.NoError(t, p.Close())
}
