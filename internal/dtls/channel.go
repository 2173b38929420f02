package dtls

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// Channel 은 주소가 지정된 datagram 통로입니다.
//
//   - 서버: 연결되지 않은(multi-peer) 소켓. 수신은 receive loop 하나만, 송신은 모든 세션이 공유합니다.
//   - 클라이언트: 하나의 피어에 연결된 소켓. Transmitter 하나가 독점합니다.
type Channel interface {
	Send(datagram []byte, dest net.Addr) error
	Receive(buf []byte) (int, net.Addr, error)
	SetReadDeadline(t time.Time) error
	LocalAddr() net.Addr
	Close() error
}

// UDPChannel 은 net.UDPConn 기반 Channel 입니다.
type UDPChannel struct {
	conn *net.UDPConn
	peer *net.UDPAddr
}

var _ Channel = (*UDPChannel)(nil)

// Bind 는 addr(예: ":5684", "127.0.0.1:0")에 연결되지 않은 UDP 채널을 엽니다.
func Bind(addr string) (*UDPChannel, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve listen addr %q: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("listen udp %q: %w", addr, err)
	}
	return &UDPChannel{conn: conn}, nil
}

// Dial 은 bindPort(0 이면 임의 포트)에 바인드하고 dest 에 연결된 UDP 채널을 엽니다.
func Dial(dest *net.UDPAddr, bindPort int) (*UDPChannel, error) {
	if dest == nil {
		return nil, fmt.Errorf("%w: nil destination", ErrConfig)
	}
	var laddr *net.UDPAddr
	if bindPort > 0 {
		laddr = &net.UDPAddr{Port: bindPort}
	}
	conn, err := net.DialUDP("udp", laddr, dest)
	if err != nil {
		return nil, fmt.Errorf("dial udp %s: %w", dest, err)
	}
	return &UDPChannel{conn: conn, peer: dest}, nil
}

// ResolveUDPAddr 는 "host:port" 문자열을 주소로 변환합니다.
func ResolveUDPAddr(addr string) (*net.UDPAddr, error) {
	ua, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", addr, err)
	}
	return ua, nil
}

func (c *UDPChannel) Send(datagram []byte, dest net.Addr) error {
	var err error
	if c.peer != nil {
		_, err = c.conn.Write(datagram)
	} else {
		if dest == nil {
			return fmt.Errorf("send: destination required on unconnected channel")
		}
		_, err = c.conn.WriteTo(datagram, dest)
	}
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return ErrChannelClosed
		}
		return err
	}
	return nil
}

func (c *UDPChannel) Receive(buf []byte) (int, net.Addr, error) {
	n, addr, err := c.conn.ReadFromUDP(buf)
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return 0, nil, ErrChannelClosed
		}
		return 0, nil, err
	}
	return n, addr, nil
}

func (c *UDPChannel) SetReadDeadline(t time.Time) error { return c.conn.SetReadDeadline(t) }

func (c *UDPChannel) LocalAddr() net.Addr { return c.conn.LocalAddr() }

func (c *UDPChannel) Close() error {
	err := c.conn.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
