// Package dtls 는 UDP 위의 DTLS 전송 계층을 구현합니다.
//
// 서버는 하나의 UDP 소켓에서 피어 주소별 세션을 다중화(Server)하고,
// 클라이언트는 전용 소켓 위의 단일 세션(Transmitter)을 사용합니다.
// 암호 엔진은 pion/dtls 이며, 각 세션은 메모리 내 datagram pipe 를 통해
// 엔진에 datagram 을 공급하고 엔진이 만든 레코드를 SendFunc 로 내보냅니다.
package dtls

import (
	"fmt"
	"net"
)

// Role 은 핸드셰이크 컨텍스트의 역할입니다.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleServer:
		return "server"
	}
	return fmt.Sprintf("role(%d)", int(r))
}

// State 는 세션 생명주기 상태입니다.
type State int32

const (
	StateHandshaking State = iota
	StateEstablished
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateEstablished:
		return "established"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// SendFunc 는 엔진이 만든 datagram 하나를 피어에게 전송합니다.
// 엔진은 재전송 타이머에서도 호출하므로 컨텍스트 수명 동안 유효해야 합니다.
type SendFunc func(datagram []byte) error

// Handler 는 복호화된 애플리케이션 datagram 을 처리합니다.
// 반환된 에러나 panic 은 해당 datagram 에만 국한되며 세션에 영향을 주지 않습니다.
type Handler interface {
	HandleDatagram(peer net.Addr, payload []byte) error
}

// HandlerFunc 는 일반 함수를 Handler 로 사용하기 위한 어댑터입니다.
type HandlerFunc func(peer net.Addr, payload []byte) error

func (f HandlerFunc) HandleDatagram(peer net.Addr, payload []byte) error {
	return f(peer, payload)
}
