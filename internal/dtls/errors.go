package dtls

import (
	"errors"
	"net"
)

var (
	// ErrConfig 는 네트워크 활동 이전에 드러나는 설정 오류입니다.
	ErrConfig = errors.New("dtls: invalid configuration")

	// ErrHandshake 는 하나의 핸드셰이크 시도가 치명적으로 실패했음을 나타냅니다.
	// (PSK/인증서 불일치, fatal alert, 타임아웃, DTLS 레코드가 아닌 데이터 수신)
	ErrHandshake = errors.New("dtls: handshake failed")

	// ErrDecrypt 는 수립된 세션에서 잘못된 형식이거나 인증에 실패한(재전송 포함) 레코드를
	// 받았거나 엔진이 세션을 종료했음을 나타냅니다.
	ErrDecrypt = errors.New("dtls: malformed or undecryptable record")

	// ErrSessionClosed 는 이미 닫힌 세션에 대한 호출을 나타냅니다.
	ErrSessionClosed = errors.New("dtls: session closed")

	// ErrChannelClosed 는 닫힌 UDP 채널에 대한 송수신을 나타냅니다.
	ErrChannelClosed = errors.New("dtls: channel closed")

	// ErrNoSession 은 주어진 주소에 수립된 세션이 없음을 나타냅니다.
	ErrNoSession = errors.New("dtls: no established session for peer")

	// ErrServerClosed 는 닫힌 서버에 대한 호출을 나타냅니다.
	ErrServerClosed = errors.New("dtls: server closed")

	// ErrUnknownIdentity 는 PSK 저장소에 등록되지 않은 identity 입니다.
	ErrUnknownIdentity = errors.New("dtls: unknown psk identity")

	// ErrEmptyIdentity 는 비어 있는 PSK identity 로 등록을 시도했음을 나타냅니다.
	ErrEmptyIdentity = errors.New("dtls: psk identity is required")

	// ErrInvalidExport 는 SaveSession 결과로 해석할 수 없는 바이트열입니다.
	ErrInvalidExport = errors.New("dtls: invalid session export")
)

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
