package dtls

import (
	"errors"
	"fmt"

	"github.com/pion/dtls/v3/pkg/protocol"
	"github.com/pion/dtls/v3/pkg/protocol/recordlayer"
)

var errEmptyDatagram = errors.New("empty datagram")

// checkRecords 는 datagram 이 DTLS 레코드 프레이밍을 따르는지 확인합니다.
// 암호학적 검증은 엔진이 수행하고, 여기서는 헤더/길이/content type 만 봅니다.
// pion 은 형식이 깨진 레코드를 조용히 버리므로, 이 검사가 없으면
// 쓰레기 datagram 이 세션 오류로 드러나지 않습니다.
//
// protected 는 datagram 의 모든 레코드가 보호된 application data(또는 CID 레코드)일 때
// 그 레코드 수이고, 다른 종류가 하나라도 섞여 있으면 0 입니다.
func checkRecords(datagram []byte, cidLen int) (protected int, err error) {
	if len(datagram) == 0 {
		return 0, errEmptyDatagram
	}
	records, err := recordlayer.ContentAwareUnpackDatagram(datagram, cidLen)
	if err != nil {
		return 0, err
	}
	mixed := false
	for _, rec := range records {
		h := &recordlayer.Header{}
		if protocol.ContentType(rec[0]) == protocol.ContentTypeConnectionID {
			h.ConnectionID = make([]byte, cidLen)
		}
		if err := h.Unmarshal(rec); err != nil {
			return 0, err
		}
		switch h.ContentType {
		case protocol.ContentTypeApplicationData, protocol.ContentTypeConnectionID:
			if h.Epoch > 0 {
				protected++
			} else {
				mixed = true
			}
		case protocol.ContentTypeChangeCipherSpec,
			protocol.ContentTypeAlert,
			protocol.ContentTypeHandshake:
			mixed = true
		default:
			return 0, fmt.Errorf("unknown content type %d", h.ContentType)
		}
	}
	if mixed {
		return 0, nil
	}
	return protected, nil
}

func isApplicationRecord(datagram []byte) bool {
	if len(datagram) == 0 {
		return false
	}
	switch protocol.ContentType(datagram[0]) {
	case protocol.ContentTypeApplicationData, protocol.ContentTypeConnectionID:
		return true
	}
	return false
}
