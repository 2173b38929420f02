package dtls

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// 세션 export 포맷 (protobuf wire format, 스키마 없이 protowire 로 직접 인코딩):
//
//	1: version    (varint)
//	2: state      (bytes)  pion State.MarshalBinary 결과
//	3: peer       (string) 저장 시점의 피어 주소
//	4: saved_at   (varint) unix seconds
//
// 알 수 없는 필드는 건너뜁니다.
const (
	exportVersion = 1

	fieldVersion protowire.Number = 1
	fieldState   protowire.Number = 2
	fieldPeer    protowire.Number = 3
	fieldSavedAt protowire.Number = 4
)

type sessionExport struct {
	Version uint64
	State   []byte
	Peer    string
	SavedAt time.Time
}

func (e *sessionExport) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, e.Version)
	b = protowire.AppendTag(b, fieldState, protowire.BytesType)
	b = protowire.AppendBytes(b, e.State)
	if e.Peer != "" {
		b = protowire.AppendTag(b, fieldPeer, protowire.BytesType)
		b = protowire.AppendString(b, e.Peer)
	}
	if !e.SavedAt.IsZero() {
		b = protowire.AppendTag(b, fieldSavedAt, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(e.SavedAt.Unix()))
	}
	return b
}

func unmarshalSessionExport(b []byte) (*sessionExport, error) {
	e := &sessionExport{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrInvalidExport, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldVersion && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: version: %v", ErrInvalidExport, protowire.ParseError(n))
			}
			e.Version = v
			b = b[n:]
		case num == fieldState && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: state: %v", ErrInvalidExport, protowire.ParseError(n))
			}
			e.State = append([]byte(nil), v...)
			b = b[n:]
		case num == fieldPeer && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: peer: %v", ErrInvalidExport, protowire.ParseError(n))
			}
			e.Peer = v
			b = b[n:]
		case num == fieldSavedAt && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: saved_at: %v", ErrInvalidExport, protowire.ParseError(n))
			}
			e.SavedAt = time.Unix(int64(v), 0)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrInvalidExport, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	if e.Version != exportVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidExport, e.Version)
	}
	if len(e.State) == 0 {
		return nil, fmt.Errorf("%w: missing engine state", ErrInvalidExport)
	}
	return e, nil
}
