package wire

import (
	"encoding/binary"
	"fmt"
)

// Response is a server-to-client frame.
//
// Body layout:
//
//	msg_id_len:u8 | msg_id | msg_seq:u16 | stage_id:i64 | error_code:u16 | original_size:u32 | payload
type Response struct {
	// logical message type.
	MsgID string

	// echoes the request's msg_seq; zero for unsolicited pushes.
	MsgSeq uint16

	// echoes the request's target; for pushes, the originating stage.
	StageID int64

	// zero on success.
	ErrorCode ErrorCode

	// uncompressed payload length; zero when the payload is not compressed.
	OriginalSize uint32

	// opaque payload.
	Payload []byte
}

// Unmarshal decodes a response body. Payload aliases buf.
func (r *Response) Unmarshal(buf []byte) error {
	if len(buf) < 1 {
		return fmt.Errorf("empty body")
	}

	idLen := int(buf[0])
	if idLen == 0 {
		return fmt.Errorf("msg_id_len is zero")
	}
	if len(buf) < 1+idLen+2+8+2+4 {
		return fmt.Errorf("declared fields exceed body size")
	}

	pos := 1
	r.MsgID = string(buf[pos : pos+idLen])
	pos += idLen

	r.MsgSeq = binary.LittleEndian.Uint16(buf[pos:])
	pos += 2

	r.StageID = int64(binary.LittleEndian.Uint64(buf[pos:]))
	pos += 8

	r.ErrorCode = ErrorCode(binary.LittleEndian.Uint16(buf[pos:]))
	pos += 2

	r.OriginalSize = binary.LittleEndian.Uint32(buf[pos:])
	pos += 4

	r.Payload = buf[pos:]
	return nil
}

// MarshalSize returns the size of the marshaled body.
func (r Response) MarshalSize() int {
	return 1 + len(r.MsgID) + 2 + 8 + 2 + 4 + len(r.Payload)
}

// MarshalTo writes the body into buf.
func (r Response) MarshalTo(buf []byte) (int, error) {
	if len(r.MsgID) == 0 || len(r.MsgID) > MaxMsgIDLen {
		return 0, fmt.Errorf("invalid msg_id length (%d)", len(r.MsgID))
	}

	pos := 0
	buf[pos] = byte(len(r.MsgID))
	pos++

	pos += copy(buf[pos:], r.MsgID)

	binary.LittleEndian.PutUint16(buf[pos:], r.MsgSeq)
	pos += 2

	binary.LittleEndian.PutUint64(buf[pos:], uint64(r.StageID))
	pos += 8

	binary.LittleEndian.PutUint16(buf[pos:], uint16(r.ErrorCode))
	pos += 2

	binary.LittleEndian.PutUint32(buf[pos:], r.OriginalSize)
	pos += 4

	pos += copy(buf[pos:], r.Payload)
	return pos, nil
}

// Marshal writes the body.
func (r Response) Marshal() ([]byte, error) {
	buf := make([]byte, r.MarshalSize())
	n, err := r.MarshalTo(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}
