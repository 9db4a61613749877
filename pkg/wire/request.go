package wire

import (
	"encoding/binary"
	"fmt"
)

// Request is a client-to-server frame, addressed to a stage.
//
// Body layout (the outer content_size prefix is added by Conn on
// stream transports and provided by the message boundary on WebSocket):
//
//	msg_id_len:u8 | msg_id | msg_seq:u16 | stage_id:i64 | payload
type Request struct {
	// logical message type. 1-255 bytes of UTF-8.
	MsgID string

	// non-zero when a correlated response is expected; zero for pushes.
	MsgSeq uint16

	// target stage.
	StageID int64

	// opaque payload.
	Payload []byte
}

// Unmarshal decodes a request body. Payload aliases buf.
func (r *Request) Unmarshal(buf []byte) error {
	if len(buf) < 1 {
		return fmt.Errorf("empty body")
	}

	idLen := int(buf[0])
	if idLen == 0 {
		return fmt.Errorf("msg_id_len is zero")
	}
	if len(buf) < 1+idLen+2+8 {
		return fmt.Errorf("declared fields exceed body size")
	}

	pos := 1
	r.MsgID = string(buf[pos : pos+idLen])
	pos += idLen

	r.MsgSeq = binary.LittleEndian.Uint16(buf[pos:])
	pos += 2

	r.StageID = int64(binary.LittleEndian.Uint64(buf[pos:]))
	pos += 8

	r.Payload = buf[pos:]
	return nil
}

// MarshalSize returns the size of the marshaled body.
func (r Request) MarshalSize() int {
	return 1 + len(r.MsgID) + 2 + 8 + len(r.Payload)
}

// MarshalTo writes the body into buf.
func (r Request) MarshalTo(buf []byte) (int, error) {
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

	pos += copy(buf[pos:], r.Payload)
	return pos, nil
}

// Marshal writes the body.
func (r Request) Marshal() ([]byte, error) {
	buf := make([]byte, r.MarshalSize())
	n, err := r.MarshalTo(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}
