package wire

import (
	"encoding/binary"
	"fmt"
)

// route packet flags.
const (
	// RouteFlagReply marks a packet answering a pending request.
	RouteFlagReply = 0x01

	// RouteFlagToClient marks a packet whose final destination is a
	// client session rather than a stage.
	RouteFlagToClient = 0x02

	// RouteFlagSystem marks a framework message.
	RouteFlagSystem = 0x04
)

// RoutePacket is a message traversing the server mesh. It carries the
// client frame fields plus the routing header.
//
// Body layout:
//
//	flags:u8 | msg_id_len:u8 | msg_id | msg_seq:u16 | stage_id:i64 |
//	error_code:u16 | original_size:u32 | from_len:u8 | from |
//	service_id:u16 | account_id_len:u8 | account_id | sid:i64 | payload
type RoutePacket struct {
	Flags        uint8
	MsgID        string
	MsgSeq       uint16
	StageID      int64
	ErrorCode    ErrorCode
	OriginalSize uint32

	// originator nid.
	From string

	// originator service id.
	ServiceID uint16

	// bound account; empty when the packet is not tied to an actor.
	AccountID string

	// session id for routing replies back to the originating client
	// connection; zero when not session-bound.
	Sid int64

	// opaque payload.
	Payload []byte
}

// IsReply reports whether the packet answers a pending request.
func (p *RoutePacket) IsReply() bool {
	return p.Flags&RouteFlagReply != 0
}

// IsToClient reports whether the packet targets a client session.
func (p *RoutePacket) IsToClient() bool {
	return p.Flags&RouteFlagToClient != 0
}

// IsSystem reports whether the packet is a framework message.
func (p *RoutePacket) IsSystem() bool {
	return p.Flags&RouteFlagSystem != 0
}

// Unmarshal decodes a route packet body. Payload aliases buf.
func (p *RoutePacket) Unmarshal(buf []byte) error {
	if len(buf) < 2 {
		return fmt.Errorf("short body")
	}

	p.Flags = buf[0]

	idLen := int(buf[1])
	if idLen == 0 {
		return fmt.Errorf("msg_id_len is zero")
	}

	pos := 2
	if len(buf) < pos+idLen+2+8+2+4+1 {
		return fmt.Errorf("declared fields exceed body size")
	}
	p.MsgID = string(buf[pos : pos+idLen])
	pos += idLen

	p.MsgSeq = binary.LittleEndian.Uint16(buf[pos:])
	pos += 2

	p.StageID = int64(binary.LittleEndian.Uint64(buf[pos:]))
	pos += 8

	p.ErrorCode = ErrorCode(binary.LittleEndian.Uint16(buf[pos:]))
	pos += 2

	p.OriginalSize = binary.LittleEndian.Uint32(buf[pos:])
	pos += 4

	fromLen := int(buf[pos])
	pos++
	if len(buf) < pos+fromLen+2+1 {
		return fmt.Errorf("declared fields exceed body size")
	}
	p.From = string(buf[pos : pos+fromLen])
	pos += fromLen

	p.ServiceID = binary.LittleEndian.Uint16(buf[pos:])
	pos += 2

	accountLen := int(buf[pos])
	pos++
	if len(buf) < pos+accountLen+8 {
		return fmt.Errorf("declared fields exceed body size")
	}
	p.AccountID = string(buf[pos : pos+accountLen])
	pos += accountLen

	p.Sid = int64(binary.LittleEndian.Uint64(buf[pos:]))
	pos += 8

	p.Payload = buf[pos:]
	return nil
}

// MarshalSize returns the size of the marshaled body.
func (p RoutePacket) MarshalSize() int {
	return 2 + len(p.MsgID) + 2 + 8 + 2 + 4 +
		1 + len(p.From) + 2 + 1 + len(p.AccountID) + 8 + len(p.Payload)
}

// MarshalTo writes the body into buf.
func (p RoutePacket) MarshalTo(buf []byte) (int, error) {
	if len(p.MsgID) == 0 || len(p.MsgID) > MaxMsgIDLen {
		return 0, fmt.Errorf("invalid msg_id length (%d)", len(p.MsgID))
	}
	if len(p.From) > MaxMsgIDLen || len(p.AccountID) > MaxMsgIDLen {
		return 0, fmt.Errorf("route header field too long")
	}

	pos := 0
	buf[pos] = p.Flags
	pos++

	buf[pos] = byte(len(p.MsgID))
	pos++
	pos += copy(buf[pos:], p.MsgID)

	binary.LittleEndian.PutUint16(buf[pos:], p.MsgSeq)
	pos += 2

	binary.LittleEndian.PutUint64(buf[pos:], uint64(p.StageID))
	pos += 8

	binary.LittleEndian.PutUint16(buf[pos:], uint16(p.ErrorCode))
	pos += 2

	binary.LittleEndian.PutUint32(buf[pos:], p.OriginalSize)
	pos += 4

	buf[pos] = byte(len(p.From))
	pos++
	pos += copy(buf[pos:], p.From)

	binary.LittleEndian.PutUint16(buf[pos:], p.ServiceID)
	pos += 2

	buf[pos] = byte(len(p.AccountID))
	pos++
	pos += copy(buf[pos:], p.AccountID)

	binary.LittleEndian.PutUint64(buf[pos:], uint64(p.Sid))
	pos += 8

	pos += copy(buf[pos:], p.Payload)
	return pos, nil
}

// Marshal writes the body.
func (p RoutePacket) Marshal() ([]byte, error) {
	buf := make([]byte, p.MarshalSize())
	n, err := p.MarshalTo(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}
