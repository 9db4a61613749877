package wire

import (
	"encoding/binary"
	"fmt"
)

// control payloads travel inside frames carrying a framework message ID.
// They use u16-length strings and u32-length byte blobs, little-endian.

func appendString(buf []byte, s string) ([]byte, error) {
	if len(s) > 0xffff {
		return nil, fmt.Errorf("string too long (%d)", len(s))
	}
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...), nil
}

func appendBytes(buf []byte, b []byte) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

func readString(buf []byte) (string, []byte, error) {
	if len(buf) < 2 {
		return "", nil, fmt.Errorf("short control payload")
	}
	n := int(binary.LittleEndian.Uint16(buf))
	buf = buf[2:]
	if len(buf) < n {
		return "", nil, fmt.Errorf("short control payload")
	}
	return string(buf[:n]), buf[n:], nil
}

func readBytes(buf []byte) ([]byte, []byte, error) {
	if len(buf) < 4 {
		return nil, nil, fmt.Errorf("short control payload")
	}
	n := int(binary.LittleEndian.Uint32(buf))
	buf = buf[4:]
	if len(buf) < n {
		return nil, nil, fmt.Errorf("short control payload")
	}
	return buf[:n], buf[n:], nil
}

// Hello is the first frame exchanged on a mesh link; it announces the
// dialing node's identity.
type Hello struct {
	ServerID string
	Nid      string
	Token    string
}

// Marshal encodes the payload.
func (h Hello) Marshal() ([]byte, error) {
	var buf []byte
	var err error
	for _, s := range []string{h.ServerID, h.Nid, h.Token} {
		buf, err = appendString(buf, s)
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// Unmarshal decodes the payload.
func (h *Hello) Unmarshal(buf []byte) error {
	var err error
	for _, dst := range []*string{&h.ServerID, &h.Nid, &h.Token} {
		*dst, buf, err = readString(buf)
		if err != nil {
			return err
		}
	}
	return nil
}

// CreateStageReq asks a Play node to instantiate a stage.
type CreateStageReq struct {
	StageType     string
	CreatePayload []byte
}

// Marshal encodes the payload.
func (r CreateStageReq) Marshal() ([]byte, error) {
	buf, err := appendString(nil, r.StageType)
	if err != nil {
		return nil, err
	}
	return appendBytes(buf, r.CreatePayload), nil
}

// Unmarshal decodes the payload.
func (r *CreateStageReq) Unmarshal(buf []byte) error {
	var err error
	r.StageType, buf, err = readString(buf)
	if err != nil {
		return err
	}
	r.CreatePayload, _, err = readBytes(buf)
	return err
}

// CreateStageRes answers CreateStage and GetOrCreateStage.
type CreateStageRes struct {
	StageID int64
	Created bool
}

// Marshal encodes the payload.
func (r CreateStageRes) Marshal() ([]byte, error) {
	buf := binary.LittleEndian.AppendUint64(nil, uint64(r.StageID))
	if r.Created {
		return append(buf, 1), nil
	}
	return append(buf, 0), nil
}

// Unmarshal decodes the payload.
func (r *CreateStageRes) Unmarshal(buf []byte) error {
	if len(buf) < 9 {
		return fmt.Errorf("short control payload")
	}
	r.StageID = int64(binary.LittleEndian.Uint64(buf))
	r.Created = buf[8] != 0
	return nil
}

// JoinStageReq carries the stage type and the opaque auth packet of a
// joining client.
type JoinStageReq struct {
	StageType   string
	AuthPayload []byte
}

// Marshal encodes the payload.
func (r JoinStageReq) Marshal() ([]byte, error) {
	buf, err := appendString(nil, r.StageType)
	if err != nil {
		return nil, err
	}
	return appendBytes(buf, r.AuthPayload), nil
}

// Unmarshal decodes the payload.
func (r *JoinStageReq) Unmarshal(buf []byte) error {
	var err error
	r.StageType, buf, err = readString(buf)
	if err != nil {
		return err
	}
	r.AuthPayload, _, err = readBytes(buf)
	return err
}

// CreateJoinStageReq combines CreateStage and JoinStage.
type CreateJoinStageReq struct {
	StageType     string
	CreatePayload []byte
	AuthPayload   []byte
}

// Marshal encodes the payload.
func (r CreateJoinStageReq) Marshal() ([]byte, error) {
	buf, err := appendString(nil, r.StageType)
	if err != nil {
		return nil, err
	}
	buf = appendBytes(buf, r.CreatePayload)
	return appendBytes(buf, r.AuthPayload), nil
}

// Unmarshal decodes the payload.
func (r *CreateJoinStageReq) Unmarshal(buf []byte) error {
	var err error
	r.StageType, buf, err = readString(buf)
	if err != nil {
		return err
	}
	r.CreatePayload, buf, err = readBytes(buf)
	if err != nil {
		return err
	}
	r.AuthPayload, _, err = readBytes(buf)
	return err
}

// JoinStageRes is the auth reply sent back to a joining client.
type JoinStageRes struct {
	StageID int64
	Created bool
}

// Marshal encodes the payload.
func (r JoinStageRes) Marshal() ([]byte, error) {
	buf := binary.LittleEndian.AppendUint64(nil, uint64(r.StageID))
	if r.Created {
		return append(buf, 1), nil
	}
	return append(buf, 0), nil
}

// Unmarshal decodes the payload.
func (r *JoinStageRes) Unmarshal(buf []byte) error {
	if len(buf) < 9 {
		return fmt.Errorf("short control payload")
	}
	r.StageID = int64(binary.LittleEndian.Uint64(buf))
	r.Created = buf[8] != 0
	return nil
}

// ReconnectReq re-binds an existing actor to a new client connection.
type ReconnectReq struct {
	SessionNid string
	Sid        int64
	APINid     string
}

// Marshal encodes the payload.
func (r ReconnectReq) Marshal() ([]byte, error) {
	buf, err := appendString(nil, r.SessionNid)
	if err != nil {
		return nil, err
	}
	buf = binary.LittleEndian.AppendUint64(buf, uint64(r.Sid))
	return appendString(buf, r.APINid)
}

// Unmarshal decodes the payload.
func (r *ReconnectReq) Unmarshal(buf []byte) error {
	var err error
	r.SessionNid, buf, err = readString(buf)
	if err != nil {
		return err
	}
	if len(buf) < 8 {
		return fmt.Errorf("short control payload")
	}
	r.Sid = int64(binary.LittleEndian.Uint64(buf))
	r.APINid, _, err = readString(buf[8:])
	return err
}
