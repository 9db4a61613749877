package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

const (
	readBufferSize = 4096
)

// Conn reads and writes length-prefixed frames over a byte stream.
// Every frame is content_size:u32 followed by a body; content_size covers
// every byte after itself.
type Conn struct {
	w           io.Writer
	br          *bufio.Reader
	maxBodySize int
}

// NewConn allocates a Conn.
func NewConn(rw io.ReadWriter, maxBodySize int) *Conn {
	if maxBodySize <= 0 {
		maxBodySize = DefaultMaxBodySize
	}
	return &Conn{
		w:           rw,
		br:          bufio.NewReaderSize(rw, readBufferSize),
		maxBodySize: maxBodySize,
	}
}

// ReadBody reads one frame body into buf, which is grown if needed.
// The returned slice aliases buf when it fits.
func (c *Conn) ReadBody(buf []byte) ([]byte, error) {
	var header [4]byte
	_, err := io.ReadFull(c.br, header[:])
	if err != nil {
		return nil, err
	}

	size := int(binary.LittleEndian.Uint32(header[:]))
	if size > c.maxBodySize {
		return nil, fmt.Errorf("frame size (%d) exceeds maximum (%d)", size, c.maxBodySize)
	}

	if cap(buf) < size {
		buf = make([]byte, size)
	}
	buf = buf[:size]

	_, err = io.ReadFull(c.br, buf)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// ReadRequest reads a Request.
func (c *Conn) ReadRequest() (*Request, error) {
	body, err := c.ReadBody(nil)
	if err != nil {
		return nil, err
	}
	var req Request
	err = req.Unmarshal(body)
	return &req, err
}

// ReadResponse reads a Response.
func (c *Conn) ReadResponse() (*Response, error) {
	body, err := c.ReadBody(nil)
	if err != nil {
		return nil, err
	}
	var res Response
	err = res.Unmarshal(body)
	return &res, err
}

// ReadRoute reads a RoutePacket.
func (c *Conn) ReadRoute() (*RoutePacket, error) {
	body, err := c.ReadBody(nil)
	if err != nil {
		return nil, err
	}
	var pkt RoutePacket
	err = pkt.Unmarshal(body)
	return &pkt, err
}

type bodyMarshaler interface {
	MarshalSize() int
	MarshalTo(buf []byte) (int, error)
}

// WriteBody writes one frame.
func (c *Conn) WriteBody(m bodyMarshaler) error {
	size := m.MarshalSize()
	buf := make([]byte, 4+size)
	binary.LittleEndian.PutUint32(buf, uint32(size))

	n, err := m.MarshalTo(buf[4:])
	if err != nil {
		return err
	}

	_, err = c.w.Write(buf[:4+n])
	return err
}

// WriteRequest writes a Request.
func (c *Conn) WriteRequest(req *Request) error {
	return c.WriteBody(*req)
}

// WriteResponse writes a Response.
func (c *Conn) WriteResponse(res *Response) error {
	return c.WriteBody(*res)
}

// WriteRoute writes a RoutePacket.
func (c *Conn) WriteRoute(pkt *RoutePacket) error {
	return c.WriteBody(*pkt)
}
