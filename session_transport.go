package playhouse

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/playhouse/playhouse/pkg/liberrors"
)

// sessionTransport abstracts the client-facing byte transport. TCP frames
// bodies with a length prefix; WebSocket maps one body to one message.
type sessionTransport interface {
	// ReadFrame returns the body of the next frame.
	ReadFrame() ([]byte, error)

	// WriteFrame buffers one body.
	WriteFrame(body []byte) error

	// Flush pushes buffered bodies to the peer.
	Flush() error

	Close() error
	RemoteAddr() net.Addr
	SetReadDeadline(t time.Time) error
}

// tcpTransport frames bodies with a 4-byte little-endian length prefix.
type tcpTransport struct {
	nconn       net.Conn
	br          *bufio.Reader
	bw          *bufio.Writer
	maxBodySize int
	pool        *bufferPool
}

func newTCPTransport(nconn net.Conn, maxBodySize, readBufSize, writeBufSize int, pool *bufferPool) *tcpTransport {
	return &tcpTransport{
		nconn:       nconn,
		br:          bufio.NewReaderSize(nconn, readBufSize),
		bw:          bufio.NewWriterSize(nconn, writeBufSize),
		maxBodySize: maxBodySize,
		pool:        pool,
	}
}

func (t *tcpTransport) ReadFrame() ([]byte, error) {
	var header [4]byte
	_, err := io.ReadFull(t.br, header[:])
	if err != nil {
		return nil, err
	}

	size := int(binary.LittleEndian.Uint32(header[:]))
	if size > t.maxBodySize {
		return nil, liberrors.ErrProtocolViolation{
			Reason: fmt.Sprintf("frame size %d exceeds maximum %d", size, t.maxBodySize),
		}
	}

	body := t.pool.get(size)
	_, err = io.ReadFull(t.br, body)
	if err != nil {
		t.pool.put(body)
		return nil, err
	}
	return body, nil
}

func (t *tcpTransport) WriteFrame(body []byte) error {
	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], uint32(len(body)))
	_, err := t.bw.Write(header[:])
	if err != nil {
		return err
	}
	_, err = t.bw.Write(body)
	return err
}

func (t *tcpTransport) Flush() error {
	return t.bw.Flush()
}

func (t *tcpTransport) Close() error {
	return t.nconn.Close()
}

func (t *tcpTransport) RemoteAddr() net.Addr {
	return t.nconn.RemoteAddr()
}

func (t *tcpTransport) SetReadDeadline(tm time.Time) error {
	return t.nconn.SetReadDeadline(tm)
}

var _ sessionTransport = (*tcpTransport)(nil)
