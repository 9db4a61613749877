package playhouse

import (
	"fmt"
	"net"
	"time"

	"github.com/gorilla/websocket"

	"github.com/playhouse/playhouse/pkg/liberrors"
)

// wsTransport carries one body per binary WebSocket message; the
// protocol's length prefix is unnecessary there.
type wsTransport struct {
	wconn       *websocket.Conn
	maxBodySize int
}

func newWSTransport(wconn *websocket.Conn, maxBodySize int) *wsTransport {
	wconn.SetReadLimit(int64(maxBodySize))
	return &wsTransport{
		wconn:       wconn,
		maxBodySize: maxBodySize,
	}
}

func (t *wsTransport) ReadFrame() ([]byte, error) {
	typ, body, err := t.wconn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if typ != websocket.BinaryMessage {
		return nil, liberrors.ErrProtocolViolation{
			Reason: fmt.Sprintf("unexpected websocket message type %d", typ),
		}
	}
	return body, nil
}

func (t *wsTransport) WriteFrame(body []byte) error {
	return t.wconn.WriteMessage(websocket.BinaryMessage, body)
}

// Flush is a no-op; every WebSocket message is flushed on write.
func (t *wsTransport) Flush() error {
	return nil
}

func (t *wsTransport) Close() error {
	return t.wconn.Close()
}

func (t *wsTransport) RemoteAddr() net.Addr {
	return t.wconn.RemoteAddr()
}

func (t *wsTransport) SetReadDeadline(tm time.Time) error {
	return t.wconn.SetReadDeadline(tm)
}

var _ sessionTransport = (*wsTransport)(nil)
