package connector

import (
	"bufio"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// transport is a framed byte pipe to the server.
type transport interface {
	ReadFrame() ([]byte, error)
	WriteFrame(body []byte) error
	Close() error
}

// tcpTransport frames bodies with a 4-byte little-endian length prefix.
type tcpTransport struct {
	nconn       net.Conn
	br          *bufio.Reader
	writeMutex  sync.Mutex
	bw          *bufio.Writer
	maxBodySize int
}

func dialTCP(address string, tlsConf *tls.Config, maxBodySize int) (transport, error) {
	var nconn net.Conn
	var err error
	if tlsConf != nil {
		nconn, err = tls.Dial("tcp", address, tlsConf)
	} else {
		nconn, err = net.Dial("tcp", address)
	}
	if err != nil {
		return nil, err
	}

	return &tcpTransport{
		nconn:       nconn,
		br:          bufio.NewReader(nconn),
		bw:          bufio.NewWriter(nconn),
		maxBodySize: maxBodySize,
	}, nil
}

func (t *tcpTransport) ReadFrame() ([]byte, error) {
	var header [4]byte
	_, err := io.ReadFull(t.br, header[:])
	if err != nil {
		return nil, err
	}

	size := int(binary.LittleEndian.Uint32(header[:]))
	if size > t.maxBodySize {
		return nil, fmt.Errorf("frame size %d exceeds maximum %d", size, t.maxBodySize)
	}

	body := make([]byte, size)
	_, err = io.ReadFull(t.br, body)
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (t *tcpTransport) WriteFrame(body []byte) error {
	t.writeMutex.Lock()
	defer t.writeMutex.Unlock()

	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], uint32(len(body)))
	_, err := t.bw.Write(header[:])
	if err != nil {
		return err
	}
	_, err = t.bw.Write(body)
	if err != nil {
		return err
	}
	return t.bw.Flush()
}

func (t *tcpTransport) Close() error {
	return t.nconn.Close()
}

// wsTransport carries one body per binary WebSocket message.
type wsTransport struct {
	wconn      *websocket.Conn
	writeMutex sync.Mutex
}

func dialWS(address string, tlsConf *tls.Config, maxBodySize int) (transport, error) {
	scheme := "ws"
	if tlsConf != nil {
		scheme = "wss"
	}

	dialer := websocket.Dialer{
		TLSClientConfig: tlsConf,
	}
	wconn, res, err := dialer.Dial(scheme+"://"+address+"/", nil) //nolint:bodyclose
	if err != nil {
		return nil, err
	}
	if res != nil && res.StatusCode != http.StatusSwitchingProtocols {
		wconn.Close()
		return nil, fmt.Errorf("unexpected status %d", res.StatusCode)
	}

	wconn.SetReadLimit(int64(maxBodySize))
	return &wsTransport{wconn: wconn}, nil
}

func (t *wsTransport) ReadFrame() ([]byte, error) {
	typ, body, err := t.wconn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if typ != websocket.BinaryMessage {
		return nil, fmt.Errorf("unexpected websocket message type %d", typ)
	}
	return body, nil
}

func (t *wsTransport) WriteFrame(body []byte) error {
	t.writeMutex.Lock()
	defer t.writeMutex.Unlock()
	return t.wconn.WriteMessage(websocket.BinaryMessage, body)
}

func (t *wsTransport) Close() error {
	return t.wconn.Close()
}
