package playhouse

import (
	"bufio"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/playhouse/playhouse/pkg/wire"
)

// meshServer accepts inbound mesh links from peer nodes. Each accepted
// connection must announce itself with a hello frame before packets flow.
type meshServer struct {
	cm      *communicator
	address string
	logger  zerolog.Logger

	ln   net.Listener
	done chan struct{}
}

func (ms *meshServer) initialize() error {
	var err error
	ms.ln, err = net.Listen("tcp", ms.address)
	if err != nil {
		return err
	}
	ms.done = make(chan struct{})

	go ms.run()
	return nil
}

func (ms *meshServer) close() {
	ms.ln.Close()
	<-ms.done
}

// Addr returns the bound listener address.
func (ms *meshServer) addr() net.Addr {
	return ms.ln.Addr()
}

func (ms *meshServer) run() {
	defer close(ms.done)

	for {
		nconn, err := ms.ln.Accept()
		if err != nil {
			return
		}

		go ms.handleConn(nconn)
	}
}

func (ms *meshServer) handleConn(nconn net.Conn) {
	nconn.SetReadDeadline(time.Now().Add(meshHelloTimeout))

	bw := bufio.NewWriterSize(nconn, defaultSendBufferSize)
	conn := wire.NewConn(readWriter{nconn, bw}, ms.cm.maxBodySize)
	pkt, err := conn.ReadRoute()
	if err != nil || !pkt.IsSystem() || pkt.MsgID != wire.MsgIDHello {
		ms.logger.Warn().Err(err).Str("remote", nconn.RemoteAddr().String()).
			Msg("mesh peer did not announce itself")
		nconn.Close()
		return
	}

	var hello wire.Hello
	err = hello.Unmarshal(pkt.Payload)
	if err != nil || hello.Nid == "" {
		ms.logger.Warn().Err(err).Str("remote", nconn.RemoteAddr().String()).
			Msg("malformed mesh hello")
		nconn.Close()
		return
	}

	nconn.SetReadDeadline(time.Time{})

	l := &meshLink{
		cm:       ms.cm,
		serverID: hello.ServerID,
		nid:      hello.Nid,
		address:  nconn.RemoteAddr().String(),
		nconn:    nconn,
		conn:     conn,
		bw:       bw,
	}

	if !ms.cm.registerInbound(l) {
		nconn.Close()
		return
	}

	err = l.initialize()
	if err != nil {
		ms.cm.removeLink(l)
		nconn.Close()
		return
	}

	ms.logger.Info().Str("server", hello.ServerID).Str("nid", hello.Nid).
		Msg("mesh peer connected")
}
