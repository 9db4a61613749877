package playhouse

import (
	"bufio"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/playhouse/playhouse/pkg/liberrors"
	"github.com/playhouse/playhouse/pkg/ringbuffer"
	"github.com/playhouse/playhouse/pkg/wire"
)

const (
	meshDialTimeout    = 5 * time.Second
	meshHelloTimeout   = 5 * time.Second
	meshSendQueueSize  = 1024
	meshWriteBatchSize = 100
)

type readWriter struct {
	io.Reader
	io.Writer
}

// meshLink is one persistent bidirectional link to a peer node. Outbound
// packets go through a ring buffer drained by a writer goroutine; a reader
// goroutine feeds inbound packets to the communicator.
type meshLink struct {
	cm       *communicator
	serverID string
	nid      string
	address  string
	dialed   bool

	// preset by the mesh listener for accepted links, together with conn
	// and bw, so no buffered bytes are lost after the hello.
	nconn net.Conn
	conn  *wire.Conn
	bw    *bufio.Writer

	wbuf       *ringbuffer.RingBuffer
	closeOnce  sync.Once
	readerDone chan struct{}
	writerDone chan struct{}
}

func (l *meshLink) initialize() error {
	if l.dialed {
		nconn, err := net.DialTimeout("tcp", l.address, meshDialTimeout)
		if err != nil {
			return err
		}
		l.nconn = nconn
	}

	if l.conn == nil {
		l.bw = bufio.NewWriterSize(l.nconn, defaultSendBufferSize)
		l.conn = wire.NewConn(readWriter{l.nconn, l.bw}, l.cm.maxBodySize)
	}
	l.wbuf, _ = ringbuffer.New(meshSendQueueSize)
	l.readerDone = make(chan struct{})
	l.writerDone = make(chan struct{})

	if l.dialed {
		payload, err := wire.Hello{
			ServerID: l.cm.serverID,
			Nid:      l.cm.nid,
			Token:    uuid.NewString(),
		}.Marshal()
		if err != nil {
			l.nconn.Close()
			return err
		}

		l.nconn.SetWriteDeadline(time.Now().Add(meshHelloTimeout))
		err = l.conn.WriteRoute(&wire.RoutePacket{
			Flags:   wire.RouteFlagSystem,
			MsgID:   wire.MsgIDHello,
			From:    l.cm.nid,
			Payload: payload,
		})
		if err == nil {
			err = l.bw.Flush()
		}
		if err != nil {
			l.nconn.Close()
			return err
		}
		l.nconn.SetWriteDeadline(time.Time{})
	}

	go l.runReader()
	go l.runWriter()
	return nil
}

func (l *meshLink) close() {
	l.closeOnce.Do(func() {
		l.wbuf.Close()
	})
}

func (l *meshLink) wait() {
	<-l.readerDone
	<-l.writerDone
}

// enqueue queues a packet for delivery. Non-blocking.
func (l *meshLink) enqueue(pkt *wire.RoutePacket) error {
	if !l.wbuf.Push(pkt) {
		return liberrors.ErrSendQueueFull{}
	}
	return nil
}

func (l *meshLink) runReader() {
	defer close(l.readerDone)

	for {
		pkt, err := l.conn.ReadRoute()
		if err != nil {
			break
		}

		// a duplicate hello on an established link carries no payload
		// worth dispatching.
		if pkt.IsSystem() && pkt.MsgID == wire.MsgIDHello {
			continue
		}

		l.cm.onInbound(pkt, l.nid)
	}

	l.close()
	l.cm.removeLink(l)
}

func (l *meshLink) runWriter() {
	defer close(l.writerDone)
	// the writer owns the connection teardown: the reader unblocks when
	// the conn closes.
	defer l.nconn.Close()

	for {
		first, ok := l.wbuf.Pull()
		if !ok {
			l.bw.Flush()
			return
		}

		err := l.conn.WriteRoute(first.(*wire.RoutePacket))
		if err != nil {
			l.close()
			return
		}

		// amortize flushes over the queued backlog.
		for n := 1; n < meshWriteBatchSize; n++ {
			next, ok2 := l.wbuf.TryPull()
			if !ok2 {
				break
			}
			err = l.conn.WriteRoute(next.(*wire.RoutePacket))
			if err != nil {
				l.close()
				return
			}
		}

		err = l.bw.Flush()
		if err != nil {
			l.close()
			return
		}
	}
}
