package playhouse

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/playhouse/playhouse/pkg/liberrors"
	"github.com/playhouse/playhouse/pkg/wire"
)

type sessionState int

const (
	sessionStateActive sessionState = iota
	sessionStateClosing
	sessionStateClosed
)

// Session is a client connection on a Play node. Frames it receives are
// wrapped into route packets and handed to the stage dispatcher; replies
// and pushes flow back through a batching writer.
type Session struct {
	s      *Server
	sid    int64
	tr     sessionTransport
	logger zerolog.Logger

	mutex     sync.Mutex
	state     sessionState
	accountID string
	stageID   int64

	chWrite     chan []byte
	chClose     chan struct{}
	queuedBytes int64
	paused      int32

	closeOnce  sync.Once
	readerDone chan struct{}
	writerDone chan struct{}
	closedDone chan struct{}
}

func (se *Session) initialize() {
	se.chWrite = make(chan []byte, defaultWriteQueueSize)
	se.chClose = make(chan struct{})
	se.readerDone = make(chan struct{})
	se.writerDone = make(chan struct{})
	se.closedDone = make(chan struct{})

	go se.runReader()
	go se.runWriter()
}

// Sid returns the node-local session id.
func (se *Session) Sid() int64 {
	return se.sid
}

// AccountID returns the account bound to this session; empty before a
// successful join.
func (se *Session) AccountID() string {
	se.mutex.Lock()
	defer se.mutex.Unlock()
	return se.accountID
}

// RemoteAddr returns the peer address.
func (se *Session) RemoteAddr() net.Addr {
	return se.tr.RemoteAddr()
}

// Close terminates the session.
func (se *Session) Close() {
	se.closeWithError(liberrors.ErrTerminated{})
}

func (se *Session) bind(accountID string, stageID int64) {
	se.mutex.Lock()
	se.accountID = accountID
	se.stageID = stageID
	se.mutex.Unlock()
}

func (se *Session) bound() (string, int64) {
	se.mutex.Lock()
	defer se.mutex.Unlock()
	return se.accountID, se.stageID
}

// sendResponse queues one response frame. It never blocks: a saturated
// session drops the frame and reports it.
func (se *Session) sendResponse(res *wire.Response) error {
	body, err := res.Marshal()
	if err != nil {
		return err
	}
	return se.enqueue(body)
}

func (se *Session) enqueue(body []byte) error {
	queued := atomic.LoadInt64(&se.queuedBytes)
	if atomic.LoadInt32(&se.paused) == 1 {
		if queued >= int64(se.s.ResumeWriterThreshold) {
			return liberrors.ErrSendQueueFull{}
		}
		atomic.StoreInt32(&se.paused, 0)
	} else if queued > int64(se.s.PauseWriterThreshold) {
		atomic.StoreInt32(&se.paused, 1)
		return liberrors.ErrSendQueueFull{}
	}

	select {
	case <-se.chClose:
		return liberrors.ErrSessionClosed{}
	default:
	}

	select {
	case se.chWrite <- body:
		atomic.AddInt64(&se.queuedBytes, int64(len(body)))
		return nil
	default:
		return liberrors.ErrSendQueueFull{}
	}
}

func (se *Session) runReader() {
	defer close(se.readerDone)

	for {
		if se.s.HeartbeatTimeout > 0 {
			se.tr.SetReadDeadline(time.Now().Add(se.s.HeartbeatTimeout))
		}

		body, err := se.tr.ReadFrame()
		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				err = liberrors.ErrHeartbeatTimeout{}
			}
			if _, ok := err.(liberrors.ErrProtocolViolation); ok {
				se.s.notifyError(se, err)
			}
			se.closeWithError(err)
			return
		}

		err = se.handleFrame(body)
		if err != nil {
			se.s.notifyError(se, err)
			se.closeWithError(err)
			return
		}
	}
}

// handleFrame parses one client frame and routes it. A non-nil return is
// fatal to the session.
func (se *Session) handleFrame(body []byte) error {
	var req wire.Request
	err := req.Unmarshal(body)
	if err != nil {
		se.releaseFrame(body)
		return liberrors.ErrProtocolViolation{Reason: err.Error()}
	}

	switch {
	case req.MsgID == wire.MsgIDHeartbeat:
		if req.MsgSeq != 0 {
			se.sendResponse(&wire.Response{
				MsgID:  wire.MsgIDHeartbeat,
				MsgSeq: req.MsgSeq,
			})
		}
		se.releaseFrame(body)
		return nil

	case req.MsgID == wire.MsgIDJoinStage || req.MsgID == wire.MsgIDCreateJoinStage:
		se.forward(&req, body, wire.RouteFlagSystem, "")
		return nil

	case wire.IsReservedMsgID(req.MsgID):
		se.releaseFrame(body)
		return liberrors.ErrProtocolViolation{
			Reason: "reserved message id " + req.MsgID + " from client",
		}

	default:
		accountID, _ := se.bound()
		if accountID == "" {
			if req.MsgSeq != 0 {
				se.sendResponse(&wire.Response{
					MsgID:     req.MsgID,
					MsgSeq:    req.MsgSeq,
					StageID:   req.StageID,
					ErrorCode: wire.CodeInvalidAccountID,
				})
			}
			se.releaseFrame(body)
			return nil
		}
		se.forward(&req, body, 0, accountID)
		return nil
	}
}

// forward wraps a client frame into a route packet and hands it, together
// with its backing buffer, to the dispatcher.
func (se *Session) forward(req *wire.Request, body []byte, flags uint8, accountID string) {
	core := se.s.core
	pkt := &wire.RoutePacket{
		Flags:     flags,
		MsgID:     req.MsgID,
		MsgSeq:    req.MsgSeq,
		StageID:   req.StageID,
		From:      core.nid,
		ServiceID: core.serviceID,
		AccountID: accountID,
		Sid:       se.sid,
		Payload:   req.Payload,
	}
	se.s.dispatcher.dispatchBuf(pkt, body, se.s.framePool)
}

// releaseFrame returns a pooled receive buffer once the frame is fully
// consumed on this goroutine.
func (se *Session) releaseFrame(body []byte) {
	if se.s.framePool != nil {
		se.s.framePool.put(body)
	}
}

func (se *Session) runWriter() {
	defer close(se.writerDone)

	for {
		select {
		case body := <-se.chWrite:
			if !se.writeBatch(body) {
				return
			}

		case <-se.chClose:
			se.drainWrites()
			return
		}
	}
}

// writeBatch writes one body plus whatever else is queued, bounded by the
// batch size, then flushes once.
func (se *Session) writeBatch(body []byte) bool {
	err := se.tr.WriteFrame(body)
	atomic.AddInt64(&se.queuedBytes, -int64(len(body)))
	if err != nil {
		se.closeWithError(err)
		return false
	}

	for i := 1; i < se.s.WriteBatchSize; i++ {
		select {
		case next := <-se.chWrite:
			err = se.tr.WriteFrame(next)
			atomic.AddInt64(&se.queuedBytes, -int64(len(next)))
			if err != nil {
				se.closeWithError(err)
				return false
			}
		default:
			i = se.s.WriteBatchSize
		}
	}

	err = se.tr.Flush()
	if err != nil {
		se.closeWithError(err)
		return false
	}
	return true
}

// drainWrites flushes frames queued before the close.
func (se *Session) drainWrites() {
	for {
		select {
		case body := <-se.chWrite:
			err := se.tr.WriteFrame(body)
			atomic.AddInt64(&se.queuedBytes, -int64(len(body)))
			if err != nil {
				return
			}
		default:
			se.tr.Flush()
			return
		}
	}
}

// closeWithError tears the session down exactly once.
func (se *Session) closeWithError(err error) {
	se.closeOnce.Do(func() {
		se.mutex.Lock()
		se.state = sessionStateClosing
		se.mutex.Unlock()

		close(se.chClose)

		go se.teardown(err)
	})
}

func (se *Session) teardown(err error) {
	defer close(se.closedDone)

	accountID, stageID := se.bound()
	if accountID != "" {
		core := se.s.core
		core.handleLocal(&wire.RoutePacket{
			Flags:     wire.RouteFlagSystem,
			MsgID:     wire.MsgIDDisconnectNotice,
			StageID:   stageID,
			From:      core.nid,
			ServiceID: core.serviceID,
			AccountID: accountID,
			Sid:       se.sid,
		})
	}

	se.s.core.cache.cancelSession(se.sid)

	// let queued responses reach the peer before cutting the socket.
	select {
	case <-se.writerDone:
	case <-time.After(se.s.sessionCloseTimeout):
	}

	se.tr.Close()
	<-se.readerDone
	<-se.writerDone

	se.mutex.Lock()
	se.state = sessionStateClosed
	se.mutex.Unlock()

	se.s.removeSession(se)
	se.s.notifySessionClose(se, err)
}
