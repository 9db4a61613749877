package playhouse

import (
	"sync"

	"github.com/playhouse/playhouse/pkg/wire"
)

type loopMessageKind int

const (
	// inbound route packet: system command or server-to-stage message.
	loopMsgRoute loopMessageKind = iota

	// client-to-actor message.
	loopMsgClientRoute

	// timer tick.
	loopMsgTimer

	// result of an AsyncBlock pre function.
	loopMsgAsync

	// reply continuation of an outbound request.
	loopMsgReplyCallback

	// content OnCreate of a freshly registered stage.
	loopMsgCreate

	// actor join/reconnect sequence.
	loopMsgJoinActor

	// client of an actor disconnected.
	loopMsgDisconnect

	// stage teardown.
	loopMsgDestroy
)

// joinRequest carries everything the 10-step join needs.
type joinRequest struct {
	// originating request, for the auth reply.
	origin *wire.RoutePacket

	sessionNid  string
	sid         int64
	apiNid      string
	authPayload []byte

	// whether this command created the stage.
	created bool
}

// loopMessage is a pooled work item of a stage loop. Exactly one field
// group is populated, selected by kind.
type loopMessage struct {
	kind loopMessageKind

	// loopMsgRoute, loopMsgClientRoute.
	route *wire.RoutePacket

	// loopMsgTimer, loopMsgAsync, loopMsgReplyCallback.
	fn func()

	// loopMsgReplyCallback.
	code wire.ErrorCode

	// loopMsgCreate; route then carries the originating request, or nil
	// for an implicit create on behalf of a join.
	createPayload []byte

	// loopMsgJoinActor.
	join *joinRequest

	// loopMsgDisconnect.
	accountID string

	// loopMsgDestroy: closed once teardown completed.
	done chan struct{}

	// pooled receive buffer backing route.Payload, returned on release.
	buf []byte

	// owning server buffer pool; nil when buf is not pooled.
	pool *bufferPool
}

var loopMessagePool = sync.Pool{
	New: func() interface{} { return &loopMessage{} },
}

func newLoopMessage(kind loopMessageKind) *loopMessage {
	m := loopMessagePool.Get().(*loopMessage)
	m.kind = kind
	return m
}

func (m *loopMessage) release() {
	if m.pool != nil && m.buf != nil {
		m.pool.put(m.buf)
	}
	*m = loopMessage{}
	loopMessagePool.Put(m)
}

// bufferPool recycles receive buffers on the hot path.
type bufferPool struct {
	pool sync.Pool
	size int
}

func newBufferPool(size int) *bufferPool {
	bp := &bufferPool{size: size}
	bp.pool.New = func() interface{} {
		return make([]byte, size)
	}
	return bp
}

func (bp *bufferPool) get(size int) []byte {
	if size > bp.size {
		return make([]byte, size)
	}
	return bp.pool.Get().([]byte)[:size]
}

func (bp *bufferPool) put(buf []byte) {
	if cap(buf) < bp.size {
		return
	}
	bp.pool.Put(buf[:bp.size]) //nolint:staticcheck
}
