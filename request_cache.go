package playhouse

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/playhouse/playhouse/pkg/wire"
)

// replyDelivery consumes the outcome of a pending request. pkt is nil when
// the request failed before a reply arrived.
type replyDelivery func(code wire.ErrorCode, pkt *wire.RoutePacket)

type pendingRequest struct {
	seq      uint16
	deadline time.Time

	// link key the request was sent through (server id or nid).
	target string

	// local session whose loss invalidates the reply path; zero if none.
	sid int64

	// stage owning the reply continuation; nil for API nodes and
	// synchronous waits.
	owner *stage

	deliver replyDelivery
}

// requestCache correlates outbound requests to their reply continuations.
// Completion is at-most-once: removing the entry under the lock is the
// sole claim on the callback.
type requestCache struct {
	logger zerolog.Logger

	mutex   sync.Mutex
	seq     uint16
	entries map[uint16]*pendingRequest

	chClose chan struct{}
	done    chan struct{}
}

func (rc *requestCache) initialize() {
	rc.entries = make(map[uint16]*pendingRequest)
	rc.chClose = make(chan struct{})
	rc.done = make(chan struct{})

	go rc.runSweeper()
}

func (rc *requestCache) close() {
	close(rc.chClose)
	<-rc.done

	for _, entry := range rc.takeAll() {
		entry.deliver(wire.CodeConnectionClosed, nil)
	}
}

// register stores a new pending request and returns its msg_seq. Zero is
// reserved for fire-and-forget packets and is skipped, rollover included.
func (rc *requestCache) register(
	target string,
	sid int64,
	owner *stage,
	timeout time.Duration,
	deliver replyDelivery,
) uint16 {
	rc.mutex.Lock()
	defer rc.mutex.Unlock()

	for {
		rc.seq++
		if rc.seq == 0 {
			rc.seq++
		}
		if _, taken := rc.entries[rc.seq]; !taken {
			break
		}
	}

	rc.entries[rc.seq] = &pendingRequest{
		seq:      rc.seq,
		deadline: time.Now().Add(timeout),
		target:   target,
		sid:      sid,
		owner:    owner,
		deliver:  deliver,
	}
	return rc.seq
}

// complete claims the entry of seq and delivers the outcome. It returns
// false when no entry matches (late reply after timeout or cancellation).
func (rc *requestCache) complete(seq uint16, code wire.ErrorCode, pkt *wire.RoutePacket) bool {
	rc.mutex.Lock()
	entry, ok := rc.entries[seq]
	if ok {
		delete(rc.entries, seq)
	}
	rc.mutex.Unlock()

	if !ok {
		return false
	}

	entry.deliver(code, pkt)
	return true
}

func (rc *requestCache) takeIf(match func(*pendingRequest) bool) []*pendingRequest {
	rc.mutex.Lock()
	defer rc.mutex.Unlock()

	var taken []*pendingRequest
	for seq, entry := range rc.entries {
		if match(entry) {
			taken = append(taken, entry)
			delete(rc.entries, seq)
		}
	}
	return taken
}

func (rc *requestCache) takeAll() []*pendingRequest {
	return rc.takeIf(func(*pendingRequest) bool { return true })
}

// cancelTarget completes every request bound to a lost link with
// CodeConnectionClosed.
func (rc *requestCache) cancelTarget(target string) {
	for _, entry := range rc.takeIf(func(e *pendingRequest) bool { return e.target == target }) {
		entry.deliver(wire.CodeConnectionClosed, nil)
	}
}

// cancelSession completes every request whose reply would be routed back
// through a closed session.
func (rc *requestCache) cancelSession(sid int64) {
	for _, entry := range rc.takeIf(func(e *pendingRequest) bool { return e.sid == sid }) {
		entry.deliver(wire.CodeConnectionClosed, nil)
	}
}

// cancelOwner completes every request owned by a destroyed stage.
func (rc *requestCache) cancelOwner(st *stage) {
	for _, entry := range rc.takeIf(func(e *pendingRequest) bool { return e.owner == st }) {
		entry.deliver(wire.CodeConnectionClosed, nil)
	}
}

func (rc *requestCache) runSweeper() {
	defer close(rc.done)

	ticker := time.NewTicker(requestSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			expired := rc.takeIf(func(e *pendingRequest) bool { return !e.deadline.After(now) })
			for _, entry := range expired {
				rc.logger.Debug().Uint16("seq", entry.seq).Str("target", entry.target).
					Msg("request timed out")
				entry.deliver(wire.CodeRequestTimeout, nil)
			}

		case <-rc.chClose:
			return
		}
	}
}
