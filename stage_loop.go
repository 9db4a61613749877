package playhouse

import (
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
	"github.com/rs/zerolog"
)

// stageLoop is a single-owner serial executor. Any goroutine may post;
// at most one goroutine drains at a time. The first producer that flips
// the processing flag becomes the drainer, drains the backlog in batches
// and releases the flag once the queue is empty.
type stageLoop struct {
	logger zerolog.Logger

	// executes one work item; set by the owning stage.
	run func(m *loopMessage)

	mutex      sync.Mutex
	backlog    *queue.Queue
	processing bool
	closed     bool

	// non-reentrant ownership check: exactly one drainer at any instant.
	running int32

	idle chan struct{}
}

func (lo *stageLoop) initialize() {
	lo.backlog = queue.New()
	lo.idle = make(chan struct{}, 1)
}

// post enqueues a work item. It returns false when the loop is closed;
// the caller then owns the message again.
func (lo *stageLoop) post(m *loopMessage) bool {
	lo.mutex.Lock()
	if lo.closed {
		lo.mutex.Unlock()
		return false
	}
	lo.backlog.Add(m)
	if lo.processing {
		lo.mutex.Unlock()
		return true
	}
	lo.processing = true
	lo.mutex.Unlock()

	go lo.drain()
	return true
}

// closeLoop rejects further posts. Messages already queued still run.
func (lo *stageLoop) closeLoop() {
	lo.mutex.Lock()
	lo.closed = true
	lo.mutex.Unlock()
}

// waitIdle blocks until the current drainer, if any, has released the
// loop. Used by tests and node shutdown.
func (lo *stageLoop) waitIdle() {
	for {
		lo.mutex.Lock()
		busy := lo.processing
		lo.mutex.Unlock()
		if !busy {
			return
		}
		<-lo.idle
	}
}

func (lo *stageLoop) drain() {
	if !atomic.CompareAndSwapInt32(&lo.running, 0, 1) {
		panic("stage loop drained concurrently")
	}

	var batch []*loopMessage

	for {
		lo.mutex.Lock()
		n := lo.backlog.Length()
		if n == 0 {
			// release the ownership flag before the processing flag;
			// the next drainer can only be spawned after the latter.
			atomic.StoreInt32(&lo.running, 0)
			lo.processing = false
			lo.mutex.Unlock()

			select {
			case lo.idle <- struct{}{}:
			default:
			}
			return
		}
		batch = batch[:0]
		for i := 0; i < n; i++ {
			batch = append(batch, lo.backlog.Remove().(*loopMessage))
		}
		lo.mutex.Unlock()

		for _, m := range batch {
			lo.runOne(m)
		}
	}
}

func (lo *stageLoop) runOne(m *loopMessage) {
	defer func() {
		if r := recover(); r != nil {
			// a faulty handler never tears down the loop.
			lo.logger.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("work item panicked")
		}
		m.release()
	}()

	lo.run(m)
}
