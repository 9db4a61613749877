// Package ringbuffer contains a multi-producer, single-consumer ring buffer.
package ringbuffer

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"
)

type event struct {
	mutex sync.Mutex
	cond  *sync.Cond
	value bool
}

func newEvent() *event {
	ev := &event{}
	ev.cond = sync.NewCond(&ev.mutex)
	return ev
}

func (ev *event) signal() {
	ev.mutex.Lock()
	ev.value = true
	ev.mutex.Unlock()
	ev.cond.Broadcast()
}

func (ev *event) wait() {
	ev.mutex.Lock()
	defer ev.mutex.Unlock()

	if !ev.value {
		ev.cond.Wait()
	}
	ev.value = false
}

// RingBuffer is a ring buffer. Any number of goroutines may Push; exactly
// one goroutine may Pull.
type RingBuffer struct {
	size       uint64
	readIndex  uint64
	writeIndex uint64
	closed     int64
	buffer     []unsafe.Pointer
	event      *event
}

// New allocates a RingBuffer.
func New(size uint64) (*RingBuffer, error) {
	// when writeIndex overflows, if size is not a power of
	// two, only a portion of the buffer is used.
	if (size & (size - 1)) != 0 {
		return nil, fmt.Errorf("size must be a power of two")
	}

	return &RingBuffer{
		size:       size,
		readIndex:  1,
		writeIndex: 0,
		buffer:     make([]unsafe.Pointer, size),
		event:      newEvent(),
	}, nil
}

// Close makes Pull() return false once the buffer is empty.
func (r *RingBuffer) Close() {
	atomic.StoreInt64(&r.closed, 1)
	r.event.signal()
}

// Push appends data at the end of the buffer. It returns false when the
// buffer is full or closed; the caller decides whether to drop or fail.
func (r *RingBuffer) Push(data interface{}) bool {
	if atomic.LoadInt64(&r.closed) == 1 {
		return false
	}

	for {
		writeIndex := atomic.LoadUint64(&r.writeIndex)
		readIndex := atomic.LoadUint64(&r.readIndex)

		// queued = writeIndex - (readIndex - 1)
		if writeIndex-readIndex+1 >= r.size {
			return false
		}

		if atomic.CompareAndSwapUint64(&r.writeIndex, writeIndex, writeIndex+1) {
			i := (writeIndex + 1) % r.size
			atomic.SwapPointer(&r.buffer[i], unsafe.Pointer(&data))
			r.event.signal()
			return true
		}
	}
}

// Pull removes data from the beginning of the buffer, blocking while it is
// empty. It returns false when the buffer is closed and drained.
func (r *RingBuffer) Pull() (interface{}, bool) {
	for {
		i := atomic.LoadUint64(&r.readIndex) % r.size
		res := (*interface{})(atomic.SwapPointer(&r.buffer[i], nil))
		if res == nil {
			if atomic.LoadInt64(&r.closed) == 1 {
				return nil, false
			}
			r.event.wait()
			continue
		}

		atomic.AddUint64(&r.readIndex, 1)
		return *res, true
	}
}

// TryPull is like Pull but returns immediately when the buffer is empty.
func (r *RingBuffer) TryPull() (interface{}, bool) {
	i := atomic.LoadUint64(&r.readIndex) % r.size
	res := (*interface{})(atomic.SwapPointer(&r.buffer[i], nil))
	if res == nil {
		return nil, false
	}

	atomic.AddUint64(&r.readIndex, 1)
	return *res, true
}

// Len returns the number of queued elements.
func (r *RingBuffer) Len() int {
	writeIndex := atomic.LoadUint64(&r.writeIndex)
	readIndex := atomic.LoadUint64(&r.readIndex)
	return int(writeIndex - readIndex + 1)
}
