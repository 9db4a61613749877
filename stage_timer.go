package playhouse

import (
	"time"
)

// TimerID identifies a timer within its stage.
type TimerID uint64

type stageTimer struct {
	id   TimerID
	stop chan struct{}
}

// addTimer schedules cb on the stage loop after initialDelay, and then
// every period when repeating. The callback runs as an ordinary work
// item, serialized with everything else on the loop.
func (st *stage) addTimer(repeating bool, initialDelay, period time.Duration, cb func()) TimerID {
	st.timersMutex.Lock()
	st.timerSeq++
	t := &stageTimer{
		id:   TimerID(st.timerSeq),
		stop: make(chan struct{}),
	}
	st.timers[t.id] = t
	st.timersMutex.Unlock()

	go t.run(st, repeating, initialDelay, period, cb)

	return t.id
}

// cancelTimer stops a timer. A tick already queued on the loop may still
// fire.
func (st *stage) cancelTimer(id TimerID) {
	st.timersMutex.Lock()
	t, ok := st.timers[id]
	if ok {
		delete(st.timers, id)
	}
	st.timersMutex.Unlock()

	if ok {
		close(t.stop)
	}
}

func (st *stage) cancelAllTimers() {
	st.timersMutex.Lock()
	timers := st.timers
	st.timers = make(map[TimerID]*stageTimer)
	st.timersMutex.Unlock()

	for _, t := range timers {
		close(t.stop)
	}
}

func (st *stage) removeTimer(id TimerID) {
	st.timersMutex.Lock()
	delete(st.timers, id)
	st.timersMutex.Unlock()
}

func (t *stageTimer) run(st *stage, repeating bool, initialDelay, period time.Duration, cb func()) {
	tm := time.NewTimer(initialDelay)
	defer tm.Stop()

	select {
	case <-tm.C:
	case <-t.stop:
		return
	}

	if !t.fire(st, cb) || !repeating {
		st.removeTimer(t.id)
		return
	}

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !t.fire(st, cb) {
				st.removeTimer(t.id)
				return
			}

		case <-t.stop:
			return
		}
	}
}

// fire posts one tick; false means the loop is gone.
func (t *stageTimer) fire(st *stage, cb func()) bool {
	m := newLoopMessage(loopMsgTimer)
	m.fn = cb
	if !st.loop.post(m) {
		m.release()
		return false
	}
	return true
}
