package playhouse

import (
	"runtime/debug"
)

// asyncBlock runs pre on its own goroutine, off the stage loop, then
// posts post back onto the loop with the result. Stage state must only
// be touched inside post.
func (st *stage) asyncBlock(pre func() (interface{}, error), post func(result interface{}, err error)) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				st.logger.Error().
					Interface("panic", r).
					Bytes("stack", debug.Stack()).
					Msg("async block panicked")
			}
		}()

		res, err := pre()

		if post == nil {
			return
		}

		m := newLoopMessage(loopMsgAsync)
		m.fn = func() { post(res, err) }
		if !st.loop.post(m) {
			m.release()
		}
	}()
}
