// SPDX-License-Identifier: MIT

package evbus

import (
	"sync"
	"time"
)

// timerSet tracks in-flight AfterFunc timers so Cleanup can cancel pending
// delayed work. Delayed publishes live only in process memory and do not
// survive an adapter restart.
type timerSet struct {
	mu     sync.Mutex
	timers map[*time.Timer]struct{}
	closed bool
}

func newTimerSet() *timerSet {
	return &timerSet{timers: make(map[*time.Timer]struct{})}
}

// schedule runs fn after d. It reports false when the set is already closed
// and the work was not scheduled.
func (ts *timerSet) schedule(d time.Duration, fn func()) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.closed {
		return false
	}
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		ts.remove(t)
		fn()
	})
	ts.timers[t] = struct{}{}
	return true
}

func (ts *timerSet) remove(t *time.Timer) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	delete(ts.timers, t)
}

// stopAll cancels every pending timer and rejects new schedules. Callbacks
// that already fired may still be running; they must tolerate a closed
// adapter.
func (ts *timerSet) stopAll() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.closed = true
	for t := range ts.timers {
		t.Stop()
	}
	ts.timers = make(map[*time.Timer]struct{})
}
