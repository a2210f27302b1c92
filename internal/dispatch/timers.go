package dispatch

import (
	"sync"
	"time"
)

// Timers holds at most one pending timer per session.
type Timers struct {
	mu     sync.Mutex
	timers map[string]*pendingTimer
	seq    uint64
}

type pendingTimer struct {
	t   *time.Timer
	gen uint64
}

func NewTimers() *Timers {
	return &Timers{timers: make(map[string]*pendingTimer)}
}

// Arm replaces any pending timer for key. fn runs on its own goroutine.
func (ts *Timers) Arm(key string, after time.Duration, fn func()) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if p, ok := ts.timers[key]; ok {
		p.t.Stop()
	}
	ts.seq++
	gen := ts.seq
	p := &pendingTimer{gen: gen}
	p.t = time.AfterFunc(after, func() {
		// Drop the fire if the timer was replaced or cancelled after it started.
		ts.mu.Lock()
		cur, ok := ts.timers[key]
		if !ok || cur.gen != gen {
			ts.mu.Unlock()
			return
		}
		delete(ts.timers, key)
		ts.mu.Unlock()
		fn()
	})
	ts.timers[key] = p
}

func (ts *Timers) Cancel(key string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if p, ok := ts.timers[key]; ok {
		p.t.Stop()
		delete(ts.timers, key)
	}
}

// Pending reports how many timers are armed.
func (ts *Timers) Pending() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.timers)
}

// Stop cancels everything. Used on shutdown.
func (ts *Timers) Stop() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for k, p := range ts.timers {
		p.t.Stop()
		delete(ts.timers, k)
	}
}
