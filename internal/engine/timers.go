package engine

import (
	"sync"
	"time"
)

// offerTimers tracks the in-process acceptance-window timer per request.
// One timer per request at a time; arming replaces any outstanding one.
// Durability across worker crashes comes from the sweeper, not from here.
type offerTimers struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

func newOfferTimers() *offerTimers {
	return &offerTimers{timers: make(map[string]*time.Timer)}
}

func (t *offerTimers) Arm(requestID string, d time.Duration, fire func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if old, ok := t.timers[requestID]; ok {
		old.Stop()
	}
	var tm *time.Timer
	tm = time.AfterFunc(d, func() {
		t.mu.Lock()
		// only unregister ourselves, not a newer timer for the request
		if t.timers[requestID] == tm {
			delete(t.timers, requestID)
		}
		t.mu.Unlock()
		fire()
	})
	t.timers[requestID] = tm
}

func (t *offerTimers) Disarm(requestID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tm, ok := t.timers[requestID]; ok {
		tm.Stop()
		delete(t.timers, requestID)
	}
}

func (t *offerTimers) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for id, tm := range t.timers {
		tm.Stop()
		delete(t.timers, id)
	}
}
