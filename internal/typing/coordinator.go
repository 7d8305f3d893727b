// Package typing turns raw per-keystroke typing events into a debounced
// Active/Idle state machine per (session, typist). Entering Active emits a
// single start notification; leaving it (explicit stop, inactivity expiry,
// or the typist's disconnect) emits a single stop notification.
package typing

import (
	"sync"
	"time"
)

// DefaultWindow is the inactivity window after which an indicator expires.
// It matches the client-side debounce, keeping the two ends consistent so
// the indicator does not flicker.
const DefaultWindow = 900 * time.Millisecond

// Notify is called on Active/Idle transitions. Callbacks run outside the
// coordinator's lock, so they may block on I/O or call back into the
// Coordinator; transitions are delivered strictly in the order they occurred.
type Notify func(sessionID, typistID, typistName string)

type key struct {
	sessionID string
	typistID  string
}

type indicator struct {
	timer    *time.Timer
	name     string
	deadline time.Time // inactivity expiry, pushed forward on every refresh
}

// transition is a queued Active/Idle notification awaiting emission.
type transition struct {
	start     bool
	sessionID string
	typistID  string
	name      string
}

// Coordinator owns the ephemeral typing indicators. All state is in-memory;
// indicators are never persisted. Notifications are queued under the lock
// and emitted after it is released, so a slow subscriber never stalls state
// transitions for other sessions.
type Coordinator struct {
	window  time.Duration
	onStart Notify
	onStop  Notify

	mu       sync.Mutex
	active   map[key]*indicator
	pending  []transition
	emitting bool
}

// NewCoordinator creates a Coordinator with the given inactivity window.
// A non-positive window falls back to DefaultWindow.
func NewCoordinator(window time.Duration, onStart, onStop Notify) *Coordinator {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Coordinator{
		window:  window,
		onStart: onStart,
		onStop:  onStop,
		active:  make(map[key]*indicator),
	}
}

// Typing records a typing event. The first event for an idle pair emits the
// start notification; repeated events while already active only push the
// expiry deadline forward and are otherwise silent, so keystroke storms do
// not fan out.
func (c *Coordinator) Typing(sessionID, typistID, typistName string) {
	k := key{sessionID, typistID}

	c.mu.Lock()
	if ind, ok := c.active[k]; ok {
		ind.name = typistName
		ind.deadline = time.Now().Add(c.window)
		c.mu.Unlock()
		return
	}

	ind := &indicator{name: typistName, deadline: time.Now().Add(c.window)}
	c.active[k] = ind
	ind.timer = time.AfterFunc(c.window, func() {
		c.expire(k)
	})
	c.pending = append(c.pending, transition{start: true, sessionID: sessionID, typistID: typistID, name: typistName})
	c.mu.Unlock()

	c.drain()
}

// StopTyping explicitly ends the pair's typing state. A stop for an idle
// pair is a no-op.
func (c *Coordinator) StopTyping(sessionID, typistID string) {
	k := key{sessionID, typistID}

	c.mu.Lock()
	ind, ok := c.active[k]
	if !ok {
		c.mu.Unlock()
		return
	}
	ind.timer.Stop()
	delete(c.active, k)
	c.pending = append(c.pending, transition{sessionID: sessionID, typistID: typistID, name: ind.name})
	c.mu.Unlock()

	c.drain()
}

// DisconnectUser force-expires every active indicator owned by the typist,
// across all sessions. Called when the user's last connection drops.
func (c *Coordinator) DisconnectUser(typistID string) {
	c.mu.Lock()
	for k, ind := range c.active {
		if k.typistID != typistID {
			continue
		}
		ind.timer.Stop()
		delete(c.active, k)
		c.pending = append(c.pending, transition{sessionID: k.sessionID, typistID: k.typistID, name: ind.name})
	}
	c.mu.Unlock()

	c.drain()
}

// ActiveCount returns the number of currently active indicators.
func (c *Coordinator) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// Shutdown cancels all timers without emitting stop notifications.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, ind := range c.active {
		ind.timer.Stop()
		delete(c.active, k)
	}
}

// expire fires when the timer elapses. The deadline is only read under the
// lock: a refresh that raced the timer has pushed it forward, in which case
// the timer is re-armed for the remainder instead of emitting a stop.
func (c *Coordinator) expire(k key) {
	c.mu.Lock()
	ind, ok := c.active[k]
	if !ok {
		c.mu.Unlock()
		return
	}
	if remaining := time.Until(ind.deadline); remaining > 0 {
		ind.timer.Reset(remaining)
		c.mu.Unlock()
		return
	}
	delete(c.active, k)
	c.pending = append(c.pending, transition{sessionID: k.sessionID, typistID: k.typistID, name: ind.name})
	c.mu.Unlock()

	c.drain()
}

// drain emits queued transitions with the lock released. A single drainer
// runs at a time; transitions queued while it is emitting are picked up on
// its next pass, preserving emission order.
func (c *Coordinator) drain() {
	c.mu.Lock()
	if c.emitting {
		c.mu.Unlock()
		return
	}
	c.emitting = true
	for len(c.pending) > 0 {
		batch := c.pending
		c.pending = nil
		c.mu.Unlock()

		for _, tr := range batch {
			if tr.start {
				c.onStart(tr.sessionID, tr.typistID, tr.name)
			} else {
				c.onStop(tr.sessionID, tr.typistID, tr.name)
			}
		}

		c.mu.Lock()
	}
	c.emitting = false
	c.mu.Unlock()
}
