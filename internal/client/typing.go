package client

import (
	"sync"
	"time"
)

// DefaultTypingIdle is how long after the last keystroke stop-typing is
// emitted.
const DefaultTypingIdle = 1500 * time.Millisecond

// TypingDebouncer turns keystrokes into typing / stop-typing indicators.
// The first keystroke emits typing; each keystroke restarts the idle
// timer; when the timer fires, or a message is sent, stop-typing is
// emitted once.
type TypingDebouncer struct {
	idle time.Duration
	emit func(typing bool)

	mu     sync.Mutex
	timer  *time.Timer
	active bool
	gen    uint64
}

// NewTypingDebouncer creates a debouncer. emit is called outside the
// debouncer's lock, from the caller's goroutine or the timer's.
func NewTypingDebouncer(idle time.Duration, emit func(typing bool)) *TypingDebouncer {
	if idle <= 0 {
		idle = DefaultTypingIdle
	}
	return &TypingDebouncer{idle: idle, emit: emit}
}

// Keystroke records input activity.
func (d *TypingDebouncer) Keystroke() {
	d.mu.Lock()
	start := !d.active
	d.active = true
	d.gen++
	gen := d.gen
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.idle, func() { d.expire(gen) })
	d.mu.Unlock()

	if start {
		d.emit(true)
	}
}

// Sent cancels the idle timer and emits stop-typing immediately if typing
// was signalled.
func (d *TypingDebouncer) Sent() {
	if d.stop() {
		d.emit(false)
	}
}

// Stop cancels any pending timer without emitting.
func (d *TypingDebouncer) Stop() {
	d.stop()
}

// Active reports whether typing is currently signalled.
func (d *TypingDebouncer) Active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

func (d *TypingDebouncer) stop() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	was := d.active
	d.active = false
	return was
}

// expire fires from the timer; a stale generation means a later keystroke
// or send has already taken over.
func (d *TypingDebouncer) expire(gen uint64) {
	d.mu.Lock()
	if gen != d.gen || !d.active {
		d.mu.Unlock()
		return
	}
	d.active = false
	d.timer = nil
	d.mu.Unlock()

	d.emit(false)
}

// TypingTo returns a debouncer that signals typing to peer `to` over c.
// Write errors are dropped; indicators are best effort.
func (c *Client) TypingTo(to string, idle time.Duration) *TypingDebouncer {
	return NewTypingDebouncer(idle, func(typing bool) {
		if typing {
			_ = c.Typing(to)
			return
		}
		_ = c.StopTyping(to)
	})
}
