package client

import (
	"sync"
	"time"
)

type typingState int

const (
	stateIdle typingState = iota
	stateTypingActive
	statePendingStop
)

// Debouncer collapses a burst of keystrokes into one "typing" emission
// followed by exactly one "stopped" emission after the quiet window, or
// immediately on Flush. It is an explicit state machine with a single
// owned timer: {Idle, TypingActive, PendingStop}.
//
// Transitions and their emissions happen under one lock, so a keystroke
// racing the quiet-window timer can never leave a stale stop on the wire
// after the burst restarted.
type Debouncer struct {
	window time.Duration
	emit   func(isTyping bool)

	mu       sync.Mutex
	state    typingState
	timer    *time.Timer
	deadline time.Time
}

func NewDebouncer(window time.Duration, emit func(isTyping bool)) *Debouncer {
	return &Debouncer{window: window, emit: emit}
}

// Touch registers a keystroke: the first one emits the start signal, every
// one pushes the quiet-window deadline out.
func (d *Debouncer) Touch() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.deadline = time.Now().Add(d.window)
	if d.state == stateTypingActive {
		d.timer.Reset(d.window)
		return
	}

	d.state = stateTypingActive
	if d.timer == nil {
		d.timer = time.AfterFunc(d.window, d.expire)
	} else {
		d.timer.Reset(d.window)
	}
	d.emit(true)
}

func (d *Debouncer) expire() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != stateTypingActive {
		return
	}
	// The timer may have fired before a keystroke pushed the deadline out;
	// only an uninterrupted quiet window ends the burst.
	if remaining := time.Until(d.deadline); remaining > 0 {
		d.timer.Reset(remaining)
		return
	}

	d.state = statePendingStop
	d.emit(false)
	d.state = stateIdle
}

// Flush cancels any pending timer and emits the stop signal synchronously.
// Called on explicit send so the indicator never outlives the message.
// A no-op when no burst is active.
func (d *Debouncer) Flush() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != stateTypingActive {
		return
	}
	d.timer.Stop()
	d.state = statePendingStop
	d.emit(false)
	d.state = stateIdle
}
