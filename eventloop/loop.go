// Package eventloop is the event source the protocol engine needs as an
// external collaborator: readable-fd notifications and one-shot timers.
// It is deliberately small: a single dispatch goroutine drains a channel
// of closures strictly in arrival order, which serializes a service
// timer firing against an inbound datagram callback so the two never
// interleave.
//
// It exists so the engine can be driven end-to-end in tests and the
// example binaries without wiring in a full async framework, built
// around per-peer one-shot timers that get reset after every send or
// receive rather than a single fixed-rate tick.
package eventloop

import (
	"sync"
	"time"
)

// Loop serializes callbacks from multiple sources (socket readability,
// per-peer timers) onto one goroutine.
type Loop struct {
	tasks  chan func()
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// New starts a Loop's dispatch goroutine. Callers must call Stop when
// finished.
func New() *Loop {
	l := &Loop{
		tasks: make(chan func(), 256),
		done:  make(chan struct{}),
	}
	l.wg.Add(1)
	go l.run()
	return l
}

func (l *Loop) run() {
	defer l.wg.Done()
	for {
		select {
		case fn := <-l.tasks:
			fn()
		case <-l.done:
			return
		}
	}
}

// Post schedules fn to run on the loop goroutine, preserving arrival
// order relative to every other Post/Timer callback.
func (l *Loop) Post(fn func()) {
	select {
	case l.tasks <- fn:
	case <-l.done:
	}
}

// Stop halts the dispatch goroutine and waits for it to exit. Pending
// tasks that have not yet been dispatched are dropped.
func (l *Loop) Stop() {
	l.once.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
}

// Timer is a one-shot handle into the loop. Canceling a Timer guarantees
// its callback will not fire afterward, even if it was already pending
// on the loop's task channel — the callback checks a cancellation flag
// as its first action once running.
type Timer struct {
	loop      *Loop
	timer     *time.Timer
	mu        sync.Mutex
	cancelled bool
}

// AfterAbsolute schedules fn to run on the loop at the given absolute
// millisecond timestamp (as produced by protocol.Clock.NowMillis),
// relative to nowMs. A deadline at or before nowMs fires as soon as
// possible.
func (l *Loop) AfterAbsolute(nowMs, atMs int64, fn func()) *Timer {
	d := time.Duration(atMs-nowMs) * time.Millisecond
	if d < 0 {
		d = 0
	}
	return l.After(d, fn)
}

// After schedules fn to run on the loop after d.
func (l *Loop) After(d time.Duration, fn func()) *Timer {
	t := &Timer{loop: l}
	t.timer = time.AfterFunc(d, func() {
		l.Post(func() {
			t.mu.Lock()
			cancelled := t.cancelled
			t.mu.Unlock()
			if !cancelled {
				fn()
			}
		})
	})
	return t
}

// Cancel prevents a pending Timer's callback from running. It is safe
// to call multiple times and after the timer has already fired.
func (t *Timer) Cancel() {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.cancelled = true
	t.mu.Unlock()
	t.timer.Stop()
}

// Reset cancels any pending fire and reschedules fn at the new absolute
// deadline, for callers that recompute their next wake time after every
// send or receive.
func (t *Timer) Reset(nowMs, atMs int64, fn func()) *Timer {
	t.Cancel()
	return t.loop.AfterAbsolute(nowMs, atMs, fn)
}
