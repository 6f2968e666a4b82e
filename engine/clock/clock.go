// Package clock is the engine's timer scheduler: one-shot, cancellable,
// millisecond-resolution tasks (spec §4.1). It only owns the wall-clock
// bookkeeping — handle allocation and cancellation — and never touches
// engine state itself. The engine (package engine) is the single
// logical executor spec §5 describes: every Task it schedules here
// acquires the engine's own lock before mutating anything, so Schedule
// and Cancel are safe to call reentrantly from inside a running Task
// without risking a self-deadlock.
package clock

import (
	"sync"
	"sync/atomic"
	"time"
)

// Handle identifies a scheduled task. The zero Handle never matches a
// real task, so cancelling or checking it is always a safe no-op.
type Handle uint64

// Task is invoked when its deadline elapses. Implementations must not
// block — spec §4.1's "tasks must not block" invariant.
type Task func()

// Scheduler runs one-shot timers, each on its own goroutine via
// time.AfterFunc, serialized only by the bookkeeping mutex below — not
// by a shared execution lock, so nested Schedule/Cancel calls from
// within a firing Task never deadlock.
type Scheduler struct {
	mu     sync.Mutex
	timers map[Handle]*time.Timer
	nextID atomic.Uint64
	now    func() time.Time
}

// New starts a scheduler. nowFunc, if non-nil, overrides the monotonic
// time source; Schedule itself always uses time.AfterFunc for actual
// firing, so nowFunc only affects the timestamps callers read through
// Now, not the timer's own accuracy.
func New(nowFunc func() time.Time) *Scheduler {
	if nowFunc == nil {
		nowFunc = time.Now
	}
	return &Scheduler{timers: make(map[Handle]*time.Timer), now: nowFunc}
}

// Now returns the scheduler's monotonic time source.
func (s *Scheduler) Now() time.Time { return s.now() }

// Schedule runs task after delayMs milliseconds. Safe to call from any
// goroutine, including from inside a Task currently firing.
func (s *Scheduler) Schedule(delayMs uint32, task Task) Handle {
	id := Handle(s.nextID.Add(1))
	delay := time.Duration(delayMs) * time.Millisecond

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		// Already cancelled between firing and lock acquisition.
		if cur, ok := s.timers[id]; !ok || cur != timer {
			s.mu.Unlock()
			return
		}
		delete(s.timers, id)
		s.mu.Unlock()
		task()
	})

	s.mu.Lock()
	s.timers[id] = timer
	s.mu.Unlock()
	return id
}

// Cancel prevents a previously scheduled task from firing. Idempotent:
// cancelling an already-fired, already-cancelled, or zero handle is a
// no-op (spec §4.1, "Cancellation is idempotent").
func (s *Scheduler) Cancel(h Handle) {
	if h == 0 {
		return
	}
	s.mu.Lock()
	t, ok := s.timers[h]
	if ok {
		delete(s.timers, h)
	}
	s.mu.Unlock()
	if ok {
		t.Stop()
	}
}

// Stop cancels every outstanding timer. Used by Panic.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	timers := s.timers
	s.timers = make(map[Handle]*time.Timer)
	s.mu.Unlock()
	for _, t := range timers {
		t.Stop()
	}
}

// BeatMs converts a beat offset to milliseconds at the given BPM. A
// zero or negative BPM is treated as 120 (spec §4.1).
func BeatMs(beats float64, bpm float64) float64 {
	if bpm <= 0 {
		bpm = 120
	}
	return beats * 60000 / bpm
}
