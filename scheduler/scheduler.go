// Package scheduler runs one recurring action per monitored device, at an
// interval that can change at runtime without losing the task's identity
// or duplicating timers.
package scheduler

import (
	"sync"
	"time"

	"fieldlink/device"
	"fieldlink/logging"
)

// TaskContext carries the publish context handed to the action on each fire.
type TaskContext struct {
	Topic string
}

// Action is the work a task performs on each fire. Errors are logged by the
// scheduler's wrapper and never break the recurring chain.
type Action func(tctx TaskContext, dev *device.Device) error

// TaskID derives the deterministic task identifier for a device code.
func TaskID(code string) string {
	return "poll-" + code
}

// task is the metadata record for one scheduled device.
// At most one live timer exists per task id at any instant. gen counts
// timer arms; a fire carries the generation that armed it, so a fire made
// stale by a concurrent re-arm cannot start a second chain.
type task struct {
	id        string
	dev       *device.Device
	interval  time.Duration
	action    Action
	tctx      TaskContext
	timer     *time.Timer
	gen       uint64
	cancelled bool
}

// Scheduler owns the task table. All timer and metadata mutations happen
// under one mutex; the fire callback re-acquires it before deciding whether
// to re-arm, so a concurrent Cancel cannot race a reschedule.
type Scheduler struct {
	mu    sync.Mutex
	tasks map[string]*task

	logFn func(format string, args ...interface{})
}

// New creates an empty scheduler.
func New() *Scheduler {
	return &Scheduler{
		tasks: make(map[string]*task),
	}
}

// SetLogFunc sets the logging callback.
func (s *Scheduler) SetLogFunc(fn func(format string, args ...interface{})) {
	s.mu.Lock()
	s.logFn = fn
	s.mu.Unlock()
}

func (s *Scheduler) log(format string, args ...interface{}) {
	s.mu.Lock()
	fn := s.logFn
	s.mu.Unlock()
	if fn != nil {
		fn(format, args...)
	}
}

// Schedule starts (or restarts) the recurring task for a device. An
// existing timer under the same id is cancelled first. The first fire
// happens after the device snapshot's cycle; every re-arm re-reads the
// current stored interval, so a live UpdateInterval takes effect without
// rescheduling.
//
// Callers must validate that the cycle is positive before scheduling; the
// scheduler does not itself validate it.
func (s *Scheduler) Schedule(id string, dev *device.Device, action Action, tctx TaskContext) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.tasks[id]; ok {
		old.cancelled = true
		if old.timer != nil {
			old.timer.Stop()
		}
		logging.Debug("sched", "task %s replaced", id)
	}

	t := &task{
		id:       id,
		dev:      dev,
		interval: dev.Cycle,
		action:   action,
		tctx:     tctx,
	}
	s.arm(t)
	s.tasks[id] = t

	logging.Debug("sched", "task %s scheduled every %v", id, t.interval)
}

// arm starts the task's timer for its current interval, stamping the
// timer with a fresh generation. Caller holds mu.
func (s *Scheduler) arm(t *task) {
	t.gen++
	gen := t.gen
	t.timer = time.AfterFunc(t.interval, func() { s.fire(t, gen) })
}

// fire runs the task's action, then re-arms for the current interval unless
// the task was cancelled, replaced, or re-armed in the meantime. The
// generation check covers an UpdateInterval that raced the in-flight
// action: that call already armed a newer timer, so this fire must die.
func (s *Scheduler) fire(t *task, gen uint64) {
	s.runAction(t)

	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.tasks[t.id]; !ok || cur != t || t.cancelled || t.gen != gen {
		return
	}
	// Re-read the current interval from metadata, not the value captured
	// at schedule time: operators change polling cadence live.
	s.arm(t)
}

// runAction invokes the action with panic and error containment. A failing
// action must never kill the recurring chain.
func (s *Scheduler) runAction(t *task) {
	defer func() {
		if r := recover(); r != nil {
			s.log("task %s panicked: %v", t.id, r)
		}
	}()
	if err := t.action(t.tctx, t.dev); err != nil {
		s.log("task %s: %v", t.id, err)
	}
}

// UpdateInterval changes a task's interval and re-arms immediately, so the
// device is polled again sooner under the new cadence rather than waiting
// out the stale one. Returns false if the task is unknown or cancelled;
// callers log and treat that as non-fatal.
func (s *Scheduler) UpdateInterval(id string, interval time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok || t.cancelled {
		logging.Debug("sched", "update interval: task %s not found", id)
		return false
	}

	if t.timer != nil {
		t.timer.Stop()
	}
	t.interval = interval
	s.arm(t)

	logging.Debug("sched", "task %s interval changed to %v", id, interval)
	return true
}

// Cancel stops a task's timer. Metadata is retained for inspection; an
// explicit Schedule is required to resume the task. Cancellation is
// synchronous with respect to the timer table (no more firings are armed
// after Cancel returns) but does not interrupt an in-flight firing.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return false
	}
	t.cancelled = true
	if t.timer != nil {
		t.timer.Stop()
	}
	logging.Debug("sched", "task %s cancelled", id)
	return true
}

// CancelAll cancels every task. Used at shutdown.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.tasks {
		t.cancelled = true
		if t.timer != nil {
			t.timer.Stop()
		}
	}
}

// Interval reports a task's current interval. The second return is false
// if the task is unknown.
func (s *Scheduler) Interval(id string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return 0, false
	}
	return t.interval, true
}
