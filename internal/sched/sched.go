package sched

import (
	"sort"
	"sync"
	"time"
)

// Handle identifies one scheduled task for explicit cancellation.
// Params: opaque task id.
// Returns: cancellation token from Scheduler.After.
type Handle uint64

// Scheduler runs deferred callbacks with explicit cancellable handles.
// Params: delay and callback for After; handle for Cancel.
// Returns: timer abstraction replacing ad-hoc timeout maps.
type Scheduler interface {
	After(delay time.Duration, fn func()) Handle
	Cancel(handle Handle)
}

// Real schedules callbacks on wall-clock timers.
// Params: guarded handle-to-timer registry.
// Returns: production scheduler backed by time.AfterFunc.
type Real struct {
	mu     sync.Mutex
	nextID Handle
	timers map[Handle]*time.Timer
}

// NewReal creates wall-clock scheduler.
// Params: none.
// Returns: initialized scheduler.
func NewReal() *Real {
	return &Real{timers: make(map[Handle]*time.Timer)}
}

// After schedules one callback after delay.
// Params: delay duration and callback function.
// Returns: handle usable for cancellation.
func (r *Real) After(delay time.Duration, fn func()) Handle {
	r.mu.Lock()
	r.nextID++
	handle := r.nextID
	r.timers[handle] = time.AfterFunc(delay, func() {
		r.mu.Lock()
		delete(r.timers, handle)
		r.mu.Unlock()
		fn()
	})
	r.mu.Unlock()
	return handle
}

// Cancel stops one scheduled task by handle.
// Params: handle from After.
// Returns: no-op when task already fired or was cancelled.
func (r *Real) Cancel(handle Handle) {
	r.mu.Lock()
	timer, ok := r.timers[handle]
	if ok {
		delete(r.timers, handle)
	}
	r.mu.Unlock()
	if ok {
		timer.Stop()
	}
}

// Close cancels all outstanding tasks.
// Params: none.
// Returns: nil after all timers stop.
func (r *Real) Close() error {
	r.mu.Lock()
	timers := make([]*time.Timer, 0, len(r.timers))
	for handle, timer := range r.timers {
		timers = append(timers, timer)
		delete(r.timers, handle)
	}
	r.mu.Unlock()
	for _, timer := range timers {
		timer.Stop()
	}
	return nil
}

type manualTask struct {
	handle Handle
	dueAt  time.Duration
	fn     func()
}

// Manual runs scheduled callbacks only when virtual time advances.
// Params: elapsed virtual offset and pending task list.
// Returns: deterministic scheduler for timer tests.
type Manual struct {
	mu      sync.Mutex
	nextID  Handle
	elapsed time.Duration
	tasks   []manualTask
}

// NewManual creates a virtual-time scheduler at offset zero.
// Params: none.
// Returns: initialized manual scheduler.
func NewManual() *Manual {
	return &Manual{}
}

// After schedules one callback at current virtual offset plus delay.
// Params: delay duration and callback function.
// Returns: handle usable for cancellation.
func (m *Manual) After(delay time.Duration, fn func()) Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.tasks = append(m.tasks, manualTask{handle: m.nextID, dueAt: m.elapsed + delay, fn: fn})
	return m.nextID
}

// Cancel removes one pending task by handle.
// Params: handle from After.
// Returns: no-op for unknown/fired handles.
func (m *Manual) Cancel(handle Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, task := range m.tasks {
		if task.handle == handle {
			m.tasks = append(m.tasks[:i], m.tasks[i+1:]...)
			return
		}
	}
}

// Advance moves virtual time forward and fires due tasks in due order.
// Params: duration to advance.
// Returns: number of fired tasks (including tasks scheduled by callbacks
// that fall due within the same advance).
func (m *Manual) Advance(delta time.Duration) int {
	m.mu.Lock()
	target := m.elapsed + delta
	m.mu.Unlock()

	fired := 0
	for {
		m.mu.Lock()
		sort.SliceStable(m.tasks, func(i, j int) bool {
			return m.tasks[i].dueAt < m.tasks[j].dueAt
		})
		var next *manualTask
		for i := range m.tasks {
			if m.tasks[i].dueAt <= target {
				task := m.tasks[i]
				m.tasks = append(m.tasks[:i], m.tasks[i+1:]...)
				next = &task
				break
			}
		}
		if next == nil {
			m.elapsed = target
			m.mu.Unlock()
			return fired
		}
		if next.dueAt > m.elapsed {
			m.elapsed = next.dueAt
		}
		m.mu.Unlock()
		next.fn()
		fired++
	}
}

// Pending returns the number of scheduled, unfired tasks.
// Params: none.
// Returns: pending task count.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}
