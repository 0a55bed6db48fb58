// Package scheduler defers work to a later tick. The store uses it to coalesce listener
// notifications: at most one flush is pending at any time.
package scheduler

import (
	"sync"
	"time"
)

// Scheduler runs a task later. Schedule must never run task before it returns. The
// returned cancel prevents the task from running if it has not started yet.
type Scheduler interface {
	Schedule(task func()) (cancel func())
}

// Timer runs tasks on a timer goroutine after a fixed delay.
type Timer struct {
	delay time.Duration
}

// NewTimer returns a Timer scheduler; non-positive delays run on the next timer tick.
func NewTimer(delay time.Duration) *Timer {
	if delay < 0 {
		delay = 0
	}
	return &Timer{delay: delay}
}

// Schedule implements Scheduler.
func (t *Timer) Schedule(task func()) func() {
	timer := time.AfterFunc(t.delay, task)
	return func() {
		timer.Stop()
	}
}

// Manual holds tasks until Fire is called. Tests use it to step ticks deterministically.
type Manual struct {
	mu     sync.Mutex
	nextID int
	tasks  map[int]func()
	order  []int
}

// NewManual returns an empty manual scheduler.
func NewManual() *Manual {
	return &Manual{tasks: make(map[int]func())}
}

// Schedule implements Scheduler.
func (m *Manual) Schedule(task func()) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.tasks[id] = task
	m.order = append(m.order, id)
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.tasks, id)
	}
}

// Pending returns the number of tasks waiting to run.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// Fire runs every pending task in scheduling order and returns how many ran. Tasks
// scheduled while firing wait for the next call.
func (m *Manual) Fire() int {
	m.mu.Lock()
	order := m.order
	m.order = nil
	due := make([]func(), 0, len(order))
	for _, id := range order {
		if task, ok := m.tasks[id]; ok {
			due = append(due, task)
			delete(m.tasks, id)
		}
	}
	m.mu.Unlock()

	for _, task := range due {
		task()
	}
	return len(due)
}
