package testutil

import "time"

// ManualScheduler queues deferred tasks until the test fires them.
//
// Not safe for concurrent use; tests drive it from the goroutine that owns
// the document, as a real scheduler must.
type ManualScheduler struct {
	tasks []*task
}

type task struct {
	delay     time.Duration
	fn        func()
	cancelled bool
}

// AfterFunc queues fn and returns a cancel func.
func (s *ManualScheduler) AfterFunc(d time.Duration, fn func()) func() {
	t := &task{delay: d, fn: fn}
	s.tasks = append(s.tasks, t)
	return func() { t.cancelled = true }
}

// Pending returns how many queued tasks are still live.
func (s *ManualScheduler) Pending() int {
	n := 0
	for _, t := range s.tasks {
		if !t.cancelled {
			n++
		}
	}
	return n
}

// RunAll fires every live task queued so far, in order. Tasks queued while
// running are kept for the next call. It returns how many ran.
func (s *ManualScheduler) RunAll() int {
	tasks := s.tasks
	s.tasks = nil
	n := 0
	for _, t := range tasks {
		if t.cancelled {
			continue
		}
		t.cancelled = true
		t.fn()
		n++
	}
	return n
}
