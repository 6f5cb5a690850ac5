package microhttp

import (
	"container/heap"
	"sync"
	"time"
)

type (
	// clock is the time source of a scheduler.
	clock interface {
		Now() time.Time
	}

	systemClock struct{}

	// scheduler is a deadline queue, ordered by deadline, then by insertion
	// order. It is safe for concurrent use.
	scheduler struct {
		clock clock
		tasks taskHeap
		seq   uint64
		mu    sync.Mutex
	}

	// scheduledTask is the handle returned by scheduler.schedule.
	scheduledTask struct {
		s        *scheduler
		action   func()
		deadline time.Time
		duration time.Duration
		seq      uint64
		index    int // position in the heap, or -1 if not queued
	}

	taskHeap []*scheduledTask
)

func (systemClock) Now() time.Time { return time.Now() }

func newScheduler(c clock) *scheduler {
	if c == nil {
		c = systemClock{}
	}
	return &scheduler{clock: c}
}

// schedule queues action to run once d has elapsed, measured from now.
func (s *scheduler) schedule(action func(), d time.Duration) *scheduledTask {
	t := &scheduledTask{s: s, action: action, duration: d, index: -1}
	s.mu.Lock()
	s.push(t)
	s.mu.Unlock()
	return t
}

// expired removes and returns the actions of every task whose deadline is
// not after now, earliest first. The caller runs them, outside the lock.
func (s *scheduler) expired() []func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tasks) == 0 {
		return nil
	}
	now := s.clock.Now()
	var actions []func()
	for len(s.tasks) > 0 && !s.tasks[0].deadline.After(now) {
		t := heap.Pop(&s.tasks).(*scheduledTask)
		actions = append(actions, t.action)
	}
	return actions
}

func (s *scheduler) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// push must be called with mu held.
func (s *scheduler) push(t *scheduledTask) {
	s.seq++
	t.seq = s.seq
	t.deadline = s.clock.Now().Add(t.duration)
	heap.Push(&s.tasks, t)
}

// cancel removes the task, if it is still queued. Repeat calls are no-ops.
func (t *scheduledTask) cancel() {
	t.s.mu.Lock()
	if t.index >= 0 {
		heap.Remove(&t.s.tasks, t.index)
	}
	t.s.mu.Unlock()
}

// reschedule moves the deadline to now plus the original duration. The task
// is ordered after any existing task with the same deadline.
func (t *scheduledTask) reschedule() {
	t.s.mu.Lock()
	if t.index >= 0 {
		heap.Remove(&t.s.tasks, t.index)
	}
	t.s.push(t)
	t.s.mu.Unlock()
}

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	t := x.(*scheduledTask)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
