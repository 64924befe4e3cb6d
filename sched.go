package monstermq

import (
	"container/heap"
	"sync"
	"time"
)

// Scheduler runs one-shot tasks at absolute times on a single goroutine.
// It backs will-delay publication and session expiry timers; tasks are
// cancellable by id until they fire.
type Scheduler struct {
	mu    sync.Mutex
	tasks taskHeap
	ids   map[string]*schedTask
	wake  chan struct{}
	done  chan struct{}
}

type schedTask struct {
	id    string
	at    time.Time
	fn    func()
	index int // heap position, -1 when removed
}

type taskHeap []*schedTask

func (h taskHeap) Len() int            { return len(h) }
func (h taskHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h taskHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *taskHeap) Push(x interface{}) { t := x.(*schedTask); t.index = len(*h); *h = append(*h, t) }
func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

func NewScheduler() *Scheduler {
	s := &Scheduler{
		ids:  make(map[string]*schedTask),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go s.run()
	return s
}

// Schedule arranges fn to run at the given time. A second schedule with the
// same id replaces the first.
func (s *Scheduler) Schedule(id string, at time.Time, fn func()) {
	s.mu.Lock()
	if old, ok := s.ids[id]; ok {
		heap.Remove(&s.tasks, old.index)
	}
	t := &schedTask{id: id, at: at, fn: fn}
	heap.Push(&s.tasks, t)
	s.ids[id] = t
	s.mu.Unlock()
	s.kick()
}

// Cancel removes a pending task. Returns false when no such task exists,
// including tasks that already fired.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.ids[id]
	if !ok {
		return false
	}
	heap.Remove(&s.tasks, t.index)
	delete(s.ids, id)
	return true
}

func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		s.mu.Lock()
		var wait time.Duration
		if len(s.tasks) == 0 {
			wait = time.Hour
		} else {
			wait = time.Until(s.tasks[0].at)
		}
		s.mu.Unlock()
		if wait < 0 {
			wait = 0
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
		select {
		case <-s.done:
			return
		case <-s.wake:
		case <-timer.C:
			s.fireDue()
		}
	}
}

func (s *Scheduler) fireDue() {
	now := time.Now()
	for {
		s.mu.Lock()
		if len(s.tasks) == 0 || s.tasks[0].at.After(now) {
			s.mu.Unlock()
			return
		}
		t := heap.Pop(&s.tasks).(*schedTask)
		delete(s.ids, t.id)
		s.mu.Unlock()
		t.fn()
	}
}

// Close stops the scheduler; pending tasks never fire.
func (s *Scheduler) Close() {
	close(s.done)
}
