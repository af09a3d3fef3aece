package orchestrator

import (
	"container/heap"
	"time"
)

// task identifies a scheduled unit of loop work
type task int

const (
	taskPoll task = iota + 1
	taskReconcile
	// taskSinkRetry+channel is the reachability probe of one sink
	taskSinkRetry task = 100
)

func sinkRetryTask(channel int) task { return taskSinkRetry + task(channel) }

func (t task) sinkChannel() (int, bool) {
	if t < taskSinkRetry {
		return 0, false
	}
	return int(t - taskSinkRetry), true
}

type schedEvent struct {
	id    task
	when  time.Time
	index int
}

// scheduler is a min-heap of tasks keyed by id. Pushing an id that is
// already scheduled replaces it.
type scheduler struct {
	h       eventHeap
	entries map[task]*schedEvent
}

func newScheduler() *scheduler {
	h := eventHeap{}
	heap.Init(&h)
	return &scheduler{
		h:       h,
		entries: make(map[task]*schedEvent),
	}
}

func (s *scheduler) push(id task, when time.Time) {
	if old, ok := s.entries[id]; ok {
		heap.Remove(&s.h, old.index)
		delete(s.entries, id)
	}
	ev := &schedEvent{id: id, when: when}
	s.entries[id] = ev
	heap.Push(&s.h, ev)
}

// next returns the soonest task without removing it
func (s *scheduler) next() (id task, when time.Time, ok bool) {
	if len(s.h) == 0 {
		return 0, time.Time{}, false
	}
	ev := s.h[0]
	return ev.id, ev.when, true
}

func (s *scheduler) pop() {
	if len(s.h) == 0 {
		return
	}
	ev := heap.Pop(&s.h).(*schedEvent)
	delete(s.entries, ev.id)
}

func (s *scheduler) remove(id task) {
	ev, ok := s.entries[id]
	if !ok {
		return
	}
	heap.Remove(&s.h, ev.index)
	delete(s.entries, id)
}

func (s *scheduler) scheduled(id task) bool {
	_, ok := s.entries[id]
	return ok
}

// due pops every task whose time has come
func (s *scheduler) due(now time.Time) []task {
	var out []task
	for {
		id, when, ok := s.next()
		if !ok || when.After(now) {
			return out
		}
		s.pop()
		out = append(out, id)
	}
}

// eventHeap is a min-heap ordered by event.when
type eventHeap []*schedEvent

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	return h[i].when.Before(h[j].when)
}

func (h eventHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *eventHeap) Push(x any) {
	ev := x.(*schedEvent)
	ev.index = len(*h)
	*h = append(*h, ev)
}

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	ev := old[n-1]
	ev.index = -1
	*h = old[:n-1]
	return ev
}

func arm(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
