package scheduler

import (
	"container/heap"
	"time"
)

// Task is run with the time the queue was drained at.
type Task func(now time.Time)

// Handle identifies a scheduled task so it can be cancelled.
type Handle uint64

type item struct {
	at     time.Time
	seq    uint64
	handle Handle
	run    Task
	index  int
}

type taskHeap []*item

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if !h[i].at.Equal(h[j].at) {
		return h[i].at.Before(h[j].at)
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Queue is a delay queue of tasks ordered by deadline. Tasks with equal
// deadlines run in the order they were scheduled. Queue has no clock of its
// own; the owner decides when to call RunDue, which keeps time under test
// control.
//
// Queue is not safe for concurrent use.
type Queue struct {
	items   taskHeap
	byID    map[Handle]*item
	nextSeq uint64
}

func New() *Queue {
	return &Queue{byID: make(map[Handle]*item)}
}

// Schedule adds fn to run at or after at.
func (q *Queue) Schedule(at time.Time, fn Task) Handle {
	q.nextSeq++
	it := &item{at: at, seq: q.nextSeq, handle: Handle(q.nextSeq), run: fn}
	heap.Push(&q.items, it)
	q.byID[it.handle] = it
	return it.handle
}

// Cancel removes a pending task. It reports false if the task already ran or
// was never scheduled.
func (q *Queue) Cancel(h Handle) bool {
	it, ok := q.byID[h]
	if !ok {
		return false
	}
	delete(q.byID, h)
	heap.Remove(&q.items, it.index)
	return true
}

// Pending reports whether h is still waiting to run.
func (q *Queue) Pending(h Handle) bool {
	_, ok := q.byID[h]
	return ok
}

// Next returns the earliest deadline, if any.
func (q *Queue) Next() (time.Time, bool) {
	if len(q.items) == 0 {
		return time.Time{}, false
	}
	return q.items[0].at, true
}

// RunDue runs every task whose deadline is not after now, including tasks
// scheduled by those tasks for a deadline that is already due. It returns the
// number of tasks run.
func (q *Queue) RunDue(now time.Time) int {
	n := 0
	for len(q.items) > 0 && !q.items[0].at.After(now) {
		it := heap.Pop(&q.items).(*item)
		delete(q.byID, it.handle)
		it.run(now)
		n++
	}
	return n
}

func (q *Queue) Len() int {
	return len(q.items)
}
