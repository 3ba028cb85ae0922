package service

import (
	"container/heap"
	"time"
)

type queueItem struct {
	at          time.Time
	priority    int
	seq         uint64
	executionID string
	taskID      string
	index       int
}

type queueItems []*queueItem

func (q queueItems) Len() int { return len(q) }

func (q queueItems) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *queueItems) Push(x interface{}) {
	item := x.(*queueItem)
	item.index = len(*q)
	*q = append(*q, item)
}

func (q *queueItems) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*q = old[:n-1]
	return item
}

// removeTask drops every entry of taskID without restoring heap order.
func (q *queueItems) removeTask(taskID string) []string {
	var removed []string
	kept := (*q)[:0]
	for _, item := range *q {
		if item.taskID == taskID {
			removed = append(removed, item.executionID)
			continue
		}
		kept = append(kept, item)
	}
	for i := len(kept); i < len(*q); i++ {
		(*q)[i] = nil
	}
	*q = kept
	for i, item := range *q {
		item.index = i
	}
	return removed
}

// waitingHeap orders entries by scheduled time.
type waitingHeap struct{ queueItems }

func (h waitingHeap) Less(i, j int) bool {
	a, b := h.queueItems[i], h.queueItems[j]
	if !a.at.Equal(b.at) {
		return a.at.Before(b.at)
	}
	return a.seq < b.seq
}

// readyHeap orders due entries by priority descending, then insertion order.
type readyHeap struct{ queueItems }

func (h readyHeap) Less(i, j int) bool {
	a, b := h.queueItems[i], h.queueItems[j]
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	return a.seq < b.seq
}

// taskQueue keeps executions that are not yet due in time order. Once due
// they move to the ready set, where priority decides what runs first, so two
// tasks scheduled "now" a few nanoseconds apart still run by priority.
type taskQueue struct {
	waiting waitingHeap
	ready   readyHeap
}

func (q *taskQueue) Len() int { return q.waiting.Len() + q.ready.Len() }

func (q *taskQueue) push(item *queueItem) {
	heap.Push(&q.waiting, item)
}

// popDue returns the highest priority entry due at now, or nil.
func (q *taskQueue) popDue(now time.Time) *queueItem {
	for q.waiting.Len() > 0 && !q.waiting.queueItems[0].at.After(now) {
		heap.Push(&q.ready, heap.Pop(&q.waiting))
	}
	if q.ready.Len() == 0 {
		return nil
	}
	return heap.Pop(&q.ready).(*queueItem)
}

// removeTask drops every entry of taskID and returns their execution ids.
func (q *taskQueue) removeTask(taskID string) []string {
	removed := q.waiting.removeTask(taskID)
	heap.Init(&q.waiting)
	removed = append(removed, q.ready.removeTask(taskID)...)
	heap.Init(&q.ready)
	return removed
}
