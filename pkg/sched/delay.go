package sched

import (
	"container/heap"
	"sync"
	"time"
)

// delayItem is one entry on the delay queue
type delayItem struct {
	id        string
	due       time.Time
	seq       uint64 // FIFO among equal due times
	cancelled bool
	index     int
}

type delayHeap []*delayItem

func (h delayHeap) Len() int { return len(h) }

func (h delayHeap) Less(i, j int) bool {
	if !h[i].due.Equal(h[j].due) {
		return h[i].due.Before(h[j].due)
	}
	return h[i].seq < h[j].seq
}

func (h delayHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *delayHeap) Push(x interface{}) {
	item := x.(*delayItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *delayHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// DelayQueue holds envelope IDs until their eligibility instant. Entries
// are keyed by max(enqueued-at, not-before); the execution runtime polls
// due entries, which then become eligible for worker lease.
type DelayQueue struct {
	mu    sync.Mutex
	items delayHeap
	byID  map[string]*delayItem
	seq   uint64
}

// NewDelayQueue creates an empty delay queue
func NewDelayQueue() *DelayQueue {
	return &DelayQueue{byID: make(map[string]*delayItem)}
}

// Push schedules an ID for release at due. A re-push of a live ID moves
// its due time.
func (d *DelayQueue) Push(id string, due time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if existing, ok := d.byID[id]; ok && !existing.cancelled {
		existing.due = due
		heap.Fix(&d.items, existing.index)
		return
	}

	d.seq++
	item := &delayItem{id: id, due: due, seq: d.seq}
	d.byID[id] = item
	heap.Push(&d.items, item)
}

// Cancel drops an ID from the queue before release
func (d *DelayQueue) Cancel(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if item, ok := d.byID[id]; ok {
		item.cancelled = true
		delete(d.byID, id)
	}
}

// PopDue removes and returns every ID due at or before now, in due order
func (d *DelayQueue) PopDue(now time.Time) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var due []string
	for len(d.items) > 0 {
		head := d.items[0]
		if head.due.After(now) {
			break
		}
		heap.Pop(&d.items)
		if head.cancelled {
			continue
		}
		delete(d.byID, head.id)
		due = append(due, head.id)
	}
	return due
}

// NextDue returns the earliest due time, if any entry is waiting
func (d *DelayQueue) NextDue() (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for len(d.items) > 0 && d.items[0].cancelled {
		heap.Pop(&d.items)
	}
	if len(d.items) == 0 {
		return time.Time{}, false
	}
	return d.items[0].due, true
}

// Len returns the number of live entries
func (d *DelayQueue) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.byID)
}
