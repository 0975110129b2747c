package runtime

import (
	"github.com/burrowhq/burrow/pkg/types"
)

// memQueue holds the ready envelope IDs of one queue. FIFO queues keep a
// single list; priority queues keep one FIFO list per level, drained
// highest level first. Byte accounting covers payloads of ready entries.
type memQueue struct {
	name     string
	ordering types.Ordering
	levels   int

	fifo    []string
	buckets [][]string

	paused bool
	count  int
	bytes  int64
}

func newMemQueue(def *types.Queue) *memQueue {
	q := &memQueue{
		name:     def.Name,
		ordering: def.Ordering,
		levels:   def.PriorityLevels,
	}
	if q.ordering == types.OrderingPriority {
		if q.levels <= 0 {
			q.levels = 10
		}
		q.buckets = make([][]string, q.levels+1)
	}
	return q
}

// push appends a ready envelope. Retries re-enter here too, behind
// arrivals at the same priority level.
func (q *memQueue) push(env *types.Envelope) {
	if q.ordering == types.OrderingPriority {
		level := env.Priority
		if level < 0 {
			level = 0
		}
		if level > q.levels {
			level = q.levels
		}
		q.buckets[level] = append(q.buckets[level], env.ID)
	} else {
		q.fifo = append(q.fifo, env.ID)
	}
	q.count++
	q.bytes += int64(len(env.Payload))
}

// peek returns the ID that pop would remove
func (q *memQueue) peek() (string, bool) {
	if q.ordering == types.OrderingPriority {
		for level := q.levels; level >= 0; level-- {
			if len(q.buckets[level]) > 0 {
				return q.buckets[level][0], true
			}
		}
		return "", false
	}
	if len(q.fifo) == 0 {
		return "", false
	}
	return q.fifo[0], true
}

// pop removes and returns the next envelope ID in delivery order
func (q *memQueue) pop(payloadBytes func(id string) int64) (string, bool) {
	var id string
	if q.ordering == types.OrderingPriority {
		found := false
		for level := q.levels; level >= 0; level-- {
			if len(q.buckets[level]) > 0 {
				id = q.buckets[level][0]
				q.buckets[level] = q.buckets[level][1:]
				found = true
				break
			}
		}
		if !found {
			return "", false
		}
	} else {
		if len(q.fifo) == 0 {
			return "", false
		}
		id = q.fifo[0]
		q.fifo = q.fifo[1:]
	}
	q.count--
	q.bytes -= payloadBytes(id)
	return id, true
}

// oldest returns the ID dropped first under max-length overflow: the
// lowest-priority, longest-waiting ready envelope.
func (q *memQueue) oldest() (string, bool) {
	if q.ordering == types.OrderingPriority {
		for level := 0; level <= q.levels; level++ {
			if len(q.buckets[level]) > 0 {
				return q.buckets[level][0], true
			}
		}
		return "", false
	}
	if len(q.fifo) == 0 {
		return "", false
	}
	return q.fifo[0], true
}

// remove deletes a specific ID, wherever it sits
func (q *memQueue) remove(id string, payloadBytes func(id string) int64) bool {
	removeFrom := func(list []string) ([]string, bool) {
		for i, v := range list {
			if v == id {
				return append(list[:i], list[i+1:]...), true
			}
		}
		return list, false
	}

	if q.ordering == types.OrderingPriority {
		for level := range q.buckets {
			if next, ok := removeFrom(q.buckets[level]); ok {
				q.buckets[level] = next
				q.count--
				q.bytes -= payloadBytes(id)
				return true
			}
		}
		return false
	}

	next, ok := removeFrom(q.fifo)
	if !ok {
		return false
	}
	q.fifo = next
	q.count--
	q.bytes -= payloadBytes(id)
	return true
}

// ids returns every ready ID in delivery order
func (q *memQueue) ids() []string {
	if q.ordering != types.OrderingPriority {
		out := make([]string, len(q.fifo))
		copy(out, q.fifo)
		return out
	}
	var out []string
	for level := q.levels; level >= 0; level-- {
		out = append(out, q.buckets[level]...)
	}
	return out
}
