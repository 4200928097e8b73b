package link

// outQueue is a bounded FIFO of encoded messages. When full, the oldest
// entry is dropped to make room.
type outQueue struct {
	cap   int
	items [][]byte
}

func newOutQueue(capacity int) *outQueue {
	return &outQueue{cap: capacity}
}

// push appends data and reports how many entries were dropped.
func (q *outQueue) push(data []byte) int {
	dropped := 0
	for len(q.items) >= q.cap {
		q.items[0] = nil
		q.items = q.items[1:]
		dropped++
	}
	q.items = append(q.items, data)
	return dropped
}

func (q *outQueue) front() ([]byte, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	return q.items[0], true
}

func (q *outQueue) pop() {
	if len(q.items) == 0 {
		return
	}
	q.items[0] = nil
	q.items = q.items[1:]
}

func (q *outQueue) len() int { return len(q.items) }

func (q *outQueue) takeAll() [][]byte {
	out := q.items
	q.items = nil
	return out
}

// prepend puts older entries ahead of the queue, dropping the oldest
// overall when the result would exceed the capacity.
func (q *outQueue) prepend(older [][]byte) int {
	merged := make([][]byte, 0, len(older)+len(q.items))
	merged = append(merged, older...)
	merged = append(merged, q.items...)
	dropped := 0
	if len(merged) > q.cap {
		dropped = len(merged) - q.cap
		merged = merged[dropped:]
	}
	q.items = merged
	return dropped
}
