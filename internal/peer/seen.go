package peer

import (
	"container/list"
	"sync"
	"time"
)

const (
	DefaultSeenCap = 4096
	DefaultSeenTTL = DefaultTTL
)

// SeenKey identifies one inbound message for duplicate suppression.
type SeenKey struct {
	Sender   string
	Sequence uint64
}

type seenState uint8

const (
	seenPending seenState = iota + 1
	seenDone
)

type seenEntry struct {
	key       SeenKey
	state     seenState
	expiresAt time.Time
}

// SeenSet is a bounded, expiring set of (sender, sequence) pairs. A key is
// claimed before a message is processed and committed once it was handled,
// so two copies racing through the pipeline cannot both be delivered.
type SeenSet struct {
	mu    sync.Mutex
	cap   int
	ttl   time.Duration
	now   func() time.Time
	hot   map[SeenKey]*list.Element
	order *list.List
}

func NewSeenSet(capacity int, ttl time.Duration) *SeenSet {
	if capacity <= 0 {
		capacity = DefaultSeenCap
	}
	if ttl <= 0 {
		ttl = DefaultSeenTTL
	}
	return &SeenSet{
		cap:   capacity,
		ttl:   ttl,
		now:   time.Now,
		hot:   make(map[SeenKey]*list.Element),
		order: list.New(),
	}
}

// Claim reserves k. It returns false when k is already pending or done.
func (s *SeenSet) Claim(k SeenKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()
	if _, ok := s.hot[k]; ok {
		return false
	}
	if len(s.hot) >= s.cap {
		s.evictLocked(len(s.hot) - s.cap + 1)
	}
	ent := &seenEntry{key: k, state: seenPending, expiresAt: s.now().Add(s.ttl)}
	s.hot[k] = s.order.PushFront(ent)
	return true
}

// Commit marks a claimed key as delivered.
func (s *SeenSet) Commit(k SeenKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.hot[k]; ok {
		ent := el.Value.(*seenEntry)
		ent.state = seenDone
		ent.expiresAt = s.now().Add(s.ttl)
		s.order.MoveToFront(el)
	}
}

// Release drops a pending claim so a valid retransmission can still pass.
// Committed keys are kept.
func (s *SeenSet) Release(k SeenKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.hot[k]; ok && el.Value.(*seenEntry).state == seenPending {
		s.order.Remove(el)
		delete(s.hot, k)
	}
}

func (s *SeenSet) Has(k SeenKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()
	el, ok := s.hot[k]
	return ok && el.Value.(*seenEntry).state == seenDone
}

// Forget removes every key of sender, used when a peer is evicted.
func (s *SeenSet) Forget(sender string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, el := range s.hot {
		if k.Sender == sender {
			s.order.Remove(el)
			delete(s.hot, k)
		}
	}
}

func (s *SeenSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()
	return len(s.hot)
}

func (s *SeenSet) pruneLocked() {
	now := s.now()
	for el := s.order.Back(); el != nil; {
		prev := el.Prev()
		ent := el.Value.(*seenEntry)
		if ent.expiresAt.After(now) {
			el = prev
			continue
		}
		delete(s.hot, ent.key)
		s.order.Remove(el)
		el = prev
	}
}

func (s *SeenSet) evictLocked(n int) {
	for n > 0 {
		el := s.order.Back()
		if el == nil {
			return
		}
		delete(s.hot, el.Value.(*seenEntry).key)
		s.order.Remove(el)
		n--
	}
}
