package peer

import (
	"container/list"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"chumnet/internal/store"
)

const (
	DefaultCap = 20
	DefaultTTL = 5 * time.Minute
)

type Transport string

const (
	TransportQUIC Transport = "quic"
	TransportWS   Transport = "ws"
	TransportPipe Transport = "pipe"
)

// Preference is the order in which transports are tried for direct sends.
var Preference = []Transport{TransportQUIC, TransportWS, TransportPipe}

type State int

const (
	StateUnreachable State = iota
	StateActive
)

func (s State) String() string {
	if s == StateActive {
		return "active"
	}
	return "unreachable"
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

type Peer struct {
	ID           string               `json:"id"`
	Keys         []string             `json:"keys"`
	LastSeen     time.Time            `json:"lastSeen"`
	Reachability map[Transport]string `json:"reachability,omitempty"`
	State        State                `json:"state"`
	Paired       bool                 `json:"paired"`
	LastSequence uint64               `json:"lastSequence"`
}

func (p Peer) clone() Peer {
	out := p
	out.Keys = append([]string(nil), p.Keys...)
	if p.Reachability != nil {
		out.Reachability = make(map[Transport]string, len(p.Reachability))
		for k, v := range p.Reachability {
			out.Reachability[k] = v
		}
	}
	return out
}

// Reachable reports whether any transport currently reaches the peer.
func (p Peer) Reachable() bool {
	return p.State == StateActive && len(p.Reachability) > 0
}

// PreferredTransport picks the first reachable transport in Preference order.
func (p Peer) PreferredTransport() (Transport, bool) {
	for _, t := range Preference {
		if _, ok := p.Reachability[t]; ok {
			return t, true
		}
	}
	return "", false
}

// KeyTrust answers whether a key id is backed by a local root.
type KeyTrust interface {
	IsKeyTrusted(keyID string) bool
}

type Options struct {
	Cap int
	// TTL evicts peers not seen for this long.
	TTL time.Duration
	// Path of the JSONL peer book; empty keeps the registry in memory.
	Path    string
	Pairing bool
	Logger  zerolog.Logger
	Now     func() time.Time
}

var (
	ErrNotAdmitted = errors.New("peer not admitted")
	ErrUnknownPeer = errors.New("unknown peer")
	ErrMissingID   = errors.New("missing peer id")
)

type diskPeer struct {
	ID     string   `json:"id"`
	Keys   []string `json:"keys"`
	Paired bool     `json:"paired,omitempty"`
	Gone   bool     `json:"gone,omitempty"`
}

type entry struct {
	peer   Peer
	window seqWindow
}

// Registry tracks known peers in least recently seen order. Admission of
// an unknown peer requires one of its keys to be trusted, unless pairing
// mode is on.
type Registry struct {
	trust KeyTrust
	cap   int
	ttl   time.Duration
	path  string
	log   zerolog.Logger
	now   func() time.Time

	mu      sync.Mutex
	pairing bool
	hot     map[string]*list.Element
	order   *list.List
}

func NewRegistry(trust KeyTrust, opts Options) (*Registry, error) {
	capacity := opts.Cap
	if capacity <= 0 {
		capacity = DefaultCap
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	r := &Registry{
		trust:   trust,
		cap:     capacity,
		ttl:     ttl,
		path:    opts.Path,
		log:     opts.Logger,
		now:     now,
		pairing: opts.Pairing,
		hot:     make(map[string]*list.Element),
		order:   list.New(),
	}
	if r.path != "" {
		if err := r.loadLast(capacity); err != nil {
			return nil, errors.Wrap(err, "load peer book")
		}
	}
	return r, nil
}

func (r *Registry) SetPairing(on bool) {
	r.mu.Lock()
	r.pairing = on
	r.mu.Unlock()
	r.log.Info().Bool("pairing", on).Msg("pairing mode changed")
}

func (r *Registry) Pairing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pairing
}

// Admit registers id with its declared keys and marks it seen over
// transport. Known peers are refreshed; their new keys are merged.
func (r *Registry) Admit(id string, keys []string, transport Transport, endpoint string) (Peer, error) {
	if id == "" {
		return Peer{}, ErrMissingID
	}
	trusted := false
	for _, k := range keys {
		if r.trust != nil && r.trust.IsKeyTrusted(k) {
			trusted = true
			break
		}
	}

	r.mu.Lock()
	r.pruneLocked()
	now := r.now()
	if el, ok := r.hot[id]; ok {
		ent := el.Value.(*entry)
		added := mergeKeys(&ent.peer, keys)
		if trusted {
			ent.peer.Paired = false
		}
		r.touchLocked(el, transport, endpoint, now)
		out := ent.peer.clone()
		r.mu.Unlock()
		if added {
			r.persist(out, false)
		}
		return out, nil
	}
	if !trusted && !r.pairing {
		r.mu.Unlock()
		return Peer{}, ErrNotAdmitted
	}
	if len(r.hot) >= r.cap {
		r.evictLocked(len(r.hot) - r.cap + 1)
	}
	p := Peer{ID: id, Paired: !trusted}
	mergeKeys(&p, keys)
	el := r.order.PushFront(&entry{peer: p})
	r.hot[id] = el
	r.touchLocked(el, transport, endpoint, now)
	out := el.Value.(*entry).peer.clone()
	r.mu.Unlock()

	r.log.Info().Str("peer", id).Bool("paired", out.Paired).Msg("peer admitted")
	r.persist(out, false)
	return out, nil
}

// Touch records traffic from a known peer.
func (r *Registry) Touch(id string, transport Transport, endpoint string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	el, ok := r.hot[id]
	if !ok {
		return ErrUnknownPeer
	}
	r.touchLocked(el, transport, endpoint, r.now())
	return nil
}

// ObserveSequence records a delivered sequence from id and keeps the
// highest one in LastSequence.
func (r *Registry) ObserveSequence(id string, seq uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if el, ok := r.hot[id]; ok {
		ent := el.Value.(*entry)
		ent.window.mark(seq)
		if seq > ent.peer.LastSequence {
			ent.peer.LastSequence = seq
		}
	}
}

// Replayed reports whether seq from id was already delivered, or is so far
// below the newest delivered sequence that it can no longer be told apart
// from a replay. Unknown peers have no history and report false.
func (r *Registry) Replayed(id string, seq uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	el, ok := r.hot[id]
	if !ok {
		return false
	}
	return el.Value.(*entry).window.seen(seq)
}

// Drop forgets a transport route. A peer with no routes left is unreachable.
func (r *Registry) Drop(id string, transport Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	el, ok := r.hot[id]
	if !ok {
		return
	}
	ent := el.Value.(*entry)
	delete(ent.peer.Reachability, transport)
	if len(ent.peer.Reachability) == 0 {
		ent.peer.State = StateUnreachable
	}
}

func (r *Registry) MarkUnreachable(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if el, ok := r.hot[id]; ok {
		ent := el.Value.(*entry)
		ent.peer.State = StateUnreachable
		ent.peer.Reachability = nil
	}
}

func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	el, ok := r.hot[id]
	if ok {
		r.order.Remove(el)
		delete(r.hot, id)
	}
	r.mu.Unlock()
	if ok {
		r.persist(Peer{ID: id}, true)
	}
	return ok
}

func (r *Registry) Get(id string) (Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	el, ok := r.hot[id]
	if !ok {
		return Peer{}, false
	}
	return el.Value.(*entry).peer.clone(), true
}

// HasKey reports whether keyID was declared by id.
func (r *Registry) HasKey(id, keyID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	el, ok := r.hot[id]
	if !ok {
		return false
	}
	for _, k := range el.Value.(*entry).peer.Keys {
		if k == keyID {
			return true
		}
	}
	return false
}

// List returns peers most recently seen first.
func (r *Registry) List() []Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Peer, 0, len(r.hot))
	for el := r.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*entry).peer.clone())
	}
	return out
}

// Connected lists ids of active peers with at least one route, sorted.
func (r *Registry) Connected() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.hot))
	for id, el := range r.hot {
		if el.Value.(*entry).peer.Reachable() {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.hot)
}

// Expire evicts peers idle for longer than the TTL and returns their ids.
func (r *Registry) Expire() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pruneLocked()
}

func (r *Registry) touchLocked(el *list.Element, transport Transport, endpoint string, now time.Time) {
	ent := el.Value.(*entry)
	ent.peer.LastSeen = now
	ent.peer.State = StateActive
	if transport != "" {
		if ent.peer.Reachability == nil {
			ent.peer.Reachability = make(map[Transport]string)
		}
		ent.peer.Reachability[transport] = endpoint
	}
	r.order.MoveToFront(el)
}

func (r *Registry) pruneLocked() []string {
	now := r.now()
	var gone []string
	for el := r.order.Back(); el != nil; {
		prev := el.Prev()
		ent := el.Value.(*entry)
		if now.Sub(ent.peer.LastSeen) <= r.ttl {
			break
		}
		gone = append(gone, ent.peer.ID)
		delete(r.hot, ent.peer.ID)
		r.order.Remove(el)
		el = prev
	}
	for _, id := range gone {
		r.log.Debug().Str("peer", id).Msg("peer expired")
	}
	return gone
}

func (r *Registry) evictLocked(n int) {
	for n > 0 {
		el := r.order.Back()
		if el == nil {
			return
		}
		ent := el.Value.(*entry)
		delete(r.hot, ent.peer.ID)
		r.order.Remove(el)
		r.log.Debug().Str("peer", ent.peer.ID).Msg("peer evicted at capacity")
		n--
	}
}

func (r *Registry) persist(p Peer, gone bool) {
	if r.path == "" {
		return
	}
	rec := diskPeer{ID: p.ID, Keys: p.Keys, Paired: p.Paired, Gone: gone}
	if err := store.AppendJSONL(r.path, rec); err != nil {
		r.log.Warn().Err(err).Str("peer", p.ID).Msg("peer book append failed")
	}
}

// loadLast restores the newest records of the peer book. Restored peers are
// unreachable until they are seen again.
func (r *Registry) loadLast(limit int) error {
	lines, err := store.ReadLastJSONL(r.path, limit*4)
	if err != nil {
		return err
	}
	now := r.now()
	for _, line := range lines {
		var rec diskPeer
		if err := json.Unmarshal(line, &rec); err != nil || rec.ID == "" {
			continue
		}
		if el, ok := r.hot[rec.ID]; ok {
			if rec.Gone {
				r.order.Remove(el)
				delete(r.hot, rec.ID)
				continue
			}
			ent := el.Value.(*entry)
			mergeKeys(&ent.peer, rec.Keys)
			ent.peer.Paired = rec.Paired
			r.order.MoveToFront(el)
			continue
		}
		if rec.Gone {
			continue
		}
		if len(r.hot) >= r.cap {
			r.evictLocked(len(r.hot) - r.cap + 1)
		}
		p := Peer{ID: rec.ID, Paired: rec.Paired, LastSeen: now}
		mergeKeys(&p, rec.Keys)
		r.hot[rec.ID] = r.order.PushFront(&entry{peer: p})
	}
	return nil
}

func mergeKeys(p *Peer, keys []string) bool {
	added := false
	for _, k := range keys {
		if k == "" {
			continue
		}
		dup := false
		for _, have := range p.Keys {
			if have == k {
				dup = true
				break
			}
		}
		if !dup {
			p.Keys = append(p.Keys, k)
			added = true
		}
	}
	return added
}
