package mesh

import (
	"context"
	"encoding/binary"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"chumnet/internal/cert"
	"chumnet/internal/crypto"
	"chumnet/internal/link"
	"chumnet/internal/logging"
	"chumnet/internal/metrics"
	"chumnet/internal/network"
	"chumnet/internal/peer"
	"chumnet/internal/proto"
	"chumnet/internal/store"
	"chumnet/internal/trust"
)

const (
	defaultCleanupInterval   = time.Minute
	defaultDiscoveryInterval = 30 * time.Second
	defaultInboundRate       = 20
	defaultInboundBurst      = 40
	inboxSize                = 1024
	dropLogInterval          = 10 * time.Second

	backoffBase   = 2 * time.Second
	backoffJitter = time.Second
	maxBackoff    = 5 * time.Minute

	seqKey   = "mesh/sequence"
	seqBlock = 64
)

var (
	ErrNoRoute     = errors.New("no route to peer")
	ErrNoPeers     = errors.New("no connected peers")
	ErrControlType = errors.New("control messages have no application handlers")
	ErrClosed      = errors.New("orchestrator closed")
)

// Handler receives a validated, deduplicated message. Returning an error
// leaves the message unacknowledged so a retransmission is processed again.
type Handler func(ctx context.Context, from *link.Session, m proto.Message) error

// Dialer builds outbound transports by kind.
type Dialer interface {
	NewTransport(kind string) (link.Transport, error)
}

// Discoverer reports peers announced nearby.
type Discoverer interface {
	Browse(ctx context.Context) ([]network.Sighting, error)
}

type Options struct {
	Identity trust.Identity
	Engine   *trust.Engine
	Certs    *cert.Store
	Registry *peer.Registry
	Seen     *peer.SeenSet
	// Storage keeps the outbound sequence high-water mark; nil starts at 1
	// on every run.
	Storage   store.Storage
	Dialer    Dialer
	Discovery Discoverer
	// Endpoints are announced to peers in KeyExchange.
	Endpoints []string

	HeartbeatInterval time.Duration
	LivenessMultiple  int
	QueueCap          int
	CleanupInterval   time.Duration
	DiscoveryInterval time.Duration
	InboundRate       float64
	InboundBurst      int

	Metrics *metrics.Metrics
	Logger  zerolog.Logger
	Now     func() time.Time
}

// route is the orchestrator's record of one session.
type route struct {
	sess   *link.Session
	kind   peer.Transport
	dialed bool
	// hello endpoints the remote announced, by transport.
	announced map[peer.Transport]string
	// hello waits for a signed frame to confirm it; verified is set once
	// one did on the current connection.
	hello    *pendingHello
	verified bool

	fails   int
	nextTry time.Time
	dialing bool
}

// Orchestrator owns every link session, routes outbound messages and runs
// the receive pipeline. All inbound traffic is consumed by one goroutine.
type Orchestrator struct {
	opts      Options
	person    string
	profileID string
	engine    *trust.Engine
	certs     *cert.Store
	registry  *peer.Registry
	seen      *peer.SeenSet
	metrics   *metrics.Metrics
	log       zerolog.Logger
	dropLog   *logging.Limiter
	now       func() time.Time
	inbox     chan link.Delivery

	mu       sync.Mutex
	routes   map[*link.Session]*route
	byPeer   map[string]map[peer.Transport]*link.Session
	handlers map[proto.MessageType]Handler
	limiters map[string]*rate.Limiter
	rng      *rand.Rand
	closed   bool

	seqMu       sync.Mutex
	seq         uint64
	seqReserved uint64

	wg sync.WaitGroup
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Engine == nil || opts.Certs == nil || opts.Registry == nil {
		return nil, errors.New("mesh: engine, certificate store and registry are required")
	}
	if len(opts.Identity.Main.PublicKey) == 0 {
		return nil, trust.ErrNoIdentity
	}
	if opts.Seen == nil {
		opts.Seen = peer.NewSeenSet(peer.DefaultSeenCap, peer.DefaultSeenTTL)
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = defaultCleanupInterval
	}
	if opts.DiscoveryInterval <= 0 {
		opts.DiscoveryInterval = defaultDiscoveryInterval
	}
	if opts.InboundRate <= 0 {
		opts.InboundRate = defaultInboundRate
	}
	if opts.InboundBurst <= 0 {
		opts.InboundBurst = defaultInboundBurst
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	person := opts.Identity.PersonID
	if person == "" {
		person = crypto.PersonID(opts.Identity.Main.PublicKey)
	}
	o := &Orchestrator{
		opts:      opts,
		person:    person,
		profileID: uuid.NewString(),
		engine:    opts.Engine,
		certs:     opts.Certs,
		registry:  opts.Registry,
		seen:      opts.Seen,
		metrics:   opts.Metrics,
		log:       opts.Logger.With().Str("component", "mesh").Logger(),
		dropLog:   logging.NewLimiter(dropLogInterval),
		now:       now,
		inbox:     make(chan link.Delivery, inboxSize),
		routes:    make(map[*link.Session]*route),
		byPeer:    make(map[string]map[peer.Transport]*link.Session),
		handlers:  make(map[proto.MessageType]Handler),
		limiters:  make(map[string]*rate.Limiter),
		rng:       rand.New(rand.NewSource(now().UnixNano())),
	}
	if err := o.loadSequence(context.Background()); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *Orchestrator) PersonID() string { return o.person }

func (o *Orchestrator) Metrics() *metrics.Metrics { return o.metrics }

// Run consumes session deliveries and runs the cleanup, reconnect and
// discovery loops until ctx ends. Sessions are closed on return.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.wg.Add(3)
	go func() {
		defer o.wg.Done()
		o.consume(ctx)
	}()
	go func() {
		defer o.wg.Done()
		o.maintainLoop(ctx)
	}()
	go func() {
		defer o.wg.Done()
		o.discoveryLoop(ctx)
	}()
	<-ctx.Done()
	o.wg.Wait()
	o.shutdown()
	return nil
}

func (o *Orchestrator) shutdown() {
	o.mu.Lock()
	o.closed = true
	sessions := make([]*link.Session, 0, len(o.routes))
	for s := range o.routes {
		sessions = append(sessions, s)
	}
	o.routes = make(map[*link.Session]*route)
	o.byPeer = make(map[string]map[peer.Transport]*link.Session)
	o.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
	o.log.Info().Int("sessions", len(sessions)).Msg("mesh stopped")
}

// RegisterMessageHandler installs h for t, replacing any previous handler.
func (o *Orchestrator) RegisterMessageHandler(t proto.MessageType, h Handler) error {
	if !t.Valid() {
		return errors.Errorf("unknown message type %d", t)
	}
	if t.Control() {
		return errors.Wrap(ErrControlType, t.String())
	}
	o.mu.Lock()
	o.handlers[t] = h
	o.mu.Unlock()
	return nil
}

func (o *Orchestrator) handler(t proto.MessageType) Handler {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.handlers[t]
}

// NextSequence returns the next outbound sequence number, starting at 1.
// Numbers are reserved in blocks in storage so a restart never reuses one.
func (o *Orchestrator) NextSequence() uint64 {
	o.seqMu.Lock()
	defer o.seqMu.Unlock()
	o.seq++
	if o.opts.Storage != nil && o.seq > o.seqReserved {
		next := o.seq + seqBlock
		if err := o.opts.Storage.Write(context.Background(), seqKey, binary.BigEndian.AppendUint64(nil, next)); err != nil {
			o.log.Warn().Err(err).Msg("persist sequence reservation")
		} else {
			o.seqReserved = next
		}
	}
	return o.seq
}

func (o *Orchestrator) loadSequence(ctx context.Context) error {
	if o.opts.Storage == nil {
		return nil
	}
	data, err := o.opts.Storage.Read(ctx, seqKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "load sequence")
	}
	if len(data) != 8 {
		return errors.Errorf("corrupt sequence record (%d bytes)", len(data))
	}
	o.seq = binary.BigEndian.Uint64(data)
	o.seqReserved = o.seq
	return nil
}

func (o *Orchestrator) newSession(t link.Transport, kind peer.Transport, endpoint string) *link.Session {
	return link.NewSession(t, link.Options{
		Kind:              string(kind),
		Endpoint:          endpoint,
		LocalID:           o.person,
		Key:               o.opts.Identity.Main,
		Endpoints:         o.opts.Endpoints,
		HeartbeatInterval: o.opts.HeartbeatInterval,
		LivenessMultiple:  o.opts.LivenessMultiple,
		QueueCap:          o.opts.QueueCap,
		Inbox:             o.inbox,
		Dropped:           o.metrics.IncDropByReason,
		Logger:            o.log,
		Now:               o.now,
	})
}

// Connect dials endpoint over t. A known person id binds the session at
// once so messages can be queued to it before the link is up.
func (o *Orchestrator) Connect(ctx context.Context, t link.Transport, kind peer.Transport, endpoint, person string) (*link.Session, error) {
	s := o.newSession(t, kind, endpoint)
	r := &route{sess: s, kind: kind, dialed: true}
	if err := o.track(r); err != nil {
		return nil, err
	}
	if person != "" {
		o.bind(s, person)
	}
	if err := s.Connect(ctx, endpoint); err != nil {
		o.noteDialFailure(s)
		return s, err
	}
	return s, nil
}

// Dial parses a multiaddr endpoint and connects through the Dialer.
func (o *Orchestrator) Dial(ctx context.Context, endpoint, person string) (*link.Session, error) {
	if o.opts.Dialer == nil {
		return nil, errors.Wrap(ErrNoRoute, "no dialer")
	}
	ep, err := network.ParseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	t, err := o.opts.Dialer.NewTransport(ep.Kind)
	if err != nil {
		return nil, err
	}
	return o.Connect(ctx, t, peer.Transport(ep.Kind), endpoint, person)
}

// Attach adopts an inbound transport. The peer is bound when its
// KeyExchange arrives.
func (o *Orchestrator) Attach(t link.Transport, kind peer.Transport, remote string) (*link.Session, error) {
	s := o.newSession(t, kind, remote)
	if err := o.track(&route{sess: s, kind: kind}); err != nil {
		_ = t.Close()
		return nil, err
	}
	if err := s.Accept(); err != nil {
		o.forget(s)
		s.Close()
		return nil, err
	}
	return s, nil
}

// Serve attaches every inbound connection from a listener until ctx ends.
func (o *Orchestrator) Serve(ctx context.Context, in <-chan network.Inbound) {
	for {
		select {
		case <-ctx.Done():
			return
		case ib, ok := <-in:
			if !ok {
				return
			}
			if _, err := o.Attach(ib.Transport, peer.Transport(ib.Kind), ib.Remote); err != nil {
				o.log.Debug().Err(err).Str("remote", ib.Remote).Msg("inbound rejected")
			}
		}
	}
}

func (o *Orchestrator) track(r *route) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	o.routes[r.sess] = r
	return nil
}

func (o *Orchestrator) forget(s *link.Session) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.routes[s]
	if !ok {
		return
	}
	delete(o.routes, s)
	if id := s.Peer(); id != "" && o.byPeer[id][r.kind] == s {
		delete(o.byPeer[id], r.kind)
		if len(o.byPeer[id]) == 0 {
			delete(o.byPeer, id)
		}
	}
}

// bind makes s the route to person over its transport. A connected route
// is never displaced; otherwise the newer session takes over and inherits
// whatever the old one still had queued.
func (o *Orchestrator) bind(s *link.Session, person string) {
	s.SetPeer(person)
	o.mu.Lock()
	r, ok := o.routes[s]
	if !ok {
		o.mu.Unlock()
		return
	}
	kinds := o.byPeer[person]
	if kinds == nil {
		kinds = make(map[peer.Transport]*link.Session)
		o.byPeer[person] = kinds
	}
	old := kinds[r.kind]
	if old == s {
		o.mu.Unlock()
		return
	}
	if old != nil && old.State() == link.Connected {
		o.mu.Unlock()
		return
	}
	kinds[r.kind] = s
	var stale *route
	if old != nil {
		stale = o.routes[old]
		delete(o.routes, old)
	}
	o.mu.Unlock()

	if stale != nil {
		if n := old.Handover(s); n > 0 {
			o.log.Debug().Str("peer", person).Int("frames", n).Msg("queue handed to new link")
		}
		go old.Close()
	}
}

// sessionsOf returns the sessions routing to person, in transport
// preference order.
func (o *Orchestrator) sessionsOf(person string) []*link.Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	kinds := o.byPeer[person]
	out := make([]*link.Session, 0, len(kinds))
	for _, t := range peer.Preference {
		if s, ok := kinds[t]; ok {
			out = append(out, s)
		}
	}
	return out
}

func (o *Orchestrator) routeOf(s *link.Session) (route, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.routes[s]
	if !ok {
		return route{}, false
	}
	return *r, true
}

// Sessions returns a snapshot of every tracked session.
func (o *Orchestrator) Sessions() []*link.Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*link.Session, 0, len(o.routes))
	for s := range o.routes {
		out = append(out, s)
	}
	return out
}

func (o *Orchestrator) limiter(sender string) *rate.Limiter {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.limiters[sender]
	if !ok {
		l = rate.NewLimiter(rate.Limit(o.opts.InboundRate), o.opts.InboundBurst)
		o.limiters[sender] = l
	}
	return l
}
