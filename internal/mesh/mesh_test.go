package mesh

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chumnet/internal/cert"
	"chumnet/internal/crypto"
	"chumnet/internal/link"
	"chumnet/internal/network"
	"chumnet/internal/peer"
	"chumnet/internal/proto"
	"chumnet/internal/store"
	"chumnet/internal/trust"
)

const waitFor = 2 * time.Second

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock { return &clock{t: time.Unix(1_700_000_000, 0)} }

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type node struct {
	o      *Orchestrator
	eng    *trust.Engine
	certs  *cert.Store
	reg    *peer.Registry
	st     store.Storage
	key    crypto.KeyPair
	person string
}

type nodeConfig struct {
	clock   *clock
	pairing bool
	storage store.Storage
	disc    Discoverer
	dialer  Dialer
	seen    *peer.SeenSet
}

func newNode(t *testing.T, cfg nodeConfig) *node {
	t.Helper()
	ctx := context.Background()
	key, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	st := cfg.storage
	if st == nil {
		st = store.NewMemStore()
	}
	now := time.Now
	if cfg.clock != nil {
		now = cfg.clock.now
	}
	certs := cert.NewStore(st, cert.Options{})
	id := trust.Identity{Main: key}
	eng := trust.NewEngine(certs, trust.Options{Identity: id, Storage: st})
	require.NoError(t, eng.Init(ctx))
	reg, err := peer.NewRegistry(eng, peer.Options{Pairing: cfg.pairing, Now: now})
	require.NoError(t, err)
	o, err := New(Options{
		Identity:  id,
		Engine:    eng,
		Certs:     certs,
		Registry:  reg,
		Storage:   st,
		Seen:      cfg.seen,
		Dialer:    cfg.dialer,
		Discovery: cfg.disc,
		Now:       now,
	})
	require.NoError(t, err)
	return &node{o: o, eng: eng, certs: certs, reg: reg, st: st, key: key, person: o.PersonID()}
}

func (n *node) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = n.o.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (n *node) keyID() string { return crypto.KeyID(n.key.PublicKey) }

// trusts makes n trust other's main key.
func (n *node) trusts(t *testing.T, other *node) {
	t.Helper()
	_, err := n.eng.Certify(context.Background(), proto.CertTrustKeys, other.keyID(), nil)
	require.NoError(t, err)
}

// collect registers a handler for MsgData that forwards every message.
func (n *node) collect(t *testing.T) <-chan proto.Message {
	t.Helper()
	ch := make(chan proto.Message, 64)
	require.NoError(t, n.o.RegisterMessageHandler(proto.MsgData, func(_ context.Context, _ *link.Session, m proto.Message) error {
		ch <- m
		return nil
	}))
	return ch
}

// connect links client to server over a pipe and waits until each side
// has admitted the other.
func connect(t *testing.T, client, server *node) *link.Session {
	t.Helper()
	pc, ps := link.NewPipe()
	ps.SetOpen()
	_, err := server.o.Attach(ps, peer.TransportPipe, "")
	require.NoError(t, err)
	s, err := client.o.Connect(context.Background(), pc, peer.TransportPipe, "pipe", server.person)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, a := client.reg.Get(server.person)
		_, b := server.reg.Get(client.person)
		return a && b
	}, waitFor, 5*time.Millisecond)
	return s
}

func receive(t *testing.T, ch <-chan proto.Message) proto.Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(waitFor):
		t.Fatalf("no message within %s", waitFor)
		return proto.Message{}
	}
}

func signed(t *testing.T, from *node, m proto.Message) proto.Message {
	t.Helper()
	m.Sender = from.person
	sig, err := crypto.SignBytes(from.key.PrivateKey, proto.SigningBytes(m))
	require.NoError(t, err)
	m.Signature = sig
	return m
}

// knows binds other's key on n and trusts it, as a completed hello would.
func (n *node) knows(t *testing.T, other *node) {
	t.Helper()
	n.trusts(t, other)
	require.NoError(t, n.certs.BindKey(context.Background(), other.person, other.keyID()))
}

func dropReason(t *testing.T, err error) string {
	t.Helper()
	var de *DropError
	if !errors.As(err, &de) {
		t.Fatalf("expected DropError, got %v", err)
	}
	return de.Reason
}

func TestDuplicateDeliveredOnce(t *testing.T) {
	a, b := newNode(t, nodeConfig{}), newNode(t, nodeConfig{})
	a.knows(t, b)
	got := a.collect(t)

	m := signed(t, b, proto.Message{Recipient: a.person, Sequence: 5, Type: proto.MsgData, Payload: []byte("hi")})
	ctx := context.Background()
	require.NoError(t, a.o.ProcessReceivedMessage(ctx, nil, m))
	require.Equal(t, ReasonDuplicate, dropReason(t, a.o.ProcessReceivedMessage(ctx, nil, m)))

	require.Equal(t, []byte("hi"), receive(t, got).Payload)
	select {
	case extra := <-got:
		t.Fatalf("duplicate reached handler: %+v", extra)
	default:
	}
	require.EqualValues(t, 1, a.o.Metrics().Snapshot().Messages.Delivered)
	p, ok := a.reg.Get(b.person)
	require.True(t, ok)
	require.EqualValues(t, 5, p.LastSequence)
}

func TestTamperedPayloadRejected(t *testing.T) {
	a, b := newNode(t, nodeConfig{}), newNode(t, nodeConfig{})
	a.knows(t, b)
	got := a.collect(t)
	ctx := context.Background()

	m := signed(t, b, proto.Message{Recipient: a.person, Sequence: 1, Type: proto.MsgData, Payload: []byte("pay 1")})
	bad := m
	bad.Payload = []byte("pay 9")
	require.Equal(t, ReasonSignature, dropReason(t, a.o.ProcessReceivedMessage(ctx, nil, bad)))

	// The failed attempt must not burn the sequence number.
	require.NoError(t, a.o.ProcessReceivedMessage(ctx, nil, m))
	require.Equal(t, []byte("pay 1"), receive(t, got).Payload)
}

func TestUnknownSenderDropped(t *testing.T) {
	a, b := newNode(t, nodeConfig{}), newNode(t, nodeConfig{})
	require.NoError(t, a.certs.BindKey(context.Background(), b.person, b.keyID()))
	m := signed(t, b, proto.Message{Sequence: 1, Type: proto.MsgData})
	require.Equal(t, ReasonUnknownSender, dropReason(t, a.o.ProcessReceivedMessage(context.Background(), nil, m)))
	require.EqualValues(t, 1, a.o.Metrics().Snapshot().DropByReason[ReasonUnknownSender])
}

func TestWrongRecipientDropped(t *testing.T) {
	a, b := newNode(t, nodeConfig{}), newNode(t, nodeConfig{})
	a.knows(t, b)
	m := signed(t, b, proto.Message{Recipient: b.person, Sequence: 1, Type: proto.MsgData})
	require.Equal(t, ReasonRecipient, dropReason(t, a.o.ProcessReceivedMessage(context.Background(), nil, m)))
}

func TestHandlerErrorLeavesMessageRetryable(t *testing.T) {
	a, b := newNode(t, nodeConfig{}), newNode(t, nodeConfig{})
	a.knows(t, b)
	calls := 0
	require.NoError(t, a.o.RegisterMessageHandler(proto.MsgData, func(context.Context, *link.Session, proto.Message) error {
		calls++
		if calls == 1 {
			return errors.New("busy")
		}
		return nil
	}))
	ctx := context.Background()
	m := signed(t, b, proto.Message{Recipient: a.person, Sequence: 3, Type: proto.MsgData})
	require.Equal(t, ReasonHandler, dropReason(t, a.o.ProcessReceivedMessage(ctx, nil, m)))
	require.NoError(t, a.o.ProcessReceivedMessage(ctx, nil, m))
	require.Equal(t, 2, calls)
}

func TestReplayRejectedAfterSeenEviction(t *testing.T) {
	a, b := newNode(t, nodeConfig{seen: peer.NewSeenSet(1, time.Hour)}), newNode(t, nodeConfig{})
	a.knows(t, b)
	got := a.collect(t)
	ctx := context.Background()

	first := signed(t, b, proto.Message{Recipient: a.person, Sequence: 5, Type: proto.MsgData, Payload: []byte("five")})
	require.NoError(t, a.o.ProcessReceivedMessage(ctx, nil, first))
	require.NoError(t, a.o.ProcessReceivedMessage(ctx, nil, signed(t, b, proto.Message{Recipient: a.person, Sequence: 6, Type: proto.MsgData})))
	require.False(t, a.o.seen.Has(peer.SeenKey{Sender: b.person, Sequence: 5}), "seen set holds one key")

	require.Equal(t, ReasonDuplicate, dropReason(t, a.o.ProcessReceivedMessage(ctx, nil, first)))
	receive(t, got)
	receive(t, got)
	select {
	case extra := <-got:
		t.Fatalf("replay reached handler: %+v", extra)
	default:
	}

	// A late message inside the window is still delivered once.
	late := signed(t, b, proto.Message{Recipient: a.person, Sequence: 4, Type: proto.MsgData})
	require.NoError(t, a.o.ProcessReceivedMessage(ctx, nil, late))
	require.Equal(t, ReasonDuplicate, dropReason(t, a.o.ProcessReceivedMessage(ctx, nil, late)))
}

func TestForgedFramesDoNotSpendSenderRate(t *testing.T) {
	a, b := newNode(t, nodeConfig{}), newNode(t, nodeConfig{})
	a.knows(t, b)
	got := a.collect(t)
	ctx := context.Background()

	for i := 0; i < 2*defaultInboundBurst; i++ {
		forged := proto.Message{Sender: b.person, Recipient: a.person, Sequence: uint64(100 + i), Type: proto.MsgData, Signature: []byte{1}}
		require.Equal(t, ReasonSignature, dropReason(t, a.o.ProcessReceivedMessage(ctx, nil, forged)))
	}
	genuine := signed(t, b, proto.Message{Recipient: a.person, Sequence: 1, Type: proto.MsgData, Payload: []byte("real")})
	require.NoError(t, a.o.ProcessReceivedMessage(ctx, nil, genuine))
	require.Equal(t, "real", string(receive(t, got).Payload))

	limited := false
	for seq := uint64(2); seq < 2+2*defaultInboundBurst; seq++ {
		err := a.o.ProcessReceivedMessage(ctx, nil, signed(t, b, proto.Message{Recipient: a.person, Sequence: seq, Type: proto.MsgData}))
		if err != nil && dropReason(t, err) == ReasonRate {
			limited = true
			break
		}
	}
	require.True(t, limited, "signed traffic beyond the burst is limited")
}

func TestControlTypesRejected(t *testing.T) {
	a := newNode(t, nodeConfig{})
	noop := func(context.Context, *link.Session, proto.Message) error { return nil }
	for _, mt := range []proto.MessageType{proto.MsgDiscovery, proto.MsgKeyExchange, proto.MsgHeartbeat} {
		err := a.o.RegisterMessageHandler(mt, noop)
		require.ErrorIs(t, err, ErrControlType, mt.String())
	}
	require.Error(t, a.o.RegisterMessageHandler(proto.MessageType(200), noop))
	require.NoError(t, a.o.RegisterMessageHandler(proto.MsgData, noop))

	err := a.o.ProcessReceivedMessage(context.Background(), nil, proto.Message{Sender: "x", Type: proto.MsgHeartbeat})
	require.ErrorIs(t, err, ErrControlType)
}

func TestNextSequenceSurvivesRestart(t *testing.T) {
	st := store.NewMemStore()
	a := newNode(t, nodeConfig{storage: st})
	require.EqualValues(t, 1, a.o.NextSequence())
	require.EqualValues(t, 2, a.o.NextSequence())
	last := a.o.NextSequence()

	again, err := New(a.o.opts)
	require.NoError(t, err)
	require.Greater(t, again.NextSequence(), last)
}

func TestDeliveryOverPipeIsAcked(t *testing.T) {
	a, b := newNode(t, nodeConfig{}), newNode(t, nodeConfig{})
	a.trusts(t, b)
	b.trusts(t, a)
	got := b.collect(t)
	a.run(t)
	b.run(t)
	connect(t, a, b)

	out, err := a.o.SendMessage(context.Background(), proto.Message{Recipient: b.person, Type: proto.MsgData, Payload: []byte("ping")})
	require.NoError(t, err)
	require.Equal(t, link.Sent, out)

	m := receive(t, got)
	require.Equal(t, a.person, m.Sender)
	require.Equal(t, []byte("ping"), m.Payload)
	require.Eventually(t, func() bool {
		return a.o.Metrics().Snapshot().Messages.Acked == 1
	}, waitFor, 5*time.Millisecond)
}

// gatedPipe holds Open until the gate closes.
type gatedPipe struct {
	*link.Pipe
	gate chan struct{}
}

func (g gatedPipe) Open(ctx context.Context, endpoint string) error {
	select {
	case <-g.gate:
	case <-ctx.Done():
		return ctx.Err()
	}
	return g.Pipe.Open(ctx, endpoint)
}

func TestQueuedUntilConnectedInOrder(t *testing.T) {
	a, b := newNode(t, nodeConfig{}), newNode(t, nodeConfig{})
	a.trusts(t, b)
	b.trusts(t, a)
	got := b.collect(t)
	a.run(t)
	b.run(t)

	pc, ps := link.NewPipe()
	ps.SetOpen()
	_, err := b.o.Attach(ps, peer.TransportPipe, "")
	require.NoError(t, err)
	gate := make(chan struct{})
	go func() {
		_, _ = a.o.Connect(context.Background(), gatedPipe{Pipe: pc, gate: gate}, peer.TransportPipe, "pipe", b.person)
	}()
	require.Eventually(t, func() bool { return len(a.o.sessionsOf(b.person)) == 1 }, waitFor, 5*time.Millisecond)

	for _, body := range []string{"one", "two", "three"} {
		out, err := a.o.SendMessage(context.Background(), proto.Message{Recipient: b.person, Type: proto.MsgData, Payload: []byte(body)})
		require.NoError(t, err)
		require.Equal(t, link.Queued, out)
	}
	close(gate)

	for _, want := range []string{"one", "two", "three"} {
		require.Equal(t, want, string(receive(t, got).Payload))
	}
}

func TestBroadcastAddressesEachPeer(t *testing.T) {
	a := newNode(t, nodeConfig{})
	_, err := a.o.SendMessage(context.Background(), proto.Message{Type: proto.MsgData})
	require.ErrorIs(t, err, ErrNoPeers)

	b, c := newNode(t, nodeConfig{}), newNode(t, nodeConfig{})
	for _, n := range []*node{b, c} {
		a.trusts(t, n)
		n.trusts(t, a)
	}
	gb, gc := b.collect(t), c.collect(t)
	a.run(t)
	b.run(t)
	c.run(t)
	connect(t, a, b)
	connect(t, a, c)

	out, err := a.o.SendMessage(context.Background(), proto.Message{Type: proto.MsgData, Payload: []byte("all")})
	require.NoError(t, err)
	require.Equal(t, link.Sent, out)
	require.Equal(t, b.person, receive(t, gb).Recipient)
	require.Equal(t, c.person, receive(t, gc).Recipient)
}

func TestPairingAdmitsUntrustedPeer(t *testing.T) {
	a := newNode(t, nodeConfig{pairing: true})
	b := newNode(t, nodeConfig{pairing: true})
	got := b.collect(t)
	a.run(t)
	b.run(t)
	connect(t, a, b)

	p, ok := b.reg.Get(a.person)
	require.True(t, ok)
	require.True(t, p.Paired)

	_, err := a.o.SendMessage(context.Background(), proto.Message{Recipient: b.person, Type: proto.MsgData, Payload: []byte("paired")})
	require.NoError(t, err)
	require.Equal(t, "paired", string(receive(t, got).Payload))
}

func TestUntrustedPeerNotAdmitted(t *testing.T) {
	a, b := newNode(t, nodeConfig{}), newNode(t, nodeConfig{})
	a.trusts(t, b)
	a.run(t)
	b.run(t)

	pc, ps := link.NewPipe()
	ps.SetOpen()
	_, err := b.o.Attach(ps, peer.TransportPipe, "")
	require.NoError(t, err)
	_, err = a.o.Connect(context.Background(), pc, peer.TransportPipe, "pipe", b.person)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return b.o.Metrics().Snapshot().DropByReason[ReasonNotAdmitted] > 0
	}, waitFor, 5*time.Millisecond)
	_, ok := b.reg.Get(a.person)
	require.False(t, ok)
}

// nextFrame reads frames arriving at p until one of type mt.
func nextFrame(t *testing.T, p *link.Pipe, mt proto.MessageType) proto.Message {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case ev := <-p.Events():
			if ev.Kind != link.EventBytes {
				continue
			}
			m, err := proto.DecodeMessage(ev.Data)
			require.NoError(t, err)
			if m.Type == mt {
				return m
			}
		case <-deadline:
			t.Fatalf("no %s frame within %s", mt, waitFor)
			return proto.Message{}
		}
	}
}

func TestSpoofedHelloDoesNotCaptureRoute(t *testing.T) {
	a, b := newNode(t, nodeConfig{}), newNode(t, nodeConfig{})
	a.trusts(t, b)
	a.run(t)

	evil, ps := link.NewPipe()
	evil.SetOpen()
	ps.SetOpen()
	_, err := a.o.Attach(ps, peer.TransportPipe, "")
	require.NoError(t, err)

	hello, err := proto.EncodeHello(proto.Hello{PersonID: b.person, PublicKey: b.key.PublicKey})
	require.NoError(t, err)
	frame, err := proto.EncodeMessage(proto.Message{Sender: b.person, Type: proto.MsgKeyExchange, Payload: hello})
	require.NoError(t, err)
	require.NoError(t, evil.Send(frame))

	// a answers with its own signed ack, which proves nothing about b.
	ack := nextFrame(t, evil, proto.MsgAck)
	require.Equal(t, a.person, ack.Sender)
	require.Equal(t, b.person, ack.Recipient)

	_, ok := a.reg.Get(b.person)
	require.False(t, ok)
	require.Empty(t, a.o.sessionsOf(b.person))
	_, err = a.o.SendMessage(context.Background(), proto.Message{Recipient: b.person, Type: proto.MsgData, Payload: []byte("secret for b")})
	require.ErrorIs(t, err, peer.ErrUnknownPeer)

	forged, err := proto.EncodeMessage(proto.Message{Sender: b.person, Recipient: a.person, Sequence: 1, Type: proto.MsgData, Signature: []byte{1}})
	require.NoError(t, err)
	require.NoError(t, evil.Send(forged))
	require.Eventually(t, func() bool {
		return a.o.Metrics().Snapshot().DropByReason[ReasonSignature] == 1
	}, waitFor, 5*time.Millisecond)
	_, ok = a.reg.Get(b.person)
	require.False(t, ok)
	require.Empty(t, a.o.sessionsOf(b.person))
}

func TestProfileSyncCannotClaimForeignKey(t *testing.T) {
	a, b := newNode(t, nodeConfig{}), newNode(t, nodeConfig{})
	victim := newNode(t, nodeConfig{})
	a.knows(t, b)
	a.trusts(t, victim)
	ctx := context.Background()

	p := proto.Profile{
		ID:        "p",
		PersonID:  b.person,
		Owner:     b.person,
		ProfileID: "b-phone",
		Timestamp: 1,
		Keys:      []string{b.keyID(), victim.keyID()},
	}
	p.ProfileHash = proto.ComputeProfileHash(p)
	payload, err := proto.EncodeProfile(p)
	require.NoError(t, err)
	m := signed(t, b, proto.Message{Recipient: a.person, Sequence: 1, Type: proto.MsgProfileSync, Payload: payload})
	require.NoError(t, a.o.ProcessReceivedMessage(ctx, nil, m))

	_, bound := a.certs.PersonOfKey(victim.keyID())
	require.False(t, bound)
	owner, _ := a.certs.PersonOfKey(b.keyID())
	require.Equal(t, b.person, owner)

	// The victim can still complete its own hello.
	a.run(t)
	victim.trusts(t, a)
	victim.run(t)
	connect(t, victim, a)
	owner, _ = a.certs.PersonOfKey(victim.keyID())
	require.Equal(t, victim.person, owner)
}

func TestSilentPeerMarkedUnreachable(t *testing.T) {
	clk := newClock()
	a, b := newNode(t, nodeConfig{clock: clk}), newNode(t, nodeConfig{clock: clk})
	a.trusts(t, b)
	b.trusts(t, a)
	a.run(t)
	b.run(t)
	connect(t, a, b)

	p, _ := a.reg.Get(b.person)
	require.True(t, p.Reachable())

	clk.advance(3*link.DefaultHeartbeatInterval + time.Second)
	a.o.sweep(clk.now())
	p, ok := a.reg.Get(b.person)
	require.True(t, ok)
	require.Equal(t, peer.StateUnreachable, p.State)
}

func TestCertificateAndProfileSync(t *testing.T) {
	a, b := newNode(t, nodeConfig{}), newNode(t, nodeConfig{})
	a.trusts(t, b)
	b.trusts(t, a)
	a.run(t)
	b.run(t)
	connect(t, a, b)

	ctx := context.Background()
	other, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	c, err := a.eng.Certify(ctx, proto.CertTrustKeys, crypto.KeyID(other.PublicKey), nil)
	require.NoError(t, err)

	_, err = a.o.SyncCertificatesWithPeer(ctx, b.person)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := b.certs.Get(c.ID)
		return ok
	}, waitFor, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return b.eng.IsKeyTrusted(crypto.KeyID(other.PublicKey))
	}, waitFor, 5*time.Millisecond)

	_, err = a.o.SyncProfileWithPeer(ctx, b.person)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(b.certs.ProfilesForKey(a.keyID())) == 1
	}, waitFor, 5*time.Millisecond)
}

type fakeDiscovery struct{ sightings []network.Sighting }

func (f fakeDiscovery) Browse(context.Context) ([]network.Sighting, error) {
	return f.sightings, nil
}

type countingDialer struct {
	mu    sync.Mutex
	kinds []string
}

func (d *countingDialer) NewTransport(kind string) (link.Transport, error) {
	d.mu.Lock()
	d.kinds = append(d.kinds, kind)
	d.mu.Unlock()
	p, _ := link.NewPipe()
	return p, nil
}

func TestDiscoveryDialsPreferredEndpoint(t *testing.T) {
	d := &countingDialer{}
	disc := fakeDiscovery{sightings: []network.Sighting{{
		PersonID:  "did:chum:someone",
		Endpoints: []string{"/ip4/10.0.0.2/tcp/4040/ws", "/ip4/10.0.0.2/udp/4040/quic-v1"},
	}}}
	a := newNode(t, nodeConfig{disc: disc, dialer: d})
	a.o.discover(context.Background())

	d.mu.Lock()
	defer d.mu.Unlock()
	require.Equal(t, []string{"quic"}, d.kinds)
	require.Len(t, a.o.sessionsOf("did:chum:someone"), 1)
}

func TestDialBackoffGrows(t *testing.T) {
	clk := newClock()
	a := newNode(t, nodeConfig{clock: clk})
	p, _ := link.NewPipe()
	s := a.o.newSession(p, peer.TransportPipe, "pipe")
	require.NoError(t, a.o.track(&route{sess: s, kind: peer.TransportPipe, dialed: true}))

	var prev time.Duration
	for i := 0; i < 12; i++ {
		a.o.noteDialFailure(s)
		r, ok := a.o.routeOf(s)
		require.True(t, ok)
		wait := r.nextTry.Sub(clk.now())
		require.LessOrEqual(t, wait, maxBackoff)
		if i > 0 && prev < maxBackoff-backoffJitter {
			require.Greater(t, wait, prev-backoffJitter)
		}
		prev = wait
	}
	require.Equal(t, maxBackoff, prev)
}
