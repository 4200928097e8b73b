package mesh

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"chumnet/internal/cert"
	"chumnet/internal/crypto"
	"chumnet/internal/link"
	"chumnet/internal/metrics"
	"chumnet/internal/network"
	"chumnet/internal/peer"
	"chumnet/internal/proto"
	"chumnet/internal/trust"
)

// Drop reasons reported to metrics and returned in DropError.
const (
	ReasonNoSender       = "sender"
	ReasonUnknownSender  = "unknown_sender"
	ReasonSenderMismatch = "sender_mismatch"
	ReasonRecipient      = "recipient"
	ReasonRate           = "rate"
	ReasonDuplicate      = "duplicate"
	ReasonSignature      = "signature"
	ReasonUntrusted      = "untrusted"
	ReasonHandler        = "handler"
	ReasonHello          = "hello"
	ReasonNotAdmitted    = "not_admitted"
)

// DropError reports why an inbound message was discarded. Dropped
// messages are never acknowledged.
type DropError struct {
	Reason string
	Err    error
}

func (e *DropError) Error() string {
	if e.Err != nil {
		return "message dropped: " + e.Reason + ": " + e.Err.Error()
	}
	return "message dropped: " + e.Reason
}

func (e *DropError) Unwrap() error { return e.Err }

func (o *Orchestrator) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-o.inbox:
			o.handleDelivery(ctx, d)
		}
	}
}

func (o *Orchestrator) handleDelivery(ctx context.Context, d link.Delivery) {
	s := d.Session
	switch d.Kind {
	case link.DeliverState:
		o.onState(s, d.State)
	case link.DeliverTimeout:
		if id := s.Peer(); id != "" {
			o.registry.MarkUnreachable(id)
			o.log.Info().Str("peer", id).Str("transport", s.Kind()).Msg("peer unreachable: liveness timeout")
		}
		go s.Disconnect()
	case link.DeliverMessage:
		m := d.Message
		o.metrics.IncRecvByType(m.Type.String())
		var err error
		if m.Type == proto.MsgKeyExchange || m.Type == proto.MsgDiscovery {
			err = o.handleHello(ctx, s, m)
		} else {
			err = o.ProcessReceivedMessage(ctx, s, m)
		}
		if err != nil {
			var de *DropError
			key := m.Sender
			if errors.As(err, &de) {
				key += "/" + de.Reason
			}
			o.dropLog.Debug(o.log, key).Err(err).Str("sender", m.Sender).Uint64("seq", m.Sequence).Str("type", m.Type.String()).Msg("inbound dropped")
		}
	}
}

func (o *Orchestrator) onState(s *link.Session, st link.State) {
	r, ok := o.routeOf(s)
	if !ok {
		return
	}
	switch st {
	case link.Connected:
		if r.dialed {
			o.mu.Lock()
			if cur, ok := o.routes[s]; ok {
				cur.fails = 0
				cur.nextTry = time.Time{}
			}
			o.mu.Unlock()
		}
	case link.NotConnected:
		o.mu.Lock()
		if cur, ok := o.routes[s]; ok {
			cur.hello = nil
			cur.verified = false
		}
		o.mu.Unlock()
		id := s.Peer()
		if id == "" {
			if !r.dialed {
				o.forget(s)
				go s.Close()
			}
			return
		}
		if o.isRoute(s) {
			o.registry.Drop(id, r.kind)
		}
		if r.dialed {
			o.noteDialFailure(s)
		}
	}
	o.metrics.SetCurrentSessions(o.connectedCount())
}

func (o *Orchestrator) isRoute(s *link.Session) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.routes[s]
	return ok && o.byPeer[s.Peer()][r.kind] == s
}

func (o *Orchestrator) connectedCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for s := range o.routes {
		if s.State() == link.Connected {
			n++
		}
	}
	return n
}

// pendingHello is a KeyExchange or Discovery hello that arrived on a
// session but is not yet backed by a signed frame. It carries only public
// data, so it neither admits the peer nor makes the session its route.
type pendingHello struct {
	person    string
	keyID     string
	pub       []byte
	bound     bool
	announced map[peer.Transport]string
}

func (o *Orchestrator) drop(reason string, err error) error {
	o.metrics.IncDropByReason(reason)
	return &DropError{Reason: reason, Err: err}
}

// handleHello records the hello as pending on s. The announced key must
// derive the person id, or already be bound to that person through a
// profile or certificate. The first hello on a connection is answered with
// this side's hello, when s is inbound, and with a signed Ack of sequence 0
// that lets the remote confirm who holds this end.
func (o *Orchestrator) handleHello(_ context.Context, s *link.Session, m proto.Message) error {
	h, err := proto.DecodeHello(m.Payload)
	if err != nil {
		return o.drop(ReasonHello, err)
	}
	if h.PersonID != m.Sender || h.PersonID == o.person {
		return o.drop(ReasonHello, errors.New("hello does not match sender"))
	}
	if !crypto.IsPublicKey(h.PublicKey) {
		return o.drop(ReasonHello, crypto.ErrBadPublicKey)
	}
	keyID := crypto.KeyID(h.PublicKey)
	owner, bound := o.certs.PersonOfKey(keyID)
	switch {
	case bound && owner != h.PersonID:
		return o.drop(ReasonHello, cert.ErrKeyBound)
	case !bound && crypto.PersonID(h.PublicKey) != h.PersonID:
		return o.drop(ReasonHello, errors.New("key does not derive person id"))
	}
	if dialed := s.Peer(); dialed != "" && dialed != h.PersonID {
		go s.Disconnect()
		return o.drop(ReasonHello, errors.Errorf("dialed %s, answered by %s", dialed, h.PersonID))
	}

	o.mu.Lock()
	cur, ok := o.routes[s]
	if !ok {
		o.mu.Unlock()
		return nil
	}
	first := cur.hello == nil && !cur.verified
	if !cur.verified {
		cur.hello = &pendingHello{
			person:    h.PersonID,
			keyID:     keyID,
			pub:       h.PublicKey,
			bound:     bound,
			announced: announcedEndpoints(h.Endpoints),
		}
	}
	o.mu.Unlock()
	if !first {
		return nil
	}
	if m.Type == proto.MsgKeyExchange && s.Peer() == "" {
		s.Announce()
	}
	o.proveSelf(s, h.PersonID)
	return nil
}

func (o *Orchestrator) proveSelf(s *link.Session, person string) {
	_, err := o.sendOn(s, proto.Message{
		Sender:    o.person,
		Recipient: person,
		Sequence:  o.NextSequence(),
		Type:      proto.MsgAck,
		Payload:   proto.EncodeAckPayload(0),
	})
	if err != nil {
		o.log.Debug().Err(err).Str("peer", person).Msg("hello ack not sent")
	}
}

func (o *Orchestrator) pendingHelloOf(s *link.Session) *pendingHello {
	if s == nil {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if r, ok := o.routes[s]; ok {
		return r.hello
	}
	return nil
}

// confirmHello admits the person whose hello is pending on s, now that a
// signed frame from them verified there, and makes s their route.
func (o *Orchestrator) confirmHello(ctx context.Context, s *link.Session, h *pendingHello) error {
	r, _ := o.routeOf(s)
	endpoint := s.Endpoint()
	if !r.dialed {
		endpoint = h.announced[r.kind]
	}
	keys := appendUnique(o.certs.KeysOfPerson(h.person), h.keyID)
	p, err := o.registry.Admit(h.person, keys, r.kind, endpoint)
	if err != nil {
		if errors.Is(err, peer.ErrNotAdmitted) {
			go s.Disconnect()
		}
		return o.drop(ReasonNotAdmitted, err)
	}
	if !h.bound {
		if err := o.certs.BindKey(ctx, h.person, h.keyID); err != nil {
			return o.drop(ReasonHello, err)
		}
	}
	o.mu.Lock()
	if cur, ok := o.routes[s]; ok {
		cur.hello = nil
		cur.verified = true
		cur.announced = h.announced
	}
	o.mu.Unlock()
	o.bind(s, h.person)
	o.metrics.SetCurrentPeers(o.registry.Len())
	o.log.Debug().Str("peer", p.ID).Bool("paired", p.Paired).Str("transport", string(r.kind)).Msg("peer bound")
	return nil
}

// ProcessReceivedMessage runs the receive pipeline for one non-control
// message: sender admission, replay and duplicate suppression, signature
// check, rate limit, trust check, handler dispatch, then acknowledgement.
// Only after all of that is the sender's liveness refreshed.
func (o *Orchestrator) ProcessReceivedMessage(ctx context.Context, from *link.Session, m proto.Message) error {
	if m.Type.Control() {
		return o.drop(ReasonHandler, ErrControlType)
	}

	// 1. sender
	if m.Sender == "" {
		return o.drop(ReasonNoSender, nil)
	}
	if from != nil && from.Peer() != "" && from.Peer() != m.Sender {
		return o.drop(ReasonSenderMismatch, nil)
	}
	hello := o.pendingHelloOf(from)
	if hello != nil && hello.person != m.Sender {
		return o.drop(ReasonSenderMismatch, nil)
	}
	if m.Recipient != "" && m.Recipient != o.person {
		return o.drop(ReasonRecipient, nil)
	}
	known, hasPeer := o.registry.Get(m.Sender)
	if !hasPeer && hello == nil && !o.personTrusted(m.Sender) {
		return o.drop(ReasonUnknownSender, nil)
	}

	// 2. replays and duplicates
	if o.registry.Replayed(m.Sender, m.Sequence) {
		return o.drop(ReasonDuplicate, nil)
	}
	key := peer.SeenKey{Sender: m.Sender, Sequence: m.Sequence}
	if !o.seen.Claim(key) {
		return o.drop(ReasonDuplicate, nil)
	}

	// 3. signature
	info, ok := o.verify(m, hello)
	if !ok {
		o.seen.Release(key)
		return o.drop(ReasonSignature, nil)
	}

	// 4. rate, charged only once the sender is proven
	if !o.limiter(m.Sender).Allow() {
		o.seen.Release(key)
		return o.drop(ReasonRate, nil)
	}

	// 5. trust
	if hello != nil {
		if err := o.confirmHello(ctx, from, hello); err != nil {
			o.seen.Release(key)
			return err
		}
		known, hasPeer = o.registry.Get(m.Sender)
	}
	if !info.Trusted && !(hasPeer && known.Paired && o.registry.HasKey(m.Sender, info.KeyID)) {
		o.seen.Release(key)
		return o.drop(ReasonUntrusted, errors.New(info.Reason))
	}

	// 6. dispatch
	if err := o.dispatch(ctx, from, m, info.KeyID); err != nil {
		o.seen.Release(key)
		return o.drop(ReasonHandler, err)
	}

	// 7. record
	o.seen.Commit(key)
	o.metrics.IncDelivered(metrics.Header{Sender: m.Sender, Sequence: m.Sequence, Type: m.Type.String(), At: o.now()})

	// 8. acknowledge
	if m.Type != proto.MsgAck {
		o.ack(from, m)
	}
	o.noteAlive(from, m.Sender, m.Sequence)
	return nil
}

// verify finds the key that signed m among the sender's known keys, then
// the key announced by a hello pending on the same session.
func (o *Orchestrator) verify(m proto.Message, hello *pendingHello) (trust.KeyTrustInfo, bool) {
	sig := crypto.Signature{SignerID: m.Sender, Data: proto.SigningBytes(m), Sig: m.Signature}
	if info, ok := o.engine.FindKeyThatVerifiesSignature(sig); ok {
		return info, true
	}
	if hello != nil && crypto.VerifySignature(hello.pub, sig) {
		return o.engine.KeyTrust(hello.keyID), true
	}
	return trust.KeyTrustInfo{}, false
}

// personTrusted reports whether any key known for person is trusted.
func (o *Orchestrator) personTrusted(person string) bool {
	if crypto.IsKeyID(person) && o.engine.IsKeyTrusted(person) {
		return true
	}
	for _, k := range o.certs.KeysOfPerson(person) {
		if o.engine.IsKeyTrusted(k) {
			return true
		}
	}
	return false
}

// dispatch runs the built-in ingestion for m and then its handler. signer
// is the key id whose signature on m was verified.
func (o *Orchestrator) dispatch(ctx context.Context, from *link.Session, m proto.Message, signer string) error {
	switch m.Type {
	case proto.MsgAck:
		seq, err := proto.DecodeAckPayload(m.Payload)
		if err != nil {
			return err
		}
		// Sequence 0 is never sent; acking it answers a hello.
		if seq != 0 {
			o.metrics.IncAcked()
			o.log.Debug().Str("peer", m.Sender).Uint64("acked", seq).Msg("ack received")
		}
	case proto.MsgProfileSync:
		if err := o.ingestProfile(ctx, m, signer); err != nil {
			return err
		}
	case proto.MsgCertificateSync:
		if err := o.ingestCertificates(ctx, m); err != nil {
			return err
		}
	}
	if h := o.handler(m.Type); h != nil {
		return h(ctx, from, m)
	}
	return nil
}

func (o *Orchestrator) ack(from *link.Session, m proto.Message) {
	reply := proto.Message{
		Sender:    o.person,
		Recipient: m.Sender,
		Sequence:  o.NextSequence(),
		Type:      proto.MsgAck,
		Payload:   proto.EncodeAckPayload(m.Sequence),
	}
	var err error
	if from != nil {
		_, err = o.sendOn(from, reply)
	} else {
		_, err = o.SendMessage(context.Background(), reply)
	}
	if err != nil {
		o.log.Debug().Err(err).Str("peer", m.Sender).Uint64("seq", m.Sequence).Msg("ack not sent")
	}
}

func (o *Orchestrator) noteAlive(from *link.Session, sender string, seq uint64) {
	var (
		kind     peer.Transport
		endpoint string
	)
	if from != nil {
		if r, ok := o.routeOf(from); ok {
			kind = r.kind
			endpoint = from.Endpoint()
			if !r.dialed {
				endpoint = r.announced[r.kind]
			}
		}
	}
	if err := o.registry.Touch(sender, kind, endpoint); errors.Is(err, peer.ErrUnknownPeer) {
		if _, err := o.registry.Admit(sender, o.certs.KeysOfPerson(sender), kind, endpoint); err != nil {
			o.log.Debug().Err(err).Str("peer", sender).Msg("trusted sender not admitted")
		}
	}
	o.registry.ObserveSequence(sender, seq)
	if from == nil {
		return
	}
	o.mu.Lock()
	if cur, ok := o.routes[from]; ok {
		cur.verified = true
	}
	o.mu.Unlock()
	if from.Peer() == "" {
		o.bind(from, sender)
	}
}

func announcedEndpoints(endpoints []string) map[peer.Transport]string {
	out := make(map[peer.Transport]string, len(endpoints))
	for _, ep := range endpoints {
		parsed, err := network.ParseEndpoint(ep)
		if err != nil {
			continue
		}
		t := peer.Transport(parsed.Kind)
		if _, dup := out[t]; !dup {
			out[t] = ep
		}
	}
	return out
}

func appendUnique(list []string, v string) []string {
	for _, s := range list {
		if s == v {
			return list
		}
	}
	return append(list, v)
}
