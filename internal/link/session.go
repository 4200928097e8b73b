// Package link drives one transport connection: its lifecycle, outbound
// queue, heartbeat and the signature check on inbound frames.
package link

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"chumnet/internal/crypto"
	"chumnet/internal/proto"
)

const (
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultLivenessMultiple  = 3
	DefaultQueueCap          = 64
)

type State int32

const (
	NotConnected State = iota
	Connecting
	Connected
	Disconnecting
)

func (s State) String() string {
	switch s {
	case NotConnected:
		return "not_connected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	}
	return "unknown"
}

type Outcome int

const (
	Sent Outcome = iota + 1
	Queued
)

func (o Outcome) String() string {
	if o == Sent {
		return "sent"
	}
	return "queued"
}

type DeliveryKind int

const (
	DeliverMessage DeliveryKind = iota + 1
	DeliverState
	DeliverTimeout
)

// Delivery is what a session reports to its owner through the inbox.
type Delivery struct {
	Session *Session
	Kind    DeliveryKind
	Message proto.Message
	State   State
}

var (
	ErrBadState = errors.New("session not in a state that allows this")
	ErrShutdown = errors.New("session shut down")
)

type Options struct {
	// Kind labels the transport, e.g. "quic".
	Kind     string
	Endpoint string
	// LocalID is stamped as sender on outbound messages.
	LocalID string
	// Key signs outbound non-control messages and is announced by
	// KeyExchange on open. A zero key sends unsigned.
	Key       crypto.KeyPair
	Endpoints []string

	HeartbeatInterval time.Duration
	LivenessMultiple  int
	QueueCap          int

	// Inbox receives state changes and inbound messages. Signatures are
	// checked by the owner, which knows the sender's keys.
	Inbox chan<- Delivery
	// Dropped is told why an inbound or queued frame was discarded.
	Dropped func(reason string)
	Logger  zerolog.Logger
	Now     func() time.Time
}

type Session struct {
	t        Transport
	opts     Options
	interval time.Duration
	liveness time.Duration
	log      zerolog.Logger
	now      func() time.Time

	// sendMu orders every write to the transport, including queue drains.
	sendMu sync.Mutex

	mu       sync.Mutex
	state    State
	queue    *outQueue
	lastRecv time.Time
	timedOut bool
	peerID   string
	accepted bool

	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

func NewSession(t Transport, opts Options) *Session {
	interval := opts.HeartbeatInterval
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	multiple := opts.LivenessMultiple
	if multiple <= 0 {
		multiple = DefaultLivenessMultiple
	}
	qcap := opts.QueueCap
	if qcap <= 0 {
		qcap = DefaultQueueCap
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Session{
		t:        t,
		opts:     opts,
		interval: interval,
		liveness: time.Duration(multiple) * interval,
		log:      opts.Logger.With().Str("transport", opts.Kind).Str("endpoint", opts.Endpoint).Logger(),
		now:      now,
		state:    NotConnected,
		queue:    newOutQueue(qcap),
		done:     make(chan struct{}),
	}
}

func (s *Session) Kind() string     { return s.opts.Kind }
func (s *Session) Endpoint() string { return s.opts.Endpoint }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Peer is the remote id learned from KeyExchange, empty until then.
func (s *Session) Peer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerID
}

func (s *Session) SetPeer(id string) {
	s.mu.Lock()
	s.peerID = id
	s.mu.Unlock()
}

func (s *Session) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.len()
}

// Connect dials endpoint. The session is Connecting until the transport
// reports it opened.
func (s *Session) Connect(ctx context.Context, endpoint string) error {
	if err := s.transition(NotConnected, Connecting); err != nil {
		return err
	}
	s.start()
	if err := s.t.Open(ctx, endpoint); err != nil {
		s.setState(NotConnected)
		return errors.Wrap(err, "open transport")
	}
	return nil
}

// Accept adopts an already established inbound connection. There is no
// per-peer handshake on the listening side, so the session is Connected
// at once.
func (s *Session) Accept() error {
	if err := s.transition(NotConnected, Connected); err != nil {
		return err
	}
	s.mu.Lock()
	s.accepted = true
	s.mu.Unlock()
	s.start()
	s.deliver(Delivery{Session: s, Kind: DeliverState, State: Connected})
	s.onConnected()
	return nil
}

// Disconnect closes the transport from any state and always ends in
// NotConnected. Queued messages are kept for the next connection.
func (s *Session) Disconnect() {
	s.mu.Lock()
	prev := s.state
	s.state = Disconnecting
	s.mu.Unlock()
	if err := s.t.Close(); err != nil {
		s.log.Debug().Err(err).Msg("transport close")
	}
	s.setState(NotConnected)
	if prev != NotConnected {
		s.log.Debug().Str("from", prev.String()).Msg("session disconnected")
	}
}

// Close stops the event loop for good and disconnects. Deliveries still
// pending when the owner stopped reading are abandoned.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.done) })
	s.Disconnect()
	s.wg.Wait()
}

// Accepted reports whether the session was adopted from a listener.
func (s *Session) Accepted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// Handover moves every frame queued on s ahead of the frames queued on to,
// keeping their order, and drains to if it is connected. It is used when a
// peer comes back over a new link.
func (s *Session) Handover(to *Session) int {
	if s == to {
		return 0
	}
	s.mu.Lock()
	frames := s.queue.takeAll()
	s.mu.Unlock()
	if len(frames) == 0 {
		return 0
	}
	to.sendMu.Lock()
	to.mu.Lock()
	dropped := to.queue.prepend(frames)
	connected := to.state == Connected
	to.mu.Unlock()
	to.sendMu.Unlock()
	to.noteDropped(dropped)
	if connected {
		to.drain()
	}
	return len(frames)
}

// Send signs and encodes m and writes it, or queues it while the session
// is not Connected or older messages are still waiting.
func (s *Session) Send(m proto.Message) (Outcome, error) {
	select {
	case <-s.done:
		return 0, ErrShutdown
	default:
	}
	data, err := s.encode(m)
	if err != nil {
		return 0, err
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	s.mu.Lock()
	if s.state != Connected || s.queue.len() > 0 {
		dropped := s.queue.push(data)
		s.mu.Unlock()
		s.noteDropped(dropped)
		return Queued, nil
	}
	s.mu.Unlock()
	if err := s.t.Send(data); err != nil {
		s.log.Debug().Err(err).Msg("send failed, queued for retry")
		s.mu.Lock()
		dropped := s.queue.push(data)
		s.mu.Unlock()
		s.noteDropped(dropped)
		return Queued, nil
	}
	return Sent, nil
}

func (s *Session) encode(m proto.Message) ([]byte, error) {
	if m.Sender == "" {
		m.Sender = s.opts.LocalID
	}
	if m.Timestamp == 0 {
		m.Timestamp = uint64(s.now().UnixMilli())
	}
	if !m.Type.Control() && s.opts.Key.HasPrivate() {
		sig, err := crypto.SignBytes(s.opts.Key.PrivateKey, proto.SigningBytes(m))
		if err != nil {
			return nil, errors.Wrap(err, "sign message")
		}
		m.Signature = sig
	}
	return proto.EncodeMessage(m)
}

func (s *Session) noteDropped(n int) {
	for i := 0; i < n; i++ {
		s.drop("queue_overflow")
	}
}

func (s *Session) drop(reason string) {
	s.log.Debug().Str("reason", reason).Msg("frame dropped")
	if s.opts.Dropped != nil {
		s.opts.Dropped(reason)
	}
}

// Expired reports whether a Connected session has heard nothing for the
// liveness window.
func (s *Session) Expired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == Connected && now.Sub(s.lastRecv) >= s.liveness
}

// CheckLiveness reports a timeout to the owner once per silent period.
func (s *Session) CheckLiveness(now time.Time) bool {
	s.mu.Lock()
	expired := s.state == Connected && now.Sub(s.lastRecv) >= s.liveness
	first := expired && !s.timedOut
	if first {
		s.timedOut = true
	}
	s.mu.Unlock()
	if first {
		s.log.Info().Dur("silence", now.Sub(s.lastRecvAt())).Msg("liveness timeout")
		s.deliver(Delivery{Session: s, Kind: DeliverTimeout})
	}
	return expired
}

func (s *Session) lastRecvAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRecv
}

func (s *Session) transition(from, to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != from {
		return errors.Wrapf(ErrBadState, "%s to %s from %s", from, to, s.state)
	}
	s.state = to
	if to == Connected {
		s.lastRecv = s.now()
		s.timedOut = false
	}
	return nil
}

func (s *Session) setState(to State) {
	s.mu.Lock()
	changed := s.state != to
	s.state = to
	if to == Connected {
		s.lastRecv = s.now()
		s.timedOut = false
	}
	s.mu.Unlock()
	if changed && to != Disconnecting {
		s.deliver(Delivery{Session: s, Kind: DeliverState, State: to})
	}
}

func (s *Session) start() {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.loop()
	})
}

func (s *Session) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	events := s.t.Events()
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-events:
			if !ok {
				s.setState(NotConnected)
				return
			}
			s.handleEvent(ev)
		case <-ticker.C:
			s.tick(s.now())
		}
	}
}

func (s *Session) handleEvent(ev Event) {
	switch ev.Kind {
	case EventOpened:
		// An open left over from before a Disconnect is ignored. Accepted
		// sessions may be reopened by the remote side.
		s.mu.Lock()
		want := s.state == Connecting || (s.accepted && s.state == NotConnected)
		s.mu.Unlock()
		if !want {
			return
		}
		s.setState(Connected)
		s.onConnected()
	case EventClosed:
		if ev.Err != nil {
			s.log.Debug().Err(ev.Err).Msg("transport closed")
		}
		s.setState(NotConnected)
	case EventBytes:
		s.handleBytes(ev.Data)
	}
}

func (s *Session) onConnected() {
	s.sendKeyExchange()
	s.drain()
}

func (s *Session) tick(now time.Time) {
	if s.CheckLiveness(now) {
		return
	}
	if s.State() != Connected {
		return
	}
	if s.QueueLen() > 0 {
		s.drain()
		return
	}
	s.sendControl(proto.Message{Type: proto.MsgHeartbeat})
}

// Announce sends the local Hello again, e.g. in answer to a peer whose
// first KeyExchange arrived before this side was open.
func (s *Session) Announce() {
	s.sendKeyExchange()
}

func (s *Session) sendKeyExchange() {
	if len(s.opts.Key.PublicKey) == 0 || s.opts.LocalID == "" {
		return
	}
	payload, err := proto.EncodeHello(proto.Hello{
		PersonID:  s.opts.LocalID,
		PublicKey: s.opts.Key.PublicKey,
		Endpoints: s.opts.Endpoints,
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("key exchange payload")
		return
	}
	s.sendControl(proto.Message{Type: proto.MsgKeyExchange, Payload: payload})
}

// sendControl writes an unsigned control message directly. Control
// messages are never queued.
func (s *Session) sendControl(m proto.Message) {
	if s.opts.LocalID == "" {
		return
	}
	data, err := s.encode(m)
	if err != nil {
		return
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.State() != Connected {
		return
	}
	if err := s.t.Send(data); err != nil {
		s.log.Debug().Err(err).Str("type", m.Type.String()).Msg("control send failed")
	}
}

// drain sends queued messages in order and stops at the first failure so
// nothing is reordered.
func (s *Session) drain() {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	sent := 0
	for {
		s.mu.Lock()
		if s.state != Connected {
			s.mu.Unlock()
			break
		}
		data, ok := s.queue.front()
		s.mu.Unlock()
		if !ok {
			break
		}
		if err := s.t.Send(data); err != nil {
			s.log.Debug().Err(err).Int("sent", sent).Msg("queue drain interrupted")
			break
		}
		s.mu.Lock()
		s.queue.pop()
		s.mu.Unlock()
		sent++
	}
	if sent > 0 {
		s.log.Debug().Int("sent", sent).Msg("queue drained")
	}
}

func (s *Session) handleBytes(data []byte) {
	s.mu.Lock()
	s.lastRecv = s.now()
	s.timedOut = false
	s.mu.Unlock()

	m, err := proto.DecodeMessage(data)
	if err != nil {
		s.drop("decode")
		return
	}
	if m.Type == proto.MsgHeartbeat {
		return
	}
	if !m.Type.Control() {
		if !m.Signed() {
			s.drop("unsigned")
			return
		}
	}
	s.deliver(Delivery{Session: s, Kind: DeliverMessage, Message: m})
}

func (s *Session) deliver(d Delivery) {
	if s.opts.Inbox == nil {
		return
	}
	select {
	case s.opts.Inbox <- d:
	case <-s.done:
	}
}
