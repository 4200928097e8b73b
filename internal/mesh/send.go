package mesh

import (
	"context"

	"github.com/pkg/errors"

	"chumnet/internal/link"
	"chumnet/internal/network"
	"chumnet/internal/peer"
	"chumnet/internal/proto"
)

// SendMessage delivers m to its recipient, or to every connected peer when
// the recipient is empty. Each broadcast copy is addressed to one peer.
// Sent means the bytes reached the transport; Queued means they wait in a
// session queue for the link to come back.
func (o *Orchestrator) SendMessage(ctx context.Context, m proto.Message) (link.Outcome, error) {
	if !m.Type.Valid() {
		return 0, errors.Errorf("unknown message type %d", m.Type)
	}
	m.Sender = o.person
	if m.Sequence == 0 {
		m.Sequence = o.NextSequence()
	}
	if m.IsBroadcast() {
		return o.broadcast(m)
	}
	s, err := o.pick(m.Recipient)
	if err != nil {
		return 0, err
	}
	return o.sendOn(s, m)
}

func (o *Orchestrator) sendOn(s *link.Session, m proto.Message) (link.Outcome, error) {
	out, err := s.Send(m)
	if err != nil {
		return 0, errors.Wrapf(err, "send %s to %s", m.Type, m.Recipient)
	}
	o.metrics.IncSent(out == link.Queued)
	return out, nil
}

func (o *Orchestrator) broadcast(m proto.Message) (link.Outcome, error) {
	targets := o.connectedPeers()
	if len(targets) == 0 {
		return 0, ErrNoPeers
	}
	outcome := link.Sent
	var firstErr error
	delivered := 0
	for _, t := range targets {
		cp := m
		cp.Recipient = t.person
		out, err := o.sendOn(t.sess, cp)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		delivered++
		if out == link.Queued {
			outcome = link.Queued
		}
	}
	if delivered == 0 {
		return 0, firstErr
	}
	return outcome, nil
}

type target struct {
	person string
	sess   *link.Session
}

// connectedPeers lists, per peer, the preferred connected session.
func (o *Orchestrator) connectedPeers() []target {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]target, 0, len(o.byPeer))
	for person, kinds := range o.byPeer {
		for _, t := range peer.Preference {
			if s, ok := kinds[t]; ok && s.State() == link.Connected {
				out = append(out, target{person: person, sess: s})
				break
			}
		}
	}
	return out
}

// pick chooses the session for a direct send: the first connected one in
// transport preference order, else the first existing one, else a new
// session dialed from the peer's known reachability.
func (o *Orchestrator) pick(person string) (*link.Session, error) {
	sessions := o.sessionsOf(person)
	for _, s := range sessions {
		if s.State() == link.Connected {
			return s, nil
		}
	}
	if len(sessions) > 0 {
		return sessions[0], nil
	}
	p, ok := o.registry.Get(person)
	if !ok {
		return nil, errors.Wrap(peer.ErrUnknownPeer, person)
	}
	if o.opts.Dialer == nil {
		return nil, errors.Wrap(ErrNoRoute, person)
	}
	for _, t := range peer.Preference {
		endpoint := p.Reachability[t]
		if endpoint == "" {
			continue
		}
		if _, err := network.ParseEndpoint(endpoint); err != nil {
			continue
		}
		tr, err := o.opts.Dialer.NewTransport(string(t))
		if err != nil {
			continue
		}
		s := o.newSession(tr, t, endpoint)
		r := &route{sess: s, kind: t, dialed: true}
		if err := o.track(r); err != nil {
			return nil, err
		}
		o.bind(s, person)
		o.redial(r)
		return s, nil
	}
	return nil, errors.Wrap(ErrNoRoute, person)
}
