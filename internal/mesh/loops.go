package mesh

import (
	"context"
	"time"

	"chumnet/internal/link"
	"chumnet/internal/network"
	"chumnet/internal/peer"
)

func (o *Orchestrator) maintainLoop(ctx context.Context) {
	cleanup := time.NewTicker(o.opts.CleanupInterval)
	defer cleanup.Stop()
	interval := o.opts.HeartbeatInterval
	if interval <= 0 {
		interval = link.DefaultHeartbeatInterval
	}
	reconnect := time.NewTicker(interval)
	defer reconnect.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-cleanup.C:
			o.sweep(o.now())
		case <-reconnect.C:
			o.reconnect(o.now())
		}
	}
}

// sweep evicts idle peers and marks peers whose link went silent for the
// liveness window as unreachable.
func (o *Orchestrator) sweep(now time.Time) {
	for _, id := range o.registry.Expire() {
		o.seen.Forget(id)
		o.mu.Lock()
		delete(o.limiters, id)
		var closing []*link.Session
		for _, s := range o.byPeer[id] {
			delete(o.routes, s)
			closing = append(closing, s)
		}
		delete(o.byPeer, id)
		o.mu.Unlock()
		for _, s := range closing {
			go s.Close()
		}
		o.log.Info().Str("peer", id).Msg("peer expired")
	}
	for _, s := range o.Sessions() {
		if id := s.Peer(); id != "" && s.Expired(now) {
			o.registry.MarkUnreachable(id)
		}
	}
	o.metrics.SetCurrentPeers(o.registry.Len())
	o.metrics.SetCurrentSessions(o.connectedCount())
}

// reconnect redials dropped outbound sessions whose backoff has elapsed.
func (o *Orchestrator) reconnect(now time.Time) {
	o.mu.Lock()
	var due []*route
	for _, r := range o.routes {
		if !r.dialed || r.dialing || r.sess.State() != link.NotConnected {
			continue
		}
		if r.sess.Peer() == "" && r.sess.QueueLen() == 0 {
			continue
		}
		if now.Before(r.nextTry) {
			continue
		}
		due = append(due, r)
	}
	o.mu.Unlock()
	for _, r := range due {
		o.redial(r)
	}
}

// redial connects r in the background. Transports bound their own dial
// time, so the orchestrator's context is not needed here.
func (o *Orchestrator) redial(r *route) {
	o.mu.Lock()
	if r.dialing {
		o.mu.Unlock()
		return
	}
	r.dialing = true
	o.mu.Unlock()
	go func() {
		err := r.sess.Connect(context.Background(), r.sess.Endpoint())
		o.mu.Lock()
		r.dialing = false
		o.mu.Unlock()
		if err != nil {
			o.log.Debug().Err(err).Str("endpoint", r.sess.Endpoint()).Msg("redial failed")
			o.noteDialFailure(r.sess)
		}
	}()
}

func (o *Orchestrator) noteDialFailure(s *link.Session) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.routes[s]
	if !ok {
		return
	}
	r.fails++
	r.nextTry = o.now().Add(o.backoffLocked(r.fails))
}

// backoffLocked doubles from backoffBase per failure, with jitter, up to
// maxBackoff.
func (o *Orchestrator) backoffLocked(fails int) time.Duration {
	shift := fails - 1
	if shift < 0 {
		shift = 0
	}
	if shift > 16 {
		shift = 16
	}
	d := backoffBase*time.Duration(1<<shift) + time.Duration(o.rng.Int63n(int64(backoffJitter)))
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

func (o *Orchestrator) discoveryLoop(ctx context.Context) {
	if o.opts.Discovery == nil {
		return
	}
	ticker := time.NewTicker(o.opts.DiscoveryInterval)
	defer ticker.Stop()
	o.discover(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.discover(ctx)
		}
	}
}

// discover dials every announced peer that has no session yet. Admission
// happens once its KeyExchange arrives.
func (o *Orchestrator) discover(ctx context.Context) {
	sightings, err := o.opts.Discovery.Browse(ctx)
	if err != nil {
		o.log.Debug().Err(err).Msg("discovery browse failed")
		return
	}
	for _, s := range sightings {
		if s.PersonID == o.person || len(o.sessionsOf(s.PersonID)) > 0 {
			continue
		}
		ep, ok := preferredEndpoint(s.Endpoints)
		if !ok {
			continue
		}
		o.log.Debug().Str("peer", s.PersonID).Str("endpoint", ep).Msg("dialing discovered peer")
		if _, err := o.Dial(ctx, ep, s.PersonID); err != nil {
			o.log.Debug().Err(err).Str("peer", s.PersonID).Msg("discovered peer not reachable")
		}
	}
}

func preferredEndpoint(endpoints []string) (string, bool) {
	byKind := announcedEndpoints(endpoints)
	for _, t := range peer.Preference {
		if ep, ok := byKind[t]; ok {
			return ep, true
		}
	}
	return "", false
}

// DialBootstrap connects to fixed endpoints at startup. Failures are
// retried by the reconnect loop.
func (o *Orchestrator) DialBootstrap(ctx context.Context, endpoints []string) {
	for _, ep := range endpoints {
		if _, err := network.ParseEndpoint(ep); err != nil {
			o.log.Warn().Err(err).Str("endpoint", ep).Msg("bad bootstrap endpoint")
			continue
		}
		if _, err := o.Dial(ctx, ep, ""); err != nil {
			o.log.Info().Err(err).Str("endpoint", ep).Msg("bootstrap dial failed")
		}
	}
}
