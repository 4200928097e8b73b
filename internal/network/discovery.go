package network

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	ServiceType   = "_chum._udp"
	serviceDomain = "local."
	browseWindow  = 3 * time.Second

	txtID       = "id"
	txtEndpoint = "ep"
)

// Sighting is a peer announced on the local network.
type Sighting struct {
	PersonID  string
	Endpoints []string
}

type MDNSOptions struct {
	// Instance is the announced service name, usually derived from the
	// local person id.
	Instance  string
	PersonID  string
	Port      int
	Endpoints []string
	Logger    zerolog.Logger
}

// MDNS announces the local node and browses for others over mDNS.
type MDNS struct {
	opts MDNSOptions

	mu     sync.Mutex
	server *zeroconf.Server
}

func NewMDNS(opts MDNSOptions) *MDNS {
	return &MDNS{opts: opts}
}

func (m *MDNS) Announce() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.server != nil {
		return nil
	}
	srv, err := zeroconf.Register(m.opts.Instance, ServiceType, serviceDomain, m.opts.Port, encodeTXT(m.opts.PersonID, m.opts.Endpoints), nil)
	if err != nil {
		return errors.Wrap(err, "mdns register")
	}
	m.server = srv
	m.opts.Logger.Info().Str("instance", m.opts.Instance).Int("port", m.opts.Port).Msg("mdns announced")
	return nil
}

func (m *MDNS) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.server != nil {
		m.server.Shutdown()
		m.server = nil
	}
}

// Browse collects announcements for a short window. The local node is
// filtered out by person id.
func (m *MDNS) Browse(ctx context.Context) ([]Sighting, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, errors.Wrap(err, "mdns resolver")
	}
	entries := make(chan *zeroconf.ServiceEntry, 32)
	bctx, cancel := context.WithTimeout(ctx, browseWindow)
	defer cancel()

	if err := resolver.Browse(bctx, ServiceType, serviceDomain, entries); err != nil {
		return nil, errors.Wrap(err, "mdns browse")
	}
	var out []Sighting
	seen := make(map[string]int)
	for {
		select {
		case <-bctx.Done():
			return out, nil
		case entry, ok := <-entries:
			if !ok {
				return out, nil
			}
			s, ok := parseEntry(entry)
			if !ok || s.PersonID == m.opts.PersonID {
				continue
			}
			if i, dup := seen[s.PersonID]; dup {
				out[i].Endpoints = mergeEndpoints(out[i].Endpoints, s.Endpoints)
				continue
			}
			seen[s.PersonID] = len(out)
			out = append(out, s)
		}
	}
}

func encodeTXT(personID string, endpoints []string) []string {
	txt := []string{txtID + "=" + personID}
	for _, ep := range endpoints {
		txt = append(txt, txtEndpoint+"="+ep)
	}
	return txt
}

func parseEntry(entry *zeroconf.ServiceEntry) (Sighting, bool) {
	if entry == nil {
		return Sighting{}, false
	}
	var s Sighting
	for _, rec := range entry.Text {
		key, value, ok := strings.Cut(rec, "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case txtID:
			s.PersonID = strings.TrimSpace(value)
		case txtEndpoint:
			ep := strings.TrimSpace(value)
			if _, err := ParseEndpoint(ep); err == nil {
				s.Endpoints = append(s.Endpoints, ep)
			}
		}
	}
	if s.PersonID == "" || len(s.Endpoints) == 0 {
		return Sighting{}, false
	}
	return s, true
}

func mergeEndpoints(have, more []string) []string {
	for _, ep := range more {
		dup := false
		for _, h := range have {
			if h == ep {
				dup = true
				break
			}
		}
		if !dup {
			have = append(have, ep)
		}
	}
	return have
}
