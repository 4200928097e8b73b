package network

import (
	"net"
	"strconv"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/pkg/errors"
)

const (
	KindQUIC = "quic"
	KindWS   = "ws"

	// WSPath is where WebSocket listeners accept peers.
	WSPath = "/chum"
)

var ErrEndpoint = errors.New("unsupported endpoint")

// Endpoint is a parsed multiaddr such as /ip4/10.0.0.2/udp/4242/quic-v1 or
// /ip4/10.0.0.2/tcp/4243/ws.
type Endpoint struct {
	Kind string
	// Addr is host:port for dialing.
	Addr string
}

func (e Endpoint) URL() string {
	if e.Kind == KindWS {
		return "ws://" + e.Addr + WSPath
	}
	return e.Addr
}

func ParseEndpoint(s string) (Endpoint, error) {
	m, err := ma.NewMultiaddr(s)
	if err != nil {
		return Endpoint{}, errors.Wrapf(ErrEndpoint, "%q: %v", s, err)
	}
	host, err := hostOf(m)
	if err != nil {
		return Endpoint{}, errors.Wrapf(ErrEndpoint, "%q: %v", s, err)
	}
	if port, err := m.ValueForProtocol(ma.P_UDP); err == nil {
		if _, err := m.ValueForProtocol(ma.P_QUIC_V1); err != nil {
			return Endpoint{}, errors.Wrapf(ErrEndpoint, "%q: udp without quic-v1", s)
		}
		return Endpoint{Kind: KindQUIC, Addr: net.JoinHostPort(host, port)}, nil
	}
	if port, err := m.ValueForProtocol(ma.P_TCP); err == nil {
		if _, err := m.ValueForProtocol(ma.P_WS); err != nil {
			return Endpoint{}, errors.Wrapf(ErrEndpoint, "%q: tcp without ws", s)
		}
		return Endpoint{Kind: KindWS, Addr: net.JoinHostPort(host, port)}, nil
	}
	return Endpoint{}, errors.Wrapf(ErrEndpoint, "%q: no transport", s)
}

func hostOf(m ma.Multiaddr) (string, error) {
	for _, code := range []int{ma.P_IP4, ma.P_IP6, ma.P_DNS} {
		if v, err := m.ValueForProtocol(code); err == nil {
			return v, nil
		}
	}
	return "", errors.New("no host")
}

// FormatEndpoint builds the multiaddr for a listener bound to hostport.
func FormatEndpoint(kind, hostport string) (string, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return "", errors.Wrap(err, "split host port")
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", errors.Errorf("bad port %q", portStr)
	}
	if host == "" {
		host = "0.0.0.0"
	}
	prefix := "/dns/"
	if ip := net.ParseIP(host); ip != nil {
		prefix = "/ip4/"
		if ip.To4() == nil {
			prefix = "/ip6/"
		}
	}
	var s string
	switch kind {
	case KindQUIC:
		s = prefix + host + "/udp/" + portStr + "/quic-v1"
	case KindWS:
		s = prefix + host + "/tcp/" + portStr + "/ws"
	default:
		return "", errors.Wrapf(ErrEndpoint, "kind %q", kind)
	}
	m, err := ma.NewMultiaddr(s)
	if err != nil {
		return "", errors.Wrap(err, "build multiaddr")
	}
	return m.String(), nil
}
