package network

import (
	"testing"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/require"
)

func TestParseEndpoint(t *testing.T) {
	cases := []struct {
		in   string
		kind string
		addr string
	}{
		{"/ip4/10.0.0.2/udp/4242/quic-v1", KindQUIC, "10.0.0.2:4242"},
		{"/ip4/10.0.0.2/tcp/4243/ws", KindWS, "10.0.0.2:4243"},
		{"/ip6/::1/udp/9000/quic-v1", KindQUIC, "[::1]:9000"},
		{"/dns/node.example/tcp/80/ws", KindWS, "node.example:80"},
	}
	for _, tc := range cases {
		ep, err := ParseEndpoint(tc.in)
		require.NoError(t, err, tc.in)
		require.Equal(t, tc.kind, ep.Kind)
		require.Equal(t, tc.addr, ep.Addr)
	}

	for _, bad := range []string{
		"",
		"10.0.0.2:4242",
		"/ip4/10.0.0.2/udp/4242",
		"/ip4/10.0.0.2/tcp/4243",
		"/ip4/10.0.0.2",
	} {
		_, err := ParseEndpoint(bad)
		require.ErrorIs(t, err, ErrEndpoint, bad)
	}
}

func TestEndpointURL(t *testing.T) {
	ep, err := ParseEndpoint("/ip4/127.0.0.1/tcp/4243/ws")
	require.NoError(t, err)
	require.Equal(t, "ws://127.0.0.1:4243/chum", ep.URL())

	ep, err = ParseEndpoint("/ip4/127.0.0.1/udp/4242/quic-v1")
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:4242", ep.URL())
}

func TestFormatEndpointRoundTrip(t *testing.T) {
	s, err := FormatEndpoint(KindQUIC, "127.0.0.1:4242")
	require.NoError(t, err)
	require.Equal(t, "/ip4/127.0.0.1/udp/4242/quic-v1", s)
	ep, err := ParseEndpoint(s)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:4242", ep.Addr)

	s, err = FormatEndpoint(KindWS, ":8080")
	require.NoError(t, err)
	require.Equal(t, "/ip4/0.0.0.0/tcp/8080/ws", s)

	_, err = FormatEndpoint("carrier-pigeon", "127.0.0.1:1")
	require.ErrorIs(t, err, ErrEndpoint)
	_, err = FormatEndpoint(KindWS, "127.0.0.1:0")
	require.Error(t, err)
	_, err = FormatEndpoint(KindWS, "nope")
	require.Error(t, err)
}

func TestDialerKinds(t *testing.T) {
	d := Dialer{}
	tr, err := d.NewTransport(KindQUIC)
	require.NoError(t, err)
	require.IsType(t, &QUICTransport{}, tr)
	tr, err = d.NewTransport(KindWS)
	require.NoError(t, err)
	require.IsType(t, &WSTransport{}, tr)
	_, err = d.NewTransport("pipe")
	require.ErrorIs(t, err, ErrEndpoint)
}

func TestParseServiceEntry(t *testing.T) {
	quicEp := "/ip4/192.168.1.4/udp/4242/quic-v1"
	wsEp := "/ip4/192.168.1.4/tcp/4243/ws"

	entry := &zeroconf.ServiceEntry{Text: encodeTXT("did:chum:abc", []string{quicEp, wsEp})}
	s, ok := parseEntry(entry)
	require.True(t, ok)
	require.Equal(t, "did:chum:abc", s.PersonID)
	require.Equal(t, []string{quicEp, wsEp}, s.Endpoints)

	entry = &zeroconf.ServiceEntry{Text: []string{"id=did:chum:abc", "ep=garbage", "junk"}}
	_, ok = parseEntry(entry)
	require.False(t, ok, "no usable endpoint")

	entry = &zeroconf.ServiceEntry{Text: []string{"ep=" + quicEp}}
	_, ok = parseEntry(entry)
	require.False(t, ok, "no person id")

	_, ok = parseEntry(nil)
	require.False(t, ok)
}

func TestMergeEndpoints(t *testing.T) {
	got := mergeEndpoints([]string{"a", "b"}, []string{"b", "c", "a", "d"})
	require.Equal(t, []string{"a", "b", "c", "d"}, got)
}
