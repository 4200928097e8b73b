package logging

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewJSONRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(Config{Level: "warn", JSON: true, Output: &buf})
	require.NoError(t, err)
	log.Info().Msg("hidden")
	log.Warn().Str("peer", "did:chum:x").Msg("shown")
	require.NotContains(t, buf.String(), "hidden")
	require.Contains(t, buf.String(), `"peer":"did:chum:x"`)
}

func TestParseLevel(t *testing.T) {
	for _, s := range []string{"", "info", "DEBUG", "warning", "error"} {
		_, err := ParseLevel(s)
		require.NoError(t, err, s)
	}
	_, err := New(Config{Level: "loud"})
	require.Error(t, err)
}

func TestLimiterThrottlesPerKey(t *testing.T) {
	now := time.Unix(1000, 0)
	l := NewLimiter(time.Second)
	l.now = func() time.Time { return now }

	require.True(t, l.Allow("a"))
	require.False(t, l.Allow("a"))
	require.True(t, l.Allow("b"))
	require.False(t, l.Allow(""))

	now = now.Add(time.Second)
	require.True(t, l.Allow("a"))

	now = now.Add(10 * time.Second)
	require.True(t, l.Allow("c"))
	require.Equal(t, 1, l.size(), "stale keys swept")
}

func TestLimiterDebugNilWhenThrottled(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(Config{Level: "debug", JSON: true, Output: &buf})
	require.NoError(t, err)
	l := NewLimiter(time.Hour)
	l.Debug(log, "k").Msg("first")
	l.Debug(log, "k").Msg("second")
	require.Contains(t, buf.String(), "first")
	require.NotContains(t, buf.String(), "second")
}
