package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

type Config struct {
	// Level is one of debug, info, warn, error. Empty means info.
	Level string
	// JSON switches from the console writer to line-delimited JSON.
	JSON   bool
	Output io.Writer
}

func ParseLevel(s string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return zerolog.InfoLevel, nil
	case "debug":
		return zerolog.DebugLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	}
	return zerolog.NoLevel, errors.Errorf("unknown log level %q", s)
}

func New(cfg Config) (zerolog.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), err
	}
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if !cfg.JSON {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger(), nil
}

// Limiter lets one line per key through each interval. Stale keys are
// swept once the map has been idle for a couple of intervals.
type Limiter struct {
	interval time.Duration
	now      func() time.Time

	mu    sync.Mutex
	last  map[string]time.Time
	sweep time.Time
}

func NewLimiter(interval time.Duration) *Limiter {
	return &Limiter{interval: interval, now: time.Now, last: make(map[string]time.Time)}
}

func (l *Limiter) Allow(key string) bool {
	if key == "" {
		return false
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if last, ok := l.last[key]; ok && now.Sub(last) < l.interval {
		return false
	}
	l.last[key] = now
	if now.Sub(l.sweep) > 2*l.interval {
		for k, ts := range l.last {
			if now.Sub(ts) > 4*l.interval {
				delete(l.last, k)
			}
		}
		l.sweep = now
	}
	return true
}

// Debug returns a debug event for key, or nil when the key is throttled.
// zerolog treats a nil event as disabled.
func (l *Limiter) Debug(log zerolog.Logger, key string) *zerolog.Event {
	if !l.Allow(key) {
		return nil
	}
	return log.Debug()
}

func (l *Limiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.last)
}
