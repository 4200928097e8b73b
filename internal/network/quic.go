package network

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	quic "github.com/quic-go/quic-go"
	"github.com/rs/zerolog"

	"chumnet/internal/link"
	"chumnet/internal/proto"
)

const (
	dialTimeout      = 8 * time.Second
	handshakeTimeout = 10 * time.Second
	eventBuffer      = 256
)

var ErrAccepted = errors.New("accepted transport cannot redial")

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  60 * time.Second,
		KeepAlivePeriod: 15 * time.Second,
	}
}

// Inbound is a connection accepted by a listener, ready for a session.
type Inbound struct {
	Transport link.Transport
	Kind      string
	Remote    string
}

type quicConn struct {
	conn    *quic.Conn
	stream  *quic.Stream
	done    chan struct{}
	release func()
	once    sync.Once
}

// QUICTransport carries length-prefixed frames over one bidirectional
// QUIC stream.
type QUICTransport struct {
	log      zerolog.Logger
	events   chan link.Event
	accepted bool

	mu      sync.Mutex
	cur     *quicConn
	writeMu sync.Mutex
}

func NewQUICTransport(log zerolog.Logger) *QUICTransport {
	return &QUICTransport{log: log, events: make(chan link.Event, eventBuffer)}
}

func (t *QUICTransport) Events() <-chan link.Event { return t.events }

func (t *QUICTransport) Open(ctx context.Context, endpoint string) error {
	if t.accepted {
		return ErrAccepted
	}
	ep, err := ParseEndpoint(endpoint)
	if err != nil {
		return err
	}
	if ep.Kind != KindQUIC {
		return errors.Wrapf(ErrEndpoint, "%q is not a quic endpoint", endpoint)
	}
	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, err := quic.DialAddr(dctx, ep.Addr, clientTLSConfig(), quicConfig())
	if err != nil {
		return errors.Wrapf(err, "quic dial %s", ep.Addr)
	}
	stream, err := conn.OpenStreamSync(dctx)
	if err != nil {
		_ = conn.CloseWithError(0, "no stream")
		return errors.Wrap(err, "quic open stream")
	}
	t.log.Debug().Str("addr", ep.Addr).Msg("quic connected")
	t.attach(&quicConn{conn: conn, stream: stream, done: make(chan struct{})})
	t.emit(nil, link.Event{Kind: link.EventOpened})
	return nil
}

func (t *QUICTransport) attach(c *quicConn) {
	t.mu.Lock()
	t.cur = c
	t.mu.Unlock()
	go t.readLoop(c)
}

func (t *QUICTransport) readLoop(c *quicConn) {
	for {
		data, err := proto.ReadFrame(c.stream)
		if err != nil {
			select {
			case <-c.done:
			default:
				t.drop(c)
				t.emit(c.done, link.Event{Kind: link.EventClosed, Err: err})
			}
			return
		}
		t.emit(c.done, link.Event{Kind: link.EventBytes, Data: data})
	}
}

func (t *QUICTransport) emit(done <-chan struct{}, ev link.Event) {
	select {
	case t.events <- ev:
	case <-done:
	}
}

func (t *QUICTransport) Send(data []byte) error {
	t.mu.Lock()
	c := t.cur
	t.mu.Unlock()
	if c == nil {
		return link.ErrClosed
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := proto.WriteFrame(c.stream, data); err != nil {
		return errors.Wrap(err, "quic write")
	}
	return nil
}

func (t *QUICTransport) Close() error {
	t.mu.Lock()
	c := t.cur
	t.cur = nil
	t.mu.Unlock()
	if c == nil {
		return nil
	}
	close(c.done)
	return t.teardown(c)
}

// drop forgets c after a read failure without signalling done.
func (t *QUICTransport) drop(c *quicConn) {
	t.mu.Lock()
	if t.cur == c {
		t.cur = nil
	}
	t.mu.Unlock()
	_ = t.teardown(c)
}

func (t *QUICTransport) teardown(c *quicConn) error {
	var err error
	c.once.Do(func() {
		_ = c.stream.Close()
		err = c.conn.CloseWithError(0, "close")
		if c.release != nil {
			c.release()
		}
	})
	return err
}

type ListenerOptions struct {
	// MaxConnsPerIP caps concurrent inbound connections per remote IP; zero
	// disables the cap.
	MaxConnsPerIP int
	Logger        zerolog.Logger
}

type QUICListener struct {
	ln  *quic.Listener
	lim *ipLimiter
	log zerolog.Logger
}

func ListenQUIC(addr string, opts ListenerOptions) (*QUICListener, error) {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return nil, err
	}
	ln, err := quic.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		return nil, errors.Wrapf(err, "quic listen %s", addr)
	}
	opts.Logger.Info().Str("addr", ln.Addr().String()).Msg("quic listening")
	return &QUICListener{ln: ln, lim: newIPLimiter(opts.MaxConnsPerIP), log: opts.Logger}, nil
}

func (l *QUICListener) Addr() net.Addr { return l.ln.Addr() }

func (l *QUICListener) Close() error { return l.ln.Close() }

// Serve accepts connections until ctx ends or the listener is closed.
// Each connection is handed over once its first stream arrives.
func (l *QUICListener) Serve(ctx context.Context, out chan<- Inbound) error {
	for {
		conn, err := l.ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "quic accept")
		}
		ip := ipOf(conn.RemoteAddr())
		if !l.lim.acquire(ip) {
			l.log.Debug().Str("ip", ip).Msg("quic connection refused: per-ip cap")
			_ = conn.CloseWithError(1, "busy")
			continue
		}
		go l.adopt(ctx, conn, ip, out)
	}
}

func (l *QUICListener) adopt(ctx context.Context, conn *quic.Conn, ip string, out chan<- Inbound) {
	actx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	stream, err := conn.AcceptStream(actx)
	cancel()
	if err != nil {
		l.log.Debug().Err(err).Str("ip", ip).Msg("quic stream not opened")
		_ = conn.CloseWithError(0, "no stream")
		l.lim.release(ip)
		return
	}
	t := &QUICTransport{log: l.log, events: make(chan link.Event, eventBuffer), accepted: true}
	t.attach(&quicConn{conn: conn, stream: stream, done: make(chan struct{}), release: func() { l.lim.release(ip) }})
	select {
	case out <- Inbound{Transport: t, Kind: KindQUIC, Remote: conn.RemoteAddr().String()}:
	case <-ctx.Done():
		_ = t.Close()
	}
}
