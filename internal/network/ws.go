package network

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"chumnet/internal/link"
	"chumnet/internal/proto"
)

const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16 << 10,
	WriteBufferSize: 16 << 10,
	// Peers are not browsers; origin carries no meaning here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type wsConn struct {
	conn    *websocket.Conn
	done    chan struct{}
	release func()
	once    sync.Once
}

// WSTransport carries one message per WebSocket binary frame.
type WSTransport struct {
	log      zerolog.Logger
	events   chan link.Event
	accepted bool

	mu      sync.Mutex
	cur     *wsConn
	writeMu sync.Mutex
}

func NewWSTransport(log zerolog.Logger) *WSTransport {
	return &WSTransport{log: log, events: make(chan link.Event, eventBuffer)}
}

func (t *WSTransport) Events() <-chan link.Event { return t.events }

func (t *WSTransport) Open(ctx context.Context, endpoint string) error {
	if t.accepted {
		return ErrAccepted
	}
	ep, err := ParseEndpoint(endpoint)
	if err != nil {
		return err
	}
	if ep.Kind != KindWS {
		return errors.Wrapf(ErrEndpoint, "%q is not a websocket endpoint", endpoint)
	}
	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, resp, err := websocket.DefaultDialer.DialContext(dctx, ep.URL(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return errors.Wrapf(err, "websocket dial %s", ep.URL())
	}
	t.log.Debug().Str("url", ep.URL()).Msg("websocket connected")
	t.attach(&wsConn{conn: conn, done: make(chan struct{})})
	t.emit(nil, link.Event{Kind: link.EventOpened})
	return nil
}

func (t *WSTransport) attach(c *wsConn) {
	c.conn.SetReadLimit(proto.MaxFrameSize)
	t.mu.Lock()
	t.cur = c
	t.mu.Unlock()
	go t.readLoop(c)
}

func (t *WSTransport) readLoop(c *wsConn) {
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				t.drop(c)
				t.emit(c.done, link.Event{Kind: link.EventClosed, Err: err})
			}
			return
		}
		if kind != websocket.BinaryMessage || len(data) == 0 {
			continue
		}
		t.emit(c.done, link.Event{Kind: link.EventBytes, Data: data})
	}
}

func (t *WSTransport) emit(done <-chan struct{}, ev link.Event) {
	select {
	case t.events <- ev:
	case <-done:
	}
}

func (t *WSTransport) Send(data []byte) error {
	t.mu.Lock()
	c := t.cur
	t.mu.Unlock()
	if c == nil {
		return link.ErrClosed
	}
	if len(data) > proto.MaxFrameSize {
		return proto.ErrFrameSize
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return errors.Wrap(err, "websocket write")
	}
	return nil
}

func (t *WSTransport) Close() error {
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

func (t *WSTransport) drop(c *wsConn) {
	t.mu.Lock()
	if t.cur == c {
		t.cur = nil
	}
	t.mu.Unlock()
	_ = t.teardown(c)
}

func (t *WSTransport) teardown(c *wsConn) error {
	var err error
	c.once.Do(func() {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.conn.Close()
		if c.release != nil {
			c.release()
		}
	})
	return err
}

// WSListener accepts peers on WSPath of an HTTP server.
type WSListener struct {
	ln  net.Listener
	srv *http.Server
	lim *ipLimiter
	log zerolog.Logger

	ctx context.Context
	out chan<- Inbound
}

func ListenWS(addr string, opts ListenerOptions) (*WSListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "websocket listen %s", addr)
	}
	l := &WSListener{ln: ln, lim: newIPLimiter(opts.MaxConnsPerIP), log: opts.Logger}
	router := mux.NewRouter()
	router.HandleFunc(WSPath, l.handleUpgrade).Methods(http.MethodGet)
	l.srv = &http.Server{Handler: router, ReadHeaderTimeout: handshakeTimeout}
	opts.Logger.Info().Str("addr", ln.Addr().String()).Msg("websocket listening")
	return l, nil
}

func (l *WSListener) Addr() net.Addr { return l.ln.Addr() }

func (l *WSListener) Close() error { return l.srv.Close() }

// Serve runs the HTTP server until ctx ends or the listener is closed.
func (l *WSListener) Serve(ctx context.Context, out chan<- Inbound) error {
	l.ctx, l.out = ctx, out
	go func() {
		<-ctx.Done()
		_ = l.srv.Close()
	}()
	err := l.srv.Serve(l.ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (l *WSListener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ip := ipOf(addrString(r.RemoteAddr))
	if !l.lim.acquire(ip) {
		http.Error(w, "busy", http.StatusTooManyRequests)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.lim.release(ip)
		l.log.Debug().Err(err).Str("ip", ip).Msg("websocket upgrade failed")
		return
	}
	t := &WSTransport{log: l.log, events: make(chan link.Event, eventBuffer), accepted: true}
	t.attach(&wsConn{conn: conn, done: make(chan struct{}), release: func() { l.lim.release(ip) }})
	select {
	case l.out <- Inbound{Transport: t, Kind: KindWS, Remote: r.RemoteAddr}:
	case <-l.ctx.Done():
		_ = t.Close()
	}
}

type addrString string

func (a addrString) Network() string { return "tcp" }
func (a addrString) String() string  { return string(a) }
