package link

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

type EventKind int

const (
	EventOpened EventKind = iota + 1
	EventClosed
	EventBytes
)

func (k EventKind) String() string {
	switch k {
	case EventOpened:
		return "opened"
	case EventClosed:
		return "closed"
	case EventBytes:
		return "bytes"
	}
	return "unknown"
}

// Event is reported by a Transport on its Events channel.
type Event struct {
	Kind EventKind
	Data []byte
	Err  error
}

// Transport is one connection to a remote endpoint. Open starts the
// connection and returns once the attempt is under way; success is
// reported later as EventOpened. EventClosed reports closures by the
// remote side or by errors; a local Close reports nothing. Endpoints are
// opaque to the session.
type Transport interface {
	Open(ctx context.Context, endpoint string) error
	Send(data []byte) error
	Events() <-chan Event
	Close() error
}

var ErrClosed = errors.New("transport closed")

const pipeBuffer = 256

// Pipe is one end of an in-memory transport pair.
type Pipe struct {
	mu       sync.Mutex
	peer     *Pipe
	open     bool
	failSend bool
	events   chan Event
}

// NewPipe returns two connected ends. Opening either end also opens the
// other, the way a listener accepts an incoming dial.
func NewPipe() (*Pipe, *Pipe) {
	a := &Pipe{events: make(chan Event, pipeBuffer)}
	b := &Pipe{events: make(chan Event, pipeBuffer)}
	a.peer, b.peer = b, a
	return a, b
}

func (p *Pipe) Open(_ context.Context, _ string) error {
	p.mu.Lock()
	p.open = true
	p.mu.Unlock()
	p.emit(Event{Kind: EventOpened})

	p.peer.mu.Lock()
	wasOpen := p.peer.open
	p.peer.open = true
	p.peer.mu.Unlock()
	if !wasOpen {
		p.peer.emit(Event{Kind: EventOpened})
	}
	return nil
}

// SetOpen marks this end open without emitting an event, for sessions that
// start from an accepted connection.
func (p *Pipe) SetOpen() {
	p.mu.Lock()
	p.open = true
	p.mu.Unlock()
}

// FailSends makes every Send fail while on.
func (p *Pipe) FailSends(on bool) {
	p.mu.Lock()
	p.failSend = on
	p.mu.Unlock()
}

func (p *Pipe) Send(data []byte) error {
	p.mu.Lock()
	ok := p.open && !p.failSend
	p.mu.Unlock()
	if !ok {
		return ErrClosed
	}
	p.peer.mu.Lock()
	peerOpen := p.peer.open
	p.peer.mu.Unlock()
	if !peerOpen {
		return ErrClosed
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	p.peer.emit(Event{Kind: EventBytes, Data: buf})
	return nil
}

func (p *Pipe) Events() <-chan Event { return p.events }

func (p *Pipe) Close() error {
	p.mu.Lock()
	wasOpen := p.open
	p.open = false
	p.mu.Unlock()
	if !wasOpen {
		return nil
	}
	p.peer.mu.Lock()
	peerOpen := p.peer.open
	p.peer.open = false
	p.peer.mu.Unlock()
	if peerOpen {
		p.peer.emit(Event{Kind: EventClosed, Err: ErrClosed})
	}
	return nil
}

// emit drops the event when the reader has fallen pipeBuffer events behind.
func (p *Pipe) emit(ev Event) {
	select {
	case p.events <- ev:
	default:
	}
}
