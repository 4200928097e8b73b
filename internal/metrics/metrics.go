package metrics

import (
	"encoding/json"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chum"

// Header is the short record kept for recently delivered messages.
type Header struct {
	Sender   string    `json:"sender"`
	Sequence uint64    `json:"sequence"`
	Type     string    `json:"type"`
	At       time.Time `json:"at"`
}

type Snapshot struct {
	GeneratedAt     time.Time         `json:"generated_at"`
	Messages        MessageMetrics    `json:"messages"`
	RecvByType      map[string]uint64 `json:"recv_by_type"`
	DropByReason    map[string]uint64 `json:"drop_by_reason"`
	CurrentPeers    int64             `json:"current_peers"`
	CurrentSessions int64             `json:"current_sessions"`
	Recent          []Header          `json:"recent"`
}

type MessageMetrics struct {
	Delivered uint64 `json:"delivered"`
	Acked     uint64 `json:"acked"`
	Sent      uint64 `json:"sent"`
	Queued    uint64 `json:"queued"`
	Duplicate uint64 `json:"duplicate"`
}

// Metrics mirrors every counter into a private prometheus registry so a
// process can host several nodes without collisions.
type Metrics struct {
	reg      *prometheus.Registry
	recv     *prometheus.CounterVec
	drops    *prometheus.CounterVec
	sent     *prometheus.CounterVec
	handled  prometheus.Counter
	acks     prometheus.Counter
	peers    prometheus.Gauge
	sessions prometheus.Gauge

	delivered    atomic.Uint64
	acked        atomic.Uint64
	sentDirect   atomic.Uint64
	sentQueued   atomic.Uint64
	duplicates   atomic.Uint64
	currentPeers atomic.Int64
	currentSess  atomic.Int64

	mu           sync.Mutex
	recvByType   map[string]uint64
	dropByReason map[string]uint64

	recent *Recent
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		recv: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Decoded inbound messages by type, before validation.",
		}, []string{"type"}),
		drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Inbound or queued messages discarded, by reason.",
		}, []string{"reason"}),
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Outbound messages by outcome.",
		}, []string{"outcome"}),
		handled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_delivered_total",
			Help:      "Messages handed to an application handler.",
		}),
		acks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acks_received_total",
			Help:      "Acknowledgements received from peers.",
		}),
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers",
			Help:      "Registered peers.",
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_connected",
			Help:      "Link sessions currently connected.",
		}),
		recvByType:   make(map[string]uint64),
		dropByReason: make(map[string]uint64),
		recent:       NewRecent(64),
	}
	m.reg.MustRegister(m.recv, m.drops, m.sent, m.handled, m.acks, m.peers, m.sessions)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) Recent() *Recent {
	return m.recent
}

func (m *Metrics) IncRecvByType(t string) {
	m.recv.WithLabelValues(t).Inc()
	m.mu.Lock()
	m.recvByType[t]++
	m.mu.Unlock()
}

func (m *Metrics) IncDropByReason(reason string) {
	m.drops.WithLabelValues(reason).Inc()
	if reason == "duplicate" {
		m.duplicates.Add(1)
	}
	m.mu.Lock()
	m.dropByReason[reason]++
	m.mu.Unlock()
}

func (m *Metrics) IncDelivered(h Header) {
	m.handled.Inc()
	m.delivered.Add(1)
	m.recent.Add(h)
}

func (m *Metrics) IncAcked() {
	m.acks.Inc()
	m.acked.Add(1)
}

func (m *Metrics) IncSent(queued bool) {
	if queued {
		m.sent.WithLabelValues("queued").Inc()
		m.sentQueued.Add(1)
		return
	}
	m.sent.WithLabelValues("sent").Inc()
	m.sentDirect.Add(1)
}

func (m *Metrics) SetCurrentPeers(n int) {
	m.peers.Set(float64(n))
	m.currentPeers.Store(int64(n))
}

func (m *Metrics) SetCurrentSessions(n int) {
	m.sessions.Set(float64(n))
	m.currentSess.Store(int64(n))
}

func (m *Metrics) Snapshot() Snapshot {
	recent := []Header{}
	if m.recent != nil {
		recent = m.recent.List()
	}
	m.mu.Lock()
	recv := copyCounts(m.recvByType)
	drop := copyCounts(m.dropByReason)
	m.mu.Unlock()
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Messages: MessageMetrics{
			Delivered: m.delivered.Load(),
			Acked:     m.acked.Load(),
			Sent:      m.sentDirect.Load(),
			Queued:    m.sentQueued.Load(),
			Duplicate: m.duplicates.Load(),
		},
		RecvByType:      recv,
		DropByReason:    drop,
		CurrentPeers:    m.currentPeers.Load(),
		CurrentSessions: m.currentSess.Load(),
		Recent:          recent,
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	snap := m.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Reasons lists drop reasons seen so far, sorted.
func (m *Metrics) Reasons() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.dropByReason))
	for r := range m.dropByReason {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

func copyCounts(in map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

type Recent struct {
	mu   sync.Mutex
	cap  int
	list []Header
}

func NewRecent(capacity int) *Recent {
	if capacity <= 0 {
		capacity = 64
	}
	return &Recent{cap: capacity}
}

func (r *Recent) Add(h Header) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.list) >= r.cap {
		copy(r.list, r.list[1:])
		r.list[len(r.list)-1] = h
		return
	}
	r.list = append(r.list, h)
}

func (r *Recent) List() []Header {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Header, len(r.list))
	copy(out, r.list)
	return out
}
