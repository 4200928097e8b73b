package node

import (
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"chumnet/internal/cert"
	"chumnet/internal/config"
	"chumnet/internal/crypto"
	"chumnet/internal/link"
	"chumnet/internal/mesh"
	"chumnet/internal/metrics"
	"chumnet/internal/network"
	"chumnet/internal/peer"
	"chumnet/internal/proto"
	"chumnet/internal/store"
	"chumnet/internal/trust"
)

const (
	defaultPeerBook = "peers.jsonl"
	snapshotFile    = "metrics.json"
	inboundBuffer   = 64
	shutdownTimeout = 5 * time.Second
)

// Node wires identity, storage, the trust engine, the peer registry and
// the mesh orchestrator together with the network listeners.
type Node struct {
	Config   config.Config
	Key      crypto.KeyPair
	PersonID string
	Storage  store.Storage
	Certs    *cert.Store
	Engine   *trust.Engine
	Registry *peer.Registry
	Mesh     *mesh.Orchestrator
	Metrics  *metrics.Metrics

	log          zerolog.Logger
	closeStorage func() error

	mu   sync.Mutex
	quic *network.QUICListener
	ws   *network.WSListener
	mdns *network.MDNS
}

func New(ctx context.Context, cfg config.Config, key crypto.KeyPair, log zerolog.Logger) (*Node, error) {
	if err := os.MkdirAll(cfg.Home, 0700); err != nil {
		return nil, err
	}
	mode, err := trust.ParseRootKeyMode(cfg.Trust.RootKeyMode)
	if err != nil {
		return nil, err
	}
	st, closeStorage, err := OpenStorage(ctx, cfg.Home, cfg.Storage, key.PrivateKey)
	if err != nil {
		return nil, err
	}
	n := &Node{
		Config:       cfg,
		Key:          key,
		PersonID:     crypto.PersonID(key.PublicKey),
		Storage:      st,
		Metrics:      metrics.New(),
		log:          log,
		closeStorage: closeStorage,
	}
	if err := n.build(ctx, mode); err != nil {
		_ = closeStorage()
		return nil, err
	}
	return n, nil
}

func (n *Node) build(ctx context.Context, mode trust.RootKeyMode) error {
	cfg := n.Config
	n.Certs = cert.NewStore(n.Storage, cert.Options{Logger: n.log})
	loadErr := n.Certs.Load(ctx)
	id := trust.Identity{PersonID: n.PersonID, Main: n.Key}
	n.Engine = trust.NewEngine(n.Certs, trust.Options{
		Identity: id,
		RootKeys: cfg.Trust.RootKeys,
		Mode:     mode,
		Storage:  n.Storage,
		Logger:   n.log,
	})
	if loadErr != nil {
		n.Engine.SetUnavailable(errors.Wrap(loadErr, "load certificates"))
	} else if err := n.Engine.Init(ctx); err != nil {
		return errors.Wrap(err, "init trust engine")
	}
	reg, err := peer.NewRegistry(n.Engine, peer.Options{
		Cap:     cfg.Mesh.MaxPeers,
		TTL:     cfg.Mesh.PeerTimeout,
		Path:    filepath.Join(cfg.Home, defaultPeerBook),
		Pairing: cfg.Pairing,
		Logger:  n.log,
	})
	if err != nil {
		return errors.Wrap(err, "open peer book")
	}
	n.Registry = reg
	return nil
}

// Run opens the listeners, announces the node and runs the mesh until ctx
// ends.
func (n *Node) Run(ctx context.Context) error {
	cfg := n.Config
	inbound := make(chan network.Inbound, inboundBuffer)
	lopts := network.ListenerOptions{MaxConnsPerIP: cfg.Mesh.MaxConnsPerIP, Logger: n.log}

	var endpoints []string
	if cfg.Listen != "" {
		ln, err := network.ListenQUIC(cfg.Listen, lopts)
		if err != nil {
			return err
		}
		n.mu.Lock()
		n.quic = ln
		n.mu.Unlock()
		endpoints = appendEndpoint(endpoints, network.KindQUIC, ln.Addr())
		go n.serve(ctx, "quic", func() error { return ln.Serve(ctx, inbound) })
	}
	if cfg.WSListen != "" {
		ln, err := network.ListenWS(cfg.WSListen, lopts)
		if err != nil {
			n.closeListeners()
			return err
		}
		n.mu.Lock()
		n.ws = ln
		n.mu.Unlock()
		endpoints = appendEndpoint(endpoints, network.KindWS, ln.Addr())
		go n.serve(ctx, "ws", func() error { return ln.Serve(ctx, inbound) })
	}
	if len(cfg.Advertise) > 0 {
		endpoints = cfg.Advertise
	}

	var disc mesh.Discoverer
	if cfg.MDNS {
		m := network.NewMDNS(network.MDNSOptions{
			Instance:  "chum-" + crypto.KeyID(n.Key.PublicKey)[:16],
			PersonID:  n.PersonID,
			Port:      listenPort(cfg.Listen),
			Endpoints: endpoints,
			Logger:    n.log,
		})
		if err := m.Announce(); err != nil {
			n.log.Warn().Err(err).Msg("mdns announce failed, discovery disabled")
		} else {
			n.mu.Lock()
			n.mdns = m
			n.mu.Unlock()
			disc = m
		}
	}

	o, err := mesh.New(mesh.Options{
		Identity:          trust.Identity{PersonID: n.PersonID, Main: n.Key},
		Engine:            n.Engine,
		Certs:             n.Certs,
		Registry:          n.Registry,
		Seen:              peer.NewSeenSet(cfg.Mesh.DedupCap, cfg.Mesh.PeerTimeout),
		Storage:           n.Storage,
		Dialer:            network.Dialer{Logger: n.log},
		Discovery:         disc,
		Endpoints:         endpoints,
		HeartbeatInterval: cfg.Mesh.HeartbeatInterval,
		LivenessMultiple:  cfg.Mesh.LivenessMultiple,
		QueueCap:          cfg.Mesh.QueueCap,
		CleanupInterval:   cfg.Mesh.CleanupInterval,
		DiscoveryInterval: cfg.Mesh.DiscoveryInterval,
		InboundRate:       cfg.Mesh.InboundRate,
		InboundBurst:      cfg.Mesh.InboundBurst,
		Metrics:           n.Metrics,
		Logger:            n.log,
	})
	if err != nil {
		n.closeListeners()
		return err
	}
	n.Mesh = o
	if err := o.RegisterMessageHandler(proto.MsgData, n.onData); err != nil {
		return err
	}

	var httpSrv *http.Server
	if cfg.HTTPListen != "" {
		httpSrv = &http.Server{Addr: cfg.HTTPListen, Handler: n.Router(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				n.log.Error().Err(err).Str("addr", cfg.HTTPListen).Msg("status server stopped")
			}
		}()
	}

	go o.Serve(ctx, inbound)
	go o.DialBootstrap(ctx, cfg.Bootstrap)
	n.log.Info().Str("person", n.PersonID).Strs("endpoints", endpoints).Bool("pairing", cfg.Pairing).Msg("node started")

	err = o.Run(ctx)

	if httpSrv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		_ = httpSrv.Shutdown(sctx)
		cancel()
	}
	n.closeListeners()
	n.persist()
	return err
}

func (n *Node) serve(ctx context.Context, name string, fn func() error) {
	if err := fn(); err != nil && ctx.Err() == nil {
		n.log.Error().Err(err).Str("listener", name).Msg("listener stopped")
	}
}

func (n *Node) onData(_ context.Context, _ *link.Session, m proto.Message) error {
	n.log.Info().Str("from", m.Sender).Uint64("seq", m.Sequence).Int("bytes", len(m.Payload)).Msg("data received")
	return nil
}

func (n *Node) closeListeners() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.quic != nil {
		_ = n.quic.Close()
		n.quic = nil
	}
	if n.ws != nil {
		_ = n.ws.Close()
		n.ws = nil
	}
	if n.mdns != nil {
		n.mdns.Shutdown()
		n.mdns = nil
	}
}

// persist saves the trust verdict cache and a metrics snapshot.
func (n *Node) persist() {
	if err := n.Engine.SaveCache(context.Background()); err != nil {
		n.log.Warn().Err(err).Msg("save trust cache")
	}
	if err := n.Metrics.WriteSnapshot(filepath.Join(n.Config.Home, snapshotFile)); err != nil {
		n.log.Warn().Err(err).Msg("write metrics snapshot")
	}
}

func (n *Node) Close() error {
	n.closeListeners()
	return n.closeStorage()
}

func appendEndpoint(list []string, kind string, addr net.Addr) []string {
	ep, err := network.FormatEndpoint(kind, addr.String())
	if err != nil {
		return list
	}
	return append(list, ep)
}

func listenPort(addr string) int {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	p, _ := strconv.Atoi(port)
	return p
}
