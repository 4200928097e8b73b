package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"chumnet/internal/logging"
	"chumnet/internal/trust"
)

const FileName = "chum.yaml"

const (
	BackendMem   = "mem"
	BackendFile  = "file"
	BackendRedis = "redis"
)

type Config struct {
	Home string `yaml:"home"`
	// Listen is the QUIC (UDP) listen address; WSListen the WebSocket one.
	// An empty address disables that listener.
	Listen     string `yaml:"listen"`
	WSListen   string `yaml:"wsListen"`
	HTTPListen string `yaml:"httpListen"`
	// Advertise overrides the endpoints announced to peers.
	Advertise []string `yaml:"advertise"`
	// Bootstrap endpoints are dialed at startup.
	Bootstrap []string `yaml:"bootstrap"`
	Pairing   bool     `yaml:"pairing"`
	MDNS      bool     `yaml:"mdns"`
	// Pprof mounts the runtime profiles on the status listener, which must
	// then be loopback.
	Pprof bool `yaml:"pprof"`

	Storage StorageConfig `yaml:"storage"`
	Log     LogConfig     `yaml:"log"`
	Trust   TrustConfig   `yaml:"trust"`
	Mesh    MeshConfig    `yaml:"mesh"`
	Keyring KeyringConfig `yaml:"keyring"`
}

type StorageConfig struct {
	Backend   string `yaml:"backend"`
	RedisAddr string `yaml:"redisAddr"`
	Namespace string `yaml:"namespace"`
	// Sealed encrypts records at rest with a key derived from the identity.
	Sealed bool `yaml:"sealed"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type TrustConfig struct {
	RootKeyMode string   `yaml:"rootKeyMode"`
	RootKeys    []string `yaml:"rootKeys"`
}

type MeshConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	LivenessMultiple  int           `yaml:"livenessMultiple"`
	PeerTimeout       time.Duration `yaml:"peerTimeout"`
	CleanupInterval   time.Duration `yaml:"cleanupInterval"`
	DiscoveryInterval time.Duration `yaml:"discoveryInterval"`
	MaxPeers          int           `yaml:"maxPeers"`
	QueueCap          int           `yaml:"queueCap"`
	DedupCap          int           `yaml:"dedupCap"`
	InboundRate       float64       `yaml:"inboundRate"`
	InboundBurst      int           `yaml:"inboundBurst"`
	MaxConnsPerIP     int           `yaml:"maxConnsPerIP"`
}

type KeyringConfig struct {
	// Backend is a 99designs/keyring backend name; "file" works everywhere.
	Backend string `yaml:"backend"`
	// PasswordEnv names the variable holding the file backend password.
	PasswordEnv string `yaml:"passwordEnv"`
}

func Default() Config {
	return Config{
		Home:       defaultHome(),
		Listen:     "0.0.0.0:4242",
		WSListen:   "0.0.0.0:4243",
		HTTPListen: "127.0.0.1:4280",
		MDNS:       true,
		Storage:    StorageConfig{Backend: BackendFile, Namespace: "chum:"},
		Log:        LogConfig{Level: "info"},
		Trust:      TrustConfig{RootKeyMode: "main"},
		Mesh: MeshConfig{
			HeartbeatInterval: 5 * time.Second,
			LivenessMultiple:  3,
			PeerTimeout:       5 * time.Minute,
			CleanupInterval:   time.Minute,
			DiscoveryInterval: 30 * time.Second,
			MaxPeers:          20,
			QueueCap:          64,
			DedupCap:          4096,
			InboundRate:       20,
			InboundBurst:      40,
			MaxConnsPerIP:     8,
		},
		Keyring: KeyringConfig{Backend: "file", PasswordEnv: "CHUM_KEYRING_PASSWORD"},
	}
}

func defaultHome() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(dir, ".chum")
	}
	return ".chum"
}

// Load reads path over the defaults, then applies environment overrides.
// A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, errors.Wrapf(err, "parse %s", path)
			}
		case os.IsNotExist(err):
		default:
			return Config{}, errors.Wrapf(err, "read %s", path)
		}
	}
	ApplyEnv(&cfg, os.LookupEnv)
	return cfg, cfg.Validate()
}

// ApplyEnv applies CHUM_* overrides. Malformed booleans are ignored.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("CHUM_HOME", &cfg.Home)
	str("CHUM_LISTEN", &cfg.Listen)
	str("CHUM_WS_LISTEN", &cfg.WSListen)
	str("CHUM_HTTP_LISTEN", &cfg.HTTPListen)
	str("CHUM_LOG_LEVEL", &cfg.Log.Level)
	str("CHUM_ROOT_KEY_MODE", &cfg.Trust.RootKeyMode)
	if v, ok := lookup("CHUM_REDIS_ADDR"); ok && strings.TrimSpace(v) != "" {
		cfg.Storage.Backend = BackendRedis
		cfg.Storage.RedisAddr = strings.TrimSpace(v)
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok {
			if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
				*dst = b
			}
		}
	}
	boolean("CHUM_PAIRING", &cfg.Pairing)
	boolean("CHUM_PPROF", &cfg.Pprof)
}

func (c Config) Validate() error {
	if c.Home == "" {
		return errors.New("home is required")
	}
	m := c.Mesh
	for name, d := range map[string]time.Duration{
		"heartbeatInterval": m.HeartbeatInterval,
		"peerTimeout":       m.PeerTimeout,
		"cleanupInterval":   m.CleanupInterval,
		"discoveryInterval": m.DiscoveryInterval,
	} {
		if d <= 0 {
			return errors.Errorf("mesh.%s must be positive", name)
		}
	}
	for name, n := range map[string]int{
		"livenessMultiple": m.LivenessMultiple,
		"maxPeers":         m.MaxPeers,
		"queueCap":         m.QueueCap,
		"dedupCap":         m.DedupCap,
		"inboundBurst":     m.InboundBurst,
	} {
		if n <= 0 {
			return errors.Errorf("mesh.%s must be positive", name)
		}
	}
	if m.InboundRate <= 0 {
		return errors.New("mesh.inboundRate must be positive")
	}
	switch c.Storage.Backend {
	case BackendMem, BackendFile:
	case BackendRedis:
		if c.Storage.RedisAddr == "" {
			return errors.New("storage.redisAddr is required for the redis backend")
		}
	default:
		return errors.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if _, err := trust.ParseRootKeyMode(c.Trust.RootKeyMode); err != nil {
		return err
	}
	return nil
}

// Write stores cfg as YAML, used by `chum-node init`.
func Write(path string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "encode config")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
