package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func env(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefaultsValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, 5*time.Second, cfg.Mesh.HeartbeatInterval)
	require.Equal(t, 3, cfg.Mesh.LivenessMultiple)
	require.Equal(t, 5*time.Minute, cfg.Mesh.PeerTimeout)
	require.Equal(t, 20, cfg.Mesh.MaxPeers)
	require.Equal(t, 4096, cfg.Mesh.DedupCap)
}

func TestLoadYAMLOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	require.NoError(t, os.WriteFile(path, []byte(`
home: /tmp/chum-test
listen: 127.0.0.1:5000
pairing: true
mesh:
  heartbeatInterval: 2s
  maxPeers: 5
storage:
  backend: mem
`), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:5000", cfg.Listen)
	require.True(t, cfg.Pairing)
	require.Equal(t, 2*time.Second, cfg.Mesh.HeartbeatInterval)
	require.Equal(t, 5, cfg.Mesh.MaxPeers)
	require.Equal(t, 3, cfg.Mesh.LivenessMultiple, "unset fields keep defaults")
	require.Equal(t, BackendMem, cfg.Storage.Backend)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default().Mesh, cfg.Mesh)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte("mesh: [unclosed"), 0600))
	_, err := Load(path)
	require.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	ApplyEnv(&cfg, env(map[string]string{
		"CHUM_HOME":          "/srv/chum",
		"CHUM_LISTEN":        " 0.0.0.0:7000 ",
		"CHUM_REDIS_ADDR":    "localhost:6379",
		"CHUM_LOG_LEVEL":     "debug",
		"CHUM_PAIRING":       "true",
		"CHUM_ROOT_KEY_MODE": "all",
	}))
	require.Equal(t, "/srv/chum", cfg.Home)
	require.Equal(t, "0.0.0.0:7000", cfg.Listen)
	require.Equal(t, BackendRedis, cfg.Storage.Backend)
	require.Equal(t, "localhost:6379", cfg.Storage.RedisAddr)
	require.Equal(t, "debug", cfg.Log.Level)
	require.True(t, cfg.Pairing)
	require.Equal(t, "all", cfg.Trust.RootKeyMode)
	require.NoError(t, cfg.Validate())

	ApplyEnv(&cfg, env(map[string]string{"CHUM_PAIRING": "maybe"}))
	require.True(t, cfg.Pairing, "malformed bool ignored")
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"zero heartbeat":  func(c *Config) { c.Mesh.HeartbeatInterval = 0 },
		"negative ttl":    func(c *Config) { c.Mesh.PeerTimeout = -time.Second },
		"zero queue":      func(c *Config) { c.Mesh.QueueCap = 0 },
		"zero rate":       func(c *Config) { c.Mesh.InboundRate = 0 },
		"unknown backend": func(c *Config) { c.Storage.Backend = "tape" },
		"redis no addr":   func(c *Config) { c.Storage.Backend = BackendRedis },
		"bad level":       func(c *Config) { c.Log.Level = "chatty" },
		"bad root mode":   func(c *Config) { c.Trust.RootKeyMode = "everyone" },
		"no home":         func(c *Config) { c.Home = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestWriteThenLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", FileName)
	cfg := Default()
	cfg.Home = filepath.Dir(path)
	cfg.Bootstrap = []string{"/ip4/10.0.0.1/udp/4242/quic-v1"}
	require.NoError(t, Write(path, cfg))
	got, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg.Bootstrap, got.Bootstrap)
	require.Equal(t, cfg.Mesh.HeartbeatInterval, got.Mesh.HeartbeatInterval)
}
