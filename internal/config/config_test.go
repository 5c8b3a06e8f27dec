package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefault_Valid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, 1544, cfg.BroadcastPort)
	require.Equal(t, 20*time.Minute, cfg.AnnounceInterval.Duration)
	require.Equal(t, filepath.Join("data", "content.db"), filepath.Clean(cfg.ContentDB()))
}

func TestLoad_MissingFileIsDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "zeronode.toml"))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zeronode.toml")
	body := `
data_dir = "/var/lib/zeronode"
fileserver_port = 26552
ip_type = "ipv4"
trackers = ["zero://127.0.0.1:15441"]
announce_interval = "30m"
bootstrap = true

[rate_limit]
fileserver = 100
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	require.Equal(t, "/var/lib/zeronode", cfg.DataDir)
	require.Equal(t, 26552, cfg.Port())
	require.Equal(t, IPTypeIPv4, cfg.IPType)
	require.Equal(t, []string{"zero://127.0.0.1:15441"}, cfg.Trackers)
	require.Equal(t, 30*time.Minute, cfg.AnnounceInterval.Duration)
	require.True(t, cfg.Bootstrap)
	require.Equal(t, 100, cfg.RateLimit.Fileserver)
	// Untouched keys keep their defaults.
	require.Equal(t, 60, cfg.RateLimit.Discovery)
	require.Equal(t, "127.0.0.1:43110", cfg.UI)
}

func TestLoad_BadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zeronode.toml")
	require.NoError(t, os.WriteFile(path, []byte(`announce_interval = "soon"`), 0o644))
	_, err := Load(path)
	require.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "zeronode.toml")
	cfg := Default()
	cfg.FileserverPort = 15441
	require.NoError(t, cfg.Save(path))

	got, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg, got)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"empty data dir":     func(c *Config) { c.DataDir = "" },
		"ui without port":    func(c *Config) { c.UI = "localhost" },
		"port out of range":  func(c *Config) { c.FileserverPort = 70000 },
		"inverted range":     func(c *Config) { c.FileserverPortRange = [2]int{40000, 10000} },
		"zero connected":     func(c *Config) { c.ConnectedLimit = 0 },
		"unknown ip type":    func(c *Config) { c.IPType = "ipx" },
		"bad local ip":       func(c *Config) { c.IPLocal = []string{"localhost"} },
		"announce too often": func(c *Config) { c.AnnounceInterval.Duration = time.Second },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			require.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}

func TestPort_FromRange(t *testing.T) {
	cfg := Default()
	cfg.FileserverPortRange = [2]int{20000, 20002}
	for i := 0; i < 20; i++ {
		p := cfg.Port()
		require.GreaterOrEqual(t, p, 20000)
		require.LessOrEqual(t, p, 20002)
	}
	require.Equal(t, ":20000", cfg.FileserverAddr(20000))
}
