// Package config loads node settings from a TOML file. Every field has a
// default, so a missing file is not an error.
package config

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// IP types a node can announce.
const (
	IPTypeIPv4 = "ipv4"
	IPTypeIPv6 = "ipv6"
	IPTypeDual = "dual"
)

var ErrInvalid = errors.New("config: invalid")

// Duration is a time.Duration written as "20m" in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the node configuration.
type Config struct {
	DataDir string `toml:"data_dir"`

	// UI is the gateway listen address.
	UI string `toml:"ui"`

	FileserverIP   string `toml:"fileserver_ip"`
	FileserverPort int    `toml:"fileserver_port"`
	// FileserverPortRange is used when FileserverPort is 0.
	FileserverPortRange [2]int `toml:"fileserver_port_range"`

	BroadcastPort        int      `toml:"broadcast_port"`
	DiscoveryInterval    Duration `toml:"discovery_interval"`
	ConnectedLimit       int      `toml:"connected_limit"`
	GlobalConnectedLimit int      `toml:"global_connected_limit"`

	IPLocal    []string `toml:"ip_local"`
	IPExternal []string `toml:"ip_external"`
	IPType     string   `toml:"ip_type"`

	Trackers         []string `toml:"trackers"`
	AnnounceInterval Duration `toml:"announce_interval"`
	// Bootstrap turns the fileserver into a zero:// tracker for other nodes.
	Bootstrap bool `toml:"bootstrap"`

	TorHSPort int `toml:"tor_hs_port"`

	RateLimit RateLimit `toml:"rate_limit"`

	// Sites are added on start in addition to the ones already indexed.
	Sites []string `toml:"sites"`
}

// RateLimit caps inbound traffic per remote IP per minute. Zero disables a
// limit.
type RateLimit struct {
	Fileserver int `toml:"fileserver"`
	Discovery  int `toml:"discovery"`
	Gateway    int `toml:"gateway"`
}

// Default returns the stock configuration.
func Default() *Config {
	return &Config{
		DataDir:              "./data",
		UI:                   "127.0.0.1:43110",
		FileserverIP:         "*",
		FileserverPort:       0,
		FileserverPortRange:  [2]int{10000, 40000},
		BroadcastPort:        1544,
		DiscoveryInterval:    Duration{5 * time.Minute},
		ConnectedLimit:       8,
		GlobalConnectedLimit: 512,
		IPLocal:              []string{"127.0.0.1", "::1"},
		IPType:               IPTypeDual,
		Trackers: []string{
			"zero://boot3rdez4rzn36x.onion:15441",
			"zero://zero.booth.moe#f36ca555bee6ba216b14d10f38c16f7769ff064e0e37d887603548cc2e64191d:443",
			"udp://tracker.coppersurfer.tk:6969",
			"http://tracker.opentrackr.org:1337/announce",
		},
		AnnounceInterval: Duration{20 * time.Minute},
		TorHSPort:        15441,
		RateLimit: RateLimit{
			Fileserver: 600,
			Discovery:  60,
			Gateway:    120,
		},
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to path as TOML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	return nil
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("%w: data_dir is empty", ErrInvalid)
	}
	if _, _, err := net.SplitHostPort(c.UI); err != nil {
		return fmt.Errorf("%w: ui %q: %v", ErrInvalid, c.UI, err)
	}
	if c.FileserverPort < 0 || c.FileserverPort > 65535 {
		return fmt.Errorf("%w: fileserver_port %d", ErrInvalid, c.FileserverPort)
	}
	lo, hi := c.FileserverPortRange[0], c.FileserverPortRange[1]
	if c.FileserverPort == 0 && (lo < 1 || hi > 65535 || lo > hi) {
		return fmt.Errorf("%w: fileserver_port_range %d-%d", ErrInvalid, lo, hi)
	}
	if c.BroadcastPort < 0 || c.BroadcastPort > 65535 {
		return fmt.Errorf("%w: broadcast_port %d", ErrInvalid, c.BroadcastPort)
	}
	if c.ConnectedLimit < 1 {
		return fmt.Errorf("%w: connected_limit must be positive", ErrInvalid)
	}
	if c.GlobalConnectedLimit < 0 {
		return fmt.Errorf("%w: global_connected_limit must not be negative", ErrInvalid)
	}
	switch c.IPType {
	case IPTypeIPv4, IPTypeIPv6, IPTypeDual:
	default:
		return fmt.Errorf("%w: ip_type %q", ErrInvalid, c.IPType)
	}
	for _, ip := range append(append([]string{}, c.IPLocal...), c.IPExternal...) {
		if net.ParseIP(ip) == nil {
			return fmt.Errorf("%w: ip %q", ErrInvalid, ip)
		}
	}
	if c.AnnounceInterval.Duration < time.Minute {
		return fmt.Errorf("%w: announce_interval below 1m", ErrInvalid)
	}
	if c.DiscoveryInterval.Duration <= 0 {
		return fmt.Errorf("%w: discovery_interval must be positive", ErrInvalid)
	}
	return nil
}

// FileserverAddr is the fileserver listen address for port.
func (c *Config) FileserverAddr(port int) string {
	host := c.FileserverIP
	if host == "*" {
		host = ""
	}
	return net.JoinHostPort(host, fmt.Sprint(port))
}

// Port returns FileserverPort, or a random port from the range when it is 0.
func (c *Config) Port() int {
	if c.FileserverPort != 0 {
		return c.FileserverPort
	}
	lo, hi := c.FileserverPortRange[0], c.FileserverPortRange[1]
	return lo + rand.IntN(hi-lo+1)
}

// ContentDB is the path of the content index.
func (c *Config) ContentDB() string {
	return filepath.Join(c.DataDir, "content.db")
}
