// Package tracker announces hosted sites to trackers and feeds the peers they
// return into the peer registry. It also carries a small bootstrap tracker
// the fileserver can answer announces with.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zeronode/zeronode/internal/peer"
	"github.com/zeronode/zeronode/internal/protocol"
)

const (
	DefaultInterval = 20 * time.Minute
	DefaultNeedNum  = 20

	withdrawTimeout = 10 * time.Second
)

// Announce statuses.
const (
	StatusAnnouncing = "announcing"
	StatusAnnounced  = "announced"
	StatusError      = "error"
)

// Stats are the per tracker counters shown to the gateway. Times are unix
// seconds.
type Stats struct {
	Status        string  `json:"status"`
	NumRequest    int     `json:"num_request"`
	NumSuccess    int     `json:"num_success"`
	NumError      int     `json:"num_error"`
	TimeRequest   float64 `json:"time_request"`
	TimeLastError float64 `json:"time_last_error"`
	TimeStatus    float64 `json:"time_status"`
	LastError     string  `json:"last_error"`
}

// Sites lists the address hashes to announce.
type Sites interface {
	SiteList() [][]byte
}

// PeerUpdater receives the peers trackers return.
type PeerUpdater interface {
	UpdatePeer(id string, ep peer.Endpoint, siteHashes [][]byte) *peer.Peer
}

// Config configures a Manager.
type Config struct {
	// Port is the fileserver port announced to trackers.
	Port int
	// IPType is ipv4, ipv6 or dual and decides need_types and add.
	IPType   string
	Interval time.Duration
	NeedNum  int
	// Peer options for zero:// tracker connections.
	PeerOptions peer.Options
}

type tracked struct {
	url       URL
	announcer Announcer
	stats     Stats
}

// Manager owns the configured trackers and their stats.
type Manager struct {
	cfg   Config
	sites Sites
	peers PeerUpdater
	now   func() time.Time

	mu       sync.Mutex
	trackers []*tracked
}

func NewManager(cfg Config, sites Sites, peers PeerUpdater) *Manager {
	if cfg.Interval == 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.NeedNum == 0 {
		cfg.NeedNum = DefaultNeedNum
	}
	if cfg.IPType == "" {
		cfg.IPType = "ipv4"
	}
	return &Manager{cfg: cfg, sites: sites, peers: peers, now: time.Now}
}

// AddTracker parses raw and adds it. udp trackers are refused.
func (m *Manager) AddTracker(raw string) error {
	u, err := ParseURL(raw)
	if err != nil {
		return err
	}
	var a Announcer
	switch u.Scheme {
	case SchemeZero:
		a = NewZeroAnnouncer(u, m.cfg.PeerOptions)
	case SchemeHTTP, SchemeHTTPS:
		a = &BitTorrentAnnouncer{url: u}
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedScheme, u.Scheme)
	}
	return m.Add(u, a)
}

// Add registers an announcer under u. A url already present is an error.
func (m *Manager) Add(u URL, a Announcer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.trackers {
		if t.url == u {
			return fmt.Errorf("tracker %s already added", u)
		}
	}
	m.trackers = append(m.trackers, &tracked{url: u, announcer: a})
	log.Printf("[tracker] added %s", u)
	return nil
}

// Stats returns a snapshot keyed by tracker url.
func (m *Manager) Stats() map[string]Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Stats, len(m.trackers))
	for _, t := range m.trackers {
		out[t.url.String()] = t.stats
	}
	return out
}

// URLs lists the trackers in the order they were added.
func (m *Manager) URLs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.trackers))
	for i, t := range m.trackers {
		out[i] = t.url.String()
	}
	return out
}

func (m *Manager) needTypes() []string {
	switch m.cfg.IPType {
	case "ipv6":
		return []string{"ipv6"}
	case "dual":
		return []string{"ipv4", "ipv6"}
	}
	return []string{"ipv4"}
}

func (m *Manager) addTypes() []string {
	if m.cfg.IPType == "ipv6" {
		return []string{"ipv6"}
	}
	return []string{"ipv4"}
}

func (m *Manager) siteRequest(hash []byte) protocol.AnnounceRequest {
	return protocol.AnnounceRequest{
		Hashes:     [][]byte{hash},
		Onions:     []string{},
		OnionSigns: []string{},
		Port:       m.cfg.Port,
		NeedTypes:  m.needTypes(),
		NeedNum:    m.cfg.NeedNum,
		Add:        m.addTypes(),
	}
}

// withdrawRequest carries the fileserver port, since trackers key announced
// peers by ip:port.
func (m *Manager) withdrawRequest() protocol.AnnounceRequest {
	return protocol.AnnounceRequest{
		Hashes:     [][]byte{},
		Onions:     []string{},
		OnionSigns: []string{},
		Port:       m.cfg.Port,
		NeedTypes:  []string{},
		NeedNum:    DefaultNeedNum,
		Add:        []string{},
		Delete:     true,
	}
}

func (m *Manager) snapshot() []*tracked {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*tracked(nil), m.trackers...)
}

// AnnounceSite announces one address hash to every tracker in parallel and
// returns how many peers were handed to the registry. The error joins every
// tracker failure.
func (m *Manager) AnnounceSite(ctx context.Context, hash []byte) (int, error) {
	trackers := m.snapshot()
	found := make([]int, len(trackers))
	errs := make([]error, len(trackers))
	var g errgroup.Group
	for i, t := range trackers {
		g.Go(func() error {
			found[i], errs[i] = m.announce(ctx, t, m.siteRequest(hash))
			return nil
		})
	}
	g.Wait()

	total := 0
	for _, n := range found {
		total += n
	}
	return total, errors.Join(errs...)
}

// AnnounceAll announces every hosted site.
func (m *Manager) AnnounceAll(ctx context.Context) int {
	total := 0
	for _, h := range m.sites.SiteList() {
		if ctx.Err() != nil {
			break
		}
		n, err := m.AnnounceSite(ctx, h)
		if err != nil {
			log.Printf("[tracker] announce %x: %v", h, err)
		}
		total += n
	}
	return total
}

// Withdraw tells every tracker to forget this node.
func (m *Manager) Withdraw(ctx context.Context) error {
	trackers := m.snapshot()
	errs := make([]error, len(trackers))
	var g errgroup.Group
	for i, t := range trackers {
		g.Go(func() error {
			_, errs[i] = m.announce(ctx, t, m.withdrawRequest())
			return nil
		})
	}
	g.Wait()
	return errors.Join(errs...)
}

func (m *Manager) announce(ctx context.Context, t *tracked, req protocol.AnnounceRequest) (int, error) {
	start := m.now()
	m.mu.Lock()
	t.stats.Status = StatusAnnouncing
	t.stats.NumRequest++
	t.stats.TimeRequest = unix(start)
	t.stats.TimeStatus = unix(start)
	m.mu.Unlock()

	resp, err := t.announcer.Announce(ctx, req)

	now := m.now()
	m.mu.Lock()
	t.stats.TimeStatus = unix(now)
	if err != nil {
		t.stats.Status = StatusError
		t.stats.NumError++
		t.stats.TimeLastError = unix(now)
		t.stats.LastError = err.Error()
	} else {
		t.stats.Status = StatusAnnounced
		t.stats.NumSuccess++
	}
	m.mu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", t.url, err)
	}

	n := 0
	for i, hash := range req.Hashes {
		if i >= len(resp.Peers) {
			break
		}
		for _, ep := range decodePeers(resp.Peers[i]) {
			if !ep.Dialable() {
				continue
			}
			m.peers.UpdatePeer(ep.String(), ep, [][]byte{hash})
			n++
		}
	}
	return n, nil
}

// Run announces every site at start and then every Interval. When ctx is
// done it sends a withdrawal and closes the tracker connections.
func (m *Manager) Run(ctx context.Context) {
	m.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			wctx, cancel := context.WithTimeout(context.Background(), withdrawTimeout)
			if err := m.Withdraw(wctx); err != nil {
				log.Printf("[tracker] withdraw: %v", err)
			}
			cancel()
			m.Close()
			return
		case <-time.After(m.cfg.Interval):
			m.runOnce(ctx)
		}
	}
}

func (m *Manager) runOnce(ctx context.Context) {
	if len(m.snapshot()) == 0 {
		return
	}
	n := m.AnnounceAll(ctx)
	if n > 0 {
		log.Printf("[tracker] found %d peers", n)
	}
}

// Close drops every tracker connection.
func (m *Manager) Close() {
	for _, t := range m.snapshot() {
		t.announcer.Close()
	}
}

// SortedStats returns Stats ordered by url, for stable output.
func (m *Manager) SortedStats() []NamedStats {
	stats := m.Stats()
	out := make([]NamedStats, 0, len(stats))
	for u, s := range stats {
		out = append(out, NamedStats{URL: u, Stats: s})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

// NamedStats pairs a tracker url with its stats.
type NamedStats struct {
	URL string `json:"url"`
	Stats
}

func unix(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
