package site

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/errgroup"

	"github.com/zeronode/zeronode/internal/address"
	"github.com/zeronode/zeronode/internal/peer"
)

// maxWrapperKeys bounds how many gateway sessions are remembered.
const maxWrapperKeys = 4096

// Registry owns every site actor and the wrapper keys the gateway hands to
// browser sessions.
type Registry struct {
	mu        sync.RWMutex
	sites     map[string]*Site
	hashes    map[string]string // address hash -> address
	keys      *lru.Cache        // wrapper key -> address
	updatedAt time.Time
	opts      Options
}

// NewRegistry creates an empty registry. opts apply to every site it spawns.
func NewRegistry(opts Options) (*Registry, error) {
	keys, err := lru.New(maxWrapperKeys)
	if err != nil {
		return nil, fmt.Errorf("wrapper key cache: %w", err)
	}
	opts.setDefaults()
	return &Registry{
		sites:     make(map[string]*Site),
		hashes:    make(map[string]string),
		keys:      keys,
		updatedAt: opts.Now(),
		opts:      opts,
	}, nil
}

// SetEvictor installs the peer registry sites report dropped peers to.
func (r *Registry) SetEvictor(e Evictor) {
	r.mu.Lock()
	r.opts.Evictor = e
	r.mu.Unlock()
}

// Add returns the site for addr, spawning its actor if needed.
func (r *Registry) Add(addr address.Address) *Site {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sites[addr.String()]; ok {
		return r.liveLocked(s)
	}
	// The index row must exist before the actor installs local manifests.
	if r.opts.Index != nil {
		if err := r.opts.Index.SaveSite(addr.String()); err != nil {
			log.Printf("[site] index %s: %v", addr.Short(), err)
		}
	}
	s := newSite(addr, r.opts)
	s.start()
	r.sites[addr.String()] = s
	r.hashes[string(addr.Hash())] = addr.String()
	r.updatedAt = r.opts.Now()
	log.Printf("[site] %s: started", addr.Short())
	return s
}

// liveLocked replaces a crashed actor with a fresh one that keeps its peers.
func (r *Registry) liveLocked(s *Site) *Site {
	select {
	case <-s.Done():
	default:
		return s
	}
	if !s.Crashed() {
		return s
	}
	log.Printf("[site] %s: restarting after crash", s.address.Short())
	fresh := newSite(s.address, r.opts)
	for id, p := range s.snapshotPeers() {
		fresh.peers[id] = p
	}
	fresh.start()
	r.sites[s.address.String()] = fresh
	r.updatedAt = r.opts.Now()
	return fresh
}

// Lookup returns the site for an address.
func (r *Registry) Lookup(addr string) (*Site, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sites[addr]
	if !ok {
		return nil, false
	}
	return r.liveLocked(s), true
}

// LookupKey resolves a wrapper key issued by AddWrapperKey or NewWrapperKey.
func (r *Registry) LookupKey(key string) (*Site, bool) {
	v, ok := r.keys.Get(key)
	if !ok {
		return nil, false
	}
	return r.Lookup(v.(string))
}

// AddWrapperKey binds key to a hosted site.
func (r *Registry) AddWrapperKey(addr, key string) error {
	if key == "" {
		return fmt.Errorf("wrapper key: empty key")
	}
	r.mu.RLock()
	_, ok := r.sites[addr]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSite, addr)
	}
	r.keys.Add(key, addr)
	return nil
}

// NewWrapperKey issues a fresh key for addr.
func (r *Registry) NewWrapperKey(addr string) (string, error) {
	key := strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := r.AddWrapperKey(addr, key); err != nil {
		return "", err
	}
	return key, nil
}

// SitesChanged is when the set of sites last changed.
func (r *Registry) SitesChanged() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.updatedAt
}

// SiteList returns the address hash of every site, for advertisement.
func (r *Registry) SiteList() [][]byte {
	addrs := r.Addresses()
	out := make([][]byte, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, address.MustParse(a).Hash())
	}
	return out
}

// Addresses returns every hosted address in sorted order.
func (r *Registry) Addresses() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.sites))
	for a := range r.sites {
		out = append(out, a)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// SiteInfoList gathers a snapshot from every site in parallel.
func (r *Registry) SiteInfoList(ctx context.Context) ([]Info, error) {
	addrs := r.Addresses()
	infos := make([]Info, len(addrs))
	g, ctx := errgroup.WithContext(ctx)
	for i, a := range addrs {
		s, ok := r.Lookup(a)
		if !ok {
			continue
		}
		g.Go(func() error {
			info, err := s.Info(ctx)
			if err != nil {
				return fmt.Errorf("site %s: %w", a, err)
			}
			infos[i] = info
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return infos, nil
}

// AddPeer hands a peer to every site whose address hash it advertised and
// returns the matched addresses.
func (r *Registry) AddPeer(id string, p *peer.Peer, siteHashes [][]byte) []string {
	var matched []*Site
	r.mu.Lock()
	for _, h := range siteHashes {
		addr, ok := r.hashes[string(h)]
		if !ok {
			continue
		}
		if s, ok := r.sites[addr]; ok {
			matched = append(matched, r.liveLocked(s))
		}
	}
	r.mu.Unlock()

	out := make([]string, 0, len(matched))
	for _, s := range matched {
		s.AddPeer(id, p)
		out = append(out, s.address.String())
	}
	return out
}

// Known reports whether hash is the address hash of a hosted site.
func (r *Registry) Known(hash []byte) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.hashes[string(hash)]
	return ok
}

// Close stops every site.
func (r *Registry) Close() {
	r.mu.Lock()
	sites := make([]*Site, 0, len(r.sites))
	for _, s := range r.sites {
		sites = append(sites, s)
	}
	r.mu.Unlock()
	for _, s := range sites {
		s.Stop()
	}
}
