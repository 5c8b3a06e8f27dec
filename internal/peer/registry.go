package peer

import (
	"log"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"golang.org/x/sync/semaphore"
)

// SiteRouter receives peer-to-site associations. It returns the addresses of
// the local sites that matched one of the hashes.
type SiteRouter interface {
	AddPeer(id string, p *Peer, siteHashes [][]byte) []string
}

type entry struct {
	peer  *Peer
	sites mapset.Set[string]
}

// Registry owns every known peer. Peers are only dropped when the last site
// using them reports them dead.
type Registry struct {
	mu     sync.RWMutex
	peers  map[string]*entry
	opts   Options
	router SiteRouter
}

// NewRegistry creates a registry. A globalLimit above zero caps the number of
// open outbound connections across all peers.
func NewRegistry(opts Options, globalLimit int) *Registry {
	if globalLimit > 0 && opts.Limit == nil {
		opts.Limit = semaphore.NewWeighted(int64(globalLimit))
	}
	return &Registry{
		peers: make(map[string]*entry),
		opts:  opts,
	}
}

// SetRouter installs the site layer that UpdatePeer forwards to.
func (r *Registry) SetRouter(router SiteRouter) {
	r.mu.Lock()
	r.router = router
	r.mu.Unlock()
}

// Add returns the peer for id, creating it if needed. A known id seen at a
// different endpoint is moved there.
func (r *Registry) Add(id string, ep Endpoint) *Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addLocked(id, ep)
}

func (r *Registry) addLocked(id string, ep Endpoint) *Peer {
	if e, ok := r.peers[id]; ok {
		if e.peer.Endpoint() != ep {
			log.Printf("[peer] %s moved to %s", id, ep)
		}
		e.peer.SetEndpoint(ep)
		return e.peer
	}
	p := New(id, ep, r.opts)
	r.peers[id] = &entry{peer: p, sites: mapset.NewSet[string]()}
	return p
}

// UpdatePeer adds the peer and tells the site layer which sites it serves.
func (r *Registry) UpdatePeer(id string, ep Endpoint, siteHashes [][]byte) *Peer {
	r.mu.Lock()
	p := r.addLocked(id, ep)
	router := r.router
	r.mu.Unlock()

	if router == nil || len(siteHashes) == 0 {
		return p
	}
	matched := router.AddPeer(id, p, siteHashes)

	r.mu.Lock()
	if e, ok := r.peers[id]; ok && e.peer == p {
		for _, addr := range matched {
			e.sites.Add(addr)
		}
	}
	r.mu.Unlock()
	return p
}

// Associate records that site uses peer id, for peers a site added itself.
func (r *Registry) Associate(id, site string) {
	r.mu.Lock()
	if e, ok := r.peers[id]; ok {
		e.sites.Add(site)
	}
	r.mu.Unlock()
}

func (r *Registry) Get(id string) (*Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.peers[id]
	if !ok {
		return nil, false
	}
	return e.peer, true
}

// Sites returns the addresses of the sites associated with id.
func (r *Registry) Sites(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.peers[id]
	if !ok {
		return nil
	}
	return e.sites.ToSlice()
}

// Remove is called by a site that dropped peer id. Once no site uses the
// peer its connection is closed and it is forgotten.
func (r *Registry) Remove(id, site string) {
	r.mu.Lock()
	e, ok := r.peers[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	e.sites.Remove(site)
	if e.sites.Cardinality() > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.peers, id)
	r.mu.Unlock()

	e.peer.Close()
	log.Printf("[peer] %s evicted", id)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// List returns every peer.
func (r *Registry) List() []*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Peer, 0, len(r.peers))
	for _, e := range r.peers {
		out = append(out, e.peer)
	}
	return out
}

// Close drops all connections.
func (r *Registry) Close() {
	r.mu.Lock()
	peers := r.peers
	r.peers = make(map[string]*entry)
	r.mu.Unlock()
	for _, e := range peers {
		e.peer.Close()
	}
}
