package tracker

import (
	"context"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/zeronode/zeronode/internal/protocol"
)

// DefaultPeerTimeout is how long an announced peer is kept without
// re-announcing.
const DefaultPeerTimeout = time.Hour

// announced is one peer seen announcing a hash.
type announced struct {
	IP       net.IP
	Port     uint16
	LastSeen time.Time
}

func (a *announced) key() string {
	return net.JoinHostPort(a.IP.String(), strconv.Itoa(int(a.Port)))
}

// BootstrapStats summarizes the bootstrap table.
type BootstrapStats struct {
	Hashes int `json:"hashes"`
	Peers  int `json:"peers"`
}

// Bootstrapper is an in-memory tracker: address hash -> peers that announced
// it. The fileserver answers announce requests with it.
type Bootstrapper struct {
	mu     sync.RWMutex
	hashes map[string]map[string]*announced // hash -> ip:port -> peer
	now    func() time.Time
}

func NewBootstrapper() *Bootstrapper {
	return &Bootstrapper{
		hashes: make(map[string]map[string]*announced),
		now:    time.Now,
	}
}

// Announce records the requester under every hash it announced and returns up
// to need_num other peers per hash. A delete with no hashes removes the
// requester everywhere.
func (b *Bootstrapper) Announce(remote net.IP, req protocol.AnnounceRequest) *protocol.AnnounceResponse {
	b.mu.Lock()
	defer b.mu.Unlock()

	self := &announced{IP: remote, Port: uint16(req.Port), LastSeen: b.now()}
	if req.Delete && len(req.Hashes) == 0 {
		for h, peers := range b.hashes {
			delete(peers, self.key())
			if len(peers) == 0 {
				delete(b.hashes, h)
			}
		}
		return &protocol.AnnounceResponse{Peers: []protocol.AnnouncePeers{}}
	}

	register := req.Port > 0 && !req.Delete && addsType(req.Add, remote)
	resp := &protocol.AnnounceResponse{Peers: make([]protocol.AnnouncePeers, len(req.Hashes))}
	for i, h := range req.Hashes {
		peers := b.hashes[string(h)]
		resp.Peers[i] = pick(peers, self.key(), req.NeedTypes, req.NeedNum)
		if register {
			if peers == nil {
				peers = make(map[string]*announced)
				b.hashes[string(h)] = peers
			}
			peers[self.key()] = self
		} else if req.Delete && peers != nil {
			delete(peers, self.key())
		}
	}
	return resp
}

// addsType reports whether the requester offered the transport it came from.
func addsType(add []string, ip net.IP) bool {
	want := "ipv6"
	if ip.To4() != nil {
		want = "ipv4"
	}
	for _, t := range add {
		if t == want {
			return true
		}
	}
	return false
}

func pick(peers map[string]*announced, exclude string, needTypes []string, need int) protocol.AnnouncePeers {
	var out protocol.AnnouncePeers
	if need <= 0 {
		need = DefaultNeedNum
	}
	wantV4, wantV6 := false, false
	for _, t := range needTypes {
		switch t {
		case "ipv4":
			wantV4 = true
		case "ipv6":
			wantV6 = true
		}
	}
	n := 0
	for k, p := range peers {
		if n >= need {
			break
		}
		if k == exclude {
			continue
		}
		if p.IP.To4() != nil {
			if !wantV4 {
				continue
			}
			b, err := protocol.PackIPv4(p.IP, p.Port)
			if err != nil {
				continue
			}
			out.IPv4 = append(out.IPv4, b)
		} else {
			if !wantV6 {
				continue
			}
			b, err := protocol.PackIPv6(p.IP, p.Port)
			if err != nil {
				continue
			}
			out.IPv6 = append(out.IPv6, b)
		}
		n++
	}
	return out
}

// PruneOffline drops peers not seen within timeout and returns how many.
func (b *Bootstrapper) PruneOffline(timeout time.Duration) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	cutoff := b.now().Add(-timeout)
	n := 0
	for h, peers := range b.hashes {
		for k, p := range peers {
			if p.LastSeen.Before(cutoff) {
				delete(peers, k)
				n++
			}
		}
		if len(peers) == 0 {
			delete(b.hashes, h)
		}
	}
	return n
}

// Stats returns summary statistics for the table.
func (b *Bootstrapper) Stats() BootstrapStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var stats BootstrapStats
	stats.Hashes = len(b.hashes)
	for _, peers := range b.hashes {
		stats.Peers += len(peers)
	}
	return stats
}

// Run prunes stale peers every timeout/4 until ctx is done.
func (b *Bootstrapper) Run(ctx context.Context, timeout time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(timeout / 4):
			if n := b.PruneOffline(timeout); n > 0 {
				log.Printf("[tracker] pruned %d stale bootstrap peers", n)
			}
		}
	}
}
