package tracker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/zeronode/zeronode/internal/peer"
	"github.com/zeronode/zeronode/internal/protocol"
)

// ErrNotImplemented is what BitTorrent trackers report in their stats.
var ErrNotImplemented = errors.New("tracker: bittorrent announcer is not implemented")

// Announcer sends one announce to a tracker.
type Announcer interface {
	Announce(ctx context.Context, req protocol.AnnounceRequest) (*protocol.AnnounceResponse, error)
	Close()
}

// ZeroAnnouncer talks to a zero:// tracker over the peer protocol. The
// tracker host is resolved on first use.
type ZeroAnnouncer struct {
	url  URL
	opts peer.Options

	mu   sync.Mutex
	peer *peer.Peer
}

func NewZeroAnnouncer(u URL, opts peer.Options) *ZeroAnnouncer {
	return &ZeroAnnouncer{url: u, opts: opts}
}

func (z *ZeroAnnouncer) Announce(ctx context.Context, req protocol.AnnounceRequest) (*protocol.AnnounceResponse, error) {
	p, err := z.connect(ctx)
	if err != nil {
		return nil, err
	}
	return p.Announce(ctx, req)
}

func (z *ZeroAnnouncer) connect(ctx context.Context) (*peer.Peer, error) {
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.peer != nil {
		return z.peer, nil
	}
	host := z.url.Host
	if net.ParseIP(host) == nil {
		ep, err := peer.NewEndpoint(host, z.url.Port)
		if err == nil && !ep.Dialable() {
			return nil, fmt.Errorf("%s: %w", z.url, peer.ErrUnsupportedTransport)
		}
		addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", z.url, err)
		}
		if len(addrs) == 0 {
			return nil, fmt.Errorf("resolve %s: no addresses", z.url)
		}
		host = addrs[0].IP.String()
	}
	ep, err := peer.NewEndpoint(host, z.url.Port)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", z.url, err)
	}
	z.peer = peer.New(z.url.String(), ep, z.opts)
	return z.peer, nil
}

func (z *ZeroAnnouncer) Close() {
	z.mu.Lock()
	p := z.peer
	z.mu.Unlock()
	if p != nil {
		p.Close()
	}
}

// BitTorrentAnnouncer stands in for http and https trackers. Every announce
// fails with ErrNotImplemented.
type BitTorrentAnnouncer struct {
	url URL
}

func (b *BitTorrentAnnouncer) Announce(ctx context.Context, req protocol.AnnounceRequest) (*protocol.AnnounceResponse, error) {
	return nil, fmt.Errorf("%s: %w", b.url, ErrNotImplemented)
}

func (b *BitTorrentAnnouncer) Close() {}

// decodePeers turns the packed peers found for one hash into endpoints.
// Entries that fail to unpack are skipped.
func decodePeers(found protocol.AnnouncePeers) []peer.Endpoint {
	var out []peer.Endpoint
	for _, b := range found.IPv4 {
		ip, port, err := protocol.UnpackIPv4(b)
		if err != nil || port == 0 {
			continue
		}
		if ep, err := peer.NewEndpoint(ip.String(), port); err == nil {
			out = append(out, ep)
		}
	}
	for _, b := range found.IPv6 {
		ip, port, err := protocol.UnpackIPv6(b)
		if err != nil || port == 0 {
			continue
		}
		if ep, err := peer.NewEndpoint(ip.String(), port); err == nil {
			out = append(out, ep)
		}
	}
	for _, b := range found.Onion {
		host, port, err := protocol.UnpackOnion(b)
		if err != nil || port == 0 {
			continue
		}
		if ep, err := peer.NewEndpoint(host, port); err == nil {
			out = append(out, ep)
		}
	}
	return out
}
