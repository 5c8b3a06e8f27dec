// Package discovery finds peers on the local network. Nodes broadcast a
// discoverRequest over UDP; every node that hears it answers, and the two then
// exchange the address hashes of the sites they host.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/zeronode/zeronode/internal/peer"
	"github.com/zeronode/zeronode/internal/ratelimit"
)

const (
	DefaultPort     = 1544
	DefaultInterval = 5 * time.Minute

	// MaxDatagram fits a siteListResponse of SitesPerMessage hashes with
	// room for the envelope.
	MaxDatagram     = 4800
	SitesPerMessage = 100

	rev       = 4241
	seenPeers = 1024
)

// UDPConn is a socket discovery can run on.
type UDPConn interface {
	ReadFromUDP(b []byte) (n int, addr *net.UDPAddr, err error)
	WriteToUDP(b []byte, addr *net.UDPAddr) (n int, err error)
	Close() error
	LocalAddr() net.Addr
}

// Sites is what discovery advertises.
type Sites interface {
	SitesChanged() time.Time
	SiteList() [][]byte
}

// PeerUpdater receives the peers discovered on the network.
type PeerUpdater interface {
	UpdatePeer(id string, ep peer.Endpoint, siteHashes [][]byte) *peer.Peer
}

// Config holds settings for the discovery listener.
type Config struct {
	ListenIP       string
	Port           int // broadcast port, DefaultPort when zero
	FileserverPort int
	PeerID         string        // generated when empty
	Interval       time.Duration // re-broadcast period
	RateLimit      int           // datagrams per remote IP per minute, zero disables

	// Broadcast overrides 255.255.255.255:<Port>.
	Broadcast *net.UDPAddr
}

func (cfg Config) withDefaults() (Config, error) {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Interval == 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.PeerID == "" {
		id, err := NewPeerID()
		if err != nil {
			return cfg, err
		}
		cfg.PeerID = id
	}
	if cfg.Broadcast == nil {
		cfg.Broadcast = &net.UDPAddr{IP: net.IPv4bcast, Port: cfg.Port}
	}
	return cfg, nil
}

// Server answers discovery datagrams and forwards found peers.
type Server struct {
	cfg     Config
	listen  UDPConn
	send    UDPConn
	self    Sender
	sites   Sites
	peers   PeerUpdater
	seen    *lru.Cache // peer id -> last sites_changed
	limiter *ratelimit.Keyed

	closeOnce sync.Once
	closing   chan struct{}
}

// Listen binds the listener on ListenIP:Port and a sender socket on an
// ephemeral port. Go enables SO_BROADCAST on UDP sockets.
func Listen(cfg Config, sites Sites, peers PeerUpdater) (*Server, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	ip := net.ParseIP(cfg.ListenIP)
	ln, err := net.ListenUDP("udp4", &net.UDPAddr{IP: ip, Port: cfg.Port})
	if err != nil {
		return nil, fmt.Errorf("discovery listen: %w", err)
	}
	snd, err := net.ListenUDP("udp4", &net.UDPAddr{IP: ip})
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("discovery sender: %w", err)
	}
	return New(cfg, ln, snd, sites, peers)
}

// New runs discovery on existing sockets.
func New(cfg Config, listen, send UDPConn, sites Sites, peers PeerUpdater) (*Server, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	seen, err := lru.New(seenPeers)
	if err != nil {
		return nil, fmt.Errorf("discovery seen cache: %w", err)
	}
	if a, ok := listen.LocalAddr().(*net.UDPAddr); ok && a.Port != 0 {
		cfg.Port = a.Port
	}
	return &Server{
		cfg:    cfg,
		listen: listen,
		send:   send,
		self: Sender{
			Service:       Service,
			PeerID:        cfg.PeerID,
			Port:          cfg.FileserverPort,
			BroadcastPort: cfg.Port,
			Rev:           rev,
		},
		sites:   sites,
		peers:   peers,
		seen:    seen,
		limiter: ratelimit.NewKeyed(cfg.RateLimit, time.Minute),
		closing: make(chan struct{}),
	}, nil
}

// PeerID is this node's discovery identity.
func (s *Server) PeerID() string { return s.self.PeerID }

// Run broadcasts at start and every Interval, and serves datagrams until ctx
// is done.
func (s *Server) Run(ctx context.Context) error {
	go s.readLoop()
	go s.limiter.Run(ctx, time.Minute)

	if err := s.Broadcast(); err != nil {
		log.Printf("[discovery] broadcast: %v", err)
	}
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.Close()
			return ctx.Err()
		case <-s.closing:
			return nil
		case <-ticker.C:
			if err := s.Broadcast(); err != nil {
				log.Printf("[discovery] broadcast: %v", err)
			}
		}
	}
}

// Broadcast sends a discoverRequest to the local network.
func (s *Server) Broadcast() error {
	return s.sendTo(s.cfg.Broadcast, &Message{Sender: s.self, Cmd: CmdDiscoverRequest})
}

// Close shuts both sockets.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.closing)
		s.listen.Close()
		s.send.Close()
	})
}

func (s *Server) readLoop() {
	buf := make([]byte, MaxDatagram+1)
	for {
		n, from, err := s.listen.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-s.closing:
				return
			default:
			}
			log.Printf("[discovery] read: %v", err)
			continue
		}
		if !s.limiter.Allow(from.IP.String()) {
			continue
		}
		if n > MaxDatagram {
			log.Printf("[discovery] %s: %v", from, ErrTooLarge)
			continue
		}
		if err := s.handlePacket(buf[:n], from); err != nil {
			log.Printf("[discovery] %s: %v", from, err)
		}
	}
}

func (s *Server) handlePacket(b []byte, from *net.UDPAddr) error {
	m, err := Decode(b)
	if err != nil {
		return err
	}
	m.Sender.IP = from.IP.String()
	return s.handle(m)
}

// handle reacts to one message. Foreign services and our own broadcasts are
// dropped without error.
func (s *Server) handle(m *Message) error {
	if m.Sender.Service != Service || m.Sender.PeerID == s.self.PeerID {
		return nil
	}
	reply := &net.UDPAddr{IP: net.ParseIP(m.Sender.IP), Port: m.Sender.BroadcastPort}

	switch m.Cmd {
	case CmdDiscoverRequest:
		return s.sendTo(reply, &Message{
			Sender: s.self,
			Cmd:    CmdDiscoverResponse,
			Params: Params{SitesChanged: s.sites.SitesChanged().Unix()},
		})

	case CmdDiscoverResponse:
		changed := m.Params.SitesChanged
		if last, ok := s.seen.Get(m.Sender.PeerID); ok && changed != 0 && last.(int64) >= changed {
			return nil
		}
		s.seen.Add(m.Sender.PeerID, changed)
		return s.sendTo(reply, &Message{Sender: s.self, Cmd: CmdSiteListRequest})

	case CmdSiteListRequest:
		for _, chunk := range chunkSites(s.sites.SiteList(), SitesPerMessage) {
			err := s.sendTo(reply, &Message{
				Sender: s.self,
				Cmd:    CmdSiteListResponse,
				Params: Params{Sites: chunk},
			})
			if err != nil {
				return err
			}
		}
		return nil

	case CmdSiteListResponse:
		if len(m.Params.Sites) == 0 {
			return nil
		}
		ep, err := peer.ParseEndpoint(net.JoinHostPort(m.Sender.IP, strconv.Itoa(m.Sender.Port)))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		s.peers.UpdatePeer(m.Sender.PeerID, ep, m.Params.Sites)
		log.Printf("[discovery] %s at %s: %d sites", m.Sender.PeerID, ep, len(m.Params.Sites))
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnknownCommand, m.Cmd)
}

func (s *Server) sendTo(addr *net.UDPAddr, m *Message) error {
	b, err := Encode(m)
	if err != nil {
		return err
	}
	if _, err := s.send.WriteToUDP(b, addr); err != nil {
		return fmt.Errorf("send %s to %s: %w", m.Cmd, addr, err)
	}
	return nil
}
