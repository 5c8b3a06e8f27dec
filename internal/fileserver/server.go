// Package fileserver answers the peer protocol for remote nodes: it serves
// site files and hashfields, answers pings and, when a bootstrap tracker is
// configured, announces.
package fileserver

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/zeronode/zeronode/internal/peer"
	"github.com/zeronode/zeronode/internal/protocol"
	"github.com/zeronode/zeronode/internal/ratelimit"
	"github.com/zeronode/zeronode/internal/site"
	"github.com/zeronode/zeronode/internal/tracker"
)

var (
	ErrRateLimited = errors.New("rate limited")
	ErrUnknownSite = errors.New("unknown site")
	ErrSizeChanged = errors.New("file size does not match")
)

// Sites resolves the site a request names.
type Sites interface {
	Lookup(address string) (*site.Site, bool)
}

// Peers registers inbound peers so outbound requests can reuse their
// connection.
type Peers interface {
	Add(id string, ep peer.Endpoint) *peer.Peer
}

// Config holds settings for the listener.
type Config struct {
	// Handshake is sent in reply to inbound handshakes.
	Handshake protocol.Handshake
	// RateLimit caps requests per remote IP per minute. Zero disables it.
	RateLimit int
	Timeout   time.Duration
}

// Server is the peer protocol listener.
type Server struct {
	cfg     Config
	sites   Sites
	peers   Peers
	boot    *tracker.Bootstrapper
	limiter *ratelimit.Keyed

	mu     sync.Mutex
	ln     net.Listener
	conns  map[*protocol.Conn]struct{}
	closed bool
}

// New creates a server. peers and boot may be nil.
func New(cfg Config, sites Sites, peers Peers, boot *tracker.Bootstrapper) *Server {
	return &Server{
		cfg:     cfg,
		sites:   sites,
		peers:   peers,
		boot:    boot,
		limiter: ratelimit.NewKeyed(cfg.RateLimit, time.Minute),
		conns:   make(map[*protocol.Conn]struct{}),
	}
}

// Listen binds addr and serves in the background.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("fileserver listen: %w", err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	go s.Serve(ln)
	return nil
}

// Serve accepts connections on ln until Close.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return net.ErrClosed
	}
	s.ln = ln
	s.mu.Unlock()
	log.Printf("[fileserver] listening on %s", ln.Addr())

	for {
		nc, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("fileserver accept: %w", err)
		}
		s.accept(nc)
	}
}

func (s *Server) accept(nc net.Conn) {
	c := protocol.NewConn(nc, protocol.Config{
		Local:       s.cfg.Handshake,
		Handler:     s.handle,
		Timeout:     s.cfg.Timeout,
		OnHandshake: s.onHandshake,
	})
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		c.Close()
		return
	}
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-c.Done()
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
	}()
}

// Addr is the bound address, nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Conns is the number of open inbound connections.
func (s *Server) Conns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Run cleans the rate limiter until ctx is done, then closes the server.
func (s *Server) Run(ctx context.Context) {
	s.limiter.Run(ctx, time.Minute)
	s.Close()
}

// Close stops accepting and drops every connection.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.ln
	conns := make([]*protocol.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	for _, c := range conns {
		c.Close()
	}
	return err
}

func remoteIP(c *protocol.Conn) net.IP {
	host, _, err := net.SplitHostPort(c.RemoteAddr().String())
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}

// onHandshake registers a remote that told us its fileserver port.
func (s *Server) onHandshake(c *protocol.Conn, remote protocol.Handshake) error {
	if s.peers == nil || remote.FileserverPort <= 0 || remote.FileserverPort > 65535 {
		return nil
	}
	ip := remoteIP(c)
	if ip == nil {
		return nil
	}
	ep, err := peer.ParseEndpoint(net.JoinHostPort(ip.String(), strconv.Itoa(remote.FileserverPort)))
	if err != nil {
		return nil
	}
	id := remote.PeerID
	if id == "" {
		id = ep.String()
	}
	s.peers.Add(id, ep).Attach(c)
	return nil
}

func (s *Server) handle(c *protocol.Conn, req *protocol.Request) (any, error) {
	if ip := remoteIP(c); ip != nil && !s.limiter.Allow(ip.String()) {
		return nil, ErrRateLimited
	}
	ctx, cancel := context.WithTimeout(context.Background(), protocol.DefaultTimeout)
	defer cancel()

	switch req.Cmd {
	case protocol.CmdPing:
		return protocol.PingResponse{Body: "Pong!"}, nil
	case protocol.CmdGetFile:
		return s.getFile(ctx, req)
	case protocol.CmdGetHashfield:
		return s.getHashfield(ctx, req)
	case protocol.CmdAnnounce:
		if s.boot == nil {
			return nil, protocol.ErrUnknownCommand
		}
		var r protocol.AnnounceRequest
		if err := req.Decode(&r); err != nil {
			return nil, err
		}
		return s.boot.Announce(remoteIP(c), r), nil
	}
	return nil, protocol.ErrUnknownCommand
}

func (s *Server) getFile(ctx context.Context, req *protocol.Request) (any, error) {
	var r protocol.GetFileRequest
	if err := req.Decode(&r); err != nil {
		return nil, err
	}
	st, ok := s.sites.Lookup(r.Site)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSite, r.Site)
	}
	if r.Location < 0 {
		return nil, fmt.Errorf("bad location %d", r.Location)
	}
	body, size, err := st.ReadFile(ctx, r.InnerPath, r.Location, protocol.FileChunkSize)
	if err != nil {
		if errors.Is(err, site.ErrFileNotFound) {
			return nil, fmt.Errorf("File read error: %w", err)
		}
		return nil, err
	}
	if r.FileSize > 0 && r.FileSize != size {
		return nil, fmt.Errorf("%w: %d != %d", ErrSizeChanged, r.FileSize, size)
	}
	return protocol.GetFileResponse{
		Body:     body,
		Location: r.Location + int64(len(body)),
		Size:     size,
	}, nil
}

func (s *Server) getHashfield(ctx context.Context, req *protocol.Request) (any, error) {
	var r protocol.GetHashfieldRequest
	if err := req.Decode(&r); err != nil {
		return nil, err
	}
	st, ok := s.sites.Lookup(r.Site)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSite, r.Site)
	}
	ids, err := st.Hashfield(ctx)
	if err != nil {
		return nil, err
	}
	return protocol.GetHashfieldResponse{HashfieldRaw: protocol.PackHashfield(ids)}, nil
}
