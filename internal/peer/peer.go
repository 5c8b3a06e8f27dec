// Package peer manages remote ZeroNet nodes: one Peer per remote node owning
// a lazily opened protocol connection, and a Registry keyed by peer id that
// tells the site layer which sites each peer serves.
package peer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/zeronode/zeronode/internal/protocol"
)

// MaxConsecutiveErrors is how many failed requests in a row tear down the
// connection. The next request dials again.
const MaxConsecutiveErrors = 3

// ErrConnectionLimit is returned when the global connection limit is
// exhausted and a new connection would be needed.
var ErrConnectionLimit = errors.New("peer: global connection limit reached")

// DialFunc opens a protocol connection and performs the handshake.
type DialFunc func(ctx context.Context, addr string, cfg protocol.Config) (*protocol.Conn, error)

// Options are shared by every peer of a registry.
type Options struct {
	// Handshake is what we send when dialing.
	Handshake protocol.Handshake
	// Timeout bounds each request. Zero means protocol.DefaultTimeout.
	Timeout time.Duration
	// Limit caps open connections across all peers. Nil means unlimited.
	Limit *semaphore.Weighted
	// Dial defaults to protocol.Dial.
	Dial DialFunc
}

// Stats is a snapshot of a peer's counters.
type Stats struct {
	DownloadBytes     int64         `json:"download_bytes"`
	DownloadTime      time.Duration `json:"download_time"`
	Errors            int           `json:"errors"`
	ConsecutiveErrors int           `json:"consecutive_errors"`
	Reputation        int           `json:"reputation"`
	TimeFound         time.Time     `json:"time_found"`
	TimeResponse      time.Time     `json:"time_response"`
	Connected         bool          `json:"connected"`
}

// Peer is one remote node. Requests from any number of callers share the
// single connection; the protocol layer multiplexes them by req_id.
type Peer struct {
	id   string
	opts Options

	dialMu sync.Mutex // held only while opening a connection

	mu       sync.Mutex
	endpoint Endpoint
	conn     *protocol.Conn
	stats    Stats
}

// New creates a peer. No connection is opened until the first request.
func New(id string, ep Endpoint, opts Options) *Peer {
	if opts.Dial == nil {
		opts.Dial = protocol.Dial
	}
	return &Peer{
		id:       id,
		opts:     opts,
		endpoint: ep,
		stats:    Stats{TimeFound: time.Now()},
	}
}

func (p *Peer) ID() string { return p.id }

func (p *Peer) Endpoint() Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.endpoint
}

// SetEndpoint moves the peer to a new address. An open connection to the old
// address is closed.
func (p *Peer) SetEndpoint(ep Endpoint) {
	p.mu.Lock()
	if p.endpoint == ep {
		p.stats.TimeFound = time.Now()
		p.mu.Unlock()
		return
	}
	p.endpoint = ep
	p.stats.TimeFound = time.Now()
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// Found refreshes time_found.
func (p *Peer) Found() {
	p.mu.Lock()
	p.stats.TimeFound = time.Now()
	p.mu.Unlock()
}

func (p *Peer) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.Connected = p.conn != nil && p.conn.Err() == nil
	return s
}

// Attach adopts an inbound connection from this peer so requests reuse it
// instead of dialing back. A live connection is kept and Attach reports false.
func (p *Peer) Attach(conn *protocol.Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil && p.conn.Err() == nil {
		return p.conn == conn
	}
	p.conn = conn
	return true
}

func (p *Peer) connect(ctx context.Context) (*protocol.Conn, error) {
	p.mu.Lock()
	conn, ep := p.conn, p.endpoint
	p.mu.Unlock()
	if conn != nil && conn.Err() == nil {
		return conn, nil
	}

	p.dialMu.Lock()
	defer p.dialMu.Unlock()

	// Another caller may have connected while we waited.
	p.mu.Lock()
	conn, ep = p.conn, p.endpoint
	p.mu.Unlock()
	if conn != nil && conn.Err() == nil {
		return conn, nil
	}

	if !ep.Dialable() {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedTransport, ep.Type)
	}
	if p.opts.Limit != nil && !p.opts.Limit.TryAcquire(1) {
		return nil, ErrConnectionLimit
	}

	conn, err := p.opts.Dial(ctx, ep.String(), protocol.Config{
		Local:   p.opts.Handshake,
		Timeout: p.opts.Timeout,
	})
	if err != nil {
		if p.opts.Limit != nil {
			p.opts.Limit.Release(1)
		}
		return nil, err
	}
	if p.opts.Limit != nil {
		go func() {
			<-conn.Done()
			p.opts.Limit.Release(1)
		}()
	}

	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()
	return conn, nil
}

// request sends one command and updates the error counters. Three failures in
// a row drop the connection.
func (p *Peer) request(ctx context.Context, cmd protocol.Command, params, out any) error {
	conn, err := p.connect(ctx)
	if err == nil {
		err = conn.Request(ctx, cmd, params, out)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		p.stats.ConsecutiveErrors = 0
		p.stats.TimeResponse = time.Now()
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	p.stats.Errors++
	p.stats.ConsecutiveErrors++
	if p.stats.ConsecutiveErrors >= MaxConsecutiveErrors && p.conn != nil {
		log.Printf("[peer] %s: %d consecutive errors, resetting connection", p.id, p.stats.ConsecutiveErrors)
		p.conn.Close()
		p.conn = nil
		p.stats.ConsecutiveErrors = 0
	}
	return err
}

// FileGet downloads innerPath of site, following location until the whole
// file has arrived. size is the expected length from the manifest, or 0 when
// unknown.
func (p *Peer) FileGet(ctx context.Context, site, innerPath string, size int64) ([]byte, error) {
	start := time.Now()
	var buf bytes.Buffer
	var location int64
	for {
		var resp protocol.GetFileResponse
		req := protocol.GetFileRequest{Site: site, InnerPath: innerPath, Location: location, FileSize: size}
		if err := p.request(ctx, protocol.CmdGetFile, req, &resp); err != nil {
			return nil, fmt.Errorf("getFile %s/%s from %s: %w", site, innerPath, p.id, err)
		}

		limit := size
		if limit <= 0 {
			limit = resp.Size
		}
		buf.Write(resp.Body)
		if int64(buf.Len()) > limit {
			return nil, &protocol.ProtocolError{Msg: fmt.Sprintf("getFile %s: peer sent %d bytes for %d-byte file", innerPath, buf.Len(), limit)}
		}
		if int64(buf.Len()) >= limit {
			break
		}
		if len(resp.Body) == 0 || resp.Location <= location {
			return nil, &protocol.ProtocolError{Msg: fmt.Sprintf("getFile %s: no progress at location %d", innerPath, location)}
		}
		location = resp.Location
	}

	p.mu.Lock()
	p.stats.DownloadBytes += int64(buf.Len())
	p.stats.DownloadTime += time.Since(start)
	p.mu.Unlock()
	return buf.Bytes(), nil
}

// Announce asks a tracker peer for peers of the hashed sites.
func (p *Peer) Announce(ctx context.Context, req protocol.AnnounceRequest) (*protocol.AnnounceResponse, error) {
	var resp protocol.AnnounceResponse
	if err := p.request(ctx, protocol.CmdAnnounce, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (p *Peer) Ping(ctx context.Context) error {
	var resp protocol.PingResponse
	return p.request(ctx, protocol.CmdPing, nil, &resp)
}

// Hashfield returns the optional-file hash ids the peer holds for site.
func (p *Peer) Hashfield(ctx context.Context, site string) ([]uint16, error) {
	var resp protocol.GetHashfieldResponse
	if err := p.request(ctx, protocol.CmdGetHashfield, protocol.GetHashfieldRequest{Site: site}, &resp); err != nil {
		return nil, err
	}
	return protocol.UnpackHashfield(resp.HashfieldRaw)
}

// ReportBad lowers reputation after the peer served data that failed
// verification.
func (p *Peer) ReportBad() {
	p.mu.Lock()
	p.stats.Reputation--
	p.stats.Errors++
	p.mu.Unlock()
}

// ReportGood raises reputation after a verified download.
func (p *Peer) ReportGood() {
	p.mu.Lock()
	p.stats.Reputation++
	p.mu.Unlock()
}

// Close drops the connection, if any.
func (p *Peer) Close() {
	p.mu.Lock()
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}
