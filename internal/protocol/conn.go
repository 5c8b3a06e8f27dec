// Package protocol implements the ZeroNet peer protocol: MessagePack maps
// framed back to back on a TCP stream, with request/response correlation by
// req_id and a handshake as the first exchange.
package protocol

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// DefaultTimeout bounds how long a request waits for its response.
const DefaultTimeout = 60 * time.Second

// Handler answers an inbound request. The returned value is encoded as the
// response body and must encode to a map. Returning ErrUnknownCommand sends
// the standard "Unknown command" error.
type Handler func(c *Conn, req *Request) (any, error)

// Config holds per-connection settings.
type Config struct {
	// Local is this node's handshake; protocol, crypt and time fields are
	// filled in when it is sent.
	Local   Handshake
	Handler Handler
	Timeout time.Duration

	// OnHandshake is called when a dialing peer introduces itself. An error
	// is sent back in place of our handshake.
	OnHandshake func(c *Conn, remote Handshake) error
}

// Conn is one peer connection. Outbound requests from any number of
// goroutines are multiplexed by req_id; inbound requests are answered
// concurrently.
type Conn struct {
	conn net.Conn
	cfg  Config

	wmu  sync.Mutex // guards writes and wbuf
	wbuf bytes.Buffer

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan *Response
	remote  *Handshake
	err     error

	done      chan struct{}
	closeOnce sync.Once
}

// NewConn wraps an established connection and starts its read loop. The
// caller that dialed must still call Handshake.
func NewConn(nc net.Conn, cfg Config) *Conn {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	c := &Conn{
		conn:    nc,
		cfg:     cfg,
		pending: make(map[uint64]chan *Response),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Dial connects to addr and performs the client handshake.
func Dial(ctx context.Context, addr string, cfg Config) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		if errors.Is(err, syscall.ECONNREFUSED) {
			return nil, fmt.Errorf("%w: %s", ErrConnectRefused, addr)
		}
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	c := NewConn(nc, cfg)
	if err := c.Handshake(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Handshake sends our handshake as request 0 and records the peer's reply.
// A peer that answers with a negotiated encryption is refused.
func (c *Conn) Handshake(ctx context.Context) error {
	var remote Handshake
	if err := c.Request(ctx, CmdHandshake, c.localHandshake(), &remote); err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	if remote.Crypt != nil && *remote.Crypt != "" {
		return fmt.Errorf("%w: peer chose %q", ErrEncryptionUnsupported, *remote.Crypt)
	}
	c.mu.Lock()
	c.remote = &remote
	c.mu.Unlock()
	return nil
}

func (c *Conn) localHandshake() Handshake {
	h := c.cfg.Local
	h.Protocol = ProtocolVersion
	h.Crypt = nil
	h.CryptSupported = []string{}
	h.UseBinType = true
	h.Time = time.Now().Unix()
	if host, _, err := net.SplitHostPort(c.conn.RemoteAddr().String()); err == nil {
		h.TargetIP = host
	}
	return h
}

// Remote returns the peer's handshake once it is known.
func (c *Conn) Remote() (Handshake, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remote == nil {
		return Handshake{}, false
	}
	return *c.remote, true
}

// RemoteAddr returns the network address of the peer.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Request sends cmd with params and waits for the matching response, which
// is decoded into out when out is non-nil.
func (c *Conn) Request(ctx context.Context, cmd Command, params any, out any) error {
	id, ch := c.register()
	if ch == nil {
		return c.Err()
	}
	defer c.unregister(id)

	if params == nil {
		params = map[string]any{}
	}
	if err := c.write(requestFrame{Cmd: cmd, ReqID: id, Params: params}); err != nil {
		return err
	}

	timer := time.NewTimer(c.cfg.Timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.Error != "" {
			return &RemoteError{Cmd: cmd, Message: resp.Error}
		}
		if out == nil {
			return nil
		}
		return resp.Decode(out)
	case <-timer.C:
		return fmt.Errorf("%w: %s after %s", ErrTimeout, cmd, c.cfg.Timeout)
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return c.Err()
	}
}

// Ping checks that the peer answers.
func (c *Conn) Ping(ctx context.Context) error {
	var resp PingResponse
	return c.Request(ctx, CmdPing, nil, &resp)
}

func (c *Conn) register() (uint64, chan *Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return 0, nil
	}
	id := c.nextID
	c.nextID++
	ch := make(chan *Response, 1)
	c.pending[id] = ch
	return id, ch
}

func (c *Conn) unregister(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Conn) deliver(resp *Response) {
	c.mu.Lock()
	ch, ok := c.pending[resp.To]
	if ok {
		delete(c.pending, resp.To)
	}
	c.mu.Unlock()

	if !ok {
		err := &ProtocolError{Msg: fmt.Sprintf("response to unknown request %d", resp.To)}
		log.Printf("[conn] %s: %v", c.conn.RemoteAddr(), err)
		return
	}
	ch <- resp
}

// write encodes v into a single frame and writes it in one call so frames
// from concurrent writers never interleave.
func (c *Conn) write(v any) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	c.wbuf.Reset()
	enc := msgpack.NewEncoder(&c.wbuf)
	enc.UseCompactInts(true)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(v); err != nil {
		return &ProtocolError{Msg: "encode: " + err.Error()}
	}

	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.Timeout)) //nolint:errcheck
	if _, err := c.conn.Write(c.wbuf.Bytes()); err != nil {
		c.closeWithError(fmt.Errorf("%w: write: %v", ErrClosed, err))
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// readLoop decodes frames until the connection fails. A frame that cannot be
// decoded ends the connection; everything after it would be misaligned.
func (c *Conn) readLoop() {
	dec := msgpack.NewDecoder(bufio.NewReader(c.conn))
	for {
		raw, err := dec.DecodeRaw()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				c.closeWithError(ErrClosed)
			} else {
				c.closeWithError(fmt.Errorf("%w: %v", ErrBrokenFrame, err))
			}
			return
		}

		var f frame
		if err := msgpack.Unmarshal(raw, &f); err != nil {
			c.closeWithError(fmt.Errorf("%w: %v", ErrBrokenFrame, err))
			return
		}

		if f.Cmd == CmdResponse {
			if f.To == nil {
				log.Printf("[conn] %s: %v", c.conn.RemoteAddr(), &ProtocolError{Msg: "response without to"})
				continue
			}
			c.deliver(&Response{To: *f.To, Error: f.Error, raw: raw})
			continue
		}
		if f.ReqID == nil {
			log.Printf("[conn] %s: %v", c.conn.RemoteAddr(), &ProtocolError{Msg: fmt.Sprintf("%s without req_id", f.Cmd)})
			continue
		}
		go c.serve(&Request{Cmd: f.Cmd, ReqID: *f.ReqID, raw: f.Params})
	}
}

func (c *Conn) serve(req *Request) {
	resp, err := c.dispatch(req)
	if err != nil {
		msg := err.Error()
		if errors.Is(err, ErrUnknownCommand) {
			msg = "Unknown command"
		}
		if werr := c.respond(req.ReqID, map[string]any{"error": msg}); werr != nil {
			log.Printf("[conn] %s: respond to %s: %v", c.conn.RemoteAddr(), req.Cmd, werr)
		}
		if errors.Is(err, ErrEncryptionUnsupported) {
			c.Close()
		}
		return
	}
	if err := c.respond(req.ReqID, resp); err != nil {
		log.Printf("[conn] %s: respond to %s: %v", c.conn.RemoteAddr(), req.Cmd, err)
	}
}

func (c *Conn) dispatch(req *Request) (resp any, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[conn] %s: panic handling %s: %v", c.conn.RemoteAddr(), req.Cmd, r)
			resp, err = nil, fmt.Errorf("internal error")
		}
	}()

	if req.Cmd == CmdHandshake {
		return c.acceptHandshake(req)
	}
	if !req.Cmd.Known() || c.cfg.Handler == nil {
		return nil, ErrUnknownCommand
	}
	return c.cfg.Handler(c, req)
}

func (c *Conn) acceptHandshake(req *Request) (any, error) {
	var remote Handshake
	if err := req.Decode(&remote); err != nil {
		return nil, err
	}
	if remote.Crypt != nil && *remote.Crypt != "" {
		return nil, fmt.Errorf("%w: requested %q", ErrEncryptionUnsupported, *remote.Crypt)
	}
	c.mu.Lock()
	c.remote = &remote
	c.mu.Unlock()
	if c.cfg.OnHandshake != nil {
		if err := c.cfg.OnHandshake(c, remote); err != nil {
			return nil, err
		}
	}
	return c.localHandshake(), nil
}

// respond sends body as the response to request to. Body fields are merged
// into the frame next to cmd and to.
func (c *Conn) respond(to uint64, body any) error {
	m := make(map[string]any)
	if body != nil {
		raw, err := msgpack.Marshal(body)
		if err != nil {
			return &ProtocolError{Msg: "encode response: " + err.Error()}
		}
		if err := msgpack.Unmarshal(raw, &m); err != nil {
			return &ProtocolError{Msg: "response body is not a map: " + err.Error()}
		}
	}
	m["cmd"] = string(CmdResponse)
	m["to"] = to
	return c.write(m)
}

// Done is closed when the connection ends.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended, or nil while it is open.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close ends the connection. Pending requests fail with ErrClosed.
func (c *Conn) Close() error {
	c.closeWithError(ErrClosed)
	return nil
}

func (c *Conn) closeWithError(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
		c.conn.Close()
	})
}
