// Package site runs one actor per hosted site. The actor owns the site's
// manifests, peer set and download queue; every state change happens on its
// goroutine, and slow work (peer requests) runs beside it and reports back
// through the mailbox.
package site

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"path/filepath"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeronode/zeronode/internal/address"
	"github.com/zeronode/zeronode/internal/content"
	"github.com/zeronode/zeronode/internal/peer"
)

const rootManifest = "content.json"

// FileStatus is the answer to a FileGet.
type FileStatus int

const (
	StatusReady FileStatus = iota
	StatusQueued
	StatusNotFound
)

func (s FileStatus) String() string {
	switch s {
	case StatusReady:
		return "ready"
	case StatusQueued:
		return "queued"
	default:
		return "not_found"
	}
}

// FileState tracks one download.
type FileState int

const (
	StateAbsent FileState = iota
	StateQueued
	StateInFlight
	StateCommitted
	StateFailed
)

func (s FileState) String() string {
	return [...]string{"absent", "queued", "in_flight", "committed", "failed"}[s]
}

// FileRequest asks a site for a file. Required requests wait up to Timeout
// for the download; others only schedule it.
type FileRequest struct {
	InnerPath string
	Required  bool
	Timeout   time.Duration
}

// PeerHandle is what a site needs from a peer. The peer registry owns the
// peer; the site only holds this handle.
type PeerHandle interface {
	ID() string
	FileGet(ctx context.Context, site, innerPath string, size int64) ([]byte, error)
	ReportBad()
	ReportGood()
}

// Evictor is told when a site drops a peer.
type Evictor interface {
	Remove(id, site string)
}

// Index mirrors site state into the content database.
type Index interface {
	SaveSite(address string) error
	SaveContent(address, innerPath string, c *content.Content) error
	SavePeer(address, peerID, addr string) error
}

// Options configure every site of a registry.
type Options struct {
	DataDir        string
	MaxAttempts    int
	MaxPeerErrors  int
	ConnectedLimit int
	FetchTimeout   time.Duration
	Evictor        Evictor
	Index          Index
	Now            func() time.Time
}

func (o *Options) setDefaults() {
	if o.MaxAttempts == 0 {
		o.MaxAttempts = 5
	}
	if o.MaxPeerErrors == 0 {
		o.MaxPeerErrors = 3
	}
	if o.ConnectedLimit == 0 {
		o.ConnectedLimit = 8
	}
	if o.FetchTimeout == 0 {
		o.FetchTimeout = 60 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Info is a snapshot of a site.
type Info struct {
	Address      string           `json:"address"`
	AddressShort string           `json:"address_short"`
	AddressHash  string           `json:"address_hash"`
	Peers        int              `json:"peers"`
	Tasks        int              `json:"tasks"`
	BadFiles     int              `json:"bad_files"`
	Loaded       bool             `json:"loaded"`
	Content      *content.Summary `json:"content,omitempty"`
}

// Site is the actor for one site address.
type Site struct {
	address address.Address
	dir     string
	opts    Options

	ctx     context.Context
	cancel  context.CancelFunc
	mailbox chan func()
	stop    chan struct{}
	dead    chan struct{}
	once    sync.Once
	crashed atomic.Bool

	// Everything below is owned by the run goroutine.
	manifests  map[string]*content.Content
	peers      map[string]PeerHandle
	peerErrors map[string]int
	tasks      map[string]*task
	queue      []*task
	inflight   int
	deferred   []deferredGet
	bad        map[string]bool
	listeners  []Listener
}

func newSite(addr address.Address, opts Options) *Site {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Site{
		address:    addr,
		dir:        filepath.Join(opts.DataDir, addr.String()),
		opts:       opts,
		ctx:        ctx,
		cancel:     cancel,
		mailbox:    make(chan func(), 64),
		stop:       make(chan struct{}),
		dead:       make(chan struct{}),
		manifests:  make(map[string]*content.Content),
		peers:      make(map[string]PeerHandle),
		peerErrors: make(map[string]int),
		tasks:      make(map[string]*task),
		bad:        make(map[string]bool),
	}
}

func (s *Site) start() {
	go s.run()
}

// run is the actor loop. A panic in a handler ends this site only; the
// registry starts a fresh actor on the next lookup.
func (s *Site) run() {
	defer close(s.dead)
	defer func() {
		if r := recover(); r != nil {
			s.crashed.Store(true)
			s.cancel()
			log.Printf("[site] %s: panic: %v\n%s", s.address.Short(), r, debug.Stack())
		}
	}()

	s.loadLocal()
	for {
		select {
		case fn := <-s.mailbox:
			fn()
		case <-s.stop:
			return
		}
	}
}

// call runs fn on the actor and waits for it to finish.
func (s *Site) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case s.mailbox <- func() { fn(); close(done) }:
	case <-s.dead:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-s.dead:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post queues fn without waiting for it.
func (s *Site) post(fn func()) {
	select {
	case s.mailbox <- fn:
	case <-s.dead:
	}
}

func (s *Site) Address() address.Address { return s.address }

// Done is closed when the actor has stopped, by Stop or by a panic.
func (s *Site) Done() <-chan struct{} { return s.dead }

// Crashed reports whether the actor ended in a panic.
func (s *Site) Crashed() bool { return s.crashed.Load() }

// Stop ends the actor. In-flight downloads are cancelled and their results
// discarded.
func (s *Site) Stop() {
	s.once.Do(func() {
		s.cancel()
		close(s.stop)
	})
	<-s.dead
}

// Info returns a snapshot of the site.
func (s *Site) Info(ctx context.Context) (Info, error) {
	var info Info
	err := s.call(ctx, func() {
		info = Info{
			Address:      s.address.String(),
			AddressShort: s.address.Short(),
			AddressHash:  hex.EncodeToString(s.address.Hash()),
			Peers:        len(s.peers),
			Tasks:        len(s.tasks),
			BadFiles:     len(s.bad),
		}
		if root, ok := s.manifests[rootManifest]; ok {
			sum := root.Summary()
			info.Loaded = true
			info.Content = &sum
		}
	})
	return info, err
}

// AddPeer inserts a peer; adding a known id is a no-op.
func (s *Site) AddPeer(id string, p PeerHandle) {
	s.post(func() { s.addPeer(id, p) })
}

func (s *Site) addPeer(id string, p PeerHandle) {
	if _, ok := s.peers[id]; ok {
		return
	}
	s.peers[id] = p
	if s.opts.Index != nil {
		var addr string
		if e, ok := p.(interface{ Endpoint() peer.Endpoint }); ok {
			addr = e.Endpoint().String()
		}
		if err := s.opts.Index.SavePeer(s.address.String(), id, addr); err != nil {
			log.Printf("[site] %s: index peer %s: %v", s.address.Short(), id, err)
		}
	}
	s.emit(Event{Type: EventPeersAdded, Peers: len(s.peers)})
	s.pump()
}

// RemovePeer forgets a peer without reporting it.
func (s *Site) RemovePeer(id string) {
	s.post(func() {
		delete(s.peers, id)
		delete(s.peerErrors, id)
	})
}

// FileGet returns Ready when innerPath is on disk and current, NotFound when
// no manifest lists it or no peer can supply it, and Queued when a download
// is scheduled. Required requests wait for that download up to the request
// timeout.
func (s *Site) FileGet(ctx context.Context, req FileRequest) (FileStatus, error) {
	if err := ValidateInnerPath(req.InnerPath); err != nil {
		return StatusNotFound, err
	}

	ch := make(chan error, 1)
	var st FileStatus
	if err := s.call(ctx, func() { st = s.resolve(req.InnerPath, ch) }); err != nil {
		return StatusNotFound, err
	}
	if st != StatusQueued || !req.Required {
		return st, nil
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = s.opts.FetchTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-ch:
		if err != nil {
			return StatusNotFound, nil
		}
		return StatusReady, nil
	case <-timer.C:
		return StatusQueued, nil
	case <-ctx.Done():
		return StatusQueued, ctx.Err()
	case <-s.dead:
		return StatusNotFound, ErrStopped
	}
}

// Update fetches manifestPath again from a peer and installs it when it is
// valid and newer than the installed one.
func (s *Site) Update(ctx context.Context, manifestPath string) error {
	if err := ValidateInnerPath(manifestPath); err != nil {
		return err
	}
	if !isManifest(manifestPath) {
		return fmt.Errorf("update %s: not a manifest", manifestPath)
	}

	ch := make(chan error, 1)
	var st FileStatus
	if err := s.call(ctx, func() {
		if t, ok := s.tasks[manifestPath]; ok {
			t.attach(ch)
			st = StatusQueued
			return
		}
		st = s.enqueue(manifestPath, content.File{}, true, ch)
	}); err != nil {
		return err
	}
	if st == StatusNotFound {
		return ErrNoPeers
	}

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.dead:
		return ErrStopped
	}
}

// ChannelJoin attaches l to the site's events.
func (s *Site) ChannelJoin(ctx context.Context, l Listener) error {
	return s.call(ctx, func() { s.listeners = append(s.listeners, l) })
}

// ChannelLeave detaches l.
func (s *Site) ChannelLeave(ctx context.Context, l Listener) error {
	return s.call(ctx, func() {
		for i, x := range s.listeners {
			if x == l {
				s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
				return
			}
		}
	})
}

// ReadFile returns up to n bytes of a committed file starting at offset, and
// the file's total size. Files that are missing, stale or unlisted are
// reported as ErrFileNotFound.
func (s *Site) ReadFile(ctx context.Context, innerPath string, offset, n int64) ([]byte, int64, error) {
	if err := ValidateInnerPath(innerPath); err != nil {
		return nil, 0, err
	}
	var ok bool
	if err := s.call(ctx, func() { ok = s.servable(innerPath) }); err != nil {
		return nil, 0, err
	}
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", ErrFileNotFound, innerPath)
	}
	return s.readAt(innerPath, offset, n)
}

func (s *Site) servable(innerPath string) bool {
	if isManifest(innerPath) {
		_, ok := s.manifests[innerPath]
		return ok
	}
	f, owner, _ := s.lookupFile(innerPath)
	return owner != "" && !s.bad[innerPath] && s.onDisk(innerPath, f)
}

// Hashfield returns the hash ids of the optional files held locally.
func (s *Site) Hashfield(ctx context.Context) ([]uint16, error) {
	var ids []uint16
	err := s.call(ctx, func() {
		seen := make(map[uint16]bool)
		for mp, m := range s.manifests {
			dir := manifestDir(mp)
			for rel, f := range m.FilesOptional {
				if !s.onDisk(dir+rel, f) {
					continue
				}
				id, err := content.HashID(f.Sha512)
				if err != nil || seen[id] {
					continue
				}
				seen[id] = true
				ids = append(ids, id)
			}
		}
	})
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, err
}

// snapshotPeers returns the peer set of a stopped actor so a replacement
// can start with it. Only valid after Done is closed.
func (s *Site) snapshotPeers() map[string]PeerHandle {
	<-s.dead
	out := make(map[string]PeerHandle, len(s.peers))
	for id, p := range s.peers {
		out[id] = p
	}
	return out
}
