package site

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"path"
	"strings"

	"github.com/zeronode/zeronode/internal/content"
)

type task struct {
	innerPath string
	manifest  bool
	file      content.File
	state     FileState
	attempts  int
	tried     map[string]bool
	waiters   []chan error
}

func (t *task) attach(ch chan error) {
	if ch != nil {
		t.waiters = append(t.waiters, ch)
	}
}

// deferredGet is a request parked until the manifest it depends on has been
// fetched.
type deferredGet struct {
	innerPath string
	needs     string
	ch        chan error
}

func notify(ch chan error, err error) {
	if ch != nil {
		ch <- err
	}
}

// resolve decides what a request for innerPath needs. For Queued results ch
// is notified once the download ends; for Ready and NotFound the caller
// already has its answer.
func (s *Site) resolve(innerPath string, ch chan error) FileStatus {
	if ValidateInnerPath(innerPath) != nil {
		return StatusNotFound
	}
	if t, ok := s.tasks[innerPath]; ok {
		t.attach(ch)
		return StatusQueued
	}

	// Nothing can be checked before the root manifest is in.
	if innerPath != rootManifest && s.manifests[rootManifest] == nil {
		return s.after(rootManifest, innerPath, ch)
	}

	if isManifest(innerPath) {
		if _, ok := s.manifests[innerPath]; ok {
			return StatusReady
		}
		if innerPath != rootManifest && !s.declared(innerPath) {
			return StatusNotFound
		}
		return s.enqueue(innerPath, content.File{}, true, ch)
	}

	f, owner, need := s.lookupFile(innerPath)
	if need != "" {
		return s.after(need, innerPath, ch)
	}
	if owner == "" {
		return StatusNotFound
	}
	if !s.bad[innerPath] && s.onDisk(innerPath, f) {
		return StatusReady
	}
	return s.enqueue(innerPath, f, false, ch)
}

// after parks innerPath until manifestPath has been fetched.
func (s *Site) after(manifestPath, innerPath string, ch chan error) FileStatus {
	d := deferredGet{innerPath: innerPath, needs: manifestPath, ch: ch}
	s.deferred = append(s.deferred, d)
	if s.resolve(manifestPath, nil) == StatusNotFound {
		s.deferred = s.deferred[:len(s.deferred)-1]
		return StatusNotFound
	}
	return StatusQueued
}

func (s *Site) enqueue(innerPath string, f content.File, manifest bool, ch chan error) FileStatus {
	if len(s.peers) == 0 {
		return StatusNotFound
	}
	t := &task{
		innerPath: innerPath,
		manifest:  manifest,
		file:      f,
		state:     StateQueued,
		tried:     make(map[string]bool),
	}
	t.attach(ch)
	s.tasks[innerPath] = t
	s.queue = append(s.queue, t)
	s.pump()
	return StatusQueued
}

// pump starts queued downloads while the site is under its connection limit.
func (s *Site) pump() {
	for s.inflight < s.opts.ConnectedLimit && len(s.queue) > 0 {
		t := s.queue[0]
		s.queue = s.queue[1:]
		s.startFetch(t)
	}
}

func (s *Site) startFetch(t *task) {
	p := s.pickPeer(t.tried)
	if p == nil {
		s.finish(t, fmt.Errorf("%w: %s", ErrNoPeers, t.innerPath))
		return
	}
	t.state = StateInFlight
	t.attempts++
	t.tried[p.ID()] = true
	s.inflight++

	site, innerPath, size := s.address.String(), t.innerPath, t.file.Size
	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.opts.FetchTimeout)
		body, err := p.FileGet(ctx, site, innerPath, size)
		cancel()
		s.post(func() { s.fetched(t, p, body, err) })
	}()
}

// pickPeer chooses uniformly among the peers this task has not tried yet.
func (s *Site) pickPeer(tried map[string]bool) PeerHandle {
	var candidates []PeerHandle
	for id, p := range s.peers {
		if !tried[id] {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	return candidates[rand.IntN(len(candidates))]
}

func (s *Site) fetched(t *task, p PeerHandle, body []byte, err error) {
	s.inflight--
	defer s.pump()

	if err == nil {
		if t.manifest {
			err = s.installManifest(t.innerPath, body)
		} else if err = checkFile(t.file, body); err == nil {
			if cerr := s.commit(t.innerPath, body); cerr != nil {
				log.Printf("[site] %s: %v", s.address.Short(), cerr)
				s.finish(t, cerr)
				return
			}
		}
	}

	if err != nil {
		log.Printf("[site] %s: %s from %s: %v", s.address.Short(), t.innerPath, p.ID(), err)
		if errors.Is(err, content.ErrNotNewer) {
			s.finish(t, err)
			return
		}
		if isIntegrity(err) {
			p.ReportBad()
		}
		s.peerFailed(p.ID())
		if t.attempts < s.opts.MaxAttempts {
			t.state = StateQueued
			s.queue = append(s.queue, t)
			return
		}
		s.finish(t, err)
		return
	}

	p.ReportGood()
	delete(s.bad, t.innerPath)
	s.finish(t, nil)
}

// isIntegrity reports whether err means the peer served bad data, as
// opposed to failing to serve any.
func isIntegrity(err error) bool {
	for _, target := range []error{
		ErrHashMismatch, ErrSizeMismatch,
		content.ErrDeserialization, content.ErrSignatureInvalid, content.ErrInvalidCert,
		content.ErrPolicyViolation, content.ErrWrongAddress, content.ErrWrongInnerPath,
		content.ErrFutureModified, content.ErrNoRules,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func (s *Site) peerFailed(id string) {
	s.peerErrors[id]++
	if s.peerErrors[id] < s.opts.MaxPeerErrors {
		return
	}
	delete(s.peers, id)
	delete(s.peerErrors, id)
	log.Printf("[site] %s: dropped peer %s", s.address.Short(), id)
	if s.opts.Evictor != nil {
		s.opts.Evictor.Remove(id, s.address.String())
	}
}

func (s *Site) finish(t *task, err error) {
	delete(s.tasks, t.innerPath)
	if err != nil {
		t.state = StateFailed
		s.emit(Event{Type: EventFileFailed, InnerPath: t.innerPath, Error: err.Error()})
	} else {
		t.state = StateCommitted
		s.emit(Event{Type: EventFileDone, InnerPath: t.innerPath})
	}
	for _, ch := range t.waiters {
		notify(ch, err)
	}
	if t.manifest {
		s.resume(t.innerPath, err)
	}
}

// resume re-runs requests that were waiting for manifestPath.
func (s *Site) resume(manifestPath string, err error) {
	var ready, keep []deferredGet
	for _, d := range s.deferred {
		if d.needs == manifestPath {
			ready = append(ready, d)
		} else {
			keep = append(keep, d)
		}
	}
	s.deferred = keep

	for _, d := range ready {
		if err != nil {
			notify(d.ch, fmt.Errorf("%w: %s: %v", ErrFileNotFound, d.innerPath, err))
			continue
		}
		switch s.resolve(d.innerPath, d.ch) {
		case StatusReady:
			notify(d.ch, nil)
		case StatusNotFound:
			notify(d.ch, fmt.Errorf("%w: %s", ErrFileNotFound, d.innerPath))
		}
	}
}

func (s *Site) lookupManifest(innerPath string) (*content.Content, bool) {
	c, ok := s.manifests[innerPath]
	return c, ok
}

// installManifest verifies a fetched manifest against its signer rules and
// the installed version, then writes and installs it.
func (s *Site) installManifest(innerPath string, body []byte) error {
	c, err := content.Parse(body)
	if err != nil {
		return err
	}
	if err := content.Validate(s.address.String(), innerPath, c, s.lookupManifest); err != nil {
		return err
	}
	if err := checkManifestPaths(innerPath, c); err != nil {
		return err
	}
	prev := s.manifests[innerPath]
	if err := content.CheckModified(prev, c, s.opts.Now()); err != nil {
		return err
	}
	if err := s.commit(innerPath, body); err != nil {
		return err
	}
	s.install(innerPath, c, prev)
	return nil
}

func (s *Site) install(innerPath string, c, prev *content.Content) {
	s.manifests[innerPath] = c
	if s.opts.Index != nil {
		if err := s.opts.Index.SaveContent(s.address.String(), innerPath, c); err != nil {
			log.Printf("[site] %s: index %s: %v", s.address.Short(), innerPath, err)
		}
	}
	s.emit(Event{Type: EventContentUpdated, InnerPath: innerPath})
	if prev != nil {
		s.markChanged(innerPath, prev, c)
	}
}

// markChanged sends files whose catalog entry changed back to Absent.
// Required files that were already held are fetched again.
func (s *Site) markChanged(manifestPath string, prev, next *content.Content) {
	dir := manifestDir(manifestPath)
	check := func(files map[string]content.File, required bool) {
		for rel, f := range files {
			if pf, ok := prev.GetFile(rel); ok && pf == f {
				continue
			}
			full := dir + rel
			if ValidateInnerPath(full) != nil {
				continue
			}
			held := s.exists(full)
			s.bad[full] = true
			if required && held {
				s.resolve(full, nil)
			}
		}
	}
	check(next.Files, true)
	check(next.FilesOptional, false)
}

func (s *Site) exists(innerPath string) bool {
	_, err := os.Stat(s.localPath(innerPath))
	return err == nil
}

// lookupFile finds the catalog entry for innerPath in the deepest installed
// manifest that lists it. need is set when a declared but not yet fetched
// manifest governs the path.
func (s *Site) lookupFile(innerPath string) (f content.File, owner, need string) {
	parts := strings.Split(innerPath, "/")
	for i := len(parts) - 1; i >= 0; i-- {
		dir := strings.Join(parts[:i], "/")
		mp := rootManifest
		if dir != "" {
			mp = dir + "/" + rootManifest
		}
		rel := strings.Join(parts[i:], "/")
		if c, ok := s.manifests[mp]; ok {
			if f, ok := c.GetFile(rel); ok {
				return f, mp, ""
			}
			continue
		}
		if mp != rootManifest && s.declared(mp) {
			return content.File{}, "", mp
		}
	}
	return content.File{}, "", ""
}

// declared reports whether an installed manifest delegates manifestPath,
// through includes or user_contents.
func (s *Site) declared(manifestPath string) bool {
	for mp, m := range s.manifests {
		dir := manifestDir(mp)
		if !strings.HasPrefix(manifestPath, dir) || manifestPath == mp {
			continue
		}
		rel := manifestPath[len(dir):]
		if m.Includes[rel] != nil {
			return true
		}
		if m.UserContents != nil && path.Dir(path.Dir(rel)) == "." {
			return true
		}
	}
	return false
}

// loadLocal installs the manifests already on disk. Invalid ones are logged
// and left for peers to replace.
func (s *Site) loadLocal() {
	s.loadLocalManifest(rootManifest)
}

func (s *Site) loadLocalManifest(innerPath string) {
	body, err := os.ReadFile(s.localPath(innerPath))
	if err != nil {
		return
	}
	c, err := content.Parse(body)
	if err == nil {
		err = content.Validate(s.address.String(), innerPath, c, s.lookupManifest)
	}
	if err == nil {
		err = checkManifestPaths(innerPath, c)
	}
	if err != nil {
		log.Printf("[site] %s: local %s: %v", s.address.Short(), innerPath, err)
		return
	}
	s.install(innerPath, c, nil)

	dir := manifestDir(innerPath)
	for rel := range c.Includes {
		if ValidateInnerPath(dir+rel) == nil {
			s.loadLocalManifest(dir + rel)
		}
	}
	if c.UserContents != nil {
		entries, err := os.ReadDir(s.localPath(strings.TrimSuffix(dir, "/")))
		if err != nil {
			return
		}
		for _, e := range entries {
			p := dir + e.Name() + "/" + rootManifest
			if e.IsDir() && ValidateInnerPath(p) == nil {
				s.loadLocalManifest(p)
			}
		}
	}
}
