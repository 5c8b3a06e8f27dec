// Package gateway is the local HTTP surface of the node: a JSON API over the
// site registry, raw file serving and the WebSocket channel the site wrapper
// talks to.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"mime"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/zeronode/zeronode/internal/address"
	"github.com/zeronode/zeronode/internal/ratelimit"
	"github.com/zeronode/zeronode/internal/site"
	"github.com/zeronode/zeronode/internal/storage"
	"github.com/zeronode/zeronode/internal/tracker"
)

// readChunk is how much of a file is read per call while serving it.
const readChunk = 1 << 20

// Sites is the part of the site registry the gateway uses.
type Sites interface {
	Add(addr address.Address) *site.Site
	Lookup(addr string) (*site.Site, bool)
	LookupKey(key string) (*site.Site, bool)
	NewWrapperKey(addr string) (string, error)
	SiteInfoList(ctx context.Context) ([]site.Info, error)
}

// Announcers exposes tracker state and lets the gateway announce a site it
// just added.
type Announcers interface {
	Stats() map[string]tracker.Stats
	SortedStats() []tracker.NamedStats
	AnnounceSite(ctx context.Context, hash []byte) (int, error)
}

// Index is the content database view.
type Index interface {
	ListContents(address string) ([]storage.ContentRow, error)
	ListPeers(address string) ([]storage.PeerRow, error)
	PrunePeers(before time.Time) (int64, error)
}

// Config holds gateway settings.
type Config struct {
	// FetchTimeout bounds how long a raw request waits for a download.
	FetchTimeout time.Duration
	// RateLimit caps API requests per client IP per minute. Zero disables it.
	RateLimit int
	// PeerTTL is how long an indexed peer survives without being found again.
	PeerTTL time.Duration
}

// Server is the gateway HTTP handler.
type Server struct {
	cfg      Config
	sites    Sites
	trackers Announcers
	db       Index
	limiter  *ratelimit.Keyed
	mux      *http.ServeMux
}

// New creates a gateway with all routes registered.
func New(cfg Config, sites Sites, trackers Announcers, db Index) *Server {
	if cfg.FetchTimeout == 0 {
		cfg.FetchTimeout = 60 * time.Second
	}
	if cfg.PeerTTL == 0 {
		cfg.PeerTTL = 24 * time.Hour
	}
	s := &Server{
		cfg:      cfg,
		sites:    sites,
		trackers: trackers,
		db:       db,
		limiter:  ratelimit.NewKeyed(cfg.RateLimit, time.Minute),
		mux:      http.NewServeMux(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)

	// Sites
	s.mux.HandleFunc("GET /api/sites", s.limit(s.handleListSites))
	s.mux.HandleFunc("POST /api/sites/{address}", s.limit(s.handleAddSite))
	s.mux.HandleFunc("POST /api/sites/{address}/wrapper-key", s.limit(s.handleWrapperKey))
	s.mux.HandleFunc("GET /api/sites/{address}/contents", s.limit(s.handleListContents))
	s.mux.HandleFunc("GET /api/sites/{address}/peers", s.limit(s.handleListPeers))

	// Trackers
	s.mux.HandleFunc("GET /api/announcers", s.limit(s.handleAnnouncers))

	// Files
	s.mux.HandleFunc("GET /raw/{address}/{path...}", s.handleRaw)

	s.mux.HandleFunc("GET /ws", s.handleWebSocket)
}

func (s *Server) limit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(getIP(r)) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "zeronode",
	})
}

func (s *Server) handleListSites(w http.ResponseWriter, r *http.Request) {
	infos, err := s.sites.SiteInfoList(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

// handleAddSite starts hosting an address and announces it in the background.
func (s *Server) handleAddSite(w http.ResponseWriter, r *http.Request) {
	addr, err := address.Parse(r.PathValue("address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	st := s.sites.Add(addr)
	if s.trackers != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.FetchTimeout)
			defer cancel()
			if _, err := s.trackers.AnnounceSite(ctx, addr.Hash()); err != nil {
				log.Printf("[gateway] announce %s: %v", addr.Short(), err)
			}
		}()
	}
	info, err := st.Info(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleWrapperKey(w http.ResponseWriter, r *http.Request) {
	key, err := s.sites.NewWrapperKey(r.PathValue("address"))
	if err != nil {
		if errors.Is(err, site.ErrUnknownSite) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"wrapper_key": key})
}

func (s *Server) handleListContents(w http.ResponseWriter, r *http.Request) {
	rows, err := s.db.ListContents(r.PathValue("address"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rows == nil {
		rows = []storage.ContentRow{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleListPeers(w http.ResponseWriter, r *http.Request) {
	rows, err := s.db.ListPeers(r.PathValue("address"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rows == nil {
		rows = []storage.PeerRow{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleAnnouncers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.trackers.SortedStats())
}

// handleRaw serves a verified site file. A file still downloading when the
// fetch timeout passes is answered with 202.
func (s *Server) handleRaw(w http.ResponseWriter, r *http.Request) {
	st, ok := s.sites.Lookup(r.PathValue("address"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown site")
		return
	}
	innerPath := r.PathValue("path")
	if innerPath == "" || innerPath[len(innerPath)-1] == '/' {
		innerPath += "index.html"
	}

	status, err := st.FileGet(r.Context(), site.FileRequest{
		InnerPath: innerPath,
		Required:  true,
		Timeout:   s.cfg.FetchTimeout,
	})
	if err != nil {
		if errors.Is(err, site.ErrUnsafePath) {
			writeError(w, http.StatusForbidden, err.Error())
			return
		}
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	switch status {
	case site.StatusQueued:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": status.String()})
		return
	case site.StatusNotFound:
		writeError(w, http.StatusNotFound, "file not found")
		return
	}

	body, err := readAll(r.Context(), st, innerPath)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	ctype := mime.TypeByExtension(path.Ext(innerPath))
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ctype)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// readAll reads a committed file in chunks.
func readAll(ctx context.Context, st *site.Site, innerPath string) ([]byte, error) {
	var out []byte
	for {
		chunk, size, err := st.ReadFile(ctx, innerPath, int64(len(out)), readChunk)
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
		if int64(len(out)) >= size || len(chunk) == 0 {
			return out, nil
		}
	}
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
