package gateway

import (
	"context"
	"log"
	"time"
)

// StartWorkers launches the background maintenance goroutines. They stop when
// ctx is cancelled.
func (s *Server) StartWorkers(ctx context.Context) {
	go s.limiter.Run(ctx, time.Minute)
	go s.runPeerPrune(ctx)
}

// runPeerPrune drops indexed peers not seen within PeerTTL, once an hour.
func (s *Server) runPeerPrune(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Hour):
			if n := s.prunePeers(); n > 0 {
				log.Printf("[worker] pruned %d stale peers", n)
			}
		}
	}
}

func (s *Server) prunePeers() int64 {
	n, err := s.db.PrunePeers(time.Now().Add(-s.cfg.PeerTTL))
	if err != nil {
		log.Printf("[worker] prune peers: %v", err)
		return 0
	}
	return n
}
