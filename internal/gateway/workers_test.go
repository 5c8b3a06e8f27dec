package gateway

import (
	"context"
	"testing"
	"time"
)

func TestPrunePeers(t *testing.T) {
	e := newEnv(t, Config{PeerTTL: time.Hour})
	if err := e.db.SavePeer(testAddress, "-UT3530-old", "1.2.3.4:15441"); err != nil {
		t.Fatalf("SavePeer: %v", err)
	}
	if n := e.srv.prunePeers(); n != 0 {
		t.Fatalf("pruned %d fresh peers, want 0", n)
	}

	e.srv.cfg.PeerTTL = -time.Hour
	if n := e.srv.prunePeers(); n != 1 {
		t.Fatalf("pruned %d stale peers, want 1", n)
	}
	rows, err := e.db.ListPeers(testAddress)
	if err != nil {
		t.Fatalf("ListPeers: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("%d peers left after prune", len(rows))
	}
}

func TestStartWorkers_StopOnCancel(t *testing.T) {
	e := newEnv(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	e.srv.StartWorkers(ctx)
	cancel()
	// Workers exit on cancel; the server keeps answering.
	if code := e.do(t, "GET", "/api/health").Code; code != 200 {
		t.Fatalf("health status = %d, want 200", code)
	}
}
