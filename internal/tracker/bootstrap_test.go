package tracker

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/zeronode/zeronode/internal/protocol"
)

func announceReq(hash []byte, port int) protocol.AnnounceRequest {
	return protocol.AnnounceRequest{
		Hashes:    [][]byte{hash},
		Port:      port,
		NeedTypes: []string{"ipv4", "ipv6"},
		NeedNum:   20,
		Add:       []string{"ipv4"},
	}
}

func TestBootstrapper_RegisterAndReturnOthers(t *testing.T) {
	b := NewBootstrapper()
	hash := siteHash("site")

	resp := b.Announce(net.ParseIP("1.1.1.1"), announceReq(hash, 15441))
	if len(resp.Peers) != 1 || len(resp.Peers[0].IPv4) != 0 {
		t.Fatalf("first announcer should get no peers, got %+v", resp.Peers)
	}

	resp = b.Announce(net.ParseIP("2.2.2.2"), announceReq(hash, 15442))
	if len(resp.Peers[0].IPv4) != 1 {
		t.Fatalf("expected 1 peer, got %d", len(resp.Peers[0].IPv4))
	}
	ip, port, err := protocol.UnpackIPv4(resp.Peers[0].IPv4[0])
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if ip.String() != "1.1.1.1" || port != 15441 {
		t.Fatalf("got %s:%d, want 1.1.1.1:15441", ip, port)
	}

	if got := b.Stats(); got != (BootstrapStats{Hashes: 1, Peers: 2}) {
		t.Fatalf("stats = %+v", got)
	}
}

func TestBootstrapper_NeedTypesAndNum(t *testing.T) {
	b := NewBootstrapper()
	hash := siteHash("site")
	for i := 1; i <= 5; i++ {
		b.Announce(net.IPv4(10, 0, 0, byte(i)), announceReq(hash, 15441))
	}
	v6 := announceReq(hash, 15441)
	v6.Add = []string{"ipv6"}
	b.Announce(net.ParseIP("2001:db8::1"), v6)

	req := announceReq(hash, 0)
	req.NeedNum = 3
	resp := b.Announce(net.ParseIP("10.9.9.9"), req)
	if n := len(resp.Peers[0].IPv4) + len(resp.Peers[0].IPv6); n != 3 {
		t.Fatalf("expected need_num=3 peers, got %d", n)
	}

	req = announceReq(hash, 0)
	req.NeedTypes = []string{"ipv6"}
	resp = b.Announce(net.ParseIP("10.9.9.9"), req)
	if len(resp.Peers[0].IPv4) != 0 || len(resp.Peers[0].IPv6) != 1 {
		t.Fatalf("ipv6-only request got %+v", resp.Peers[0])
	}

	// Port 0 never registers.
	if got := b.Stats().Peers; got != 6 {
		t.Fatalf("peers = %d, want 6", got)
	}
}

func TestBootstrapper_Withdraw(t *testing.T) {
	b := NewBootstrapper()
	ip := net.ParseIP("1.1.1.1")
	b.Announce(ip, announceReq(siteHash("a"), 15441))
	b.Announce(ip, announceReq(siteHash("b"), 15441))
	b.Announce(net.ParseIP("2.2.2.2"), announceReq(siteHash("b"), 15441))

	b.Announce(ip, protocol.AnnounceRequest{Hashes: [][]byte{}, Port: 15441, Delete: true})
	if got := b.Stats(); got != (BootstrapStats{Hashes: 1, Peers: 1}) {
		t.Fatalf("stats after withdraw = %+v", got)
	}
}

func TestBootstrapper_PruneOffline(t *testing.T) {
	b := NewBootstrapper()
	clock := time.Unix(1700000000, 0)
	b.now = func() time.Time { return clock }

	b.Announce(net.ParseIP("1.1.1.1"), announceReq(siteHash("a"), 15441))
	clock = clock.Add(2 * time.Hour)
	b.Announce(net.ParseIP("2.2.2.2"), announceReq(siteHash("a"), 15441))

	if n := b.PruneOffline(time.Hour); n != 1 {
		t.Fatalf("pruned %d, want 1", n)
	}
	if got := b.Stats(); got != (BootstrapStats{Hashes: 1, Peers: 1}) {
		t.Fatalf("stats = %+v", got)
	}
}

func TestBootstrapper_RunStopsOnCancel(t *testing.T) {
	b := NewBootstrapper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx, time.Hour)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
