package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zeronode/zeronode/internal/address"
	"github.com/zeronode/zeronode/internal/config"
	"github.com/zeronode/zeronode/internal/discovery"
	"github.com/zeronode/zeronode/internal/fileserver"
	"github.com/zeronode/zeronode/internal/gateway"
	"github.com/zeronode/zeronode/internal/peer"
	"github.com/zeronode/zeronode/internal/protocol"
	"github.com/zeronode/zeronode/internal/site"
	"github.com/zeronode/zeronode/internal/storage"
	"github.com/zeronode/zeronode/internal/tracker"
)

// rev is the client revision sent in handshakes.
const rev = 4241

// node wires every component of a running zeronode.
type node struct {
	cfg    *config.Config
	peerID string

	db       *storage.DB
	sites    *site.Registry
	peers    *peer.Registry
	fs       *fileserver.Server
	boot     *tracker.Bootstrapper
	disc     *discovery.Server
	trackers *tracker.Manager
	gw       *gateway.Server
}

func newNode(cfg *config.Config) (*node, error) {
	db, err := storage.NewDB(cfg.ContentDB())
	if err != nil {
		return nil, fmt.Errorf("open content db: %w", err)
	}
	peerID, err := discovery.NewPeerID()
	if err != nil {
		db.Close()
		return nil, err
	}
	n := &node{cfg: cfg, peerID: peerID, db: db}
	if err := n.init(); err != nil {
		n.close()
		return nil, err
	}
	return n, nil
}

func (n *node) init() error {
	cfg := n.cfg
	port := cfg.Port()
	hs := protocol.Handshake{
		PeerID:         n.peerID,
		FileserverPort: port,
		Port:           port,
		Rev:            rev,
		Version:        version,
	}

	n.peers = peer.NewRegistry(peer.Options{Handshake: hs}, cfg.GlobalConnectedLimit)
	sites, err := site.NewRegistry(site.Options{
		DataDir:        cfg.DataDir,
		ConnectedLimit: cfg.ConnectedLimit,
		Index:          n.db,
		Evictor:        n.peers,
	})
	if err != nil {
		return err
	}
	n.sites = sites
	n.peers.SetRouter(sites)

	if cfg.Bootstrap {
		n.boot = tracker.NewBootstrapper()
	}
	n.fs = fileserver.New(fileserver.Config{Handshake: hs, RateLimit: cfg.RateLimit.Fileserver}, sites, n.peers, n.boot)
	if err := n.fs.Listen(cfg.FileserverAddr(port)); err != nil {
		return err
	}

	if cfg.BroadcastPort != 0 {
		n.disc, err = discovery.Listen(discovery.Config{
			Port:           cfg.BroadcastPort,
			FileserverPort: port,
			PeerID:         n.peerID,
			Interval:       cfg.DiscoveryInterval.Duration,
			RateLimit:      cfg.RateLimit.Discovery,
		}, sites, n.peers)
		if err != nil {
			// Another node on this host may own the broadcast port.
			log.Printf("[discovery] disabled: %v", err)
		}
	}

	n.trackers = tracker.NewManager(tracker.Config{
		Port:        port,
		IPType:      cfg.IPType,
		Interval:    cfg.AnnounceInterval.Duration,
		PeerOptions: peer.Options{Handshake: hs},
	}, sites, n.peers)
	for _, raw := range cfg.Trackers {
		if err := n.trackers.AddTracker(raw); err != nil {
			log.Printf("[tracker] skip %s: %v", raw, err)
		}
	}

	n.gw = gateway.New(gateway.Config{RateLimit: cfg.RateLimit.Gateway}, sites, n.trackers, n.db)

	return n.restore()
}

// restore starts every indexed or configured site and hands it the peers it
// knew before the restart.
func (n *node) restore() error {
	indexed, err := n.db.ListSites()
	if err != nil {
		return err
	}
	addrs := make([]string, 0, len(indexed)+len(n.cfg.Sites))
	for _, s := range indexed {
		addrs = append(addrs, s.Address)
	}
	addrs = append(addrs, n.cfg.Sites...)

	for _, raw := range addrs {
		addr, err := address.Parse(raw)
		if err != nil {
			log.Printf("[site] skip %q: %v", raw, err)
			continue
		}
		n.sites.Add(addr)

		rows, err := n.db.ListPeers(addr.String())
		if err != nil {
			return err
		}
		for _, row := range rows {
			ep, err := peer.ParseEndpoint(row.Address)
			if err != nil {
				continue
			}
			n.peers.UpdatePeer(row.PeerID, ep, [][]byte{addr.Hash()})
		}
		if len(rows) > 0 {
			log.Printf("[peer] %s: restored %d peers", addr.Short(), len(rows))
		}
	}
	return nil
}

// run serves until ctx is cancelled, then shuts everything down.
func (n *node) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		n.fs.Run(ctx)
		return nil
	})
	if n.disc != nil {
		g.Go(func() error {
			if err := n.disc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		n.trackers.Run(ctx)
		return nil
	})
	if n.boot != nil {
		g.Go(func() error {
			n.boot.Run(ctx, tracker.DefaultPeerTimeout)
			return nil
		})
	}
	n.gw.StartWorkers(ctx)

	srv := &http.Server{Addr: n.cfg.UI, Handler: n.gw}
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("gateway: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	n.close()
	return err
}

func (n *node) close() {
	if n.fs != nil {
		n.fs.Close()
	}
	if n.disc != nil {
		n.disc.Close()
	}
	if n.sites != nil {
		n.sites.Close()
	}
	if n.peers != nil {
		n.peers.Close()
	}
	n.db.Close()
}
