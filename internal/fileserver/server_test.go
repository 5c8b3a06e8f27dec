package fileserver

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zeronode/zeronode/internal/address"
	"github.com/zeronode/zeronode/internal/content"
	"github.com/zeronode/zeronode/internal/peer"
	"github.com/zeronode/zeronode/internal/protocol"
	"github.com/zeronode/zeronode/internal/site"
	"github.com/zeronode/zeronode/internal/tracker"
)

const (
	testWIF     = "5KYZdUEo39z3FPrtuX2QbbwGnNP5zTd7yyr2SC1j299sBCnWjss"
	testAddress = "1HZwkjkeaoZfTSaJxDw6aKkxp45agDiEzN"
)

var indexBody = bytes.Repeat([]byte("<p>zeronet</p>\n"), 32)[:466]

// seedSite writes a signed manifest, index.html and one optional file into
// dataDir.
func seedSite(t *testing.T, dataDir string) {
	t.Helper()
	video := bytes.Repeat([]byte{0xab}, 700*1024)

	c := content.New(testAddress, "content.json")
	c.Files["index.html"] = content.File{Sha512: site.Sha512Hex(indexBody), Size: int64(len(indexBody))}
	c.FilesOptional = map[string]content.File{
		"video.bin": {Sha512: site.Sha512Hex(video), Size: int64(len(video))},
	}
	c.SetModified(time.Now().Add(-time.Minute))
	require.NoError(t, c.AddSign(testWIF))
	manifest, err := c.MarshalJSON()
	require.NoError(t, err)

	root := filepath.Join(dataDir, testAddress)
	require.NoError(t, os.MkdirAll(root, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "content.json"), manifest, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "index.html"), indexBody, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "video.bin"), video, 0o644))
}

type node struct {
	sites *site.Registry
	peers *peer.Registry
	fs    *Server
	boot  *tracker.Bootstrapper
}

func newNode(t *testing.T, dataDir string, withBoot bool) *node {
	t.Helper()
	sites, err := site.NewRegistry(site.Options{DataDir: dataDir})
	require.NoError(t, err)
	peers := peer.NewRegistry(peer.Options{Timeout: 5 * time.Second}, 0)
	peers.SetRouter(sites)
	sites.SetEvictor(peers)

	n := &node{sites: sites, peers: peers}
	if withBoot {
		n.boot = tracker.NewBootstrapper()
	}
	n.fs = New(Config{Handshake: protocol.Handshake{PeerID: "-UT3530-server", Version: "0.7.2"}}, sites, peers, n.boot)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go n.fs.Serve(ln)
	require.Eventually(t, func() bool { return n.fs.Addr() != nil }, time.Second, 5*time.Millisecond)

	t.Cleanup(func() {
		n.fs.Close()
		peers.Close()
		sites.Close()
	})
	return n
}

func dial(t *testing.T, n *node, local protocol.Handshake) *protocol.Conn {
	t.Helper()
	c, err := protocol.Dial(context.Background(), n.fs.Addr().String(), protocol.Config{Local: local, Timeout: 5 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestServer_PingAndUnknownSite(t *testing.T) {
	n := newNode(t, t.TempDir(), false)
	c := dial(t, n, protocol.Handshake{})
	ctx := context.Background()

	require.NoError(t, c.Ping(ctx))

	var resp protocol.GetFileResponse
	err := c.Request(ctx, protocol.CmdGetFile, protocol.GetFileRequest{Site: testAddress, InnerPath: "index.html"}, &resp)
	var remote *protocol.RemoteError
	require.ErrorAs(t, err, &remote)
	require.Contains(t, remote.Message, "unknown site")

	// No bootstrapper: announce is not a command this server answers.
	err = c.Request(ctx, protocol.CmdAnnounce, protocol.AnnounceRequest{}, nil)
	require.ErrorAs(t, err, &remote)
	require.Equal(t, "Unknown command", remote.Message)

	remoteHS, ok := c.Remote()
	require.True(t, ok)
	require.Equal(t, "-UT3530-server", remoteHS.PeerID)
}

func TestServer_GetFileChunks(t *testing.T) {
	dir := t.TempDir()
	seedSite(t, dir)
	n := newNode(t, dir, false)
	n.sites.Add(address.MustParse(testAddress))
	c := dial(t, n, protocol.Handshake{})
	ctx := context.Background()

	var resp protocol.GetFileResponse
	require.NoError(t, c.Request(ctx, protocol.CmdGetFile, protocol.GetFileRequest{Site: testAddress, InnerPath: "video.bin"}, &resp))
	require.Len(t, resp.Body, protocol.FileChunkSize)
	require.Equal(t, int64(protocol.FileChunkSize), resp.Location)
	require.Equal(t, int64(700*1024), resp.Size)

	require.NoError(t, c.Request(ctx, protocol.CmdGetFile, protocol.GetFileRequest{
		Site: testAddress, InnerPath: "video.bin", Location: resp.Location, FileSize: resp.Size,
	}, &resp))
	require.Len(t, resp.Body, 700*1024-protocol.FileChunkSize)
	require.Equal(t, resp.Size, resp.Location)

	err := c.Request(ctx, protocol.CmdGetFile, protocol.GetFileRequest{Site: testAddress, InnerPath: "video.bin", FileSize: 1}, &resp)
	require.Error(t, err)

	err = c.Request(ctx, protocol.CmdGetFile, protocol.GetFileRequest{Site: testAddress, InnerPath: "../secret"}, &resp)
	require.Error(t, err)

	var hf protocol.GetHashfieldResponse
	require.NoError(t, c.Request(ctx, protocol.CmdGetHashfield, protocol.GetHashfieldRequest{Site: testAddress}, &hf))
	ids, err := protocol.UnpackHashfield(hf.HashfieldRaw)
	require.NoError(t, err)
	require.Len(t, ids, 1)
}

func TestServer_InboundHandshakeRegistersPeer(t *testing.T) {
	n := newNode(t, t.TempDir(), false)
	dial(t, n, protocol.Handshake{PeerID: "-UT3530-client", FileserverPort: 26552})

	require.Eventually(t, func() bool { return n.peers.Len() == 1 }, time.Second, 5*time.Millisecond)
	p, ok := n.peers.Get("-UT3530-client")
	require.True(t, ok)
	require.Equal(t, "127.0.0.1:26552", p.Endpoint().String())
	require.True(t, p.Stats().Connected, "inbound connection is reused")
}

func TestServer_RateLimited(t *testing.T) {
	sites, err := site.NewRegistry(site.Options{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(sites.Close)
	fs := New(Config{RateLimit: 2}, sites, nil, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go fs.Serve(ln)
	t.Cleanup(func() { fs.Close() })

	ctx := context.Background()
	c, err := protocol.Dial(ctx, ln.Addr().String(), protocol.Config{Timeout: 5 * time.Second})
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Ping(ctx))
	require.NoError(t, c.Ping(ctx))
	var remote *protocol.RemoteError
	require.ErrorAs(t, c.Ping(ctx), &remote)
	require.Equal(t, "rate limited", remote.Message)
}

func TestServer_Announce(t *testing.T) {
	n := newNode(t, t.TempDir(), true)
	hash := address.MustParse(testAddress).Hash()
	ctx := context.Background()

	req := protocol.AnnounceRequest{Hashes: [][]byte{hash}, Port: 15441, NeedTypes: []string{"ipv4"}, NeedNum: 20, Add: []string{"ipv4"}}
	var resp protocol.AnnounceResponse
	require.NoError(t, dial(t, n, protocol.Handshake{}).Request(ctx, protocol.CmdAnnounce, req, &resp))
	require.Len(t, resp.Peers, 1)
	require.Empty(t, resp.Peers[0].IPv4)

	req.Port = 15442
	require.NoError(t, dial(t, n, protocol.Handshake{}).Request(ctx, protocol.CmdAnnounce, req, &resp))
	require.Len(t, resp.Peers[0].IPv4, 1)
	ip, port, err := protocol.UnpackIPv4(resp.Peers[0].IPv4[0])
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1", ip.String())
	require.Equal(t, uint16(15441), port)
}

// A node with an empty data dir downloads the site from another node's
// fileserver: manifest first, then the file, both verified before commit.
func TestTwoNodes_FetchSite(t *testing.T) {
	seedDir := t.TempDir()
	seedSite(t, seedDir)
	seeder := newNode(t, seedDir, false)
	seeder.sites.Add(address.MustParse(testAddress))

	leecher := newNode(t, t.TempDir(), false)
	s := leecher.sites.Add(address.MustParse(testAddress))

	ep, err := peer.ParseEndpoint(seeder.fs.Addr().String())
	require.NoError(t, err)
	leecher.peers.UpdatePeer(ep.String(), ep, [][]byte{address.MustParse(testAddress).Hash()})

	ctx := context.Background()
	require.Eventually(t, func() bool {
		info, err := s.Info(ctx)
		return err == nil && info.Peers == 1
	}, time.Second, 5*time.Millisecond)

	st, err := s.FileGet(ctx, site.FileRequest{InnerPath: "index.html", Required: true, Timeout: 10 * time.Second})
	require.NoError(t, err)
	require.Equal(t, site.StatusReady, st)

	body, size, err := s.ReadFile(ctx, "index.html", 0, 1<<20)
	require.NoError(t, err)
	require.Equal(t, int64(466), size)
	require.Equal(t, indexBody, body)

	require.Equal(t, []string{testAddress}, leecher.peers.Sites(ep.String()))
}
