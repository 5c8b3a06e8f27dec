package discovery

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Service is the only service name this node answers.
const Service = "zeronet"

// Command is the "cmd" of a discovery datagram.
type Command string

const (
	CmdDiscoverRequest  Command = "discoverRequest"
	CmdDiscoverResponse Command = "discoverResponse"
	CmdSiteListRequest  Command = "siteListRequest"
	CmdSiteListResponse Command = "siteListResponse"
)

// Sender identifies the node a datagram came from. IP is filled in from the
// socket and never sent.
type Sender struct {
	Service       string `msgpack:"service"`
	PeerID        string `msgpack:"peer_id"`
	Port          int    `msgpack:"port"`
	BroadcastPort int    `msgpack:"broadcast_port"`
	Rev           int    `msgpack:"rev"`
	IP            string `msgpack:"-"`
}

type Params struct {
	SitesChanged int64    `msgpack:"sites_changed,omitempty"`
	Sites        [][]byte `msgpack:"sites,omitempty"`
}

// Message is one discovery datagram.
type Message struct {
	Sender Sender  `msgpack:"sender"`
	Cmd    Command `msgpack:"cmd"`
	Params Params  `msgpack:"params"`
}

var (
	ErrTooLarge       = errors.New("discovery: datagram too large")
	ErrMalformed      = errors.New("discovery: malformed datagram")
	ErrUnknownCommand = errors.New("discovery: unknown command")
)

// Encode packs m, failing if it would not fit a single datagram.
func Encode(m *Message) ([]byte, error) {
	b, err := msgpack.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Cmd, err)
	}
	if len(b) > MaxDatagram {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrTooLarge, m.Cmd, len(b))
	}
	return b, nil
}

// Decode parses a datagram.
func Decode(b []byte) (*Message, error) {
	m := &Message{}
	if err := msgpack.Unmarshal(b, m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return m, nil
}

// NewPeerID returns a BitTorrent-style id, "-UT3530-" followed by 12 random
// bytes in base64.
func NewPeerID() (string, error) {
	var b [12]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("peer id: %w", err)
	}
	return "-UT3530-" + base64.StdEncoding.EncodeToString(b[:]), nil
}

// chunkSites splits hashes into groups of at most n.
func chunkSites(hashes [][]byte, n int) [][][]byte {
	if len(hashes) == 0 {
		return [][][]byte{nil}
	}
	var out [][][]byte
	for len(hashes) > n {
		out = append(out, hashes[:n])
		hashes = hashes[n:]
	}
	return append(out, hashes)
}
