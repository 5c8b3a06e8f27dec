package protocol

import (
	"github.com/vmihailenco/msgpack/v5"
)

// Command is the "cmd" field of a frame. Values outside the known set are
// kept as-is so the receiver can answer them instead of dropping the
// connection.
type Command string

const (
	CmdHandshake    Command = "handshake"
	CmdPing         Command = "ping"
	CmdGetFile      Command = "getFile"
	CmdAnnounce     Command = "announce"
	CmdGetHashfield Command = "getHashfield"
	CmdResponse     Command = "response"
)

// Known reports whether c is a command this node understands.
func (c Command) Known() bool {
	switch c {
	case CmdHandshake, CmdPing, CmdGetFile, CmdAnnounce, CmdGetHashfield, CmdResponse:
		return true
	}
	return false
}

// ProtocolVersion is the only peer protocol revision spoken.
const ProtocolVersion = "v2"

// FileChunkSize is the largest body a getFile response carries.
const FileChunkSize = 512 * 1024

// frame is the envelope every message shares. Fields of the command body are
// decoded separately from the raw frame.
type frame struct {
	Cmd    Command            `msgpack:"cmd"`
	ReqID  *uint64            `msgpack:"req_id,omitempty"`
	To     *uint64            `msgpack:"to,omitempty"`
	Params msgpack.RawMessage `msgpack:"params,omitempty"`
	Error  string             `msgpack:"error,omitempty"`
}

type requestFrame struct {
	Cmd    Command `msgpack:"cmd"`
	ReqID  uint64  `msgpack:"req_id"`
	Params any     `msgpack:"params"`
}

// Request is an inbound command.
type Request struct {
	Cmd   Command
	ReqID uint64
	raw   msgpack.RawMessage
}

// Decode unmarshals the request params into v.
func (r *Request) Decode(v any) error {
	if len(r.raw) == 0 {
		return &ProtocolError{Msg: string(r.Cmd) + ": missing params"}
	}
	if err := msgpack.Unmarshal(r.raw, v); err != nil {
		return &ProtocolError{Msg: string(r.Cmd) + ": bad params: " + err.Error()}
	}
	return nil
}

// Response is the raw reply to an outbound request.
type Response struct {
	To    uint64
	Error string
	raw   msgpack.RawMessage
}

// Decode unmarshals the response fields into v.
func (r *Response) Decode(v any) error {
	if err := msgpack.Unmarshal(r.raw, v); err != nil {
		return &ProtocolError{Msg: "bad response: " + err.Error()}
	}
	return nil
}

// Handshake is exchanged once per connection, first by the dialer with
// req_id 0 and then echoed back by the listener as the response.
type Handshake struct {
	Crypt          *string  `msgpack:"crypt"`
	CryptSupported []string `msgpack:"crypt_supported"`
	FileserverPort int      `msgpack:"fileserver_port"`
	Port           int      `msgpack:"port"`
	Onion          string   `msgpack:"onion,omitempty"`
	PeerID         string   `msgpack:"peer_id"`
	PortOpened     bool     `msgpack:"port_opened"`
	Protocol       string   `msgpack:"protocol"`
	Rev            int      `msgpack:"rev"`
	TargetIP       string   `msgpack:"target_ip"`
	Time           int64    `msgpack:"time"`
	UseBinType     bool     `msgpack:"use_bin_type"`
	Version        string   `msgpack:"version"`
}

type GetFileRequest struct {
	Site      string `msgpack:"site"`
	InnerPath string `msgpack:"inner_path"`
	Location  int64  `msgpack:"location"`
	FileSize  int64  `msgpack:"file_size,omitempty"`
}

type GetFileResponse struct {
	Body     []byte `msgpack:"body"`
	Location int64  `msgpack:"location"`
	Size     int64  `msgpack:"size"`
}

type AnnounceRequest struct {
	Hashes        [][]byte `msgpack:"hashes"`
	Onions        []string `msgpack:"onions"`
	OnionSigns    []string `msgpack:"onion_signs"`
	OnionSignThis string   `msgpack:"onion_sign_this"`
	Port          int      `msgpack:"port"`
	NeedTypes     []string `msgpack:"need_types"`
	NeedNum       int      `msgpack:"need_num"`
	Add           []string `msgpack:"add"`
	Delete        bool     `msgpack:"delete"`
}

// AnnouncePeers lists packed peer addresses by transport for one hash.
type AnnouncePeers struct {
	IPv4  [][]byte `msgpack:"ipv4,omitempty"`
	IPv6  [][]byte `msgpack:"ipv6,omitempty"`
	Onion [][]byte `msgpack:"onion,omitempty"`
}

// AnnounceResponse holds one AnnouncePeers per requested hash, in order.
type AnnounceResponse struct {
	Peers []AnnouncePeers `msgpack:"peers"`
}

type GetHashfieldRequest struct {
	Site string `msgpack:"site"`
}

type GetHashfieldResponse struct {
	HashfieldRaw []byte `msgpack:"hashfield_raw"`
}

type PingResponse struct {
	Body string `msgpack:"body"`
}
