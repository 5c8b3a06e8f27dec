package peer

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Transport is the kind of network a peer is reachable on.
type Transport string

const (
	IPv4  Transport = "ipv4"
	IPv6  Transport = "ipv6"
	Onion Transport = "onion"
	I2P   Transport = "i2p"
	Loki  Transport = "loki"
)

// ErrUnsupportedTransport is returned when dialing an endpoint on a network
// this node cannot reach.
var ErrUnsupportedTransport = errors.New("peer: unsupported transport")

// Endpoint is where a peer listens.
type Endpoint struct {
	Type Transport `json:"type"`
	Host string    `json:"host"`
	Port uint16    `json:"port"`
}

// ParseEndpoint parses "host:port". IPv6 hosts must be bracketed.
func ParseEndpoint(s string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse endpoint %q: %w", s, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return Endpoint{}, fmt.Errorf("parse endpoint %q: invalid port", s)
	}
	return NewEndpoint(host, uint16(port))
}

// NewEndpoint classifies host and pairs it with port.
func NewEndpoint(host string, port uint16) (Endpoint, error) {
	ep := Endpoint{Host: host, Port: port}
	lower := strings.ToLower(host)
	switch {
	case strings.HasSuffix(lower, ".onion"):
		ep.Type = Onion
	case strings.HasSuffix(lower, ".i2p"):
		ep.Type = I2P
	case strings.HasSuffix(lower, ".loki"):
		ep.Type = Loki
	default:
		ip := net.ParseIP(host)
		if ip == nil {
			return Endpoint{}, fmt.Errorf("endpoint: %q is not an IP address", host)
		}
		if ip.To4() != nil {
			ep.Type = IPv4
			ep.Host = ip.To4().String()
		} else {
			ep.Type = IPv6
			ep.Host = ip.String()
		}
	}
	return ep, nil
}

// String returns host:port, bracketing IPv6 hosts.
func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(int(e.Port)))
}

// Dialable reports whether the endpoint is on a network this node can dial.
func (e Endpoint) Dialable() bool {
	return e.Type == IPv4 || e.Type == IPv6
}
