package tracker

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
)

// Scheme is the protocol a tracker is reached over.
type Scheme string

const (
	SchemeZero  Scheme = "zero"
	SchemeHTTP  Scheme = "http"
	SchemeHTTPS Scheme = "https"
	SchemeUDP   Scheme = "udp"
)

var (
	ErrBadURL            = errors.New("tracker: malformed url")
	ErrUnsupportedScheme = errors.New("tracker: unsupported scheme")
)

// URL is a parsed tracker address, e.g. zero://boot.example:15441.
type URL struct {
	Scheme Scheme
	Host   string
	Port   uint16
	Path   string
}

// ParseURL parses <scheme>://<host>:<port>[/path]. The port is required.
func ParseURL(s string) (URL, error) {
	u, err := url.Parse(s)
	if err != nil {
		return URL{}, fmt.Errorf("%w: %q: %v", ErrBadURL, s, err)
	}
	scheme := Scheme(u.Scheme)
	switch scheme {
	case SchemeZero, SchemeHTTP, SchemeHTTPS, SchemeUDP:
	default:
		return URL{}, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return URL{}, fmt.Errorf("%w: %q: missing host", ErrBadURL, s)
	}
	port, err := strconv.ParseUint(u.Port(), 10, 16)
	if err != nil || port == 0 {
		return URL{}, fmt.Errorf("%w: %q: missing or invalid port", ErrBadURL, s)
	}
	return URL{Scheme: scheme, Host: host, Port: uint16(port), Path: u.Path}, nil
}

// Addr is host:port.
func (u URL) Addr() string {
	return net.JoinHostPort(u.Host, strconv.Itoa(int(u.Port)))
}

func (u URL) String() string {
	return string(u.Scheme) + "://" + u.Addr() + u.Path
}
