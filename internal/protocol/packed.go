package protocol

import (
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"net"
	"strings"
)

// Packed peer addresses are the raw IP followed by the port as a
// little-endian uint16.

func PackIPv4(ip net.IP, port uint16) ([]byte, error) {
	v4 := ip.To4()
	if v4 == nil {
		return nil, fmt.Errorf("pack ipv4: %s is not an IPv4 address", ip)
	}
	return packIP(v4, port), nil
}

func PackIPv6(ip net.IP, port uint16) ([]byte, error) {
	if ip.To4() != nil {
		return nil, fmt.Errorf("pack ipv6: %s is an IPv4 address", ip)
	}
	v6 := ip.To16()
	if v6 == nil {
		return nil, fmt.Errorf("pack ipv6: invalid address %s", ip)
	}
	return packIP(v6, port), nil
}

func packIP(ip net.IP, port uint16) []byte {
	b := make([]byte, len(ip)+2)
	copy(b, ip)
	binary.LittleEndian.PutUint16(b[len(ip):], port)
	return b
}

func UnpackIPv4(b []byte) (net.IP, uint16, error) {
	if len(b) != net.IPv4len+2 {
		return nil, 0, fmt.Errorf("unpack ipv4: length %d", len(b))
	}
	return net.IP(append([]byte(nil), b[:4]...)), binary.LittleEndian.Uint16(b[4:]), nil
}

func UnpackIPv6(b []byte) (net.IP, uint16, error) {
	if len(b) != net.IPv6len+2 {
		return nil, 0, fmt.Errorf("unpack ipv6: length %d", len(b))
	}
	return net.IP(append([]byte(nil), b[:16]...)), binary.LittleEndian.Uint16(b[16:]), nil
}

// UnpackOnion decodes a packed onion address: the base32-decoded service id
// followed by the port.
func UnpackOnion(b []byte) (string, uint16, error) {
	if len(b) < 3 {
		return "", 0, fmt.Errorf("unpack onion: length %d", len(b))
	}
	id := base32.StdEncoding.EncodeToString(b[:len(b)-2])
	host := strings.ToLower(strings.TrimRight(id, "=")) + ".onion"
	return host, binary.LittleEndian.Uint16(b[len(b)-2:]), nil
}

// PackHashfield encodes hash ids as consecutive little-endian uint16 values.
func PackHashfield(ids []uint16) []byte {
	b := make([]byte, 2*len(ids))
	for i, id := range ids {
		binary.LittleEndian.PutUint16(b[2*i:], id)
	}
	return b
}

func UnpackHashfield(b []byte) ([]uint16, error) {
	if len(b)%2 != 0 {
		return nil, fmt.Errorf("unpack hashfield: odd length %d", len(b))
	}
	ids := make([]uint16, len(b)/2)
	for i := range ids {
		ids[i] = binary.LittleEndian.Uint16(b[2*i:])
	}
	return ids, nil
}
