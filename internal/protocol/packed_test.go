package protocol

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPackIPv4(t *testing.T) {
	b, err := PackIPv4(net.ParseIP("1.2.3.4"), 15441)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4, 0x51, 0x3c}, b)

	ip, port, err := UnpackIPv4(b)
	require.NoError(t, err)
	require.Equal(t, "1.2.3.4", ip.String())
	require.Equal(t, uint16(15441), port)

	_, err = PackIPv4(net.ParseIP("::1"), 1)
	require.Error(t, err)
	_, _, err = UnpackIPv4([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestPackIPv6(t *testing.T) {
	b, err := PackIPv6(net.ParseIP("2001:db8::1"), 443)
	require.NoError(t, err)
	require.Len(t, b, 18)

	ip, port, err := UnpackIPv6(b)
	require.NoError(t, err)
	require.Equal(t, "2001:db8::1", ip.String())
	require.Equal(t, uint16(443), port)

	_, err = PackIPv6(net.ParseIP("10.0.0.1"), 1)
	require.Error(t, err)
}

func TestUnpackOnion(t *testing.T) {
	// 10 bytes of service id encode to 16 base32 characters.
	b := append([]byte("0123456789"), 0x51, 0x3c)
	host, port, err := UnpackOnion(b)
	require.NoError(t, err)
	require.Equal(t, "gaytemzugu3doobz.onion", host)
	require.Equal(t, uint16(15441), port)
}

func TestHashfield(t *testing.T) {
	ids := []uint16{0x0000, 0x1234, 0xffff}
	b := PackHashfield(ids)
	require.Equal(t, []byte{0x00, 0x00, 0x34, 0x12, 0xff, 0xff}, b)

	got, err := UnpackHashfield(b)
	require.NoError(t, err)
	require.Equal(t, ids, got)

	_, err = UnpackHashfield([]byte{1})
	require.Error(t, err)
}
