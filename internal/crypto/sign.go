// Package crypto implements Bitcoin-style message signatures on secp256k1,
// the scheme ZeroNet uses to sign content manifests.
package crypto

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
)

const (
	messagePrefix  = "\x18Bitcoin Signed Message:\n"
	compactSigLen  = 65
	compactHeader  = 27
	maxMessageSize = 1 << 32
)

// MsgHash returns the double SHA-256 digest of msg wrapped in the Bitcoin
// signed-message envelope.
func MsgHash(msg []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(messagePrefix)
	buf.Write(compactSize(uint64(len(msg))))
	buf.Write(msg)
	first := sha256.Sum256(buf.Bytes())
	second := sha256.Sum256(first[:])
	return second[:]
}

// compactSize encodes n as a Bitcoin CompactSize varint.
func compactSize(n uint64) []byte {
	switch {
	case n < 0xfd:
		return []byte{byte(n)}
	case n <= 0xffff:
		b := make([]byte, 3)
		b[0] = 0xfd
		binary.LittleEndian.PutUint16(b[1:], uint16(n))
		return b
	case n <= 0xffffffff:
		b := make([]byte, 5)
		b[0] = 0xfe
		binary.LittleEndian.PutUint32(b[1:], uint32(n))
		return b
	default:
		b := make([]byte, 9)
		b[0] = 0xff
		binary.LittleEndian.PutUint64(b[1:], n)
		return b
	}
}

// Sign signs msg with the WIF-encoded private key and returns the base64
// compact recoverable signature.
func Sign(msg []byte, wif string) (string, error) {
	if uint64(len(msg)) >= maxMessageSize {
		return "", ErrMessage
	}
	key, err := DecodeWIF(wif)
	if err != nil {
		return "", err
	}
	sig, err := ecdsa.SignCompact(key, MsgHash(msg), false)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRecoverableSignature, err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Recover returns the address of the key that produced sig over msg.
func Recover(msg []byte, sig string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecodeSignature, err)
	}
	if len(raw) != compactSigLen {
		return "", fmt.Errorf("%w: length %d", ErrDecodeSignature, len(raw))
	}
	if raw[0] < compactHeader {
		return "", fmt.Errorf("%w: header byte %d", ErrRecoveryID, raw[0])
	}

	// Compressed-key headers (31..34) recover the same point; the address is
	// always derived from the uncompressed encoding.
	recid := (raw[0] - compactHeader) & 3
	normalized := make([]byte, compactSigLen)
	copy(normalized, raw)
	normalized[0] = compactHeader + recid

	pub, _, err := ecdsa.RecoverCompact(normalized, MsgHash(msg))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPublicKey, err)
	}
	return PublicKeyAddress(pub), nil
}

// Verify checks that sig is a signature over msg by the key behind address.
func Verify(msg []byte, address, sig string) error {
	derived, err := Recover(msg, sig)
	if err != nil {
		return err
	}
	if derived != address {
		return &AddressMismatchError{Expected: address, Derived: derived}
	}
	return nil
}

// VerifyAny accepts sig when it was made by any of addresses and returns the
// matching one.
func VerifyAny(msg []byte, addresses []string, sig string) (string, error) {
	derived, err := Recover(msg, sig)
	if err != nil {
		return "", err
	}
	for _, a := range addresses {
		if a == derived {
			return a, nil
		}
	}
	return "", &AddressMismatchError{Expected: fmt.Sprint(addresses), Derived: derived}
}

// NewPrivateKey generates a fresh key and returns its WIF encoding and
// address.
func NewPrivateKey() (wif, address string, err error) {
	key, err := btcec.NewPrivateKey()
	if err != nil {
		return "", "", fmt.Errorf("generate key: %w", err)
	}
	return EncodeWIF(key), PublicKeyAddress(key.PubKey()), nil
}
