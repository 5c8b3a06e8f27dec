package crypto

import (
	"crypto/sha256"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcutil/base58"
	"golang.org/x/crypto/ripemd160"
)

const (
	addressVersion = 0x00
	wifVersion     = 0x80
)

// PublicKeyAddress returns the base58check P2PKH address of the uncompressed
// public key.
func PublicKeyAddress(pub *btcec.PublicKey) string {
	return addressFromBytes(pub.SerializeUncompressed())
}

func addressFromBytes(pub []byte) string {
	sha := sha256.Sum256(pub)
	h := ripemd160.New()
	h.Write(sha[:])
	return base58.CheckEncode(h.Sum(nil), addressVersion)
}

// DecodeWIF parses a wallet-import-format private key. Keys marked for
// compressed public keys are accepted; signatures still use the uncompressed
// form.
func DecodeWIF(wif string) (*btcec.PrivateKey, error) {
	payload, version, err := base58.CheckDecode(wif)
	if err != nil {
		return nil, ErrPrivateKey
	}
	if version != wifVersion {
		return nil, ErrPrivateKey
	}
	switch {
	case len(payload) == 32:
	case len(payload) == 33 && payload[32] == 0x01:
		payload = payload[:32]
	default:
		return nil, ErrPrivateKey
	}
	key, _ := btcec.PrivKeyFromBytes(payload)
	return key, nil
}

// EncodeWIF returns the uncompressed WIF encoding of key.
func EncodeWIF(key *btcec.PrivateKey) string {
	return base58.CheckEncode(key.Serialize(), wifVersion)
}

// PrivateKeyAddress returns the address controlled by the WIF key.
func PrivateKeyAddress(wif string) (string, error) {
	key, err := DecodeWIF(wif)
	if err != nil {
		return "", err
	}
	return PublicKeyAddress(key.PubKey()), nil
}
