// Package address holds the validated identity of a site.
package address

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// TestAddress is accepted in place of a real address for local fixtures.
const TestAddress = "Test"

const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

var ErrInvalid = errors.New("address: invalid site address")

// Address is a site address: "Test", or a 33-34 character base58 string
// starting with '1'. The zero value is not a valid address.
type Address struct {
	s string
}

// Parse validates s and returns it as an Address.
func Parse(s string) (Address, error) {
	if s == TestAddress {
		return Address{s: s}, nil
	}
	if len(s) < 33 || len(s) > 34 || s[0] != '1' {
		return Address{}, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	for i := 0; i < len(s); i++ {
		if strings.IndexByte(base58Alphabet, s[i]) < 0 {
			return Address{}, fmt.Errorf("%w: %q", ErrInvalid, s)
		}
	}
	return Address{s: s}, nil
}

// MustParse is Parse for constants; it panics on invalid input.
func MustParse(s string) Address {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// String returns the address text.
func (a Address) String() string { return a.s }

// IsZero reports whether a was never set.
func (a Address) IsZero() bool { return a.s == "" }

// Hash returns SHA-256 of the address text. Discovery and tracker messages
// identify sites by this value.
func (a Address) Hash() []byte {
	h := sha256.Sum256([]byte(a.s))
	return h[:]
}

// Short returns the first six and last five characters joined by "...".
func (a Address) Short() string {
	if len(a.s) < 12 {
		return a.s
	}
	return a.s[:6] + "..." + a.s[len(a.s)-5:]
}

func (a Address) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.s)
}

func (a *Address) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
