package crypto

import (
	"errors"
	"fmt"
)

var (
	ErrDecodeSignature      = errors.New("crypto: cannot decode signature")
	ErrRecoveryID           = errors.New("crypto: invalid recovery id")
	ErrRecoverableSignature = errors.New("crypto: invalid recoverable signature")
	ErrMessage              = errors.New("crypto: invalid message")
	ErrPublicKey            = errors.New("crypto: cannot recover public key")
	ErrPrivateKey           = errors.New("crypto: invalid private key")
	ErrAddressMismatch      = errors.New("crypto: address mismatch")
)

// AddressMismatchError is returned by Verify when the signature is valid but
// was made by a different key than the expected one.
type AddressMismatchError struct {
	Expected string
	Derived  string
}

func (e *AddressMismatchError) Error() string {
	return fmt.Sprintf("crypto: signature is from %s, expected %s", e.Derived, e.Expected)
}

// Unwrap lets callers match any mismatch with errors.Is(err, ErrAddressMismatch).
func (e *AddressMismatchError) Unwrap() error {
	return ErrAddressMismatch
}
