package content

import (
	"fmt"
	"strings"
	"time"

	"github.com/zeronode/zeronode/internal/crypto"
)

// maxFutureModified bounds how far ahead of the local clock a manifest's
// modified time may be.
const maxFutureModified = 24 * time.Hour

// Sign returns a signature over Dump() made with the WIF key.
func (c *Content) Sign(wif string) (string, error) {
	dump, err := c.Dump()
	if err != nil {
		return "", err
	}
	return crypto.Sign(dump, wif)
}

// AddSign signs the manifest and stores the signature under the signer's
// address.
func (c *Content) AddSign(wif string) error {
	signer, err := crypto.PrivateKeyAddress(wif)
	if err != nil {
		return err
	}
	sig, err := c.Sign(wif)
	if err != nil {
		return err
	}
	if c.Signs == nil {
		c.Signs = make(map[string]string)
	}
	c.Signs[signer] = sig
	c.markPresent("signs")
	return nil
}

// SignSigners sets signers_sign: the site key's signature over
// "<signs_required>:<signer>,<signer>...".
func (c *Content) SignSigners(wif string, validSigners []string) error {
	sig, err := crypto.Sign([]byte(signersData(c.requiredSigns(), validSigners)), wif)
	if err != nil {
		return err
	}
	c.SignersSign = sig
	c.markPresent("signers_sign")
	return nil
}

// Verify reports whether signer has a valid signature in signs.
func (c *Content) Verify(signer string) bool {
	sig, ok := c.Signs[signer]
	if !ok {
		return false
	}
	dump, err := c.Dump()
	if err != nil {
		return false
	}
	return crypto.Verify(dump, signer, sig) == nil
}

// VerifySigns requires at least required distinct signers from validSigners
// to have valid signatures. A manifest short of the threshold is rejected
// even when one signature is valid.
func (c *Content) VerifySigns(validSigners []string, required int) error {
	if required < 1 {
		required = 1
	}
	if len(c.Signs) == 0 {
		return fmt.Errorf("%w: no signs", ErrSignatureInvalid)
	}
	dump, err := c.Dump()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	valid := 0
	seen := make(map[string]bool, len(validSigners))
	for _, signer := range validSigners {
		if seen[signer] {
			continue
		}
		seen[signer] = true
		sig, ok := c.Signs[signer]
		if !ok {
			continue
		}
		if crypto.Verify(dump, signer, sig) == nil {
			valid++
		}
		if valid >= required {
			return nil
		}
	}
	return fmt.Errorf("%w: valid signs %d/%d", ErrSignatureInvalid, valid, required)
}

// VerifySignersSign checks signers_sign against the site address. Only root
// manifests with more than one valid signer carry it.
func (c *Content) VerifySignersSign(siteAddress string, validSigners []string) error {
	if c.SignersSign == "" {
		return fmt.Errorf("%w: missing signers_sign", ErrSignatureInvalid)
	}
	data := signersData(c.requiredSigns(), validSigners)
	if err := crypto.Verify([]byte(data), siteAddress, c.SignersSign); err != nil {
		return fmt.Errorf("%w: signers_sign: %v", ErrSignatureInvalid, err)
	}
	return nil
}

func (c *Content) requiredSigns() int {
	if c.SignsRequired < 1 {
		return 1
	}
	return c.SignsRequired
}

func signersData(required int, signers []string) string {
	return fmt.Sprintf("%d:%s", required, strings.Join(signers, ","))
}

// CheckModified accepts next as a replacement for prev (nil when nothing is
// installed yet) only when it is strictly newer and not more than a day
// ahead of now.
func CheckModified(prev, next *Content, now time.Time) error {
	modified := next.ModifiedTime()
	limit := float64(now.Add(maxFutureModified).Unix())
	if modified > limit {
		return fmt.Errorf("%w: %v", ErrFutureModified, next.Modified)
	}
	if prev != nil && modified <= prev.ModifiedTime() {
		return fmt.Errorf("%w: %v <= %v", ErrNotNewer, next.Modified, prev.Modified)
	}
	return nil
}

// Lookup returns an already installed manifest by its inner path.
type Lookup func(innerPath string) (*Content, bool)

// Validate runs every check a manifest must pass before it is installed at
// innerPath of siteAddress: address and inner_path fields, the delegation
// rules of its parent, the cert for user content, and the signature
// threshold.
func Validate(siteAddress, innerPath string, c *Content, lookup Lookup) error {
	if innerPath == "content.json" && c.Address == "" {
		return fmt.Errorf("%w: manifest has no address", ErrWrongAddress)
	}
	if c.Address != "" && c.Address != siteAddress {
		return fmt.Errorf("%w: %s != %s", ErrWrongAddress, c.Address, siteAddress)
	}
	if c.InnerPath != "" && c.InnerPath != innerPath {
		return fmt.Errorf("%w: %s != %s", ErrWrongInnerPath, c.InnerPath, innerPath)
	}

	rules, err := ResolveRules(lookup, siteAddress, innerPath, c)
	if err != nil {
		return err
	}

	if innerPath == "content.json" {
		if len(rules.Signers) > 1 {
			if err := c.VerifySignersSign(siteAddress, rules.Signers); err != nil {
				return err
			}
		}
	} else {
		if err := rules.Check(c); err != nil {
			return err
		}
		if err := rules.VerifyCert(c); err != nil {
			return err
		}
	}
	return c.VerifySigns(rules.Signers, rules.SignsRequired)
}
