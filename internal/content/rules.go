package content

import (
	"encoding/json"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/zeronode/zeronode/internal/crypto"
)

// Include delegates a sub-manifest to its own set of signers.
type Include struct {
	Signers              []string `json:"signers,omitempty"`
	SignersRequired      int      `json:"signers_required,omitempty"`
	FilesAllowed         string   `json:"files_allowed,omitempty"`
	FilesAllowedOptional string   `json:"files_allowed_optional,omitempty"`
	IncludesAllowed      bool     `json:"includes_allowed,omitempty"`
	MaxSize              int64    `json:"max_size,omitempty"`
	MaxSizeOptional      int64    `json:"max_size_optional,omitempty"`

	raw json.RawMessage
}

type includeFields Include

func (i *Include) UnmarshalJSON(data []byte) error {
	var f includeFields
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*i = Include(f)
	i.raw = append(json.RawMessage(nil), data...)
	return nil
}

// MarshalJSON returns the parsed bytes unchanged when there are any.
func (i *Include) MarshalJSON() ([]byte, error) {
	if i.raw != nil {
		return i.raw, nil
	}
	return json.Marshal((*includeFields)(i))
}

// UserContents delegates per-user sub-manifests under a directory. Users
// sign their own manifests; a cert from a listed cert signer ties the user's
// key to a user name.
type UserContents struct {
	CertSigners        map[string][]string        `json:"cert_signers,omitempty"`
	CertSignersPattern string                     `json:"cert_signers_pattern,omitempty"`
	Permissions        map[string]json.RawMessage `json:"permissions,omitempty"`
	PermissionRules    map[string]json.RawMessage `json:"permission_rules,omitempty"`
	Archived           map[string]json.Number     `json:"archived,omitempty"`
	ArchivedBefore     json.Number                `json:"archived_before,omitempty"`

	raw json.RawMessage
}

type userContentsFields UserContents

func (u *UserContents) UnmarshalJSON(data []byte) error {
	var f userContentsFields
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*u = UserContents(f)
	u.raw = append(json.RawMessage(nil), data...)
	return nil
}

func (u *UserContents) MarshalJSON() ([]byte, error) {
	if u.raw != nil {
		return u.raw, nil
	}
	return json.Marshal((*userContentsFields)(u))
}

// Rules is the effective policy for one manifest: who may sign it and what
// it may contain.
type Rules struct {
	Signers              []string            `json:"signers"`
	SignsRequired        int                 `json:"signers_required"`
	FilesAllowed         string              `json:"files_allowed,omitempty"`
	FilesAllowedOptional string              `json:"files_allowed_optional,omitempty"`
	IncludesAllowed      bool                `json:"includes_allowed"`
	MaxSize              int64               `json:"max_size,omitempty"`
	MaxSizeOptional      int64               `json:"max_size_optional,omitempty"`
	CertSigners          map[string][]string `json:"cert_signers,omitempty"`
	CertSignersPattern   string              `json:"cert_signers_pattern,omitempty"`
	UserAddress          string              `json:"user_address,omitempty"`
}

// RootRules returns the policy of a root content.json: its own "signers"
// plus the site address, which is always valid.
func RootRules(root *Content, siteAddress string) *Rules {
	return &Rules{
		Signers:         withSigner(root.Signers, siteAddress),
		SignsRequired:   root.requiredSigns(),
		IncludesAllowed: true,
	}
}

// IncludeRules returns the policy a parent manifest sets for an include.
func IncludeRules(inc *Include, siteAddress string) *Rules {
	required := inc.SignersRequired
	if required < 1 {
		required = 1
	}
	return &Rules{
		Signers:              withSigner(inc.Signers, siteAddress),
		SignsRequired:        required,
		FilesAllowed:         inc.FilesAllowed,
		FilesAllowedOptional: inc.FilesAllowedOptional,
		IncludesAllowed:      inc.IncludesAllowed,
		MaxSize:              inc.MaxSize,
		MaxSizeOptional:      inc.MaxSizeOptional,
	}
}

func withSigner(signers []string, address string) []string {
	out := append([]string(nil), signers...)
	for _, s := range out {
		if s == address {
			return out
		}
	}
	return append(out, address)
}

// UserContentRules computes the policy for the manifest of userAddress
// under a user_contents directory. Permissions are looked up by the user's
// address, then by cert_user_id; false bans the user. Every permission_rules
// entry whose pattern matches "<cert_auth_type>/<cert_user_id>" is merged in:
// larger numbers and longer strings win, lists are concatenated.
func UserContentRules(uc *UserContents, userAddress string, child *Content) (*Rules, error) {
	merged := make(map[string]any)
	for _, key := range []string{userAddress, child.CertUserID} {
		if key == "" {
			continue
		}
		raw, ok := uc.Permissions[key]
		if !ok {
			continue
		}
		if strings.TrimSpace(string(raw)) == "false" {
			return nil, fmt.Errorf("%w: user %s is banned", ErrPolicyViolation, key)
		}
		if err := decodeRuleMap(raw, merged); err != nil {
			return nil, err
		}
		break
	}

	urn := child.CertAuthType + "/" + child.CertUserID
	patterns := make([]string, 0, len(uc.PermissionRules))
	for p := range uc.PermissionRules {
		patterns = append(patterns, p)
	}
	sort.Strings(patterns)
	for _, pattern := range patterns {
		re, err := regexp.Compile("^(?:" + pattern + ")")
		if err != nil {
			return nil, fmt.Errorf("%w: permission pattern %q: %v", ErrPolicyViolation, pattern, err)
		}
		if !re.MatchString(urn) {
			continue
		}
		extra := make(map[string]any)
		if err := decodeRuleMap(uc.PermissionRules[pattern], extra); err != nil {
			return nil, err
		}
		keys := make([]string, 0, len(extra))
		for k := range extra {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			mergeRule(merged, k, extra[k])
		}
	}

	raw, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPolicyViolation, err)
	}
	var rules Rules
	if err := json.Unmarshal(raw, &rules); err != nil {
		return nil, fmt.Errorf("%w: rules: %v", ErrPolicyViolation, err)
	}
	rules.Signers = append(rules.Signers, userAddress)
	rules.SignsRequired = 1
	rules.IncludesAllowed = false
	rules.CertSigners = uc.CertSigners
	rules.CertSignersPattern = uc.CertSignersPattern
	rules.UserAddress = userAddress
	return &rules, nil
}

func decodeRuleMap(raw json.RawMessage, into map[string]any) error {
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return fmt.Errorf("%w: rules: %v", ErrDeserialization, err)
	}
	for k, v := range m {
		into[k] = v
	}
	return nil
}

func mergeRule(dst map[string]any, key string, val any) {
	cur, ok := dst[key]
	if !ok {
		if list, isList := val.([]any); isList {
			dst[key] = append([]any(nil), list...)
		} else {
			dst[key] = val
		}
		return
	}
	switch v := val.(type) {
	case json.Number:
		c, ok := cur.(json.Number)
		if !ok {
			return
		}
		nv, err1 := v.Float64()
		cv, err2 := c.Float64()
		if err1 == nil && err2 == nil && nv > cv {
			dst[key] = v
		}
	case string:
		if c, ok := cur.(string); ok && len(v) > len(c) {
			dst[key] = v
		}
	case []any:
		if c, ok := cur.([]any); ok {
			dst[key] = append(append([]any(nil), c...), v...)
		}
	}
}

// Check enforces max_size, files_allowed and includes_allowed on child.
func (r *Rules) Check(child *Content) error {
	if r.MaxSize > 0 && child.Size() > r.MaxSize {
		return fmt.Errorf("%w: manifest too large (%d > %d)", ErrPolicyViolation, child.Size(), r.MaxSize)
	}
	if r.MaxSizeOptional > 0 && child.OptionalSize() > r.MaxSizeOptional {
		return fmt.Errorf("%w: optional files too large (%d > %d)", ErrPolicyViolation, child.OptionalSize(), r.MaxSizeOptional)
	}
	if err := checkAllowed(r.FilesAllowed, child.Files); err != nil {
		return err
	}
	if err := checkAllowed(r.FilesAllowedOptional, child.FilesOptional); err != nil {
		return err
	}
	if !r.IncludesAllowed && len(child.Includes) > 0 {
		return fmt.Errorf("%w: includes not allowed", ErrPolicyViolation)
	}
	return nil
}

func checkAllowed(pattern string, files map[string]File) error {
	if pattern == "" {
		return nil
	}
	re, err := regexp.Compile("^(?:" + pattern + ")$")
	if err != nil {
		return fmt.Errorf("%w: files_allowed %q: %v", ErrPolicyViolation, pattern, err)
	}
	for p := range files {
		if !re.MatchString(p) {
			return fmt.Errorf("%w: file not allowed: %s", ErrPolicyViolation, p)
		}
	}
	return nil
}

// VerifyCert checks the cert that ties a user manifest to a user name. Rules
// without cert signers need no cert.
func (r *Rules) VerifyCert(child *Content) error {
	if len(r.CertSigners) == 0 && r.CertSignersPattern == "" {
		return nil
	}
	if child.CertUserID == "" {
		return fmt.Errorf("%w: missing cert_user_id", ErrInvalidCert)
	}
	if strings.Count(child.CertUserID, "@") != 1 {
		return fmt.Errorf("%w: invalid domain in cert_user_id %q", ErrInvalidCert, child.CertUserID)
	}
	name, domain, _ := strings.Cut(child.CertUserID, "@")

	signers := r.CertSigners[domain]
	if len(signers) == 0 {
		if r.CertSignersPattern == "" {
			return fmt.Errorf("%w: unknown cert signer %s", ErrInvalidCert, domain)
		}
		re, err := regexp.Compile("^(?:" + r.CertSignersPattern + ")")
		if err != nil || !re.MatchString(domain) {
			return fmt.Errorf("%w: unknown cert signer %s", ErrInvalidCert, domain)
		}
		signers = []string{domain}
	}

	msg := fmt.Sprintf("%s#%s/%s", r.UserAddress, child.CertAuthType, name)
	if _, err := crypto.VerifyAny([]byte(msg), signers, child.CertSign); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCert, err)
	}
	return nil
}

// ResolveRules finds the policy for the manifest at innerPath. The root
// manifest governs itself; any other manifest is governed by the nearest
// ancestor that declares includes or user_contents.
func ResolveRules(lookup Lookup, siteAddress, innerPath string, child *Content) (*Rules, error) {
	if innerPath == "content.json" {
		return RootRules(child, siteAddress), nil
	}

	dirs := strings.Split(innerPath, "/")
	if len(dirs) < 2 {
		return nil, fmt.Errorf("%w: %s", ErrNoRules, innerPath)
	}
	parts := []string{dirs[len(dirs)-1], dirs[len(dirs)-2]}
	dirs = dirs[:len(dirs)-2]
	// parts is kept reversed while walking up.
	for {
		parentPath := strings.TrimPrefix(strings.Join(dirs, "/")+"/content.json", "/")
		if parent, ok := lookup(parentPath); ok {
			if parent.Has("includes") {
				inc := parent.Includes[joinReversed(parts)]
				if inc == nil {
					return nil, fmt.Errorf("%w: %s not included by %s", ErrNoRules, innerPath, parentPath)
				}
				return IncludeRules(inc, siteAddress), nil
			}
			if parent.UserContents != nil {
				return UserContentRules(parent.UserContents, path.Base(path.Dir(innerPath)), child)
			}
		}
		if len(dirs) == 0 {
			break
		}
		parts = append(parts, dirs[len(dirs)-1])
		dirs = dirs[:len(dirs)-1]
	}
	return nil, fmt.Errorf("%w: %s", ErrNoRules, innerPath)
}

func joinReversed(parts []string) string {
	out := make([]string, len(parts))
	for i, p := range parts {
		out[len(parts)-1-i] = p
	}
	return strings.Join(out, "/")
}
