// Package content models a site's content.json manifest: its file catalog,
// signers and delegation rules, and the canonical bytes that get signed.
package content

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/zeronode/zeronode/internal/canonical"
)

// File is one catalog entry: the first 64 hex characters of the SHA-512 of
// the file and its size in bytes.
type File struct {
	Sha512 string `json:"sha512"`
	Size   int64  `json:"size"`
}

// Content is a parsed content.json. Keys without a typed field are kept
// verbatim in Extra, and the set of keys present in the parsed document is
// remembered, so re-encoding reproduces the signed bytes.
type Content struct {
	Address        string
	InnerPath      string
	Modified       json.Number
	Files          map[string]File
	FilesOptional  map[string]File
	Signs          map[string]string
	Signers        []string
	SignsRequired  int
	SignersSign    string
	Includes       map[string]*Include
	UserContents   *UserContents
	Ignore         string
	Title          string
	Description    string
	ZeronetVersion string
	CertAuthType   string
	CertUserID     string
	CertSign       string

	Extra map[string]json.RawMessage

	present map[string]bool
	rawSize int64
}

// New returns an empty manifest for a site. The address, inner_path, files
// and modified keys are always emitted.
func New(siteAddress, innerPath string) *Content {
	return &Content{
		Address:   siteAddress,
		InnerPath: innerPath,
		Modified:  json.Number("0"),
		Files:     make(map[string]File),
		present: map[string]bool{
			"address":    true,
			"inner_path": true,
			"files":      true,
			"modified":   true,
		},
	}
}

// Parse decodes a content.json document.
func Parse(data []byte) (*Content, error) {
	c := &Content{}
	if err := c.UnmarshalJSON(data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeserialization, err)
	}
	return c, nil
}

func (c *Content) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*c = Content{present: make(map[string]bool, len(raw)), rawSize: int64(len(data))}

	for key, val := range raw {
		target := c.fieldPtr(key)
		// null values keep their place in the document without a typed value.
		if target == nil || bytes.Equal(bytes.TrimSpace(val), []byte("null")) {
			if c.Extra == nil {
				c.Extra = make(map[string]json.RawMessage)
			}
			c.Extra[key] = val
			continue
		}
		if err := json.Unmarshal(val, target); err != nil {
			return fmt.Errorf("field %q: %w", key, err)
		}
		c.present[key] = true
	}
	return nil
}

func (c *Content) fieldPtr(key string) any {
	switch key {
	case "address":
		return &c.Address
	case "inner_path":
		return &c.InnerPath
	case "modified":
		return &c.Modified
	case "files":
		return &c.Files
	case "files_optional":
		return &c.FilesOptional
	case "signs":
		return &c.Signs
	case "signers":
		return &c.Signers
	case "signs_required":
		return &c.SignsRequired
	case "signers_sign":
		return &c.SignersSign
	case "includes":
		return &c.Includes
	case "user_contents":
		return &c.UserContents
	case "ignore":
		return &c.Ignore
	case "title":
		return &c.Title
	case "description":
		return &c.Description
	case "zeronet_version":
		return &c.ZeronetVersion
	case "cert_auth_type":
		return &c.CertAuthType
	case "cert_user_id":
		return &c.CertUserID
	case "cert_sign":
		return &c.CertSign
	}
	return nil
}

// toMap flattens the manifest into the generic tree the canonical encoder
// consumes. A typed field is emitted when the parsed document had it or when
// it holds a non-zero value.
func (c *Content) toMap() map[string]any {
	m := make(map[string]any, len(c.Extra)+len(c.present))
	for k, v := range c.Extra {
		m[k] = v
	}
	put := func(key string, v any, zero bool) {
		if zero && !c.present[key] {
			return
		}
		m[key] = v
	}

	put("address", c.Address, c.Address == "")
	put("inner_path", c.InnerPath, c.InnerPath == "")
	put("modified", c.Modified, c.Modified == "")
	put("files", nonNilFiles(c.Files), len(c.Files) == 0)
	put("files_optional", nonNilFiles(c.FilesOptional), len(c.FilesOptional) == 0)
	put("signs", nonNilStrings(c.Signs), len(c.Signs) == 0)
	put("signers", c.Signers, len(c.Signers) == 0)
	put("signs_required", c.SignsRequired, c.SignsRequired == 0)
	put("signers_sign", c.SignersSign, c.SignersSign == "")
	put("includes", c.Includes, len(c.Includes) == 0)
	put("user_contents", c.UserContents, c.UserContents == nil)
	put("ignore", c.Ignore, c.Ignore == "")
	put("title", c.Title, c.Title == "")
	put("description", c.Description, c.Description == "")
	put("zeronet_version", c.ZeronetVersion, c.ZeronetVersion == "")
	put("cert_auth_type", c.CertAuthType, c.CertAuthType == "")
	put("cert_user_id", c.CertUserID, c.CertUserID == "")
	put("cert_sign", c.CertSign, c.CertSign == "")
	return m
}

func nonNilFiles(m map[string]File) map[string]File {
	if m == nil {
		return map[string]File{}
	}
	return m
}

func nonNilStrings(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

// MarshalJSON returns the canonical encoding of the whole manifest,
// signatures included.
func (c *Content) MarshalJSON() ([]byte, error) {
	return canonical.Encode(c.toMap())
}

// Cleared returns a copy without "signs" and the deprecated "sign" key.
func (c *Content) Cleared() *Content {
	cp := *c
	cp.Signs = nil
	cp.present = make(map[string]bool, len(c.present))
	for k, v := range c.present {
		cp.present[k] = v
	}
	delete(cp.present, "signs")
	if c.Extra != nil {
		cp.Extra = make(map[string]json.RawMessage, len(c.Extra))
		for k, v := range c.Extra {
			cp.Extra[k] = v
		}
		delete(cp.Extra, "sign")
		delete(cp.Extra, "signs")
	}
	return &cp
}

// Dump returns the bytes that signatures cover: the canonical encoding of
// the cleared manifest.
func (c *Content) Dump() ([]byte, error) {
	return canonical.Encode(c.Cleared().toMap())
}

// GetFile looks up innerPath (relative to this manifest) among required then
// optional files.
func (c *Content) GetFile(innerPath string) (File, bool) {
	if f, ok := c.Files[innerPath]; ok {
		return f, true
	}
	f, ok := c.FilesOptional[innerPath]
	return f, ok
}

// IsOptional reports whether innerPath is listed only in files_optional.
func (c *Content) IsOptional(innerPath string) bool {
	if _, ok := c.Files[innerPath]; ok {
		return false
	}
	_, ok := c.FilesOptional[innerPath]
	return ok
}

// Has reports whether key would appear in the encoded manifest.
func (c *Content) Has(key string) bool {
	_, ok := c.toMap()[key]
	return ok
}

// ModifiedTime returns modified as fractional seconds since the epoch.
func (c *Content) ModifiedTime() float64 {
	f, err := c.Modified.Float64()
	if err != nil {
		return 0
	}
	return f
}

// SetModified stamps the manifest with whole seconds, as the reference
// signer does.
func (c *Content) SetModified(t time.Time) {
	c.Modified = json.Number(strconv.FormatInt(t.Unix(), 10))
	c.markPresent("modified")
}

func (c *Content) markPresent(key string) {
	if c.present == nil {
		c.present = make(map[string]bool)
	}
	c.present[key] = true
}

// Size is what include and user rules compare against max_size: the encoded
// manifest plus every required file.
func (c *Content) Size() int64 {
	size := c.rawSize
	if size == 0 {
		if b, err := c.MarshalJSON(); err == nil {
			size = int64(len(b))
		}
	}
	for _, f := range c.Files {
		if f.Size > 0 {
			size += f.Size
		}
	}
	return size
}

// OptionalSize sums the sizes of optional files.
func (c *Content) OptionalSize() int64 {
	var size int64
	for _, f := range c.FilesOptional {
		if f.Size > 0 {
			size += f.Size
		}
	}
	return size
}

// Summary is the manifest part of a site snapshot.
type Summary struct {
	Files          int     `json:"files"`
	FilesOptional  int     `json:"files_optional"`
	Includes       int     `json:"includes"`
	Title          string  `json:"title"`
	Description    string  `json:"description"`
	ZeronetVersion string  `json:"zeronet_version"`
	Modified       float64 `json:"modified"`
	SignsRequired  int     `json:"signs_required"`
	InnerPath      string  `json:"inner_path"`
	Ignore         string  `json:"ignore"`
}

func (c *Content) Summary() Summary {
	return Summary{
		Files:          len(c.Files),
		FilesOptional:  len(c.FilesOptional),
		Includes:       len(c.Includes),
		Title:          c.Title,
		Description:    c.Description,
		ZeronetVersion: c.ZeronetVersion,
		Modified:       c.ModifiedTime(),
		SignsRequired:  c.SignsRequired,
		InnerPath:      c.InnerPath,
		Ignore:         c.Ignore,
	}
}

// HashID is the 16-bit identifier hashfields use for an optional file: the
// first four hex digits of its sha512.
func HashID(sha512 string) (uint16, error) {
	if len(sha512) < 4 {
		return 0, fmt.Errorf("hash id: sha512 %q too short", sha512)
	}
	v, err := strconv.ParseUint(sha512[:4], 16, 16)
	if err != nil {
		return 0, fmt.Errorf("hash id: %w", err)
	}
	return uint16(v), nil
}
