package site

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/zeronode/zeronode/internal/content"
)

// reserved are device names Windows refuses as file names, with or without
// an extension.
var reserved = map[string]bool{
	"CON": true, "PRN": true, "AUX": true, "NUL": true,
	"COM1": true, "COM2": true, "COM3": true, "COM4": true, "COM5": true,
	"COM6": true, "COM7": true, "COM8": true, "COM9": true,
	"LPT1": true, "LPT2": true, "LPT3": true, "LPT4": true, "LPT5": true,
	"LPT6": true, "LPT7": true, "LPT8": true, "LPT9": true,
}

// ValidateInnerPath rejects inner paths that could resolve outside the site
// directory or that some filesystem cannot store.
func ValidateInnerPath(innerPath string) error {
	if innerPath == "" || len(innerPath) > 255 {
		return fmt.Errorf("%w: %q", ErrUnsafePath, innerPath)
	}
	for _, r := range innerPath {
		if r < 0x20 || strings.ContainsRune(`"*:<>?\|`, r) {
			return fmt.Errorf("%w: %q contains %q", ErrUnsafePath, innerPath, r)
		}
	}
	if strings.HasPrefix(innerPath, "/") || filepath.IsAbs(innerPath) {
		return fmt.Errorf("%w: %q is absolute", ErrUnsafePath, innerPath)
	}
	for _, seg := range strings.Split(innerPath, "/") {
		switch seg {
		case "", ".", "..":
			return fmt.Errorf("%w: %q has segment %q", ErrUnsafePath, innerPath, seg)
		}
		base := strings.ToUpper(seg)
		if i := strings.IndexByte(base, '.'); i >= 0 {
			base = base[:i]
		}
		if reserved[base] {
			return fmt.Errorf("%w: %q uses reserved name %q", ErrUnsafePath, innerPath, seg)
		}
		if strings.HasSuffix(seg, ".") || strings.HasSuffix(seg, " ") {
			return fmt.Errorf("%w: %q has trailing dot or space", ErrUnsafePath, innerPath)
		}
	}
	return nil
}

// checkManifestPaths rejects a manifest that lists a file or include whose
// inner path fails ValidateInnerPath.
func checkManifestPaths(manifestPath string, c *content.Content) error {
	dir := manifestDir(manifestPath)
	rels := make([]string, 0, len(c.Files)+len(c.FilesOptional)+len(c.Includes))
	for rel := range c.Files {
		rels = append(rels, rel)
	}
	for rel := range c.FilesOptional {
		rels = append(rels, rel)
	}
	for rel := range c.Includes {
		rels = append(rels, rel)
	}
	sort.Strings(rels)
	for _, rel := range rels {
		if err := ValidateInnerPath(dir + rel); err != nil {
			return fmt.Errorf("%w: %s lists %w", content.ErrPolicyViolation, manifestPath, err)
		}
	}
	return nil
}

// isManifest reports whether innerPath names a content.json.
func isManifest(innerPath string) bool {
	return innerPath == rootManifest || strings.HasSuffix(innerPath, "/"+rootManifest)
}

// manifestDir returns the directory prefix ("" or "a/b/") a manifest at
// manifestPath governs.
func manifestDir(manifestPath string) string {
	return strings.TrimSuffix(manifestPath, rootManifest)
}
