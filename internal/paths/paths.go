// Package paths validates and normalizes relpaths at the system boundary.
// Every handler and service that accepts a relpath runs it through here
// exactly once before use.
package paths

import (
	"errors"
	"path/filepath"
	"strings"
)

// ErrInvalid rejects traversal attempts and malformed relpaths.
var ErrInvalid = errors.New("invalid relpath")

// Normalize converts separators to forward slashes and trims surrounding
// slashes. It does not validate.
func Normalize(relpath string) string {
	p := strings.ReplaceAll(relpath, "\\", "/")
	return strings.Trim(p, "/")
}

// Clean normalizes and validates a relpath: no empty result, no leading
// slash, no backslash, no "." or ".." segments.
func Clean(relpath string) (string, error) {
	if strings.Contains(relpath, "\\") {
		return "", ErrInvalid
	}
	if strings.HasPrefix(relpath, "/") {
		return "", ErrInvalid
	}
	p := Normalize(relpath)
	if p == "" {
		return "", ErrInvalid
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return "", ErrInvalid
		}
	}
	return p, nil
}

// Under resolves a cleaned relpath against root and verifies the result
// stays inside root.
func Under(root, relpath string) (string, error) {
	cleaned, err := Clean(relpath)
	if err != nil {
		return "", err
	}
	full := filepath.Join(root, filepath.FromSlash(cleaned))
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	absFull, err := filepath.Abs(full)
	if err != nil {
		return "", err
	}
	if absFull != absRoot && !strings.HasPrefix(absFull, absRoot+string(filepath.Separator)) {
		return "", ErrInvalid
	}
	return full, nil
}
