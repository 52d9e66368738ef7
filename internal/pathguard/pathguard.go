// Package pathguard enforces that filesystem paths stored in the catalog
// stay under the process's cache root before anything touches them. The
// catalog is, in principle, user-editable, so every operation driven by a
// catalog-stored path (GC, export, ZIP reconstruction, log reads) must
// re-validate containment rather than trust what it reads back.
package pathguard

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrOutsideRoot is returned when a candidate path escapes the cache root.
var ErrOutsideRoot = errors.New("path escapes cache root")

// EnsureWithin resolves candidate to an absolute, cleaned path and verifies
// it is root itself or a descendant of root. It does not require either
// path to exist on disk.
func EnsureWithin(root, candidate string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("pathguard: resolve root: %w", err)
	}
	absCandidate, err := filepath.Abs(candidate)
	if err != nil {
		return "", fmt.Errorf("pathguard: resolve candidate: %w", err)
	}
	absRoot = filepath.Clean(absRoot)
	absCandidate = filepath.Clean(absCandidate)

	if absCandidate == absRoot {
		return absCandidate, nil
	}
	if !strings.HasPrefix(absCandidate, absRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, candidate)
	}
	return absCandidate, nil
}
