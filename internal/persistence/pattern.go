package persistence

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// doublestar treats "/" as a path separator, but store keys are flat strings
// and the networked backend's server-side glob lets "*" and "?" cross any
// byte. Swapping "/" for a placeholder before matching keeps every backend's
// Keys semantics identical.
const globPathSep = "\x01"

func flattenGlob(s string) string {
	return strings.ReplaceAll(s, "/", globPathSep)
}

// validatePattern rejects malformed glob syntax before any keys are touched.
func validatePattern(pattern string) error {
	if pattern == "" || pattern == "*" {
		return nil
	}
	if !doublestar.ValidatePattern(flattenGlob(pattern)) {
		return fmt.Errorf("%w: %q", ErrBadPattern, pattern)
	}
	return nil
}

// matchPattern reports whether key matches the glob pattern. An empty
// pattern matches every key.
func matchPattern(pattern, key string) (bool, error) {
	if pattern == "" || pattern == "*" {
		return true, nil
	}
	ok, err := doublestar.Match(flattenGlob(pattern), flattenGlob(key))
	if err != nil {
		return false, fmt.Errorf("%w: %q", ErrBadPattern, pattern)
	}
	return ok, nil
}
