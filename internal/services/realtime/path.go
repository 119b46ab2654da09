package realtime

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidPath  = errors.New("invalid path")
	ErrInvalidValue = errors.New("invalid value")
	ErrRateLimited  = errors.New("rate limited")
)

// SplitPath validates p and returns its segments. Leading and trailing
// slashes are ignored; "" and "/" name the root.
func SplitPath(p string) ([]string, error) {
	trimmed := strings.Trim(p, "/")
	if trimmed == "" {
		return nil, nil
	}

	segs := strings.Split(trimmed, "/")
	for _, s := range segs {
		if s == "" || strings.ContainsAny(s, ".#$[]") {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPath, p)
		}
	}
	return segs, nil
}

// JoinPath is the inverse of SplitPath.
func JoinPath(segs []string) string {
	return strings.Join(segs, "/")
}

// related reports whether a is an ancestor of b, b of a, or both are equal.
func related(a, b []string) bool {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
