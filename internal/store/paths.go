package store

import "strings"

// SplitPath splits a document path into its segments, dropping empty parts.
func SplitPath(path string) []string {
	raw := strings.Split(path, "/")
	parts := raw[:0]
	for _, p := range raw {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

// Overlaps reports whether one path is at or under the other in segment
// terms. Either relation means a change at one path is visible to a
// subscriber at the other.
func Overlaps(a, b string) bool {
	as, bs := SplitPath(a), SplitPath(b)
	n := len(as)
	if len(bs) < n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}
