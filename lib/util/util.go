// Package util contains helper functions used around the code.
package util

// In returns true if s is found in ss, false otherwise
func In[T comparable](ss []T, s T) bool {
	for _, v := range ss {
		if s == v {
			return true
		}
	}

	return false
}

// Chunks splits s in consecutive batches of at most size elements. The batches share the backing array of s. A size
// below 1 yields a single batch.
func Chunks[T any](s []T, size int) [][]T {
	if size < 1 {
		size = len(s)
	}

	var out [][]T
	for size < len(s) {
		s, out = s[size:], append(out, s[:size:size])
	}

	if len(s) > 0 {
		out = append(out, s)
	}

	return out
}
