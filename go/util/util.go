// Package util contains small shared helpers.
package util

import (
	"io"
	"time"

	"go.moonmind.dev/infra/go/sklog"
)

// TimeIsZero returns true if the time.Time is a zero value or corresponds to
// the Unix epoch.
func TimeIsZero(t time.Time) bool {
	return t.IsZero() || t.Unix() == 0
}

// Close wraps an io.Closer and logs an error if one is returned. Intended for
// use in defer statements where the error would otherwise be dropped.
func Close(c io.Closer) {
	if err := c.Close(); err != nil {
		sklog.Errorf("Failed to Close(): %s", err)
	}
}

// In returns true if the given string is present in the given slice.
func In(s string, a []string) bool {
	for _, x := range a {
		if x == s {
			return true
		}
	}
	return false
}

// SSliceDedup deduplicates a slice of strings, preserving their order.
func SSliceDedup(slice []string) []string {
	deduped := []string{}
	seen := map[string]bool{}
	for _, s := range slice {
		if !seen[s] {
			seen[s] = true
			deduped = append(deduped, s)
		}
	}
	return deduped
}

// NewStringSet returns a StringSet containing the given items.
func NewStringSet(items ...[]string) StringSet {
	rv := StringSet{}
	for _, slice := range items {
		for _, s := range slice {
			rv[s] = true
		}
	}
	return rv
}

// StringSet is a set of strings represented as a map to bools.
type StringSet map[string]bool

// Keys returns the members of the set in no particular order.
func (s StringSet) Keys() []string {
	rv := make([]string, 0, len(s))
	for k := range s {
		rv = append(rv, k)
	}
	return rv
}

// AddLists adds the given lists of strings to the set.
func (s StringSet) AddLists(lists ...[]string) StringSet {
	for _, list := range lists {
		for _, item := range list {
			s[item] = true
		}
	}
	return s
}

// IsSubset returns true if every member of s is also a member of other.
func (s StringSet) IsSubset(other StringSet) bool {
	for k := range s {
		if !other[k] {
			return false
		}
	}
	return true
}

// Copy returns a copy of the set.
func (s StringSet) Copy() StringSet {
	rv := make(StringSet, len(s))
	for k, v := range s {
		rv[k] = v
	}
	return rv
}

// CopyStringSlice returns a copy of the given slice of strings, or nil for a
// nil slice.
func CopyStringSlice(s []string) []string {
	if s == nil {
		return nil
	}
	rv := make([]string, len(s))
	copy(rv, s)
	return rv
}

// CopyStringMap returns a copy of the given map, or nil for a nil map.
func CopyStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	rv := make(map[string]string, len(m))
	for k, v := range m {
		rv[k] = v
	}
	return rv
}

// Truncate shortens the given string to at most length characters, using
// "..." to indicate truncation.
func Truncate(s string, length int) string {
	if len(s) > length {
		if length <= 3 {
			return s[:length]
		}
		return s[:length-3] + "..."
	}
	return s
}
