// Package identifier normalizes the external profile handles that name one
// unit of work.
package identifier

import "strings"

// Marker is the single leading character stripped from raw handles.
const Marker = "@"

// ID is a normalized profile handle. Equality is case-sensitive.
type ID string

// String returns the handle as a plain string.
func (id ID) String() string {
	return string(id)
}

// Normalize trims surrounding whitespace and strips a single leading marker.
// The second return value is false when nothing usable remains.
func Normalize(raw string) (ID, bool) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, Marker)
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	return ID(s), true
}

// NormalizeAll normalizes raw handles, dropping empty ones and keeping only
// the first occurrence of each identifier. Input order is preserved.
func NormalizeAll(raw []string) []ID {
	seen := make(map[ID]struct{}, len(raw))
	out := make([]ID, 0, len(raw))
	for _, r := range raw {
		id, ok := Normalize(r)
		if !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Set is an unordered collection of identifiers.
type Set map[ID]struct{}

// NewSet builds a set from the given identifiers.
func NewSet(ids ...ID) Set {
	s := make(Set, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Add inserts id into the set.
func (s Set) Add(id ID) {
	s[id] = struct{}{}
}

// Has reports whether id is in the set.
func (s Set) Has(id ID) bool {
	_, ok := s[id]
	return ok
}

// Len returns the number of identifiers in the set.
func (s Set) Len() int {
	return len(s)
}

// Filter returns the identifiers not present in the set, preserving order.
func (s Set) Filter(ids []ID) []ID {
	out := make([]ID, 0, len(ids))
	for _, id := range ids {
		if !s.Has(id) {
			out = append(out, id)
		}
	}
	return out
}
