package model

import (
	"sort"
	"time"
)

// KeySet is an unordered, deduplicated set of record keys.
type KeySet map[string]struct{}

// NewKeySet builds a set from the given keys.
func NewKeySet(keys ...string) KeySet {
	s := make(KeySet, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

// Add inserts keys into the set.
func (s KeySet) Add(keys ...string) {
	for _, k := range keys {
		s[k] = struct{}{}
	}
}

// Has reports whether key is a member.
func (s KeySet) Has(key string) bool {
	_, ok := s[key]
	return ok
}

// Union adds every member of other to s and returns s.
func (s KeySet) Union(other KeySet) KeySet {
	for k := range other {
		s[k] = struct{}{}
	}
	return s
}

// Clone returns a copy of the set.
func (s KeySet) Clone() KeySet {
	out := make(KeySet, len(s))
	for k := range s {
		out[k] = struct{}{}
	}
	return out
}

// Sorted returns the members in ascending order.
func (s KeySet) Sorted() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Limit returns a set holding at most n members, chosen in key order.
func (s KeySet) Limit(n int) KeySet {
	if n <= 0 || len(s) <= n {
		return s.Clone()
	}
	return NewKeySet(s.Sorted()[:n]...)
}

// KeyError records a terminal failure to index one key within a cycle.
type KeyError struct {
	Key       string    `json:"uuid" bson:"key"`
	Message   string    `json:"error_message" bson:"message"`
	Timestamp time.Time `json:"timestamp" bson:"timestamp"`
}
