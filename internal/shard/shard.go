// Package shard partitions an ordered task list so that several
// coordinators can each process a disjoint subset.
//
// Selection is by position modulo the shard count rather than by
// contiguous ranges: packages from one large module tree tend to sit next
// to each other in `go list` order, and interleaving spreads them across
// shards.
package shard

import (
	"fmt"
	"strconv"
	"strings"
)

// Select returns the items at positions p where p%count == id-1.
// id is 1-based. Out-of-range arguments select nothing.
func Select[T any](items []T, id, count int) []T {
	if count < 1 || id < 1 || id > count {
		return nil
	}
	out := make([]T, 0, len(items)/count+1)
	for p := id - 1; p < len(items); p += count {
		out = append(out, items[p])
	}
	return out
}

// Validate reports whether id and count describe a valid shard.
func Validate(id, count int) error {
	if count < 1 {
		return fmt.Errorf("shard count must be positive, got %d", count)
	}
	if id < 1 || id > count {
		return fmt.Errorf("shard id must be between 1 and %d, got %d", count, id)
	}
	return nil
}

// Spec identifies one shard. The zero value means "no sharding".
type Spec struct {
	ID    int `json:"id"`
	Count int `json:"count"`
}

// Enabled reports whether s selects a strict subset.
func (s Spec) Enabled() bool {
	return s.Count > 1
}

// Apply is Select with s, returning items unchanged when sharding is off.
func Apply[T any](s Spec, items []T) []T {
	if !s.Enabled() {
		return items
	}
	return Select(items, s.ID, s.Count)
}

func (s Spec) String() string {
	if s.Count == 0 {
		return "1/1"
	}
	return fmt.Sprintf("%d/%d", s.ID, s.Count)
}

// Parse reads a shard in "id/count" form, e.g. "2/5".
func Parse(s string) (Spec, error) {
	idStr, countStr, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok {
		return Spec{}, fmt.Errorf("invalid shard %q: want id/count", s)
	}
	id, err := strconv.Atoi(idStr)
	if err != nil {
		return Spec{}, fmt.Errorf("invalid shard id %q: %w", idStr, err)
	}
	count, err := strconv.Atoi(countStr)
	if err != nil {
		return Spec{}, fmt.Errorf("invalid shard count %q: %w", countStr, err)
	}
	if err := Validate(id, count); err != nil {
		return Spec{}, err
	}
	return Spec{ID: id, Count: count}, nil
}
