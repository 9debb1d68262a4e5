package domain

import "slices"

// UniqueIDs drops duplicates and empty IDs, keeping first-occurrence order.
func UniqueIDs[T ~string](ids []T) []T {
	seen := make(map[T]struct{}, len(ids))
	out := make([]T, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Difference returns the members of a that are not in b.
func Difference[T ~string](a, b []T) []T {
	in := make(map[T]struct{}, len(b))
	for _, id := range b {
		in[id] = struct{}{}
	}
	out := []T{}
	for _, id := range a {
		if _, ok := in[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

func SameIDSet[T ~string](a, b []T) bool {
	a, b = UniqueIDs(a), UniqueIDs(b)
	return len(a) == len(b) && len(Difference(a, b)) == 0
}

func WithID[T ~string](ids []T, id T) ([]T, bool) {
	if slices.Contains(ids, id) {
		return ids, false
	}
	return append(slices.Clone(ids), id), true
}

func WithoutID[T ~string](ids []T, id T) ([]T, bool) {
	idx := slices.Index(ids, id)
	if idx < 0 {
		return ids, false
	}
	return slices.DeleteFunc(slices.Clone(ids), func(v T) bool { return v == id }), true
}
