package stepflow

import (
	"maps"
	"slices"
)

// ToPtr returns a pointer to the given value.
// This is useful for creating pointers to literals or converting values to pointers.
func ToPtr[T any](v T) *T {
	return &v
}

// FieldMap converts instance fields into the string keyed map stored on an
// outcome. Empty values are dropped.
func FieldMap(fields map[FieldID]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if IsEmpty(v) {
			continue
		}
		out[string(k)] = v
	}
	return out
}

// FieldIDs converts loose keys, typically decoded from a request body
func FieldIDs(values map[string]any) map[FieldID]any {
	out := make(map[FieldID]any, len(values))
	for k, v := range values {
		out[FieldID(k)] = v
	}
	return out
}

// SortedKeys returns map keys in a stable order, used for log and error output
func SortedKeys[K ~string, V any](m map[K]V) []K {
	return slices.Sorted(maps.Keys(m))
}
