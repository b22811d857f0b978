package keyed

import (
	"errors"
	"fmt"
	"slices"
)

// ErrInvalidKeySet rejects key sets that are neither a key nor a list of keys.
var ErrInvalidKeySet = errors.New("keyed: key set must be a key or a list of keys")

// KeySet is either a single key or an ordered list of keys. Duplicates are
// dropped, keeping the first occurrence.
type KeySet[K comparable] struct {
	keys []K
	list bool
}

// One names a single key.
func One[K comparable](key K) KeySet[K] {
	return KeySet[K]{keys: []K{key}}
}

// Many names an ordered list of keys.
func Many[K comparable](keys ...K) KeySet[K] {
	return KeySet[K]{keys: dedupe(keys), list: true}
}

// Keys returns the canonical ordered key list.
func (s KeySet[K]) Keys() []K { return slices.Clone(s.keys) }

// Len reports the number of distinct keys.
func (s KeySet[K]) Len() int { return len(s.keys) }

// IsList reports whether the set was built from a list rather than one key.
func (s KeySet[K]) IsList() bool { return s.list }

// ParseKeys resolves a dynamic key-or-list value, as decoded from JSON or a
// query string, into a KeySet. Anything else fails fast.
func ParseKeys[K comparable](value any) (KeySet[K], error) {
	switch v := value.(type) {
	case KeySet[K]:
		return v, nil
	case K:
		return One(v), nil
	case []K:
		return Many(v...), nil
	case []any:
		keys := make([]K, 0, len(v))
		for i, item := range v {
			key, ok := item.(K)
			if !ok {
				return KeySet[K]{}, fmt.Errorf("%w: element %d has type %T", ErrInvalidKeySet, i, item)
			}
			keys = append(keys, key)
		}
		return Many(keys...), nil
	default:
		return KeySet[K]{}, fmt.Errorf("%w: got %T", ErrInvalidKeySet, value)
	}
}

func dedupe[K comparable](keys []K) []K {
	if len(keys) == 0 {
		return nil
	}
	seen := make(map[K]struct{}, len(keys))
	out := make([]K, 0, len(keys))
	for _, key := range keys {
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	return out
}

// IndexBy maps items by the key keyFn derives, later items winning. It is the
// usual way to split a batch response into per-key payloads.
func IndexBy[K comparable, V any](items []V, keyFn func(V) K) map[K]V {
	out := make(map[K]V, len(items))
	for _, item := range items {
		out[keyFn(item)] = item
	}
	return out
}
