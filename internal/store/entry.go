package store

import (
	"encoding/json"
	"fmt"

	"github.com/l0p7/fetchctrl/internal/reqstate"
)

// FromState converts a request state into its mirrored form. The payload is
// encoded as JSON; an unset payload is omitted.
func FromState[T any](resource, key string, s reqstate.State[T]) (Entry, error) {
	entry := Entry{
		Resource:      resource,
		Key:           key,
		IsFetching:    s.IsFetching,
		DidInvalidate: s.DidInvalidate,
		LastUpdated:   s.LastUpdated,
		Page:          s.Page,
		ItemsEnd:      s.ItemsEnd,
	}
	if s.Err != nil {
		entry.Error = s.Err.Error()
	}
	if s.HasPayload {
		raw, err := json.Marshal(s.Payload)
		if err != nil {
			return Entry{}, fmt.Errorf("store: encode payload for %s/%s: %w", resource, key, err)
		}
		entry.Payload = raw
	}
	return entry, nil
}
