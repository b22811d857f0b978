package store

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// KeyPrefix namespaces every mirrored entry.
const KeyPrefix = "fetchctrl:"

// Entry is the mirrored form of one key's request state.
type Entry struct {
	Resource      string          `json:"resource"`
	Key           string          `json:"key"`
	IsFetching    bool            `json:"isFetching"`
	DidInvalidate bool            `json:"didInvalidate"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Error         string          `json:"error,omitempty"`
	LastUpdated   time.Time       `json:"lastUpdated,omitzero"`
	Page          int             `json:"page,omitempty"`
	ItemsEnd      bool            `json:"itemsEnd,omitempty"`
	StoredAt      time.Time       `json:"storedAt"`
	ExpiresAt     time.Time       `json:"expiresAt"`
}

// SnapshotStore persists mirrored request state outside the process.
type SnapshotStore interface {
	Lookup(ctx context.Context, key string) (Entry, bool, error)
	Store(ctx context.Context, key string, entry Entry) error
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) error
	Size(ctx context.Context) (int64, error)
	Close(ctx context.Context) error
}

// Key builds the storage key of a resource entry.
func Key(resource, key string) string {
	return ResourcePrefix(resource) + key
}

// ResourcePrefix returns the prefix shared by all entries of a resource.
func ResourcePrefix(resource string) string {
	return KeyPrefix + strings.TrimSpace(resource) + ":"
}

// expiry fills in the storage timestamps of an entry.
func expiry(entry Entry, ttl time.Duration) Entry {
	if entry.StoredAt.IsZero() {
		entry.StoredAt = time.Now().UTC()
	}
	if entry.ExpiresAt.IsZero() || entry.ExpiresAt.Before(entry.StoredAt) {
		entry.ExpiresAt = entry.StoredAt.Add(ttl)
	}
	return entry
}
