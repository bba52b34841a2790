// Package storage defines the persistence boundary for federated entities:
// create/read/delete by federated identifier plus listing the children of a
// parent identifier. Each host instance owns its own Store; stores are never
// shared between instances.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/glyphnet/glyphnet/fedid"
)

// ErrNotFound is returned by Get when no record exists for the identifier.
var ErrNotFound = errors.New("storage: not found")

// Kind partitions records by entity type. Identifiers are unique per kind.
type Kind string

const (
	KindServer  Kind = "server"
	KindChannel Kind = "channel"
	KindMessage Kind = "message"
	KindUser    Kind = "user"
	KindAccount Kind = "account"
	KindRefresh Kind = "refresh"
)

// Record is one stored entity. Data carries the entity's JSON encoding; the
// store never interprets it.
type Record struct {
	ID        fedid.ID  `json:"id"`
	Kind      Kind      `json:"kind"`
	Parent    *fedid.ID `json:"parent,omitempty"`
	Data      []byte    `json:"data"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is the persistence interface consumed by the trust and messaging
// layers. Implementations must support concurrent access with per-record
// consistency.
type Store interface {
	// Put creates or replaces the record for (Kind, ID).
	Put(ctx context.Context, rec *Record) error

	// Get returns the record for (kind, id) or ErrNotFound.
	Get(ctx context.Context, kind Kind, id fedid.ID) (*Record, error)

	// Delete removes the record for (kind, id). Deleting an absent record
	// is not an error.
	Delete(ctx context.Context, kind Kind, id fedid.ID) error

	// ListChildren returns all records of kind whose Parent is parent,
	// oldest first.
	ListChildren(ctx context.Context, kind Kind, parent fedid.ID) ([]*Record, error)

	// Close releases the backend's resources.
	Close() error
}
