// Package store is the persistence collaborator boundary: the durable,
// single source of truth for message, comment, and notification records.
// The gateway writes here first and only broadcasts on success; the REST
// gap-recovery endpoint reads from here.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/commune/realtime/internal/delivery"
)

// Kind distinguishes the record families sharing the records table.
type Kind string

const (
	KindMessage      Kind = "message"
	KindComment      Kind = "comment"
	KindNotification Kind = "notification"
)

// Record is a persisted message, comment, or notification.
//
// Seq is a store-assigned, monotonically increasing sequence number used as
// the gap-recovery cursor: ListSince(channel, seq) returns everything the
// channel accumulated after that point, in order.
type Record struct {
	ID        string          `json:"id"`
	Seq       int64           `json:"seq"`
	Channel   string          `json:"channel"`
	Kind      Kind            `json:"kind"`
	Sender    string          `json:"sender"`
	Body      string          `json:"body,omitempty"`
	Status    delivery.Status `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ErrNotFound is returned when no record exists for the given id.
var ErrNotFound = errors.New("store: record not found")

// ErrStatusConflict is returned when a conditional status update found the
// record in a different state than expected. The record is left unchanged.
var ErrStatusConflict = errors.New("store: record status changed concurrently")

// Store is the persistence contract the realtime layer depends on. All
// methods are safe for concurrent use.
type Store interface {
	// Create durably inserts a record with status sent and assigns its Seq.
	// The caller provides the id.
	Create(ctx context.Context, rec *Record) error

	// Get returns the record by id, or ErrNotFound.
	Get(ctx context.Context, id string) (*Record, error)

	// UpdateStatus transitions the record from the expected current status
	// to the new one. It returns ErrNotFound if the record does not exist
	// and ErrStatusConflict if its status is no longer `from`.
	UpdateStatus(ctx context.Context, id string, from, to delivery.Status) (*Record, error)

	// ListSince returns up to limit records in the channel with Seq strictly
	// greater than the cursor, in ascending Seq order. A cursor of 0 reads
	// from the beginning.
	ListSince(ctx context.Context, channelID string, cursor int64, limit int) ([]Record, error)
}
