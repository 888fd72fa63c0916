// Package registry defines the persistence contracts the orchestrator depends
// on, plus in-memory implementations. Durable implementations live in
// internal/redis; the orchestrator never depends on a storage engine directly.
package registry

import (
	"context"

	"github.com/restreamkit/restream-server/internal/domain/stream"
)

// Registry is the durable store of stream configuration and observed state.
// Operations on different IDs are safe under concurrent access; operations on
// the same ID are serialized by the caller (per-ID gate in the service layer).
type Registry interface {
	// GenerateID allocates the next unique stream ID.
	GenerateID(ctx context.Context) (int64, error)

	// Get returns the config for id, or stream.ErrNotFound.
	Get(ctx context.Context, id int64) (*stream.Config, error)

	// List returns all known configs.
	List(ctx context.Context) ([]*stream.Config, error)

	// Put persists a config. On an existing ID it overwrites config only and
	// never touches the observed state.
	Put(ctx context.Context, cfg *stream.Config) error

	// Delete removes a config and its observed state. The stopped-first
	// precondition is enforced by the service layer under the per-ID gate.
	Delete(ctx context.Context, id int64) error

	// Observed returns the observed state for id. Unknown IDs report a
	// stopped state rather than an error: absence of runtime history means
	// the stream never ran.
	Observed(ctx context.Context, id int64) (stream.Observed, error)

	// SetObserved overwrites the observed state for id. Reconciler-only.
	SetObserved(ctx context.Context, id int64, obs stream.Observed) error
}

// LogStore is the durable, append-only per-stream log of structured events.
// Writers for different IDs never conflict; a single ID's writes are
// serialized by that ID's reconciler worker.
type LogStore interface {
	// Append adds an entry with the next sequence number for id.
	Append(ctx context.Context, id int64, sev stream.Severity, msg string) error

	// Tail returns up to limit of the most recent entries in append order.
	// limit <= 0 means the store's retention cap.
	Tail(ctx context.Context, id int64, limit int) ([]stream.LogEntry, error)

	// Drop discards all entries for id. Used when a stream is deleted.
	Drop(ctx context.Context, id int64) error
}
