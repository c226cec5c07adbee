// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"

	"github.com/ashureev/pulseboard/internal/domain"
)

// Repository defines the interface for the event collection.
type Repository interface {
	// InsertEvent appends an event to a channel and notifies change-feed
	// subscribers after the write commits.
	InsertEvent(ctx context.Context, channel, label string) error

	// CountByLabel returns per-label counts for a channel. Order is
	// unspecified; callers own presentation ordering.
	CountByLabel(ctx context.Context, channel string) ([]domain.AggregateRow, error)

	// ListChannels returns the distinct channels present in the collection.
	ListChannels(ctx context.Context) ([]string, error)

	// WatchChanges returns a channel of raw change events. The channel is
	// closed when the store shuts down. Events may be dropped for slow
	// consumers; downstream coalescing makes the drop harmless.
	WatchChanges() <-chan domain.ChangeEvent

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database and terminates all change feeds.
	Close() error
}
