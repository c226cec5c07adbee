// Package domain defines the core data types shared across the service.
package domain

import "time"

// Event is a single labeled record in a channel.
type Event struct {
	ID        int64
	Channel   string
	Label     string
	CreatedAt time.Time
}

// ChangeEvent is a raw change-feed entry emitted by the store after a
// successful write. Consumers that only care that something changed (the
// coalescing notifier) discard the payload.
type ChangeEvent struct {
	Channel string
	Label   string
}
