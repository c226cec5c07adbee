// Package aggregate computes grouped-count aggregates over the event
// collection.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ashureev/pulseboard/internal/domain"
)

// ErrDataUnavailable reports that the collection could not be read.
// Transient; the next trigger retries.
var ErrDataUnavailable = errors.New("aggregate: data unavailable")

// ErrTimeout reports that a computation exceeded its deadline.
var ErrTimeout = errors.New("aggregate: computation timed out")

// Reader is the slice of the store the engine needs.
type Reader interface {
	CountByLabel(ctx context.Context, channel string) ([]domain.AggregateRow, error)
}

// Engine computes aggregates with a per-computation deadline. The engine
// holds no cache; any memo of previously pushed results belongs to the
// session that received them.
type Engine struct {
	reader  Reader
	timeout time.Duration
}

// NewEngine creates an engine reading from reader with the given deadline
// per computation.
func NewEngine(reader Reader, timeout time.Duration) *Engine {
	return &Engine{reader: reader, timeout: timeout}
}

// Compute returns per-label counts for the channel, ordered by count
// descending with ties broken by label ascending. A channel with no events
// yields an empty result, not an error.
func (e *Engine) Compute(ctx context.Context, channel string) (domain.AggregateResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	rows, err := e.reader.CountByLabel(ctx, channel)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("compute %q: %w", channel, ErrTimeout)
		}
		return nil, fmt.Errorf("compute %q: %w: %s", channel, ErrDataUnavailable, err)
	}

	result := domain.AggregateResult(rows)
	result.Sort()
	return result, nil
}
