// Package broadcast orchestrates recompute-and-push across live sessions.
package broadcast

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/ashureev/pulseboard/internal/domain"
	"github.com/ashureev/pulseboard/internal/feed"
	"github.com/ashureev/pulseboard/internal/session"
)

// Engine computes an aggregate for a partition key.
type Engine interface {
	Compute(ctx context.Context, partitionKey string) (domain.AggregateResult, error)
}

// Pusher delivers a computed aggregate to one session.
type Pusher interface {
	Push(ctx context.Context, sessionID, partitionKey string, res domain.AggregateResult) error
}

// Coordinator fans recompute triggers out to per-session workers. Each
// session has at most one recomputation in flight; triggers landing on a
// busy session collapse into a single follow-up that re-reads the key. A
// fast change feed therefore degrades to continuous refresh, never to an
// unbounded queue.
type Coordinator struct {
	engine   Engine
	registry *session.Registry
	pusher   Pusher
	sem      *semaphore.Weighted
	wg       sync.WaitGroup
}

// NewCoordinator creates a coordinator running at most maxConcurrent
// recomputations across all sessions.
func NewCoordinator(engine Engine, registry *session.Registry, pusher Pusher, maxConcurrent int64) *Coordinator {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Coordinator{
		engine:   engine,
		registry: registry,
		pusher:   pusher,
		sem:      semaphore.NewWeighted(maxConcurrent),
	}
}

// OnConnect triggers the first recompute-and-push for a freshly registered
// session, using its (still empty) partition key.
func (c *Coordinator) OnConnect(id string) {
	c.trigger(id)
}

// OnPartitionKeyChange updates the session's key and refreshes that session
// only. An unchanged key still triggers; the single-flight claim absorbs
// the cost.
func (c *Coordinator) OnPartitionKeyChange(id, key string) {
	prev, err := c.registry.SetPartitionKey(id, key)
	if err != nil {
		slog.Debug("Partition key change for dead session", "session_id", id, "error", err)
		return
	}
	if prev != key {
		slog.Info("Partition key changed", "session_id", id, "from", prev, "to", key)
	}
	c.trigger(id)
}

// OnChangeSignal refreshes every live session, each independently subject to
// the per-session single-flight rule.
func (c *Coordinator) OnChangeSignal() {
	c.registry.ForEachLive(func(id string) {
		c.trigger(id)
	})
}

// OnDisconnect removes the session. An in-flight recompute for it completes
// but its result is discarded.
func (c *Coordinator) OnDisconnect(id string) {
	if err := c.registry.Unregister(id); err != nil {
		slog.Debug("Disconnect for dead session", "session_id", id, "error", err)
	}
}

// Run consumes coalesced change signals until the notifier stops. If the
// feed failed, automatic pushes stay off until the owner re-subscribes.
func (c *Coordinator) Run(ctx context.Context, notifier *feed.Notifier) {
	for {
		select {
		case _, ok := <-notifier.Signals():
			if !ok {
				if err := notifier.Err(); err != nil {
					slog.Error("Automatic pushes stopped until feed is re-established", "error", err)
				}
				return
			}
			c.OnChangeSignal()
		case <-ctx.Done():
			slog.Info("Broadcast coordinator stopping", "reason", ctx.Err())
			return
		}
	}
}

// Drain blocks until every in-flight recomputation has completed. Call
// before tearing down the transport so nothing pushes into torn-down
// connections.
func (c *Coordinator) Drain() {
	c.wg.Wait()
}

func (c *Coordinator) trigger(id string) {
	key, ok := c.registry.BeginCompute(id)
	if !ok {
		return
	}
	c.wg.Add(1)
	go c.recompute(id, key)
}

func (c *Coordinator) recompute(id, key string) {
	defer c.wg.Done()

	ctx := context.Background()
	if err := c.sem.Acquire(ctx, 1); err != nil {
		c.registry.EndCompute(id)
		return
	}
	res, err := c.engine.Compute(ctx, key)
	c.sem.Release(1)

	switch {
	case err != nil:
		// Stale-but-present beats blank: last-sent stays as it was.
		slog.Warn("Recompute failed", "session_id", id, "partition_key", key, "error", err)
	case c.registry.Live(id):
		if pushErr := c.pusher.Push(ctx, id, key, res); pushErr != nil {
			slog.Warn("Push failed", "session_id", id, "partition_key", key, "error", pushErr)
		}
		c.registry.SetLastSent(id, res)
	default:
		slog.Debug("Recompute result discarded, session gone", "session_id", id, "partition_key", key)
	}

	if c.registry.EndCompute(id) {
		c.trigger(id)
	}
}
