// Package feed turns the store's raw change feed into a coalesced,
// level-triggered recompute signal.
package feed

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/ashureev/pulseboard/internal/domain"
)

// ErrFeedClosed reports that the underlying change subscription terminated.
// The owning process decides whether and how to re-subscribe.
var ErrFeedClosed = errors.New("feed: change subscription closed")

// Notifier coalesces raw change events into a single pending signal. Events
// arriving while a signal is already pending collapse into it, so the signal
// channel never backs up regardless of write rate.
type Notifier struct {
	raw     <-chan domain.ChangeEvent
	signals chan struct{}

	mu  sync.Mutex
	err error
}

// NewNotifier creates a notifier over a raw change-event channel.
func NewNotifier(raw <-chan domain.ChangeEvent) *Notifier {
	return &Notifier{
		raw:     raw,
		signals: make(chan struct{}, 1),
	}
}

// Signals returns the coalesced signal channel. It closes when the raw feed
// terminates or the run context is cancelled; check Err afterwards.
func (n *Notifier) Signals() <-chan struct{} {
	return n.signals
}

// Err reports why the signal channel closed. Nil means a clean context stop.
func (n *Notifier) Err() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.err
}

func (n *Notifier) setErr(err error) {
	n.mu.Lock()
	n.err = err
	n.mu.Unlock()
}

// Run consumes the raw feed until it closes or ctx is cancelled. The
// subscription is not restartable; call Run exactly once.
func (n *Notifier) Run(ctx context.Context) {
	defer close(n.signals)

	for {
		select {
		case _, ok := <-n.raw:
			if !ok {
				n.setErr(ErrFeedClosed)
				slog.Error("Change feed terminated", "error", ErrFeedClosed)
				return
			}
			select {
			case n.signals <- struct{}{}:
			default:
				// A signal is already pending; this event coalesces into it.
			}
		case <-ctx.Done():
			slog.Info("Change notifier stopping", "reason", ctx.Err())
			return
		}
	}
}
