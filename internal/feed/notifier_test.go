package feed

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ashureev/pulseboard/internal/domain"
)

func TestNotifier_CoalescesBursts(t *testing.T) {
	raw := make(chan domain.ChangeEvent, 8)
	n := NewNotifier(raw)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Run(ctx)

	// A burst of raw events while no one is handling signals must collapse
	// into a single pending signal.
	for i := 0; i < 5; i++ {
		raw <- domain.ChangeEvent{Channel: "c", Label: "l"}
	}

	// Let the notifier drain the burst before sampling signals.
	time.Sleep(100 * time.Millisecond)

	select {
	case <-n.Signals():
	case <-time.After(time.Second):
		t.Fatal("Expected a pending signal")
	}

	select {
	case <-n.Signals():
		t.Fatal("Expected the burst to coalesce into one signal")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNotifier_SignalsAfterEachHandled(t *testing.T) {
	raw := make(chan domain.ChangeEvent)
	n := NewNotifier(raw)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Run(ctx)

	// Level-triggered, not edge-lossy: a new event after the previous signal
	// was handled produces a new signal.
	for i := 0; i < 3; i++ {
		raw <- domain.ChangeEvent{}
		select {
		case <-n.Signals():
		case <-time.After(time.Second):
			t.Fatalf("Expected signal %d", i)
		}
	}
}

func TestNotifier_FeedCloseReportsError(t *testing.T) {
	raw := make(chan domain.ChangeEvent)
	n := NewNotifier(raw)

	go n.Run(context.Background())
	close(raw)

	select {
	case _, ok := <-n.Signals():
		if ok {
			t.Fatal("Expected signal channel to close, got a signal")
		}
	case <-time.After(time.Second):
		t.Fatal("Expected signal channel to close")
	}

	if err := n.Err(); !errors.Is(err, ErrFeedClosed) {
		t.Fatalf("Expected ErrFeedClosed, got %v", err)
	}
}

func TestNotifier_ContextStopIsClean(t *testing.T) {
	raw := make(chan domain.ChangeEvent)
	n := NewNotifier(raw)

	ctx, cancel := context.WithCancel(context.Background())
	go n.Run(ctx)
	cancel()

	select {
	case _, ok := <-n.Signals():
		if ok {
			t.Fatal("Expected signal channel to close, got a signal")
		}
	case <-time.After(time.Second):
		t.Fatal("Expected signal channel to close")
	}

	if err := n.Err(); err != nil {
		t.Fatalf("Expected nil error on context stop, got %v", err)
	}
}
