package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/pulseboard/internal/domain"
	"github.com/ashureev/pulseboard/internal/feed"
	"github.com/ashureev/pulseboard/internal/session"
)

type fakeEngine struct {
	mu     sync.Mutex
	calls  []string
	block  chan struct{} // when non-nil, Compute waits for it to close
	result domain.AggregateResult
	errFor map[string]error
}

func (f *fakeEngine) Compute(_ context.Context, key string) (domain.AggregateResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, key)
	block := f.block
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	if err := f.errFor[key]; err != nil {
		return nil, err
	}
	return f.result, nil
}

func (f *fakeEngine) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeEngine) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type push struct {
	sessionID    string
	partitionKey string
}

type fakePusher struct {
	mu     sync.Mutex
	pushes []push
}

func (f *fakePusher) Push(_ context.Context, sessionID, partitionKey string, _ domain.AggregateResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes = append(f.pushes, push{sessionID, partitionKey})
	return nil
}

func (f *fakePusher) all() []push {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]push(nil), f.pushes...)
}

func TestCoordinator_ConnectPushesWithEmptyKey(t *testing.T) {
	engine := &fakeEngine{result: domain.AggregateResult{{Label: "a", Count: 1}}}
	pusher := &fakePusher{}
	registry := session.NewRegistry()
	c := NewCoordinator(engine, registry, pusher, 4)

	id := registry.Register()
	c.OnConnect(id)
	c.Drain()

	keys := engine.keys()
	if len(keys) != 1 || keys[0] != "" {
		t.Fatalf("Expected one compute with empty key, got %v", keys)
	}

	pushes := pusher.all()
	if len(pushes) != 1 || pushes[0].sessionID != id {
		t.Fatalf("Expected exactly one push for %s, got %v", id, pushes)
	}

	if _, ok := registry.LastSent(id); !ok {
		t.Error("Expected last-sent aggregate to be recorded after push")
	}
}

func TestCoordinator_SingleFlight(t *testing.T) {
	engine := &fakeEngine{block: make(chan struct{})}
	pusher := &fakePusher{}
	registry := session.NewRegistry()
	c := NewCoordinator(engine, registry, pusher, 4)

	id := registry.Register()
	c.OnConnect(id)

	// Wait for the first recompute to be in flight.
	waitFor(t, func() bool { return engine.callCount() == 1 })

	// A storm of change signals while one recompute is in flight collapses
	// into at most one follow-up.
	for i := 0; i < 10; i++ {
		c.OnChangeSignal()
	}

	close(engine.block)
	c.Drain()

	if n := engine.callCount(); n > 2 {
		t.Fatalf("Expected at most 2 completed recomputations, got %d", n)
	}
}

func TestCoordinator_DisconnectDuringComputeSkipsPush(t *testing.T) {
	engine := &fakeEngine{block: make(chan struct{})}
	pusher := &fakePusher{}
	registry := session.NewRegistry()
	c := NewCoordinator(engine, registry, pusher, 4)

	id := registry.Register()
	c.OnConnect(id)
	waitFor(t, func() bool { return engine.callCount() == 1 })

	c.OnDisconnect(id)
	close(engine.block)
	c.Drain()

	if pushes := pusher.all(); len(pushes) != 0 {
		t.Fatalf("Expected zero pushes after disconnect, got %v", pushes)
	}
}

func TestCoordinator_KeyChangeMidFlightRecomputesWithNewKey(t *testing.T) {
	engine := &fakeEngine{block: make(chan struct{})}
	pusher := &fakePusher{}
	registry := session.NewRegistry()
	c := NewCoordinator(engine, registry, pusher, 4)

	id := registry.Register()
	c.OnConnect(id)
	waitFor(t, func() bool { return engine.callCount() == 1 })

	c.OnPartitionKeyChange(id, "alpha")
	close(engine.block)
	c.Drain()

	keys := engine.keys()
	if len(keys) != 2 || keys[0] != "" || keys[1] != "alpha" {
		t.Fatalf("Expected computes [\"\" alpha], got %v", keys)
	}

	pushes := pusher.all()
	if len(pushes) != 2 || pushes[1].partitionKey != "alpha" {
		t.Fatalf("Expected final push for key alpha, got %v", pushes)
	}
}

func TestCoordinator_ErrorIsolatedPerSession(t *testing.T) {
	engine := &fakeEngine{
		result: domain.AggregateResult{{Label: "x", Count: 1}},
		errFor: map[string]error{"bad": errors.New("data unavailable")},
	}
	pusher := &fakePusher{}
	registry := session.NewRegistry()
	c := NewCoordinator(engine, registry, pusher, 4)

	good := registry.Register()
	bad := registry.Register()
	if _, err := registry.SetPartitionKey(good, "ok"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if _, err := registry.SetPartitionKey(bad, "bad"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	c.OnChangeSignal()
	c.Drain()

	pushes := pusher.all()
	if len(pushes) != 1 || pushes[0].sessionID != good {
		t.Fatalf("Expected exactly one push for the healthy session, got %v", pushes)
	}

	// The failing session keeps its (absent) last-sent state.
	if _, ok := registry.LastSent(bad); ok {
		t.Error("Expected no last-sent aggregate for the failing session")
	}
}

func TestCoordinator_RunFansOutOnSignals(t *testing.T) {
	engine := &fakeEngine{result: domain.AggregateResult{}}
	pusher := &fakePusher{}
	registry := session.NewRegistry()
	c := NewCoordinator(engine, registry, pusher, 4)

	a := registry.Register()
	b := registry.Register()

	raw := make(chan domain.ChangeEvent)
	notifier := feed.NewNotifier(raw)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go notifier.Run(ctx)

	done := make(chan struct{})
	go func() {
		c.Run(ctx, notifier)
		close(done)
	}()

	raw <- domain.ChangeEvent{Channel: "c", Label: "l"}

	waitFor(t, func() bool {
		pushes := pusher.all()
		gotA, gotB := false, false
		for _, p := range pushes {
			if p.sessionID == a {
				gotA = true
			}
			if p.sessionID == b {
				gotB = true
			}
		}
		return gotA && gotB
	})

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Expected Run to stop on context cancel")
	}
	c.Drain()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("Condition not met before deadline")
}
