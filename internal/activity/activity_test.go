package activity

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	gateway "github.com/modelrelay/relay/internal"
)

type fakeActivityStore struct {
	mu      sync.Mutex
	batches [][]gateway.ActivityEvent
}

func (s *fakeActivityStore) InsertActivity(_ context.Context, events []gateway.ActivityEvent) error {
	s.mu.Lock()
	s.batches = append(s.batches, events)
	s.mu.Unlock()
	return nil
}

func (s *fakeActivityStore) totalEvents() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func (s *fakeActivityStore) allEvents() []gateway.ActivityEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []gateway.ActivityEvent
	for _, b := range s.batches {
		out = append(out, b...)
	}
	return out
}

func waitForEvents(t *testing.T, store *fakeActivityStore, want int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if store.totalEvents() >= want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("flush timeout; got %d events, want %d", store.totalEvents(), want)
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func TestLogger_BatchOnSize(t *testing.T) {
	t.Parallel()
	store := &fakeActivityStore{}
	l := NewLogger(store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()

	for i := range batchSize {
		l.Log(gateway.ActivityEvent{UserID: "u", Model: "m", TotalTokens: i})
	}
	waitForEvents(t, store, batchSize)

	cancel()
	<-done
}

func TestLogger_DrainOnShutdown(t *testing.T) {
	t.Parallel()
	store := &fakeActivityStore{}
	l := NewLogger(store)

	// Enqueue before the worker starts, then cancel immediately: everything
	// must still reach the store via the drain path.
	for range 7 {
		l.Log(gateway.ActivityEvent{UserID: "u"})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := l.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := store.totalEvents(); got != 7 {
		t.Fatalf("drained %d events, want 7", got)
	}
}

func TestLogger_AssignsIDsAndTimestamps(t *testing.T) {
	t.Parallel()
	store := &fakeActivityStore{}
	l := NewLogger(store)

	l.Log(gateway.ActivityEvent{UserID: "u"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	l.Run(ctx)

	events := store.allEvents()
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if events[0].ID == "" {
		t.Fatal("flush must assign an ID")
	}
	if events[0].Timestamp.IsZero() {
		t.Fatal("Log must stamp the event")
	}
}

type failingActivityStore struct{}

func (failingActivityStore) InsertActivity(context.Context, []gateway.ActivityEvent) error {
	return errors.New("disk full")
}

// Not parallel: swaps the process-wide default logger.
func TestLogger_FlushFailureLogsAndContinues(t *testing.T) {
	var logged bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&logged, nil)))
	defer slog.SetDefault(prev)

	l := NewLogger(failingActivityStore{})
	l.Log(gateway.ActivityEvent{UserID: "u", Model: "m"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := l.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	if !strings.Contains(logged.String(), "failed to log activity") {
		t.Fatalf("log output %q lacks the failure message", logged.String())
	}
}

func TestLogger_FullQueueDropsOldest(t *testing.T) {
	t.Parallel()
	store := &fakeActivityStore{}
	l := &Logger{
		ch:    make(chan gateway.ActivityEvent, 2),
		store: store,
	}

	l.Log(gateway.ActivityEvent{Model: "first"})
	l.Log(gateway.ActivityEvent{Model: "second"})
	l.Log(gateway.ActivityEvent{Model: "third"}) // evicts "first"

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	l.Run(ctx)

	events := store.allEvents()
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0].Model != "second" || events[1].Model != "third" {
		t.Fatalf("kept %s, %s; want second, third", events[0].Model, events[1].Model)
	}
}
