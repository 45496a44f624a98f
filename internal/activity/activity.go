// Package activity buffers per-request activity events and batch-flushes
// them to storage off the request path.
package activity

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	gateway "github.com/modelrelay/relay/internal"

	"github.com/modelrelay/relay/internal/telemetry"
)

const (
	queueSize  = 1000
	batchSize  = 100
	flushEvery = 5 * time.Second
	drainTime  = 30 * time.Second
)

// Store is the persistence interface consumed by the Logger.
type Store interface {
	InsertActivity(ctx context.Context, events []gateway.ActivityEvent) error
}

// Logger buffers activity events in a bounded queue and batch-flushes them.
// When the queue is full the oldest event is dropped to make room: recent
// activity is worth more than stale activity, and the request path must
// never block on the database.
type Logger struct {
	ch      chan gateway.ActivityEvent
	store   Store
	metrics *telemetry.Metrics
}

// NewLogger creates a Logger backed by store.
func NewLogger(store Store) *Logger {
	return &Logger{
		ch:    make(chan gateway.ActivityEvent, queueSize),
		store: store,
	}
}

// WithMetrics enables queue-depth reporting.
func (l *Logger) WithMetrics(m *telemetry.Metrics) *Logger {
	l.metrics = m
	return l
}

// Name returns the worker identifier.
func (l *Logger) Name() string { return "activity_logger" }

// Log enqueues an event without blocking. A full queue evicts the oldest
// buffered event first; if the race for the freed slot is lost too, the new
// event is dropped and counted.
func (l *Logger) Log(e gateway.ActivityEvent) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	defer func() {
		if l.metrics != nil {
			l.metrics.ActivityQueueLength.Set(float64(len(l.ch)))
		}
	}()

	select {
	case l.ch <- e:
		return
	default:
	}

	select {
	case old := <-l.ch:
		slog.Warn("activity queue full, dropped oldest event", "dropped_user", old.UserID, "dropped_model", old.Model)
	default:
	}
	select {
	case l.ch <- e:
	default:
		slog.Warn("activity event dropped, queue contended")
	}
}

// Run processes events until ctx is cancelled, then drains the queue.
func (l *Logger) Run(ctx context.Context) error {
	ticker := time.NewTicker(flushEvery)
	defer ticker.Stop()

	buf := make([]gateway.ActivityEvent, 0, batchSize)

	for {
		select {
		case e := <-l.ch:
			buf = append(buf, e)
			if len(buf) >= batchSize {
				l.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ticker.C:
			if len(buf) > 0 {
				l.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ctx.Done():
			l.drain(buf)
			return nil
		}
	}
}

func (l *Logger) drain(buf []gateway.ActivityEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), drainTime)
	defer cancel()

	for {
		select {
		case e := <-l.ch:
			buf = append(buf, e)
			if len(buf) >= batchSize {
				l.flush(ctx, buf)
				buf = buf[:0]
			}
		default:
			if len(buf) > 0 {
				l.flush(ctx, buf)
			}
			return
		}
	}
}

func (l *Logger) flush(ctx context.Context, buf []gateway.ActivityEvent) {
	// Copy to avoid aliasing the caller's slice.
	batch := make([]gateway.ActivityEvent, len(buf))
	copy(batch, buf)

	// Assign IDs off the hot path; callers leave ID empty.
	for i := range batch {
		if batch[i].ID == "" {
			batch[i].ID = uuid.Must(uuid.NewV7()).String()
		}
	}

	if err := l.store.InsertActivity(ctx, batch); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "failed to log activity",
			slog.Int("count", len(batch)),
			slog.String("error", err.Error()),
		)
	}
}
