// Package circuitbreaker tracks upstream gateway health with a weighted
// sliding-window error rate and short-circuits requests to gateways that are
// failing, so the failover chain skips them without paying a timeout.
package circuitbreaker

import (
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	// StateClosed allows all requests through.
	StateClosed State = iota
	// StateOpen rejects all requests.
	StateOpen
	// StateHalfOpen allows a single probe request.
	StateHalfOpen
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker parameters.
type Config struct {
	ErrorThreshold float64       // weighted error rate to trip (e.g. 0.30)
	MinSamples     int           // minimum requests before breaker can open
	WindowSeconds  int           // sliding window duration in seconds
	OpenTimeout    time.Duration // time in OPEN before transitioning to HALF_OPEN
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ErrorThreshold: 0.30,
		MinSamples:     10,
		WindowSeconds:  60,
		OpenTimeout:    30 * time.Second,
	}
}

// bucket holds error and request counts for a 1-second slot.
type bucket struct {
	errors float64 // weighted error sum
	total  int     // total requests
}

// slidingWindow is a fixed-size ring buffer of 1-second buckets. The array
// is embedded so the window allocates nothing after construction.
type slidingWindow struct {
	buckets  [60]bucket
	size     int   // active buckets (== WindowSeconds, capped at 60)
	head     int   // index of current bucket
	headTime int64 // unix seconds of head bucket
}

func newSlidingWindow(windowSeconds int) slidingWindow {
	if windowSeconds <= 0 || windowSeconds > 60 {
		windowSeconds = 60
	}
	return slidingWindow{size: windowSeconds}
}

// advance moves the head to the current second, clearing expired buckets.
func (w *slidingWindow) advance(nowSec int64) {
	if w.headTime == 0 {
		w.headTime = nowSec
		return
	}
	gap := nowSec - w.headTime
	if gap <= 0 {
		return
	}
	clearN := min(int(gap), w.size)
	for i := range clearN {
		idx := (w.head + 1 + i) % w.size
		w.buckets[idx] = bucket{}
	}
	w.head = (w.head + int(gap)) % w.size
	w.headTime = nowSec
}

// record adds one request with the given error weight. Weight 0 is success.
func (w *slidingWindow) record(weight float64, now time.Time) {
	w.advance(now.Unix())
	w.buckets[w.head].total++
	w.buckets[w.head].errors += weight
}

// errorRate returns the weighted error rate and sample count for the window.
func (w *slidingWindow) errorRate(now time.Time) (rate float64, samples int) {
	w.advance(now.Unix())
	var errSum float64
	var total int
	for i := range w.size {
		errSum += w.buckets[i].errors
		total += w.buckets[i].total
	}
	if total == 0 {
		return 0, 0
	}
	return errSum / float64(total), total
}

func (w *slidingWindow) reset() {
	for i := range w.size {
		w.buckets[i] = bucket{}
	}
	w.head = 0
	w.headTime = 0
}

// Breaker is the per-gateway state machine.
type Breaker struct {
	mu       sync.Mutex
	state    State
	window   slidingWindow
	openedAt time.Time // when transitioned to OPEN
	lastUsed time.Time // for stale eviction
	probing  bool      // true when a half-open probe is in flight

	cfg Config
	now func() time.Time
}

// NewBreaker creates a breaker with the given config.
func NewBreaker(cfg Config) *Breaker {
	b := &Breaker{
		state:  StateClosed,
		window: newSlidingWindow(cfg.WindowSeconds),
		cfg:    cfg,
		now:    time.Now,
	}
	b.lastUsed = b.now()
	return b
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	s := b.state
	b.mu.Unlock()
	return s
}

// Allow reports whether a request to this gateway may proceed. An OPEN
// breaker past its timeout transitions to HALF_OPEN and admits the caller
// as the single probe.
func (b *Breaker) Allow() bool {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = now

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if now.Sub(b.openedAt) >= b.cfg.OpenTimeout {
			b.state = StateHalfOpen
			b.probing = true
			return true
		}
		return false
	case StateHalfOpen:
		if !b.probing {
			b.probing = true
			return true
		}
		return false
	}
	return false
}

// RecordSuccess records a successful outcome. A successful half-open probe
// closes the breaker and clears its history.
func (b *Breaker) RecordSuccess() {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = now
	b.window.record(0, now)

	if b.state == StateHalfOpen {
		b.state = StateClosed
		b.probing = false
		b.window.reset()
	}
}

// RecordError records a failed outcome with the given weight (see
// ClassifyError). A failed probe reopens immediately.
func (b *Breaker) RecordError(weight float64) {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = now
	b.window.record(weight, now)

	switch b.state {
	case StateClosed:
		rate, samples := b.window.errorRate(now)
		if samples >= b.cfg.MinSamples && rate >= b.cfg.ErrorThreshold {
			b.state = StateOpen
			b.openedAt = now
		}
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = now
		b.probing = false
	}
}

// LastUsed returns the time of last activity, for stale eviction.
func (b *Breaker) LastUsed() time.Time {
	b.mu.Lock()
	t := b.lastUsed
	b.mu.Unlock()
	return t
}
