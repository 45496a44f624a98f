// Package failover walks an ordered chain of upstream gateways until one
// serves the request. Error kinds decide the walk: terminal kinds abort,
// rate limits skip ahead immediately, transient kinds back off first.
package failover

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	gateway "github.com/modelrelay/relay/internal"

	"github.com/modelrelay/relay/internal/circuitbreaker"
	"github.com/modelrelay/relay/internal/routing"
	"github.com/modelrelay/relay/internal/telemetry"
)

const (
	// maxAttempts bounds the chain walk per request.
	maxAttempts = 4

	backoffBase = 250 * time.Millisecond
	backoffCap  = 2 * time.Second
	jitterFrac  = 0.2
)

// ProviderSource resolves gateway slugs to live provider clients.
type ProviderSource interface {
	Get(name string) (gateway.Provider, error)
	Has(name string) bool
}

// SupportChecker reports whether a gateway is believed to serve a model.
// Backed by the catalog cache; an unpopulated cache reports true.
type SupportChecker interface {
	Supports(gw, modelID string) bool
}

// Attempt is one upstream call the engine hands to its caller.
type Attempt struct {
	Gateway  string
	Provider gateway.Provider
	// Model is the upstream's canonical ID for this gateway.
	Model string
	// Index is the zero-based attempt number.
	Index int
}

// Engine drives the failover chain.
type Engine struct {
	providers ProviderSource
	support   SupportChecker
	breakers  *circuitbreaker.Registry
	order     []string
	metrics   *telemetry.Metrics

	sleep func(ctx context.Context, d time.Duration) error
}

// WithMetrics enables attempt and error instrumentation.
func (e *Engine) WithMetrics(m *telemetry.Metrics) *Engine {
	e.metrics = m
	return e
}

// New creates an Engine. order is the fallback chain tried after the primary
// gateway; nil means provider.DefaultFallbackOrder semantics are supplied by
// the caller. support and breakers may be nil.
func New(providers ProviderSource, support SupportChecker, breakers *circuitbreaker.Registry, order []string) *Engine {
	return &Engine{
		providers: providers,
		support:   support,
		breakers:  breakers,
		order:     order,
		sleep:     sleepCtx,
	}
}

// Candidates returns the gateways to try for (primary, model): the primary
// first, then the fallback order with duplicates removed, filtered to
// registered gateways the catalog believes serve the model. The primary is
// never filtered out; routing chose it, it gets its shot.
func (e *Engine) Candidates(primary, model string) []string {
	out := make([]string, 0, len(e.order)+1)
	seen := map[string]struct{}{}

	if e.providers.Has(primary) {
		out = append(out, primary)
	}
	seen[primary] = struct{}{}

	for _, gw := range e.order {
		if _, dup := seen[gw]; dup {
			continue
		}
		seen[gw] = struct{}{}
		if !e.providers.Has(gw) {
			continue
		}
		if e.support != nil && !e.support.Supports(gw, routing.TransformID(gw, model)) {
			continue
		}
		out = append(out, gw)
	}
	return out
}

// Do walks the chain, invoking call once per attempt until it succeeds, a
// terminal error stops the chain, or the attempt budget runs out. call must
// return nil only when the request was fully served. Returns the slug of the
// gateway that served the request.
//
// Streaming callers must return nil once the first byte has been forwarded
// downstream, then handle trailing errors in-band: the response is already
// underway and no other gateway can take over.
func (e *Engine) Do(ctx context.Context, primary, model string, call func(ctx context.Context, a Attempt) error) (string, error) {
	candidates := e.Candidates(primary, model)
	if len(candidates) == 0 {
		return "", fmt.Errorf("no gateway available for %s: %w", model, gateway.ErrNotFound)
	}

	var lastErr error
	attempt := 0
	for _, gw := range candidates {
		if attempt >= maxAttempts {
			break
		}

		var brk *circuitbreaker.Breaker
		if e.breakers != nil {
			brk = e.breakers.GetOrCreate(gw)
			if !brk.Allow() {
				slog.Debug("skipping gateway, breaker open", "gateway", gw)
				continue
			}
		}

		p, err := e.providers.Get(gw)
		if err != nil {
			continue
		}

		if e.metrics != nil && attempt > 0 {
			e.metrics.FailoverAttempts.WithLabelValues(gw).Inc()
		}
		callStart := time.Now()
		err = call(ctx, Attempt{
			Gateway:  gw,
			Provider: p,
			Model:    routing.TransformID(gw, model),
			Index:    attempt,
		})
		if e.metrics != nil {
			e.metrics.UpstreamDuration.WithLabelValues(gw, model).Observe(time.Since(callStart).Seconds())
		}
		if err == nil {
			if brk != nil {
				brk.RecordSuccess()
			}
			return gw, nil
		}
		if e.metrics != nil {
			e.metrics.UpstreamErrors.WithLabelValues(gw, errorKind(err)).Inc()
		}
		if brk != nil {
			wasOpen := brk.State() == circuitbreaker.StateOpen
			brk.RecordError(circuitbreaker.ClassifyError(err))
			if e.metrics != nil && !wasOpen && brk.State() == circuitbreaker.StateOpen {
				e.metrics.BreakerOpens.WithLabelValues(gw).Inc()
			}
		}
		if ctx.Err() != nil {
			return "", fmt.Errorf("%s: %w", gw, err)
		}

		lastErr = fmt.Errorf("%s: %w", gw, err)
		next, wait := nextAction(err, attempt)
		attempt++

		switch next {
		case actionStop:
			return "", lastErr
		case actionSkip:
			slog.Info("gateway refused, skipping ahead", "gateway", gw, "model", model, "error", err)
		case actionBackoff:
			slog.Info("gateway failed, backing off", "gateway", gw, "model", model, "wait", wait, "error", err)
			if serr := e.sleep(ctx, wait); serr != nil {
				return "", lastErr
			}
		}
	}

	if lastErr == nil {
		return "", fmt.Errorf("no gateway available for %s: %w", model, gateway.ErrNotFound)
	}
	return "", fmt.Errorf("all gateways failed: %w", lastErr)
}

// errorKind extracts the upstream error kind label for metrics.
func errorKind(err error) string {
	var ue *gateway.UpstreamError
	if errors.As(err, &ue) {
		return string(ue.Kind)
	}
	return string(gateway.KindUnknown)
}

type action int

const (
	actionStop action = iota
	actionSkip
	actionBackoff
)

// nextAction maps an attempt error to the chain's next move. Auth,
// validation, and not-found failures would repeat identically on every
// gateway the same way, so they stop the chain. Rate limits are per-gateway
// capacity, skip immediately. Non-retryable failures are terminal for that
// gateway only, so they also skip without waiting. Transient failures back
// off first.
func nextAction(err error, attempt int) (action, time.Duration) {
	var ue *gateway.UpstreamError
	if errors.As(err, &ue) {
		switch ue.Kind {
		case gateway.KindAuth, gateway.KindValidation, gateway.KindNotFound:
			return actionStop, 0
		case gateway.KindRateLimit:
			return actionSkip, 0
		}
		if !ue.Retryable {
			return actionSkip, 0
		}
	}
	return actionBackoff, backoff(attempt)
}

// backoff computes 250ms * 2^attempt capped at 2s, with ±20% jitter so
// synchronized retries from many requests fan out.
func backoff(attempt int) time.Duration {
	d := backoffBase << attempt
	if d > backoffCap {
		d = backoffCap
	}
	jitter := 1 + jitterFrac*(2*rand.Float64()-1)
	return time.Duration(float64(d) * jitter)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
