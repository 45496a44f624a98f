// Package ratelimit implements per-user, per-key, per-model request and
// token counters over fixed windows (1s, 1m, 1h, 1d), stored in Redis so
// limits hold across gateway replicas. Counter updates are atomic Lua
// scripts; the check/record pair is deliberately not, so a small bounded
// overspend is possible under burst.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	gateway "github.com/modelrelay/relay/internal"

	"github.com/modelrelay/relay/internal/telemetry"
)

// window is one fixed accounting window.
type window struct {
	name string
	size time.Duration
}

var windows = []window{
	{"1s", time.Second},
	{"1m", time.Minute},
	{"1h", time.Hour},
	{"1d", 24 * time.Hour},
}

// Limits holds per-window request and token ceilings. Zero means unlimited.
type Limits struct {
	RPS int64 `yaml:"rps"`
	RPM int64 `yaml:"rpm"`
	RPH int64 `yaml:"rph"`
	RPD int64 `yaml:"rpd"`
	TPS int64 `yaml:"tps"`
	TPM int64 `yaml:"tpm"`
	TPH int64 `yaml:"tph"`
	TPD int64 `yaml:"tpd"`
}

func (l Limits) requests() [4]int64 { return [4]int64{l.RPS, l.RPM, l.RPH, l.RPD} }
func (l Limits) tokens() [4]int64   { return [4]int64{l.TPS, l.TPM, l.TPH, l.TPD} }

// DefaultTierLimits returns the built-in per-tier ceilings used when no
// per-user limits are configured.
func DefaultTierLimits() map[string]Limits {
	return map[string]Limits{
		gateway.TierBasic: {RPS: 2, RPM: 60, RPH: 1_000, RPD: 5_000, TPM: 100_000, TPD: 2_000_000},
		gateway.TierPro:   {RPS: 10, RPM: 300, RPH: 6_000, RPD: 50_000, TPM: 500_000, TPD: 20_000_000},
		gateway.TierMax:   {RPS: 50, RPM: 1_500, RPH: 30_000, RPD: 250_000, TPM: 2_000_000, TPD: 100_000_000},
	}
}

// Result is the outcome of a rate limit check.
type Result struct {
	Allowed    bool
	RetryAfter time.Duration
	Scope      string // which window refused, e.g. "requests/1m"
}

// incrExpireScript atomically increments a window counter and sets its TTL
// on first touch, so counters expire with their window.
var incrExpireScript = redis.NewScript(`
	local v = redis.call('INCRBY', KEYS[1], ARGV[1])
	if v == tonumber(ARGV[1]) then
		redis.call('PEXPIRE', KEYS[1], ARGV[2])
	end
	return v
`)

// Limiter checks and records usage against Redis counters.
type Limiter struct {
	rdb     *redis.Client
	tiers   map[string]Limits
	users   map[string]Limits // per-user overrides, keyed by user ID
	metrics *telemetry.Metrics
	now     func() time.Time
}

// WithMetrics enables rejection counting.
func (l *Limiter) WithMetrics(m *telemetry.Metrics) *Limiter {
	l.metrics = m
	return l
}

// New creates a Limiter. tiers may be nil (defaults apply); users is the
// optional per-user override table.
func New(rdb *redis.Client, tiers, users map[string]Limits) *Limiter {
	if tiers == nil {
		tiers = DefaultTierLimits()
	}
	return &Limiter{rdb: rdb, tiers: tiers, users: users, now: time.Now}
}

// LimitsFor resolves the effective limits for a user: per-user config first,
// then the tier default, then the basic tier.
func (l *Limiter) LimitsFor(u *gateway.User) Limits {
	if lim, ok := l.users[u.ID]; ok {
		return lim
	}
	if lim, ok := l.tiers[u.Tier]; ok {
		return lim
	}
	return l.tiers[gateway.TierBasic]
}

func key(userID, keyID, model, kind, win string, windowID int64) string {
	return fmt.Sprintf("rl:%s:%s:%s:%s:%s:%d", userID, keyID, model, kind, win, windowID)
}

// Check reads the current window counters and reports whether one more
// request with estimatedTokens would exceed any ceiling. Redis being
// unreachable degrades to allow: rate limiting protects upstream spend, it
// must never take the gateway down with it.
func (l *Limiter) Check(ctx context.Context, u *gateway.User, model string, estimatedTokens int64) Result {
	lim := l.LimitsFor(u)
	reqCeil, tokCeil := lim.requests(), lim.tokens()

	keys := make([]string, 0, len(windows)*2)
	now := l.now()
	for _, w := range windows {
		wid := now.UnixNano() / int64(w.size)
		keys = append(keys,
			key(u.ID, u.KeyID, model, "req", w.name, wid),
			key(u.ID, u.KeyID, model, "tok", w.name, wid),
		)
	}

	vals, err := l.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		slog.Warn("rate limit check degraded, allowing", "error", err)
		return Result{Allowed: true}
	}

	for i, w := range windows {
		reqCount := asInt64(vals[i*2])
		tokCount := asInt64(vals[i*2+1])

		if reqCeil[i] > 0 && reqCount+1 > reqCeil[i] {
			return l.reject(now, w, "requests/"+w.name)
		}
		if tokCeil[i] > 0 && tokCount+estimatedTokens > tokCeil[i] {
			return l.reject(now, w, "tokens/"+w.name)
		}
	}
	return Result{Allowed: true}
}

// reject builds a refusal for one window and counts it.
func (l *Limiter) reject(now time.Time, w window, scope string) Result {
	if l.metrics != nil {
		l.metrics.RateLimitRejects.WithLabelValues(scope).Inc()
	}
	return Result{
		RetryAfter: untilWindowEnd(now, w.size),
		Scope:      scope,
	}
}

// Record increments the request and token counters after a completed
// request. Failures are logged and swallowed; accounting noise never
// surfaces to the caller.
func (l *Limiter) Record(ctx context.Context, u *gateway.User, model string, actualTokens int64) {
	now := l.now()
	for _, w := range windows {
		wid := now.UnixNano() / int64(w.size)
		ttl := w.size.Milliseconds()

		if err := incrExpireScript.Run(ctx, l.rdb,
			[]string{key(u.ID, u.KeyID, model, "req", w.name, wid)}, 1, ttl,
		).Err(); err != nil {
			slog.Warn("rate limit record failed", "window", w.name, "error", err)
			return
		}
		if actualTokens > 0 {
			if err := incrExpireScript.Run(ctx, l.rdb,
				[]string{key(u.ID, u.KeyID, model, "tok", w.name, wid)}, actualTokens, ttl,
			).Err(); err != nil {
				slog.Warn("rate limit record failed", "window", w.name, "error", err)
				return
			}
		}
	}
}

// untilWindowEnd returns time remaining in the current fixed window,
// rounded up to a whole second for the Retry-After header.
func untilWindowEnd(now time.Time, size time.Duration) time.Duration {
	elapsed := time.Duration(now.UnixNano() % int64(size))
	remain := size - elapsed
	if remain < time.Second {
		return time.Second
	}
	return remain.Round(time.Second)
}

func asInt64(v any) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	var n int64
	fmt.Sscanf(s, "%d", &n)
	return n
}
