// Package app implements application-level services for the Relay gateway:
// the chat completion pipeline, catalog queries, and user management.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	gateway "github.com/modelrelay/relay/internal"

	"github.com/modelrelay/relay/internal/cache"
	"github.com/modelrelay/relay/internal/failover"
	"github.com/modelrelay/relay/internal/ledger"
	"github.com/modelrelay/relay/internal/provider/sseutil"
	"github.com/modelrelay/relay/internal/ratelimit"
	"github.com/modelrelay/relay/internal/telemetry"
	"github.com/modelrelay/relay/internal/tokencount"
)

// defaultMaxCompletion is the completion-token estimate used for reservation
// and rate limiting when the request does not set max_tokens.
const defaultMaxCompletion = 1024

// Endpoint labels recorded on activity events.
const (
	EndpointChat      = "/v1/chat/completions"
	EndpointResponses = "/v1/responses"
)

// RateLimitedError carries the refusing window so the HTTP layer can emit a
// Retry-After header.
type RateLimitedError struct {
	Scope      string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited on %s, retry in %s", e.Scope, e.RetryAfter)
}

func (e *RateLimitedError) Unwrap() error { return gateway.ErrRateLimited }

// Router resolves a user-supplied model string to (gateway, upstream ID).
type Router interface {
	Resolve(model, explicitGateway string) (gw, upstreamID string)
}

// Limiter is the rate limit surface the pipeline needs.
type Limiter interface {
	Check(ctx context.Context, u *gateway.User, model string, estimatedTokens int64) ratelimit.Result
	Record(ctx context.Context, u *gateway.User, model string, actualTokens int64)
}

// Credits is the ledger surface the pipeline needs.
type Credits interface {
	Reserve(u *gateway.User, estimatedCost float64) error
	DebitUsage(ctx context.Context, userID string, costUSD float64, model string, promptTokens, completionTokens int, reason string) (float64, error)
}

// Pricer computes request cost from token counts.
type Pricer interface {
	Cost(modelID string, promptTokens, completionTokens int) float64
}

// Invoker walks the failover chain.
type Invoker interface {
	Do(ctx context.Context, primary, model string, call func(ctx context.Context, a failover.Attempt) error) (string, error)
}

// ActivitySink receives per-request activity events.
type ActivitySink interface {
	Log(e gateway.ActivityEvent)
}

// ChatService runs the full request pipeline: rate limit, credit
// reservation, routing, failover invocation, and post-flight accounting.
type ChatService struct {
	router   Router
	limiter  Limiter
	credits  Credits
	pricer   Pricer
	invoker  Invoker
	activity ActivitySink
	counter  *tokencount.Counter
	// respCache, when set, answers identical buffered requests without a
	// second upstream call. Off by default.
	respCache *cache.ResponseCache
	metrics   *telemetry.Metrics
	now       func() time.Time
}

// WithResponseCache enables the buffered-response cache.
func (s *ChatService) WithResponseCache(c *cache.ResponseCache) *ChatService {
	s.respCache = c
	return s
}

// WithMetrics enables token and spend instrumentation.
func (s *ChatService) WithMetrics(m *telemetry.Metrics) *ChatService {
	s.metrics = m
	return s
}

// NewChatService wires the pipeline. activity may be nil.
func NewChatService(router Router, limiter Limiter, credits Credits, pricer Pricer, invoker Invoker, activity ActivitySink, counter *tokencount.Counter) *ChatService {
	return &ChatService{
		router:   router,
		limiter:  limiter,
		credits:  credits,
		pricer:   pricer,
		invoker:  invoker,
		activity: activity,
		counter:  counter,
		now:      time.Now,
	}
}

// preflight holds what the pre-upstream checks produced.
type preflight struct {
	user      *gateway.User
	gw        string
	estPrompt int
	estTotal  int64
}

func (s *ChatService) preflight(ctx context.Context, req *gateway.ChatRequest) (*preflight, error) {
	user := gateway.UserFromContext(ctx)
	if user == nil {
		return nil, gateway.ErrUnauthorized
	}
	if req.Model == "" || len(req.Messages) == 0 {
		return nil, fmt.Errorf("model and messages are required: %w", gateway.ErrBadRequest)
	}

	gw, _ := s.router.Resolve(req.Model, req.Gateway)

	estPrompt := s.counter.EstimateRequest(req.Messages)
	estCompletion := defaultMaxCompletion
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		estCompletion = *req.MaxTokens
	}
	estTotal := int64(estPrompt + estCompletion)

	if res := s.limiter.Check(ctx, user, req.Model, estTotal); !res.Allowed {
		return nil, &RateLimitedError{Scope: res.Scope, RetryAfter: res.RetryAfter}
	}

	if err := s.credits.Reserve(user, s.pricer.Cost(req.Model, estPrompt, estCompletion)); err != nil {
		return nil, err
	}

	return &preflight{user: user, gw: gw, estPrompt: estPrompt, estTotal: estTotal}, nil
}

// ChatCompletion serves a non-streaming chat request.
func (s *ChatService) ChatCompletion(ctx context.Context, req *gateway.ChatRequest, endpoint string) (*gateway.ChatResponse, error) {
	pre, err := s.preflight(ctx, req)
	if err != nil {
		return nil, err
	}

	start := s.now()
	var cacheKey string
	if s.respCache != nil {
		cacheKey = cache.Key(pre.user.ID, req)
		if resp, ok := s.respCache.Get(cacheKey); ok {
			// Served responses always bill, cached or not; only the upstream
			// call is saved.
			usage := resp.Usage
			if usage == nil {
				usage = &gateway.Usage{PromptTokens: pre.estPrompt, TotalTokens: pre.estPrompt}
			}
			cost, balance := s.account(ctx, pre.user, req, pre.gw, usage, "stop", s.now().Sub(start), endpoint, ledger.ReasonDebit)
			resp.GatewayUsage = &gateway.GatewayUsage{
				CostUSD:          cost,
				UserBalanceAfter: balance,
				LatencyMs:        s.now().Sub(start).Milliseconds(),
			}
			return resp, nil
		}
	}
	var resp *gateway.ChatResponse
	gwUsed, err := s.invoker.Do(ctx, pre.gw, req.Model, func(ctx context.Context, a failover.Attempt) error {
		outReq := *req
		outReq.Model = a.Model
		outReq.Gateway = ""
		outReq.Stream = false
		r, err := a.Provider.ChatCompletion(ctx, &outReq)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	// The response echoes the model string the caller sent, not the
	// upstream's rewritten ID.
	resp.Model = req.Model

	usage := resp.Usage
	if usage == nil {
		// Upstream did not report usage; estimate so billing never silently
		// skips a served response.
		ct := 0
		for _, c := range resp.Choices {
			ct += s.counter.CountText(string(c.Message.Content))
		}
		usage = &gateway.Usage{
			PromptTokens:     pre.estPrompt,
			CompletionTokens: ct,
			TotalTokens:      pre.estPrompt + ct,
		}
	}

	finish := "stop"
	if len(resp.Choices) > 0 && resp.Choices[0].FinishReason != "" {
		finish = resp.Choices[0].FinishReason
	}

	cost, balance := s.account(ctx, pre.user, req, gwUsed, usage, finish, s.now().Sub(start), endpoint, ledger.ReasonDebit)
	resp.GatewayUsage = &gateway.GatewayUsage{
		CostUSD:          cost,
		UserBalanceAfter: balance,
		LatencyMs:        s.now().Sub(start).Milliseconds(),
	}
	if s.respCache != nil && finish == "stop" {
		s.respCache.Set(cacheKey, resp)
	}
	return resp, nil
}

// ChatCompletionStream serves a streaming chat request. Failover applies
// only until the first upstream chunk: once bytes flow downstream the
// response is committed to that gateway and trailing failures surface
// in-band. The returned channel ends with a synthesized chunk carrying the
// billing block, then Done.
func (s *ChatService) ChatCompletionStream(ctx context.Context, req *gateway.ChatRequest, endpoint string) (<-chan gateway.StreamChunk, error) {
	pre, err := s.preflight(ctx, req)
	if err != nil {
		return nil, err
	}

	out := make(chan gateway.StreamChunk, 32)
	start := s.now()

	_, err = s.invoker.Do(ctx, pre.gw, req.Model, func(ctx context.Context, a failover.Attempt) error {
		outReq := *req
		outReq.Model = a.Model
		outReq.Gateway = ""
		outReq.Stream = true
		if outReq.StreamOptions == nil {
			outReq.StreamOptions = &gateway.StreamOptions{IncludeUsage: true}
		}

		in, err := a.Provider.ChatCompletionStream(ctx, &outReq)
		if err != nil {
			return err
		}

		// Hold the first chunk back until we know the stream is viable, so a
		// gateway that accepts the request and then immediately fails can
		// still be failed over.
		first, ok := <-in
		if !ok {
			return gateway.NewUpstreamError(a.Gateway, 502, "upstream closed stream before first chunk")
		}
		if first.Err != nil {
			return first.Err
		}

		go s.pump(ctx, pre, req, a.Gateway, endpoint, start, first, in, out)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// pump forwards upstream chunks downstream while accumulating usage, then
// runs post-flight accounting. Accounting uses a detached context: a client
// that hangs up mid-stream still pays for the tokens the upstream produced.
func (s *ChatService) pump(ctx context.Context, pre *preflight, req *gateway.ChatRequest, gw, endpoint string, start time.Time, first gateway.StreamChunk, in <-chan gateway.StreamChunk, out chan<- gateway.StreamChunk) {
	defer close(out)

	var usage *gateway.Usage
	var content strings.Builder
	finish := ""
	done := false
	cancelled := false

	forward := func(c gateway.StreamChunk) bool {
		select {
		case out <- c:
			return true
		case <-ctx.Done():
			cancelled = true
			return false
		}
	}

	handle := func(c gateway.StreamChunk) (stop bool) {
		if c.Err != nil {
			if ctx.Err() != nil {
				cancelled = true
				return true
			}
			forward(c)
			return true
		}
		if c.Usage != nil {
			usage = c.Usage
		}
		if c.Done {
			done = true
			return true
		}
		if len(c.Data) > 0 {
			content.WriteString(sseutil.DeltaContent(c.Data))
			if fr := sseutil.FinishReason(c.Data); fr != "" {
				finish = fr
			}
		}
		return !forward(c)
	}

	if !handle(first) {
	loop:
		for {
			select {
			case c, ok := <-in:
				if !ok {
					break loop
				}
				if handle(c) {
					break loop
				}
			case <-ctx.Done():
				cancelled = true
				break loop
			}
		}
	}

	if usage == nil {
		ct := s.counter.CountText(content.String())
		usage = &gateway.Usage{
			PromptTokens:     pre.estPrompt,
			CompletionTokens: ct,
			TotalTokens:      pre.estPrompt + ct,
		}
	}

	reason := ledger.ReasonDebit
	if cancelled {
		finish = "cancelled"
		reason = ledger.ReasonCancelled
	} else if finish == "" {
		finish = "stop"
	}

	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	cost, balance := s.account(bctx, pre.user, req, gw, usage, finish, s.now().Sub(start), endpoint, reason)

	if done && !cancelled {
		gu := &gateway.GatewayUsage{
			CostUSD:          cost,
			UserBalanceAfter: balance,
			LatencyMs:        s.now().Sub(start).Milliseconds(),
		}
		forward(gateway.StreamChunk{Data: sseutil.BuildGatewayUsageChunk(req.Model, usage, gu)})
		forward(gateway.StreamChunk{Done: true})
	}
}

// account debits observed usage, records rate-limit consumption, and emits
// the activity event. Debit failures are logged, never surfaced: the
// response was already served.
func (s *ChatService) account(ctx context.Context, user *gateway.User, req *gateway.ChatRequest, gw string, usage *gateway.Usage, finish string, latency time.Duration, endpoint, reason string) (cost, balance float64) {
	cost = s.pricer.Cost(req.Model, usage.PromptTokens, usage.CompletionTokens)

	balance, err := s.credits.DebitUsage(ctx, user.ID, cost, req.Model, usage.PromptTokens, usage.CompletionTokens, reason)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "usage debit failed",
			slog.String("user", user.ID),
			slog.String("model", req.Model),
			slog.Float64("cost_usd", cost),
			slog.String("error", err.Error()),
		)
		balance = user.Credits
	}

	s.limiter.Record(ctx, user, req.Model, int64(usage.TotalTokens))

	if s.metrics != nil {
		s.metrics.TokensProcessed.WithLabelValues(req.Model, "prompt").Add(float64(usage.PromptTokens))
		s.metrics.TokensProcessed.WithLabelValues(req.Model, "completion").Add(float64(usage.CompletionTokens))
		s.metrics.CreditsDebitedUSD.WithLabelValues(req.Model).Add(cost)
	}

	if s.activity != nil {
		s.activity.Log(gateway.ActivityEvent{
			UserID:           user.ID,
			Timestamp:        s.now().UTC(),
			Model:            req.Model,
			Provider:         gw,
			PromptTokens:     usage.PromptTokens,
			CompletionTokens: usage.CompletionTokens,
			TotalTokens:      usage.TotalTokens,
			CostUSD:          cost,
			LatencyMs:        latency.Milliseconds(),
			FinishReason:     finish,
			Endpoint:         endpoint,
			SessionID:        req.SessionID,
			Metadata:         map[string]string{"request_id": gateway.RequestIDFromContext(ctx)},
		})
	}
	return cost, balance
}
