// Package enrich builds prompts, calls the LLM provider, and turns raw
// responses into normalized enrichment field maps.
package enrich

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/valkyrie-data/enrich-cli/internal/resilience"
	"github.com/valkyrie-data/enrich-cli/pkg/anthropic"
)

// Request describes one enrichment call.
type Request struct {
	CompanyName string
	// Existing holds the record's original input data, included in the
	// prompt as context.
	Existing map[string]string
	Fields   []string
	// Timeout bounds a single provider call. Zero uses the client default.
	Timeout time.Duration
}

// Result is the outcome of a successful enrichment call.
type Result struct {
	// Fields holds the validated, normalized enrichment output keyed by
	// field name.
	Fields map[string]any
	// Raw is the unmodified provider response text.
	Raw   string
	Usage anthropic.TokenUsage
}

// Client performs a single enrichment call. Implementations classify their
// errors as transient or fatal so the caller's retry policy can act on them.
type Client interface {
	Enrich(ctx context.Context, req Request) (*Result, error)
}

// Config holds provider call settings shared by all jobs in the process.
type Config struct {
	Model       string
	MaxTokens   int64
	Temperature float64
	// Timeout is the default per-call deadline.
	Timeout time.Duration
	// MaxInflight caps concurrent provider calls process-wide, across jobs.
	MaxInflight int64
	RPS         float64
	Breaker     resilience.CircuitBreakerConfig
}

// AnthropicClient implements Client against the Anthropic messages API with
// a process-wide concurrency cap, a rate limiter, and a circuit breaker.
type AnthropicClient struct {
	api     anthropic.Client
	cfg     Config
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	breaker *resilience.CircuitBreaker
}

// NewAnthropicClient builds an AnthropicClient around an API client.
func NewAnthropicClient(api anthropic.Client, cfg Config) *AnthropicClient {
	if cfg.Model == "" {
		cfg.Model = "claude-haiku-4-5-20251001"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2048
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 25
	}

	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}

	if cfg.Breaker.OnStateChange == nil {
		cfg.Breaker.OnStateChange = func(from, to resilience.CircuitState) {
			zap.L().Warn("provider circuit state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		}
	}

	return &AnthropicClient{
		api:     api,
		cfg:     cfg,
		sem:     semaphore.NewWeighted(cfg.MaxInflight),
		limiter: rate.NewLimiter(limit, 1),
		breaker: resilience.NewCircuitBreaker(cfg.Breaker),
	}
}

// Enrich performs one provider call. It never retries; the caller owns the
// retry policy. Returned errors carry transient or fatal markers from the
// resilience package.
func (c *AnthropicClient) Enrich(ctx context.Context, req Request) (*Result, error) {
	if req.CompanyName == "" {
		return nil, resilience.NewFatalError(eris.New("enrich: empty company name"), 0)
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, eris.Wrap(err, "enrich: acquire slot")
	}
	defer c.sem.Release(1)

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "enrich: rate limit wait")
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.cfg.Timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := resilience.ExecuteVal(callCtx, c.breaker, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		temp := c.cfg.Temperature
		return c.api.CreateMessage(ctx, anthropic.MessageRequest{
			Model:       c.cfg.Model,
			MaxTokens:   c.cfg.MaxTokens,
			Temperature: &temp,
			System: []anthropic.SystemBlock{{
				Text:         systemPrompt,
				CacheControl: &anthropic.CacheControl{TTL: "5m"},
			}},
			Messages: []anthropic.Message{{
				Role:    "user",
				Content: BuildPrompt(req.CompanyName, req.Existing, req.Fields),
			}},
		})
	})
	if err != nil {
		// A tripped breaker rejection is retryable after its reset window.
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return nil, resilience.NewTransientError(err, 0)
		}
		return nil, classify(err, ctx)
	}

	model := resp.Model
	if model == "" {
		model = c.cfg.Model
	}
	resp.Usage.LogCost(model, "enrich")

	raw := resp.Text()
	parsed, err := ParseResponse(raw)
	if err != nil {
		// Malformed output is a provider hiccup, not a permanent condition.
		return nil, resilience.NewTransientError(eris.Wrap(err, "enrich: parse response"), 0)
	}

	return &Result{
		Fields: Normalize(parsed, req.Fields),
		Raw:    raw,
		Usage:  resp.Usage,
	}, nil
}
