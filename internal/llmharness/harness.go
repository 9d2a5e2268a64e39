package llmharness

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/darwinreplay/backtester/internal/observ"
	"github.com/darwinreplay/backtester/internal/runerr"
	"github.com/darwinreplay/backtester/internal/schema"
)

// Config controls retry, backoff, circuit breaker, and fallback behavior
// for a Harness.
type Config struct {
	MaxRetries              int
	InitialRetryDelay       time.Duration
	CircuitBreakerThreshold int
	CircuitBreakerTimeout   time.Duration
	FallbackDecision        schema.DecisionType
	ModelID                 string
	Temperature             float64
	MaxTokens               int
}

// DefaultConfig returns the harness's out-of-the-box retry and
// circuit-breaker settings.
func DefaultConfig() Config {
	return Config{
		MaxRetries:              3,
		InitialRetryDelay:       time.Second,
		CircuitBreakerThreshold: 5,
		CircuitBreakerTimeout:   60 * time.Second,
		FallbackDecision:        schema.DecisionSkip,
	}
}

// Result is the outcome of a single Query call, always populated with a
// usable Response even on failure (the fallback decision).
type Result struct {
	Success      bool
	Response     *Response
	FallbackUsed bool
	Err          error
	Retries      int
	LatencyMs    int64
	CircuitState schema.CircuitState
}

// Harness wraps an LLM Backend with rate limiting, retry with exponential
// backoff and jitter, and a circuit breaker.
type Harness struct {
	backend     Backend
	cfg         Config
	limiter     *RateLimiter
	breaker     *CircuitBreaker

	mu             sync.Mutex
	totalCalls     int
	successfulCalls int
	failedCalls    int
	totalRetries   int
}

// NewHarness builds a Harness. limiter may be nil to disable rate
// limiting.
func NewHarness(backend Backend, cfg Config, limiter *RateLimiter) *Harness {
	return &Harness{
		backend: backend,
		cfg:     cfg,
		limiter: limiter,
		breaker: NewCircuitBreaker(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerTimeout),
	}
}

// Query sends a prompt through the harness, applying rate limiting,
// retries with backoff, and the circuit breaker. It always returns a
// non-nil Result with a usable Response, falling back to
// cfg.FallbackDecision when the circuit is open or retries are
// exhausted.
func (h *Harness) Query(ctx context.Context, systemPrompt, userPrompt string) *Result {
	start := time.Now()
	h.mu.Lock()
	h.totalCalls++
	h.mu.Unlock()

	now := time.Now()
	if h.breaker.IsOpen(now) {
		observ.IncCounter("llm_calls_failed_total", map[string]string{"reason": "circuit_open"})
		return h.fallback(errors.New("circuit breaker open"), schema.CircuitOpen, 0, 0)
	}

	var lastErr error
	var lastLatencyMs int64
retryLoop:
	for attempt := 0; attempt <= h.cfg.MaxRetries; attempt++ {
		if h.limiter != nil {
			if err := h.limiter.Wait(ctx); err != nil {
				lastErr = err
				break
			}
		}

		text, latencyMs, err := h.backend.Call(ctx, systemPrompt, userPrompt, h.cfg.ModelID, h.cfg.Temperature, h.cfg.MaxTokens)
		lastLatencyMs = latencyMs
		if err == nil {
			resp, perr := ParseResponse(text)
			if perr == nil {
				h.breaker.RecordSuccess()
				h.mu.Lock()
				h.successfulCalls++
				h.totalRetries += attempt
				h.mu.Unlock()
				observ.IncCounter("llm_calls_total", map[string]string{"result": "success"})
				observ.RecordDuration("llm_call", time.Since(start), map[string]string{"result": "success"})
				return &Result{
					Success:      true,
					Response:     resp,
					FallbackUsed: false,
					Retries:      attempt,
					LatencyMs:    latencyMs,
					CircuitState: h.breaker.State(),
				}
			}
			lastErr = perr
		} else {
			lastErr = err
		}

		var permanent *runerr.PermanentLLMError
		if errors.As(lastErr, &permanent) {
			break
		}

		if attempt < h.cfg.MaxRetries {
			delay := h.retryDelay(attempt)
			observ.Log("llm_retry", map[string]any{"attempt": attempt, "delay_ms": delay.Milliseconds()})
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
				break retryLoop
			case <-time.After(delay):
			}
		}
	}

	h.breaker.RecordFailure(time.Now())
	h.mu.Lock()
	h.failedCalls++
	h.totalRetries += h.cfg.MaxRetries
	h.mu.Unlock()
	observ.IncCounter("llm_calls_failed_total", map[string]string{"reason": "exhausted"})
	observ.RecordDuration("llm_call", time.Since(start), map[string]string{"result": "failed"})

	return h.fallback(lastErr, h.breaker.State(), h.cfg.MaxRetries, lastLatencyMs)
}

func (h *Harness) fallback(err error, state schema.CircuitState, retries int, latencyMs int64) *Result {
	reason := "unknown error"
	if err != nil {
		reason = err.Error()
	}
	return &Result{
		Success:      false,
		Response:     FallbackResponse(h.cfg.FallbackDecision, reason),
		FallbackUsed: true,
		Err:          err,
		Retries:      retries,
		LatencyMs:    latencyMs,
		CircuitState: state,
	}
}

// retryDelay implements exponential backoff with +-25% jitter, capped at
// 30s.
func (h *Harness) retryDelay(attempt int) time.Duration {
	base := float64(h.cfg.InitialRetryDelay) * pow2(attempt)
	jitter := 0.75 + rand.Float64()*0.5
	delay := time.Duration(base * jitter)
	maxDelay := 30 * time.Second
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func pow2(n int) float64 {
	result := 1.0
	for i := 0; i < n; i++ {
		result *= 2
	}
	return result
}

// Stats reports cumulative call statistics for logging/heartbeats.
type Stats struct {
	TotalCalls      int
	SuccessfulCalls int
	FailedCalls     int
	TotalRetries    int
	CircuitState    schema.CircuitState
	CircuitFailures int
}

func (h *Harness) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Stats{
		TotalCalls:      h.totalCalls,
		SuccessfulCalls: h.successfulCalls,
		FailedCalls:     h.failedCalls,
		TotalRetries:    h.totalRetries,
		CircuitState:    h.breaker.State(),
		CircuitFailures: h.breaker.FailureCount(),
	}
}

// ResetCircuitBreaker manually closes the circuit, matching the
// original's operator-triggered reset.
func (h *Harness) ResetCircuitBreaker() {
	h.breaker.Reset()
}
