package llmharness

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/darwinreplay/backtester/internal/runerr"
	"github.com/darwinreplay/backtester/internal/schema"
)

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.InitialRetryDelay = time.Millisecond
	cfg.MaxRetries = 2
	return cfg
}

func TestHarness_SuccessOnFirstAttempt(t *testing.T) {
	backend := NewMockBackend()
	backend.Sequence = []MockResponse{{Text: `{"decision":"take","setup_quality":"A","confidence":0.9}`}}

	h := NewHarness(backend, fastConfig(), nil)
	result := h.Query(context.Background(), "sys", "user")

	if !result.Success || result.FallbackUsed {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.Response.Decision != schema.DecisionTake {
		t.Fatalf("expected take decision, got %s", result.Response.Decision)
	}
}

func TestHarness_RetriesTransientErrorThenSucceeds(t *testing.T) {
	backend := NewMockBackend()
	backend.Sequence = []MockResponse{
		{Err: &runerr.TransientLLMError{Cause: errors.New("timeout")}},
		{Text: `{"decision":"skip","setup_quality":"C","confidence":0.1}`},
	}

	h := NewHarness(backend, fastConfig(), nil)
	result := h.Query(context.Background(), "sys", "user")

	if !result.Success {
		t.Fatalf("expected eventual success, got %+v", result)
	}
	if result.Retries != 1 {
		t.Fatalf("expected 1 retry, got %d", result.Retries)
	}
}

func TestHarness_PermanentErrorSkipsRetriesAndFallsBack(t *testing.T) {
	backend := NewMockBackend()
	backend.Sequence = []MockResponse{
		{Err: &runerr.PermanentLLMError{Cause: errors.New("invalid api key")}},
	}

	h := NewHarness(backend, fastConfig(), nil)
	result := h.Query(context.Background(), "sys", "user")

	if result.Success || !result.FallbackUsed {
		t.Fatalf("expected fallback on permanent error, got %+v", result)
	}
	if backend.Calls() != 1 {
		t.Fatalf("expected exactly 1 call (no retries on permanent error), got %d", backend.Calls())
	}
}

func TestHarness_ExhaustsRetriesAndFallsBack(t *testing.T) {
	backend := NewMockBackend()
	backend.Sequence = []MockResponse{
		{Err: &runerr.TransientLLMError{Cause: errors.New("boom")}},
	}

	h := NewHarness(backend, fastConfig(), nil)
	result := h.Query(context.Background(), "sys", "user")

	if result.Success || !result.FallbackUsed {
		t.Fatalf("expected fallback after exhausting retries, got %+v", result)
	}
	if result.Response.Decision != schema.DecisionSkip {
		t.Fatalf("expected configured fallback decision skip, got %s", result.Response.Decision)
	}
}

func TestHarness_OpenCircuitShortCircuitsWithoutCallingBackend(t *testing.T) {
	backend := NewMockBackend()
	cfg := fastConfig()
	cfg.CircuitBreakerThreshold = 1
	h := NewHarness(backend, cfg, nil)
	h.breaker.RecordFailure(time.Now())

	result := h.Query(context.Background(), "sys", "user")

	if result.Success || !result.FallbackUsed {
		t.Fatalf("expected fallback when circuit open, got %+v", result)
	}
	if backend.Calls() != 0 {
		t.Fatalf("expected no backend calls while circuit open, got %d", backend.Calls())
	}
}

func TestHarness_StatsTrackTotalsAcrossCalls(t *testing.T) {
	backend := NewMockBackend()
	backend.Sequence = []MockResponse{{Text: `{"decision":"take","setup_quality":"A","confidence":0.9}`}}
	h := NewHarness(backend, fastConfig(), nil)

	h.Query(context.Background(), "sys", "user")
	h.Query(context.Background(), "sys", "user")

	stats := h.Stats()
	if stats.TotalCalls != 2 || stats.SuccessfulCalls != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}
