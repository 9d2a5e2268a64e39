package llmharness

import (
	"testing"
	"time"

	"github.com/darwinreplay/backtester/internal/schema"
)

func TestCircuitBreaker_OpensAfterThresholdFailures(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Minute)
	now := time.Now()
	for i := 0; i < 2; i++ {
		cb.RecordFailure(now)
	}
	if cb.State() != schema.CircuitClosed {
		t.Fatalf("expected closed before threshold, got %s", cb.State())
	}
	cb.RecordFailure(now)
	if cb.State() != schema.CircuitOpen {
		t.Fatalf("expected open at threshold, got %s", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenAfterTimeout(t *testing.T) {
	cb := NewCircuitBreaker(1, 10*time.Millisecond)
	start := time.Now()
	cb.RecordFailure(start)
	if !cb.IsOpen(start) {
		t.Fatal("expected open immediately after tripping")
	}
	later := start.Add(20 * time.Millisecond)
	if cb.IsOpen(later) {
		t.Fatal("expected half-open probe to be allowed through after timeout")
	}
	if cb.State() != schema.CircuitHalfOpen {
		t.Fatalf("expected half-open state, got %s", cb.State())
	}
}

func TestCircuitBreaker_SuccessClosesFromHalfOpen(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Millisecond)
	start := time.Now()
	cb.RecordFailure(start)
	cb.IsOpen(start.Add(time.Millisecond * 5)) // trips half-open
	cb.RecordSuccess()
	if cb.State() != schema.CircuitClosed {
		t.Fatalf("expected closed after successful probe, got %s", cb.State())
	}
	if cb.FailureCount() != 0 {
		t.Fatalf("expected failure count reset, got %d", cb.FailureCount())
	}
}
