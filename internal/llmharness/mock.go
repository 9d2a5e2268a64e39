package llmharness

import (
	"context"
	"strings"
	"sync"
)

// MockResponse is one scripted call outcome for MockBackend.
type MockResponse struct {
	Text      string
	Err       error
	LatencyMs int64
}

// MockBackend is a deterministic stand-in for a real LLM provider, used
// by the runner's determinism and checkpoint/resume tests. Callers can
// script a fixed outcome sequence (consumed in call order, then held on
// the last entry) or key an outcome to a substring of the user prompt
// (e.g. a candidate ID), so a fixed set of candidates always produces the
// same decisions regardless of call order.
type MockBackend struct {
	mu sync.Mutex

	Sequence  []MockResponse
	ByContains map[string]MockResponse

	calls int
}

// NewMockBackend returns a MockBackend with no scripted behavior; Call
// then falls back to a default "skip" decision.
func NewMockBackend() *MockBackend {
	return &MockBackend{ByContains: map[string]MockResponse{}}
}

func (m *MockBackend) Call(_ context.Context, _, userPrompt, _ string, _ float64, _ int) (string, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for substr, resp := range m.ByContains {
		if strings.Contains(userPrompt, substr) {
			m.calls++
			return resp.Text, resp.LatencyMs, resp.Err
		}
	}

	if len(m.Sequence) > 0 {
		idx := m.calls
		if idx >= len(m.Sequence) {
			idx = len(m.Sequence) - 1
		}
		resp := m.Sequence[idx]
		m.calls++
		return resp.Text, resp.LatencyMs, resp.Err
	}

	m.calls++
	return `{"decision":"skip","setup_quality":"C","confidence":0.0,"risk_flags":[],"notes":"mock default"}`, 1, nil
}

// Calls reports how many times Call has been invoked.
func (m *MockBackend) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
