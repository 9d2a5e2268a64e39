package llmharness

import "context"

// Backend is the external LLM provider contract: send a system/user
// prompt pair to a model and get back raw completion text.
// Implementations classify their own failures using the runerr taxonomy
// (transient vs permanent) by wrapping the returned error accordingly;
// the harness never inspects error strings.
type Backend interface {
	Call(ctx context.Context, systemPrompt, userPrompt, modelID string, temperature float64, maxTokens int) (text string, latencyMs int64, err error)
}
