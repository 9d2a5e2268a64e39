package llmharness

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/darwinreplay/backtester/internal/runerr"
)

// HTTPBackend calls an OpenAI-compatible chat completions endpoint over
// HTTP. It classifies its own failures per the runerr taxonomy: 429 and
// 5xx responses, timeouts, and connection errors are transient; 4xx
// (other than 429) are permanent.
type HTTPBackend struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewHTTPBackend builds a Backend against baseURL (an OpenAI-compatible
// /chat/completions endpoint) using apiKey for bearer auth and model as
// the default model ID.
func NewHTTPBackend(baseURL, apiKey, model string, timeout time.Duration) *HTTPBackend {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPBackend{
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (b *HTTPBackend) Call(ctx context.Context, systemPrompt, userPrompt, modelID string, temperature float64, maxTokens int) (string, int64, error) {
	if modelID == "" {
		modelID = b.model
	}
	reqBody := chatRequest{
		Model: modelID,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", 0, fmt.Errorf("llmharness: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL, bytes.NewReader(payload))
	if err != nil {
		return "", 0, fmt.Errorf("llmharness: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	start := time.Now()
	resp, err := b.httpClient.Do(req)
	latencyMs := time.Since(start).Milliseconds()
	if err != nil {
		return "", latencyMs, &runerr.TransientLLMError{Cause: fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", latencyMs, &runerr.TransientLLMError{Cause: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return "", latencyMs, &runerr.TransientLLMError{Cause: fmt.Errorf("http %d: %s", resp.StatusCode, string(body))}
	}
	if resp.StatusCode != http.StatusOK {
		return "", latencyMs, &runerr.PermanentLLMError{Cause: fmt.Errorf("http %d: %s", resp.StatusCode, string(body))}
	}

	var cr chatResponse
	if err := json.Unmarshal(body, &cr); err != nil {
		return "", latencyMs, &runerr.PermanentLLMError{Cause: fmt.Errorf("decode response: %w", err)}
	}
	if cr.Error != nil {
		return "", latencyMs, &runerr.PermanentLLMError{Cause: fmt.Errorf("api error: %s", cr.Error.Message)}
	}
	if len(cr.Choices) == 0 {
		return "", latencyMs, &runerr.PermanentLLMError{Cause: fmt.Errorf("no choices in response")}
	}
	return cr.Choices[0].Message.Content, latencyMs, nil
}
