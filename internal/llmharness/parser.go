package llmharness

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/darwinreplay/backtester/internal/schema"
)

// Response is the parsed, validated shape of an LLM decision, mirroring
// darwin's LLMResponseV1.
type Response struct {
	Decision     schema.DecisionType
	SetupQuality schema.SetupQuality
	Confidence   float64
	RiskFlags    []string
	Notes        string
}

// rawResponse is the wire shape before validation, tolerant of extra or
// oddly-typed fields the way the original's preprocessing step is.
type rawResponse struct {
	Decision     string      `json:"decision"`
	SetupQuality string      `json:"setup_quality"`
	Confidence   interface{} `json:"confidence"`
	RiskFlags    interface{} `json:"risk_flags"`
	Notes        interface{} `json:"notes"`
}

// ParseResponse extracts JSON from a raw LLM completion, validates it
// against the expected decision shape, and clamps and normalizes its
// fields.
func ParseResponse(raw string) (*Response, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("empty response from llm")
	}

	jsonStr, err := extractJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("could not extract json: %w", err)
	}

	var rr rawResponse
	if err := json.Unmarshal([]byte(jsonStr), &rr); err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}

	resp := &Response{
		Decision:     schema.DecisionType(strings.ToLower(strings.TrimSpace(rr.Decision))),
		SetupQuality: schema.SetupQuality(strings.TrimSpace(rr.SetupQuality)),
		Confidence:   clampConfidence(rr.Confidence),
		RiskFlags:    coerceStringSlice(rr.RiskFlags),
		Notes:        coerceString(rr.Notes),
	}

	if resp.Decision != schema.DecisionTake && resp.Decision != schema.DecisionSkip {
		return nil, fmt.Errorf("invalid decision: %q", resp.Decision)
	}
	if !resp.SetupQuality.Valid() {
		return nil, fmt.Errorf("invalid setup_quality: %q", resp.SetupQuality)
	}

	return resp, nil
}

// extractJSON finds a JSON object in text, trying pure JSON, a fenced
// ```json block, a bare fenced block, then a brace-balanced scan, in
// that order.
func extractJSON(text string) (string, error) {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "{") && strings.HasSuffix(text, "}") {
		return text, nil
	}

	if body, ok := fencedBlock(text, "```json"); ok {
		return body, nil
	}
	if body, ok := fencedBlock(text, "```"); ok {
		body = strings.TrimSpace(body)
		if strings.HasPrefix(body, "{") && strings.HasSuffix(body, "}") {
			return body, nil
		}
	}

	if body, ok := braceBalancedScan(text); ok {
		return body, nil
	}

	return "", fmt.Errorf("no valid json found in response")
}

func fencedBlock(text, fence string) (string, bool) {
	start := strings.Index(text, fence)
	if start == -1 {
		return "", false
	}
	rest := text[start+len(fence):]
	nl := strings.Index(rest, "\n")
	if nl == -1 {
		return "", false
	}
	rest = rest[nl+1:]
	end := strings.Index(rest, "```")
	if end == -1 {
		return "", false
	}
	return strings.TrimSpace(rest[:end]), true
}

func braceBalancedScan(text string) (string, bool) {
	depth := 0
	start := -1
	for i, r := range text {
		switch r {
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			depth--
			if depth == 0 && start != -1 {
				candidate := text[start : i+1]
				var probe json.RawMessage
				if json.Unmarshal([]byte(candidate), &probe) == nil {
					return candidate, true
				}
			}
		}
	}
	return "", false
}

func clampConfidence(v interface{}) float64 {
	f, ok := toFloat(v)
	if !ok {
		return 0.5
	}
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func coerceStringSlice(v interface{}) []string {
	arr, ok := v.([]interface{})
	if !ok {
		return []string{}
	}
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func coerceString(v interface{}) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// FallbackResponse builds a conservative decision used when the LLM call
// fails or the circuit is open, matching darwin's create_fallback_response.
func FallbackResponse(decision schema.DecisionType, reason string) *Response {
	return &Response{
		Decision:     decision,
		SetupQuality: schema.QC,
		Confidence:   0,
		RiskFlags:    []string{"fallback_used"},
		Notes:        "fallback response: " + reason,
	}
}
