package schema

import "time"

// DecisionType is the LLM's take/skip verdict.
type DecisionType string

const (
	DecisionTake DecisionType = "take"
	DecisionSkip DecisionType = "skip"
)

// CircuitState mirrors llmharness.CircuitState as a string for logging and
// persistence without importing the llmharness package from schema.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// DecisionEvent is the append-only log record for a single candidate
// evaluation.
type DecisionEvent struct {
	SchemaVersion string

	EventID     string
	CandidateID string
	RunID       string
	Symbol      string
	Playbook    Playbook
	BarIndex    int
	Timestamp   time.Time

	Decision     DecisionType
	SetupQuality SetupQuality
	Confidence   float64
	RiskFlags    []string
	Notes        string

	LLMRawResponse string
	LatencyMs      int64
	Retries        int
	FallbackUsed   bool
	CircuitState   CircuitState

	PassedGate      bool
	RejectionReason string
	WasExecuted     bool
}
