package schema

// OutcomeLabel is computed post-exit and enables post-hoc learning without
// mutating the ledger. Skipped candidates may never receive a label;
// counterfactual labeling is left to post-processing.
type OutcomeLabel struct {
	SchemaVersion string

	RunID           string
	CandidateID     string
	PositionID      string
	ActualRMultiple float64
	ExitReason      ExitReason
	BarsHeld        int
}
