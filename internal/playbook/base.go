// Package playbook implements the stateless, deterministic pattern
// detectors that turn a feature snapshot into a trade candidate. A
// playbook never looks beyond the current bar's features and never
// mutates state between calls.
package playbook

import "github.com/darwinreplay/backtester/internal/schema"

// Signal is what a playbook returns when its entry conditions are met on
// the current bar. It carries everything needed to construct a
// schema.Candidate except identity (ID/RunID/BarIndex/Time), which the
// caller stamps on.
type Signal struct {
	EntryPrice   float64
	ATRAtEntry   float64
	ExitSpec     schema.ExitSpec
	QualityFlags map[string]bool
	Notes        string
}

// Playbook evaluates a single bar's features and either proposes a Signal
// or declines. Implementations must be pure: identical features and bar
// data always produce identical output.
type Playbook interface {
	Name() schema.Playbook
	Evaluate(features *schema.FeatureSnapshot) (*Signal, bool)
}

func get(features *schema.FeatureSnapshot, key string, def float64) float64 {
	v := features.Get(key)
	if v == schema.FeatureSentinel {
		return def
	}
	return v
}
