package runner

import (
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"

	"github.com/darwinreplay/backtester/internal/llmharness"
)

// Progress accumulates the run's heartbeat counters and renders them as
// a small table every HeartbeatEvery bars.
type Progress struct {
	out            io.Writer
	heartbeatEvery int

	barsProcessed      int
	candidatesGenerated int
	positionsOpened    int
	positionsClosed    int
}

// NewProgress builds a Progress that writes heartbeats to out every
// heartbeatEvery bars. A heartbeatEvery of 0 or less disables output.
func NewProgress(out io.Writer, heartbeatEvery int) *Progress {
	return &Progress{out: out, heartbeatEvery: heartbeatEvery}
}

func (p *Progress) OnBar()             { p.barsProcessed++ }
func (p *Progress) OnCandidate()       { p.candidatesGenerated++ }
func (p *Progress) OnPositionOpened()  { p.positionsOpened++ }
func (p *Progress) OnPositionClosed()  { p.positionsClosed++ }

// ShouldHeartbeat reports whether the current bar count is a heartbeat
// boundary.
func (p *Progress) ShouldHeartbeat() bool {
	return p.heartbeatEvery > 0 && p.barsProcessed%p.heartbeatEvery == 0
}

// Heartbeat renders the current counters plus the LLM harness's stats and
// circuit state to the configured writer.
func (p *Progress) Heartbeat(stats llmharness.Stats) {
	if p.out == nil {
		return
	}
	table := tablewriter.NewWriter(p.out)
	table.Header("bars", "candidates", "positions open", "positions closed", "llm calls", "llm ok", "llm fail", "circuit")
	table.Append(
		fmt.Sprintf("%d", p.barsProcessed),
		fmt.Sprintf("%d", p.candidatesGenerated),
		fmt.Sprintf("%d", p.positionsOpened-p.positionsClosed),
		fmt.Sprintf("%d", p.positionsClosed),
		fmt.Sprintf("%d", stats.TotalCalls),
		fmt.Sprintf("%d", stats.SuccessfulCalls),
		fmt.Sprintf("%d", stats.FailedCalls),
		string(stats.CircuitState),
	)
	table.Render()
}
