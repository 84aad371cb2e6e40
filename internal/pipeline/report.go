package pipeline

import (
	"time"

	"github.com/ehrlich-b/go-fixedio/internal/chain"
)

// PhaseReport summarises one drained phase
type PhaseReport struct {
	Phase       chain.Phase
	Chains      int
	Failed      int
	Submitted   int // ops handed to the kernel, continuations included
	Completions int // completions matched to a chain
	Retries     int
	Bytes       uint64
	Duration    time.Duration
}

// Report is the outcome of a full run
type Report struct {
	FileCount   int
	BufferSize  int
	ExpectedSum uint64
	WriteSum    uint64
	ReadSum     uint64

	Phases         []PhaseReport
	FailedSlots    []int
	UnlinkFailures int
	Stragglers     int

	Err error
}

// CombinedSum adds the write-phase and read-phase sums. A passing run
// reports twice the expected per-phase sum.
func (r *Report) CombinedSum() uint64 { return r.WriteSum + r.ReadSum }

// Passed reports whether every chain succeeded and both sums matched
func (r *Report) Passed() bool { return r.Err == nil }

// Phase returns the report for p, if that phase ran
func (r *Report) Phase(p chain.Phase) (PhaseReport, bool) {
	for _, ph := range r.Phases {
		if ph.Phase == p {
			return ph, true
		}
	}
	return PhaseReport{}, false
}
