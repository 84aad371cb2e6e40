package chain

import "fmt"

// Phase identifies which pass over the files a chain belongs to
type Phase uint8

const (
	PhaseWrite Phase = iota + 1
	PhaseRead
	PhaseSweep
)

func (p Phase) String() string {
	switch p {
	case PhaseWrite:
		return "write"
	case PhaseRead:
		return "read"
	case PhaseSweep:
		return "sweep"
	}
	return fmt.Sprintf("phase(%d)", uint8(p))
}

// Logical steps. Continuation chains keep the step numbers of the ops they
// replace so completions land on the same bookkeeping entry.
const (
	StepOpen = iota
	StepTransfer
	StepClose
	StepUnlink

	NumSteps
)

// Tag is the decoded form of an op's 64-bit user data:
//
//	bits  0..31  chain index + 1
//	bits 32..39  step
//	bits 40..47  phase
//	bits 48..63  attempt
//
// The encoded value is never zero.
type Tag struct {
	Chain   int
	Step    int
	Phase   Phase
	Attempt int
}

// Encode packs t into user data.
func (t Tag) Encode() uint64 {
	return uint64(uint32(t.Chain+1)) |
		uint64(uint8(t.Step))<<32 |
		uint64(t.Phase)<<40 |
		uint64(uint16(t.Attempt))<<48
}

// DecodeTag unpacks user data. It fails for zero and for values that carry
// no chain index or phase.
func DecodeTag(v uint64) (Tag, bool) {
	idx := uint32(v)
	if idx == 0 {
		return Tag{}, false
	}
	t := Tag{
		Chain:   int(idx) - 1,
		Step:    int(uint8(v >> 32)),
		Phase:   Phase(uint8(v >> 40)),
		Attempt: int(uint16(v >> 48)),
	}
	if t.Phase < PhaseWrite || t.Phase > PhaseSweep || t.Step >= NumSteps {
		return Tag{}, false
	}
	return t, true
}

func (t Tag) String() string {
	return fmt.Sprintf("%s/chain=%d/step=%d/attempt=%d", t.Phase, t.Chain, t.Step, t.Attempt)
}
