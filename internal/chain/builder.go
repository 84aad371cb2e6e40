// Package chain builds the linked operation chains the pipeline submits for
// each file slot.
package chain

import (
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-fixedio/internal/constants"
	"github.com/ehrlich-b/go-fixedio/internal/registry"
	"github.com/ehrlich-b/go-fixedio/internal/uring"
)

// Chain is a linked sequence of ops for one slot. Steps[i] is the logical
// step of Ops[i].
type Chain struct {
	ID      int
	Slot    int
	Phase   Phase
	Attempt int
	Span    registry.Span
	Steps   []int
	Ops     []uring.Op
}

// Options controls chain construction
type Options struct {
	// SkipSuccess suppresses completions of write-phase ops that are expected
	// to succeed. Requires kernel CQE skip support.
	SkipSuccess bool
}

// Builder turns slots into chains against one registry
type Builder struct {
	reg  *registry.Registry
	opts Options
}

// NewBuilder creates a builder for reg
func NewBuilder(reg *registry.Registry, opts Options) *Builder {
	return &Builder{reg: reg, opts: opts}
}

// SkipSuccess reports whether write-phase chains suppress success completions
func (b *Builder) SkipSuccess() bool { return b.opts.SkipSuccess }

// Steps returns the logical steps a full chain of phase runs.
func Steps(p Phase) []int {
	switch p {
	case PhaseWrite:
		return []int{StepOpen, StepTransfer, StepClose}
	case PhaseRead:
		return []int{StepOpen, StepTransfer, StepClose, StepUnlink}
	case PhaseSweep:
		return []int{StepClose, StepUnlink}
	}
	return nil
}

// OpsPerChain is the op count of a full chain of phase.
func OpsPerChain(p Phase) int {
	switch p {
	case PhaseWrite:
		return constants.WriteChainOps
	case PhaseRead:
		return constants.ReadChainOps
	}
	return len(Steps(p))
}

// WritePhase builds open(create) -> write_fixed -> close for each slot.
// Chain IDs are positions in slots.
func (b *Builder) WritePhase(slots []int) []Chain {
	return b.full(PhaseWrite, slots)
}

// ReadPhase builds open(read) -> read_fixed -> close -> unlink for each slot.
func (b *Builder) ReadPhase(slots []int) []Chain {
	return b.full(PhaseRead, slots)
}

func (b *Builder) full(p Phase, slots []int) []Chain {
	out := make([]Chain, len(slots))
	for i, slot := range slots {
		out[i] = b.assemble(Chain{ID: i, Slot: slot, Phase: p, Span: b.reg.FullSpan()}, Steps(p))
	}
	return out
}

// SweepTarget is a slot left behind by a failed chain.
type SweepTarget struct {
	Slot int
	// Open is set when the slot may still hold a descriptor.
	Open bool
}

// Sweep builds unlinked cleanup ops: close when the slot may be open, then
// unlink. The ops are independent so a failed close does not keep the file.
func (b *Builder) Sweep(targets []SweepTarget) []Chain {
	out := make([]Chain, len(targets))
	for i, t := range targets {
		steps := []int{StepUnlink}
		if t.Open {
			steps = []int{StepClose, StepUnlink}
		}
		out[i] = b.assemble(Chain{ID: i, Slot: t.Slot, Phase: PhaseSweep}, steps)
	}
	return out
}

// Resume continues c after a partial or retryable transfer: the remaining
// span is transferred and the rest of the original chain is re-issued. The
// slot is still open because a broken link never runs the close.
func (b *Builder) Resume(c Chain, span registry.Span) Chain {
	next := Chain{
		ID:      c.ID,
		Slot:    c.Slot,
		Phase:   c.Phase,
		Attempt: c.Attempt + 1,
		Span:    span,
	}
	all := Steps(c.Phase)
	return b.assemble(next, all[StepTransfer:])
}

func (b *Builder) assemble(c Chain, steps []int) Chain {
	c.Steps = steps
	c.Ops = make([]uring.Op, len(steps))
	for i, step := range steps {
		op := b.op(&c, step)
		op.Link = c.Phase != PhaseSweep && i < len(steps)-1
		op.UserData = Tag{Chain: c.ID, Step: step, Phase: c.Phase, Attempt: c.Attempt}.Encode()
		c.Ops[i] = op
	}
	return c
}

func (b *Builder) op(c *Chain, step int) uring.Op {
	skip := b.opts.SkipSuccess && c.Phase == PhaseWrite
	switch step {
	case StepOpen:
		op := uring.Op{
			Kind:        uring.OpOpen,
			Slot:        c.Slot,
			Path:        b.reg.Path(c.Slot),
			OpenFlags:   unix.O_RDONLY,
			SkipSuccess: skip,
		}
		if c.Phase == PhaseWrite {
			op.OpenFlags = unix.O_CREAT | unix.O_RDWR | unix.O_TRUNC
			op.Mode = constants.DefaultFileMode
		}
		return op
	case StepTransfer:
		kind := uring.OpRead
		if c.Phase == PhaseWrite {
			kind = uring.OpWrite
		}
		return uring.Op{
			Kind:        kind,
			Slot:        c.Slot,
			BufIndex:    c.Slot,
			Buf:         b.reg.Region(c.Slot, c.Span),
			Offset:      uint64(c.Span.Offset),
			SkipSuccess: skip,
		}
	case StepClose:
		return uring.Op{Kind: uring.OpClose, Slot: c.Slot}
	case StepUnlink:
		return uring.Op{Kind: uring.OpUnlink, Slot: c.Slot, Path: b.reg.Path(c.Slot)}
	}
	return uring.Op{Kind: uring.OpNop}
}
