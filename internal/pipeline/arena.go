package pipeline

import (
	"github.com/ehrlich-b/go-fixedio/internal/chain"
	"github.com/ehrlich-b/go-fixedio/internal/constants"
	"github.com/ehrlich-b/go-fixedio/internal/registry"
)

type outcome uint8

const (
	outcomeUnknown outcome = iota
	outcomeOK
	outcomeFailed
	outcomeCancelled
)

// chainState is the reconciler's bookkeeping for one chain across all of its
// attempts within a phase.
type chainState struct {
	chain    chain.Chain
	outcomes [constants.MaxChainOps]outcome
	seen     [constants.MaxChainOps]bool

	span     registry.Span // bytes still to transfer
	slotOpen bool
	unlinked bool
	retry    bool
	failed   bool
	terminal bool
	retries  int
	err      error
}

// position maps a logical step to its index in the current attempt.
func (s *chainState) position(step int) int {
	for i, st := range s.chain.Steps {
		if st == step {
			return i
		}
	}
	return -1
}

func (s *chainState) resolved() bool {
	for i := range s.chain.Ops {
		if s.outcomes[i] == outcomeUnknown {
			return false
		}
	}
	return true
}

// begin installs a new attempt.
func (s *chainState) begin(c chain.Chain) {
	s.chain = c
	s.outcomes = [constants.MaxChainOps]outcome{}
	s.seen = [constants.MaxChainOps]bool{}
	s.retry = false
}

// arena holds chain states indexed by the chain index carried in tags.
type arena struct {
	states []chainState
}

func (a *arena) reset(chains []chain.Chain) {
	a.states = make([]chainState, len(chains))
	for i, c := range chains {
		a.states[i].begin(c)
		a.states[i].span = c.Span
	}
}

func (a *arena) get(i int) (*chainState, bool) {
	if i < 0 || i >= len(a.states) {
		return nil, false
	}
	return &a.states[i], true
}
