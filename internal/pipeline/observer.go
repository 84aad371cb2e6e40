package pipeline

import (
	"github.com/ehrlich-b/go-fixedio/internal/chain"
	"github.com/ehrlich-b/go-fixedio/internal/uring"
)

// Observer receives pipeline events as they are reconciled
type Observer interface {
	// ObserveSubmit is called after each batch handed to the kernel
	ObserveSubmit(ops int)

	// ObserveOp is called once per resolved op, including ops whose success
	// completion was suppressed
	ObserveOp(kind uring.OpKind, bytes uint64, success bool)

	// ObserveRetry is called when a continuation chain is issued
	ObserveRetry(phase chain.Phase)

	// ObservePhase is called when a phase drains
	ObservePhase(phase chain.Phase, chains, failed int, latencyNs uint64)
}

// NoOpObserver discards every event
type NoOpObserver struct{}

func (NoOpObserver) ObserveSubmit(int)                          {}
func (NoOpObserver) ObserveOp(uring.OpKind, uint64, bool)       {}
func (NoOpObserver) ObserveRetry(chain.Phase)                   {}
func (NoOpObserver) ObservePhase(chain.Phase, int, int, uint64) {}

var _ Observer = NoOpObserver{}
