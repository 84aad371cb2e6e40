// Package pipeline drives chains through the ring phase by phase and
// reconciles every completion against the chain that produced it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"syscall"
	"time"

	"github.com/ehrlich-b/go-fixedio/internal/chain"
	"github.com/ehrlich-b/go-fixedio/internal/constants"
	"github.com/ehrlich-b/go-fixedio/internal/ioerr"
	"github.com/ehrlich-b/go-fixedio/internal/logging"
	"github.com/ehrlich-b/go-fixedio/internal/registry"
	"github.com/ehrlich-b/go-fixedio/internal/uring"
)

// Config wires a Runner to its collaborators
type Config struct {
	Ring       uring.Ring
	Registry   *registry.Registry
	Builder    *chain.Builder
	Logger     *logging.Logger
	Observer   Observer
	MaxRetries int
}

// Runner owns the phase state machine. It must be driven from one goroutine.
type Runner struct {
	ring       uring.Ring
	reg        *registry.Registry
	builder    *chain.Builder
	log        *logging.Logger
	plog       *logging.Logger
	obs        Observer
	maxRetries int

	phase     chain.Phase
	skip      bool // current phase may suppress success completions
	arena     arena
	pending   []chain.Chain
	terminals int
	cur       PhaseReport

	report *Report
	errs   []error
}

// NewRunner validates cfg and returns a Runner
func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Ring == nil || cfg.Registry == nil || cfg.Builder == nil {
		return nil, ioerr.New("pipeline", ioerr.CodeInvalidParameters, "ring, registry and builder are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.Observer == nil {
		cfg.Observer = NoOpObserver{}
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = constants.DefaultMaxRetries
	}
	return &Runner{
		ring:       cfg.Ring,
		reg:        cfg.Registry,
		builder:    cfg.Builder,
		log:        cfg.Logger,
		obs:        cfg.Observer,
		maxRetries: cfg.MaxRetries,
	}, nil
}

// Run executes the write, read and sweep phases and verifies the sums. The
// report is returned even when the run fails; the error joins every chain
// failure, or holds the verification mismatch when all chains succeeded.
// A fatal ring error aborts the run immediately. If ctx is cancelled once
// files exist, the read phase is skipped and every slot is swept; the error
// then joins ctx.Err() with any chain failures.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	n := r.reg.FileCount()
	r.report = &Report{
		FileCount:   n,
		BufferSize:  r.reg.BufferSize(),
		ExpectedSum: ExpectedSum(r.reg.FillByte(), r.reg.BufferSize(), n),
	}
	r.errs = nil

	all := make([]int, n)
	for i := range all {
		all[i] = i
	}

	var sweep []chain.SweepTarget

	if err := ctx.Err(); err != nil {
		return r.report, err
	}
	if err := r.runPhase(chain.PhaseWrite, r.builder.WritePhase(all)); err != nil {
		return r.report, err
	}
	var readable []int
	for i := range r.arena.states {
		st := &r.arena.states[i]
		if st.failed {
			sweep = append(sweep, chain.SweepTarget{Slot: st.chain.Slot, Open: st.slotOpen})
			continue
		}
		readable = append(readable, st.chain.Slot)
	}

	r.reg.Zero()

	cancelled := ctx.Err()
	if cancelled != nil {
		r.log.Warn("run cancelled after write phase, sweeping written files", "error", cancelled)
		sweep = sweep[:0]
		for i := range r.arena.states {
			st := &r.arena.states[i]
			sweep = append(sweep, chain.SweepTarget{Slot: st.chain.Slot, Open: st.slotOpen})
		}
		readable = nil
	}
	if len(readable) > 0 {
		if err := r.runPhase(chain.PhaseRead, r.builder.ReadPhase(readable)); err != nil {
			return r.report, err
		}
		for i := range r.arena.states {
			st := &r.arena.states[i]
			if st.failed || !st.unlinked {
				sweep = append(sweep, chain.SweepTarget{Slot: st.chain.Slot, Open: st.slotOpen})
			}
		}
	}

	if len(sweep) > 0 {
		if err := r.runPhase(chain.PhaseSweep, r.builder.Sweep(sweep)); err != nil {
			return r.report, err
		}
	}

	r.phase = 0
	if cancelled != nil {
		err := errors.Join(append([]error{cancelled}, r.errs...)...)
		r.report.Err = err
		r.log.Error("round trip cancelled", "failed_slots", r.report.FailedSlots, "error", err)
		return r.report, err
	}
	if len(r.errs) == 0 {
		r.errs = append(r.errs,
			Finalize(chain.PhaseWrite.String(), r.report.WriteSum, r.report.ExpectedSum),
			Finalize(chain.PhaseRead.String(), r.report.ReadSum, r.report.ExpectedSum))
	}
	err := errors.Join(r.errs...)
	r.report.Err = err

	if err != nil {
		r.log.Error("round trip failed", "failed_slots", r.report.FailedSlots, "error", err)
	} else {
		r.log.Info("round trip verified", "files", n, "sum", r.report.CombinedSum())
	}
	return r.report, err
}

// runPhase submits chains and drains until every chain has reached its
// terminal event.
func (r *Runner) runPhase(phase chain.Phase, chains []chain.Chain) error {
	r.phase = phase
	r.plog = r.log.WithPhase(phase.String())
	r.skip = phase == chain.PhaseWrite && r.builder.SkipSuccess()
	r.arena.reset(chains)
	r.pending = append(r.pending[:0], chains...)
	r.terminals = 0
	r.cur = PhaseReport{Phase: phase, Chains: len(chains)}

	start := time.Now()
	r.plog.Debug("phase started", "chains", len(chains), "ops_per_chain", chain.OpsPerChain(phase))

	for r.terminals < len(chains) {
		if err := r.flush(); err != nil {
			return err
		}
		if r.terminals == len(chains) {
			break
		}
		c, err := r.ring.WaitCompletion()
		if err != nil {
			return ioerr.Submission("wait_completion", err)
		}
		r.handle(c)
	}

	if !r.skip && r.cur.Completions != r.cur.Submitted {
		return ioerr.Newf("reconcile", ioerr.CodeOperation,
			"%s phase drained with %d completions for %d submitted ops", phase, r.cur.Completions, r.cur.Submitted)
	}
	r.reapStragglers()

	r.cur.Duration = time.Since(start)
	r.report.Phases = append(r.report.Phases, r.cur)
	r.obs.ObservePhase(phase, r.cur.Chains, r.cur.Failed, uint64(r.cur.Duration.Nanoseconds()))
	r.plog.Info("phase drained",
		"chains", r.cur.Chains,
		"failed", r.cur.Failed,
		"submitted", r.cur.Submitted,
		"completions", r.cur.Completions,
		"retries", r.cur.Retries,
		"bytes", r.cur.Bytes)
	return nil
}

// flush prepares pending chains whole and submits them, as many per batch as
// the submission queue holds.
func (r *Runner) flush() error {
	for len(r.pending) > 0 {
		prepared := 0
		for len(r.pending) > 0 {
			c := r.pending[0]
			err := r.ring.Prepare(c.Ops)
			if errors.Is(err, uring.ErrQueueFull) && prepared > 0 {
				break
			}
			if err != nil {
				return ioerr.Submission("prepare", err)
			}
			prepared += len(c.Ops)
			r.pending = r.pending[1:]
		}

		for left := prepared; left > 0; {
			n, err := r.ring.Submit()
			if err != nil {
				return ioerr.Submission("submit", err)
			}
			if n == 0 {
				return ioerr.New("submit", ioerr.CodeSubmission, "kernel accepted no entries")
			}
			left -= n
		}
		r.cur.Submitted += prepared
		r.obs.ObserveSubmit(prepared)
	}
	return nil
}

func (r *Runner) handle(c uring.Completion) {
	tag, ok := chain.DecodeTag(c.UserData)
	if !ok || tag.Phase != r.phase {
		r.stray(c, "unknown tag")
		return
	}
	st, ok := r.arena.get(tag.Chain)
	if !ok {
		r.stray(c, "chain index out of range")
		return
	}
	if tag.Attempt != st.chain.Attempt || st.terminal {
		r.stray(c, "stale attempt")
		return
	}
	pos := st.position(tag.Step)
	if pos < 0 || st.seen[pos] {
		r.stray(c, "duplicate completion")
		return
	}
	st.seen[pos] = true
	r.cur.Completions++

	op := st.chain.Ops[pos]
	if r.plog.DebugEnabled() {
		r.plog.WithSlot(st.chain.Slot).WithOp(op.Kind.String(), tag.Step).Debug("completion",
			"res", c.Res, "attempt", tag.Attempt)
	}

	if c.Res == -int32(syscall.ECANCELED) {
		st.outcomes[pos] = outcomeCancelled
	} else {
		// ops before this one ran and succeeded; the silent ones are
		// resolved here
		for p := 0; p < pos; p++ {
			if st.outcomes[p] == outcomeUnknown && st.chain.Ops[p].SkipSuccess {
				r.succeed(st, p, len(st.chain.Ops[p].Buf))
			}
		}
		if failed := c.Res < 0 || (op.Kind.Transfer() && int(c.Res) < len(op.Buf)); failed {
			r.fail(st, pos, c.Res)
		} else {
			r.succeed(st, pos, int(c.Res))
		}
	}

	if st.resolved() {
		r.settle(st)
	}
}

func (r *Runner) succeed(st *chainState, pos int, n int) {
	st.outcomes[pos] = outcomeOK
	op := st.chain.Ops[pos]
	var moved uint64
	switch st.chain.Steps[pos] {
	case chain.StepOpen:
		st.slotOpen = true
	case chain.StepTransfer:
		moved = r.fold(st, n)
	case chain.StepClose:
		st.slotOpen = false
	case chain.StepUnlink:
		st.unlinked = true
	}
	r.obs.ObserveOp(op.Kind, moved, true)
}

// fold accounts n transferred bytes at the head of the chain's span.
func (r *Runner) fold(st *chainState, n int) uint64 {
	if n <= 0 {
		return 0
	}
	region := r.reg.Region(st.chain.Slot, registry.Span{Offset: st.span.Offset, Length: n})
	sum := Fold(region)
	switch r.phase {
	case chain.PhaseWrite:
		r.report.WriteSum += sum
	case chain.PhaseRead:
		r.report.ReadSum += sum
	}
	st.span = st.span.Advance(n)
	r.cur.Bytes += uint64(n)
	return uint64(n)
}

func (r *Runner) fail(st *chainState, pos int, res int32) {
	st.outcomes[pos] = outcomeFailed
	op := st.chain.Ops[pos]
	step := st.chain.Steps[pos]
	slog := r.plog.WithSlot(st.chain.Slot).WithOp(op.Kind.String(), step)

	if op.Link && op.SkipSuccess {
		// the kernel suppresses completions for the rest of this link
		for p := pos + 1; p < len(st.chain.Ops); p++ {
			st.outcomes[p] = outcomeCancelled
		}
	}

	switch {
	case step == chain.StepTransfer && res >= 0:
		moved := r.fold(st, int(res))
		r.obs.ObserveOp(op.Kind, moved, true)
		st.retry = true
		slog.Debug("partial transfer", "res", res, "remaining", st.span.Length)
		return
	case step == chain.StepTransfer && res == -int32(syscall.EAGAIN):
		r.obs.ObserveOp(op.Kind, 0, false)
		st.retry = true
		slog.Debug("transfer would block, retrying", "remaining", st.span.Length)
		return
	case step == chain.StepUnlink:
		r.obs.ObserveOp(op.Kind, 0, false)
		if r.phase == chain.PhaseSweep && res == -int32(syscall.ENOENT) {
			st.unlinked = true
			return
		}
		r.report.UnlinkFailures++
		slog.Warn("unlink failed", "errno", syscall.Errno(-res).Error())
		if r.phase == chain.PhaseSweep {
			r.markFailed(st, ioerr.Operation(op.Kind.String(), r.phase.String(), st.chain.Slot, res))
		}
		return
	case step == chain.StepClose && r.phase == chain.PhaseSweep:
		r.obs.ObserveOp(op.Kind, 0, false)
		st.slotOpen = false
		slog.Debug("sweep close failed", "errno", syscall.Errno(-res).Error())
		return
	}

	r.obs.ObserveOp(op.Kind, 0, false)
	err := ioerr.Operation(op.Kind.String(), r.phase.String(), st.chain.Slot, res)
	slog.Error("operation failed", "res", res, "error", err)
	r.markFailed(st, err)
}

func (r *Runner) markFailed(st *chainState, err error) {
	if st.failed {
		return
	}
	st.failed = true
	st.err = err
}

// settle runs once every op of the current attempt is accounted for.
func (r *Runner) settle(st *chainState) {
	if st.retry && !st.failed {
		if st.retries >= r.maxRetries {
			err := ioerr.Newf("resubmit", ioerr.CodeOperation,
				"gave up with %d bytes left after %d continuation chains (max_retries %d)",
				st.span.Length, st.retries, r.maxRetries)
			err.Phase = r.phase.String()
			err.Slot = st.chain.Slot
			r.markFailed(st, err)
		} else {
			st.retries++
			r.cur.Retries++
			r.obs.ObserveRetry(r.phase)
			next := r.builder.Resume(st.chain, st.span)
			st.begin(next)
			r.pending = append(r.pending, next)
			return
		}
	}

	st.terminal = true
	r.terminals++
	if st.failed {
		r.cur.Failed++
		if !slices.Contains(r.report.FailedSlots, st.chain.Slot) {
			r.report.FailedSlots = append(r.report.FailedSlots, st.chain.Slot)
		}
		r.errs = append(r.errs, st.err)
	}
}

// reapStragglers drains completions that arrived after the phase budget was
// met. Any found indicate an accounting fault.
func (r *Runner) reapStragglers() {
	for {
		c, ok, err := r.ring.PollCompletion()
		if err != nil || !ok {
			return
		}
		r.stray(c, "completion after phase drained")
	}
}

func (r *Runner) stray(c uring.Completion, why string) {
	r.report.Stragglers++
	r.plog.Warn("unexpected completion", "reason", why, "user_data", fmt.Sprintf("%#x", c.UserData), "res", c.Res)
}
