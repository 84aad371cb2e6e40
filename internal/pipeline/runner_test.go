package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-fixedio/internal/chain"
	"github.com/ehrlich-b/go-fixedio/internal/ioerr"
	"github.com/ehrlich-b/go-fixedio/internal/logging"
	"github.com/ehrlich-b/go-fixedio/internal/registry"
	"github.com/ehrlich-b/go-fixedio/internal/uring"
)

const (
	testFiles = 4
	testSize  = 64 << 10
	testFill  = 2
)

type harness struct {
	runner *Runner
	ring   *uring.SimRing
	reg    *registry.Registry
	dir    string
	logs   *bytes.Buffer
}

type harnessOpts struct {
	entries    uint32
	sim        uring.SimOptions
	noSkip     bool
	maxRetries int
	ring       func(*uring.SimRing) uring.Ring
	obs        Observer
}

func newHarness(t *testing.T, o harnessOpts) *harness {
	t.Helper()
	if o.entries == 0 {
		o.entries = testFiles * 7
	}
	h := &harness{dir: t.TempDir(), logs: &bytes.Buffer{}}
	h.ring = uring.NewSimRing(o.entries, o.sim)
	t.Cleanup(func() { h.ring.Close() })

	var ring uring.Ring = h.ring
	if o.ring != nil {
		ring = o.ring(h.ring)
	}

	reg, err := registry.Initialize(ring, registry.Config{
		FileCount:  testFiles,
		BufferSize: testSize,
		FillByte:   testFill,
		WorkDir:    h.dir,
	})
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })
	h.reg = reg

	logger := logging.NewLogger(&logging.Config{Level: logging.LevelDebug, Format: "text", Output: h.logs, Sync: true, NoColor: true})
	h.runner, err = NewRunner(Config{
		Ring:       ring,
		Registry:   reg,
		Builder:    chain.NewBuilder(reg, chain.Options{SkipSuccess: !o.noSkip}),
		Logger:     logger,
		MaxRetries: o.maxRetries,
		Observer:   o.obs,
	})
	require.NoError(t, err)
	return h
}

func (h *harness) residue(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(h.dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

// injectOnce applies f to the first op matching kind and phase on each slot.
func injectOnce(kind uring.OpKind, phase chain.Phase, f uring.Fault, slots ...int) uring.Injector {
	hit := map[int]bool{}
	want := map[int]bool{}
	for _, s := range slots {
		want[s] = true
	}
	return func(op uring.Op) (uring.Fault, bool) {
		tag, _ := chain.DecodeTag(op.UserData)
		if op.Kind != kind || tag.Phase != phase || hit[op.Slot] {
			return uring.Fault{}, false
		}
		if len(want) > 0 && !want[op.Slot] {
			return uring.Fault{}, false
		}
		hit[op.Slot] = true
		return f, true
	}
}

var expected = ExpectedSum(testFill, testSize, testFiles)

func TestRoundTrip(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	report, err := h.runner.Run(context.Background())
	require.NoError(t, err)
	require.True(t, report.Passed())

	assert.Equal(t, expected, report.ReadSum)
	assert.Equal(t, expected, report.WriteSum)
	assert.Equal(t, uint64(testFill*testSize*testFiles*2), report.CombinedSum())
	assert.Empty(t, report.FailedSlots)
	assert.Zero(t, report.Stragglers)
	assert.Empty(t, h.residue(t), "no files may remain")
	assert.Zero(t, h.ring.OpenSlots())

	write, ok := report.Phase(chain.PhaseWrite)
	require.True(t, ok)
	assert.Equal(t, testFiles, write.Chains)
	assert.Equal(t, testFiles*3, write.Submitted)
	assert.Equal(t, testFiles, write.Completions, "only the close of each write chain completes visibly")

	read, ok := report.Phase(chain.PhaseRead)
	require.True(t, ok)
	assert.Equal(t, testFiles*4, read.Submitted)
	assert.Equal(t, testFiles*4, read.Completions)
	assert.Equal(t, uint64(testSize*testFiles), read.Bytes)

	_, swept := report.Phase(chain.PhaseSweep)
	assert.False(t, swept)
}

func TestRoundTripWithoutSkip(t *testing.T) {
	h := newHarness(t, harnessOpts{noSkip: true})
	report, err := h.runner.Run(context.Background())
	require.NoError(t, err)

	write, _ := report.Phase(chain.PhaseWrite)
	assert.Equal(t, testFiles*3, write.Completions)
	assert.Equal(t, expected, report.WriteSum)
}

func TestRoundTripShuffledCompletions(t *testing.T) {
	for _, seed := range []int64{1, 7, 42, 1234} {
		h := newHarness(t, harnessOpts{sim: uring.SimOptions{Seed: seed}})
		report, err := h.runner.Run(context.Background())
		require.NoError(t, err, "seed %d", seed)
		assert.Equal(t, expected, report.ReadSum)
	}
}

func TestSmallQueueBatchesChains(t *testing.T) {
	// room for exactly one read chain at a time
	h := newHarness(t, harnessOpts{entries: 4})
	report, err := h.runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, expected, report.ReadSum)
}

func TestQueueTooSmallForChain(t *testing.T) {
	h := newHarness(t, harnessOpts{entries: 2})
	_, err := h.runner.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ioerr.ErrSubmission))
	assert.True(t, errors.Is(err, uring.ErrQueueFull))
}

func TestPartialTransfersAreResumed(t *testing.T) {
	write := injectOnce(uring.OpWrite, chain.PhaseWrite, uring.Fault{Limit: 1000})
	read := injectOnce(uring.OpRead, chain.PhaseRead, uring.Fault{Limit: 4097})
	h := newHarness(t, harnessOpts{sim: uring.SimOptions{Injector: func(op uring.Op) (uring.Fault, bool) {
		if f, ok := write(op); ok {
			return f, true
		}
		return read(op)
	}}})

	report, err := h.runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, expected, report.WriteSum)
	assert.Equal(t, expected, report.ReadSum)
	assert.Empty(t, h.residue(t))

	w, _ := report.Phase(chain.PhaseWrite)
	r, _ := report.Phase(chain.PhaseRead)
	assert.Equal(t, testFiles, w.Retries)
	assert.Equal(t, testFiles, r.Retries)
	assert.Equal(t, r.Submitted, r.Completions)
	assert.Equal(t, uint64(testSize*testFiles), r.Bytes)
}

func TestRetryableReadIsReissued(t *testing.T) {
	inj := injectOnce(uring.OpRead, chain.PhaseRead, uring.Fault{Errno: syscall.EAGAIN}, 2)
	h := newHarness(t, harnessOpts{sim: uring.SimOptions{Injector: inj}})

	report, err := h.runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, expected, report.ReadSum)

	r, _ := report.Phase(chain.PhaseRead)
	assert.Equal(t, 1, r.Retries)
	// one extra read, close and unlink for the reissued chain
	assert.Equal(t, testFiles*4+3, r.Submitted)
}

func TestRetryLimit(t *testing.T) {
	inj := func(op uring.Op) (uring.Fault, bool) {
		if op.Kind == uring.OpRead && op.Slot == 0 {
			return uring.Fault{Limit: 1}, true
		}
		return uring.Fault{}, false
	}
	h := newHarness(t, harnessOpts{maxRetries: 3, sim: uring.SimOptions{Injector: inj}})

	report, err := h.runner.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ioerr.ErrOperation))
	assert.Equal(t, []int{0}, report.FailedSlots)
	assert.Empty(t, h.residue(t), "sweep removes the abandoned file")
	assert.Zero(t, h.ring.OpenSlots())
}

func TestZeroByteTransferIsResumed(t *testing.T) {
	inj := injectOnce(uring.OpRead, chain.PhaseRead, uring.Fault{Stall: true}, 1)
	h := newHarness(t, harnessOpts{sim: uring.SimOptions{Injector: inj}})

	report, err := h.runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, expected, report.ReadSum)

	r, _ := report.Phase(chain.PhaseRead)
	assert.Equal(t, 1, r.Retries)
	assert.Empty(t, h.residue(t))
}

func TestStalledTransferHitsRetryLimit(t *testing.T) {
	inj := func(op uring.Op) (uring.Fault, bool) {
		if op.Kind == uring.OpWrite && op.Slot == 2 {
			return uring.Fault{Stall: true}, true
		}
		return uring.Fault{}, false
	}
	h := newHarness(t, harnessOpts{maxRetries: 3, sim: uring.SimOptions{Injector: inj}})

	report, err := h.runner.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ioerr.ErrOperation))
	assert.Contains(t, err.Error(), "max_retries 3")
	assert.Contains(t, err.Error(), fmt.Sprintf("%d bytes left", testSize))
	assert.Equal(t, []int{2}, report.FailedSlots)

	w, _ := report.Phase(chain.PhaseWrite)
	assert.Equal(t, 3, w.Retries)
	assert.Empty(t, h.residue(t))
	assert.Zero(t, h.ring.OpenSlots())
}

func TestOpenFailureNeverRunsLinkedOps(t *testing.T) {
	inj := injectOnce(uring.OpOpen, chain.PhaseWrite, uring.Fault{Errno: syscall.EACCES}, 1)
	h := newHarness(t, harnessOpts{sim: uring.SimOptions{Injector: inj}})

	report, err := h.runner.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ioerr.ErrOperation))
	assert.True(t, ioerr.IsErrno(err, syscall.EACCES))
	assert.False(t, errors.Is(err, ioerr.ErrVerificationMismatch), "chain failures are not reported as mismatches")
	assert.Equal(t, []int{1}, report.FailedSlots)

	// the failed chain's write and close were cancelled without running and,
	// because the open suppressed success completions, posted nothing
	for _, e := range h.ring.Trace() {
		tag, _ := chain.DecodeTag(e.UserData)
		if e.Slot != 1 || tag.Phase != chain.PhaseWrite {
			continue
		}
		switch e.Kind {
		case uring.OpOpen:
			assert.Equal(t, -int32(syscall.EACCES), e.Res)
			assert.True(t, e.Posted)
		default:
			assert.True(t, e.Cancelled, "%s must not execute", e.Kind)
			assert.False(t, e.Posted)
		}
	}

	// the other chains completed both phases
	read, _ := report.Phase(chain.PhaseRead)
	assert.Equal(t, testFiles-1, read.Chains)
	assert.Zero(t, read.Failed)
	assert.Equal(t, ExpectedSum(testFill, testSize, testFiles-1), report.ReadSum)

	assert.Empty(t, h.residue(t))
	assert.Zero(t, h.ring.OpenSlots())
}

func TestWriteFailureClosesSlotInSweep(t *testing.T) {
	inj := injectOnce(uring.OpWrite, chain.PhaseWrite, uring.Fault{Errno: syscall.EIO}, 3)
	h := newHarness(t, harnessOpts{sim: uring.SimOptions{Injector: inj}})

	report, err := h.runner.Run(context.Background())
	require.Error(t, err)
	assert.True(t, ioerr.IsErrno(err, syscall.EIO))
	assert.Equal(t, []int{3}, report.FailedSlots)

	sweep, ok := report.Phase(chain.PhaseSweep)
	require.True(t, ok)
	assert.Equal(t, 1, sweep.Chains)
	assert.Equal(t, 2, sweep.Submitted, "close then unlink")
	assert.Empty(t, h.residue(t))
	assert.Zero(t, h.ring.OpenSlots())
}

func TestSlotFailingTwiceIsReportedOnce(t *testing.T) {
	write := injectOnce(uring.OpWrite, chain.PhaseWrite, uring.Fault{Errno: syscall.EIO}, 1)
	unlink := injectOnce(uring.OpUnlink, chain.PhaseSweep, uring.Fault{Errno: syscall.EPERM}, 1)
	h := newHarness(t, harnessOpts{sim: uring.SimOptions{Injector: func(op uring.Op) (uring.Fault, bool) {
		if f, ok := write(op); ok {
			return f, true
		}
		return unlink(op)
	}}})

	report, err := h.runner.Run(context.Background())
	require.Error(t, err)
	assert.True(t, ioerr.IsErrno(err, syscall.EIO))
	assert.True(t, ioerr.IsErrno(err, syscall.EPERM))
	assert.Equal(t, []int{1}, report.FailedSlots)
	assert.Equal(t, []string{"testdatafile1.txt"}, h.residue(t))
}

func TestUnlinkFailureIsNotFatal(t *testing.T) {
	inj := injectOnce(uring.OpUnlink, chain.PhaseRead, uring.Fault{Errno: syscall.EBUSY}, 0)
	h := newHarness(t, harnessOpts{sim: uring.SimOptions{Injector: inj}})

	report, err := h.runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.UnlinkFailures)
	assert.Equal(t, expected, report.ReadSum)

	_, swept := report.Phase(chain.PhaseSweep)
	assert.True(t, swept, "left-over file is swept")
	assert.Empty(t, h.residue(t))
	assert.Contains(t, h.logs.String(), "unlink failed")
}

func TestCorruptedReadIsMismatch(t *testing.T) {
	var h *harness
	corrupt := injectOnce(uring.OpRead, chain.PhaseRead, uring.Fault{}, 2)
	h = newHarness(t, harnessOpts{sim: uring.SimOptions{Injector: func(op uring.Op) (uring.Fault, bool) {
		if _, ok := corrupt(op); ok {
			f, err := os.OpenFile(filepath.Join(h.dir, "testdatafile2.txt"), os.O_WRONLY, 0)
			require.NoError(t, err)
			_, err = f.WriteAt([]byte{testFill + 7}, 0)
			require.NoError(t, err)
			require.NoError(t, f.Close())
		}
		return uring.Fault{}, false
	}}})

	report, err := h.runner.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ioerr.ErrVerificationMismatch))
	assert.False(t, report.Passed())
	assert.Empty(t, report.FailedSlots)
	assert.Equal(t, expected, report.WriteSum)
	assert.Equal(t, expected+7, report.ReadSum)
	assert.Empty(t, h.residue(t), "files are removed even when verification fails")
}

// strayRing posts one completion nothing submitted.
type strayRing struct {
	*uring.SimRing
	sent bool
}

func (s *strayRing) PollCompletion() (uring.Completion, bool, error) {
	if !s.sent {
		s.sent = true
		return uring.Completion{UserData: 0xdead, Res: 0}, true, nil
	}
	return s.SimRing.PollCompletion()
}

func TestStrayCompletionIsCountedNotFolded(t *testing.T) {
	h := newHarness(t, harnessOpts{ring: func(r *uring.SimRing) uring.Ring { return &strayRing{SimRing: r} }})
	report, err := h.runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Stragglers)
	assert.Equal(t, expected, report.ReadSum)
	assert.Contains(t, h.logs.String(), "unexpected completion")
}

func TestContextCancelledBeforeRun(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, err := h.runner.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, report.Phases)
}

// cancelOn cancels the run when a phase drains.
type cancelOn struct {
	NoOpObserver
	phase  chain.Phase
	cancel context.CancelFunc
	seen   []chain.Phase
}

func (c *cancelOn) ObservePhase(p chain.Phase, _, _ int, _ uint64) {
	c.seen = append(c.seen, p)
	if p == c.phase {
		c.cancel()
	}
}

func TestContextCancelledAfterWritePhase(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	obs := &cancelOn{phase: chain.PhaseWrite, cancel: cancel}
	h := newHarness(t, harnessOpts{obs: obs})

	report, err := h.runner.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, err, report.Err)
	assert.Equal(t, []chain.Phase{chain.PhaseWrite, chain.PhaseSweep}, obs.seen)

	_, read := report.Phase(chain.PhaseRead)
	assert.False(t, read)
	sweep, ok := report.Phase(chain.PhaseSweep)
	require.True(t, ok)
	assert.Equal(t, testFiles, sweep.Chains)
	assert.Equal(t, expected, report.WriteSum)

	assert.Empty(t, h.residue(t), "written files are removed")
	assert.Zero(t, h.ring.OpenSlots())
	assert.Contains(t, h.logs.String(), "round trip cancelled")
}

func TestContextCancelledWithFailedChain(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	inj := injectOnce(uring.OpWrite, chain.PhaseWrite, uring.Fault{Errno: syscall.EIO}, 0)
	h := newHarness(t, harnessOpts{
		obs: &cancelOn{phase: chain.PhaseWrite, cancel: cancel},
		sim: uring.SimOptions{Injector: inj},
	})

	report, err := h.runner.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, ioerr.IsErrno(err, syscall.EIO), "chain failures are kept")
	assert.Equal(t, []int{0}, report.FailedSlots)
	assert.Empty(t, h.residue(t))
	assert.Zero(t, h.ring.OpenSlots())
}

func TestNewRunnerValidation(t *testing.T) {
	_, err := NewRunner(Config{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ioerr.ErrInvalidParameters))
}
