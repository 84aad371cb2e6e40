package fixedio

import (
	"bytes"
	"context"
	"errors"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func simParams(t *testing.T) Params {
	t.Helper()
	p := DefaultParams()
	p.WorkDir = t.TempDir()
	p.BufferSize = 256 << 10
	return p
}

func quietOptions(sim SimOptions) *Options {
	return &Options{
		Backend: BackendSim,
		Sim:     sim,
		Logger:  NewLogger(&LogConfig{Level: LogLevelError, Output: &bytes.Buffer{}, Sync: true}),
	}
}

func assertNoResidue(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "files left behind in %s", dir)
}

func TestDefaultParams(t *testing.T) {
	p := DefaultParams()
	assert.Equal(t, 4, p.FileCount)
	assert.Equal(t, 16<<20, p.BufferSize)
	assert.Equal(t, byte(2), p.FillByte)
	assert.Equal(t, 28, p.Depth())
	assert.True(t, p.SkipSuccess)
	require.NoError(t, p.Validate())

	// the reference workload's combined sum
	assert.Equal(t, uint64(2*16<<20*4*2), 2*ExpectedSum(p))
}

func TestParamsValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Params)
	}{
		{"no files", func(p *Params) { p.FileCount = 0 }},
		{"zero buffer", func(p *Params) { p.BufferSize = 0 }},
		{"buffer too large", func(p *Params) { p.BufferSize = 1 << 31 }},
		{"shallow queue", func(p *Params) { p.QueueDepth = p.FileCount*4 - 1 }},
		{"queue too deep", func(p *Params) { p.QueueDepth = 1<<15 + 1 }},
		{"too many files", func(p *Params) { p.FileCount = 1<<14 + 1 }},
		{"negative retries", func(p *Params) { p.MaxRetries = -1 }},
		{"pattern without index", func(p *Params) { p.FilePattern = "same.txt" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultParams()
			tt.mutate(&p)
			err := p.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidParameters))

			_, err = Run(context.Background(), p, quietOptions(SimOptions{}))
			assert.True(t, errors.Is(err, ErrInvalidParameters))
		})
	}

	p := DefaultParams()
	p.QueueDepth = p.FileCount * 4
	assert.NoError(t, p.Validate(), "exactly one read chain per file fits")
}

func TestRunUnknownBackend(t *testing.T) {
	opts := quietOptions(SimOptions{})
	opts.Backend = "spdk"
	_, err := Run(context.Background(), simParams(t), opts)
	assert.True(t, errors.Is(err, ErrInvalidParameters))
}

func TestRunUnknownWaitMode(t *testing.T) {
	opts := quietOptions(SimOptions{})
	opts.Wait = "spin"
	_, err := Run(context.Background(), simParams(t), opts)
	assert.True(t, errors.Is(err, ErrInvalidParameters))
}

func TestRunEventFD(t *testing.T) {
	p := simParams(t)
	opts := quietOptions(SimOptions{Seed: 5})
	opts.Wait = WaitEventFD

	result, err := Run(context.Background(), p, opts)
	require.NoError(t, err)
	assert.Equal(t, 2*ExpectedSum(p), result.CombinedSum())
	assertNoResidue(t, p.WorkDir)
}

func TestRunSimulated(t *testing.T) {
	p := simParams(t)
	metrics := NewMetrics()
	rec := NewRecordingObserver()
	opts := quietOptions(SimOptions{Seed: 11})
	opts.Metrics = metrics
	opts.Observer = rec

	result, err := Run(context.Background(), p, opts)
	require.NoError(t, err)
	require.True(t, result.Passed())

	assert.Equal(t, ExpectedSum(p), result.ReadSum)
	assert.Equal(t, 2*ExpectedSum(p), result.CombinedSum())
	assertNoResidue(t, p.WorkDir)

	read, ok := result.Phase(PhaseRead)
	require.True(t, ok)
	assert.Equal(t, p.FileCount*4, read.Completions)

	assert.Equal(t, 2*p.FileCount, rec.Ops(OpOpen))
	assert.Equal(t, p.FileCount, rec.Ops(OpUnlink))
	assert.Equal(t, uint64(p.FileCount*p.BufferSize), rec.Bytes(OpRead))
	assert.Equal(t, uint64(p.FileCount*p.BufferSize), rec.Bytes(OpWrite))
	assert.Equal(t, []Phase{PhaseWrite, PhaseRead}, rec.Phases())
	assert.Equal(t, 7*p.FileCount, rec.Submitted())

	snap := metrics.Snapshot()
	assert.Equal(t, uint64(p.FileCount*p.BufferSize), snap.ReadBytes)
	assert.Zero(t, snap.ErrorRate)
	assert.Equal(t, uint64(2), snap.Phases)
	assert.NotZero(t, metrics.StopTime.Load(), "metrics stopped when Run returns")
}

func TestRunReferenceWorkload(t *testing.T) {
	if testing.Short() {
		t.Skip("moves 128MiB through the simulated ring")
	}
	p := DefaultParams()
	p.WorkDir = t.TempDir()

	result, err := Run(context.Background(), p, quietOptions(SimOptions{}))
	require.NoError(t, err)
	assert.Equal(t, uint64(2*16<<20*4*2), result.CombinedSum())
	assertNoResidue(t, p.WorkDir)
}

func TestRunWithoutSkipSuccess(t *testing.T) {
	p := simParams(t)
	p.SkipSuccess = false

	result, err := Run(context.Background(), p, quietOptions(SimOptions{}))
	require.NoError(t, err)
	write, _ := result.Phase(PhaseWrite)
	assert.Equal(t, p.FileCount*3, write.Completions)
}

func TestRunShortTransfers(t *testing.T) {
	p := simParams(t)
	p.BufferSize = 64 << 10
	p.MaxRetries = 64
	rec := NewRecordingObserver()
	opts := quietOptions(SimOptions{Injector: ShortTransfers(3000)})
	opts.Observer = rec

	result, err := Run(context.Background(), p, opts)
	require.NoError(t, err)
	assert.Equal(t, ExpectedSum(p), result.WriteSum)
	assert.Equal(t, ExpectedSum(p), result.ReadSum)
	assert.Positive(t, rec.Retries(PhaseWrite))
	assert.Positive(t, rec.Retries(PhaseRead))
	assertNoResidue(t, p.WorkDir)
}

func TestRunOpenDenied(t *testing.T) {
	p := simParams(t)
	opts := quietOptions(SimOptions{Injector: FailOnce(OpOpen, PhaseWrite, 2, syscall.EACCES)})

	result, err := Run(context.Background(), p, opts)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOperation))
	assert.True(t, IsErrno(err, syscall.EACCES))
	assert.Equal(t, []int{2}, FailedSlots(err))
	assert.Equal(t, []int{2}, result.FailedSlots)
	assert.False(t, result.Passed())

	read, _ := result.Phase(PhaseRead)
	assert.Equal(t, p.FileCount-1, read.Chains)
	assert.Zero(t, read.Failed)
	assertNoResidue(t, p.WorkDir)

	var se *Error
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "openat", se.Op)
	assert.Equal(t, "write", se.Phase)
}

func TestRunSeveralFailures(t *testing.T) {
	p := simParams(t)
	opts := quietOptions(SimOptions{Injector: Injectors(
		FailOnce(OpWrite, PhaseWrite, 0, syscall.EIO),
		FailOnce(OpRead, PhaseRead, 3, syscall.EIO),
	)})

	result, err := Run(context.Background(), p, opts)
	require.Error(t, err)
	assert.ElementsMatch(t, []int{0, 3}, FailedSlots(err))
	assert.ElementsMatch(t, []int{0, 3}, result.FailedSlots)
	assert.False(t, errors.Is(err, ErrVerificationMismatch))
	assertNoResidue(t, p.WorkDir)
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := simParams(t)
	_, err := Run(ctx, p, quietOptions(SimOptions{}))
	require.ErrorIs(t, err, context.Canceled)
	assertNoResidue(t, p.WorkDir)
}

// cancelAfter cancels the run once the named phase drains.
type cancelAfter struct {
	NoOpObserver
	phase  Phase
	cancel context.CancelFunc
	reads  int
}

func (c *cancelAfter) ObserveOp(kind OpKind, _ uint64, _ bool) {
	if kind == OpRead {
		c.reads++
	}
}

func (c *cancelAfter) ObservePhase(p Phase, _, _ int, _ uint64) {
	if p == c.phase {
		c.cancel()
	}
}

func TestRunCancelledBetweenPhases(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := simParams(t)
	obs := &cancelAfter{phase: PhaseWrite, cancel: cancel}
	opts := quietOptions(SimOptions{})
	opts.Observer = obs

	_, err := Run(ctx, p, opts)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, obs.reads, "read phase never starts")
	assertNoResidue(t, p.WorkDir)
}

func TestRunKernel(t *testing.T) {
	if os.Getenv("FIXEDIO_KERNEL_TESTS") == "" {
		t.Skip("set FIXEDIO_KERNEL_TESTS=1 to run against the kernel ring")
	}
	p := simParams(t)
	opts := quietOptions(SimOptions{})
	opts.Backend = BackendKernel

	result, err := Run(context.Background(), p, opts)
	if err != nil && (errors.Is(err, ErrKernelNotSupported) || errors.Is(err, ErrRegistration) ||
		IsCode(err, ErrCodePermissionDenied)) {
		t.Skipf("io_uring unavailable: %v", err)
	}
	require.NoError(t, err)
	assert.Equal(t, 2*ExpectedSum(p), result.CombinedSum())
	assertNoResidue(t, p.WorkDir)
}
