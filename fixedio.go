// Package fixedio runs a batched file round trip over io_uring. Every file is
// opened, written from a registered buffer and closed by one linked chain;
// the files are then read back into the cleared buffers and unlinked by a
// second set of chains, and the byte values moved in each phase are summed
// and checked against the analytically expected total.
package fixedio

import (
	"context"
	"runtime"
	"strings"

	"github.com/ehrlich-b/go-fixedio/internal/chain"
	"github.com/ehrlich-b/go-fixedio/internal/constants"
	"github.com/ehrlich-b/go-fixedio/internal/ioerr"
	"github.com/ehrlich-b/go-fixedio/internal/logging"
	"github.com/ehrlich-b/go-fixedio/internal/pipeline"
	"github.com/ehrlich-b/go-fixedio/internal/registry"
	"github.com/ehrlich-b/go-fixedio/internal/uring"
)

// Params describes one round trip
type Params struct {
	FileCount   int    // files, registered buffers and fixed file slots (default: 4)
	BufferSize  int    // bytes per buffer and per file (default: 16MiB)
	QueueDepth  int    // submission queue entries (default: FileCount × 7, at most 32768)
	WorkDir     string // directory the files are created in (default: ".")
	FillByte    byte   // value of every byte written (default: 2)
	FilePattern string // fmt pattern taking the slot index (default: "testdatafile%d.txt")

	// SkipSuccess suppresses success completions of the write phase's open
	// and write ops. It is turned off when the kernel cannot honour it.
	SkipSuccess bool

	// MaxRetries caps continuation chains per file within a phase (default: 32)
	MaxRetries int
}

// DefaultParams returns the parameters of the reference workload
func DefaultParams() Params {
	return Params{
		FileCount:   constants.DefaultFileCount,
		BufferSize:  constants.DefaultBufferSize,
		WorkDir:     ".",
		FillByte:    constants.DefaultFillByte,
		FilePattern: constants.DefaultFilePattern,
		SkipSuccess: true,
		MaxRetries:  constants.DefaultMaxRetries,
	}
}

// Depth returns the effective submission queue depth
func (p Params) Depth() int {
	if p.QueueDepth > 0 {
		return p.QueueDepth
	}
	return min(p.FileCount*constants.QueueDepthFactor, constants.MaxQueueDepth)
}

// Validate rejects parameters no run could satisfy
func (p Params) Validate() error {
	if err := p.registryConfig().Validate(); err != nil {
		return err
	}
	if p.Depth() > constants.MaxQueueDepth {
		return ioerr.Newf("params", ioerr.CodeInvalidParameters,
			"queue depth %d above the kernel limit of %d", p.Depth(), constants.MaxQueueDepth)
	}
	if need := p.FileCount * constants.MaxChainOps; p.Depth() < need {
		return ioerr.Newf("params", ioerr.CodeInvalidParameters,
			"queue depth %d below %d needed to keep every chain in flight", p.Depth(), need)
	}
	if p.MaxRetries < 0 {
		return ioerr.Newf("params", ioerr.CodeInvalidParameters, "max retries %d is negative", p.MaxRetries)
	}
	if p.FilePattern != "" && !strings.Contains(p.FilePattern, "%d") {
		return ioerr.Newf("params", ioerr.CodeInvalidParameters, "file pattern %q needs a %%d verb", p.FilePattern)
	}
	return nil
}

func (p Params) registryConfig() registry.Config {
	return registry.Config{
		FileCount:   p.FileCount,
		BufferSize:  p.BufferSize,
		FillByte:    p.FillByte,
		WorkDir:     p.WorkDir,
		FilePattern: p.FilePattern,
	}
}

// Options contains additional options for a run
type Options struct {
	// Logger for progress and failures (if nil, uses the package default)
	Logger *Logger

	// Observer receives pipeline events (if nil, events only reach Metrics)
	Observer Observer

	// Metrics, when set, is updated as the run progresses and stopped when it
	// returns
	Metrics *Metrics

	// Backend selects the ring implementation (default: BackendKernel)
	Backend Backend

	// Wait selects how completions are awaited (default: WaitEnter)
	Wait WaitMode

	// Sim tunes the simulated ring when Backend is BackendSim
	Sim SimOptions
}

// Logger is the structured logger used by a run
type Logger = logging.Logger

// LogConfig configures NewLogger
type LogConfig = logging.Config

const (
	LogLevelDebug = logging.LevelDebug
	LogLevelInfo  = logging.LevelInfo
	LogLevelWarn  = logging.LevelWarn
	LogLevelError = logging.LevelError
)

// NewLogger creates a logger; a nil config uses text output at info level
// on stderr.
func NewLogger(config *LogConfig) *Logger { return logging.NewLogger(config) }

// Backend selects a ring implementation
type Backend = uring.Backend

const (
	BackendKernel   = uring.BackendKernel
	BackendGiouring = uring.BackendGiouring
	BackendSim      = uring.BackendSim
)

// WaitMode selects how a run blocks for completions
type WaitMode = uring.WaitMode

const (
	WaitEnter   = uring.WaitEnter
	WaitEventFD = uring.WaitEventFD
)

// Result is the outcome of a run. It is returned even when Run fails after
// the ring was set up.
type Result = pipeline.Report

// PhaseReport summarises one drained phase
type PhaseReport = pipeline.PhaseReport

// Phase identifies a pipeline phase
type Phase = chain.Phase

const (
	PhaseWrite = chain.PhaseWrite
	PhaseRead  = chain.PhaseRead
	PhaseSweep = chain.PhaseSweep
)

// ExpectedSum is the byte-value sum one full pass over the files produces
func ExpectedSum(p Params) uint64 {
	return pipeline.ExpectedSum(p.FillByte, p.BufferSize, p.FileCount)
}

// Run performs the write phase, the read phase and any cleanup, then
// verifies both phase sums. It blocks until every submitted op has
// completed. ctx is checked between phases: once cancelled, the read phase
// is skipped and the files already written are swept before Run returns
// the context's error.
//
// Example:
//
//	params := fixedio.DefaultParams()
//	params.WorkDir = os.TempDir()
//	result, err := fixedio.Run(context.Background(), params, nil)
func Run(ctx context.Context, params Params, options *Options) (*Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if options == nil {
		options = &Options{}
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	backend := options.Backend
	switch backend {
	case "":
		backend = BackendKernel
	case BackendKernel, BackendGiouring, BackendSim:
	default:
		return nil, ioerr.Newf("params", ioerr.CodeInvalidParameters, "unknown backend %q", backend)
	}
	wait := options.Wait
	switch wait {
	case "":
		wait = WaitEnter
	case WaitEnter, WaitEventFD:
	default:
		return nil, ioerr.Newf("params", ioerr.CodeInvalidParameters, "unknown wait mode %q", options.Wait)
	}

	logger := options.Logger
	if logger == nil {
		logger = logging.Default()
	}
	if params.BufferSize&(params.BufferSize-1) != 0 {
		logger.Warn("buffer size is not a power of two", "buffer_size", params.BufferSize)
	}

	// the ring is owned by this goroutine for the whole run
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	ring, err := uring.New(uring.Config{
		Entries: uint32(params.Depth()),
		Backend: backend,
		Wait:    wait,
		Sim:     options.Sim,
	})
	if err != nil {
		return nil, ioerr.Registration("io_uring_setup", err)
	}
	defer ring.Close()

	skip, err := negotiate(ring, params.SkipSuccess, logger)
	if err != nil {
		return nil, err
	}

	reg, err := registry.Initialize(ring, params.registryConfig())
	if err != nil {
		logger.Error("registration failed", "error", err)
		return nil, err
	}
	defer reg.Close()

	var observers MultiObserver
	if options.Metrics != nil {
		observers = append(observers, NewMetricsObserver(options.Metrics))
		defer options.Metrics.Stop()
	}
	if options.Observer != nil {
		observers = append(observers, options.Observer)
	}

	runner, err := pipeline.NewRunner(pipeline.Config{
		Ring:       ring,
		Registry:   reg,
		Builder:    chain.NewBuilder(reg, chain.Options{SkipSuccess: skip}),
		Logger:     logger,
		Observer:   observers,
		MaxRetries: params.MaxRetries,
	})
	if err != nil {
		return nil, err
	}

	logger.Info("starting round trip",
		"files", params.FileCount,
		"buffer_size", params.BufferSize,
		"queue_depth", params.Depth(),
		"backend", string(backend),
		"wait", string(wait),
		"skip_success", skip,
		"dir", reg.WorkDir())
	return runner.Run(ctx)
}

// negotiate checks the kernel offers every op the chains use and reports
// whether success completions may be suppressed.
func negotiate(ring uring.Ring, skip bool, logger *Logger) (bool, error) {
	p, ok := uring.ProberOf(ring)
	if !ok {
		return skip, nil
	}
	feat, err := p.Probe()
	if err != nil {
		logger.Warn("io_uring probe failed, assuming support", "error", err)
		return skip, nil
	}
	if missing := feat.Missing(); len(missing) > 0 {
		return false, ioerr.Newf("probe", ioerr.CodeKernelNotSupported,
			"kernel lacks %s", strings.Join(missing, ", "))
	}
	if skip && !feat.CQESkip {
		logger.Info("kernel lacks IOSQE_CQE_SKIP_SUCCESS, every completion will be posted")
		return false, nil
	}
	return skip, nil
}
