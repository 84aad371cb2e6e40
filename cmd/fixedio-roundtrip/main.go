// Command fixedio-roundtrip writes a set of files through io_uring, reads
// them back, removes them and checks the byte sums of both passes.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/ehrlich-b/go-fixedio"
	"github.com/ehrlich-b/go-fixedio/internal/config"
	"github.com/ehrlich-b/go-fixedio/internal/logging"
)

const (
	exitPass    = 0
	exitFailure = 1
	exitUsage   = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configFile = flag.String("config", "", "Config file (default: fixedio.{yaml,toml,json} in . or /etc/fixedio)")
		files      = flag.Int("files", 0, "Number of files and registered buffers")
		size       = flag.String("size", "", "Bytes per file (e.g., 64K, 16M)")
		depth      = flag.Int("depth", 0, "Submission queue depth (0 = files x 7)")
		dir        = flag.String("dir", "", "Directory the files are created in")
		fill       = flag.Int("fill", 0, "Byte value written to every file")
		backend    = flag.String("backend", "", "Ring backend: kernel, giouring or sim")
		verbose    = flag.Bool("v", false, "Verbose output")
		jsonLogs   = flag.Bool("json", false, "Log as JSON")
		statsdAddr = flag.String("statsd", "", "Send metrics to this statsd agent (host:port)")
		noSkip     = flag.Bool("no-skip", false, "Post every completion instead of skipping successes")
		eventfd    = flag.Bool("eventfd", false, "Wait for completions on an eventfd instead of io_uring_enter")
	)
	flag.Parse()

	if *fill < 0 || *fill > 255 {
		fmt.Fprintf(os.Stderr, "fixedio-roundtrip: fill byte %d out of range\n", *fill)
		return exitUsage
	}

	// only flags given on the command line override the config file and env
	overrides := map[string]any{}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "files":
			overrides[config.KeyFileCount] = *files
		case "size":
			overrides[config.KeyBufferSize] = *size
		case "depth":
			overrides[config.KeyQueueDepth] = *depth
		case "dir":
			overrides[config.KeyWorkDir] = *dir
		case "fill":
			overrides[config.KeyFillByte] = *fill
		case "backend":
			overrides[config.KeyBackend] = *backend
		case "v":
			if *verbose {
				overrides[config.KeyLogLevel] = "debug"
			}
		case "json":
			if *jsonLogs {
				overrides[config.KeyLogFormat] = "json"
			}
		case "statsd":
			overrides[config.KeyStatsdAddr] = *statsdAddr
		case "no-skip":
			overrides[config.KeySkipSuccess] = !*noSkip
		case "eventfd":
			if *eventfd {
				overrides[config.KeyWaitMode] = string(fixedio.WaitEventFD)
			}
		}
	})

	cfg, err := config.Load(*configFile, overrides)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fixedio-roundtrip: %v\n", err)
		return exitUsage
	}

	logger := logging.NewLogger(cfg.LoggingConfig())
	logging.SetDefault(logger)
	defer logger.Close()

	params := fixedio.Params{
		FileCount:   cfg.FileCount,
		BufferSize:  cfg.BufferSize.Int(),
		QueueDepth:  cfg.QueueDepth,
		WorkDir:     cfg.WorkDir,
		FillByte:    cfg.FillByte,
		FilePattern: cfg.FilePattern,
		SkipSuccess: cfg.SkipSuccess,
		MaxRetries:  cfg.MaxRetries,
	}
	metrics := fixedio.NewMetrics()
	options := &fixedio.Options{
		Logger:  logger,
		Metrics: metrics,
		Backend: fixedio.Backend(cfg.Backend),
		Wait:    fixedio.WaitMode(cfg.WaitMode),
	}

	if cfg.StatsdAddr != "" {
		client, err := fixedio.DialStatsd(cfg.StatsdAddr, "backend:"+cfg.Backend)
		if err != nil {
			logger.Warn("statsd disabled", "addr", cfg.StatsdAddr, "error", err)
		} else {
			defer client.Close()
			options.Observer = fixedio.NewStatsdObserver(client)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		if _, ok := <-sigCh; ok {
			logger.Info("received shutdown signal, stopping after the current phase")
			cancel()
		}
	}()
	dumpStacksOnSignal(logger)

	logger.Info("round trip configured",
		"files", params.FileCount,
		"size", formatSize(int64(params.BufferSize)),
		"size_bytes", params.BufferSize,
		"expected_sum", fixedio.ExpectedSum(params))

	result, err := fixedio.Run(ctx, params, options)
	if result != nil {
		printSummary(result, metrics.Snapshot())
	}
	if err != nil {
		logger.Error("round trip failed", "error", err, "failed_slots", fixedio.FailedSlots(err))
		if errors.Is(err, fixedio.ErrInvalidParameters) {
			return exitUsage
		}
		return exitFailure
	}
	return exitPass
}

func printSummary(r *fixedio.Result, snap fixedio.MetricsSnapshot) {
	fmt.Printf("Files:        %d x %s\n", r.FileCount, formatSize(int64(r.BufferSize)))
	for _, ph := range r.Phases {
		fmt.Printf("Phase %-6s  chains=%d failed=%d ops=%d completions=%d retries=%d bytes=%s in %s\n",
			ph.Phase, ph.Chains, ph.Failed, ph.Submitted, ph.Completions, ph.Retries,
			formatSize(int64(ph.Bytes)), ph.Duration.Round(time.Microsecond))
	}
	fmt.Printf("Write sum:    %d (expected %d)\n", r.WriteSum, r.ExpectedSum)
	fmt.Printf("Read sum:     %d (expected %d)\n", r.ReadSum, r.ExpectedSum)
	fmt.Printf("Combined sum: %d\n", r.CombinedSum())
	fmt.Printf("Submits:      %d batches, %d ops, largest %d\n", snap.SubmitBatches, snap.SubmittedOps, snap.MaxBatch)
	if len(r.FailedSlots) > 0 {
		fmt.Printf("Failed slots: %v\n", r.FailedSlots)
	}
	if r.UnlinkFailures > 0 {
		fmt.Printf("Unlink failures: %d\n", r.UnlinkFailures)
	}
	if r.Passed() {
		fmt.Println("PASS")
	} else {
		fmt.Println("FAIL")
	}
}

// dumpStacksOnSignal writes all goroutine stacks to stderr on SIGUSR1, for
// diagnosing a run stuck waiting on the completion queue.
func dumpStacksOnSignal(logger *logging.Logger) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1)
	go func() {
		for range ch {
			buf := make([]byte, 1<<20)
			n := runtime.Stack(buf, true)
			fmt.Fprintf(os.Stderr, "\n=== GOROUTINE STACK DUMP ===\n%s\n", buf[:n])
			if err := pprof.Lookup("goroutine").WriteTo(os.Stderr, 1); err != nil {
				logger.Warn("goroutine profile failed", "error", err)
			}
		}
	}()
}

// formatSize formats a byte count as a human-readable string
func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit && exp < 3; n /= unit {
		div *= unit
		exp++
	}

	units := []string{"K", "M", "G", "T"}
	return fmt.Sprintf("%.1f %sB", float64(bytes)/float64(div), units[exp])
}
