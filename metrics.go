package fixedio

import (
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-fixedio/internal/chain"
	"github.com/ehrlich-b/go-fixedio/internal/pipeline"
	"github.com/ehrlich-b/go-fixedio/internal/uring"
)

// LatencyBuckets defines the phase latency histogram buckets in nanoseconds.
// Buckets cover from 100us to 100s with logarithmic spacing.
var LatencyBuckets = []uint64{
	100_000,         // 100us
	1_000_000,       // 1ms
	10_000_000,      // 10ms
	100_000_000,     // 100ms
	1_000_000_000,   // 1s
	10_000_000_000,  // 10s
	100_000_000_000, // 100s
}

const numLatencyBuckets = 7

// Metrics tracks operation and phase statistics for round trips
type Metrics struct {
	// Operation counters, success and failure alike
	OpenOps   atomic.Uint64
	WriteOps  atomic.Uint64
	ReadOps   atomic.Uint64
	CloseOps  atomic.Uint64
	UnlinkOps atomic.Uint64

	// Byte counters
	WriteBytes atomic.Uint64
	ReadBytes  atomic.Uint64

	// Error counters
	OpenErrors   atomic.Uint64
	WriteErrors  atomic.Uint64
	ReadErrors   atomic.Uint64
	CloseErrors  atomic.Uint64
	UnlinkErrors atomic.Uint64

	// Submission statistics
	SubmitBatches atomic.Uint64
	SubmittedOps  atomic.Uint64
	MaxBatch      atomic.Uint32
	Retries       atomic.Uint64

	// Phase statistics
	Phases         atomic.Uint64
	Chains         atomic.Uint64
	FailedChains   atomic.Uint64
	TotalLatencyNs atomic.Uint64

	// Cumulative phase latency histogram; bucket[i] counts phases that took
	// at most LatencyBuckets[i]
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64 // UnixNano
	StopTime  atomic.Int64 // UnixNano
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordOp records one resolved operation
func (m *Metrics) RecordOp(kind uring.OpKind, bytes uint64, success bool) {
	var ops, errs *atomic.Uint64
	switch kind {
	case uring.OpOpen:
		ops, errs = &m.OpenOps, &m.OpenErrors
	case uring.OpWrite:
		ops, errs = &m.WriteOps, &m.WriteErrors
		m.WriteBytes.Add(bytes)
	case uring.OpRead:
		ops, errs = &m.ReadOps, &m.ReadErrors
		m.ReadBytes.Add(bytes)
	case uring.OpClose:
		ops, errs = &m.CloseOps, &m.CloseErrors
	case uring.OpUnlink:
		ops, errs = &m.UnlinkOps, &m.UnlinkErrors
	default:
		return
	}
	ops.Add(1)
	if !success {
		errs.Add(1)
	}
}

// RecordSubmit records one batch handed to the kernel
func (m *Metrics) RecordSubmit(ops int) {
	m.SubmitBatches.Add(1)
	m.SubmittedOps.Add(uint64(ops))

	n := uint32(ops)
	for {
		current := m.MaxBatch.Load()
		if n <= current || m.MaxBatch.CompareAndSwap(current, n) {
			break
		}
	}
}

// RecordPhase records a drained phase
func (m *Metrics) RecordPhase(chains, failed int, latencyNs uint64) {
	m.Phases.Add(1)
	m.Chains.Add(uint64(chains))
	m.FailedChains.Add(uint64(failed))
	m.TotalLatencyNs.Add(latencyNs)

	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the run as finished
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of Metrics with derived values
type MetricsSnapshot struct {
	OpenOps   uint64
	WriteOps  uint64
	ReadOps   uint64
	CloseOps  uint64
	UnlinkOps uint64

	WriteBytes uint64
	ReadBytes  uint64

	OpenErrors   uint64
	WriteErrors  uint64
	ReadErrors   uint64
	CloseErrors  uint64
	UnlinkErrors uint64

	SubmitBatches uint64
	SubmittedOps  uint64
	AvgBatch      float64
	MaxBatch      uint32
	Retries       uint64

	Phases       uint64
	Chains       uint64
	FailedChains uint64

	AvgPhaseLatencyNs uint64
	PhaseLatencyP50Ns uint64
	PhaseLatencyP99Ns uint64
	LatencyHistogram  [numLatencyBuckets]uint64

	UptimeNs       uint64
	WriteBandwidth float64 // bytes per second
	ReadBandwidth  float64
	TotalOps       uint64
	ErrorRate      float64 // percentage of failed operations
}

// Snapshot creates a point-in-time snapshot of metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		OpenOps:       m.OpenOps.Load(),
		WriteOps:      m.WriteOps.Load(),
		ReadOps:       m.ReadOps.Load(),
		CloseOps:      m.CloseOps.Load(),
		UnlinkOps:     m.UnlinkOps.Load(),
		WriteBytes:    m.WriteBytes.Load(),
		ReadBytes:     m.ReadBytes.Load(),
		OpenErrors:    m.OpenErrors.Load(),
		WriteErrors:   m.WriteErrors.Load(),
		ReadErrors:    m.ReadErrors.Load(),
		CloseErrors:   m.CloseErrors.Load(),
		UnlinkErrors:  m.UnlinkErrors.Load(),
		SubmitBatches: m.SubmitBatches.Load(),
		SubmittedOps:  m.SubmittedOps.Load(),
		MaxBatch:      m.MaxBatch.Load(),
		Retries:       m.Retries.Load(),
		Phases:        m.Phases.Load(),
		Chains:        m.Chains.Load(),
		FailedChains:  m.FailedChains.Load(),
	}

	snap.TotalOps = snap.OpenOps + snap.WriteOps + snap.ReadOps + snap.CloseOps + snap.UnlinkOps
	if snap.SubmitBatches > 0 {
		snap.AvgBatch = float64(snap.SubmittedOps) / float64(snap.SubmitBatches)
	}
	if snap.Phases > 0 {
		snap.AvgPhaseLatencyNs = m.TotalLatencyNs.Load() / snap.Phases
		snap.PhaseLatencyP50Ns = m.calculatePercentile(0.50)
		snap.PhaseLatencyP99Ns = m.calculatePercentile(0.99)
	}
	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	start, stop := m.StartTime.Load(), m.StopTime.Load()
	if stop == 0 {
		stop = time.Now().UnixNano()
	}
	snap.UptimeNs = uint64(stop - start)
	if snap.UptimeNs > 0 {
		secs := float64(snap.UptimeNs) / 1e9
		snap.WriteBandwidth = float64(snap.WriteBytes) / secs
		snap.ReadBandwidth = float64(snap.ReadBytes) / secs
	}

	errs := snap.OpenErrors + snap.WriteErrors + snap.ReadErrors + snap.CloseErrors + snap.UnlinkErrors
	if snap.TotalOps > 0 {
		snap.ErrorRate = float64(errs) / float64(snap.TotalOps) * 100.0
	}
	return snap
}

// calculatePercentile estimates the phase latency at the given percentile
// (0.0-1.0) by linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	total := m.Phases.Load()
	if total == 0 {
		return 0
	}
	target := uint64(float64(total) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		count := m.LatencyBuckets[i].Load()
		if count >= target {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if count == prevCount {
				return bucket
			}
			fraction := float64(target-prevCount) / float64(count-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}
	return LatencyBuckets[numLatencyBuckets-1]
}

// Observer receives pipeline events. Implementations are called from the
// goroutine driving the run.
type Observer = pipeline.Observer

// NoOpObserver is a no-op implementation of Observer
type NoOpObserver = pipeline.NoOpObserver

// MetricsObserver implements Observer using the built-in Metrics
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveSubmit(ops int) { o.metrics.RecordSubmit(ops) }

func (o *MetricsObserver) ObserveOp(kind uring.OpKind, bytes uint64, success bool) {
	o.metrics.RecordOp(kind, bytes, success)
}

func (o *MetricsObserver) ObserveRetry(chain.Phase) { o.metrics.Retries.Add(1) }

func (o *MetricsObserver) ObservePhase(_ chain.Phase, chains, failed int, latencyNs uint64) {
	o.metrics.RecordPhase(chains, failed, latencyNs)
}

// MultiObserver fans events out to several observers in order
type MultiObserver []Observer

func (m MultiObserver) ObserveSubmit(ops int) {
	for _, o := range m {
		o.ObserveSubmit(ops)
	}
}

func (m MultiObserver) ObserveOp(kind uring.OpKind, bytes uint64, success bool) {
	for _, o := range m {
		o.ObserveOp(kind, bytes, success)
	}
}

func (m MultiObserver) ObserveRetry(phase chain.Phase) {
	for _, o := range m {
		o.ObserveRetry(phase)
	}
}

func (m MultiObserver) ObservePhase(phase chain.Phase, chains, failed int, latencyNs uint64) {
	for _, o := range m {
		o.ObservePhase(phase, chains, failed, latencyNs)
	}
}

var (
	_ Observer = (*MetricsObserver)(nil)
	_ Observer = MultiObserver(nil)
)
