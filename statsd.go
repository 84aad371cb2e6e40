package fixedio

import (
	"fmt"
	"time"

	"github.com/DataDog/datadog-go/v5/statsd"

	"github.com/ehrlich-b/go-fixedio/internal/chain"
	"github.com/ehrlich-b/go-fixedio/internal/logging"
	"github.com/ehrlich-b/go-fixedio/internal/uring"
)

// Metric names emitted by StatsdObserver
const (
	MetricOpCount      = "op_count"
	MetricOpBytes      = "op_bytes"
	MetricSubmitBatch  = "submit_batch"
	MetricRetryCount   = "retry_count"
	MetricPhaseLatency = "phase_latency"
	MetricPhaseChains  = "phase_chains"
	MetricPhaseFailed  = "phase_failed_chains"
)

// StatsdClient is the subset of *statsd.Client the observer needs
type StatsdClient interface {
	Count(name string, value int64, tags []string, rate float64) error
	Gauge(name string, value float64, tags []string, rate float64) error
	Timing(name string, value time.Duration, tags []string, rate float64) error
	Histogram(name string, value float64, tags []string, rate float64) error
}

var _ StatsdClient = (*statsd.Client)(nil)

// StatsdObserver forwards pipeline events to a statsd agent. Send errors are
// logged at debug level and otherwise ignored.
type StatsdObserver struct {
	client StatsdClient
	tags   []string
	rate   float64
	log    *logging.Logger
}

// NewStatsdObserver wraps client. tags are attached to every metric.
func NewStatsdObserver(client StatsdClient, tags ...string) *StatsdObserver {
	return &StatsdObserver{client: client, tags: tags, rate: 1, log: logging.Default()}
}

// DialStatsd creates a datadog statsd client for addr with every metric
// name prefixed by "fixedio.".
func DialStatsd(addr string, tags ...string) (*statsd.Client, error) {
	client, err := statsd.New(addr,
		statsd.WithNamespace("fixedio."),
		statsd.WithTags(tags),
	)
	if err != nil {
		return nil, fmt.Errorf("statsd client for %s: %w", addr, err)
	}
	return client, nil
}

func (o *StatsdObserver) with(extra ...string) []string {
	out := make([]string, 0, len(o.tags)+len(extra))
	out = append(out, o.tags...)
	return append(out, extra...)
}

func (o *StatsdObserver) check(metric string, err error) {
	if err != nil && o.log.DebugEnabled() {
		o.log.Debug("statsd send failed", "metric", metric, "error", err)
	}
}

func (o *StatsdObserver) ObserveSubmit(ops int) {
	o.check(MetricSubmitBatch, o.client.Histogram(MetricSubmitBatch, float64(ops), o.tags, o.rate))
}

func (o *StatsdObserver) ObserveOp(kind uring.OpKind, bytes uint64, success bool) {
	status := "status:ok"
	if !success {
		status = "status:error"
	}
	tags := o.with("op:"+kind.String(), status)
	o.check(MetricOpCount, o.client.Count(MetricOpCount, 1, tags, o.rate))
	if bytes > 0 {
		o.check(MetricOpBytes, o.client.Count(MetricOpBytes, int64(bytes), tags, o.rate))
	}
}

func (o *StatsdObserver) ObserveRetry(phase chain.Phase) {
	o.check(MetricRetryCount, o.client.Count(MetricRetryCount, 1, o.with("phase:"+phase.String()), o.rate))
}

func (o *StatsdObserver) ObservePhase(phase chain.Phase, chains, failed int, latencyNs uint64) {
	tags := o.with("phase:" + phase.String())
	o.check(MetricPhaseLatency, o.client.Timing(MetricPhaseLatency, time.Duration(latencyNs), tags, o.rate))
	o.check(MetricPhaseChains, o.client.Gauge(MetricPhaseChains, float64(chains), tags, o.rate))
	o.check(MetricPhaseFailed, o.client.Gauge(MetricPhaseFailed, float64(failed), tags, o.rate))
}

var _ Observer = (*StatsdObserver)(nil)
