package fixedio

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockStatsd struct {
	mock.Mock
}

func (m *mockStatsd) Count(name string, value int64, tags []string, rate float64) error {
	return m.Called(name, value, tags, rate).Error(0)
}

func (m *mockStatsd) Gauge(name string, value float64, tags []string, rate float64) error {
	return m.Called(name, value, tags, rate).Error(0)
}

func (m *mockStatsd) Timing(name string, value time.Duration, tags []string, rate float64) error {
	return m.Called(name, value, tags, rate).Error(0)
}

func (m *mockStatsd) Histogram(name string, value float64, tags []string, rate float64) error {
	return m.Called(name, value, tags, rate).Error(0)
}

func TestStatsdObserverEvents(t *testing.T) {
	client := &mockStatsd{}
	obs := NewStatsdObserver(client, "env:test")

	client.On("Histogram", MetricSubmitBatch, float64(12), []string{"env:test"}, 1.0).Return(nil).Once()
	client.On("Count", MetricOpCount, int64(1), []string{"env:test", "op:read_fixed", "status:ok"}, 1.0).Return(nil).Once()
	client.On("Count", MetricOpBytes, int64(4096), []string{"env:test", "op:read_fixed", "status:ok"}, 1.0).Return(nil).Once()
	client.On("Count", MetricOpCount, int64(1), []string{"env:test", "op:close", "status:error"}, 1.0).Return(nil).Once()
	client.On("Count", MetricRetryCount, int64(1), []string{"env:test", "phase:write"}, 1.0).Return(nil).Once()
	client.On("Timing", MetricPhaseLatency, 3*time.Millisecond, []string{"env:test", "phase:read"}, 1.0).Return(nil).Once()
	client.On("Gauge", MetricPhaseChains, float64(4), []string{"env:test", "phase:read"}, 1.0).Return(nil).Once()
	client.On("Gauge", MetricPhaseFailed, float64(1), []string{"env:test", "phase:read"}, 1.0).Return(nil).Once()

	obs.ObserveSubmit(12)
	obs.ObserveOp(OpRead, 4096, true)
	obs.ObserveOp(OpClose, 0, false)
	obs.ObserveRetry(PhaseWrite)
	obs.ObservePhase(PhaseRead, 4, 1, uint64(3*time.Millisecond))

	client.AssertExpectations(t)
}

func TestStatsdObserverIgnoresSendErrors(t *testing.T) {
	client := &mockStatsd{}
	client.On("Histogram", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(errors.New("connection refused"))

	obs := NewStatsdObserver(client)
	assert.NotPanics(t, func() { obs.ObserveSubmit(3) })
	client.AssertNumberOfCalls(t, "Histogram", 1)
}

func TestStatsdObserverDuringRun(t *testing.T) {
	client := &mockStatsd{}
	for _, method := range []string{"Count", "Gauge", "Timing", "Histogram"} {
		client.On(method, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	}

	p := simParams(t)
	opts := quietOptions(SimOptions{})
	opts.Observer = NewStatsdObserver(client, "run:sim")

	_, err := Run(context.Background(), p, opts)
	require.NoError(t, err)

	// one latency timing per drained phase
	client.AssertNumberOfCalls(t, "Timing", 2)
	client.AssertCalled(t, "Count", MetricOpBytes, int64(p.BufferSize),
		[]string{"run:sim", "op:read_fixed", "status:ok"}, 1.0)
}
