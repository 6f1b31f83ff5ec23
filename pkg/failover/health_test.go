package failover

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedProber struct {
	results []error
	idx     int
}

func (p *scriptedProber) Probe(ctx context.Context) error {
	if p.idx >= len(p.results) {
		return nil
	}

	result := p.results[p.idx]
	p.idx++

	return result
}

type testLogger struct {
	t *testing.T
}

func (l testLogger) Debug(level int, format string, args ...interface{}) {
	l.t.Logf("debug(%d): "+format, append([]interface{}{level}, args...)...)
}

func (l testLogger) Info(format string, args ...interface{}) {
	l.t.Logf("info: "+format, args...)
}

func (l testLogger) Error(format string, args ...interface{}) {
	l.t.Logf("error: "+format, args...)
}

func newTestMonitor(t *testing.T, prober Prober) *Monitor {
	monitor, err := NewMonitor(MonitorCfg{
		Prober: prober,

		Logger: testLogger{t},

		CheckInterval: time.Hour,
		Fall:          3,
		Rise:          2,
	})
	require.NoError(t, err)

	return monitor
}

func TestMonitorFallThreshold(t *testing.T) {
	probeErr := fmt.Errorf("connection refused")

	prober := &scriptedProber{results: []error{
		probeErr, probeErr, probeErr,
	}}

	monitor := newTestMonitor(t, prober)

	monitor.probe()
	assert.True(t, monitor.Healthy(), "one failure must not flag down")

	monitor.probe()
	assert.True(t, monitor.Healthy(), "two failures must not flag down")

	monitor.probe()
	assert.False(t, monitor.Healthy(), "three failures must flag down")

	nbFailures, nbSuccesses := monitor.Streaks()
	assert.Equal(t, 3, nbFailures)
	assert.Equal(t, 0, nbSuccesses)
}

func TestMonitorRiseThreshold(t *testing.T) {
	probeErr := fmt.Errorf("connection refused")

	prober := &scriptedProber{results: []error{
		probeErr, probeErr, probeErr,
		nil,
		nil,
	}}

	monitor := newTestMonitor(t, prober)

	for i := 0; i < 3; i++ {
		monitor.probe()
	}
	require.False(t, monitor.Healthy())

	monitor.probe()
	assert.False(t, monitor.Healthy(), "one success must not flag up")

	monitor.probe()
	assert.True(t, monitor.Healthy(), "two successes must flag up")
}

func TestMonitorHysteresisUnderAlternation(t *testing.T) {
	probeErr := fmt.Errorf("connection refused")

	prober := &scriptedProber{results: []error{
		probeErr, probeErr, probeErr,
		nil, probeErr,
		nil, probeErr,
		nil, probeErr,
	}}

	monitor := newTestMonitor(t, prober)

	for i := 0; i < 3; i++ {
		monitor.probe()
	}
	require.False(t, monitor.Healthy())

	// Alternating successes and failures never reach two consecutive
	// successes: the node must stay down.
	for i := 0; i < 6; i++ {
		monitor.probe()
		assert.False(t, monitor.Healthy())
	}
}

func TestMonitorLastProbeTime(t *testing.T) {
	monitor := newTestMonitor(t, &scriptedProber{})

	assert.True(t, monitor.LastProbeTime().IsZero(),
		"no probe ran yet")

	monitor.probe()
	assert.False(t, monitor.LastProbeTime().IsZero())
}

func TestMonitorFailureResetsSuccessStreak(t *testing.T) {
	probeErr := fmt.Errorf("connection refused")

	prober := &scriptedProber{results: []error{
		nil, nil, probeErr,
	}}

	monitor := newTestMonitor(t, prober)

	monitor.probe()
	monitor.probe()

	_, nbSuccesses := monitor.Streaks()
	assert.Equal(t, 2, nbSuccesses)

	monitor.probe()

	nbFailures, nbSuccesses := monitor.Streaks()
	assert.Equal(t, 1, nbFailures)
	assert.Equal(t, 0, nbSuccesses)
}
