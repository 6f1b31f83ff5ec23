package replication

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	snapshot Snapshot
	found    bool
}

func (s *fakeSink) Apply(snapshot Snapshot, changes Changes) error {
	return nil
}

func (s *fakeSink) LatestApplied() (Snapshot, bool) {
	return s.snapshot, s.found
}

func newTestLagMonitor(t *testing.T, sink Sink) *LagMonitor {
	monitor, err := NewLagMonitor(LagMonitorCfg{
		Logger: testLogger{t},

		Sink: sink,

		Interval:       time.Hour,
		AlertThreshold: time.Hour,
	})
	require.NoError(t, err)

	return monitor
}

func TestLagMonitorAlert(t *testing.T) {
	sink := &fakeSink{
		snapshot: Snapshot{
			Id:        "s1",
			CreatedAt: time.Now().Add(-90 * time.Minute),
		},
		found: true,
	}

	monitor := newTestLagMonitor(t, sink)
	monitor.Check()

	lag, found := monitor.Lag()
	require.True(t, found)
	assert.Greater(t, lag, 60*time.Minute)
	assert.True(t, monitor.Alerting(),
		"a 90 minute lag must alert with a one hour threshold")
}

func TestLagMonitorNoAlertUnderThreshold(t *testing.T) {
	sink := &fakeSink{
		snapshot: Snapshot{
			Id:        "s1",
			CreatedAt: time.Now().Add(-30 * time.Minute),
		},
		found: true,
	}

	monitor := newTestLagMonitor(t, sink)
	monitor.Check()

	_, found := monitor.Lag()
	require.True(t, found)
	assert.False(t, monitor.Alerting())
}

func TestLagMonitorAlertClears(t *testing.T) {
	sink := &fakeSink{
		snapshot: Snapshot{
			Id:        "s1",
			CreatedAt: time.Now().Add(-90 * time.Minute),
		},
		found: true,
	}

	monitor := newTestLagMonitor(t, sink)
	monitor.Check()
	require.True(t, monitor.Alerting())

	sink.snapshot = Snapshot{
		Id:        "s2",
		CreatedAt: time.Now(),
	}

	monitor.Check()
	assert.False(t, monitor.Alerting())
}

func TestLagMonitorWithoutAppliedSnapshot(t *testing.T) {
	monitor := newTestLagMonitor(t, &fakeSink{})
	monitor.Check()

	_, found := monitor.Lag()
	assert.False(t, found)
	assert.False(t, monitor.Alerting())
}
