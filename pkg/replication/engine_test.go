package replication

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

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

// applyingTransport decodes each diff and applies it to a sink
// dataset, like the real HTTP transport does on the peer.
type applyingTransport struct {
	sink *MemoryDataset
	err  error
}

func (tr *applyingTransport) Send(ctx context.Context, diff []byte) error {
	if tr.err != nil {
		return tr.err
	}

	snapshot, changes, err := ReadDiff(bytes.NewReader(diff))
	if err != nil {
		return err
	}

	return tr.sink.Apply(snapshot, changes)
}

func newTestEngine(t *testing.T, source *MemoryDataset, transport Transport, retention int) *Engine {
	engine, err := NewEngine(EngineCfg{
		Logger: testLogger{t},

		Source:    source,
		Chain:     source.Chain(),
		Transport: transport,

		Interval:  time.Hour,
		Retention: retention,
	})
	require.NoError(t, err)

	return engine
}

func TestEngineReplicatesIncrementally(t *testing.T) {
	source := NewMemoryDataset("data")
	sink := NewMemoryDataset("data")

	engine := newTestEngine(t, source, &applyingTransport{sink: sink}, 10)

	require.NoError(t, source.Put("k1", []byte("v1")))
	engine.RunCycle()

	require.NoError(t, source.Put("k2", []byte("v2")))
	engine.RunCycle()

	jobs := engine.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, JobStatusSucceeded, jobs[0].Status)
	assert.Equal(t, JobStatusSucceeded, jobs[1].Status)

	// The second job is incremental: its diff base is the first
	// snapshot.
	assert.Equal(t, jobs[0].TargetSnapshotId, jobs[1].SourceSnapshotId)
	assert.Equal(t, jobs[1].TargetSnapshotId, engine.LastAcknowledged())

	value, found := sink.Get("k2")
	require.True(t, found)
	assert.Equal(t, []byte("v2"), value)
}

func TestEngineRetriesFromLastGoodBase(t *testing.T) {
	source := NewMemoryDataset("data")
	sink := NewMemoryDataset("data")

	transport := &applyingTransport{sink: sink}
	engine := newTestEngine(t, source, transport, 10)

	require.NoError(t, source.Put("k1", []byte("v1")))
	engine.RunCycle()

	base := engine.LastAcknowledged()
	require.NotEmpty(t, base)

	// A failed transfer must not advance the acknowledged base.
	transport.err = fmt.Errorf("connection reset")

	require.NoError(t, source.Put("k2", []byte("v2")))
	engine.RunCycle()

	jobs := engine.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, JobStatusFailed, jobs[1].Status)
	assert.Equal(t, base, engine.LastAcknowledged())

	// The next cycle recomputes a diff from the same base and catches
	// up without manual cleanup.
	transport.err = nil

	engine.RunCycle()

	jobs = engine.Jobs()
	require.Len(t, jobs, 3)
	assert.Equal(t, JobStatusSucceeded, jobs[2].Status)
	assert.Equal(t, base, jobs[2].SourceSnapshotId)

	value, found := sink.Get("k2")
	require.True(t, found)
	assert.Equal(t, []byte("v2"), value)
}

func TestEngineRetention(t *testing.T) {
	source := NewMemoryDataset("data")
	sink := NewMemoryDataset("data")

	engine := newTestEngine(t, source, &applyingTransport{sink: sink}, 10)

	var snapshotIds []SnapshotId

	for i := 0; i < 15; i++ {
		key := fmt.Sprintf("k%d", i)
		require.NoError(t, source.Put(key, []byte("v")))

		engine.RunCycle()

		jobs := engine.Jobs()
		snapshotIds = append(snapshotIds, jobs[len(jobs)-1].TargetSnapshotId)
	}

	snapshots := source.Chain().Snapshots()
	require.Len(t, snapshots, 10,
		"only the ten most recent snapshots remain")

	for i, snapshot := range snapshots {
		assert.Equal(t, snapshotIds[5+i], snapshot.Id)
	}
}

func TestEngineRetentionDuringOutage(t *testing.T) {
	source := NewMemoryDataset("data")
	sink := NewMemoryDataset("data")

	transport := &applyingTransport{sink: sink}
	engine := newTestEngine(t, source, transport, 10)

	require.NoError(t, source.Put("k1", []byte("v1")))
	engine.RunCycle()

	base := engine.LastAcknowledged()
	require.NotEmpty(t, base)

	transport.err = fmt.Errorf("peer unreachable")

	for i := 0; i < 15; i++ {
		key := fmt.Sprintf("k%d", i+2)
		require.NoError(t, source.Put(key, []byte("v")))
		engine.RunCycle()
	}

	// Retention applies during the outage too: failed cycles must not
	// accumulate snapshots or retained state copies.
	assert.Equal(t, 10, source.Chain().Len())

	source.mu.RLock()
	nbStates := len(source.states)
	source.mu.RUnlock()
	assert.Equal(t, 10, nbStates)

	// The acknowledged base outlives the retention window, so that
	// replication resumes from it once the peer is back.
	_, found := source.Chain().Get(base)
	require.True(t, found)

	transport.err = nil
	engine.RunCycle()

	jobs := engine.Jobs()
	last := jobs[len(jobs)-1]
	assert.Equal(t, JobStatusSucceeded, last.Status)
	assert.Equal(t, base, last.SourceSnapshotId)

	value, found := sink.Get("k16")
	require.True(t, found)
	assert.Equal(t, []byte("v"), value)
}

func TestEngineSkipsOverlappingCycle(t *testing.T) {
	source := NewMemoryDataset("data")
	require.NoError(t, source.Put("k1", []byte("v1")))

	release := make(chan struct{})
	started := make(chan struct{})

	slow := &blockingTransport{release: release, started: started}
	engine := newTestEngine(t, source, slow, 10)

	done := make(chan struct{})
	go func() {
		engine.RunCycle()
		close(done)
	}()

	<-started

	// A cycle scheduled while another is in flight is skipped, not
	// queued.
	engine.RunCycle()

	jobs := engine.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, JobStatusRunning, jobs[0].Status)

	close(release)
	<-done

	jobs = engine.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, JobStatusSucceeded, jobs[0].Status)
}

type blockingTransport struct {
	release chan struct{}
	started chan struct{}
}

func (tr *blockingTransport) Send(ctx context.Context, diff []byte) error {
	close(tr.started)
	<-tr.release
	return nil
}

func TestEngineOwnerGate(t *testing.T) {
	source := NewMemoryDataset("data")
	sink := NewMemoryDataset("data")

	owner := false

	engine, err := NewEngine(EngineCfg{
		Logger: testLogger{t},

		Source:    source,
		Chain:     source.Chain(),
		Transport: &applyingTransport{sink: sink},

		OwnerCheck: func() bool { return owner },

		Interval: time.Hour,
	})
	require.NoError(t, err)

	engine.RunCycle()
	assert.Empty(t, engine.Jobs(), "a non-owner must not replicate")

	owner = true

	engine.RunCycle()
	assert.Len(t, engine.Jobs(), 1)
}
