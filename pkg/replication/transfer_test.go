package replication

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sourceWithHistory(t *testing.T) (*MemoryDataset, []Snapshot) {
	source := NewMemoryDataset("data")

	require.NoError(t, source.Put("k1", []byte("v1")))
	require.NoError(t, source.Put("k2", []byte("v2")))

	s0, err := source.Snapshot()
	require.NoError(t, err)

	require.NoError(t, source.Put("k1", []byte("v1bis")))
	require.NoError(t, source.Put("k3", []byte("v3")))

	s1, err := source.Snapshot()
	require.NoError(t, err)

	require.NoError(t, source.Delete("k2"))

	s2, err := source.Snapshot()
	require.NoError(t, err)

	return source, []Snapshot{s0, s1, s2}
}

func applyDiff(t *testing.T, source *MemoryDataset, sink *MemoryDataset, parentId SnapshotId, snapshot Snapshot, tag CompressionTag) {
	changes, err := source.Changes(parentId, snapshot.Id)
	require.NoError(t, err)

	var buf bytes.Buffer
	_, err = WriteDiff(&buf, snapshot, changes, tag)
	require.NoError(t, err)

	decoded, decodedChanges, err := ReadDiff(&buf)
	require.NoError(t, err)

	require.NoError(t, sink.Apply(decoded, decodedChanges))
}

func TestIncrementalEqualsFullTransfer(t *testing.T) {
	for _, tag := range []CompressionTag{
		CompressionNone, CompressionLZ4, CompressionZstd,
	} {
		source, snapshots := sourceWithHistory(t)

		// Incremental: apply the whole chain one diff at a time.
		incremental := NewMemoryDataset("data")
		parentId := SnapshotId("")
		for _, snapshot := range snapshots {
			applyDiff(t, source, incremental, parentId, snapshot, tag)
			parentId = snapshot.Id
		}

		// Full: replicate the last snapshot from scratch.
		full := NewMemoryDataset("data")
		lastSnapshot := snapshots[len(snapshots)-1]
		lastSnapshot.ParentId = ""
		applyDiff(t, source, full, "", lastSnapshot, tag)

		incrApplied, found := incremental.LatestApplied()
		require.True(t, found)
		fullApplied, found := full.LatestApplied()
		require.True(t, found)

		assert.Equal(t, incrApplied.Checksum, fullApplied.Checksum,
			"compression %v", tag)

		for _, key := range []string{"k1", "k2", "k3"} {
			incrValue, incrFound := incremental.Get(key)
			fullValue, fullFound := full.Get(key)

			assert.Equal(t, fullFound, incrFound, "key %q", key)
			assert.Equal(t, fullValue, incrValue, "key %q", key)
		}
	}
}

func TestTruncatedDiffIsRejected(t *testing.T) {
	source, snapshots := sourceWithHistory(t)

	changes, err := source.Changes("", snapshots[0].Id)
	require.NoError(t, err)

	snapshot := snapshots[0]
	snapshot.ParentId = ""

	var buf bytes.Buffer
	_, err = WriteDiff(&buf, snapshot, changes, CompressionLZ4)
	require.NoError(t, err)

	data := buf.Bytes()
	truncated := bytes.NewReader(data[:len(data)-3])

	_, _, err = ReadDiff(truncated)
	assert.Error(t, err)
}

func TestCorruptDiffIsRejected(t *testing.T) {
	source, snapshots := sourceWithHistory(t)

	changes, err := source.Changes("", snapshots[0].Id)
	require.NoError(t, err)

	snapshot := snapshots[0]
	snapshot.ParentId = ""

	var buf bytes.Buffer
	_, err = WriteDiff(&buf, snapshot, changes, CompressionNone)
	require.NoError(t, err)

	data := buf.Bytes()
	data[len(data)-1] ^= 0xff

	_, _, err = ReadDiff(bytes.NewReader(data))
	assert.Error(t, err, "payload checksum mismatch must be detected")
}

func TestInterruptedApplyLeavesChainUntouched(t *testing.T) {
	source, snapshots := sourceWithHistory(t)

	sink := NewMemoryDataset("data")

	s0 := snapshots[0]
	s0.ParentId = ""
	applyDiff(t, source, sink, "", s0, CompressionLZ4)

	applied, found := sink.LatestApplied()
	require.True(t, found)
	require.Equal(t, snapshots[0].Id, applied.Id)

	// A diff whose content does not match the announced snapshot
	// checksum must not be applied at all.
	changes, err := source.Changes(snapshots[0].Id, snapshots[1].Id)
	require.NoError(t, err)

	corrupt := snapshots[1]
	corrupt.Checksum = Checksum{0xde, 0xad}

	err = sink.Apply(corrupt, changes)
	require.Error(t, err)

	applied, found = sink.LatestApplied()
	require.True(t, found)
	assert.Equal(t, snapshots[0].Id, applied.Id,
		"the applied chain must stay at the last good snapshot")

	value, found := sink.Get("k1")
	require.True(t, found)
	assert.Equal(t, []byte("v1"), value,
		"no partial change may be observable")
	_, found = sink.Get("k3")
	assert.False(t, found)
}

func TestApplyParentMismatchIsRejected(t *testing.T) {
	source, snapshots := sourceWithHistory(t)

	sink := NewMemoryDataset("data")

	// Applying s1 without having applied s0 first must fail.
	changes, err := source.Changes(snapshots[0].Id, snapshots[1].Id)
	require.NoError(t, err)

	err = sink.Apply(snapshots[1], changes)
	assert.Error(t, err)

	_, found := sink.LatestApplied()
	assert.False(t, found)
}

func TestDatasetOwnerGate(t *testing.T) {
	owner := true

	dataset := NewMemoryDataset("data")
	dataset.SetOwnerCheck(func() bool { return owner })

	require.NoError(t, dataset.Put("k", []byte("v")))

	owner = false

	assert.Error(t, dataset.Put("k", []byte("v2")))
	assert.Error(t, dataset.Delete("k"))

	value, found := dataset.Get("k")
	require.True(t, found)
	assert.Equal(t, []byte("v"), value)
}
