package replication

import (
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

type SnapshotId string

// Checksum is a 32-byte BLAKE3 digest of a snapshot's content,
// computed on the deterministic encoding of the dataset state so that
// source and target agree byte for byte.
type Checksum [32]byte

func (c Checksum) String() string {
	return hex.EncodeToString(c[:])
}

func (c Checksum) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Checksum) UnmarshalText(data []byte) error {
	if hex.DecodedLen(len(data)) != len(c) {
		return fmt.Errorf("invalid checksum length")
	}

	_, err := hex.Decode(c[:], data)
	return err
}

// Snapshot identifies one state of a dataset. Snapshots form a single
// parent chain per dataset; the first snapshot has an empty parent id.
type Snapshot struct {
	Id        SnapshotId `json:"id"`
	CreatedAt time.Time  `json:"createdAt"`
	ParentId  SnapshotId `json:"parentId,omitempty"`
	Checksum  Checksum   `json:"checksum"`
	Size      int64      `json:"size"`
}

func (s Snapshot) String() string {
	return fmt.Sprintf("Snapshot{%s, parent: %q}", s.Id, s.ParentId)
}

type JobStatus string

const (
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
)

// Job records one replication cycle: the diff from the last snapshot
// the peer acknowledged to a freshly created one.
type Job struct {
	Id               string     `json:"id"`
	SourceSnapshotId SnapshotId `json:"sourceSnapshotId"`
	TargetSnapshotId SnapshotId `json:"targetSnapshotId"`
	Status           JobStatus  `json:"status"`
	BytesTransferred int64      `json:"bytesTransferred"`
	StartedAt        time.Time  `json:"startedAt"`
	EndedAt          *time.Time `json:"endedAt,omitempty"`
	Error            string     `json:"error,omitempty"`
}

// Chain is the ordered single-parent sequence of snapshots of one
// dataset. Pinned snapshots are diff bases of outstanding work and
// survive pruning, as does the most recent snapshot.
type Chain struct {
	snapshots []Snapshot
	pins      map[SnapshotId]int

	mu sync.Mutex
}

func NewChain() *Chain {
	return &Chain{
		pins: make(map[SnapshotId]int),
	}
}

func (c *Chain) Append(snapshot Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var parentId SnapshotId
	if nb := len(c.snapshots); nb > 0 {
		parentId = c.snapshots[nb-1].Id
	}

	if snapshot.ParentId != parentId {
		return fmt.Errorf("snapshot parent %q does not match chain head %q",
			snapshot.ParentId, parentId)
	}

	c.snapshots = append(c.snapshots, snapshot)
	return nil
}

func (c *Chain) Latest() (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.snapshots) == 0 {
		return Snapshot{}, false
	}

	return c.snapshots[len(c.snapshots)-1], true
}

func (c *Chain) Get(id SnapshotId) (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, snapshot := range c.snapshots {
		if snapshot.Id == id {
			return snapshot, true
		}
	}

	return Snapshot{}, false
}

func (c *Chain) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.snapshots)
}

func (c *Chain) Snapshots() []Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snapshots := make([]Snapshot, len(c.snapshots))
	copy(snapshots, c.snapshots)

	return snapshots
}

// Pin marks a snapshot as the base of an outstanding diff so that
// pruning cannot remove it. Pins nest.
func (c *Chain) Pin(id SnapshotId) {
	if id == "" {
		return
	}

	c.mu.Lock()
	c.pins[id]++
	c.mu.Unlock()
}

func (c *Chain) Unpin(id SnapshotId) {
	if id == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pins[id] <= 1 {
		delete(c.pins, id)
	} else {
		c.pins[id]--
	}
}

// Prune removes the oldest snapshots beyond the retention count and
// returns them. The latest snapshot and pinned snapshots are kept no
// matter what.
func (c *Chain) Prune(retention int) []Snapshot {
	if retention < 1 {
		retention = 1
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	excess := len(c.snapshots) - retention
	if excess <= 0 {
		return nil
	}

	var removed []Snapshot
	kept := make([]Snapshot, 0, len(c.snapshots))

	for i, snapshot := range c.snapshots {
		prunable := len(removed) < excess &&
			i < len(c.snapshots)-1 &&
			c.pins[snapshot.Id] == 0

		if prunable {
			removed = append(removed, snapshot)
		} else {
			kept = append(kept, snapshot)
		}
	}

	c.snapshots = kept
	return removed
}
