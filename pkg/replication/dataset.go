package replication

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

// Source produces snapshots of a dataset and the changes between two
// snapshots it still holds.
type Source interface {
	Snapshot() (Snapshot, error)
	Changes(parentId, id SnapshotId) (Changes, error)
	Prune(retention int)
}

// Sink applies an incoming diff atomically: either the whole diff is
// applied and the applied chain advances by one snapshot, or nothing
// changes.
type Sink interface {
	Apply(snapshot Snapshot, changes Changes) error
	LatestApplied() (Snapshot, bool)
}

// MemoryDataset is a key/value dataset kept in memory, usable as both
// replication source and sink. Writes go through the owner check so a
// demoted node refuses them immediately.
type MemoryDataset struct {
	name string

	entries map[string][]byte
	states  map[SnapshotId]map[string][]byte
	chain   *Chain

	ownerCheck func() bool

	applied    Snapshot
	hasApplied bool

	stateStore *StateStore

	mu sync.RWMutex
}

func NewMemoryDataset(name string) *MemoryDataset {
	return &MemoryDataset{
		name: name,

		entries: make(map[string][]byte),
		states:  make(map[SnapshotId]map[string][]byte),
		chain:   NewChain(),
	}
}

// SetOwnerCheck installs the write gate. A nil check accepts all
// writes.
func (d *MemoryDataset) SetOwnerCheck(check func() bool) {
	d.mu.Lock()
	d.ownerCheck = check
	d.mu.Unlock()
}

// SetStateStore makes the dataset persist its state after each
// successful apply and restores any previously persisted state.
func (d *MemoryDataset) SetStateStore(store *StateStore) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stateStore = store

	state, found, err := store.Read()
	if err != nil {
		return fmt.Errorf("cannot read dataset state: %w", err)
	}

	if found {
		d.entries = state.Entries
		if d.entries == nil {
			d.entries = make(map[string][]byte)
		}

		d.applied = state.Snapshot
		d.hasApplied = true
	}

	return nil
}

func (d *MemoryDataset) Name() string {
	return d.name
}

func (d *MemoryDataset) Chain() *Chain {
	return d.chain
}

func (d *MemoryDataset) Get(key string) ([]byte, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	value, found := d.entries[key]
	return value, found
}

func (d *MemoryDataset) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return len(d.entries)
}

func (d *MemoryDataset) Put(key string, value []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.checkOwner(); err != nil {
		return err
	}

	d.entries[key] = value
	return nil
}

func (d *MemoryDataset) Delete(key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.checkOwner(); err != nil {
		return err
	}

	delete(d.entries, key)
	return nil
}

func (d *MemoryDataset) checkOwner() error {
	if d.ownerCheck != nil && !d.ownerCheck() {
		return fmt.Errorf("dataset %q is not writable on a non-owner node",
			d.name)
	}

	return nil
}

// Snapshot captures the current state, appends it to the chain and
// retains the state copy for later diff computation.
func (d *MemoryDataset) Snapshot() (Snapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	state := copyState(d.entries)

	var parentId SnapshotId
	if latest, found := d.chain.Latest(); found {
		parentId = latest.Id
	}

	checksum, size, err := stateChecksum(state)
	if err != nil {
		return Snapshot{}, fmt.Errorf("cannot compute checksum: %w", err)
	}

	snapshot := Snapshot{
		Id:        SnapshotId(uuid.NewString()),
		CreatedAt: time.Now().UTC(),
		ParentId:  parentId,
		Checksum:  checksum,
		Size:      size,
	}

	if err := d.chain.Append(snapshot); err != nil {
		return Snapshot{}, err
	}

	d.states[snapshot.Id] = state

	return snapshot, nil
}

// Changes computes the diff between two retained snapshots. An empty
// parent id yields a full transfer.
func (d *MemoryDataset) Changes(parentId, id SnapshotId) (Changes, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	state, found := d.states[id]
	if !found {
		return Changes{}, fmt.Errorf("unknown snapshot %q", id)
	}

	var parentState map[string][]byte
	if parentId != "" {
		parentState, found = d.states[parentId]
		if !found {
			return Changes{}, fmt.Errorf("unknown parent snapshot %q",
				parentId)
		}
	}

	changes := Changes{
		Put: make(map[string][]byte),
	}

	for key, value := range state {
		parentValue, found := parentState[key]
		if !found || string(parentValue) != string(value) {
			changes.Put[key] = value
		}
	}

	for key := range parentState {
		if _, found := state[key]; !found {
			changes.Delete = append(changes.Delete, key)
		}
	}

	return changes, nil
}

func (d *MemoryDataset) Prune(retention int) {
	for _, snapshot := range d.chain.Prune(retention) {
		d.mu.Lock()
		delete(d.states, snapshot.Id)
		d.mu.Unlock()
	}
}

// Apply installs an incoming diff on top of the latest applied
// snapshot. The next state is built aside and swapped in only once the
// checksum matches: an interrupted or corrupt transfer leaves the
// dataset untouched.
func (d *MemoryDataset) Apply(snapshot Snapshot, changes Changes) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var appliedId SnapshotId
	if d.hasApplied {
		appliedId = d.applied.Id
	}

	if snapshot.ParentId != appliedId {
		return fmt.Errorf("diff parent %q does not match latest applied "+
			"snapshot %q", snapshot.ParentId, appliedId)
	}

	var next map[string][]byte
	if snapshot.ParentId == "" {
		next = make(map[string][]byte)
	} else {
		next = copyState(d.entries)
	}

	for key, value := range changes.Put {
		next[key] = value
	}

	for _, key := range changes.Delete {
		delete(next, key)
	}

	checksum, _, err := stateChecksum(next)
	if err != nil {
		return fmt.Errorf("cannot compute checksum: %w", err)
	}

	if checksum != snapshot.Checksum {
		return fmt.Errorf("content checksum mismatch for snapshot %q",
			snapshot.Id)
	}

	if d.stateStore != nil {
		state := DatasetState{
			Snapshot: snapshot,
			Entries:  next,
		}

		if err := d.stateStore.Write(state); err != nil {
			return fmt.Errorf("cannot persist dataset state: %w", err)
		}
	}

	d.entries = next
	d.applied = snapshot
	d.hasApplied = true

	return nil
}

func (d *MemoryDataset) LatestApplied() (Snapshot, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.applied, d.hasApplied
}

func copyState(state map[string][]byte) map[string][]byte {
	cp := make(map[string][]byte, len(state))
	for key, value := range state {
		cp[key] = value
	}

	return cp
}

// stateChecksum hashes the deterministic encoding of a state and
// returns its total size in bytes.
func stateChecksum(state map[string][]byte) (Checksum, int64, error) {
	data, err := cborMarshal(state)
	if err != nil {
		return Checksum{}, 0, err
	}

	var size int64
	for key, value := range state {
		size += int64(len(key) + len(value))
	}

	return blake3.Sum256(data), size, nil
}
