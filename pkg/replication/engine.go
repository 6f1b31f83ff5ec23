package replication

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Transport carries an encoded diff to the peer. Send returns once the
// peer has applied the diff and acknowledged it, or with the reason it
// could not.
type Transport interface {
	Send(ctx context.Context, diff []byte) error
}

type EngineCfg struct {
	Logger Logger

	Source    Source
	Chain     *Chain
	Transport Transport

	// OwnerCheck gates replication cycles: only the current owner of
	// the service address pushes data. A nil check always allows.
	OwnerCheck func() bool

	Metrics *Metrics

	Interval    time.Duration
	Retention   int
	Compression CompressionTag
	SendTimeout time.Duration
}

// Engine drives the incremental replication pipeline: every interval,
// snapshot the dataset, diff it against the last snapshot the peer
// acknowledged and stream the diff. It performs blocking I/O and runs
// on its own goroutines, isolated from the advertisement path.
type Engine struct {
	Cfg EngineCfg
	Log Logger

	// runLock is the per-dataset mutual exclusion: a cycle scheduled
	// while another is in flight is skipped, not queued.
	runLock sync.Mutex

	lastAcked SnapshotId

	jobs []Job

	mu sync.RWMutex

	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewEngine(cfg EngineCfg) (*Engine, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("missing logger")
	}

	if cfg.Source == nil {
		return nil, fmt.Errorf("missing source")
	}

	if cfg.Transport == nil {
		return nil, fmt.Errorf("missing transport")
	}

	if cfg.Interval == 0 {
		cfg.Interval = 30 * time.Second
	}

	if cfg.Retention == 0 {
		cfg.Retention = 10
	}

	if cfg.SendTimeout == 0 {
		cfg.SendTimeout = 5 * time.Minute
	}

	e := &Engine{
		Cfg: cfg,
		Log: cfg.Logger,

		stopChan: make(chan struct{}),
	}

	return e, nil
}

func (e *Engine) Start() {
	e.wg.Add(1)
	go e.main()
}

func (e *Engine) Stop() {
	close(e.stopChan)
	e.wg.Wait()
}

func (e *Engine) main() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.Cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChan:
			return

		case <-ticker.C:
			// Cycles run on their own goroutine so that a stalled
			// transfer never blocks the scheduler; the run lock skips
			// the overlap.
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				e.RunCycle()
			}()
		}
	}
}

// RunCycle performs one replication cycle. It returns immediately if
// the node is not the owner or if a previous cycle is still running.
func (e *Engine) RunCycle() {
	defer func() {
		if value := recover(); value != nil {
			e.Log.Error("panic: %v", value)
		}
	}()

	if e.Cfg.OwnerCheck != nil && !e.Cfg.OwnerCheck() {
		e.Log.Debug(2, "not the owner, skipping replication cycle")
		return
	}

	if !e.runLock.TryLock() {
		e.Log.Debug(1, "previous replication cycle still running, "+
			"skipping this one")

		if e.Cfg.Metrics != nil {
			e.Cfg.Metrics.CycleSkipped()
		}

		return
	}
	defer e.runLock.Unlock()

	e.cycle()
}

func (e *Engine) cycle() {
	base := e.LastAcknowledged()

	snapshot, err := e.Cfg.Source.Snapshot()
	if err != nil {
		e.Log.Error("cannot create snapshot: %v", err)
		return
	}

	// Neither the diff base nor the new snapshot may be pruned while
	// the job is in flight.
	if e.Cfg.Chain != nil {
		e.Cfg.Chain.Pin(base)
		e.Cfg.Chain.Pin(snapshot.Id)

		defer e.Cfg.Chain.Unpin(base)
		defer e.Cfg.Chain.Unpin(snapshot.Id)
	}

	// Retention applies whether or not the transfer succeeds: an
	// unreachable peer must not make the source accumulate snapshots
	// and state copies for the whole outage.
	defer e.Cfg.Source.Prune(e.Cfg.Retention)

	job := Job{
		Id:               uuid.NewString(),
		SourceSnapshotId: base,
		TargetSnapshotId: snapshot.Id,
		Status:           JobStatusRunning,
		StartedAt:        time.Now().UTC(),
	}
	e.recordJob(job)

	changes, err := e.Cfg.Source.Changes(base, snapshot.Id)
	if err != nil {
		e.finishJob(job, 0, fmt.Errorf("cannot compute changes: %w", err))
		return
	}

	// The wire snapshot describes the diff lineage, not the local
	// chain: its parent is the last snapshot the peer acknowledged,
	// which after a failed cycle differs from the chain head's parent.
	wireSnapshot := snapshot
	wireSnapshot.ParentId = base

	var buf bytes.Buffer
	nbBytes, err := WriteDiff(&buf, wireSnapshot, changes, e.Cfg.Compression)
	if err != nil {
		e.finishJob(job, 0, fmt.Errorf("cannot encode diff: %w", err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(),
		e.Cfg.SendTimeout)
	defer cancel()

	if err := e.Cfg.Transport.Send(ctx, buf.Bytes()); err != nil {
		// Nothing to clean up: the next cycle recomputes a diff from
		// the same base.
		e.finishJob(job, nbBytes, fmt.Errorf("cannot send diff: %w", err))
		return
	}

	e.finishJob(job, nbBytes, nil)

	e.advanceAcknowledged(snapshot.Id)

	e.Log.Debug(1, "replicated %s (%d bytes)", snapshot, nbBytes)
}

// advanceAcknowledged moves the acknowledged base forward. The new
// base stays pinned between cycles so pruning cannot remove the
// snapshot the next diff will be computed from.
func (e *Engine) advanceAcknowledged(id SnapshotId) {
	e.mu.Lock()
	previous := e.lastAcked
	e.lastAcked = id
	e.mu.Unlock()

	if e.Cfg.Chain != nil {
		e.Cfg.Chain.Pin(id)
		e.Cfg.Chain.Unpin(previous)
	}
}

// LastAcknowledged returns the id of the last snapshot the peer
// applied, or an empty id if no transfer ever succeeded.
func (e *Engine) LastAcknowledged() SnapshotId {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.lastAcked
}

// Jobs returns the recorded job history, most recent last.
func (e *Engine) Jobs() []Job {
	e.mu.RLock()
	defer e.mu.RUnlock()

	jobs := make([]Job, len(e.jobs))
	copy(jobs, e.jobs)

	return jobs
}

func (e *Engine) recordJob(job Job) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.jobs = append(e.jobs, job)

	if len(e.jobs) > 100 {
		e.jobs = e.jobs[len(e.jobs)-100:]
	}
}

func (e *Engine) finishJob(job Job, nbBytes int64, err error) {
	now := time.Now().UTC()

	job.BytesTransferred = nbBytes
	job.EndedAt = &now

	if err == nil {
		job.Status = JobStatusSucceeded
	} else {
		job.Status = JobStatusFailed
		job.Error = err.Error()

		e.Log.Error("replication job %s failed: %v", job.Id, err)
	}

	e.mu.Lock()
	for i := len(e.jobs) - 1; i >= 0; i-- {
		if e.jobs[i].Id == job.Id {
			e.jobs[i] = job
			break
		}
	}
	e.mu.Unlock()

	if e.Cfg.Metrics != nil {
		e.Cfg.Metrics.JobFinished(job.Status, nbBytes)
	}
}
