package failover

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// AddressBinder binds and releases the shared virtual address. Both
// operations must be idempotent.
type AddressBinder interface {
	Bind(ctx context.Context, address VirtualAddress) error
	Release(ctx context.Context, address VirtualAddress) error
}

// Action is a named idempotent side effect run on role changes. Start
// is invoked when the node becomes master, Stop when it stops being
// master. How actions are actually carried out is not the executor's
// concern.
type Action interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type ExecutorCfg struct {
	Logger Logger

	Address VirtualAddress
	Binder  AddressBinder

	Actions []Action

	EventLog *EventLog

	ActionTimeout time.Duration
}

// Executor translates transition events into side effects: binding or
// releasing the virtual address and running the configured actions.
// Events are processed one at a time, in order, and an event already
// fully processed is ignored on redelivery.
type Executor struct {
	Cfg ExecutorCfg
	Log Logger

	processed    map[string]struct{}
	processedIds []string

	mu sync.Mutex
	wg sync.WaitGroup
}

func NewExecutor(cfg ExecutorCfg) (*Executor, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("missing logger")
	}

	if cfg.Binder == nil {
		return nil, fmt.Errorf("missing address binder")
	}

	if cfg.ActionTimeout == 0 {
		cfg.ActionTimeout = 30 * time.Second
	}

	e := &Executor{
		Cfg: cfg,
		Log: cfg.Logger,

		processed: make(map[string]struct{}),
	}

	return e, nil
}

// Start consumes events until the channel is closed.
func (e *Executor) Start(events <-chan TransitionEvent) {
	e.wg.Add(1)

	go func() {
		defer e.wg.Done()

		defer func() {
			if value := recover(); value != nil {
				msg := RecoverValueString(value)
				trace := StackTrace(10)
				e.Log.Error("panic: %s\n%s", msg, trace)
			}
		}()

		for ev := range events {
			e.Process(ev)
		}
	}()
}

func (e *Executor) Wait() {
	e.wg.Wait()
}

// Process applies the side effects for a single event. It is exported
// so that redeliveries from an external source go through the same
// deduplication.
func (e *Executor) Process(ev TransitionEvent) {
	if e.alreadyProcessed(ev.Id) {
		e.Log.Debug(1, "ignoring already processed event %v", ev)
		return
	}

	e.Log.Info("processing %v", ev)

	var failures []string

	switch ev.NewRole {
	case RoleMaster:
		failures = e.promote()
	case RoleBackup, RoleFault:
		failures = e.demote()
	default:
		Panicf("unexpected role %q", ev.NewRole)
	}

	for _, failure := range failures {
		e.Log.Error("%s", failure)
	}

	if e.Cfg.EventLog != nil {
		e.Cfg.EventLog.AttachFailures(ev.Id, failures)
	}

	e.markProcessed(ev.Id)
}

func (e *Executor) alreadyProcessed(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, found := e.processed[id]
	return found
}

// markProcessed records an event id, keeping only the most recent
// ones so redeliveries of old events cannot grow the set forever.
func (e *Executor) markProcessed(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.processed[id] = struct{}{}
	e.processedIds = append(e.processedIds, id)

	if len(e.processedIds) > 100 {
		delete(e.processed, e.processedIds[0])
		e.processedIds = e.processedIds[1:]
	}
}

// promote binds the virtual address then runs the start actions in
// order. A failing action is recorded and skipped; the remaining
// actions still run.
func (e *Executor) promote() []string {
	var failures []string

	if err := e.bind(); err != nil {
		failures = append(failures,
			fmt.Sprintf("cannot bind address %q: %v", e.Cfg.Address, err))
	}

	for _, action := range e.Cfg.Actions {
		if err := e.runAction(action, action.Start); err != nil {
			failures = append(failures,
				fmt.Sprintf("cannot start %q: %v", action.Name(), err))
		}
	}

	return failures
}

// demote runs the stop actions then releases the virtual address. Both
// sides are idempotent so the ordering only matters for log clarity.
func (e *Executor) demote() []string {
	var failures []string

	for _, action := range e.Cfg.Actions {
		if err := e.runAction(action, action.Stop); err != nil {
			failures = append(failures,
				fmt.Sprintf("cannot stop %q: %v", action.Name(), err))
		}
	}

	if err := e.release(); err != nil {
		failures = append(failures,
			fmt.Sprintf("cannot release address %q: %v", e.Cfg.Address, err))
	}

	return failures
}

func (e *Executor) bind() error {
	ctx, cancel := e.actionContext()
	defer cancel()

	return e.Cfg.Binder.Bind(ctx, e.Cfg.Address)
}

func (e *Executor) release() error {
	ctx, cancel := e.actionContext()
	defer cancel()

	return e.Cfg.Binder.Release(ctx, e.Cfg.Address)
}

func (e *Executor) runAction(action Action, fn func(context.Context) error) error {
	ctx, cancel := e.actionContext()
	defer cancel()

	e.Log.Debug(1, "running action %q", action.Name())

	return fn(ctx)
}

func (e *Executor) actionContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), e.Cfg.ActionTimeout)
}
