package failover

import (
	"fmt"
	"net/http"
	"sync"
	"time"
)

type ControllerCfg struct {
	Id    NodeId
	Nodes NodeSet

	Priority      Priority
	HealthPenalty Priority

	Logger Logger

	Monitor *Monitor

	Metrics *Metrics

	AdvertisementInterval time.Duration
	MasterDownInterval    time.Duration
}

// Controller runs the advertisement protocol deciding which node
// currently owns the shared service address. The role is mutated by the
// controller goroutine only; other components observe it through
// accessors.
type Controller struct {
	Cfg ControllerCfg
	Log Logger

	Id            NodeId
	LocalAddress  NodeAddress
	PublicAddress NodeAddress

	role    Role
	healthy bool

	sequence     Sequence
	lastReceived map[NodeId]Sequence

	lastAdvertisementAt time.Time

	events    *EventLog
	eventChan chan TransitionEvent

	advertisementTicker *time.Ticker
	masterDownTimer     *time.Timer

	httpServer *http.Server
	httpClient *http.Client

	statusSource StatusSource

	msgChan chan IncomingMsg

	errorChan chan<- error
	stopChan  chan struct{}
	wg        sync.WaitGroup

	mu sync.RWMutex
}

func NewController(cfg ControllerCfg) (*Controller, error) {
	if cfg.Id == "" {
		return nil, fmt.Errorf("missing or empty node id")
	}

	ndata, found := cfg.Nodes[cfg.Id]
	if !found {
		return nil, fmt.Errorf("unknown node id %q", cfg.Id)
	}

	if cfg.Logger == nil {
		return nil, fmt.Errorf("missing logger")
	}

	if cfg.HealthPenalty == 0 {
		cfg.HealthPenalty = 1000
	}

	if cfg.AdvertisementInterval == 0 {
		cfg.AdvertisementInterval = time.Second
	}

	if cfg.MasterDownInterval == 0 {
		// Three missed advertisements plus a small skew term, so that
		// two nodes starting simultaneously do not expire in lockstep.
		interval := cfg.AdvertisementInterval
		cfg.MasterDownInterval = 3*interval + interval/4
	}

	c := &Controller{
		Cfg: cfg,
		Log: cfg.Logger,

		Id:            cfg.Id,
		LocalAddress:  ndata.LocalAddress,
		PublicAddress: ndata.PublicAddress,

		role:    RoleInit,
		healthy: true,

		lastReceived: make(map[NodeId]Sequence),

		events:    NewEventLog(),
		eventChan: make(chan TransitionEvent, 64),

		msgChan: make(chan IncomingMsg),

		stopChan: make(chan struct{}),
	}

	return c, nil
}

func (c *Controller) Start(errorChan chan<- error) error {
	c.Log.Debug(1, "starting")

	c.errorChan = errorChan

	if err := c.startHTTPServer(); err != nil {
		return fmt.Errorf("cannot start http server: %w", err)
	}

	c.httpClient = newHTTPClient()

	// A node always starts as non-owner, whatever it was before.
	c.transition(RoleBackup, ConditionStartup)

	c.advertisementTicker = time.NewTicker(c.Cfg.AdvertisementInterval)
	c.setupMasterDownTimer()

	c.wg.Add(1)
	go c.main()

	c.Log.Debug(1, "started")

	return nil
}

func (c *Controller) Stop() {
	c.Log.Debug(1, "stopping")

	close(c.stopChan)
	c.wg.Wait()

	c.Log.Debug(1, "stopped")
}

// Events is the channel on which role changes are published for the
// transition executor.
func (c *Controller) Events() <-chan TransitionEvent {
	return c.eventChan
}

func (c *Controller) EventLog() *EventLog {
	return c.events
}

func (c *Controller) Role() Role {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.role
}

func (c *Controller) IsMaster() bool {
	return c.Role() == RoleMaster
}

// TimeSinceLastAdvertisement returns the time elapsed since the last
// advertisement received from any peer, and false if none was ever
// received.
func (c *Controller) TimeSinceLastAdvertisement() (time.Duration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.lastAdvertisementAt.IsZero() {
		return 0, false
	}

	return time.Since(c.lastAdvertisementAt), true
}

// EffectivePriority is the configured priority minus the health penalty
// while the local service is down. The penalty guarantees an unhealthy
// node loses any contest but keeps the value comparable for logging.
func (c *Controller) EffectivePriority() Priority {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.effectivePriority()
}

func (c *Controller) effectivePriority() Priority {
	if c.healthy {
		return c.Cfg.Priority
	}

	return c.Cfg.Priority - c.Cfg.HealthPenalty
}

func (c *Controller) main() {
	defer c.wg.Done()

	defer func() {
		if value := recover(); value != nil {
			msg := RecoverValueString(value)
			trace := StackTrace(10)
			c.Log.Error("panic: %s\n%s", msg, trace)

			c.errorChan <- fmt.Errorf("panic: %s", msg)
			c.shutdown()
		}
	}()

	for {
		select {
		case <-c.stopChan:
			c.shutdown()
			return

		case <-c.advertisementTicker.C:
			c.onAdvertisementTicker()

		case <-c.masterDownTimer.C:
			c.onMasterDownTimer()

		case incomingMsg := <-c.msgChan:
			c.onMsg(incomingMsg.SourceId, incomingMsg.Msg)
		}
	}
}

func (c *Controller) shutdown() {
	c.Log.Debug(1, "shutting down")

	c.advertisementTicker.Stop()
	c.masterDownTimer.Stop()

	c.stopHTTPServer()

	close(c.msgChan)
	close(c.eventChan)
}

func (c *Controller) onAdvertisementTicker() {
	c.observeHealth()
	c.sendAdvertisement()
}

// observeHealth compares the health monitor state with the last
// observed one and applies the self-eviction and recovery rules.
func (c *Controller) observeHealth() {
	healthy := true
	if c.Cfg.Monitor != nil {
		healthy = c.Cfg.Monitor.Healthy()
	}

	c.mu.Lock()
	changed := healthy != c.healthy
	c.healthy = healthy
	c.mu.Unlock()

	if !changed {
		return
	}

	if c.Cfg.Metrics != nil {
		c.Cfg.Metrics.SetHealthy(healthy)
	}

	switch {
	case !healthy && c.role == RoleMaster:
		// Self-eviction: stop advertising as master so that a healthy
		// peer can claim ownership.
		c.Log.Info("local service down, evicting ourselves from mastership")
		c.transition(RoleFault, ConditionSelfEviction)

	case healthy && c.role == RoleFault:
		c.Log.Info("local service recovered")
		c.transition(RoleBackup, ConditionRecovery)
		c.setupMasterDownTimer()
	}
}

func (c *Controller) sendAdvertisement() {
	c.sequence++

	adv := Advertisement{
		NodeId:   c.Id,
		Priority: c.EffectivePriority(),
		Role:     c.Role(),
		Sequence: c.sequence,
	}

	c.broadcastMsg(&adv)

	if c.Cfg.Metrics != nil {
		c.Cfg.Metrics.AdvertisementSent()
	}
}

func (c *Controller) onMasterDownTimer() {
	if c.Role() != RoleBackup {
		// A replaced timer can fire after a role change; there is
		// nothing to do.
		return
	}

	if !c.healthyNow() {
		c.Log.Debug(1, "master down but local service unhealthy, "+
			"not claiming ownership")
		c.setupMasterDownTimer()
		return
	}

	c.Log.Info("no suppressing advertisement for %v, claiming ownership",
		c.Cfg.MasterDownInterval)

	c.transition(RoleMaster, ConditionTimeout)

	// Assert ownership immediately instead of waiting for the next
	// ticker activation.
	c.sendAdvertisement()
	c.advertisementTicker.Reset(c.Cfg.AdvertisementInterval)
}

func (c *Controller) onMsg(sourceId NodeId, msg Msg) {
	c.Log.Debug(2, "received %v from %s", msg, sourceId)

	switch msgv := msg.(type) {
	case *Advertisement:
		c.onAdvertisement(sourceId, msgv)
	default:
		c.Log.Error("unexpected message %v from %s", msg, sourceId)
	}
}

func (c *Controller) onAdvertisement(sourceId NodeId, adv *Advertisement) {
	if adv.NodeId != sourceId {
		c.Log.Error("advertisement node id %q does not match source id %q",
			adv.NodeId, sourceId)
		return
	}

	if last, found := c.lastReceived[sourceId]; found {
		if adv.Sequence <= last {
			c.Log.Debug(1, "ignoring stale advertisement %v "+
				"(last sequence: %d)", adv, last)
			return
		}
	}
	c.lastReceived[sourceId] = adv.Sequence

	if c.Cfg.Metrics != nil {
		c.Cfg.Metrics.AdvertisementReceived()
	}

	switch c.Role() {
	case RoleBackup, RoleFault:
		if c.suppresses(adv) {
			c.mu.Lock()
			c.lastAdvertisementAt = time.Now()
			c.mu.Unlock()

			if c.Role() == RoleBackup {
				c.setupMasterDownTimer()
			}
		}

	case RoleMaster:
		if adv.Role != RoleMaster {
			return
		}

		// Another master: either we lose the contest and yield, or we
		// keep ownership and flag the situation. There is no witness
		// to arbitrate a partition, so this can only be logged.
		if c.losesContest(adv) {
			c.Log.Info("yielding ownership to %s (priority %d, ours %d)",
				adv.NodeId, adv.Priority, c.EffectivePriority())

			c.transition(RoleBackup, ConditionYield)
			c.setupMasterDownTimer()
		} else {
			c.Log.Error("split-brain risk: node %s also advertises as "+
				"master (priority %d, ours %d); manual intervention "+
				"required", adv.NodeId, adv.Priority, c.EffectivePriority())

			if c.Cfg.Metrics != nil {
				c.Cfg.Metrics.SplitBrainObserved()
			}
		}
	}
}

// suppresses indicates whether an advertisement resets the master-down
// timer. Any master does, whatever its priority: a node that has taken
// over is never preempted by a recovered higher-priority peer (anti
// flap). Otherwise higher priority wins, with the lowest node id
// breaking ties.
func (c *Controller) suppresses(adv *Advertisement) bool {
	if adv.Role == RoleMaster {
		return true
	}

	priority := c.EffectivePriority()

	if adv.Priority != priority {
		return adv.Priority > priority
	}

	return adv.NodeId < c.Id
}

// losesContest indicates whether a master must yield to another
// advertised master: strictly higher effective priority wins, equal
// priorities go to the lowest node id.
func (c *Controller) losesContest(adv *Advertisement) bool {
	priority := c.EffectivePriority()

	if adv.Priority != priority {
		return adv.Priority > priority
	}

	return adv.NodeId < c.Id
}

func (c *Controller) healthyNow() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.healthy
}

func (c *Controller) transition(newRole Role, condition Condition) {
	c.mu.Lock()
	previousRole := c.role
	c.role = newRole
	c.mu.Unlock()

	if previousRole == newRole {
		return
	}

	ev := NewTransitionEvent(previousRole, newRole, condition)

	c.Log.Info("transition %s -> %s (%s)", previousRole, newRole, condition)

	c.events.Append(ev)

	if c.Cfg.Metrics != nil {
		c.Cfg.Metrics.SetRole(newRole)
		c.Cfg.Metrics.Transition(condition)
	}

	select {
	case c.eventChan <- ev:
	default:
		// The executor has fallen behind. Drop the oldest pending
		// event rather than the new one: the most recent role change
		// is the one that must reach the executor for the address to
		// end up on the right node.
		select {
		case dropped := <-c.eventChan:
			c.Log.Error("event channel full, dropping %v", dropped)
		default:
		}

		select {
		case c.eventChan <- ev:
		default:
		}
	}
}

func (c *Controller) setupMasterDownTimer() {
	if c.masterDownTimer != nil {
		c.masterDownTimer.Stop()
	}

	c.masterDownTimer = time.NewTimer(c.Cfg.MasterDownInterval)
}
