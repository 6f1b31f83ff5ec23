package failover

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Prober is the externally supplied liveness check. The monitor does
// not know how the check is implemented.
type Prober interface {
	Probe(ctx context.Context) error
}

type ProberFunc func(ctx context.Context) error

func (f ProberFunc) Probe(ctx context.Context) error {
	return f(ctx)
}

type MonitorCfg struct {
	Prober Prober

	Logger Logger

	CheckInterval time.Duration
	Fall          int
	Rise          int
}

// Monitor runs the configured probe every check interval and tracks
// consecutive pass/fail streaks. Health only changes after Fall
// consecutive failures or Rise consecutive successes, which keeps a
// single transient result from flapping roles.
type Monitor struct {
	Cfg MonitorCfg
	Log Logger

	healthy      bool
	nbFailures   int
	nbSuccesses  int
	lastProbedAt time.Time

	mu sync.RWMutex

	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewMonitor(cfg MonitorCfg) (*Monitor, error) {
	if cfg.Prober == nil {
		return nil, fmt.Errorf("missing prober")
	}

	if cfg.Logger == nil {
		return nil, fmt.Errorf("missing logger")
	}

	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 5 * time.Second
	}

	if cfg.Fall == 0 {
		cfg.Fall = 3
	}

	if cfg.Rise == 0 {
		cfg.Rise = 2
	}

	m := &Monitor{
		Cfg: cfg,
		Log: cfg.Logger,

		healthy: true,

		stopChan: make(chan struct{}),
	}

	return m, nil
}

func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.main()
}

func (m *Monitor) Stop() {
	close(m.stopChan)
	m.wg.Wait()
}

func (m *Monitor) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.healthy
}

// Streaks returns the current consecutive failure and success counts.
func (m *Monitor) Streaks() (nbFailures, nbSuccesses int) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.nbFailures, m.nbSuccesses
}

func (m *Monitor) LastProbeTime() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.lastProbedAt
}

func (m *Monitor) main() {
	defer m.wg.Done()

	defer func() {
		if value := recover(); value != nil {
			msg := RecoverValueString(value)
			trace := StackTrace(10)
			m.Log.Error("panic: %s\n%s", msg, trace)
		}
	}()

	m.probe()

	ticker := time.NewTicker(m.Cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return

		case <-ticker.C:
			m.probe()
		}
	}
}

func (m *Monitor) probe() {
	ctx, cancel := context.WithTimeout(context.Background(),
		m.Cfg.CheckInterval)
	defer cancel()

	err := m.Cfg.Prober.Probe(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastProbedAt = time.Now()

	if err != nil {
		m.nbFailures++
		m.nbSuccesses = 0

		m.Log.Debug(1, "probe failed (%d consecutive): %v", m.nbFailures, err)

		if m.healthy && m.nbFailures >= m.Cfg.Fall {
			m.Log.Info("service down after %d consecutive probe failures",
				m.nbFailures)
			m.healthy = false
		}

		return
	}

	m.nbSuccesses++
	m.nbFailures = 0

	if !m.healthy && m.nbSuccesses >= m.Cfg.Rise {
		m.Log.Info("service recovered after %d consecutive probe successes",
			m.nbSuccesses)
		m.healthy = true
	}
}
