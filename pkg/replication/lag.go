package replication

import (
	"fmt"
	"sync"
	"time"
)

type LagMonitorCfg struct {
	Logger Logger

	Sink Sink

	Metrics *Metrics

	Interval       time.Duration
	AlertThreshold time.Duration
}

// LagMonitor periodically compares the creation time of the latest
// applied snapshot with the current time and raises an alert signal
// when the staleness exceeds the threshold. It is read-only: a
// replication stall must never trigger a failover by itself, since
// that would promote a standby with stale data.
type LagMonitor struct {
	Cfg LagMonitorCfg
	Log Logger

	lag      time.Duration
	hasLag   bool
	alerting bool

	mu sync.RWMutex

	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewLagMonitor(cfg LagMonitorCfg) (*LagMonitor, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("missing logger")
	}

	if cfg.Sink == nil {
		return nil, fmt.Errorf("missing sink")
	}

	if cfg.Interval == 0 {
		cfg.Interval = time.Minute
	}

	if cfg.AlertThreshold == 0 {
		cfg.AlertThreshold = time.Hour
	}

	m := &LagMonitor{
		Cfg: cfg,
		Log: cfg.Logger,

		stopChan: make(chan struct{}),
	}

	return m, nil
}

func (m *LagMonitor) Start() {
	m.wg.Add(1)
	go m.main()
}

func (m *LagMonitor) Stop() {
	close(m.stopChan)
	m.wg.Wait()
}

// Lag returns the current staleness, and false if no snapshot was ever
// applied.
func (m *LagMonitor) Lag() (time.Duration, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.lag, m.hasLag
}

func (m *LagMonitor) Alerting() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.alerting
}

func (m *LagMonitor) main() {
	defer m.wg.Done()

	m.Check()

	ticker := time.NewTicker(m.Cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return

		case <-ticker.C:
			m.Check()
		}
	}
}

// Check recomputes the lag once. Exposed so the operational surface
// can force a fresh value.
func (m *LagMonitor) Check() {
	snapshot, found := m.Cfg.Sink.LatestApplied()

	m.mu.Lock()
	defer m.mu.Unlock()

	if !found {
		m.hasLag = false
		m.alerting = false
		return
	}

	m.lag = time.Since(snapshot.CreatedAt)
	m.hasLag = true

	alerting := m.lag > m.Cfg.AlertThreshold

	if alerting && !m.alerting {
		m.Log.Error("replication lag %v exceeds threshold %v",
			m.lag.Round(time.Second), m.Cfg.AlertThreshold)
	} else if !alerting && m.alerting {
		m.Log.Info("replication lag %v back under threshold %v",
			m.lag.Round(time.Second), m.Cfg.AlertThreshold)
	}

	m.alerting = alerting

	if m.Cfg.Metrics != nil {
		m.Cfg.Metrics.SetLag(m.lag, alerting)
	}
}
