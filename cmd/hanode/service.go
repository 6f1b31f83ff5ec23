package main

import (
	"fmt"
	"net"
	"net/http"
	"time"

	jsonvalidator "github.com/galdor/go-json-validator"
	"github.com/galdor/go-log"
	"github.com/galdor/go-program"
	"github.com/galdor/go-service/pkg/service"
	"github.com/galdor/go-service/pkg/shttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/galdor/go-failover/pkg/failover"
	"github.com/galdor/go-failover/pkg/replication"
)

type ServiceCfg struct {
	Service     service.ServiceCfg `json:"service"`
	Failover    FailoverCfg        `json:"failover"`
	Health      HealthCfg          `json:"health"`
	Replication ReplicationCfg     `json:"replication"`
	Metrics     MetricsCfg         `json:"metrics"`
}

type FailoverCfg struct {
	Nodes failover.NodeSet `json:"nodes"`

	Priority      int `json:"priority"`
	HealthPenalty int `json:"healthPenalty,omitempty"`

	VirtualAddress string `json:"virtualAddress"`

	AdvertisementIntervalMs int `json:"advertisementIntervalMs,omitempty"`
	MasterDownIntervalMs    int `json:"masterDownIntervalMs,omitempty"`

	BindCommand    []string `json:"bindCommand"`
	ReleaseCommand []string `json:"releaseCommand"`

	Actions []ActionCfg `json:"actions,omitempty"`
}

type ActionCfg struct {
	Name         string   `json:"name"`
	StartCommand []string `json:"startCommand,omitempty"`
	StopCommand  []string `json:"stopCommand,omitempty"`
}

type HealthCfg struct {
	Command []string `json:"command"`

	CheckIntervalMs int `json:"checkIntervalMs,omitempty"`
	Fall            int `json:"fall,omitempty"`
	Rise            int `json:"rise,omitempty"`
}

type ReplicationCfg struct {
	Dataset string `json:"dataset"`

	ListenAddress string `json:"listenAddress"`
	PeerAddress   string `json:"peerAddress"`

	IntervalMs  int    `json:"intervalMs,omitempty"`
	Retention   int    `json:"retention,omitempty"`
	Compression string `json:"compression,omitempty"`

	StateFile string `json:"stateFile,omitempty"`

	LagAlertThresholdMs int `json:"lagAlertThresholdMs,omitempty"`
	LagCheckIntervalMs  int `json:"lagCheckIntervalMs,omitempty"`
}

type MetricsCfg struct {
	Address string `json:"address,omitempty"`
}

type Service struct {
	Cfg     ServiceCfg
	Program *program.Program
	Service *service.Service
	Log     *log.Logger

	monitor    *failover.Monitor
	controller *failover.Controller
	executor   *failover.Executor

	dataset       *replication.MemoryDataset
	stateStore    *replication.StateStore
	replServer    *replication.Server
	engine        *replication.Engine
	lagMonitor    *replication.LagMonitor
	metricsServer *http.Server

	failoverMetrics    *failover.Metrics
	replicationMetrics *replication.Metrics

	apiServer *APIServer
}

func (cfg *ServiceCfg) ValidateJSON(v *jsonvalidator.Validator) {
	v.CheckObject("service", &cfg.Service)

	v.CheckObject("failover", &cfg.Failover)
	v.CheckObject("replication", &cfg.Replication)
}

func (cfg *FailoverCfg) ValidateJSON(v *jsonvalidator.Validator) {
	v.WithChild("nodes", func() {
		for _, node := range cfg.Nodes {
			v.CheckStringNotEmpty("localAddress", string(node.LocalAddress))
			v.CheckStringNotEmpty("publicAddress", string(node.PublicAddress))
		}
	})

	v.CheckStringNotEmpty("virtualAddress", cfg.VirtualAddress)
}

func (cfg *ReplicationCfg) ValidateJSON(v *jsonvalidator.Validator) {
	v.CheckStringNotEmpty("dataset", cfg.Dataset)
	v.CheckStringNotEmpty("listenAddress", cfg.ListenAddress)
	v.CheckStringNotEmpty("peerAddress", cfg.PeerAddress)
}

func NewService() *Service {
	return &Service{}
}

func (s *Service) InitProgram(p *program.Program) {
	s.Program = p

	p.AddArgument("id", "the node identifier")
}

func (s *Service) DefaultCfg() interface{} {
	return &s.Cfg
}

func (s *Service) ValidateCfg() error {
	return nil
}

func (s *Service) ServiceCfg() *service.ServiceCfg {
	cfg := &s.Cfg.Service

	instanceId := s.Program.ArgumentValue("id")

	if cfg.HTTPServers == nil {
		cfg.HTTPServers = make(map[string]*shttp.ServerCfg)
	}

	nodeCfg := s.Cfg.Failover.Nodes[failover.NodeId(instanceId)]
	host, _, _ := net.SplitHostPort(string(nodeCfg.LocalAddress))

	cfg.HTTPServers["api"] = &shttp.ServerCfg{
		Address:               net.JoinHostPort(host, "8081"),
		LogSuccessfulRequests: true,
		ErrorHandler:          shttp.JSONErrorHandler,
	}

	return cfg
}

func (s *Service) Init(ss *service.Service) error {
	s.Service = ss
	s.Log = ss.Log

	s.failoverMetrics = failover.NewMetrics()
	s.replicationMetrics = replication.NewMetrics()

	s.failoverMetrics.Register(prometheus.DefaultRegisterer)
	s.replicationMetrics.Register(prometheus.DefaultRegisterer)

	if err := s.initMonitor(); err != nil {
		return err
	}

	if err := s.initController(); err != nil {
		return err
	}

	if err := s.initExecutor(); err != nil {
		return err
	}

	if err := s.initReplication(); err != nil {
		return err
	}

	if err := s.initAPIServer(); err != nil {
		return err
	}

	s.initMetricsServer()

	return nil
}

func (s *Service) initMonitor() error {
	cfg := s.Cfg.Health

	logger := s.Log.Child("health", nil)

	monitorCfg := failover.MonitorCfg{
		Prober: NewExecProber(cfg.Command),

		Logger: logger,

		CheckInterval: msDuration(cfg.CheckIntervalMs),
		Fall:          cfg.Fall,
		Rise:          cfg.Rise,
	}

	monitor, err := failover.NewMonitor(monitorCfg)
	if err != nil {
		return fmt.Errorf("cannot create health monitor: %w", err)
	}

	s.monitor = monitor

	return nil
}

func (s *Service) initController() error {
	cfg := s.Cfg.Failover

	instanceId := failover.NodeId(s.Program.ArgumentValue("id"))

	logger := s.Log.Child("failover", log.Data{
		"instance": string(instanceId),
	})

	controllerCfg := failover.ControllerCfg{
		Id:    instanceId,
		Nodes: cfg.Nodes,

		Priority:      failover.Priority(cfg.Priority),
		HealthPenalty: failover.Priority(cfg.HealthPenalty),

		Logger: logger,

		Monitor: s.monitor,

		Metrics: s.failoverMetrics,

		AdvertisementInterval: msDuration(cfg.AdvertisementIntervalMs),
		MasterDownInterval:    msDuration(cfg.MasterDownIntervalMs),
	}

	controller, err := failover.NewController(controllerCfg)
	if err != nil {
		return fmt.Errorf("cannot create controller: %w", err)
	}

	s.controller = controller

	return nil
}

func (s *Service) initExecutor() error {
	cfg := s.Cfg.Failover

	logger := s.Log.Child("executor", nil)

	actions := make([]failover.Action, len(cfg.Actions))
	for i, actionCfg := range cfg.Actions {
		actions[i] = NewExecAction(actionCfg)
	}

	executorCfg := failover.ExecutorCfg{
		Logger: logger,

		Address: failover.VirtualAddress(cfg.VirtualAddress),
		Binder:  NewExecBinder(cfg.BindCommand, cfg.ReleaseCommand),

		Actions: actions,

		EventLog: s.controller.EventLog(),
	}

	executor, err := failover.NewExecutor(executorCfg)
	if err != nil {
		return fmt.Errorf("cannot create executor: %w", err)
	}

	s.executor = executor

	return nil
}

func (s *Service) initReplication() error {
	cfg := s.Cfg.Replication

	logger := s.Log.Child("replication", log.Data{
		"dataset": cfg.Dataset,
	})

	s.dataset = replication.NewMemoryDataset(cfg.Dataset)
	s.dataset.SetOwnerCheck(s.controller.IsMaster)

	if cfg.StateFile != "" {
		s.stateStore = replication.NewStateStore(cfg.StateFile)

		if err := s.stateStore.Open(); err != nil {
			return fmt.Errorf("cannot open state store: %w", err)
		}

		if err := s.dataset.SetStateStore(s.stateStore); err != nil {
			return fmt.Errorf("cannot restore dataset state: %w", err)
		}
	}

	serverCfg := replication.ServerCfg{
		Address: cfg.ListenAddress,

		Logger: logger,

		Sink: s.dataset,
	}

	server, err := replication.NewServer(serverCfg)
	if err != nil {
		return fmt.Errorf("cannot create replication server: %w", err)
	}

	s.replServer = server

	compression, err := replication.ParseCompressionTag(cfg.Compression)
	if err != nil {
		return fmt.Errorf("invalid replication configuration: %w", err)
	}

	engineCfg := replication.EngineCfg{
		Logger: logger,

		Source:    s.dataset,
		Chain:     s.dataset.Chain(),
		Transport: replication.NewHTTPTransport(cfg.PeerAddress),

		OwnerCheck: s.controller.IsMaster,

		Metrics: s.replicationMetrics,

		Interval:    msDuration(cfg.IntervalMs),
		Retention:   cfg.Retention,
		Compression: compression,
	}

	engine, err := replication.NewEngine(engineCfg)
	if err != nil {
		return fmt.Errorf("cannot create replication engine: %w", err)
	}

	s.engine = engine

	lagCfg := replication.LagMonitorCfg{
		Logger: logger,

		Sink: s.dataset,

		Metrics: s.replicationMetrics,

		Interval:       msDuration(cfg.LagCheckIntervalMs),
		AlertThreshold: msDuration(cfg.LagAlertThresholdMs),
	}

	lagMonitor, err := replication.NewLagMonitor(lagCfg)
	if err != nil {
		return fmt.Errorf("cannot create lag monitor: %w", err)
	}

	s.lagMonitor = lagMonitor

	s.controller.SetStatusSource(&replicationStatusSource{
		engine:     s.engine,
		lagMonitor: s.lagMonitor,
		dataset:    s.dataset,
	})

	return nil
}

func (s *Service) initAPIServer() error {
	api, err := NewAPIServer(s)
	if err != nil {
		return fmt.Errorf("cannot create api server: %w", err)
	}

	s.apiServer = api

	return nil
}

func (s *Service) initMetricsServer() {
	address := s.Cfg.Metrics.Address
	if address == "" {
		return
	}

	s.metricsServer = &http.Server{
		Addr:    address,
		Handler: promhttp.Handler(),
	}
}

func (s *Service) Start(ss *service.Service) error {
	s.monitor.Start()

	if err := s.controller.Start(ss.ErrorChan()); err != nil {
		return fmt.Errorf("cannot start controller: %w", err)
	}

	s.executor.Start(s.controller.Events())

	if err := s.replServer.Start(ss.ErrorChan()); err != nil {
		return fmt.Errorf("cannot start replication server: %w", err)
	}

	s.engine.Start()
	s.lagMonitor.Start()

	if s.metricsServer != nil {
		go func() {
			err := s.metricsServer.ListenAndServe()
			if err != nil && err != http.ErrServerClosed {
				s.Log.Error("metrics server error: %v", err)
			}
		}()
	}

	if err := s.apiServer.Init(); err != nil {
		return fmt.Errorf("cannot initialize api server: %w", err)
	}

	return nil
}

func (s *Service) Stop(ss *service.Service) {
	if s.metricsServer != nil {
		s.metricsServer.Close()
	}

	s.lagMonitor.Stop()
	s.engine.Stop()
	s.replServer.Stop()

	s.controller.Stop()
	s.executor.Wait()

	s.monitor.Stop()
}

func (s *Service) Terminate(ss *service.Service) {
	if s.stateStore != nil {
		s.stateStore.Close()
	}
}

type replicationStatusSource struct {
	engine     *replication.Engine
	lagMonitor *replication.LagMonitor
	dataset    *replication.MemoryDataset
}

type replicationStatus struct {
	LastAcknowledged replication.SnapshotId `json:"lastAcknowledged,omitempty"`
	ChainLength      int                    `json:"chainLength"`
	LatestApplied    *replication.Snapshot  `json:"latestApplied,omitempty"`
	LagSeconds       *float64               `json:"lagSeconds,omitempty"`
	LagAlert         bool                   `json:"lagAlert"`
	RecentJobs       []replication.Job      `json:"recentJobs,omitempty"`
}

func (s *replicationStatusSource) ReplicationStatus() interface{} {
	status := replicationStatus{
		LastAcknowledged: s.engine.LastAcknowledged(),
		ChainLength:      s.dataset.Chain().Len(),
		LagAlert:         s.lagMonitor.Alerting(),
	}

	if snapshot, found := s.dataset.LatestApplied(); found {
		status.LatestApplied = &snapshot
	}

	if lag, found := s.lagMonitor.Lag(); found {
		seconds := lag.Seconds()
		status.LagSeconds = &seconds
	}

	jobs := s.engine.Jobs()
	if len(jobs) > 5 {
		jobs = jobs[len(jobs)-5:]
	}
	status.RecentJobs = jobs

	return &status
}

func msDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
