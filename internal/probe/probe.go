// Package probe wires components C2 through C6 into a single runnable
// unit, equivalent to original_source/libprobe/probe.py's Probe class: a
// probe binary registers its check functions and calls Run.
package probe

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/infrasonar/probe-go/internal/check"
	"github.com/infrasonar/probe-go/internal/checkrunner"
	"github.com/infrasonar/probe-go/internal/config"
	"github.com/infrasonar/probe-go/internal/metrics"
	"github.com/infrasonar/probe-go/internal/protocol"
	"github.com/infrasonar/probe-go/internal/scheduler"
	"github.com/infrasonar/probe-go/internal/supervisor"
)

// minPackageSizeKB and maxPackageSizeKB bound MAX_PACKAGE_SIZE (spec §6,
// §9 Open Question: the source's own bounds check is a no-op, so the
// intended range 1..2000 KB is enforced here instead).
const (
	minPackageSizeKB  = 1
	maxPackageSizeKB  = 2000
	defaultPackageKB  = 500
	defaultAgentcore  = "127.0.0.1"
	defaultAgentPort  = 8750
	defaultConfigPath = "/data/config/infrasonar.yaml"

	// metricsSampleInterval is how often the pending-requests and
	// assignments-running gauges are refreshed from the live client and
	// scheduler state (internal/metrics.Registry's gauges are pull-based,
	// but pending/assignments have no natural scrape-time callback since
	// the client and scheduler aren't known until Run wires them).
	metricsSampleInterval = 5 * time.Second
)

// Options configures a Probe. CheckFuncs is the registered check function
// table (spec §3 "Assignment names" — unregistered check_key assignments
// are dropped silently by the scheduler).
type Options struct {
	ProbeName        string
	Version          string
	AgentcoreHost    string
	AgentcorePort    int
	ConfigPath       string
	MaxPackageSizeKB int
	CheckFuncs       map[string]check.Func
	Logger           *zap.Logger
}

func (o *Options) applyDefaults() {
	if o.AgentcoreHost == "" {
		o.AgentcoreHost = defaultAgentcore
	}
	if o.AgentcorePort == 0 {
		o.AgentcorePort = defaultAgentPort
	}
	if o.ConfigPath == "" {
		o.ConfigPath = defaultConfigPath
	}
	if o.MaxPackageSizeKB == 0 {
		o.MaxPackageSizeKB = defaultPackageKB
	}
	if o.MaxPackageSizeKB < minPackageSizeKB {
		o.MaxPackageSizeKB = minPackageSizeKB
	}
	if o.MaxPackageSizeKB > maxPackageSizeKB {
		o.MaxPackageSizeKB = maxPackageSizeKB
	}
}

// Probe is the assembled runtime: config store, protocol client,
// scheduler, check runner and supervisor, all pointed at each other.
type Probe struct {
	opts        Options
	logger      *zap.Logger
	metrics     *metrics.Registry
	configStore *config.Store
	client      *protocol.Client
	scheduler   *scheduler.Scheduler
	runner      *checkrunner.Runner
	supervisor  *supervisor.Supervisor
}

// New assembles a Probe without starting anything.
func New(opts Options) *Probe {
	opts.applyDefaults()
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Probe{
		opts:        opts,
		logger:      logger,
		metrics:     metrics.New(),
		configStore: config.New(opts.ConfigPath, logger),
	}

	runner := &checkrunner.Runner{
		ProbeName:      opts.ProbeName,
		CheckFuncs:     opts.CheckFuncs,
		ConfigStore:    p.configStore,
		MaxPackageSize: opts.MaxPackageSizeKB * 1024,
		Logger:         logger,
		Metrics:        p.metrics,
	}
	p.runner = runner
	return p
}

// Metrics returns the probe's runtime metrics registry, for the owning
// binary's main.go to serve on a /metrics endpoint (see cmd/probe-docker).
func (p *Probe) Metrics() *metrics.Registry { return p.metrics }

// sampleMetrics periodically copies live pending-request and
// assignments-running counts onto the metrics registry's gauges, until ctx
// is cancelled. Both p.client and p.scheduler are wired by the time Run
// starts this goroutine.
func (p *Probe) sampleMetrics(ctx context.Context) {
	ticker := time.NewTicker(metricsSampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.metrics.SetPendingRequests(p.client.PendingCount())
			p.metrics.SetAssignmentsRunning(len(p.scheduler.RunningPaths()))
		}
	}
}

// Run bootstraps the local config file, wires the scheduler and protocol
// client together, and drives the supervisor's connect/reconnect loop
// until ctx is cancelled (spec §4.6, §6 "Exit codes": non-zero only on
// unreadable/invalid config at startup).
func (p *Probe) Run(ctx context.Context) error {
	if err := p.configStore.Bootstrap(); err != nil {
		return fmt.Errorf("probe: bootstrap config: %w", err)
	}
	if err := p.configStore.ReadIfChanged(); err != nil {
		return fmt.Errorf("probe: initial config read: %w", err)
	}

	p.scheduler = scheduler.New(ctx, p.opts.CheckFuncs, p.runner.Run, p.logger)
	p.runner.Assignments = p.scheduler

	p.client = protocol.New(p.scheduler.Handlers(), p.logger)
	p.runner.Sender = p.client

	p.supervisor = supervisor.New(supervisor.Config{
		Host:      p.opts.AgentcoreHost,
		Port:      p.opts.AgentcorePort,
		ProbeName: p.opts.ProbeName,
		Version:   p.opts.Version,
	}, p.client, p.metrics, p.logger)

	p.logger.Info("starting probe",
		zap.String("probe", p.opts.ProbeName),
		zap.String("version", p.opts.Version),
		zap.String("agentcore", fmt.Sprintf("%s:%d", p.opts.AgentcoreHost, p.opts.AgentcorePort)),
	)

	go p.sampleMetrics(ctx)

	err := p.supervisor.Run(ctx)
	if err == context.Canceled {
		p.logger.Info("probe shut down cleanly")
		return nil
	}
	return err
}
