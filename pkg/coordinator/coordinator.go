/*
Package coordinator implements the control loop (C7): the polling state
machine that calls the server, reconciles desired vs running instances,
reaps exits, schedules uploads, enforces cooldowns, and emits termination
signals.

The loop is single-flight by construction: Run executes one tick to
completion, including every reap and every per-key RPC, before sleeping and
starting the next. There is no ticker-based overlap, matching the source's
documented assumption (spec §9, "Concurrent tick re-entry").
*/
package coordinator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/aiagent-coordinator/pkg/config"
	"github.com/cuemby/aiagent-coordinator/pkg/cooldown"
	"github.com/cuemby/aiagent-coordinator/pkg/log"
	"github.com/cuemby/aiagent-coordinator/pkg/mcpclient"
	"github.com/cuemby/aiagent-coordinator/pkg/metrics"
	"github.com/cuemby/aiagent-coordinator/pkg/quota"
	"github.com/cuemby/aiagent-coordinator/pkg/registry"
	"github.com/cuemby/aiagent-coordinator/pkg/spawn"
	"github.com/cuemby/aiagent-coordinator/pkg/types"
	"github.com/cuemby/aiagent-coordinator/pkg/uploader"
)

// Transport is the subset of *mcpclient.Client the control loop needs. Tests
// supply a fake.
type Transport interface {
	HealthCheck(ctx context.Context) (string, error)
	ListActiveProjectsWithAgents(ctx context.Context, rootAgentID string) ([]types.ProjectDescriptor, error)
	GetAgentAction(ctx context.Context, agentID, projectID string) (types.ActionDecision, error)
	RegisterExecutionLogFile(ctx context.Context, agentID, taskID, logFilePath string) error
	InvalidateSession(ctx context.Context, agentID, projectID string) error
	ReportAgentError(ctx context.Context, agentID, projectID, errorMessage string) error
}

var _ Transport = (*mcpclient.Client)(nil)

// Coordinator owns the control loop and all per-run component state.
type Coordinator struct {
	cfg       *config.Config
	transport Transport
	registry  *registry.Registry
	cooldowns *cooldown.Table
	detector  *quota.Detector
	uploader  *uploader.Uploader

	mu      sync.Mutex
	stopCh  chan struct{}
	stopped bool
}

// New wires up a Coordinator from configuration.
func New(cfg *config.Config, transport Transport) *Coordinator {
	up := uploader.New(uploader.Config{
		Enabled:           cfg.LogUpload.Enabled,
		Endpoint:          cfg.LogUpload.Endpoint,
		Token:             cfg.CoordinatorToken,
		MaxFileSizeMB:     cfg.LogUpload.MaxFileSizeMB,
		RetryCount:        cfg.LogUpload.RetryCount,
		RetryDelaySeconds: cfg.LogUpload.RetryDelaySeconds,
	}, transport)

	return &Coordinator{
		cfg:       cfg,
		transport: transport,
		registry:  registry.New(),
		cooldowns: cooldown.New(),
		detector:  quota.New(cfg.ErrorProtection.MaxCooldownSeconds, cfg.ErrorProtection.QuotaMarginPercent),
		uploader:  up,
		stopCh:    make(chan struct{}),
	}
}

// Run executes the polling loop until Stop is called or ctx is cancelled.
// It returns after its current tick completes; there is no forced
// preemption mid-tick.
func (c *Coordinator) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.PollingInterval) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.tick(ctx)

	for {
		select {
		case <-ticker.C:
			c.tick(ctx)
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop signals the loop to exit after its current tick and terminates every
// live child. Calling Stop twice is a no-op after the first. In-flight log
// uploads are not waited for; they are abandoned.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	close(c.stopCh)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, rec := range c.registry.Snapshot() {
		c.registry.Teardown(ctx, rec.Key)
	}
}

func (c *Coordinator) tick(ctx context.Context) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.TickDuration)

	status, err := c.transport.HealthCheck(ctx)
	if err != nil || status != "ok" {
		metrics.TicksTotal.WithLabelValues("health_failed").Inc()
		metrics.UpdateComponent("mcp_transport", false, "health check failed")
		log.WithComponent("coordinator").Warn().Err(err).Str("status", status).Msg("health check failed, skipping tick")
		return
	}
	metrics.UpdateComponent("mcp_transport", true, "")

	projects, err := c.transport.ListActiveProjectsWithAgents(ctx, c.cfg.RootAgentID)
	if err != nil {
		metrics.TicksTotal.WithLabelValues("transport_error").Inc()
		log.WithComponent("coordinator").Warn().Err(err).Msg("listing active projects failed, skipping tick")
		return
	}

	c.reap(ctx)
	c.reconcile(ctx, projects)

	metrics.TicksTotal.WithLabelValues("ok").Inc()
}

// reap implements spec §4.7 step 3 / §4.7.2: every registry record whose
// process has exited is torn down in insertion (start-time) order.
func (c *Coordinator) reap(ctx context.Context) {
	exited := c.registry.Exited()
	sort.Slice(exited, func(i, j int) bool {
		return exited[i].StartedAt.Before(exited[j].StartedAt)
	})

	for _, rec := range exited {
		c.reapOne(ctx, rec)
	}
}

func (c *Coordinator) reapOne(ctx context.Context, rec *types.InstanceRecord) {
	logger := log.WithInstanceKey(rec.Key.AgentID, rec.Key.ProjectID)

	// Closing the log handle, unlinking temp files and removing the record
	// all happen in Teardown at step 7, after the steps below.
	// Step 2: register_execution_log_file when both task_id and path are set.
	if rec.TaskID != "" && rec.LogFilePath != "" {
		if err := c.transport.RegisterExecutionLogFile(ctx, rec.Key.AgentID, rec.TaskID, rec.LogFilePath); err != nil {
			logger.Warn().Err(err).Msg("register_execution_log_file failed")
		}
	}

	// Step 3: on non-zero exit, scan the tail for an error line and report it.
	if rec.ExitCode != 0 {
		if line, ok := findErrorLine(rec.LogFilePath); ok {
			if err := c.transport.ReportAgentError(ctx, rec.Key.AgentID, rec.Key.ProjectID, line); err != nil {
				logger.Warn().Err(err).Msg("report_agent_error failed")
			}
		}
	}

	// Step 4: invalidate the session so a future tick can see start again.
	// This must happen regardless of steps 2–3's outcome, or get_agent_action
	// would return none forever for this key (spec §9).
	if err := c.transport.InvalidateSession(ctx, rec.Key.AgentID, rec.Key.ProjectID); err != nil {
		logger.Warn().Err(err).Msg("invalidate_session failed")
	}

	// Step 5: update the cooldown table.
	exitClass := c.updateCooldown(rec)
	metrics.InstancesReapedTotal.WithLabelValues(exitClass).Inc()

	// Step 6: detach an upload task if configured and an execution-log id exists.
	if rec.ExecutionLogID != "" {
		c.uploader.Schedule(types.PendingUploadTask{
			ExecutionLogID: rec.ExecutionLogID,
			AgentID:        rec.Key.AgentID,
			ProjectID:      rec.Key.ProjectID,
			TaskID:         rec.TaskID,
			LogFilePath:    rec.LogFilePath,
		})
	}

	// Step 7: remove the record, which also closes the log handle and unlinks
	// temp files (the record's process has already exited, so Teardown's
	// terminate() is a no-op here).
	c.registry.Teardown(ctx, rec.Key)
}

func (c *Coordinator) updateCooldown(rec *types.InstanceRecord) string {
	if rec.ExitCode == 0 {
		c.cooldowns.Clear(rec.Key)
		return "clean"
	}

	if c.cfg.ErrorProtection.QuotaDetectionEnabled {
		if seconds, ok := c.detector.Detect(rec.LogFilePath); ok {
			metrics.QuotaDetectionsTotal.Inc()
			c.cooldowns.SetQuota(rec.Key, seconds, c.cfg.ErrorProtection.MaxCooldownSeconds, "quota exhaustion detected in log tail")
			return "quota"
		}
	}

	c.cooldowns.SetError(rec.Key, "non-zero exit", c.cfg.ErrorProtection.DefaultCooldownSeconds, c.cfg.ErrorProtection.MaxCooldownSeconds)
	return "error"
}

// reconcile implements spec §4.7 step 4.
func (c *Coordinator) reconcile(ctx context.Context, projects []types.ProjectDescriptor) {
	for _, project := range projects {
		for _, agentID := range project.Agents {
			key := types.InstanceKey{AgentID: agentID, ProjectID: project.ProjectID}
			logger := log.WithInstanceKey(agentID, project.ProjectID)

			passkey, ok := c.cfg.GetAgentPasskey(agentID)
			if !ok {
				continue // 4.a: no passkey configured for this agent
			}

			if _, cooling := c.cooldowns.Check(key); cooling {
				continue // 4.b: cooldown forbids this key
			}

			if _, running := c.registry.Get(key); running {
				decision, err := c.transport.GetAgentAction(ctx, agentID, project.ProjectID)
				if err != nil {
					logger.Warn().Err(err).Msg("get_agent_action failed, skipping key this tick")
					continue
				}
				if decision.Action == types.ActionStop {
					c.registry.Teardown(ctx, key)
				}
				continue // 4.c: running key never spawns in the same pass
			}

			if c.registry.Len() >= c.cfg.MaxConcurrent {
				metrics.ConcurrencyCapHitsTotal.Inc()
				break // 4.d: cap reached, stop this project's inner loop
			}

			decision, err := c.transport.GetAgentAction(ctx, agentID, project.ProjectID)
			if err != nil {
				logger.Warn().Err(err).Msg("get_agent_action failed, skipping key this tick")
				continue
			}
			if decision.Action != types.ActionStart {
				continue
			}

			c.spawnInstance(key, passkey, project, decision)
		}
	}
}

func (c *Coordinator) spawnInstance(key types.InstanceKey, passkey string, project types.ProjectDescriptor, decision types.ActionDecision) {
	logger := log.WithInstanceKey(key.AgentID, key.ProjectID)

	provider := decision.Provider
	if provider == "" {
		provider = types.ProviderClaude
	}

	rec, err := spawn.Launch(spawn.Request{
		Key:              key,
		Passkey:          passkey,
		WorkingDir:       project.WorkingDir,
		Provider:         provider,
		Model:            decision.Model,
		KickCommand:      decision.KickCommand,
		TaskID:           decision.TaskID,
		MCPSocketPath:    c.cfg.MCPSocketPath,
		CoordinatorToken: c.cfg.CoordinatorToken,
		DebugMode:        c.cfg.DebugMode,
	}, c.cfg.AIProviders)
	if err != nil {
		// Spawn failures never set a cooldown (spec §7, "Child spawn
		// failures"): the next tick may retry immediately.
		metrics.InstancesSpawnFailedTotal.WithLabelValues(string(provider)).Inc()
		logger.Error().Err(err).Msg("failed to spawn agent instance")
		return
	}

	if err := c.registry.Add(rec); err != nil {
		logger.Error().Err(err).Msg("registry rejected newly spawned instance")
		return
	}
	metrics.InstancesSpawnedTotal.WithLabelValues(string(provider)).Inc()
}

// findErrorLine scans logPath for one of the error markers from spec
// §4.7.2 step 3.
func findErrorLine(logPath string) (string, bool) {
	if logPath == "" {
		return "", false
	}
	return scanErrorMarkers(logPath)
}
