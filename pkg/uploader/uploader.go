/*
Package uploader implements the background log uploader (C5): one detached
task per completed instance that streams its log file to a remote endpoint
with retry, falling back to local-path registration via the server's
register_execution_log_file call on permanent failure.

Upload tasks are detached: the control loop never blocks on them during a
polling tick, and in-flight uploads are abandoned on shutdown (spec §9,
"Upload completion at shutdown").
*/
package uploader

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/cuemby/aiagent-coordinator/pkg/log"
	"github.com/cuemby/aiagent-coordinator/pkg/metrics"
	"github.com/cuemby/aiagent-coordinator/pkg/types"
)

// Registrar is the subset of the transport client the uploader needs for
// its local-path fallback.
type Registrar interface {
	RegisterExecutionLogFile(ctx context.Context, agentID, taskID, logFilePath string) error
}

// Config tunes the uploader (mirrors the log_upload config block).
type Config struct {
	Enabled           bool
	Endpoint          string
	Token             string
	MaxFileSizeMB     int
	RetryCount        int
	RetryDelaySeconds int
}

// Uploader runs detached upload tasks and tracks them in a pending map keyed
// by execution-log id, exactly one task per id.
type Uploader struct {
	cfg       Config
	registrar Registrar

	mu      sync.Mutex
	pending map[string]types.PendingUploadTask

	client *retryablehttp.Client
}

// New creates an uploader. registrar is used for the local-path fallback.
func New(cfg Config, registrar Registrar) *Uploader {
	client := retryablehttp.NewClient()
	client.RetryMax = cfg.RetryCount
	client.RetryWaitMin = time.Duration(cfg.RetryDelaySeconds) * time.Second
	client.RetryWaitMax = time.Duration(cfg.RetryDelaySeconds) * time.Second
	client.Logger = nil

	return &Uploader{
		cfg:       cfg,
		registrar: registrar,
		pending:   make(map[string]types.PendingUploadTask),
		client:    client,
	}
}

// Schedule detaches an upload task for one completed instance. It is a
// no-op if uploading is disabled, or if a task for this execution-log id is
// already pending.
func (u *Uploader) Schedule(task types.PendingUploadTask) {
	if !u.cfg.Enabled || task.ExecutionLogID == "" || task.LogFilePath == "" {
		return
	}

	u.mu.Lock()
	if _, exists := u.pending[task.ExecutionLogID]; exists {
		u.mu.Unlock()
		return
	}
	u.pending[task.ExecutionLogID] = task
	metrics.PendingUploads.Set(float64(len(u.pending)))
	u.mu.Unlock()

	go u.run(task)
}

// Pending returns the number of in-flight upload tasks.
func (u *Uploader) Pending() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.pending)
}

func (u *Uploader) run(task types.PendingUploadTask) {
	defer u.complete(task.ExecutionLogID)

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.UploadDuration)

	info, err := os.Stat(task.LogFilePath)
	if err != nil {
		log.WithComponent("uploader").Warn().Err(err).Str("path", task.LogFilePath).Msg("log file missing at upload time")
		u.fallback(task)
		return
	}

	maxBytes := int64(u.cfg.MaxFileSizeMB) * 1024 * 1024
	if maxBytes > 0 && info.Size() > maxBytes {
		metrics.UploadsTotal.WithLabelValues("skipped_oversize").Inc()
		u.fallback(task)
		return
	}

	if err := u.put(task.LogFilePath); err != nil {
		log.WithComponent("uploader").Warn().Err(err).Str("path", task.LogFilePath).Msg("log upload failed permanently")
		u.fallback(task)
		return
	}

	metrics.UploadsTotal.WithLabelValues("success").Inc()
	if err := os.Remove(task.LogFilePath); err != nil {
		log.WithComponent("uploader").Warn().Err(err).Str("path", task.LogFilePath).Msg("failed to remove uploaded log file")
	}
}

func (u *Uploader) put(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("uploader: opening %s: %w", path, err)
	}
	defer f.Close()

	req, err := retryablehttp.NewRequest(http.MethodPut, u.cfg.Endpoint, f)
	if err != nil {
		return fmt.Errorf("uploader: building request: %w", err)
	}
	if u.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+u.cfg.Token)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("uploader: put request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("uploader: remote returned status %d", resp.StatusCode)
	}
	return nil
}

func (u *Uploader) fallback(task types.PendingUploadTask) {
	metrics.UploadsTotal.WithLabelValues("fallback").Inc()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := u.registrar.RegisterExecutionLogFile(ctx, task.AgentID, task.TaskID, task.LogFilePath); err != nil {
		log.WithComponent("uploader").Error().Err(err).Str("path", task.LogFilePath).Msg("failed to register local log path as fallback")
	}
}

func (u *Uploader) complete(executionLogID string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.pending, executionLogID)
	metrics.PendingUploads.Set(float64(len(u.pending)))
}
