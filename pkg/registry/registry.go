/*
Package registry implements the in-memory instance registry (C4): the map
from InstanceKey to InstanceRecord, plus the teardown sequence that safely
tears down a running child process.

The registry enforces only structural invariants: uniqueness per key and
safe teardown of file handles and temp files. It does not make semantic
decisions about when to spawn or stop; that is the control loop's job
(pkg/coordinator).
*/
package registry

import (
	"context"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/cuemby/aiagent-coordinator/pkg/log"
	"github.com/cuemby/aiagent-coordinator/pkg/metrics"
	"github.com/cuemby/aiagent-coordinator/pkg/types"
)

// StopGracePeriod is how long Teardown waits for a terminated process to
// exit before force-killing it.
const StopGracePeriod = 5 * time.Second

// Registry is the instance registry (C4). Only the control loop mutates it.
type Registry struct {
	mu      sync.RWMutex
	records map[types.InstanceKey]*types.InstanceRecord
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{records: make(map[types.InstanceKey]*types.InstanceRecord)}
}

// Add inserts record under its key. It returns an error if a record for that
// key already exists, preserving the at-most-one-running-instance invariant.
func (r *Registry) Add(record *types.InstanceRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.records[record.Key]; exists {
		return fmt.Errorf("registry: instance already running for key %+v", record.Key)
	}
	r.records[record.Key] = record
	metrics.InstancesRunning.Set(float64(len(r.records)))
	return nil
}

// Get returns the record for key, if any.
func (r *Registry) Get(key types.InstanceKey) (*types.InstanceRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[key]
	return rec, ok
}

// Len returns the current number of running instances.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// Snapshot returns a copy of all currently-registered records, safe to
// range over without holding the registry lock.
func (r *Registry) Snapshot() []*types.InstanceRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.InstanceRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	return out
}

// Exited returns every registered record whose process has already exited.
// The order is that of map iteration and is not defined; callers that need a
// stable order should sort by StartedAt.
func (r *Registry) Exited() []*types.InstanceRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*types.InstanceRecord
	for _, rec := range r.records {
		select {
		case <-rec.Exited:
			out = append(out, rec)
		default:
		}
	}
	return out
}

// Remove drops key from the registry without tearing anything down; callers
// that already tore the record down directly call this, others should use
// Teardown.
func (r *Registry) Remove(key types.InstanceKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, key)
	metrics.InstancesRunning.Set(float64(len(r.records)))
}

// Teardown runs the registry's exit sequence for one key: terminate the
// process (graceful signal, force-kill after StopGracePeriod), close the log
// handle, unlink temp files, and remove the record. Safe to call on an
// already-exited process.
func (r *Registry) Teardown(ctx context.Context, key types.InstanceKey) {
	r.mu.Lock()
	rec, ok := r.records[key]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.records, key)
	metrics.InstancesRunning.Set(float64(len(r.records)))
	r.mu.Unlock()

	terminate(rec)

	if rec.LogFile != nil {
		if err := rec.LogFile.Close(); err != nil {
			log.WithComponent("registry").Warn().Err(err).Str("agent_id", rec.Key.AgentID).Msg("failed to close instance log file")
		}
	}
	if rec.MCPConfigFilePath != "" {
		_ = os.Remove(rec.MCPConfigFilePath)
	}
	if rec.PromptFilePath != "" {
		_ = os.Remove(rec.PromptFilePath)
	}
}

// terminate sends a graceful signal and waits up to StopGracePeriod before
// force-killing. It tolerates a process that has already exited; the actual
// wait4() is owned by the goroutine spawn started, never called here.
func terminate(rec *types.InstanceRecord) {
	if rec.Cmd == nil || rec.Cmd.Process == nil || rec.Exited == nil {
		return
	}

	select {
	case <-rec.Exited:
		return
	default:
	}

	_ = rec.Cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-rec.Exited:
		return
	case <-time.After(StopGracePeriod):
		_ = rec.Cmd.Process.Signal(syscall.SIGKILL)
		<-rec.Exited
	}
}
