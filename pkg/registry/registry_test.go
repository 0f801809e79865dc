package registry

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/aiagent-coordinator/pkg/types"
)

// spawnTestRecord starts a real short-lived process and wires up the
// Exited/ExitCode bookkeeping the way pkg/spawn does, without pulling in
// the rest of the launch machinery.
func spawnTestRecord(t *testing.T, key types.InstanceKey, args ...string) *types.InstanceRecord {
	t.Helper()
	cmd := exec.Command(args[0], args[1:]...)
	require.NoError(t, cmd.Start())

	rec := &types.InstanceRecord{
		Key:       key,
		Cmd:       cmd,
		StartedAt: time.Now(),
		Exited:    make(chan struct{}),
	}
	go func() {
		err := cmd.Wait()
		rec.ExitErr = err
		if cmd.ProcessState != nil {
			rec.ExitCode = cmd.ProcessState.ExitCode()
		}
		close(rec.Exited)
	}()
	return rec
}

func TestAddRejectsDuplicateKey(t *testing.T) {
	r := New()
	key := types.InstanceKey{AgentID: "a", ProjectID: "p"}
	rec := spawnTestRecord(t, key, "sleep", "0.2")

	require.NoError(t, r.Add(rec))
	err := r.Add(rec)
	assert.Error(t, err)

	r.Teardown(context.Background(), key)
}

func TestGetAndLen(t *testing.T) {
	r := New()
	key := types.InstanceKey{AgentID: "a", ProjectID: "p"}
	rec := spawnTestRecord(t, key, "sleep", "0.2")
	require.NoError(t, r.Add(rec))

	got, ok := r.Get(key)
	require.True(t, ok)
	assert.Equal(t, rec, got)
	assert.Equal(t, 1, r.Len())

	r.Teardown(context.Background(), key)
	assert.Equal(t, 0, r.Len())
}

func TestExitedReportsOnlyFinishedProcesses(t *testing.T) {
	r := New()
	stillRunning := types.InstanceKey{AgentID: "a", ProjectID: "p"}
	alreadyDone := types.InstanceKey{AgentID: "b", ProjectID: "p"}

	recRunning := spawnTestRecord(t, stillRunning, "sleep", "2")
	recDone := spawnTestRecord(t, alreadyDone, "true")

	require.NoError(t, r.Add(recRunning))
	require.NoError(t, r.Add(recDone))

	require.Eventually(t, func() bool {
		select {
		case <-recDone.Exited:
			return true
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)

	exited := r.Exited()
	require.Len(t, exited, 1)
	assert.Equal(t, alreadyDone, exited[0].Key)

	r.Teardown(context.Background(), stillRunning)
	r.Teardown(context.Background(), alreadyDone)
}

func TestTeardownOnAlreadyExitedProcessIsNoOp(t *testing.T) {
	r := New()
	key := types.InstanceKey{AgentID: "a", ProjectID: "p"}
	rec := spawnTestRecord(t, key, "true")
	require.NoError(t, r.Add(rec))

	<-rec.Exited

	done := make(chan struct{})
	go func() {
		r.Teardown(context.Background(), key)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("teardown of an already-exited process should return promptly")
	}

	_, ok := r.Get(key)
	assert.False(t, ok)
}

func TestTeardownForceKillsAfterGracePeriod(t *testing.T) {
	r := New()
	key := types.InstanceKey{AgentID: "a", ProjectID: "p"}
	// Ignores SIGTERM; only SIGKILL after the grace period stops it.
	rec := spawnTestRecord(t, key, "sh", "-c", "trap '' TERM; sleep 5")
	require.NoError(t, r.Add(rec))

	// Give the trap a moment to install.
	time.Sleep(100 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		r.Teardown(context.Background(), key)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(StopGracePeriod + 3*time.Second):
		t.Fatal("teardown never force-killed the stubborn process")
	}
}

func TestRemoveDropsWithoutTerminating(t *testing.T) {
	r := New()
	key := types.InstanceKey{AgentID: "a", ProjectID: "p"}
	rec := spawnTestRecord(t, key, "sleep", "0.2")
	require.NoError(t, r.Add(rec))

	r.Remove(key)
	_, ok := r.Get(key)
	assert.False(t, ok)

	<-rec.Exited
}
