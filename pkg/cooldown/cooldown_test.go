package cooldown

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/aiagent-coordinator/pkg/types"
)

func key(agent string) types.InstanceKey {
	return types.InstanceKey{AgentID: agent, ProjectID: "proj-1"}
}

func TestSetErrorClampsToMax(t *testing.T) {
	table := New()
	frozen := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	table.now = func() time.Time { return frozen }

	table.SetError(key("a"), "boom", 9999, 60)

	entry, ok := table.Check(key("a"))
	require.True(t, ok)
	assert.Equal(t, types.CooldownError, entry.Kind)
	assert.Equal(t, frozen.Add(60*time.Second), entry.Deadline)
}

func TestSetQuotaClampsToMax(t *testing.T) {
	table := New()
	frozen := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	table.now = func() time.Time { return frozen }

	table.SetQuota(key("a"), 500, 120, "quota exhausted")

	entry, ok := table.Check(key("a"))
	require.True(t, ok)
	assert.Equal(t, types.CooldownQuota, entry.Kind)
	assert.LessOrEqual(t, entry.Deadline.Sub(frozen), 120*time.Second)
}

func TestCheckExpires(t *testing.T) {
	table := New()
	current := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	table.now = func() time.Time { return current }

	table.SetError(key("a"), "boom", 10, 100)

	current = current.Add(20 * time.Second)
	_, ok := table.Check(key("a"))
	assert.False(t, ok, "cooldown should have expired")
}

func TestClearRemovesEntry(t *testing.T) {
	table := New()
	table.SetError(key("a"), "boom", 10, 100)
	table.Clear(key("a"))

	_, ok := table.Check(key("a"))
	assert.False(t, ok)
}

func TestCooldownPrecedesRestart(t *testing.T) {
	// Scenario 2 from the testable-properties list: an active cooldown
	// forbids relaunch for the key regardless of server instruction, until
	// the deadline passes.
	table := New()
	current := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	table.now = func() time.Time { return current }

	table.SetError(key("a"), "exit 2", 30, 60)
	_, ok := table.Check(key("a"))
	assert.True(t, ok)

	current = current.Add(31 * time.Second)
	_, ok = table.Check(key("a"))
	assert.False(t, ok)
}
