/*
Package cooldown implements the per-key relaunch ban table (C2): a mapping
from InstanceKey to CooldownEntry, mutated only by the control loop.

Only the control loop mutates the table, so no locking is required for
correctness today, but the map access is still guarded by a mutex so the
type tolerates a future parallel extension without a silent data race.
*/
package cooldown

import (
	"sync"
	"time"

	"github.com/cuemby/aiagent-coordinator/pkg/metrics"
	"github.com/cuemby/aiagent-coordinator/pkg/types"
)

// Table is the cooldown table (C2).
type Table struct {
	mu      sync.Mutex
	entries map[types.InstanceKey]types.CooldownEntry
	now     func() time.Time
}

// New creates an empty cooldown table.
func New() *Table {
	return &Table{
		entries: make(map[types.InstanceKey]types.CooldownEntry),
		now:     time.Now,
	}
}

// Check returns the active entry for key, if any. An entry whose deadline
// has passed is lazily removed and reported as absent.
func (t *Table) Check(key types.InstanceKey) (types.CooldownEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[key]
	if !ok {
		return types.CooldownEntry{}, false
	}
	if !t.now().Before(entry.Deadline) {
		delete(t.entries, key)
		t.observeActive()
		return types.CooldownEntry{}, false
	}
	return entry, true
}

// SetError records an error-kind cooldown with deadline now + defaultSeconds,
// clamped to maxSeconds.
func (t *Table) SetError(key types.InstanceKey, msg string, defaultSeconds, maxSeconds int) {
	wait := defaultSeconds
	if wait > maxSeconds {
		wait = maxSeconds
	}
	t.set(types.CooldownEntry{
		Key:      key,
		Deadline: t.now().Add(time.Duration(wait) * time.Second),
		Reason:   msg,
		Kind:     types.CooldownError,
	})
}

// SetQuota records a quota-kind cooldown with deadline now + min(seconds,
// maxSeconds).
func (t *Table) SetQuota(key types.InstanceKey, seconds, maxSeconds int, msg string) {
	wait := seconds
	if wait > maxSeconds {
		wait = maxSeconds
	}
	t.set(types.CooldownEntry{
		Key:      key,
		Deadline: t.now().Add(time.Duration(wait) * time.Second),
		Reason:   msg,
		Kind:     types.CooldownQuota,
	})
}

func (t *Table) set(entry types.CooldownEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[entry.Key] = entry
	t.observeActive()
}

// Clear unconditionally removes any entry for key.
func (t *Table) Clear(key types.InstanceKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, key)
	t.observeActive()
}

// RemainingSeconds returns how long key is still forbidden from relaunching.
// Zero if there is no active entry.
func (t *Table) RemainingSeconds(key types.InstanceKey) float64 {
	entry, ok := t.Check(key)
	if !ok {
		return 0
	}
	remaining := entry.Deadline.Sub(t.now()).Seconds()
	if remaining < 0 {
		return 0
	}
	return remaining
}

// observeActive must be called with mu held; it refreshes the active-cooldown
// gauges by kind.
func (t *Table) observeActive() {
	counts := map[types.CooldownKind]int{types.CooldownError: 0, types.CooldownQuota: 0}
	for _, e := range t.entries {
		counts[e.Kind]++
	}
	metrics.CooldownsActive.WithLabelValues(string(types.CooldownError)).Set(float64(counts[types.CooldownError]))
	metrics.CooldownsActive.WithLabelValues(string(types.CooldownQuota)).Set(float64(counts[types.CooldownQuota]))
}
