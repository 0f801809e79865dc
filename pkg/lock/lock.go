/*
Package lock implements the single-instance lock (C6): filesystem-based
exclusion keyed on the configuration identity, so two coordinators started
against the same config cannot race each other.
*/
package lock

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// ErrHeld is the distinguished error returned when another coordinator
// already holds the lock for this configuration identity.
var ErrHeld = errors.New("lock: another coordinator already holds this configuration's lock")

// Lock wraps an exclusive, process-lifetime file lock.
type Lock struct {
	path string
	fl   *flock.Flock
}

// Path returns the well-known lock file path for a given configuration
// identity, under the platform data directory.
func Path(identity string) string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	sum := sha256.Sum256([]byte(identity))
	name := hex.EncodeToString(sum[:8]) + ".lock"
	return filepath.Join(dir, "aiagent-coordinator", name)
}

// Acquire tries to exclusively take the lock file for identity. It returns
// ErrHeld if another process already holds it.
func Acquire(identity string) (*Lock, error) {
	path := Path(identity)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("lock: creating lock directory: %w", err)
	}

	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock: acquiring %s: %w", path, err)
	}
	if !ok {
		return nil, ErrHeld
	}

	return &Lock{path: path, fl: fl}, nil
}

// Release unlocks and closes the lock file. Safe to call on all exit paths,
// including signal-driven shutdown; idempotent.
func (l *Lock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	return l.fl.Unlock()
}
