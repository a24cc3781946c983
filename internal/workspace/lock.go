// Package workspace guards a project directory against concurrent runs.
// The durable lock marker is the single source of truth for "is a run
// already active here": runs are separate OS processes, so an in-process
// mutex cannot arbitrate them.
package workspace

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const lockFileName = "workspace.lock"

// DefaultTTL caps how long a marker stays live without being refreshed.
// Expiry must always be set so a crashed holder is eventually reclaimable.
const DefaultTTL = 30 * time.Minute

// Marker is the lock file's content, in a parse-stable format.
type Marker struct {
	Workspace  string    `json:"workspace"`
	SessionID  string    `json:"session_id"`
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// HeldError reports live contention. It carries the holder's session id so
// an operator can decide to wait, inspect, or force-clear.
type HeldError struct {
	HolderSessionID string
	HolderPID       int
	ExpiresAt       time.Time
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("workspace lock held by session %s (pid %d, expires %s)",
		e.HolderSessionID, e.HolderPID, e.ExpiresAt.Format(time.RFC3339))
}

// Lock is an exclusive hold on one workspace.
type Lock struct {
	path     string
	marker   Marker
	released bool
}

func lockPath(workspace string) string {
	return filepath.Join(workspace, ".blueprint", lockFileName)
}

// Acquire takes the workspace lock for sessionID. A live lock held by a
// different session fails with *HeldError. A stale lock — expired, or whose
// holder process on this host is gone — is silently reclaimed, treating the
// prior holder as crashed.
func Acquire(workspace, sessionID string, ttl time.Duration) (*Lock, error) {
	workspace = strings.TrimSpace(workspace)
	if workspace == "" {
		return nil, fmt.Errorf("workspace path is required")
	}
	if strings.TrimSpace(sessionID) == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	path := lockPath(workspace)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	hostname, _ := os.Hostname()
	now := time.Now().UTC()
	m := Marker{
		Workspace:  workspace,
		SessionID:  sessionID,
		PID:        os.Getpid(),
		Hostname:   hostname,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}

	// One reclaim attempt: if the first O_EXCL create loses to an existing
	// marker that turns out stale, remove it and try once more. Losing the
	// second race to a concurrent live acquirer is a genuine "held" outcome.
	for attempt := 0; attempt < 2; attempt++ {
		err := createExclusive(path, m)
		if err == nil {
			return &Lock{path: path, marker: m}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, err
		}

		existing, readErr := readMarker(path)
		if readErr != nil {
			// A garbled marker means its writer died mid-write; reclaim it.
			_ = os.Remove(path)
			continue
		}
		if isStale(existing, now, hostname) {
			_ = os.Remove(path)
			continue
		}
		return nil, &HeldError{
			HolderSessionID: existing.SessionID,
			HolderPID:       existing.PID,
			ExpiresAt:       existing.ExpiresAt,
		}
	}
	return nil, fmt.Errorf("workspace lock contention at %s", path)
}

// Release removes the marker. Idempotent: releasing twice, or a lock whose
// marker was already force-cleared, is not an error.
func (l *Lock) Release() error {
	if l == nil || l.released {
		return nil
	}
	l.released = true

	existing, err := readMarker(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		// Unreadable marker at our path: remove it rather than leak a lock.
		return removeIgnoreMissing(l.path)
	}
	// Never delete a lock a later run has legitimately reclaimed.
	if existing.SessionID != l.marker.SessionID {
		return nil
	}
	return removeIgnoreMissing(l.path)
}

// Holder returns the current marker for a workspace, or nil when unlocked.
func Holder(workspace string) (*Marker, error) {
	m, err := readMarker(lockPath(workspace))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}

// ForceClear removes the marker regardless of holder. Operator escape
// hatch for the "wait, inspect, or force-clear" decision.
func ForceClear(workspace string) error {
	return removeIgnoreMissing(lockPath(workspace))
}

func isStale(m Marker, now time.Time, hostname string) bool {
	if !m.ExpiresAt.IsZero() && now.After(m.ExpiresAt) {
		return true
	}
	// Same host: a dead holder process means a crashed run even before expiry.
	if m.PID > 0 && hostname != "" && m.Hostname == hostname && !pidAlive(m.PID) {
		return true
	}
	return false
}

func createExclusive(path string, m Marker) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return err
	}
	return f.Close()
}

func readMarker(path string) (Marker, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Marker{}, err
	}
	var m Marker
	if err := json.Unmarshal(b, &m); err != nil {
		return Marker{}, fmt.Errorf("parse lock marker %s: %w", path, err)
	}
	if strings.TrimSpace(m.SessionID) == "" {
		return Marker{}, fmt.Errorf("parse lock marker %s: empty session id", path)
	}
	return m, nil
}

func removeIgnoreMissing(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
