package workspace

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAcquire_ThenHeldByOtherSession(t *testing.T) {
	ws := t.TempDir()

	l, err := Acquire(ws, "session-a", time.Hour)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer func() { _ = l.Release() }()

	_, err = Acquire(ws, "session-b", time.Hour)
	var held *HeldError
	if !errors.As(err, &held) {
		t.Fatalf("got %v, want HeldError", err)
	}
	if held.HolderSessionID != "session-a" {
		t.Fatalf("holder = %s, want session-a", held.HolderSessionID)
	}
}

func TestAcquire_ReclaimsExpiredLock(t *testing.T) {
	ws := t.TempDir()
	path := lockPath(ws)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	// Expired marker from a holder that is also not our pid.
	stale := Marker{
		Workspace:  ws,
		SessionID:  "session-old",
		PID:        1 << 30, // beyond any real pid range
		Hostname:   "elsewhere",
		AcquiredAt: time.Now().UTC().Add(-2 * time.Hour),
		ExpiresAt:  time.Now().UTC().Add(-time.Hour),
	}
	b, _ := json.Marshal(stale)
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatalf("seed stale lock: %v", err)
	}

	l, err := Acquire(ws, "session-new", time.Hour)
	if err != nil {
		t.Fatalf("Acquire over stale lock: %v", err)
	}
	defer func() { _ = l.Release() }()

	holder, err := Holder(ws)
	if err != nil {
		t.Fatalf("Holder: %v", err)
	}
	if holder == nil || holder.SessionID != "session-new" {
		t.Fatalf("holder = %+v, want session-new", holder)
	}
}

func TestAcquire_ReclaimsDeadPIDOnSameHost(t *testing.T) {
	ws := t.TempDir()
	path := lockPath(ws)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	hostname, _ := os.Hostname()
	dead := Marker{
		Workspace:  ws,
		SessionID:  "session-crashed",
		PID:        1 << 30,
		Hostname:   hostname,
		AcquiredAt: time.Now().UTC(),
		ExpiresAt:  time.Now().UTC().Add(time.Hour), // not yet expired
	}
	b, _ := json.Marshal(dead)
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatalf("seed dead lock: %v", err)
	}

	l, err := Acquire(ws, "session-new", time.Hour)
	if err != nil {
		t.Fatalf("Acquire over dead-pid lock: %v", err)
	}
	_ = l.Release()
}

func TestAcquire_ReclaimsGarbledMarker(t *testing.T) {
	ws := t.TempDir()
	path := lockPath(ws)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(`{"session_id": "trunc`), 0o644); err != nil {
		t.Fatalf("seed garbled lock: %v", err)
	}

	l, err := Acquire(ws, "session-new", time.Hour)
	if err != nil {
		t.Fatalf("Acquire over garbled lock: %v", err)
	}
	_ = l.Release()
}

func TestRelease_Idempotent(t *testing.T) {
	ws := t.TempDir()
	l, err := Acquire(ws, "session-a", time.Hour)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("first Release: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}
	holder, err := Holder(ws)
	if err != nil {
		t.Fatalf("Holder: %v", err)
	}
	if holder != nil {
		t.Fatalf("lock still present after release: %+v", holder)
	}

	var nilLock *Lock
	if err := nilLock.Release(); err != nil {
		t.Fatalf("nil Release: %v", err)
	}
}

func TestRelease_DoesNotRemoveReclaimedLock(t *testing.T) {
	ws := t.TempDir()
	l, err := Acquire(ws, "session-a", time.Hour)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	// Another run force-clears and takes the lock while session-a is alive
	// but about to exit.
	if err := ForceClear(ws); err != nil {
		t.Fatalf("ForceClear: %v", err)
	}
	l2, err := Acquire(ws, "session-b", time.Hour)
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}

	if err := l.Release(); err != nil {
		t.Fatalf("stale Release: %v", err)
	}
	holder, err := Holder(ws)
	if err != nil {
		t.Fatalf("Holder: %v", err)
	}
	if holder == nil || holder.SessionID != "session-b" {
		t.Fatalf("stale release removed the new holder's lock: %+v", holder)
	}
	_ = l2.Release()
}

func TestForceClear_MissingLockIsNoError(t *testing.T) {
	ws := t.TempDir()
	if err := ForceClear(ws); err != nil {
		t.Fatalf("ForceClear on unlocked workspace: %v", err)
	}
}
