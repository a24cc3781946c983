package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/skovachev/blueprint/internal/artifact"
)

// ErrNotFound means no session record exists for the id.
var ErrNotFound = errors.New("session not found")

// ErrCorruptState means a record exists but cannot be parsed. This is a
// distinct condition from ErrNotFound: treating corrupt state as missing
// would silently erase a run's progress.
var ErrCorruptState = errors.New("session state is corrupt")

// ErrAlreadyCompleted rejects resuming a terminal session.
var ErrAlreadyCompleted = errors.New("session already completed")

const stateFileName = "session.json"

// Store persists sessions under <workspace>/.blueprint/sessions/<id>/,
// one atomically-rewritten state file plus one subdirectory per stage.
type Store struct {
	root  string
	steps []string
}

// NewStore roots a store in the workspace. steps is the fixed stage
// sequence; checkpoints are validated against it.
func NewStore(workspace string, steps []string) (*Store, error) {
	workspace = strings.TrimSpace(workspace)
	if workspace == "" {
		return nil, fmt.Errorf("workspace path is required")
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("stage sequence is required")
	}
	return &Store{
		root:  filepath.Join(workspace, ".blueprint", "sessions"),
		steps: append([]string{}, steps...),
	}, nil
}

func (st *Store) Root() string { return st.root }

// Dir returns the session's directory (which may not exist yet).
func (st *Store) Dir(id string) string { return filepath.Join(st.root, id) }

// StageDir returns the per-stage artifact directory for a session.
func (st *Store) StageDir(id, step string) string {
	return filepath.Join(st.Dir(id), step)
}

// NewID returns a fresh session id. ULIDs sort lexicographically by
// creation time, which is what List relies on.
func NewID() string { return ulid.Make().String() }

// Create persists a new in-progress session with no checkpoints and
// pre-creates one subdirectory per stage so later writes have a guaranteed
// destination. id may be empty, in which case one is generated.
func (st *Store) Create(id, documentSource, designSource, projectName string, cfg map[string]any) (*Session, error) {
	if strings.TrimSpace(documentSource) == "" {
		return nil, fmt.Errorf("document source is required")
	}
	if strings.TrimSpace(id) == "" {
		id = NewID()
	}
	now := time.Now().UTC()
	s := &Session{
		ID:             id,
		Status:         StatusInProgress,
		CreatedAt:      now,
		UpdatedAt:      now,
		DocumentSource: documentSource,
		DesignSource:   designSource,
		ProjectName:    projectName,
		Checkpoints:    []Checkpoint{},
		ConfigSnapshot: cfg,
	}
	for _, step := range st.steps {
		if err := os.MkdirAll(st.StageDir(s.ID, step), 0o755); err != nil {
			return nil, fmt.Errorf("create stage dir %s: %w", step, err)
		}
	}
	if err := st.persist(s); err != nil {
		return nil, err
	}
	return s, nil
}

// Load deserializes a persisted session. A missing record yields
// ErrNotFound; an unreadable or unparseable one yields ErrCorruptState.
func (st *Store) Load(id string) (*Session, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: empty id", ErrNotFound)
	}
	path := filepath.Join(st.Dir(id), stateFileName)
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("%w: read %s: %v", ErrCorruptState, path, err)
	}
	var s Session
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrCorruptState, path, err)
	}
	if err := s.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	return &s, nil
}

// Resume loads a session and flips paused/failed back to in_progress,
// leaving checkpoints and current-step untouched. Resuming a completed
// session fails with ErrAlreadyCompleted and mutates nothing. Resuming an
// in_progress session is a no-op (idempotent re-entry after a crash).
func (st *Store) Resume(id string) (*Session, error) {
	s, err := st.Load(id)
	if err != nil {
		return nil, err
	}
	switch {
	case s.Status == StatusCompleted:
		return nil, fmt.Errorf("%w: %s", ErrAlreadyCompleted, id)
	case s.Status == StatusInProgress:
		return s, nil
	case s.Status.Resumable():
		s.Status = StatusInProgress
		s.FailureReason = ""
		s.UpdatedAt = time.Now().UTC()
		if err := st.persist(s); err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%w: status %s", ErrCorruptState, s.Status)
	}
}

// Checkpoint appends a stage-completion record and persists the whole
// session atomically. A step may be checkpointed at most once, and only in
// the fixed stage order.
func (st *Store) Checkpoint(s *Session, step string, artifacts []artifact.Ref, meta CheckpointMeta) error {
	idx := st.stepIndex(step)
	if idx < 0 {
		return fmt.Errorf("unknown step: %s", step)
	}
	if s.HasCheckpoint(step) {
		return fmt.Errorf("step already checkpointed: %s", step)
	}
	if len(s.Checkpoints) != idx {
		return fmt.Errorf("step %s out of order: %d stages checkpointed, expected %d", step, len(s.Checkpoints), idx)
	}
	if artifacts == nil {
		artifacts = []artifact.Ref{}
	}
	s.Checkpoints = append(s.Checkpoints, Checkpoint{
		Step:        step,
		CompletedAt: time.Now().UTC(),
		Artifacts:   artifacts,
		Meta:        meta,
	})
	s.CurrentStep = step
	s.UpdatedAt = time.Now().UTC()
	return st.persist(s)
}

// ShouldSkip gives the orchestrator idempotent re-entrancy: a resumed run
// never re-executes a checkpointed stage.
func (st *Store) ShouldSkip(s *Session, step string) bool {
	return s.HasCheckpoint(step)
}

// Complete marks the session terminal.
func (st *Store) Complete(s *Session) error {
	s.Status = StatusCompleted
	s.UpdatedAt = time.Now().UTC()
	return st.persist(s)
}

// Pause records a graceful interruption. The session stays resumable.
func (st *Store) Pause(s *Session) error {
	s.Status = StatusPaused
	s.UpdatedAt = time.Now().UTC()
	return st.persist(s)
}

// Fail marks the session failed and writes the causing error to a separate
// artifact so malformed output is preserved for debugging without touching
// the session record's integrity.
func (st *Store) Fail(s *Session, cause error) error {
	s.Status = StatusFailed
	if cause != nil {
		s.FailureReason = strings.TrimSpace(cause.Error())
	}
	s.UpdatedAt = time.Now().UTC()

	report := map[string]any{
		"session_id":   s.ID,
		"current_step": s.CurrentStep,
		"failed_at":    s.UpdatedAt.Format(time.RFC3339Nano),
		"error":        s.FailureReason,
	}
	if b, err := json.MarshalIndent(report, "", "  "); err == nil {
		_ = os.WriteFile(filepath.Join(st.Dir(s.ID), "error.json"), b, 0o644)
	}
	return st.persist(s)
}

// VerifyArtifacts re-checks every checkpointed artifact on disk. The first
// missing or altered artifact invalidates that checkpoint and all later
// ones; those stages will re-run. Returns the invalidated step names.
func (st *Store) VerifyArtifacts(s *Session) ([]string, error) {
	for i, cp := range s.Checkpoints {
		dir := st.StageDir(s.ID, cp.Step)
		if err := artifact.Verify(dir, cp.Artifacts); err == nil {
			continue
		}
		invalidated := make([]string, 0, len(s.Checkpoints)-i)
		for _, dropped := range s.Checkpoints[i:] {
			invalidated = append(invalidated, dropped.Step)
		}
		s.Checkpoints = s.Checkpoints[:i]
		if last := s.LastCheckpoint(); last != nil {
			s.CurrentStep = last.Step
		} else {
			s.CurrentStep = ""
		}
		s.UpdatedAt = time.Now().UTC()
		if err := st.persist(s); err != nil {
			return nil, err
		}
		return invalidated, nil
	}
	return nil, nil
}

// List returns session ids under the store root in creation order.
func (st *Store) List() ([]string, error) {
	entries, err := os.ReadDir(st.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(st.root, e.Name(), stateFileName)); err != nil {
			continue
		}
		ids = append(ids, e.Name())
	}
	sort.Strings(ids)
	return ids, nil
}

func (st *Store) stepIndex(step string) int {
	for i, s := range st.steps {
		if s == step {
			return i
		}
	}
	return -1
}

func (st *Store) persist(s *Session) error {
	if err := s.validate(); err != nil {
		return err
	}
	dir := st.Dir(s.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return writeJSONAtomic(filepath.Join(dir, stateFileName), s)
}

// writeJSONAtomic writes v to path via a same-directory temp file and an
// atomic rename. A crash between write and rename leaves the previous
// state file untouched and fully parseable.
func writeJSONAtomic(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
