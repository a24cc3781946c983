// Package session owns the Session entity and its durable checkpoint
// record. All mutation goes through the Store; the on-disk state file is
// rewritten atomically so a crash can never leave it half-written.
package session

import (
	"strings"
	"time"

	"github.com/skovachev/blueprint/internal/artifact"
)

type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

func (s Status) Terminal() bool { return s == StatusCompleted }

// Resumable reports whether an explicit resume may flip the session back
// to in_progress. paused is never terminal; failed stays resumable so an
// operator can fix the input and retry.
func (s Status) Resumable() bool { return s == StatusPaused || s == StatusFailed }

// CheckpointMeta is recorded alongside each completed stage.
type CheckpointMeta struct {
	DurationMS       int64   `json:"duration_ms"`
	Backend          string  `json:"backend,omitempty"`
	EstimatedCostUSD float64 `json:"estimated_cost_usd,omitempty"`
}

// Checkpoint records that a stage completed. Never mutated after creation.
type Checkpoint struct {
	Step        string         `json:"step"`
	CompletedAt time.Time      `json:"completed_at"`
	Artifacts   []artifact.Ref `json:"artifacts"`
	Meta        CheckpointMeta `json:"meta"`
}

// Session is the durable record of one workflow run against a workspace.
type Session struct {
	ID          string    `json:"id"`
	Status      Status    `json:"status"`
	CurrentStep string    `json:"current_step"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	DocumentSource string `json:"document_source"`
	DesignSource   string `json:"design_source,omitempty"`
	ProjectName    string `json:"project_name,omitempty"`

	// Checkpoints is append-only and strictly follows the fixed stage order.
	Checkpoints []Checkpoint `json:"checkpoints"`

	// ConfigSnapshot freezes the run configuration at create time.
	ConfigSnapshot map[string]any `json:"config_snapshot,omitempty"`

	// FailureReason is set when Status is failed.
	FailureReason string `json:"failure_reason,omitempty"`
}

// HasCheckpoint reports whether step already completed in this session.
func (s *Session) HasCheckpoint(step string) bool {
	for _, cp := range s.Checkpoints {
		if cp.Step == step {
			return true
		}
	}
	return false
}

// LastCheckpoint returns the most recent checkpoint, or nil.
func (s *Session) LastCheckpoint() *Checkpoint {
	if len(s.Checkpoints) == 0 {
		return nil
	}
	return &s.Checkpoints[len(s.Checkpoints)-1]
}

// CompletedSteps returns checkpointed step names in completion order.
func (s *Session) CompletedSteps() []string {
	out := make([]string, 0, len(s.Checkpoints))
	for _, cp := range s.Checkpoints {
		out = append(out, cp.Step)
	}
	return out
}

func (s *Session) validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return errInvalid("missing id")
	}
	switch s.Status {
	case StatusInProgress, StatusPaused, StatusCompleted, StatusFailed:
	default:
		return errInvalid("unknown status " + string(s.Status))
	}
	// current_step tracks the last checkpoint once any exists.
	if last := s.LastCheckpoint(); last != nil && s.CurrentStep != last.Step {
		return errInvalid("current_step does not match last checkpoint")
	}
	return nil
}

type errInvalid string

func (e errInvalid) Error() string { return "invalid session record: " + string(e) }
