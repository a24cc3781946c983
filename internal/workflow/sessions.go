package workflow

import (
	"errors"
	"time"

	"github.com/skovachev/blueprint/internal/session"
	"github.com/skovachev/blueprint/internal/stage"
)

// Summary is the read-only view of a session used by listing and inspect
// commands. Corrupt records are surfaced, not skipped, so an operator can
// see them.
type Summary struct {
	ID             string
	Status         session.Status
	CurrentStep    string
	NextStep       string
	CompletedSteps []string
	TotalSteps     int
	Checkpoints    int
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ProjectName    string
	FailureReason  string
	Corrupt        bool
}

// ListSessions enumerates all sessions in the workspace, newest last.
func ListSessions(workspaceDir string) ([]Summary, error) {
	store, err := session.NewStore(workspaceDir, stage.Names())
	if err != nil {
		return nil, err
	}
	ids, err := store.List()
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(ids))
	for _, id := range ids {
		s, err := store.Load(id)
		if err != nil {
			if errors.Is(err, session.ErrCorruptState) {
				out = append(out, Summary{ID: id, Corrupt: true})
				continue
			}
			return nil, err
		}
		out = append(out, summaryOf(s))
	}
	return out, nil
}

// Inspect loads a single session's summary.
func Inspect(workspaceDir, id string) (*Summary, error) {
	store, err := session.NewStore(workspaceDir, stage.Names())
	if err != nil {
		return nil, err
	}
	s, err := store.Load(id)
	if err != nil {
		return nil, err
	}
	sum := summaryOf(s)
	return &sum, nil
}

func summaryOf(s *session.Session) Summary {
	return Summary{
		ID:             s.ID,
		Status:         s.Status,
		CurrentStep:    s.CurrentStep,
		NextStep:       nextStep(s),
		CompletedSteps: s.CompletedSteps(),
		TotalSteps:     len(stage.Names()),
		Checkpoints:    len(s.Checkpoints),
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
		ProjectName:    s.ProjectName,
		FailureReason:  s.FailureReason,
	}
}
