// Package workflow drives the five-stage document pipeline: it owns the
// workspace lock, the session record, and stage sequencing. Backend
// selection stays in the dispatcher and stage semantics stay in their
// implementations; this package only decides what runs next and when to
// stop.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/skovachev/blueprint/internal/artifact"
	"github.com/skovachev/blueprint/internal/backend"
	"github.com/skovachev/blueprint/internal/session"
	"github.com/skovachev/blueprint/internal/stage"
	"github.com/skovachev/blueprint/internal/workspace"
)

// Options configures a single Run. Workspace is the project directory the
// pipeline operates on; all state lives under its .blueprint subtree.
type Options struct {
	Workspace      string
	DocumentSource string
	DesignSource   string
	ProjectName    string

	// ResumeSessionID continues an existing session instead of creating one.
	ResumeSessionID string

	Pool      *backend.Pool
	Preferred string
	Stages    stage.Set

	StageTimeout time.Duration
	RunTimeout   time.Duration
	LockTTL      time.Duration

	// ConfigSnapshot is recorded verbatim on newly created sessions.
	ConfigSnapshot map[string]any

	Observer backend.Observer
	Logger   zerolog.Logger

	// HandleSignals enables the interrupt-to-pause behavior. Tests leave it
	// off and cancel the context directly.
	HandleSignals bool
}

func (o *Options) validate() error {
	if o.Workspace == "" {
		return errors.New("workspace is required")
	}
	if o.Pool == nil {
		return errors.New("backend pool is required")
	}
	for _, step := range stage.Names() {
		if _, ok := o.Stages[step]; !ok {
			return fmt.Errorf("no implementation registered for stage %s", step)
		}
	}
	if o.ResumeSessionID == "" && o.DocumentSource == "" {
		return errors.New("document source is required for a new session")
	}
	return nil
}

// Result summarizes a finished Run. Status is the session's final status,
// which is paused rather than failed when the run was interrupted.
type Result struct {
	SessionID      string
	Status         session.Status
	CompletedSteps []string
	// Outputs maps each completed step to the absolute paths of its
	// recorded artifacts.
	Outputs  map[string][]string
	Duration time.Duration
}

const (
	defaultStageTimeout = 10 * time.Minute
	defaultRunTimeout   = time.Hour
)

// Run executes the pipeline to completion, pause, or failure. Exactly one
// run may hold a workspace at a time; a second concurrent Run fails fast
// with workspace.HeldError.
func Run(ctx context.Context, opts Options) (*Result, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.StageTimeout <= 0 {
		opts.StageTimeout = defaultStageTimeout
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = defaultRunTimeout
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 2 * opts.RunTimeout
		if opts.LockTTL < workspace.DefaultTTL {
			opts.LockTTL = workspace.DefaultTTL
		}
	}
	log := opts.Logger

	store, err := session.NewStore(opts.Workspace, stage.Names())
	if err != nil {
		return nil, err
	}

	sid := opts.ResumeSessionID
	if sid == "" {
		sid = session.NewID()
	}

	lock, err := workspace.Acquire(opts.Workspace, sid, opts.LockTTL)
	if err != nil {
		return nil, err
	}
	defer func() {
		if rerr := lock.Release(); rerr != nil {
			log.Warn().Err(rerr).Msg("workspace lock release failed")
		}
	}()

	s, err := openSession(store, sid, opts, log)
	if err != nil {
		return nil, err
	}

	runCtx := ctx
	var sigCtx context.Context
	if opts.HandleSignals {
		var stop context.CancelFunc
		sigCtx, stop = signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()
		go func() {
			<-sigCtx.Done()
			// Restore default handling so a second signal terminates
			// immediately instead of queueing another pause.
			stop()
		}()
		runCtx = sigCtx
	}
	runCtx, cancel := context.WithTimeout(runCtx, opts.RunTimeout)
	defer cancel()

	started := time.Now()
	res, err := runStages(runCtx, store, s, opts, log)
	if err != nil {
		if interrupted(sigCtx, ctx) {
			log.Warn().Str("session_id", s.ID).Str("stage", nextStep(s)).
				Msg("interrupted, pausing session")
			if perr := store.Pause(s); perr != nil {
				return nil, fmt.Errorf("pause after interrupt: %w", perr)
			}
			return summarize(store, s, started), nil
		}
		if ferr := store.Fail(s, err); ferr != nil {
			log.Error().Err(ferr).Msg("recording failure state failed")
		}
		return nil, err
	}
	res.Duration = time.Since(started)
	return res, nil
}

// interrupted reports whether the run stopped because of a delivered
// signal rather than a caller cancellation or an ordinary stage error.
func interrupted(sigCtx, parent context.Context) bool {
	return sigCtx != nil && sigCtx.Err() != nil && parent.Err() == nil
}

func openSession(store *session.Store, sid string, opts Options, log zerolog.Logger) (*session.Session, error) {
	if opts.ResumeSessionID == "" {
		s, err := store.Create(sid, opts.DocumentSource, opts.DesignSource, opts.ProjectName, opts.ConfigSnapshot)
		if err != nil {
			return nil, err
		}
		log.Info().Str("session_id", s.ID).Msg("session created")
		return s, nil
	}

	s, err := store.Resume(sid)
	if err != nil {
		return nil, err
	}
	invalidated, err := store.VerifyArtifacts(s)
	if err != nil {
		return nil, fmt.Errorf("verify checkpoint artifacts: %w", err)
	}
	if len(invalidated) > 0 {
		log.Warn().Strs("stages", invalidated).
			Msg("checkpoint artifacts missing or altered, stages will rerun")
	}
	log.Info().Str("session_id", s.ID).
		Strs("completed", s.CompletedSteps()).
		Msg("session resumed")
	return s, nil
}

func runStages(ctx context.Context, store *session.Store, s *session.Session, opts Options, log zerolog.Logger) (*Result, error) {
	for _, step := range stage.Names() {
		if store.ShouldSkip(s, step) {
			log.Info().Str("session_id", s.ID).Str("stage", step).Msg("stage already checkpointed, skipping")
			continue
		}
		if err := runOne(ctx, store, s, step, opts, log); err != nil {
			return nil, err
		}
	}
	if err := store.Complete(s); err != nil {
		return nil, err
	}
	log.Info().Str("session_id", s.ID).Msg("workflow completed")
	return summarize(store, s, time.Time{}), nil
}

func runOne(ctx context.Context, store *session.Store, s *session.Session, step string, opts Options, log zerolog.Logger) error {
	fn := opts.Stages[step]
	log.Info().Str("session_id", s.ID).Str("stage", step).Msg("stage starting")

	in := &stage.Input{
		SessionID:      s.ID,
		DocumentSource: s.DocumentSource,
		DesignSource:   s.DesignSource,
		StageDir:       store.StageDir(s.ID, step),
		PriorOutputs:   priorOutputs(store, s),
		Timeout:        opts.StageTimeout,
		Dispatch: func(ctx context.Context) (backend.Generator, error) {
			return opts.Pool.Dispatch(ctx, opts.Preferred, opts.Observer)
		},
	}

	stageCtx, cancel := context.WithTimeout(ctx, opts.StageTimeout)
	defer cancel()

	started := time.Now()
	res, err := fn(stageCtx, in)
	if err != nil {
		return fmt.Errorf("stage %s: %w", step, err)
	}
	if err := stage.ValidateResult(step, res.Document); err != nil {
		return fmt.Errorf("stage %s: %w", step, err)
	}

	patterns := res.ArtifactPatterns
	if len(patterns) == 0 {
		patterns = artifact.DefaultPatterns
	}
	refs, err := artifact.Collect(in.StageDir, patterns)
	if err != nil {
		return fmt.Errorf("stage %s: collect artifacts: %w", step, err)
	}

	meta := session.CheckpointMeta{
		DurationMS:       time.Since(started).Milliseconds(),
		Backend:          res.BackendUsed,
		EstimatedCostUSD: res.EstimatedCostUSD,
	}
	if err := store.Checkpoint(s, step, refs, meta); err != nil {
		return fmt.Errorf("stage %s: %w", step, err)
	}
	log.Info().Str("session_id", s.ID).Str("stage", step).
		Str("backend", res.BackendUsed).
		Int("artifacts", len(refs)).
		Dur("elapsed", time.Since(started)).
		Msg("stage checkpointed")
	return nil
}

func priorOutputs(store *session.Store, s *session.Session) map[string][]string {
	out := make(map[string][]string, len(s.Checkpoints))
	for _, cp := range s.Checkpoints {
		dir := store.StageDir(s.ID, cp.Step)
		paths := make([]string, 0, len(cp.Artifacts))
		for _, ref := range cp.Artifacts {
			paths = append(paths, filepath.Join(dir, filepath.FromSlash(ref.Path)))
		}
		out[cp.Step] = paths
	}
	return out
}

func summarize(store *session.Store, s *session.Session, started time.Time) *Result {
	res := &Result{
		SessionID:      s.ID,
		Status:         s.Status,
		CompletedSteps: s.CompletedSteps(),
		Outputs:        priorOutputs(store, s),
	}
	if !started.IsZero() {
		res.Duration = time.Since(started)
	}
	return res
}

// nextStep names the first stage without a checkpoint, for log context.
func nextStep(s *session.Session) string {
	for _, step := range stage.Names() {
		if !s.HasCheckpoint(step) {
			return step
		}
	}
	return ""
}
