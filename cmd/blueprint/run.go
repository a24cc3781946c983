package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/skovachev/blueprint/internal/backend"
	"github.com/skovachev/blueprint/internal/config"
	"github.com/skovachev/blueprint/internal/session"
	"github.com/skovachev/blueprint/internal/stage"
	"github.com/skovachev/blueprint/internal/workflow"
)

var (
	flagDocument string
	flagDesign   string
	flagProject  string
	flagResume   string
	flagBackend  string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a workflow run, or resume one with --resume",
	RunE:  runRun,
}

func init() {
	runCmd.Flags().StringVar(&flagDocument, "document", "", "source document to transform")
	runCmd.Flags().StringVar(&flagDesign, "design", "", "optional design document")
	runCmd.Flags().StringVar(&flagProject, "project", "", "project name recorded on the session")
	runCmd.Flags().StringVar(&flagResume, "resume", "", "session id to resume")
	runCmd.Flags().StringVar(&flagBackend, "backend", "", "preferred backend, overriding config")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}

	preferred := cfg.PreferredBackend
	if flagBackend != "" {
		preferred = flagBackend
	}

	pool := buildPool(cfg)
	opts := workflow.Options{
		Workspace:       flagWorkspace,
		DocumentSource:  flagDocument,
		DesignSource:    flagDesign,
		ProjectName:     flagProject,
		ResumeSessionID: flagResume,
		Pool:            pool,
		Preferred:       preferred,
		Stages:          stage.Builtin(),
		StageTimeout:    cfg.StageTimeout(),
		RunTimeout:      cfg.RunTimeout(),
		LockTTL:         cfg.LockTTL(),
		ConfigSnapshot:  cfg.Snapshot(),
		Logger:          logger,
		HandleSignals:   true,
		Observer: func(ev backend.FallbackEvent) {
			logger.Warn().
				Str("failed", ev.FailedBackend).
				Str("reason", ev.Reason).
				Str("active", ev.ActiveBackend).
				Msg("backend fallback")
		},
	}

	res, err := workflow.Run(cmd.Context(), opts)
	if err != nil {
		return err
	}

	switch res.Status {
	case session.StatusPaused:
		fmt.Printf("paused session %s after %d/%d stages; resume with:\n", res.SessionID, len(res.CompletedSteps), len(stage.Names()))
		fmt.Printf("  blueprint run --workspace %s --resume %s\n", flagWorkspace, res.SessionID)
	default:
		fmt.Printf("session %s %s in %s\n", res.SessionID, res.Status, res.Duration.Round(time.Millisecond))
		for _, out := range res.Outputs[stage.Generation] {
			fmt.Println(" ", out)
		}
	}
	return nil
}

// buildPool assembles the backend pool from config. Until real provider
// clients are wired, every backend is the deterministic simulated one;
// pool ordering, credential gating, and fallback behave identically.
func buildPool(cfg config.Config) *backend.Pool {
	descs := make([]backend.Descriptor, 0, len(cfg.Backends))
	for _, b := range cfg.Backends {
		descs = append(descs, backend.Descriptor{
			Name:          b.Name,
			Priority:      b.Priority,
			CredentialEnv: b.CredentialEnv,
			Client:        backend.NewSimulated(b.Name),
		})
	}
	return backend.NewPool(descs...)
}
