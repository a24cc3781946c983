// Package stage defines the fixed five-step pipeline contract. Stage
// implementations live outside the core; the orchestrator only sees this
// package's types and a pass/fail validation outcome.
package stage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/skovachev/blueprint/internal/backend"
)

// The five ordered pipeline steps. Order is fixed; checkpoints and skip
// decisions key off these names.
const (
	DocumentAnalysis = "document_analysis"
	DesignAnalysis   = "design_analysis"
	CrossValidation  = "cross_validation"
	Clarification    = "clarification"
	Generation       = "generation"
)

var order = []string{
	DocumentAnalysis,
	DesignAnalysis,
	CrossValidation,
	Clarification,
	Generation,
}

// Names returns the fixed stage sequence. The slice is a copy.
func Names() []string {
	return append([]string{}, order...)
}

// Index returns the position of step in the fixed sequence, or -1.
func Index(step string) int {
	for i, s := range order {
		if s == step {
			return i
		}
	}
	return -1
}

// Input is everything a stage function receives. StageDir is a guaranteed,
// pre-created destination for outputs. Dispatch yields a live backend; the
// stage never selects one itself.
type Input struct {
	SessionID      string
	DocumentSource string
	DesignSource   string

	StageDir string

	// PriorOutputs maps each earlier step to the artifact paths it produced
	// (absolute).
	PriorOutputs map[string][]string

	Dispatch func(ctx context.Context) (backend.Generator, error)

	Timeout time.Duration
}

// Result is what a stage function returns on success. Document is the
// structured result validated against the stage's schema before the stage
// is checkpointed; the core never inspects it beyond that.
type Result struct {
	Document json.RawMessage

	// ArtifactPatterns restricts which files under StageDir are recorded in
	// the checkpoint. Empty means everything.
	ArtifactPatterns []string

	BackendUsed      string
	EstimatedCostUSD float64
}

// Func is the contract stage implementations satisfy.
type Func func(ctx context.Context, in *Input) (*Result, error)

// Set maps step names to implementations. The orchestrator requires an
// entry for every name in Names().
type Set map[string]Func
