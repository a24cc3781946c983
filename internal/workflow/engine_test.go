package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/skovachev/blueprint/internal/backend"
	"github.com/skovachev/blueprint/internal/session"
	"github.com/skovachev/blueprint/internal/stage"
	"github.com/skovachev/blueprint/internal/workspace"
)

func testPool(t *testing.T) *backend.Pool {
	t.Helper()
	return backend.NewPool(
		backend.Descriptor{Name: "alpha", Priority: 0, Client: backend.NewSimulated("alpha")},
		backend.Descriptor{Name: "beta", Priority: 1, Client: backend.NewSimulated("beta")},
	)
}

func validDoc(step string) json.RawMessage {
	switch step {
	case stage.DocumentAnalysis:
		return json.RawMessage(`{"requirements":["r1"]}`)
	case stage.DesignAnalysis:
		return json.RawMessage(`{"components":["c1"]}`)
	case stage.CrossValidation:
		return json.RawMessage(`{"issues":[]}`)
	case stage.Clarification:
		return json.RawMessage(`{"questions":[]}`)
	case stage.Generation:
		return json.RawMessage(`{"document":"done"}`)
	}
	return nil
}

// countingStages returns a full stage set where every stage records its
// call count, writes one output file, and succeeds.
func countingStages(counts map[string]*int) stage.Set {
	set := stage.Set{}
	for _, step := range stage.Names() {
		step := step
		n := new(int)
		counts[step] = n
		set[step] = func(ctx context.Context, in *stage.Input) (*stage.Result, error) {
			*n++
			path := filepath.Join(in.StageDir, "out.txt")
			if err := os.WriteFile(path, []byte(step), 0o644); err != nil {
				return nil, err
			}
			return &stage.Result{Document: validDoc(step), BackendUsed: "alpha"}, nil
		}
	}
	return set
}

func baseOptions(t *testing.T, ws string, set stage.Set) Options {
	t.Helper()
	return Options{
		Workspace:      ws,
		DocumentSource: writeSource(t, ws, "doc.md", "first requirement\nsecond requirement\n"),
		DesignSource:   writeSource(t, ws, "design.md", "storage component\n"),
		ProjectName:    "demo",
		Pool:           testPool(t),
		Preferred:      "alpha",
		Stages:         set,
		StageTimeout:   5 * time.Second,
		RunTimeout:     time.Minute,
		Logger:         zerolog.Nop(),
	}
}

func writeSource(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunCompletesAllStages(t *testing.T) {
	ws := t.TempDir()
	counts := map[string]*int{}
	opts := baseOptions(t, ws, countingStages(counts))

	res, err := Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != session.StatusCompleted {
		t.Fatalf("status = %s, want completed", res.Status)
	}
	if len(res.CompletedSteps) != len(stage.Names()) {
		t.Fatalf("completed = %v", res.CompletedSteps)
	}
	for step, n := range counts {
		if *n != 1 {
			t.Fatalf("stage %s ran %d times", step, *n)
		}
	}
	for _, step := range stage.Names() {
		if len(res.Outputs[step]) == 0 {
			t.Fatalf("no recorded outputs for %s", step)
		}
	}

	// The lock must be gone once the run returns.
	if m, err := workspace.Holder(ws); err != nil {
		t.Fatal(err)
	} else if m != nil {
		t.Fatalf("lock still held by %s", m.SessionID)
	}
}

func TestResumeSkipsCheckpointedStages(t *testing.T) {
	ws := t.TempDir()
	counts := map[string]*int{}
	set := countingStages(counts)

	// First run dies at cross_validation.
	boom := errors.New("backend mangled the response")
	set[stage.CrossValidation] = func(ctx context.Context, in *stage.Input) (*stage.Result, error) {
		return nil, boom
	}
	opts := baseOptions(t, ws, set)
	res, err := Run(context.Background(), opts)
	if err == nil {
		t.Fatal("expected first run to fail")
	}
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if res != nil {
		t.Fatalf("failed run returned a result: %+v", res)
	}

	ids, err := ListSessions(ws)
	if err != nil || len(ids) != 1 {
		t.Fatalf("sessions = %v, err = %v", ids, err)
	}
	if ids[0].Status != session.StatusFailed {
		t.Fatalf("status after failure = %s", ids[0].Status)
	}
	if ids[0].FailureReason == "" {
		t.Fatal("failure reason not recorded")
	}

	// Second run resumes and only reruns the three unfinished stages.
	fixed := 0
	set[stage.CrossValidation] = func(ctx context.Context, in *stage.Input) (*stage.Result, error) {
		fixed++
		if err := os.WriteFile(filepath.Join(in.StageDir, "out.txt"), []byte("x"), 0o644); err != nil {
			return nil, err
		}
		return &stage.Result{Document: validDoc(stage.CrossValidation)}, nil
	}
	opts.ResumeSessionID = ids[0].ID
	res, err = Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if res.Status != session.StatusCompleted {
		t.Fatalf("status = %s", res.Status)
	}
	if *counts[stage.DocumentAnalysis] != 1 || *counts[stage.DesignAnalysis] != 1 {
		t.Fatal("checkpointed stages reran on resume")
	}
	if fixed != 1 {
		t.Fatalf("cross_validation ran %d times on resume", fixed)
	}
	if *counts[stage.Clarification] != 1 || *counts[stage.Generation] != 1 {
		t.Fatal("later stages did not run exactly once")
	}
}

func TestResumeRerunsStagesWithAlteredArtifacts(t *testing.T) {
	ws := t.TempDir()
	counts := map[string]*int{}
	set := countingStages(counts)
	stop := errors.New("stopping here")
	set[stage.Clarification] = func(ctx context.Context, in *stage.Input) (*stage.Result, error) {
		return nil, stop
	}
	opts := baseOptions(t, ws, set)
	if _, err := Run(context.Background(), opts); !errors.Is(err, stop) {
		t.Fatalf("err = %v", err)
	}

	sums, err := ListSessions(ws)
	if err != nil || len(sums) != 1 {
		t.Fatalf("sessions = %v, err = %v", sums, err)
	}
	id := sums[0].ID

	// Corrupt the design_analysis output on disk, then resume. Everything
	// from design_analysis onward must rerun.
	altered := filepath.Join(ws, ".blueprint", "sessions", id, stage.DesignAnalysis, "out.txt")
	if err := os.WriteFile(altered, []byte("tampered"), 0o644); err != nil {
		t.Fatal(err)
	}
	counts2 := map[string]*int{}
	opts.Stages = countingStages(counts2)
	opts.ResumeSessionID = id

	res, err := Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if res.Status != session.StatusCompleted {
		t.Fatalf("status = %s", res.Status)
	}
	if *counts2[stage.DocumentAnalysis] != 0 {
		t.Fatal("document_analysis reran despite intact artifacts")
	}
	for _, step := range []string{stage.DesignAnalysis, stage.CrossValidation, stage.Clarification, stage.Generation} {
		if *counts2[step] != 1 {
			t.Fatalf("stage %s ran %d times after invalidation", step, *counts2[step])
		}
	}
}

func TestRunRejectsInvalidStageResult(t *testing.T) {
	ws := t.TempDir()
	counts := map[string]*int{}
	set := countingStages(counts)
	set[stage.DocumentAnalysis] = func(ctx context.Context, in *stage.Input) (*stage.Result, error) {
		return &stage.Result{Document: json.RawMessage(`{"unexpected":true}`)}, nil
	}
	opts := baseOptions(t, ws, set)
	if _, err := Run(context.Background(), opts); err == nil {
		t.Fatal("expected validation failure")
	}
	sums, err := ListSessions(ws)
	if err != nil || len(sums) != 1 {
		t.Fatalf("sessions = %v, err = %v", sums, err)
	}
	if sums[0].Status != session.StatusFailed {
		t.Fatalf("status = %s", sums[0].Status)
	}
	if sums[0].Checkpoints != 0 {
		t.Fatal("invalid stage result was checkpointed")
	}
}

func TestSecondRunFailsWhileLockHeld(t *testing.T) {
	ws := t.TempDir()
	counts := map[string]*int{}
	set := countingStages(counts)

	inStage := make(chan struct{})
	release := make(chan struct{})
	set[stage.DocumentAnalysis] = func(ctx context.Context, in *stage.Input) (*stage.Result, error) {
		close(inStage)
		<-release
		return &stage.Result{Document: validDoc(stage.DocumentAnalysis)}, nil
	}
	opts := baseOptions(t, ws, set)

	done := make(chan error, 1)
	go func() {
		_, err := Run(context.Background(), opts)
		done <- err
	}()
	<-inStage

	second := baseOptions(t, ws, countingStages(map[string]*int{}))
	_, err := Run(context.Background(), second)
	var held *workspace.HeldError
	if !errors.As(err, &held) {
		t.Fatalf("err = %v, want HeldError", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}
}

func TestInterruptPausesSession(t *testing.T) {
	ws := t.TempDir()
	counts := map[string]*int{}
	set := countingStages(counts)
	set[stage.DesignAnalysis] = func(ctx context.Context, in *stage.Input) (*stage.Result, error) {
		if err := syscall.Kill(os.Getpid(), syscall.SIGINT); err != nil {
			return nil, err
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	opts := baseOptions(t, ws, set)
	opts.HandleSignals = true

	res, err := Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != session.StatusPaused {
		t.Fatalf("status = %s, want paused", res.Status)
	}
	if got := res.CompletedSteps; len(got) != 1 || got[0] != stage.DocumentAnalysis {
		t.Fatalf("completed = %v", got)
	}

	sum, err := Inspect(ws, res.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Status != session.StatusPaused {
		t.Fatalf("persisted status = %s", sum.Status)
	}
	if sum.NextStep != stage.DesignAnalysis {
		t.Fatalf("next step = %s", sum.NextStep)
	}
}

func TestRunWithBuiltinStagesAndFallback(t *testing.T) {
	ws := t.TempDir()
	alpha := backend.NewSimulated("alpha")
	alpha.PingErr = backend.ErrorFromHTTPStatus("alpha", 503, "maintenance", nil)
	pool := backend.NewPool(
		backend.Descriptor{Name: "alpha", Priority: 0, Client: alpha},
		backend.Descriptor{Name: "beta", Priority: 1, Client: backend.NewSimulated("beta")},
	)

	var events []backend.FallbackEvent
	opts := baseOptions(t, ws, stage.Builtin())
	opts.Pool = pool
	opts.Observer = func(ev backend.FallbackEvent) { events = append(events, ev) }

	res, err := Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != session.StatusCompleted {
		t.Fatalf("status = %s", res.Status)
	}
	if len(events) == 0 {
		t.Fatal("no fallback events despite preferred backend being down")
	}
	for _, ev := range events {
		if ev.ActiveBackend != "beta" || ev.FailedBackend != "alpha" {
			t.Fatalf("event = %+v", ev)
		}
	}

	// The generation stage must leave the final document on disk.
	out := res.Outputs[stage.Generation]
	if len(out) != 1 {
		t.Fatalf("generation outputs = %v", out)
	}
	body, err := os.ReadFile(out[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(body) == 0 {
		t.Fatal("generated document is empty")
	}
}

func TestResumeCompletedSessionFails(t *testing.T) {
	ws := t.TempDir()
	opts := baseOptions(t, ws, countingStages(map[string]*int{}))
	res, err := Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	opts.ResumeSessionID = res.SessionID
	if _, err := Run(context.Background(), opts); !errors.Is(err, session.ErrAlreadyCompleted) {
		t.Fatalf("err = %v, want ErrAlreadyCompleted", err)
	}
}

func TestOptionsValidate(t *testing.T) {
	set := countingStages(map[string]*int{})
	cases := []struct {
		name string
		opts Options
	}{
		{"missing workspace", Options{Pool: testPool(t), Stages: set, DocumentSource: "x"}},
		{"missing pool", Options{Workspace: "w", Stages: set, DocumentSource: "x"}},
		{"missing stage impl", Options{Workspace: "w", Pool: testPool(t), Stages: stage.Set{}, DocumentSource: "x"}},
		{"missing document source", Options{Workspace: "w", Pool: testPool(t), Stages: set}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.opts.Logger = zerolog.Nop()
			if _, err := Run(context.Background(), tc.opts); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestInspectUnknownSession(t *testing.T) {
	ws := t.TempDir()
	if _, err := Inspect(ws, "01J0000000000000000000XXXX"); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListSessionsSurfacesCorruptRecords(t *testing.T) {
	ws := t.TempDir()
	opts := baseOptions(t, ws, countingStages(map[string]*int{}))
	res, err := Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	state := filepath.Join(ws, ".blueprint", "sessions", res.SessionID, "session.json")
	if err := os.WriteFile(state, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	sums, err := ListSessions(ws)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sums) != 1 || !sums[0].Corrupt {
		t.Fatalf("summaries = %+v", sums)
	}
}

func TestFailureReportWritten(t *testing.T) {
	ws := t.TempDir()
	set := countingStages(map[string]*int{})
	set[stage.DocumentAnalysis] = func(ctx context.Context, in *stage.Input) (*stage.Result, error) {
		return nil, fmt.Errorf("upstream returned garbage")
	}
	opts := baseOptions(t, ws, set)
	if _, err := Run(context.Background(), opts); err == nil {
		t.Fatal("expected failure")
	}
	sums, err := ListSessions(ws)
	if err != nil || len(sums) != 1 {
		t.Fatalf("sessions = %v, err = %v", sums, err)
	}
	report := filepath.Join(ws, ".blueprint", "sessions", sums[0].ID, "error.json")
	if _, err := os.Stat(report); err != nil {
		t.Fatalf("failure report missing: %v", err)
	}
}
