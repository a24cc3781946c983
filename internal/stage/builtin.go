package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/skovachev/blueprint/internal/backend"
)

// Builtin returns the default implementation for every pipeline step. Each
// stage dispatches a backend, sends it a step-specific prompt built from
// the inputs and prior outputs, writes the raw response into the stage
// directory, and returns a structured result for checkpointing.
func Builtin() Set {
	return Set{
		DocumentAnalysis: analyzeDocument,
		DesignAnalysis:   analyzeDesign,
		CrossValidation:  crossValidate,
		Clarification:    clarify,
		Generation:       generate,
	}
}

func analyzeDocument(ctx context.Context, in *Input) (*Result, error) {
	source, err := readSource(in.DocumentSource)
	if err != nil {
		return nil, err
	}
	prompt := "Extract the discrete requirements from the following document. " +
		"Answer with one requirement per line.\n\n" + source
	text, res, err := dispatch(ctx, in, prompt, "requirements.txt")
	if err != nil {
		return nil, err
	}
	return structured(res, map[string]any{
		"requirements": nonEmptyLines(text),
		"summary":      firstLine(text),
	})
}

func analyzeDesign(ctx context.Context, in *Input) (*Result, error) {
	if in.DesignSource == "" {
		// No design document supplied: record an explicitly empty analysis
		// so cross validation has something to compare against.
		return &Result{Document: mustJSON(map[string]any{"components": []string{}})}, nil
	}
	source, err := readSource(in.DesignSource)
	if err != nil {
		return nil, err
	}
	prompt := "List the design components described below, one per line.\n\n" + source
	text, res, err := dispatch(ctx, in, prompt, "components.txt")
	if err != nil {
		return nil, err
	}
	return structured(res, map[string]any{
		"components": nonEmptyLines(text),
	})
}

func crossValidate(ctx context.Context, in *Input) (*Result, error) {
	prompt := "Compare the extracted requirements against the design components " +
		"and report mismatches, one per line. Report nothing if they align.\n\n" +
		priorSection(in, DocumentAnalysis) + priorSection(in, DesignAnalysis)
	text, res, err := dispatch(ctx, in, prompt, "issues.txt")
	if err != nil {
		return nil, err
	}
	return structured(res, map[string]any{
		"issues": nonEmptyLines(text),
	})
}

func clarify(ctx context.Context, in *Input) (*Result, error) {
	prompt := "For each open mismatch below, phrase a clarification question " +
		"for the document author, one per line.\n\n" +
		priorSection(in, CrossValidation)
	text, res, err := dispatch(ctx, in, prompt, "questions.txt")
	if err != nil {
		return nil, err
	}
	return structured(res, map[string]any{
		"questions": nonEmptyLines(text),
	})
}

func generate(ctx context.Context, in *Input) (*Result, error) {
	prompt := "Produce the final transformed document from the analysis below.\n\n" +
		priorSection(in, DocumentAnalysis) +
		priorSection(in, CrossValidation) +
		priorSection(in, Clarification)
	text, res, err := dispatch(ctx, in, prompt, "output.md")
	if err != nil {
		return nil, err
	}
	return structured(res, map[string]any{
		"document": text,
	})
}

// dispatch obtains a backend, runs the prompt, and persists the raw
// response under the stage directory.
func dispatch(ctx context.Context, in *Input, prompt, outName string) (string, *Result, error) {
	gen, err := in.Dispatch(ctx)
	if err != nil {
		return "", nil, err
	}
	resp, err := gen.Generate(ctx, backend.Request{Prompt: prompt})
	if err != nil {
		return "", nil, fmt.Errorf("backend %s: %w", gen.Name(), err)
	}
	path := filepath.Join(in.StageDir, outName)
	if err := os.WriteFile(path, []byte(resp.Text), 0o644); err != nil {
		return "", nil, err
	}
	return resp.Text, &Result{
		BackendUsed:      gen.Name(),
		EstimatedCostUSD: resp.EstimatedCostUSD,
	}, nil
}

func structured(res *Result, doc map[string]any) (*Result, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	res.Document = b
	return res, nil
}

func readSource(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read source %s: %w", path, err)
	}
	return string(b), nil
}

// priorSection inlines the artifacts an earlier step produced, prefixed
// with the step name, for inclusion in a prompt.
func priorSection(in *Input, step string) string {
	paths := in.PriorOutputs[step]
	if len(paths) == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "## %s\n", step)
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		b.Write(data)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	return b.String()
}

func nonEmptyLines(s string) []string {
	out := []string{}
	for _, line := range strings.Split(s, "\n") {
		if t := strings.TrimSpace(line); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func firstLine(s string) string {
	lines := nonEmptyLines(s)
	if len(lines) == 0 {
		return ""
	}
	return lines[0]
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
