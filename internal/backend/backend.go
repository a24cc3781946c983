// Package backend models the pool of interchangeable generation backends
// and the fallback dispatcher that selects a live one. The pool never
// constructs provider clients itself; callers inject Generator
// implementations so tests can substitute fakes without global state.
package backend

import (
	"context"
	"os"
	"sort"
	"strings"
)

// Generator is the capability surface a stage needs from a generation
// backend. Ping is a minimal liveness call; Generate produces output for
// an opaque prompt. Request/response mapping beyond this lives outside
// the core.
type Generator interface {
	Name() string
	Ping(ctx context.Context) error
	Generate(ctx context.Context, req Request) (Response, error)
}

type Request struct {
	Prompt string
	// Options carries backend-specific parameters the core does not inspect.
	Options map[string]any
}

type Response struct {
	Text             string
	TokensUsed       int
	EstimatedCostUSD float64
}

// Descriptor binds a Generator to its pool position and credential source.
type Descriptor struct {
	Name          string
	Priority      int
	CredentialEnv string
	Client        Generator
}

// CredentialsPresent is recomputed per invocation; an operator may export
// a key between attempts and the next dispatch should see it.
func (d Descriptor) CredentialsPresent() bool {
	if strings.TrimSpace(d.CredentialEnv) == "" {
		return true
	}
	return strings.TrimSpace(os.Getenv(d.CredentialEnv)) != ""
}

// Pool holds the fixed priority-ordered list of backends.
type Pool struct {
	backends []Descriptor
}

func NewPool(descs ...Descriptor) *Pool {
	out := make([]Descriptor, 0, len(descs))
	for _, d := range descs {
		if d.Client == nil || strings.TrimSpace(d.Name) == "" {
			continue
		}
		out = append(out, d)
	}
	// Priority asc, then name for a deterministic tie-break.
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	return &Pool{backends: out}
}

func (p *Pool) Names() []string {
	if p == nil {
		return nil
	}
	names := make([]string, 0, len(p.backends))
	for _, d := range p.backends {
		names = append(names, d.Name)
	}
	return names
}

// attemptOrder rotates the fixed list so preferred comes first and the rest
// keep their relative order, wrapping around. An unknown preferred name
// yields the fixed order unchanged.
func (p *Pool) attemptOrder(preferred string) []Descriptor {
	if p == nil || len(p.backends) == 0 {
		return nil
	}
	preferred = strings.TrimSpace(preferred)
	start := 0
	for i, d := range p.backends {
		if strings.EqualFold(d.Name, preferred) {
			start = i
			break
		}
	}
	out := make([]Descriptor, 0, len(p.backends))
	out = append(out, p.backends[start:]...)
	out = append(out, p.backends[:start]...)
	return out
}
