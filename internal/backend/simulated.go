package backend

import (
	"context"
	"fmt"
	"strings"
)

// Simulated is a deterministic in-process Generator used for dry runs and
// tests. PingErr and GenerateFn may be swapped to script failures.
type Simulated struct {
	BackendName string
	PingErr     error
	GenerateFn  func(ctx context.Context, req Request) (Response, error)
}

func NewSimulated(name string) *Simulated {
	return &Simulated{BackendName: name}
}

func (s *Simulated) Name() string { return s.BackendName }

func (s *Simulated) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.PingErr
}

func (s *Simulated) Generate(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	if s.GenerateFn != nil {
		return s.GenerateFn(ctx, req)
	}
	summary := strings.TrimSpace(req.Prompt)
	if len(summary) > 64 {
		summary = summary[:64]
	}
	return Response{
		Text:       fmt.Sprintf("[simulated:%s] %s", s.BackendName, summary),
		TokensUsed: len(req.Prompt) / 4,
	}, nil
}
