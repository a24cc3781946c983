package backend

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// FallbackEvent notifies an observer that dispatch settled on a backend
// other than the preferred one. Ephemeral; never persisted.
type FallbackEvent struct {
	FailedBackend string
	Reason        string
	ActiveBackend string
	Timestamp     time.Time
}

// Observer receives fallback notifications. A nil observer is valid.
type Observer func(FallbackEvent)

// PermanentError aborts a dispatch without trying further candidates.
type PermanentError struct {
	BackendName string
	Err         error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("backend %s failed permanently (operator action required): %v", e.BackendName, e.Err)
}
func (e *PermanentError) Unwrap() error { return e.Err }

// ExhaustedError reports that every candidate was skipped or failed
// transiently. Err is the last observed failure.
type ExhaustedError struct {
	Attempted []string
	Err       error
}

func (e *ExhaustedError) Error() string {
	if e.Err == nil {
		return "no generation backend available (no credentials configured)"
	}
	return fmt.Sprintf("all generation backends exhausted (attempted %d, last error: %v)", len(e.Attempted), e.Err)
}
func (e *ExhaustedError) Unwrap() error { return e.Err }

// attemptOutcome is the tagged per-candidate result. The stop/continue
// policy reads the tag, never error wrapping depth.
type attemptOutcome struct {
	backend   string
	class     Class
	err       error
	succeeded bool
}

// Dispatch walks the rotated candidate list and returns the first live
// backend. Candidates without credentials are skipped silently (environment,
// not failure). A transient probe failure moves on to the next candidate; a
// permanent one aborts immediately so a configuration mistake is surfaced
// instead of silently masked by fallback.
func (p *Pool) Dispatch(ctx context.Context, preferred string, obs Observer) (Generator, error) {
	order := p.attemptOrder(preferred)
	if len(order) == 0 {
		return nil, &ExhaustedError{}
	}

	var attempted []string
	var last *attemptOutcome
	for _, d := range order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !d.CredentialsPresent() {
			continue
		}
		attempted = append(attempted, d.Name)

		out := probe(ctx, d)
		if out.succeeded {
			if obs != nil && !strings.EqualFold(d.Name, preferred) {
				ev := FallbackEvent{
					ActiveBackend: d.Name,
					Timestamp:     time.Now().UTC(),
				}
				if last != nil {
					ev.FailedBackend = last.backend
					ev.Reason = last.err.Error()
				} else {
					ev.FailedBackend = preferred
					ev.Reason = "credentials not configured"
				}
				obs(ev)
			}
			return d.Client, nil
		}
		if out.class == ClassPermanent {
			return nil, &PermanentError{BackendName: d.Name, Err: out.err}
		}
		last = &out
	}

	if last == nil {
		return nil, &ExhaustedError{Attempted: attempted}
	}
	return nil, &ExhaustedError{Attempted: attempted, Err: fmt.Errorf("%s: %w", last.backend, last.err)}
}

func probe(ctx context.Context, d Descriptor) attemptOutcome {
	err := d.Client.Ping(ctx)
	if err == nil {
		return attemptOutcome{backend: d.Name, succeeded: true}
	}
	return attemptOutcome{backend: d.Name, class: Classify(err), err: err}
}
