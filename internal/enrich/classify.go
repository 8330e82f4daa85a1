package enrich

import (
	"context"
	"errors"
	"strings"

	"github.com/valkyrie-data/enrich-cli/internal/resilience"
	"github.com/valkyrie-data/enrich-cli/pkg/anthropic"
)

// classify wraps a provider error with a transient or fatal marker so the
// retry policy upstream can act without inspecting provider internals.
// parentCtx distinguishes a per-call timeout (transient) from cancellation
// of the whole run (passed through untouched).
func classify(err error, parentCtx context.Context) error {
	if err == nil {
		return nil
	}

	// The surrounding run was cancelled; not a provider failure.
	if parentCtx.Err() != nil {
		return err
	}

	// Per-call deadline expiry counts as a transient provider failure.
	if errors.Is(err, context.DeadlineExceeded) {
		return resilience.NewTransientError(err, 0)
	}

	if code := anthropic.StatusCode(err); code != 0 {
		switch {
		case code == 401 || code == 403:
			return resilience.NewFatalError(err, code)
		case resilience.IsTransientHTTPStatus(code):
			return resilience.NewTransientError(err, code)
		case code == 400 || code == 404 || code == 422:
			return resilience.NewFatalError(err, code)
		}
		return err
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "overloaded"),
		strings.Contains(msg, "too many requests"):
		return resilience.NewTransientError(err, 0)
	case strings.Contains(msg, "invalid x-api-key"),
		strings.Contains(msg, "authentication"),
		strings.Contains(msg, "permission"):
		return resilience.NewFatalError(err, 0)
	}

	// Network-level failures fall through to IsTransient's own heuristics.
	return err
}
