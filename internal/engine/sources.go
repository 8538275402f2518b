package engine

import (
	"context"

	"github.com/ariastack/aria-engine/internal/models"
	"github.com/ariastack/aria-engine/internal/synthesis"
)

// Reasoner is the remote reasoning capability used by the first tiers of
// every stage.
type Reasoner interface {
	synthesis.Invoker
	Enabled() bool
	SynthesizeRCA(ctx context.Context, incident any) (string, error)
}

// LogSource fetches log evidence. Implementations never fail.
type LogSource interface {
	FetchEvidence(ctx context.Context, service string, windowMinutes int) models.Evidence
}

// GraphSource fetches the dependency graph around a service. Implementations
// never fail.
type GraphSource interface {
	FetchBlastRadius(ctx context.Context, service string) models.DependencyGraph
}

// RunbookSource matches stored runbooks. Implementations never fail.
type RunbookSource interface {
	FetchRunbooks(ctx context.Context, service, query string, limit int) []models.Runbook
}

func reasonerEnabled(r Reasoner) func() bool {
	return func() bool { return r != nil && r.Enabled() }
}
