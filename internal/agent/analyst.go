package agent

import (
	"context"

	"github.com/alanyoungcy/duckoracle/internal/domain"
)

// Analysis is an analyst's view on how a market resolves.
type Analysis struct {
	Outcome    domain.Outcome `json:"outcome"`
	Confidence int            `json:"confidence"`
	Reasoning  string         `json:"reasoning"`
}

// Analyst produces an analysis for a market question. Implementations may
// call out to external services; they must honour ctx cancellation.
type Analyst interface {
	ProduceAnalysis(ctx context.Context, question, criteria string) (Analysis, error)
}

// AnalystFunc adapts a function to the Analyst interface.
type AnalystFunc func(ctx context.Context, question, criteria string) (Analysis, error)

// ProduceAnalysis calls f.
func (f AnalystFunc) ProduceAnalysis(ctx context.Context, question, criteria string) (Analysis, error) {
	return f(ctx, question, criteria)
}
