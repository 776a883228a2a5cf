package analyst

import (
	"context"
	"fmt"
	"math"

	"github.com/alanyoungcy/duckoracle/internal/agent"
	"github.com/alanyoungcy/duckoracle/internal/amm"
	"github.com/alanyoungcy/duckoracle/internal/domain"
)

type marketKey struct{}

// WithMarket attaches the market being analysed to ctx so analysts that need
// more than the question text can read it.
func WithMarket(ctx context.Context, m domain.Market) context.Context {
	return context.WithValue(ctx, marketKey{}, m)
}

// MarketFrom returns the market attached by WithMarket.
func MarketFrom(ctx context.Context) (domain.Market, bool) {
	m, ok := ctx.Value(marketKey{}).(domain.Market)
	return m, ok
}

// MarketPriceAnalyst follows the crowd: it predicts the side the market
// maker currently favours, with confidence proportional to the distance from
// an even price. Useful as a baseline agent.
type MarketPriceAnalyst struct {
	// MaxConfidence caps the reported confidence.
	MaxConfidence int
}

// ProduceAnalysis implements agent.Analyst.
func (a MarketPriceAnalyst) ProduceAnalysis(ctx context.Context, question, _ string) (agent.Analysis, error) {
	m, ok := MarketFrom(ctx)
	if !ok {
		return agent.Analysis{}, fmt.Errorf("analyst: market price: no market for %q: %w", question, domain.ErrAnalysisUnavailable)
	}
	p := amm.StateOf(m).PriceYes()
	conf := int(math.Round(math.Abs(p-0.5) * 200))
	if a.MaxConfidence > 0 && conf > a.MaxConfidence {
		conf = a.MaxConfidence
	}
	return agent.Analysis{
		Outcome:    domain.OutcomeFromBool(p >= 0.5),
		Confidence: conf,
		Reasoning:  fmt.Sprintf("market maker prices YES at %.4f", p),
	}, nil
}
