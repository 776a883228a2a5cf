package analyst_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/duckoracle/internal/agent"
	"github.com/alanyoungcy/duckoracle/internal/analyst"
	"github.com/alanyoungcy/duckoracle/internal/domain"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		outcome domain.Outcome
		conf    int
	}{
		{"json bool", `{"outcome": true, "probability": 70, "confidence": 82, "reasoning": "uptrend"}`, domain.OutcomeYes, 82},
		{"json in prose", "Here you go:\n{\"outcome\": false, \"confidence\": 64.6}\nthanks", domain.OutcomeNo, 65},
		{"json string outcome", `{"outcome": "YES", "confidence": 140}`, domain.OutcomeYes, 100},
		{"text yes", "I think yes. Confidence: 77%", domain.OutcomeYes, 77},
		{"text false default conf", "That claim is false.", domain.OutcomeNo, 50},
		{"ambiguous", "yes and no, confidence 90%", domain.OutcomeNo, 0},
		{"no keywords", "I cannot know that", domain.OutcomeNo, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := analyst.Parse(tt.in)
			assert.Equal(t, tt.outcome, a.Outcome)
			assert.Equal(t, tt.conf, a.Confidence)
		})
	}
}

func TestParseTruncatesReasoning(t *testing.T) {
	a := analyst.Parse("yes " + strings.Repeat("x", 400))
	assert.Len(t, a.Reasoning, 203)
}

type fakeCompleter struct {
	reply  string
	err    error
	system string
	prompt string
}

func (f *fakeCompleter) Complete(_ context.Context, system, prompt string) (string, error) {
	f.system, f.prompt = system, prompt
	return f.reply, f.err
}

func TestPersonaAnalyst(t *testing.T) {
	c := &fakeCompleter{reply: `{"outcome": true, "confidence": 71, "reasoning": "breakout"}`}
	p, err := analyst.PersonaByName("technical")
	require.NoError(t, err)

	a, err := analyst.NewPersonaAnalyst(p, c).ProduceAnalysis(context.Background(), "Will BTC hit 100k?", "Coinbase close price")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeYes, a.Outcome)
	assert.Equal(t, 71, a.Confidence)
	assert.Contains(t, c.system, "technical-analyst")
	assert.Contains(t, c.prompt, "Coinbase close price")
	assert.Contains(t, c.prompt, "support and resistance")

	c.reply = "  "
	_, err = analyst.NewPersonaAnalyst(p, c).ProduceAnalysis(context.Background(), "q", "")
	assert.ErrorIs(t, err, domain.ErrAnalysisUnavailable)

	_, err = analyst.PersonaByName("astrologer")
	assert.ErrorIs(t, err, domain.ErrInvalidParams)
}

func TestMarketPriceAnalyst(t *testing.T) {
	m := domain.Market{ID: "m1", Question: "q", B: domain.Units(100), QNo: domain.Units(50)}
	a, err := analyst.MarketPriceAnalyst{}.ProduceAnalysis(analyst.WithMarket(context.Background(), m), m.Question, "")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeNo, a.Outcome)
	assert.Equal(t, 24, a.Confidence) // |0.3775-0.5|*200

	_, err = analyst.MarketPriceAnalyst{}.ProduceAnalysis(context.Background(), "q", "")
	assert.ErrorIs(t, err, domain.ErrAnalysisUnavailable)
}

func TestPanelGather(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	panel := analyst.NewPanel(50*time.Millisecond, 2, logger)

	analysts := map[string]agent.Analyst{
		"b": agent.AnalystFunc(func(context.Context, string, string) (agent.Analysis, error) {
			return agent.Analysis{Outcome: domain.OutcomeYes, Confidence: 60}, nil
		}),
		"a": agent.AnalystFunc(func(context.Context, string, string) (agent.Analysis, error) {
			return agent.Analysis{}, errors.New("provider down")
		}),
		"c": agent.AnalystFunc(func(ctx context.Context, _, _ string) (agent.Analysis, error) {
			<-ctx.Done()
			return agent.Analysis{}, ctx.Err()
		}),
	}
	res := panel.Gather(context.Background(), analysts, domain.Market{ID: "m1", Question: "q"})
	require.Len(t, res, 3)
	assert.Equal(t, "a", res[0].AgentID)
	assert.Error(t, res[0].Err)
	assert.NoError(t, res[1].Err)
	assert.Equal(t, 60, res[1].Analysis.Confidence)
	assert.ErrorIs(t, res[2].Err, context.DeadlineExceeded)
}
