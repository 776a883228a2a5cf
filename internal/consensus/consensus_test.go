package consensus_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/duckoracle/internal/agent"
	"github.com/alanyoungcy/duckoracle/internal/consensus"
	"github.com/alanyoungcy/duckoracle/internal/domain"
	"github.com/alanyoungcy/duckoracle/internal/ledger"
)

var t0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func ballot(id string, o domain.Outcome, conf int, stake domain.Amount) consensus.Ballot {
	return consensus.Ballot{
		Prediction: domain.Prediction{ID: id, AgentID: id, Outcome: o, Confidence: conf, Stake: stake},
		AgentStake: stake,
	}
}

func TestAggregateEqualStakes(t *testing.T) {
	w := consensus.Weighting{StakeScale: domain.Units(100), MaxShare: 0.4}
	res, err := consensus.Aggregate([]consensus.Ballot{
		ballot("a", domain.OutcomeYes, 90, domain.Units(50)),
		ballot("b", domain.OutcomeYes, 60, domain.Units(50)),
		ballot("c", domain.OutcomeNo, 80, domain.Units(50)),
	}, 0.5, w)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeYes, res.Outcome)
	assert.InDelta(t, 1.5/2.3, res.Probability, 1e-9)
	assert.Equal(t, 30, res.Confidence)
	assert.Len(t, res.Contributions, 3)
	assert.False(t, res.TieBroken)
}

func TestAggregateShareCap(t *testing.T) {
	w := consensus.Weighting{MaxShare: 0.4}
	res, err := consensus.Aggregate([]consensus.Ballot{
		ballot("whale", domain.OutcomeYes, 100, domain.Units(1)),
		ballot("b", domain.OutcomeNo, 10, domain.Units(1)),
		ballot("c", domain.OutcomeNo, 10, domain.Units(1)),
		ballot("d", domain.OutcomeNo, 10, domain.Units(1)),
	}, 0.5, w)
	require.NoError(t, err)

	// uncapped the whale holds 1.0/1.3 of the weight and wins
	assert.Equal(t, domain.OutcomeNo, res.Outcome)
	assert.InDelta(t, 0.4, res.Probability, 1e-9)
	for _, c := range res.Contributions {
		assert.LessOrEqual(t, c.Weight/res.TotalWeight, 0.4+1e-9)
	}

	// two ballots can't both stay under 40%
	res, err = consensus.Aggregate([]consensus.Ballot{
		ballot("a", domain.OutcomeYes, 90, domain.Units(1)),
		ballot("b", domain.OutcomeNo, 30, domain.Units(1)),
	}, 0.5, w)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeYes, res.Outcome)
	assert.InDelta(t, 0.75, res.Probability, 1e-9)
}

func TestAggregateTieAndEmpty(t *testing.T) {
	w := consensus.Weighting{StakeScale: domain.Units(10)}
	tie := []consensus.Ballot{
		ballot("a", domain.OutcomeYes, 70, domain.Units(5)),
		ballot("b", domain.OutcomeNo, 70, domain.Units(5)),
	}

	res, err := consensus.Aggregate(tie, 0.61, w)
	require.NoError(t, err)
	assert.True(t, res.TieBroken)
	assert.Equal(t, domain.OutcomeYes, res.Outcome)
	assert.Equal(t, 0, res.Confidence)

	res, err = consensus.Aggregate(tie, 0.3, w)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeNo, res.Outcome)

	_, err = consensus.Aggregate(tie, 0.5, w)
	assert.ErrorIs(t, err, domain.ErrNoValidPredictions)

	broke := ballot("a", domain.OutcomeYes, 90, domain.Units(5))
	broke.AgentStake = 0
	_, err = consensus.Aggregate([]consensus.Ballot{broke, ballot("b", domain.OutcomeNo, 0, domain.Units(5))}, 0.6, w)
	assert.ErrorIs(t, err, domain.ErrNoValidPredictions)

	_, err = consensus.Aggregate(nil, 0.6, w)
	assert.ErrorIs(t, err, domain.ErrNoValidPredictions)
}

func TestStakeFactor(t *testing.T) {
	w := consensus.Weighting{StakeScale: domain.Units(100)}
	assert.Zero(t, w.StakeFactor(0))
	assert.InDelta(t, 0.632120, w.StakeFactor(domain.Units(100)), 1e-6)
	assert.Less(t, w.StakeFactor(domain.Units(100)), w.StakeFactor(domain.Units(200)))
	assert.Less(t, w.StakeFactor(domain.Units(1_000_000)), 1.0+1e-12)
}

type fixture struct {
	book     *ledger.Book
	registry *agent.Registry
	resolver *consensus.Resolver
	market   domain.Market
}

func newFixture(t *testing.T, cfg consensus.Config) *fixture {
	t.Helper()
	f := &fixture{
		book:     ledger.NewBook(),
		registry: agent.NewRegistry(agent.Config{MinStake: domain.Units(1)}),
	}
	m, err := ledger.NewMarket(ledger.MarketParams{
		Question:           "Will the ECB cut rates in June 2026?",
		Category:           "macro",
		B:                  domain.Units(100),
		ResolutionDeadline: t0,
		SubmissionWindow:   time.Hour,
		DisputeWindow:      2 * time.Hour,
	}, t0.Add(-48*time.Hour))
	require.NoError(t, err)
	_, err = f.book.Add(m)
	require.NoError(t, err)
	f.market = m
	f.resolver = consensus.NewResolver(f.book, f.registry, cfg)
	return f
}

func (f *fixture) agent(t *testing.T, name string, stake int64, specs ...string) domain.Agent {
	t.Helper()
	a, err := f.registry.Register(agent.RegisterParams{
		Name:            name,
		Specializations: specs,
		InitialStake:    domain.Units(stake),
	}, t0.Add(-time.Hour))
	require.NoError(t, err)
	return a
}

func (f *fixture) state(t *testing.T) domain.Market {
	t.Helper()
	l, err := f.book.Get(f.market.ID)
	require.NoError(t, err)
	return l.Snapshot()
}

func defaultConfig() consensus.Config {
	return consensus.Config{
		Weighting:         consensus.Weighting{StakeScale: domain.Units(100), MaxShare: 0.4},
		MinChallengeStake: domain.Units(10),
	}
}

func TestRequestResolution(t *testing.T) {
	f := newFixture(t, defaultConfig())

	_, err := f.resolver.RequestResolution(f.market.ID, t0.Add(-time.Minute))
	assert.ErrorIs(t, err, domain.ErrDeadlineNotReached)

	m, err := f.resolver.RequestResolution(f.market.ID, t0)
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStateAwaitingPredictions, m.State)
	assert.Equal(t, t0.Add(time.Hour), m.SubmissionDeadline)

	_, err = f.resolver.RequestResolution(f.market.ID, t0)
	assert.ErrorIs(t, err, domain.ErrInvalidMarketState)

	_, err = f.resolver.RequestResolution("missing", t0)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestResolutionLifecycle(t *testing.T) {
	f := newFixture(t, defaultConfig())
	a := f.agent(t, "alpha", 100)
	b := f.agent(t, "beta", 100)
	c := f.agent(t, "gamma", 100)

	_, err := f.resolver.SubmitPrediction(f.market.ID, consensus.PredictionInput{AgentID: a.ID, Outcome: domain.OutcomeYes, Confidence: 90}, t0)
	assert.ErrorIs(t, err, domain.ErrInvalidMarketState)

	trs := f.resolver.Tick(t0)
	require.Len(t, trs, 1)
	assert.Equal(t, domain.MarketStateAwaitingPredictions, trs[0].To)

	now := t0.Add(10 * time.Minute)
	for _, in := range []consensus.PredictionInput{
		{AgentID: a.ID, Outcome: domain.OutcomeYes, Confidence: 90},
		{AgentID: b.ID, Outcome: domain.OutcomeYes, Confidence: 60},
		{AgentID: c.ID, Outcome: domain.OutcomeNo, Confidence: 80},
	} {
		sub, err := f.resolver.SubmitPrediction(f.market.ID, in, now)
		require.NoError(t, err)
		assert.Equal(t, domain.Units(100), sub.Prediction.Stake)
		assert.Nil(t, sub.Record)
	}

	_, err = f.resolver.SubmitPrediction(f.market.ID, consensus.PredictionInput{AgentID: a.ID, Outcome: domain.OutcomeYes, Confidence: 101}, now)
	assert.ErrorIs(t, err, domain.ErrInvalidConfidence)

	_, err = f.registry.WithdrawStake(a.ID, domain.Units(1), now)
	assert.ErrorIs(t, err, domain.ErrFundsLocked)

	assert.Empty(t, f.resolver.Tick(now))

	trs = f.resolver.Tick(t0.Add(time.Hour))
	require.Len(t, trs, 1)
	require.NoError(t, trs[0].Err)
	assert.Equal(t, domain.MarketStateDisputable, trs[0].To)
	rec := trs[0].Record
	require.NotNil(t, rec)
	assert.Equal(t, domain.OutcomeYes, rec.Outcome)
	assert.InDelta(t, 0.652, rec.Probability, 5e-4)
	assert.Equal(t, domain.DisputeStateOpen, rec.DisputeState)
	assert.Equal(t, t0.Add(3*time.Hour), rec.DisputeDeadline)

	_, err = f.resolver.SubmitPrediction(f.market.ID, consensus.PredictionInput{AgentID: a.ID, Outcome: domain.OutcomeYes, Confidence: 90}, t0.Add(2*time.Hour))
	assert.ErrorIs(t, err, domain.ErrChallengeRejected)

	_, err = f.resolver.Freeze(f.market.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidMarketState)

	trs = f.resolver.Tick(t0.Add(3 * time.Hour))
	require.Len(t, trs, 1)
	assert.Equal(t, domain.MarketStateFinalized, trs[0].To)
	assert.Equal(t, domain.DisputeStateFinalized, trs[0].Record.DisputeState)
	assert.Equal(t, domain.MarketStateFinalized, f.state(t).State)

	frozen, err := f.resolver.Freeze(f.market.ID)
	require.NoError(t, err)
	assert.True(t, frozen.Frozen)

	settled, err := f.resolver.MarkSettled(f.market.ID, 0)
	require.NoError(t, err)
	assert.True(t, settled.Settled)
	assert.False(t, f.registry.Locked(a.ID))
	_, err = f.resolver.MarkSettled(f.market.ID, 0)
	assert.ErrorIs(t, err, domain.ErrAlreadySettled)
}

func TestResubmitReplaces(t *testing.T) {
	f := newFixture(t, defaultConfig())
	a := f.agent(t, "alpha", 100)
	_, err := f.resolver.RequestResolution(f.market.ID, t0)
	require.NoError(t, err)

	first, err := f.resolver.SubmitPrediction(f.market.ID, consensus.PredictionInput{AgentID: a.ID, Outcome: domain.OutcomeYes, Confidence: 90, Stake: domain.Units(40)}, t0)
	require.NoError(t, err)
	second, err := f.resolver.SubmitPrediction(f.market.ID, consensus.PredictionInput{AgentID: a.ID, Outcome: domain.OutcomeNo, Confidence: 70}, t0.Add(time.Minute))
	require.NoError(t, err)

	assert.Equal(t, first.Prediction.ID, second.Prediction.ID)
	preds := f.resolver.Predictions(f.market.ID)
	require.Len(t, preds, 1)
	assert.Equal(t, domain.OutcomeNo, preds[0].Outcome)

	_, err = f.resolver.SubmitPrediction(f.market.ID, consensus.PredictionInput{AgentID: a.ID, Outcome: domain.OutcomeNo, Confidence: 70, Stake: domain.Units(101)}, t0.Add(time.Minute))
	assert.ErrorIs(t, err, domain.ErrInsufficientStake)

	_, err = f.resolver.SubmitPrediction(f.market.ID, consensus.PredictionInput{AgentID: a.ID, Outcome: domain.OutcomeNo, Confidence: 70}, t0.Add(time.Hour))
	assert.ErrorIs(t, err, domain.ErrDeadlineElapsed)
}

func TestQuorumAggregatesEarly(t *testing.T) {
	cfg := defaultConfig()
	cfg.Quorum = 2
	f := newFixture(t, cfg)
	a := f.agent(t, "alpha", 100, "macro")
	b := f.agent(t, "beta", 100, "sports")
	c := f.agent(t, "gamma", 100, "macro", "crypto")

	_, err := f.resolver.RequestResolution(f.market.ID, t0)
	require.NoError(t, err)

	sub, err := f.resolver.SubmitPrediction(f.market.ID, consensus.PredictionInput{AgentID: a.ID, Outcome: domain.OutcomeYes, Confidence: 80}, t0)
	require.NoError(t, err)
	assert.Nil(t, sub.Record)
	sub, err = f.resolver.SubmitPrediction(f.market.ID, consensus.PredictionInput{AgentID: b.ID, Outcome: domain.OutcomeYes, Confidence: 80}, t0)
	require.NoError(t, err)
	assert.Nil(t, sub.Record, "non-specialist does not count toward quorum")

	sub, err = f.resolver.SubmitPrediction(f.market.ID, consensus.PredictionInput{AgentID: c.ID, Outcome: domain.OutcomeNo, Confidence: 50}, t0)
	require.NoError(t, err)
	require.NotNil(t, sub.Record)
	assert.Equal(t, domain.OutcomeYes, sub.Record.Outcome)
	assert.Len(t, sub.Record.Contributions, 3)
	assert.Equal(t, domain.MarketStateDisputable, f.state(t).State)
}

func TestNoPredictionsFallsBackToManual(t *testing.T) {
	cfg := defaultConfig()
	cfg.RetryWindow = 30 * time.Minute
	f := newFixture(t, cfg)
	a := f.agent(t, "alpha", 100)

	_, err := f.resolver.ResolveManually(f.market.ID, domain.OutcomeYes, t0)
	assert.ErrorIs(t, err, domain.ErrInvalidMarketState)

	_, err = f.resolver.RequestResolution(f.market.ID, t0)
	require.NoError(t, err)

	trs := f.resolver.Tick(t0.Add(time.Hour))
	require.Len(t, trs, 1)
	assert.ErrorIs(t, trs[0].Err, domain.ErrNoValidPredictions)
	m := f.state(t)
	assert.Equal(t, domain.MarketStateAwaitingPredictions, m.State)
	assert.True(t, m.Retried)
	assert.False(t, m.ManualRequired)
	assert.Equal(t, t0.Add(90*time.Minute), m.SubmissionDeadline)

	_, err = f.resolver.ResolveManually(f.market.ID, domain.OutcomeYes, t0.Add(time.Hour))
	assert.ErrorIs(t, err, domain.ErrManualNotRequired)

	// a zero-confidence prediction carries no weight
	_, err = f.resolver.SubmitPrediction(f.market.ID, consensus.PredictionInput{AgentID: a.ID, Outcome: domain.OutcomeYes, Confidence: 0}, t0.Add(time.Hour))
	require.NoError(t, err)

	trs = f.resolver.Tick(t0.Add(90 * time.Minute))
	require.Len(t, trs, 1)
	assert.ErrorIs(t, trs[0].Err, domain.ErrNoValidPredictions)
	m = f.state(t)
	assert.True(t, m.ManualRequired)
	assert.Equal(t, domain.MarketStateAwaitingPredictions, m.State)
	assert.Empty(t, f.resolver.Tick(t0.Add(5*time.Hour)))

	_, err = f.resolver.SubmitPrediction(f.market.ID, consensus.PredictionInput{AgentID: a.ID, Outcome: domain.OutcomeYes, Confidence: 50}, t0.Add(2*time.Hour))
	assert.ErrorIs(t, err, domain.ErrInvalidMarketState)

	rec, err := f.resolver.ResolveManually(f.market.ID, domain.OutcomeNo, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.True(t, rec.Manual)
	assert.Equal(t, domain.OutcomeNo, rec.Outcome)
	assert.Equal(t, domain.DisputeStateFinalized, rec.DisputeState)
	assert.Empty(t, rec.Contributions)
	assert.Equal(t, domain.MarketStateFinalized, f.state(t).State)
}

func TestChallengeReopensOnce(t *testing.T) {
	f := newFixture(t, defaultConfig())
	a := f.agent(t, "alpha", 100)
	b := f.agent(t, "beta", 100)
	c := f.agent(t, "gamma", 100)
	d := f.agent(t, "delta", 100)
	e := f.agent(t, "epsilon", 100)
	g := f.agent(t, "zeta", 100)
	poor := f.agent(t, "eta", 100)

	_, err := f.resolver.RequestResolution(f.market.ID, t0)
	require.NoError(t, err)
	for _, in := range []consensus.PredictionInput{
		{AgentID: a.ID, Outcome: domain.OutcomeYes, Confidence: 90},
		{AgentID: b.ID, Outcome: domain.OutcomeYes, Confidence: 60},
		{AgentID: c.ID, Outcome: domain.OutcomeNo, Confidence: 80},
	} {
		_, err := f.resolver.SubmitPrediction(f.market.ID, in, t0)
		require.NoError(t, err)
	}
	trs := f.resolver.Tick(t0.Add(time.Hour))
	require.Len(t, trs, 1)
	require.Equal(t, domain.OutcomeYes, trs[0].Record.Outcome)

	now := t0.Add(90 * time.Minute)
	_, err = f.resolver.Challenge(f.market.ID, consensus.PredictionInput{AgentID: poor.ID, Outcome: domain.OutcomeNo, Confidence: 100, Stake: domain.Units(5)}, now)
	assert.ErrorIs(t, err, domain.ErrInsufficientStake)
	_, err = f.resolver.Challenge(f.market.ID, consensus.PredictionInput{AgentID: c.ID, Outcome: domain.OutcomeNo, Confidence: 100}, now)
	assert.ErrorIs(t, err, domain.ErrChallengeRejected)

	sub, err := f.resolver.Challenge(f.market.ID, consensus.PredictionInput{AgentID: d.ID, Outcome: domain.OutcomeNo, Confidence: 100}, now)
	require.NoError(t, err)
	require.NotNil(t, sub.Record)
	require.NotNil(t, sub.Overturned)
	assert.Equal(t, domain.OutcomeNo, sub.Record.Outcome)
	assert.Equal(t, 1, sub.Record.Cycle)
	assert.Equal(t, domain.DisputeStateOverturned, sub.Overturned.DisputeState)
	assert.Equal(t, now.Add(2*time.Hour), sub.Record.DisputeDeadline)
	assert.True(t, sub.Prediction.Challenge)
	assert.Len(t, f.resolver.History(f.market.ID), 1)
	assert.Equal(t, domain.MarketStateDisputable, f.state(t).State)

	// would flip back, but the reopen is spent
	_, err = f.resolver.Challenge(f.market.ID, consensus.PredictionInput{AgentID: e.ID, Outcome: domain.OutcomeYes, Confidence: 100}, now)
	assert.ErrorIs(t, err, domain.ErrChallengeRejected)
	assert.False(t, f.registry.Locked(e.ID))
	assert.Equal(t, domain.MarketStateDisputable, f.state(t).State)

	// does not flip: forfeits and upholds
	sub, err = f.resolver.Challenge(f.market.ID, consensus.PredictionInput{AgentID: g.ID, Outcome: domain.OutcomeYes, Confidence: 20, Stake: domain.Units(20)}, now)
	assert.ErrorIs(t, err, domain.ErrChallengeRejected)
	require.NotNil(t, sub.Record)
	assert.Equal(t, domain.Units(20), sub.Record.Forfeits[g.ID])
	assert.Equal(t, domain.DisputeStateFinalized, sub.Record.DisputeState)
	assert.Equal(t, domain.MarketStateFinalized, f.state(t).State)
	assert.True(t, f.registry.Locked(g.ID))

	rec, err := f.resolver.Record(f.market.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeNo, rec.Outcome)
	assert.False(t, rec.Counted(g.ID))
	assert.True(t, rec.Counted(d.ID))
	assert.Len(t, f.resolver.Predictions(f.market.ID), 5)
}

func TestChallengeAfterWindow(t *testing.T) {
	f := newFixture(t, defaultConfig())
	a := f.agent(t, "alpha", 100)
	d := f.agent(t, "delta", 100)
	_, err := f.resolver.RequestResolution(f.market.ID, t0)
	require.NoError(t, err)
	_, err = f.resolver.SubmitPrediction(f.market.ID, consensus.PredictionInput{AgentID: a.ID, Outcome: domain.OutcomeYes, Confidence: 90}, t0)
	require.NoError(t, err)
	f.resolver.Tick(t0.Add(time.Hour))

	_, err = f.resolver.Challenge(f.market.ID, consensus.PredictionInput{AgentID: d.ID, Outcome: domain.OutcomeNo, Confidence: 100}, t0.Add(3*time.Hour))
	assert.ErrorIs(t, err, domain.ErrDeadlineElapsed)
}

func TestRestore(t *testing.T) {
	f := newFixture(t, defaultConfig())
	a := f.agent(t, "alpha", 100)
	p := domain.Prediction{ID: "p1", MarketID: f.market.ID, AgentID: a.ID, Outcome: domain.OutcomeYes, Confidence: 70, Stake: domain.Units(10), SubmittedAt: t0}
	rec := &domain.ResolutionRecord{MarketID: f.market.ID, Outcome: domain.OutcomeYes, DisputeState: domain.DisputeStateOpen}

	f.resolver.Restore(f.market.ID, []domain.Prediction{p}, rec)
	assert.True(t, f.registry.Locked(a.ID))
	got, err := f.resolver.Record(f.market.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeYes, got.Outcome)
	assert.Len(t, f.resolver.Predictions(f.market.ID), 1)

	_, err = f.resolver.Record("other")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
