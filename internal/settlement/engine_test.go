package settlement_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/duckoracle/internal/agent"
	"github.com/alanyoungcy/duckoracle/internal/consensus"
	"github.com/alanyoungcy/duckoracle/internal/domain"
	"github.com/alanyoungcy/duckoracle/internal/ledger"
	"github.com/alanyoungcy/duckoracle/internal/settlement"
	"github.com/alanyoungcy/duckoracle/internal/trading"
)

var t0 = time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

type env struct {
	book     *ledger.Book
	registry *agent.Registry
	resolver *consensus.Resolver
	trading  *trading.Engine
	settle   *settlement.Engine
	marketID string
	agents   map[string]domain.Agent
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		book:     ledger.NewBook(),
		registry: agent.NewRegistry(agent.Config{MinStake: domain.Units(1)}),
		agents:   map[string]domain.Agent{},
	}
	e.resolver = consensus.NewResolver(e.book, e.registry, consensus.Config{
		Weighting:         consensus.Weighting{StakeScale: domain.Units(100), MaxShare: 0.4},
		MinChallengeStake: domain.Units(10),
	})
	e.trading = trading.NewEngine(e.book, trading.Config{})
	e.settle = settlement.NewEngine(e.book, e.resolver, e.registry)

	m, err := ledger.NewMarket(ledger.MarketParams{
		Question:           "Will the 2026 Tour de France finish in Paris?",
		B:                  domain.Units(100),
		ResolutionDeadline: t0,
		SubmissionWindow:   time.Hour,
		DisputeWindow:      2 * time.Hour,
		ClaimTimeout:       24 * time.Hour,
	}, t0.Add(-72*time.Hour))
	require.NoError(t, err)
	_, err = e.book.Add(m)
	require.NoError(t, err)
	e.marketID = m.ID
	return e
}

func (e *env) buy(t *testing.T, holder string, o domain.Outcome, shares int64) {
	t.Helper()
	_, err := e.trading.Buy(trading.BuyRequest{
		MarketID: e.marketID, HolderID: holder, Outcome: o,
		Shares: domain.Units(shares), MaxCost: domain.Units(1000),
	}, t0.Add(-time.Hour))
	require.NoError(t, err)
}

func (e *env) predict(t *testing.T, name string, stake int64, o domain.Outcome, conf int) {
	t.Helper()
	a, err := e.registry.Register(agent.RegisterParams{Name: name, InitialStake: domain.Units(stake)}, t0.Add(-time.Hour))
	require.NoError(t, err)
	e.agents[name] = a
	_, err = e.resolver.SubmitPrediction(e.marketID, consensus.PredictionInput{AgentID: a.ID, Outcome: o, Confidence: conf}, t0.Add(time.Minute))
	require.NoError(t, err)
}

// finalize runs the market to Finalized with YES winning.
func (e *env) finalize(t *testing.T) {
	t.Helper()
	_, err := e.resolver.RequestResolution(e.marketID, t0)
	require.NoError(t, err)
	e.predict(t, "alpha", 100, domain.OutcomeYes, 90)
	e.predict(t, "beta", 50, domain.OutcomeYes, 60)
	e.predict(t, "gamma", 40, domain.OutcomeNo, 80)

	trs := e.resolver.Tick(t0.Add(time.Hour))
	require.Len(t, trs, 1)
	require.NoError(t, trs[0].Err)
	require.Equal(t, domain.OutcomeYes, trs[0].Record.Outcome)
	trs = e.resolver.Tick(t0.Add(3 * time.Hour))
	require.Len(t, trs, 1)
	require.Equal(t, domain.MarketStateFinalized, trs[0].To)
}

func (e *env) market(t *testing.T) domain.Market {
	t.Helper()
	l, err := e.book.Get(e.marketID)
	require.NoError(t, err)
	return l.Snapshot()
}

func TestClaim(t *testing.T) {
	e := newEnv(t)
	e.buy(t, "alice", domain.OutcomeYes, 30)
	e.buy(t, "bob", domain.OutcomeNo, 20)
	e.buy(t, "carol", domain.OutcomeYes, 10)
	e.buy(t, "carol", domain.OutcomeNo, 5)

	_, err := e.settle.Claim(e.marketID, "alice", t0)
	assert.ErrorIs(t, err, domain.ErrInvalidMarketState)

	e.finalize(t)
	now := t0.Add(4 * time.Hour)

	c, err := e.settle.Claim(e.marketID, "alice", now)
	require.NoError(t, err)
	assert.Equal(t, domain.Units(30), c.Payout)
	assert.Equal(t, domain.OutcomeYes, c.Outcome)

	_, err = e.settle.Claim(e.marketID, "alice", now)
	assert.ErrorIs(t, err, domain.ErrAlreadyClaimed)

	c, err = e.settle.Claim(e.marketID, "bob", now)
	require.NoError(t, err, "a losing claim is not an error")
	assert.Zero(t, c.Payout)

	c, err = e.settle.Claim(e.marketID, "carol", now)
	require.NoError(t, err)
	assert.Equal(t, domain.Units(10), c.Payout)

	_, err = e.settle.Claim(e.marketID, "dave", now)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	m := e.market(t)
	assert.Equal(t, domain.Units(40), m.PaidOut)
	assert.False(t, m.Halted)

	rec, err := e.resolver.Record(e.marketID)
	require.NoError(t, err)
	assert.True(t, rec.Frozen)

	closed, err := e.settle.Close(e.marketID, now)
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStateClosed, closed.State)
	require.NotNil(t, closed.ClosedAt)
}

func TestCloseAfterTimeout(t *testing.T) {
	e := newEnv(t)
	e.buy(t, "alice", domain.OutcomeYes, 30)
	e.buy(t, "bob", domain.OutcomeNo, 20)
	e.finalize(t)

	_, err := e.settle.Claim(e.marketID, "alice", t0.Add(4*time.Hour))
	require.NoError(t, err)

	_, err = e.settle.Close(e.marketID, t0.Add(4*time.Hour))
	assert.ErrorIs(t, err, domain.ErrDeadlineNotReached)
	assert.Empty(t, e.settle.Sweep(t0.Add(26*time.Hour)))

	closed := e.settle.Sweep(t0.Add(27 * time.Hour))
	require.Len(t, closed, 1)
	assert.Equal(t, domain.MarketStateClosed, closed[0].State)

	// unclaimed payouts are not forfeited by closing
	c, err := e.settle.Claim(e.marketID, "bob", t0.Add(30*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, c.Payout)
}

func TestSettleAgents(t *testing.T) {
	e := newEnv(t)
	e.finalize(t)
	now := t0.Add(3 * time.Hour)

	res, err := e.settle.SettleAgents(e.marketID, now)
	require.NoError(t, err)
	assert.Equal(t, domain.Units(40), res.Pool)

	var sum domain.Amount
	deltas := map[string]domain.Amount{}
	for _, en := range res.Entries {
		sum += en.Delta
		deltas[en.AgentID] = en.Delta
		assert.True(t, en.Counted)
	}
	assert.Equal(t, domain.Amount(0), sum+res.Residual, "settlement is zero-sum")
	assert.Equal(t, domain.Amount(26_666_666), deltas[e.agents["alpha"].ID])
	assert.Equal(t, domain.Amount(13_333_333), deltas[e.agents["beta"].ID])
	assert.Equal(t, -domain.Units(40), deltas[e.agents["gamma"].ID])
	assert.Equal(t, domain.Amount(1), res.Residual)
	assert.True(t, res.Record.Settled)

	gamma, err := e.registry.Get(e.agents["gamma"].ID)
	require.NoError(t, err)
	assert.Zero(t, gamma.Stake)
	assert.Equal(t, 1, gamma.PredictionsMade)
	assert.Zero(t, gamma.PredictionsCorrect)

	alpha, err := e.registry.Get(e.agents["alpha"].ID)
	require.NoError(t, err)
	assert.Equal(t, 1, alpha.PredictionsCorrect)
	assert.False(t, e.registry.Locked(alpha.ID))
	_, err = e.registry.WithdrawStake(alpha.ID, domain.Units(1), now)
	assert.NoError(t, err)

	_, err = e.settle.SettleAgents(e.marketID, now)
	assert.ErrorIs(t, err, domain.ErrAlreadySettled)
}

func TestDistribute(t *testing.T) {
	rec := domain.ResolutionRecord{
		Outcome: domain.OutcomeNo,
		Contributions: []domain.Contribution{
			{AgentID: "w", Outcome: domain.OutcomeNo, Stake: domain.Units(10)},
			{AgentID: "l", Outcome: domain.OutcomeYes, Stake: domain.Units(100)},
		},
		Forfeits: map[string]domain.Amount{"f": domain.Units(5)},
	}
	entries, pool, residual := settlement.Distribute(rec)
	assert.Equal(t, domain.Units(105), pool)
	assert.Equal(t, domain.Units(95), residual)
	require.Len(t, entries, 3)
	assert.Equal(t, domain.Units(10), entries[0].Delta, "reward capped at own stake")
	assert.Equal(t, -domain.Units(100), entries[1].Delta)
	assert.Equal(t, domain.AgentSettlement{AgentID: "f", Delta: -domain.Units(5)}, entries[2])

	// manual outcome nobody predicted
	rec.Outcome = domain.OutcomeYes
	rec.Contributions = rec.Contributions[:1]
	rec.Forfeits = nil
	_, pool, residual = settlement.Distribute(rec)
	assert.Equal(t, domain.Units(10), pool)
	assert.Equal(t, pool, residual)
}

func TestClaimHaltsOnCorruptRecord(t *testing.T) {
	book := ledger.NewBook()
	registry := agent.NewRegistry(agent.Config{})
	resolver := consensus.NewResolver(book, registry, consensus.Config{})
	eng := settlement.NewEngine(book, resolver, registry)

	m, err := ledger.NewMarket(ledger.MarketParams{
		Question: "q", B: domain.Units(10), SubmissionWindow: time.Hour, DisputeWindow: time.Hour,
	}, t0)
	require.NoError(t, err)
	m.State = domain.MarketStateFinalized
	l, err := book.Restore(m, nil, nil)
	require.NoError(t, err)
	resolver.Restore(m.ID, nil, &domain.ResolutionRecord{
		MarketID: m.ID, Outcome: domain.OutcomeYes, DisputeState: domain.DisputeStateFinalized,
	})

	_, err = eng.Claim(m.ID, "alice", t0)
	assert.ErrorIs(t, err, domain.ErrInvariantViolation)
	assert.True(t, l.Snapshot().Halted)

	_, err = eng.Close(m.ID, t0)
	assert.ErrorIs(t, err, domain.ErrMarketHalted)
}

func TestSettlementAcrossConcurrentMarkets(t *testing.T) {
	e := newEnv(t)
	second, err := ledger.NewMarket(ledger.MarketParams{
		Question:           "Will the 2026 Vuelta start in Turin?",
		B:                  domain.Units(100),
		ResolutionDeadline: t0,
		SubmissionWindow:   time.Hour,
		DisputeWindow:      2 * time.Hour,
	}, t0.Add(-72*time.Hour))
	require.NoError(t, err)
	_, err = e.book.Add(second)
	require.NoError(t, err)
	markets := []string{e.marketID, second.ID}

	register := func(name string, stake int64) domain.Agent {
		a, err := e.registry.Register(agent.RegisterParams{Name: name, InitialStake: domain.Units(stake)}, t0.Add(-time.Hour))
		require.NoError(t, err)
		return a
	}
	alpha := register("alpha", 200)
	beta := register("beta", 100)
	wrong := register("wrong", 80)
	before := domain.Units(380)

	submit := func(marketID string, a domain.Agent, o domain.Outcome, conf int, stake domain.Amount) (consensus.Submission, error) {
		return e.resolver.SubmitPrediction(marketID, consensus.PredictionInput{AgentID: a.ID, Outcome: o, Confidence: conf, Stake: stake}, t0.Add(time.Minute))
	}
	for _, id := range markets {
		_, err := e.resolver.RequestResolution(id, t0)
		require.NoError(t, err)
		_, err = submit(id, alpha, domain.OutcomeYes, 90, domain.Units(100))
		require.NoError(t, err)
		_, err = submit(id, beta, domain.OutcomeYes, 60, domain.Units(50))
		require.NoError(t, err)
	}

	_, err = submit(e.marketID, wrong, domain.OutcomeNo, 80, domain.Units(40))
	require.NoError(t, err)
	_, err = submit(second.ID, wrong, domain.OutcomeNo, 80, domain.Units(41))
	assert.ErrorIs(t, err, domain.ErrInsufficientStake, "stake committed elsewhere is not available")
	sub, err := submit(second.ID, wrong, domain.OutcomeNo, 80, 0)
	require.NoError(t, err)
	assert.Equal(t, domain.Units(40), sub.Prediction.Stake, "whole stake means uncommitted stake")

	require.Len(t, e.resolver.Tick(t0.Add(time.Hour)), 2)
	require.Len(t, e.resolver.Tick(t0.Add(3*time.Hour)), 2)

	now := t0.Add(4 * time.Hour)
	var residual domain.Amount
	for _, id := range markets {
		res, err := e.settle.SettleAgents(id, now)
		require.NoError(t, err)
		require.Equal(t, domain.OutcomeYes, res.Outcome)
		residual += res.Residual
	}

	var total domain.Amount
	for _, a := range e.registry.List() {
		total += a.Stake
	}
	assert.Equal(t, before, total+residual, "stake is conserved across markets")
	got, err := e.registry.Get(wrong.ID)
	require.NoError(t, err)
	assert.Zero(t, got.Stake)
	assert.False(t, e.registry.Locked(wrong.ID))
}
