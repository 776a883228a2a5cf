package consensus

import (
	"fmt"
	"math"
	"sort"

	"github.com/alanyoungcy/duckoracle/internal/domain"
)

const probEpsilon = 1e-12

// errEvenTie is returned when the weighted vote and the market price are
// both exactly even. The market then needs an operator outcome.
var errEvenTie = fmt.Errorf("%w: tie at even market price", domain.ErrNoValidPredictions)

// Weighting configures how predictions are weighted.
type Weighting struct {
	// StakeScale is the stake at which the stake factor reaches 1-1/e.
	StakeScale domain.Amount
	// MaxShare caps any single prediction's share of total weight. Zero
	// disables the cap.
	MaxShare float64
}

// StakeFactor is the saturating stake weight 1-exp(-stake/scale).
func (w Weighting) StakeFactor(stake domain.Amount) float64 {
	if stake <= 0 {
		return 0
	}
	if w.StakeScale <= 0 {
		return 1
	}
	return -math.Expm1(-float64(stake) / float64(w.StakeScale))
}

// Ballot is a prediction paired with its agent's current stake.
type Ballot struct {
	Prediction domain.Prediction
	AgentStake domain.Amount
}

// Result is the output of one aggregation run.
type Result struct {
	Outcome       domain.Outcome
	Probability   float64
	Confidence    int
	Contributions []domain.Contribution
	TotalWeight   float64
	TieBroken     bool
}

// Aggregate combines ballots into an outcome. priceYes is the market
// maker's YES price used to break an exact tie.
func Aggregate(ballots []Ballot, priceYes float64, w Weighting) (Result, error) {
	contribs := weigh(ballots, w)

	var yes, total float64
	for _, c := range contribs {
		total += c.Weight
		if c.Outcome == domain.OutcomeYes {
			yes += c.Weight
		}
	}
	if total <= 0 {
		return Result{Contributions: contribs}, fmt.Errorf("consensus: zero total weight over %d predictions: %w", len(ballots), domain.ErrNoValidPredictions)
	}

	res := Result{
		Probability:   yes / total,
		Contributions: contribs,
		TotalWeight:   total,
	}
	switch {
	case math.Abs(res.Probability-0.5) <= probEpsilon:
		res.Probability = 0.5
		res.TieBroken = true
		switch {
		case math.Abs(priceYes-0.5) <= probEpsilon:
			return res, errEvenTie
		case priceYes > 0.5:
			res.Outcome = domain.OutcomeYes
		default:
			res.Outcome = domain.OutcomeNo
		}
	case res.Probability > 0.5:
		res.Outcome = domain.OutcomeYes
	default:
		res.Outcome = domain.OutcomeNo
	}
	res.Confidence = int(math.Round(math.Abs(res.Probability-0.5) * 200))
	return res, nil
}

// weigh drops zero-stake agents, computes raw weights and applies the share
// cap. Contributions with zero weight are dropped.
func weigh(ballots []Ballot, w Weighting) []domain.Contribution {
	out := make([]domain.Contribution, 0, len(ballots))
	for _, b := range ballots {
		stake := b.Prediction.Stake
		if b.AgentStake < stake {
			stake = b.AgentStake
		}
		if stake <= 0 {
			continue
		}
		weight := float64(b.Prediction.Confidence) / 100 * w.StakeFactor(stake)
		if weight <= 0 {
			continue
		}
		out = append(out, domain.Contribution{
			PredictionID: b.Prediction.ID,
			AgentID:      b.Prediction.AgentID,
			Outcome:      b.Prediction.Outcome,
			Confidence:   b.Prediction.Confidence,
			Stake:        stake,
			Weight:       weight,
		})
	}
	capShares(out, w.MaxShare)
	return out
}

// capShares limits every weight to maxShare of the total by water-filling:
// the largest weights are pinned to maxShare*T where T is the resulting
// total. The cap only applies when it is satisfiable, i.e. n*maxShare > 1.
func capShares(cs []domain.Contribution, maxShare float64) {
	n := len(cs)
	if maxShare <= 0 || maxShare >= 1 || float64(n)*maxShare <= 1 {
		return
	}

	idx := make([]int, n)
	var free float64
	for i := range cs {
		idx[i] = i
		free += cs[i].Weight
	}
	sort.Slice(idx, func(a, b int) bool { return cs[idx[a]].Weight > cs[idx[b]].Weight })

	capped := 0
	total := free
	for capped < n {
		denom := 1 - float64(capped+1)*maxShare
		head := cs[idx[capped]].Weight
		if head <= maxShare*total || denom <= 0 {
			break
		}
		free -= head
		capped++
		total = free / (1 - float64(capped)*maxShare)
	}
	if capped == 0 {
		return
	}
	limit := maxShare * total
	for _, i := range idx[:capped] {
		cs[i].Weight = limit
	}
}
