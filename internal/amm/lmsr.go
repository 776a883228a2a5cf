// Package amm implements the logarithmic market scoring rule for binary
// markets on fixed-point quantities.
//
// All quantities are domain.Amount values (six decimals). The cost function
// is homogeneous of degree one in (b, q), so it is evaluated directly on
// micro-units and rounded once at the boundary: buy costs round up and sell
// proceeds round down, so the market maker never loses to rounding.
package amm

import (
	"fmt"
	"math"

	"github.com/alanyoungcy/duckoracle/internal/domain"
)

// State is the market maker state needed for pricing.
type State struct {
	B    domain.Amount
	QYes domain.Amount
	QNo  domain.Amount
}

// StateOf extracts the pricing state of m.
func StateOf(m domain.Market) State {
	return State{B: m.B, QYes: m.QYes, QNo: m.QNo}
}

// Cost returns C(q) = b*ln(exp(qYes/b) + exp(qNo/b)) in micro-units.
func (s State) Cost() float64 {
	b := float64(s.B)
	return b * logSumExp(float64(s.QYes)/b, float64(s.QNo)/b)
}

// PriceYes returns the instantaneous YES price in (0,1).
func (s State) PriceYes() float64 {
	b := float64(s.B)
	// logistic form of exp(qy/b)/(exp(qy/b)+exp(qn/b))
	return 1 / (1 + math.Exp(float64(s.QNo-s.QYes)/b))
}

// Price returns the instantaneous price of outcome o.
func (s State) Price(o domain.Outcome) float64 {
	if o == domain.OutcomeYes {
		return s.PriceYes()
	}
	return 1 / (1 + math.Exp(float64(s.QYes-s.QNo)/float64(s.B)))
}

// PriceTicks returns both prices in fixed-point. They always sum to exactly
// domain.Unit.
func (s State) PriceTicks() (yes, no domain.Amount) {
	yes = domain.Amount(math.Round(s.PriceYes() * float64(domain.Unit)))
	return yes, domain.Unit - yes
}

// BuyCost returns the collateral required to buy delta shares of o,
// rounded up.
func (s State) BuyCost(o domain.Outcome, delta domain.Amount) (domain.Amount, error) {
	if err := s.check(o, delta); err != nil {
		return 0, err
	}
	b := float64(s.B)
	x := float64(delta) / b
	var c float64
	if x <= 1 {
		// C(q+d) - C(q) = b*ln(1 + p*(exp(d/b)-1))
		c = b * math.Log1p(s.Price(o)*math.Expm1(x))
	} else {
		// same difference as b*ln(p*exp(d/b) + (1-p)) in log space
		lnP, lnQ := s.logPrices(o)
		c = b * logSumExp(lnP+x, lnQ)
	}
	if c < 1 {
		// never hand out shares for free
		c = 1
	}
	return toAmount(math.Ceil(c))
}

// SellProceeds returns the collateral paid out for selling delta shares of
// o, rounded down. It does not check that delta shares are outstanding.
func (s State) SellProceeds(o domain.Outcome, delta domain.Amount) (domain.Amount, error) {
	if err := s.check(o, delta); err != nil {
		return 0, err
	}
	b := float64(s.B)
	x := float64(delta) / b
	var c float64
	if x <= 1 {
		// C(q) - C(q-d) = -b*ln(1 + p*(exp(-d/b)-1))
		c = -b * math.Log1p(s.Price(o)*math.Expm1(-x))
	} else {
		lnP, lnQ := s.logPrices(o)
		c = -b * logSumExp(lnP-x, lnQ)
	}
	if c < 0 {
		c = 0
	}
	return toAmount(math.Floor(c))
}

// logPrices returns the natural logs of the prices of o and of the other
// outcome. They stay finite where the prices themselves round to 0 or 1.
func (s State) logPrices(o domain.Outcome) (lnP, lnQ float64) {
	z := float64(s.QNo-s.QYes) / float64(s.B)
	if o == domain.OutcomeNo {
		z = -z
	}
	return -softplus(z), -softplus(-z)
}

// Apply returns the state after delta shares of o are added (negative delta
// removes shares).
func (s State) Apply(o domain.Outcome, delta domain.Amount) State {
	if o == domain.OutcomeYes {
		s.QYes += delta
	} else {
		s.QNo += delta
	}
	return s
}

// Solvent reports whether collateral plus subsidy covers the worst-case
// payout max(qYes, qNo).
func (s State) Solvent(collateral, subsidy domain.Amount) bool {
	liability := s.QYes
	if s.QNo > liability {
		liability = s.QNo
	}
	return collateral+subsidy >= liability
}

func (s State) check(o domain.Outcome, delta domain.Amount) error {
	if s.B <= 0 {
		return fmt.Errorf("amm: liquidity parameter must be positive: %w", domain.ErrInvariantViolation)
	}
	if !o.Valid() {
		return fmt.Errorf("amm: %w: %q", domain.ErrInvalidOutcome, o)
	}
	if delta <= 0 {
		return fmt.Errorf("amm: %w: %d", domain.ErrInvalidQuantity, delta)
	}
	return nil
}

// MaxLoss returns the market maker's worst-case loss ceil(b*ln 2).
func MaxLoss(b domain.Amount) domain.Amount {
	return domain.Amount(math.Ceil(float64(b) * math.Ln2))
}

// LiquidityForSubsidy returns the largest b whose MaxLoss does not exceed
// subsidy.
func LiquidityForSubsidy(subsidy domain.Amount) domain.Amount {
	b := domain.Amount(math.Floor(float64(subsidy) / math.Ln2))
	for b > 0 && MaxLoss(b) > subsidy {
		b--
	}
	return b
}

// logSumExp returns ln(exp(x)+exp(y)) shifted by the maximum so large
// exponents do not overflow.
func logSumExp(x, y float64) float64 {
	m := math.Max(x, y)
	return m + math.Log(math.Exp(x-m)+math.Exp(y-m))
}

// softplus returns ln(1+exp(z)).
func softplus(z float64) float64 {
	return math.Max(z, 0) + math.Log1p(math.Exp(-math.Abs(z)))
}

func toAmount(v float64) (domain.Amount, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) || v > math.MaxInt64/2 {
		return 0, fmt.Errorf("amm: non-finite result: %w", domain.ErrInvariantViolation)
	}
	return domain.Amount(v), nil
}
