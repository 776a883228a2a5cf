package domain

import "time"

// MarketState is the lifecycle state of a market.
type MarketState string

const (
	MarketStateActive              MarketState = "active"
	MarketStateResolutionRequested MarketState = "resolution_requested"
	MarketStateAwaitingPredictions MarketState = "awaiting_predictions"
	MarketStateAggregating         MarketState = "aggregating"
	MarketStateDisputable          MarketState = "disputable"
	MarketStateFinalized           MarketState = "finalized"
	MarketStateClosed              MarketState = "closed"
)

// Claimable reports whether holders may claim payouts in this state.
func (s MarketState) Claimable() bool {
	return s == MarketStateFinalized || s == MarketStateClosed
}

// Resolving reports whether the market is between resolution request and
// finalization. Agents with predictions in such a market cannot withdraw.
func (s MarketState) Resolving() bool {
	switch s {
	case MarketStateResolutionRequested, MarketStateAwaitingPredictions,
		MarketStateAggregating, MarketStateDisputable:
		return true
	}
	return false
}

// Outcome is one side of a binary market.
type Outcome string

const (
	OutcomeYes Outcome = "YES"
	OutcomeNo  Outcome = "NO"
)

// Valid reports whether o is YES or NO.
func (o Outcome) Valid() bool { return o == OutcomeYes || o == OutcomeNo }

// Opposite returns the other side.
func (o Outcome) Opposite() Outcome {
	if o == OutcomeYes {
		return OutcomeNo
	}
	return OutcomeYes
}

// OutcomeFromBool maps true to YES.
func OutcomeFromBool(yes bool) Outcome {
	if yes {
		return OutcomeYes
	}
	return OutcomeNo
}

// DataSource tells analysts where the resolving data lives.
type DataSource string

const (
	DataSourceOnchain  DataSource = "onchain"
	DataSourceOffchain DataSource = "offchain"
)

// Market is a binary prediction market priced by an LMSR market maker.
//
// QYes and QNo are the outstanding shares per outcome. Collateral is the net
// sum of trade costs paid into the market maker and never includes fees.
// Subsidy is the creator-funded worst-case loss b*ln(2).
type Market struct {
	ID                 string
	Question           string
	Criteria           string
	Description        string
	Category           string
	Tags               []string
	DataSource         DataSource
	Creator            string
	B                  Amount
	QYes               Amount
	QNo                Amount
	Collateral         Amount
	Subsidy            Amount
	FeeBps             int
	FeesCollected      Amount
	PaidOut            Amount
	Volume             Amount
	State              MarketState
	ResolutionDeadline time.Time
	SubmissionWindow   time.Duration
	DisputeWindow      time.Duration
	ClaimTimeout       time.Duration
	ManualResolvable   bool // operator may request resolution before the deadline
	SubmissionDeadline time.Time
	DisputeDeadline    time.Time
	ManualRequired     bool
	Retried            bool
	Halted             bool
	HaltReason         string
	CreatedAt          time.Time
	FinalizedAt        *time.Time
	ClosedAt           *time.Time
	UpdatedAt          time.Time
}

// Shares returns the outstanding share count of outcome o.
func (m Market) Shares(o Outcome) Amount {
	if o == OutcomeYes {
		return m.QYes
	}
	return m.QNo
}

// Elapsed reports whether deadline has passed at now. A zero deadline never
// elapses.
func Elapsed(now, deadline time.Time) bool {
	return !deadline.IsZero() && !now.Before(deadline)
}
