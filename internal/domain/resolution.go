package domain

import "time"

// DisputeState tracks a resolution record through its dispute window.
type DisputeState string

const (
	DisputeStateOpen       DisputeState = "open"
	DisputeStateOverturned DisputeState = "overturned"
	DisputeStateFinalized  DisputeState = "finalized"
)

// Contribution is one prediction's share of an aggregation.
type Contribution struct {
	PredictionID string
	AgentID      string
	Outcome      Outcome
	Confidence   int
	Stake        Amount
	Weight       float64
}

// ResolutionRecord is the single authoritative resolution of a market. Later
// records for the same market supersede earlier drafts.
type ResolutionRecord struct {
	MarketID        string
	Outcome         Outcome
	Probability     float64
	Confidence      int
	Contributions   []Contribution
	TotalWeight     float64
	Cycle           int
	TieBroken       bool
	Manual          bool
	DisputeState    DisputeState
	DisputeDeadline time.Time
	Forfeits        map[string]Amount // agent id -> forfeited challenge stake
	Frozen          bool
	Settled         bool
	Residual        Amount
	AggregatedAt    time.Time
	FinalizedAt     *time.Time
}

// Clone returns a deep copy.
func (r ResolutionRecord) Clone() ResolutionRecord {
	out := r
	out.Contributions = append([]Contribution(nil), r.Contributions...)
	if r.Forfeits != nil {
		out.Forfeits = make(map[string]Amount, len(r.Forfeits))
		for k, v := range r.Forfeits {
			out.Forfeits[k] = v
		}
	}
	if r.FinalizedAt != nil {
		t := *r.FinalizedAt
		out.FinalizedAt = &t
	}
	return out
}

// Counted reports whether agentID already contributed to the record.
func (r ResolutionRecord) Counted(agentID string) bool {
	for _, c := range r.Contributions {
		if c.AgentID == agentID {
			return true
		}
	}
	return false
}

// AgentSettlement is the stake change and accuracy update applied to one
// agent when a market's agents are settled.
type AgentSettlement struct {
	AgentID string
	Delta   Amount // positive reward or negative slash
	Correct bool
	Counted bool // false for forfeited challenges, which do not affect accuracy
}
