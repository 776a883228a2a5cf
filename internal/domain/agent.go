package domain

import "time"

// Agent is a registered oracle agent. Agents are deactivated, never deleted.
type Agent struct {
	ID                 string
	Name               string
	Address            string // optional EVM address; when set, predictions must be signed
	Specializations    []string
	Expertise          map[string]int // tag -> 0..100
	Stake              Amount
	PredictionsMade    int
	PredictionsCorrect int
	Active             bool
	RegisteredAt       time.Time
	UpdatedAt          time.Time
}

// Accuracy returns the fraction of settled predictions that were correct.
func (a Agent) Accuracy() float64 {
	if a.PredictionsMade == 0 {
		return 0
	}
	return float64(a.PredictionsCorrect) / float64(a.PredictionsMade)
}

// Specialized reports whether the agent lists category among its
// specializations. An empty category matches every agent.
func (a Agent) Specialized(category string) bool {
	if category == "" {
		return true
	}
	for _, s := range a.Specializations {
		if s == category {
			return true
		}
	}
	return false
}

// Prediction is one agent's staked view on a market's outcome.
type Prediction struct {
	ID          string
	MarketID    string
	AgentID     string
	Outcome     Outcome
	Confidence  int // 0..100
	Reasoning   string
	Stake       Amount
	Cycle       int
	Challenge   bool
	Signature   string
	SubmittedAt time.Time
}
