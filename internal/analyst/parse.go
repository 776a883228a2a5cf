// Package analyst provides agent.Analyst implementations: persona analysts
// that prompt a text-completion backend, a market-price analyst, and a panel
// that queries several analysts concurrently.
package analyst

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/alanyoungcy/duckoracle/internal/agent"
	"github.com/alanyoungcy/duckoracle/internal/domain"
)

const defaultConfidence = 50

var (
	confidenceRe = regexp.MustCompile(`(?i)confidence[:\s]*(\d{1,3})\s*%`)
	yesRe        = regexp.MustCompile(`(?i)\b(yes|true)\b`)
	noRe         = regexp.MustCompile(`(?i)\b(no|false)\b`)
	jsonObjectRe = regexp.MustCompile(`(?s)\{.*\}`)
)

// response is the JSON shape analysts are asked to answer with. Outcome is
// decoded loosely because completions return booleans and strings alike.
type response struct {
	Outcome     any     `json:"outcome"`
	Probability float64 `json:"probability"`
	Confidence  float64 `json:"confidence"`
	Reasoning   string  `json:"reasoning"`
}

// Parse turns a completion into an Analysis. It first looks for a JSON
// object; if none decodes it falls back to scanning the text for a
// "confidence: NN%" marker and yes/no keywords. An undecidable answer gets
// zero confidence so it carries no weight.
func Parse(text string) agent.Analysis {
	if a, ok := parseJSON(text); ok {
		return a
	}
	return parseText(text)
}

func parseJSON(text string) (agent.Analysis, bool) {
	raw := jsonObjectRe.FindString(text)
	if raw == "" {
		return agent.Analysis{}, false
	}
	var r response
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return agent.Analysis{}, false
	}
	outcome, ok := outcomeOf(r.Outcome)
	if !ok {
		return agent.Analysis{}, false
	}
	return agent.Analysis{
		Outcome:    outcome,
		Confidence: clampConfidence(int(r.Confidence + 0.5)),
		Reasoning:  strings.TrimSpace(r.Reasoning),
	}, true
}

func outcomeOf(v any) (domain.Outcome, bool) {
	switch x := v.(type) {
	case bool:
		return domain.OutcomeFromBool(x), true
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "yes", "true":
			return domain.OutcomeYes, true
		case "no", "false":
			return domain.OutcomeNo, true
		}
	}
	return "", false
}

func parseText(text string) agent.Analysis {
	confidence := defaultConfidence
	if m := confidenceRe.FindStringSubmatch(text); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			confidence = clampConfidence(n)
		}
	}

	yes := yesRe.MatchString(text)
	no := noRe.MatchString(text)
	a := agent.Analysis{Reasoning: summarize(text)}
	switch {
	case yes && !no:
		a.Outcome = domain.OutcomeYes
		a.Confidence = confidence
	case no && !yes:
		a.Outcome = domain.OutcomeNo
		a.Confidence = confidence
	default:
		a.Outcome = domain.OutcomeNo
		a.Confidence = 0
	}
	return a
}

func summarize(text string) string {
	text = strings.TrimSpace(text)
	if len(text) <= 200 {
		return text
	}
	return text[:200] + "..."
}

func clampConfidence(n int) int {
	if n < 0 {
		return 0
	}
	if n > 100 {
		return 100
	}
	return n
}
