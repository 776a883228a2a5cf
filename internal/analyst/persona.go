package analyst

import (
	"context"
	"fmt"
	"strings"

	"github.com/alanyoungcy/duckoracle/internal/agent"
	"github.com/alanyoungcy/duckoracle/internal/domain"
)

// Completer is a text-completion backend such as llm.Client.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// Persona is an analyst role with its prompt focus.
type Persona struct {
	Name  string
	Focus []string
}

// Built-in personas.
var (
	Technical = Persona{Name: "technical-analyst", Focus: []string{
		"technical indicators", "price action", "support and resistance levels", "key risk factors",
	}}
	Sentiment = Persona{Name: "sentiment-analyst", Focus: []string{
		"market sentiment indicators", "social media trends", "news sentiment", "fear and greed signals",
	}}
	Historical = Persona{Name: "historical-analyst", Focus: []string{
		"historical precedents", "cyclical trends and seasonality", "similar past events", "fundamentals",
	}}
	News = Persona{Name: "news-analyst", Focus: []string{
		"recent news", "regulatory changes", "industry announcements", "geopolitical factors",
	}}
)

// PersonaByName returns a built-in persona.
func PersonaByName(name string) (Persona, error) {
	for _, p := range []Persona{Technical, Sentiment, Historical, News} {
		if p.Name == name || strings.TrimSuffix(p.Name, "-analyst") == name {
			return p, nil
		}
	}
	return Persona{}, fmt.Errorf("analyst: unknown persona %q: %w", name, domain.ErrInvalidParams)
}

// PersonaAnalyst prompts a Completer in the voice of a persona.
type PersonaAnalyst struct {
	persona   Persona
	completer Completer
}

// NewPersonaAnalyst creates a persona analyst.
func NewPersonaAnalyst(p Persona, c Completer) *PersonaAnalyst {
	return &PersonaAnalyst{persona: p, completer: c}
}

// ProduceAnalysis implements agent.Analyst.
func (a *PersonaAnalyst) ProduceAnalysis(ctx context.Context, question, criteria string) (agent.Analysis, error) {
	system := fmt.Sprintf("You are an expert %s specializing in prediction markets. Always answer in valid JSON.", a.persona.Name)
	text, err := a.completer.Complete(ctx, system, a.prompt(question, criteria))
	if err != nil {
		return agent.Analysis{}, fmt.Errorf("analyst: %s: %w", a.persona.Name, err)
	}
	if strings.TrimSpace(text) == "" {
		return agent.Analysis{}, fmt.Errorf("analyst: %s: empty completion: %w", a.persona.Name, domain.ErrAnalysisUnavailable)
	}
	return Parse(text), nil
}

func (a *PersonaAnalyst) prompt(question, criteria string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Analyze this prediction: %q\n", question)
	if criteria != "" {
		fmt.Fprintf(&b, "Resolution criteria: %s\n", criteria)
	}
	b.WriteString("Consider:\n")
	for i, f := range a.persona.Focus {
		fmt.Fprintf(&b, "%d. %s\n", i+1, f)
	}
	b.WriteString(`Respond as JSON: {"outcome": boolean, "probability": number, "confidence": number, "reasoning": string}`)
	return b.String()
}
