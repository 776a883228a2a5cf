// Package notify alerts operators about oracle events on Telegram and
// Discord. Events can be filtered so operators receive only the alerts they
// care about.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/duckoracle/internal/domain"
)

// Event types accepted by the notify.events filter.
const (
	EventFinalized      = "finalized"
	EventManualRequired = "manual_required"
	EventHalted         = "halted"
	EventChallenge      = "challenge"
	EventOverturned     = "overturned"
)

// Sender delivers a titled message on one channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier fans a notification out to every Sender. Notify drops events
// outside the configured set; an empty set allows everything.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier delivering to senders.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Notify sends title and message if event passes the filter.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// MarketFinalized reports a market's final outcome.
func (n *Notifier) MarketFinalized(ctx context.Context, m domain.Market, rec domain.ResolutionRecord) error {
	how := fmt.Sprintf("consensus %.1f%% YES, confidence %d, %d agents", rec.Probability*100, rec.Confidence, len(rec.Contributions))
	if rec.Manual {
		how = "resolved manually"
	}
	return n.Notify(ctx, EventFinalized,
		fmt.Sprintf("Finalized: %s", rec.Outcome),
		fmt.Sprintf("%s\n%s (market %s)", m.Question, how, m.ID))
}

// ManualRequired asks the operator to resolve a market by hand.
func (n *Notifier) ManualRequired(ctx context.Context, m domain.Market) error {
	return n.Notify(ctx, EventManualRequired,
		"Manual resolution required",
		fmt.Sprintf("%s\nno usable consensus after retry (market %s)", m.Question, m.ID))
}

// Halted reports an invariant violation that froze a market.
func (n *Notifier) Halted(ctx context.Context, m domain.Market) error {
	return n.Notify(ctx, EventHalted,
		"Market halted",
		fmt.Sprintf("%s\n%s (market %s)", m.Question, m.HaltReason, m.ID))
}

// Challenge reports a dispute challenge and whether it overturned the record.
func (n *Notifier) Challenge(ctx context.Context, m domain.Market, p domain.Prediction, overturned bool) error {
	event, title := EventChallenge, "Challenge rejected"
	if overturned {
		event, title = EventOverturned, "Resolution overturned"
	}
	return n.Notify(ctx, event, title,
		fmt.Sprintf("%s\nagent %s staked %s on %s (market %s)", m.Question, p.AgentID, p.Stake, p.Outcome, m.ID))
}

// dispatch sends to every sender. One failing sender does not stop the rest.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %w", errors.Join(errs...))
	}
	return nil
}
