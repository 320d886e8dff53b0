// Package notify provides a multi-channel alerting system. Alerts are
// dispatched to all registered senders (Telegram, Discord, signed webhooks)
// and can be filtered by event type so operators receive only the alerts they
// care about.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/circuitbreaker/internal/domain"
)

// Event types.
const (
	EventInvalidSettlement = "invalid_settlement"
	EventCheckError        = "check_error"
	EventWhitelistedSolver = "whitelisted_solver"
)

// Alert is one notification. Fields are rendered in order below the body.
type Alert struct {
	Event  string  `json:"event"`
	Title  string  `json:"title"`
	Body   string  `json:"body"`
	Fields []Field `json:"fields,omitempty"`
}

// Field is a labelled value attached to an alert.
type Field struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Text renders the alert body and fields as plain lines.
func (a Alert) Text() string {
	var b strings.Builder
	b.WriteString(a.Body)
	for _, f := range a.Fields {
		fmt.Fprintf(&b, "\n%s: %s", f.Name, f.Value)
	}
	return b.String()
}

// Sender is the interface that each notification channel must implement.
type Sender interface {
	// Send delivers one alert.
	Send(ctx context.Context, alert Alert) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

// Notifier dispatches alerts to one or more Senders. It maintains a set of
// allowed event types; Notify only forwards alerts whose event type is in the
// allowed set.
type Notifier struct {
	senders []Sender
	events  map[string]bool // allowed event types
	logger  *slog.Logger
}

// NewNotifier creates a Notifier that will deliver to the given senders. Only
// events whose type appears in the events slice will be forwarded by Notify.
// If events is empty, all event types are allowed.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		allowed[strings.TrimSpace(e)] = true
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Notify sends an alert to all senders if its event type is allowed. A
// single sender failure does not prevent delivery to the remaining senders;
// all failures are joined into the returned error.
func (n *Notifier) Notify(ctx context.Context, alert Alert) error {
	if len(n.events) > 0 && !n.events[alert.Event] {
		n.logger.DebugContext(ctx, "event filtered out",
			slog.String("event", alert.Event),
		)
		return nil
	}

	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, alert); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("event", alert.Event),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("event", alert.Event),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}

// InvalidSettlement builds the alert raised when a solver is blacklisted.
func InvalidSettlement(e *domain.InvalidSettlementError) Alert {
	return Alert{
		Event: EventInvalidSettlement,
		Title: "Invalid settlement",
		Body:  fmt.Sprintf("Solver %s failed settlement checks and was blacklisted.", e.Solver.Hex()),
		Fields: []Field{
			{Name: "auction", Value: fmt.Sprint(e.AuctionID)},
			{Name: "tx", Value: e.TxHash.Hex()},
			{Name: "failed", Value: strings.Join(e.Results.Failed(), ", ")},
		},
	}
}

// CheckError builds the alert raised when a settlement could not be judged.
func CheckError(v domain.Verdict, err error) Alert {
	return Alert{
		Event: EventCheckError,
		Title: "Settlement check error",
		Body:  err.Error(),
		Fields: []Field{
			{Name: "auction", Value: fmt.Sprint(v.AuctionID)},
			{Name: "tx", Value: v.TxHash.Hex()},
			{Name: "solver", Value: v.Solver.Hex()},
		},
	}
}

// WhitelistedSolver builds the alert raised when checks were skipped for a
// trusted solver.
func WhitelistedSolver(v domain.Verdict) Alert {
	return Alert{
		Event: EventWhitelistedSolver,
		Title: "Checks skipped",
		Body:  fmt.Sprintf("Settlement by whitelisted solver %s was not checked.", v.Solver.Hex()),
		Fields: []Field{
			{Name: "auction", Value: fmt.Sprint(v.AuctionID)},
			{Name: "tx", Value: v.TxHash.Hex()},
		},
	}
}
