package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"hourwatch/internal/catalog"
)

// Job names understood by the scheduler.
const (
	JobDueReport     = "due_report"
	JobSummaryReport = "summary_report"
	JobAckPoll       = "ack_poll"
)

// Report kinds.
const (
	KindDue     = "due"
	KindSummary = "summary"
	KindAlert   = "alert"
)

// RuntimeSource reads the current runtime of every machine it can reach.
// A partial snapshot may be returned together with a non-nil error.
type RuntimeSource interface {
	Runtimes(ctx context.Context) (RuntimeSnapshot, error)
}

// LogStore is the persistent completion log.
//
// Update runs fn inside the store's exclusive critical section with the
// current log and appends the records fn returns in one commit. Nothing is
// written when fn or the commit fails.
type LogStore interface {
	Load(ctx context.Context) ([]CompletionRecord, error)
	Update(ctx context.Context, fn func(log []CompletionRecord) ([]CompletionRecord, error)) error
}

// Notifier delivers a titled message to a channel.
type Notifier interface {
	Send(ctx context.Context, title, body string) error
}

// InboundMessage is a reply to a due report.
type InboundMessage struct {
	ID         string    `json:"id"`
	Sender     string    `json:"sender"`
	Subject    string    `json:"subject,omitempty"`
	Body       string    `json:"body"`
	ReceivedAt time.Time `json:"received_at"`
}

// Inbox yields replies scoped to the due report thread. Messages stay in the
// inbox until acked.
type Inbox interface {
	Fetch(ctx context.Context) ([]InboundMessage, error)
	Ack(ctx context.Context, msg InboundMessage) error
}

// Replier sends a confirmation back to whoever wrote msg.
type Replier interface {
	Reply(ctx context.Context, msg InboundMessage, title, body string) error
}

// InboundChannel pairs an inbox with the channel used to answer it.
type InboundChannel struct {
	Name    string
	Inbox   Inbox
	Replier Replier
}

// Report is a rendered report together with the data it was built from.
type Report struct {
	Kind        string          `json:"kind"`
	Title       string          `json:"title"`
	Body        string          `json:"body"`
	GeneratedAt time.Time       `json:"generated_at"`
	Runtimes    RuntimeSnapshot `json:"runtimes"`
	Due         DueSet          `json:"due"`
}

// AckOutcome is the result of processing one acknowledgment message.
type AckOutcome struct {
	MessageID    string    `json:"message_id,omitempty"`
	Sender       string    `json:"sender"`
	Result       AckResult `json:"result"`
	Malformed    []string  `json:"malformed"`
	Confirmation string    `json:"confirmation"`
}

// EngineConfig wires the engine's collaborators. Nil notifiers discard.
type EngineConfig struct {
	Catalog          *catalog.Catalog
	Runtimes         RuntimeSource
	Log              LogStore
	DueNotifier      Notifier
	SummaryNotifier  Notifier
	OperatorNotifier Notifier
	Logger           *slog.Logger
	Now              func() time.Time
}

// Engine runs the maintenance operations. Every operation recomputes the
// due-set from the catalog, the completion log and fresh telemetry.
type Engine struct {
	catalog  *catalog.Catalog
	runtimes RuntimeSource
	log      LogStore
	due      Notifier
	summary  Notifier
	operator Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewEngine validates cfg and builds an engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Catalog == nil {
		return nil, errors.New("engine: catalog is required")
	}
	if cfg.Runtimes == nil {
		return nil, errors.New("engine: runtime source is required")
	}
	if cfg.Log == nil {
		return nil, errors.New("engine: completion log is required")
	}
	e := &Engine{
		catalog:  cfg.Catalog,
		runtimes: cfg.Runtimes,
		log:      cfg.Log,
		due:      orDiscard(cfg.DueNotifier),
		summary:  orDiscard(cfg.SummaryNotifier),
		operator: orDiscard(cfg.OperatorNotifier),
		logger:   cfg.Logger,
		now:      cfg.Now,
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e, nil
}

// Catalog returns the machine catalog the engine validates against.
func (e *Engine) Catalog() *catalog.Catalog { return e.catalog }

// Runtimes reads current telemetry. Unreachable devices are logged and
// left out of the snapshot.
func (e *Engine) Runtimes(ctx context.Context) RuntimeSnapshot {
	snap, err := e.runtimes.Runtimes(ctx)
	if err != nil {
		e.logger.Warn("runtime telemetry incomplete", "err", err)
	}
	if snap == nil {
		snap = RuntimeSnapshot{}
	}
	return snap
}

// Completions returns logged completions at or after since. A zero since
// returns the whole log.
func (e *Engine) Completions(ctx context.Context, since time.Time) ([]CompletionRecord, error) {
	log, err := e.log.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load completion log: %w", err)
	}
	if since.IsZero() {
		return log, nil
	}
	out := make([]CompletionRecord, 0, len(log))
	for _, rec := range log {
		if !rec.Timestamp.Before(since) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// DueReport computes the due-set and renders the due report without sending.
func (e *Engine) DueReport(ctx context.Context) (*Report, error) {
	runtimes, due, err := e.dueSet(ctx)
	if err != nil {
		return nil, err
	}
	return &Report{
		Kind:        KindDue,
		Title:       DueReportTitle,
		Body:        FormatDueReport(e.catalog.MachineNames(), runtimes, due),
		GeneratedAt: e.now(),
		Runtimes:    runtimes,
		Due:         due,
	}, nil
}

// SendDueReport renders the due report and hands it to the due notifier.
func (e *Engine) SendDueReport(ctx context.Context) (*Report, error) {
	report, err := e.DueReport(ctx)
	if err != nil {
		return nil, err
	}
	if err := e.send(ctx, e.due, report); err != nil {
		return report, err
	}
	e.logger.Info("due report sent", "due_tasks", report.Due.Count())
	return report, nil
}

// SummaryReport renders the completions of the 24 hours before asOf and
// the tasks still due.
func (e *Engine) SummaryReport(ctx context.Context, asOf time.Time) (*Report, error) {
	log, err := e.log.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load completion log: %w", err)
	}
	runtimes := e.Runtimes(ctx)
	due := ComputeDue(asOf, runtimes, e.catalog, log)
	recordDueSet(due)
	return &Report{
		Kind:        KindSummary,
		Title:       SummaryReportTitle,
		Body:        FormatSummaryReport(e.catalog, log, due, asOf),
		GeneratedAt: asOf,
		Runtimes:    runtimes,
		Due:         due,
	}, nil
}

// SendSummaryReport renders the summary as of now and hands it to the
// summary notifier.
func (e *Engine) SendSummaryReport(ctx context.Context) (*Report, error) {
	report, err := e.SummaryReport(ctx, e.now())
	if err != nil {
		return nil, err
	}
	if err := e.send(ctx, e.summary, report); err != nil {
		return report, err
	}
	e.logger.Info("summary report sent", "pending_tasks", report.Due.Count())
	return report, nil
}

// ProcessInbound drains ch's inbox. The due-set is computed once for the
// whole pass. Each message is validated, its accepted records are committed,
// the sender gets a confirmation and the message is acked. A commit failure
// alerts the operator and ends the pass; that message and the ones after it
// stay in the inbox for the next pass.
func (e *Engine) ProcessInbound(ctx context.Context, ch InboundChannel) ([]AckOutcome, error) {
	msgs, err := ch.Inbox.Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch %s inbox: %w", ch.Name, err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	e.logger.Debug("processing inbound messages", "channel", ch.Name, "count", len(msgs))

	_, due, err := e.dueSet(ctx)
	if err != nil {
		return nil, err
	}

	outcomes := make([]AckOutcome, 0, len(msgs))
	for _, msg := range msgs {
		outcome, err := e.handle(ctx, msg, due, ch.Replier)
		if err != nil {
			return outcomes, err
		}
		outcomes = append(outcomes, *outcome)
		if err := ch.Inbox.Ack(ctx, msg); err != nil {
			e.logger.Error("ack inbound message", "channel", ch.Name, "message_id", msg.ID, "err", err)
		}
	}
	return outcomes, nil
}

// Acknowledge runs a single acknowledgment message through the same
// pipeline as ProcessInbound. replier may be nil.
func (e *Engine) Acknowledge(ctx context.Context, sender, body string, replier Replier) (*AckOutcome, error) {
	_, due, err := e.dueSet(ctx)
	if err != nil {
		return nil, err
	}
	msg := InboundMessage{Sender: sender, Body: body, ReceivedAt: e.now()}
	return e.handle(ctx, msg, due, replier)
}

// Jobs maps scheduler job names to engine operations. ack_poll is only
// present when inbound is non-nil.
func (e *Engine) Jobs(inbound *InboundChannel) map[string]JobFunc {
	jobs := map[string]JobFunc{
		JobDueReport: func(ctx context.Context) error {
			_, err := e.SendDueReport(ctx)
			return err
		},
		JobSummaryReport: func(ctx context.Context) error {
			_, err := e.SendSummaryReport(ctx)
			return err
		},
	}
	if inbound != nil {
		ch := *inbound
		jobs[JobAckPoll] = func(ctx context.Context) error {
			_, err := e.ProcessInbound(ctx, ch)
			return err
		}
	}
	return jobs
}

func (e *Engine) handle(ctx context.Context, msg InboundMessage, due DueSet, replier Replier) (*AckOutcome, error) {
	parsed := ParseAcknowledgment(msg.Body)
	outcome := &AckOutcome{MessageID: msg.ID, Sender: msg.Sender, Malformed: parsed.Malformed}

	if len(parsed.Pairs) > 0 {
		runtimes := e.Runtimes(ctx)
		now := e.now()
		err := e.log.Update(ctx, func(_ []CompletionRecord) ([]CompletionRecord, error) {
			outcome.Result = ValidateAndRecord(parsed.Pairs, msg.Sender, due, e.catalog, runtimes, now)
			return outcome.Result.Records, nil
		})
		if err != nil {
			var perr *PersistenceError
			if !errors.As(err, &perr) {
				err = &PersistenceError{Op: "append", Err: err}
			}
			logCommitFailures.Inc()
			e.logger.Error("completion log write failed", "sender", msg.Sender, "message_id", msg.ID, "err", err)
			e.alertOperator(ctx, msg, err)
			return nil, err
		}
	}
	recordAckResult(outcome.Result, len(parsed.Malformed))

	outcome.Confirmation = FormatConfirmation(outcome.Result, parsed.Malformed)
	e.logger.Info("acknowledgment processed",
		"sender", msg.Sender,
		"accepted", len(outcome.Result.Accepted),
		"rejected", len(outcome.Result.Rejected),
		"malformed", len(parsed.Malformed))

	if replier != nil {
		if err := replier.Reply(ctx, msg, ConfirmationTitle, outcome.Confirmation); err != nil {
			e.logger.Warn("send confirmation", "sender", msg.Sender, "err", err)
		}
	}
	return outcome, nil
}

func (e *Engine) dueSet(ctx context.Context) (RuntimeSnapshot, DueSet, error) {
	log, err := e.log.Load(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load completion log: %w", err)
	}
	runtimes := e.Runtimes(ctx)
	due := ComputeDue(e.now(), runtimes, e.catalog, log)
	recordDueSet(due)
	return runtimes, due, nil
}

func (e *Engine) send(ctx context.Context, n Notifier, report *Report) error {
	if err := n.Send(ctx, report.Title, report.Body); err != nil {
		reportsSent.WithLabelValues(report.Kind, "error").Inc()
		return fmt.Errorf("send %s report: %w", report.Kind, err)
	}
	reportsSent.WithLabelValues(report.Kind, "ok").Inc()
	return nil
}

func (e *Engine) alertOperator(ctx context.Context, msg InboundMessage, cause error) {
	body := fmt.Sprintf("Could not record the acknowledgment from %s", msg.Sender)
	if msg.ID != "" {
		body += fmt.Sprintf(" (message %s)", msg.ID)
	}
	body += fmt.Sprintf(".\nError: %v\nNothing from the message was recorded. It will be processed again on the next poll.\n", cause)
	if err := e.operator.Send(ctx, OperatorAlertTitle, body); err != nil {
		e.logger.Error("operator alert failed", "err", err)
	}
}

type discard struct{}

func (discard) Send(context.Context, string, string) error { return nil }

func orDiscard(n Notifier) Notifier {
	if n == nil {
		return discard{}
	}
	return n
}
