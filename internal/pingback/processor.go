package pingback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/pingback/internal/account"
	"github.com/onnwee/pingback/internal/audit"
	"github.com/onnwee/pingback/internal/idempotency"
	"github.com/onnwee/pingback/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
)

// Guard admits each event at most once. Admit is an atomic check-and-insert
// keyed by event ID that stores a pending record. A losing concurrent insert
// returns idempotency.InFlight while the record is pending and
// idempotency.Duplicate once it is committed, not an error. Commit marks the
// entitlement as applied; Release removes a pending record whose entitlement
// could not be applied. Get returns the stored record.
type Guard interface {
	Admit(ctx context.Context, rec idempotency.Record) (idempotency.Admission, error)
	Commit(ctx context.Context, eventID string) error
	Release(ctx context.Context, eventID string) error
	Get(ctx context.Context, eventID string) (*idempotency.Record, error)
}

// TransactionalGuard is a Guard that can admit an event and mutate the
// account in one store transaction. Processor prefers it when available.
type TransactionalGuard interface {
	Guard
	AdmitAndApply(ctx context.Context, rec idempotency.Record, fn account.MutateFunc) (idempotency.Admission, *account.Account, error)
}

// AuditRecorder receives one entry per processed or rejected callback.
// Record must not block.
type AuditRecorder interface {
	Record(ctx context.Context, entry audit.Entry)
}

// Response is the status word returned to the processor.
type Response int

// Responses.
const (
	// ResponseNone means the caller gets no body (unauthorized drop).
	ResponseNone Response = iota
	ResponseOK
	ResponseFail
)

// String returns the wire form: "OK", "fail" or "".
func (r Response) String() string {
	switch r {
	case ResponseOK:
		return "OK"
	case ResponseFail:
		return "fail"
	}
	return ""
}

// Result is the outcome of handling one callback.
type Result struct {
	Response  Response
	Mode      Mode
	Admission idempotency.Admission // zero when the event never reached the guard
	Effect    Effect
	Event     Event
	Account   *account.Account // account after an applied effect
	Err       error            // internal only, never sent to the caller
}

// Rejected reports whether the callback was refused for its content
// (verification, deliverability or parsing) rather than an internal error.
func (r Result) Rejected() bool {
	return errors.Is(r.Err, ErrVerificationFailed) ||
		errors.Is(r.Err, ErrNotDeliverable) ||
		errors.Is(r.Err, ErrInvalidAccount) ||
		errors.Is(r.Err, ErrMissingEventID) ||
		errors.Is(r.Err, idempotency.ErrInvalidEventID) ||
		errors.Is(r.Err, idempotency.ErrEventIDTooLong)
}

// Config configures a Processor.
type Config struct {
	// Source names the processor, e.g. "paymentwall". Stored with every
	// record and audit entry.
	Source    string
	AllowList *AllowList
	Verifier  Verifier
	Guard     Guard
	Applier   *Applier

	// Optional
	Audit   AuditRecorder
	Metrics *Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

// Processor runs callbacks from one processor through authorization,
// verification, parsing, admission and application. It holds no mutable
// state and is safe for concurrent use.
type Processor struct {
	source    string
	allowList *AllowList
	verifier  Verifier
	guard     Guard
	applier   *Applier
	audit     AuditRecorder
	metrics   *Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// NewProcessor validates cfg and returns a Processor.
func NewProcessor(cfg Config) (*Processor, error) {
	if cfg.Source == "" {
		return nil, errors.New("processor source cannot be empty")
	}
	if cfg.AllowList == nil {
		return nil, errors.New("allow-list cannot be nil")
	}
	if cfg.Verifier == nil {
		return nil, errors.New("verifier cannot be nil")
	}
	if cfg.Guard == nil {
		return nil, errors.New("idempotency guard cannot be nil")
	}
	if cfg.Applier == nil {
		return nil, errors.New("applier cannot be nil")
	}

	p := &Processor{
		source:    cfg.Source,
		allowList: cfg.AllowList,
		verifier:  cfg.Verifier,
		guard:     cfg.Guard,
		applier:   cfg.Applier,
		audit:     cfg.Audit,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p, nil
}

// Source returns the processor name.
func (p *Processor) Source() string {
	return p.source
}

// Handle processes one callback. Unauthorized callers get ResponseNone;
// rejected callbacks and internal failures get ResponseFail; admitted and
// duplicate events get ResponseOK. An event still being applied by another
// delivery gets ResponseFail so the processor redelivers it. When applying
// fails the admission is released so a redelivery can succeed.
func (p *Processor) Handle(ctx context.Context, cb IncomingCallback) (res Result) {
	start := p.now()
	if cb.ReceivedAt.IsZero() {
		cb.ReceivedAt = start
	}

	ctx, endSpan := tracing.StartSpan(ctx, "pingback.handle")
	defer func() {
		if res.Rejected() {
			endSpan(nil)
		} else {
			endSpan(res.Err)
		}
		if p.metrics != nil {
			p.metrics.IncCallbacks(p.source, responseLabel(res.Response))
			p.metrics.ObserveProcessingDuration(p.source, p.now().Sub(start).Seconds())
		}
	}()

	mode, err := p.allowList.Authorize(cb.CallerIP)
	if err != nil {
		p.logger.DebugContext(ctx, "dropping callback from unauthorized caller",
			slog.String("source", p.source),
			slog.String("ip", cb.CallerIP))
		return Result{Response: ResponseNone, Err: err}
	}
	res.Mode = mode

	verified, err := p.verifier.Verify(ctx, cb, mode)
	if err != nil {
		if !errors.Is(err, ErrVerificationFailed) && !errors.Is(err, ErrNotDeliverable) {
			err = fmt.Errorf("%w: %w", ErrVerificationFailed, err)
		}
		p.unvalidated(ctx, cb, mode, kindOf(err), err)
		res.Response = ResponseFail
		res.Err = err
		return res
	}

	ev, err := ParseEvent(verified)
	if err != nil {
		p.unvalidated(ctx, cb, mode, verified.Kind(), err)
		res.Response = ResponseFail
		res.Err = err
		return res
	}
	res.Event = ev
	tracing.SetAttributes(ctx,
		attribute.String("pingback.source", p.source),
		attribute.String("pingback.event_id", ev.EventID),
		attribute.String("pingback.kind", ev.Kind.String()),
		attribute.Bool("pingback.test_mode", mode == ModeTest))

	eff := p.applier.Plan(ev)
	res.Effect = eff

	rec := idempotency.Record{
		EventID:     ev.EventID,
		AccountID:   ev.AccountID,
		Source:      p.source,
		Outcome:     eff.Outcome,
		ProcessedAt: cb.ReceivedAt.UTC(),
	}

	admission, acct, err := p.admitAndApply(ctx, rec, ev, eff)
	res.Admission = admission
	res.Account = acct
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to apply entitlement",
			slog.String("source", p.source),
			slog.String("event_id", ev.EventID),
			slog.String("account_id", ev.AccountID),
			slog.String("product_id", ev.ProductID),
			slog.String("error", err.Error()))
		p.record(ctx, cb, mode, ev, eff, audit.StatusFailed, err.Error())
		res.Response = ResponseFail
		res.Err = err
		return res
	}

	switch admission {
	case idempotency.InFlight:
		tracing.AddEvent(ctx, "in_flight")
		p.logger.WarnContext(ctx, "event still in flight, asking for redelivery",
			slog.String("source", p.source),
			slog.String("event_id", ev.EventID),
			slog.String("account_id", ev.AccountID))
		p.record(ctx, cb, mode, ev, eff, audit.StatusFailed, ErrEventInFlight.Error())
		res.Response = ResponseFail
		res.Err = fmt.Errorf("event %s: %w", ev.EventID, ErrEventInFlight)
		return res

	case idempotency.Duplicate:
		tracing.AddEvent(ctx, "duplicate")
		attrs := []any{
			slog.String("source", p.source),
			slog.String("event_id", ev.EventID),
			slog.String("account_id", ev.AccountID),
		}
		reason := ""
		if first, err := p.guard.Get(ctx, ev.EventID); err == nil {
			attrs = append(attrs,
				slog.Time("first_processed_at", first.ProcessedAt),
				slog.String("first_outcome", string(first.Outcome)))
			reason = fmt.Sprintf("already processed at %s with outcome %s",
				first.ProcessedAt.UTC().Format(time.RFC3339), first.Outcome)
		}
		p.logger.InfoContext(ctx, "duplicate callback ignored", attrs...)
		p.record(ctx, cb, mode, ev, eff, audit.StatusDuplicate, reason)
		res.Response = ResponseOK
		return res
	}

	p.logger.InfoContext(ctx, "validated",
		slog.String("source", p.source),
		slog.String("event_id", ev.EventID),
		slog.String("account_id", ev.AccountID),
		slog.String("product_id", ev.ProductID),
		slog.String("type", ev.RawKind),
		slog.Bool("is_handled", eff.Handled()),
		slog.String("outcome", string(eff.Outcome)),
		slog.Int64("credit", eff.Credit),
		slog.Bool("test_mode", mode == ModeTest))
	tracing.AddEvent(ctx, "entitlement.applied",
		attribute.String("outcome", string(eff.Outcome)),
		attribute.Int64("credit", eff.Credit))
	p.record(ctx, cb, mode, ev, eff, audit.StatusValidated, eff.Reason)
	if p.metrics != nil {
		p.metrics.IncOutcome(p.source, string(eff.Outcome))
		if eff.Handled() {
			p.metrics.AddCreditGranted(p.source, eff.Credit)
		}
	}

	res.Response = ResponseOK
	return res
}

// admitAndApply admits the event and applies its effect. With a
// TransactionalGuard both happen in one transaction. Otherwise the pending
// record is committed after a successful application and released after a
// failed one, so a redelivery never sees a half-applied event as processed.
func (p *Processor) admitAndApply(ctx context.Context, rec idempotency.Record, ev Event, eff Effect) (idempotency.Admission, *account.Account, error) {
	if tg, ok := p.guard.(TransactionalGuard); ok {
		admission, acct, err := tg.AdmitAndApply(ctx, rec, eff.Mutation())
		if err != nil {
			return 0, nil, fmt.Errorf("failed to admit event %s: %w", rec.EventID, err)
		}
		return admission, acct, nil
	}

	admission, err := p.guard.Admit(ctx, rec)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to admit event %s: %w", rec.EventID, err)
	}
	if admission != idempotency.Admitted {
		return admission, nil, nil
	}

	acct, err := p.applier.Apply(ctx, ev.AccountID, eff)
	if err != nil {
		if relErr := p.guard.Release(ctx, rec.EventID); relErr != nil {
			p.logger.ErrorContext(ctx, "failed to release admission",
				slog.String("event_id", rec.EventID),
				slog.String("error", relErr.Error()))
			err = errors.Join(err, relErr)
		}
		return 0, nil, fmt.Errorf("failed to apply event %s: %w", rec.EventID, err)
	}

	// The entitlement is applied. A record left pending keeps answering
	// in-flight rather than letting a redelivery apply it twice.
	if err := p.guard.Commit(ctx, rec.EventID); err != nil {
		p.logger.ErrorContext(ctx, "failed to commit admission",
			slog.String("event_id", rec.EventID),
			slog.String("error", err.Error()))
	}
	return admission, acct, nil
}

func (p *Processor) unvalidated(ctx context.Context, cb IncomingCallback, mode Mode, kind string, err error) {
	p.logger.WarnContext(ctx, "unvalidated",
		slog.String("source", p.source),
		slog.String("type", kind),
		slog.Bool("test_mode", mode == ModeTest),
		slog.String("ip", cb.CallerIP),
		slog.String("error", err.Error()))

	if p.audit == nil {
		return
	}
	p.audit.Record(ctx, audit.Entry{
		Source:    p.source,
		Status:    audit.StatusUnvalidated,
		Kind:      kind,
		TestMode:  mode == ModeTest,
		Payload:   cb.Payload,
		Reason:    err.Error(),
		IPAddress: cb.CallerIP,
	})
}

func (p *Processor) record(ctx context.Context, cb IncomingCallback, mode Mode, ev Event, eff Effect, status audit.Status, reason string) {
	if p.audit == nil {
		return
	}
	entry := audit.Entry{
		Source:    p.source,
		Status:    status,
		EventID:   ev.EventID,
		AccountID: ev.AccountID,
		ProductID: ev.ProductID,
		Kind:      ev.RawKind,
		Outcome:   string(eff.Outcome),
		TestMode:  mode == ModeTest,
		Payload:   cb.Payload,
		Reason:    reason,
		IPAddress: cb.CallerIP,
	}
	if status == audit.StatusValidated {
		entry.Handled = eff.Handled()
		entry.Credit = eff.Credit
	}
	p.audit.Record(ctx, entry)
}

func kindOf(err error) string {
	var verr *VerificationError
	if errors.As(err, &verr) {
		return verr.Kind
	}
	return ""
}

func responseLabel(r Response) string {
	switch r {
	case ResponseOK:
		return "ok"
	case ResponseFail:
		return "fail"
	}
	return "dropped"
}
