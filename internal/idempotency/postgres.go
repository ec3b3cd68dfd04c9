package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/onnwee/pingback/internal/account"
	"github.com/onnwee/pingback/internal/tracing"
)

// PostgresRepository stores records in the processed_events table. The primary
// key on event_id is the uniqueness constraint that makes admission atomic:
// a concurrent insert of the same event waits for the first transaction and
// then hits the conflict clause.
type PostgresRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresRepository creates a new PostgresRepository.
func NewPostgresRepository(db *sql.DB, logger *slog.Logger) *PostgresRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresRepository{
		db:     db,
		logger: logger,
	}
}

const insertRecordQuery = `
	INSERT INTO processed_events (event_id, account_id, source, outcome, state, processed_at)
	VALUES ($1, $2, $3, $4, $5, NOW())
	ON CONFLICT (event_id) DO NOTHING
	RETURNING processed_at
`

// Admit inserts the record as pending unless one exists for the event.
func (r *PostgresRepository) Admit(ctx context.Context, rec Record) (_ Admission, err error) {
	if err := ValidateEventID(rec.EventID); err != nil {
		return 0, err
	}

	insertCtx, endSpan := tracing.StartDBSpan(ctx, "processed_events", tracing.DBOperationInsert)
	var processedAt sql.NullTime
	err = r.db.QueryRowContext(insertCtx, insertRecordQuery,
		rec.EventID, rec.AccountID, rec.Source, string(rec.Outcome), string(StatePending)).Scan(&processedAt)
	if err == nil {
		endSpan(nil)
		return Admitted, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		endSpan(err)
		return 0, fmt.Errorf("failed to insert processed event: %w", err)
	}
	endSpan(nil)

	existing, err := r.Get(ctx, rec.EventID)
	if errors.Is(err, ErrRecordNotFound) {
		// Released between the two statements; the processor will redeliver.
		return InFlight, nil
	}
	if err != nil {
		return 0, err
	}
	return admissionFor(existing.State), nil
}

// Commit marks a pending record as committed.
func (r *PostgresRepository) Commit(ctx context.Context, eventID string) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "processed_events", tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	res, err := r.db.ExecContext(ctx,
		`UPDATE processed_events SET state = $2 WHERE event_id = $1`,
		eventID, string(StateCommitted))
	if err != nil {
		return fmt.Errorf("failed to commit processed event: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// AdmitAndApply inserts the record and, when fn is non-nil, applies fn to the
// locked account row, committing both together. A duplicate event leaves the
// account untouched and returns a nil account. Any error rolls back both
// writes, so the event stays unprocessed and a redelivery can succeed.
func (r *PostgresRepository) AdmitAndApply(ctx context.Context, rec Record, fn account.MutateFunc) (Admission, *account.Account, error) {
	if err := ValidateEventID(rec.EventID); err != nil {
		return 0, nil, err
	}

	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelReadCommitted,
	})
	if err != nil {
		return 0, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	// Always attempt rollback on function exit (no-op after successful commit)
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			r.logger.Warn("failed to rollback admission transaction",
				slog.String("event_id", rec.EventID),
				slog.String("error", rbErr.Error()))
		}
	}()

	insertCtx, endSpan := tracing.StartDBSpan(ctx, "processed_events", tracing.DBOperationInsert)
	var processedAt sql.NullTime
	err = tx.QueryRowContext(insertCtx, insertRecordQuery,
		rec.EventID, rec.AccountID, rec.Source, string(rec.Outcome), string(StateCommitted)).Scan(&processedAt)
	if errors.Is(err, sql.ErrNoRows) {
		endSpan(nil)
		state, err := r.stateOf(ctx, rec.EventID)
		if err != nil {
			return 0, nil, err
		}
		return admissionFor(state), nil, nil
	}
	endSpan(err)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to insert processed event: %w", err)
	}

	var updated *account.Account
	if fn != nil {
		updated, err = account.UpdateTx(ctx, tx, rec.AccountID, fn)
		if err != nil {
			return 0, nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, nil, fmt.Errorf("failed to commit admission: %w", err)
	}
	return Admitted, updated, nil
}

// Release deletes a pending record whose application failed. Committed
// records are left alone.
func (r *PostgresRepository) Release(ctx context.Context, eventID string) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "processed_events", tracing.DBOperationDelete)
	defer func() { endSpan(err) }()

	if _, err = r.db.ExecContext(ctx,
		`DELETE FROM processed_events WHERE event_id = $1 AND state = $2`,
		eventID, string(StatePending)); err != nil {
		return fmt.Errorf("failed to release processed event: %w", err)
	}
	return nil
}

// Get returns the record for an event.
func (r *PostgresRepository) Get(ctx context.Context, eventID string) (_ *Record, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "processed_events", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	query := `
		SELECT event_id, account_id, source, outcome, state, processed_at
		FROM processed_events WHERE event_id = $1
	`
	var rec Record
	var outcome, state string
	err = r.db.QueryRowContext(ctx, query, eventID).Scan(
		&rec.EventID, &rec.AccountID, &rec.Source, &outcome, &state, &rec.ProcessedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load processed event: %w", err)
	}
	rec.Outcome = Outcome(outcome)
	rec.State = State(state)
	return &rec, nil
}

// stateOf reads the state of the record that won a conflicting insert.
// A record released in the meantime reports as pending.
func (r *PostgresRepository) stateOf(ctx context.Context, eventID string) (State, error) {
	rec, err := r.Get(ctx, eventID)
	if errors.Is(err, ErrRecordNotFound) {
		return StatePending, nil
	}
	if err != nil {
		return "", err
	}
	return rec.State, nil
}
