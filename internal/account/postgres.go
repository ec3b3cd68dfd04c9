package account

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lib/pq"

	"github.com/onnwee/pingback/internal/tracing"
)

// uniqueViolation is the PostgreSQL SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// PostgresStore implements Store on the accounts table. Update locks the row
// with SELECT ... FOR UPDATE, so concurrent credits for one account queue up
// behind each other instead of overwriting each other.
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *sql.DB, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{
		db:     db,
		logger: logger,
	}
}

// Create inserts a new account.
func (s *PostgresStore) Create(ctx context.Context, a *Account) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "accounts", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	if a.Tier == "" {
		a.Tier = TierNone
	}
	if !a.Tier.Valid() {
		return ErrInvalidTier
	}
	if a.Credit < 0 {
		return ErrNegativeCredit
	}

	query := `
		INSERT INTO accounts (id, credit, tier, updated_at)
		VALUES ($1, $2, $3, NOW())
		RETURNING updated_at
	`
	err = s.db.QueryRowContext(ctx, query, a.ID, a.Credit, string(a.Tier)).Scan(&a.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return ErrAccountExists
		}
		return fmt.Errorf("failed to insert account: %w", err)
	}
	return nil
}

// Find returns the account with the given ID.
func (s *PostgresStore) Find(ctx context.Context, id string) (_ *Account, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "accounts", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	query := `SELECT id, credit, tier, updated_at FROM accounts WHERE id = $1`
	a, err := scanAccount(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Update runs fn against the locked account row inside its own transaction.
func (s *PostgresStore) Update(ctx context.Context, id string, fn MutateFunc) (_ *Account, err error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelReadCommitted,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	// Always attempt rollback on function exit (no-op after successful commit)
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			s.logger.Warn("failed to rollback account transaction",
				slog.String("account_id", id),
				slog.String("error", rbErr.Error()))
		}
	}()

	a, err := UpdateTx(ctx, tx, id, fn)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit account update: %w", err)
	}
	return a, nil
}

// UpdateTx performs the locked read-modify-write of Update inside a caller-owned
// transaction. The caller commits or rolls back.
func UpdateTx(ctx context.Context, tx *sql.Tx, id string, fn MutateFunc) (_ *Account, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "accounts", tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	lockQuery := `SELECT id, credit, tier, updated_at FROM accounts WHERE id = $1 FOR UPDATE`
	a, err := scanAccount(tx.QueryRowContext(ctx, lockQuery, id))
	if err != nil {
		return nil, err
	}

	if err := fn(a); err != nil {
		return nil, err
	}
	if a.Credit < 0 {
		return nil, ErrNegativeCredit
	}
	if !a.Tier.Valid() {
		return nil, ErrInvalidTier
	}

	updateQuery := `
		UPDATE accounts SET credit = $2, tier = $3, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`
	if err := tx.QueryRowContext(ctx, updateQuery, id, a.Credit, string(a.Tier)).Scan(&a.UpdatedAt); err != nil {
		return nil, fmt.Errorf("failed to update account: %w", err)
	}
	a.ID = id
	return a, nil
}

func scanAccount(row *sql.Row) (*Account, error) {
	var a Account
	var tier string
	if err := row.Scan(&a.ID, &a.Credit, &tier, &a.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	a.Tier = Tier(tier)
	return &a, nil
}
