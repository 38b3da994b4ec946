/**
 * @description
 * This file provides the PostgreSQL repository for payment outcome records.
 * Every successful verification is persisted before the downstream side
 * effect is attempted, so a payment that was verified but never applied
 * leaves a durable trace that the reconciliation sweeper and the internal
 * support endpoints can work off.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/bibek1414/nepdora-payment-service/internal/domain"
)

var (
	ErrOutcomeRecordNotFound = errors.New("payment outcome record not found")
	ErrOutcomeRecordExists   = errors.New("payment outcome record already exists")
)

// ReconciliationRepository defines the persistence contract for payment
// outcome records.
type ReconciliationRepository interface {
	RecordVerification(ctx context.Context, record *domain.PaymentOutcomeRecord) error
	FindByProviderReference(ctx context.Context, providerReference string) (*domain.PaymentOutcomeRecord, error)
	FindByID(ctx context.Context, id uuid.UUID) (*domain.PaymentOutcomeRecord, error)
	MarkApplied(ctx context.Context, id uuid.UUID) error
	MarkApplyFailed(ctx context.Context, id uuid.UUID, reason string) error
	FindPending(ctx context.Context, maxAttempts, limit int) ([]domain.PaymentOutcomeRecord, error)
}

// PostgresReconciliationRepository is the pgx-backed implementation.
type PostgresReconciliationRepository struct {
	db *pgxpool.Pool
}

// NewPostgresReconciliationRepository creates a new repository instance.
func NewPostgresReconciliationRepository(db *pgxpool.Pool) *PostgresReconciliationRepository {
	return &PostgresReconciliationRepository{db: db}
}

// EnsureSchema creates the payment_outcomes table when it does not exist yet.
func (r *PostgresReconciliationRepository) EnsureSchema(ctx context.Context) error {
	_, err := r.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS payment_outcomes (
			id UUID PRIMARY KEY,
			tenant TEXT NOT NULL,
			method TEXT NOT NULL,
			provider_reference TEXT NOT NULL UNIQUE,
			amount NUMERIC(14,2) NOT NULL,
			kind TEXT NOT NULL,
			target_id TEXT NOT NULL,
			status TEXT NOT NULL,
			attempts INT NOT NULL DEFAULT 0,
			last_error TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return fmt.Errorf("failed to ensure payment_outcomes schema: %w", err)
	}
	return nil
}

// RecordVerification inserts a verified_unapplied record. The provider
// reference is unique: recording the same verification twice returns
// ErrOutcomeRecordExists so callers can treat the payment as already in
// flight.
func (r *PostgresReconciliationRepository) RecordVerification(ctx context.Context, record *domain.PaymentOutcomeRecord) error {
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	record.Status = domain.OutcomeStatusVerifiedUnapplied

	tag, err := r.db.Exec(ctx, `
		INSERT INTO payment_outcomes (id, tenant, method, provider_reference, amount, kind, target_id, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (provider_reference) DO NOTHING`,
		record.ID, record.Tenant, string(record.Method), record.ProviderReference,
		record.Amount.String(), string(record.Kind), record.TargetID, record.Status)
	if err != nil {
		return fmt.Errorf("failed to record verification: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOutcomeRecordExists
	}
	return nil
}

const outcomeColumns = `id, tenant, method, provider_reference, amount::text, kind, target_id, status, attempts, last_error, created_at, updated_at`

func scanOutcome(row pgx.Row) (*domain.PaymentOutcomeRecord, error) {
	var record domain.PaymentOutcomeRecord
	var amountText string
	err := row.Scan(&record.ID, &record.Tenant, &record.Method, &record.ProviderReference,
		&amountText, &record.Kind, &record.TargetID, &record.Status,
		&record.Attempts, &record.LastError, &record.CreatedAt, &record.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOutcomeRecordNotFound
		}
		return nil, err
	}
	amount, err := decimal.NewFromString(amountText)
	if err != nil {
		return nil, fmt.Errorf("failed to parse stored amount %q: %w", amountText, err)
	}
	record.Amount = amount
	return &record, nil
}

// FindByProviderReference looks up an outcome record by its provider reference.
func (r *PostgresReconciliationRepository) FindByProviderReference(ctx context.Context, providerReference string) (*domain.PaymentOutcomeRecord, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+outcomeColumns+` FROM payment_outcomes WHERE provider_reference = $1`,
		providerReference)
	return scanOutcome(row)
}

// FindByID looks up an outcome record by its id.
func (r *PostgresReconciliationRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.PaymentOutcomeRecord, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+outcomeColumns+` FROM payment_outcomes WHERE id = $1`, id)
	return scanOutcome(row)
}

// MarkApplied transitions a record to applied.
func (r *PostgresReconciliationRepository) MarkApplied(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE payment_outcomes
		SET status = $2, attempts = attempts + 1, last_error = NULL, updated_at = now()
		WHERE id = $1`,
		id, domain.OutcomeStatusApplied)
	if err != nil {
		return fmt.Errorf("failed to mark outcome applied: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOutcomeRecordNotFound
	}
	return nil
}

// MarkApplyFailed transitions a record to apply_failed and records the
// failure reason for support tooling.
func (r *PostgresReconciliationRepository) MarkApplyFailed(ctx context.Context, id uuid.UUID, reason string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE payment_outcomes
		SET status = $2, attempts = attempts + 1, last_error = $3, updated_at = now()
		WHERE id = $1`,
		id, domain.OutcomeStatusApplyFailed, reason)
	if err != nil {
		return fmt.Errorf("failed to mark outcome apply failure: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOutcomeRecordNotFound
	}
	return nil
}

// FindPending returns verified-but-unapplied records that have not exhausted
// their retry budget, oldest first.
func (r *PostgresReconciliationRepository) FindPending(ctx context.Context, maxAttempts, limit int) ([]domain.PaymentOutcomeRecord, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+outcomeColumns+`
		FROM payment_outcomes
		WHERE status IN ($1, $2) AND attempts < $3
		ORDER BY created_at ASC
		LIMIT $4`,
		domain.OutcomeStatusVerifiedUnapplied, domain.OutcomeStatusApplyFailed, maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending outcomes: %w", err)
	}
	defer rows.Close()

	var records []domain.PaymentOutcomeRecord
	for rows.Next() {
		record, err := scanOutcome(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}
	return records, rows.Err()
}
