/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains all the necessary SQL queries to interact with the database tables
 * related to payment intents, notifications, fee obligations, allocations,
 * credit balances, and receipt counters.
 *
 * @dependencies
 * - context, time, errors: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 *
 * @notes
 * - Lifecycle transitions out of a terminal status are prevented at the SQL
 *   level: SettleIntent and FailIntent update a row only while its status is
 *   still pending or processing, so concurrent duplicate settlements race on
 *   the database and exactly one caller wins.
 * - AllocateConfirmedAmount runs entirely inside one transaction with the
 *   obligation rows locked FOR UPDATE, so allocation, obligation updates,
 *   credit remainder and the intent's reconcile state commit atomically.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/skoolpay/settlement-service/internal/domain"
)

var (
	ErrIntentNotFound       = errors.New("payment intent not found")
	ErrObligationNotFound   = errors.New("fee obligation not found")
	ErrDuplicateOrderRef    = errors.New("order reference already exists")
	ErrIntentNotConfirmable = errors.New("payment intent is not in a confirmable state")
)

const intentColumns = `id, gateway_kind, order_reference, student_id, branch_id, fee_obligation_id,
	amount, confirmed_amount, status, verification_status, reconcile_state, failure_reason,
	gateway_correlation, payer_msisdn, payer_email, receipt_number, narrative, created_at, updated_at`

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func scanIntent(row pgx.Row) (*domain.PaymentIntent, error) {
	var intent domain.PaymentIntent
	var correlation []byte
	err := row.Scan(
		&intent.ID, &intent.GatewayKind, &intent.OrderReference, &intent.StudentID,
		&intent.BranchID, &intent.FeeObligationID, &intent.Amount, &intent.ConfirmedAmount,
		&intent.Status, &intent.VerificationStatus, &intent.ReconcileState,
		&intent.FailureReason, &correlation, &intent.PayerMSISDN, &intent.PayerEmail,
		&intent.ReceiptNumber, &intent.Narrative, &intent.CreatedAt, &intent.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrIntentNotFound
		}
		return nil, err
	}
	if len(correlation) > 0 {
		if err := json.Unmarshal(correlation, &intent.GatewayCorrelation); err != nil {
			return nil, fmt.Errorf("failed to decode gateway correlation: %w", err)
		}
	}
	return &intent, nil
}

// CreatePaymentIntent inserts a new payment intent row in the pending state.
func (r *PostgresRepository) CreatePaymentIntent(ctx context.Context, intent *domain.PaymentIntent) error {
	correlation, err := json.Marshal(intent.GatewayCorrelation)
	if err != nil {
		return fmt.Errorf("failed to encode gateway correlation: %w", err)
	}
	query := `
		INSERT INTO payment_intents (
			id, gateway_kind, order_reference, student_id, branch_id, fee_obligation_id,
			amount, status, verification_status, reconcile_state, gateway_correlation,
			payer_msisdn, payer_email, narrative, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, now(), now())`
	_, err = r.db.Exec(ctx, query,
		intent.ID, intent.GatewayKind, intent.OrderReference, intent.StudentID,
		intent.BranchID, intent.FeeObligationID, intent.Amount, intent.Status,
		intent.VerificationStatus, intent.ReconcileState, correlation,
		intent.PayerMSISDN, intent.PayerEmail, intent.Narrative,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateOrderRef
		}
		return fmt.Errorf("failed to create payment intent: %w", err)
	}
	return nil
}

// FindPaymentIntentByID retrieves a single payment intent by its UUID.
func (r *PostgresRepository) FindPaymentIntentByID(ctx context.Context, id uuid.UUID) (*domain.PaymentIntent, error) {
	query := `SELECT ` + intentColumns + ` FROM payment_intents WHERE id = $1`
	return scanIntent(r.db.QueryRow(ctx, query, id))
}

// FindPaymentIntentByOrderReference retrieves a payment intent by the
// system-generated order reference embedded in the gateway request.
func (r *PostgresRepository) FindPaymentIntentByOrderReference(ctx context.Context, orderReference string) (*domain.PaymentIntent, error) {
	query := `SELECT ` + intentColumns + ` FROM payment_intents WHERE order_reference = $1`
	return scanIntent(r.db.QueryRow(ctx, query, orderReference))
}

// FindPaymentIntentByCorrelation matches value against any stored gateway
// correlation identifier. The correlation map is stored as JSONB, so this
// checks whether any value in the object equals the given string.
func (r *PostgresRepository) FindPaymentIntentByCorrelation(ctx context.Context, value string) (*domain.PaymentIntent, error) {
	query := `
		SELECT ` + intentColumns + `
		FROM payment_intents
		WHERE EXISTS (
			SELECT 1 FROM jsonb_each_text(gateway_correlation) kv WHERE kv.value = $1
		)
		ORDER BY created_at DESC
		LIMIT 1`
	return scanIntent(r.db.QueryRow(ctx, query, value))
}

// MergeGatewayCorrelation merges the given reference identifiers into the
// intent's correlation map without dropping existing keys.
func (r *PostgresRepository) MergeGatewayCorrelation(ctx context.Context, id uuid.UUID, refs map[string]string) error {
	if len(refs) == 0 {
		return nil
	}
	encoded, err := json.Marshal(refs)
	if err != nil {
		return fmt.Errorf("failed to encode correlation refs: %w", err)
	}
	query := `
		UPDATE payment_intents
		SET gateway_correlation = COALESCE(gateway_correlation, '{}'::jsonb) || $2::jsonb, updated_at = now()
		WHERE id = $1`
	tag, err := r.db.Exec(ctx, query, id, encoded)
	if err != nil {
		return fmt.Errorf("failed to merge gateway correlation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrIntentNotFound
	}
	return nil
}

// MarkIntentProcessing moves a pending intent to processing once the gateway
// has accepted the request. A no-op if the intent already moved further.
func (r *PostgresRepository) MarkIntentProcessing(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE payment_intents SET status = $2, updated_at = now() WHERE id = $1 AND status = $3`
	_, err := r.db.Exec(ctx, query, id, domain.StatusProcessing, domain.StatusPending)
	if err != nil {
		return fmt.Errorf("failed to mark intent processing: %w", err)
	}
	return nil
}

// SettleIntent transitions an intent to completed with its confirmed amount,
// receipt number and verification status. The update is conditional on the
// intent not already being terminal; the boolean reports whether this caller
// won the transition.
func (r *PostgresRepository) SettleIntent(ctx context.Context, id uuid.UUID, confirmedAmount int64, receiptNumber, verification string) (bool, error) {
	query := `
		UPDATE payment_intents
		SET status = $2, confirmed_amount = $3, receipt_number = $4,
		    verification_status = $5, failure_reason = NULL, updated_at = now()
		WHERE id = $1 AND status IN ($6, $7)`
	tag, err := r.db.Exec(ctx, query, id,
		domain.StatusCompleted, confirmedAmount, receiptNumber, verification,
		domain.StatusPending, domain.StatusProcessing,
	)
	if err != nil {
		return false, fmt.Errorf("failed to settle intent: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// FailIntent transitions an intent to failed with the gateway-reported reason.
// Conditional on the same non-terminal guard as SettleIntent.
func (r *PostgresRepository) FailIntent(ctx context.Context, id uuid.UUID, reason string) (bool, error) {
	query := `
		UPDATE payment_intents
		SET status = $2, failure_reason = $3, updated_at = now()
		WHERE id = $1 AND status IN ($4, $5)`
	tag, err := r.db.Exec(ctx, query, id,
		domain.StatusFailed, reason, domain.StatusPending, domain.StatusProcessing,
	)
	if err != nil {
		return false, fmt.Errorf("failed to fail intent: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// VerifyIntent marks a completed manual payment as verified by an operator.
func (r *PostgresRepository) VerifyIntent(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE payment_intents
		SET verification_status = $2, updated_at = now()
		WHERE id = $1 AND status = $3`
	tag, err := r.db.Exec(ctx, query, id, domain.VerificationVerified, domain.StatusCompleted)
	if err != nil {
		return fmt.Errorf("failed to verify intent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrIntentNotConfirmable
	}
	return nil
}

// SweepStalePendingIntents fails every pending or processing intent whose last
// update is older than cutoff. Returns the number of intents swept.
func (r *PostgresRepository) SweepStalePendingIntents(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		UPDATE payment_intents
		SET status = $1, failure_reason = 'expired: no gateway confirmation received', updated_at = now()
		WHERE status IN ($2, $3) AND updated_at < $4`
	tag, err := r.db.Exec(ctx, query, domain.StatusFailed, domain.StatusPending, domain.StatusProcessing, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep stale intents: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListUnreconciledIntents returns completed intents whose allocation failed
// and has not succeeded on retry, oldest first.
func (r *PostgresRepository) ListUnreconciledIntents(ctx context.Context, limit int, cutoff time.Time) ([]domain.PaymentIntent, error) {
	query := `
		SELECT ` + intentColumns + `
		FROM payment_intents
		WHERE status = $1 AND reconcile_state = $2 AND updated_at < $3
		ORDER BY updated_at ASC
		LIMIT $4`
	rows, err := r.db.Query(ctx, query, domain.StatusCompleted, domain.ReconcileFailed, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unreconciled intents: %w", err)
	}
	defer rows.Close()

	var intents []domain.PaymentIntent
	for rows.Next() {
		intent, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		intents = append(intents, *intent)
	}
	return intents, rows.Err()
}

// AppendNotification records one inbound notification payload. The trail is
// append-only; nothing ever updates or deletes these rows.
func (r *PostgresRepository) AppendNotification(ctx context.Context, n *domain.RawNotification) error {
	query := `
		INSERT INTO payment_notifications (id, intent_id, gateway_kind, channel, payload, received_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.db.Exec(ctx, query, n.ID, n.IntentID, n.Gateway, n.Channel, n.Payload, n.ReceivedAt)
	if err != nil {
		return fmt.Errorf("failed to append notification: %w", err)
	}
	return nil
}

// FindFeeObligationByID retrieves a single fee obligation.
func (r *PostgresRepository) FindFeeObligationByID(ctx context.Context, id uuid.UUID) (*domain.FeeObligation, error) {
	var ob domain.FeeObligation
	query := `
		SELECT id, student_id, branch_id, fee_type, total_owed, amount_paid, due_date, created_at, updated_at
		FROM fee_obligations WHERE id = $1`
	err := r.db.QueryRow(ctx, query, id).Scan(
		&ob.ID, &ob.StudentID, &ob.BranchID, &ob.FeeType,
		&ob.TotalOwed, &ob.AmountPaid, &ob.DueDate, &ob.CreatedAt, &ob.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrObligationNotFound
		}
		return nil, err
	}
	return &ob, nil
}

// ListOutstandingObligations returns the student's obligations with a positive
// balance, in allocation order (earliest due date first, then creation order).
func (r *PostgresRepository) ListOutstandingObligations(ctx context.Context, studentID uuid.UUID) ([]domain.FeeObligation, error) {
	query := `
		SELECT id, student_id, branch_id, fee_type, total_owed, amount_paid, due_date, created_at, updated_at
		FROM fee_obligations
		WHERE student_id = $1 AND amount_paid < total_owed
		ORDER BY due_date ASC, created_at ASC`
	rows, err := r.db.Query(ctx, query, studentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list outstanding obligations: %w", err)
	}
	defer rows.Close()

	var obligations []domain.FeeObligation
	for rows.Next() {
		var ob domain.FeeObligation
		if err := rows.Scan(
			&ob.ID, &ob.StudentID, &ob.BranchID, &ob.FeeType,
			&ob.TotalOwed, &ob.AmountPaid, &ob.DueDate, &ob.CreatedAt, &ob.UpdatedAt,
		); err != nil {
			return nil, err
		}
		obligations = append(obligations, ob)
	}
	return obligations, rows.Err()
}

// OutstandingBalance returns the student's total unpaid balance across all
// obligations.
func (r *PostgresRepository) OutstandingBalance(ctx context.Context, studentID uuid.UUID) (int64, error) {
	var balance int64
	query := `
		SELECT COALESCE(SUM(total_owed - amount_paid), 0)
		FROM fee_obligations
		WHERE student_id = $1 AND amount_paid < total_owed`
	if err := r.db.QueryRow(ctx, query, studentID).Scan(&balance); err != nil {
		return 0, fmt.Errorf("failed to compute outstanding balance: %w", err)
	}
	return balance, nil
}

// AllocateConfirmedAmount distributes a confirmed payment across the student's
// outstanding obligations inside a single transaction. The obligation rows are
// locked FOR UPDATE in allocation order, so two concurrent allocations for the
// same student serialize on the database. Any remainder becomes credit.
func (r *PostgresRepository) AllocateConfirmedAmount(ctx context.Context, intentID, studentID uuid.UUID, amount int64) (*domain.ReconcileResult, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin allocation transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		SELECT id, student_id, branch_id, fee_type, total_owed, amount_paid, due_date, created_at, updated_at
		FROM fee_obligations
		WHERE student_id = $1 AND amount_paid < total_owed
		ORDER BY due_date ASC, created_at ASC
		FOR UPDATE`
	rows, err := tx.Query(ctx, query, studentID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock obligations: %w", err)
	}
	var obligations []domain.FeeObligation
	for rows.Next() {
		var ob domain.FeeObligation
		if err := rows.Scan(
			&ob.ID, &ob.StudentID, &ob.BranchID, &ob.FeeType,
			&ob.TotalOwed, &ob.AmountPaid, &ob.DueDate, &ob.CreatedAt, &ob.UpdatedAt,
		); err != nil {
			rows.Close()
			return nil, err
		}
		obligations = append(obligations, ob)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	plan := domain.PlanAllocation(obligations, amount)

	for _, slice := range plan.Slices {
		_, err = tx.Exec(ctx,
			`UPDATE fee_obligations SET amount_paid = amount_paid + $2, updated_at = now() WHERE id = $1`,
			slice.Obligation.ID, slice.Amount,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to apply allocation to obligation %s: %w", slice.Obligation.ID, err)
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO payment_allocations (id, payment_intent_id, fee_obligation_id, amount_allocated, created_at)
			 VALUES ($1, $2, $3, $4, now())`,
			uuid.New(), intentID, slice.Obligation.ID, slice.Amount,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to record allocation: %w", err)
		}
	}

	if plan.Credit > 0 {
		_, err = tx.Exec(ctx,
			`INSERT INTO credit_balances (student_id, amount, updated_at)
			 VALUES ($1, $2, now())
			 ON CONFLICT (student_id) DO UPDATE SET amount = credit_balances.amount + $2, updated_at = now()`,
			studentID, plan.Credit,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to apply credit balance: %w", err)
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO payment_allocations (id, payment_intent_id, fee_obligation_id, amount_allocated, created_at)
			 VALUES ($1, $2, NULL, $3, now())`,
			uuid.New(), intentID, plan.Credit,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to record credit allocation: %w", err)
		}
	}

	_, err = tx.Exec(ctx,
		`UPDATE payment_intents SET reconcile_state = $2, updated_at = now() WHERE id = $1`,
		intentID, domain.ReconcileCompleted,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to mark intent reconciled: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit allocation: %w", err)
	}

	return &domain.ReconcileResult{
		FeesUpdated:     len(plan.Slices),
		TotalAllocated:  plan.TotalAllocated(),
		RemainingAmount: 0,
		CreditCreated:   plan.Credit,
	}, nil
}

// MarkReconciliationFailed records that allocation of a completed payment
// failed. The payment itself stays completed; only the reconcile state flips.
func (r *PostgresRepository) MarkReconciliationFailed(ctx context.Context, intentID uuid.UUID, reason string) error {
	query := `
		UPDATE payment_intents
		SET reconcile_state = $2, failure_reason = $3, updated_at = now()
		WHERE id = $1`
	_, err := r.db.Exec(ctx, query, intentID, domain.ReconcileFailed, reason)
	if err != nil {
		return fmt.Errorf("failed to mark reconciliation failed: %w", err)
	}
	return nil
}

// GetCreditBalance returns the student's credit balance, zero if none exists.
func (r *PostgresRepository) GetCreditBalance(ctx context.Context, studentID uuid.UUID) (int64, error) {
	var amount int64
	err := r.db.QueryRow(ctx, `SELECT amount FROM credit_balances WHERE student_id = $1`, studentID).Scan(&amount)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get credit balance: %w", err)
	}
	return amount, nil
}

// ListAllocationsByIntent returns the allocation audit records for an intent.
func (r *PostgresRepository) ListAllocationsByIntent(ctx context.Context, intentID uuid.UUID) ([]domain.AllocationRecord, error) {
	query := `
		SELECT id, payment_intent_id, fee_obligation_id, amount_allocated, created_at
		FROM payment_allocations
		WHERE payment_intent_id = $1
		ORDER BY created_at ASC`
	rows, err := r.db.Query(ctx, query, intentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list allocations: %w", err)
	}
	defer rows.Close()

	var records []domain.AllocationRecord
	for rows.Next() {
		var rec domain.AllocationRecord
		if err := rows.Scan(&rec.ID, &rec.PaymentIntentID, &rec.FeeObligationID, &rec.AmountAllocated, &rec.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// NextReceiptNumber returns the next receipt number for the given day. The
// per-day counter row is upserted atomically, so concurrent settlements get
// distinct sequence numbers.
func (r *PostgresRepository) NextReceiptNumber(ctx context.Context, day time.Time) (string, error) {
	var n int64
	query := `
		INSERT INTO receipt_counters (day, n)
		VALUES ($1, 1)
		ON CONFLICT (day) DO UPDATE SET n = receipt_counters.n + 1
		RETURNING n`
	if err := r.db.QueryRow(ctx, query, day.Format("2006-01-02")).Scan(&n); err != nil {
		return "", fmt.Errorf("failed to advance receipt counter: %w", err)
	}
	return fmt.Sprintf("RCT-%s-%04d", day.Format("20060102"), n), nil
}
