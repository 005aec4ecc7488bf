/**
 * @description
 * This file defines the `Repository` interface: the contract for all data
 * access the settlement-service performs. The application layer programs
 * against this interface, which keeps the dispatcher and allocator testable
 * with in-memory stubs and keeps the PostgreSQL specifics in one place.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/skoolpay/settlement-service/internal/domain"
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Payment intent ledger
	CreatePaymentIntent(ctx context.Context, intent *domain.PaymentIntent) error
	FindPaymentIntentByID(ctx context.Context, id uuid.UUID) (*domain.PaymentIntent, error)
	FindPaymentIntentByOrderReference(ctx context.Context, orderReference string) (*domain.PaymentIntent, error)
	// FindPaymentIntentByCorrelation matches value against any stored gateway
	// correlation identifier (checkout id, transaction reference, bill number).
	FindPaymentIntentByCorrelation(ctx context.Context, value string) (*domain.PaymentIntent, error)
	MergeGatewayCorrelation(ctx context.Context, id uuid.UUID, refs map[string]string) error

	// Lifecycle transitions. SettleIntent and FailIntent are conditional
	// updates guarded on a non-terminal status; the boolean reports whether
	// this caller won the transition. A false return with no error means the
	// intent was already terminal.
	MarkIntentProcessing(ctx context.Context, id uuid.UUID) error
	SettleIntent(ctx context.Context, id uuid.UUID, confirmedAmount int64, receiptNumber, verification string) (bool, error)
	FailIntent(ctx context.Context, id uuid.UUID, reason string) (bool, error)
	VerifyIntent(ctx context.Context, id uuid.UUID) error
	SweepStalePendingIntents(ctx context.Context, cutoff time.Time) (int64, error)
	ListUnreconciledIntents(ctx context.Context, limit int, cutoff time.Time) ([]domain.PaymentIntent, error)

	// Append-only notification audit trail. IntentID is nil for payloads that
	// resolved to no intent.
	AppendNotification(ctx context.Context, n *domain.RawNotification) error

	// Fee obligations and allocation
	FindFeeObligationByID(ctx context.Context, id uuid.UUID) (*domain.FeeObligation, error)
	ListOutstandingObligations(ctx context.Context, studentID uuid.UUID) ([]domain.FeeObligation, error)
	OutstandingBalance(ctx context.Context, studentID uuid.UUID) (int64, error)
	// AllocateConfirmedAmount distributes amount across the student's
	// outstanding obligations in one atomic transaction: allocation records,
	// obligation updates, credit remainder and the intent's reconcile state
	// all commit together or not at all.
	AllocateConfirmedAmount(ctx context.Context, intentID, studentID uuid.UUID, amount int64) (*domain.ReconcileResult, error)
	MarkReconciliationFailed(ctx context.Context, intentID uuid.UUID, reason string) error
	GetCreditBalance(ctx context.Context, studentID uuid.UUID) (int64, error)
	ListAllocationsByIntent(ctx context.Context, intentID uuid.UUID) ([]domain.AllocationRecord, error)

	// NextReceiptNumber returns the next receipt number for the given day from
	// an atomically incremented per-day counter.
	NextReceiptNumber(ctx context.Context, day time.Time) (string, error)
}
