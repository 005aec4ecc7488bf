/**
 * @description
 * This file defines the core domain models for the settlement-service: the
 * payment intent ledger entry, fee obligations, credit balances, allocation
 * records, and the normalized settlement event produced by gateway adapters.
 *
 * @notes
 * - Amounts are stored as `int64` in the smallest currency unit (cents),
 *   which avoids floating-point inaccuracies with financial data. The system
 *   operates in a single currency.
 * - A PaymentIntent is never deleted; it is the authoritative financial
 *   record for one attempted payment.
 */

package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GatewayKind identifies the payment rail an intent was created on.
type GatewayKind string

const (
	GatewayMobileMoney  GatewayKind = "mobile_money"  // push payment to the payer's phone
	GatewayBankCheckout GatewayKind = "bank_checkout" // aggregator hosted-checkout redirect
	GatewayBankUSSD     GatewayKind = "bank_ussd"     // bank bill push / USSD rail
	GatewayManual       GatewayKind = "manual"        // manually recorded bank/cheque deposit
)

// Valid reports whether k is a known gateway kind.
func (k GatewayKind) Valid() bool {
	switch k {
	case GatewayMobileMoney, GatewayBankCheckout, GatewayBankUSSD, GatewayManual:
		return true
	}
	return false
}

// Intent lifecycle states. Completed and Failed are terminal: no transition
// out of either is ever permitted.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// IsTerminalStatus reports whether status permits no further transitions.
func IsTerminalStatus(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// Verification axis, independent of the lifecycle status. Gateway-confirmed
// payments are auto-verified; manually recorded ones await a human.
const (
	VerificationUnverified = "unverified"
	VerificationVerified   = "verified"
)

// Reconcile states for a completed intent. "failed" is the operator-visible
// "paid but unreconciled" condition.
const (
	ReconcileNone      = "none"
	ReconcileCompleted = "completed"
	ReconcileFailed    = "failed"
)

// Well-known gateway correlation keys. Adapters may add rail-specific keys
// beyond these; the dispatcher matches against any of them.
const (
	CorrelationCheckoutRequestID = "checkout_request_id"
	CorrelationMerchantRequestID = "merchant_request_id"
	CorrelationTransactionRef    = "transaction_reference"
	CorrelationBillNumber        = "bill_number"
	CorrelationProviderReceipt   = "provider_receipt"
	CorrelationDepositRef        = "deposit_reference"
)

// PaymentIntent is the payment ledger entry: one row per attempted payment.
type PaymentIntent struct {
	ID                 uuid.UUID         `json:"id"`
	GatewayKind        GatewayKind       `json:"gateway_kind"`
	OrderReference     string            `json:"order_reference"`
	StudentID          uuid.UUID         `json:"student_id"`
	BranchID           uuid.UUID         `json:"branch_id"`
	FeeObligationID    *uuid.UUID        `json:"fee_obligation_id,omitempty"` // nil for wallet/credit top-ups
	Amount             int64             `json:"amount"`                      // requested amount, cents
	ConfirmedAmount    *int64            `json:"confirmed_amount,omitempty"`  // gateway-confirmed amount, cents
	Status             string            `json:"status"`
	VerificationStatus string            `json:"verification_status"`
	ReconcileState     string            `json:"reconcile_state"`
	FailureReason      *string           `json:"failure_reason,omitempty"`
	GatewayCorrelation map[string]string `json:"gateway_correlation,omitempty"`
	PayerMSISDN        *string           `json:"payer_msisdn,omitempty"`
	PayerEmail         *string           `json:"payer_email,omitempty"`
	ReceiptNumber      *string           `json:"receipt_number,omitempty"`
	Narrative          string            `json:"narrative,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// NewOrderReference builds the system-generated order reference for an
// intent. It embeds a student id fragment and a nanosecond timestamp so that
// concurrent initiations for the same student cannot collide.
func NewOrderReference(studentID uuid.UUID, at time.Time) string {
	short := studentID.String()[:8]
	return fmt.Sprintf("SP-%s-%d", short, at.UnixNano())
}

// PayerContact carries the payer details an adapter needs to push a payment.
type PayerContact struct {
	MSISDN string `json:"msisdn,omitempty"`
	Email  string `json:"email,omitempty"`
	Name   string `json:"name,omitempty"`
}

// RawNotification is one inbound notification payload, recorded append-only
// for audit regardless of whether it resolved to an intent or changed state.
type RawNotification struct {
	ID         uuid.UUID   `json:"id"`
	IntentID   *uuid.UUID  `json:"intent_id,omitempty"` // nil when unresolved
	Gateway    GatewayKind `json:"gateway"`
	Channel    string      `json:"channel"` // callback | broker | manual
	Payload    []byte      `json:"payload"`
	ReceivedAt time.Time   `json:"received_at"`
}

// Notification receipt channels.
const (
	ChannelCallback = "callback"
	ChannelBroker   = "broker"
	ChannelManual   = "manual"
)

// SettlementOutcome is the normalized result an adapter extracts from a
// gateway notification.
type SettlementOutcome string

const (
	OutcomeSuccess SettlementOutcome = "success"
	OutcomeFailure SettlementOutcome = "failure"
)

// SettlementEvent is the gateway-agnostic form of an inbound notification.
// CorrelationKeys holds every reference value the adapter could extract, in
// match-priority order; the dispatcher tries each against the ledger.
type SettlementEvent struct {
	Gateway           GatewayKind       `json:"gateway"`
	Outcome           SettlementOutcome `json:"outcome"`
	CorrelationKeys   []string          `json:"correlation_keys"`
	Correlation       map[string]string `json:"correlation,omitempty"` // merged into the intent on resolution
	OrderReference    string            `json:"order_reference,omitempty"`
	ConfirmedAmount   int64             `json:"confirmed_amount"`
	ExternalTimestamp *time.Time        `json:"external_timestamp,omitempty"`
	FailureReason     string            `json:"failure_reason,omitempty"`
}

// FeeObligation is one outstanding fee owed by a student. amount_paid only
// ever increases, and only through the allocator or manual correction flows.
type FeeObligation struct {
	ID         uuid.UUID `json:"id"`
	StudentID  uuid.UUID `json:"student_id"`
	BranchID   uuid.UUID `json:"branch_id"`
	FeeType    string    `json:"fee_type"`
	TotalOwed  int64     `json:"total_owed"`
	AmountPaid int64     `json:"amount_paid"`
	DueDate    time.Time `json:"due_date"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Balance is the outstanding remainder on the obligation.
func (f FeeObligation) Balance() int64 {
	return f.TotalOwed - f.AmountPaid
}

// CreditBalance holds a student's unearmarked funds from overpayments.
type CreditBalance struct {
	StudentID uuid.UUID `json:"student_id"`
	Amount    int64     `json:"amount"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AllocationRecord is the immutable audit record of one slice of a confirmed
// payment. FeeObligationID is nil when the slice went to credit. The sum of
// AmountAllocated across an intent's records equals its confirmed amount.
type AllocationRecord struct {
	ID              uuid.UUID  `json:"id"`
	PaymentIntentID uuid.UUID  `json:"payment_intent_id"`
	FeeObligationID *uuid.UUID `json:"fee_obligation_id,omitempty"`
	AmountAllocated int64      `json:"amount_allocated"`
	CreatedAt       time.Time  `json:"created_at"`
}

// ReconcileResult summarizes how a confirmed amount was distributed.
type ReconcileResult struct {
	FeesUpdated     int   `json:"fees_updated"`
	TotalAllocated  int64 `json:"total_allocated"`
	RemainingAmount int64 `json:"remaining_amount"`
	CreditCreated   int64 `json:"credit_created"`
}

// InitiatePaymentRequest is the DTO for initiating a gateway payment.
type InitiatePaymentRequest struct {
	StudentID       uuid.UUID    `json:"student_id"`
	BranchID        uuid.UUID    `json:"branch_id"`
	FeeObligationID *uuid.UUID   `json:"fee_obligation_id,omitempty"`
	Amount          int64        `json:"amount"` // cents
	Gateway         GatewayKind  `json:"gateway"`
	Payer           PayerContact `json:"payer"`
	Narrative       string       `json:"narrative,omitempty"`
}

// ManualPaymentRequest is the DTO for recording an offline bank/cheque deposit.
type ManualPaymentRequest struct {
	StudentID       uuid.UUID  `json:"student_id"`
	BranchID        uuid.UUID  `json:"branch_id"`
	FeeObligationID *uuid.UUID `json:"fee_obligation_id,omitempty"`
	Amount          int64      `json:"amount"`
	Evidence        string     `json:"evidence"` // deposit slip / cheque reference
	RecordedBy      string     `json:"recorded_by,omitempty"`
}

// InitiatePaymentResult is returned to the caller after an intent has been
// created and the gateway call made.
type InitiatePaymentResult struct {
	Intent          *PaymentIntent `json:"intent"`
	RedirectURL     string         `json:"redirect_url,omitempty"`
	CustomerMessage string         `json:"customer_message,omitempty"`
}

// ReconcileRetryResponse summarizes one pass of the reconciliation retry job.
type ReconcileRetryResponse struct {
	Processed int `json:"processed"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
}
