/**
 * @description
 * This file contains the core business logic for the settlement-service. The `Service`
 * struct orchestrates the payment lifecycle, coordinating between the database
 * repository, the gateway adapters, and the message broker.
 *
 * Key features:
 * - Implements the main use cases: gateway payment initiation, manual payment
 *   recording, operator verification, and background maintenance sweeps.
 * - Every attempted payment gets a ledger entry before any gateway call is made,
 *   so money movement is never untracked.
 * - Publishes terminal status events and operator alerts to RabbitMQ for
 *   asynchronous processing by other services.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation.
 * - internal/domain, internal/store, internal/gateway: For domain models, data
 *   access and gateway communication.
 * - pkg/rabbitmq: For event publishing.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/skoolpay/settlement-service/internal/domain"
	"github.com/skoolpay/settlement-service/internal/gateway"
	"github.com/skoolpay/settlement-service/internal/store"
	"github.com/skoolpay/settlement-service/pkg/rabbitmq"
)

var (
	ErrInvalidAmount        = errors.New("amount must be a positive number of cents")
	ErrAmountExceedsBalance = errors.New("amount exceeds the outstanding balance")
	ErrUnknownGateway       = errors.New("unknown gateway kind")
	ErrGatewayNotEnabled    = errors.New("gateway is not enabled")
	ErrMissingEvidence      = errors.New("manual payment requires a deposit or cheque reference")
)

// Service provides the core business logic for payment settlement.
type Service struct {
	repo       store.Repository
	adapters   map[domain.GatewayKind]gateway.Adapter
	producer   rabbitmq.Publisher
	staleAfter time.Duration
}

// NewService creates a new settlement service instance. staleAfter is how long
// an intent may sit without gateway confirmation before the sweep fails it.
func NewService(repo store.Repository, adapters map[domain.GatewayKind]gateway.Adapter, producer rabbitmq.Publisher, staleAfter time.Duration) *Service {
	if staleAfter <= 0 {
		staleAfter = 2 * time.Hour
	}
	return &Service{
		repo:       repo,
		adapters:   adapters,
		producer:   producer,
		staleAfter: staleAfter,
	}
}

// InitiatePayment creates a pending payment intent and pushes it to the
// requested gateway. The intent row is written before the gateway is called,
// so a crash mid-initiation still leaves an auditable record.
func (s *Service) InitiatePayment(ctx context.Context, req domain.InitiatePaymentRequest) (*domain.InitiatePaymentResult, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if !req.Gateway.Valid() || req.Gateway == domain.GatewayManual {
		return nil, ErrUnknownGateway
	}
	adapter, ok := s.adapters[req.Gateway]
	if !ok {
		return nil, ErrGatewayNotEnabled
	}

	if req.Gateway == domain.GatewayMobileMoney || req.Gateway == domain.GatewayBankUSSD {
		msisdn, err := domain.NormalizeMSISDN(req.Payer.MSISDN)
		if err != nil {
			return nil, err
		}
		req.Payer.MSISDN = msisdn
	}

	// A payment may never request more than is owed. Overpayment credit only
	// arises from gateway-confirmed or manually recorded amounts, not from an
	// initiation request.
	if req.FeeObligationID != nil {
		obligation, err := s.repo.FindFeeObligationByID(ctx, *req.FeeObligationID)
		if err != nil {
			return nil, fmt.Errorf("failed to find fee obligation: %w", err)
		}
		if obligation.StudentID != req.StudentID {
			return nil, store.ErrObligationNotFound
		}
		if req.Amount > obligation.Balance() {
			return nil, fmt.Errorf("%w: requested %d against %d owed", ErrAmountExceedsBalance, req.Amount, obligation.Balance())
		}
	} else {
		outstanding, err := s.repo.OutstandingBalance(ctx, req.StudentID)
		if err != nil {
			return nil, fmt.Errorf("failed to read outstanding balance: %w", err)
		}
		if req.Amount > outstanding {
			return nil, fmt.Errorf("%w: requested %d against %d outstanding", ErrAmountExceedsBalance, req.Amount, outstanding)
		}
	}

	now := time.Now().UTC()
	intent := &domain.PaymentIntent{
		ID:                 uuid.New(),
		GatewayKind:        req.Gateway,
		OrderReference:     domain.NewOrderReference(req.StudentID, now),
		StudentID:          req.StudentID,
		BranchID:           req.BranchID,
		FeeObligationID:    req.FeeObligationID,
		Amount:             req.Amount,
		Status:             domain.StatusPending,
		VerificationStatus: domain.VerificationUnverified,
		ReconcileState:     domain.ReconcileNone,
		Narrative:          req.Narrative,
	}
	if req.Payer.MSISDN != "" {
		intent.PayerMSISDN = &req.Payer.MSISDN
	}
	if req.Payer.Email != "" {
		intent.PayerEmail = &req.Payer.Email
	}
	if err := s.repo.CreatePaymentIntent(ctx, intent); err != nil {
		return nil, fmt.Errorf("failed to create payment intent: %w", err)
	}
	log.Printf("level=info component=service flow=initiate msg=\"payment intent created\" intent_id=%s gateway=%s order_ref=%s amount=%d", intent.ID, intent.GatewayKind, intent.OrderReference, intent.Amount)

	result, err := adapter.Initiate(ctx, intent, req.Payer)
	if err != nil {
		var rejected *gateway.RejectedError
		var signing *gateway.SigningError
		if errors.As(err, &rejected) || errors.As(err, &signing) {
			// The gateway definitively did not accept the request; fail the
			// intent now so the payer can retry cleanly.
			if _, failErr := s.repo.FailIntent(ctx, intent.ID, err.Error()); failErr != nil {
				log.Printf("level=error component=service flow=initiate msg=\"failed to mark rejected intent failed\" intent_id=%s err=%v", intent.ID, failErr)
			}
			intent.Status = domain.StatusFailed
			s.publishStatusEvent(ctx, intent, "Payment was rejected by the gateway")
			return nil, err
		}
		// Ambiguous failure (timeout, 5xx, auth): the gateway may still have
		// accepted the request, so the intent stays pending. A late callback
		// can settle it; otherwise the stale sweep fails it.
		log.Printf("level=warn component=service flow=initiate msg=\"gateway initiation ambiguous; intent left pending\" intent_id=%s gateway=%s err=%v", intent.ID, intent.GatewayKind, err)
		return nil, err
	}

	if err := s.repo.MergeGatewayCorrelation(ctx, intent.ID, result.Correlation); err != nil {
		log.Printf("level=error component=service flow=initiate msg=\"failed to store gateway correlation\" intent_id=%s err=%v", intent.ID, err)
	}
	if intent.GatewayCorrelation == nil {
		intent.GatewayCorrelation = map[string]string{}
	}
	for k, v := range result.Correlation {
		intent.GatewayCorrelation[k] = v
	}
	if err := s.repo.MarkIntentProcessing(ctx, intent.ID); err != nil {
		log.Printf("level=warn component=service flow=initiate msg=\"failed to mark intent processing\" intent_id=%s err=%v", intent.ID, err)
	}
	intent.Status = domain.StatusProcessing

	log.Printf("level=info component=service flow=initiate msg=\"gateway accepted payment request\" intent_id=%s gateway=%s provider_ref=%s", intent.ID, intent.GatewayKind, result.ProviderReference)
	return &domain.InitiatePaymentResult{
		Intent:          intent,
		RedirectURL:     result.RedirectURL,
		CustomerMessage: result.CustomerMessage,
	}, nil
}

// RecordManualPayment records an offline bank deposit or cheque as a completed
// but unverified payment, and runs fee allocation immediately. The recorded
// evidence stays in the correlation map for later lookup.
func (s *Service) RecordManualPayment(ctx context.Context, req domain.ManualPaymentRequest) (*domain.PaymentIntent, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if req.Evidence == "" {
		return nil, ErrMissingEvidence
	}

	now := time.Now().UTC()
	intent := &domain.PaymentIntent{
		ID:                 uuid.New(),
		GatewayKind:        domain.GatewayManual,
		OrderReference:     domain.NewOrderReference(req.StudentID, now),
		StudentID:          req.StudentID,
		BranchID:           req.BranchID,
		FeeObligationID:    req.FeeObligationID,
		Amount:             req.Amount,
		Status:             domain.StatusPending,
		VerificationStatus: domain.VerificationUnverified,
		ReconcileState:     domain.ReconcileNone,
		GatewayCorrelation: map[string]string{domain.CorrelationDepositRef: req.Evidence},
		Narrative:          fmt.Sprintf("manual payment recorded by %s", req.RecordedBy),
	}
	if err := s.repo.CreatePaymentIntent(ctx, intent); err != nil {
		return nil, fmt.Errorf("failed to create manual payment intent: %w", err)
	}

	payload, _ := json.Marshal(req)
	if err := s.repo.AppendNotification(ctx, &domain.RawNotification{
		ID:         uuid.New(),
		IntentID:   &intent.ID,
		Gateway:    domain.GatewayManual,
		Channel:    domain.ChannelManual,
		Payload:    payload,
		ReceivedAt: now,
	}); err != nil {
		log.Printf("level=warn component=service flow=manual msg=\"failed to append manual notification\" intent_id=%s err=%v", intent.ID, err)
	}

	receipt, err := s.repo.NextReceiptNumber(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("failed to issue receipt number: %w", err)
	}
	won, err := s.repo.SettleIntent(ctx, intent.ID, req.Amount, receipt, domain.VerificationUnverified)
	if err != nil {
		return nil, fmt.Errorf("failed to settle manual payment: %w", err)
	}
	if !won {
		return nil, store.ErrIntentNotConfirmable
	}
	intent.Status = domain.StatusCompleted
	intent.ConfirmedAmount = &req.Amount
	intent.ReceiptNumber = &receipt

	log.Printf("level=info component=service flow=manual msg=\"manual payment recorded\" intent_id=%s student_id=%s amount=%d receipt=%s", intent.ID, intent.StudentID, req.Amount, receipt)

	s.allocateSettledPayment(ctx, intent, req.Amount)
	s.publishStatusEvent(ctx, intent, "Manual payment recorded, pending verification")
	return intent, nil
}

// VerifyPayment marks a completed manual payment as verified by an operator.
func (s *Service) VerifyPayment(ctx context.Context, intentID uuid.UUID) (*domain.PaymentIntent, error) {
	if err := s.repo.VerifyIntent(ctx, intentID); err != nil {
		return nil, err
	}
	log.Printf("level=info component=service flow=verify msg=\"payment verified\" intent_id=%s", intentID)
	return s.repo.FindPaymentIntentByID(ctx, intentID)
}

// GetPayment retrieves a single payment intent.
func (s *Service) GetPayment(ctx context.Context, intentID uuid.UUID) (*domain.PaymentIntent, error) {
	return s.repo.FindPaymentIntentByID(ctx, intentID)
}

// GetPaymentByOrderReference retrieves a payment intent by order reference.
func (s *Service) GetPaymentByOrderReference(ctx context.Context, orderReference string) (*domain.PaymentIntent, error) {
	return s.repo.FindPaymentIntentByOrderReference(ctx, orderReference)
}

// GetPaymentAllocations retrieves the allocation audit records for a payment.
func (s *Service) GetPaymentAllocations(ctx context.Context, intentID uuid.UUID) ([]domain.AllocationRecord, error) {
	return s.repo.ListAllocationsByIntent(ctx, intentID)
}

// GetStudentObligations retrieves a student's outstanding fee obligations.
func (s *Service) GetStudentObligations(ctx context.Context, studentID uuid.UUID) ([]domain.FeeObligation, error) {
	return s.repo.ListOutstandingObligations(ctx, studentID)
}

// GetStudentBalances returns the student's total outstanding balance and
// credit balance.
func (s *Service) GetStudentBalances(ctx context.Context, studentID uuid.UUID) (outstanding, credit int64, err error) {
	outstanding, err = s.repo.OutstandingBalance(ctx, studentID)
	if err != nil {
		return 0, 0, err
	}
	credit, err = s.repo.GetCreditBalance(ctx, studentID)
	if err != nil {
		return 0, 0, err
	}
	return outstanding, credit, nil
}

// ListUnreconciled returns completed payments whose fee allocation has not
// succeeded yet, for operator follow-up.
func (s *Service) ListUnreconciled(ctx context.Context, limit int) ([]domain.PaymentIntent, error) {
	if limit <= 0 {
		limit = defaultReconcileRetryLimit
	}
	return s.repo.ListUnreconciledIntents(ctx, limit, time.Now().UTC())
}

// SweepStalePending fails intents that have waited longer than the configured
// horizon without any gateway confirmation. Run on a schedule.
func (s *Service) SweepStalePending(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-s.staleAfter)
	swept, err := s.repo.SweepStalePendingIntents(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("stale sweep failed: %w", err)
	}
	if swept > 0 {
		log.Printf("level=info component=service flow=sweep msg=\"stale pending intents failed\" count=%d cutoff=%s", swept, cutoff.Format(time.RFC3339))
	}
	return swept, nil
}

// allocateSettledPayment runs fee allocation for a settled payment. Allocation
// failure never un-settles the payment; the intent is flagged for the retry
// job and an operator alert is published.
func (s *Service) allocateSettledPayment(ctx context.Context, intent *domain.PaymentIntent, amount int64) {
	result, err := s.repo.AllocateConfirmedAmount(ctx, intent.ID, intent.StudentID, amount)
	if err != nil {
		log.Printf("level=error component=service flow=allocate msg=\"allocation failed; payment flagged unreconciled\" intent_id=%s student_id=%s amount=%d err=%v", intent.ID, intent.StudentID, amount, err)
		if markErr := s.repo.MarkReconciliationFailed(ctx, intent.ID, err.Error()); markErr != nil {
			log.Printf("level=error component=service flow=allocate msg=\"failed to persist unreconciled state\" intent_id=%s err=%v", intent.ID, markErr)
		}
		s.publishOperatorAlert(ctx, rabbitmq.OperatorAlertEvent{
			Kind:      rabbitmq.AlertReconciliationFailed,
			Gateway:   string(intent.GatewayKind),
			IntentID:  &intent.ID,
			Detail:    fmt.Sprintf("payment settled but fee allocation failed: %v", err),
			Timestamp: time.Now().UTC(),
		})
		return
	}
	log.Printf("level=info component=service flow=allocate msg=\"payment allocated\" intent_id=%s fees_updated=%d allocated=%d credit=%d", intent.ID, result.FeesUpdated, result.TotalAllocated, result.CreditCreated)
}

// publishStatusEvent sends a terminal status event. Delivery is fire-and-forget.
func (s *Service) publishStatusEvent(ctx context.Context, intent *domain.PaymentIntent, description string) {
	if s.producer == nil {
		return
	}
	event := rabbitmq.PaymentStatusEvent{
		StudentID:   intent.StudentID,
		PaymentID:   intent.ID,
		Amount:      intent.Amount,
		Status:      intent.Status,
		Description: description,
		Timestamp:   time.Now().UTC(),
	}
	if intent.ConfirmedAmount != nil {
		event.Amount = *intent.ConfirmedAmount
	}
	if intent.ReceiptNumber != nil {
		event.ReceiptNumber = *intent.ReceiptNumber
	}
	if err := s.producer.PublishPaymentStatusEvent(ctx, event); err != nil {
		log.Printf("level=warn component=service msg=\"failed to publish payment status event\" intent_id=%s status=%s err=%v", intent.ID, intent.Status, err)
	}
}

// publishOperatorAlert sends a human-follow-up alert. Delivery is fire-and-forget.
func (s *Service) publishOperatorAlert(ctx context.Context, event rabbitmq.OperatorAlertEvent) {
	if s.producer == nil {
		return
	}
	if err := s.producer.PublishOperatorAlert(ctx, event); err != nil {
		log.Printf("level=warn component=service msg=\"failed to publish operator alert\" kind=%s err=%v", event.Kind, err)
	}
}
