package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/skoolpay/settlement-service/internal/domain"
	"github.com/skoolpay/settlement-service/internal/gateway"
)

func processingIntent(studentID uuid.UUID) domain.PaymentIntent {
	return domain.PaymentIntent{
		ID:                 uuid.New(),
		GatewayKind:        domain.GatewayMobileMoney,
		OrderReference:     domain.NewOrderReference(studentID, time.Now().UTC()),
		StudentID:          studentID,
		Amount:             50000,
		Status:             domain.StatusProcessing,
		VerificationStatus: domain.VerificationUnverified,
		ReconcileState:     domain.ReconcileNone,
		GatewayCorrelation: map[string]string{domain.CorrelationCheckoutRequestID: "ws_CO_123"},
		CreatedAt:          time.Now().UTC(),
	}
}

func dispatcherFixture(adapter *stubAdapter) (*Service, *memRepo, *recordingPublisher) {
	repo := newMemRepo()
	producer := &recordingPublisher{}
	svc := NewService(repo, map[domain.GatewayKind]gateway.Adapter{adapter.kind: adapter}, producer, 0)
	return svc, repo, producer
}

func TestHandleNotification_SettlesAndAllocates(t *testing.T) {
	studentID := uuid.New()
	intent := processingIntent(studentID)

	adapter := &stubAdapter{
		kind: domain.GatewayMobileMoney,
		parseEvent: &domain.SettlementEvent{
			Gateway:         domain.GatewayMobileMoney,
			Outcome:         domain.OutcomeSuccess,
			ConfirmedAmount: 50000,
			CorrelationKeys: []string{"ws_CO_123"},
			Correlation:     map[string]string{domain.CorrelationProviderReceipt: "SGR7TQKXNV"},
		},
	}
	svc, repo, producer := dispatcherFixture(adapter)
	repo.addIntent(intent)
	repo.addObligation(domain.FeeObligation{
		ID: uuid.New(), StudentID: studentID, FeeType: "tuition",
		TotalOwed: 50000, DueDate: time.Now().UTC(),
	})

	if err := svc.HandleNotification(context.Background(), domain.GatewayMobileMoney, domain.ChannelCallback, []byte(`{}`), nil); err != nil {
		t.Fatalf("HandleNotification: %v", err)
	}

	settled := repo.intent(intent.ID)
	if settled.Status != domain.StatusCompleted {
		t.Fatalf("expected completed intent, got %s", settled.Status)
	}
	if settled.ReceiptNumber == nil || *settled.ReceiptNumber == "" {
		t.Fatalf("settlement did not issue a receipt number")
	}
	if settled.VerificationStatus != domain.VerificationVerified {
		t.Fatalf("gateway settlement should be verified, got %s", settled.VerificationStatus)
	}
	if settled.ReconcileState != domain.ReconcileCompleted {
		t.Fatalf("allocation did not run, reconcile state %s", settled.ReconcileState)
	}
	if settled.GatewayCorrelation[domain.CorrelationProviderReceipt] != "SGR7TQKXNV" {
		t.Fatalf("notification correlation not merged: %v", settled.GatewayCorrelation)
	}
	if producer.statusCount() != 1 {
		t.Fatalf("expected one status event, got %d", producer.statusCount())
	}
	if len(repo.notifications) != 1 {
		t.Fatalf("raw notification not recorded")
	}

	allocations, _ := repo.ListAllocationsByIntent(context.Background(), intent.ID)
	if len(allocations) != 1 || allocations[0].AmountAllocated != 50000 {
		t.Fatalf("unexpected allocations: %+v", allocations)
	}
}

func TestHandleNotification_DuplicateDeliveryIsNoOp(t *testing.T) {
	studentID := uuid.New()
	intent := processingIntent(studentID)

	adapter := &stubAdapter{
		kind: domain.GatewayMobileMoney,
		parseEvent: &domain.SettlementEvent{
			Gateway:         domain.GatewayMobileMoney,
			Outcome:         domain.OutcomeSuccess,
			ConfirmedAmount: 50000,
			CorrelationKeys: []string{"ws_CO_123"},
		},
	}
	svc, repo, producer := dispatcherFixture(adapter)
	repo.addIntent(intent)

	for i := 0; i < 2; i++ {
		if err := svc.HandleNotification(context.Background(), domain.GatewayMobileMoney, domain.ChannelCallback, []byte(`{}`), nil); err != nil {
			t.Fatalf("delivery %d: %v", i+1, err)
		}
	}

	if producer.statusCount() != 1 {
		t.Fatalf("duplicate delivery re-ran side effects: %d status events", producer.statusCount())
	}
	// Both payloads are still recorded for audit.
	if len(repo.notifications) != 2 {
		t.Fatalf("expected both deliveries in the audit trail, got %d", len(repo.notifications))
	}
	allocations, _ := repo.ListAllocationsByIntent(context.Background(), intent.ID)
	if len(allocations) != 1 {
		t.Fatalf("duplicate delivery re-ran allocation: %d records", len(allocations))
	}
}

func TestHandleNotification_ConcurrentDeliveriesSettleOnce(t *testing.T) {
	studentID := uuid.New()
	intent := processingIntent(studentID)

	adapter := &stubAdapter{
		kind: domain.GatewayMobileMoney,
		parseEvent: &domain.SettlementEvent{
			Gateway:         domain.GatewayMobileMoney,
			Outcome:         domain.OutcomeSuccess,
			ConfirmedAmount: 50000,
			CorrelationKeys: []string{"ws_CO_123"},
		},
	}
	svc, repo, producer := dispatcherFixture(adapter)
	repo.addIntent(intent)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			channel := domain.ChannelCallback
			if i%2 == 0 {
				channel = domain.ChannelBroker
			}
			if err := svc.HandleNotification(context.Background(), domain.GatewayMobileMoney, channel, []byte(`{}`), nil); err != nil {
				t.Errorf("concurrent delivery: %v", err)
			}
		}()
	}
	wg.Wait()

	if producer.statusCount() != 1 {
		t.Fatalf("exactly one delivery should win the settlement, got %d status events", producer.statusCount())
	}
	allocations, _ := repo.ListAllocationsByIntent(context.Background(), intent.ID)
	if len(allocations) != 1 {
		t.Fatalf("allocation ran %d times", len(allocations))
	}
}

func TestHandleNotification_FailureOutcomeFailsIntent(t *testing.T) {
	studentID := uuid.New()
	intent := processingIntent(studentID)

	adapter := &stubAdapter{
		kind: domain.GatewayMobileMoney,
		parseEvent: &domain.SettlementEvent{
			Gateway:         domain.GatewayMobileMoney,
			Outcome:         domain.OutcomeFailure,
			FailureReason:   "Request cancelled by user",
			CorrelationKeys: []string{"ws_CO_123"},
		},
	}
	svc, repo, producer := dispatcherFixture(adapter)
	repo.addIntent(intent)

	if err := svc.HandleNotification(context.Background(), domain.GatewayMobileMoney, domain.ChannelCallback, []byte(`{}`), nil); err != nil {
		t.Fatalf("HandleNotification: %v", err)
	}

	failed := repo.intent(intent.ID)
	if failed.Status != domain.StatusFailed {
		t.Fatalf("expected failed intent, got %s", failed.Status)
	}
	if failed.FailureReason == nil || *failed.FailureReason != "Request cancelled by user" {
		t.Fatalf("failure reason not recorded: %v", failed.FailureReason)
	}
	if failed.ReceiptNumber != nil {
		t.Fatalf("failed payment must not carry a receipt")
	}
	if producer.statusCount() != 1 {
		t.Fatalf("expected one status event, got %d", producer.statusCount())
	}
}

func TestHandleNotification_UnresolvedIsRecordedAndAlerted(t *testing.T) {
	adapter := &stubAdapter{
		kind: domain.GatewayBankCheckout,
		parseEvent: &domain.SettlementEvent{
			Gateway:         domain.GatewayBankCheckout,
			Outcome:         domain.OutcomeSuccess,
			ConfirmedAmount: 10000,
			OrderReference:  "SP-unknown-1",
			CorrelationKeys: []string{"TRX-missing", "SP-unknown-1"},
		},
	}
	svc, repo, producer := dispatcherFixture(adapter)

	err := svc.HandleNotification(context.Background(), domain.GatewayBankCheckout, domain.ChannelCallback, []byte(`{"status":"SUCCESS"}`), nil)
	if err != nil {
		t.Fatalf("unresolved notification must not error the delivery: %v", err)
	}

	if len(repo.notifications) != 1 {
		t.Fatalf("unresolved payload not recorded")
	}
	if repo.notifications[0].IntentID != nil {
		t.Fatalf("unresolved notification should carry no intent id")
	}
	if producer.alertCount() != 1 {
		t.Fatalf("expected an operator alert, got %d", producer.alertCount())
	}
}

func TestHandleNotification_MalformedPayload(t *testing.T) {
	adapter := &stubAdapter{
		kind:     domain.GatewayMobileMoney,
		parseErr: errors.New("missing ResultCode"),
	}
	svc, repo, _ := dispatcherFixture(adapter)

	err := svc.HandleNotification(context.Background(), domain.GatewayMobileMoney, domain.ChannelCallback, []byte(`garbage`), nil)
	if !errors.Is(err, ErrMalformedNotification) {
		t.Fatalf("expected ErrMalformedNotification, got %v", err)
	}
	if len(repo.notifications) != 1 {
		t.Fatalf("malformed payload must still be recorded for audit")
	}
}

func TestHandleNotification_IntentHintResolvesFirst(t *testing.T) {
	studentID := uuid.New()
	intent := processingIntent(studentID)
	intent.GatewayCorrelation = nil // nothing to correlate on; only the hint works

	adapter := &stubAdapter{
		kind: domain.GatewayMobileMoney,
		parseEvent: &domain.SettlementEvent{
			Gateway:         domain.GatewayMobileMoney,
			Outcome:         domain.OutcomeSuccess,
			ConfirmedAmount: 50000,
		},
	}
	svc, repo, _ := dispatcherFixture(adapter)
	repo.addIntent(intent)

	if err := svc.HandleNotification(context.Background(), domain.GatewayMobileMoney, domain.ChannelCallback, []byte(`{}`), &intent.ID); err != nil {
		t.Fatalf("HandleNotification: %v", err)
	}
	if got := repo.intent(intent.ID); got.Status != domain.StatusCompleted {
		t.Fatalf("hint did not resolve the intent, status %s", got.Status)
	}
}

func TestHandleNotification_AmountMismatchSettlesAtConfirmed(t *testing.T) {
	studentID := uuid.New()
	intent := processingIntent(studentID)

	adapter := &stubAdapter{
		kind: domain.GatewayMobileMoney,
		parseEvent: &domain.SettlementEvent{
			Gateway:         domain.GatewayMobileMoney,
			Outcome:         domain.OutcomeSuccess,
			ConfirmedAmount: 45000, // partial amount actually moved
			CorrelationKeys: []string{"ws_CO_123"},
		},
	}
	svc, repo, _ := dispatcherFixture(adapter)
	repo.addIntent(intent)
	repo.addObligation(domain.FeeObligation{
		ID: uuid.New(), StudentID: studentID, FeeType: "tuition",
		TotalOwed: 50000, DueDate: time.Now().UTC(),
	})

	if err := svc.HandleNotification(context.Background(), domain.GatewayMobileMoney, domain.ChannelCallback, []byte(`{}`), nil); err != nil {
		t.Fatalf("HandleNotification: %v", err)
	}

	settled := repo.intent(intent.ID)
	if settled.ConfirmedAmount == nil || *settled.ConfirmedAmount != 45000 {
		t.Fatalf("expected settlement at the confirmed amount, got %v", settled.ConfirmedAmount)
	}
	outstanding, _ := repo.OutstandingBalance(context.Background(), studentID)
	if outstanding != 5000 {
		t.Fatalf("expected 5000 outstanding after partial settlement, got %d", outstanding)
	}
}

func TestHandleNotification_AllocationFailureKeepsSettlement(t *testing.T) {
	studentID := uuid.New()
	intent := processingIntent(studentID)

	adapter := &stubAdapter{
		kind: domain.GatewayMobileMoney,
		parseEvent: &domain.SettlementEvent{
			Gateway:         domain.GatewayMobileMoney,
			Outcome:         domain.OutcomeSuccess,
			ConfirmedAmount: 50000,
			CorrelationKeys: []string{"ws_CO_123"},
		},
	}
	svc, repo, producer := dispatcherFixture(adapter)
	repo.addIntent(intent)
	repo.allocateErr = errors.New("deadlock detected")

	if err := svc.HandleNotification(context.Background(), domain.GatewayMobileMoney, domain.ChannelCallback, []byte(`{}`), nil); err != nil {
		t.Fatalf("allocation failure must not fail the delivery: %v", err)
	}

	settled := repo.intent(intent.ID)
	if settled.Status != domain.StatusCompleted {
		t.Fatalf("allocation failure must not un-settle the payment, status %s", settled.Status)
	}
	if settled.ReconcileState != domain.ReconcileFailed {
		t.Fatalf("intent not flagged for reconciliation retry, state %s", settled.ReconcileState)
	}
	if producer.alertCount() != 1 {
		t.Fatalf("expected a reconciliation alert, got %d", producer.alertCount())
	}
}

func TestHandleNotification_UnknownGateway(t *testing.T) {
	svc, _, _ := dispatcherFixture(&stubAdapter{kind: domain.GatewayMobileMoney})

	err := svc.HandleNotification(context.Background(), domain.GatewayBankUSSD, domain.ChannelCallback, []byte(`{}`), nil)
	if !errors.Is(err, ErrUnknownGateway) {
		t.Fatalf("expected ErrUnknownGateway, got %v", err)
	}
}

func TestHandleNotification_CallbackFailureRequeuesOnFeed(t *testing.T) {
	studentID := uuid.New()
	intent := processingIntent(studentID)

	adapter := &stubAdapter{
		kind: domain.GatewayMobileMoney,
		parseEvent: &domain.SettlementEvent{
			Gateway:         domain.GatewayMobileMoney,
			Outcome:         domain.OutcomeSuccess,
			ConfirmedAmount: 50000,
			CorrelationKeys: []string{"ws_CO_123"},
		},
	}
	svc, repo, producer := dispatcherFixture(adapter)
	repo.addIntent(intent)
	repo.receiptErr = errors.New("counter unavailable")

	if err := svc.HandleNotification(context.Background(), domain.GatewayMobileMoney, domain.ChannelCallback, []byte(`{"ResultCode":0}`), nil); err != nil {
		t.Fatalf("callback delivery must absorb a receiving-side failure: %v", err)
	}

	if got := repo.intent(intent.ID); got.Status != domain.StatusProcessing {
		t.Fatalf("failed settlement must leave the intent non-terminal, got %s", got.Status)
	}
	keys := producer.publishedKeys()
	if len(keys) != 1 || keys[0] != "settlement.feed.mobile_money" {
		t.Fatalf("payload not requeued on the settlement feed: %v", keys)
	}

	// The broker feed keeps its error return so the consumer nacks the message
	// instead of requeuing a second copy.
	if err := svc.HandleNotification(context.Background(), domain.GatewayMobileMoney, domain.ChannelBroker, []byte(`{"ResultCode":0}`), nil); err == nil {
		t.Fatalf("broker delivery must surface the processing error for a nack")
	}
}

func TestHandleNotification_RequeueFailureRaisesAlert(t *testing.T) {
	studentID := uuid.New()
	intent := processingIntent(studentID)

	adapter := &stubAdapter{
		kind: domain.GatewayMobileMoney,
		parseEvent: &domain.SettlementEvent{
			Gateway:         domain.GatewayMobileMoney,
			Outcome:         domain.OutcomeSuccess,
			ConfirmedAmount: 50000,
			CorrelationKeys: []string{"ws_CO_123"},
		},
	}
	svc, repo, producer := dispatcherFixture(adapter)
	repo.addIntent(intent)
	repo.receiptErr = errors.New("counter unavailable")
	producer.publishErr = errors.New("broker down")

	if err := svc.HandleNotification(context.Background(), domain.GatewayMobileMoney, domain.ChannelCallback, []byte(`{"ResultCode":0}`), nil); err != nil {
		t.Fatalf("callback delivery must still be absorbed: %v", err)
	}
	if producer.alertCount() != 1 {
		t.Fatalf("expected an operator alert when the requeue fails, got %d", producer.alertCount())
	}
}

func TestHandleNotification_CorrelationBeatsOrderReference(t *testing.T) {
	studentID := uuid.New()

	byCorrelation := processingIntent(studentID)
	byReference := processingIntent(studentID)
	byReference.OrderReference = domain.NewOrderReference(studentID, time.Now().UTC().Add(time.Second))
	byReference.GatewayCorrelation = nil

	adapter := &stubAdapter{
		kind: domain.GatewayMobileMoney,
		parseEvent: &domain.SettlementEvent{
			Gateway:         domain.GatewayMobileMoney,
			Outcome:         domain.OutcomeSuccess,
			ConfirmedAmount: 50000,
			OrderReference:  byReference.OrderReference,
			CorrelationKeys: []string{"ws_CO_123"},
		},
	}
	svc, repo, _ := dispatcherFixture(adapter)
	repo.addIntent(byCorrelation)
	repo.addIntent(byReference)

	if err := svc.HandleNotification(context.Background(), domain.GatewayMobileMoney, domain.ChannelCallback, []byte(`{}`), nil); err != nil {
		t.Fatalf("HandleNotification: %v", err)
	}

	if got := repo.intent(byCorrelation.ID); got.Status != domain.StatusCompleted {
		t.Fatalf("correlation match must win the resolution, status %s", got.Status)
	}
	if got := repo.intent(byReference.ID); got.Status != domain.StatusProcessing {
		t.Fatalf("order-reference match must not be settled when a correlation match exists, status %s", got.Status)
	}
}

func TestSettlementFeedHandler_AckSemantics(t *testing.T) {
	studentID := uuid.New()
	intent := processingIntent(studentID)

	adapter := &stubAdapter{
		kind: domain.GatewayMobileMoney,
		parseEvent: &domain.SettlementEvent{
			Gateway:         domain.GatewayMobileMoney,
			Outcome:         domain.OutcomeSuccess,
			ConfirmedAmount: 50000,
			CorrelationKeys: []string{"ws_CO_123"},
		},
	}
	svc, repo, _ := dispatcherFixture(adapter)
	repo.addIntent(intent)

	handler := NewSettlementFeedHandler(svc, domain.GatewayMobileMoney)
	if !handler([]byte(`{}`)) {
		t.Fatalf("processed feed message must be acked")
	}
	if got := repo.intent(intent.ID); got.Status != domain.StatusCompleted {
		t.Fatalf("feed delivery did not settle the intent, status %s", got.Status)
	}

	adapter.parseErr = errors.New("missing ResultCode")
	if !handler([]byte(`garbage`)) {
		t.Fatalf("malformed feed message must be acked and dropped, not re-queued")
	}

	adapter.parseErr = nil
	repo.receiptErr = errors.New("counter unavailable")
	second := processingIntent(studentID)
	second.OrderReference = domain.NewOrderReference(studentID, time.Now().UTC().Add(time.Second))
	second.GatewayCorrelation = map[string]string{domain.CorrelationCheckoutRequestID: "ws_CO_999"}
	repo.addIntent(second)
	adapter.parseEvent.CorrelationKeys = []string{"ws_CO_999"}

	if handler([]byte(`{}`)) {
		t.Fatalf("transient processing error must be nacked for redelivery")
	}
}
