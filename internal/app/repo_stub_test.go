package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skoolpay/settlement-service/internal/domain"
	"github.com/skoolpay/settlement-service/internal/store"
)

// memRepo is an in-memory store.Repository for service tests. Conditional
// transitions take the mutex for the whole check-and-set so concurrent
// deliveries race the same way they do on the database's conditional UPDATE.
type memRepo struct {
	mu            sync.Mutex
	intents       map[uuid.UUID]*domain.PaymentIntent
	obligations   map[uuid.UUID]*domain.FeeObligation
	notifications []domain.RawNotification
	allocations   []domain.AllocationRecord
	credits       map[uuid.UUID]int64
	receiptSeq    int

	allocateErr error // forces AllocateConfirmedAmount to fail
	receiptErr  error // forces NextReceiptNumber to fail
}

func newMemRepo() *memRepo {
	return &memRepo{
		intents:     make(map[uuid.UUID]*domain.PaymentIntent),
		obligations: make(map[uuid.UUID]*domain.FeeObligation),
		credits:     make(map[uuid.UUID]int64),
	}
}

func (m *memRepo) addIntent(intent domain.PaymentIntent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := intent
	m.intents[intent.ID] = &copied
}

func (m *memRepo) addObligation(ob domain.FeeObligation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := ob
	m.obligations[ob.ID] = &copied
}

func (m *memRepo) intent(id uuid.UUID) domain.PaymentIntent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.intents[id]
}

func (m *memRepo) CreatePaymentIntent(ctx context.Context, intent *domain.PaymentIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.intents {
		if existing.OrderReference == intent.OrderReference {
			return store.ErrDuplicateOrderRef
		}
	}
	intent.CreatedAt = time.Now().UTC()
	copied := *intent
	m.intents[intent.ID] = &copied
	return nil
}

func (m *memRepo) FindPaymentIntentByID(ctx context.Context, id uuid.UUID) (*domain.PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	intent, ok := m.intents[id]
	if !ok {
		return nil, store.ErrIntentNotFound
	}
	copied := *intent
	return &copied, nil
}

func (m *memRepo) FindPaymentIntentByOrderReference(ctx context.Context, orderReference string) (*domain.PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, intent := range m.intents {
		if intent.OrderReference == orderReference {
			copied := *intent
			return &copied, nil
		}
	}
	return nil, store.ErrIntentNotFound
}

func (m *memRepo) FindPaymentIntentByCorrelation(ctx context.Context, value string) (*domain.PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, intent := range m.intents {
		for _, stored := range intent.GatewayCorrelation {
			if stored == value {
				copied := *intent
				return &copied, nil
			}
		}
	}
	return nil, store.ErrIntentNotFound
}

func (m *memRepo) MergeGatewayCorrelation(ctx context.Context, id uuid.UUID, refs map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	intent, ok := m.intents[id]
	if !ok {
		return store.ErrIntentNotFound
	}
	if intent.GatewayCorrelation == nil {
		intent.GatewayCorrelation = make(map[string]string)
	}
	for k, v := range refs {
		intent.GatewayCorrelation[k] = v
	}
	return nil
}

func (m *memRepo) MarkIntentProcessing(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	intent, ok := m.intents[id]
	if !ok {
		return store.ErrIntentNotFound
	}
	if intent.Status == domain.StatusPending {
		intent.Status = domain.StatusProcessing
	}
	return nil
}

func (m *memRepo) SettleIntent(ctx context.Context, id uuid.UUID, confirmedAmount int64, receiptNumber, verification string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	intent, ok := m.intents[id]
	if !ok {
		return false, store.ErrIntentNotFound
	}
	if domain.IsTerminalStatus(intent.Status) {
		return false, nil
	}
	intent.Status = domain.StatusCompleted
	intent.ConfirmedAmount = &confirmedAmount
	intent.ReceiptNumber = &receiptNumber
	intent.VerificationStatus = verification
	return true, nil
}

func (m *memRepo) FailIntent(ctx context.Context, id uuid.UUID, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	intent, ok := m.intents[id]
	if !ok {
		return false, store.ErrIntentNotFound
	}
	if domain.IsTerminalStatus(intent.Status) {
		return false, nil
	}
	intent.Status = domain.StatusFailed
	intent.FailureReason = &reason
	return true, nil
}

func (m *memRepo) VerifyIntent(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	intent, ok := m.intents[id]
	if !ok {
		return store.ErrIntentNotFound
	}
	if intent.Status != domain.StatusCompleted {
		return store.ErrIntentNotConfirmable
	}
	intent.VerificationStatus = domain.VerificationVerified
	return nil
}

func (m *memRepo) SweepStalePendingIntents(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var swept int64
	for _, intent := range m.intents {
		if intent.Status == domain.StatusPending && intent.CreatedAt.Before(cutoff) {
			intent.Status = domain.StatusFailed
			reason := "expired: no gateway confirmation received"
			intent.FailureReason = &reason
			swept++
		}
	}
	return swept, nil
}

func (m *memRepo) ListUnreconciledIntents(ctx context.Context, limit int, cutoff time.Time) ([]domain.PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.PaymentIntent
	for _, intent := range m.intents {
		if intent.Status == domain.StatusCompleted && intent.ReconcileState == domain.ReconcileFailed {
			out = append(out, *intent)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *memRepo) AppendNotification(ctx context.Context, n *domain.RawNotification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications = append(m.notifications, *n)
	return nil
}

func (m *memRepo) FindFeeObligationByID(ctx context.Context, id uuid.UUID) (*domain.FeeObligation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ob, ok := m.obligations[id]
	if !ok {
		return nil, store.ErrObligationNotFound
	}
	copied := *ob
	return &copied, nil
}

func (m *memRepo) ListOutstandingObligations(ctx context.Context, studentID uuid.UUID) ([]domain.FeeObligation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outstandingLocked(studentID), nil
}

func (m *memRepo) outstandingLocked(studentID uuid.UUID) []domain.FeeObligation {
	var out []domain.FeeObligation
	for _, ob := range m.obligations {
		if ob.StudentID == studentID && ob.Balance() > 0 {
			out = append(out, *ob)
		}
	}
	return out
}

func (m *memRepo) OutstandingBalance(ctx context.Context, studentID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, ob := range m.obligations {
		if ob.StudentID == studentID {
			total += ob.Balance()
		}
	}
	return total, nil
}

func (m *memRepo) AllocateConfirmedAmount(ctx context.Context, intentID, studentID uuid.UUID, amount int64) (*domain.ReconcileResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.allocateErr != nil {
		return nil, m.allocateErr
	}

	plan := domain.PlanAllocation(m.outstandingLocked(studentID), amount)
	for _, slice := range plan.Slices {
		ob := m.obligations[slice.Obligation.ID]
		ob.AmountPaid += slice.Amount
		obligationID := ob.ID
		m.allocations = append(m.allocations, domain.AllocationRecord{
			ID:              uuid.New(),
			PaymentIntentID: intentID,
			FeeObligationID: &obligationID,
			AmountAllocated: slice.Amount,
		})
	}
	if plan.Credit > 0 {
		m.credits[studentID] += plan.Credit
		m.allocations = append(m.allocations, domain.AllocationRecord{
			ID:              uuid.New(),
			PaymentIntentID: intentID,
			AmountAllocated: plan.Credit,
		})
	}
	if intent, ok := m.intents[intentID]; ok {
		intent.ReconcileState = domain.ReconcileCompleted
	}
	return &domain.ReconcileResult{
		FeesUpdated:     len(plan.Slices),
		TotalAllocated:  plan.TotalAllocated(),
		RemainingAmount: plan.Credit,
		CreditCreated:   plan.Credit,
	}, nil
}

func (m *memRepo) MarkReconciliationFailed(ctx context.Context, intentID uuid.UUID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	intent, ok := m.intents[intentID]
	if !ok {
		return store.ErrIntentNotFound
	}
	intent.ReconcileState = domain.ReconcileFailed
	return nil
}

func (m *memRepo) GetCreditBalance(ctx context.Context, studentID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.credits[studentID], nil
}

func (m *memRepo) ListAllocationsByIntent(ctx context.Context, intentID uuid.UUID) ([]domain.AllocationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.AllocationRecord
	for _, rec := range m.allocations {
		if rec.PaymentIntentID == intentID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *memRepo) NextReceiptNumber(ctx context.Context, day time.Time) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.receiptErr != nil {
		return "", m.receiptErr
	}
	m.receiptSeq++
	return fmt.Sprintf("RCT-%s-%04d", day.Format("20060102"), m.receiptSeq), nil
}

var _ store.Repository = (*memRepo)(nil)
