package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/skoolpay/settlement-service/internal/domain"
	"github.com/skoolpay/settlement-service/pkg/rabbitmq"
)

const (
	defaultReconcileRetryLimit   = 100
	maxReconcileRetryLimit       = 500
	reconcileRetryEligibilityAge = 2 * time.Minute
)

// RetryFailedReconciliations re-runs fee allocation for completed payments
// whose earlier allocation attempt failed. The payment itself is already
// settled; only the distribution across obligations is outstanding. Eligible
// intents must have sat unreconciled for a short grace period so an in-flight
// first attempt is not raced.
func (s *Service) RetryFailedReconciliations(ctx context.Context, limit int) (*domain.ReconcileRetryResponse, error) {
	if limit <= 0 {
		limit = defaultReconcileRetryLimit
	}
	if limit > maxReconcileRetryLimit {
		limit = maxReconcileRetryLimit
	}

	cutoff := time.Now().UTC().Add(-reconcileRetryEligibilityAge)
	candidates, err := s.repo.ListUnreconciledIntents(ctx, limit, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list unreconciled intents: %w", err)
	}

	result := &domain.ReconcileRetryResponse{Processed: len(candidates)}

	for i := range candidates {
		intent := &candidates[i]
		if intent.ConfirmedAmount == nil {
			// Completed without a confirmed amount should not happen; flag it
			// for an operator rather than guessing.
			result.Failed++
			log.Printf("level=error component=service flow=reconcile_retry msg=\"unreconciled intent has no confirmed amount\" intent_id=%s", intent.ID)
			s.publishOperatorAlert(ctx, rabbitmq.OperatorAlertEvent{
				Kind:      rabbitmq.AlertReconciliationFailed,
				Gateway:   string(intent.GatewayKind),
				IntentID:  &intent.ID,
				Detail:    "completed payment has no confirmed amount; manual reconciliation required",
				Timestamp: time.Now().UTC(),
			})
			continue
		}

		allocation, allocErr := s.repo.AllocateConfirmedAmount(ctx, intent.ID, intent.StudentID, *intent.ConfirmedAmount)
		if allocErr != nil {
			result.Failed++
			log.Printf("level=warn component=service flow=reconcile_retry msg=\"retry allocation failed\" intent_id=%s err=%v", intent.ID, allocErr)
			if markErr := s.repo.MarkReconciliationFailed(ctx, intent.ID, allocErr.Error()); markErr != nil {
				log.Printf("level=error component=service flow=reconcile_retry msg=\"failed to persist retry failure\" intent_id=%s err=%v", intent.ID, markErr)
			}
			continue
		}

		result.Retried++
		log.Printf("level=info component=service flow=reconcile_retry msg=\"retry allocation succeeded\" intent_id=%s fees_updated=%d allocated=%d credit=%d", intent.ID, allocation.FeesUpdated, allocation.TotalAllocated, allocation.CreditCreated)
	}

	return result, nil
}
