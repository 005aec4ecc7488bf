/**
 * @description
 * This file implements the notification dispatcher: the single code path every
 * inbound gateway notification goes through, whether it arrived on the HTTP
 * callback surface, the broker settlement feed, or both. The dispatcher is
 * idempotent: duplicate deliveries of the same settlement race on a conditional
 * database update and only the winner runs the side effects (receipt issuance,
 * fee allocation, status event).
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
	"github.com/skoolpay/settlement-service/internal/store"
	"github.com/skoolpay/settlement-service/pkg/rabbitmq"
)

// ErrMalformedNotification indicates a payload the adapter could not parse.
// Callback handlers translate it to a 4xx; the broker feed acknowledges and
// drops, since redelivery cannot fix a malformed payload.
var ErrMalformedNotification = errors.New("malformed gateway notification")

const feedHandlerTimeout = 15 * time.Second

// HandleNotification processes one inbound gateway notification. The raw
// payload is recorded append-only whether or not it resolves to an intent or
// changes any state. intentHint carries an intent id embedded in the callback
// URL, when the gateway echoes one back.
func (s *Service) HandleNotification(ctx context.Context, kind domain.GatewayKind, channel string, payload []byte, intentHint *uuid.UUID) error {
	adapter, ok := s.adapters[kind]
	if !ok {
		s.appendNotification(ctx, kind, channel, payload, nil)
		s.publishOperatorAlert(ctx, rabbitmq.OperatorAlertEvent{
			Kind:      rabbitmq.AlertNotificationUnresolved,
			Gateway:   string(kind),
			Detail:    "notification received for a gateway with no adapter configured",
			Payload:   payload,
			Timestamp: time.Now().UTC(),
		})
		return ErrUnknownGateway
	}

	event, parseErr := adapter.ParseNotification(payload)
	if parseErr != nil {
		s.appendNotification(ctx, kind, channel, payload, nil)
		log.Printf("level=warn component=dispatcher msg=\"unparseable notification\" gateway=%s channel=%s err=%v", kind, channel, parseErr)
		return fmt.Errorf("%w: %v", ErrMalformedNotification, parseErr)
	}

	intent := s.resolveIntent(ctx, event, intentHint)
	var intentID *uuid.UUID
	if intent != nil {
		intentID = &intent.ID
	}
	s.appendNotification(ctx, kind, channel, payload, intentID)

	if intent == nil {
		log.Printf("level=warn component=dispatcher msg=\"notification resolved to no intent\" gateway=%s channel=%s order_ref=%q correlation_keys=%d", kind, channel, event.OrderReference, len(event.CorrelationKeys))
		s.publishOperatorAlert(ctx, rabbitmq.OperatorAlertEvent{
			Kind:      rabbitmq.AlertNotificationUnresolved,
			Gateway:   string(kind),
			Detail:    "gateway notification could not be matched to any payment intent",
			Payload:   payload,
			Timestamp: time.Now().UTC(),
		})
		return nil
	}

	if len(event.Correlation) > 0 {
		if err := s.repo.MergeGatewayCorrelation(ctx, intent.ID, event.Correlation); err != nil {
			log.Printf("level=warn component=dispatcher msg=\"failed to merge notification correlation\" intent_id=%s err=%v", intent.ID, err)
		}
	}

	if domain.IsTerminalStatus(intent.Status) {
		log.Printf("level=info component=dispatcher msg=\"duplicate notification for terminal intent; no-op\" intent_id=%s status=%s gateway=%s channel=%s", intent.ID, intent.Status, kind, channel)
		return nil
	}

	var dispatchErr error
	if event.Outcome == domain.OutcomeFailure {
		dispatchErr = s.dispatchFailure(ctx, intent, event)
	} else {
		dispatchErr = s.dispatchSuccess(ctx, intent, event)
	}
	if dispatchErr != nil && channel == domain.ChannelCallback {
		// The gateway still gets a success ack for a receiving-side failure;
		// the payload is requeued on the broker feed so the retry happens
		// internally, not through gateway-side redelivery.
		s.requeueNotification(ctx, kind, payload, dispatchErr)
		return nil
	}
	return dispatchErr
}

// requeueNotification pushes a callback payload onto the broker settlement
// feed after a processing failure. The feed consumer nacks and redelivers
// until the dispatcher gets through; if even the requeue fails, an operator
// alert carries the payload.
func (s *Service) requeueNotification(ctx context.Context, kind domain.GatewayKind, payload []byte, cause error) {
	log.Printf("level=error component=dispatcher msg=\"callback processing failed; requeuing on settlement feed\" gateway=%s err=%v", kind, cause)
	var publishErr error
	if s.producer != nil {
		publishErr = s.producer.Publish(ctx, rabbitmq.SettlementExchange, rabbitmq.SettlementFeedRoutingKey(string(kind)), json.RawMessage(payload))
		if publishErr == nil {
			return
		}
	}
	log.Printf("level=error component=dispatcher msg=\"settlement feed requeue failed\" gateway=%s err=%v", kind, publishErr)
	s.publishOperatorAlert(ctx, rabbitmq.OperatorAlertEvent{
		Kind:      rabbitmq.AlertNotificationRetryFailed,
		Gateway:   string(kind),
		Detail:    fmt.Sprintf("callback processing failed and the payload could not be requeued: %v", cause),
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	})
}

func (s *Service) dispatchFailure(ctx context.Context, intent *domain.PaymentIntent, event *domain.SettlementEvent) error {
	reason := event.FailureReason
	if reason == "" {
		reason = "payment failed at gateway"
	}
	won, err := s.repo.FailIntent(ctx, intent.ID, reason)
	if err != nil {
		return fmt.Errorf("failed to fail intent %s: %w", intent.ID, err)
	}
	if !won {
		log.Printf("level=info component=dispatcher msg=\"lost failure race; intent already terminal\" intent_id=%s", intent.ID)
		return nil
	}
	intent.Status = domain.StatusFailed
	log.Printf("level=info component=dispatcher msg=\"payment failed\" intent_id=%s gateway=%s reason=%q", intent.ID, intent.GatewayKind, reason)
	s.publishStatusEvent(ctx, intent, reason)
	return nil
}

func (s *Service) dispatchSuccess(ctx context.Context, intent *domain.PaymentIntent, event *domain.SettlementEvent) error {
	confirmed := event.ConfirmedAmount
	if confirmed <= 0 {
		confirmed = intent.Amount
	}
	if confirmed != intent.Amount {
		// Settle at what the gateway says actually moved; the allocator
		// absorbs the difference, and any overpayment becomes credit.
		log.Printf("level=warn component=dispatcher msg=\"confirmed amount differs from requested\" intent_id=%s requested=%d confirmed=%d", intent.ID, intent.Amount, confirmed)
	}

	now := time.Now().UTC()
	receipt, err := s.repo.NextReceiptNumber(ctx, now)
	if err != nil {
		return fmt.Errorf("failed to issue receipt number for intent %s: %w", intent.ID, err)
	}

	won, err := s.repo.SettleIntent(ctx, intent.ID, confirmed, receipt, domain.VerificationVerified)
	if err != nil {
		return fmt.Errorf("failed to settle intent %s: %w", intent.ID, err)
	}
	if !won {
		// A concurrent delivery settled first. The receipt number drawn here
		// goes unused; gaps in the sequence are acceptable.
		log.Printf("level=info component=dispatcher msg=\"lost settlement race; intent already terminal\" intent_id=%s", intent.ID)
		return nil
	}

	intent.Status = domain.StatusCompleted
	intent.ConfirmedAmount = &confirmed
	intent.ReceiptNumber = &receipt
	intent.VerificationStatus = domain.VerificationVerified
	log.Printf("level=info component=dispatcher msg=\"payment settled\" intent_id=%s gateway=%s confirmed=%d receipt=%s", intent.ID, intent.GatewayKind, confirmed, receipt)

	s.allocateSettledPayment(ctx, intent, confirmed)
	s.publishStatusEvent(ctx, intent, "Payment confirmed")
	return nil
}

// resolveIntent matches a settlement event to a ledger entry: URL hint first,
// then each correlation identifier in the adapter's priority order, then the
// gateway's order reference echo.
func (s *Service) resolveIntent(ctx context.Context, event *domain.SettlementEvent, intentHint *uuid.UUID) *domain.PaymentIntent {
	if intentHint != nil {
		intent, err := s.repo.FindPaymentIntentByID(ctx, *intentHint)
		if err == nil {
			return intent
		}
		if !errors.Is(err, store.ErrIntentNotFound) {
			log.Printf("level=warn component=dispatcher msg=\"intent hint lookup failed\" intent_id=%s err=%v", *intentHint, err)
		}
	}
	for _, key := range event.CorrelationKeys {
		if key == "" {
			continue
		}
		intent, err := s.repo.FindPaymentIntentByCorrelation(ctx, key)
		if err == nil {
			return intent
		}
		if !errors.Is(err, store.ErrIntentNotFound) {
			log.Printf("level=warn component=dispatcher msg=\"correlation lookup failed\" key=%q err=%v", key, err)
		}
	}
	if event.OrderReference != "" {
		intent, err := s.repo.FindPaymentIntentByOrderReference(ctx, event.OrderReference)
		if err == nil {
			return intent
		}
		if !errors.Is(err, store.ErrIntentNotFound) {
			log.Printf("level=warn component=dispatcher msg=\"order reference lookup failed\" order_ref=%s err=%v", event.OrderReference, err)
		}
	}
	return nil
}

func (s *Service) appendNotification(ctx context.Context, kind domain.GatewayKind, channel string, payload []byte, intentID *uuid.UUID) {
	err := s.repo.AppendNotification(ctx, &domain.RawNotification{
		ID:         uuid.New(),
		IntentID:   intentID,
		Gateway:    kind,
		Channel:    channel,
		Payload:    payload,
		ReceivedAt: time.Now().UTC(),
	})
	if err != nil {
		log.Printf("level=error component=dispatcher msg=\"failed to append notification audit record\" gateway=%s channel=%s err=%v", kind, channel, err)
	}
}

// NewSettlementFeedHandler returns a broker message handler feeding the
// dispatcher. The feed is a second delivery channel for the same settlements
// the HTTP callbacks carry; the dispatcher's idempotency absorbs both.
func NewSettlementFeedHandler(svc *Service, kind domain.GatewayKind) func([]byte) bool {
	return func(body []byte) bool {
		ctx, cancel := context.WithTimeout(context.Background(), feedHandlerTimeout)
		defer cancel()

		if err := svc.HandleNotification(ctx, kind, domain.ChannelBroker, body, nil); err != nil {
			if errors.Is(err, ErrMalformedNotification) {
				// Redelivery cannot fix a malformed payload.
				return true
			}
			log.Printf("level=warn component=settlement_feed msg=\"processing error; message re-queued\" gateway=%s err=%v", kind, err)
			return false
		}
		return true
	}
}
