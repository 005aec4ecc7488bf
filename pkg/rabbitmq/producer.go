/**
 * @description
 * This package provides a simple producer for publishing messages to RabbitMQ.
 * It encapsulates the logic for connecting to RabbitMQ and publishing a message
 * to a specific exchange and routing key.
 *
 * @dependencies
 * - context, encoding/json, time: Standard Go libraries.
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 */
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
)

// SettlementExchange is the topic exchange all settlement-service events go to.
const SettlementExchange = "settlement_events"

// SettlementFeedRoutingKey is the routing key carrying one gateway's
// notifications on the broker settlement feed.
func SettlementFeedRoutingKey(gateway string) string {
	return "settlement.feed." + gateway
}

// PaymentStatusEvent is published after a payment intent reaches a terminal
// state, for the notification service to fan out to guardians and staff.
type PaymentStatusEvent struct {
	StudentID     uuid.UUID `json:"student_id"`
	PaymentID     uuid.UUID `json:"payment_id"`
	Amount        int64     `json:"amount"`
	Status        string    `json:"status"`
	Description   string    `json:"description"`
	ReceiptNumber string    `json:"receipt_number,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// OperatorAlertEvent is published when a payment needs human follow-up:
// a notification that resolved to no intent, or a completed payment whose
// fee allocation failed.
type OperatorAlertEvent struct {
	Kind      string     `json:"kind"`
	Gateway   string     `json:"gateway,omitempty"`
	IntentID  *uuid.UUID `json:"intent_id,omitempty"`
	Detail    string     `json:"detail"`
	Payload   []byte     `json:"payload,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// Operator alert kinds.
const (
	AlertNotificationUnresolved  = "notification_unresolved"
	AlertNotificationRetryFailed = "notification_retry_failed"
	AlertReconciliationFailed    = "reconciliation_failed"
)

// EventProducer holds the RabbitMQ connection and channel for publishing messages.
type EventProducer struct {
	conn    *amqp091.Connection
	channel *amqp091.Channel
}

// Publisher is the interface implemented by types that can publish events.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
	PublishPaymentStatusEvent(ctx context.Context, event PaymentStatusEvent) error
	PublishOperatorAlert(ctx context.Context, event OperatorAlertEvent) error
	Close()
}

// EventProducerFallback is a minimal no-op publisher used when RabbitMQ is unavailable at startup.
type EventProducerFallback struct{}

func (p *EventProducerFallback) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	log.Printf("level=warn component=rabbitmq_producer mode=fallback msg=\"publish skipped\" exchange=%s routing_key=%s", exchange, routingKey)
	return nil
}

func (p *EventProducerFallback) PublishPaymentStatusEvent(ctx context.Context, event PaymentStatusEvent) error {
	log.Printf("level=warn component=rabbitmq_producer mode=fallback msg=\"payment status event publish skipped\" payment_id=%s status=%s", event.PaymentID, event.Status)
	return nil
}

func (p *EventProducerFallback) PublishOperatorAlert(ctx context.Context, event OperatorAlertEvent) error {
	log.Printf("level=warn component=rabbitmq_producer mode=fallback msg=\"operator alert publish skipped\" kind=%s", event.Kind)
	return nil
}

func (p *EventProducerFallback) Close() {}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	// If any stray characters precede the scheme, slice from first occurrence of amqp
	idx := strings.Index(strings.ToLower(clean), "amqp")
	if idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// NewEventProducer creates and returns a new EventProducer.
func NewEventProducer(amqpURL string) (*EventProducer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	// Use a bounded dial timeout so startup does not hang indefinitely
	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &EventProducer{conn: conn, channel: ch}, nil
}

// Publish sends a message to a specific exchange with a routing key.
func (p *EventProducer) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	// Ensure the exchange exists (durable topic)
	if err := p.channel.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // autoDelete
		false,    // internal
		false,    // noWait
		nil,      // args
	); err != nil {
		log.Printf("level=warn component=rabbitmq_producer msg=\"exchange declare failed; reopening channel\" exchange=%s err=%v", exchange, err)
		// Attempt simple channel reopen once
		if p.conn != nil {
			if ch, chErr := p.conn.Channel(); chErr == nil {
				p.channel = ch
				if err2 := p.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err2 != nil {
					return err2
				}
			} else {
				return chErr
			}
		} else {
			return err
		}
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		log.Printf("level=error component=rabbitmq_producer msg=\"json marshal failed\" exchange=%s routing_key=%s err=%v", exchange, routingKey, err)
		return err
	}

	err = p.channel.PublishWithContext(ctx,
		exchange,   // exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		amqp091.Publishing{
			ContentType: "application/json",
			Timestamp:   time.Now(),
			Body:        jsonBody,
		},
	)
	if err != nil {
		log.Printf("level=warn component=rabbitmq_producer msg=\"publish failed; reopening channel\" exchange=%s routing_key=%s err=%v", exchange, routingKey, err)
		// One-shot retry: reopen channel and try again
		if p.conn != nil {
			if ch, chErr := p.conn.Channel(); chErr == nil {
				p.channel = ch
				// re-declare exchange and retry
				if exErr := p.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); exErr == nil {
					err = p.channel.PublishWithContext(ctx, exchange, routingKey, false, false, amqp091.Publishing{
						ContentType: "application/json",
						Timestamp:   time.Now(),
						Body:        jsonBody,
					})
					if err == nil {
						return nil
					}
				}
			}
		}
		return err
	}
	return nil
}

// PublishPaymentStatusEvent publishes a terminal payment status to the
// settlement_events exchange under payment.status.<status>.
func (p *EventProducer) PublishPaymentStatusEvent(ctx context.Context, event PaymentStatusEvent) error {
	return p.Publish(ctx, SettlementExchange, "payment.status."+event.Status, event)
}

// PublishOperatorAlert publishes a human-follow-up alert.
func (p *EventProducer) PublishOperatorAlert(ctx context.Context, event OperatorAlertEvent) error {
	return p.Publish(ctx, SettlementExchange, "operator.alert."+event.Kind, event)
}

// Close gracefully closes the channel and connection to RabbitMQ.
func (p *EventProducer) Close() {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
