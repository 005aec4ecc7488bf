package app

import (
	"context"
	"sync"

	"github.com/skoolpay/settlement-service/internal/domain"
	"github.com/skoolpay/settlement-service/internal/gateway"
	"github.com/skoolpay/settlement-service/pkg/rabbitmq"
)

// recordingPublisher captures published events for assertions.
type recordingPublisher struct {
	mu           sync.Mutex
	statusEvents []rabbitmq.PaymentStatusEvent
	alerts       []rabbitmq.OperatorAlertEvent
	routingKeys  []string
	publishErr   error
}

func (p *recordingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.publishErr != nil {
		return p.publishErr
	}
	p.routingKeys = append(p.routingKeys, routingKey)
	return nil
}

func (p *recordingPublisher) PublishPaymentStatusEvent(ctx context.Context, event rabbitmq.PaymentStatusEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statusEvents = append(p.statusEvents, event)
	return nil
}

func (p *recordingPublisher) PublishOperatorAlert(ctx context.Context, event rabbitmq.OperatorAlertEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alerts = append(p.alerts, event)
	return nil
}

func (p *recordingPublisher) Close() {}

func (p *recordingPublisher) statusCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.statusEvents)
}

func (p *recordingPublisher) alertCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.alerts)
}

func (p *recordingPublisher) publishedKeys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.routingKeys...)
}

// stubAdapter is a scriptable gateway.Adapter.
type stubAdapter struct {
	kind        domain.GatewayKind
	initiateRes *gateway.InitiateResult
	initiateErr error
	parseEvent  *domain.SettlementEvent
	parseErr    error
}

func (a *stubAdapter) Kind() domain.GatewayKind { return a.kind }

func (a *stubAdapter) Initiate(ctx context.Context, intent *domain.PaymentIntent, payer domain.PayerContact) (*gateway.InitiateResult, error) {
	if a.initiateErr != nil {
		return nil, a.initiateErr
	}
	return a.initiateRes, nil
}

func (a *stubAdapter) ParseNotification(payload []byte) (*domain.SettlementEvent, error) {
	if a.parseErr != nil {
		return nil, a.parseErr
	}
	// Copy so a test mutating the event between deliveries does not leak.
	event := *a.parseEvent
	return &event, nil
}
