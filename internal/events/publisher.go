// README: Publishes dispatch domain events to the dispatch topic exchange.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"scrapdispatch/internal/modules/dispatch"
)

const (
	Exchange               = "dispatch_topic"
	KeyAssignmentCommitted = "assignment.committed"
)

// Broker is the subset of infra.MQ used here.
type Broker interface {
	Publish(ctx context.Context, exchange, routingKey string, body []byte) error
}

type Publisher struct {
	broker Broker
}

func NewPublisher(b Broker) *Publisher {
	return &Publisher{broker: b}
}

func (p *Publisher) PublishCommitted(ctx context.Context, e dispatch.CommittedEvent) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", KeyAssignmentCommitted, err)
	}
	return p.broker.Publish(ctx, Exchange, KeyAssignmentCommitted, body)
}
