package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"scrapdispatch/internal/modules/dispatch"
	"scrapdispatch/internal/types"
)

type fakeBroker struct {
	exchange, key string
	body          []byte
	err           error
}

func (b *fakeBroker) Publish(_ context.Context, exchange, routingKey string, body []byte) error {
	b.exchange, b.key, b.body = exchange, routingKey, body
	return b.err
}

func TestPublishCommitted(t *testing.T) {
	b := &fakeBroker{}
	p := NewPublisher(b)
	crew := types.ID("K1")
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	err := p.PublishCommitted(context.Background(), dispatch.CommittedEvent{
		SessionID:    "s1",
		OrderID:      "O1",
		YardID:       "Y1",
		CollectorIDs: []types.ID{"C1"},
		CrewID:       &crew,
		CommittedAt:  at,
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if b.exchange != Exchange || b.key != KeyAssignmentCommitted {
		t.Fatalf("unexpected route %s/%s", b.exchange, b.key)
	}
	var got map[string]any
	if err := json.Unmarshal(b.body, &got); err != nil {
		t.Fatalf("body is not json: %v", err)
	}
	if got["order_id"] != "O1" || got["yard_id"] != "Y1" || got["crew_id"] != "K1" {
		t.Fatalf("unexpected body %s", b.body)
	}
	if _, ok := got["start_time"]; ok {
		t.Fatalf("unset start_time must be omitted: %s", b.body)
	}
}

func TestPublishCommitted_BrokerError(t *testing.T) {
	boom := errors.New("channel closed")
	p := NewPublisher(&fakeBroker{err: boom})
	if err := p.PublishCommitted(context.Background(), dispatch.CommittedEvent{OrderID: "O1"}); !errors.Is(err, boom) {
		t.Fatalf("expected broker error, got %v", err)
	}
}
