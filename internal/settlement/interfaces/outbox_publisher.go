package interfaces

import (
	"context"

	"tradedesk/internal/eventing"
	"tradedesk/internal/settlement/application/events"
)

// OutboxPublisher writes settlement events to the outbox.
type OutboxPublisher struct {
	publisher *eventing.Publisher
	deskID    string
}

// NewOutboxPublisher constructs an outbox publisher.
func NewOutboxPublisher(publisher *eventing.Publisher, deskID string) *OutboxPublisher {
	return &OutboxPublisher{publisher: publisher, deskID: deskID}
}

// Publish writes event to the outbox. Batch events are correlated by batch id.
func (p *OutboxPublisher) Publish(ctx context.Context, event any) error {
	if p == nil || p.publisher == nil {
		return nil
	}
	ctx = eventing.WithDeskID(ctx, p.deskID)
	if applied, ok := event.(events.SettlementBatchApplied); ok {
		ctx = eventing.WithCorrelationID(ctx, applied.BatchID)
	}
	return p.publisher.Publish(ctx, event)
}
