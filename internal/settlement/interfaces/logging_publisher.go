package interfaces

import (
	"context"
	"errors"
	"log"

	"tradedesk/internal/settlement/application"
	"tradedesk/internal/settlement/application/events"
)

// LoggingPublisher logs settlement events and forwards them to next when set.
type LoggingPublisher struct {
	logger *log.Logger
	next   application.EventPublisher
}

// NewLoggingPublisher constructs a logging publisher.
func NewLoggingPublisher(logger *log.Logger, next application.EventPublisher) *LoggingPublisher {
	if logger == nil {
		logger = log.Default()
	}
	return &LoggingPublisher{logger: logger, next: next}
}

// Publish logs the event.
func (p *LoggingPublisher) Publish(ctx context.Context, event any) error {
	if p == nil {
		return errors.New("settlement publisher: nil publisher")
	}
	switch e := event.(type) {
	case events.SettlementBatchApplied:
		p.logger.Printf("settlement batch published: batch=%s gateway=%s account=%s net=%s", e.BatchID, e.Gateway, e.BankAccountID, e.NetAmount.StringFixed(2))
	default:
		p.logger.Printf("settlement event published: type=%T", event)
	}
	if p.next == nil {
		return nil
	}
	return p.next.Publish(ctx, event)
}
