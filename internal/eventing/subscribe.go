package eventing

import (
	"context"
	"fmt"
)

// ProcessedStore remembers which consumer has handled which event, so a
// redelivered outbox row does not move a projection or push a realtime
// frame twice.
type ProcessedStore interface {
	HasProcessed(ctx context.Context, eventID, consumerName string) (bool, error)
	MarkProcessed(ctx context.Context, eventID, consumerName string) error
}

// Subscribe registers handler under consumerName. With a nil store every
// delivery reaches the handler.
func Subscribe(bus Subscriber, eventType, consumerName string, handler EventHandler, store ProcessedStore) {
	if store != nil {
		handler = WrapHandler(consumerName, handler, store)
	}
	bus.Subscribe(eventType, handler)
}

// WrapHandler runs handler at most once per event id for consumerName. An
// event is recorded only after the handler succeeds; events dispatched
// without an envelope are passed straight through.
func WrapHandler(consumerName string, handler EventHandler, store ProcessedStore) EventHandler {
	return func(ctx context.Context, event any) error {
		env, ok := EnvelopeFromContext(ctx)
		if !ok || env.EventID == "" {
			return handler(ctx, event)
		}
		seen, err := store.HasProcessed(ctx, env.EventID, consumerName)
		if err != nil {
			return fmt.Errorf("%s: processed lookup %s: %w", consumerName, env.EventID, err)
		}
		if seen {
			return nil
		}
		if err := handler(ctx, event); err != nil {
			return fmt.Errorf("%s: %w", consumerName, err)
		}
		return store.MarkProcessed(ctx, env.EventID, consumerName)
	}
}
