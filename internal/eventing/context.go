package eventing

import "context"

type (
	envelopeKey struct{}
	metaKey     struct{}
)

// WithEnvelope hands the envelope being dispatched to subscribers.
func WithEnvelope(ctx context.Context, env Envelope) context.Context {
	return context.WithValue(ctx, envelopeKey{}, env)
}

// EnvelopeFromContext returns the envelope of the event being handled.
func EnvelopeFromContext(ctx context.Context) (Envelope, bool) {
	env, ok := ctx.Value(envelopeKey{}).(Envelope)
	return env, ok
}

func withMeta(ctx context.Context, apply func(*Meta)) context.Context {
	meta, _ := ctx.Value(metaKey{}).(Meta)
	apply(&meta)
	return context.WithValue(ctx, metaKey{}, meta)
}

// WithDeskID stamps events published under ctx with deskID.
func WithDeskID(ctx context.Context, deskID string) context.Context {
	return withMeta(ctx, func(m *Meta) { m.DeskID = deskID })
}

// WithCorrelationID groups events published under ctx, e.g. every receivable
// touched by one settlement batch.
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return withMeta(ctx, func(m *Meta) { m.CorrelationID = correlationID })
}

// WithEventID pins the event id, used when a caller retries a publish and
// wants consumers to see a duplicate rather than a new event.
func WithEventID(ctx context.Context, eventID string) context.Context {
	return withMeta(ctx, func(m *Meta) { m.EventID = eventID })
}

// MetaFromContext returns the overrides set on ctx, falling back to
// defaultDeskID.
func MetaFromContext(ctx context.Context, defaultDeskID string) Meta {
	meta, _ := ctx.Value(metaKey{}).(Meta)
	if meta.DeskID == "" {
		meta.DeskID = defaultDeskID
	}
	return meta
}
