package memory

import (
	"context"
	"sort"
	"sync"

	"tradedesk/internal/eventing"
)

type outboxEntry struct {
	seq      int
	envelope eventing.Envelope
	status   string
	attempts int
}

// OutboxStore is an in-memory outbox used when no database is configured.
type OutboxStore struct {
	mu      sync.Mutex
	seq     int
	entries map[string]*outboxEntry
}

// NewOutboxStore constructs an in-memory outbox.
func NewOutboxStore() *OutboxStore {
	return &OutboxStore{entries: make(map[string]*outboxEntry)}
}

// Insert stores an envelope as pending.
func (s *OutboxStore) Insert(ctx context.Context, env eventing.Envelope) (string, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	id := eventing.NewEventID()
	s.entries[id] = &outboxEntry{seq: s.seq, envelope: env, status: "pending"}
	return id, nil
}

// ListPending returns pending records oldest first.
func (s *OutboxStore) ListPending(ctx context.Context, limit int) ([]eventing.OutboxRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	type pending struct {
		id  string
		ent *outboxEntry
	}
	var items []pending
	for id, ent := range s.entries {
		if ent.status == "pending" {
			items = append(items, pending{id: id, ent: ent})
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ent.seq < items[j].ent.seq })
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	out := make([]eventing.OutboxRecord, 0, len(items))
	for _, item := range items {
		out = append(out, eventing.OutboxRecord{ID: item.id, Envelope: item.ent.envelope})
	}
	return out, nil
}

// MarkSent marks a record as delivered.
func (s *OutboxStore) MarkSent(ctx context.Context, id string) error {
	return s.setStatus(id, "sent")
}

// MarkFailed marks a record as failed.
func (s *OutboxStore) MarkFailed(ctx context.Context, id string) error {
	return s.setStatus(id, "failed")
}

// Status returns the delivery status of a record.
func (s *OutboxStore) Status(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ent, ok := s.entries[id]; ok {
		return ent.status
	}
	return ""
}

func (s *OutboxStore) setStatus(id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ent, ok := s.entries[id]; ok {
		ent.status = status
		if status == "failed" {
			ent.attempts++
		}
	}
	return nil
}

// ProcessedStore remembers processed (event, consumer) pairs.
type ProcessedStore struct {
	mu   sync.Mutex
	seen map[[2]string]struct{}
}

// NewProcessedStore constructs an in-memory processed store.
func NewProcessedStore() *ProcessedStore {
	return &ProcessedStore{seen: make(map[[2]string]struct{})}
}

// HasProcessed reports whether the consumer already handled the event.
func (s *ProcessedStore) HasProcessed(ctx context.Context, eventID, consumerName string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[[2]string{eventID, consumerName}]
	return ok, nil
}

// MarkProcessed records the pair.
func (s *ProcessedStore) MarkProcessed(ctx context.Context, eventID, consumerName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen[[2]string{eventID, consumerName}] = struct{}{}
	return nil
}

// DLQStore collects failed envelopes.
type DLQStore struct {
	mu      sync.Mutex
	letters map[string]error
}

// NewDLQStore constructs an in-memory dead letter store.
func NewDLQStore() *DLQStore {
	return &DLQStore{letters: make(map[string]error)}
}

// RecordFailure stores the last error per event id.
func (s *DLQStore) RecordFailure(ctx context.Context, env eventing.Envelope, err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.letters[env.EventID] = err
	return nil
}

// Len returns the number of dead letters.
func (s *DLQStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.letters)
}
