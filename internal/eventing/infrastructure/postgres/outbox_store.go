package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"tradedesk/internal/eventing"
)

const (
	defaultOutboxTable = "event_outbox"
	defaultClaimLease  = 30 * time.Second

	outboxPending     = "pending"
	outboxDispatching = "dispatching"
	outboxSent        = "sent"
	outboxFailed      = "failed"
)

// OutboxStore keeps order and settlement events until they are dispatched.
// Several desk processes may share one table: ListPending claims rows for this
// process with a lease, so a row is delivered by one dispatcher at a time and
// returns to the pool if its claimant dies before acknowledging it.
type OutboxStore struct {
	db     *sql.DB
	table  string
	deskID string
	owner  string
	lease  time.Duration
	now    func() time.Time
}

// OutboxOption configures the outbox store.
type OutboxOption func(*OutboxStore)

// WithOutboxTable overrides the table name.
func WithOutboxTable(table string) OutboxOption {
	return func(store *OutboxStore) {
		if table != "" {
			store.table = table
		}
	}
}

// WithOutboxDesk limits claims to events published by deskID.
func WithOutboxDesk(deskID string) OutboxOption {
	return func(store *OutboxStore) {
		store.deskID = deskID
	}
}

// WithOutboxOwner names this dispatcher in claim columns. Defaults to the
// hostname plus a random suffix.
func WithOutboxOwner(owner string) OutboxOption {
	return func(store *OutboxStore) {
		if owner != "" {
			store.owner = owner
		}
	}
}

// WithClaimLease sets how long a claim holds before other dispatchers may
// take the row over.
func WithClaimLease(lease time.Duration) OutboxOption {
	return func(store *OutboxStore) {
		if lease > 0 {
			store.lease = lease
		}
	}
}

// NewOutboxStore constructs an outbox store.
func NewOutboxStore(db *sql.DB, opts ...OutboxOption) *OutboxStore {
	host, _ := os.Hostname()
	store := &OutboxStore{
		db:    db,
		table: defaultOutboxTable,
		owner: host + "-" + eventing.NewEventID()[:8],
		lease: defaultClaimLease,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// Owner returns the claim owner name.
func (s *OutboxStore) Owner() string {
	return s.owner
}

// Insert stores env as pending. The envelope desk id is kept in its own
// column so claims can be scoped per desk.
func (s *OutboxStore) Insert(ctx context.Context, env eventing.Envelope) (string, error) {
	if s == nil || s.db == nil {
		return "", errors.New("outbox store: nil db")
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	deskID := env.DeskID
	if deskID == "" {
		deskID = s.deskID
	}
	outboxID := eventing.NewEventID()
	query := fmt.Sprintf(`
INSERT INTO %s (id, event_id, event_type, desk_id, aggregate_id, payload, status, attempts, created_at)
VALUES ($1, $2, $3, $4, $5, $6, '%s', 0, $7)`, s.table, outboxPending)

	_, err = s.db.ExecContext(ctx, query, outboxID, env.EventID, env.EventType, deskID, env.AggregateID, payload, s.now().UTC())
	if err != nil {
		return "", err
	}
	return outboxID, nil
}

// ListPending claims up to limit deliverable rows for this owner and returns
// them oldest first. Rows locked by a concurrent claim are skipped rather
// than waited on; rows whose lease expired are claimable again.
func (s *OutboxStore) ListPending(ctx context.Context, limit int) ([]eventing.OutboxRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("outbox store: nil db")
	}
	if limit <= 0 {
		limit = 50
	}
	now := s.now().UTC()
	args := []any{s.owner, now.Add(s.lease), now, limit}
	deskFilter := ""
	if s.deskID != "" {
		args = append(args, s.deskID)
		deskFilter = fmt.Sprintf("AND desk_id = $%d", len(args))
	}
	query := fmt.Sprintf(`
UPDATE %[1]s AS o
SET status = '%[2]s', claimed_by = $1, claimed_until = $2, attempts = o.attempts + 1
WHERE o.id IN (
	SELECT id
	FROM %[1]s
	WHERE (status = '%[3]s' OR (status = '%[2]s' AND claimed_until < $3))
	%[4]s
	ORDER BY created_at ASC
	LIMIT $4
	FOR UPDATE SKIP LOCKED
)
RETURNING o.id, o.payload, o.created_at`, s.table, outboxDispatching, outboxPending, deskFilter)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type claimed struct {
		record    eventing.OutboxRecord
		createdAt time.Time
	}
	var batch []claimed
	for rows.Next() {
		var (
			id        string
			payload   []byte
			createdAt time.Time
		)
		if err := rows.Scan(&id, &payload, &createdAt); err != nil {
			return nil, err
		}
		var env eventing.Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			return nil, fmt.Errorf("outbox store: decode %s: %w", id, err)
		}
		batch = append(batch, claimed{record: eventing.OutboxRecord{ID: id, Envelope: env}, createdAt: createdAt})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// RETURNING carries no order guarantee.
	sort.SliceStable(batch, func(i, j int) bool { return batch[i].createdAt.Before(batch[j].createdAt) })
	out := make([]eventing.OutboxRecord, len(batch))
	for i, item := range batch {
		out[i] = item.record
	}
	return out, nil
}

// MarkSent acknowledges a row claimed by this owner.
func (s *OutboxStore) MarkSent(ctx context.Context, id string) error {
	return s.settle(ctx, id, outboxSent)
}

// MarkFailed parks a row claimed by this owner; it is not retried.
func (s *OutboxStore) MarkFailed(ctx context.Context, id string) error {
	return s.settle(ctx, id, outboxFailed)
}

func (s *OutboxStore) settle(ctx context.Context, id, status string) error {
	if s == nil || s.db == nil {
		return errors.New("outbox store: nil db")
	}
	query := fmt.Sprintf(`
UPDATE %s
SET status = $1, sent_at = CASE WHEN $1 = '%s' THEN $2 ELSE sent_at END, claimed_until = NULL
WHERE id = $3 AND claimed_by = $4 AND status = '%s'`, s.table, outboxSent, outboxDispatching)
	res, err := s.db.ExecContext(ctx, query, status, s.now().UTC(), id, s.owner)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("outbox store: %s not claimed by %s", id, s.owner)
	}
	return nil
}
