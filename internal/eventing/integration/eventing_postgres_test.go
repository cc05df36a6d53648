package integration_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"tradedesk/internal/eventing"
	eventingrepo "tradedesk/internal/eventing/infrastructure/postgres"
	"tradedesk/internal/orders/application/events"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if !tableExists(db, "event_outbox") ||
		!tableExists(db, "processed_events") ||
		!tableExists(db, "dead_letter_events") {
		t.Skip("missing tables; run migrations")
	}
	ctx := context.Background()
	_, _ = db.ExecContext(ctx, "DELETE FROM processed_events")
	_, _ = db.ExecContext(ctx, "DELETE FROM dead_letter_events")
	_, _ = db.ExecContext(ctx, "DELETE FROM event_outbox")
	return db
}

func newPipeline(db *sql.DB) (*eventing.InMemoryBus, *eventing.Publisher, *eventingrepo.ProcessedStore) {
	bus := eventing.NewInMemoryBus()
	registry := eventing.NewRegistry(events.OrderStatusChanged{})
	outbox := eventingrepo.NewOutboxStore(db)
	dispatcher := eventing.NewDispatcher(bus, outbox, registry, eventingrepo.NewDLQStore(db))
	return bus, eventing.NewPublisher(outbox, dispatcher, "desk-test", bus), eventingrepo.NewProcessedStore(db)
}

func TestEventing_IdempotentConsumer(t *testing.T) {
	db := openDB(t)
	bus, publisher, processed := newPipeline(db)

	count := 0
	eventing.Subscribe(bus, eventing.EventTypeOf[events.OrderStatusChanged](), "consumer-a", func(ctx context.Context, event any) error {
		count++
		return nil
	}, processed)

	ctx := eventing.WithEventID(context.Background(), "evt-dup-001")
	ctx = eventing.WithDeskID(ctx, "desk-test")
	payload := events.OrderStatusChanged{
		OrderID:     "order-1",
		OrderNumber: "BUY-1",
		From:        "added_to_bank",
		To:          "paid",
		OccurredAt:  time.Date(2026, time.January, 25, 11, 0, 0, 0, time.UTC),
	}
	if err := publisher.Publish(ctx, payload); err != nil {
		t.Fatalf("publish event: %v", err)
	}
	if err := publisher.Publish(ctx, payload); err != nil {
		t.Fatalf("publish duplicate: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected handler once, got %d", count)
	}
}

func TestEventing_DLQOnFailure(t *testing.T) {
	db := openDB(t)
	bus, publisher, processed := newPipeline(db)

	eventing.Subscribe(bus, eventing.EventTypeOf[events.OrderStatusChanged](), "consumer-fail", func(ctx context.Context, event any) error {
		return errors.New("boom")
	}, processed)

	payload := events.OrderStatusChanged{OrderID: "order-2", OrderNumber: "BUY-2", From: "paid", To: "completed"}
	if err := publisher.Publish(context.Background(), payload); err != nil {
		t.Fatalf("publish event: %v", err)
	}

	var dlqCount int
	if err := db.QueryRow("SELECT COUNT(*) FROM dead_letter_events").Scan(&dlqCount); err != nil {
		t.Fatalf("count dlq: %v", err)
	}
	if dlqCount != 1 {
		t.Fatalf("expected 1 dlq record, got %d", dlqCount)
	}
}

func insertEnvelopes(t *testing.T, store *eventingrepo.OutboxStore, deskID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		env, err := eventing.BuildEnvelope(events.OrderStatusChanged{
			OrderID: fmt.Sprintf("order-%s-%d", deskID, i),
			From:    "paid",
			To:      "completed",
		}, eventing.Meta{DeskID: deskID})
		if err != nil {
			t.Fatalf("build envelope: %v", err)
		}
		if _, err := store.Insert(context.Background(), env); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
}

func TestOutbox_ConcurrentClaimsDeliverOnce(t *testing.T) {
	db := openDB(t)
	writer := eventingrepo.NewOutboxStore(db)
	insertEnvelopes(t, writer, "desk-a", 40)
	insertEnvelopes(t, writer, "desk-b", 5)

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for i := 0; i < 4; i++ {
		store := eventingrepo.NewOutboxStore(db,
			eventingrepo.WithOutboxDesk("desk-a"),
			eventingrepo.WithOutboxOwner(fmt.Sprintf("worker-%d", i)))
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				records, err := store.ListPending(context.Background(), 7)
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if len(records) == 0 {
					return
				}
				for _, record := range records {
					if record.Envelope.DeskID != "desk-a" {
						t.Errorf("claimed foreign desk event %s", record.Envelope.DeskID)
					}
					mu.Lock()
					seen[record.ID]++
					mu.Unlock()
					if err := store.MarkSent(context.Background(), record.ID); err != nil {
						t.Errorf("mark sent: %v", err)
					}
				}
			}
		}()
	}
	wg.Wait()

	if len(seen) != 40 {
		t.Fatalf("expected 40 desk-a events, got %d", len(seen))
	}
	for id, count := range seen {
		if count != 1 {
			t.Fatalf("event %s claimed %d times", id, count)
		}
	}
	var remaining int
	if err := db.QueryRow("SELECT COUNT(*) FROM event_outbox WHERE desk_id = 'desk-b' AND status = 'pending'").Scan(&remaining); err != nil {
		t.Fatalf("count: %v", err)
	}
	if remaining != 5 {
		t.Fatalf("desk-b events must stay pending, got %d", remaining)
	}
}

func TestOutbox_ExpiredClaimIsTakenOver(t *testing.T) {
	db := openDB(t)
	first := eventingrepo.NewOutboxStore(db, eventingrepo.WithOutboxOwner("first"), eventingrepo.WithClaimLease(50*time.Millisecond))
	second := eventingrepo.NewOutboxStore(db, eventingrepo.WithOutboxOwner("second"))
	insertEnvelopes(t, first, "desk-test", 1)

	claimed, err := first.ListPending(context.Background(), 10)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("first claim: %v records=%d", err, len(claimed))
	}
	if again, _ := second.ListPending(context.Background(), 10); len(again) != 0 {
		t.Fatalf("live claim must not be shared, got %d", len(again))
	}

	time.Sleep(120 * time.Millisecond)
	taken, err := second.ListPending(context.Background(), 10)
	if err != nil || len(taken) != 1 || taken[0].ID != claimed[0].ID {
		t.Fatalf("expected takeover of %s, got %v err=%v", claimed[0].ID, taken, err)
	}
	if err := first.MarkSent(context.Background(), claimed[0].ID); err == nil {
		t.Fatalf("stale owner must not acknowledge")
	}
	if err := second.MarkSent(context.Background(), taken[0].ID); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	var attempts int
	if err := db.QueryRow("SELECT attempts FROM event_outbox WHERE id = $1", taken[0].ID).Scan(&attempts); err != nil {
		t.Fatalf("attempts: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func tableExists(db *sql.DB, table string) bool {
	var exists bool
	err := db.QueryRow(`
SELECT EXISTS (
	SELECT 1
	FROM information_schema.tables
	WHERE table_schema = 'public' AND table_name = $1
)`, table).Scan(&exists)
	return err == nil && exists
}
