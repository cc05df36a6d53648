package application

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"tradedesk/internal/orders/application/events"
	orders "tradedesk/internal/orders/domain"
	"tradedesk/internal/orders/infrastructure/memory"
)

func TestProjection_OptimisticThenConfirmed(t *testing.T) {
	repo := memory.NewOrderRepository()
	created := time.Date(2026, time.March, 1, 8, 0, 0, 0, time.UTC)
	order := &orders.Order{ID: "o-1", OrderNumber: "BUY-1", Status: orders.StatusNew, CreatedAt: created, UpdatedAt: created}
	if err := repo.Create(context.Background(), order); err != nil {
		t.Fatalf("create: %v", err)
	}
	p, err := NewProjection(repo, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("new projection: %v", err)
	}
	if err := p.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}

	staged := order.Clone()
	staged.Status = orders.StatusBankingCollected
	p.Stage(staged)
	if got, _ := p.Get("o-1"); got.Status != orders.StatusBankingCollected {
		t.Fatalf("reads should prefer the optimistic slot, got %s", got.Status)
	}
	if got, _ := p.Confirmed("o-1"); got.Status != orders.StatusNew {
		t.Fatalf("confirmed slot must not change, got %s", got.Status)
	}

	// the store moved somewhere else entirely; a notification wins over the local edit
	if _, err := repo.UpdateStatus(context.Background(), "o-1", orders.StatusNew, orders.StatusCancelled, orders.Changes{}, created.Add(time.Minute)); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := p.HandleOrderChanged(context.Background(), events.OrderStatusChanged{OrderID: "o-1"}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if p.Pending("o-1") {
		t.Fatalf("refresh must drop the optimistic slot")
	}
	if got, _ := p.Get("o-1"); got.Status != orders.StatusCancelled {
		t.Fatalf("expected store state, got %s", got.Status)
	}
}

func TestProjection_IgnoresStaleConfirm(t *testing.T) {
	repo := memory.NewOrderRepository()
	p, _ := NewProjection(repo, nil)
	now := time.Date(2026, time.March, 1, 8, 0, 0, 0, time.UTC)
	p.Confirm(&orders.Order{ID: "o-1", Status: orders.StatusPaid, UpdatedAt: now})
	p.Confirm(&orders.Order{ID: "o-1", Status: orders.StatusAddedToBank, UpdatedAt: now.Add(-time.Second)})
	if got, _ := p.Get("o-1"); got.Status != orders.StatusPaid {
		t.Fatalf("stale copy overwrote newer state: %s", got.Status)
	}
	if err := p.Refresh(context.Background(), "o-1"); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, ok := p.Get("o-1"); ok {
		t.Fatalf("order missing from the store should leave the projection")
	}
}

func TestKeyedMutex(t *testing.T) {
	k := newKeyedMutex()
	unlockA := k.Lock("a")
	unlockB := k.Lock("b")
	if k.size() != 2 {
		t.Fatalf("expected 2 entries, got %d", k.size())
	}
	unlockA()
	unlockB()
	if k.size() != 0 {
		t.Fatalf("entries should be released")
	}
}
