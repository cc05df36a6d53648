package integration_test

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	orders "tradedesk/internal/orders/domain"
	orderrepo "tradedesk/internal/orders/infrastructure/postgres"
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
	if !tableExists(db, "buy_orders") {
		t.Skip("missing tables; run migrations")
	}
	_, _ = db.ExecContext(context.Background(), "DELETE FROM buy_orders WHERE order_number LIKE 'IT-%'")
	return db
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

func newOrder(t *testing.T, id, number string, now time.Time) *orders.Order {
	t.Helper()
	order, err := orders.NewOrder(id, orders.Draft{
		OrderNumber: number,
		Asset:       "usdt",
		Quantity:    decimal.NewFromInt(100),
		UnitPrice:   decimal.RequireFromString("89.50"),
		PlatformFee: decimal.NewFromInt(1),
		WalletID:    "wallet-main",
		Channel:     orders.ChannelUPI,
		CreatedBy:   "alice",
	}, now)
	if err != nil {
		t.Fatalf("new order: %v", err)
	}
	return order
}

func TestOrderRepository_CreateGetUpdate(t *testing.T) {
	db := openDB(t)
	repo := orderrepo.NewOrderRepository(db)
	ctx := context.Background()
	now := time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC)

	order := newOrder(t, "it-order-1", "IT-1001", now)
	if err := repo.Create(ctx, order); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := repo.Create(ctx, newOrder(t, "it-order-2", "IT-1001", now)); !errors.Is(err, orders.ErrOrderNumberTaken) {
		t.Fatalf("expected duplicate order number, got %v", err)
	}

	got, err := repo.Get(ctx, "it-order-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != orders.StatusNew || !got.GrossAmount.Equal(decimal.NewFromInt(8950)) {
		t.Fatalf("unexpected order: %+v", got)
	}

	banking := orders.Banking{UPIID: "supplier@upi"}
	updated, err := repo.UpdateStatus(ctx, "it-order-1", orders.StatusNew, orders.StatusBankingCollected, orders.Changes{Banking: &banking}, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("update status: %v", err)
	}
	if updated.Status != orders.StatusBankingCollected || updated.Banking.UPIID != "supplier@upi" {
		t.Fatalf("unexpected update: %+v", updated)
	}

	if _, err := repo.UpdateStatus(ctx, "it-order-1", orders.StatusNew, orders.StatusCancelled, orders.Changes{}, now.Add(time.Minute)); !errors.Is(err, orders.ErrStatusConflict) {
		t.Fatalf("expected status conflict for stale from, got %v", err)
	}
	if _, err := repo.UpdateStatus(ctx, "it-missing", orders.StatusNew, orders.StatusCancelled, orders.Changes{}, now); !errors.Is(err, orders.ErrOrderNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	ends := now.Add(30 * time.Minute)
	updated, err = repo.UpdateFields(ctx, "it-order-1", orders.Changes{TimerEndsAt: &ends}, now.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("update fields: %v", err)
	}
	if updated.TimerEndsAt == nil || !updated.TimerEndsAt.Equal(ends) || updated.Status != orders.StatusBankingCollected {
		t.Fatalf("timer not stored: %+v", updated)
	}
	updated, err = repo.UpdateFields(ctx, "it-order-1", orders.Changes{ClearTimer: true}, now.Add(3*time.Minute))
	if err != nil {
		t.Fatalf("clear timer: %v", err)
	}
	if updated.TimerEndsAt != nil {
		t.Fatalf("expected timer cleared")
	}

	if _, err := repo.Get(ctx, "it-missing"); !errors.Is(err, orders.ErrOrderNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestOrderRepository_ListByStatus(t *testing.T) {
	db := openDB(t)
	repo := orderrepo.NewOrderRepository(db)
	ctx := context.Background()
	now := time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC)

	for i, number := range []string{"IT-2001", "IT-2002"} {
		if err := repo.Create(ctx, newOrder(t, "it-list-"+number, number, now.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("create %s: %v", number, err)
		}
	}
	if _, err := repo.UpdateStatus(ctx, "it-list-IT-2002", orders.StatusNew, orders.StatusCancelled, orders.Changes{}, now.Add(time.Hour)); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	list, err := repo.List(ctx, orders.ListFilter{Status: orders.StatusCancelled, Limit: 50})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	found := false
	for _, item := range list {
		if item.Status != orders.StatusCancelled {
			t.Fatalf("filter leaked status %s", item.Status)
		}
		if item.OrderNumber == "IT-2002" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected IT-2002 in cancelled list")
	}
}
