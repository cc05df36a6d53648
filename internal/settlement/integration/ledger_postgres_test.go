package integration_test

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log"
	"os"
	"sync"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	settlementapp "tradedesk/internal/settlement/application"
	settlement "tradedesk/internal/settlement/domain"
	settlementrepo "tradedesk/internal/settlement/infrastructure/postgres"
)

const testAccount = "it-acct-hdfc"

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
	for _, table := range []string{"bank_accounts", "ledger_transactions", "wallet_credits", "fee_deductions", "gateway_receivables", "settlement_batches"} {
		if !tableExists(db, table) {
			t.Skip("missing tables; run migrations")
		}
	}
	ctx := context.Background()
	_, _ = db.ExecContext(ctx, "DELETE FROM ledger_transactions WHERE bank_account_id = $1", testAccount)
	_, _ = db.ExecContext(ctx, "DELETE FROM wallet_credits WHERE reference LIKE 'IT-%'")
	_, _ = db.ExecContext(ctx, "DELETE FROM fee_deductions WHERE reference LIKE 'IT-%'")
	_, _ = db.ExecContext(ctx, "DELETE FROM gateway_receivables WHERE reference LIKE 'it-%'")
	_, _ = db.ExecContext(ctx, "DELETE FROM settlement_batches WHERE bank_account_id = $1", testAccount)
	_, err = db.ExecContext(ctx, `
INSERT INTO bank_accounts (id, name, balance) VALUES ($1, 'integration', 0)
ON CONFLICT (id) DO UPDATE SET balance = 0`, testAccount)
	if err != nil {
		t.Fatalf("seed account: %v", err)
	}
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

func balance(t *testing.T, db *sql.DB) decimal.Decimal {
	t.Helper()
	var value decimal.Decimal
	if err := db.QueryRow(`SELECT balance FROM bank_accounts WHERE id = $1`, testAccount).Scan(&value); err != nil {
		t.Fatalf("read balance: %v", err)
	}
	return value
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestCompletion_ConcurrentApplyPostsOnce(t *testing.T) {
	db := openDB(t)
	repo := settlementrepo.NewLedgerRepository(db)
	applier, err := settlementapp.NewCompletionApplier(repo, "USDT", quietLogger())
	if err != nil {
		t.Fatalf("new applier: %v", err)
	}
	order := settlementapp.TerminalOrder{
		OrderID:          "it-order-1",
		OrderNumber:      "IT-BUY-1",
		Asset:            "USDT",
		Quantity:         decimal.NewFromInt(100),
		PlatformFee:      decimal.NewFromInt(2),
		WalletID:         "wallet-main",
		NetPayable:       decimal.NewFromInt(8900),
		FundingAccountID: testAccount,
		Actor:            "alice",
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := applier.Apply(context.Background(), order); err != nil {
				t.Errorf("apply: %v", err)
			}
		}()
	}
	wg.Wait()
	// a later retry must be a no-op as well
	if _, err := applier.Apply(context.Background(), order); err != nil {
		t.Fatalf("retry: %v", err)
	}

	var expenses, credits int
	_ = db.QueryRow(`SELECT COUNT(*) FROM ledger_transactions WHERE type = 'EXPENSE' AND reference = 'IT-BUY-1'`).Scan(&expenses)
	_ = db.QueryRow(`SELECT COUNT(*) FROM wallet_credits WHERE reference = 'IT-BUY-1'`).Scan(&credits)
	if expenses != 1 || credits != 1 {
		t.Fatalf("expected one expense and one credit, got %d and %d", expenses, credits)
	}
	if got := balance(t, db); !got.Equal(decimal.NewFromInt(-8900)) {
		t.Fatalf("expected balance -8900, got %s", got)
	}
}

func TestBatchSettle_AllOrNothing(t *testing.T) {
	db := openDB(t)
	repo := settlementrepo.NewLedgerRepository(db)
	settler, err := settlementapp.NewBatchSettler(repo, quietLogger())
	if err != nil {
		t.Fatalf("new settler: %v", err)
	}
	ctx := context.Background()

	var ids []string
	for _, amount := range []int64{100, 200, 300} {
		item, err := settler.RecordReceivable(ctx, settlementapp.ReceivableInput{
			Gateway:   "razorpay",
			Reference: "it-pg",
			Amount:    decimal.NewFromInt(amount),
		})
		if err != nil {
			t.Fatalf("record receivable: %v", err)
		}
		ids = append(ids, item.ID)
	}

	first, err := settler.Settle(ctx, settlementapp.SettleRequest{ReceivableIDs: ids[2:], BankAccountID: testAccount})
	if err != nil {
		t.Fatalf("settle first: %v", err)
	}
	if !first.NetAmount.Equal(decimal.NewFromInt(300)) {
		t.Fatalf("unexpected first net %s", first.NetAmount)
	}

	_, err = settler.Settle(ctx, settlementapp.SettleRequest{ReceivableIDs: ids, BankAccountID: testAccount})
	if !errors.Is(err, settlement.ErrReceivableSettled) {
		t.Fatalf("expected settled error, got %v", err)
	}
	var pending int
	_ = db.QueryRow(`SELECT COUNT(*) FROM gateway_receivables WHERE id = ANY($1) AND settled_at IS NULL`, ids).Scan(&pending)
	if pending != 2 {
		t.Fatalf("expected 2 receivables still pending, got %d", pending)
	}
	if got := balance(t, db); !got.Equal(decimal.NewFromInt(300)) {
		t.Fatalf("failed batch changed balance: %s", got)
	}

	second, err := settler.Settle(ctx, settlementapp.SettleRequest{
		ReceivableIDs: ids[:2],
		BankAccountID: testAccount,
		FeeDeduction:  decimal.NewFromInt(6),
	})
	if err != nil {
		t.Fatalf("settle second: %v", err)
	}
	_, members, err := settler.Get(ctx, second.ID)
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(members))
	}
	if got := balance(t, db); !got.Equal(decimal.NewFromInt(594)) {
		t.Fatalf("expected balance 594, got %s", got)
	}
}
