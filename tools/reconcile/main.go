package main

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	orders "tradedesk/internal/orders/domain"
	orderrepo "tradedesk/internal/orders/infrastructure/postgres"
	settlementapp "tradedesk/internal/settlement/application"
	settlement "tradedesk/internal/settlement/domain"
	settlementrepo "tradedesk/internal/settlement/infrastructure/postgres"
)

const timeLayout = time.RFC3339

type config struct {
	dbURL       string
	outDir      string
	fundedAsset string
	limit       int
	apply       bool
}

type orderRow struct {
	OrderNumber  string
	Status       string
	Asset        string
	NetPayable   decimal.Decimal
	WalletCredit bool
	Expense      bool
	Issue        string
	Repaired     bool
	UpdatedAt    time.Time
}

type batchRow struct {
	BatchID     string
	Gateway     string
	Gross       decimal.Decimal
	Fee         decimal.Decimal
	Net         decimal.Decimal
	MemberTotal decimal.Decimal
	Members     int
	Issue       string
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}
	if err := os.MkdirAll(cfg.outDir, 0o755); err != nil {
		fmt.Fprintln(os.Stderr, "create out dir:", err)
		os.Exit(2)
	}

	db, err := sql.Open("pgx", cfg.dbURL)
	if err != nil {
		fmt.Fprintln(os.Stderr, "db open:", err)
		os.Exit(2)
	}
	defer db.Close()

	ctx := context.Background()
	ledger := settlementrepo.NewLedgerRepository(db)

	var applier *settlementapp.CompletionApplier
	if cfg.apply {
		applier, err = settlementapp.NewCompletionApplier(ledger, cfg.fundedAsset, log.New(os.Stderr, "reconcile ", log.LstdFlags))
		if err != nil {
			fmt.Fprintln(os.Stderr, "completion applier:", err)
			os.Exit(2)
		}
	}

	rows, err := checkOrders(ctx, orderrepo.NewOrderRepository(db), ledger, applier, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "check orders:", err)
		os.Exit(2)
	}
	batches, err := checkBatches(ctx, db, cfg.limit)
	if err != nil {
		fmt.Fprintln(os.Stderr, "check batches:", err)
		os.Exit(2)
	}

	if err := writeOrders(cfg.outDir, rows); err != nil {
		fmt.Fprintln(os.Stderr, "write orders:", err)
		os.Exit(2)
	}
	if err := writeBatches(cfg.outDir, batches); err != nil {
		fmt.Fprintln(os.Stderr, "write batches:", err)
		os.Exit(2)
	}

	issues := 0
	for _, row := range rows {
		if row.Issue != "" && !row.Repaired {
			issues++
		}
	}
	for _, row := range batches {
		if row.Issue != "" {
			issues++
		}
	}
	fmt.Printf("Reconciliation outputs written to %s (orders=%d batches=%d open_issues=%d)\n", cfg.outDir, len(rows), len(batches), issues)
	if issues > 0 {
		os.Exit(1)
	}
}

func parseFlags() (config, error) {
	var cfg config
	flag.StringVar(&cfg.dbURL, "db", getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", "")), "Postgres DSN")
	flag.StringVar(&cfg.outDir, "out", "./out", "output directory")
	flag.StringVar(&cfg.fundedAsset, "asset", getenvDefault("FUNDED_ASSET", "USDT"), "asset credited to wallets on completion")
	flag.IntVar(&cfg.limit, "limit", 5000, "maximum orders and batches to check")
	flag.BoolVar(&cfg.apply, "apply", false, "re-run missing completion effects")
	flag.Parse()

	if cfg.dbURL == "" {
		return cfg, errors.New("missing --db or DATABASE_URL/PG_DSN")
	}
	if cfg.limit <= 0 {
		return cfg, errors.New("--limit must be positive")
	}
	cfg.fundedAsset = strings.ToUpper(strings.TrimSpace(cfg.fundedAsset))
	return cfg, nil
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

// checkOrders verifies that every completed order carries the ledger effects
// completion is expected to post.
func checkOrders(ctx context.Context, repo *orderrepo.OrderRepository, ledger *settlementrepo.LedgerRepository, applier *settlementapp.CompletionApplier, cfg config) ([]orderRow, error) {
	completed, err := repo.List(ctx, orders.ListFilter{Status: orders.StatusCompleted, Limit: cfg.limit})
	if err != nil {
		return nil, err
	}
	out := make([]orderRow, 0, len(completed))
	for _, order := range completed {
		row := orderRow{
			OrderNumber: order.OrderNumber,
			Status:      string(order.Status),
			Asset:       order.Asset,
			NetPayable:  order.NetPayableAmount,
			UpdatedAt:   order.UpdatedAt,
		}
		wantCredit := strings.EqualFold(order.Asset, cfg.fundedAsset)
		wantExpense := strings.TrimSpace(order.FundingAccountID) != ""

		credit, err := ledger.FindWalletCredit(ctx, order.OrderNumber)
		if err != nil {
			return nil, err
		}
		expense, err := ledger.FindExistingExpense(ctx, order.OrderNumber, settlement.CategoryPurchase)
		if err != nil {
			return nil, err
		}
		row.WalletCredit = credit != nil
		row.Expense = expense != nil

		var missing []string
		if wantCredit && !row.WalletCredit {
			missing = append(missing, "wallet_credit")
		}
		if wantExpense && !row.Expense {
			missing = append(missing, "expense")
		}
		if expense != nil && !expense.Amount.Equal(order.NetPayableAmount) {
			missing = append(missing, "expense_amount")
		}
		row.Issue = strings.Join(missing, "|")

		if row.Issue != "" && applier != nil && !strings.Contains(row.Issue, "expense_amount") {
			_, err := applier.Apply(ctx, settlementapp.TerminalOrder{
				OrderID:          order.ID,
				OrderNumber:      order.OrderNumber,
				Asset:            order.Asset,
				Quantity:         order.Quantity,
				PlatformFee:      order.PlatformFee,
				WalletID:         order.WalletID,
				NetPayable:       order.NetPayableAmount,
				FundingAccountID: order.FundingAccountID,
				Actor:            "reconcile",
			})
			if err != nil {
				fmt.Fprintf(os.Stderr, "repair %s: %v\n", order.OrderNumber, err)
			} else {
				row.Repaired = true
			}
		}
		out = append(out, row)
	}
	return out, nil
}

func checkBatches(ctx context.Context, db *sql.DB, limit int) ([]batchRow, error) {
	rows, err := db.QueryContext(ctx, `
SELECT b.id, b.gateway, b.gross_amount, b.fee_deduction, b.net_amount,
	COALESCE(SUM(r.amount), 0), COUNT(r.id)
FROM settlement_batches b
LEFT JOIN gateway_receivables r ON r.batch_id = b.id
GROUP BY b.id, b.gateway, b.gross_amount, b.fee_deduction, b.net_amount, b.created_at
ORDER BY b.created_at DESC
LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []batchRow
	for rows.Next() {
		var row batchRow
		if err := rows.Scan(&row.BatchID, &row.Gateway, &row.Gross, &row.Fee, &row.Net, &row.MemberTotal, &row.Members); err != nil {
			return nil, err
		}
		var issues []string
		if row.Members == 0 {
			issues = append(issues, "no_members")
		}
		if !row.MemberTotal.Equal(row.Gross) {
			issues = append(issues, "member_total")
		}
		if !row.Gross.Sub(row.Fee).Equal(row.Net) {
			issues = append(issues, "net_amount")
		}
		row.Issue = strings.Join(issues, "|")
		out = append(out, row)
	}
	return out, rows.Err()
}

func writeOrders(outDir string, rows []orderRow) error {
	records := [][]string{{"order_number", "status", "asset", "net_payable", "wallet_credit", "expense", "issue", "repaired", "updated_at"}}
	for _, row := range rows {
		records = append(records, []string{
			row.OrderNumber,
			row.Status,
			row.Asset,
			row.NetPayable.String(),
			formatBool(row.WalletCredit),
			formatBool(row.Expense),
			row.Issue,
			formatBool(row.Repaired),
			row.UpdatedAt.UTC().Format(timeLayout),
		})
	}
	return writeCSV(filepath.Join(outDir, "orders.csv"), records)
}

func writeBatches(outDir string, rows []batchRow) error {
	records := [][]string{{"batch_id", "gateway", "gross", "fee", "net", "member_total", "members", "issue"}}
	for _, row := range rows {
		records = append(records, []string{
			row.BatchID,
			row.Gateway,
			row.Gross.String(),
			row.Fee.String(),
			row.Net.String(),
			row.MemberTotal.String(),
			fmt.Sprintf("%d", row.Members),
			row.Issue,
		})
	}
	return writeCSV(filepath.Join(outDir, "batches.csv"), records)
}

func writeCSV(path string, records [][]string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	writer := csv.NewWriter(file)
	if err := writer.WriteAll(records); err != nil {
		return err
	}
	return writer.Error()
}

func formatBool(value bool) string {
	if value {
		return "true"
	}
	return "false"
}
