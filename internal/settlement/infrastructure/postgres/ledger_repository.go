package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	settlement "tradedesk/internal/settlement/domain"
)

const uniqueViolation = "23505"

// LedgerRepository persists bank transactions, wallet credits, receivables
// and settlement batches.
type LedgerRepository struct {
	db *sql.DB
}

// NewLedgerRepository constructs a repository.
func NewLedgerRepository(db *sql.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// FindExistingExpense looks up an expense by its idempotency key.
func (r *LedgerRepository) FindExistingExpense(ctx context.Context, reference, category string) (*settlement.Transaction, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("ledger repo: nil db")
	}
	row := r.db.QueryRowContext(ctx, `
SELECT id, type, category, reference, bank_account_id, amount, description, created_at
FROM ledger_transactions
WHERE type = $1 AND category = $2 AND reference = $3
LIMIT 1`, settlement.TransactionExpense, category, reference)
	return scanTransaction(row)
}

// PostExpense inserts the expense and debits the funding account in one
// transaction. A unique violation on (type, category, reference) maps to
// ErrDuplicateExpense.
func (r *LedgerRepository) PostExpense(ctx context.Context, expense settlement.Transaction) error {
	if r == nil || r.db == nil {
		return errors.New("ledger repo: nil db")
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := insertTransaction(ctx, tx, expense); err != nil {
		_ = tx.Rollback()
		if isUniqueViolation(err) {
			return settlement.ErrDuplicateExpense
		}
		return err
	}
	res, err := tx.ExecContext(ctx, `
UPDATE bank_accounts
SET balance = balance - $1, updated_at = $2
WHERE id = $3`, expense.Amount, expense.CreatedAt, expense.BankAccountID)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		_ = tx.Rollback()
		return settlement.ErrBankAccountNotFound
	}
	return tx.Commit()
}

// FindWalletCredit returns the credit stored for reference.
func (r *LedgerRepository) FindWalletCredit(ctx context.Context, reference string) (*settlement.WalletCredit, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("ledger repo: nil db")
	}
	var credit settlement.WalletCredit
	err := r.db.QueryRowContext(ctx, `
SELECT id, reference, wallet_id, asset, gross, fee, net, created_at
FROM wallet_credits
WHERE reference = $1
LIMIT 1`, reference).Scan(
		&credit.ID, &credit.Reference, &credit.WalletID, &credit.Asset,
		&credit.Gross, &credit.Fee, &credit.Net, &credit.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	credit.CreatedAt = credit.CreatedAt.UTC()
	return &credit, nil
}

// CreditWallet stores the credit and its fee entry together.
func (r *LedgerRepository) CreditWallet(ctx context.Context, credit settlement.WalletCredit, fee *settlement.FeeDeduction) error {
	if r == nil || r.db == nil {
		return errors.New("ledger repo: nil db")
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO wallet_credits (id, reference, wallet_id, asset, gross, fee, net, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		credit.ID, credit.Reference, credit.WalletID, credit.Asset, credit.Gross, credit.Fee, credit.Net, credit.CreatedAt)
	if err != nil {
		_ = tx.Rollback()
		if isUniqueViolation(err) {
			return settlement.ErrDuplicateWalletCredit
		}
		return err
	}
	if fee != nil {
		_, err = tx.ExecContext(ctx, `
INSERT INTO fee_deductions (id, reference, wallet_id, asset, amount, created_at)
VALUES ($1,$2,$3,$4,$5,$6)`, fee.ID, fee.Reference, fee.WalletID, fee.Asset, fee.Amount, fee.CreatedAt)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// ListPending returns receivables without a batch, oldest first.
func (r *LedgerRepository) ListPending(ctx context.Context) ([]settlement.Receivable, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("ledger repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id, gateway, reference, amount, currency, created_at, settled_at, batch_id
FROM gateway_receivables
WHERE settled_at IS NULL
ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanReceivables(rows)
}

// ApplySettlementBatch locks the account and members, validates them and
// commits the batch, the member updates and the net credit in a single
// transaction.
func (r *LedgerRepository) ApplySettlementBatch(ctx context.Context, req settlement.BatchRequest) (settlement.Batch, error) {
	if r == nil || r.db == nil {
		return settlement.Batch{}, errors.New("ledger repo: nil db")
	}
	if err := req.Validate(); err != nil {
		return settlement.Batch{}, err
	}
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return settlement.Batch{}, err
	}
	batch, err := applyBatchTx(ctx, tx, req)
	if err != nil {
		_ = tx.Rollback()
		return settlement.Batch{}, err
	}
	if err := tx.Commit(); err != nil {
		return settlement.Batch{}, err
	}
	return batch, nil
}

func applyBatchTx(ctx context.Context, tx *sql.Tx, req settlement.BatchRequest) (settlement.Batch, error) {
	var accountID string
	err := tx.QueryRowContext(ctx, `
SELECT id FROM bank_accounts WHERE id = $1 FOR UPDATE`, req.BankAccountID).Scan(&accountID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return settlement.Batch{}, settlement.ErrBankAccountNotFound
		}
		return settlement.Batch{}, err
	}

	rows, err := tx.QueryContext(ctx, `
SELECT id, gateway, reference, amount, currency, created_at, settled_at, batch_id
FROM gateway_receivables
WHERE id = ANY($1)
ORDER BY id
FOR UPDATE`, req.ReceivableIDs)
	if err != nil {
		return settlement.Batch{}, err
	}
	locked, err := scanReceivables(rows)
	rows.Close()
	if err != nil {
		return settlement.Batch{}, err
	}
	byID := make(map[string]settlement.Receivable, len(locked))
	for _, item := range locked {
		byID[item.ID] = item
	}
	members := make([]settlement.Receivable, 0, len(req.ReceivableIDs))
	for _, id := range req.ReceivableIDs {
		item, ok := byID[id]
		if !ok {
			return settlement.Batch{}, settlement.ErrReceivableNotFound
		}
		members = append(members, item)
	}

	batch, err := settlement.NewBatch(req, members)
	if err != nil {
		return settlement.Batch{}, err
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO settlement_batches (
	id, bank_account_id, gateway, gross_amount, fee_deduction, net_amount, currency, created_by, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		batch.ID, batch.BankAccountID, batch.Gateway, batch.GrossAmount, batch.FeeDeduction, batch.NetAmount,
		batch.Currency, batch.CreatedBy, batch.CreatedAt)
	if err != nil {
		return settlement.Batch{}, err
	}

	res, err := tx.ExecContext(ctx, `
UPDATE gateway_receivables
SET settled_at = $1, batch_id = $2
WHERE id = ANY($3) AND settled_at IS NULL`, batch.CreatedAt, batch.ID, req.ReceivableIDs)
	if err != nil {
		return settlement.Batch{}, err
	}
	if n, _ := res.RowsAffected(); n != int64(len(req.ReceivableIDs)) {
		return settlement.Batch{}, fmt.Errorf("%w: marked %d of %d", settlement.ErrReceivableSettled, n, len(req.ReceivableIDs))
	}

	credit := batch.Credit(uuid.NewString())
	if err := insertTransaction(ctx, tx, credit); err != nil {
		if isUniqueViolation(err) {
			return settlement.Batch{}, settlement.ErrDuplicateReceivable
		}
		return settlement.Batch{}, err
	}
	_, err = tx.ExecContext(ctx, `
UPDATE bank_accounts
SET balance = balance + $1, updated_at = $2
WHERE id = $3`, batch.NetAmount, batch.CreatedAt, batch.BankAccountID)
	if err != nil {
		return settlement.Batch{}, err
	}
	return batch, nil
}

// GetBatch fetches a batch with its member ids.
func (r *LedgerRepository) GetBatch(ctx context.Context, id string) (*settlement.Batch, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("ledger repo: nil db")
	}
	row := r.db.QueryRowContext(ctx, `
SELECT id, bank_account_id, gateway, gross_amount, fee_deduction, net_amount, currency, created_by, created_at
FROM settlement_batches
WHERE id = $1`, id)
	batch, err := scanBatch(row)
	if err != nil || batch == nil {
		return batch, err
	}
	members, err := r.ListBatchReceivables(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, m := range members {
		batch.ReceivableIDs = append(batch.ReceivableIDs, m.ID)
	}
	return batch, nil
}

// ListBatches lists batches newest first.
func (r *LedgerRepository) ListBatches(ctx context.Context, limit int) ([]settlement.Batch, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("ledger repo: nil db")
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id, bank_account_id, gateway, gross_amount, fee_deduction, net_amount, currency, created_by, created_at
FROM settlement_batches
ORDER BY created_at DESC
LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []settlement.Batch
	for rows.Next() {
		batch, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		if batch != nil {
			result = append(result, *batch)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// ListBatchReceivables returns the members of a batch.
func (r *LedgerRepository) ListBatchReceivables(ctx context.Context, batchID string) ([]settlement.Receivable, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("ledger repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id, gateway, reference, amount, currency, created_at, settled_at, batch_id
FROM gateway_receivables
WHERE batch_id = $1
ORDER BY created_at ASC`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanReceivables(rows)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertTransaction(ctx context.Context, db execer, t settlement.Transaction) error {
	_, err := db.ExecContext(ctx, `
INSERT INTO ledger_transactions (
	id, type, category, reference, bank_account_id, amount, description, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		t.ID, t.Type, t.Category, t.Reference, t.BankAccountID, t.Amount, t.Description, t.CreatedAt)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*settlement.Transaction, error) {
	var t settlement.Transaction
	var description sql.NullString
	err := row.Scan(&t.ID, &t.Type, &t.Category, &t.Reference, &t.BankAccountID, &t.Amount, &description, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if description.Valid {
		t.Description = description.String
	}
	t.CreatedAt = t.CreatedAt.UTC()
	return &t, nil
}

func scanBatch(row rowScanner) (*settlement.Batch, error) {
	var b settlement.Batch
	var createdBy sql.NullString
	err := row.Scan(&b.ID, &b.BankAccountID, &b.Gateway, &b.GrossAmount, &b.FeeDeduction, &b.NetAmount, &b.Currency, &createdBy, &b.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if createdBy.Valid {
		b.CreatedBy = createdBy.String
	}
	b.CreatedAt = b.CreatedAt.UTC()
	return &b, nil
}

func scanReceivables(rows *sql.Rows) ([]settlement.Receivable, error) {
	var result []settlement.Receivable
	for rows.Next() {
		var item settlement.Receivable
		var settledAt sql.NullTime
		var batchID sql.NullString
		if err := rows.Scan(&item.ID, &item.Gateway, &item.Reference, &item.Amount, &item.Currency, &item.CreatedAt, &settledAt, &batchID); err != nil {
			return nil, err
		}
		item.CreatedAt = item.CreatedAt.UTC()
		if settledAt.Valid {
			t := settledAt.Time.UTC()
			item.SettledAt = &t
		}
		if batchID.Valid {
			item.BatchID = batchID.String
		}
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// RecordReceivable inserts a pending gateway receivable.
func (r *LedgerRepository) RecordReceivable(ctx context.Context, item settlement.Receivable) error {
	if r == nil || r.db == nil {
		return errors.New("ledger repo: nil db")
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO gateway_receivables (id, gateway, reference, amount, currency, created_at)
VALUES ($1,$2,$3,$4,$5,$6)`, item.ID, item.Gateway, item.Reference, item.Amount, item.Currency, item.CreatedAt)
	return err
}
