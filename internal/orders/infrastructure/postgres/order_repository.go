package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	orders "tradedesk/internal/orders/domain"
)

const (
	defaultOrderTable = "buy_orders"
	uniqueViolation   = "23505"
)

const orderColumns = `id, order_number, status, asset, quantity, unit_price, gross_amount, platform_fee,
	wallet_id, tax_category, tax_amount, net_payable_amount, paid_amount, payment_channel,
	upi_id, bank_name, account_number, ifsc_code, timer_ends_at, expires_at,
	funding_account_id, settlement_batch_id, created_by, payer_id, created_at, updated_at`

// OrderRepository persists buy orders in Postgres.
type OrderRepository struct {
	db    *sql.DB
	table string
}

// OrderOption configures the repository.
type OrderOption func(*OrderRepository)

// WithOrderTable overrides the table name.
func WithOrderTable(table string) OrderOption {
	return func(r *OrderRepository) {
		if table != "" {
			r.table = table
		}
	}
}

// NewOrderRepository constructs a repository.
func NewOrderRepository(db *sql.DB, opts ...OrderOption) *OrderRepository {
	r := &OrderRepository{db: db, table: defaultOrderTable}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create inserts a new order. A duplicate order number maps to
// ErrOrderNumberTaken.
func (r *OrderRepository) Create(ctx context.Context, order *orders.Order) error {
	if r == nil || r.db == nil {
		return errors.New("order repo: nil db")
	}
	if order == nil {
		return orders.ErrNilOrder
	}
	query := fmt.Sprintf(`
INSERT INTO %s (%s)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
	$15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26)`, r.table, orderColumns)

	_, err := r.db.ExecContext(ctx, query,
		order.ID,
		order.OrderNumber,
		string(order.Status),
		order.Asset,
		order.Quantity,
		order.UnitPrice,
		order.GrossAmount,
		order.PlatformFee,
		order.WalletID,
		string(order.TaxCategory),
		order.TaxAmount,
		order.NetPayableAmount,
		order.PaidAmount,
		string(order.Channel),
		order.Banking.UPIID,
		order.Banking.BankName,
		order.Banking.AccountNumber,
		order.Banking.IFSCCode,
		nullTime(order.TimerEndsAt),
		nullTime(order.ExpiresAt),
		order.FundingAccountID,
		order.SettlementBatchID,
		order.CreatedBy,
		order.PayerID,
		order.CreatedAt.UTC(),
		order.UpdatedAt.UTC(),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return orders.ErrOrderNumberTaken
		}
		return err
	}
	return nil
}

// Get loads an order by id.
func (r *OrderRepository) Get(ctx context.Context, id string) (*orders.Order, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("order repo: nil db")
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, orderColumns, r.table)
	return scanOrder(r.db.QueryRowContext(ctx, query, id))
}

// List returns orders newest first.
func (r *OrderRepository) List(ctx context.Context, filter orders.ListFilter) ([]orders.Order, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("order repo: nil db")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	var (
		rows *sql.Rows
		err  error
	)
	if filter.Status != "" {
		query := fmt.Sprintf(`SELECT %s FROM %s WHERE status = $1 ORDER BY created_at DESC LIMIT $2`, orderColumns, r.table)
		rows, err = r.db.QueryContext(ctx, query, string(filter.Status), limit)
	} else {
		query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY created_at DESC LIMIT $1`, orderColumns, r.table)
		rows, err = r.db.QueryContext(ctx, query, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []orders.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *order)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateStatus writes status together with changes in one statement. The
// row is only touched while it still holds from.
func (r *OrderRepository) UpdateStatus(ctx context.Context, id string, from, to orders.Status, changes orders.Changes, at time.Time) (*orders.Order, error) {
	sets, args := changeSet(changes)
	sets = append(sets, "status")
	args = append(args, string(to))
	order, err := r.update(ctx, id, sets, args, at, &from)
	if errors.Is(err, orders.ErrOrderNotFound) {
		if _, getErr := r.Get(ctx, id); getErr == nil {
			return nil, orders.ErrStatusConflict
		}
	}
	return order, err
}

// UpdateFields writes changes without touching status.
func (r *OrderRepository) UpdateFields(ctx context.Context, id string, changes orders.Changes, at time.Time) (*orders.Order, error) {
	sets, args := changeSet(changes)
	return r.update(ctx, id, sets, args, at, nil)
}

func (r *OrderRepository) update(ctx context.Context, id string, columns []string, args []any, at time.Time, from *orders.Status) (*orders.Order, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("order repo: nil db")
	}
	columns = append(columns, "updated_at")
	args = append(args, at.UTC())

	assignments := make([]string, len(columns))
	for i, column := range columns {
		assignments[i] = fmt.Sprintf("%s = $%d", column, i+1)
	}
	args = append(args, id)
	where := fmt.Sprintf("id = $%d", len(args))
	if from != nil {
		args = append(args, string(*from))
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}
	query := fmt.Sprintf(`
UPDATE %s
SET %s
WHERE %s
RETURNING %s`, r.table, strings.Join(assignments, ", "), where, orderColumns)

	return scanOrder(r.db.QueryRowContext(ctx, query, args...))
}

// changeSet maps non-nil fields of changes to column assignments.
func changeSet(c orders.Changes) ([]string, []any) {
	var columns []string
	var args []any
	add := func(column string, value any) {
		columns = append(columns, column)
		args = append(args, value)
	}
	if c.Banking != nil {
		add("upi_id", c.Banking.UPIID)
		add("bank_name", c.Banking.BankName)
		add("account_number", c.Banking.AccountNumber)
		add("ifsc_code", c.Banking.IFSCCode)
	}
	if c.TaxCategory != nil {
		add("tax_category", string(*c.TaxCategory))
	}
	if c.TaxAmount != nil {
		add("tax_amount", *c.TaxAmount)
	}
	if c.NetPayableAmount != nil {
		add("net_payable_amount", *c.NetPayableAmount)
	}
	if c.PaidAmount != nil {
		add("paid_amount", *c.PaidAmount)
	}
	switch {
	case c.TimerEndsAt != nil:
		add("timer_ends_at", c.TimerEndsAt.UTC())
	case c.ClearTimer:
		add("timer_ends_at", nil)
	}
	if c.FundingAccountID != nil {
		add("funding_account_id", *c.FundingAccountID)
	}
	if c.SettlementBatchID != nil {
		add("settlement_batch_id", *c.SettlementBatchID)
	}
	if c.PlatformFee != nil {
		add("platform_fee", *c.PlatformFee)
	}
	return columns, args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*orders.Order, error) {
	var (
		order       orders.Order
		status      string
		taxCategory string
		channel     string
		timerEndsAt sql.NullTime
		expiresAt   sql.NullTime
	)
	err := row.Scan(
		&order.ID,
		&order.OrderNumber,
		&status,
		&order.Asset,
		&order.Quantity,
		&order.UnitPrice,
		&order.GrossAmount,
		&order.PlatformFee,
		&order.WalletID,
		&taxCategory,
		&order.TaxAmount,
		&order.NetPayableAmount,
		&order.PaidAmount,
		&channel,
		&order.Banking.UPIID,
		&order.Banking.BankName,
		&order.Banking.AccountNumber,
		&order.Banking.IFSCCode,
		&timerEndsAt,
		&expiresAt,
		&order.FundingAccountID,
		&order.SettlementBatchID,
		&order.CreatedBy,
		&order.PayerID,
		&order.CreatedAt,
		&order.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, orders.ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	order.Status = orders.Status(status)
	order.TaxCategory = orders.TaxCategory(taxCategory)
	order.Channel = orders.PaymentChannel(channel)
	if timerEndsAt.Valid {
		t := timerEndsAt.Time.UTC()
		order.TimerEndsAt = &t
	}
	if expiresAt.Valid {
		t := expiresAt.Time.UTC()
		order.ExpiresAt = &t
	}
	order.CreatedAt = order.CreatedAt.UTC()
	order.UpdatedAt = order.UpdatedAt.UTC()
	return &order, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
