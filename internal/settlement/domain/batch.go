package settlement

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Receivable is money owed to the desk by a payment gateway.
type Receivable struct {
	ID        string          `json:"id"`
	Gateway   string          `json:"gateway"`
	Reference string          `json:"reference"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	CreatedAt time.Time       `json:"created_at"`
	SettledAt *time.Time      `json:"settled_at,omitempty"`
	BatchID   string          `json:"batch_id,omitempty"`
}

// Pending reports whether the receivable still awaits settlement.
func (r Receivable) Pending() bool {
	return r.SettledAt == nil && r.BatchID == ""
}

// GatewayGroup is the set of pending receivables for one gateway.
type GatewayGroup struct {
	Gateway     string          `json:"gateway"`
	Count       int             `json:"count"`
	Total       decimal.Decimal `json:"total"`
	Receivables []Receivable    `json:"receivables"`
}

// GroupByGateway groups pending receivables by gateway, sorted by gateway
// name with members ordered oldest first.
func GroupByGateway(items []Receivable) []GatewayGroup {
	index := make(map[string]int)
	var groups []GatewayGroup
	for _, item := range items {
		if !item.Pending() {
			continue
		}
		i, ok := index[item.Gateway]
		if !ok {
			i = len(groups)
			index[item.Gateway] = i
			groups = append(groups, GatewayGroup{Gateway: item.Gateway, Total: decimal.Zero})
		}
		groups[i].Receivables = append(groups[i].Receivables, item)
		groups[i].Count++
		groups[i].Total = groups[i].Total.Add(item.Amount)
	}
	sort.Slice(groups, func(a, b int) bool { return groups[a].Gateway < groups[b].Gateway })
	for i := range groups {
		members := groups[i].Receivables
		sort.SliceStable(members, func(a, b int) bool { return members[a].CreatedAt.Before(members[b].CreatedAt) })
	}
	return groups
}

// Batch is an immutable settlement of receivables into one bank account.
type Batch struct {
	ID            string          `json:"id"`
	BankAccountID string          `json:"bank_account_id"`
	Gateway       string          `json:"gateway"`
	ReceivableIDs []string        `json:"receivable_ids"`
	GrossAmount   decimal.Decimal `json:"gross_amount"`
	FeeDeduction  decimal.Decimal `json:"fee_deduction"`
	NetAmount     decimal.Decimal `json:"net_amount"`
	Currency      string          `json:"currency"`
	CreatedBy     string          `json:"created_by"`
	CreatedAt     time.Time       `json:"created_at"`
}

// BatchRequest is the input to ApplySettlementBatch.
type BatchRequest struct {
	BatchID       string
	ReceivableIDs []string
	BankAccountID string
	FeeDeduction  decimal.Decimal
	CreatedBy     string
	At            time.Time
}

// Validate checks caller supplied fields that do not need stored state.
func (r BatchRequest) Validate() error {
	if strings.TrimSpace(r.BankAccountID) == "" {
		return ErrEmptyBankAccount
	}
	if len(r.ReceivableIDs) == 0 {
		return ErrNoReceivables
	}
	if r.FeeDeduction.IsNegative() {
		return ErrNegativeAmount
	}
	seen := make(map[string]struct{}, len(r.ReceivableIDs))
	for _, id := range r.ReceivableIDs {
		if strings.TrimSpace(id) == "" {
			return ErrReceivableNotFound
		}
		if _, ok := seen[id]; ok {
			return ErrDuplicateReceivable
		}
		seen[id] = struct{}{}
	}
	return nil
}

// NewBatch builds a batch from the locked member receivables. members must
// be the stored rows for req.ReceivableIDs.
func NewBatch(req BatchRequest, members []Receivable) (Batch, error) {
	if err := req.Validate(); err != nil {
		return Batch{}, err
	}
	if len(members) != len(req.ReceivableIDs) {
		return Batch{}, ErrReceivableNotFound
	}
	gross := decimal.Zero
	gateway := ""
	currency := ""
	ids := make([]string, 0, len(members))
	for i, m := range members {
		if !m.Pending() {
			return Batch{}, ErrReceivableSettled
		}
		if i == 0 {
			gateway = m.Gateway
			currency = m.Currency
		} else if m.Gateway != gateway {
			return Batch{}, ErrMixedGateways
		}
		gross = gross.Add(m.Amount)
		ids = append(ids, m.ID)
	}
	if req.FeeDeduction.GreaterThan(gross) {
		return Batch{}, ErrFeeExceedsGross
	}
	at := req.At
	if at.IsZero() {
		at = time.Now()
	}
	return Batch{
		ID:            req.BatchID,
		BankAccountID: req.BankAccountID,
		Gateway:       gateway,
		ReceivableIDs: ids,
		GrossAmount:   gross,
		FeeDeduction:  req.FeeDeduction,
		NetAmount:     gross.Sub(req.FeeDeduction),
		Currency:      currency,
		CreatedBy:     req.CreatedBy,
		CreatedAt:     at.UTC(),
	}, nil
}

// Credit is the income transaction posted for the batch net amount.
func (b Batch) Credit(id string) Transaction {
	return Transaction{
		ID:            id,
		Type:          TransactionIncome,
		Category:      CategoryGatewaySettlement,
		Reference:     b.ID,
		BankAccountID: b.BankAccountID,
		Amount:        b.NetAmount,
		Description:   "settlement " + b.Gateway,
		CreatedAt:     b.CreatedAt,
	}
}

// ReceivableStore persists gateway receivables and batches.
// ApplySettlementBatch is all-or-nothing: members are marked settled and the
// net credit is posted together, or nothing changes.
type ReceivableStore interface {
	RecordReceivable(ctx context.Context, item Receivable) error
	ListPending(ctx context.Context) ([]Receivable, error)
	ApplySettlementBatch(ctx context.Context, req BatchRequest) (Batch, error)
	GetBatch(ctx context.Context, id string) (*Batch, error)
	ListBatches(ctx context.Context, limit int) ([]Batch, error)
	ListBatchReceivables(ctx context.Context, batchID string) ([]Receivable, error)
}
