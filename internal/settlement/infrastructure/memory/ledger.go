package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	settlement "tradedesk/internal/settlement/domain"
)

// Ledger is an in-memory bank ledger, wallet ledger and receivable store.
type Ledger struct {
	mu sync.Mutex

	accounts     map[string]decimal.Decimal
	transactions []settlement.Transaction
	txKeys       map[string]int
	credits      map[string]settlement.WalletCredit
	fees         []settlement.FeeDeduction
	receivables  map[string]settlement.Receivable
	batches      map[string]settlement.Batch
	batchOrder   []string
}

// NewLedger constructs an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		accounts:    make(map[string]decimal.Decimal),
		txKeys:      make(map[string]int),
		credits:     make(map[string]settlement.WalletCredit),
		receivables: make(map[string]settlement.Receivable),
		batches:     make(map[string]settlement.Batch),
	}
}

func txKey(typ settlement.TransactionType, category, reference string) string {
	return string(typ) + "|" + category + "|" + reference
}

// OpenAccount registers a bank account with an opening balance.
func (l *Ledger) OpenAccount(id string, balance decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts[id] = balance
}

// Balance returns the account balance and whether the account exists.
func (l *Ledger) Balance(id string) (decimal.Decimal, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	balance, ok := l.accounts[id]
	return balance, ok
}

// RecordReceivable implements settlement.ReceivableStore.
func (l *Ledger) RecordReceivable(ctx context.Context, r settlement.Receivable) error {
	_ = ctx
	l.mu.Lock()
	defer l.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if _, exists := l.receivables[r.ID]; exists {
		return settlement.ErrDuplicateReceivable
	}
	l.receivables[r.ID] = r
	return nil
}

// Transactions returns every posted bank transaction.
func (l *Ledger) Transactions() []settlement.Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]settlement.Transaction(nil), l.transactions...)
}

// FeeDeductions returns every recorded fee entry.
func (l *Ledger) FeeDeductions() []settlement.FeeDeduction {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]settlement.FeeDeduction(nil), l.fees...)
}

// WalletCredits returns every wallet credit.
func (l *Ledger) WalletCredits() []settlement.WalletCredit {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]settlement.WalletCredit, 0, len(l.credits))
	for _, c := range l.credits {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Reference < out[j].Reference })
	return out
}

// FindExistingExpense implements settlement.Ledger.
func (l *Ledger) FindExistingExpense(ctx context.Context, reference, category string) (*settlement.Transaction, error) {
	_ = ctx
	l.mu.Lock()
	defer l.mu.Unlock()
	i, ok := l.txKeys[txKey(settlement.TransactionExpense, category, reference)]
	if !ok {
		return nil, nil
	}
	tx := l.transactions[i]
	return &tx, nil
}

// PostExpense implements settlement.Ledger.
func (l *Ledger) PostExpense(ctx context.Context, tx settlement.Transaction) error {
	_ = ctx
	l.mu.Lock()
	defer l.mu.Unlock()
	key := txKey(tx.Type, tx.Category, tx.Reference)
	if _, exists := l.txKeys[key]; exists {
		return settlement.ErrDuplicateExpense
	}
	balance, ok := l.accounts[tx.BankAccountID]
	if !ok {
		return settlement.ErrBankAccountNotFound
	}
	l.accounts[tx.BankAccountID] = balance.Sub(tx.Amount)
	l.txKeys[key] = len(l.transactions)
	l.transactions = append(l.transactions, tx)
	return nil
}

// FindWalletCredit implements settlement.Ledger.
func (l *Ledger) FindWalletCredit(ctx context.Context, reference string) (*settlement.WalletCredit, error) {
	_ = ctx
	l.mu.Lock()
	defer l.mu.Unlock()
	credit, ok := l.credits[reference]
	if !ok {
		return nil, nil
	}
	return &credit, nil
}

// CreditWallet implements settlement.Ledger.
func (l *Ledger) CreditWallet(ctx context.Context, credit settlement.WalletCredit, fee *settlement.FeeDeduction) error {
	_ = ctx
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.credits[credit.Reference]; exists {
		return settlement.ErrDuplicateWalletCredit
	}
	l.credits[credit.Reference] = credit
	if fee != nil {
		l.fees = append(l.fees, *fee)
	}
	return nil
}

// ListPending implements settlement.ReceivableStore.
func (l *Ledger) ListPending(ctx context.Context) ([]settlement.Receivable, error) {
	_ = ctx
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []settlement.Receivable
	for _, r := range l.receivables {
		if r.Pending() {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ApplySettlementBatch implements settlement.ReceivableStore. All checks run
// before any state is touched, so a failure leaves the ledger unchanged.
func (l *Ledger) ApplySettlementBatch(ctx context.Context, req settlement.BatchRequest) (settlement.Batch, error) {
	_ = ctx
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := req.Validate(); err != nil {
		return settlement.Batch{}, err
	}
	balance, ok := l.accounts[req.BankAccountID]
	if !ok {
		return settlement.Batch{}, settlement.ErrBankAccountNotFound
	}
	members := make([]settlement.Receivable, 0, len(req.ReceivableIDs))
	for _, id := range req.ReceivableIDs {
		r, ok := l.receivables[id]
		if !ok {
			return settlement.Batch{}, settlement.ErrReceivableNotFound
		}
		members = append(members, r)
	}
	batch, err := settlement.NewBatch(req, members)
	if err != nil {
		return settlement.Batch{}, err
	}
	credit := batch.Credit(uuid.NewString())
	key := txKey(credit.Type, credit.Category, credit.Reference)
	if _, exists := l.txKeys[key]; exists {
		return settlement.Batch{}, settlement.ErrDuplicateReceivable
	}

	settledAt := batch.CreatedAt
	for _, m := range members {
		m.SettledAt = &settledAt
		m.BatchID = batch.ID
		l.receivables[m.ID] = m
	}
	l.accounts[req.BankAccountID] = balance.Add(batch.NetAmount)
	l.txKeys[key] = len(l.transactions)
	l.transactions = append(l.transactions, credit)
	l.batches[batch.ID] = batch
	l.batchOrder = append(l.batchOrder, batch.ID)
	return batch, nil
}

// GetBatch implements settlement.ReceivableStore.
func (l *Ledger) GetBatch(ctx context.Context, id string) (*settlement.Batch, error) {
	_ = ctx
	l.mu.Lock()
	defer l.mu.Unlock()
	batch, ok := l.batches[id]
	if !ok {
		return nil, nil
	}
	return &batch, nil
}

// ListBatches implements settlement.ReceivableStore, newest first.
func (l *Ledger) ListBatches(ctx context.Context, limit int) ([]settlement.Batch, error) {
	_ = ctx
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []settlement.Batch
	for i := len(l.batchOrder) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, l.batches[l.batchOrder[i]])
	}
	return out, nil
}

// ListBatchReceivables implements settlement.ReceivableStore.
func (l *Ledger) ListBatchReceivables(ctx context.Context, batchID string) ([]settlement.Receivable, error) {
	_ = ctx
	l.mu.Lock()
	defer l.mu.Unlock()
	batch, ok := l.batches[batchID]
	if !ok {
		return nil, nil
	}
	out := make([]settlement.Receivable, 0, len(batch.ReceivableIDs))
	for _, id := range batch.ReceivableIDs {
		out = append(out, l.receivables[id])
	}
	return out, nil
}
