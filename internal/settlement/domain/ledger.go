package settlement

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType is the direction of a bank ledger transaction.
type TransactionType string

const (
	TransactionExpense TransactionType = "EXPENSE"
	TransactionIncome  TransactionType = "INCOME"
)

const (
	// CategoryPurchase marks the expense posted when a buy order completes.
	CategoryPurchase = "Purchase"
	// CategoryGatewaySettlement marks the credit posted for a settlement batch.
	CategoryGatewaySettlement = "GatewaySettlement"
)

// Transaction is a bank ledger posting. (Type, Category, Reference) is unique.
type Transaction struct {
	ID            string          `json:"id"`
	Type          TransactionType `json:"type"`
	Category      string          `json:"category"`
	Reference     string          `json:"reference"`
	BankAccountID string          `json:"bank_account_id"`
	Amount        decimal.Decimal `json:"amount"`
	Description   string          `json:"description,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// NewExpense builds a purchase expense keyed by the order reference.
func NewExpense(id, reference, bankAccountID string, amount decimal.Decimal, at time.Time) (Transaction, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return Transaction{}, ErrEmptyReference
	}
	if strings.TrimSpace(bankAccountID) == "" {
		return Transaction{}, ErrEmptyBankAccount
	}
	if amount.IsNegative() {
		return Transaction{}, ErrNegativeAmount
	}
	return Transaction{
		ID:            id,
		Type:          TransactionExpense,
		Category:      CategoryPurchase,
		Reference:     reference,
		BankAccountID: bankAccountID,
		Amount:        amount,
		Description:   "buy order " + reference,
		CreatedAt:     at.UTC(),
	}, nil
}

// WalletCredit moves purchased units into the desk wallet. Fee is recorded
// as its own FeeDeduction entry next to the credit.
type WalletCredit struct {
	ID        string          `json:"id"`
	Reference string          `json:"reference"`
	WalletID  string          `json:"wallet_id"`
	Asset     string          `json:"asset"`
	Gross     decimal.Decimal `json:"gross"`
	Fee       decimal.Decimal `json:"fee"`
	Net       decimal.Decimal `json:"net"`
	CreatedAt time.Time       `json:"created_at"`
}

// FeeDeduction is the platform fee withheld from a wallet credit.
type FeeDeduction struct {
	ID        string          `json:"id"`
	Reference string          `json:"reference"`
	WalletID  string          `json:"wallet_id"`
	Asset     string          `json:"asset"`
	Amount    decimal.Decimal `json:"amount"`
	CreatedAt time.Time       `json:"created_at"`
}

// NewWalletCredit credits quantity less fee. A fee larger than the quantity
// is clamped so the credit never goes negative.
func NewWalletCredit(id, reference, walletID, asset string, quantity, fee decimal.Decimal, at time.Time) (WalletCredit, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return WalletCredit{}, ErrEmptyReference
	}
	if quantity.IsNegative() || fee.IsNegative() {
		return WalletCredit{}, ErrNegativeAmount
	}
	if fee.GreaterThan(quantity) {
		fee = quantity
	}
	return WalletCredit{
		ID:        id,
		Reference: reference,
		WalletID:  walletID,
		Asset:     asset,
		Gross:     quantity,
		Fee:       fee,
		Net:       quantity.Sub(fee),
		CreatedAt: at.UTC(),
	}, nil
}

// FeeEntry returns the separate fee record, or false when no fee applies.
func (c WalletCredit) FeeEntry(id string) (FeeDeduction, bool) {
	if !c.Fee.IsPositive() {
		return FeeDeduction{}, false
	}
	return FeeDeduction{
		ID:        id,
		Reference: c.Reference,
		WalletID:  c.WalletID,
		Asset:     c.Asset,
		Amount:    c.Fee,
		CreatedAt: c.CreatedAt,
	}, true
}

// Ledger records completion effects. Implementations must reject a second
// expense with the same (type, category, reference) with ErrDuplicateExpense
// and a second wallet credit with the same reference with
// ErrDuplicateWalletCredit.
type Ledger interface {
	FindExistingExpense(ctx context.Context, reference, category string) (*Transaction, error)
	PostExpense(ctx context.Context, tx Transaction) error
	FindWalletCredit(ctx context.Context, reference string) (*WalletCredit, error)
	CreditWallet(ctx context.Context, credit WalletCredit, fee *FeeDeduction) error
}
