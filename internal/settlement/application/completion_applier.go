package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradedesk/internal/audit"
	"tradedesk/internal/observability/metrics"
	settlement "tradedesk/internal/settlement/domain"
)

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock uses time.Now.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// TerminalOrder is the slice of a buy order the ledger effects need.
type TerminalOrder struct {
	OrderID          string
	OrderNumber      string
	Cancelled        bool
	Asset            string
	Quantity         decimal.Decimal
	PlatformFee      decimal.Decimal
	WalletID         string
	NetPayable       decimal.Decimal
	FundingAccountID string
	Actor            string
}

// CompletionResult reports what the applier did.
type CompletionResult struct {
	// InFlight is set when another application for the same order was
	// running and this call did nothing.
	InFlight     bool
	PlatformFee  decimal.Decimal
	WalletCredit *settlement.WalletCredit
	Expense      *settlement.Transaction
	// AlreadyApplied lists effects found on the ledger and not repeated.
	AlreadyApplied []string
}

const (
	effectWalletCredit = "wallet_credit"
	effectExpense      = "expense"
	effectInFlight     = "in_flight"
)

// CompletionApplier applies the ledger effects of a terminal order exactly
// once per order number.
type CompletionApplier struct {
	ledger      settlement.Ledger
	fundedAsset string
	inflight    *InFlight
	audit       audit.Logger
	logger      *log.Logger
	clock       Clock
}

// CompletionOption configures the applier.
type CompletionOption func(*CompletionApplier)

// WithCompletionClock overrides the clock.
func WithCompletionClock(clock Clock) CompletionOption {
	return func(a *CompletionApplier) {
		if clock != nil {
			a.clock = clock
		}
	}
}

// WithCompletionAudit records completion effects in the audit log.
func WithCompletionAudit(logger audit.Logger) CompletionOption {
	return func(a *CompletionApplier) {
		a.audit = logger
	}
}

// NewCompletionApplier constructs the applier. fundedAsset is the asset
// symbol credited to the desk wallet on completion.
func NewCompletionApplier(ledger settlement.Ledger, fundedAsset string, logger *log.Logger, opts ...CompletionOption) (*CompletionApplier, error) {
	if ledger == nil {
		return nil, errors.New("completion applier: nil ledger")
	}
	if logger == nil {
		logger = log.Default()
	}
	a := &CompletionApplier{
		ledger:      ledger,
		fundedAsset: strings.ToUpper(strings.TrimSpace(fundedAsset)),
		inflight:    NewInFlight(),
		logger:      logger,
		clock:       SystemClock{},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Apply runs the completion or cancellation effects for order. A concurrent
// call for the same order number returns immediately with InFlight set.
func (a *CompletionApplier) Apply(ctx context.Context, order TerminalOrder) (CompletionResult, error) {
	key := strings.TrimSpace(order.OrderNumber)
	if key == "" {
		return CompletionResult{}, settlement.ErrEmptyReference
	}
	if !a.inflight.TryAcquire(key) {
		a.logger.Printf("completion skipped: order=%s reason=in_flight", key)
		metrics.IncIdempotencySkip(effectInFlight)
		return CompletionResult{InFlight: true}, nil
	}
	defer a.inflight.Release(key)

	start := time.Now()
	result, err := a.apply(ctx, order)
	outcome := metrics.ResultSuccess
	if err != nil {
		outcome = metrics.ResultError
	}
	metrics.ObserveCompletionApply(outcome, time.Since(start))
	return result, err
}

func (a *CompletionApplier) apply(ctx context.Context, order TerminalOrder) (CompletionResult, error) {
	if order.Cancelled {
		a.logger.Printf("cancellation settled: order=%s fee=0 postings=0", order.OrderNumber)
		a.record(ctx, order, "order.cancel_settled", map[string]any{"platform_fee": "0"})
		return CompletionResult{PlatformFee: decimal.Zero}, nil
	}

	result := CompletionResult{PlatformFee: order.PlatformFee}
	now := a.clock.Now()

	if a.fundedAsset != "" && strings.EqualFold(order.Asset, a.fundedAsset) {
		credit, skipped, err := a.creditWallet(ctx, order, now)
		if err != nil {
			return result, err
		}
		if skipped {
			result.AlreadyApplied = append(result.AlreadyApplied, effectWalletCredit)
		}
		result.WalletCredit = credit
		if credit != nil {
			result.PlatformFee = credit.Fee
		}
	}

	if strings.TrimSpace(order.FundingAccountID) != "" {
		expense, skipped, err := a.postExpense(ctx, order, now)
		if err != nil {
			return result, err
		}
		if skipped {
			result.AlreadyApplied = append(result.AlreadyApplied, effectExpense)
		}
		result.Expense = expense
	}

	a.record(ctx, order, "order.completion_applied", map[string]any{
		"platform_fee":    result.PlatformFee.String(),
		"already_applied": result.AlreadyApplied,
	})
	return result, nil
}

func (a *CompletionApplier) creditWallet(ctx context.Context, order TerminalOrder, now time.Time) (*settlement.WalletCredit, bool, error) {
	existing, err := a.ledger.FindWalletCredit(ctx, order.OrderNumber)
	if err != nil {
		return nil, false, fmt.Errorf("completion: find wallet credit: %w", err)
	}
	if existing != nil {
		a.logger.Printf("completion idempotent skip: order=%s effect=%s", order.OrderNumber, effectWalletCredit)
		metrics.IncIdempotencySkip(effectWalletCredit)
		return existing, true, nil
	}
	credit, err := settlement.NewWalletCredit(uuid.NewString(), order.OrderNumber, order.WalletID, order.Asset, order.Quantity, order.PlatformFee, now)
	if err != nil {
		return nil, false, err
	}
	var fee *settlement.FeeDeduction
	if entry, ok := credit.FeeEntry(uuid.NewString()); ok {
		fee = &entry
	}
	if err := a.ledger.CreditWallet(ctx, credit, fee); err != nil {
		if errors.Is(err, settlement.ErrDuplicateWalletCredit) {
			a.logger.Printf("completion idempotent conflict: order=%s effect=%s", order.OrderNumber, effectWalletCredit)
			metrics.IncIdempotencySkip(effectWalletCredit)
			return nil, true, nil
		}
		return nil, false, fmt.Errorf("completion: credit wallet: %w", err)
	}
	return &credit, false, nil
}

func (a *CompletionApplier) postExpense(ctx context.Context, order TerminalOrder, now time.Time) (*settlement.Transaction, bool, error) {
	existing, err := a.ledger.FindExistingExpense(ctx, order.OrderNumber, settlement.CategoryPurchase)
	if err != nil {
		return nil, false, fmt.Errorf("completion: find expense: %w", err)
	}
	if existing != nil {
		a.logger.Printf("completion idempotent skip: order=%s effect=%s", order.OrderNumber, effectExpense)
		metrics.IncIdempotencySkip(effectExpense)
		return existing, true, nil
	}
	expense, err := settlement.NewExpense(uuid.NewString(), order.OrderNumber, order.FundingAccountID, order.NetPayable, now)
	if err != nil {
		return nil, false, err
	}
	if err := a.ledger.PostExpense(ctx, expense); err != nil {
		if errors.Is(err, settlement.ErrDuplicateExpense) {
			a.logger.Printf("completion idempotent conflict: order=%s effect=%s", order.OrderNumber, effectExpense)
			metrics.IncIdempotencySkip(effectExpense)
			return nil, true, nil
		}
		return nil, false, fmt.Errorf("completion: post expense: %w", err)
	}
	return &expense, false, nil
}

func (a *CompletionApplier) record(ctx context.Context, order TerminalOrder, action string, meta map[string]any) {
	if a.audit == nil {
		return
	}
	payload, _ := json.Marshal(meta)
	if err := a.audit.Log(ctx, audit.Entry{
		Actor:        order.Actor,
		Action:       action,
		ResourceType: "buy_order",
		ResourceID:   order.OrderID,
		OrderNumber:  order.OrderNumber,
		Metadata:     payload,
	}); err != nil {
		a.logger.Printf("completion audit failed: order=%s err=%v", order.OrderNumber, err)
	}
}
