package application

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradedesk/internal/orders/application/events"
	orders "tradedesk/internal/orders/domain"
	"tradedesk/internal/orders/infrastructure/memory"
	settlementapp "tradedesk/internal/settlement/application"
	settlement "tradedesk/internal/settlement/domain"
	settlementmemory "tradedesk/internal/settlement/infrastructure/memory"
)

var (
	alice = orders.Actor{Subject: "alice", Role: orders.RoleCreator}
	bob   = orders.Actor{Subject: "bob", Role: orders.RolePayer}
	admin = orders.Actor{Subject: "root", Role: orders.RoleAdmin}
)

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time { return c.now }

type recordingTimers struct {
	mu     sync.Mutex
	synced []orders.Order
}

func (r *recordingTimers) SyncOrder(order orders.Order) {
	r.mu.Lock()
	r.synced = append(r.synced, order)
	r.mu.Unlock()
}

func (r *recordingTimers) last() orders.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.synced[len(r.synced)-1]
}

type capturePublisher struct {
	mu     sync.Mutex
	events []any
}

func (p *capturePublisher) Publish(ctx context.Context, event any) error {
	p.mu.Lock()
	p.events = append(p.events, event)
	p.mu.Unlock()
	return nil
}

type fixture struct {
	service   *Service
	repo      *memory.OrderRepository
	ledger    *settlementmemory.Ledger
	timers    *recordingTimers
	publisher *capturePublisher
}

func newFixture(t *testing.T, repo orders.Repository) fixture {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	mem, _ := repo.(*memory.OrderRepository)
	if repo == nil {
		mem = memory.NewOrderRepository()
		repo = mem
	}
	ledger := settlementmemory.NewLedger()
	ledger.OpenAccount("acct-hdfc", decimal.NewFromInt(100000))
	applier, err := settlementapp.NewCompletionApplier(ledger, "USDT", logger)
	if err != nil {
		t.Fatalf("new applier: %v", err)
	}
	projection, err := NewProjection(repo, logger)
	if err != nil {
		t.Fatalf("new projection: %v", err)
	}
	timers := &recordingTimers{}
	publisher := &capturePublisher{}
	service, err := NewService(repo, projection, logger,
		WithCompletion(applier),
		WithTimers(timers),
		WithPublisher(publisher),
		WithClock(fixedClock{now: time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC)}))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return fixture{service: service, repo: mem, ledger: ledger, timers: timers, publisher: publisher}
}

func (f fixture) createOrder(t *testing.T) *orders.Order {
	t.Helper()
	order, err := f.service.Create(context.Background(), orders.Draft{
		OrderNumber:      "BUY-1001",
		Asset:            "usdt",
		Quantity:         decimal.RequireFromString("11.3"),
		PlatformFee:      decimal.RequireFromString("0.3"),
		GrossAmount:      decimal.NewFromInt(1000),
		WalletID:         "wallet-main",
		Channel:          orders.ChannelBank,
		FundingAccountID: "acct-hdfc",
		PayerID:          "bob",
	}, alice)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return order
}

func bankDetails() *orders.Banking {
	return &orders.Banking{BankName: "HDFC", AccountNumber: "50100012345", IFSCCode: "hdfc0001234"}
}

func category(c orders.TaxCategory) *orders.TaxCategory {
	return &c
}

// walkToAddedToBank moves a fresh order to added_to_bank with a 15 minute timer.
func (f fixture) walkToAddedToBank(t *testing.T, id string) {
	t.Helper()
	ctx := context.Background()
	res, err := f.service.Advance(ctx, AdvanceRequest{OrderID: id, Actor: alice, Banking: bankDetails(), TaxCategory: category(orders.TaxCategoryProvided)})
	if err != nil || !res.Applied {
		t.Fatalf("creator advance: applied=%v err=%v", res.Applied, err)
	}
	res, err = f.service.Advance(ctx, AdvanceRequest{OrderID: id, Actor: bob, TimerMinutes: 15})
	if err != nil || !res.Applied || res.Order.Status != orders.StatusAddedToBank {
		t.Fatalf("payer advance: %+v err=%v", res, err)
	}
}

func TestService_FullLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	order := f.createOrder(t)

	res, err := f.service.Advance(ctx, AdvanceRequest{OrderID: order.ID, Actor: alice, Banking: bankDetails(), TaxCategory: category(orders.TaxCategoryProvided)})
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if !res.Applied || res.Order.Status != orders.StatusPanCollected {
		t.Fatalf("creator should land on pan_collected, got %+v", res)
	}
	if len(res.Transition.Skipped) != 1 || res.Transition.Skipped[0] != orders.StatusBankingCollected {
		t.Fatalf("expected banking_collected skipped, got %v", res.Transition.Skipped)
	}
	if !res.Order.NetPayableAmount.Equal(decimal.NewFromInt(990)) || res.Order.Banking.IFSCCode != "HDFC0001234" {
		t.Fatalf("unexpected collected data: %+v", res.Order)
	}

	res, err = f.service.Advance(ctx, AdvanceRequest{OrderID: order.ID, Actor: bob})
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if res.Applied || res.Requirement == nil || res.Requirement.Collect != orders.CollectTimer || res.DefaultTimerMinutes != 30 {
		t.Fatalf("expected timer requirement, got %+v", res)
	}

	res, err = f.service.Advance(ctx, AdvanceRequest{OrderID: order.ID, Actor: bob, TimerMinutes: 15})
	if err != nil || !res.Applied {
		t.Fatalf("add to bank: %+v err=%v", res, err)
	}
	wantEnd := time.Date(2026, time.March, 2, 10, 15, 0, 0, time.UTC)
	if res.Order.TimerEndsAt == nil || !res.Order.TimerEndsAt.Equal(wantEnd) {
		t.Fatalf("expected timer end %s, got %v", wantEnd, res.Order.TimerEndsAt)
	}
	if got := f.timers.last(); got.Status != orders.StatusAddedToBank {
		t.Fatalf("timers not synced with added_to_bank: %s", got.Status)
	}

	if _, err := f.service.RecordPayment(ctx, order.ID, decimal.NewFromInt(500), bob); err != nil {
		t.Fatalf("record payment: %v", err)
	}

	res, err = f.service.Advance(ctx, AdvanceRequest{OrderID: order.ID, Actor: bob})
	if err != nil || res.Order.Status != orders.StatusPaid {
		t.Fatalf("paid: %+v err=%v", res, err)
	}
	if res.Order.TimerEndsAt != nil || !res.Order.PaidAmount.Equal(decimal.NewFromInt(990)) {
		t.Fatalf("paid should clear timer and settle paid amount: %+v", res.Order)
	}

	res, err = f.service.Advance(ctx, AdvanceRequest{OrderID: order.ID, Actor: bob})
	if err != nil {
		t.Fatalf("payer complete: %v", err)
	}
	if res.Applied || res.Transition.Outcome != orders.OutcomeWaiting || res.Transition.Missing != orders.CapCompleteOrder {
		t.Fatalf("payer must wait for the creator, got %+v", res.Transition)
	}

	res, err = f.service.Advance(ctx, AdvanceRequest{OrderID: order.ID, Actor: alice})
	if err != nil || res.Order.Status != orders.StatusCompleted {
		t.Fatalf("complete: %+v err=%v", res, err)
	}
	if res.Completion == nil || res.Completion.Expense == nil || !res.Completion.Expense.Amount.Equal(decimal.NewFromInt(990)) {
		t.Fatalf("expected expense of 990, got %+v", res.Completion)
	}
	if res.Completion.WalletCredit == nil || !res.Completion.WalletCredit.Net.Equal(decimal.NewFromInt(11)) {
		t.Fatalf("expected wallet credit of 11, got %+v", res.Completion.WalletCredit)
	}
	balance, _ := f.ledger.Balance("acct-hdfc")
	if !balance.Equal(decimal.NewFromInt(99010)) {
		t.Fatalf("expected balance 99010, got %s", balance)
	}

	var changes int
	for _, event := range f.publisher.events {
		if _, ok := event.(events.OrderStatusChanged); ok {
			changes++
		}
	}
	if changes != 4 {
		t.Fatalf("expected 4 status change events, got %d", changes)
	}
}

func TestService_CancelAfterPartialPaymentPostsNothing(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	order := f.createOrder(t)
	f.walkToAddedToBank(t, order.ID)
	if _, err := f.service.RecordPayment(ctx, order.ID, decimal.NewFromInt(200), bob); err != nil {
		t.Fatalf("record payment: %v", err)
	}

	res, err := f.service.Cancel(ctx, order.ID, bob)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if res.Order.Status != orders.StatusCancelled || !res.Order.PlatformFee.IsZero() {
		t.Fatalf("unexpected cancelled order: %+v", res.Order)
	}
	if !res.Order.PaidAmount.Equal(decimal.NewFromInt(200)) {
		t.Fatalf("partial payment must stay recorded, got %s", res.Order.PaidAmount)
	}
	if len(f.ledger.Transactions()) != 0 || len(f.ledger.WalletCredits()) != 0 || len(f.ledger.FeeDeductions()) != 0 {
		t.Fatalf("cancellation must not post to the ledger")
	}
	if res.Order.TimerEndsAt != nil {
		t.Fatalf("cancellation must clear the timer")
	}

	again, err := f.service.Cancel(ctx, order.ID, bob)
	if err != nil || again.Applied {
		t.Fatalf("terminal order must not transition again: %+v err=%v", again, err)
	}
}

func TestService_ConcurrentCompletionAppliesOnce(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	order := f.createOrder(t)
	f.walkToAddedToBank(t, order.ID)
	if _, err := f.service.Advance(ctx, AdvanceRequest{OrderID: order.ID, Actor: bob}); err != nil {
		t.Fatalf("paid: %v", err)
	}

	const workers = 12
	var wg sync.WaitGroup
	var mu sync.Mutex
	applied := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.service.Advance(ctx, AdvanceRequest{OrderID: order.ID, Target: orders.StatusCompleted, Actor: admin})
			if err != nil {
				t.Errorf("advance: %v", err)
				return
			}
			if res.Applied {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if applied != 1 {
		t.Fatalf("expected exactly one applied completion, got %d", applied)
	}
	expenses := 0
	for _, tx := range f.ledger.Transactions() {
		if tx.Type == settlement.TransactionExpense {
			expenses++
		}
	}
	if expenses != 1 {
		t.Fatalf("expected one expense, got %d", expenses)
	}
	if f.service.locks.size() != 0 {
		t.Fatalf("order locks leaked")
	}
}

func TestService_ExplicitTargetCannotJumpGates(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	order := f.createOrder(t)

	res, err := f.service.Advance(ctx, AdvanceRequest{
		OrderID:     order.ID,
		Target:      orders.StatusCompleted,
		Actor:       alice,
		Banking:     bankDetails(),
		TaxCategory: category(orders.TaxCategoryProvided),
	})
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if !res.Applied || res.Order.Status != orders.StatusPanCollected {
		t.Fatalf("creator must stop at pan_collected, got %+v", res.Order)
	}
	if res.Completion != nil || len(f.ledger.Transactions()) != 0 {
		t.Fatalf("no ledger effects before the order is paid")
	}

	res, err = f.service.Advance(ctx, AdvanceRequest{OrderID: order.ID, Target: orders.StatusPaid, Actor: bob})
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if res.Applied || res.Requirement == nil || res.Requirement.Collect != orders.CollectTimer {
		t.Fatalf("payer must be asked for a timer first, got %+v", res)
	}
	if res.Transition.Target != orders.StatusAddedToBank {
		t.Fatalf("expected added_to_bank as effective target, got %s", res.Transition.Target)
	}

	res, err = f.service.Advance(ctx, AdvanceRequest{OrderID: order.ID, Target: orders.StatusPaid, Actor: bob, TimerMinutes: 10})
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if !res.Applied || res.Order.Status != orders.StatusAddedToBank || res.Order.TimerEndsAt == nil {
		t.Fatalf("payer should land on added_to_bank with a timer, got %+v", res.Order)
	}
	if !res.Order.PaidAmount.IsZero() {
		t.Fatalf("nothing is paid yet, got %s", res.Order.PaidAmount)
	}
}

type flakyCompletion struct {
	inner    CompletionApplier
	failures int
}

func (c *flakyCompletion) Apply(ctx context.Context, order settlementapp.TerminalOrder) (settlementapp.CompletionResult, error) {
	if c.failures > 0 {
		c.failures--
		return settlementapp.CompletionResult{}, errors.New("ledger unavailable")
	}
	return c.inner.Apply(ctx, order)
}

func TestService_RetryCompletionAfterLedgerFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.service.completion = &flakyCompletion{inner: f.service.completion, failures: 1}
	ctx := context.Background()
	order := f.createOrder(t)
	f.walkToAddedToBank(t, order.ID)
	if _, err := f.service.Advance(ctx, AdvanceRequest{OrderID: order.ID, Actor: bob}); err != nil {
		t.Fatalf("paid: %v", err)
	}

	res, err := f.service.Advance(ctx, AdvanceRequest{OrderID: order.ID, Actor: alice})
	if !orders.IsExternal(err) {
		t.Fatalf("expected external error, got %v", err)
	}
	if !res.Applied || res.Order.Status != orders.StatusCompleted {
		t.Fatalf("status write should stand, got %+v", res.Order)
	}
	if len(f.ledger.Transactions()) != 0 {
		t.Fatalf("failed completion must not post")
	}

	if _, err := f.service.RetryCompletion(ctx, order.ID, bob); !errors.Is(err, orders.ErrNotPermitted) {
		t.Fatalf("payer cannot complete, got %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := f.service.RetryCompletion(ctx, order.ID, alice); err != nil {
			t.Fatalf("retry %d: %v", i, err)
		}
	}
	if got := len(f.ledger.Transactions()); got != 1 {
		t.Fatalf("expected one expense after retries, got %d", got)
	}
	if got := len(f.ledger.WalletCredits()); got != 1 {
		t.Fatalf("expected one wallet credit after retries, got %d", got)
	}
}

func TestService_SkipForNowWritesNothing(t *testing.T) {
	f := newFixture(t, nil)
	order := f.createOrder(t)
	before := f.repo.Writes()

	res, err := f.service.Advance(context.Background(), AdvanceRequest{OrderID: order.ID, Actor: alice, SkipForNow: true, Banking: bankDetails()})
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if res.Applied || res.Requirement == nil || res.Requirement.Collect != orders.CollectBanking {
		t.Fatalf("expected unapplied banking requirement, got %+v", res)
	}
	if f.repo.Writes() != before {
		t.Fatalf("skip for now must not write")
	}
	stored, _ := f.repo.Get(context.Background(), order.ID)
	if stored.Status != orders.StatusNew || stored.HasBanking() {
		t.Fatalf("order changed: %+v", stored)
	}
}

func TestService_InvalidIFSCIsValidationError(t *testing.T) {
	f := newFixture(t, nil)
	order := f.createOrder(t)
	before := f.repo.Writes()

	_, err := f.service.Advance(context.Background(), AdvanceRequest{
		OrderID: order.ID,
		Actor:   alice,
		Banking: &orders.Banking{BankName: "HDFC", AccountNumber: "1", IFSCCode: "HDFC-01"},
	})
	if !orders.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if f.repo.Writes() != before {
		t.Fatalf("invalid input must not write")
	}
}

func TestService_PaymentRules(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	order := f.createOrder(t)

	if _, err := f.service.RecordPayment(ctx, order.ID, decimal.NewFromInt(1), bob); !errors.Is(err, orders.ErrNotPayable) {
		t.Fatalf("expected not payable, got %v", err)
	}
	f.walkToAddedToBank(t, order.ID)
	if _, err := f.service.RecordPayment(ctx, order.ID, decimal.NewFromInt(1), orders.Actor{Subject: "carol", Role: orders.RoleCreator}); !errors.Is(err, orders.ErrNotPermitted) {
		t.Fatalf("expected not permitted, got %v", err)
	}
	if _, err := f.service.RecordPayment(ctx, order.ID, decimal.NewFromInt(991), bob); !orders.IsValidation(err) {
		t.Fatalf("expected overpayment validation error, got %v", err)
	}
}

type failingRepo struct {
	*memory.OrderRepository
}

func (r failingRepo) UpdateStatus(context.Context, string, orders.Status, orders.Status, orders.Changes, time.Time) (*orders.Order, error) {
	return nil, errors.New("connection refused")
}

// staleRepo serves a snapshot taken before another writer moved the order.
type staleRepo struct {
	*memory.OrderRepository
	snapshot *orders.Order
}

func (r staleRepo) Get(ctx context.Context, id string) (*orders.Order, error) {
	if r.snapshot != nil && r.snapshot.ID == id {
		return r.snapshot.Clone(), nil
	}
	return r.OrderRepository.Get(ctx, id)
}

func TestService_StaleStatusWriteConflicts(t *testing.T) {
	inner := memory.NewOrderRepository()
	seed := newFixture(t, inner)
	order := seed.createOrder(t)
	snapshot, _ := inner.Get(context.Background(), order.ID)
	seed.walkToAddedToBank(t, order.ID)

	f := newFixture(t, staleRepo{OrderRepository: inner, snapshot: snapshot})
	_, err := f.service.Advance(context.Background(), AdvanceRequest{OrderID: order.ID, Actor: alice, Banking: bankDetails(), TaxCategory: category(orders.TaxCategoryNone)})
	if !errors.Is(err, orders.ErrStatusConflict) {
		t.Fatalf("expected status conflict, got %v", err)
	}
	var ext *orders.ExternalError
	if !errors.As(err, &ext) || !ext.Retryable() {
		t.Fatalf("conflict should be retryable, got %v", err)
	}
	stored, _ := inner.Get(context.Background(), order.ID)
	if stored.Status != orders.StatusAddedToBank || stored.TaxCategory != orders.TaxCategoryProvided {
		t.Fatalf("newer status was overwritten: %+v", stored)
	}
}

func TestService_StoreFailureIsRetryable(t *testing.T) {
	inner := memory.NewOrderRepository()
	f := newFixture(t, failingRepo{OrderRepository: inner})
	order := f.createOrder(t)

	_, err := f.service.Advance(context.Background(), AdvanceRequest{OrderID: order.ID, Actor: alice, Banking: bankDetails(), TaxCategory: category(orders.TaxCategoryNone)})
	var ext *orders.ExternalError
	if !errors.As(err, &ext) || !ext.Retryable() {
		t.Fatalf("expected retryable external error, got %v", err)
	}
	if f.service.projection.Pending(order.ID) {
		t.Fatalf("optimistic edit must be discarded")
	}
	view, _ := f.service.projection.Get(order.ID)
	if view.Status != orders.StatusNew {
		t.Fatalf("projection should show stored status, got %s", view.Status)
	}
}

func TestService_CreateRequiresCreatorRole(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.service.Create(context.Background(), orders.Draft{OrderNumber: "BUY-9", Channel: orders.ChannelUPI, GrossAmount: decimal.NewFromInt(1)}, bob)
	if !errors.Is(err, orders.ErrNotPermitted) {
		t.Fatalf("expected not permitted, got %v", err)
	}
	f.createOrder(t)
	_, err = f.service.Create(context.Background(), orders.Draft{OrderNumber: "BUY-1001", Channel: orders.ChannelUPI, GrossAmount: decimal.NewFromInt(1)}, alice)
	if !errors.Is(err, orders.ErrOrderNumberTaken) {
		t.Fatalf("expected duplicate order number, got %v", err)
	}
}
