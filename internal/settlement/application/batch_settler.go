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
	"tradedesk/internal/settlement/application/events"
	settlement "tradedesk/internal/settlement/domain"
)

// EventPublisher emits change notifications.
type EventPublisher interface {
	Publish(ctx context.Context, event any) error
}

// SettleRequest asks for a set of pending receivables to be settled into a
// bank account.
type SettleRequest struct {
	ReceivableIDs []string
	BankAccountID string
	FeeDeduction  decimal.Decimal
	Actor         string
}

// BatchSettler groups pending gateway receivables and settles them in
// atomic batches.
type BatchSettler struct {
	store     settlement.ReceivableStore
	publisher EventPublisher
	audit     audit.Logger
	logger    *log.Logger
	clock     Clock
}

// BatchOption configures the settler.
type BatchOption func(*BatchSettler)

// WithBatchPublisher emits SettlementBatchApplied after each commit.
func WithBatchPublisher(publisher EventPublisher) BatchOption {
	return func(s *BatchSettler) {
		s.publisher = publisher
	}
}

// WithBatchAudit records batch settlements in the audit log.
func WithBatchAudit(logger audit.Logger) BatchOption {
	return func(s *BatchSettler) {
		s.audit = logger
	}
}

// WithBatchClock overrides the clock.
func WithBatchClock(clock Clock) BatchOption {
	return func(s *BatchSettler) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewBatchSettler constructs the settler.
func NewBatchSettler(store settlement.ReceivableStore, logger *log.Logger, opts ...BatchOption) (*BatchSettler, error) {
	if store == nil {
		return nil, errors.New("batch settler: nil receivable store")
	}
	if logger == nil {
		logger = log.Default()
	}
	s := &BatchSettler{store: store, logger: logger, clock: SystemClock{}}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ReceivableInput describes money reported by a gateway.
type ReceivableInput struct {
	Gateway   string
	Reference string
	Amount    decimal.Decimal
	Currency  string
}

// RecordReceivable stores a new pending receivable.
func (s *BatchSettler) RecordReceivable(ctx context.Context, in ReceivableInput) (settlement.Receivable, error) {
	gateway := strings.TrimSpace(in.Gateway)
	if gateway == "" {
		return settlement.Receivable{}, settlement.ErrEmptyGateway
	}
	if !in.Amount.IsPositive() {
		return settlement.Receivable{}, settlement.ErrNegativeAmount
	}
	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	if currency == "" {
		currency = "INR"
	}
	item := settlement.Receivable{
		ID:        uuid.NewString(),
		Gateway:   gateway,
		Reference: strings.TrimSpace(in.Reference),
		Amount:    in.Amount,
		Currency:  currency,
		CreatedAt: s.clock.Now().UTC(),
	}
	if err := s.store.RecordReceivable(ctx, item); err != nil {
		metrics.IncExternalError("record_receivable")
		return settlement.Receivable{}, err
	}
	s.logger.Printf("receivable recorded: id=%s gateway=%s amount=%s", item.ID, item.Gateway, item.Amount.StringFixed(2))
	return item, nil
}

// Pending lists unsettled receivables grouped by gateway.
func (s *BatchSettler) Pending(ctx context.Context) ([]settlement.GatewayGroup, error) {
	items, err := s.store.ListPending(ctx)
	if err != nil {
		return nil, err
	}
	return settlement.GroupByGateway(items), nil
}

// Settle applies one batch. Either every receivable in req is settled under
// the returned batch and the net credit is posted, or nothing is applied.
func (s *BatchSettler) Settle(ctx context.Context, req SettleRequest) (settlement.Batch, error) {
	start := time.Now()
	batchReq := settlement.BatchRequest{
		BatchID:       uuid.NewString(),
		ReceivableIDs: req.ReceivableIDs,
		BankAccountID: req.BankAccountID,
		FeeDeduction:  req.FeeDeduction,
		CreatedBy:     req.Actor,
		At:            s.clock.Now(),
	}
	if err := batchReq.Validate(); err != nil {
		metrics.ObserveBatchSettle(metrics.ResultError, time.Since(start))
		return settlement.Batch{}, err
	}

	batch, err := s.store.ApplySettlementBatch(ctx, batchReq)
	if err != nil {
		metrics.ObserveBatchSettle(metrics.ResultError, time.Since(start))
		if !settlement.IsInvalidBatch(err) {
			metrics.IncExternalError("apply_settlement_batch")
		}
		s.logger.Printf("settlement batch failed: account=%s receivables=%d err=%v", req.BankAccountID, len(req.ReceivableIDs), err)
		return settlement.Batch{}, err
	}
	metrics.ObserveBatchSettle(metrics.ResultSuccess, time.Since(start))
	s.logger.Printf("settlement batch applied: batch=%s gateway=%s account=%s net=%s receivables=%d",
		batch.ID, batch.Gateway, batch.BankAccountID, batch.NetAmount.StringFixed(2), len(batch.ReceivableIDs))

	s.record(ctx, req.Actor, batch)
	if s.publisher != nil {
		event := events.SettlementBatchApplied{
			BatchID:       batch.ID,
			Gateway:       batch.Gateway,
			BankAccountID: batch.BankAccountID,
			ReceivableIDs: batch.ReceivableIDs,
			NetAmount:     batch.NetAmount,
			OccurredAt:    batch.CreatedAt,
		}
		if err := s.publisher.Publish(ctx, event); err != nil {
			s.logger.Printf("settlement batch publish failed: batch=%s err=%v", batch.ID, err)
		}
	}
	return batch, nil
}

// Get returns a batch with its member receivables.
func (s *BatchSettler) Get(ctx context.Context, id string) (*settlement.Batch, []settlement.Receivable, error) {
	batch, err := s.store.GetBatch(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if batch == nil {
		return nil, nil, settlement.ErrBatchNotFound
	}
	members, err := s.store.ListBatchReceivables(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("batch settler: list members: %w", err)
	}
	return batch, members, nil
}

// List returns the most recent batches.
func (s *BatchSettler) List(ctx context.Context, limit int) ([]settlement.Batch, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.store.ListBatches(ctx, limit)
}

func (s *BatchSettler) record(ctx context.Context, actor string, batch settlement.Batch) {
	if s.audit == nil {
		return
	}
	payload, _ := json.Marshal(map[string]any{
		"gateway":        batch.Gateway,
		"bank_account":   batch.BankAccountID,
		"receivable_ids": batch.ReceivableIDs,
		"gross":          batch.GrossAmount.String(),
		"fee":            batch.FeeDeduction.String(),
		"net":            batch.NetAmount.String(),
	})
	if err := s.audit.Log(ctx, audit.Entry{
		Actor:        actor,
		Action:       "settlement.batch_applied",
		ResourceType: "settlement_batch",
		ResourceID:   batch.ID,
		Metadata:     payload,
	}); err != nil {
		s.logger.Printf("settlement audit failed: batch=%s err=%v", batch.ID, err)
	}
}
