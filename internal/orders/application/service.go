package application

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradedesk/internal/audit"
	"tradedesk/internal/observability/metrics"
	"tradedesk/internal/orders/application/events"
	orders "tradedesk/internal/orders/domain"
	settlementapp "tradedesk/internal/settlement/application"
)

const maxTimerMinutes = 24 * 60

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// EventPublisher emits change notifications.
type EventPublisher interface {
	Publish(ctx context.Context, event any) error
}

// CompletionApplier runs terminal ledger effects.
type CompletionApplier interface {
	Apply(ctx context.Context, order settlementapp.TerminalOrder) (settlementapp.CompletionResult, error)
}

// TimerSync arms or clears an order's countdowns from its current state.
type TimerSync interface {
	SyncOrder(order orders.Order)
}

// Service runs the buy-order lifecycle. It is the only writer of order
// status and only writes statuses approved by the transition guard.
type Service struct {
	repo       orders.Repository
	projection *Projection
	completion CompletionApplier
	timers     TimerSync
	publisher  EventPublisher
	audit      audit.Logger
	logger     *log.Logger
	clock      Clock
	locks      *keyedMutex

	defaultTimerMinutes int
}

// Option configures the service.
type Option func(*Service)

// WithCompletion sets the applier run when an order turns terminal.
func WithCompletion(applier CompletionApplier) Option {
	return func(s *Service) {
		s.completion = applier
	}
}

// WithTimers sets the countdown scheduler.
func WithTimers(timers TimerSync) Option {
	return func(s *Service) {
		s.timers = timers
	}
}

// WithPublisher sets the change notification publisher.
func WithPublisher(publisher EventPublisher) Option {
	return func(s *Service) {
		s.publisher = publisher
	}
}

// WithAudit sets the audit logger.
func WithAudit(logger audit.Logger) Option {
	return func(s *Service) {
		s.audit = logger
	}
}

// WithClock overrides the clock.
func WithClock(clock Clock) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithDefaultTimerMinutes sets the suggestion returned with a timer
// requirement.
func WithDefaultTimerMinutes(minutes int) Option {
	return func(s *Service) {
		if minutes > 0 {
			s.defaultTimerMinutes = minutes
		}
	}
}

// NewService constructs the order service.
func NewService(repo orders.Repository, projection *Projection, logger *log.Logger, opts ...Option) (*Service, error) {
	if repo == nil {
		return nil, errors.New("order service: nil repository")
	}
	if projection == nil {
		return nil, errors.New("order service: nil projection")
	}
	if logger == nil {
		logger = log.Default()
	}
	s := &Service{
		repo:                repo,
		projection:          projection,
		logger:              logger,
		clock:               systemClock{},
		locks:               newKeyedMutex(),
		defaultTimerMinutes: 30,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// AdvanceRequest asks to move an order forward. An empty Target means the
// nominal next status. Data fields are collected on the way; nil means
// not supplied.
type AdvanceRequest struct {
	OrderID          string
	Target           orders.Status
	Actor            orders.Actor
	Banking          *orders.Banking
	TaxCategory      *orders.TaxCategory
	TimerMinutes     int
	FundingAccountID string
	SkipForNow       bool
}

// AdvanceResult reports what happened. Applied is false when the guard
// answered waiting/none or when data still has to be collected.
type AdvanceResult struct {
	Order               *orders.Order                   `json:"order"`
	Transition          orders.EffectiveTransition      `json:"transition"`
	Requirement         *orders.Requirement             `json:"requirement,omitempty"`
	DefaultTimerMinutes int                             `json:"default_timer_minutes,omitempty"`
	Applied             bool                            `json:"applied"`
	Completion          *settlementapp.CompletionResult `json:"completion,omitempty"`
}

// Preview is the read-only view used to render the next action.
type Preview struct {
	Order        *orders.Order              `json:"order"`
	Capabilities orders.RoleCapabilities    `json:"capabilities"`
	Transition   orders.EffectiveTransition `json:"transition"`
	Requirement  *orders.Requirement        `json:"requirement,omitempty"`
}

// Create validates and stores a new order.
func (s *Service) Create(ctx context.Context, draft orders.Draft, actor orders.Actor) (*orders.Order, error) {
	if !canCreate(actor) {
		return nil, orders.ErrNotPermitted
	}
	draft.CreatedBy = actor.Subject
	order, err := orders.NewOrder(uuid.NewString(), draft, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, order); err != nil {
		if !errors.Is(err, orders.ErrOrderNumberTaken) {
			metrics.IncExternalError("create_order")
		}
		return nil, orders.WrapExternal("create_order", err)
	}
	s.projection.Confirm(order)
	s.logger.Printf("order created: id=%s number=%s gross=%s actor=%s", order.ID, order.OrderNumber, order.GrossAmount.StringFixed(2), actor.Subject)
	s.record(ctx, actor, order, "order.created", map[string]any{"gross_amount": order.GrossAmount.String()})
	s.publish(ctx, events.OrderUpdated{OrderID: order.ID, OrderNumber: order.OrderNumber, Reason: "created", Actor: actor.Subject, OccurredAt: order.CreatedAt})
	s.syncTimers(*order)
	return order, nil
}

// Get returns the projected order, loading it from the store on a miss.
func (s *Service) Get(ctx context.Context, id string) (*orders.Order, error) {
	if order, ok := s.projection.Get(id); ok {
		return order, nil
	}
	order, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, orders.WrapExternal("get_order", err)
	}
	s.projection.Confirm(order)
	return order, nil
}

// List reads orders from the store.
func (s *Service) List(ctx context.Context, filter orders.ListFilter) ([]orders.Order, error) {
	list, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, orders.WrapExternal("list_orders", err)
	}
	return list, nil
}

// Preview returns the guard decision for target (or the nominal next status)
// without writing anything.
func (s *Service) Preview(ctx context.Context, id string, target orders.Status, actor orders.Actor) (Preview, error) {
	order, err := s.Get(ctx, id)
	if err != nil {
		return Preview{}, err
	}
	caps := orders.CapabilitiesFor(actor, *order)
	transition := propose(*order, target, caps)
	preview := Preview{Order: order, Capabilities: caps, Transition: transition}
	if transition.Available() {
		requirement := orders.ResolveMissingFields(*order, transition.Target)
		if !requirement.Satisfied() {
			preview.Requirement = &requirement
		}
	}
	return preview, nil
}

// Advance moves an order forward through the guard. Calls for the same order
// are serialized.
//
// When the order reaches completed the status is written before the ledger
// effects run. If those effects fail the order stays completed and an
// ExternalError is returned; RetryCompletion re-runs them and is a no-op once
// they are on the ledger.
func (s *Service) Advance(ctx context.Context, req AdvanceRequest) (AdvanceResult, error) {
	unlock := s.locks.Lock(req.OrderID)
	defer unlock()

	start := time.Now()
	order, err := s.repo.Get(ctx, req.OrderID)
	if err != nil {
		return AdvanceResult{}, orders.WrapExternal("get_order", err)
	}
	if req.Target == orders.StatusCancelled {
		return s.cancel(ctx, order, req.Actor, start)
	}
	caps := orders.CapabilitiesFor(req.Actor, *order)

	working := order.Clone()
	changes, err := collect(working, req, caps)
	if err != nil {
		metrics.ObserveTransition(string(req.Target), metrics.ResultError, time.Since(start))
		return AdvanceResult{Order: order}, err
	}

	transition := propose(*working, req.Target, caps)
	result := AdvanceResult{Order: order, Transition: transition}
	if !transition.Available() {
		outcome := metrics.ResultSkipped
		if transition.Outcome == orders.OutcomeWaiting {
			outcome = metrics.ResultWaiting
		}
		metrics.ObserveTransition(string(req.Target), outcome, time.Since(start))
		s.logger.Printf("order advance not applied: id=%s from=%s outcome=%s reason=%s", order.ID, order.Status, transition.Outcome, transition.Reason)
		return result, nil
	}

	now := s.clock.Now()
	requirement := orders.ResolveMissingFields(*working, transition.Target)
	if requirement.Collect == orders.CollectTimer && req.TimerMinutes > 0 {
		endsAt := now.Add(time.Duration(req.TimerMinutes) * time.Minute).UTC()
		changes.TimerEndsAt = &endsAt
		requirement = orders.Requirement{Collect: orders.CollectNone}
	}
	if !requirement.Satisfied() {
		result.Requirement = &requirement
		if requirement.Collect == orders.CollectTimer {
			result.DefaultTimerMinutes = s.defaultTimerMinutes
		}
		outcome := metrics.ResultWaiting
		if req.SkipForNow {
			outcome = metrics.ResultSkipped
			s.logger.Printf("order collection skipped: id=%s target=%s collect=%s", order.ID, transition.Target, requirement.Collect)
		}
		metrics.ObserveTransition(string(transition.Target), outcome, time.Since(start))
		return result, nil
	}
	if order.Status == orders.StatusAddedToBank && changes.TimerEndsAt == nil {
		changes.ClearTimer = true
	}
	if transition.Target == orders.StatusPaid && working.OutstandingAmount().IsPositive() {
		paid := working.NetPayableAmount
		changes.PaidAmount = &paid
	}

	staged := working.Clone()
	staged.Status = transition.Target
	changes.Apply(staged)
	s.projection.Stage(staged)

	updated, err := s.repo.UpdateStatus(ctx, order.ID, order.Status, transition.Target, changes, now)
	if err != nil {
		s.projection.Discard(order.ID)
		metrics.IncExternalError("update_order_status")
		metrics.ObserveTransition(string(transition.Target), metrics.ResultError, time.Since(start))
		s.logger.Printf("order status write failed: id=%s target=%s err=%v", order.ID, transition.Target, err)
		return result, orders.WrapExternal("update_order_status", err)
	}
	s.projection.Confirm(updated)
	result.Order = updated
	result.Applied = true
	metrics.ObserveTransition(string(transition.Target), metrics.ResultSuccess, time.Since(start))
	s.logger.Printf("order advanced: id=%s number=%s from=%s to=%s skipped=%v actor=%s",
		updated.ID, updated.OrderNumber, order.Status, updated.Status, transition.Skipped, req.Actor.Subject)
	s.record(ctx, req.Actor, updated, "order.status_changed", map[string]any{
		"from":    order.Status,
		"to":      updated.Status,
		"skipped": transition.Skipped,
	})

	var completionErr error
	if updated.Status == orders.StatusCompleted {
		completion, err := s.applyCompletion(ctx, updated, req.Actor)
		result.Completion = &completion
		completionErr = err
	}
	s.afterStatusWrite(ctx, order.Status, updated, transition.Skipped, req.Actor, now)
	if completionErr != nil {
		return result, orders.WrapExternal("apply_completion", completionErr)
	}
	return result, nil
}

// Cancel moves a non-terminal order to cancelled. No ledger effects are
// posted and the platform fee is zeroed.
func (s *Service) Cancel(ctx context.Context, id string, actor orders.Actor) (AdvanceResult, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	start := time.Now()
	order, err := s.repo.Get(ctx, id)
	if err != nil {
		return AdvanceResult{}, orders.WrapExternal("get_order", err)
	}
	return s.cancel(ctx, order, actor, start)
}

func (s *Service) cancel(ctx context.Context, order *orders.Order, actor orders.Actor, start time.Time) (AdvanceResult, error) {
	caps := orders.CapabilitiesFor(actor, *order)
	if caps == (orders.RoleCapabilities{}) {
		return AdvanceResult{Order: order}, orders.ErrNotPermitted
	}
	transition := orders.ProposeTransition(*order, orders.StatusCancelled, caps)
	result := AdvanceResult{Order: order, Transition: transition}
	if !transition.Available() {
		metrics.ObserveTransition(string(orders.StatusCancelled), metrics.ResultSkipped, time.Since(start))
		return result, nil
	}

	now := s.clock.Now()
	zero := decimal.Zero
	changes := orders.Changes{PlatformFee: &zero, ClearTimer: true}
	staged := order.Clone()
	staged.Status = orders.StatusCancelled
	changes.Apply(staged)
	s.projection.Stage(staged)

	updated, err := s.repo.UpdateStatus(ctx, order.ID, order.Status, orders.StatusCancelled, changes, now)
	if err != nil {
		s.projection.Discard(order.ID)
		metrics.IncExternalError("update_order_status")
		metrics.ObserveTransition(string(orders.StatusCancelled), metrics.ResultError, time.Since(start))
		return result, orders.WrapExternal("update_order_status", err)
	}
	s.projection.Confirm(updated)
	result.Order = updated
	result.Applied = true
	metrics.ObserveTransition(string(orders.StatusCancelled), metrics.ResultSuccess, time.Since(start))
	s.logger.Printf("order cancelled: id=%s number=%s from=%s paid=%s actor=%s",
		updated.ID, updated.OrderNumber, order.Status, updated.PaidAmount.StringFixed(2), actor.Subject)
	s.record(ctx, actor, updated, "order.cancelled", map[string]any{"from": order.Status, "paid_amount": updated.PaidAmount.String()})

	completion, err := s.applyCompletion(ctx, updated, actor)
	result.Completion = &completion
	s.afterStatusWrite(ctx, order.Status, updated, nil, actor, now)
	if err != nil {
		return result, orders.WrapExternal("apply_completion", err)
	}
	return result, nil
}

// RecordPayment adds amount to the cumulative paid amount of an order that
// is waiting for funds. Status is unchanged.
func (s *Service) RecordPayment(ctx context.Context, id string, amount decimal.Decimal, actor orders.Actor) (*orders.Order, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	order, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, orders.WrapExternal("get_order", err)
	}
	if !orders.CapabilitiesFor(actor, *order).CanRecordPayment {
		return nil, orders.ErrNotPermitted
	}
	if order.Status != orders.StatusAddedToBank {
		return nil, orders.ErrNotPayable
	}
	if !amount.IsPositive() {
		return nil, orders.NewValidationError(orders.FieldAmount, "must be positive")
	}
	if amount.GreaterThan(order.OutstandingAmount()) {
		return nil, orders.NewValidationError(orders.FieldAmount, "exceeds outstanding amount")
	}
	paid := order.PaidAmount.Add(amount)
	now := s.clock.Now()
	updated, err := s.repo.UpdateFields(ctx, id, orders.Changes{PaidAmount: &paid}, now)
	if err != nil {
		metrics.IncExternalError("update_order_fields")
		return nil, orders.WrapExternal("update_order_fields", err)
	}
	s.projection.Confirm(updated)
	s.logger.Printf("order payment recorded: id=%s amount=%s paid=%s actor=%s", id, amount.StringFixed(2), paid.StringFixed(2), actor.Subject)
	s.record(ctx, actor, updated, "order.payment_recorded", map[string]any{"amount": amount.String(), "paid_amount": paid.String()})
	s.publish(ctx, events.OrderUpdated{OrderID: id, OrderNumber: updated.OrderNumber, Reason: "payment_recorded", Actor: actor.Subject, OccurredAt: now.UTC()})
	return updated, nil
}

// RetryCompletion re-runs the ledger effects of a completed order after an
// earlier attempt failed. Effects already on the ledger are skipped.
func (s *Service) RetryCompletion(ctx context.Context, id string, actor orders.Actor) (settlementapp.CompletionResult, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	order, err := s.repo.Get(ctx, id)
	if err != nil {
		return settlementapp.CompletionResult{}, orders.WrapExternal("get_order", err)
	}
	if !orders.CapabilitiesFor(actor, *order).CanCompleteOrder {
		return settlementapp.CompletionResult{}, orders.ErrNotPermitted
	}
	if order.Status != orders.StatusCompleted {
		return settlementapp.CompletionResult{}, orders.NewValidationError("status", "order is not completed")
	}
	result, err := s.applyCompletion(ctx, order, actor)
	if err != nil {
		return result, orders.WrapExternal("apply_completion", err)
	}
	return result, nil
}

// SyncAllTimers arms countdowns for every open order, used at startup.
func (s *Service) SyncAllTimers(ctx context.Context) error {
	if s.timers == nil {
		return nil
	}
	list, err := s.repo.List(ctx, orders.ListFilter{Limit: 10000})
	if err != nil {
		return err
	}
	for _, order := range list {
		if !order.Status.Terminal() {
			s.timers.SyncOrder(order)
		}
	}
	return nil
}

func (s *Service) applyCompletion(ctx context.Context, order *orders.Order, actor orders.Actor) (settlementapp.CompletionResult, error) {
	if s.completion == nil {
		return settlementapp.CompletionResult{}, nil
	}
	result, err := s.completion.Apply(ctx, settlementapp.TerminalOrder{
		OrderID:          order.ID,
		OrderNumber:      order.OrderNumber,
		Cancelled:        order.Status == orders.StatusCancelled,
		Asset:            order.Asset,
		Quantity:         order.Quantity,
		PlatformFee:      order.PlatformFee,
		WalletID:         order.WalletID,
		NetPayable:       order.NetPayableAmount,
		FundingAccountID: order.FundingAccountID,
		Actor:            actor.Subject,
	})
	if err != nil {
		s.logger.Printf("order completion effects failed: id=%s number=%s err=%v", order.ID, order.OrderNumber, err)
	}
	return result, err
}

func (s *Service) afterStatusWrite(ctx context.Context, from orders.Status, updated *orders.Order, skipped []orders.Status, actor orders.Actor, at time.Time) {
	s.syncTimers(*updated)
	names := make([]string, 0, len(skipped))
	for _, status := range skipped {
		names = append(names, string(status))
	}
	s.publish(ctx, events.OrderStatusChanged{
		OrderID:     updated.ID,
		OrderNumber: updated.OrderNumber,
		From:        string(from),
		To:          string(updated.Status),
		Skipped:     names,
		Actor:       actor.Subject,
		OccurredAt:  at.UTC(),
	})
}

func (s *Service) syncTimers(order orders.Order) {
	if s.timers != nil {
		s.timers.SyncOrder(order)
	}
}

func (s *Service) publish(ctx context.Context, event any) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Printf("order event publish failed: type=%T err=%v", event, err)
	}
}

func (s *Service) record(ctx context.Context, actor orders.Actor, order *orders.Order, action string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	payload, _ := json.Marshal(meta)
	if err := s.audit.Log(ctx, audit.Entry{
		Actor:        actor.Subject,
		Role:         string(actor.Role),
		Action:       action,
		ResourceType: "buy_order",
		ResourceID:   order.ID,
		OrderNumber:  order.OrderNumber,
		Metadata:     payload,
	}); err != nil {
		s.logger.Printf("order audit failed: id=%s action=%s err=%v", order.ID, action, err)
	}
}

func propose(order orders.Order, target orders.Status, caps orders.RoleCapabilities) orders.EffectiveTransition {
	if target == "" {
		return orders.NextTransition(order, caps)
	}
	return orders.ProposeTransition(order, target, caps)
}

// collect validates supplied data, applies it to working and returns the
// matching changes. Nothing is persisted here.
func collect(working *orders.Order, req AdvanceRequest, caps orders.RoleCapabilities) (orders.Changes, error) {
	var changes orders.Changes
	if req.SkipForNow {
		return changes, nil
	}
	if req.Banking != nil {
		if !caps.CanCollectBanking {
			return changes, orders.ErrNotPermitted
		}
		banking, err := orders.NormalizeBanking(working.Channel, *req.Banking)
		if err != nil {
			return changes, err
		}
		changes.Banking = &banking
		working.Banking = banking
	}
	if req.TaxCategory != nil {
		if !caps.CanCollectPan {
			return changes, orders.ErrNotPermitted
		}
		if !req.TaxCategory.Valid() {
			return changes, orders.NewValidationError(orders.FieldTaxCategory, "must be none, provided or not_provided")
		}
		payout := orders.PayoutChanges(*working, *req.TaxCategory)
		changes.TaxCategory = payout.TaxCategory
		changes.TaxAmount = payout.TaxAmount
		changes.NetPayableAmount = payout.NetPayableAmount
		payout.Apply(working)
	}
	if req.TimerMinutes < 0 || req.TimerMinutes > maxTimerMinutes {
		return changes, orders.NewValidationError(orders.FieldTimer, "must be between 1 and 1440")
	}
	if req.FundingAccountID != "" {
		account := req.FundingAccountID
		changes.FundingAccountID = &account
		working.FundingAccountID = account
	}
	return changes, nil
}

func canCreate(actor orders.Actor) bool {
	switch actor.Role {
	case orders.RoleCreator, orders.RoleCombined, orders.RoleAdmin:
		return actor.Subject != ""
	default:
		return false
	}
}
