package application

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	alarms "tradedesk/internal/alarms/domain"
	"tradedesk/internal/observability/metrics"
	orders "tradedesk/internal/orders/domain"
)

// AlertNotifier receives timer alerts.
type AlertNotifier interface {
	Notify(ctx context.Context, alert alarms.Alert)
}

// AlertFunc adapts a plain (orderID, level, urgent) callback to AlertNotifier.
type AlertFunc func(orderID string, level alarms.Level, urgent bool)

// Notify implements AlertNotifier.
func (f AlertFunc) Notify(_ context.Context, alert alarms.Alert) {
	if f != nil {
		f(alert.OrderID, alert.Level, alert.Urgent)
	}
}

// Clock provides time.
type Clock interface {
	Now() time.Time
}

type timerKey struct {
	orderID string
	kind    alarms.Kind
}

type firedKey struct {
	orderID string
	kind    alarms.Kind
	level   alarms.Level
}

type countdown struct {
	endsAt  time.Time
	level   alarms.Level
	stopped bool
}

// Scheduler tracks per-order countdowns and raises each threshold alert at
// most once per order, kind and level for the lifetime of the scheduler.
type Scheduler struct {
	mu         sync.Mutex
	timers     map[timerKey]*countdown
	fired      map[firedKey]struct{}
	thresholds alarms.Thresholds
	interval   time.Duration
	notifier   AlertNotifier
	clock      Clock
	logger     *log.Logger
}

// SchedulerOption customizes the scheduler.
type SchedulerOption func(*Scheduler)

// WithNotifier assigns the alert sink.
func WithNotifier(notifier AlertNotifier) SchedulerOption {
	return func(s *Scheduler) {
		s.notifier = notifier
	}
}

// WithClock assigns a clock.
func WithClock(clock Clock) SchedulerOption {
	return func(s *Scheduler) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithThresholds overrides the warning and critical boundaries.
func WithThresholds(thresholds alarms.Thresholds) SchedulerOption {
	return func(s *Scheduler) {
		if thresholds.Warning > 0 && thresholds.Critical > 0 && thresholds.Critical <= thresholds.Warning {
			s.thresholds = thresholds
		}
	}
}

// WithInterval sets the tick interval used by Run.
func WithInterval(interval time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

// NewScheduler constructs a scheduler with a 1s tick.
func NewScheduler(logger *log.Logger, opts ...SchedulerOption) (*Scheduler, error) {
	if logger == nil {
		return nil, errors.New("alarms: nil logger")
	}
	s := &Scheduler{
		timers:     make(map[timerKey]*countdown),
		fired:      make(map[firedKey]struct{}),
		thresholds: alarms.DefaultThresholds(),
		interval:   time.Second,
		clock:      systemClock{},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Arm starts or moves the countdown for (orderID, kind). Levels that already
// fired stay fired.
func (s *Scheduler) Arm(ctx context.Context, orderID string, kind alarms.Kind, endsAt time.Time) error {
	if orderID == "" {
		return alarms.ErrEmptyOrderID
	}
	if !kind.Valid() {
		return alarms.ErrInvalidKind
	}
	key := timerKey{orderID: orderID, kind: kind}
	now := s.clock.Now().UTC()

	s.mu.Lock()
	existing, ok := s.timers[key]
	if ok && existing.endsAt.Equal(endsAt.UTC()) {
		s.mu.Unlock()
		return nil
	}
	timer := &countdown{endsAt: endsAt.UTC(), level: alarms.LevelNormal}
	s.timers[key] = timer
	due := s.evaluateLocked(key, timer, now)
	s.mu.Unlock()

	s.logger.Printf("timer armed: order=%s kind=%s ends_at=%s", orderID, kind, endsAt.UTC().Format(time.RFC3339))
	s.deliver(ctx, due)
	return nil
}

// Clear stops the countdown for (orderID, kind).
func (s *Scheduler) Clear(orderID string, kind alarms.Kind) {
	s.mu.Lock()
	_, ok := s.timers[timerKey{orderID: orderID, kind: kind}]
	delete(s.timers, timerKey{orderID: orderID, kind: kind})
	s.mu.Unlock()
	if ok {
		s.logger.Printf("timer cleared: order=%s kind=%s", orderID, kind)
	}
}

// ClearOrder stops every countdown of the order.
func (s *Scheduler) ClearOrder(orderID string) {
	s.Clear(orderID, alarms.KindPayment)
	s.Clear(orderID, alarms.KindExpiry)
}

// Reset forgets which levels already fired for the order, so an armed
// countdown can alert again.
func (s *Scheduler) Reset(ctx context.Context, orderID string) {
	now := s.clock.Now().UTC()
	var due []alarms.Alert
	s.mu.Lock()
	for key := range s.fired {
		if key.orderID == orderID {
			delete(s.fired, key)
		}
	}
	for key, timer := range s.timers {
		if key.orderID != orderID {
			continue
		}
		timer.stopped = false
		due = append(due, s.evaluateLocked(key, timer, now)...)
	}
	s.mu.Unlock()
	s.deliver(ctx, due)
}

// SyncOrder arms or clears the order's countdowns to match its status:
// the payment timer belongs to added_to_bank, the expiry timer to every
// non-terminal status.
func (s *Scheduler) SyncOrder(order orders.Order) {
	ctx := context.Background()
	if order.Status.Terminal() {
		s.ClearOrder(order.ID)
		return
	}
	if order.Status == orders.StatusAddedToBank && order.TimerEndsAt != nil {
		if err := s.Arm(ctx, order.ID, alarms.KindPayment, *order.TimerEndsAt); err != nil {
			s.logger.Printf("timer sync failed: order=%s kind=%s err=%v", order.ID, alarms.KindPayment, err)
		}
	} else {
		s.Clear(order.ID, alarms.KindPayment)
	}
	if order.ExpiresAt != nil {
		if err := s.Arm(ctx, order.ID, alarms.KindExpiry, *order.ExpiresAt); err != nil {
			s.logger.Printf("timer sync failed: order=%s kind=%s err=%v", order.ID, alarms.KindExpiry, err)
		}
	} else {
		s.Clear(order.ID, alarms.KindExpiry)
	}
}

// Evaluate recomputes every countdown from its end timestamp and delivers
// the alerts that became due. It returns the delivered alerts.
func (s *Scheduler) Evaluate(ctx context.Context, now time.Time) []alarms.Alert {
	now = now.UTC()
	var due []alarms.Alert
	s.mu.Lock()
	for key, timer := range s.timers {
		due = append(due, s.evaluateLocked(key, timer, now)...)
	}
	s.mu.Unlock()
	sort.Slice(due, func(i, j int) bool {
		if due[i].OrderID != due[j].OrderID {
			return due[i].OrderID < due[j].OrderID
		}
		return due[i].Kind < due[j].Kind
	})
	s.deliver(ctx, due)
	return due
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Evaluate(ctx, s.clock.Now())
		}
	}
}

// Status returns the order's armed countdowns.
func (s *Scheduler) Status(orderID string) ([]alarms.TimerStatus, error) {
	now := s.clock.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []alarms.TimerStatus
	for key, timer := range s.timers {
		if key.orderID != orderID {
			continue
		}
		remaining := timer.endsAt.Sub(now)
		if remaining < 0 {
			remaining = 0
		}
		status := alarms.TimerStatus{
			OrderID:          orderID,
			Kind:             key.kind,
			EndsAt:           timer.endsAt,
			RemainingSeconds: int64(remaining / time.Second),
			Level:            timer.level,
			Urgent:           timer.level.Urgent(),
			Stopped:          timer.stopped,
		}
		for _, level := range []alarms.Level{alarms.LevelWarning, alarms.LevelCritical, alarms.LevelExpired} {
			if _, ok := s.fired[firedKey{orderID: orderID, kind: key.kind, level: level}]; ok {
				status.Fired = append(status.Fired, level)
			}
		}
		out = append(out, status)
	}
	if len(out) == 0 {
		return nil, alarms.ErrNotFound
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out, nil
}

// Armed returns the number of running countdowns.
func (s *Scheduler) Armed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, timer := range s.timers {
		if !timer.stopped {
			count++
		}
	}
	return count
}

func (s *Scheduler) evaluateLocked(key timerKey, timer *countdown, now time.Time) []alarms.Alert {
	if timer.stopped {
		return nil
	}
	remaining := timer.endsAt.Sub(now)
	level := s.thresholds.LevelFor(remaining)
	timer.level = level
	if level == alarms.LevelExpired {
		timer.stopped = true
	}
	if level == alarms.LevelNormal {
		return nil
	}
	fk := firedKey{orderID: key.orderID, kind: key.kind, level: level}
	if _, ok := s.fired[fk]; ok {
		return nil
	}
	s.fired[fk] = struct{}{}
	return []alarms.Alert{{
		OrderID:   key.orderID,
		Kind:      key.kind,
		Level:     level,
		Urgent:    level.Urgent(),
		EndsAt:    timer.endsAt,
		Remaining: remaining,
		FiredAt:   now,
	}}
}

func (s *Scheduler) deliver(ctx context.Context, due []alarms.Alert) {
	for _, alert := range due {
		metrics.IncTimerAlert(string(alert.Kind), string(alert.Level))
		s.logger.Printf("timer alert: order=%s kind=%s level=%s urgent=%t", alert.OrderID, alert.Kind, alert.Level, alert.Urgent)
		if s.notifier != nil {
			s.notifier.Notify(ctx, alert)
		}
	}
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
