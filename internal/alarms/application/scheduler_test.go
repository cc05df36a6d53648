package application

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	alarms "tradedesk/internal/alarms/domain"
	orders "tradedesk/internal/orders/domain"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type recorded struct {
	orderID string
	level   alarms.Level
	urgent  bool
}

type recorder struct {
	mu    sync.Mutex
	calls []recorded
}

func (r *recorder) callback(orderID string, level alarms.Level, urgent bool) {
	r.mu.Lock()
	r.calls = append(r.calls, recorded{orderID: orderID, level: level, urgent: urgent})
	r.mu.Unlock()
}

func (r *recorder) count(level alarms.Level) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, call := range r.calls {
		if call.level == level {
			n++
		}
	}
	return n
}

var t0 = time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC)

func newTestScheduler(t *testing.T) (*Scheduler, *manualClock, *recorder) {
	t.Helper()
	clock := &manualClock{now: t0}
	rec := &recorder{}
	scheduler, err := NewScheduler(log.New(io.Discard, "", 0), WithClock(clock), WithNotifier(AlertFunc(rec.callback)))
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	return scheduler, clock, rec
}

func TestScheduler_EachLevelFiresOnce(t *testing.T) {
	s, _, rec := newTestScheduler(t)
	ctx := context.Background()
	if err := s.Arm(ctx, "order-1", alarms.KindPayment, t0.Add(10*time.Minute)); err != nil {
		t.Fatalf("arm: %v", err)
	}

	for sec := 0; sec <= 11*60; sec++ {
		s.Evaluate(ctx, t0.Add(time.Duration(sec)*time.Second))
	}
	if rec.count(alarms.LevelWarning) != 1 || rec.count(alarms.LevelCritical) != 1 || rec.count(alarms.LevelExpired) != 1 {
		t.Fatalf("expected one alert per level, got %+v", rec.calls)
	}
	if len(rec.calls) != 3 {
		t.Fatalf("expected 3 alerts, got %d", len(rec.calls))
	}
	if rec.calls[0].urgent || !rec.calls[1].urgent || !rec.calls[2].urgent {
		t.Fatalf("unexpected urgency flags: %+v", rec.calls)
	}
	if s.Armed() != 0 {
		t.Fatalf("expired countdown should stop")
	}
}

func TestScheduler_WarningOscillationFiresOnce(t *testing.T) {
	s, _, rec := newTestScheduler(t)
	ctx := context.Background()
	end := t0.Add(10 * time.Minute)
	if err := s.Arm(ctx, "order-1", alarms.KindPayment, end); err != nil {
		t.Fatalf("arm: %v", err)
	}

	// drift moves "now" back and forth across the 5 minute boundary
	offsets := []time.Duration{-5*time.Minute - time.Second, -5*time.Minute + time.Second, -5*time.Minute - 2*time.Second, -4*time.Minute - 59*time.Second, -5*time.Minute - time.Second, -4 * time.Minute}
	for _, offset := range offsets {
		s.Evaluate(ctx, end.Add(offset))
	}
	if got := rec.count(alarms.LevelWarning); got != 1 {
		t.Fatalf("warning fired %d times", got)
	}

	// moving the deadline does not reset the fired set
	if err := s.Arm(ctx, "order-1", alarms.KindPayment, end.Add(time.Minute)); err != nil {
		t.Fatalf("re-arm: %v", err)
	}
	s.Evaluate(ctx, end.Add(-3*time.Minute))
	if got := rec.count(alarms.LevelWarning); got != 1 {
		t.Fatalf("warning re-fired after re-arm: %d", got)
	}
}

func TestScheduler_ResetAllowsRefire(t *testing.T) {
	s, _, rec := newTestScheduler(t)
	ctx := context.Background()
	_ = s.Arm(ctx, "order-1", alarms.KindPayment, t0.Add(4*time.Minute))
	if rec.count(alarms.LevelWarning) != 1 {
		t.Fatalf("arming inside the warning window should alert immediately")
	}
	s.Reset(ctx, "order-1")
	if rec.count(alarms.LevelWarning) != 2 {
		t.Fatalf("reset should allow the warning again, got %d", rec.count(alarms.LevelWarning))
	}
}

func TestScheduler_OrdersAreIndependent(t *testing.T) {
	s, _, rec := newTestScheduler(t)
	ctx := context.Background()
	_ = s.Arm(ctx, "order-1", alarms.KindPayment, t0.Add(6*time.Minute))
	_ = s.Arm(ctx, "order-2", alarms.KindPayment, t0.Add(6*time.Minute))
	due := s.Evaluate(ctx, t0.Add(90*time.Second))
	if len(due) != 2 || due[0].OrderID != "order-1" || due[1].OrderID != "order-2" {
		t.Fatalf("expected a warning for each order, got %+v", due)
	}
	if rec.count(alarms.LevelWarning) != 2 {
		t.Fatalf("expected 2 warnings, got %d", rec.count(alarms.LevelWarning))
	}
}

func TestScheduler_SyncOrder(t *testing.T) {
	s, clock, _ := newTestScheduler(t)
	payment := t0.Add(30 * time.Minute)
	expiry := t0.Add(2 * time.Hour)
	order := orders.Order{ID: "order-1", Status: orders.StatusAddedToBank, TimerEndsAt: &payment, ExpiresAt: &expiry}

	s.SyncOrder(order)
	status, err := s.Status("order-1")
	if err != nil || len(status) != 2 {
		t.Fatalf("expected payment and expiry timers, got %+v err=%v", status, err)
	}
	if status[1].Kind != alarms.KindPayment || status[1].RemainingSeconds != 1800 {
		t.Fatalf("unexpected payment timer: %+v", status[1])
	}

	clock.Set(t0.Add(time.Minute))
	order.Status = orders.StatusPaid
	order.TimerEndsAt = nil
	s.SyncOrder(order)
	status, _ = s.Status("order-1")
	if len(status) != 1 || status[0].Kind != alarms.KindExpiry {
		t.Fatalf("leaving added_to_bank should clear the payment timer, got %+v", status)
	}

	order.Status = orders.StatusCompleted
	s.SyncOrder(order)
	if _, err := s.Status("order-1"); !errors.Is(err, alarms.ErrNotFound) {
		t.Fatalf("terminal order should have no timers, got %v", err)
	}
}

func TestScheduler_ArmValidation(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	if err := s.Arm(context.Background(), "", alarms.KindPayment, t0); !errors.Is(err, alarms.ErrEmptyOrderID) {
		t.Fatalf("expected empty order id error, got %v", err)
	}
	if err := s.Arm(context.Background(), "order-1", alarms.Kind("lunch"), t0); !errors.Is(err, alarms.ErrInvalidKind) {
		t.Fatalf("expected invalid kind error, got %v", err)
	}
}
