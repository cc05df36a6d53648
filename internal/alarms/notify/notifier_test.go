package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	alarms "tradedesk/internal/alarms/domain"
	orders "tradedesk/internal/orders/domain"
)

type stubOrders struct {
	mu    sync.Mutex
	order *orders.Order
}

func (s *stubOrders) Get(_ context.Context, _ string) (*orders.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.order == nil {
		return nil, orders.ErrOrderNotFound
	}
	copied := *s.order
	return &copied, nil
}

func (s *stubOrders) setStatus(status orders.Status) {
	s.mu.Lock()
	s.order.Status = status
	s.mu.Unlock()
}

type recordingChannel struct {
	mu       sync.Mutex
	contents []string
}

func (r *recordingChannel) Send(_ context.Context, msg Message) error {
	r.mu.Lock()
	r.contents = append(r.contents, msg.Content)
	r.mu.Unlock()
	return nil
}

func (r *recordingChannel) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.contents)
}

func (r *recordingChannel) Latest() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.contents) == 0 {
		return ""
	}
	return r.contents[len(r.contents)-1]
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Add(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

var base = time.Date(2026, 1, 26, 8, 0, 0, 0, time.UTC)

func testOrder() *orders.Order {
	return &orders.Order{
		ID:               "order-1",
		OrderNumber:      "BUY-1001",
		Status:           orders.StatusAddedToBank,
		NetPayableAmount: decimal.RequireFromString("8900"),
	}
}

func alertAt(level alarms.Level) alarms.Alert {
	return alarms.Alert{
		OrderID: "order-1",
		Kind:    alarms.KindPayment,
		Level:   level,
		Urgent:  level.Urgent(),
		EndsAt:  base.Add(4 * time.Minute),
	}
}

func TestWebhookNotifierPayload(t *testing.T) {
	payloadCh := make(chan webhookPayload, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var payload webhookPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		payloadCh <- payload
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	channel, err := NewWebhookChannel(server.URL, WithDeskID("desk-mumbai"))
	if err != nil {
		t.Fatalf("new webhook channel: %v", err)
	}
	notifier, err := NewNotifier(&stubOrders{order: testOrder()}, channel, nil,
		WithClock(&fakeClock{now: base}),
		WithOrderURLResolver(func(order *orders.Order) string {
			return "http://desk.example.com/orders/" + order.ID
		}),
	)
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}

	notifier.Notify(context.Background(), alertAt(alarms.LevelWarning))

	select {
	case payload := <-payloadCh:
		if payload.DeskID != "desk-mumbai" || payload.OrderID != "order-1" || payload.OrderNumber != "BUY-1001" {
			t.Fatalf("unexpected payload identity: %+v", payload)
		}
		if payload.Level != "warning" || payload.Urgent {
			t.Fatalf("warning must be non-urgent: %+v", payload)
		}
		checks := []string{
			"[Order timer Warning]",
			"Order: BUY-1001",
			"Timer: payment",
			"Deadline: 2026-01-26T08:04:00Z",
			"Remaining: 4m00s",
			"Net Payable: 8900.00",
			"Open: http://desk.example.com/orders/order-1",
		}
		for _, expected := range checks {
			if !strings.Contains(payload.Text, expected) {
				t.Fatalf("expected content to include %q, got %s", expected, payload.Text)
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for webhook payload")
	}
}

func TestWebhookChannelRetriesUpstreamFailures(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	channel, _ := NewWebhookChannel(server.URL, WithRetry(3, time.Millisecond))
	if err := channel.Send(context.Background(), Message{OrderID: "o-1", Content: "hello"}); err != nil {
		t.Fatalf("expected success on third attempt, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 3 calls, got %d", got)
	}

	single, _ := NewWebhookChannel(server.URL)
	atomic.StoreInt32(&calls, 0)
	if err := single.Send(context.Background(), Message{Content: "hello"}); err == nil {
		t.Fatalf("expected error for 502 without retries")
	}
}

func TestWebhookChannelSignsBody(t *testing.T) {
	done := make(chan bool, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		done <- r.Header.Get(SignatureHeader) == Sign([]byte("shh"), body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()
	channel, _ := NewWebhookChannel(server.URL, WithSigningSecret("shh"))
	if err := channel.Send(context.Background(), Message{OrderID: "o-1", Level: "critical", Urgent: true, Content: "hurry"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if !<-done {
		t.Fatalf("signature header does not match body")
	}
}

func TestWebhookChannelDoesNotRetryRejections(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()
	channel, _ := NewWebhookChannel(server.URL, WithRetry(5, time.Millisecond))
	if err := channel.Send(context.Background(), Message{Content: "hello"}); err == nil {
		t.Fatalf("expected error for 401")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("4xx must not be retried, got %d calls", got)
	}
	if _, err := NewWebhookChannel(""); err == nil {
		t.Fatalf("expected error for empty url")
	}
}

func TestNotifierCooldown(t *testing.T) {
	clock := &fakeClock{now: base}
	channel := &recordingChannel{}
	notifier, err := NewNotifier(&stubOrders{order: testOrder()}, channel, nil,
		WithClock(clock),
		WithCooldown(10*time.Minute),
	)
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}

	notifier.Notify(context.Background(), alertAt(alarms.LevelWarning))
	notifier.Notify(context.Background(), alertAt(alarms.LevelWarning))
	if got := channel.Count(); got != 1 {
		t.Fatalf("expected 1 notification during cooldown, got %d", got)
	}
	notifier.Notify(context.Background(), alertAt(alarms.LevelCritical))
	if got := channel.Count(); got != 2 {
		t.Fatalf("a different level is not under cooldown, got %d", got)
	}

	clock.Add(11 * time.Minute)
	notifier.Notify(context.Background(), alertAt(alarms.LevelWarning))
	if got := channel.Count(); got != 3 {
		t.Fatalf("expected a notification after cooldown, got %d", got)
	}
}

func TestNotifierDedupeWindow(t *testing.T) {
	channel := &recordingChannel{}
	reader := &stubOrders{order: testOrder()}
	notifier, err := NewNotifier(reader, channel, nil,
		WithClock(&fakeClock{now: base}),
		WithDedupeWindow(30*time.Minute),
	)
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}

	notifier.Notify(context.Background(), alertAt(alarms.LevelWarning))
	notifier.Notify(context.Background(), alertAt(alarms.LevelWarning))
	if got := channel.Count(); got != 1 {
		t.Fatalf("expected 1 notification during dedupe window, got %d", got)
	}

	reader.setStatus(orders.StatusPaid)
	notifier.Notify(context.Background(), alertAt(alarms.LevelWarning))
	if got := channel.Count(); got != 2 {
		t.Fatalf("expected notification when content changes, got %d", got)
	}
}

func TestNotifierEscalation(t *testing.T) {
	channel := &recordingChannel{}
	notifier, err := NewNotifier(&stubOrders{order: testOrder()}, channel, nil,
		WithEscalation(20*time.Millisecond),
		WithRequestTimeout(200*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	defer notifier.Close()

	notifier.Notify(context.Background(), alertAt(alarms.LevelCritical))

	deadline := time.After(300 * time.Millisecond)
	for channel.Count() < 2 {
		select {
		case <-deadline:
			t.Fatalf("expected escalation notification, got %d", channel.Count())
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
	if !strings.Contains(channel.Latest(), "Escalated") {
		t.Fatalf("expected escalated notification content, got %s", channel.Latest())
	}
}

func TestNotifierEscalationSkippedOncePaid(t *testing.T) {
	channel := &recordingChannel{}
	reader := &stubOrders{order: testOrder()}
	notifier, err := NewNotifier(reader, channel, nil, WithEscalation(20*time.Millisecond))
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	defer notifier.Close()

	notifier.Notify(context.Background(), alertAt(alarms.LevelCritical))
	reader.setStatus(orders.StatusPaid)
	time.Sleep(80 * time.Millisecond)
	if got := channel.Count(); got != 1 {
		t.Fatalf("paid order must not be escalated, got %d notifications", got)
	}
}
