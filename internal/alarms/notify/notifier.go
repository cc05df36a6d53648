package notify

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	alarms "tradedesk/internal/alarms/domain"
	"tradedesk/internal/observability/metrics"
	orders "tradedesk/internal/orders/domain"
)

// OrderReader loads the order an alert refers to.
type OrderReader interface {
	Get(ctx context.Context, id string) (*orders.Order, error)
}

// Clock provides time for scheduling.
type Clock interface {
	Now() time.Time
}

// OrderURLResolver provides a link to the order when available.
type OrderURLResolver func(order *orders.Order) string

type sendRecord struct {
	at   time.Time
	hash string
}

// Notifier renders timer alerts and sends them through a channel. Critical
// alerts are repeated once after the escalation delay while the order still
// owns the timer.
type Notifier struct {
	orders         OrderReader
	channel        Channel
	channelName    string
	template       *Template
	escalation     time.Duration
	clock          Clock
	logger         *log.Logger
	mu             sync.Mutex
	timers         map[string]*time.Timer
	sent           map[string]sendRecord
	cooldown       time.Duration
	dedupeWindow   time.Duration
	orderURL       OrderURLResolver
	requestTimeout time.Duration
}

// Option configures the notifier.
type Option func(*Notifier)

// WithEscalation configures the delay before a critical alert is repeated.
func WithEscalation(after time.Duration) Option {
	return func(n *Notifier) {
		if after > 0 {
			n.escalation = after
		}
	}
}

// WithClock overrides the default clock.
func WithClock(clock Clock) Option {
	return func(n *Notifier) {
		if clock != nil {
			n.clock = clock
		}
	}
}

// WithLogger sets the logger used for delivery failures.
func WithLogger(logger *log.Logger) Option {
	return func(n *Notifier) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// WithChannelName labels the channel in metrics.
func WithChannelName(name string) Option {
	return func(n *Notifier) {
		if name != "" {
			n.channelName = name
		}
	}
}

// WithRequestTimeout overrides the default timeout for escalation checks.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(n *Notifier) {
		if timeout > 0 {
			n.requestTimeout = timeout
		}
	}
}

// WithCooldown sets a minimum interval between notifications for the same order timer and level.
func WithCooldown(interval time.Duration) Option {
	return func(n *Notifier) {
		if interval > 0 {
			n.cooldown = interval
		}
	}
}

// WithDedupeWindow suppresses identical notifications within the window.
func WithDedupeWindow(window time.Duration) Option {
	return func(n *Notifier) {
		if window > 0 {
			n.dedupeWindow = window
		}
	}
}

// WithOrderURLResolver injects an order link resolver.
func WithOrderURLResolver(resolver OrderURLResolver) Option {
	return func(n *Notifier) {
		if resolver != nil {
			n.orderURL = resolver
		}
	}
}

// NewNotifier constructs a timer alert notifier.
func NewNotifier(orderReader OrderReader, channel Channel, template *Template, opts ...Option) (*Notifier, error) {
	if orderReader == nil {
		return nil, errors.New("timer notifier: nil order reader")
	}
	if channel == nil {
		return nil, errors.New("timer notifier: nil channel")
	}
	if template == nil {
		defaultTemplate, err := NewTemplate("")
		if err != nil {
			return nil, err
		}
		template = defaultTemplate
	}
	n := &Notifier{
		orders:         orderReader,
		channel:        channel,
		channelName:    "webhook",
		template:       template,
		clock:          systemClock{},
		logger:         log.Default(),
		timers:         make(map[string]*time.Timer),
		sent:           make(map[string]sendRecord),
		requestTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// Notify implements the scheduler's AlertNotifier.
func (n *Notifier) Notify(ctx context.Context, alert alarms.Alert) {
	if n == nil || n.channel == nil {
		return
	}
	if n.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.requestTimeout)
		defer cancel()
	}
	order := n.lookup(ctx, alert.OrderID)
	n.dispatch(ctx, string(alert.Level), alert, order)

	switch alert.Level {
	case alarms.LevelCritical:
		n.scheduleEscalation(alert)
	case alarms.LevelExpired:
		n.cancelEscalation(timerID(alert))
	}
}

// Close stops all pending escalation timers.
func (n *Notifier) Close() {
	if n == nil {
		return
	}
	n.mu.Lock()
	timers := n.timers
	n.timers = make(map[string]*time.Timer)
	n.mu.Unlock()
	for _, timer := range timers {
		if timer != nil {
			timer.Stop()
		}
	}
}

func (n *Notifier) lookup(ctx context.Context, orderID string) *orders.Order {
	order, err := n.orders.Get(ctx, orderID)
	if err != nil {
		return nil
	}
	return order
}

func (n *Notifier) dispatch(ctx context.Context, event string, alert alarms.Alert, order *orders.Order) {
	orderURL := ""
	if n.orderURL != nil && order != nil {
		orderURL = n.orderURL(order)
	}
	data := buildTemplateData(event, alert, order, n.clock.Now(), orderURL)
	content, err := n.template.Render(data)
	if err != nil {
		n.logger.Printf("timer notifier render failed: order=%s err=%v", alert.OrderID, err)
		return
	}
	key := notificationKey(timerID(alert), event)
	if !n.shouldSend(key, content) {
		metrics.IncNotification(n.channelName, metrics.ResultSkipped)
		return
	}
	msg := Message{OrderID: alert.OrderID, Level: event, Urgent: alert.Urgent, Content: content}
	if order != nil {
		msg.OrderNumber = order.OrderNumber
	}
	if err := n.channel.Send(ctx, msg); err != nil {
		metrics.IncNotification(n.channelName, metrics.ResultError)
		n.logger.Printf("timer notifier send failed: order=%s level=%s err=%v", alert.OrderID, event, err)
		return
	}
	metrics.IncNotification(n.channelName, metrics.ResultSuccess)
	n.markSent(key, content)
}

func (n *Notifier) scheduleEscalation(alert alarms.Alert) {
	if n.escalation <= 0 || alert.OrderID == "" {
		return
	}
	id := timerID(alert)
	n.mu.Lock()
	if existing, ok := n.timers[id]; ok && existing != nil {
		existing.Stop()
	}
	n.timers[id] = time.AfterFunc(n.escalation, func() {
		n.runEscalation(alert)
	})
	n.mu.Unlock()
}

func (n *Notifier) cancelEscalation(id string) {
	n.mu.Lock()
	timer := n.timers[id]
	delete(n.timers, id)
	n.mu.Unlock()
	if timer != nil {
		timer.Stop()
	}
}

func (n *Notifier) runEscalation(alert alarms.Alert) {
	n.mu.Lock()
	delete(n.timers, timerID(alert))
	n.mu.Unlock()

	ctx := context.Background()
	if n.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.requestTimeout)
		defer cancel()
	}

	order := n.lookup(ctx, alert.OrderID)
	if order == nil || !ownsTimer(*order, alert.Kind) {
		return
	}
	n.dispatch(ctx, "escalated", alert, order)
}

// ownsTimer reports whether the order is still in a status that keeps the
// countdown alive.
func ownsTimer(order orders.Order, kind alarms.Kind) bool {
	if order.Status.Terminal() {
		return false
	}
	if kind == alarms.KindPayment {
		return order.Status == orders.StatusAddedToBank
	}
	return true
}

func buildTemplateData(event string, alert alarms.Alert, order *orders.Order, now time.Time, orderURL string) TemplateData {
	data := TemplateData{
		OrderID:     alert.OrderID,
		OrderNumber: alert.OrderID,
		Kind:        string(alert.Kind),
		Level:       string(alert.Level),
		LevelLabel:  levelLabel(event),
		Urgent:      alert.Urgent,
		EndsAt:      alert.EndsAt.UTC().Format(time.RFC3339),
		Remaining:   formatRemaining(alert.EndsAt.Sub(now)),
		Status:      "unknown",
		NetPayable:  "-",
		Suggestion:  suggestionFor(alert),
		OrderURL:    orderURL,
	}
	if order != nil {
		if order.OrderNumber != "" {
			data.OrderNumber = order.OrderNumber
		}
		data.Status = order.Status.Info().Label
		data.NetPayable = order.NetPayableAmount.StringFixed(2)
	}
	return data
}

func levelLabel(event string) string {
	switch event {
	case string(alarms.LevelWarning):
		return "Warning"
	case string(alarms.LevelCritical):
		return "Critical"
	case string(alarms.LevelExpired):
		return "Expired"
	case "escalated":
		return "Escalated"
	default:
		return event
	}
}

func suggestionFor(alert alarms.Alert) string {
	switch {
	case alert.Kind == alarms.KindPayment && alert.Urgent:
		return "Complete the bank payment now or cancel the order."
	case alert.Kind == alarms.KindPayment:
		return "Prepare the bank payment before the deadline."
	case alert.Urgent:
		return "The order is about to expire. Finish or cancel it."
	default:
		return "Review the order before it expires."
	}
}

func formatRemaining(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	d = d.Round(time.Second)
	return fmt.Sprintf("%dm%02ds", int(d/time.Minute), int((d%time.Minute)/time.Second))
}

func (n *Notifier) shouldSend(key, content string) bool {
	if n.cooldown <= 0 && n.dedupeWindow <= 0 {
		return true
	}
	now := n.clock.Now().UTC()
	hash := hashContent(content)

	n.mu.Lock()
	record, ok := n.sent[key]
	n.mu.Unlock()
	if !ok {
		return true
	}
	if n.cooldown > 0 && now.Sub(record.at) < n.cooldown {
		return false
	}
	if n.dedupeWindow > 0 && record.hash == hash && now.Sub(record.at) < n.dedupeWindow {
		return false
	}
	return true
}

func (n *Notifier) markSent(key, content string) {
	n.mu.Lock()
	n.sent[key] = sendRecord{
		at:   n.clock.Now().UTC(),
		hash: hashContent(content),
	}
	n.mu.Unlock()
}

func timerID(alert alarms.Alert) string {
	return alert.OrderID + "|" + string(alert.Kind)
}

func notificationKey(timer, event string) string {
	return timer + "|" + event
}

func hashContent(content string) string {
	sum := sha1.Sum([]byte(content))
	return hex.EncodeToString(sum[:8])
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
