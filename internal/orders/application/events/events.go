package events

import "time"

// OrderStatusChanged is emitted after a status write is committed.
type OrderStatusChanged struct {
	OrderID     string    `json:"order_id"`
	OrderNumber string    `json:"order_number"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Skipped     []string  `json:"skipped,omitempty"`
	Actor       string    `json:"actor"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// OrderUpdated is emitted when order fields change without a status move,
// e.g. a partial payment.
type OrderUpdated struct {
	OrderID     string    `json:"order_id"`
	OrderNumber string    `json:"order_number"`
	Reason      string    `json:"reason"`
	Actor       string    `json:"actor"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// EventKey keys the event by order.
func (e OrderStatusChanged) EventKey() (string, time.Time) { return e.OrderID, e.OccurredAt }

// EventKey keys the event by order.
func (e OrderUpdated) EventKey() (string, time.Time) { return e.OrderID, e.OccurredAt }
