package alarms

import "errors"

var (
	// ErrNotFound indicates no timer is armed for the order.
	ErrNotFound = errors.New("alarm: timer not found")
	// ErrEmptyOrderID is returned when a timer is armed without an order id.
	ErrEmptyOrderID = errors.New("alarm: empty order id")
	// ErrInvalidKind is returned for an unknown timer kind.
	ErrInvalidKind = errors.New("alarm: invalid timer kind")
)
