package orders

import (
	"context"
	"time"
)

// ListFilter narrows List results.
type ListFilter struct {
	Status Status
	Limit  int
}

// Repository persists orders. Implementations return ErrOrderNotFound for
// unknown ids and ErrOrderNumberTaken for duplicate order numbers.
type Repository interface {
	Create(ctx context.Context, order *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	List(ctx context.Context, filter ListFilter) ([]Order, error)
	// UpdateStatus moves the order from one status to another together with
	// changes in one statement. It returns ErrStatusConflict when the stored
	// status is no longer from.
	UpdateStatus(ctx context.Context, id string, from, to Status, changes Changes, at time.Time) (*Order, error)
	// UpdateFields writes changes without touching status.
	UpdateFields(ctx context.Context, id string, changes Changes, at time.Time) (*Order, error)
}
