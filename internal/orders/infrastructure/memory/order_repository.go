package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	orders "tradedesk/internal/orders/domain"
)

// OrderRepository is an in-memory order store for dev mode and tests.
type OrderRepository struct {
	mu       sync.RWMutex
	data     map[string]*orders.Order
	byNumber map[string]string
	writes   int
}

// NewOrderRepository constructs a repository.
func NewOrderRepository() *OrderRepository {
	return &OrderRepository{
		data:     make(map[string]*orders.Order),
		byNumber: make(map[string]string),
	}
}

// Create stores a new order.
func (r *OrderRepository) Create(ctx context.Context, order *orders.Order) error {
	_ = ctx
	if order == nil {
		return orders.ErrNilOrder
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.byNumber[order.OrderNumber]; taken {
		return orders.ErrOrderNumberTaken
	}
	r.data[order.ID] = order.Clone()
	r.byNumber[order.OrderNumber] = order.ID
	r.writes++
	return nil
}

// Get loads an order by id.
func (r *OrderRepository) Get(ctx context.Context, id string) (*orders.Order, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	order, ok := r.data[id]
	if !ok {
		return nil, orders.ErrOrderNotFound
	}
	return order.Clone(), nil
}

// List returns orders newest first.
func (r *OrderRepository) List(ctx context.Context, filter orders.ListFilter) ([]orders.Order, error) {
	_ = ctx
	r.mu.RLock()
	out := make([]orders.Order, 0, len(r.data))
	for _, order := range r.data {
		if filter.Status != "" && order.Status != filter.Status {
			continue
		}
		out = append(out, *order.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].OrderNumber > out[j].OrderNumber
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// UpdateStatus writes status and changes together when the order is still in from.
func (r *OrderRepository) UpdateStatus(ctx context.Context, id string, from, to orders.Status, changes orders.Changes, at time.Time) (*orders.Order, error) {
	return r.update(ctx, id, &from, &to, changes, at)
}

// UpdateFields writes changes only.
func (r *OrderRepository) UpdateFields(ctx context.Context, id string, changes orders.Changes, at time.Time) (*orders.Order, error) {
	return r.update(ctx, id, nil, nil, changes, at)
}

// Writes counts successful mutations.
func (r *OrderRepository) Writes() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.writes
}

func (r *OrderRepository) update(ctx context.Context, id string, from, status *orders.Status, changes orders.Changes, at time.Time) (*orders.Order, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.data[id]
	if !ok {
		return nil, orders.ErrOrderNotFound
	}
	if from != nil && order.Status != *from {
		return nil, orders.ErrStatusConflict
	}
	next := order.Clone()
	if status != nil {
		next.Status = *status
	}
	changes.Apply(next)
	next.UpdatedAt = at.UTC()
	r.data[id] = next
	r.writes++
	return next.Clone(), nil
}
