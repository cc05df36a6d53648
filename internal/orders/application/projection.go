package application

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"

	"tradedesk/internal/orders/application/events"
	orders "tradedesk/internal/orders/domain"
)

// OrderLoader reads the authoritative order state.
type OrderLoader interface {
	Get(ctx context.Context, id string) (*orders.Order, error)
	List(ctx context.Context, filter orders.ListFilter) ([]orders.Order, error)
}

// Projection is the in-process order view. Each order has a confirmed slot,
// filled only from the store, and an optional optimistic slot holding a
// local edit that has not been acknowledged yet. Reads prefer the
// optimistic slot.
type Projection struct {
	loader OrderLoader
	logger *log.Logger

	mu         sync.RWMutex
	confirmed  map[string]*orders.Order
	optimistic map[string]*orders.Order
}

// NewProjection constructs a projection over loader.
func NewProjection(loader OrderLoader, logger *log.Logger) (*Projection, error) {
	if loader == nil {
		return nil, errors.New("projection: nil loader")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Projection{
		loader:     loader,
		logger:     logger,
		confirmed:  make(map[string]*orders.Order),
		optimistic: make(map[string]*orders.Order),
	}, nil
}

// Load replaces the confirmed view with the store's current orders.
func (p *Projection) Load(ctx context.Context) error {
	list, err := p.loader.List(ctx, orders.ListFilter{})
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.confirmed = make(map[string]*orders.Order, len(list))
	for i := range list {
		p.confirmed[list[i].ID] = list[i].Clone()
	}
	return nil
}

// Get returns the optimistic copy when present, else the confirmed one.
func (p *Projection) Get(id string) (*orders.Order, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if order, ok := p.optimistic[id]; ok {
		return order.Clone(), true
	}
	if order, ok := p.confirmed[id]; ok {
		return order.Clone(), true
	}
	return nil, false
}

// Confirmed returns only store-acknowledged state.
func (p *Projection) Confirmed(id string) (*orders.Order, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	order, ok := p.confirmed[id]
	return order.Clone(), ok
}

// Pending reports whether id has an unacknowledged local edit.
func (p *Projection) Pending(id string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.optimistic[id]
	return ok
}

// Stage records a local edit ahead of the store write.
func (p *Projection) Stage(order *orders.Order) {
	if order == nil {
		return
	}
	p.mu.Lock()
	p.optimistic[order.ID] = order.Clone()
	p.mu.Unlock()
}

// Discard drops the local edit for id, e.g. after a failed write.
func (p *Projection) Discard(id string) {
	p.mu.Lock()
	delete(p.optimistic, id)
	p.mu.Unlock()
}

// Confirm stores order as acknowledged state and drops any local edit.
// A copy older than the confirmed one is ignored.
func (p *Projection) Confirm(order *orders.Order) {
	if order == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.optimistic, order.ID)
	if current, ok := p.confirmed[order.ID]; ok && current.UpdatedAt.After(order.UpdatedAt) {
		return
	}
	p.confirmed[order.ID] = order.Clone()
}

// Refresh re-fetches id from the store.
func (p *Projection) Refresh(ctx context.Context, id string) error {
	order, err := p.loader.Get(ctx, id)
	if errors.Is(err, orders.ErrOrderNotFound) {
		p.mu.Lock()
		delete(p.confirmed, id)
		delete(p.optimistic, id)
		p.mu.Unlock()
		return nil
	}
	if err != nil {
		return err
	}
	p.Confirm(order)
	return nil
}

// HandleOrderChanged refreshes the order named by a change notification.
// Notifications are never merged as deltas.
func (p *Projection) HandleOrderChanged(ctx context.Context, event any) error {
	var id string
	switch e := event.(type) {
	case events.OrderStatusChanged:
		id = e.OrderID
	case events.OrderUpdated:
		id = e.OrderID
	default:
		return nil
	}
	if err := p.Refresh(ctx, id); err != nil {
		p.logger.Printf("projection refresh failed: order=%s err=%v", id, err)
		return err
	}
	return nil
}

// List returns the projected orders, newest first, optionally by status.
func (p *Projection) List(status orders.Status) []orders.Order {
	p.mu.RLock()
	out := make([]orders.Order, 0, len(p.confirmed))
	for id, order := range p.confirmed {
		view := order
		if staged, ok := p.optimistic[id]; ok {
			view = staged
		}
		if status != "" && view.Status != status {
			continue
		}
		out = append(out, *view.Clone())
	}
	p.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}
