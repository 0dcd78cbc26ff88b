// Package tracker keeps one dashboard's cached order views in step with
// push events and polling refreshes.
package tracker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/campusbite/ordersync/internal/cache"
	"github.com/campusbite/ordersync/internal/notify"
	"github.com/campusbite/ordersync/internal/order"
	"github.com/campusbite/ordersync/internal/projection"
)

// Fetcher loads full order records from the gateway.
// Satisfied by *client.Client.
type Fetcher interface {
	GetOrder(ctx context.Context, id string) (*order.Order, error)
	ListOrders(ctx context.Context) ([]*order.Order, error)
}

// View is what a dashboard renders for one order. Status is the last
// status the server confirmed; Projected is what is on screen, which
// differs from Project(Status) only while an optimistic mutation is
// pending.
type View struct {
	Order      *order.Order
	Status     order.Status
	Projected  projection.Projected
	Optimistic bool
}

// Source says where an applied change came from.
type Source string

const (
	SourcePush       Source = "push"
	SourceFetch      Source = "fetch"
	SourceOptimistic Source = "optimistic"
	SourceRollback   Source = "rollback"
)

// Event is published to subscribers for every change a view renders.
type Event struct {
	OrderID   string
	Role      projection.Role
	Status    order.Status
	Previous  projection.Projected
	Projected projection.Projected
	Source    Source
}

type subscriber struct {
	ch chan Event
}

// Tracker applies status changes for one role. Push events must be fed
// from a single goroutine so that per-order receipt order is kept.
type Tracker struct {
	role     projection.Role
	cache    *cache.Store
	fetch    Fetcher
	notifier notify.Dispatcher
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	refetching map[string]bool
	subs       map[*subscriber]struct{}
	closed     bool
}

func New(role projection.Role, store *cache.Store, fetch Fetcher, notifier notify.Dispatcher, log *slog.Logger) *Tracker {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Tracker{
		role:       role,
		cache:      store,
		fetch:      fetch,
		notifier:   notifier,
		log:        log.With("component", "tracker", "role", string(role)),
		ctx:        ctx,
		cancel:     cancel,
		refetching: make(map[string]bool),
		subs:       make(map[*subscriber]struct{}),
	}
}

func (t *Tracker) Role() projection.Role { return t.role }

func (t *Tracker) key(id string) cache.Key {
	return cache.OrderKey(id, string(t.role))
}

// HandleStatus applies one pushed status for orderID. Regressions and
// unknown statuses are logged and dropped; the cached value is kept.
func (t *Tracker) HandleStatus(ctx context.Context, orderID string, incoming order.Status) order.Decision {
	var (
		decision order.Decision
		prev     View
		created  bool
	)
	t.cache.Update(t.key(orderID), func(cur cache.Entry, found bool) (any, cache.Op) {
		if found {
			prev = cur.Value.(View)
		}
		decision = order.Decide(prev.Status, incoming, found)
		if !decision.Apply {
			return nil, cache.Skip
		}
		created = !found

		var o *order.Order
		if prev.Order != nil {
			o = prev.Order.Clone()
		} else {
			o = &order.Order{ID: orderID}
		}
		o.Status = incoming
		return View{
			Order:     o,
			Status:    incoming,
			Projected: projection.Project(incoming, t.role),
		}, cache.Keep
	})

	switch decision.Class {
	case order.ClassUnknown:
		t.log.Warn("unknown order status ignored", "order_id", orderID, "status", string(incoming))
		return decision
	case order.ClassRegression:
		t.log.Warn("stale data: regressive status dropped",
			"order_id", orderID, "cached", string(prev.Status), "incoming", string(incoming))
		return decision
	case order.ClassNoOp:
		t.log.Debug("status unchanged", "order_id", orderID, "status", string(incoming))
		return decision
	}

	projected := projection.Project(incoming, t.role)
	t.publish(Event{
		OrderID:   orderID,
		Role:      t.role,
		Status:    incoming,
		Previous:  prev.Projected,
		Projected: projected,
		Source:    SourcePush,
	})
	if prev.Projected != projected {
		t.notifier.Notify(ctx, notify.Notification{
			OrderID:   orderID,
			Role:      t.role,
			Kind:      notify.KindTransition,
			Previous:  prev.Projected,
			Projected: projected,
			Message:   "order is now " + string(projected),
		})
	}

	// The push payload carries only the status. DELIVERED brings server
	// fields such as the proof-of-delivery reference; a first sighting
	// needs the rest of the record.
	if incoming == order.StatusDelivered || created {
		t.scheduleRefetch(orderID)
	}
	return decision
}

// Reconcile stores a full record fetched from the server. A fetched status
// that is behind the cached one does not move the view back; the rest of
// the record is still taken.
func (t *Tracker) Reconcile(o *order.Order) {
	t.reconcile(o, true)
}

// Confirm stores the server's answer to a mutation and ends any optimistic
// state for that order.
func (t *Tracker) Confirm(o *order.Order) {
	t.reconcile(o, false)
}

func (t *Tracker) reconcile(o *order.Order, keepOptimistic bool) {
	if o == nil || o.ID == "" {
		return
	}
	if !o.Status.Valid() {
		t.log.Warn("fetched order has unknown status", "order_id", o.ID, "status", string(o.Status))
	}

	var (
		prev  View
		found bool
		next  View
	)
	t.cache.Update(t.key(o.ID), func(cur cache.Entry, ok bool) (any, cache.Op) {
		found = ok
		if ok {
			prev = cur.Value.(View)
		}

		merged := o.Clone()
		d := order.Decide(prev.Status, merged.Status, found)
		switch d.Class {
		case order.ClassRegression:
			t.log.Warn("stale data: fetched status behind cache",
				"order_id", o.ID, "cached", string(prev.Status), "fetched", string(merged.Status))
			merged.Status = prev.Status
		case order.ClassUnknown:
			merged.Status = prev.Status
		}

		next = View{
			Order:     merged,
			Status:    merged.Status,
			Projected: projection.Project(merged.Status, t.role),
		}
		if keepOptimistic && prev.Optimistic && prev.Status == next.Status {
			// A refresh that lands while a mutation is pending must not undo
			// what the user sees.
			next.Projected = prev.Projected
			next.Optimistic = true
		}
		return next, cache.Refresh
	})

	if !found || prev.Projected != next.Projected || prev.Status != next.Status {
		t.publish(Event{
			OrderID:   o.ID,
			Role:      t.role,
			Status:    next.Status,
			Previous:  prev.Projected,
			Projected: next.Projected,
			Source:    SourceFetch,
		})
	}
}

// Refresh is the polling backstop: every known order is marked stale, the
// full list is fetched and each record goes through Reconcile, the same
// path push-triggered fetches use.
func (t *Tracker) Refresh(ctx context.Context) error {
	t.cache.Invalidate(cache.EntityOrder + ":")
	orders, err := t.fetch.ListOrders(ctx)
	if err != nil {
		return err
	}
	if !t.active() {
		return nil
	}

	ids := make([]string, 0, len(orders))
	for _, o := range orders {
		t.Reconcile(o)
		ids = append(ids, o.ID)
	}
	t.cache.Set(t.listKey(), ids)
	return nil
}

func (t *Tracker) listKey() cache.Key {
	return cache.Key{Entity: cache.EntityOrderList, ID: "mine", Param: string(t.role)}
}

// List returns the views of the last refreshed order list in server order.
// Orders evicted since the refresh are skipped.
func (t *Tracker) List() []View {
	e, f := t.cache.Get(t.listKey())
	if f == cache.Miss {
		return nil
	}
	ids, _ := e.Value.([]string)
	views := make([]View, 0, len(ids))
	for _, id := range ids {
		if v, f := t.Get(id); f != cache.Miss {
			views = append(views, v)
		}
	}
	return views
}

// Fetch loads one order and reconciles it.
func (t *Tracker) Fetch(ctx context.Context, id string) (*order.Order, error) {
	o, err := t.fetch.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.active() {
		t.Reconcile(o)
	}
	return o, nil
}

// Get returns the cached view of id and its freshness.
func (t *Tracker) Get(id string) (View, cache.Freshness) {
	e, f := t.cache.Get(t.key(id))
	if f == cache.Miss {
		return View{}, f
	}
	return e.Value.(View), f
}

// Projected returns the status tag currently shown for id.
func (t *Tracker) Projected(id string) (projection.Projected, bool) {
	v, f := t.Get(id)
	if f == cache.Miss {
		return "", false
	}
	return v.Projected, true
}

// ApplyOptimistic shows projected for id before the server confirms it and
// returns the view that was replaced.
func (t *Tracker) ApplyOptimistic(id string, projected projection.Projected) (View, bool) {
	var prev View
	_, ok := t.cache.Update(t.key(id), func(cur cache.Entry, found bool) (any, cache.Op) {
		if !found {
			return nil, cache.Skip
		}
		prev = cur.Value.(View)
		next := prev
		next.Projected = projected
		next.Optimistic = true
		return next, cache.Keep
	})
	if ok {
		t.publish(Event{
			OrderID:   id,
			Role:      t.role,
			Status:    prev.Status,
			Previous:  prev.Projected,
			Projected: projected,
			Source:    SourceOptimistic,
		})
	}
	return prev, ok
}

// Rollback drops a pending optimistic value and shows the projection of
// the last server-confirmed status again.
func (t *Tracker) Rollback(id string) (View, bool) {
	var prev, next View
	_, ok := t.cache.Update(t.key(id), func(cur cache.Entry, found bool) (any, cache.Op) {
		if !found {
			return nil, cache.Skip
		}
		prev = cur.Value.(View)
		next = prev
		next.Projected = projection.Project(prev.Status, t.role)
		next.Optimistic = false
		return next, cache.Keep
	})
	if ok && prev.Projected != next.Projected {
		t.publish(Event{
			OrderID:   id,
			Role:      t.role,
			Status:    next.Status,
			Previous:  prev.Projected,
			Projected: next.Projected,
			Source:    SourceRollback,
		})
	}
	return next, ok
}

// Subscribe returns a channel of applied events. A subscriber that lets
// buffer events pile up is dropped and its channel closed, so a stuck view
// cannot stall the push reader.
func (t *Tracker) Subscribe(buffer int) (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, buffer)}

	t.mu.Lock()
	if t.closed {
		close(s.ch)
		t.mu.Unlock()
		return s.ch, func() {}
	}
	t.subs[s] = struct{}{}
	t.mu.Unlock()

	return s.ch, func() { t.unsubscribe(s) }
}

func (t *Tracker) unsubscribe(s *subscriber) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.subs[s]; ok {
		delete(t.subs, s)
		close(s.ch)
	}
}

func (t *Tracker) publish(ev Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for s := range t.subs {
		select {
		case s.ch <- ev:
		default:
			t.log.Warn("subscriber too slow, dropping", "order_id", ev.OrderID)
			delete(t.subs, s)
			close(s.ch)
		}
	}
}

func (t *Tracker) scheduleRefetch(id string) {
	t.mu.Lock()
	if t.closed || t.refetching[id] {
		t.mu.Unlock()
		return
	}
	t.refetching[id] = true
	t.wg.Add(1)
	t.mu.Unlock()

	go func() {
		defer t.wg.Done()
		defer func() {
			t.mu.Lock()
			delete(t.refetching, id)
			t.mu.Unlock()
		}()

		o, err := t.fetch.GetOrder(t.ctx, id)
		if err != nil {
			if t.ctx.Err() == nil {
				t.log.Warn("re-fetch failed", "order_id", id, "error", err)
			}
			return
		}
		if !t.active() {
			return
		}
		t.Reconcile(o)
	}()
}

func (t *Tracker) active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed
}

// Active reports whether the tracker still accepts results.
func (t *Tracker) Active() bool { return t.active() }

// Close stops background re-fetches, waits for them and closes all
// subscriber channels. Results arriving afterwards are dropped.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	for s := range t.subs {
		delete(t.subs, s)
		close(s.ch)
	}
	t.mu.Unlock()

	t.cancel()
	t.wg.Wait()
}
