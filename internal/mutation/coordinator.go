// Package mutation runs user-initiated order changes: the change is shown
// locally first, sent to the gateway, and rolled back if the gateway
// refuses it.
package mutation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/campusbite/ordersync/internal/cache"
	"github.com/campusbite/ordersync/internal/client"
	"github.com/campusbite/ordersync/internal/enum"
	"github.com/campusbite/ordersync/internal/notify"
	"github.com/campusbite/ordersync/internal/order"
	"github.com/campusbite/ordersync/internal/projection"
	"github.com/campusbite/ordersync/internal/tracker"
)

const (
	MinRating        = order.MinRating
	MaxRating        = order.MaxRating
	MaxCommentLength = order.MaxCommentLength
)

// ErrMutationInFlight is returned when another mutation for the same order
// has not finished yet.
var ErrMutationInFlight = errors.New("a change to this order is already in progress")

// ValidationError is a precondition that failed locally. No request was
// sent.
type ValidationError struct {
	OrderID string
	Op      string
	Reason  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Op, e.OrderID, e.Reason)
}

// ServerRejection is a mutation the gateway refused after it was sent. The
// local view has already been rolled back when it is returned.
type ServerRejection struct {
	OrderID string
	Op      string
	Err     error
}

func (e *ServerRejection) Error() string {
	return fmt.Sprintf("%s %s rejected: %v", e.Op, e.OrderID, e.Err)
}

func (e *ServerRejection) Unwrap() error { return e.Err }

// Mutator sends mutations to the gateway. Satisfied by *client.Client.
type Mutator interface {
	UpdateStatus(ctx context.Context, id string, status order.Status) (*order.Order, error)
	UpdateDelivery(ctx context.Context, id, deliveryStatus string, proof *client.Artifact) (*order.Order, error)
	Rate(ctx context.Context, id string, rating int, comment string) (*order.Order, error)
	RequestRefund(ctx context.Context, id string, r client.Refund) error
}

// Views is the cache-facing side of the coordinator. Satisfied by
// *tracker.Tracker.
type Views interface {
	Role() projection.Role
	Get(id string) (tracker.View, cache.Freshness)
	Fetch(ctx context.Context, id string) (*order.Order, error)
	ApplyOptimistic(id string, projected projection.Projected) (tracker.View, bool)
	Rollback(id string) (tracker.View, bool)
	Confirm(o *order.Order)
	Active() bool
}

// Coordinator serializes mutations per order.
type Coordinator struct {
	api      Mutator
	views    Views
	notifier notify.Dispatcher

	mu       sync.Mutex
	inFlight map[string]bool
}

func New(api Mutator, views Views, notifier notify.Dispatcher) *Coordinator {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Coordinator{
		api:      api,
		views:    views,
		notifier: notifier,
		inFlight: make(map[string]bool),
	}
}

// --- Staff ---

// ClaimAndStart picks up an order that is waiting for a courier and shows
// it in transit right away.
func (c *Coordinator) ClaimAndStart(ctx context.Context, id string) (*order.Order, error) {
	const op = "claim delivery"
	v, err := c.load(ctx, op, id, projection.RoleStaff)
	if err != nil {
		return nil, err
	}
	if v.Projected != projection.Pending {
		return nil, c.invalid(ctx, op, id, "order is not available for pickup")
	}
	return c.run(ctx, op, id, projection.InTransit, func(ctx context.Context) (*order.Order, error) {
		return c.api.UpdateDelivery(ctx, id, enum.DeliveryPickedUp, nil)
	})
}

// MarkDelivered completes a delivery. A proof photo is required.
func (c *Coordinator) MarkDelivered(ctx context.Context, id string, proof *client.Artifact) (*order.Order, error) {
	const op = "mark delivered"
	if proof == nil || len(proof.Data) == 0 {
		return nil, c.invalid(ctx, op, id, "proof of delivery photo is required")
	}
	v, err := c.load(ctx, op, id, projection.RoleStaff)
	if err != nil {
		return nil, err
	}
	if v.Projected != projection.InTransit {
		return nil, c.invalid(ctx, op, id, "order is not in transit")
	}
	return c.run(ctx, op, id, projection.Completed, func(ctx context.Context) (*order.Order, error) {
		return c.api.UpdateDelivery(ctx, id, enum.DeliveryDelivered, proof)
	})
}

// --- Vendor ---

// Confirm accepts a new order.
func (c *Coordinator) Confirm(ctx context.Context, id string) (*order.Order, error) {
	return c.vendorStatus(ctx, "confirm order", id, order.StatusConfirmed, projection.VendorAccepted)
}

// Reject refuses an order that has not been delivered yet.
func (c *Coordinator) Reject(ctx context.Context, id string) (*order.Order, error) {
	return c.vendorStatus(ctx, "reject order", id, order.StatusRejected, projection.VendorRejected)
}

// StartPreparing moves a confirmed order into the kitchen.
func (c *Coordinator) StartPreparing(ctx context.Context, id string) (*order.Order, error) {
	return c.vendorStatus(ctx, "start preparing", id, order.StatusPreparing, projection.VendorPreparing)
}

// MarkReady hands a prepared order over for pickup.
func (c *Coordinator) MarkReady(ctx context.Context, id string) (*order.Order, error) {
	return c.vendorStatus(ctx, "mark ready", id, order.StatusReadyForPickup, projection.VendorReady)
}

func (c *Coordinator) vendorStatus(ctx context.Context, op, id string, next order.Status, optimistic projection.Projected) (*order.Order, error) {
	v, err := c.load(ctx, op, id, projection.RoleVendor)
	if err != nil {
		return nil, err
	}
	if !order.CanTransition(v.Status, next) {
		return nil, c.invalid(ctx, op, id, fmt.Sprintf("cannot move from %s to %s", v.Status, next))
	}
	return c.run(ctx, op, id, optimistic, func(ctx context.Context) (*order.Order, error) {
		return c.api.UpdateStatus(ctx, id, next)
	})
}

// --- Student ---

// Cancel withdraws an order the vendor has not started on.
func (c *Coordinator) Cancel(ctx context.Context, id string) (*order.Order, error) {
	const op = "cancel order"
	v, err := c.load(ctx, op, id, projection.RoleStudent)
	if err != nil {
		return nil, err
	}
	if v.Projected != projection.Pending || !order.CanTransition(v.Status, order.StatusRejected) {
		return nil, c.invalid(ctx, op, id, "order can no longer be cancelled")
	}
	return c.run(ctx, op, id, projection.Cancelled, func(ctx context.Context) (*order.Order, error) {
		return c.api.UpdateStatus(ctx, id, order.StatusRejected)
	})
}

// RateOrder records the student's rating. An order is rated once, after
// delivery.
func (c *Coordinator) RateOrder(ctx context.Context, id string, rating int, comment string) (*order.Order, error) {
	const op = "rate order"
	if rating < MinRating || rating > MaxRating {
		return nil, c.invalid(ctx, op, id, fmt.Sprintf("rating must be between %d and %d", MinRating, MaxRating))
	}
	if utf8.RuneCountInString(comment) > MaxCommentLength {
		return nil, c.invalid(ctx, op, id, fmt.Sprintf("comment must be at most %d characters", MaxCommentLength))
	}
	v, err := c.load(ctx, op, id, projection.RoleStudent)
	if err != nil {
		return nil, err
	}
	if v.Projected != projection.Delivered {
		return nil, c.invalid(ctx, op, id, "only delivered orders can be rated")
	}
	if v.Order != nil && v.Order.Rated() {
		return nil, c.invalid(ctx, op, id, "order has already been rated")
	}

	return c.run(ctx, op, id, "", func(ctx context.Context) (*order.Order, error) {
		o, err := c.api.Rate(ctx, id, rating, comment)
		if err != nil {
			return nil, err
		}
		if o == nil {
			if o = v.Order.Clone(); o == nil {
				o = &order.Order{ID: id, Status: v.Status}
			}
		}
		if o.Rating == nil {
			r := rating
			o.Rating = &r
		}
		return o, nil
	})
}

// RequestRefund files a refund request. Only card payments are refundable.
func (c *Coordinator) RequestRefund(ctx context.Context, id string, r client.Refund) error {
	const op = "request refund"
	v, err := c.load(ctx, op, id, projection.RoleStudent)
	if err != nil {
		return err
	}
	if v.Order == nil || !v.Order.Refundable() {
		return c.invalid(ctx, op, id, "payment method is not refundable")
	}
	if strings.TrimSpace(r.Issue) == "" {
		return c.invalid(ctx, op, id, "issue is required")
	}

	_, err = c.run(ctx, op, id, "", func(ctx context.Context) (*order.Order, error) {
		return nil, c.api.RequestRefund(ctx, id, r)
	})
	return err
}

// --- Helpers ---

func (c *Coordinator) load(ctx context.Context, op, id string, role projection.Role) (tracker.View, error) {
	if c.views.Role() != role {
		return tracker.View{}, c.invalid(ctx, op, id, "not allowed for "+string(c.views.Role()))
	}
	v, f := c.views.Get(id)
	if f == cache.Miss {
		return tracker.View{}, c.invalid(ctx, op, id, "order is not loaded")
	}
	if f == cache.Fresh {
		return v, nil
	}

	// Push-created entries hold only a status. Preconditions need the full
	// record, so a stale entry is re-fetched before it is checked.
	if _, err := c.views.Fetch(ctx, id); err != nil {
		if partial(v) {
			return tracker.View{}, fmt.Errorf("%s %s: refresh order: %w", op, id, err)
		}
		return v, nil
	}
	if fresh, f := c.views.Get(id); f != cache.Miss {
		v = fresh
	}
	return v, nil
}

// partial reports whether v was built from a status push alone.
func partial(v tracker.View) bool {
	return v.Order == nil || v.Order.PaymentMethod == ""
}

func (c *Coordinator) invalid(ctx context.Context, op, id, reason string) error {
	err := &ValidationError{OrderID: id, Op: op, Reason: reason}
	c.notifier.Notify(ctx, notify.Notification{
		OrderID: id,
		Role:    c.views.Role(),
		Kind:    notify.KindValidation,
		Message: err.Error(),
	})
	return err
}

// run applies optimistic (when set), sends the request and settles the
// local view with the answer. Once the owning view is gone the answer is
// returned but the cache is left alone.
func (c *Coordinator) run(ctx context.Context, op, id string, optimistic projection.Projected, send func(context.Context) (*order.Order, error)) (*order.Order, error) {
	c.mu.Lock()
	if c.inFlight[id] {
		c.mu.Unlock()
		return nil, ErrMutationInFlight
	}
	c.inFlight[id] = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.inFlight, id)
		c.mu.Unlock()
	}()

	var applied bool
	if optimistic != "" {
		_, applied = c.views.ApplyOptimistic(id, optimistic)
	}

	o, err := send(ctx)
	if !c.views.Active() {
		if err != nil {
			return nil, err
		}
		return o, nil
	}

	if err != nil {
		var rolled tracker.View
		if applied {
			rolled, _ = c.views.Rollback(id)
		}
		if !client.IsRejection(err) {
			return nil, fmt.Errorf("%s %s: %w", op, id, err)
		}
		rej := &ServerRejection{OrderID: id, Op: op, Err: err}
		c.notifier.Notify(ctx, notify.Notification{
			OrderID:   id,
			Role:      c.views.Role(),
			Kind:      notify.KindRejection,
			Previous:  optimistic,
			Projected: rolled.Projected,
			Message:   rej.Error(),
		})
		return nil, rej
	}

	if o != nil {
		if o.ID == "" {
			o.ID = id
		}
		c.views.Confirm(o)
	} else if applied {
		c.views.Rollback(id)
	}
	return o, nil
}
