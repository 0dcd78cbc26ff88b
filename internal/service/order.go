package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"unicode/utf8"

	"github.com/campusbite/ordersync/internal/enum"
	"github.com/campusbite/ordersync/internal/order"
	"github.com/google/uuid"
)

// Errors returned by the order service.
var (
	ErrNotFound       = errors.New("order not found")
	ErrConflict       = errors.New("order status changed, please retry")
	ErrForbidden      = errors.New("not allowed for this order")
	ErrProofRequired  = errors.New("proof_image is required for delivered")
	ErrInvalidRating  = fmt.Errorf("rating must be between %d and %d", order.MinRating, order.MaxRating)
	ErrCommentTooLong = fmt.Errorf("comment must be at most %d characters", order.MaxCommentLength)
	ErrNotRateable    = errors.New("order is not delivered or already rated")
	ErrNotRefundable  = errors.New("only card payments can be refunded")
	ErrInvalidIssue   = errors.New("invalid refund issue")
)

// Actor is the authenticated caller.
type Actor struct {
	ID   uuid.UUID
	Role string
}

// Store defines the DB methods the order service needs.
// Satisfied by *store.Postgres. Conditional updates return ErrConflict when
// the row is no longer in the expected status.
type Store interface {
	GetOrder(ctx context.Context, id string) (*order.Order, error)
	ListOrders(ctx context.Context, actor Actor) ([]*order.Order, error)
	UpdateOrderStatus(ctx context.Context, id string, prev, next order.Status) (*order.Order, error)
	AssignDelivery(ctx context.Context, id string, staffID uuid.UUID, prev order.Status) (*order.Order, error)
	MarkDelivered(ctx context.Context, id string, proofRef string, prev order.Status) (*order.Order, error)
	SetRating(ctx context.Context, id string, rating int, comment string) (*order.Order, error)
	CreateRefund(ctx context.Context, r Refund) error
}

// ArtifactStore keeps uploaded files and returns a reference to them.
type ArtifactStore interface {
	Put(ctx context.Context, key, contentType string, body io.Reader) (string, error)
}

// Broadcaster pushes status changes to connected dashboards.
type Broadcaster interface {
	BroadcastStatus(orderID string, status order.Status, actors ...uuid.UUID)
	BroadcastRole(role, orderID string, status order.Status)
}

// Publisher hands status changes to other backend services.
type Publisher interface {
	PublishStatus(ctx context.Context, o *order.Order) error
}

// Proof is an uploaded proof-of-delivery image.
type Proof struct {
	Filename    string
	ContentType string
	Body        io.Reader
}

// Refund is a validated refund request.
type Refund struct {
	OrderID     string
	RequestedBy uuid.UUID
	Issue       string
	Description string
	Details     map[string]string
}

var refundIssues = map[string]bool{
	enum.RefundIssueMissingItems: true,
	enum.RefundIssueWrongOrder:   true,
	enum.RefundIssueQuality:      true,
	enum.RefundIssueNotDelivered: true,
}

// roleTargets lists the statuses each role may set through UpdateStatus.
// Delivery progress goes through UpdateDelivery instead.
var roleTargets = map[string]map[order.Status]bool{
	enum.RoleVendor: {
		order.StatusConfirmed:         true,
		order.StatusPaymentProcessing: true,
		order.StatusPreparing:         true,
		order.StatusReadyForPickup:    true,
		order.StatusRejected:          true,
	},
	enum.RoleStudent: {
		order.StatusRejected: true,
	},
	enum.RoleStaff: {
		order.StatusArrivingSoon: true,
	},
}

// OrderService handles the order lifecycle on the gateway.
type OrderService struct {
	store     Store
	artifacts ArtifactStore
	hub       Broadcaster
	publisher Publisher
	log       *slog.Logger
}

// NewOrderService creates a new OrderService. publisher may be nil.
func NewOrderService(store Store, artifacts ArtifactStore, hub Broadcaster, publisher Publisher, log *slog.Logger) *OrderService {
	return &OrderService{
		store:     store,
		artifacts: artifacts,
		hub:       hub,
		publisher: publisher,
		log:       log.With("component", "order-service"),
	}
}

// Get returns an order the actor may see.
func (s *OrderService) Get(ctx context.Context, actor Actor, id string) (*order.Order, error) {
	o, err := s.store.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canView(actor, o) {
		// Hide existence from unrelated actors
		return nil, ErrNotFound
	}
	return o, nil
}

// List returns every order visible to the actor.
func (s *OrderService) List(ctx context.Context, actor Actor) ([]*order.Order, error) {
	orders, err := s.store.ListOrders(ctx, actor)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return orders, nil
}

// UpdateStatus moves an order to next on behalf of a vendor, a student
// cancelling a pending order, or the assigned staff member.
func (s *OrderService) UpdateStatus(ctx context.Context, actor Actor, id string, next order.Status) (*order.Order, error) {
	if !next.Valid() {
		return nil, fmt.Errorf("%w: %q", order.ErrUnknownStatus, next)
	}
	o, err := s.Get(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if !roleTargets[actor.Role][next] || !isParty(actor, o) {
		return nil, ErrForbidden
	}
	// Students may only cancel before the vendor has answered
	if actor.Role == enum.RoleStudent && o.Status != order.StatusPendingConfirmation {
		return nil, fmt.Errorf("%w: cannot transition from %s to %s", order.ErrIllegalTransition, o.Status, next)
	}
	if err := order.ValidateTransition(o.Status, next); err != nil {
		return nil, err
	}

	updated, err := s.store.UpdateOrderStatus(ctx, id, o.Status, next)
	if err != nil {
		return nil, err
	}
	s.changed(ctx, updated)
	return updated, nil
}

// UpdateDelivery records a pickup or a delivery by staff. A pickup claims an
// unassigned order; a delivery needs the proof image.
func (s *OrderService) UpdateDelivery(ctx context.Context, actor Actor, id, deliveryStatus string, proof *Proof) (*order.Order, error) {
	if actor.Role != enum.RoleStaff {
		return nil, ErrForbidden
	}
	var next order.Status
	switch deliveryStatus {
	case enum.DeliveryPickedUp:
		next = order.StatusOnTheWay
	case enum.DeliveryDelivered:
		next = order.StatusDelivered
		if proof == nil || proof.Body == nil {
			return nil, ErrProofRequired
		}
	default:
		return nil, fmt.Errorf("invalid delivery_status %q", deliveryStatus)
	}

	o, err := s.Get(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if err := order.ValidateTransition(o.Status, next); err != nil {
		return nil, err
	}

	var updated *order.Order
	if next == order.StatusOnTheWay {
		updated, err = s.store.AssignDelivery(ctx, id, actor.ID, o.Status)
	} else {
		if !isParty(actor, o) {
			return nil, ErrForbidden
		}
		var ref string
		ref, err = s.artifacts.Put(ctx, proofKey(id, proof.Filename), proof.ContentType, proof.Body)
		if err != nil {
			return nil, fmt.Errorf("store proof of delivery: %w", err)
		}
		updated, err = s.store.MarkDelivered(ctx, id, ref, o.Status)
	}
	if err != nil {
		return nil, err
	}
	s.changed(ctx, updated)
	return updated, nil
}

// Rate records the student's rating of a delivered order. Status is
// unchanged so nothing is broadcast.
func (s *OrderService) Rate(ctx context.Context, actor Actor, id string, rating int, comment string) (*order.Order, error) {
	if rating < order.MinRating || rating > order.MaxRating {
		return nil, ErrInvalidRating
	}
	if utf8.RuneCountInString(comment) > order.MaxCommentLength {
		return nil, ErrCommentTooLong
	}
	o, err := s.Get(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if actor.Role != enum.RoleStudent || !isParty(actor, o) {
		return nil, ErrForbidden
	}
	if !o.Rateable() {
		return nil, ErrNotRateable
	}
	return s.store.SetRating(ctx, id, rating, strings.TrimSpace(comment))
}

// RequestRefund files a refund request for a card-paid order.
func (s *OrderService) RequestRefund(ctx context.Context, actor Actor, r Refund) error {
	if !refundIssues[r.Issue] {
		return ErrInvalidIssue
	}
	o, err := s.Get(ctx, actor, r.OrderID)
	if err != nil {
		return err
	}
	if actor.Role != enum.RoleStudent || !isParty(actor, o) {
		return ErrForbidden
	}
	if !o.Refundable() {
		return ErrNotRefundable
	}
	r.RequestedBy = actor.ID
	if err := s.store.CreateRefund(ctx, r); err != nil {
		return fmt.Errorf("create refund: %w", err)
	}
	return nil
}

// Relay broadcasts a status change that another backend service already
// persisted. The stored row is authoritative; the event only names it.
func (s *OrderService) Relay(ctx context.Context, id string) error {
	o, err := s.store.GetOrder(ctx, id)
	if err != nil {
		return fmt.Errorf("relay %s: %w", id, err)
	}
	s.broadcast(o)
	return nil
}

// changed fans a committed status change out to dashboards and, when
// configured, to other services. Publishing failures are logged only.
func (s *OrderService) changed(ctx context.Context, o *order.Order) {
	s.broadcast(o)
	s.log.Info("order status changed", "order_id", o.ID, "status", o.Status.String())
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishStatus(ctx, o); err != nil {
		s.log.Error("publish status change", "order_id", o.ID, "error", err)
	}
}

func (s *OrderService) broadcast(o *order.Order) {
	s.hub.BroadcastStatus(o.ID, o.Status, partyIDs(o)...)
	// Unassigned orders ready for pickup show up on every staff dashboard
	if o.Status == order.StatusReadyForPickup && o.DeliveryStaffRef == nil {
		s.hub.BroadcastRole(enum.RoleStaff, o.ID, o.Status)
	}
}

// --- Helpers ---

func partyIDs(o *order.Order) []uuid.UUID {
	refs := []string{o.CustomerRef, o.VendorRef}
	if o.DeliveryStaffRef != nil {
		refs = append(refs, *o.DeliveryStaffRef)
	}
	ids := make([]uuid.UUID, 0, len(refs))
	for _, ref := range refs {
		if id, err := uuid.Parse(ref); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

// isParty reports whether the actor is the order's customer, vendor or
// assigned staff member, according to the actor's role.
func isParty(actor Actor, o *order.Order) bool {
	id := actor.ID.String()
	switch actor.Role {
	case enum.RoleStudent:
		return o.CustomerRef == id
	case enum.RoleVendor:
		return o.VendorRef == id
	case enum.RoleStaff:
		return o.DeliveryStaffRef != nil && *o.DeliveryStaffRef == id
	}
	return false
}

// canView also lets staff see unassigned orders waiting for pickup.
func canView(actor Actor, o *order.Order) bool {
	if isParty(actor, o) {
		return true
	}
	return actor.Role == enum.RoleStaff && o.DeliveryStaffRef == nil && o.Status == order.StatusReadyForPickup
}

func proofKey(orderID, filename string) string {
	ext := strings.ToLower(path.Ext(filename))
	if len(ext) > 8 {
		ext = ""
	}
	return path.Join("proofs", orderID, uuid.NewString()+ext)
}
