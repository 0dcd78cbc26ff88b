package service_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/campusbite/ordersync/internal/logger"
	"github.com/campusbite/ordersync/internal/order"
	"github.com/campusbite/ordersync/internal/service"
	"github.com/google/uuid"
)

// ── Mock store ─────────────────────────────────────────────────────────────

type mockStore struct {
	mu      sync.Mutex
	orders  map[string]*order.Order
	refunds []service.Refund

	updateErr error
}

func newMockStore(orders ...*order.Order) *mockStore {
	m := &mockStore{orders: make(map[string]*order.Order)}
	for _, o := range orders {
		m.orders[o.ID] = o
	}
	return m
}

func (m *mockStore) GetOrder(_ context.Context, id string) (*order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, service.ErrNotFound
	}
	return o.Clone(), nil
}

func (m *mockStore) ListOrders(_ context.Context, actor service.Actor) ([]*order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*order.Order
	for _, o := range m.orders {
		if o.CustomerRef == actor.ID.String() || o.VendorRef == actor.ID.String() {
			out = append(out, o.Clone())
		}
	}
	return out, nil
}

func (m *mockStore) update(id string, prev order.Status, fn func(o *order.Order)) (*order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return nil, m.updateErr
	}
	o, ok := m.orders[id]
	if !ok {
		return nil, service.ErrNotFound
	}
	if o.Status != prev {
		return nil, service.ErrConflict
	}
	fn(o)
	return o.Clone(), nil
}

func (m *mockStore) UpdateOrderStatus(_ context.Context, id string, prev, next order.Status) (*order.Order, error) {
	return m.update(id, prev, func(o *order.Order) { o.Status = next })
}

func (m *mockStore) AssignDelivery(_ context.Context, id string, staffID uuid.UUID, prev order.Status) (*order.Order, error) {
	return m.update(id, prev, func(o *order.Order) {
		ref := staffID.String()
		o.DeliveryStaffRef = &ref
		o.Status = order.StatusOnTheWay
	})
}

func (m *mockStore) MarkDelivered(_ context.Context, id, proofRef string, prev order.Status) (*order.Order, error) {
	return m.update(id, prev, func(o *order.Order) {
		o.ProofOfDeliveryRef = &proofRef
		o.Status = order.StatusDelivered
	})
}

func (m *mockStore) SetRating(_ context.Context, id string, rating int, _ string) (*order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := m.orders[id]
	if o.Rating != nil {
		return nil, service.ErrConflict
	}
	o.Rating = &rating
	return o.Clone(), nil
}

func (m *mockStore) CreateRefund(_ context.Context, r service.Refund) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refunds = append(m.refunds, r)
	return nil
}

// ── Mock collaborators ─────────────────────────────────────────────────────

type mockArtifacts struct {
	putFn func(key, contentType string, body io.Reader) (string, error)
	keys  []string
}

func (m *mockArtifacts) Put(_ context.Context, key, contentType string, body io.Reader) (string, error) {
	m.keys = append(m.keys, key)
	if m.putFn != nil {
		return m.putFn(key, contentType, body)
	}
	return "s3://proofs/" + key, nil
}

type broadcast struct {
	orderID string
	status  order.Status
	actors  []uuid.UUID
	role    string
}

type mockHub struct {
	mu   sync.Mutex
	sent []broadcast
}

func (m *mockHub) BroadcastStatus(orderID string, status order.Status, actors ...uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, broadcast{orderID: orderID, status: status, actors: actors})
}

func (m *mockHub) BroadcastRole(role, orderID string, status order.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, broadcast{orderID: orderID, status: status, role: role})
}

type mockPublisher struct {
	err       error
	published []order.Status
}

func (m *mockPublisher) PublishStatus(_ context.Context, o *order.Order) error {
	m.published = append(m.published, o.Status)
	return m.err
}

// ── Fixtures ───────────────────────────────────────────────────────────────

var (
	studentID = uuid.MustParse("11111111-1111-1111-1111-111111111111")
	vendorID  = uuid.MustParse("22222222-2222-2222-2222-222222222222")
	staffID   = uuid.MustParse("33333333-3333-3333-3333-333333333333")
	otherID   = uuid.MustParse("44444444-4444-4444-4444-444444444444")

	student = service.Actor{ID: studentID, Role: "STUDENT"}
	vendor  = service.Actor{ID: vendorID, Role: "VENDOR"}
	staff   = service.Actor{ID: staffID, Role: "STAFF"}
)

func testOrder(id string, status order.Status) *order.Order {
	return &order.Order{
		ID:            id,
		Code:          "CB-" + id,
		Status:        status,
		CustomerRef:   studentID.String(),
		VendorRef:     vendorID.String(),
		PaymentMethod: "CARD",
	}
}

type fixture struct {
	svc       *service.OrderService
	store     *mockStore
	artifacts *mockArtifacts
	hub       *mockHub
	publisher *mockPublisher
}

func newFixture(orders ...*order.Order) *fixture {
	f := &fixture{
		store:     newMockStore(orders...),
		artifacts: &mockArtifacts{},
		hub:       &mockHub{},
		publisher: &mockPublisher{},
	}
	f.svc = service.NewOrderService(f.store, f.artifacts, f.hub, f.publisher, logger.Discard())
	return f
}

// ── Tests ──────────────────────────────────────────────────────────────────

func TestGet_HidesOrdersOfOtherActors(t *testing.T) {
	f := newFixture(testOrder("A1", order.StatusPreparing))

	if _, err := f.svc.Get(context.Background(), student, "A1"); err != nil {
		t.Fatalf("customer Get: %v", err)
	}
	stranger := service.Actor{ID: otherID, Role: "STUDENT"}
	if _, err := f.svc.Get(context.Background(), stranger, "A1"); !errors.Is(err, service.ErrNotFound) {
		t.Fatalf("stranger Get = %v, want ErrNotFound", err)
	}
	// Staff only see an unassigned order once it is ready for pickup
	if _, err := f.svc.Get(context.Background(), staff, "A1"); !errors.Is(err, service.ErrNotFound) {
		t.Fatalf("staff Get = %v, want ErrNotFound", err)
	}
}

func TestUpdateStatus_VendorConfirm(t *testing.T) {
	f := newFixture(testOrder("A1", order.StatusPendingConfirmation))

	o, err := f.svc.UpdateStatus(context.Background(), vendor, "A1", order.StatusConfirmed)
	if err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if o.Status != order.StatusConfirmed {
		t.Errorf("status = %s", o.Status)
	}
	if len(f.hub.sent) != 1 {
		t.Fatalf("expected 1 broadcast, got %d", len(f.hub.sent))
	}
	b := f.hub.sent[0]
	if b.orderID != "A1" || b.status != order.StatusConfirmed || len(b.actors) != 2 {
		t.Errorf("broadcast = %+v", b)
	}
	if len(f.publisher.published) != 1 {
		t.Errorf("expected status change to be published")
	}
}

func TestUpdateStatus_ReadyForPickupReachesStaff(t *testing.T) {
	f := newFixture(testOrder("A1", order.StatusPreparing))

	if _, err := f.svc.UpdateStatus(context.Background(), vendor, "A1", order.StatusReadyForPickup); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if len(f.hub.sent) != 2 || f.hub.sent[1].role != "STAFF" {
		t.Fatalf("expected party and staff broadcasts, got %+v", f.hub.sent)
	}
}

func TestUpdateStatus_Refusals(t *testing.T) {
	tests := []struct {
		name   string
		actor  service.Actor
		status order.Status
		next   order.Status
		want   error
	}{
		{"illegal jump", vendor, order.StatusPendingConfirmation, order.StatusReadyForPickup, order.ErrIllegalTransition},
		{"unknown status", vendor, order.StatusPendingConfirmation, "COOKING", order.ErrUnknownStatus},
		{"student cannot confirm", student, order.StatusPendingConfirmation, order.StatusConfirmed, service.ErrForbidden},
		{"student cancel after confirm", student, order.StatusConfirmed, order.StatusRejected, order.ErrIllegalTransition},
		{"other vendor", service.Actor{ID: otherID, Role: "VENDOR"}, order.StatusPendingConfirmation, order.StatusConfirmed, service.ErrNotFound},
		{"terminal", vendor, order.StatusRejected, order.StatusConfirmed, order.ErrIllegalTransition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(testOrder("A1", tt.status))
			_, err := f.svc.UpdateStatus(context.Background(), tt.actor, "A1", tt.next)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if len(f.hub.sent) != 0 {
				t.Errorf("refused update must not broadcast")
			}
		})
	}
}

func TestUpdateStatus_StudentCancelsPending(t *testing.T) {
	f := newFixture(testOrder("A1", order.StatusPendingConfirmation))

	o, err := f.svc.UpdateStatus(context.Background(), student, "A1", order.StatusRejected)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if o.Status != order.StatusRejected {
		t.Errorf("status = %s", o.Status)
	}
}

func TestUpdateStatus_ConcurrentChangeConflicts(t *testing.T) {
	f := newFixture(testOrder("A1", order.StatusPendingConfirmation))
	f.store.updateErr = service.ErrConflict

	if _, err := f.svc.UpdateStatus(context.Background(), vendor, "A1", order.StatusConfirmed); !errors.Is(err, service.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}

func TestUpdateDelivery_PickupAssignsStaff(t *testing.T) {
	f := newFixture(testOrder("A1", order.StatusReadyForPickup))

	o, err := f.svc.UpdateDelivery(context.Background(), staff, "A1", "picked-up", nil)
	if err != nil {
		t.Fatalf("pickup: %v", err)
	}
	if o.Status != order.StatusOnTheWay {
		t.Errorf("status = %s", o.Status)
	}
	if o.DeliveryStaffRef == nil || *o.DeliveryStaffRef != staffID.String() {
		t.Errorf("staff not assigned: %v", o.DeliveryStaffRef)
	}
	if got := f.hub.sent[0].actors; len(got) != 3 {
		t.Errorf("broadcast should reach customer, vendor and staff, got %v", got)
	}
}

func TestUpdateDelivery_PickupByAnotherStaffConflicts(t *testing.T) {
	o := testOrder("A1", order.StatusReadyForPickup)
	ref := otherID.String()
	o.DeliveryStaffRef = &ref
	f := newFixture(o)

	// Not assigned to this staff member, and no longer open for pickup
	if _, err := f.svc.UpdateDelivery(context.Background(), staff, "A1", "picked-up", nil); !errors.Is(err, service.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdateDelivery_DeliveredRequiresProof(t *testing.T) {
	o := testOrder("A1", order.StatusOnTheWay)
	ref := staffID.String()
	o.DeliveryStaffRef = &ref
	f := newFixture(o)

	if _, err := f.svc.UpdateDelivery(context.Background(), staff, "A1", "delivered", nil); !errors.Is(err, service.ErrProofRequired) {
		t.Fatalf("err = %v, want ErrProofRequired", err)
	}

	proof := &service.Proof{Filename: "door.JPG", ContentType: "image/jpeg", Body: strings.NewReader("jpeg")}
	got, err := f.svc.UpdateDelivery(context.Background(), staff, "A1", "delivered", proof)
	if err != nil {
		t.Fatalf("delivered: %v", err)
	}
	if got.Status != order.StatusDelivered {
		t.Errorf("status = %s", got.Status)
	}
	if len(f.artifacts.keys) != 1 || !strings.HasPrefix(f.artifacts.keys[0], "proofs/A1/") || !strings.HasSuffix(f.artifacts.keys[0], ".jpg") {
		t.Errorf("proof key = %v", f.artifacts.keys)
	}
	if got.ProofOfDeliveryRef == nil || !strings.HasPrefix(*got.ProofOfDeliveryRef, "s3://") {
		t.Errorf("proof ref = %v", got.ProofOfDeliveryRef)
	}
}

func TestUpdateDelivery_ProofUploadFailure(t *testing.T) {
	o := testOrder("A1", order.StatusOnTheWay)
	ref := staffID.String()
	o.DeliveryStaffRef = &ref
	f := newFixture(o)
	f.artifacts.putFn = func(string, string, io.Reader) (string, error) {
		return "", errors.New("bucket unavailable")
	}

	proof := &service.Proof{Filename: "p.png", Body: strings.NewReader("png")}
	if _, err := f.svc.UpdateDelivery(context.Background(), staff, "A1", "delivered", proof); err == nil {
		t.Fatal("expected error")
	}
	if s, _ := f.store.GetOrder(context.Background(), "A1"); s.Status != order.StatusOnTheWay {
		t.Errorf("status changed despite failed upload: %s", s.Status)
	}
	if len(f.hub.sent) != 0 {
		t.Errorf("failed delivery must not broadcast")
	}
}

func TestUpdateDelivery_StudentForbidden(t *testing.T) {
	f := newFixture(testOrder("A1", order.StatusReadyForPickup))

	if _, err := f.svc.UpdateDelivery(context.Background(), student, "A1", "picked-up", nil); !errors.Is(err, service.ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}
}

func TestRate(t *testing.T) {
	f := newFixture(testOrder("A1", order.StatusDelivered), testOrder("A2", order.StatusPreparing))

	tests := []struct {
		name    string
		id      string
		rating  int
		comment string
		want    error
	}{
		{"too low", "A1", 0, "", service.ErrInvalidRating},
		{"too high", "A1", 6, "", service.ErrInvalidRating},
		{"long comment", "A1", 4, strings.Repeat("é", 501), service.ErrCommentTooLong},
		{"not delivered", "A2", 4, "", service.ErrNotRateable},
		{"ok", "A1", 4, strings.Repeat("é", 500), nil},
		{"already rated", "A1", 5, "", service.ErrNotRateable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Rate(context.Background(), student, tt.id, tt.rating, tt.comment)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
	if len(f.hub.sent) != 0 {
		t.Errorf("rating must not broadcast")
	}
}

func TestRequestRefund(t *testing.T) {
	cash := testOrder("A2", order.StatusDelivered)
	cash.PaymentMethod = "CASH_ON_DELIVERY"
	f := newFixture(testOrder("A1", order.StatusDelivered), cash)
	ctx := context.Background()

	if err := f.svc.RequestRefund(ctx, student, service.Refund{OrderID: "A1", Issue: "LATE"}); !errors.Is(err, service.ErrInvalidIssue) {
		t.Errorf("unknown issue: %v", err)
	}
	if err := f.svc.RequestRefund(ctx, student, service.Refund{OrderID: "A2", Issue: "QUALITY"}); !errors.Is(err, service.ErrNotRefundable) {
		t.Errorf("cash order: %v", err)
	}
	if err := f.svc.RequestRefund(ctx, vendor, service.Refund{OrderID: "A1", Issue: "QUALITY"}); !errors.Is(err, service.ErrForbidden) {
		t.Errorf("vendor: %v", err)
	}

	err := f.svc.RequestRefund(ctx, student, service.Refund{
		OrderID: "A1",
		Issue:   "MISSING_ITEMS",
		Details: map[string]string{"missing_items": "fries"},
	})
	if err != nil {
		t.Fatalf("RequestRefund: %v", err)
	}
	if len(f.store.refunds) != 1 || f.store.refunds[0].RequestedBy != studentID {
		t.Errorf("refunds = %+v", f.store.refunds)
	}
}

func TestRelay(t *testing.T) {
	f := newFixture(testOrder("A1", order.StatusArrivingSoon))

	if err := f.svc.Relay(context.Background(), "A1"); err != nil {
		t.Fatalf("Relay: %v", err)
	}
	if len(f.hub.sent) != 1 || f.hub.sent[0].status != order.StatusArrivingSoon {
		t.Errorf("broadcasts = %+v", f.hub.sent)
	}
	if len(f.publisher.published) != 0 {
		t.Errorf("relayed changes must not be published again")
	}
	if err := f.svc.Relay(context.Background(), "missing"); !errors.Is(err, service.ErrNotFound) {
		t.Errorf("missing order: %v", err)
	}
}

func TestPublishFailureDoesNotFailUpdate(t *testing.T) {
	f := newFixture(testOrder("A1", order.StatusPendingConfirmation))
	f.publisher.err = errors.New("broker down")

	if _, err := f.svc.UpdateStatus(context.Background(), vendor, "A1", order.StatusConfirmed); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
}
