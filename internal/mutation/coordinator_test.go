package mutation

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/campusbite/ordersync/internal/cache"
	"github.com/campusbite/ordersync/internal/client"
	"github.com/campusbite/ordersync/internal/logger"
	"github.com/campusbite/ordersync/internal/notify"
	"github.com/campusbite/ordersync/internal/order"
	"github.com/campusbite/ordersync/internal/projection"
	"github.com/campusbite/ordersync/internal/tracker"
)

// --- Mocks ---

type mockMutator struct {
	updateStatusFn   func(ctx context.Context, id string, status order.Status) (*order.Order, error)
	updateDeliveryFn func(ctx context.Context, id, deliveryStatus string, proof *client.Artifact) (*order.Order, error)
	rateFn           func(ctx context.Context, id string, rating int, comment string) (*order.Order, error)
	refundFn         func(ctx context.Context, id string, r client.Refund) error

	mu    sync.Mutex
	calls int
}

func (m *mockMutator) count() {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
}

func (m *mockMutator) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *mockMutator) UpdateStatus(ctx context.Context, id string, status order.Status) (*order.Order, error) {
	m.count()
	return m.updateStatusFn(ctx, id, status)
}

func (m *mockMutator) UpdateDelivery(ctx context.Context, id, deliveryStatus string, proof *client.Artifact) (*order.Order, error) {
	m.count()
	return m.updateDeliveryFn(ctx, id, deliveryStatus, proof)
}

func (m *mockMutator) Rate(ctx context.Context, id string, rating int, comment string) (*order.Order, error) {
	m.count()
	return m.rateFn(ctx, id, rating, comment)
}

func (m *mockMutator) RequestRefund(ctx context.Context, id string, r client.Refund) error {
	m.count()
	return m.refundFn(ctx, id, r)
}

type nopFetcher struct{}

func (nopFetcher) GetOrder(context.Context, string) (*order.Order, error) {
	return nil, errors.New("not found")
}

func (nopFetcher) ListOrders(context.Context) ([]*order.Order, error) { return nil, nil }

type stubFetcher struct {
	getFn func(ctx context.Context, id string) (*order.Order, error)
}

func (f stubFetcher) GetOrder(ctx context.Context, id string) (*order.Order, error) {
	return f.getFn(ctx, id)
}

func (stubFetcher) ListOrders(context.Context) ([]*order.Order, error) { return nil, nil }

type captured struct {
	mu    sync.Mutex
	notes []notify.Notification
}

func (c *captured) Notify(_ context.Context, n notify.Notification) {
	c.mu.Lock()
	c.notes = append(c.notes, n)
	c.mu.Unlock()
}

func (c *captured) last() notify.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.notes) == 0 {
		return notify.Notification{}
	}
	return c.notes[len(c.notes)-1]
}

func setup(t *testing.T, role projection.Role, orders ...*order.Order) (*Coordinator, *tracker.Tracker, *mockMutator, *captured) {
	t.Helper()
	tr := tracker.New(role, cache.New(), nopFetcher{}, nil, logger.Discard())
	t.Cleanup(tr.Close)
	for _, o := range orders {
		tr.Reconcile(o)
	}
	m := &mockMutator{}
	n := &captured{}
	return New(m, tr, n), tr, m, n
}

func rejection(msg string) error {
	return &client.Rejection{StatusCode: http.StatusConflict, Message: msg}
}

func isValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// --- Staff ---

func TestClaimAndStart_Success(t *testing.T) {
	c, tr, m, _ := setup(t, projection.RoleStaff, &order.Order{ID: "A1", Status: order.StatusReadyForPickup})

	var during projection.Projected
	m.updateDeliveryFn = func(_ context.Context, id, ds string, proof *client.Artifact) (*order.Order, error) {
		during, _ = tr.Projected(id)
		if ds != "picked-up" || proof != nil {
			t.Errorf("delivery_status=%q proof=%v", ds, proof)
		}
		return &order.Order{ID: id, Status: order.StatusOnTheWay}, nil
	}

	o, err := c.ClaimAndStart(context.Background(), "A1")
	if err != nil {
		t.Fatalf("ClaimAndStart: %v", err)
	}
	if during != projection.InTransit {
		t.Errorf("optimistic value while in flight = %q", during)
	}
	if o.Status != order.StatusOnTheWay {
		t.Errorf("returned status = %s", o.Status)
	}
	v, _ := tr.Get("A1")
	if v.Optimistic || v.Status != order.StatusOnTheWay || v.Projected != projection.InTransit {
		t.Errorf("settled view = %+v", v)
	}
}

func TestClaimAndStart_RejectionRollsBack(t *testing.T) {
	c, tr, m, n := setup(t, projection.RoleStaff, &order.Order{ID: "A1", Status: order.StatusReadyForPickup})
	m.updateDeliveryFn = func(context.Context, string, string, *client.Artifact) (*order.Order, error) {
		return nil, rejection("already claimed")
	}

	_, err := c.ClaimAndStart(context.Background(), "A1")
	var rej *ServerRejection
	if !errors.As(err, &rej) {
		t.Fatalf("expected *ServerRejection, got %v", err)
	}
	if !client.IsRejection(err) {
		t.Error("ServerRejection should unwrap to the client rejection")
	}

	v, _ := tr.Get("A1")
	if v.Projected != projection.Pending || v.Optimistic {
		t.Errorf("not rolled back: %+v", v)
	}
	if got := n.last(); got.Kind != notify.KindRejection || got.Projected != projection.Pending {
		t.Errorf("notification = %+v", got)
	}
}

func TestClaimAndStart_RollbackToLastConfirmed(t *testing.T) {
	// A push lands while the claim is in flight; rollback goes to that
	// status, not the one seen when the claim started.
	c, tr, m, _ := setup(t, projection.RoleStaff, &order.Order{ID: "A1", Status: order.StatusPreparing})
	m.updateDeliveryFn = func(ctx context.Context, id string, _ string, _ *client.Artifact) (*order.Order, error) {
		tr.HandleStatus(ctx, id, order.StatusOnTheWay)
		return nil, rejection("taken by another courier")
	}

	if _, err := c.ClaimAndStart(context.Background(), "A1"); err == nil {
		t.Fatal("expected error")
	}
	v, _ := tr.Get("A1")
	if v.Status != order.StatusOnTheWay || v.Projected != projection.InTransit {
		t.Errorf("view = %+v", v)
	}
}

func TestClaimAndStart_NotAvailable(t *testing.T) {
	c, _, m, _ := setup(t, projection.RoleStaff, &order.Order{ID: "A1", Status: order.StatusOnTheWay})
	if _, err := c.ClaimAndStart(context.Background(), "A1"); !isValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := c.ClaimAndStart(context.Background(), "missing"); !isValidation(err) {
		t.Fatalf("expected validation error for unknown order, got %v", err)
	}
	if m.Calls() != 0 {
		t.Errorf("calls = %d", m.Calls())
	}
}

func TestMarkDelivered_RequiresProof(t *testing.T) {
	c, tr, m, n := setup(t, projection.RoleStaff, &order.Order{ID: "A1", Status: order.StatusOnTheWay})

	for _, proof := range []*client.Artifact{nil, {Filename: "empty.jpg"}} {
		_, err := c.MarkDelivered(context.Background(), "A1", proof)
		if !isValidation(err) {
			t.Fatalf("expected validation error, got %v", err)
		}
	}
	if m.Calls() != 0 {
		t.Errorf("no request expected, got %d", m.Calls())
	}
	if p, _ := tr.Projected("A1"); p != projection.InTransit {
		t.Errorf("projected = %q", p)
	}
	if n.last().Kind != notify.KindValidation {
		t.Errorf("notification = %+v", n.last())
	}
}

func TestMarkDelivered_Success(t *testing.T) {
	c, tr, m, _ := setup(t, projection.RoleStaff, &order.Order{ID: "A1", Status: order.StatusArrivingSoon})
	ref := "proofs/A1.jpg"
	m.updateDeliveryFn = func(_ context.Context, id, ds string, proof *client.Artifact) (*order.Order, error) {
		if ds != "delivered" || proof == nil {
			t.Errorf("delivery_status=%q proof=%v", ds, proof)
		}
		return &order.Order{ID: id, Status: order.StatusDelivered, ProofOfDeliveryRef: &ref}, nil
	}

	_, err := c.MarkDelivered(context.Background(), "A1", &client.Artifact{Filename: "p.jpg", Data: []byte{0xff}})
	if err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}
	v, _ := tr.Get("A1")
	if v.Projected != projection.Completed || v.Order.ProofOfDeliveryRef == nil {
		t.Errorf("view = %+v", v)
	}
}

func TestMarkDelivered_TransportFailureRollsBack(t *testing.T) {
	c, tr, m, _ := setup(t, projection.RoleStaff, &order.Order{ID: "A1", Status: order.StatusOnTheWay})
	m.updateDeliveryFn = func(context.Context, string, string, *client.Artifact) (*order.Order, error) {
		return nil, errors.New("upload interrupted")
	}

	_, err := c.MarkDelivered(context.Background(), "A1", &client.Artifact{Data: []byte{1}})
	if err == nil || isValidation(err) {
		t.Fatalf("unexpected error %v", err)
	}
	var rej *ServerRejection
	if errors.As(err, &rej) {
		t.Error("transport failure is not a server rejection")
	}
	if p, _ := tr.Projected("A1"); p != projection.InTransit {
		t.Errorf("projected = %q, want in-transit", p)
	}
}

// --- Vendor ---

func TestVendorConfirmAndReject(t *testing.T) {
	c, tr, m, _ := setup(t, projection.RoleVendor,
		&order.Order{ID: "A1", Status: order.StatusPendingConfirmation},
		&order.Order{ID: "A2", Status: order.StatusDelivered},
	)
	m.updateStatusFn = func(_ context.Context, id string, s order.Status) (*order.Order, error) {
		return &order.Order{ID: id, Status: s}, nil
	}

	if _, err := c.Confirm(context.Background(), "A1"); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if p, _ := tr.Projected("A1"); p != projection.VendorAccepted {
		t.Errorf("A1 = %q", p)
	}

	if _, err := c.Reject(context.Background(), "A2"); !isValidation(err) {
		t.Fatalf("rejecting a delivered order should fail locally, got %v", err)
	}
	if m.Calls() != 1 {
		t.Errorf("calls = %d, want 1", m.Calls())
	}
}

func TestVendorKitchenFlow(t *testing.T) {
	c, tr, m, _ := setup(t, projection.RoleVendor,
		&order.Order{ID: "A1", Status: order.StatusConfirmed},
		&order.Order{ID: "A2", Status: order.StatusPendingConfirmation},
	)
	var sent []order.Status
	m.updateStatusFn = func(_ context.Context, id string, s order.Status) (*order.Order, error) {
		sent = append(sent, s)
		return &order.Order{ID: id, Status: s}, nil
	}

	if _, err := c.StartPreparing(context.Background(), "A1"); err != nil {
		t.Fatalf("StartPreparing: %v", err)
	}
	if p, _ := tr.Projected("A1"); p != projection.VendorPreparing {
		t.Errorf("after StartPreparing A1 = %q", p)
	}
	if _, err := c.MarkReady(context.Background(), "A1"); err != nil {
		t.Fatalf("MarkReady: %v", err)
	}
	if p, _ := tr.Projected("A1"); p != projection.VendorReady {
		t.Errorf("after MarkReady A1 = %q", p)
	}

	if _, err := c.MarkReady(context.Background(), "A2"); !isValidation(err) {
		t.Fatalf("an unconfirmed order cannot be ready, got %v", err)
	}
	if len(sent) != 2 || sent[0] != order.StatusPreparing || sent[1] != order.StatusReadyForPickup {
		t.Errorf("sent = %v", sent)
	}
}

func TestWrongRole(t *testing.T) {
	c, _, m, _ := setup(t, projection.RoleStudent, &order.Order{ID: "A1", Status: order.StatusPendingConfirmation})
	if _, err := c.Confirm(context.Background(), "A1"); !isValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if m.Calls() != 0 {
		t.Errorf("calls = %d", m.Calls())
	}
}

// --- Student ---

func TestCancel(t *testing.T) {
	c, tr, m, _ := setup(t, projection.RoleStudent,
		&order.Order{ID: "A1", Status: order.StatusConfirmed},
		&order.Order{ID: "A2", Status: order.StatusPreparing},
	)
	m.updateStatusFn = func(_ context.Context, id string, s order.Status) (*order.Order, error) {
		if s != order.StatusRejected {
			t.Errorf("status = %s", s)
		}
		return &order.Order{ID: id, Status: s}, nil
	}

	if _, err := c.Cancel(context.Background(), "A1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if p, _ := tr.Projected("A1"); p != projection.Cancelled {
		t.Errorf("A1 = %q", p)
	}
	if _, err := c.Cancel(context.Background(), "A2"); !isValidation(err) {
		t.Errorf("cancel while preparing = %v", err)
	}
}

func TestRateOrder_Twice(t *testing.T) {
	c, _, m, _ := setup(t, projection.RoleStudent, &order.Order{ID: "A1", Status: order.StatusDelivered})
	m.rateFn = func(_ context.Context, id string, rating int, _ string) (*order.Order, error) {
		return &order.Order{ID: id, Status: order.StatusDelivered}, nil
	}

	if _, err := c.RateOrder(context.Background(), "A1", 5, "great"); err != nil {
		t.Fatalf("first rating: %v", err)
	}
	_, err := c.RateOrder(context.Background(), "A1", 4, "again")
	if !isValidation(err) {
		t.Fatalf("second rating should fail locally, got %v", err)
	}
	if m.Calls() != 1 {
		t.Errorf("calls = %d, want 1", m.Calls())
	}
}

func TestRateOrder_Validation(t *testing.T) {
	c, _, m, _ := setup(t, projection.RoleStudent,
		&order.Order{ID: "A1", Status: order.StatusDelivered},
		&order.Order{ID: "A2", Status: order.StatusOnTheWay},
	)
	tests := []struct {
		name    string
		id      string
		rating  int
		comment string
	}{
		{"rating too low", "A1", 0, ""},
		{"rating too high", "A1", 6, ""},
		{"comment too long", "A1", 3, strings.Repeat("é", 501)},
		{"not delivered", "A2", 5, ""},
		{"unknown order", "A9", 5, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := c.RateOrder(context.Background(), tt.id, tt.rating, tt.comment); !isValidation(err) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
	if m.Calls() != 0 {
		t.Errorf("calls = %d", m.Calls())
	}
}

func TestRequestRefund(t *testing.T) {
	c, _, m, _ := setup(t, projection.RoleStudent,
		&order.Order{ID: "A1", Status: order.StatusDelivered, PaymentMethod: "CARD"},
		&order.Order{ID: "A2", Status: order.StatusDelivered, PaymentMethod: "CASH_ON_DELIVERY"},
	)
	var got client.Refund
	m.refundFn = func(_ context.Context, _ string, r client.Refund) error {
		got = r
		return nil
	}

	if err := c.RequestRefund(context.Background(), "A2", client.Refund{Issue: "QUALITY"}); !isValidation(err) {
		t.Fatalf("cash order should not be refundable, got %v", err)
	}
	if err := c.RequestRefund(context.Background(), "A1", client.Refund{}); !isValidation(err) {
		t.Fatalf("missing issue should fail, got %v", err)
	}
	if m.Calls() != 0 {
		t.Fatalf("calls = %d before a valid request", m.Calls())
	}

	r := client.Refund{Issue: "MISSING_ITEMS", Description: "no drink"}
	if err := c.RequestRefund(context.Background(), "A1", r); err != nil {
		t.Fatalf("RequestRefund: %v", err)
	}
	if got.Issue != "MISSING_ITEMS" {
		t.Errorf("sent %+v", got)
	}
}

func TestRequestRefund_PushedOrderIsRefetched(t *testing.T) {
	tr := tracker.New(projection.RoleStudent, cache.New(), stubFetcher{
		getFn: func(_ context.Context, id string) (*order.Order, error) {
			return &order.Order{ID: id, Status: order.StatusDelivered, PaymentMethod: "CARD"}, nil
		},
	}, nil, logger.Discard())
	t.Cleanup(tr.Close)
	m := &mockMutator{refundFn: func(context.Context, string, client.Refund) error { return nil }}
	c := New(m, tr, &captured{})

	tr.HandleStatus(context.Background(), "A1", order.StatusDelivered)

	if err := c.RequestRefund(context.Background(), "A1", client.Refund{Issue: "QUALITY"}); err != nil {
		t.Fatalf("RequestRefund: %v", err)
	}
	if m.Calls() != 1 {
		t.Errorf("calls = %d, want 1", m.Calls())
	}
	if v, f := tr.Get("A1"); f != cache.Fresh || v.Order.PaymentMethod != "CARD" {
		t.Errorf("view = %+v (%s)", v, f)
	}
}

func TestRequestRefund_PushedOrderRefetchFails(t *testing.T) {
	tr := tracker.New(projection.RoleStudent, cache.New(), stubFetcher{
		getFn: func(context.Context, string) (*order.Order, error) {
			return nil, errors.New("gateway unavailable")
		},
	}, nil, logger.Discard())
	t.Cleanup(tr.Close)
	m := &mockMutator{}
	c := New(m, tr, &captured{})

	tr.HandleStatus(context.Background(), "A1", order.StatusDelivered)

	err := c.RequestRefund(context.Background(), "A1", client.Refund{Issue: "QUALITY"})
	if err == nil || isValidation(err) {
		t.Fatalf("expected refresh error, got %v", err)
	}
	if !strings.Contains(err.Error(), "gateway unavailable") {
		t.Errorf("err = %v", err)
	}
	if m.Calls() != 0 {
		t.Errorf("calls = %d", m.Calls())
	}
}

// --- Concurrency and teardown ---

func TestMutationInFlight(t *testing.T) {
	c, _, m, _ := setup(t, projection.RoleStaff, &order.Order{ID: "A1", Status: order.StatusReadyForPickup})
	entered := make(chan struct{})
	release := make(chan struct{})
	m.updateDeliveryFn = func(_ context.Context, id string, _ string, _ *client.Artifact) (*order.Order, error) {
		close(entered)
		<-release
		return &order.Order{ID: id, Status: order.StatusOnTheWay}, nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := c.ClaimAndStart(context.Background(), "A1")
		done <- err
	}()
	<-entered

	// The optimistic value already shows in-transit, so a second claim is
	// refused locally.
	if _, err := c.ClaimAndStart(context.Background(), "A1"); err == nil {
		t.Error("second claim should fail")
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if m.Calls() != 1 {
		t.Errorf("calls = %d", m.Calls())
	}
}

func TestLateResponseAfterUnmount(t *testing.T) {
	c, tr, m, _ := setup(t, projection.RoleStaff, &order.Order{ID: "A1", Status: order.StatusReadyForPickup})
	m.updateDeliveryFn = func(_ context.Context, id string, _ string, _ *client.Artifact) (*order.Order, error) {
		tr.Close()
		return nil, rejection("too late")
	}

	_, err := c.ClaimAndStart(context.Background(), "A1")
	if err == nil {
		t.Fatal("expected the error to be returned")
	}
	var rej *ServerRejection
	if errors.As(err, &rej) {
		t.Error("no rollback or rejection handling after unmount")
	}
	v, _ := tr.Get("A1")
	if !v.Optimistic {
		t.Error("cache should be untouched once the view is gone")
	}
}

func TestRateOrder_InFlight(t *testing.T) {
	c, _, m, _ := setup(t, projection.RoleStudent, &order.Order{ID: "A1", Status: order.StatusDelivered})
	entered := make(chan struct{})
	release := make(chan struct{})
	m.rateFn = func(_ context.Context, id string, _ int, _ string) (*order.Order, error) {
		close(entered)
		<-release
		return &order.Order{ID: id, Status: order.StatusDelivered}, nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := c.RateOrder(context.Background(), "A1", 5, "")
		done <- err
	}()
	<-entered

	if _, err := c.RateOrder(context.Background(), "A1", 5, ""); !errors.Is(err, ErrMutationInFlight) {
		t.Errorf("expected ErrMutationInFlight, got %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first rating: %v", err)
	}
}
