package order

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/campusbite/ordersync/internal/enum"
	"github.com/shopspring/decimal"
)

// Errors returned by the order model.
var (
	ErrUnknownStatus     = errors.New("unknown order status")
	ErrIllegalTransition = errors.New("illegal status transition")
	ErrTotalMismatch     = errors.New("order total does not match item subtotals")
	ErrInvalidItem       = errors.New("invalid order item")
	ErrEmptyItems        = errors.New("items are required")
)

// Item is a single line of an order.
type Item struct {
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// Subtotal is unit price times quantity.
func (i Item) Subtotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// Order is the client read replica of a server-owned order.
type Order struct {
	ID                 string          `json:"id"`
	Code               string          `json:"code"`
	Status             Status          `json:"status"`
	Items              []Item          `json:"items"`
	Total              decimal.Decimal `json:"total"`
	VendorRef          string          `json:"vendor_ref"`
	CustomerRef        string          `json:"customer_ref"`
	DeliveryStaffRef   *string         `json:"delivery_staff_ref"`
	PaymentMethod      string          `json:"payment_method"`
	ProofOfDeliveryRef *string         `json:"proof_of_delivery_ref"`
	Rating             *int            `json:"rating"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// ItemsTotal sums the item subtotals.
func (o *Order) ItemsTotal() decimal.Decimal {
	total := decimal.Zero
	for _, it := range o.Items {
		total = total.Add(it.Subtotal())
	}
	return total
}

// Recalculate sets Total from the items.
func (o *Order) Recalculate() {
	o.Total = o.ItemsTotal()
}

// Validate checks the item constraints and the total invariant.
func (o *Order) Validate() error {
	if len(o.Items) == 0 {
		return ErrEmptyItems
	}
	for i, it := range o.Items {
		if it.Quantity < 1 {
			return fmt.Errorf("item[%d]: %w: quantity must be >= 1", i, ErrInvalidItem)
		}
		if it.UnitPrice.IsNegative() {
			return fmt.Errorf("item[%d]: %w: price must be >= 0", i, ErrInvalidItem)
		}
	}
	if !o.Total.Equal(o.ItemsTotal()) {
		return fmt.Errorf("%w: total %s, items %s", ErrTotalMismatch, o.Total.StringFixed(2), o.ItemsTotal().StringFixed(2))
	}
	if o.Status != "" && !o.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownStatus, o.Status)
	}
	return nil
}

// Refundable reports whether the order was paid with the refundable method.
func (o *Order) Refundable() bool {
	return IsRefundable(o.PaymentMethod)
}

// Rating bounds shared by the dashboard and the gateway.
const (
	MinRating        = 1
	MaxRating        = 5
	MaxCommentLength = 500
)

// Rateable reports whether the order has been delivered and not yet rated.
func (o *Order) Rateable() bool {
	return !o.Rated() && o.Status.Rank() >= StatusDelivered.Rank()
}

// Rated reports whether a rating has been recorded.
func (o *Order) Rated() bool {
	return o.Rating != nil
}

// Clone returns a deep copy safe to mutate.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	c := *o
	c.Items = append([]Item(nil), o.Items...)
	if o.DeliveryStaffRef != nil {
		s := *o.DeliveryStaffRef
		c.DeliveryStaffRef = &s
	}
	if o.ProofOfDeliveryRef != nil {
		s := *o.ProofOfDeliveryRef
		c.ProofOfDeliveryRef = &s
	}
	if o.Rating != nil {
		r := *o.Rating
		c.Rating = &r
	}
	return &c
}

// IsRefundable reports whether a payment method can be refunded.
// Only card payments go back through the payment provider.
func IsRefundable(method string) bool {
	return method == enum.PaymentMethodCard
}

const (
	displayCodeMax  = 12
	displayCodeHead = 8
	displayCodeTail = 4
)

// DisplayCode shortens an order code for display: codes up to 12 characters
// are shown whole, longer ones as the first 8, an ellipsis and the last 4.
func DisplayCode(code string) string {
	if utf8.RuneCountInString(code) <= displayCodeMax {
		return code
	}
	r := []rune(code)
	return string(r[:displayCodeHead]) + "…" + string(r[len(r)-displayCodeTail:])
}
