// Package projection maps canonical order statuses to the small status
// vocabulary each dashboard role renders.
package projection

import (
	"strings"

	"github.com/campusbite/ordersync/internal/enum"
	"github.com/campusbite/ordersync/internal/order"
)

// Role is the kind of dashboard viewing an order.
type Role string

const (
	RoleStudent Role = "student"
	RoleVendor  Role = "vendor"
	RoleStaff   Role = "staff"
)

// Projected is a role-specific status tag.
type Projected string

const (
	Pending   Projected = "pending"
	Preparing Projected = "preparing"
	Delivered Projected = "delivered"
	Cancelled Projected = "cancelled"

	InTransit Projected = "in-transit"
	Completed Projected = "completed"

	VendorNew        Projected = "new"
	VendorAccepted   Projected = "accepted"
	VendorPreparing  Projected = "preparing"
	VendorReady      Projected = "ready"
	VendorDispatched Projected = "dispatched"
	VendorFulfilled  Projected = "fulfilled"
	VendorRejected   Projected = "rejected"
)

var table = map[Role]map[order.Status]Projected{
	RoleStudent: {
		order.StatusPendingConfirmation: Pending,
		order.StatusConfirmed:           Pending,
		order.StatusPaymentProcessing:   Pending,
		order.StatusPreparing:           Preparing,
		order.StatusReadyForPickup:      Preparing,
		order.StatusOnTheWay:            Preparing,
		order.StatusArrivingSoon:        Preparing,
		order.StatusDelivered:           Delivered,
		order.StatusCompleted:           Delivered,
		order.StatusRatingPending:       Delivered,
		order.StatusRejected:            Cancelled,
	},
	RoleStaff: {
		order.StatusPendingConfirmation: Pending,
		order.StatusConfirmed:           Pending,
		order.StatusPaymentProcessing:   Pending,
		order.StatusPreparing:           Pending,
		order.StatusReadyForPickup:      Pending,
		order.StatusOnTheWay:            InTransit,
		order.StatusArrivingSoon:        InTransit,
		order.StatusDelivered:           Completed,
		order.StatusCompleted:           Completed,
		order.StatusRatingPending:       Completed,
		order.StatusRejected:            Completed,
	},
	RoleVendor: {
		order.StatusPendingConfirmation: VendorNew,
		order.StatusConfirmed:           VendorAccepted,
		order.StatusPaymentProcessing:   VendorAccepted,
		order.StatusPreparing:           VendorPreparing,
		order.StatusReadyForPickup:      VendorReady,
		order.StatusOnTheWay:            VendorDispatched,
		order.StatusArrivingSoon:        VendorDispatched,
		order.StatusDelivered:           VendorFulfilled,
		order.StatusCompleted:           VendorFulfilled,
		order.StatusRatingPending:       VendorFulfilled,
		order.StatusRejected:            VendorRejected,
	},
}

// defaults is the bucket used for statuses a role's table does not name.
var defaults = map[Role]Projected{
	RoleStudent: Pending,
	RoleStaff:   Pending,
	RoleVendor:  VendorNew,
}

var values = map[Role][]Projected{
	RoleStudent: {Pending, Preparing, Delivered, Cancelled},
	RoleStaff:   {Pending, InTransit, Completed},
	RoleVendor:  {VendorNew, VendorAccepted, VendorPreparing, VendorReady, VendorDispatched, VendorFulfilled, VendorRejected},
}

// Project returns the tag role sees for status. It never fails: unknown
// statuses land in the role's default bucket, unknown roles get Pending.
func Project(status order.Status, role Role) Projected {
	if m, ok := table[role]; ok {
		if p, ok := m[status]; ok {
			return p
		}
		return defaults[role]
	}
	return Pending
}

// Values lists the tags a role can see.
func Values(role Role) []Projected {
	return append([]Projected(nil), values[role]...)
}

// Actionable reports whether the vendor has to act on an order in this state.
// Only the vendor role has actionable states.
func Actionable(role Role, p Projected) bool {
	if role != RoleVendor {
		return false
	}
	switch p {
	case VendorNew, VendorAccepted, VendorPreparing, VendorReady:
		return true
	}
	return false
}

// ParseRole accepts either the dashboard name or the JWT role claim.
func ParseRole(s string) (Role, bool) {
	switch strings.ToUpper(s) {
	case enum.RoleStudent:
		return RoleStudent, true
	case enum.RoleVendor:
		return RoleVendor, true
	case enum.RoleStaff:
		return RoleStaff, true
	}
	return "", false
}

// Claim is the JWT role claim for r.
func (r Role) Claim() string {
	return strings.ToUpper(string(r))
}
