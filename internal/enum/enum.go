package enum

// ── Wire tags shared by the gateway and the dashboard client ──

const (
	RoleStudent = "STUDENT"
	RoleVendor  = "VENDOR"
	RoleStaff   = "STAFF"
)

const (
	PaymentMethodCard           = "CARD"
	PaymentMethodWallet         = "WALLET"
	PaymentMethodCashOnDelivery = "CASH_ON_DELIVERY"
)

// Delivery status values accepted by PUT /staff/deliveries/{id}/status.
const (
	DeliveryPickedUp  = "picked-up"
	DeliveryDelivered = "delivered"
)

// Push message types.
const (
	MessagePing        = "ping"
	MessageOrderStatus = "order_status"
)

// Refund issue categories accepted by POST /orders/{id}/refunds.
const (
	RefundIssueMissingItems = "MISSING_ITEMS"
	RefundIssueWrongOrder   = "WRONG_ORDER"
	RefundIssueQuality      = "QUALITY"
	RefundIssueNotDelivered = "NOT_DELIVERED"
)
