package order

import "fmt"

// Status is the server-authoritative order state.
type Status string

const (
	StatusPendingConfirmation Status = "PENDING_CONFIRMATION"
	StatusConfirmed           Status = "CONFIRMED"
	StatusPaymentProcessing   Status = "PAYMENT_PROCESSING"
	StatusPreparing           Status = "PREPARING"
	StatusReadyForPickup      Status = "READY_FOR_PICKUP"
	StatusOnTheWay            Status = "ON_THE_WAY"
	StatusArrivingSoon        Status = "ARRIVING_SOON"
	StatusDelivered           Status = "DELIVERED"
	StatusCompleted           Status = "COMPLETED"
	StatusRatingPending       Status = "RATING_PENDING"
	StatusRejected            Status = "REJECTED"
)

// progression is the normal forward order. REJECTED is a side branch and
// has no rank of its own.
var progression = []Status{
	StatusPendingConfirmation,
	StatusConfirmed,
	StatusPaymentProcessing,
	StatusPreparing,
	StatusReadyForPickup,
	StatusOnTheWay,
	StatusArrivingSoon,
	StatusDelivered,
	StatusCompleted,
	StatusRatingPending,
}

var rank = func() map[Status]int {
	m := make(map[Status]int, len(progression))
	for i, s := range progression {
		m[s] = i
	}
	return m
}()

// All returns every known status, progression first, REJECTED last.
func All() []Status {
	out := make([]Status, 0, len(progression)+1)
	out = append(out, progression...)
	return append(out, StatusRejected)
}

// ParseStatus converts a raw token into a known Status.
func ParseStatus(s string) (Status, bool) {
	st := Status(s)
	return st, st.Valid()
}

func (s Status) String() string { return string(s) }

// Valid reports whether s is a member of the canonical enumeration.
func (s Status) Valid() bool {
	if s == StatusRejected {
		return true
	}
	_, ok := rank[s]
	return ok
}

// Rank is the position of s in the normal progression, -1 for REJECTED
// and unknown values.
func (s Status) Rank() int {
	if r, ok := rank[s]; ok {
		return r
	}
	return -1
}

// PreDelivery reports whether s comes before DELIVERED in the progression.
func (s Status) PreDelivery() bool {
	r := s.Rank()
	return r >= 0 && r < rank[StatusDelivered]
}

// Terminal reports whether s ends the delivery part of the lifecycle.
func (s Status) Terminal() bool {
	return s == StatusRejected || (s.Valid() && !s.PreDelivery())
}

// allowedTransitions is the server transition table.
// Key is current status, value is the set of statuses it can move to.
var allowedTransitions = map[Status][]Status{
	StatusPendingConfirmation: {StatusConfirmed, StatusRejected},
	StatusConfirmed:           {StatusPaymentProcessing, StatusPreparing, StatusRejected},
	StatusPaymentProcessing:   {StatusPreparing, StatusRejected},
	StatusPreparing:           {StatusReadyForPickup, StatusRejected},
	StatusReadyForPickup:      {StatusOnTheWay, StatusRejected},
	StatusOnTheWay:            {StatusArrivingSoon, StatusDelivered, StatusRejected},
	StatusArrivingSoon:        {StatusDelivered, StatusRejected},
	StatusDelivered:           {StatusCompleted},
	StatusCompleted:           {StatusRatingPending},
}

// CanTransition reports whether the server accepts moving from current to next.
func CanTransition(current, next Status) bool {
	for _, s := range allowedTransitions[current] {
		if s == next {
			return true
		}
	}
	return false
}

// ValidateTransition is CanTransition with an error describing the refusal.
func ValidateTransition(current, next Status) error {
	if !next.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownStatus, next)
	}
	if _, ok := allowedTransitions[current]; !ok {
		return fmt.Errorf("%w: cannot transition from %s", ErrIllegalTransition, current)
	}
	if !CanTransition(current, next) {
		return fmt.Errorf("%w: cannot transition from %s to %s", ErrIllegalTransition, current, next)
	}
	return nil
}
