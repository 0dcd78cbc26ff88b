package order

// Class classifies an observed status change.
type Class string

const (
	ClassForward    Class = "forward"
	ClassNoOp       Class = "no-op"
	ClassRegression Class = "illegal-regression"
	ClassUnknown    Class = "unknown-status"
)

// Decision is the outcome of interpreting an incoming status against the
// last known one. Apply is true only for ClassForward.
type Decision struct {
	Apply bool
	Class Class
}

// Decide interprets incoming against prev. hasPrev is false when nothing
// is cached yet, in which case any known status is taken as the baseline.
//
// Once DELIVERED or REJECTED has been seen nothing may move the order back:
// REJECTED is a dead end, and after DELIVERED only COMPLETED and
// RATING_PENDING are forward steps.
func Decide(prev, incoming Status, hasPrev bool) Decision {
	if !incoming.Valid() {
		return Decision{Class: ClassUnknown}
	}
	if !hasPrev || !prev.Valid() {
		return Decision{Apply: true, Class: ClassForward}
	}
	if prev == incoming {
		return Decision{Class: ClassNoOp}
	}
	if prev == StatusRejected {
		return Decision{Class: ClassRegression}
	}
	if incoming == StatusRejected {
		if prev.PreDelivery() {
			return Decision{Apply: true, Class: ClassForward}
		}
		return Decision{Class: ClassRegression}
	}
	if incoming.Rank() > prev.Rank() {
		return Decision{Apply: true, Class: ClassForward}
	}
	return Decision{Class: ClassRegression}
}
