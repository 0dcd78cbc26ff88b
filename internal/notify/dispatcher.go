// Package notify surfaces order transition outcomes to the user.
package notify

import (
	"context"
	"log/slog"

	"github.com/campusbite/ordersync/internal/projection"
)

// Kind is what happened to the order.
type Kind string

const (
	KindTransition Kind = "transition"
	KindRejection  Kind = "rejection"
	KindValidation Kind = "validation"
)

// Notification is one user-facing message about an order.
type Notification struct {
	OrderID   string
	Role      projection.Role
	Kind      Kind
	Previous  projection.Projected
	Projected projection.Projected
	Message   string
}

// Dispatcher delivers notifications. Implementations must not block for
// long; they are called from the channel's reader.
type Dispatcher interface {
	Notify(ctx context.Context, n Notification)
}

// Func adapts a plain function to Dispatcher.
type Func func(ctx context.Context, n Notification)

func (f Func) Notify(ctx context.Context, n Notification) { f(ctx, n) }

// Multi fans a notification out to several dispatchers in order.
type Multi []Dispatcher

func (m Multi) Notify(ctx context.Context, n Notification) {
	for _, d := range m {
		d.Notify(ctx, n)
	}
}

// Nop drops everything.
type Nop struct{}

func (Nop) Notify(context.Context, Notification) {}

// LogDispatcher writes notifications to a structured logger.
type LogDispatcher struct {
	Logger *slog.Logger
}

func (d LogDispatcher) Notify(ctx context.Context, n Notification) {
	level := slog.LevelInfo
	if n.Kind != KindTransition {
		level = slog.LevelWarn
	}
	d.Logger.Log(ctx, level, "order notification",
		"order_id", n.OrderID,
		"role", string(n.Role),
		"kind", string(n.Kind),
		"previous", string(n.Previous),
		"projected", string(n.Projected),
		"message", n.Message,
	)
}
