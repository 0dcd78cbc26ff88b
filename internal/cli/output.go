package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/campusbite/ordersync/internal/cache"
	"github.com/campusbite/ordersync/internal/notify"
	"github.com/campusbite/ordersync/internal/order"
	"github.com/campusbite/ordersync/internal/tracker"
)

func printNotification(w io.Writer, n notify.Notification) {
	switch n.Kind {
	case notify.KindTransition:
		fmt.Fprintf(w, "* %s: %s -> %s\n", n.OrderID, orDash(string(n.Previous)), n.Projected)
	default:
		fmt.Fprintf(w, "! %s: %s\n", n.OrderID, n.Message)
	}
}

func printEvent(w io.Writer, ev tracker.Event) {
	fmt.Fprintf(w, "%-10s %s %s -> %s (%s)\n",
		ev.Source, ev.OrderID, orDash(string(ev.Previous)), ev.Projected, ev.Status)
}

// printChange reports orders dropped from the local cache. Other changes
// already arrive as tracker events.
func printChange(w io.Writer, c cache.Change) {
	if !c.Deleted {
		return
	}
	id := strings.TrimPrefix(c.Key, cache.EntityOrder+":")
	if i := strings.LastIndexByte(id, ':'); i >= 0 {
		id = id[:i]
	}
	fmt.Fprintf(w, "- %s: dropped\n", id)
}

// printViews renders a table of order views.
func printViews(w io.Writer, views []tracker.View) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCODE\tSTATUS\tSHOWN\tTOTAL\tITEMS")
	for _, v := range views {
		o := v.Order
		if o == nil {
			o = &order.Order{}
		}
		shown := string(v.Projected)
		if v.Optimistic {
			shown += "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\n",
			o.ID, orDash(o.Code), v.Status, shown, o.Total.StringFixed(2), len(o.Items))
	}
	return tw.Flush()
}

func printOrder(w io.Writer, o *order.Order) {
	fmt.Fprintf(w, "%s %s %s\n", o.ID, orDash(o.Code), o.Status)
	if o.DeliveryStaffRef != nil {
		fmt.Fprintf(w, "  delivery staff: %s\n", *o.DeliveryStaffRef)
	}
	if o.ProofOfDeliveryRef != nil {
		fmt.Fprintf(w, "  proof: %s\n", *o.ProofOfDeliveryRef)
	}
	if o.Rating != nil {
		fmt.Fprintf(w, "  rating: %d\n", *o.Rating)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
