package cli

import (
	"context"
	"fmt"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/campusbite/ordersync/internal/cache"
	"github.com/campusbite/ordersync/internal/client"
	"github.com/campusbite/ordersync/internal/mutation"
	"github.com/campusbite/ordersync/internal/order"
	"github.com/spf13/cobra"
)

const eventBuffer = 64

func (a *app) watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Show your orders and stream their status changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			d, _, cleanup, err := a.open()
			if err != nil {
				return err
			}
			defer cleanup()

			if err := d.Mount(ctx); err != nil {
				return err
			}
			events, unsubscribe := d.Tracker().Subscribe(eventBuffer)
			defer unsubscribe()
			changes, unwatch := d.Cache().Watch(cache.EntityOrder+":", eventBuffer)
			defer unwatch()

			if err := printViews(a.out, d.Tracker().List()); err != nil {
				return err
			}
			for {
				select {
				case <-ctx.Done():
					return nil
				case ev, ok := <-events:
					if !ok {
						return nil
					}
					printEvent(a.out, ev)
				case c, ok := <-changes:
					if !ok {
						return nil
					}
					printChange(a.out, c)
				}
			}
		},
	}
}

func (a *app) ordersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "orders",
		Short: "List the orders visible to you",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, _, cleanup, err := a.open()
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()
			if err := d.Tracker().Refresh(ctx); err != nil {
				return err
			}
			return printViews(a.out, d.Tracker().List())
		},
	}
}

type mutateFunc func(ctx context.Context, m *mutation.Coordinator, id string) (*order.Order, error)

// mutate loads the order into a fresh view and runs one mutation on it.
func (a *app) mutate(cmd *cobra.Command, id string, fn mutateFunc) error {
	d, _, cleanup, err := a.open()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := cmd.Context()
	if err := a.load(ctx, d, id); err != nil {
		return fmt.Errorf("load order %s: %w", id, err)
	}
	o, err := fn(ctx, d.Mutations(), id)
	if err != nil {
		return err
	}
	if o != nil {
		printOrder(a.out, o)
	}
	return nil
}

func (a *app) simpleCmd(use, short string, fn mutateFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use + " ORDER_ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.mutate(cmd, args[0], fn)
		},
	}
}

func (a *app) claimCmd() *cobra.Command {
	return a.simpleCmd("claim", "Pick up a ready order for delivery (staff)",
		func(ctx context.Context, m *mutation.Coordinator, id string) (*order.Order, error) {
			return m.ClaimAndStart(ctx, id)
		})
}

func (a *app) confirmCmd() *cobra.Command {
	return a.simpleCmd("confirm", "Accept a new order (vendor)",
		func(ctx context.Context, m *mutation.Coordinator, id string) (*order.Order, error) {
			return m.Confirm(ctx, id)
		})
}

func (a *app) rejectCmd() *cobra.Command {
	return a.simpleCmd("reject", "Reject an order (vendor)",
		func(ctx context.Context, m *mutation.Coordinator, id string) (*order.Order, error) {
			return m.Reject(ctx, id)
		})
}

func (a *app) prepareCmd() *cobra.Command {
	return a.simpleCmd("prepare", "Start preparing a confirmed order (vendor)",
		func(ctx context.Context, m *mutation.Coordinator, id string) (*order.Order, error) {
			return m.StartPreparing(ctx, id)
		})
}

func (a *app) readyCmd() *cobra.Command {
	return a.simpleCmd("ready", "Mark a prepared order ready for pickup (vendor)",
		func(ctx context.Context, m *mutation.Coordinator, id string) (*order.Order, error) {
			return m.MarkReady(ctx, id)
		})
}

func (a *app) cancelCmd() *cobra.Command {
	return a.simpleCmd("cancel", "Cancel an order still waiting for the vendor (student)",
		func(ctx context.Context, m *mutation.Coordinator, id string) (*order.Order, error) {
			return m.Cancel(ctx, id)
		})
}

func (a *app) deliverCmd() *cobra.Command {
	var proofPath string
	cmd := &cobra.Command{
		Use:   "deliver ORDER_ID",
		Short: "Mark an order delivered with a proof photo (staff)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			proof, err := readArtifact(proofPath)
			if err != nil {
				return err
			}
			return a.mutate(cmd, args[0], func(ctx context.Context, m *mutation.Coordinator, id string) (*order.Order, error) {
				return m.MarkDelivered(ctx, id, proof)
			})
		},
	}
	cmd.Flags().StringVar(&proofPath, "proof", "", "Proof of delivery photo")
	cmd.MarkFlagRequired("proof")
	return cmd
}

func (a *app) rateCmd() *cobra.Command {
	var (
		rating  int
		comment string
	)
	cmd := &cobra.Command{
		Use:   "rate ORDER_ID",
		Short: "Rate a delivered order (student)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.mutate(cmd, args[0], func(ctx context.Context, m *mutation.Coordinator, id string) (*order.Order, error) {
				return m.RateOrder(ctx, id, rating, comment)
			})
		},
	}
	cmd.Flags().IntVar(&rating, "rating", 0, fmt.Sprintf("Rating from %d to %d", order.MinRating, order.MaxRating))
	cmd.Flags().StringVar(&comment, "comment", "", "Optional comment")
	cmd.MarkFlagRequired("rating")
	return cmd
}

func (a *app) refundCmd() *cobra.Command {
	var r client.Refund
	cmd := &cobra.Command{
		Use:   "refund ORDER_ID",
		Short: "Request a refund for a delivered order (student)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.mutate(cmd, args[0], func(ctx context.Context, m *mutation.Coordinator, id string) (*order.Order, error) {
				if err := m.RequestRefund(ctx, id, r); err != nil {
					return nil, err
				}
				fmt.Fprintf(a.out, "refund requested for %s\n", id)
				return nil, nil
			})
		},
	}
	cmd.Flags().StringVar(&r.Issue, "issue", "", "Issue: MISSING_ITEMS, WRONG_ORDER, QUALITY or NOT_DELIVERED")
	cmd.Flags().StringVar(&r.Description, "description", "", "What went wrong")
	cmd.Flags().StringToStringVar(&r.Fields, "field", nil, "Extra issue detail as key=value (repeatable)")
	cmd.MarkFlagRequired("issue")
	return cmd
}

func readArtifact(path string) (*client.Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read proof: %w", err)
	}
	ct := mime.TypeByExtension(filepath.Ext(path))
	if ct == "" {
		ct = "application/octet-stream"
	}
	return &client.Artifact{
		Filename:    filepath.Base(path),
		ContentType: ct,
		Data:        data,
	}, nil
}
