// Package store persists orders in Postgres through a pgx pool.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/campusbite/ordersync/internal/enum"
	"github.com/campusbite/ordersync/internal/order"
	"github.com/campusbite/ordersync/internal/service"
	"github.com/campusbite/ordersync/migrations"
	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"
)

// orderColumns is shared by every query returning a full order row.
// UUIDs and numerics come back as text so they map onto the string and
// decimal fields without custom codecs.
const orderColumns = `
    id, code, status, customer_id::text, vendor_id::text, delivery_staff_id::text,
    payment_method, total::text, proof_of_delivery_ref, rating, updated_at`

type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Migrate applies the pending schema migrations. A schema that is already
// current is not an error. Cancelling ctx stops after the running step.
func (p *Postgres) Migrate(ctx context.Context) error {
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("migrate: open source: %w", err)
	}
	// Closing db releases its connections back to the pool; the pool stays open.
	db := stdlib.OpenDBFromPool(p.pool)
	defer db.Close()

	driver, err := pgxmigrate.WithInstance(db, &pgxmigrate.Config{})
	if err != nil {
		return fmt.Errorf("migrate: create driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "pgx5", driver)
	if err != nil {
		return fmt.Errorf("migrate: create instance: %w", err)
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			m.GracefulStop <- true
		case <-stop:
		}
	}()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (p *Postgres) GetOrder(ctx context.Context, id string) (*order.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	o, err := scanOrder(p.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, notFound(err)
	}
	if err := p.loadItems(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

// ListOrders returns the orders an actor takes part in, newest first. Staff
// also get unassigned orders waiting for pickup.
func (p *Postgres) ListOrders(ctx context.Context, actor service.Actor) ([]*order.Order, error) {
	var where string
	switch actor.Role {
	case enum.RoleStudent:
		where = `customer_id = $1`
	case enum.RoleVendor:
		where = `vendor_id = $1`
	case enum.RoleStaff:
		where = `delivery_staff_id = $1 OR (delivery_staff_id IS NULL AND status = '` + string(order.StatusReadyForPickup) + `')`
	default:
		return nil, service.ErrForbidden
	}

	query := `SELECT ` + orderColumns + ` FROM orders WHERE ` + where + ` ORDER BY updated_at DESC`
	rows, err := p.pool.Query(ctx, query, actor.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*order.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, o := range orders {
		if err := p.loadItems(ctx, o); err != nil {
			return nil, err
		}
	}
	return orders, nil
}

// UpdateOrderStatus only succeeds while the row is still in prev.
func (p *Postgres) UpdateOrderStatus(ctx context.Context, id string, prev, next order.Status) (*order.Order, error) {
	query := `
        UPDATE orders SET status = $3, updated_at = now()
        WHERE id = $1 AND status = $2
        RETURNING ` + orderColumns
	return p.updateReturning(ctx, query, id, prev, next)
}

// AssignDelivery claims the order for staffID and marks it on the way.
func (p *Postgres) AssignDelivery(ctx context.Context, id string, staffID uuid.UUID, prev order.Status) (*order.Order, error) {
	query := `
        UPDATE orders SET status = $3, delivery_staff_id = $4, updated_at = now()
        WHERE id = $1 AND status = $2
          AND (delivery_staff_id IS NULL OR delivery_staff_id = $4)
        RETURNING ` + orderColumns
	return p.updateReturning(ctx, query, id, prev, order.StatusOnTheWay, staffID)
}

func (p *Postgres) MarkDelivered(ctx context.Context, id, proofRef string, prev order.Status) (*order.Order, error) {
	query := `
        UPDATE orders SET status = $3, proof_of_delivery_ref = $4, updated_at = now()
        WHERE id = $1 AND status = $2
        RETURNING ` + orderColumns
	return p.updateReturning(ctx, query, id, prev, order.StatusDelivered, proofRef)
}

// SetRating records the rating once; a second rating conflicts.
func (p *Postgres) SetRating(ctx context.Context, id string, rating int, comment string) (*order.Order, error) {
	query := `
        UPDATE orders SET rating = $2, rating_comment = $3, updated_at = now()
        WHERE id = $1 AND rating IS NULL
        RETURNING ` + orderColumns
	return p.updateReturning(ctx, query, id, rating, comment)
}

func (p *Postgres) CreateRefund(ctx context.Context, r service.Refund) error {
	details, err := json.Marshal(r.Details)
	if err != nil {
		return fmt.Errorf("encode refund details: %w", err)
	}
	if r.Details == nil {
		details = []byte("{}")
	}

	query := `
        INSERT INTO refunds (id, order_id, requested_by, issue, description, details)
        VALUES ($1, $2, $3, $4, $5, $6)
    `
	_, err = p.pool.Exec(ctx, query, uuid.New(), r.OrderID, r.RequestedBy, r.Issue, r.Description, details)
	return err
}

// CreateOrder inserts an order with its items in one transaction. Used by
// the seed tool; ordering itself is out of the gateway's scope.
func (p *Postgres) CreateOrder(ctx context.Context, o *order.Order) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	query := `
        INSERT INTO orders (
            id, code, status, customer_id, vendor_id, delivery_staff_id,
            payment_method, total, proof_of_delivery_ref, rating
        ) VALUES ($1, $2, $3, $4::uuid, $5::uuid, $6::uuid, $7, $8::numeric, $9, $10)
    `
	_, err = tx.Exec(ctx, query,
		o.ID,
		o.Code,
		o.Status,
		o.CustomerRef,
		o.VendorRef,
		o.DeliveryStaffRef,
		o.PaymentMethod,
		o.Total.String(),
		o.ProofOfDeliveryRef,
		o.Rating,
	)
	if err != nil {
		return fmt.Errorf("insert order %s: %w", o.ID, err)
	}

	itemQuery := `
        INSERT INTO order_items (order_id, position, name, quantity, unit_price)
        VALUES ($1, $2, $3, $4, $5::numeric)
    `
	for i, it := range o.Items {
		if _, err := tx.Exec(ctx, itemQuery, o.ID, i, it.Name, it.Quantity, it.UnitPrice.String()); err != nil {
			return fmt.Errorf("insert item %d of %s: %w", i, o.ID, err)
		}
	}

	return tx.Commit(ctx)
}

// --- Helpers ---

// updateReturning runs a conditional UPDATE. No returned row means the order
// is missing or moved on concurrently.
func (p *Postgres) updateReturning(ctx context.Context, query, id string, args ...any) (*order.Order, error) {
	o, err := scanOrder(p.pool.QueryRow(ctx, query, append([]any{id}, args...)...))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := p.GetOrder(ctx, id); errors.Is(getErr, service.ErrNotFound) {
			return nil, service.ErrNotFound
		}
		return nil, service.ErrConflict
	}
	if err != nil {
		return nil, err
	}
	if err := p.loadItems(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

func (p *Postgres) loadItems(ctx context.Context, o *order.Order) error {
	rows, err := p.pool.Query(ctx,
		`SELECT name, quantity, unit_price::text FROM order_items WHERE order_id = $1 ORDER BY position`, o.ID)
	if err != nil {
		return fmt.Errorf("load items of %s: %w", o.ID, err)
	}
	defer rows.Close()

	o.Items = o.Items[:0]
	for rows.Next() {
		var it order.Item
		var price string
		if err := rows.Scan(&it.Name, &it.Quantity, &price); err != nil {
			return err
		}
		if it.UnitPrice, err = decimal.NewFromString(price); err != nil {
			return fmt.Errorf("parse unit_price %q: %w", price, err)
		}
		o.Items = append(o.Items, it)
	}
	return rows.Err()
}

func scanOrder(row pgx.Row) (*order.Order, error) {
	var (
		o      order.Order
		total  string
		rating *int32
	)
	err := row.Scan(
		&o.ID,
		&o.Code,
		&o.Status,
		&o.CustomerRef,
		&o.VendorRef,
		&o.DeliveryStaffRef,
		&o.PaymentMethod,
		&total,
		&o.ProofOfDeliveryRef,
		&rating,
		&o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if o.Total, err = decimal.NewFromString(total); err != nil {
		return nil, fmt.Errorf("parse total %q: %w", total, err)
	}
	if rating != nil {
		r := int(*rating)
		o.Rating = &r
	}
	return &o, nil
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return service.ErrNotFound
	}
	return err
}
