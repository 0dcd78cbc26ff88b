package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/campusbite/ordersync/internal/auth"
	"github.com/campusbite/ordersync/internal/config"
	"github.com/campusbite/ordersync/internal/enum"
	"github.com/campusbite/ordersync/internal/logger"
	"github.com/campusbite/ordersync/internal/order"
	"github.com/campusbite/ordersync/internal/store"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jaswdr/faker"
	"github.com/lucsky/cuid"
	"github.com/schollz/progressbar/v3"
	"github.com/shopspring/decimal"
)

var paymentMethods = []string{
	enum.PaymentMethodCard,
	enum.PaymentMethodWallet,
	enum.PaymentMethodCashOnDelivery,
}

func main() {
	// CLI flags
	count := flag.Int("orders", 50, "Number of demo orders")
	students := flag.Int("students", 10, "Number of student accounts")
	vendors := flag.Int("vendors", 3, "Number of vendor accounts")
	staff := flag.Int("staff", 4, "Number of delivery staff accounts")
	tokenTTL := flag.Duration("token-ttl", 24*time.Hour, "Lifetime of the printed dev tokens")
	flag.Parse()

	cfg := config.Load()
	log := logger.New(logger.Config{Level: "info", Format: "text", Component: "seed"}, os.Stderr)

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("unable to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		log.Error("unable to ping database", "error", err)
		os.Exit(1)
	}
	db := store.NewPostgres(pool)
	if err := db.Migrate(ctx); err != nil {
		log.Error("migrate", "error", err)
		os.Exit(1)
	}

	actors := map[string][]uuid.UUID{
		enum.RoleStudent: newIDs(*students),
		enum.RoleVendor:  newIDs(*vendors),
		enum.RoleStaff:   newIDs(*staff),
	}

	fake := faker.New()
	bar := progressbar.Default(int64(*count), "seeding orders")
	for i := 0; i < *count; i++ {
		o := fakeOrder(fake, actors)
		if err := db.CreateOrder(ctx, o); err != nil {
			log.Error("seed order", "order_id", o.ID, "error", err)
			os.Exit(1)
		}
		bar.Add(1)
	}

	log.Info("seed completed", "orders", *count)
	for _, role := range []string{enum.RoleStudent, enum.RoleVendor, enum.RoleStaff} {
		if len(actors[role]) == 0 {
			continue
		}
		id := actors[role][0]
		tok, err := auth.GenerateToken(cfg.JWTSecret, id, role, *tokenTTL)
		if err != nil {
			log.Error("generate token", "role", role, "error", err)
			os.Exit(1)
		}
		fmt.Printf("%s %s\n%s\n\n", role, id, tok)
	}
}

func newIDs(n int) []uuid.UUID {
	ids := make([]uuid.UUID, n)
	for i := range ids {
		ids[i] = uuid.New()
	}
	return ids
}

// fakeOrder builds a consistent order at a random point of its lifecycle.
func fakeOrder(fake faker.Faker, actors map[string][]uuid.UUID) *order.Order {
	statuses := order.All()
	status := statuses[fake.IntBetween(0, len(statuses)-1)]

	o := &order.Order{
		ID:            cuid.New(),
		Code:          "CB-" + strings.ToUpper(cuid.Slug()),
		Status:        status,
		CustomerRef:   pick(fake, actors[enum.RoleStudent]).String(),
		VendorRef:     pick(fake, actors[enum.RoleVendor]).String(),
		PaymentMethod: fake.RandomStringElement(paymentMethods),
	}

	for n := fake.IntBetween(1, 4); n > 0; n-- {
		o.Items = append(o.Items, order.Item{
			Name:      fake.Lorem().Word(),
			Quantity:  fake.IntBetween(1, 3),
			UnitPrice: decimal.New(int64(fake.IntBetween(150, 1500)), -2),
		})
	}
	o.Recalculate()

	if status.Rank() >= order.StatusOnTheWay.Rank() && len(actors[enum.RoleStaff]) > 0 {
		ref := pick(fake, actors[enum.RoleStaff]).String()
		o.DeliveryStaffRef = &ref
	}
	if status.Rank() >= order.StatusDelivered.Rank() {
		ref := fmt.Sprintf("s3://demo-proofs/proofs/%s/seed.jpg", o.ID)
		o.ProofOfDeliveryRef = &ref
		if fake.Bool() {
			rating := fake.IntBetween(order.MinRating, order.MaxRating)
			o.Rating = &rating
		}
	}
	return o
}

func pick(fake faker.Faker, ids []uuid.UUID) uuid.UUID {
	if len(ids) == 0 {
		return uuid.New()
	}
	return ids[fake.IntBetween(0, len(ids)-1)]
}
