// Command seed-db provisions a development database: regions, a small
// catalog, a few discounts, and a draft-order checkout ready for the
// settlement worker to pick up.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/commerce-settlement/internal/domain/discount"
	"github.com/xenking/commerce-settlement/internal/domain/draftorder"
	"github.com/xenking/commerce-settlement/internal/domain/order"
	"github.com/xenking/commerce-settlement/internal/domain/product"
	"github.com/xenking/commerce-settlement/internal/domain/region"
	"github.com/xenking/commerce-settlement/internal/repository"
)

func main() {
	var databaseURL string

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, databaseURL string) error {
	slog.Info("connecting to database")

	pool, err := repository.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")

	if err := repository.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	if err := seedRegions(ctx, pool); err != nil {
		return errors.Wrap(err, "seed regions")
	}
	if err := seedProducts(ctx, pool); err != nil {
		return errors.Wrap(err, "seed products")
	}
	if err := seedDiscounts(ctx, pool); err != nil {
		return errors.Wrap(err, "seed discounts")
	}
	if err := seedCheckout(ctx, pool); err != nil {
		return errors.Wrap(err, "seed checkout")
	}

	return nil
}

func seedRegions(ctx context.Context, pool *pgxpool.Pool) error {
	repo := repository.NewRegionRepository(pool)

	regions := []region.Region{
		{
			ID:       "reg_us",
			Name:     "United States",
			Currency: "USD",
			TaxRate:  decimal.RequireFromString("0.0875"),
		},
		{
			// Gift card purchases are tax exempt here; tax applies on
			// redemption instead.
			ID:                 "reg_eu",
			Name:               "European Union",
			Currency:           "EUR",
			TaxRate:            decimal.RequireFromString("0.21"),
			GiftCardsTaxExempt: true,
		},
	}

	for _, r := range regions {
		if err := repo.Create(ctx, &r); err != nil {
			return errors.Wrapf(err, "create region %s", r.ID)
		}
		slog.Info("created region", slog.String("id", r.ID), slog.String("currency", r.Currency))
	}
	return nil
}

func seedProducts(ctx context.Context, pool *pgxpool.Pool) error {
	repo := repository.NewProductRepository(pool)
	now := time.Now().UTC()

	products := []product.Product{
		{
			ID:     "prod_tee",
			Handle: "classic-tee",
			Title:  "Classic Tee",
			Options: []product.Option{
				{ID: "opt_size", Title: "Size", Values: []string{"S", "M", "L"}},
				{ID: "opt_color", Title: "Color", Values: []string{"Black", "White"}},
			},
			CreatedAt: now,
		},
		{
			ID:         "prod_giftcard",
			Handle:     "gift-card",
			Title:      "Gift Card",
			IsGiftCard: true,
			Options: []product.Option{
				{ID: "opt_denom", Title: "Denomination", Values: []string{"25", "50", "100"}},
			},
			Metadata:  map[string]string{"note": "delivered by email"},
			CreatedAt: now,
		},
	}

	for _, p := range products {
		err := repo.Create(ctx, &p)
		if errors.Is(err, product.ErrHandleTaken) {
			slog.Info("product already present", slog.String("handle", p.Handle))
			continue
		}
		if err != nil {
			return errors.Wrapf(err, "create product %s", p.ID)
		}
		slog.Info("created product", slog.String("id", p.ID), slog.String("handle", p.Handle))
	}
	return nil
}

func seedDiscounts(ctx context.Context, pool *pgxpool.Pool) error {
	repo := repository.NewDiscountRepository(pool)
	now := time.Now().UTC()

	discounts := []discount.Discount{
		{
			ID:   "disc_welcome",
			Code: "WELCOME10",
			Rule: discount.Rule{
				ID:    "rule_welcome",
				Type:  order.DiscountPercentage,
				Value: 10,
				Scope: order.ScopeTotal,
			},
			CreatedAt: now,
		},
		{
			ID:   "disc_summer",
			Code: "SUMMER5",
			Rule: discount.Rule{
				ID:         "rule_summer",
				Type:       order.DiscountFixed,
				Value:      500,
				Scope:      order.ScopeTotal,
				UsageLimit: 100,
			},
			RegionIDs: []string{"reg_eu"},
			CreatedAt: now.Add(time.Second),
		},
		{
			ID:   "disc_tees",
			Code: "TEETIME",
			Rule: discount.Rule{
				ID:    "rule_tees",
				Type:  order.DiscountPercentage,
				Value: 20,
				Scope: order.ScopeItem,
			},
			ValidFor:  []string{"prod_tee"},
			CreatedAt: now.Add(2 * time.Second),
		},
	}

	for _, d := range discounts {
		err := repo.Create(ctx, &d)
		if errors.Is(err, discount.ErrCodeTaken) {
			slog.Info("discount already present", slog.String("code", d.Code))
			continue
		}
		if err != nil {
			return errors.Wrapf(err, "create discount %s", d.Code)
		}
		slog.Info("created discount", slog.String("id", d.ID), slog.String("code", d.Code))
	}
	return nil
}

// seedCheckout creates a draft order and the placed order that completed it,
// so publishing order.placed for ord_demo exercises the full pipeline.
func seedCheckout(ctx context.Context, pool *pgxpool.Pool) error {
	now := time.Now().UTC()

	drafts := repository.NewDraftOrderRepository(pool)
	if err := drafts.Create(ctx, &draftorder.DraftOrder{
		ID:        "draft_demo",
		CartID:    "cart_demo",
		CreatedAt: now,
	}); err != nil {
		return errors.Wrap(err, "create draft order")
	}

	orders := repository.NewOrderRepository(pool)
	if err := orders.Create(ctx, &order.Order{
		ID:       "ord_demo",
		CartID:   "cart_demo",
		RegionID: "reg_eu",
		Currency: "EUR",
		Items: []order.LineItem{
			{ID: "li_tee", ProductID: "prod_tee", VariantID: "var_tee_m", UnitPrice: 2500, Quantity: 2},
			{ID: "li_card", ProductID: "prod_giftcard", UnitPrice: 5000, Quantity: 1, IsGiftCard: true,
				Metadata: map[string]string{"recipient": "demo@example.com"}},
		},
		Discounts: []order.AppliedDiscount{{ID: "disc_summer"}},
		PlacedAt:  now,
	}); err != nil {
		return errors.Wrap(err, "create order")
	}

	slog.Info("created demo checkout",
		slog.String("order_id", "ord_demo"),
		slog.String("cart_id", "cart_demo"))
	return nil
}
