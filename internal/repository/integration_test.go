//go:build integration

package repository

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/xenking/commerce-settlement/internal/domain/discount"
	"github.com/xenking/commerce-settlement/internal/domain/draftorder"
	"github.com/xenking/commerce-settlement/internal/domain/giftcard"
	"github.com/xenking/commerce-settlement/internal/domain/order"
	"github.com/xenking/commerce-settlement/internal/domain/product"
	"github.com/xenking/commerce-settlement/internal/domain/region"
	"github.com/xenking/commerce-settlement/internal/settlement"
)

var pool *pgxpool.Pool

func TestMain(m *testing.M) {
	os.Exit(testMain(m))
}

func testMain(m *testing.M) int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pg, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("settle"),
		postgres.WithUsername("settle"),
		postgres.WithPassword("settle"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute)),
	)
	if err != nil {
		log.Fatalf("start postgres: %v", err)
	}
	defer func() {
		if err := testcontainers.TerminateContainer(pg); err != nil {
			log.Printf("terminate postgres: %v", err)
		}
	}()

	dsn, err := pg.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		log.Fatalf("connection string: %v", err)
	}

	pool, err = NewPool(ctx, dsn)
	if err != nil {
		log.Fatalf("create pool: %v", err)
	}
	defer pool.Close()

	if err := RunMigrations(ctx, pool); err != nil {
		log.Fatalf("run migrations: %v", err)
	}

	return m.Run()
}

func seedRegion(t *testing.T, id string) {
	t.Helper()

	err := NewRegionRepository(pool).Create(context.Background(), &region.Region{
		ID:       id,
		Name:     "Test Region " + id,
		Currency: "EUR",
		TaxRate:  decimal.RequireFromString("0.25"),
	})
	require.NoError(t, err)
}

func seedDiscount(t *testing.T, id, code string, usageLimit int) {
	t.Helper()

	err := NewDiscountRepository(pool).Create(context.Background(), &discount.Discount{
		ID:   id,
		Code: code,
		Rule: testRule(id, usageLimit),
	})
	require.NoError(t, err)
}

func testRule(id string, usageLimit int) discount.Rule {
	return discount.Rule{
		ID:         "rule_" + id,
		Type:       order.DiscountFixed,
		Value:      500,
		Scope:      order.ScopeTotal,
		UsageLimit: usageLimit,
	}
}

func TestDiscountConsumeForOrder_AtomicUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	repo := NewDiscountRepository(pool)
	seedDiscount(t, "disc_conc", "CONC25", 25)

	const attempts = 100

	var (
		wg       sync.WaitGroup
		consumed atomic.Int64
		limited  atomic.Int64
	)
	for i := range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			orderID := fmt.Sprintf("order_conc_%03d", i)
			ok, err := repo.ConsumeForOrder(ctx, orderID, "disc_conc")
			switch {
			case errors.Is(err, discount.ErrLimitExceeded):
				limited.Add(1)
			case err != nil:
				t.Errorf("unexpected error: %v", err)
			case ok:
				consumed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 25, consumed.Load())
	assert.EqualValues(t, attempts-25, limited.Load())

	d, err := repo.Retrieve(ctx, "disc_conc")
	require.NoError(t, err)
	assert.Equal(t, 25, d.Rule.UsageCount)
}

func TestDiscountConsumeForOrder_UnlimitedNeverExhausts(t *testing.T) {
	ctx := context.Background()
	repo := NewDiscountRepository(pool)
	seedDiscount(t, "disc_unlim", "UNLIM", 0)

	for i := range 10 {
		ok, err := repo.ConsumeForOrder(ctx, fmt.Sprintf("order_unlim_%d", i), "disc_unlim")
		require.NoError(t, err)
		assert.True(t, ok)
	}

	d, err := repo.Retrieve(ctx, "disc_unlim")
	require.NoError(t, err)
	assert.Equal(t, 10, d.Rule.UsageCount)
}

func TestDiscountConsumeForOrder_IdempotentPerOrder(t *testing.T) {
	ctx := context.Background()
	repo := NewDiscountRepository(pool)
	seedDiscount(t, "disc_marker", "MARKER", 0)

	first, err := repo.ConsumeForOrder(ctx, "order_m1", "disc_marker")
	require.NoError(t, err)
	assert.True(t, first)

	again, err := repo.ConsumeForOrder(ctx, "order_m1", "disc_marker")
	require.NoError(t, err)
	assert.False(t, again)

	other, err := repo.ConsumeForOrder(ctx, "order_m2", "disc_marker")
	require.NoError(t, err)
	assert.True(t, other)

	d, err := repo.Retrieve(ctx, "disc_marker")
	require.NoError(t, err)
	assert.Equal(t, 2, d.Rule.UsageCount)
}

// When the limit rejects the increment, the order's marker still commits:
// the anomaly belongs to that order once, and a redelivery is a no-op
// instead of raising it again.
func TestDiscountConsumeForOrder_LimitKeepsMarker(t *testing.T) {
	ctx := context.Background()
	repo := NewDiscountRepository(pool)
	seedDiscount(t, "disc_maxed", "MAXED1", 1)

	ok, err := repo.ConsumeForOrder(ctx, "order_lk1", "disc_maxed")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = repo.ConsumeForOrder(ctx, "order_lk2", "disc_maxed")
	require.ErrorIs(t, err, discount.ErrLimitExceeded)

	ok, err = repo.ConsumeForOrder(ctx, "order_lk2", "disc_maxed")
	require.NoError(t, err)
	assert.False(t, ok)

	d, err := repo.Retrieve(ctx, "disc_maxed")
	require.NoError(t, err)
	assert.Equal(t, 1, d.Rule.UsageCount)
}

func TestDiscountCode_LiveUniquenessAndReuse(t *testing.T) {
	ctx := context.Background()
	repo := NewDiscountRepository(pool)
	seedDiscount(t, "disc_code_a", "SPRING", 0)

	// Codes collide case-insensitively among live rows.
	err := repo.Create(ctx, &discount.Discount{
		ID:   "disc_code_b",
		Code: "spring",
		Rule: testRule("disc_code_b", 0),
	})
	assert.ErrorIs(t, err, discount.ErrCodeTaken)

	require.NoError(t, repo.SoftDelete(ctx, "disc_code_a"))

	// The soft-deleted row frees the code.
	err = repo.Create(ctx, &discount.Discount{
		ID:   "disc_code_c",
		Code: "SPRING",
		Rule: testRule("disc_code_c", 0),
	})
	require.NoError(t, err)

	// The deleted discount is invisible to retrieval.
	_, err = repo.Retrieve(ctx, "disc_code_a")
	assert.ErrorIs(t, err, discount.ErrNotFound)
}

func TestProductHandle_LiveUniquenessAndReuse(t *testing.T) {
	ctx := context.Background()
	repo := NewProductRepository(pool)

	create := func(id string) error {
		return repo.Create(ctx, &product.Product{
			ID:        id,
			Handle:    "winter-hat",
			Title:     "Winter Hat",
			CreatedAt: time.Now().UTC(),
		})
	}

	require.NoError(t, create("prod_a"))
	assert.ErrorIs(t, create("prod_b"), product.ErrHandleTaken)

	require.NoError(t, repo.SoftDelete(ctx, "prod_a"))
	require.NoError(t, create("prod_c"))

	got, err := repo.GetByHandle(ctx, "winter-hat")
	require.NoError(t, err)
	assert.Equal(t, "prod_c", got.ID)
}

func TestGiftCardIssueBatch_ClaimsOnce(t *testing.T) {
	ctx := context.Background()
	seedRegion(t, "reg_gc")
	orders := NewOrderRepository(pool)
	require.NoError(t, orders.Create(ctx, &order.Order{
		ID:       "order_gcbatch",
		RegionID: "reg_gc",
		Currency: "EUR",
		PlacedAt: time.Now().UTC(),
	}))

	cards := []giftcard.GiftCard{
		{ID: "gc_1", Code: "GC-AAA", RegionID: "reg_gc", OrderID: "order_gcbatch",
			LineItemID: "li_1", Value: 2500, Balance: 2500, CreatedAt: time.Now().UTC()},
		{ID: "gc_2", Code: "GC-BBB", RegionID: "reg_gc", OrderID: "order_gcbatch",
			LineItemID: "li_1", Value: 2500, Balance: 2500, CreatedAt: time.Now().UTC()},
	}
	repo := NewGiftCardRepository(pool)

	fresh, err := repo.IssueBatch(ctx, "order_gcbatch", "li_1", cards)
	require.NoError(t, err)
	assert.True(t, fresh)

	// A redelivery of the same pair neither claims nor duplicates.
	replay, err := repo.IssueBatch(ctx, "order_gcbatch", "li_1", cards)
	require.NoError(t, err)
	assert.False(t, replay)

	got, err := orders.Retrieve(ctx, "order_gcbatch", order.RetrieveOpts{
		Relations: []string{order.RelationGiftCards},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"gc_1", "gc_2"}, got.GiftCards)
}

// A failed batch must roll the issuance marker back with it, so the
// redelivered event can issue the cards that never made it in.
func TestGiftCardIssueBatch_FailureReleasesClaim(t *testing.T) {
	ctx := context.Background()
	seedRegion(t, "reg_gcfail")
	orders := NewOrderRepository(pool)
	require.NoError(t, orders.Create(ctx, &order.Order{
		ID:       "order_gcfail",
		RegionID: "reg_gcfail",
		Currency: "EUR",
		PlacedAt: time.Now().UTC(),
	}))
	repo := NewGiftCardRepository(pool)

	// balance > value trips the table's balance check.
	bad := []giftcard.GiftCard{
		{ID: "gc_bad", Code: "GC-BAD", RegionID: "reg_gcfail", OrderID: "order_gcfail",
			LineItemID: "li_1", Value: 2500, Balance: 9999, CreatedAt: time.Now().UTC()},
	}
	_, err := repo.IssueBatch(ctx, "order_gcfail", "li_1", bad)
	require.Error(t, err)

	good := []giftcard.GiftCard{
		{ID: "gc_good", Code: "GC-GOOD", RegionID: "reg_gcfail", OrderID: "order_gcfail",
			LineItemID: "li_1", Value: 2500, Balance: 2500, CreatedAt: time.Now().UTC()},
	}
	fresh, err := repo.IssueBatch(ctx, "order_gcfail", "li_1", good)
	require.NoError(t, err)
	assert.True(t, fresh, "failed attempt must not hold the claim")

	got, err := orders.Retrieve(ctx, "order_gcfail", order.RetrieveOpts{
		Relations: []string{order.RelationGiftCards},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"gc_good"}, got.GiftCards)
}

func TestDraftOrderMarkCompleted_OneShot(t *testing.T) {
	ctx := context.Background()
	repo := NewDraftOrderRepository(pool)
	require.NoError(t, repo.Create(ctx, &draftorder.DraftOrder{
		ID:        "draft_1",
		CartID:    "cart_draft_1",
		CreatedAt: time.Now().UTC(),
	}))

	require.NoError(t, repo.MarkCompleted(ctx, "draft_1", "order_d1"))

	d, err := repo.RetrieveByCartID(ctx, "cart_draft_1")
	require.NoError(t, err)
	require.True(t, d.Completed())
	assert.Equal(t, "order_d1", d.OrderID)
	completedAt := *d.CompletedAt

	// A replay with a different order id must not overwrite the record.
	require.NoError(t, repo.MarkCompleted(ctx, "draft_1", "order_d2"))

	d, err = repo.RetrieveByCartID(ctx, "cart_draft_1")
	require.NoError(t, err)
	assert.Equal(t, "order_d1", d.OrderID)
	assert.True(t, completedAt.Equal(*d.CompletedAt))
}

func TestSettlementState_ForwardOnly(t *testing.T) {
	ctx := context.Background()
	repo := NewSettlementStateRepository(pool)

	// Absent rows read as the initial state.
	state, err := repo.Get(ctx, "order_s1")
	require.NoError(t, err)
	assert.Equal(t, settlement.StatePlaced, state)

	require.NoError(t, repo.Advance(ctx, "order_s1", settlement.StateDiscountsConsumed))

	// Advancing to an earlier state is a no-op.
	require.NoError(t, repo.Advance(ctx, "order_s1", settlement.StateGiftCardsIssued))

	state, err = repo.Get(ctx, "order_s1")
	require.NoError(t, err)
	assert.Equal(t, settlement.StateDiscountsConsumed, state)

	require.NoError(t, repo.Advance(ctx, "order_s1", settlement.StateSettled))

	state, err = repo.Get(ctx, "order_s1")
	require.NoError(t, err)
	assert.Equal(t, settlement.StateSettled, state)
}

func TestSettlementState_AnomalyAppendsWithoutMoving(t *testing.T) {
	ctx := context.Background()
	repo := NewSettlementStateRepository(pool)

	require.NoError(t, repo.Advance(ctx, "order_s2", settlement.StateGiftCardsIssued))
	require.NoError(t, repo.RecordAnomaly(ctx, "order_s2", "discount usage limit reached"))
	require.NoError(t, repo.RecordAnomaly(ctx, "order_s2", "second note"))

	state, err := repo.Get(ctx, "order_s2")
	require.NoError(t, err)
	assert.Equal(t, settlement.StateGiftCardsIssued, state)

	var anomaly string
	err = pool.QueryRow(ctx, `SELECT anomaly FROM settlement_states WHERE order_id = $1`, "order_s2").Scan(&anomaly)
	require.NoError(t, err)
	assert.Equal(t, "discount usage limit reached\nsecond note", anomaly)
}

func TestOrderRetrieve_ExpandsRelations(t *testing.T) {
	ctx := context.Background()
	seedRegion(t, "reg_rel")
	seedDiscount(t, "disc_rel", "RELATED", 0)

	orders := NewOrderRepository(pool)
	require.NoError(t, orders.Create(ctx, &order.Order{
		ID:       "order_rel",
		CartID:   "cart_rel",
		RegionID: "reg_rel",
		Currency: "EUR",
		Items: []order.LineItem{
			{ID: "li_rel", ProductID: "prod_rel", UnitPrice: 1000, Quantity: 2},
		},
		Discounts: []order.AppliedDiscount{{ID: "disc_rel"}},
		PlacedAt:  time.Now().UTC(),
	}))

	got, err := orders.Retrieve(ctx, "order_rel", order.RetrieveOpts{
		Relations: []string{order.RelationItems, order.RelationDiscounts},
	})
	require.NoError(t, err)
	require.Len(t, got.Items, 1)
	assert.Equal(t, int64(1000), got.Items[0].UnitPrice)
	require.Len(t, got.Discounts, 1)
	assert.Equal(t, "RELATED", got.Discounts[0].Code)
	assert.Equal(t, order.DiscountFixed, got.Discounts[0].Type)
}

func TestOrderUpdateTotals_PersistsRecomputation(t *testing.T) {
	ctx := context.Background()
	seedRegion(t, "reg_tot")

	orders := NewOrderRepository(pool)
	require.NoError(t, orders.Create(ctx, &order.Order{
		ID:       "order_tot",
		RegionID: "reg_tot",
		Currency: "EUR",
		PlacedAt: time.Now().UTC(),
	}))

	want := order.Totals{Subtotal: 9500, DiscountTotal: 1000, TaxTotal: 500, GiftCardTotal: 2000, Total: 7000}
	require.NoError(t, orders.UpdateTotals(ctx, "order_tot", want))

	got, err := orders.Retrieve(ctx, "order_tot", order.RetrieveOpts{})
	require.NoError(t, err)
	assert.Equal(t, want, got.Totals)

	err = orders.UpdateTotals(ctx, "order_missing", want)
	assert.ErrorIs(t, err, order.ErrNotFound)
}

func TestRegionProvider_TaxConfiguration(t *testing.T) {
	ctx := context.Background()
	repo := NewRegionRepository(pool)
	require.NoError(t, repo.Create(ctx, &region.Region{
		ID:                 "reg_tax",
		Name:               "Tax Region",
		Currency:           "SEK",
		TaxRate:            decimal.RequireFromString("0.125"),
		GiftCardsTaxExempt: true,
	}))

	rate, err := repo.TaxRate(ctx, "reg_tax")
	require.NoError(t, err)
	assert.True(t, rate.Equal(decimal.RequireFromString("0.125")), "got %s", rate)

	exempt, err := repo.GiftCardsTaxExempt(ctx, "reg_tax")
	require.NoError(t, err)
	assert.True(t, exempt)

	_, err = repo.TaxRate(ctx, "reg_missing")
	assert.ErrorIs(t, err, region.ErrNotFound)
}
