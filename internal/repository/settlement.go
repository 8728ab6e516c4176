package repository

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/commerce-settlement/internal/settlement"
)

const (
	getStateSQL = `SELECT state FROM settlement_states WHERE order_id = $1`

	// rank comparison keeps advancement forward-only even when two
	// deliveries race: the one carrying the earlier state matches nothing.
	advanceStateSQL = `INSERT INTO settlement_states (order_id, state, rank)
		VALUES ($1, $2, $3)
		ON CONFLICT (order_id) DO UPDATE
		SET state = EXCLUDED.state, rank = EXCLUDED.rank, updated_at = now()
		WHERE settlement_states.rank < EXCLUDED.rank`

	recordAnomalySQL = `INSERT INTO settlement_states (order_id, state, rank, anomaly)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (order_id) DO UPDATE
		SET anomaly = CASE
			WHEN settlement_states.anomaly IS NULL THEN EXCLUDED.anomaly
			ELSE settlement_states.anomaly || E'\n' || EXCLUDED.anomaly
		END, updated_at = now()`
)

var _ settlement.StateStore = (*SettlementStateRepository)(nil)

// SettlementStateRepository implements settlement.StateStore backed by
// PostgreSQL.
type SettlementStateRepository struct {
	pool *pgxpool.Pool
}

// NewSettlementStateRepository returns a SettlementStateRepository that uses
// the given pool.
func NewSettlementStateRepository(pool *pgxpool.Pool) *SettlementStateRepository {
	return &SettlementStateRepository{pool: pool}
}

// Get returns the persisted state, StatePlaced when no row exists yet.
func (r *SettlementStateRepository) Get(ctx context.Context, orderID string) (settlement.State, error) {
	var state string
	err := r.pool.QueryRow(ctx, getStateSQL, orderID).Scan(&state)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return settlement.StatePlaced, nil
		}
		return "", wrapStoreErr("load settlement state", err)
	}
	return settlement.State(state), nil
}

// Advance moves the order's settlement forward; regressions are no-ops.
func (r *SettlementStateRepository) Advance(ctx context.Context, orderID string, next settlement.State) error {
	_, err := r.pool.Exec(ctx, advanceStateSQL, orderID, string(next), next.Rank())
	if err != nil {
		return wrapStoreErr("advance settlement state", err)
	}
	return nil
}

// RecordAnomaly appends an operator-visible note without moving the state.
func (r *SettlementStateRepository) RecordAnomaly(ctx context.Context, orderID, reason string) error {
	_, err := r.pool.Exec(ctx, recordAnomalySQL,
		orderID, string(settlement.StatePlaced), settlement.StatePlaced.Rank(), reason)
	if err != nil {
		return wrapStoreErr("record settlement anomaly", err)
	}
	return nil
}
