// Package settlement drives the post-placement pipeline: totals recompute,
// gift card issuance, discount consumption, and draft order reconciliation,
// reacting to order.placed events that may be redelivered at any time.
package settlement

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xenking/commerce-settlement/internal/domain/discount"
	"github.com/xenking/commerce-settlement/internal/domain/draftorder"
	"github.com/xenking/commerce-settlement/internal/domain/giftcard"
	"github.com/xenking/commerce-settlement/internal/domain/order"
	"github.com/xenking/commerce-settlement/internal/domain/region"
	"github.com/xenking/commerce-settlement/internal/eventbus"
)

// Config carries the orchestrator's collaborators. Everything is injected:
// the orchestrator holds no global state and its lifecycle is Register/Close.
type Config struct {
	Orders  order.Repository
	Regions region.Provider
	Ledger  *discount.Ledger
	Issuer  *giftcard.Issuer
	Drafts  draftorder.Repository
	States  StateStore
	Bus     eventbus.Bus
	Logger  *zap.Logger
	Meter   metric.Meter
	Tracer  trace.Tracer
}

// Orchestrator settles orders. Steps for a single order run strictly in
// sequence (issue, consume, reconcile); distinct orders settle concurrently
// and independently.
type Orchestrator struct {
	cfg Config
	log *zap.Logger

	unsubscribe func()

	settledOrders  metric.Int64Counter
	cardsIssued    metric.Int64Counter
	limitAnomalies metric.Int64Counter
	terminalErrors metric.Int64Counter
	transientRetry metric.Int64Counter
}

// New creates an Orchestrator from its collaborators.
func New(cfg Config) (*Orchestrator, error) {
	o := &Orchestrator{cfg: cfg, log: cfg.Logger}

	var err error
	if o.settledOrders, err = cfg.Meter.Int64Counter("settlement.orders_settled"); err != nil {
		return nil, errors.Wrap(err, "create counter")
	}
	if o.cardsIssued, err = cfg.Meter.Int64Counter("settlement.gift_cards_issued"); err != nil {
		return nil, errors.Wrap(err, "create counter")
	}
	if o.limitAnomalies, err = cfg.Meter.Int64Counter("settlement.discount_limit_exceeded"); err != nil {
		return nil, errors.Wrap(err, "create counter")
	}
	if o.terminalErrors, err = cfg.Meter.Int64Counter("settlement.terminal_errors"); err != nil {
		return nil, errors.Wrap(err, "create counter")
	}
	if o.transientRetry, err = cfg.Meter.Int64Counter("settlement.transient_retries"); err != nil {
		return nil, errors.Wrap(err, "create counter")
	}
	return o, nil
}

// Register subscribes the orchestrator to order.placed.
func (o *Orchestrator) Register() {
	o.unsubscribe = o.cfg.Bus.Subscribe(eventbus.EventOrderPlaced, o.HandleOrderPlaced)
}

// Close unsubscribes from the bus.
func (o *Orchestrator) Close() {
	if o.unsubscribe != nil {
		o.unsubscribe()
		o.unsubscribe = nil
	}
}

// HandleOrderPlaced runs the settlement pipeline for one order.placed
// delivery. Returning an error requests redelivery; it does so only for
// transient store failures. Every other failure is recorded against the
// order's settlement state and not retried.
func (o *Orchestrator) HandleOrderPlaced(ctx context.Context, evt eventbus.Event) error {
	var payload eventbus.OrderPlaced
	if err := json.Unmarshal(evt.Payload, &payload); err != nil {
		o.log.Error("malformed order.placed payload", zap.String("event_id", evt.ID), zap.Error(err))
		return nil
	}
	log := o.log.With(zap.String("order_id", payload.OrderID), zap.String("event_id", evt.ID))

	ctx, span := o.cfg.Tracer.Start(ctx, "settlement.order_placed",
		trace.WithAttributes(
			attribute.String("order.id", payload.OrderID),
			attribute.String("event.id", evt.ID),
		))
	defer span.End()

	if err := o.settle(ctx, log, payload.OrderID); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// settle runs the pipeline steps for one order, skipping steps the persisted
// state shows as already done.
func (o *Orchestrator) settle(ctx context.Context, log *zap.Logger, orderID string) error {
	state, err := o.cfg.States.Get(ctx, orderID)
	if err != nil {
		return o.retryOrRecord(ctx, log, orderID, "load settlement state", err)
	}
	if state.Reached(StateSettled) {
		log.Debug("order already settled, redelivery is a no-op")
		return nil
	}

	ord, err := o.cfg.Orders.Retrieve(ctx, orderID, order.RetrieveOpts{
		Relations: []string{order.RelationItems, order.RelationDiscounts, order.RelationGiftCards},
	})
	if err != nil {
		return o.retryOrRecord(ctx, log, orderID, "retrieve order", err)
	}

	if err := o.recomputeTotals(ctx, ord); err != nil {
		return o.retryOrRecord(ctx, log, ord.ID, "recompute totals", err)
	}

	if !state.Reached(StateGiftCardsIssued) {
		if err := o.issueGiftCards(ctx, log, ord); err != nil {
			return o.retryOrRecord(ctx, log, ord.ID, "issue gift cards", err)
		}
		if err := o.cfg.States.Advance(ctx, ord.ID, StateGiftCardsIssued); err != nil {
			return o.retryOrRecord(ctx, log, ord.ID, "advance state", err)
		}
	}

	if !state.Reached(StateDiscountsConsumed) {
		if err := o.consumeDiscounts(ctx, log, ord); err != nil {
			return o.retryOrRecord(ctx, log, ord.ID, "consume discounts", err)
		}
		if err := o.cfg.States.Advance(ctx, ord.ID, StateDiscountsConsumed); err != nil {
			return o.retryOrRecord(ctx, log, ord.ID, "advance state", err)
		}
	}

	if !state.Reached(StateDraftReconciled) {
		if err := o.reconcileDraft(ctx, log, ord); err != nil {
			return o.retryOrRecord(ctx, log, ord.ID, "reconcile draft order", err)
		}
		if err := o.cfg.States.Advance(ctx, ord.ID, StateDraftReconciled); err != nil {
			return o.retryOrRecord(ctx, log, ord.ID, "advance state", err)
		}
	}

	if err := o.cfg.States.Advance(ctx, ord.ID, StateSettled); err != nil {
		return o.retryOrRecord(ctx, log, ord.ID, "advance state", err)
	}

	o.settledOrders.Add(ctx, 1)
	log.Info("order settled")
	return nil
}

// recomputeTotals rebuilds the cached totals from the order snapshot and the
// region's tax configuration. ComputeTotals is pure, so replays write the
// same bytes back.
func (o *Orchestrator) recomputeTotals(ctx context.Context, ord *order.Order) error {
	rate, err := o.cfg.Regions.TaxRate(ctx, ord.RegionID)
	if err != nil {
		return errors.Wrap(err, "region tax rate")
	}
	exempt, err := o.cfg.Regions.GiftCardsTaxExempt(ctx, ord.RegionID)
	if err != nil {
		return errors.Wrap(err, "region gift card exemption")
	}

	totals, err := order.ComputeTotals(order.Snapshot{
		Currency:           ord.Currency,
		Items:              ord.Items,
		Discounts:          ord.Discounts,
		ShippingTotal:      ord.Totals.ShippingTotal,
		TaxRate:            rate,
		GiftCardsTaxExempt: exempt,
		// The redeemed amount was fixed at checkout; recompute keeps it.
		GiftCardBalance: ord.Totals.GiftCardTotal,
	})
	if err != nil {
		return err
	}

	ord.Totals = totals
	return o.cfg.Orders.UpdateTotals(ctx, ord.ID, totals)
}

// issueGiftCards materializes instruments for every gift-card line item.
// The issuer's per-line-item marker makes replays produce nothing new.
func (o *Orchestrator) issueGiftCards(ctx context.Context, log *zap.Logger, ord *order.Order) error {
	for _, item := range ord.Items {
		if !item.IsGiftCard {
			continue
		}
		cards, err := o.cfg.Issuer.IssueForLineItem(ctx, ord, item)
		if err != nil {
			return errors.Wrapf(err, "line item %s", item.ID)
		}
		o.cardsIssued.Add(ctx, int64(len(cards)))
		for _, card := range cards {
			o.publish(ctx, log, eventbus.EventGiftCardIssued, eventbus.GiftCardIssued{
				OrderID:    ord.ID,
				GiftCardID: card.ID,
				Value:      card.Value,
			})
		}
	}
	return nil
}

// consumeDiscounts records one use per applied discount. A LimitExceeded is
// a business anomaly: the discount passed validation at cart time, so
// exceeding the limit here means concurrent settlements raced. It is logged
// and recorded for operators but does not fail the step.
func (o *Orchestrator) consumeDiscounts(ctx context.Context, log *zap.Logger, ord *order.Order) error {
	for _, d := range ord.Discounts {
		consumed, err := o.cfg.Ledger.Consume(ctx, ord.ID, d.ID)
		switch {
		case errors.Is(err, discount.ErrLimitExceeded):
			o.limitAnomalies.Add(ctx, 1)
			log.Error("discount usage limit exceeded at settlement",
				zap.String("discount_id", d.ID), zap.String("code", d.Code))
			reason := fmt.Sprintf("usage limit exceeded for discount %s (%s)", d.ID, d.Code)
			if rerr := o.cfg.States.RecordAnomaly(ctx, ord.ID, reason); rerr != nil {
				return errors.Wrap(rerr, "record anomaly")
			}
		case err != nil:
			return errors.Wrapf(err, "discount %s", d.ID)
		case consumed:
			o.publish(ctx, log, eventbus.EventDiscountConsumed, eventbus.DiscountConsumed{
				OrderID:    ord.ID,
				DiscountID: d.ID,
			})
		}
	}
	return nil
}

// reconcileDraft completes the draft order that produced the cart, if one
// exists. A missing draft is the normal non-draft checkout path.
func (o *Orchestrator) reconcileDraft(ctx context.Context, log *zap.Logger, ord *order.Order) error {
	if ord.CartID == "" {
		return nil
	}
	draft, err := o.cfg.Drafts.RetrieveByCartID(ctx, ord.CartID)
	if errors.Is(err, draftorder.ErrNotFound) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "retrieve draft order")
	}
	if draft.Completed() {
		log.Debug("draft order already completed", zap.String("draft_order_id", draft.ID))
		return nil
	}
	return o.cfg.Drafts.MarkCompleted(ctx, draft.ID, ord.ID)
}

// retryOrRecord decides a failed step's fate: transient store errors bubble
// up so the bus redelivers; everything else is terminal for this delivery
// and lands in the settlement state for operators.
func (o *Orchestrator) retryOrRecord(ctx context.Context, log *zap.Logger, orderID, step string, err error) error {
	if isTransient(err) {
		o.transientRetry.Add(ctx, 1)
		log.Warn("transient failure, awaiting redelivery", zap.String("step", step), zap.Error(err))
		return errors.Wrap(err, step)
	}

	o.terminalErrors.Add(ctx, 1)
	log.Error("settlement step failed", zap.String("step", step), zap.Error(err))
	if rerr := o.cfg.States.RecordAnomaly(ctx, orderID, fmt.Sprintf("%s: %v", step, err)); rerr != nil {
		log.Error("record anomaly", zap.Error(rerr))
	}
	return nil
}

func (o *Orchestrator) publish(ctx context.Context, log *zap.Logger, name string, payload any) {
	evt, err := eventbus.NewEvent(name, payload)
	if err != nil {
		log.Error("build event", zap.String("event", name), zap.Error(err))
		return
	}
	// Downstream notification is best-effort; settlement does not fail on it.
	if err := o.cfg.Bus.Publish(ctx, evt); err != nil {
		log.Error("publish event", zap.String("event", name), zap.Error(err))
	}
}
