package service

import (
	"context"
	"time"

	"marketplace-service/internal/apperr"
	"marketplace-service/internal/models"
	"marketplace-service/internal/store"
	"marketplace-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const defaultSweepBatch = 200

// SweepResult summarizes one sweep.
type SweepResult struct {
	Scanned int `json:"scanned"`
	Expired int `json:"expired"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// Outcome labels a completed sweep: partial when any order failed to expire.
func (r SweepResult) Outcome() string {
	if r.Failed > 0 {
		return "partial"
	}
	return "ok"
}

// ExpirySweeper cancels pending orders whose reservation has lapsed and
// returns their stock.
type ExpirySweeper struct {
	uow       store.UnitOfWork
	ledger    *Ledger
	publisher EventPublisher
	clock     Clock
	batchSize int
	logger    *zap.Logger
}

// NewExpirySweeper creates a new expiry sweeper
func NewExpirySweeper(uow store.UnitOfWork, ledger *Ledger, publisher EventPublisher, clock Clock, batchSize int) *ExpirySweeper {
	if clock == nil {
		clock = SystemClock{}
	}
	if batchSize <= 0 {
		batchSize = defaultSweepBatch
	}
	return &ExpirySweeper{
		uow:       uow,
		ledger:    ledger,
		publisher: publisherOrDiscard(publisher),
		clock:     clock,
		batchSize: batchSize,
		logger:    util.GetLogger(),
	}
}

// Sweep expires every reservation that ended before now. Each order is
// expired in its own unit of work, so one failure does not hold back the
// rest and an order confirmed concurrently is skipped.
func (s *ExpirySweeper) Sweep(ctx context.Context) (SweepResult, error) {
	ctx, span := util.StartSpan(ctx, "ExpirySweeper.Sweep")
	defer span.End()

	now := s.clock.Now()
	var result SweepResult

	for {
		var ids []int64
		err := s.uow.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
			var err error
			ids, err = tx.FindExpiredReservations(ctx, now, s.batchSize)
			return err
		})
		if err != nil {
			util.SweeperRunsTotal.WithLabelValues("error").Inc()
			util.RecordError(span, err)
			return result, apperr.Wrap(err)
		}

		result.Scanned += len(ids)
		progressed := false
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				util.SweeperRunsTotal.WithLabelValues("interrupted").Inc()
				return result, err
			}

			expired, err := s.expire(ctx, id, now)
			switch {
			case err != nil:
				result.Failed++
				s.logger.Error("Failed to expire order",
					zap.Int64("order_id", id),
					zap.Error(err))
			case expired:
				result.Expired++
				progressed = true
			default:
				result.Skipped++
			}
		}

		if len(ids) < s.batchSize || !progressed {
			break
		}
	}

	util.SweeperRunsTotal.WithLabelValues(result.Outcome()).Inc()
	span.SetAttributes(
		attribute.Int("sweep.expired", result.Expired),
		attribute.Int("sweep.skipped", result.Skipped),
		attribute.Int("sweep.failed", result.Failed),
	)
	s.logger.Info("Expiry sweep finished",
		zap.Int("scanned", result.Scanned),
		zap.Int("expired", result.Expired),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", result.Failed))
	return result, nil
}

// expire cancels one order if it is still holding an expired reservation
// once locked. It reports false when the order moved on meanwhile.
func (s *ExpirySweeper) expire(ctx context.Context, orderID int64, now time.Time) (bool, error) {
	var (
		order    *models.Order
		levels   StockLevels
		released int
	)
	err := s.uow.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		order, levels, released = nil, StockLevels{}, 0

		locked, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if !locked.ReservationExpired(now) {
			return nil
		}

		items, err := tx.GetOrderItems(ctx, locked.ID)
		if err != nil {
			return err
		}
		if released, err = s.ledger.ReleaseItems(ctx, tx, levels, items); err != nil {
			return err
		}
		if err := locked.Cancel(models.CancelReasonExpired); err != nil {
			return err
		}
		if err := tx.UpdateOrder(ctx, locked); err != nil {
			return err
		}
		order = locked
		return nil
	})
	if err != nil || order == nil {
		return false, err
	}

	s.ledger.Sync(ctx, levels)
	util.SweeperExpiredTotal.Inc()
	util.InventoryUnitsReleased.Add(float64(released))
	util.OrdersCancelledTotal.WithLabelValues(models.CancelReasonExpired).Inc()

	s.logger.Info("Reservation expired, order cancelled",
		zap.Int64("order_id", order.ID),
		zap.Int("units_released", released))

	s.publisher.Publish(ctx, &models.OrderCancelledEvent{
		BaseEvent: models.NewBaseEvent(models.EventTypeOrderCancelled, now),
		OrderID:   order.ID,
		BuyerID:   order.BuyerID,
		Reason:    models.CancelReasonExpired,
	})
	return true, nil
}
