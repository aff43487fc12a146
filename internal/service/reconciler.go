package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"marketplace-service/internal/apperr"
	"marketplace-service/internal/gateway"
	"marketplace-service/internal/models"
	"marketplace-service/internal/store"
	"marketplace-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// NotificationOutcome describes what a gateway notification did.
type NotificationOutcome string

const (
	// OutcomeConfirmed: payment completed and the order confirmed.
	OutcomeConfirmed NotificationOutcome = "confirmed"
	// OutcomeFailed: payment marked failed. The order keeps its reservation.
	OutcomeFailed NotificationOutcome = "failed"
	// OutcomeLateSettlement: payment completed after the order left pending.
	OutcomeLateSettlement NotificationOutcome = "late_settlement"
	// OutcomeDuplicate: the payment already carried this settlement.
	OutcomeDuplicate NotificationOutcome = "duplicate"
	// OutcomeIgnored: non-terminal status, nothing to do.
	OutcomeIgnored NotificationOutcome = "ignored"
)

// PaymentReconciler initiates payments with the gateway and applies its
// asynchronous settlement notifications to payments and orders.
type PaymentReconciler struct {
	uow            store.UnitOfWork
	ledger         *Ledger
	gateway        PaymentGateway
	publisher      EventPublisher
	clock          Clock
	gatewayTimeout time.Duration
	logger         *zap.Logger
}

// NewPaymentReconciler creates a new payment reconciler
func NewPaymentReconciler(
	uow store.UnitOfWork,
	ledger *Ledger,
	gw PaymentGateway,
	publisher EventPublisher,
	clock Clock,
	gatewayTimeout time.Duration,
) *PaymentReconciler {
	if clock == nil {
		clock = SystemClock{}
	}
	if gatewayTimeout <= 0 {
		gatewayTimeout = 10 * time.Second
	}
	return &PaymentReconciler{
		uow:            uow,
		ledger:         ledger,
		gateway:        gw,
		publisher:      publisherOrDiscard(publisher),
		clock:          clock,
		gatewayTimeout: gatewayTimeout,
		logger:         util.GetLogger(),
	}
}

// HandleNotification applies a settlement notification. It is idempotent:
// redelivering a notification that was already applied changes nothing.
func (r *PaymentReconciler) HandleNotification(ctx context.Context, n gateway.Notification) (NotificationOutcome, error) {
	ctx, span := util.StartSpan(ctx, "PaymentReconciler.HandleNotification")
	defer span.End()
	span.SetAttributes(
		attribute.String("payment.tx_id", n.TransactionID),
		attribute.String("payment.gateway_status", n.Status),
	)

	if n.TransactionID == "" {
		return "", apperr.Validation("notification is missing a transaction id")
	}
	if !gateway.KnownStatus(n.Status) {
		util.PaymentNotificationsTotal.WithLabelValues(n.Status, "rejected").Inc()
		return "", apperr.Validation("unknown gateway status %q", n.Status)
	}
	if !n.Terminal() {
		util.PaymentNotificationsTotal.WithLabelValues(n.Status, string(OutcomeIgnored)).Inc()
		r.logger.Info("Ignoring non-terminal payment notification",
			zap.String("tx_id", n.TransactionID),
			zap.String("status", n.Status))
		return OutcomeIgnored, nil
	}

	raw := n.Raw
	if len(raw) == 0 {
		raw = json.RawMessage(fmt.Sprintf(`{"transaction_id":%q,"status":%q}`, n.TransactionID, n.Status))
	}

	var (
		outcome NotificationOutcome
		payment *models.Payment
		order   *models.Order
	)
	err := r.uow.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		outcome, payment, order = "", nil, nil

		var err error
		payment, err = tx.LockPaymentByTransactionID(ctx, n.TransactionID)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("payment", n.TransactionID)
		}
		if err != nil {
			return err
		}

		if n.Status == gateway.StatusApproved {
			outcome, order, err = r.applyApproval(ctx, tx, payment, raw)
			return err
		}
		outcome, err = r.applyFailure(ctx, tx, payment, raw)
		return err
	})
	if err != nil {
		util.PaymentNotificationsTotal.WithLabelValues(n.Status, string(apperr.KindOf(err))).Inc()
		util.RecordError(span, err)
		return "", apperr.Wrap(err)
	}

	util.PaymentNotificationsTotal.WithLabelValues(n.Status, string(outcome)).Inc()
	fields := []zap.Field{
		zap.String("tx_id", n.TransactionID),
		zap.Int64("payment_id", payment.ID),
		zap.Int64("order_id", payment.OrderID),
		zap.String("outcome", string(outcome)),
	}

	switch outcome {
	case OutcomeConfirmed:
		util.OrdersConfirmedTotal.Inc()
		r.logger.Info("Payment approved, order confirmed", fields...)
		r.publisher.Publish(ctx, &models.OrderConfirmedEvent{
			BaseEvent: models.NewBaseEvent(models.EventTypeOrderConfirmed, *order.PaidAt),
			OrderID:   order.ID,
			BuyerID:   order.BuyerID,
			PaymentID: payment.ID,
			TxID:      n.TransactionID,
		})
	case OutcomeLateSettlement:
		util.LateSettlementsTotal.Inc()
		r.logger.Warn("Payment settled after order left pending, needs manual review",
			append(fields, zap.String("order_status", order.Status))...)
	case OutcomeFailed:
		r.logger.Info("Payment failed", fields...)
		r.publisher.Publish(ctx, &models.PaymentFailedEvent{
			BaseEvent: models.NewBaseEvent(models.EventTypePaymentFailed, payment.UpdatedAt),
			OrderID:   payment.OrderID,
			PaymentID: payment.ID,
			TxID:      n.TransactionID,
			Reason:    n.Status,
		})
	default:
		r.logger.Info("Duplicate payment notification", fields...)
	}

	return outcome, nil
}

func (r *PaymentReconciler) applyApproval(ctx context.Context, tx store.Tx, payment *models.Payment, raw json.RawMessage) (NotificationOutcome, *models.Order, error) {
	if payment.Status == models.PaymentStatusCompleted {
		return OutcomeDuplicate, nil, nil
	}

	now := r.clock.Now()
	payment.Status = models.PaymentStatusCompleted
	payment.GatewayResponse = raw
	payment.PaidAt = &now
	if err := tx.UpdatePayment(ctx, payment); err != nil {
		return "", nil, err
	}

	order, err := tx.LockOrder(ctx, payment.OrderID)
	if err != nil {
		return "", nil, err
	}

	// The money is taken either way. An order that was cancelled or expired
	// meanwhile is left alone; its stock has already gone back.
	if order.Status != models.OrderStatusPending || !order.StockReserved {
		return OutcomeLateSettlement, order, nil
	}

	items, err := tx.GetOrderItems(ctx, order.ID)
	if err != nil {
		return "", nil, err
	}
	for _, item := range items {
		r.ledger.Commit(ctx, item.ProductID, item.Quantity)
	}

	if err := order.MarkAsPaid(now); err != nil {
		return "", nil, err
	}
	if err := tx.UpdateOrder(ctx, order); err != nil {
		return "", nil, err
	}
	return OutcomeConfirmed, order, nil
}

func (r *PaymentReconciler) applyFailure(ctx context.Context, tx store.Tx, payment *models.Payment, raw json.RawMessage) (NotificationOutcome, error) {
	switch payment.Status {
	case models.PaymentStatusFailed:
		return OutcomeDuplicate, nil
	case models.PaymentStatusCompleted:
		r.logger.Warn("Ignoring failure notification for a completed payment",
			zap.Int64("payment_id", payment.ID))
		return OutcomeDuplicate, nil
	}

	payment.Status = models.PaymentStatusFailed
	payment.GatewayResponse = raw
	if err := tx.UpdatePayment(ctx, payment); err != nil {
		return "", err
	}
	return OutcomeFailed, nil
}

// InitiatePayment opens the order's payment with the gateway and records the
// gateway reference that later notifications will carry. A payment that
// already holds a reference is returned as is; the buyer keeps paying
// through the checkout already opened.
func (r *PaymentReconciler) InitiatePayment(ctx context.Context, buyerID, orderID int64) (*models.Payment, error) {
	ctx, span := util.StartSpan(ctx, "PaymentReconciler.InitiatePayment")
	defer span.End()
	span.SetAttributes(attribute.Int64("order.id", orderID))

	var (
		order   *models.Order
		payment *models.Payment
	)
	err := r.uow.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		found, err := tx.GetOrder(ctx, orderID)
		if order, err = ownedOrder(found, err, buyerID, orderID); err != nil {
			return err
		}
		payment, err = tx.GetPaymentByOrderID(ctx, order.ID)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("payment", orderID)
		}
		if err != nil {
			return err
		}
		return payable(order, payment)
	})
	if err != nil {
		util.PaymentInitiationsTotal.WithLabelValues(string(apperr.KindOf(err))).Inc()
		return nil, apperr.Wrap(err)
	}
	if payment.TransactionID != nil {
		util.PaymentInitiationsTotal.WithLabelValues("reused").Inc()
		return payment, nil
	}
	attempt := payment.Attempts

	gwCtx, cancel := context.WithTimeout(ctx, r.gatewayTimeout)
	defer cancel()

	start := time.Now()
	resp, err := r.gateway.Initiate(gwCtx, gateway.InitiateRequest{
		Amount:         payment.Amount,
		Method:         payment.PaymentMethod,
		OrderReference: strconv.FormatInt(order.ID, 10),
		Description:    "Order " + order.OrderNumber,
		IdempotencyKey: gateway.AttemptKey(payment.ID, attempt),
	})
	util.GatewayLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		util.PaymentInitiationsTotal.WithLabelValues(string(apperr.KindGateway)).Inc()
		util.RecordError(span, err)
		r.logger.Error("Payment gateway initiation failed",
			zap.Int64("order_id", order.ID),
			zap.Int64("payment_id", payment.ID),
			zap.Error(err))
		return nil, apperr.Gateway(err)
	}

	err = r.uow.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		locked, err := tx.LockPayment(ctx, payment.ID)
		if err != nil {
			return err
		}
		current, err := tx.GetOrder(ctx, locked.OrderID)
		if err != nil {
			return err
		}
		if err := payable(current, locked); err != nil {
			return err
		}
		if locked.Attempts != attempt {
			return apperr.InvalidTransition("payment", locked.Status, "initiate a superseded attempt of")
		}
		if locked.TransactionID != nil {
			// A concurrent call for the same attempt got here first.
			payment = locked
			return nil
		}

		reference := resp.Reference
		locked.TransactionID = &reference
		if len(resp.Payload) > 0 {
			locked.GatewayResponse = resp.Payload
		}
		if err := tx.UpdatePayment(ctx, locked); err != nil {
			return err
		}
		payment = locked
		return nil
	})
	if err != nil {
		util.PaymentInitiationsTotal.WithLabelValues(string(apperr.KindOf(err))).Inc()
		util.RecordError(span, err)
		return nil, apperr.Wrap(err)
	}

	util.PaymentInitiationsTotal.WithLabelValues("initiated").Inc()
	r.logger.Info("Payment initiated",
		zap.Int64("order_id", order.ID),
		zap.Int64("payment_id", payment.ID),
		zap.String("tx_id", *payment.TransactionID))
	return payment, nil
}

// payable checks that a payment may still be sent to the gateway.
func payable(order *models.Order, payment *models.Payment) error {
	if payment.Status != models.PaymentStatusPending {
		return apperr.InvalidTransition("payment", payment.Status, "initiate")
	}
	if order.Status != models.OrderStatusPending {
		return apperr.InvalidTransition("order", order.Status, "pay for")
	}
	return nil
}

// RetryPayment resets a failed payment to pending so it can be initiated
// again under a new attempt key. The old gateway reference is dropped, so
// late notifications for it no longer match. The order is not touched.
func (r *PaymentReconciler) RetryPayment(ctx context.Context, buyerID, paymentID int64) (*models.Payment, error) {
	ctx, span := util.StartSpan(ctx, "PaymentReconciler.RetryPayment")
	defer span.End()
	span.SetAttributes(attribute.Int64("payment.id", paymentID))

	var payment *models.Payment
	err := r.uow.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		payment, err = ownedPayment(ctx, tx, tx.LockPayment, buyerID, paymentID)
		if err != nil {
			return err
		}
		if payment.Status != models.PaymentStatusFailed {
			return apperr.InvalidTransition("payment", payment.Status, "retry")
		}

		payment.Status = models.PaymentStatusPending
		payment.TransactionID = nil
		payment.Attempts++
		return tx.UpdatePayment(ctx, payment)
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, apperr.Wrap(err)
	}

	util.PaymentRetriesTotal.Inc()
	r.logger.Info("Payment reset for retry",
		zap.Int64("payment_id", payment.ID),
		zap.Int64("order_id", payment.OrderID))
	return payment, nil
}

// GetPayment returns one of the buyer's payments.
func (r *PaymentReconciler) GetPayment(ctx context.Context, buyerID, paymentID int64) (*models.Payment, error) {
	ctx, span := util.StartSpan(ctx, "PaymentReconciler.GetPayment")
	defer span.End()

	var payment *models.Payment
	err := r.uow.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		payment, err = ownedPayment(ctx, tx, tx.GetPayment, buyerID, paymentID)
		return err
	})
	if err != nil {
		return nil, apperr.Wrap(err)
	}
	return payment, nil
}

func ownedPayment(
	ctx context.Context,
	tx store.Tx,
	load func(context.Context, int64) (*models.Payment, error),
	buyerID, paymentID int64,
) (*models.Payment, error) {
	payment, err := load(ctx, paymentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("payment", paymentID)
	}
	if err != nil {
		return nil, err
	}

	order, err := tx.GetOrder(ctx, payment.OrderID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && order.BuyerID != buyerID) {
		return nil, apperr.NotFound("payment", paymentID)
	}
	if err != nil {
		return nil, err
	}
	return payment, nil
}
