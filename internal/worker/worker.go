package worker

import (
	"context"
	"time"

	"marketplace-service/internal/apperr"
	"marketplace-service/internal/broker"
	"marketplace-service/internal/gateway"
	"marketplace-service/internal/service"
	"marketplace-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// NotificationHandler applies gateway settlement notifications.
type NotificationHandler interface {
	HandleNotification(ctx context.Context, n gateway.Notification) (service.NotificationOutcome, error)
}

// NotificationWorker feeds gateway notifications from Kafka to the reconciler
type NotificationWorker struct {
	consumer *broker.Consumer
	handler  NotificationHandler
	retries  int
	backoff  time.Duration
	logger   *zap.Logger
}

// NewNotificationWorker creates a new notification worker
func NewNotificationWorker(consumer *broker.Consumer, handler NotificationHandler) *NotificationWorker {
	return &NotificationWorker{
		consumer: consumer,
		handler:  handler,
		retries:  3,
		backoff:  500 * time.Millisecond,
		logger:   util.GetLogger(),
	}
}

// Start starts the worker
func (w *NotificationWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting notification worker")
	return w.consumer.StartConsuming(ctx, w.HandleMessage)
}

// Stop stops the worker
func (w *NotificationWorker) Stop() error {
	w.logger.Info("Stopping notification worker")
	return w.consumer.Close()
}

// HandleMessage processes one notification. Malformed payloads and
// notifications that never match a payment are dropped so they do not block
// the partition; other failures are returned and the consumer retries the
// same message until it is applied.
func (w *NotificationWorker) HandleMessage(ctx context.Context, msg kafka.Message) error {
	n, err := gateway.ParseNotification(msg.Value)
	if err != nil {
		w.logger.Warn("Dropping malformed payment notification",
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return nil
	}

	for attempt := 0; ; attempt++ {
		_, err = w.handler.HandleNotification(ctx, n)
		if err == nil {
			return nil
		}

		// The gateway can settle before the initiating transaction has
		// recorded its reference.
		if apperr.Is(err, apperr.KindNotFound) && attempt < w.retries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.backoff):
			}
			continue
		}
		break
	}

	switch apperr.KindOf(err) {
	case apperr.KindNotFound, apperr.KindValidation:
		w.logger.Warn("Dropping unmatched payment notification",
			zap.String("tx_id", n.TransactionID),
			zap.String("status", n.Status),
			zap.Error(err))
		return nil
	}
	return err
}

// Sweeper expires lapsed reservations.
type Sweeper interface {
	Sweep(ctx context.Context) (service.SweepResult, error)
}

// Locker grants a lease that keeps replicas from sweeping at the same time.
type Locker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	ReleaseLock(ctx context.Context, key, token string) error
}

// sweepLockKey is namespaced by the locker, which stores it as lock:expiry-sweeper.
const sweepLockKey = "expiry-sweeper"

// SweepWorker runs the expiry sweeper on a fixed interval
type SweepWorker struct {
	sweeper  Sweeper
	locker   Locker
	interval time.Duration
	lockTTL  time.Duration
	logger   *zap.Logger
}

// NewSweepWorker creates a new sweep worker. locker may be nil.
func NewSweepWorker(sweeper Sweeper, locker Locker, interval, lockTTL time.Duration) *SweepWorker {
	return &SweepWorker{
		sweeper:  sweeper,
		locker:   locker,
		interval: interval,
		lockTTL:  lockTTL,
		logger:   util.GetLogger(),
	}
}

// Start sweeps once and then every interval until ctx is cancelled.
func (w *SweepWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting sweep worker", zap.Duration("interval", w.interval))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("Expiry sweep failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			w.logger.Info("Stopping sweep worker")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce sweeps if no other replica holds the lease. It reports whether a
// sweep ran. Sweeping is safe without the lease, so a lock backend failure
// does not stop it.
func (w *SweepWorker) RunOnce(ctx context.Context) (bool, error) {
	if w.locker != nil {
		token, ok, err := w.locker.AcquireLock(ctx, sweepLockKey, w.lockTTL)
		switch {
		case err != nil:
			w.logger.Warn("Sweep lock unavailable, sweeping without it", zap.Error(err))
		case !ok:
			w.logger.Debug("Sweep already running elsewhere")
			return false, nil
		default:
			defer func() {
				if err := w.locker.ReleaseLock(context.Background(), sweepLockKey, token); err != nil {
					w.logger.Warn("Failed to release sweep lock", zap.Error(err))
				}
			}()
		}
	}

	_, err := w.sweeper.Sweep(ctx)
	return true, err
}
