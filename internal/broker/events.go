package broker

import (
	"context"
	"sync"
	"time"

	"marketplace-service/internal/models"
	"marketplace-service/internal/util"

	"go.uber.org/zap"
)

// EventSink delivers a keyed event. *Producer satisfies it.
type EventSink interface {
	PublishEvent(ctx context.Context, key string, event interface{}) error
}

// EventPublisher decouples domain event delivery from the transactional
// workflows: Publish enqueues and returns, Run drains the queue to the sink.
type EventPublisher struct {
	sink         EventSink
	queue        chan models.Event
	logger       *zap.Logger
	writeTimeout time.Duration

	closeOnce sync.Once
	done      chan struct{}
}

// NewEventPublisher creates a new event publisher with a bounded queue
func NewEventPublisher(sink EventSink, queueSize int) *EventPublisher {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &EventPublisher{
		sink:         sink,
		queue:        make(chan models.Event, queueSize),
		logger:       util.GetLogger(),
		writeTimeout: 10 * time.Second,
		done:         make(chan struct{}),
	}
}

// Publish enqueues an event without blocking. When the queue is full the
// event is dropped and counted.
func (ep *EventPublisher) Publish(_ context.Context, event models.Event) {
	base := event.Base()
	select {
	case ep.queue <- event:
	default:
		util.EventsPublishFailed.WithLabelValues(base.EventType).Inc()
		ep.logger.Error("Event queue full, dropping event",
			zap.String("event_id", base.EventID),
			zap.String("event_type", base.EventType))
	}
}

// Run delivers queued events until ctx is cancelled, then flushes what is
// left in the queue.
func (ep *EventPublisher) Run(ctx context.Context) error {
	defer close(ep.done)
	for {
		select {
		case event := <-ep.queue:
			ep.deliver(event)
		case <-ctx.Done():
			ep.flush()
			return nil
		}
	}
}

// Wait blocks until Run has returned.
func (ep *EventPublisher) Wait() {
	<-ep.done
}

func (ep *EventPublisher) flush() {
	for {
		select {
		case event := <-ep.queue:
			ep.deliver(event)
		default:
			return
		}
	}
}

func (ep *EventPublisher) deliver(event models.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), ep.writeTimeout)
	defer cancel()

	base := event.Base()
	if err := ep.sink.PublishEvent(ctx, event.PartitionKey(), event); err != nil {
		util.EventsPublishFailed.WithLabelValues(base.EventType).Inc()
		ep.logger.Error("Failed to publish event",
			zap.String("event_id", base.EventID),
			zap.String("event_type", base.EventType),
			zap.Error(err))
		return
	}
	ep.logger.Info("Event published",
		zap.String("event_id", base.EventID),
		zap.String("event_type", base.EventType))
}
