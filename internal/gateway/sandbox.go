package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"marketplace-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// NotificationSink receives the sandbox's asynchronous settlement messages.
type NotificationSink interface {
	PublishEvent(ctx context.Context, key string, event interface{}) error
}

// Sandbox is a local stand-in for the gateway. Initiate answers immediately;
// a moment later it settles the payment by publishing a notification, the
// same way the real gateway calls the webhook.
type Sandbox struct {
	sink         NotificationSink
	approvalRate float64
	minDelay     time.Duration
	maxDelay     time.Duration
	logger       *zap.Logger

	mu       sync.Mutex
	rand     *rand.Rand
	attempts map[string]*InitiateResponse
	wg       sync.WaitGroup
}

// NewSandbox creates a sandbox gateway approving approvalRate of payments
func NewSandbox(sink NotificationSink, approvalRate float64) *Sandbox {
	return &Sandbox{
		sink:         sink,
		approvalRate: approvalRate,
		minDelay:     100 * time.Millisecond,
		maxDelay:     500 * time.Millisecond,
		logger:       util.GetLogger(),
		rand:         rand.New(rand.NewSource(time.Now().UnixNano())),
		attempts:     map[string]*InitiateResponse{},
	}
}

// Initiate returns a sandbox reference and schedules its settlement. A
// repeated idempotency key gets the first response back and settles nothing.
func (s *Sandbox) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResponse, error) {
	if req.Amount <= 0 {
		return nil, fmt.Errorf("sandbox: invalid amount %d", req.Amount)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.attempts[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		return prev, nil
	}

	reference := fmt.Sprintf("TXN-%s", uuid.New().String()[:8])
	payload, _ := json.Marshal(map[string]any{
		"reference":       reference,
		"order_reference": req.OrderReference,
		"checkout_url":    "https://sandbox.gateway.local/checkout/" + reference,
		"environment":     "sandbox",
	})

	delay, approved := s.decide()
	s.wg.Add(1)
	go s.settle(reference, req, delay, approved)

	resp := &InitiateResponse{Reference: reference, Payload: payload}
	if req.IdempotencyKey != "" {
		s.attempts[req.IdempotencyKey] = resp
	}
	return resp, nil
}

// decide must be called with s.mu held.
func (s *Sandbox) decide() (time.Duration, bool) {
	spread := int64(s.maxDelay - s.minDelay)
	delay := s.minDelay
	if spread > 0 {
		delay += time.Duration(s.rand.Int63n(spread))
	}
	return delay, s.rand.Float64() < s.approvalRate
}

func (s *Sandbox) settle(reference string, req InitiateRequest, delay time.Duration, approved bool) {
	defer s.wg.Done()
	time.Sleep(delay)

	status := StatusApproved
	if !approved {
		status = StatusRejected
	}
	notification := map[string]any{
		"transaction_id":  reference,
		"status":          status,
		"amount":          req.Amount,
		"method":          req.Method,
		"order_reference": req.OrderReference,
		"settled_at":      time.Now().UTC(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.sink.PublishEvent(ctx, reference, notification); err != nil {
		s.logger.Error("Sandbox failed to publish notification",
			zap.String("transaction_id", reference),
			zap.Error(err))
		return
	}
	s.logger.Info("Sandbox settled payment",
		zap.String("transaction_id", reference),
		zap.String("status", status))
}

// Close waits for in-flight settlements
func (s *Sandbox) Close() {
	s.wg.Wait()
}
