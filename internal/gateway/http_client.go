package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"marketplace-service/internal/util"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const maxResponseBytes = 1 << 20

// HTTPClient initiates payments against the gateway's REST API. Timeouts come
// from the caller's context.
type HTTPClient struct {
	baseURL         string
	apiKey          string
	notificationURL string
	httpClient      *http.Client
}

// NewHTTPClient creates a gateway client for baseURL
func NewHTTPClient(baseURL, apiKey, notificationURL string) *HTTPClient {
	return &HTTPClient{
		baseURL:         strings.TrimRight(baseURL, "/"),
		apiKey:          apiKey,
		notificationURL: notificationURL,
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        50,
				MaxIdleConnsPerHost: 50,
			},
		},
	}
}

// Initiate opens a payment and returns the gateway reference
func (c *HTTPClient) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResponse, error) {
	ctx, span := util.GetTracer().Start(ctx, "gateway.Initiate", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	if req.NotificationURL == "" {
		req.NotificationURL = c.notificationURL
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal initiate request: %w", err)
	}

	url := c.baseURL + "/v1/payments"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	span.SetAttributes(
		attribute.String("http.url", url),
		attribute.String("http.method", http.MethodPost),
		attribute.String("payment.order_reference", req.OrderReference),
	)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		util.RecordError(span, err)
		return nil, fmt.Errorf("gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		util.RecordError(span, err)
		return nil, fmt.Errorf("failed to read gateway response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("gateway returned status %d", resp.StatusCode)
		util.RecordError(span, err)
		return nil, err
	}

	var out InitiateResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		util.RecordError(span, err)
		return nil, fmt.Errorf("failed to decode gateway response: %w", err)
	}
	if out.Reference == "" {
		err := fmt.Errorf("gateway response has no reference")
		util.RecordError(span, err)
		return nil, err
	}
	out.Payload = payload
	return &out, nil
}
