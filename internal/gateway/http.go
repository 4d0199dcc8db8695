package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/onboarding/internal/metrics"
)

type idempotencyKeyCtx struct{}

// WithIdempotencyKey attaches the caller's idempotency key to the context.
// The HTTP gateway forwards it as the X-Idempotency-Key header so identical
// resent requests are recognized downstream.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKeyCtx{}, key)
}

func idempotencyKeyFrom(ctx context.Context) string {
	if key, ok := ctx.Value(idempotencyKeyCtx{}).(string); ok {
		return key
	}
	return ""
}

// Endpoints holds the base URL for each capability service.
type Endpoints struct {
	Quote       string
	Mandate     string
	Sanctions   string
	Procurement string
}

// HTTPGateway is the production Gateway over plain HTTP/JSON services.
type HTTPGateway struct {
	logger    zerolog.Logger
	endpoints Endpoints
	client    *http.Client
	timeout   time.Duration
}

// NewHTTPGateway creates a gateway with a per-call timeout. A timeout of 0
// defaults to 15 seconds.
func NewHTTPGateway(logger zerolog.Logger, endpoints Endpoints, timeout time.Duration) *HTTPGateway {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPGateway{
		logger:    logger.With().Str("component", "gateway").Logger(),
		endpoints: endpoints,
		client:    &http.Client{},
		timeout:   timeout,
	}
}

func (g *HTTPGateway) Quote(ctx context.Context, leadID string) (*Quote, error) {
	var quote Quote
	err := g.call(ctx, "quote", g.endpoints.Quote+"/quotes", map[string]string{"lead_id": leadID}, &quote)
	if err != nil {
		return nil, err
	}
	if quote.QuoteID == "" {
		return nil, &InvalidResponseError{Service: "quote", Field: "quote_id"}
	}
	if quote.Amount <= 0 {
		return nil, &InvalidResponseError{Service: "quote", Field: "amount"}
	}
	return &quote, nil
}

func (g *HTTPGateway) VerifyMandate(ctx context.Context, applicantID string) (*MandateResult, error) {
	var result MandateResult
	err := g.call(ctx, "mandate", g.endpoints.Mandate+"/verifications", map[string]string{"applicant_id": applicantID}, &result)
	if err != nil {
		return nil, err
	}
	if result.MandateID == "" {
		return nil, &InvalidResponseError{Service: "mandate", Field: "mandate_id"}
	}
	return &result, nil
}

func (g *HTTPGateway) CheckSanctions(ctx context.Context, applicantID string) (*SanctionsResult, error) {
	var result SanctionsResult
	err := g.call(ctx, "sanctions", g.endpoints.Sanctions+"/screenings", map[string]string{"applicant_id": applicantID}, &result)
	if err != nil {
		return nil, err
	}
	if result.Reference == "" {
		return nil, &InvalidResponseError{Service: "sanctions", Field: "reference"}
	}
	return &result, nil
}

func (g *HTTPGateway) CheckProcurement(ctx context.Context, applicantID string) (*ProcurementResult, error) {
	var result ProcurementResult
	err := g.call(ctx, "procurement", g.endpoints.Procurement+"/checks", map[string]string{"applicant_id": applicantID}, &result)
	if err != nil {
		return nil, err
	}
	if result.Reference == "" {
		return nil, &InvalidResponseError{Service: "procurement", Field: "reference"}
	}
	return &result, nil
}

// call POSTs a JSON payload and decodes the response, classifying failures
// for the retry manager: network errors and 5xx are transient, 4xx
// permanent, undecodable bodies invalid.
func (g *HTTPGateway) call(ctx context.Context, service, url string, payload any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", service, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s request: %w", service, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if key := idempotencyKeyFrom(ctx); key != "" {
		req.Header.Set("X-Idempotency-Key", key)
	}

	start := time.Now()
	resp, err := g.client.Do(req)
	metrics.ObserveGatewayRequest(service, time.Since(start))
	if err != nil {
		return &TransientError{Service: service, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		respBody, _ := io.ReadAll(resp.Body)
		return &TransientError{Service: service, Err: fmt.Errorf("status %d: %s", resp.StatusCode, string(respBody))}
	case resp.StatusCode >= 400:
		respBody, _ := io.ReadAll(resp.Body)
		return &PermanentError{Service: service, Status: resp.StatusCode, Err: fmt.Errorf("%s", string(respBody))}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &InvalidResponseError{Service: service, Field: "body"}
	}
	return nil
}
