package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"
)

// HTTPProcessor talks to the payment bridge service that fronts the
// real processor. Every call carries a bounded deadline.
type HTTPProcessor struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPProcessor(baseURL, apiKey string) *HTTPProcessor {
	return &HTTPProcessor{
		baseURL: baseURL,
		apiKey:  apiKey,
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				DialContext:         (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
				TLSHandshakeTimeout: 5 * time.Second,
			},
		},
	}
}

func (p *HTTPProcessor) post(ctx context.Context, path string, body, out any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("processor call %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("processor call %s: status %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (p *HTTPProcessor) CreateCheckoutSession(ctx context.Context, tenantID string, amountCents int64) (string, error) {
	var out struct {
		URL string `json:"url"`
	}
	err := p.post(ctx, "/v1/checkout", map[string]any{
		"tenantId": tenantID, "amountCents": amountCents,
	}, &out)
	return out.URL, err
}

func (p *HTTPProcessor) CreatePortalSession(ctx context.Context, tenantID string) (string, error) {
	var out struct {
		URL string `json:"url"`
	}
	err := p.post(ctx, "/v1/portal", map[string]any{"tenantId": tenantID}, &out)
	return out.URL, err
}

func (p *HTTPProcessor) SetupPaymentMethod(ctx context.Context, tenantID string) (string, error) {
	var out struct {
		URL string `json:"url"`
	}
	err := p.post(ctx, "/v1/payment-methods/setup", map[string]any{"tenantId": tenantID}, &out)
	return out.URL, err
}

func (p *HTTPProcessor) ListPaymentMethods(ctx context.Context, tenantID string) ([]PaymentMethod, error) {
	var out struct {
		Methods []PaymentMethod `json:"methods"`
	}
	err := p.post(ctx, "/v1/payment-methods/list", map[string]any{"tenantId": tenantID}, &out)
	return out.Methods, err
}

func (p *HTTPProcessor) Charge(ctx context.Context, tenantID string, amountCents int64, reason string) (string, error) {
	var out struct {
		ReferenceID string `json:"referenceId"`
	}
	err := p.post(ctx, "/v1/charge", map[string]any{
		"tenantId": tenantID, "amountCents": amountCents, "reason": reason,
	}, &out)
	if err != nil {
		return "", err
	}
	if out.ReferenceID == "" {
		return "", fmt.Errorf("processor charge returned no reference id")
	}
	return out.ReferenceID, nil
}

func (p *HTTPProcessor) DeleteCustomer(ctx context.Context, processorCustomerID string) error {
	return p.post(ctx, "/v1/customers/delete", map[string]any{
		"customerId": processorCustomerID,
	}, nil)
}
