/**
 * @description
 * This package provides a client for the tenant-management backend, the
 * system of record for everything this service treats as a collaborator:
 * per-tenant payment-gateway credentials, storefront orders, and site-owner
 * subscription plans. Each tenant's backend is addressed by substituting the
 * tenant subdomain into a configured URL template.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 * - github.com/shopspring/decimal: Amounts on the apply-outcome calls.
 */
package tenantclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrUnavailable wraps transport-level failures reaching the backend.
var ErrUnavailable = errors.New("tenant backend unreachable")

// FetchError is a non-2xx response from the tenant backend. Callers map it
// to a 5xx-class failure; it is never retried silently.
type FetchError struct {
	StatusCode int
	Message    string
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("tenant backend error (status %d): %s", e.StatusCode, e.Message)
}

// Client is a client for the tenant-management backend.
type Client struct {
	// APITemplate addresses a tenant's backend; "{subdomain}" is replaced
	// with the tenant subdomain (e.g. "https://{subdomain}.nepdora.com").
	APITemplate string
	// PlatformURL addresses the shared platform backend that owns
	// site-owner subscriptions.
	PlatformURL string
	HTTPClient  *http.Client
}

// NewClient creates a new tenant backend client.
func NewClient(apiTemplate, platformURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		APITemplate: apiTemplate,
		PlatformURL: strings.TrimSuffix(platformURL, "/"),
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *Client) tenantBase(subdomain string) string {
	return strings.TrimSuffix(strings.ReplaceAll(c.APITemplate, "{subdomain}", subdomain), "/")
}

// GatewayConfig is one provider's configuration for a tenant as the backend
// reports it. SecretKey is only ever held server-side.
type GatewayConfig struct {
	ID           int     `json:"id"`
	PaymentType  string  `json:"payment_type"`
	SecretKey    string  `json:"secret_key"`
	MerchantCode *string `json:"merchant_code"`
	IsEnabled    bool    `json:"is_enabled"`
}

// FetchGatewayConfigs retrieves the full credential set for a tenant. The
// backend wraps the array in a "data" envelope on newer versions and returns
// it bare on older ones; both shapes are accepted.
func (c *Client) FetchGatewayConfigs(ctx context.Context, subdomain string) ([]GatewayConfig, error) {
	url := c.tenantBase(subdomain) + "/api/payment-gateway/"

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create gateway config request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read gateway config response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Printf("level=warn component=tenant_client op=fetch_gateway_configs subdomain=%s status=%d", subdomain, resp.StatusCode)
		return nil, &FetchError{StatusCode: resp.StatusCode, Message: "failed to fetch payment gateways"}
	}

	var envelope struct {
		Data []GatewayConfig `json:"data"`
	}
	if err := json.Unmarshal(bodyBytes, &envelope); err == nil && envelope.Data != nil {
		return envelope.Data, nil
	}

	var bare []GatewayConfig
	if err := json.Unmarshal(bodyBytes, &bare); err != nil {
		return nil, fmt.Errorf("failed to decode gateway config response: %w", err)
	}
	return bare, nil
}

// OrderPaymentUpdate marks a storefront order as paid after verification.
type OrderPaymentUpdate struct {
	TransactionID string `json:"transaction_id"`
	PaymentType   string `json:"payment_type"`
	IsPaid        bool   `json:"is_paid"`
}

// UpdateOrderPayment records a completed payment against a tenant's order.
// The provider reference travels as the transaction id so the backend can
// deduplicate repeated applications of the same payment.
func (c *Client) UpdateOrderPayment(ctx context.Context, subdomain, orderID string, update OrderPaymentUpdate) error {
	url := fmt.Sprintf("%s/api/orders/%s/payment/", c.tenantBase(subdomain), orderID)
	return c.send(ctx, "PATCH", url, update, "update_order_payment")
}

// SubscriptionUpgrade activates a site owner's plan after a verified
// subscription payment.
type SubscriptionUpgrade struct {
	Subdomain         string          `json:"subdomain"`
	PlanID            string          `json:"plan_id"`
	ProviderReference string          `json:"provider_reference"`
	Amount            decimal.Decimal `json:"amount"`
	PaymentType       string          `json:"payment_type"`
}

// UpgradeSubscription applies a plan upgrade on the platform backend.
func (c *Client) UpgradeSubscription(ctx context.Context, upgrade SubscriptionUpgrade) error {
	url := c.PlatformURL + "/api/subscription/upgrade/"
	return c.send(ctx, "POST", url, upgrade, "upgrade_subscription")
}

func (c *Client) send(ctx context.Context, method, url string, payload interface{}, op string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Printf("level=warn component=tenant_client op=%s status=%d", op, resp.StatusCode)
		return &FetchError{StatusCode: resp.StatusCode, Message: op + " rejected by backend"}
	}
	return nil
}
