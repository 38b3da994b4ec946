/**
 * @description
 * This package provides a client for the Khalti ePayment API. Khalti is a
 * wallet-style gateway: the server initiates a payment session over HTTPS,
 * redirects the browser to the returned hosted payment page, and later
 * confirms settlement with an authenticated server-to-server lookup using the
 * pidx reference from the callback.
 *
 * The client itself holds no merchant credentials. Secret keys are owned per
 * tenant and passed into every call, so one process can serve many stores
 * without credential bleed.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 * - github.com/shopspring/decimal: Rupee<->paisa conversion.
 */
package khalti

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrUnavailable wraps transport-level failures (timeouts, connection
// resets). These are retryable and must be kept distinct from a definitive
// rejection by the provider.
var ErrUnavailable = errors.New("khalti api unreachable")

// Client is a client for the Khalti ePayment API.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient creates a new Khalti API client. The base URL selects the live or
// sandbox environment (e.g. "https://khalti.com/api/v2").
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
	}
}

var subunitFactor = decimal.NewFromInt(100)

// Subunit converts a rupee amount to paisa, the smallest currency subunit,
// which is what every amount field of the ePayment API expects. All amount
// fields of a request must go through this one conversion so the base
// amount, breakdown lines, and product totals stay consistent.
func Subunit(amount decimal.Decimal) int64 {
	return amount.Mul(subunitFactor).Round(0).IntPart()
}

// FromSubunit converts a paisa amount back to rupees with two fractional
// digits. It is the inverse of Subunit for all amounts representable in
// paisa.
func FromSubunit(paisa int64) decimal.Decimal {
	return decimal.NewFromInt(paisa).Div(subunitFactor)
}

// Customer is the buyer block of an initiation payload.
type Customer struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

// BreakdownItem is one line of the amount breakdown. The API requires the
// breakdown lines to sum to the total amount.
type BreakdownItem struct {
	Label  string `json:"label"`
	Amount int64  `json:"amount"`
}

// ProductDetail echoes the purchased item back to Khalti for display on the
// payment page.
type ProductDetail struct {
	Identity   string `json:"identity"`
	Name       string `json:"name"`
	TotalPrice int64  `json:"total_price"`
	Quantity   int    `json:"quantity"`
	UnitPrice  int64  `json:"unit_price"`
}

// InitiatePayload is the request body for POST /epayment/initiate/.
type InitiatePayload struct {
	ReturnURL         string          `json:"return_url"`
	WebsiteURL        string          `json:"website_url"`
	Amount            int64           `json:"amount"`
	PurchaseOrderID   string          `json:"purchase_order_id"`
	PurchaseOrderName string          `json:"purchase_order_name"`
	CustomerInfo      Customer        `json:"customer_info"`
	AmountBreakdown   []BreakdownItem `json:"amount_breakdown"`
	ProductDetails    []ProductDetail `json:"product_details"`
}

// InitiateResponse is the success body of POST /epayment/initiate/.
type InitiateResponse struct {
	Pidx       string     `json:"pidx"`
	PaymentURL string     `json:"payment_url"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	ExpiresIn  int        `json:"expires_in,omitempty"`
}

// LookupResponse is the body of POST /epayment/lookup/. TotalAmount and Fee
// are in paisa.
type LookupResponse struct {
	Pidx          string `json:"pidx"`
	TotalAmount   int64  `json:"total_amount"`
	Status        string `json:"status"`
	TransactionID string `json:"transaction_id"`
	Fee           int64  `json:"fee"`
	Refunded      bool   `json:"refunded"`
}

// APIError is a non-2xx response from Khalti. The message is flattened from
// Khalti's loosely shaped error bodies; the raw body is retained for
// diagnostics but never contains caller secrets.
type APIError struct {
	StatusCode int
	Message    string
	Raw        json.RawMessage
}

func (e *APIError) Error() string {
	return fmt.Sprintf("khalti api error (status %d): %s", e.StatusCode, e.Message)
}

// Initiate creates a payment session. The tenant's secret key authenticates
// the call as "Authorization: Key <secret>"; Khalti does not use a merchant
// code.
func (c *Client) Initiate(ctx context.Context, secretKey string, payload InitiatePayload) (*InitiateResponse, error) {
	var resp InitiateResponse
	if err := c.post(ctx, secretKey, "/epayment/initiate/", payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Lookup confirms the settlement state of a payment session by its pidx.
func (c *Client) Lookup(ctx context.Context, secretKey, pidx string) (*LookupResponse, error) {
	var resp LookupResponse
	body := map[string]string{"pidx": pidx}
	if err := c.post(ctx, secretKey, "/epayment/lookup/", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) post(ctx context.Context, secretKey, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal khalti request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create khalti request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Key "+secretKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read khalti response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			Message:    formatError(bodyBytes),
			Raw:        json.RawMessage(bodyBytes),
		}
		log.Printf("level=warn component=khalti_client path=%s status=%d msg=%q", path, resp.StatusCode, apiErr.Message)
		return apiErr
	}

	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("failed to decode khalti response: %w", err)
	}
	return nil
}

// formatError flattens Khalti's error bodies into a single user-presentable
// message. Validation errors carry per-field message lists alongside an
// "error_key" discriminator; auth errors carry a plain "detail".
func formatError(body []byte) string {
	var parsed map[string]interface{}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "an unexpected error occurred"
	}

	if detail := flattenDetail(parsed["detail"]); detail != "" {
		return detail
	}

	if key, _ := parsed["error_key"].(string); key == "validation_error" {
		fields := make([]string, 0, len(parsed))
		for field, messages := range parsed {
			if field == "error_key" {
				continue
			}
			if msg := flattenDetail(messages); msg != "" {
				fields = append(fields, fmt.Sprintf("%s: %s", strings.ReplaceAll(field, "_", " "), msg))
			}
		}
		if len(fields) > 0 {
			sort.Strings(fields)
			return strings.Join(fields, "; ")
		}
		return "validation error occurred"
	}

	return "an unexpected error occurred"
}

func flattenDetail(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case []interface{}:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", ")
	default:
		return ""
	}
}

// StatusValidation interprets a Khalti settlement status for callers that
// must decide whether to deliver service.
type StatusValidation struct {
	IsSuccess            bool
	ShouldProvideService bool
	Message              string
}

// ValidateStatus maps a lookup status to a service-delivery decision. Only
// "Completed" payments may drive side effects.
func ValidateStatus(status string) StatusValidation {
	switch status {
	case "Completed":
		return StatusValidation{IsSuccess: true, ShouldProvideService: true, Message: "Payment completed successfully"}
	case "Pending":
		return StatusValidation{Message: "Payment is pending. Please contact support if this persists."}
	case "Expired":
		return StatusValidation{Message: "Payment link has expired. Please try again."}
	case "User canceled":
		return StatusValidation{Message: "Payment was canceled by user."}
	case "Refunded":
		return StatusValidation{Message: "Payment has been refunded."}
	case "Partially Refunded":
		return StatusValidation{Message: "Payment has been partially refunded."}
	case "Initiated":
		return StatusValidation{Message: "Payment is still being processed."}
	default:
		return StatusValidation{Message: "Unknown payment status. Please contact support."}
	}
}
