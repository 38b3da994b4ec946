/**
 * @description
 * This package implements the eSewa ePay integration. eSewa is a bank-redirect
 * style gateway: initiation produces a signed field set that the browser
 * submits as a form POST directly to eSewa's endpoint, and the asynchronous
 * callback carries a base64-encoded, provider-signed response blob that is
 * verified locally by recomputing the HMAC — no second network call is
 * needed to confirm a payment.
 *
 * The signature is HMAC-SHA256 over "name=value" pairs of the signed fields,
 * comma-joined in the exact order declared by signed_field_names, then
 * base64-encoded. Field order is load-bearing: reordering silently produces
 * an unverifiable signature.
 *
 * @dependencies
 * - crypto/hmac, crypto/sha256, encoding/base64: Signature computation.
 * - github.com/google/uuid: Transaction UUID generation.
 * - github.com/shopspring/decimal: Amount handling.
 */
package esewa

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SignedFieldNames is the canonical ordered field list eSewa expects a
// request signature to cover.
const SignedFieldNames = "total_amount,transaction_uuid,product_code"

var (
	// ErrUnavailable wraps transport-level failures on the status-check
	// endpoint; retryable, unlike a definitive rejection.
	ErrUnavailable = errors.New("esewa api unreachable")

	// ErrMalformedCallback means the callback blob could not be decoded or
	// is missing its signature fields.
	ErrMalformedCallback = errors.New("malformed esewa callback data")

	// ErrSignatureMismatch means the recomputed signature did not match the
	// one eSewa attached. The payment must not be treated as confirmed.
	ErrSignatureMismatch = errors.New("esewa signature mismatch")
)

// Client holds the endpoint configuration for eSewa ePay. Merchant
// credentials are per tenant and passed into each call.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient creates a new eSewa client. The base URL selects the live or
// test environment (e.g. "https://epay.esewa.com.np/api/epay").
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

// FormParams are the inputs to building a payment form session. Amounts are
// rupees; eSewa takes decimal strings, not subunits.
type FormParams struct {
	Amount                decimal.Decimal
	TaxAmount             decimal.Decimal
	ProductServiceCharge  decimal.Decimal
	ProductDeliveryCharge decimal.Decimal
	SuccessURL            string
	FailureURL            string
	// TransactionUUID is generated when empty.
	TransactionUUID string
}

// FormSession is a ready-to-submit payment form: the action URL and the
// complete signed field set, including the signature itself.
type FormSession struct {
	FormAction      string
	Fields          map[string]string
	TransactionUUID string
}

// Sign computes the base64-encoded HMAC-SHA256 of message under the given
// secret key. The same primitive covers outgoing requests and incoming
// callback verification.
func Sign(secretKey, message string) string {
	mac := hmac.New(sha256.New, []byte(secretKey))
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// signatureBase joins the named fields as "name=value" pairs, comma
// separated, in exactly the given order.
func signatureBase(fields map[string]string, order []string) string {
	pairs := make([]string, 0, len(order))
	for _, name := range order {
		name = strings.TrimSpace(name)
		pairs = append(pairs, name+"="+fields[name])
	}
	return strings.Join(pairs, ",")
}

// BuildFormSession assembles and signs the field set for a payment form
// POST. It performs no network call: eSewa is contacted by the customer's
// browser submitting the returned form.
func (c *Client) BuildFormSession(secretKey, merchantCode string, params FormParams) (*FormSession, error) {
	if secretKey == "" || merchantCode == "" {
		return nil, errors.New("esewa merchant code and secret key are required")
	}

	txnUUID := params.TransactionUUID
	if txnUUID == "" {
		txnUUID = uuid.New().String()
	}

	total := params.Amount.Add(params.TaxAmount).
		Add(params.ProductServiceCharge).
		Add(params.ProductDeliveryCharge)

	fields := map[string]string{
		"amount":                  params.Amount.String(),
		"tax_amount":              params.TaxAmount.String(),
		"total_amount":            total.String(),
		"transaction_uuid":        txnUUID,
		"product_code":            merchantCode,
		"product_service_charge":  params.ProductServiceCharge.String(),
		"product_delivery_charge": params.ProductDeliveryCharge.String(),
		"success_url":             params.SuccessURL,
		"failure_url":             params.FailureURL,
		"signed_field_names":      SignedFieldNames,
	}

	base := signatureBase(fields, strings.Split(SignedFieldNames, ","))
	fields["signature"] = Sign(secretKey, base)

	return &FormSession{
		FormAction:      c.BaseURL + "/main/v2/form",
		Fields:          fields,
		TransactionUUID: txnUUID,
	}, nil
}

// CallbackResult is the decoded, signature-verified content of an eSewa
// success callback.
type CallbackResult struct {
	TransactionCode string
	Status          string
	TotalAmount     decimal.Decimal
	TransactionUUID string
	ProductCode     string
	RefID           string
}

// VerifyCallback decodes the base64 callback blob and verifies its signature
// by recomputing the HMAC over the blob's own signed_field_names order with
// the tenant's secret key. Only a byte-exact signature match is accepted.
func VerifyCallback(secretKey, encodedData string) (*CallbackResult, error) {
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encodedData))
	if err != nil {
		// Callbacks arrive via redirect query parameters, which strips
		// padding often enough to matter.
		decoded, err = base64.RawStdEncoding.DecodeString(strings.TrimSpace(encodedData))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
		}
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(decoded, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}

	fields := make(map[string]string, len(raw))
	for name, value := range raw {
		fields[name] = rawToString(value)
	}

	signedNames := fields["signed_field_names"]
	signature := fields["signature"]
	if signedNames == "" || signature == "" {
		return nil, fmt.Errorf("%w: missing signature fields", ErrMalformedCallback)
	}

	base := signatureBase(fields, strings.Split(signedNames, ","))
	expected := Sign(secretKey, base)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		log.Printf("level=warn component=esewa_client msg=\"callback signature mismatch\" transaction_uuid=%s", fields["transaction_uuid"])
		return nil, ErrSignatureMismatch
	}

	amount, err := parseAmount(fields["total_amount"])
	if err != nil {
		return nil, fmt.Errorf("%w: bad total_amount %q", ErrMalformedCallback, fields["total_amount"])
	}

	return &CallbackResult{
		TransactionCode: fields["transaction_code"],
		Status:          fields["status"],
		TotalAmount:     amount,
		TransactionUUID: fields["transaction_uuid"],
		ProductCode:     fields["product_code"],
		RefID:           fields["transaction_code"],
	}, nil
}

// rawToString renders a JSON value exactly as it appeared on the wire:
// strings are unquoted, numbers keep their original text. The signature was
// computed by eSewa over these exact renderings.
func rawToString(value json.RawMessage) string {
	text := strings.TrimSpace(string(value))
	if len(text) >= 2 && text[0] == '"' {
		var s string
		if err := json.Unmarshal(value, &s); err == nil {
			return s
		}
	}
	return text
}

// parseAmount handles eSewa's habit of thousands separators in amount
// fields ("1,000.0").
func parseAmount(text string) (decimal.Decimal, error) {
	return decimal.NewFromString(strings.ReplaceAll(strings.TrimSpace(text), ",", ""))
}

// StatusResponse is the body of the transaction status endpoint, used for
// reconciliation when no callback was observed.
type StatusResponse struct {
	ProductCode     string          `json:"product_code"`
	TransactionUUID string          `json:"transaction_uuid"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	Status          string          `json:"status"`
	RefID           string          `json:"ref_id"`
}

// CheckStatus queries the settlement state of a transaction directly.
func (c *Client) CheckStatus(ctx context.Context, merchantCode string, totalAmount decimal.Decimal, transactionUUID string) (*StatusResponse, error) {
	query := url.Values{}
	query.Set("product_code", merchantCode)
	query.Set("total_amount", totalAmount.String())
	query.Set("transaction_uuid", transactionUUID)

	req, err := http.NewRequestWithContext(ctx, "GET", c.BaseURL+"/transaction/status/?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create esewa status request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read esewa status response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Printf("level=warn component=esewa_client op=check_status status=%d transaction_uuid=%s", resp.StatusCode, transactionUUID)
		return nil, fmt.Errorf("esewa status check failed (status %d)", resp.StatusCode)
	}

	// The endpoint reports service problems inside a 200 body.
	var probe struct {
		ErrorMessage string `json:"error_message"`
	}
	if err := json.Unmarshal(bodyBytes, &probe); err == nil && probe.ErrorMessage != "" {
		return nil, fmt.Errorf("esewa status check: %s", probe.ErrorMessage)
	}

	var statusResp StatusResponse
	if err := json.Unmarshal(bodyBytes, &statusResp); err != nil {
		return nil, fmt.Errorf("failed to decode esewa status response: %w", err)
	}
	return &statusResp, nil
}

// StatusValidation interprets an eSewa transaction status for callers that
// must decide whether to deliver service.
type StatusValidation struct {
	IsSuccess            bool
	ShouldProvideService bool
	Message              string
}

// ValidateStatus maps a transaction status to a service-delivery decision.
// Only COMPLETE payments may drive side effects; unknown statuses are
// treated as AMBIGUOUS.
func ValidateStatus(status string) StatusValidation {
	switch status {
	case "COMPLETE":
		return StatusValidation{IsSuccess: true, ShouldProvideService: true, Message: "Payment completed successfully"}
	case "PENDING":
		return StatusValidation{Message: "Payment is pending. Please wait or contact support if this persists."}
	case "FULL_REFUND":
		return StatusValidation{Message: "Payment has been fully refunded."}
	case "PARTIAL_REFUND":
		return StatusValidation{Message: "Payment has been partially refunded."}
	case "NOT_FOUND":
		return StatusValidation{Message: "Payment session expired or not found."}
	case "CANCELED":
		return StatusValidation{Message: "Payment has been canceled."}
	default:
		return StatusValidation{Message: "Payment is in an ambiguous state. Please contact support."}
	}
}
