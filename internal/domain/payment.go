/**
 * @description
 * Domain models for payment-gateway orchestration: payment methods, the
 * normalized payment request, per-tenant gateway credentials, and the
 * provider-session and verification result types returned to callers.
 *
 * @notes
 * - Provider sessions are a tagged union: a Khalti initiation yields a hosted
 *   redirect URL, while an eSewa initiation yields a signed field set that the
 *   browser posts directly to the provider. Callers switch on Method().
 * - Money amounts are decimals in major currency units (rupees). Subunit
 *   (paisa) conversion happens inside the wallet provider client only.
 */
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentMethod identifies which external gateway handles a payment.
type PaymentMethod string

const (
	MethodKhalti PaymentMethod = "khalti"
	MethodEsewa  PaymentMethod = "esewa"
)

// Valid reports whether the method names a supported gateway.
func (m PaymentMethod) Valid() bool {
	return m == MethodKhalti || m == MethodEsewa
}

// MinimumAmount is the provider-agnostic floor for a payment, in rupees.
// Requests below this are rejected before any network call is made.
var MinimumAmount = decimal.NewFromInt(10)

// CustomerInfo is the buyer block forwarded to providers that want one.
type CustomerInfo struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

// PaymentRequest is the normalized input to payment initiation. It is created
// per call, validated before use, and never persisted by this service.
type PaymentRequest struct {
	Amount        decimal.Decimal `json:"amount"`
	ProductName   string          `json:"product_name"`
	TransactionID string          `json:"transaction_id"`
	OrderID       string          `json:"order_id,omitempty"`
	Method        PaymentMethod   `json:"method"`
	Customer      CustomerInfo    `json:"customer_info"`
}

// GatewayCredential is a read-only copy of one tenant's configuration for one
// provider, owned by the tenant-management backend. The secret key never
// leaves the server side.
type GatewayCredential struct {
	Provider     PaymentMethod
	SecretKey    string
	MerchantCode string
	Enabled      bool
}

// RedirectURLs are the tenant-qualified return targets handed to a provider.
// Each provider client appends its own "?method=" query suffix.
type RedirectURLs struct {
	SuccessURL string
	FailureURL string
}

// ProviderSession is the normalized result of a payment initiation. Exactly
// two implementations exist, one per gateway.
type ProviderSession interface {
	Method() PaymentMethod
	// Reference returns the identifier used to look up the session later:
	// the Khalti pidx or the eSewa transaction UUID.
	Reference() string
}

// WalletSession is the Khalti initiation result: the browser is redirected to
// the hosted payment page and the pidx is used for server-side lookup later.
type WalletSession struct {
	PaymentURL string     `json:"payment_url"`
	Pidx       string     `json:"pidx"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	ExpiresIn  int        `json:"expires_in,omitempty"`
}

func (s WalletSession) Method() PaymentMethod { return MethodKhalti }
func (s WalletSession) Reference() string     { return s.Pidx }

// RedirectSession is the eSewa initiation result: an auto-submitted form POST
// from the browser to FormAction carrying the signed field set. The signature
// field is part of Fields; the secret that produced it is not.
type RedirectSession struct {
	FormAction      string            `json:"form_action"`
	Fields          map[string]string `json:"fields"`
	TransactionUUID string            `json:"transaction_uuid"`
}

func (s RedirectSession) Method() PaymentMethod { return MethodEsewa }
func (s RedirectSession) Reference() string     { return s.TransactionUUID }

// VerificationResult is the normalized outcome of confirming a provider
// callback. Verified=false and a returned error are treated identically by
// callers: no side effects may be applied.
type VerificationResult struct {
	Verified          bool            `json:"verified"`
	ProviderReference string          `json:"provider_reference"`
	Amount            decimal.Decimal `json:"amount"`
	Status            string          `json:"status"`
	Message           string          `json:"message,omitempty"`
}
