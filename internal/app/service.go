/**
 * @description
 * This file contains the core business logic for payment initiation. The
 * Service resolves the tenant from the request host, pulls that tenant's
 * gateway credential through the cached credential store, builds the
 * tenant-qualified redirect URLs, and drives the selected provider adapter —
 * strictly in that order, with input validation up front so an invalid
 * request never causes a network call.
 *
 * @dependencies
 * - internal/domain, internal/store: Models and the credential store.
 * - pkg/khalti, pkg/esewa, pkg/tenantclient, pkg/rabbitmq: Collaborator clients.
 */
package app

import (
	"context"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bibek1414/nepdora-payment-service/internal/domain"
	"github.com/bibek1414/nepdora-payment-service/internal/store"
	"github.com/bibek1414/nepdora-payment-service/pkg/esewa"
	"github.com/bibek1414/nepdora-payment-service/pkg/khalti"
	"github.com/bibek1414/nepdora-payment-service/pkg/rabbitmq"
	"github.com/bibek1414/nepdora-payment-service/pkg/tenantclient"
)

// WalletGateway is the slice of the Khalti client the service needs.
type WalletGateway interface {
	Initiate(ctx context.Context, secretKey string, payload khalti.InitiatePayload) (*khalti.InitiateResponse, error)
	Lookup(ctx context.Context, secretKey, pidx string) (*khalti.LookupResponse, error)
}

// RedirectGateway is the slice of the eSewa client the service needs.
type RedirectGateway interface {
	BuildFormSession(secretKey, merchantCode string, params esewa.FormParams) (*esewa.FormSession, error)
	CheckStatus(ctx context.Context, merchantCode string, totalAmount decimal.Decimal, transactionUUID string) (*esewa.StatusResponse, error)
}

// Backend is the slice of the tenant backend client that applies verified
// payment outcomes.
type Backend interface {
	UpdateOrderPayment(ctx context.Context, subdomain, orderID string, update tenantclient.OrderPaymentUpdate) error
	UpgradeSubscription(ctx context.Context, upgrade tenantclient.SubscriptionUpgrade) error
}

// RateLimiter bounds per-tenant initiation traffic.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// OutcomeGuard deduplicates outcome application per provider reference.
type OutcomeGuard interface {
	Acquire(ctx context.Context, providerReference string) (bool, error)
	Release(ctx context.Context, providerReference string) error
}

// Options carries the tunables the service needs from configuration.
type Options struct {
	BaseDomain                 string
	Protocol                   string
	FrontendPort               string
	WebsiteURL                 string
	InitiateRateLimitPerMinute int
	ReconcileMaxAttempts       int
	ReconcileBatchSize         int
}

// Service provides the payment orchestration business logic.
type Service struct {
	opts        Options
	credentials store.CredentialStore
	wallet      WalletGateway
	redirect    RedirectGateway
	backend     Backend
	recon       store.ReconciliationRepository
	limiter     RateLimiter
	guard       OutcomeGuard
	publisher   rabbitmq.Publisher
}

// NewService creates a new payment orchestration service.
func NewService(
	opts Options,
	credentials store.CredentialStore,
	wallet WalletGateway,
	redirect RedirectGateway,
	backend Backend,
	recon store.ReconciliationRepository,
	limiter RateLimiter,
	guard OutcomeGuard,
	publisher rabbitmq.Publisher,
) *Service {
	if publisher == nil {
		publisher = &rabbitmq.FallbackPublisher{}
	}
	if guard == nil {
		// Nil-client guard admits everything; the database unique
		// constraint remains the dedup backstop.
		guard = NewRedisOutcomeGuard(nil, "", 0)
	}
	return &Service{
		opts:        opts,
		credentials: credentials,
		wallet:      wallet,
		redirect:    redirect,
		backend:     backend,
		recon:       recon,
		limiter:     limiter,
		guard:       guard,
		publisher:   publisher,
	}
}

// validatePaymentRequest collects every input violation of an initiation
// request. It mirrors what the storefront checkout enforces client-side; the
// server check is authoritative.
func validatePaymentRequest(req domain.PaymentRequest) *ValidationError {
	var fields []string

	if req.Amount.IsZero() || req.Amount.IsNegative() {
		fields = append(fields, "Valid amount is required")
	} else if req.Amount.LessThan(domain.MinimumAmount) {
		fields = append(fields, "Amount should be greater than Rs. 10")
	}
	if isBlank(req.ProductName) {
		fields = append(fields, "Product name is required")
	}
	if isBlank(req.TransactionID) {
		fields = append(fields, "Transaction ID is required")
	}
	if !req.Method.Valid() {
		fields = append(fields, "Valid payment method is required (esewa or khalti)")
	}

	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

func isBlank(s string) bool {
	for _, r := range s {
		if r != ' ' && r != '\t' && r != '\n' && r != '\r' {
			return false
		}
	}
	return true
}

// InitiatePayment runs the initiation pipeline and returns the normalized
// provider session the storefront uses to send the customer to the gateway.
func (s *Service) InitiatePayment(ctx context.Context, host string, req domain.PaymentRequest) (domain.ProviderSession, error) {
	if verr := validatePaymentRequest(req); verr != nil {
		return nil, verr
	}

	tenant := domain.ResolveTenant(host, s.opts.BaseDomain)

	if s.limiter != nil && tenant.HasTenant() {
		count, retryAfter, err := s.limiter.ConsumeRateLimit(ctx, "payment_initiate", tenant.Subdomain, s.opts.InitiateRateLimitPerMinute, time.Minute)
		if err != nil {
			// The limiter is protective, not load-bearing; on Redis trouble
			// the payment still goes through.
			log.Printf("level=warn component=payment_service msg=\"rate limiter unavailable\" tenant=%s err=%v", tenant.Subdomain, err)
		} else if s.opts.InitiateRateLimitPerMinute > 0 && count > s.opts.InitiateRateLimitPerMinute {
			log.Printf("level=warn component=payment_service msg=\"initiation rate limited\" tenant=%s count=%d retry_after=%d", tenant.Subdomain, count, retryAfter)
			return nil, ErrRateLimited
		}
	}

	cred, err := s.credentials.GetCredential(ctx, tenant, req.Method)
	if err != nil {
		return nil, err
	}

	urls := buildRedirectURLs(host, tenant, redirectOptions{
		Protocol:     s.opts.Protocol,
		BaseDomain:   s.opts.BaseDomain,
		FrontendPort: s.opts.FrontendPort,
	})

	switch req.Method {
	case domain.MethodKhalti:
		return s.initiateKhalti(ctx, tenant, cred, req, urls)
	case domain.MethodEsewa:
		return s.initiateEsewa(tenant, cred, req, urls)
	default:
		// Unreachable after validation; kept for exhaustiveness.
		return nil, &ValidationError{Fields: []string{"Valid payment method is required (esewa or khalti)"}}
	}
}

func (s *Service) initiateKhalti(ctx context.Context, tenant domain.TenantContext, cred *domain.GatewayCredential, req domain.PaymentRequest, urls domain.RedirectURLs) (domain.ProviderSession, error) {
	// Every amount field goes through the one subunit conversion so the
	// base amount, the breakdown line, and the product total cannot drift.
	subunit := khalti.Subunit(req.Amount)

	payload := khalti.InitiatePayload{
		ReturnURL:         urls.SuccessURL + string(domain.MethodKhalti),
		WebsiteURL:        s.opts.WebsiteURL,
		Amount:            subunit,
		PurchaseOrderID:   req.TransactionID,
		PurchaseOrderName: req.ProductName,
		CustomerInfo:      customerOrDefault(req.Customer),
		AmountBreakdown: []khalti.BreakdownItem{
			{Label: req.ProductName, Amount: subunit},
		},
		ProductDetails: []khalti.ProductDetail{
			{
				Identity:   req.TransactionID,
				Name:       req.ProductName,
				TotalPrice: subunit,
				Quantity:   1,
				UnitPrice:  subunit,
			},
		},
	}

	resp, err := s.wallet.Initiate(ctx, cred.SecretKey, payload)
	if err != nil {
		return nil, err
	}

	log.Printf("level=info component=payment_service msg=\"khalti payment initiated\" tenant=%s pidx=%s order_id=%s", tenant.Subdomain, resp.Pidx, req.TransactionID)

	return domain.WalletSession{
		PaymentURL: resp.PaymentURL,
		Pidx:       resp.Pidx,
		ExpiresAt:  resp.ExpiresAt,
		ExpiresIn:  resp.ExpiresIn,
	}, nil
}

func (s *Service) initiateEsewa(tenant domain.TenantContext, cred *domain.GatewayCredential, req domain.PaymentRequest, urls domain.RedirectURLs) (domain.ProviderSession, error) {
	session, err := s.redirect.BuildFormSession(cred.SecretKey, cred.MerchantCode, esewa.FormParams{
		Amount: req.Amount,
		// The provider appends its own callback parameters after the method
		// marker, hence the trailing "&".
		SuccessURL: urls.SuccessURL + string(domain.MethodEsewa) + "&",
		FailureURL: urls.FailureURL + string(domain.MethodEsewa) + "&",
	})
	if err != nil {
		return nil, err
	}

	log.Printf("level=info component=payment_service msg=\"esewa form session created\" tenant=%s transaction_uuid=%s order_id=%s", tenant.Subdomain, session.TransactionUUID, req.TransactionID)

	return domain.RedirectSession{
		FormAction:      session.FormAction,
		Fields:          session.Fields,
		TransactionUUID: session.TransactionUUID,
	}, nil
}

// customerOrDefault fills in placeholder customer details when the checkout
// did not collect them; Khalti rejects an empty customer block.
func customerOrDefault(c domain.CustomerInfo) khalti.Customer {
	out := khalti.Customer{Name: c.Name, Email: c.Email, Phone: c.Phone}
	if isBlank(out.Name) {
		out.Name = "Guest Customer"
	}
	if isBlank(out.Email) {
		out.Email = "guest@nepdora.com"
	}
	if isBlank(out.Phone) {
		out.Phone = "9800000000"
	}
	return out
}
