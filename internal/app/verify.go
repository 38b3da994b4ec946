/**
 * @description
 * Payment verification. A provider callback is never trusted on its face:
 * Khalti callbacks carry only a pidx reference, which is confirmed with an
 * authenticated server-to-server lookup; eSewa callbacks carry a signed blob
 * whose HMAC is recomputed locally with the tenant's secret key. Either way
 * the result is a normalized VerificationResult, and "not verified" and
 * "verification errored" are equivalent for side-effect purposes.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/bibek1414/nepdora-payment-service/internal/domain"
	"github.com/bibek1414/nepdora-payment-service/pkg/esewa"
	"github.com/bibek1414/nepdora-payment-service/pkg/khalti"
)

// VerifyRequest is the callback payload handed to verification. Pidx is set
// for Khalti, Data (the base64 blob) for eSewa.
type VerifyRequest struct {
	Method domain.PaymentMethod
	Pidx   string
	Data   string
}

// VerifyPayment confirms a provider callback for the tenant identified by
// the request host and returns the normalized result. A returned error of
// kind ErrVerificationFailed means the provider rejected the payment rather
// than the call failing.
func (s *Service) VerifyPayment(ctx context.Context, host string, req VerifyRequest) (*domain.VerificationResult, error) {
	if !req.Method.Valid() {
		return nil, &ValidationError{Fields: []string{"Valid payment method is required (esewa or khalti)"}}
	}

	tenant := domain.ResolveTenant(host, s.opts.BaseDomain)

	cred, err := s.credentials.GetCredential(ctx, tenant, req.Method)
	if err != nil {
		return nil, err
	}

	switch req.Method {
	case domain.MethodKhalti:
		return s.verifyKhalti(ctx, tenant, cred, req.Pidx)
	default:
		return s.verifyEsewa(tenant, cred, req.Data)
	}
}

func (s *Service) verifyKhalti(ctx context.Context, tenant domain.TenantContext, cred *domain.GatewayCredential, pidx string) (*domain.VerificationResult, error) {
	if isBlank(pidx) {
		return nil, &ValidationError{Fields: []string{"Payment ID (pidx) is required for Khalti verification"}}
	}

	lookup, err := s.wallet.Lookup(ctx, cred.SecretKey, pidx)
	if err != nil {
		return nil, err
	}

	validation := khalti.ValidateStatus(lookup.Status)
	log.Printf("level=info component=payment_service msg=\"khalti verification completed\" tenant=%s pidx=%s status=%q verified=%t", tenant.Subdomain, pidx, lookup.Status, validation.ShouldProvideService)

	return &domain.VerificationResult{
		Verified:          validation.IsSuccess && validation.ShouldProvideService,
		ProviderReference: lookup.Pidx,
		Amount:            khalti.FromSubunit(lookup.TotalAmount),
		Status:            lookup.Status,
		Message:           validation.Message,
	}, nil
}

func (s *Service) verifyEsewa(tenant domain.TenantContext, cred *domain.GatewayCredential, data string) (*domain.VerificationResult, error) {
	if isBlank(data) {
		return nil, &ValidationError{Fields: []string{"Payment data is required for eSewa verification"}}
	}

	callback, err := esewa.VerifyCallback(cred.SecretKey, data)
	if err != nil {
		if errors.Is(err, esewa.ErrSignatureMismatch) {
			log.Printf("level=warn component=payment_service msg=\"esewa callback rejected\" tenant=%s reason=signature_mismatch", tenant.Subdomain)
			return nil, fmt.Errorf("%w: invalid signature", ErrVerificationFailed)
		}
		return nil, err
	}

	validation := esewa.ValidateStatus(callback.Status)
	log.Printf("level=info component=payment_service msg=\"esewa verification completed\" tenant=%s transaction_uuid=%s status=%q verified=%t", tenant.Subdomain, callback.TransactionUUID, callback.Status, validation.ShouldProvideService)

	return &domain.VerificationResult{
		Verified:          validation.IsSuccess && validation.ShouldProvideService,
		ProviderReference: callback.TransactionUUID,
		Amount:            callback.TotalAmount,
		Status:            callback.Status,
		Message:           validation.Message,
	}, nil
}
