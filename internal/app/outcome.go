/**
 * @description
 * The post-verification outcome orchestrator. After a customer returns from
 * a gateway, the confirmation flow walks a fixed state machine:
 *
 *   loading -> verifying -> applying -> success | error
 *
 * Verification gates everything: only a verified payment may drive the
 * downstream side effect (marking an order paid or upgrading a
 * subscription). A verified payment whose apply call fails is a real
 * reconciliation gap — it is recorded durably, published as an event, and
 * surfaced with its own error kind so support can distinguish it from a
 * payment that simply did not go through.
 */
package app

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/bibek1414/nepdora-payment-service/internal/domain"
	"github.com/bibek1414/nepdora-payment-service/internal/store"
	"github.com/bibek1414/nepdora-payment-service/pkg/rabbitmq"
	"github.com/bibek1414/nepdora-payment-service/pkg/tenantclient"
)

// OutcomeState is a phase of the confirmation flow.
type OutcomeState string

const (
	StateLoading   OutcomeState = "loading"
	StateVerifying OutcomeState = "verifying"
	StateApplying  OutcomeState = "applying"
	StateSuccess   OutcomeState = "success"
	StateError     OutcomeState = "error"
)

// Outcome error kinds. ErrorKindApplicationFailed is deliberately distinct
// from ErrorKindVerificationFailed: the former means the customer paid.
const (
	ErrorKindMissingParams      = "missing_parameters"
	ErrorKindVerificationFailed = "verification_failed"
	ErrorKindApplicationFailed  = "outcome_application_failed"
	ErrorKindAlreadyApplied     = "outcome_already_applied"
)

// OutcomeRequest drives one pass of the confirmation flow.
type OutcomeRequest struct {
	Method domain.PaymentMethod
	Pidx   string
	Data   string
	Kind   domain.OutcomeKind
	// TargetID is the order id or plan id the outcome applies to.
	TargetID string
}

// OutcomeResult reports the terminal state reached and what happened on the
// way there. Verification is included whenever it completed, even on error
// paths, so the storefront can show amount and reference.
type OutcomeResult struct {
	State        OutcomeState               `json:"state"`
	ErrorKind    string                     `json:"error_kind,omitempty"`
	Message      string                     `json:"message,omitempty"`
	Verification *domain.VerificationResult `json:"verification,omitempty"`
}

func outcomeError(kind, message string, verification *domain.VerificationResult) *OutcomeResult {
	return &OutcomeResult{State: StateError, ErrorKind: kind, Message: message, Verification: verification}
}

// ProcessOutcome verifies a provider callback and applies the downstream
// side effect. It always returns a terminal-state result; infrastructure
// errors on the way to verification are returned as errors so the API layer
// can map them to the right status codes.
func (s *Service) ProcessOutcome(ctx context.Context, host string, req OutcomeRequest) (*OutcomeResult, error) {
	// loading -> verifying requires the callback parameters to be present.
	if !req.Method.Valid() || !req.Kind.Valid() || isBlank(req.TargetID) {
		return outcomeError(ErrorKindMissingParams, "Missing payment confirmation parameters", nil), nil
	}
	if req.Method == domain.MethodKhalti && isBlank(req.Pidx) {
		return outcomeError(ErrorKindMissingParams, "Payment ID (pidx) is required for Khalti verification", nil), nil
	}
	if req.Method == domain.MethodEsewa && isBlank(req.Data) {
		return outcomeError(ErrorKindMissingParams, "Payment data is required for eSewa verification", nil), nil
	}

	tenant := domain.ResolveTenant(host, s.opts.BaseDomain)

	verification, err := s.VerifyPayment(ctx, host, VerifyRequest{Method: req.Method, Pidx: req.Pidx, Data: req.Data})
	if err != nil {
		if errors.Is(err, ErrVerificationFailed) {
			return outcomeError(ErrorKindVerificationFailed, "Payment could not be verified. You have not been charged for this order.", nil), nil
		}
		return nil, err
	}
	if !verification.Verified {
		s.publish(ctx, rabbitmq.KeyVerifyRejected, tenant, req, verification.ProviderReference, verification)
		return outcomeError(ErrorKindVerificationFailed, verification.Message, verification), nil
	}

	reference := verification.ProviderReference

	// verifying -> applying happens at most once per provider reference.
	acquired, err := s.guard.Acquire(ctx, reference)
	if err != nil {
		log.Printf("level=warn component=payment_service msg=\"outcome guard unavailable; relying on database constraint\" reference=%s err=%v", reference, err)
		acquired = true
	}
	if !acquired {
		return outcomeError(ErrorKindAlreadyApplied, "This payment has already been processed.", verification), nil
	}

	record := &domain.PaymentOutcomeRecord{
		Tenant:            tenant.Subdomain,
		Method:            req.Method,
		ProviderReference: reference,
		Amount:            verification.Amount,
		Kind:              req.Kind,
		TargetID:          req.TargetID,
	}
	if err := s.recon.RecordVerification(ctx, record); err != nil {
		if errors.Is(err, store.ErrOutcomeRecordExists) {
			existing, findErr := s.recon.FindByProviderReference(ctx, reference)
			if findErr == nil && existing.Status == domain.OutcomeStatusApplied {
				return outcomeError(ErrorKindAlreadyApplied, "This payment has already been processed.", verification), nil
			}
			if findErr == nil {
				// Earlier apply attempt left the record unapplied; resume it.
				record = existing
			} else {
				log.Printf("level=error component=payment_service msg=\"failed to load existing outcome record\" reference=%s err=%v", reference, findErr)
				s.releaseGuard(reference)
				return nil, findErr
			}
		} else {
			s.releaseGuard(reference)
			return nil, err
		}
	}

	s.publish(ctx, rabbitmq.KeyVerified, tenant, req, reference, verification)

	// applying -> success only after the backend acknowledges.
	if err := s.applyOutcome(ctx, record); err != nil {
		if markErr := s.recon.MarkApplyFailed(ctx, record.ID, err.Error()); markErr != nil {
			log.Printf("level=error component=payment_service msg=\"failed to persist apply failure\" reference=%s err=%v", reference, markErr)
		}
		s.releaseGuard(reference)
		s.publish(ctx, rabbitmq.KeyOutcomeFailed, tenant, req, reference, verification)
		log.Printf("level=error component=payment_service msg=\"payment verified but outcome was not applied\" tenant=%s reference=%s kind=%s target_id=%s err=%v",
			tenant.Subdomain, reference, req.Kind, req.TargetID, err)
		return outcomeError(ErrorKindApplicationFailed,
			"Your payment was received, but we could not finish processing it. Please contact support with your transaction reference.",
			verification), nil
	}

	if err := s.recon.MarkApplied(ctx, record.ID); err != nil {
		log.Printf("level=error component=payment_service msg=\"failed to persist applied status\" reference=%s err=%v", reference, err)
	}
	s.publish(ctx, rabbitmq.KeyOutcomeApplied, tenant, req, reference, verification)

	return &OutcomeResult{State: StateSuccess, Message: "Payment confirmed", Verification: verification}, nil
}

// applyOutcome performs the downstream side effect for a verified payment.
func (s *Service) applyOutcome(ctx context.Context, record *domain.PaymentOutcomeRecord) error {
	switch record.Kind {
	case domain.OutcomeSubscription:
		return s.backend.UpgradeSubscription(ctx, tenantclient.SubscriptionUpgrade{
			Subdomain:         record.Tenant,
			PlanID:            record.TargetID,
			ProviderReference: record.ProviderReference,
			Amount:            record.Amount,
			PaymentType:       string(record.Method),
		})
	default:
		return s.backend.UpdateOrderPayment(ctx, record.Tenant, record.TargetID, tenantclient.OrderPaymentUpdate{
			TransactionID: record.ProviderReference,
			PaymentType:   string(record.Method),
			IsPaid:        true,
		})
	}
}

func (s *Service) releaseGuard(reference string) {
	// A fresh context: the guard must be released even when the request
	// context is already gone.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.guard.Release(ctx, reference); err != nil {
		log.Printf("level=warn component=payment_service msg=\"failed to release outcome guard\" reference=%s err=%v", reference, err)
	}
}

func (s *Service) publish(ctx context.Context, routingKey string, tenant domain.TenantContext, req OutcomeRequest, reference string, verification *domain.VerificationResult) {
	event := rabbitmq.PaymentEvent{
		Tenant:            tenant.Subdomain,
		Method:            string(req.Method),
		ProviderReference: reference,
		Kind:              string(req.Kind),
		TargetID:          req.TargetID,
		Timestamp:         time.Now().UTC(),
	}
	if verification != nil {
		event.Amount = verification.Amount
		event.Reason = verification.Message
	}
	if err := s.publisher.PublishPaymentEvent(ctx, routingKey, event); err != nil {
		log.Printf("level=warn component=payment_service msg=\"event publish failed\" routing_key=%s reference=%s err=%v", routingKey, reference, err)
	}
}
