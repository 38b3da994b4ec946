package app

import (
	"context"
	"errors"
	"testing"

	"github.com/bibek1414/nepdora-payment-service/internal/domain"
	"github.com/bibek1414/nepdora-payment-service/pkg/khalti"
	"github.com/bibek1414/nepdora-payment-service/pkg/rabbitmq"
	"github.com/bibek1414/nepdora-payment-service/pkg/tenantclient"
)

func khaltiOutcomeRequest() OutcomeRequest {
	return OutcomeRequest{
		Method:   domain.MethodKhalti,
		Pidx:     "px-1",
		Kind:     domain.OutcomeOrder,
		TargetID: "ORD-1",
	}
}

func TestProcessOutcomeSuccess(t *testing.T) {
	fx := newServiceFixture()
	fx.wallet.lookupResult = &khalti.LookupResponse{Pidx: "px-1", Status: "Completed", TotalAmount: 11000}

	result, err := fx.service.ProcessOutcome(context.Background(), "shopa.nepdora.com", khaltiOutcomeRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.State != StateSuccess {
		t.Fatalf("expected success state, got %+v", result)
	}
	if result.Verification == nil || !result.Verification.Verified {
		t.Fatal("expected verification details on the result")
	}
	if fx.backend.orderCount() != 1 {
		t.Fatalf("expected one order update, got %d", fx.backend.orderCount())
	}
	order := fx.backend.orders[0]
	if order.subdomain != "shopa" || order.orderID != "ORD-1" || !order.update.IsPaid {
		t.Fatalf("unexpected order update %+v", order)
	}
	if order.update.TransactionID != "px-1" {
		t.Fatalf("expected provider reference as transaction id, got %q", order.update.TransactionID)
	}
	if fx.recon.status("px-1") != domain.OutcomeStatusApplied {
		t.Fatalf("expected applied record, got %q", fx.recon.status("px-1"))
	}

	keys := fx.publisher.keys()
	if len(keys) != 2 || keys[0] != rabbitmq.KeyVerified || keys[1] != rabbitmq.KeyOutcomeApplied {
		t.Fatalf("unexpected event sequence %v", keys)
	}
}

func TestProcessOutcomeSubscription(t *testing.T) {
	fx := newServiceFixture()
	fx.wallet.lookupResult = &khalti.LookupResponse{Pidx: "px-sub", Status: "Completed", TotalAmount: 500000}

	result, err := fx.service.ProcessOutcome(context.Background(), "shopa.nepdora.com", OutcomeRequest{
		Method:   domain.MethodKhalti,
		Pidx:     "px-sub",
		Kind:     domain.OutcomeSubscription,
		TargetID: "plan-pro",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.State != StateSuccess {
		t.Fatalf("expected success, got %+v", result)
	}
	if len(fx.backend.subscriptions) != 1 {
		t.Fatalf("expected one subscription upgrade, got %d", len(fx.backend.subscriptions))
	}
	upgrade := fx.backend.subscriptions[0]
	if upgrade.Subdomain != "shopa" || upgrade.PlanID != "plan-pro" || upgrade.ProviderReference != "px-sub" {
		t.Fatalf("unexpected upgrade %+v", upgrade)
	}
	if fx.backend.orderCount() != 0 {
		t.Fatal("subscription outcome must not touch orders")
	}
}

func TestProcessOutcomeMissingParameters(t *testing.T) {
	tests := []struct {
		name string
		req  OutcomeRequest
	}{
		{name: "no method", req: OutcomeRequest{Kind: domain.OutcomeOrder, TargetID: "ORD-1"}},
		{name: "bad kind", req: OutcomeRequest{Method: domain.MethodKhalti, Pidx: "px", Kind: "gift", TargetID: "ORD-1"}},
		{name: "no target", req: OutcomeRequest{Method: domain.MethodKhalti, Pidx: "px", Kind: domain.OutcomeOrder}},
		{name: "khalti without pidx", req: OutcomeRequest{Method: domain.MethodKhalti, Kind: domain.OutcomeOrder, TargetID: "ORD-1"}},
		{name: "esewa without data", req: OutcomeRequest{Method: domain.MethodEsewa, Kind: domain.OutcomeOrder, TargetID: "ORD-1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newServiceFixture()

			result, err := fx.service.ProcessOutcome(context.Background(), "shopa.nepdora.com", tt.req)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result.State != StateError || result.ErrorKind != ErrorKindMissingParams {
				t.Fatalf("expected missing_parameters error, got %+v", result)
			}
			if fx.backend.orderCount() != 0 {
				t.Fatal("missing parameters must not apply an outcome")
			}
		})
	}
}

func TestProcessOutcomeUnverifiedPayment(t *testing.T) {
	fx := newServiceFixture()
	fx.wallet.lookupResult = &khalti.LookupResponse{Pidx: "px-1", Status: "Pending", TotalAmount: 11000}

	result, err := fx.service.ProcessOutcome(context.Background(), "shopa.nepdora.com", khaltiOutcomeRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.State != StateError || result.ErrorKind != ErrorKindVerificationFailed {
		t.Fatalf("expected verification_failed, got %+v", result)
	}
	if fx.backend.orderCount() != 0 {
		t.Fatal("unverified payment must not drive side effects")
	}
	if fx.recon.status("px-1") != "" {
		t.Fatal("unverified payment must not be recorded for reconciliation")
	}
	keys := fx.publisher.keys()
	if len(keys) != 1 || keys[0] != rabbitmq.KeyVerifyRejected {
		t.Fatalf("expected a single rejection event, got %v", keys)
	}
}

func TestProcessOutcomeSignatureMismatch(t *testing.T) {
	fx := newServiceFixture()

	result, err := fx.service.ProcessOutcome(context.Background(), "shopa.nepdora.com", OutcomeRequest{
		Method:   domain.MethodEsewa,
		Data:     esewaCallbackBlob(t, "wrong-secret", "COMPLETE"),
		Kind:     domain.OutcomeOrder,
		TargetID: "ORD-1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.State != StateError || result.ErrorKind != ErrorKindVerificationFailed {
		t.Fatalf("expected verification_failed, got %+v", result)
	}
	if fx.backend.orderCount() != 0 {
		t.Fatal("tampered callback must not drive side effects")
	}
}

func TestProcessOutcomeApplyFailure(t *testing.T) {
	fx := newServiceFixture()
	fx.wallet.lookupResult = &khalti.LookupResponse{Pidx: "px-1", Status: "Completed", TotalAmount: 11000}
	fx.backend.orderErr = &tenantclient.FetchError{StatusCode: 500, Message: "order service down"}

	result, err := fx.service.ProcessOutcome(context.Background(), "shopa.nepdora.com", khaltiOutcomeRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.State != StateError || result.ErrorKind != ErrorKindApplicationFailed {
		t.Fatalf("expected outcome_application_failed, got %+v", result)
	}
	if result.Verification == nil || !result.Verification.Verified {
		t.Fatal("the customer paid; verification details must be surfaced")
	}
	if fx.recon.status("px-1") != domain.OutcomeStatusApplyFailed {
		t.Fatalf("expected durable apply_failed record, got %q", fx.recon.status("px-1"))
	}

	keys := fx.publisher.keys()
	if len(keys) != 2 || keys[1] != rabbitmq.KeyOutcomeFailed {
		t.Fatalf("expected a failure event, got %v", keys)
	}
}

func TestProcessOutcomeIdempotent(t *testing.T) {
	fx := newServiceFixture()
	fx.wallet.lookupResult = &khalti.LookupResponse{Pidx: "px-1", Status: "Completed", TotalAmount: 11000}

	first, err := fx.service.ProcessOutcome(context.Background(), "shopa.nepdora.com", khaltiOutcomeRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.State != StateSuccess {
		t.Fatalf("expected first pass to succeed, got %+v", first)
	}

	second, err := fx.service.ProcessOutcome(context.Background(), "shopa.nepdora.com", khaltiOutcomeRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.State != StateError || second.ErrorKind != ErrorKindAlreadyApplied {
		t.Fatalf("expected outcome_already_applied on replay, got %+v", second)
	}
	if fx.backend.orderCount() != 1 {
		t.Fatalf("replay must not apply the outcome twice, got %d applications", fx.backend.orderCount())
	}
}

func TestProcessOutcomeResumesUnappliedRecord(t *testing.T) {
	fx := newServiceFixture()
	fx.wallet.lookupResult = &khalti.LookupResponse{Pidx: "px-1", Status: "Completed", TotalAmount: 11000}
	fx.backend.orderErrs = []error{tenantclient.ErrUnavailable}

	first, err := fx.service.ProcessOutcome(context.Background(), "shopa.nepdora.com", khaltiOutcomeRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.ErrorKind != ErrorKindApplicationFailed {
		t.Fatalf("expected first pass to fail applying, got %+v", first)
	}

	// The customer retries the confirmation page; the backend has recovered.
	second, err := fx.service.ProcessOutcome(context.Background(), "shopa.nepdora.com", khaltiOutcomeRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.State != StateSuccess {
		t.Fatalf("expected retry to succeed, got %+v", second)
	}
	if fx.backend.orderCount() != 1 {
		t.Fatalf("expected exactly one successful application, got %d", fx.backend.orderCount())
	}
	if fx.recon.status("px-1") != domain.OutcomeStatusApplied {
		t.Fatalf("expected applied record, got %q", fx.recon.status("px-1"))
	}
}

func TestProcessOutcomeGuardDenied(t *testing.T) {
	fx := newServiceFixture()
	fx.wallet.lookupResult = &khalti.LookupResponse{Pidx: "px-1", Status: "Completed", TotalAmount: 11000}
	fx.guard.denyNext = true

	result, err := fx.service.ProcessOutcome(context.Background(), "shopa.nepdora.com", khaltiOutcomeRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.State != StateError || result.ErrorKind != ErrorKindAlreadyApplied {
		t.Fatalf("expected already_applied when another request holds the slot, got %+v", result)
	}
	if fx.backend.orderCount() != 0 {
		t.Fatal("denied guard must not apply the outcome")
	}
}

func TestProcessOutcomeGuardFailureFallsBackToDatabase(t *testing.T) {
	fx := newServiceFixture()
	fx.wallet.lookupResult = &khalti.LookupResponse{Pidx: "px-1", Status: "Completed", TotalAmount: 11000}
	fx.guard.err = errors.New("redis down")

	result, err := fx.service.ProcessOutcome(context.Background(), "shopa.nepdora.com", khaltiOutcomeRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.State != StateSuccess {
		t.Fatalf("guard trouble must not block a verified payment, got %+v", result)
	}
}

func TestProcessOutcomeInfrastructureError(t *testing.T) {
	fx := newServiceFixture()
	fx.wallet.lookupErr = khalti.ErrUnavailable

	_, err := fx.service.ProcessOutcome(context.Background(), "shopa.nepdora.com", khaltiOutcomeRequest())
	if !errors.Is(err, khalti.ErrUnavailable) {
		t.Fatalf("expected the transport error to surface, got %v", err)
	}
}
