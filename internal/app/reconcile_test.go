package app

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/bibek1414/nepdora-payment-service/internal/domain"
	"github.com/bibek1414/nepdora-payment-service/internal/store"
	"github.com/bibek1414/nepdora-payment-service/pkg/esewa"
	"github.com/bibek1414/nepdora-payment-service/pkg/rabbitmq"
	"github.com/bibek1414/nepdora-payment-service/pkg/tenantclient"
)

func seedUnappliedRecord(t *testing.T, recon *fakeRecon, reference string) *domain.PaymentOutcomeRecord {
	t.Helper()
	record := &domain.PaymentOutcomeRecord{
		Tenant:            "shopa",
		Method:            domain.MethodKhalti,
		ProviderReference: reference,
		Amount:            decimal.NewFromInt(110),
		Kind:              domain.OutcomeOrder,
		TargetID:          "ORD-1",
	}
	if err := recon.RecordVerification(context.Background(), record); err != nil {
		t.Fatalf("failed to seed record: %v", err)
	}
	return record
}

func TestReconcilePendingAppliesRecords(t *testing.T) {
	fx := newServiceFixture()
	seedUnappliedRecord(t, fx.recon, "px-a")
	seedUnappliedRecord(t, fx.recon, "px-b")

	applied := fx.service.ReconcilePending(context.Background())

	if applied != 2 {
		t.Fatalf("expected 2 applied, got %d", applied)
	}
	if fx.backend.orderCount() != 2 {
		t.Fatalf("expected 2 order updates, got %d", fx.backend.orderCount())
	}
	if fx.recon.status("px-a") != domain.OutcomeStatusApplied || fx.recon.status("px-b") != domain.OutcomeStatusApplied {
		t.Fatal("expected both records marked applied")
	}

	for _, key := range fx.publisher.keys() {
		if key != rabbitmq.KeyOutcomeApplied {
			t.Fatalf("unexpected event %q during reconciliation", key)
		}
	}
}

func TestReconcilePendingEmptySweep(t *testing.T) {
	fx := newServiceFixture()

	if applied := fx.service.ReconcilePending(context.Background()); applied != 0 {
		t.Fatalf("expected 0 applied on empty sweep, got %d", applied)
	}
}

func TestReconcileRetriesTransportFailures(t *testing.T) {
	fx := newServiceFixture()
	seedUnappliedRecord(t, fx.recon, "px-a")
	// First attempt fails with a retryable transport error, second succeeds.
	fx.backend.orderErrs = []error{tenantclient.ErrUnavailable, nil}

	applied := fx.service.ReconcilePending(context.Background())

	if applied != 1 {
		t.Fatalf("expected the retry to recover the record, got %d applied", applied)
	}
	if fx.recon.status("px-a") != domain.OutcomeStatusApplied {
		t.Fatalf("expected applied record, got %q", fx.recon.status("px-a"))
	}
}

func TestReconcileDoesNotRetryDefinitiveRejections(t *testing.T) {
	fx := newServiceFixture()
	seedUnappliedRecord(t, fx.recon, "px-a")
	rejection := &tenantclient.FetchError{StatusCode: 404, Message: "order not found"}
	fx.backend.orderErr = rejection

	applied := fx.service.ReconcilePending(context.Background())

	if applied != 0 {
		t.Fatalf("expected 0 applied, got %d", applied)
	}
	if fx.recon.status("px-a") != domain.OutcomeStatusApplyFailed {
		t.Fatalf("expected apply_failed record, got %q", fx.recon.status("px-a"))
	}

	record, err := fx.recon.FindByProviderReference(context.Background(), "px-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if record.LastError == nil || *record.LastError == "" {
		t.Fatal("expected the rejection reason to be persisted")
	}
}

func TestReconcileSkipsExhaustedRecords(t *testing.T) {
	fx := newServiceFixture()
	seedUnappliedRecord(t, fx.recon, "px-a")
	fx.recon.records["px-a"].Attempts = fx.service.opts.ReconcileMaxAttempts

	applied := fx.service.ReconcilePending(context.Background())

	if applied != 0 {
		t.Fatalf("records past the retry budget must be left for support, got %d applied", applied)
	}
	if fx.backend.orderCount() != 0 {
		t.Fatal("exhausted record must not be retried automatically")
	}
}

func seedUnappliedEsewaRecord(t *testing.T, recon *fakeRecon, reference string) *domain.PaymentOutcomeRecord {
	t.Helper()
	record := &domain.PaymentOutcomeRecord{
		Tenant:            "shopa",
		Method:            domain.MethodEsewa,
		ProviderReference: reference,
		Amount:            decimal.NewFromInt(110),
		Kind:              domain.OutcomeOrder,
		TargetID:          "ORD-1",
	}
	if err := recon.RecordVerification(context.Background(), record); err != nil {
		t.Fatalf("failed to seed record: %v", err)
	}
	return record
}

func TestReconcileReconfirmsEsewaSettlement(t *testing.T) {
	fx := newServiceFixture()
	seedUnappliedEsewaRecord(t, fx.recon, "uuid-a")
	fx.redirect.statusResult = &esewa.StatusResponse{
		TransactionUUID: "uuid-a",
		TotalAmount:     decimal.NewFromInt(110),
		Status:          "COMPLETE",
	}

	if applied := fx.service.ReconcilePending(context.Background()); applied != 1 {
		t.Fatalf("expected 1 applied, got %d", applied)
	}
	if fx.recon.status("uuid-a") != domain.OutcomeStatusApplied {
		t.Fatalf("expected applied record, got %q", fx.recon.status("uuid-a"))
	}
}

func TestReconcileRefusesRefundedEsewaPayment(t *testing.T) {
	fx := newServiceFixture()
	seedUnappliedEsewaRecord(t, fx.recon, "uuid-a")
	fx.redirect.statusResult = &esewa.StatusResponse{
		TransactionUUID: "uuid-a",
		TotalAmount:     decimal.NewFromInt(110),
		Status:          "FULL_REFUND",
	}

	if applied := fx.service.ReconcilePending(context.Background()); applied != 0 {
		t.Fatalf("a refunded payment must not deliver service, got %d applied", applied)
	}
	if fx.backend.orderCount() != 0 {
		t.Fatal("refunded payment must not reach the backend")
	}
	if fx.recon.status("uuid-a") != domain.OutcomeStatusApplyFailed {
		t.Fatalf("expected apply_failed record, got %q", fx.recon.status("uuid-a"))
	}
}

func TestReconcileProceedsWhenStatusCheckUnavailable(t *testing.T) {
	fx := newServiceFixture()
	seedUnappliedEsewaRecord(t, fx.recon, "uuid-a")
	fx.redirect.statusErr = esewa.ErrUnavailable

	// The record was verified when it was written; a dead status endpoint
	// must not hold the customer's order hostage.
	if applied := fx.service.ReconcilePending(context.Background()); applied != 1 {
		t.Fatalf("expected 1 applied, got %d", applied)
	}
}

func TestRetryOutcomeAppliesRecord(t *testing.T) {
	fx := newServiceFixture()
	seedUnappliedRecord(t, fx.recon, "px-a")

	record, err := fx.recon.FindByProviderReference(context.Background(), "px-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := fx.service.RetryOutcome(context.Background(), record); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fx.recon.status("px-a") != domain.OutcomeStatusApplied {
		t.Fatalf("expected applied record, got %q", fx.recon.status("px-a"))
	}
}

func TestRetryOutcomeRejectsAppliedRecord(t *testing.T) {
	fx := newServiceFixture()
	record := seedUnappliedRecord(t, fx.recon, "px-a")
	if err := fx.recon.MarkApplied(context.Background(), record.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	applied, err := fx.recon.FindByProviderReference(context.Background(), "px-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := fx.service.RetryOutcome(context.Background(), applied); err != ErrOutcomeAlreadyApplied {
		t.Fatalf("expected ErrOutcomeAlreadyApplied, got %v", err)
	}
	if fx.backend.orderCount() != 0 {
		t.Fatal("an applied record must not be applied again")
	}
}

var _ store.ReconciliationRepository = (*fakeRecon)(nil)
