/**
 * @description
 * Reconciliation of verified-but-unapplied payments. The outcome flow can
 * fail after verification (backend down, timeout mid-apply); those payments
 * are real money with no delivered service. The sweeper periodically picks
 * up unapplied records and retries the downstream apply call with bounded
 * attempts and exponential backoff, treating transport failures as
 * retryable and definitive backend rejections as terminal for the run.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/bibek1414/nepdora-payment-service/internal/domain"
	"github.com/bibek1414/nepdora-payment-service/pkg/esewa"
	"github.com/bibek1414/nepdora-payment-service/pkg/rabbitmq"
	"github.com/bibek1414/nepdora-payment-service/pkg/tenantclient"
)

const (
	reconcileRetryAttempts = 3
	reconcileRetryBaseWait = time.Second
)

// ReconcilePending retries the downstream apply for every verified payment
// that has not been applied yet and has retry budget left. It returns the
// number of records successfully applied.
func (s *Service) ReconcilePending(ctx context.Context) int {
	records, err := s.recon.FindPending(ctx, s.opts.ReconcileMaxAttempts, s.opts.ReconcileBatchSize)
	if err != nil {
		log.Printf("level=error component=reconciler msg=\"failed to load pending outcomes\" err=%v", err)
		return 0
	}
	if len(records) == 0 {
		return 0
	}

	log.Printf("level=info component=reconciler msg=\"sweeping pending outcomes\" count=%d", len(records))

	applied := 0
	for i := range records {
		record := &records[i]
		if err := s.reconcileRecord(ctx, record); err != nil {
			log.Printf("level=warn component=reconciler msg=\"outcome still unapplied\" reference=%s attempts=%d err=%v", record.ProviderReference, record.Attempts+1, err)
			continue
		}
		applied++
	}
	return applied
}

func (s *Service) reconcileRecord(ctx context.Context, record *domain.PaymentOutcomeRecord) error {
	if err := s.reconfirmSettlement(ctx, record); err != nil {
		if markErr := s.recon.MarkApplyFailed(ctx, record.ID, err.Error()); markErr != nil {
			log.Printf("level=error component=reconciler msg=\"failed to persist apply failure\" reference=%s err=%v", record.ProviderReference, markErr)
		}
		return err
	}

	err := s.applyWithRetry(ctx, record)
	if err != nil {
		if markErr := s.recon.MarkApplyFailed(ctx, record.ID, err.Error()); markErr != nil {
			log.Printf("level=error component=reconciler msg=\"failed to persist apply failure\" reference=%s err=%v", record.ProviderReference, markErr)
		}
		return err
	}

	if err := s.recon.MarkApplied(ctx, record.ID); err != nil {
		log.Printf("level=error component=reconciler msg=\"failed to persist applied status\" reference=%s err=%v", record.ProviderReference, err)
	}

	event := rabbitmq.PaymentEvent{
		Tenant:            record.Tenant,
		Method:            string(record.Method),
		ProviderReference: record.ProviderReference,
		Amount:            record.Amount,
		Kind:              string(record.Kind),
		TargetID:          record.TargetID,
		Reason:            "applied by reconciliation sweeper",
		Timestamp:         time.Now().UTC(),
	}
	if err := s.publisher.PublishPaymentEvent(ctx, rabbitmq.KeyOutcomeApplied, event); err != nil {
		log.Printf("level=warn component=reconciler msg=\"event publish failed\" reference=%s err=%v", record.ProviderReference, err)
	}

	log.Printf("level=info component=reconciler msg=\"outcome applied\" tenant=%s reference=%s kind=%s", record.Tenant, record.ProviderReference, record.Kind)
	return nil
}

// reconfirmSettlement re-checks the provider-side state of an eSewa payment
// before the sweeper delivers service. A payment can move out of COMPLETE
// between verification and a later sweep (refund, chargeback), and eSewa
// exposes a direct status endpoint for exactly this. A transport failure on
// the check is not treated as a reversal; the record was verified when it
// was written, so the apply proceeds. Khalti records were verified through
// an authenticated lookup and have no equivalent drift window here.
func (s *Service) reconfirmSettlement(ctx context.Context, record *domain.PaymentOutcomeRecord) error {
	if record.Method != domain.MethodEsewa {
		return nil
	}

	credential, err := s.credentials.GetCredential(ctx, domain.TenantContext{Subdomain: record.Tenant}, domain.MethodEsewa)
	if err != nil {
		log.Printf("level=warn component=reconciler msg=\"credential unavailable for settlement re-check\" tenant=%s reference=%s err=%v", record.Tenant, record.ProviderReference, err)
		return nil
	}

	status, err := s.redirect.CheckStatus(ctx, credential.MerchantCode, record.Amount, record.ProviderReference)
	if err != nil || status == nil {
		log.Printf("level=warn component=reconciler msg=\"settlement re-check unavailable\" reference=%s err=%v", record.ProviderReference, err)
		return nil
	}

	if validation := esewa.ValidateStatus(status.Status); !validation.ShouldProvideService {
		return fmt.Errorf("settlement no longer deliverable (status %s): %s", status.Status, validation.Message)
	}
	return nil
}

// applyWithRetry retries transport-level failures with exponential backoff.
// A definitive backend rejection is returned immediately; retrying it would
// just repeat the same answer.
func (s *Service) applyWithRetry(ctx context.Context, record *domain.PaymentOutcomeRecord) error {
	var lastErr error
	wait := reconcileRetryBaseWait
	for attempt := 1; attempt <= reconcileRetryAttempts; attempt++ {
		lastErr = s.applyOutcome(ctx, record)
		if lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, tenantclient.ErrUnavailable) {
			return lastErr
		}
		if attempt == reconcileRetryAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
	return lastErr
}

// RetryOutcome re-runs the apply for a single record on demand; backing for
// the internal support endpoint.
func (s *Service) RetryOutcome(ctx context.Context, record *domain.PaymentOutcomeRecord) error {
	if record.Status == domain.OutcomeStatusApplied {
		return ErrOutcomeAlreadyApplied
	}
	return s.reconcileRecord(ctx, record)
}
