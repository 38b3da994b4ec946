/**
 * @description
 * Reconciliation models. A payment that has been verified with its provider
 * but whose downstream side effect (order fulfillment or subscription
 * upgrade) has not been applied yet is a real money-vs-state gap, so every
 * verification is recorded durably with its application status. The sweeper
 * and the internal support endpoints work off these records.
 */
package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OutcomeKind names the downstream side effect a verified payment drives.
type OutcomeKind string

const (
	OutcomeOrder        OutcomeKind = "order"
	OutcomeSubscription OutcomeKind = "subscription"
)

// Valid reports whether the kind names a supported outcome.
func (k OutcomeKind) Valid() bool {
	return k == OutcomeOrder || k == OutcomeSubscription
}

// Reconciliation record statuses.
const (
	OutcomeStatusVerifiedUnapplied = "verified_unapplied"
	OutcomeStatusApplied           = "applied"
	OutcomeStatusApplyFailed       = "apply_failed"
)

// PaymentOutcomeRecord is the durable trace of one verified payment and the
// state of its downstream application. Records in verified_unapplied or
// apply_failed status are picked up by the reconciliation sweeper.
type PaymentOutcomeRecord struct {
	ID                uuid.UUID       `json:"id"`
	Tenant            string          `json:"tenant"`
	Method            PaymentMethod   `json:"method"`
	ProviderReference string          `json:"provider_reference"`
	Amount            decimal.Decimal `json:"amount"`
	Kind              OutcomeKind     `json:"kind"`
	TargetID          string          `json:"target_id"`
	Status            string          `json:"status"`
	Attempts          int             `json:"attempts"`
	LastError         *string         `json:"last_error,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}
