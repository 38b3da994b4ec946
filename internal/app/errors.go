/**
 * @description
 * Error taxonomy for the payment orchestration service. Handlers map these to
 * HTTP statuses at the API boundary; nothing in here ever carries secret
 * material.
 */
package app

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrVerificationFailed means the provider did not confirm the payment:
	// a signature mismatch or an unpaid settlement status. Callers must not
	// apply side effects and must not retry automatically.
	ErrVerificationFailed = errors.New("payment could not be verified")

	// ErrOutcomeAlreadyApplied means the downstream side effect for this
	// provider reference has been applied before.
	ErrOutcomeAlreadyApplied = errors.New("payment outcome already applied")

	// ErrRateLimited means the tenant exceeded its initiation rate limit.
	ErrRateLimited = errors.New("too many payment requests")
)

// ValidationError collects all input violations of one request. It is
// returned before any network call is made.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Fields, "; ")
}

// OutcomeApplicationError means payment verification succeeded but the
// downstream apply call failed. This is a reconciliation gap, not a payment
// failure, and must be surfaced distinctly so support can find it.
type OutcomeApplicationError struct {
	ProviderReference string
	Err               error
}

func (e *OutcomeApplicationError) Error() string {
	return fmt.Sprintf("payment %s verified but outcome was not applied: %v", e.ProviderReference, e.Err)
}

func (e *OutcomeApplicationError) Unwrap() error {
	return e.Err
}
