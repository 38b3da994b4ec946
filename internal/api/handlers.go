/**
 * @description
 * This file contains the HTTP handlers for the payment-service's API
 * endpoints. Handlers parse incoming requests, call the application service,
 * and translate results and errors into the response envelope the
 * storefronts expect: {success, data, message} on success and
 * {success:false, error, details} on failure, with an HTTP status mirroring
 * the failure class. Secret material never reaches a response body.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: Service logic, models, and errors.
 * - pkg/khalti, pkg/esewa, pkg/tenantclient: Provider error types.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/bibek1414/nepdora-payment-service/internal/app"
	"github.com/bibek1414/nepdora-payment-service/internal/domain"
	"github.com/bibek1414/nepdora-payment-service/internal/store"
	"github.com/bibek1414/nepdora-payment-service/pkg/esewa"
	"github.com/bibek1414/nepdora-payment-service/pkg/khalti"
	"github.com/bibek1414/nepdora-payment-service/pkg/tenantclient"
)

// PaymentHandlers holds the application service that handlers use.
type PaymentHandlers struct {
	service *app.Service
	recon   store.ReconciliationRepository
}

// NewPaymentHandlers creates a new instance of PaymentHandlers.
func NewPaymentHandlers(service *app.Service, recon store.ReconciliationRepository) *PaymentHandlers {
	return &PaymentHandlers{service: service, recon: recon}
}

type initiatePaymentRequest struct {
	Method        string              `json:"method"`
	Amount        decimal.Decimal     `json:"amount"`
	ProductName   string              `json:"productName"`
	TransactionID string              `json:"transactionId"`
	OrderID       string              `json:"orderId,omitempty"`
	CustomerInfo  domain.CustomerInfo `json:"customerInfo"`
}

type verifyPaymentRequest struct {
	Method string `json:"method"`
	Pidx   string `json:"pidx,omitempty"`
	Data   string `json:"data,omitempty"`
}

type outcomeRequest struct {
	Method  string `json:"method"`
	Pidx    string `json:"pidx,omitempty"`
	Data    string `json:"data,omitempty"`
	Kind    string `json:"kind"`
	OrderID string `json:"orderId,omitempty"`
	PlanID  string `json:"planId,omitempty"`
}

// InitiatePaymentHandler handles POST /payments/initiate. The tenant is
// derived from the request host, never from the body.
func (h *PaymentHandlers) InitiatePaymentHandler(w http.ResponseWriter, r *http.Request) {
	var req initiatePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeFailure(w, http.StatusBadRequest, "Invalid request body", nil)
		return
	}

	session, err := h.service.InitiatePayment(r.Context(), r.Host, domain.PaymentRequest{
		Amount:        req.Amount,
		ProductName:   req.ProductName,
		TransactionID: req.TransactionID,
		OrderID:       req.OrderID,
		Method:        domain.PaymentMethod(req.Method),
		Customer:      req.CustomerInfo,
	})
	if err != nil {
		h.writeMappedError(w, err)
		return
	}

	h.writeSuccess(w, http.StatusOK, session, "Payment session created successfully")
}

// VerifyPaymentHandler handles POST /payments/verify.
func (h *PaymentHandlers) VerifyPaymentHandler(w http.ResponseWriter, r *http.Request) {
	var req verifyPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeFailure(w, http.StatusBadRequest, "Invalid request body", nil)
		return
	}

	result, err := h.service.VerifyPayment(r.Context(), r.Host, app.VerifyRequest{
		Method: domain.PaymentMethod(req.Method),
		Pidx:   req.Pidx,
		Data:   req.Data,
	})
	if err != nil {
		h.writeMappedError(w, err)
		return
	}

	h.writeSuccess(w, http.StatusOK, result, result.Message)
}

// PaymentOutcomeHandler handles POST /payments/outcome: verification plus
// the downstream side effect, reported as the confirmation state machine's
// terminal state.
func (h *PaymentHandlers) PaymentOutcomeHandler(w http.ResponseWriter, r *http.Request) {
	var req outcomeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeFailure(w, http.StatusBadRequest, "Invalid request body", nil)
		return
	}

	targetID := req.OrderID
	if domain.OutcomeKind(req.Kind) == domain.OutcomeSubscription {
		targetID = req.PlanID
	}

	result, err := h.service.ProcessOutcome(r.Context(), r.Host, app.OutcomeRequest{
		Method:   domain.PaymentMethod(req.Method),
		Pidx:     req.Pidx,
		Data:     req.Data,
		Kind:     domain.OutcomeKind(req.Kind),
		TargetID: targetID,
	})
	if err != nil {
		h.writeMappedError(w, err)
		return
	}

	h.writeJSON(w, outcomeStatus(result), map[string]interface{}{
		"success": result.State == app.StateSuccess,
		"data":    result,
	})
}

func outcomeStatus(result *app.OutcomeResult) int {
	if result.State == app.StateSuccess {
		return http.StatusOK
	}
	switch result.ErrorKind {
	case app.ErrorKindAlreadyApplied:
		return http.StatusConflict
	case app.ErrorKindApplicationFailed:
		return http.StatusBadGateway
	default:
		return http.StatusBadRequest
	}
}

// ListPendingOutcomesHandler handles GET /internal/reconciliation/pending.
// It lists verified payments whose downstream outcome has not been applied,
// including those that exhausted their automatic retry budget.
func (h *PaymentHandlers) ListPendingOutcomesHandler(w http.ResponseWriter, r *http.Request) {
	// Unbounded attempts so records past the sweeper's retry budget are visible too.
	records, err := h.recon.FindPending(r.Context(), 1<<30, 100)
	if err != nil {
		log.Printf("level=error component=api msg=\"failed to list pending outcomes\" err=%v", err)
		h.writeFailure(w, http.StatusInternalServerError, "Failed to list pending outcomes", nil)
		return
	}
	if records == nil {
		records = []domain.PaymentOutcomeRecord{}
	}
	h.writeSuccess(w, http.StatusOK, records, "")
}

// RetryOutcomeHandler handles POST /internal/reconciliation/{id}/retry.
func (h *PaymentHandlers) RetryOutcomeHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeFailure(w, http.StatusBadRequest, "Invalid outcome record id", nil)
		return
	}

	record, err := h.recon.FindByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrOutcomeRecordNotFound) {
			h.writeFailure(w, http.StatusNotFound, "Outcome record not found", nil)
			return
		}
		h.writeMappedError(w, err)
		return
	}

	if err := h.service.RetryOutcome(r.Context(), record); err != nil {
		h.writeMappedError(w, err)
		return
	}

	h.writeSuccess(w, http.StatusOK, nil, "Outcome applied")
}

// writeMappedError maps a service error to the failure class spec: bad input
// 400, missing/disabled gateway 400, config backend trouble 502, provider
// rejection passthrough, transport trouble 503, everything else a generic
// 500 that leaks nothing.
func (h *PaymentHandlers) writeMappedError(w http.ResponseWriter, err error) {
	var verr *app.ValidationError
	if errors.As(err, &verr) {
		h.writeFailure(w, http.StatusBadRequest, "Validation failed", verr.Fields)
		return
	}

	switch {
	case errors.Is(err, store.ErrMissingTenant):
		h.writeFailure(w, http.StatusBadRequest, "A store subdomain is required for payment operations", nil)
		return
	case errors.Is(err, store.ErrGatewayNotEnabled):
		h.writeFailure(w, http.StatusBadRequest, "This payment method is not enabled for this store", nil)
		return
	case errors.Is(err, app.ErrRateLimited):
		h.writeFailure(w, http.StatusTooManyRequests, "Too many payment requests. Please try again shortly.", nil)
		return
	case errors.Is(err, app.ErrVerificationFailed):
		h.writeFailure(w, http.StatusBadRequest, "Payment could not be verified", nil)
		return
	case errors.Is(err, app.ErrOutcomeAlreadyApplied):
		h.writeFailure(w, http.StatusConflict, "This payment has already been processed", nil)
		return
	case errors.Is(err, esewa.ErrMalformedCallback):
		h.writeFailure(w, http.StatusBadRequest, "Invalid eSewa response format", nil)
		return
	case errors.Is(err, khalti.ErrUnavailable), errors.Is(err, esewa.ErrUnavailable), errors.Is(err, tenantclient.ErrUnavailable):
		h.writeFailure(w, http.StatusServiceUnavailable, "Payment provider is unreachable. Please try again.", nil)
		return
	}

	var apiErr *khalti.APIError
	if errors.As(err, &apiErr) {
		status := apiErr.StatusCode
		if status < 400 || status > 599 {
			status = http.StatusInternalServerError
		}
		h.writeFailure(w, status, apiErr.Message, nil)
		return
	}

	var fetchErr *tenantclient.FetchError
	if errors.As(err, &fetchErr) {
		h.writeFailure(w, http.StatusBadGateway, "Failed to reach the store backend", nil)
		return
	}

	log.Printf("level=error component=api msg=\"unhandled payment error\" err=%v", err)
	h.writeFailure(w, http.StatusInternalServerError, "Failed to process payment request", nil)
}

func (h *PaymentHandlers) writeSuccess(w http.ResponseWriter, status int, data interface{}, message string) {
	body := map[string]interface{}{"success": true}
	if data != nil {
		body["data"] = data
	}
	if message != "" {
		body["message"] = message
	}
	h.writeJSON(w, status, body)
}

func (h *PaymentHandlers) writeFailure(w http.ResponseWriter, status int, message string, details interface{}) {
	body := map[string]interface{}{"success": false, "error": message}
	if details != nil {
		body["details"] = details
	}
	h.writeJSON(w, status, body)
}

// writeJSON is a helper for writing JSON responses.
func (h *PaymentHandlers) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("level=error component=api msg=\"failed to encode response\" err=%v", err)
	}
}
