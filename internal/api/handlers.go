/**
 * @description
 * This file contains the HTTP handlers for the settlement-service's internal API
 * endpoints. Handlers are responsible for parsing incoming requests, calling the
 * appropriate methods on the application service, and writing the HTTP response.
 * They act as the bridge between the web layer and the business logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/skoolpay/settlement-service/internal/app"
	"github.com/skoolpay/settlement-service/internal/domain"
	"github.com/skoolpay/settlement-service/internal/gateway"
	"github.com/skoolpay/settlement-service/internal/store"
)

// RateLimiter is the slice of the limiter the handlers need.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error)
}

// PaymentHandlers holds the application service that handlers will use.
type PaymentHandlers struct {
	service     *app.Service
	rateLimiter RateLimiter
	rateLimit   int
	rateWindow  time.Duration
}

// NewPaymentHandlers creates a new instance of PaymentHandlers. rateLimiter
// may be nil, in which case initiation is not rate limited.
func NewPaymentHandlers(service *app.Service, rateLimiter RateLimiter, rateLimit int, rateWindow time.Duration) *PaymentHandlers {
	return &PaymentHandlers{
		service:     service,
		rateLimiter: rateLimiter,
		rateLimit:   rateLimit,
		rateWindow:  rateWindow,
	}
}

// paymentResponse is the wire shape for a payment intent plus the fields the
// client needs to continue the flow (checkout redirect, push prompt message).
type paymentResponse struct {
	Payment         *domain.PaymentIntent `json:"payment"`
	RedirectURL     string                `json:"redirect_url,omitempty"`
	CustomerMessage string                `json:"customer_message,omitempty"`
}

// InitiatePaymentHandler handles requests to start a gateway payment.
func (h *PaymentHandlers) InitiatePaymentHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.InitiatePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=initiate_payment outcome=reject reason=invalid_json err=%v", err)
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	if req.StudentID == uuid.Nil {
		h.writeError(w, http.StatusBadRequest, "student_id is required")
		return
	}

	if h.rateLimiter != nil && h.rateLimit > 0 {
		count, retryAfter, err := h.rateLimiter.ConsumeRateLimit(r.Context(), "initiate", req.StudentID.String(), h.rateLimit, h.rateWindow)
		if err != nil {
			log.Printf("level=warn component=api endpoint=initiate_payment msg=\"rate limiter unavailable; allowing request\" err=%v", err)
		} else if count > h.rateLimit {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
			h.writeError(w, http.StatusTooManyRequests, "Too many payment attempts. Please wait and try again.")
			return
		}
	}

	result, err := h.service.InitiatePayment(r.Context(), req)
	if err != nil {
		h.writeInitiateError(w, err)
		return
	}

	log.Printf("level=info component=api endpoint=initiate_payment outcome=accepted payment_id=%s gateway=%s amount=%d", result.Intent.ID, result.Intent.GatewayKind, result.Intent.Amount)
	h.writeJSON(w, http.StatusAccepted, paymentResponse{
		Payment:         result.Intent,
		RedirectURL:     result.RedirectURL,
		CustomerMessage: result.CustomerMessage,
	})
}

func (h *PaymentHandlers) writeInitiateError(w http.ResponseWriter, err error) {
	var rejected *gateway.RejectedError
	switch {
	case errors.Is(err, app.ErrInvalidAmount),
		errors.Is(err, app.ErrAmountExceedsBalance),
		errors.Is(err, app.ErrUnknownGateway),
		errors.Is(err, domain.ErrInvalidMSISDN):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrGatewayNotEnabled):
		h.writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, store.ErrObligationNotFound):
		h.writeError(w, http.StatusNotFound, "Fee obligation not found for this student")
	case errors.As(err, &rejected):
		h.writeError(w, http.StatusUnprocessableEntity, fmt.Sprintf("Gateway rejected the payment: %s", rejected.Reason))
	case errors.Is(err, gateway.ErrUnavailable):
		h.writeError(w, http.StatusBadGateway, "Payment gateway is currently unavailable. The payment may still complete; check its status.")
	default:
		log.Printf("level=error component=api endpoint=initiate_payment msg=\"initiation failed\" err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Unable to initiate payment")
	}
}

// RecordManualPaymentHandler records an offline bank deposit or cheque.
func (h *PaymentHandlers) RecordManualPaymentHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.ManualPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	if req.StudentID == uuid.Nil {
		h.writeError(w, http.StatusBadRequest, "student_id is required")
		return
	}

	intent, err := h.service.RecordManualPayment(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrInvalidAmount), errors.Is(err, app.ErrMissingEvidence):
			h.writeError(w, http.StatusBadRequest, err.Error())
		default:
			log.Printf("level=error component=api endpoint=manual_payment msg=\"recording failed\" err=%v", err)
			h.writeError(w, http.StatusInternalServerError, "Unable to record manual payment")
		}
		return
	}

	log.Printf("level=info component=api endpoint=manual_payment outcome=recorded payment_id=%s student_id=%s amount=%d", intent.ID, intent.StudentID, intent.Amount)
	h.writeJSON(w, http.StatusCreated, paymentResponse{Payment: intent})
}

// VerifyPaymentHandler marks a completed manual payment as operator-verified.
func (h *PaymentHandlers) VerifyPaymentHandler(w http.ResponseWriter, r *http.Request) {
	paymentID, err := uuid.Parse(chi.URLParam(r, "paymentID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid payment ID format")
		return
	}

	intent, err := h.service.VerifyPayment(r.Context(), paymentID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrIntentNotFound):
			h.writeError(w, http.StatusNotFound, "Payment not found")
		case errors.Is(err, store.ErrIntentNotConfirmable):
			h.writeError(w, http.StatusConflict, "Payment is not in a verifiable state")
		default:
			log.Printf("level=error component=api endpoint=verify_payment msg=\"verification failed\" payment_id=%s err=%v", paymentID, err)
			h.writeError(w, http.StatusInternalServerError, "Unable to verify payment")
		}
		return
	}
	h.writeJSON(w, http.StatusOK, paymentResponse{Payment: intent})
}

// GetPaymentHandler retrieves a single payment by id or order reference.
func (h *PaymentHandlers) GetPaymentHandler(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "paymentID")
	var intent *domain.PaymentIntent
	var err error
	if paymentID, parseErr := uuid.Parse(ref); parseErr == nil {
		intent, err = h.service.GetPayment(r.Context(), paymentID)
	} else {
		intent, err = h.service.GetPaymentByOrderReference(r.Context(), ref)
	}
	if err != nil {
		if errors.Is(err, store.ErrIntentNotFound) {
			h.writeError(w, http.StatusNotFound, "Payment not found")
			return
		}
		log.Printf("level=error component=api endpoint=get_payment msg=\"lookup failed\" ref=%s err=%v", ref, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	h.writeJSON(w, http.StatusOK, paymentResponse{Payment: intent})
}

// ListUnreconciledHandler lists completed payments money arrived for but
// whose fee allocation is still outstanding.
func (h *PaymentHandlers) ListUnreconciledHandler(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}
	intents, err := h.service.ListUnreconciled(r.Context(), limit)
	if err != nil {
		log.Printf("level=error component=api endpoint=unreconciled msg=\"lookup failed\" err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"payments": intents})
}

// GetPaymentAllocationsHandler lists the allocation audit trail for a payment.
func (h *PaymentHandlers) GetPaymentAllocationsHandler(w http.ResponseWriter, r *http.Request) {
	paymentID, err := uuid.Parse(chi.URLParam(r, "paymentID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid payment ID format")
		return
	}
	records, err := h.service.GetPaymentAllocations(r.Context(), paymentID)
	if err != nil {
		log.Printf("level=error component=api endpoint=payment_allocations msg=\"lookup failed\" payment_id=%s err=%v", paymentID, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"allocations": records})
}

// GetStudentObligationsHandler lists a student's outstanding fee obligations.
func (h *PaymentHandlers) GetStudentObligationsHandler(w http.ResponseWriter, r *http.Request) {
	studentID, err := uuid.Parse(chi.URLParam(r, "studentID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid student ID format")
		return
	}
	obligations, err := h.service.GetStudentObligations(r.Context(), studentID)
	if err != nil {
		log.Printf("level=error component=api endpoint=student_obligations msg=\"lookup failed\" student_id=%s err=%v", studentID, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"obligations": obligations})
}

// GetStudentBalancesHandler returns a student's outstanding and credit balances.
func (h *PaymentHandlers) GetStudentBalancesHandler(w http.ResponseWriter, r *http.Request) {
	studentID, err := uuid.Parse(chi.URLParam(r, "studentID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid student ID format")
		return
	}
	outstanding, credit, err := h.service.GetStudentBalances(r.Context(), studentID)
	if err != nil {
		log.Printf("level=error component=api endpoint=student_balances msg=\"lookup failed\" student_id=%s err=%v", studentID, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int64{
		"outstanding_balance": outstanding,
		"credit_balance":      credit,
	})
}

// ReconcileRetryHandler triggers a reconciliation retry pass on demand. The
// same logic runs on a schedule; this endpoint exists for operators.
func (h *PaymentHandlers) ReconcileRetryHandler(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.RetryFailedReconciliations(r.Context(), 0)
	if err != nil {
		log.Printf("level=error component=api endpoint=reconcile_retry msg=\"retry pass failed\" err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Reconciliation retry failed")
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// SweepStalePendingHandler triggers the stale-pending sweep on demand.
func (h *PaymentHandlers) SweepStalePendingHandler(w http.ResponseWriter, r *http.Request) {
	swept, err := h.service.SweepStalePending(r.Context())
	if err != nil {
		log.Printf("level=error component=api endpoint=sweep msg=\"sweep failed\" err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Sweep failed")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int64{"swept": swept})
}

// writeJSON is a helper for writing JSON responses.
func (h *PaymentHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *PaymentHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
