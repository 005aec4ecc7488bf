/**
 * @description
 * This file contains the HTTP handlers for inbound gateway callbacks. Each
 * gateway expects its own acknowledgement shape, and an acknowledgement means
 * only "received", never "settled": all state decisions happen in the
 * dispatcher. Callback endpoints always acknowledge deliveries they could
 * read, including duplicates and notifications that matched no payment,
 * because gateways retry on anything else and retries cannot fix those cases.
 */

package api

import (
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/skoolpay/settlement-service/internal/app"
	"github.com/skoolpay/settlement-service/internal/domain"
)

const maxCallbackBody = 1 << 20 // 1 MiB

// mobileMoneyAck is the acknowledgement shape the mobile money gateway expects.
type mobileMoneyAck struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

// checkoutAck is the acknowledgement shape the bank checkout gateway expects.
type checkoutAck struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// ussdAck is the acknowledgement shape the bank USSD/bill gateway expects.
type ussdAck struct {
	Status string `json:"status"`
}

// MobileMoneyCallbackHandler receives push payment result callbacks.
func (h *PaymentHandlers) MobileMoneyCallbackHandler(w http.ResponseWriter, r *http.Request) {
	payload, hint, ok := h.readCallback(w, r, domain.GatewayMobileMoney)
	if !ok {
		return
	}
	err := h.service.HandleNotification(r.Context(), domain.GatewayMobileMoney, domain.ChannelCallback, payload, hint)
	if errors.Is(err, app.ErrMalformedNotification) {
		h.writeJSON(w, http.StatusBadRequest, mobileMoneyAck{ResultCode: 1, ResultDesc: "Rejected"})
		return
	}
	if err != nil {
		// A receiving-side problem is never the gateway's to retry; the
		// payload is already recorded and queued for internal follow-up.
		log.Printf("level=error component=api endpoint=mobile_money_callback msg=\"processing failed; acknowledged\" err=%v", err)
	}
	h.writeJSON(w, http.StatusOK, mobileMoneyAck{ResultCode: 0, ResultDesc: "Accepted"})
}

// BankCheckoutCallbackHandler receives hosted-checkout payment callbacks.
func (h *PaymentHandlers) BankCheckoutCallbackHandler(w http.ResponseWriter, r *http.Request) {
	payload, hint, ok := h.readCallback(w, r, domain.GatewayBankCheckout)
	if !ok {
		return
	}
	err := h.service.HandleNotification(r.Context(), domain.GatewayBankCheckout, domain.ChannelCallback, payload, hint)
	if errors.Is(err, app.ErrMalformedNotification) {
		h.writeJSON(w, http.StatusBadRequest, checkoutAck{Success: false, Message: "Unreadable callback payload"})
		return
	}
	if err != nil {
		log.Printf("level=error component=api endpoint=bank_checkout_callback msg=\"processing failed; acknowledged\" err=%v", err)
	}
	h.writeJSON(w, http.StatusOK, checkoutAck{Success: true, Message: "Callback received"})
}

// BankUSSDCallbackHandler receives bank bill/USSD payment callbacks.
func (h *PaymentHandlers) BankUSSDCallbackHandler(w http.ResponseWriter, r *http.Request) {
	payload, hint, ok := h.readCallback(w, r, domain.GatewayBankUSSD)
	if !ok {
		return
	}
	err := h.service.HandleNotification(r.Context(), domain.GatewayBankUSSD, domain.ChannelCallback, payload, hint)
	if errors.Is(err, app.ErrMalformedNotification) {
		h.writeJSON(w, http.StatusBadRequest, ussdAck{Status: "REJECTED"})
		return
	}
	if err != nil {
		log.Printf("level=error component=api endpoint=bank_ussd_callback msg=\"processing failed; acknowledged\" err=%v", err)
	}
	h.writeJSON(w, http.StatusOK, ussdAck{Status: "RECEIVED"})
}

// readCallback reads the body and the optional intent id path segment that the
// initiation embedded in the callback URL.
func (h *PaymentHandlers) readCallback(w http.ResponseWriter, r *http.Request, kind domain.GatewayKind) ([]byte, *uuid.UUID, bool) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBody))
	if err != nil || len(payload) == 0 {
		log.Printf("level=warn component=api endpoint=callback msg=\"unreadable or empty body\" gateway=%s err=%v", kind, err)
		h.writeError(w, http.StatusBadRequest, "Empty or unreadable callback body")
		return nil, nil, false
	}

	var hint *uuid.UUID
	if raw := chi.URLParam(r, "intentID"); raw != "" {
		if id, parseErr := uuid.Parse(raw); parseErr == nil {
			hint = &id
		} else {
			// An unparseable hint is not fatal; correlation matching remains.
			log.Printf("level=warn component=api endpoint=callback msg=\"ignoring malformed intent hint\" gateway=%s hint=%q", kind, raw)
		}
	}
	return payload, hint, true
}
