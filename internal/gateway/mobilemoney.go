/**
 * @description
 * Adapter for the mobile-money push rail. Initiation asks the gateway to push
 * a payment prompt to the payer's phone; the result arrives later on the
 * asynchronous callback. Outbound requests carry a bearer token plus the
 * keyed HMAC signature over the rail's canonical field string.
 *
 * Wire amounts are minor currency units throughout.
 */
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/skoolpay/settlement-service/internal/domain"
)

// MobileMoneyAdapter implements the push-mobile-money rail.
type MobileMoneyAdapter struct {
	cfg        Config
	signer     *Signer
	tokens     TokenSource
	currency   string
	telco      string
	httpClient *http.Client
}

// NewMobileMoneyAdapter constructs the adapter with its explicit config.
func NewMobileMoneyAdapter(cfg Config, signer *Signer, tokens TokenSource, currency, telco string) *MobileMoneyAdapter {
	if strings.TrimSpace(telco) == "" {
		telco = "default"
	}
	return &MobileMoneyAdapter{
		cfg:        cfg,
		signer:     signer,
		tokens:     tokens,
		currency:   currency,
		telco:      telco,
		httpClient: cfg.httpClient(),
	}
}

func (a *MobileMoneyAdapter) Kind() domain.GatewayKind { return domain.GatewayMobileMoney }

type pushRequest struct {
	ShortCode      string `json:"ShortCode"`
	OrderReference string `json:"OrderReference"`
	Amount         int64  `json:"Amount"`
	Currency       string `json:"Currency"`
	MSISDN         string `json:"MSISDN"`
	Telco          string `json:"Telco"`
	CallbackURL    string `json:"CallbackURL"`
	Signature      string `json:"Signature"`
}

type pushResponse struct {
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	MerchantRequestID   string `json:"MerchantRequestID"`
	CustomerMessage     string `json:"CustomerMessage"`
}

// Initiate sends the push request. On a 401 the cached token is invalidated
// and the call retried once with a fresh token.
func (a *MobileMoneyAdapter) Initiate(ctx context.Context, intent *domain.PaymentIntent, payer domain.PayerContact) (*InitiateResult, error) {
	msisdn, err := domain.NormalizeMSISDN(payer.MSISDN)
	if err != nil {
		return nil, &RejectedError{Gateway: a.Kind(), Code: "INVALID_MSISDN", Reason: "payer phone number is not valid for this rail"}
	}

	signature, err := a.signer.SignPush(PushSignatureFields{
		ShortCode:      a.cfg.MerchantCode,
		OrderReference: intent.OrderReference,
		MSISDN:         msisdn,
		Telco:          a.telco,
		Amount:         intent.Amount,
		Currency:       a.currency,
	})
	if err != nil {
		return nil, err
	}

	payload := pushRequest{
		ShortCode:      a.cfg.MerchantCode,
		OrderReference: intent.OrderReference,
		Amount:         intent.Amount,
		Currency:       a.currency,
		MSISDN:         msisdn,
		Telco:          a.telco,
		CallbackURL:    a.cfg.callbackURL("/callbacks/mobile-money", intent.ID.String()),
		Signature:      signature,
	}

	var parsed pushResponse
	if err := a.post(ctx, "/push/v1/request", payload, &parsed, true); err != nil {
		return nil, err
	}

	if parsed.ResponseCode != "0" {
		return nil, &RejectedError{Gateway: a.Kind(), Code: parsed.ResponseCode, Reason: parsed.ResponseDescription}
	}

	return &InitiateResult{
		ProviderReference: parsed.CheckoutRequestID,
		CustomerMessage:   parsed.CustomerMessage,
		Correlation: map[string]string{
			domain.CorrelationCheckoutRequestID: parsed.CheckoutRequestID,
			domain.CorrelationMerchantRequestID: parsed.MerchantRequestID,
		},
	}, nil
}

// pushCallback is the notification shape. The gateway delivers either the
// flat form or the same fields nested under Body.stkCallback depending on
// which of its notification channels fired; both are accepted.
type pushCallback struct {
	ResultCode        *int   `json:"ResultCode"`
	ResultDesc        string `json:"ResultDesc"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
	MerchantRequestID string `json:"MerchantRequestID"`
	Amount            int64  `json:"Amount"`
	ReceiptNumber     string `json:"ReceiptNumber"`
	TransactionDate   string `json:"TransactionDate"`

	Body struct {
		StkCallback *pushCallbackInner `json:"stkCallback"`
	} `json:"Body"`
}

type pushCallbackInner struct {
	ResultCode        *int   `json:"ResultCode"`
	ResultDesc        string `json:"ResultDesc"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
	MerchantRequestID string `json:"MerchantRequestID"`
	Amount            int64  `json:"Amount"`
	ReceiptNumber     string `json:"ReceiptNumber"`
	TransactionDate   string `json:"TransactionDate"`
}

// ParseNotification normalizes a push callback into a SettlementEvent.
func (a *MobileMoneyAdapter) ParseNotification(payload []byte) (*domain.SettlementEvent, error) {
	var cb pushCallback
	if err := json.Unmarshal(payload, &cb); err != nil {
		return nil, fmt.Errorf("malformed %s notification: %w", a.Kind(), err)
	}

	flat := pushCallbackInner{
		ResultCode:        cb.ResultCode,
		ResultDesc:        cb.ResultDesc,
		CheckoutRequestID: cb.CheckoutRequestID,
		MerchantRequestID: cb.MerchantRequestID,
		Amount:            cb.Amount,
		ReceiptNumber:     cb.ReceiptNumber,
		TransactionDate:   cb.TransactionDate,
	}
	if cb.Body.StkCallback != nil {
		flat = *cb.Body.StkCallback
	}

	if flat.ResultCode == nil {
		return nil, fmt.Errorf("malformed %s notification: missing ResultCode", a.Kind())
	}

	event := &domain.SettlementEvent{
		Gateway:         a.Kind(),
		Outcome:         domain.OutcomeFailure,
		ConfirmedAmount: flat.Amount,
		FailureReason:   flat.ResultDesc,
		Correlation:     map[string]string{},
	}
	if *flat.ResultCode == 0 {
		event.Outcome = domain.OutcomeSuccess
		event.FailureReason = ""
	}

	if strings.TrimSpace(flat.CheckoutRequestID) != "" {
		event.Correlation[domain.CorrelationCheckoutRequestID] = flat.CheckoutRequestID
		event.CorrelationKeys = append(event.CorrelationKeys, flat.CheckoutRequestID)
	}
	if strings.TrimSpace(flat.MerchantRequestID) != "" {
		event.Correlation[domain.CorrelationMerchantRequestID] = flat.MerchantRequestID
		event.CorrelationKeys = append(event.CorrelationKeys, flat.MerchantRequestID)
	}
	if strings.TrimSpace(flat.ReceiptNumber) != "" {
		event.Correlation[domain.CorrelationProviderReceipt] = flat.ReceiptNumber
		event.CorrelationKeys = append(event.CorrelationKeys, flat.ReceiptNumber)
	}

	if ts, err := time.Parse("20060102150405", flat.TransactionDate); err == nil {
		event.ExternalTimestamp = &ts
	}

	return event, nil
}

func (a *MobileMoneyAdapter) post(ctx context.Context, path string, payload any, out any, allowRetry bool) error {
	token, err := a.tokens.Token(ctx, a.Kind())
	if err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", a.Kind(), err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", a.Kind(), err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: unreadable response", ErrUnavailable)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		a.tokens.Invalidate(a.Kind())
		if allowRetry {
			log.Printf("level=warn component=gateway gateway=%s msg=\"bearer token rejected; retrying with fresh token\"", a.Kind())
			return a.post(ctx, path, payload, out, false)
		}
		return &AuthError{Gateway: a.Kind(), Status: resp.StatusCode, Detail: "token rejected after refresh"}
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		return &RejectedError{Gateway: a.Kind(), Code: fmt.Sprintf("HTTP_%d", resp.StatusCode), Reason: rejectionReason(respBody)}
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode %s response: %w", a.Kind(), err)
	}
	return nil
}

// rejectionReason pulls a human-readable reason out of an error body without
// committing to one error shape across rails.
func rejectionReason(body []byte) string {
	var generic struct {
		Message             string `json:"message"`
		Error               string `json:"error"`
		ResponseDescription string `json:"ResponseDescription"`
	}
	if err := json.Unmarshal(body, &generic); err == nil {
		for _, candidate := range []string{generic.ResponseDescription, generic.Message, generic.Error} {
			if strings.TrimSpace(candidate) != "" {
				return candidate
			}
		}
	}
	return "request refused by gateway"
}
