/**
 * @description
 * Adapter for the bank bill-push/USSD rail. Initiation registers a bill
 * against the merchant account; the bank pushes the payer a USSD prompt and
 * reports the outcome on the asynchronous callback. Outbound requests carry a
 * bearer token plus the RSA signature over the order reference.
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

// BankUSSDAdapter implements the bank bill-push rail.
type BankUSSDAdapter struct {
	cfg        Config
	signer     *Signer
	tokens     TokenSource
	currency   string
	httpClient *http.Client
}

// NewBankUSSDAdapter constructs the adapter with its explicit config.
func NewBankUSSDAdapter(cfg Config, signer *Signer, tokens TokenSource, currency string) *BankUSSDAdapter {
	return &BankUSSDAdapter{
		cfg:        cfg,
		signer:     signer,
		tokens:     tokens,
		currency:   currency,
		httpClient: cfg.httpClient(),
	}
}

func (a *BankUSSDAdapter) Kind() domain.GatewayKind { return domain.GatewayBankUSSD }

type billPushRequest struct {
	AccountNumber string `json:"accountNumber"`
	Reference     string `json:"reference"`
	MSISDN        string `json:"msisdn"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	CallbackURL   string `json:"callbackUrl"`
	Signature     string `json:"signature"`
}

type billPushResponse struct {
	Status     string `json:"status"`
	Message    string `json:"message"`
	BillNumber string `json:"billNumber"`
}

// Initiate registers the bill with the bank.
func (a *BankUSSDAdapter) Initiate(ctx context.Context, intent *domain.PaymentIntent, payer domain.PayerContact) (*InitiateResult, error) {
	msisdn, err := domain.NormalizeMSISDN(payer.MSISDN)
	if err != nil {
		return nil, &RejectedError{Gateway: a.Kind(), Code: "INVALID_MSISDN", Reason: "payer phone number is not valid for this rail"}
	}

	signature, err := a.signer.SignUSSDReference(intent.OrderReference)
	if err != nil {
		return nil, err
	}

	payload := billPushRequest{
		AccountNumber: a.cfg.MerchantCode,
		Reference:     intent.OrderReference,
		MSISDN:        msisdn,
		Amount:        intent.Amount,
		Currency:      a.currency,
		CallbackURL:   a.cfg.callbackURL("/callbacks/bank-ussd", intent.ID.String()),
		Signature:     signature,
	}

	var parsed billPushResponse
	if err := a.post(ctx, "/bills/v1/push", payload, &parsed, true); err != nil {
		return nil, err
	}

	if !strings.EqualFold(parsed.Status, "ACCEPTED") && !strings.EqualFold(parsed.Status, "SUCCESS") {
		return nil, &RejectedError{Gateway: a.Kind(), Code: parsed.Status, Reason: parsed.Message}
	}

	return &InitiateResult{
		ProviderReference: parsed.BillNumber,
		CustomerMessage:   parsed.Message,
		Correlation: map[string]string{
			domain.CorrelationBillNumber: parsed.BillNumber,
		},
	}, nil
}

type billCallback struct {
	BillNumber    string `json:"billNumber"`
	Reference     string `json:"reference"`
	TransactionID string `json:"transactionId"`
	Status        string `json:"status"`
	Amount        int64  `json:"amount"`
	Narration     string `json:"narration"`
	PaidAt        string `json:"paidAt"`
}

// ParseNotification normalizes a bank bill callback into a SettlementEvent.
// The bill number leads the correlation keys: the bank's second notification
// channel omits the original reference and carries only the bill number.
func (a *BankUSSDAdapter) ParseNotification(payload []byte) (*domain.SettlementEvent, error) {
	var cb billCallback
	if err := json.Unmarshal(payload, &cb); err != nil {
		return nil, fmt.Errorf("malformed %s notification: %w", a.Kind(), err)
	}
	if strings.TrimSpace(cb.Status) == "" {
		return nil, fmt.Errorf("malformed %s notification: missing status", a.Kind())
	}

	event := &domain.SettlementEvent{
		Gateway:         a.Kind(),
		Outcome:         domain.OutcomeFailure,
		OrderReference:  strings.TrimSpace(cb.Reference),
		ConfirmedAmount: cb.Amount,
		FailureReason:   cb.Narration,
		Correlation:     map[string]string{},
	}
	switch strings.ToUpper(strings.TrimSpace(cb.Status)) {
	case "PAID", "SUCCESS", "COMPLETED":
		event.Outcome = domain.OutcomeSuccess
		event.FailureReason = ""
	}

	if strings.TrimSpace(cb.BillNumber) != "" {
		event.Correlation[domain.CorrelationBillNumber] = cb.BillNumber
		event.CorrelationKeys = append(event.CorrelationKeys, cb.BillNumber)
	}
	if strings.TrimSpace(cb.TransactionID) != "" {
		event.Correlation[domain.CorrelationTransactionRef] = cb.TransactionID
		event.CorrelationKeys = append(event.CorrelationKeys, cb.TransactionID)
	}
	if event.OrderReference != "" {
		event.CorrelationKeys = append(event.CorrelationKeys, event.OrderReference)
	}

	if ts, err := time.Parse(time.RFC3339, cb.PaidAt); err == nil {
		event.ExternalTimestamp = &ts
	}

	return event, nil
}

func (a *BankUSSDAdapter) post(ctx context.Context, path string, payload any, out any, allowRetry bool) error {
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
