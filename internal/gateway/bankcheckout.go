/**
 * @description
 * Adapter for the bank aggregator's hosted-checkout rail. Initiation creates
 * an order and returns a redirect URL the payer is sent to; the aggregator
 * reports the outcome later on the asynchronous callback (and, for some
 * merchants, on a parallel broker feed; the dispatcher deduplicates).
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

// BankCheckoutAdapter implements the hosted-checkout redirect rail.
type BankCheckoutAdapter struct {
	cfg        Config
	signer     *Signer
	tokens     TokenSource
	currency   string
	httpClient *http.Client
}

// NewBankCheckoutAdapter constructs the adapter with its explicit config.
func NewBankCheckoutAdapter(cfg Config, signer *Signer, tokens TokenSource, currency string) *BankCheckoutAdapter {
	return &BankCheckoutAdapter{
		cfg:        cfg,
		signer:     signer,
		tokens:     tokens,
		currency:   currency,
		httpClient: cfg.httpClient(),
	}
}

func (a *BankCheckoutAdapter) Kind() domain.GatewayKind { return domain.GatewayBankCheckout }

type checkoutOrderRequest struct {
	MerchantCode   string `json:"merchantCode"`
	OrderReference string `json:"orderReference"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
	CallbackURL    string `json:"callbackUrl"`
	CustomerEmail  string `json:"customerEmail,omitempty"`
	CustomerName   string `json:"customerName,omitempty"`
	Signature      string `json:"signature"`
}

type checkoutOrderResponse struct {
	Status               string `json:"status"`
	Message              string `json:"message"`
	CheckoutURL          string `json:"checkoutUrl"`
	TransactionReference string `json:"transactionReference"`
}

// Initiate creates the checkout order and returns the redirect URL.
func (a *BankCheckoutAdapter) Initiate(ctx context.Context, intent *domain.PaymentIntent, payer domain.PayerContact) (*InitiateResult, error) {
	callbackURL := a.cfg.callbackURL("/callbacks/bank-checkout", intent.ID.String())

	signature, err := a.signer.SignCheckout(CheckoutSignatureFields{
		MerchantCode:   a.cfg.MerchantCode,
		OrderReference: intent.OrderReference,
		Currency:       a.currency,
		Amount:         intent.Amount,
		CallbackURL:    callbackURL,
	})
	if err != nil {
		return nil, err
	}

	payload := checkoutOrderRequest{
		MerchantCode:   a.cfg.MerchantCode,
		OrderReference: intent.OrderReference,
		Amount:         intent.Amount,
		Currency:       a.currency,
		CallbackURL:    callbackURL,
		CustomerEmail:  payer.Email,
		CustomerName:   payer.Name,
		Signature:      signature,
	}

	var parsed checkoutOrderResponse
	if err := a.post(ctx, "/checkout/v2/orders", payload, &parsed, true); err != nil {
		return nil, err
	}

	if !strings.EqualFold(parsed.Status, "SUCCESS") {
		return nil, &RejectedError{Gateway: a.Kind(), Code: parsed.Status, Reason: parsed.Message}
	}

	return &InitiateResult{
		ProviderReference: parsed.TransactionReference,
		RedirectURL:       parsed.CheckoutURL,
		CustomerMessage:   parsed.Message,
		Correlation: map[string]string{
			domain.CorrelationTransactionRef: parsed.TransactionReference,
		},
	}, nil
}

type checkoutCallback struct {
	Status               string `json:"status"`
	OrderReference       string `json:"orderReference"`
	TransactionReference string `json:"transactionReference"`
	BillNumber           string `json:"billNumber"`
	Amount               int64  `json:"amount"`
	Message              string `json:"message"`
	Timestamp            string `json:"timestamp"`
}

// ParseNotification normalizes an aggregator callback into a SettlementEvent.
func (a *BankCheckoutAdapter) ParseNotification(payload []byte) (*domain.SettlementEvent, error) {
	var cb checkoutCallback
	if err := json.Unmarshal(payload, &cb); err != nil {
		return nil, fmt.Errorf("malformed %s notification: %w", a.Kind(), err)
	}
	if strings.TrimSpace(cb.Status) == "" {
		return nil, fmt.Errorf("malformed %s notification: missing status", a.Kind())
	}

	event := &domain.SettlementEvent{
		Gateway:         a.Kind(),
		Outcome:         domain.OutcomeFailure,
		OrderReference:  strings.TrimSpace(cb.OrderReference),
		ConfirmedAmount: cb.Amount,
		FailureReason:   cb.Message,
		Correlation:     map[string]string{},
	}
	switch strings.ToUpper(strings.TrimSpace(cb.Status)) {
	case "SUCCESS", "COMPLETED", "SETTLED":
		event.Outcome = domain.OutcomeSuccess
		event.FailureReason = ""
	}

	if strings.TrimSpace(cb.TransactionReference) != "" {
		event.Correlation[domain.CorrelationTransactionRef] = cb.TransactionReference
		event.CorrelationKeys = append(event.CorrelationKeys, cb.TransactionReference)
	}
	if strings.TrimSpace(cb.BillNumber) != "" {
		event.Correlation[domain.CorrelationBillNumber] = cb.BillNumber
		event.CorrelationKeys = append(event.CorrelationKeys, cb.BillNumber)
	}
	if event.OrderReference != "" {
		event.CorrelationKeys = append(event.CorrelationKeys, event.OrderReference)
	}

	if ts, err := time.Parse(time.RFC3339, cb.Timestamp); err == nil {
		event.ExternalTimestamp = &ts
	}

	return event, nil
}

func (a *BankCheckoutAdapter) post(ctx context.Context, path string, payload any, out any, allowRetry bool) error {
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
