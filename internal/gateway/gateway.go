/**
 * @description
 * This package contains everything gateway-specific: the adapter contract the
 * rest of the service programs against, the per-gateway signature engine, the
 * bearer-token provider, and one adapter per payment rail. The dispatcher and
 * allocator never see a gateway wire format; new rails are added by
 * implementing the Adapter interface.
 *
 * @dependencies
 * - context, errors, fmt, net/http, time: Standard Go libraries.
 * - internal/domain: The normalized SettlementEvent and intent types.
 */
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/skoolpay/settlement-service/internal/domain"
)

// ErrUnavailable marks a network or gateway-side 5xx failure during
// initiation. The intent stays pending and the caller may retry.
var ErrUnavailable = errors.New("gateway unavailable")

// RejectedError is a terminal refusal from the gateway (invalid phone format,
// unknown merchant, amount outside limits). The intent is marked failed.
type RejectedError struct {
	Gateway domain.GatewayKind
	Code    string
	Reason  string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("gateway %s rejected request: %s (%s)", e.Gateway, e.Reason, e.Code)
}

// SigningError reports missing or unusable secret material. It names the
// gateway and the missing field, never the secret value.
type SigningError struct {
	Gateway domain.GatewayKind
	Field   string
}

func (e *SigningError) Error() string {
	return fmt.Sprintf("cannot sign %s request: %s not configured", e.Gateway, e.Field)
}

// AuthError reports a failed token exchange with a gateway.
type AuthError struct {
	Gateway domain.GatewayKind
	Status  int
	Detail  string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("gateway %s authentication failed (status %d): %s", e.Gateway, e.Status, e.Detail)
}

// InitiateResult is what a rail hands back after a successful initiation.
// Correlation carries the provider's session/reference ids and is merged into
// the intent's correlation map, which is the dedup key space for inbound
// notifications.
type InitiateResult struct {
	ProviderReference string
	RedirectURL       string
	CustomerMessage   string
	Correlation       map[string]string
}

// Adapter is the two-method contract every payment rail implements.
type Adapter interface {
	Kind() domain.GatewayKind

	// Initiate builds the gateway-specific payload for the intent, signs it,
	// calls the gateway, and returns the provider references. Errors are
	// ErrUnavailable (retryable), *RejectedError (terminal), *AuthError, or
	// *SigningError.
	Initiate(ctx context.Context, intent *domain.PaymentIntent, payer domain.PayerContact) (*InitiateResult, error)

	// ParseNotification extracts a normalized SettlementEvent from the
	// gateway's inbound notification body. It returns every correlation key
	// it can find so the dispatcher can match against any of them.
	ParseNotification(payload []byte) (*domain.SettlementEvent, error)
}

// Config is the explicit per-gateway configuration injected into an adapter
// at construction. No adapter reads global state.
type Config struct {
	BaseURL         string
	MerchantCode    string // merchant id / shortcode / account number per rail
	CallbackBaseURL string
	Environment     string // sandbox | production
	Timeout         time.Duration
}

// httpClient builds the bounded-timeout client shared by the rails.
func (c Config) httpClient() *http.Client {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// callbackURL renders the notification URL for one intent. The intent id in
// the path is the strongest resolution hint the dispatcher has.
func (c Config) callbackURL(path string, intentID string) string {
	return fmt.Sprintf("%s%s/%s", c.CallbackBaseURL, path, intentID)
}
