/**
 * @description
 * The gateway credential provider. Each remote rail issues short-lived bearer
 * tokens through a client-credentials style exchange; this provider performs
 * the exchange, caches the token per gateway with expiry awareness, and
 * refreshes on demand when an adapter sees a 401. The manual rail is
 * token-less and never passes through here.
 */
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/skoolpay/settlement-service/internal/domain"
)

// expirySkew is subtracted from the reported token lifetime so a token is
// refreshed before the gateway would start rejecting it mid-request.
const expirySkew = 30 * time.Second

// TokenSource is what adapters consume. Separated from the concrete provider
// so tests can substitute a fixed token.
type TokenSource interface {
	Token(ctx context.Context, kind domain.GatewayKind) (string, error)
	Invalidate(kind domain.GatewayKind)
}

// Credential is one gateway's long-lived key pair plus its token endpoint.
type Credential struct {
	TokenURL       string
	ConsumerKey    string
	ConsumerSecret string
}

type cachedToken struct {
	value     string
	expiresAt time.Time
}

// TokenProvider exchanges long-lived credentials for short-lived bearer
// tokens and caches them per gateway. Safe for concurrent use.
type TokenProvider struct {
	mu          sync.Mutex
	credentials map[domain.GatewayKind]Credential
	cache       map[domain.GatewayKind]cachedToken
	httpClient  *http.Client
	now         func() time.Time
}

// NewTokenProvider builds a provider over the supplied credential set.
func NewTokenProvider(credentials map[domain.GatewayKind]Credential, timeout time.Duration) *TokenProvider {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &TokenProvider{
		credentials: credentials,
		cache:       make(map[domain.GatewayKind]cachedToken),
		httpClient:  &http.Client{Timeout: timeout},
		now:         time.Now,
	}
}

// Token returns a valid bearer token for the gateway, exchanging credentials
// only when the cached token is missing or within the expiry skew.
func (p *TokenProvider) Token(ctx context.Context, kind domain.GatewayKind) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cached, ok := p.cache[kind]; ok && p.now().Before(cached.expiresAt) {
		return cached.value, nil
	}

	cred, ok := p.credentials[kind]
	if !ok || strings.TrimSpace(cred.TokenURL) == "" {
		return "", &AuthError{Gateway: kind, Detail: "no token credentials configured"}
	}

	token, expiresIn, err := p.exchange(ctx, kind, cred)
	if err != nil {
		return "", err
	}

	lifetime := time.Duration(expiresIn)*time.Second - expirySkew
	if lifetime < time.Second {
		lifetime = time.Second
	}
	p.cache[kind] = cachedToken{value: token, expiresAt: p.now().Add(lifetime)}
	return token, nil
}

// Invalidate drops the cached token for a gateway. Adapters call this after a
// 401 so the next Token call performs a fresh exchange.
func (p *TokenProvider) Invalidate(kind domain.GatewayKind) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.cache, kind)
}

func (p *TokenProvider) exchange(ctx context.Context, kind domain.GatewayKind, cred Credential) (string, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cred.TokenURL, strings.NewReader("grant_type=client_credentials"))
	if err != nil {
		return "", 0, fmt.Errorf("build token request: %w", err)
	}
	req.SetBasicAuth(cred.ConsumerKey, cred.ConsumerSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", 0, &AuthError{Gateway: kind, Detail: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, &AuthError{Gateway: kind, Status: resp.StatusCode, Detail: "unreadable token response"}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", 0, &AuthError{Gateway: kind, Status: resp.StatusCode, Detail: "token exchange rejected"}
	}

	var parsed struct {
		AccessToken string      `json:"access_token"`
		ExpiresIn   json.Number `json:"expires_in"`
		TokenType   string      `json:"token_type"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", 0, &AuthError{Gateway: kind, Status: resp.StatusCode, Detail: "malformed token response"}
	}
	if strings.TrimSpace(parsed.AccessToken) == "" {
		return "", 0, &AuthError{Gateway: kind, Status: resp.StatusCode, Detail: "empty access token"}
	}

	expiresIn, err := parsed.ExpiresIn.Int64()
	if err != nil || expiresIn <= 0 {
		// Gateways occasionally omit the lifetime; assume a conservative hour.
		expiresIn = 3600
	}
	return parsed.AccessToken, expiresIn, nil
}
