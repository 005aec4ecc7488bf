package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/skoolpay/settlement-service/internal/domain"
)

func TestTokenProvider_CachesWithinExpiry(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if user, pass, ok := r.BasicAuth(); !ok || user != "key" || pass != "secret" {
			t.Errorf("unexpected basic auth credentials: %q/%q", user, pass)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":"tok-%d","expires_in":3600,"token_type":"Bearer"}`, calls)
	}))
	defer server.Close()

	provider := NewTokenProvider(map[domain.GatewayKind]Credential{
		domain.GatewayMobileMoney: {TokenURL: server.URL, ConsumerKey: "key", ConsumerSecret: "secret"},
	}, time.Second)

	first, err := provider.Token(context.Background(), domain.GatewayMobileMoney)
	if err != nil {
		t.Fatalf("first token: %v", err)
	}
	second, err := provider.Token(context.Background(), domain.GatewayMobileMoney)
	if err != nil {
		t.Fatalf("second token: %v", err)
	}
	if first != second {
		t.Fatalf("expected cached token, got %q then %q", first, second)
	}
	if calls != 1 {
		t.Fatalf("expected a single exchange, server saw %d", calls)
	}
}

func TestTokenProvider_RefreshesAfterInvalidate(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		fmt.Fprintf(w, `{"access_token":"tok-%d","expires_in":3600}`, calls)
	}))
	defer server.Close()

	provider := NewTokenProvider(map[domain.GatewayKind]Credential{
		domain.GatewayBankCheckout: {TokenURL: server.URL, ConsumerKey: "k", ConsumerSecret: "s"},
	}, time.Second)

	first, err := provider.Token(context.Background(), domain.GatewayBankCheckout)
	if err != nil {
		t.Fatalf("first token: %v", err)
	}
	provider.Invalidate(domain.GatewayBankCheckout)
	second, err := provider.Token(context.Background(), domain.GatewayBankCheckout)
	if err != nil {
		t.Fatalf("token after invalidate: %v", err)
	}
	if first == second {
		t.Fatalf("expected a fresh token after invalidate, got %q twice", first)
	}
	if calls != 2 {
		t.Fatalf("expected two exchanges, server saw %d", calls)
	}
}

func TestTokenProvider_RefreshesWithinExpirySkew(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		fmt.Fprintf(w, `{"access_token":"tok-%d","expires_in":60}`, calls)
	}))
	defer server.Close()

	provider := NewTokenProvider(map[domain.GatewayKind]Credential{
		domain.GatewayBankUSSD: {TokenURL: server.URL, ConsumerKey: "k", ConsumerSecret: "s"},
	}, time.Second)

	base := time.Now()
	provider.now = func() time.Time { return base }

	if _, err := provider.Token(context.Background(), domain.GatewayBankUSSD); err != nil {
		t.Fatalf("first token: %v", err)
	}

	// 60s lifetime minus the 30s skew leaves a 30s window; 45s in, the
	// cached token must be treated as expired.
	provider.now = func() time.Time { return base.Add(45 * time.Second) }
	if _, err := provider.Token(context.Background(), domain.GatewayBankUSSD); err != nil {
		t.Fatalf("token past skew window: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected refresh inside the skew window, server saw %d exchanges", calls)
	}
}

func TestTokenProvider_RejectedExchangeIsAuthError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_client"}`, http.StatusUnauthorized)
	}))
	defer server.Close()

	provider := NewTokenProvider(map[domain.GatewayKind]Credential{
		domain.GatewayMobileMoney: {TokenURL: server.URL, ConsumerKey: "k", ConsumerSecret: "s"},
	}, time.Second)

	_, err := provider.Token(context.Background(), domain.GatewayMobileMoney)
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError, got %v", err)
	}
	if authErr.Status != http.StatusUnauthorized {
		t.Fatalf("expected status 401 on the error, got %d", authErr.Status)
	}
}

func TestTokenProvider_MissingCredentials(t *testing.T) {
	provider := NewTokenProvider(nil, time.Second)
	_, err := provider.Token(context.Background(), domain.GatewayMobileMoney)
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError for unconfigured gateway, got %v", err)
	}
}
