/**
 * @description
 * The signature engine. Each gateway mandates its own canonical string and
 * algorithm for outbound request signatures; this file is the single source
 * of truth for those contracts:
 *
 *   bank_checkout  SHA-256 hex over merchantCode||orderReference||currency||amount||callbackURL
 *   mobile_money   HMAC-SHA256 (base64) under a shared secret over
 *                  shortCode||orderReference||msisdn||telco||amount||currency
 *   bank_ussd      RSA SHA-256 PKCS#1 v1.5 (base64) over the order reference
 *
 * Signing is a pure function of the provided fields plus externally supplied
 * secret material. Secret values are never logged.
 */
package gateway

import (
	"crypto"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"strings"

	"github.com/skoolpay/settlement-service/internal/domain"
)

// CheckoutSignatureFields is the canonical field set for the bank_checkout rail.
type CheckoutSignatureFields struct {
	MerchantCode   string
	OrderReference string
	Currency       string
	Amount         int64
	CallbackURL    string
}

// PushSignatureFields is the canonical field set for the mobile_money rail.
type PushSignatureFields struct {
	ShortCode      string
	OrderReference string
	MSISDN         string
	Telco          string
	Amount         int64
	Currency       string
}

// Signer holds the per-gateway secret material and produces outbound request
// signatures. Construct once at boot and share; it is stateless after that.
type Signer struct {
	checkoutSecret string
	pushSecret     string
	ussdKey        *rsa.PrivateKey
}

// NewSigner parses the configured secret material. An empty ussdKeyPEM leaves
// the bank_ussd rail unable to sign, surfaced as a SigningError at call time
// rather than a boot failure, so one misconfigured rail does not take the
// service down.
func NewSigner(checkoutSecret, pushSecret, ussdKeyPEM string) (*Signer, error) {
	s := &Signer{
		checkoutSecret: strings.TrimSpace(checkoutSecret),
		pushSecret:     strings.TrimSpace(pushSecret),
	}

	if trimmed := strings.TrimSpace(ussdKeyPEM); trimmed != "" {
		key, err := parseRSAPrivateKey(trimmed)
		if err != nil {
			return nil, fmt.Errorf("parse bank_ussd signing key: %w", err)
		}
		s.ussdKey = key
	}
	return s, nil
}

// SignCheckout produces the symmetric digest the checkout aggregator expects.
func (s *Signer) SignCheckout(f CheckoutSignatureFields) (string, error) {
	if s.checkoutSecret == "" {
		return "", &SigningError{Gateway: domain.GatewayBankCheckout, Field: "shared secret"}
	}
	canonical := fmt.Sprintf("%s%s%s%d%s%s",
		f.MerchantCode, f.OrderReference, f.Currency, f.Amount, f.CallbackURL, s.checkoutSecret)
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:]), nil
}

// SignPush produces the keyed HMAC the mobile-money rail expects.
func (s *Signer) SignPush(f PushSignatureFields) (string, error) {
	if s.pushSecret == "" {
		return "", &SigningError{Gateway: domain.GatewayMobileMoney, Field: "shared secret"}
	}
	canonical := fmt.Sprintf("%s%s%s%s%d%s",
		f.ShortCode, f.OrderReference, f.MSISDN, f.Telco, f.Amount, f.Currency)
	mac := hmac.New(sha256.New, []byte(s.pushSecret))
	mac.Write([]byte(canonical))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// SignUSSDReference produces the asymmetric signature over the order
// reference required by the bank push/USSD rail.
func (s *Signer) SignUSSDReference(orderReference string) (string, error) {
	if s.ussdKey == nil {
		return "", &SigningError{Gateway: domain.GatewayBankUSSD, Field: "RSA private key"}
	}
	digest := sha256.Sum256([]byte(orderReference))
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.ussdKey, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("sign %s reference: %w", domain.GatewayBankUSSD, err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

func parseRSAPrivateKey(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("PEM block is not an RSA private key")
	}
	return key, nil
}
