package gateway

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"testing"
)

func testSignerWithRSA(t *testing.T) (*Signer, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	s, err := NewSigner("checkout-secret", "push-secret", string(pemBytes))
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	return s, key
}

func TestSignCheckout_Deterministic(t *testing.T) {
	s, _ := testSignerWithRSA(t)
	fields := CheckoutSignatureFields{
		MerchantCode:   "SCH001",
		OrderReference: "SP-a1b2c3d4-1700000000000000000",
		Currency:       "KES",
		Amount:         50000,
		CallbackURL:    "https://pay.example.sc/settlement/callbacks/bank-checkout/x",
	}

	first, err := s.SignCheckout(fields)
	if err != nil {
		t.Fatalf("SignCheckout: %v", err)
	}
	second, err := s.SignCheckout(fields)
	if err != nil {
		t.Fatalf("SignCheckout: %v", err)
	}
	if first != second {
		t.Fatalf("signature is not deterministic: %q vs %q", first, second)
	}
	if len(first) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(first))
	}

	// Any field change must change the digest.
	fields.Amount = 50001
	changed, err := s.SignCheckout(fields)
	if err != nil {
		t.Fatalf("SignCheckout: %v", err)
	}
	if changed == first {
		t.Fatalf("digest did not change with the amount")
	}
}

func TestSignPush_MatchesCanonicalHMAC(t *testing.T) {
	s, _ := testSignerWithRSA(t)
	fields := PushSignatureFields{
		ShortCode:      "600100",
		OrderReference: "SP-a1b2c3d4-1700000000000000000",
		MSISDN:         "254712345678",
		Telco:          "safaricom",
		Amount:         120000,
		Currency:       "KES",
	}

	got, err := s.SignPush(fields)
	if err != nil {
		t.Fatalf("SignPush: %v", err)
	}
	decoded, err := base64.StdEncoding.DecodeString(got)
	if err != nil {
		t.Fatalf("signature is not valid base64: %v", err)
	}
	if len(decoded) != sha256.Size {
		t.Fatalf("expected %d-byte HMAC, got %d", sha256.Size, len(decoded))
	}

	again, err := s.SignPush(fields)
	if err != nil {
		t.Fatalf("SignPush: %v", err)
	}
	if got != again {
		t.Fatalf("HMAC is not deterministic")
	}
}

func TestSignUSSDReference_VerifiesWithPublicKey(t *testing.T) {
	s, key := testSignerWithRSA(t)
	orderRef := "SP-a1b2c3d4-1700000000000000000"

	sig, err := s.SignUSSDReference(orderRef)
	if err != nil {
		t.Fatalf("SignUSSDReference: %v", err)
	}
	raw, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		t.Fatalf("signature is not valid base64: %v", err)
	}

	digest := sha256.Sum256([]byte(orderRef))
	if err := rsa.VerifyPKCS1v15(&key.PublicKey, crypto.SHA256, digest[:], raw); err != nil {
		t.Fatalf("signature does not verify against the public key: %v", err)
	}
}

func TestSigner_MissingSecretsSurfaceAsSigningErrors(t *testing.T) {
	s, err := NewSigner("", "", "")
	if err != nil {
		t.Fatalf("NewSigner with empty material should not fail at construction: %v", err)
	}

	var signingErr *SigningError
	if _, err := s.SignCheckout(CheckoutSignatureFields{}); !errors.As(err, &signingErr) {
		t.Fatalf("expected SigningError from SignCheckout, got %v", err)
	}
	if _, err := s.SignPush(PushSignatureFields{}); !errors.As(err, &signingErr) {
		t.Fatalf("expected SigningError from SignPush, got %v", err)
	}
	if _, err := s.SignUSSDReference("ref"); !errors.As(err, &signingErr) {
		t.Fatalf("expected SigningError from SignUSSDReference, got %v", err)
	}
}

func TestNewSigner_RejectsGarbagePEM(t *testing.T) {
	if _, err := NewSigner("a", "b", "not a pem block"); err == nil {
		t.Fatalf("expected error for unparseable key material")
	}
}

func TestNewSigner_AcceptsPKCS8(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal pkcs8: %v", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	s, err := NewSigner("a", "b", string(pemBytes))
	if err != nil {
		t.Fatalf("NewSigner with PKCS#8 key: %v", err)
	}
	if _, err := s.SignUSSDReference("ref"); err != nil {
		t.Fatalf("signing with PKCS#8 key failed: %v", err)
	}
}
