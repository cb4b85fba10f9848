package utils

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"strings"
	"testing"
	"time"
)

func testPrivateKeyPEM(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
}

func TestSignDownload_WithEnvSigner(t *testing.T) {
	t.Setenv("GCS_CREDENTIALS_JSON", "")
	t.Setenv("GCS_SIGNER_EMAIL", "exports@project.iam.gserviceaccount.com")
	// keys pasted into env files usually carry literal \n sequences
	t.Setenv("GCS_SIGNER_PRIVATE_KEY", strings.ReplaceAll(testPrivateKeyPEM(t), "\n", `\n`))

	signed, err := SignDownload(context.Background(), "recon-exports", "exports/desk-1/reconciliations.xlsx", 15*time.Minute)
	if err != nil {
		t.Fatalf("SignDownload: %v", err)
	}
	if signed.ObjectKey != "exports/desk-1/reconciliations.xlsx" {
		t.Fatalf("object key = %q", signed.ObjectKey)
	}
	if !strings.Contains(signed.URL, "recon-exports") || !strings.Contains(signed.URL, "X-Goog-Signature=") {
		t.Fatalf("unexpected signed url %q", signed.URL)
	}
	if until := time.Until(signed.ExpiresAt); until <= 14*time.Minute || until > 15*time.Minute {
		t.Fatalf("expires in %s, want about 15m", until)
	}
}

func TestLoadSignerFromEnv_RejectsIncompleteJSON(t *testing.T) {
	t.Setenv("GCS_CREDENTIALS_JSON", `{"client_email":"a@b.c"}`)
	if _, _, _, err := loadSignerFromEnv(); err == nil {
		t.Fatalf("expected error for credentials without private key")
	}

	t.Setenv("GCS_CREDENTIALS_JSON", "")
	t.Setenv("GCS_SIGNER_EMAIL", "")
	t.Setenv("GCS_SIGNER_PRIVATE_KEY", "")
	if _, _, ok, err := loadSignerFromEnv(); ok || err != nil {
		t.Fatalf("expected no env signer, got ok=%v err=%v", ok, err)
	}
}
