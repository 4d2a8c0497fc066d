package storage

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"testing"
)

func serviceAccountJSON(t *testing.T, key *rsa.PrivateKey, email string) []byte {
	t.Helper()
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	data, err := json.Marshal(map[string]string{
		"type":         "service_account",
		"client_email": email,
		"private_key":  string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})),
		"token_uri":    "https://oauth2.googleapis.com/token",
	})
	if err != nil {
		t.Fatalf("marshal json: %v", err)
	}
	return data
}

func TestServiceAccountSignerSigns(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := NewServiceAccountSignerFromJSON(serviceAccountJSON(t, key, "images@tl-dev.iam.gserviceaccount.com"))
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	if signer.Email() != "images@tl-dev.iam.gserviceaccount.com" {
		t.Fatalf("unexpected email %q", signer.Email())
	}

	payload := []byte("GOOG4-RSA-SHA256\n20250301T000000Z")
	sig, err := signer.SignBytes(context.Background(), payload)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	digest := sha256.Sum256(payload)
	if err := rsa.VerifyPKCS1v15(&key.PublicKey, crypto.SHA256, digest[:], sig); err != nil {
		t.Fatalf("signature does not verify: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := signer.SignBytes(ctx, payload); err == nil {
		t.Fatal("expected cancelled context to fail")
	}
}

func TestServiceAccountSignerRejectsBadKeys(t *testing.T) {
	cases := map[string][]byte{
		"empty":        nil,
		"not json":     []byte("{"),
		"no key":       []byte(`{"type":"service_account","client_email":"a@b.c"}`),
		"garbage key":  []byte(`{"type":"service_account","client_email":"a@b.c","private_key":"nope"}`),
		"missing file": []byte(`{"type":"authorized_user"}`),
	}
	for name, data := range cases {
		if _, err := NewServiceAccountSignerFromJSON(data); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}
