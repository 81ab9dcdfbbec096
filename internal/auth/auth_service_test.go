package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"
)

func testKeyPair(t *testing.T) (privPEM, pubPEM []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	privPEM = pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	pubPEM = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	return privPEM, pubPEM
}

func TestGenerateAndValidateAccessToken(t *testing.T) {
	privPEM, pubPEM := testKeyPair(t)
	svc, err := NewAuthService(privPEM, pubPEM, 30*time.Minute)
	if err != nil {
		t.Fatalf("new auth service: %v", err)
	}

	token, err := svc.GenerateAccessToken(42)
	if err != nil {
		t.Fatalf("generate access token: %v", err)
	}

	claims, err := svc.ValidateToken(token)
	if err != nil {
		t.Fatalf("validate token: %v", err)
	}
	if claims.UserID != 42 {
		t.Errorf("user id = %d, want 42", claims.UserID)
	}
	if claims.TokenType != "access" {
		t.Errorf("token type = %s, want access", claims.TokenType)
	}
	if got := svc.AccessTokenTTL(); got != 30*time.Minute {
		t.Errorf("access ttl = %v, want 30m", got)
	}
}

func TestValidateOnlyServiceCannotSign(t *testing.T) {
	_, pubPEM := testKeyPair(t)
	svc, err := NewAuthService(nil, pubPEM, 30*time.Minute)
	if err != nil {
		t.Fatalf("new auth service: %v", err)
	}
	if _, err := svc.GenerateAccessToken(1); err == nil {
		t.Fatal("expected error signing without private key")
	}
}

func TestValidateExpiredToken(t *testing.T) {
	privPEM, pubPEM := testKeyPair(t)
	svc, err := NewAuthService(privPEM, pubPEM, -time.Minute)
	if err != nil {
		t.Fatalf("new auth service: %v", err)
	}

	token, err := svc.GenerateAccessToken(1)
	if err != nil {
		t.Fatalf("generate access token: %v", err)
	}
	if _, err := svc.ValidateToken(token); err == nil {
		t.Fatal("expected expired token to be rejected")
	}
}

func TestValidateTokenFromForeignKey(t *testing.T) {
	privPEM, _ := testKeyPair(t)
	_, otherPub := testKeyPair(t)

	signer, err := NewAuthService(privPEM, otherPub, 30*time.Minute)
	if err != nil {
		t.Fatalf("new auth service: %v", err)
	}

	token, err := signer.GenerateAccessToken(1)
	if err != nil {
		t.Fatalf("generate access token: %v", err)
	}
	if _, err := signer.ValidateToken(token); err == nil {
		t.Fatal("expected signature from foreign key to be rejected")
	}
}
