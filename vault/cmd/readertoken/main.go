// Command readertoken creates a development signing key for the evidence
// verifier and mints reader tokens with it. The public key file is what
// VERIFIER_JWT_KEYS_FILE expects.
package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func main() {
	issuer := flag.String("issuer", "evidence-dev", "token issuer (iss)")
	subject := flag.String("sub", "", "reader identity recorded as the custody actor (sub)")
	keyFile := flag.String("key", "devops/certs/reader_signer.pem", "private key path; created if missing")
	pubOut := flag.String("pub-out", "devops/certs/reader_keys.pem", "public key output path")
	ttl := flag.Duration("ttl", 10*time.Minute, "token lifetime")
	flag.Parse()

	if err := run(*issuer, *subject, *keyFile, *pubOut, *ttl); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
}

func run(issuer, subject, keyFile, pubOut string, ttl time.Duration) error {
	if subject == "" {
		return errors.New("-sub is required")
	}
	priv, err := loadOrCreateKey(keyFile)
	if err != nil {
		return err
	}
	if err := writePublicKey(pubOut, &priv.PublicKey); err != nil {
		return err
	}
	token, err := mint(priv, issuer, subject, ttl, time.Now())
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func loadOrCreateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		block, _ := pem.Decode(data)
		if block == nil {
			return nil, fmt.Errorf("%s: no PEM block", path)
		}
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		priv, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%s: not an RSA key", path)
		}
		return priv, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), 0o600); err != nil {
		return nil, err
	}
	fmt.Fprintf(os.Stderr, "wrote signing key -> %s\n", path)
	return priv, nil
}

func writePublicKey(path string, pub *rsa.PublicKey) error {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), 0o644)
}

func mint(priv *rsa.PrivateKey, issuer, subject string, ttl time.Duration, now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(priv)
}
