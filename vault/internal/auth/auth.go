// Package auth authenticates verifier readers. The authenticated subject is
// the actor recorded on ACCESS custody entries.
package auth

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// DevPrincipalHeader names the caller when local development mode is on.
const DevPrincipalHeader = "X-Local-Dev-Principal"

var ErrUnauthenticated = errors.New("authentication required")

type ctxKey string

const ctxKeyPrincipal ctxKey = "vault.principal"

// Principal is an authenticated caller.
type Principal struct {
	Subject string
	Issuer  string
	// Dev is true when the principal came from the local development header.
	Dev bool
}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKeyPrincipal, p)
}

// FromContext returns the principal stored by the middleware.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxKeyPrincipal).(Principal)
	return p, ok
}

type Config struct {
	KeysFile      string
	Issuer        string
	DevAllowLocal bool
}

// Verifier checks bearer tokens signed by one of the configured public keys.
type Verifier struct {
	keys          []any
	issuer        string
	devAllowLocal bool
}

func NewVerifier(cfg Config) (*Verifier, error) {
	v := &Verifier{issuer: cfg.Issuer, devAllowLocal: cfg.DevAllowLocal}
	if cfg.KeysFile != "" {
		data, err := os.ReadFile(cfg.KeysFile)
		if err != nil {
			return nil, fmt.Errorf("read signer keys: %w", err)
		}
		keys, err := ParsePublicKeys(data)
		if err != nil {
			return nil, fmt.Errorf("load signer keys from %s: %w", cfg.KeysFile, err)
		}
		v.keys = keys
	}
	if len(v.keys) == 0 && !v.devAllowLocal {
		return nil, fmt.Errorf("no signer keys configured and local dev principals disabled")
	}
	return v, nil
}

// ParsePublicKeys reads every PEM public key or certificate in data.
// Unknown blocks are skipped.
func ParsePublicKeys(data []byte) ([]any, error) {
	var keys []any
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			cert, certErr := x509.ParseCertificate(block.Bytes)
			if certErr != nil {
				continue
			}
			key = cert.PublicKey
		}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return nil, errors.New("no valid PEM public keys found")
	}
	return keys, nil
}

// Authenticate resolves the caller of r.
func (v *Verifier) Authenticate(r *http.Request) (Principal, error) {
	if v.devAllowLocal {
		if name := strings.TrimSpace(r.Header.Get(DevPrincipalHeader)); name != "" {
			return Principal{Subject: name, Dev: true}, nil
		}
	}
	authz := r.Header.Get("Authorization")
	if len(authz) < 7 || !strings.EqualFold(authz[:7], "bearer ") {
		return Principal{}, ErrUnauthenticated
	}
	return v.verifyToken(strings.TrimSpace(authz[7:]))
}

func (v *Verifier) verifyToken(raw string) (Principal, error) {
	if len(v.keys) == 0 {
		return Principal{}, fmt.Errorf("no signer keys configured: %w", ErrUnauthenticated)
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "EdDSA"}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	var lastErr error
	for _, key := range v.keys {
		token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) { return key, nil }, opts...)
		if err != nil {
			lastErr = err
			continue
		}
		sub, err := token.Claims.GetSubject()
		if err != nil || strings.TrimSpace(sub) == "" {
			return Principal{}, fmt.Errorf("token has no subject: %w", ErrUnauthenticated)
		}
		iss, _ := token.Claims.GetIssuer()
		return Principal{Subject: sub, Issuer: iss}, nil
	}
	return Principal{}, fmt.Errorf("token rejected: %v: %w", lastErr, ErrUnauthenticated)
}

// Middleware rejects unauthenticated requests with 401 and stores the
// principal in the request context.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := v.Authenticate(r)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("WWW-Authenticate", "Bearer")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"unauthenticated"}` + "\n"))
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}
