// Package identity mints evidence identifiers from the external identity
// authority. Identifiers are never generated locally.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/casevault/evidence/vault/internal/metrics"
	"github.com/casevault/evidence/vault/internal/models"
)

// MintRequest describes the identifier being requested.
type MintRequest struct {
	Domain   string         `json:"domain"`
	Subtype  string         `json:"subtype"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Minter obtains a new identifier from the authority.
type Minter interface {
	Mint(ctx context.Context, req MintRequest) (string, error)
}

type HTTPClientConfig struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	Backoff    time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

// HTTPClient talks to the authority's POST /v1/mint endpoint.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
	timeout time.Duration
	backoff time.Duration
	log     *zap.Logger
	metrics *metrics.Metrics
}

const mintPath = "/v1/mint"

func NewHTTPClient(cfg HTTPClientConfig) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("identity base url required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("identity token required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &HTTPClient{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		token:   cfg.Token,
		client:  client,
		timeout: timeout,
		backoff: backoff,
		log:     log.Named("identity"),
		metrics: cfg.Metrics,
	}, nil
}

// Mint requests one identifier. A transient network failure is retried once
// with the same Idempotency-Key; HTTP error statuses are never retried. Every
// failure wraps models.ErrIdentityUnavailable.
func (c *HTTPClient) Mint(ctx context.Context, req MintRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("identity marshal request: %v: %w", err, models.ErrIdentityUnavailable)
	}
	idempotencyKey := uuid.NewString()

	start := time.Now()
	defer func() { c.metrics.ObserveMint(time.Since(start)) }()

	const attempts = 2
	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("identity mint: %v: %w", err, models.ErrIdentityUnavailable)
		}
		id, err := c.mintOnce(ctx, body, idempotencyKey)
		if err == nil {
			return id, nil
		}
		lastErr = err
		var statusErr *statusError
		if errors.As(err, &statusErr) || !transient(err) || ctx.Err() != nil {
			break
		}
		if i < attempts-1 {
			c.log.Warn("mint failed, retrying", zap.Error(err), zap.Duration("backoff", c.backoff))
			select {
			case <-ctx.Done():
				return "", fmt.Errorf("identity mint: %v: %w", ctx.Err(), models.ErrIdentityUnavailable)
			case <-time.After(c.backoff):
			}
		}
	}
	return "", fmt.Errorf("identity mint failed: %v: %w", lastErr, models.ErrIdentityUnavailable)
}

func (c *HTTPClient) mintOnce(ctx context.Context, body []byte, idempotencyKey string) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+mintPath, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.token)
	httpReq.Header.Set("Idempotency-Key", idempotencyKey)
	httpReq.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	return decodeIdentifier(resp)
}

type statusError struct {
	status string
	body   string
}

func (e *statusError) Error() string {
	if e.body == "" {
		return "authority responded " + e.status
	}
	return fmt.Sprintf("authority responded %s: %s", e.status, e.body)
}

func decodeIdentifier(resp *http.Response) (string, error) {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", &statusError{status: resp.Status, body: strings.TrimSpace(string(snippet))}
	}
	var out struct {
		Identifier string `json:"identifier"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &statusError{status: resp.Status, body: "decode response: " + err.Error()}
	}
	if strings.TrimSpace(out.Identifier) == "" {
		return "", &statusError{status: resp.Status, body: "empty identifier"}
	}
	return out.Identifier, nil
}

// transient reports whether err is a network failure worth one more attempt.
func transient(err error) bool {
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
