package identity

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casevault/evidence/vault/internal/models"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

func newTestClient(t *testing.T, baseURL string, hc *http.Client) *HTTPClient {
	t.Helper()
	c, err := NewHTTPClient(HTTPClientConfig{
		BaseURL:    baseURL,
		Token:      "secret-token",
		Timeout:    time.Second,
		Backoff:    time.Millisecond,
		HTTPClient: hc,
	})
	require.NoError(t, err)
	return c
}

func TestMintSendsRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/mint", r.URL.Path)
		assert.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("Idempotency-Key"))
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))

		var body MintRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "evidence", body.Domain)
		assert.Equal(t, "THING", body.Subtype)
		assert.Equal(t, "CASE-2024", body.Metadata["caseId"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"identifier":"EVID-0001"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL+"/", nil)
	id, err := c.Mint(context.Background(), MintRequest{
		Domain:   "evidence",
		Subtype:  "THING",
		Metadata: map[string]any{"caseId": "CASE-2024"},
	})
	require.NoError(t, err)
	assert.Equal(t, "EVID-0001", id)
}

func TestMintDoesNotRetryHTTPStatus(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusUnprocessableEntity, http.StatusServiceUnavailable} {
		var calls int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			http.Error(w, "nope", status)
		}))

		c := newTestClient(t, srv.URL, nil)
		_, err := c.Mint(context.Background(), MintRequest{Domain: "evidence", Subtype: "THING"})
		srv.Close()

		require.Error(t, err)
		assert.True(t, errors.Is(err, models.ErrIdentityUnavailable))
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "status %d", status)
	}
}

func TestMintRejectsEmptyIdentifier(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"identifier":"  "}`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL, nil).Mint(context.Background(), MintRequest{})
	assert.ErrorIs(t, err, models.ErrIdentityUnavailable)
}

func TestMintRetriesOnceOnNetworkError(t *testing.T) {
	var calls int32
	keys := make([]string, 0, 2)
	transport := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		keys = append(keys, r.Header.Get("Idempotency-Key"))
		if atomic.AddInt32(&calls, 1) == 1 {
			return nil, syscall.ECONNRESET
		}
		return &http.Response{
			StatusCode: http.StatusOK,
			Status:     "200 OK",
			Body:       io.NopCloser(strings.NewReader(`{"identifier":"EVID-0002"}`)),
			Header:     make(http.Header),
		}, nil
	})

	c := newTestClient(t, "http://identity", &http.Client{Transport: transport})
	id, err := c.Mint(context.Background(), MintRequest{Domain: "evidence"})
	require.NoError(t, err)
	assert.Equal(t, "EVID-0002", id)
	assert.Equal(t, int32(2), calls)
	require.Len(t, keys, 2)
	assert.Equal(t, keys[0], keys[1])
}

func TestMintGivesUpAfterSecondNetworkError(t *testing.T) {
	var calls int32
	transport := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		atomic.AddInt32(&calls, 1)
		return nil, syscall.ECONNREFUSED
	})

	c := newTestClient(t, "http://identity", &http.Client{Transport: transport})
	_, err := c.Mint(context.Background(), MintRequest{Domain: "evidence"})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrIdentityUnavailable)
	assert.Equal(t, int32(2), calls)
}

func TestMintHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	transport := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		t.Fatal("request should not be sent")
		return nil, nil
	})
	_, err := newTestClient(t, "http://identity", &http.Client{Transport: transport}).Mint(ctx, MintRequest{})
	assert.ErrorIs(t, err, models.ErrIdentityUnavailable)
}

func TestNewHTTPClientRequiresToken(t *testing.T) {
	_, err := NewHTTPClient(HTTPClientConfig{BaseURL: "http://identity"})
	assert.Error(t, err)
	_, err = NewHTTPClient(HTTPClientConfig{Token: "t"})
	assert.Error(t, err)
}
