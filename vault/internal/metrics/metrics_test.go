package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()
	m.IngestOutcome("ok")
	m.IngestOutcome("ok")
	m.DedupHit()
	m.CustodyAppended("INGEST")
	m.IntegrityChecked("compromised")
	m.LedgerVerified(false)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ingestTotal.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dedupHits))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.custodyAppends.WithLabelValues("INGEST")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.integrityChecks.WithLabelValues("compromised")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ledgerVerifies.WithLabelValues("broken")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.IngestOutcome("ok")
	m.DedupHit()
	m.ObserveMint(time.Second)
	m.ObserveRequest("GET", "/x", 200, time.Millisecond)
	assert.Nil(t, m.Registry())
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.DedupHit()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "evidence_registrar_dedup_hits_total 1"))
}
