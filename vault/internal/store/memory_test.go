package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casevault/evidence/vault/internal/models"
)

func seed(t *testing.T, m *MemoryStore, id, caseID string) {
	t.Helper()
	err := m.WithTx(context.Background(), func(tx Tx) error {
		if _, err := tx.InsertArtifact(context.Background(), models.Artifact{CID: testCID, SizeBytes: 5, StorageKey: "k"}); err != nil {
			return err
		}
		if err := tx.InsertEvidence(context.Background(), models.EvidenceItem{EvidenceID: id, CaseID: caseID, CID: testCID}); err != nil {
			return err
		}
		return tx.InsertCustody(context.Background(), models.CustodyEntry{EvidenceID: id, SequenceNo: 1, Action: models.ActionIngest, CID: testCID})
	})
	require.NoError(t, err)
}

func TestMemoryStoreCommit(t *testing.T) {
	m := NewMemoryStore()
	seed(t, m, "EVID-1", "CASE-1")
	seed(t, m, "EVID-2", "CASE-1")

	e, a, err := m.GetEvidenceWithArtifact(context.Background(), "EVID-1")
	require.NoError(t, err)
	assert.Equal(t, testCID, e.CID)
	assert.JSONEq(t, `{}`, string(e.Metadata))
	assert.Equal(t, int64(5), a.SizeBytes)

	stats, err := m.CaseStats(context.Background(), "CASE-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.EvidenceCount)
	assert.Equal(t, int64(1), stats.ArtifactCount)
	assert.Equal(t, int64(10), stats.TotalBytes)
	assert.Equal(t, int64(2), stats.Actions["INGEST"])

	items, err := m.ListCaseEvidence(context.Background(), "CASE-1")
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestMemoryStoreRollback(t *testing.T) {
	m := NewMemoryStore()
	boom := errors.New("boom")
	err := m.WithTx(context.Background(), func(tx Tx) error {
		_, err := tx.InsertArtifact(context.Background(), models.Artifact{CID: testCID})
		require.NoError(t, err)
		require.NoError(t, tx.InsertEvidence(context.Background(), models.EvidenceItem{EvidenceID: "EVID-1", CID: testCID}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = m.GetArtifact(context.Background(), testCID)
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = m.GetEvidence(context.Background(), "EVID-1")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestMemoryStoreConstraints(t *testing.T) {
	m := NewMemoryStore()
	seed(t, m, "EVID-1", "CASE-1")

	err := m.WithTx(context.Background(), func(tx Tx) error {
		return tx.InsertCustody(context.Background(), models.CustodyEntry{EvidenceID: "EVID-1", SequenceNo: 1})
	})
	assert.ErrorIs(t, err, models.ErrSequenceConflict)

	err = m.WithTx(context.Background(), func(tx Tx) error {
		return tx.InsertEvidence(context.Background(), models.EvidenceItem{EvidenceID: "EVID-1", CID: testCID})
	})
	assert.ErrorIs(t, err, models.ErrEvidenceConflict)

	err = m.WithTx(context.Background(), func(tx Tx) error {
		_, err := tx.LockEvidence(context.Background(), "EVID-404")
		return err
	})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestMemoryStoreOutbox(t *testing.T) {
	m := NewMemoryStore()
	seed(t, m, "EVID-1", "CASE-1")

	claimed, err := m.ClaimPendingCustody(context.Background(), 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	again, err := m.ClaimPendingCustody(context.Background(), 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, again, "in-progress rows are not reclaimed")

	require.NoError(t, m.MarkCustodyStreamResult(context.Background(), "EVID-1", 1, "", false, "down"))
	retry, err := m.ClaimPendingCustody(context.Background(), 10, time.Minute)
	require.NoError(t, err)
	assert.Len(t, retry, 1)

	require.NoError(t, m.MarkCustodyStreamResult(context.Background(), "EVID-1", 1, "key", true, ""))
	o, ok := m.Outbox("EVID-1", 1)
	require.True(t, ok)
	assert.Equal(t, models.StreamComplete, o.StreamStatus)
	assert.Equal(t, 2, o.Attempts)
	assert.Equal(t, "key", o.ArchiveKey)
}

func TestMemoryStoreReclaimsExpiredClaims(t *testing.T) {
	m := NewMemoryStore()
	seed(t, m, "EVID-1", "CASE-1")
	ts := time.Now().UTC()
	m.clock = func() time.Time { return ts }

	claimed, err := m.ClaimPendingCustody(context.Background(), 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	ts = ts.Add(30 * time.Second)
	again, err := m.ClaimPendingCustody(context.Background(), 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, again, "claim still within its lease")

	ts = ts.Add(time.Minute)
	again, err = m.ClaimPendingCustody(context.Background(), 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, again, 1)
	o, _ := m.Outbox("EVID-1", 1)
	assert.Equal(t, 2, o.Attempts)
}

func TestMemoryStoreMarkHonoursCancellation(t *testing.T) {
	m := NewMemoryStore()
	seed(t, m, "EVID-1", "CASE-1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, m.MarkCustodyStreamResult(ctx, "EVID-1", 1, "", false, "x"), context.Canceled)
}

func TestOverwriteCustody(t *testing.T) {
	m := NewMemoryStore()
	seed(t, m, "EVID-1", "CASE-1")
	require.NoError(t, m.OverwriteCustody("EVID-1", 1, func(c *models.CustodyEntry) { c.Actor = "mallory" }))

	entries, err := m.ListCustody(context.Background(), "EVID-1")
	require.NoError(t, err)
	assert.Equal(t, "mallory", entries[0].Actor)
	assert.ErrorIs(t, m.OverwriteCustody("EVID-1", 9, func(*models.CustodyEntry) {}), models.ErrNotFound)
}
