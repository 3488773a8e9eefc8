//go:build integration

package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/casevault/evidence/vault/internal/models"
)

func startPostgres(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	migrations, err := filepath.Glob(filepath.Join("..", "..", "sql", "migrations", "*.sql"))
	require.NoError(t, err)

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("evidence"),
		postgres.WithUsername("evidence"),
		postgres.WithPassword("evidence"),
		postgres.WithInitScripts(migrations...),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	db, err := Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPGStoreAgainstPostgres(t *testing.T) {
	db := startPostgres(t)
	s := NewPGStore(db)
	ctx := context.Background()
	ts := time.Now().UTC().Truncate(time.Microsecond)

	ingest := func(id string) error {
		return s.WithTx(ctx, func(tx Tx) error {
			if _, err := tx.InsertArtifact(ctx, models.Artifact{CID: testCID, SizeBytes: 5, StorageKey: "k", Kind: "text/plain", BytesHash: testCID}); err != nil {
				return err
			}
			if err := tx.InsertEvidence(ctx, models.EvidenceItem{EvidenceID: id, CaseID: "CASE-1", CID: testCID, LegalHold: true}); err != nil {
				return err
			}
			if _, err := tx.LockEvidence(ctx, id); err != nil {
				return err
			}
			return tx.InsertCustody(ctx, models.CustodyEntry{
				EvidenceID: id, SequenceNo: 1, Action: models.ActionIngest, Actor: "it",
				CID: testCID, PrevHash: "0", EntryHash: "h", Timestamp: ts,
			})
		})
	}
	require.NoError(t, ingest("EVID-1"))
	require.NoError(t, ingest("EVID-2"))
	assert.ErrorIs(t, ingest("EVID-1"), models.ErrEvidenceConflict)

	entries, err := s.ListCustody(ctx, "EVID-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, ts.Equal(entries[0].Timestamp))

	stats, err := s.CaseStats(ctx, "CASE-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.EvidenceCount)
	assert.Equal(t, int64(1), stats.ArtifactCount)

	_, err = db.ExecContext(ctx, `UPDATE chain_of_custody SET actor='mallory' WHERE evidence_id='EVID-1'`)
	assert.Error(t, err, "custody rows are append-only")

	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		return tx.InsertCustody(ctx, models.CustodyEntry{
			EvidenceID: "EVID-1", SequenceNo: 2, Action: models.ActionAccess, Actor: "it",
			CID: testCID, PrevHash: "h", EntryHash: "h2", Timestamp: ts,
		})
	}))

	claimed, err := s.ClaimPendingCustody(ctx, 10, time.Minute)
	require.NoError(t, err)
	assert.Len(t, claimed, 2, "sequence 2 waits for sequence 1")
	for _, c := range claimed {
		assert.Equal(t, int64(1), c.SequenceNo)
	}

	held, err := s.ClaimPendingCustody(ctx, 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, held)

	require.NoError(t, s.MarkCustodyStreamResult(ctx, "EVID-1", 1, "archive/key", true, ""))
	next, err := s.ClaimPendingCustody(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.Equal(t, int64(2), next[0].SequenceNo)

	// EVID-2#1 is still in_progress; a zero lease lets another streamer take it.
	taken, err := s.ClaimPendingCustody(ctx, 10, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, taken)
}
