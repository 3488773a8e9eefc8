// Package store persists artifacts, evidence items and custody entries.
//
// Reader carries only queries; the verification service is built from it so
// it holds no capability to mutate evidence. Writes happen inside WithTx,
// which commits all staged changes or none.
package store

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/casevault/evidence/vault/internal/models"
)

// Reader is the query-only view of the metadata store.
type Reader interface {
	GetArtifact(ctx context.Context, cid string) (models.Artifact, error)
	GetEvidence(ctx context.Context, evidenceID string) (models.EvidenceItem, error)
	// GetEvidenceWithArtifact reads both records from one consistent snapshot.
	GetEvidenceWithArtifact(ctx context.Context, evidenceID string) (models.EvidenceItem, models.Artifact, error)
	ListCustody(ctx context.Context, evidenceID string) ([]models.CustodyEntry, error)
	ListCaseEvidence(ctx context.Context, caseID string) ([]models.EvidenceItem, error)
	CaseStats(ctx context.Context, caseID string) (CaseStats, error)
	Ping(ctx context.Context) error
}

// Tx is the set of writes available inside a transaction.
type Tx interface {
	// InsertArtifact inserts a if no artifact with the same CID exists and
	// reports whether a row was written.
	InsertArtifact(ctx context.Context, a models.Artifact) (bool, error)
	// InsertEvidence fails with models.ErrEvidenceConflict if the id is taken.
	InsertEvidence(ctx context.Context, e models.EvidenceItem) error
	// LockEvidence serialises custody appends for one evidence id until the
	// transaction ends and returns the current evidence row.
	LockEvidence(ctx context.Context, evidenceID string) (models.EvidenceItem, error)
	// LatestCustody returns the highest-sequence entry; ok is false when the
	// item has no entries yet.
	LatestCustody(ctx context.Context, evidenceID string) (entry models.CustodyEntry, ok bool, err error)
	// InsertCustody appends e and queues it for streaming. A duplicate
	// (evidence_id, sequence_no) fails with models.ErrSequenceConflict.
	InsertCustody(ctx context.Context, e models.CustodyEntry) error
	UpdateEvidenceMetadata(ctx context.Context, evidenceID string, metadata json.RawMessage) error
}

// Store is the full read/write metadata store.
type Store interface {
	Reader
	WithTx(ctx context.Context, fn func(Tx) error) error
}

// Outbox is used by the custody streamer.
type Outbox interface {
	// ClaimPendingCustody marks up to limit outbox rows in_progress and
	// returns their custody entries. A row is claimable when it is pending,
	// failed, or in_progress with a claim older than lease, and every earlier
	// entry of the same evidence item has been streamed. At most one entry
	// per item is therefore in flight at a time.
	ClaimPendingCustody(ctx context.Context, limit int, lease time.Duration) ([]models.CustodyEntry, error)
	MarkCustodyStreamResult(ctx context.Context, evidenceID string, sequenceNo int64, archiveKey string, success bool, errMsg string) error
}

// CaseStats summarises one case for the custody report.
type CaseStats struct {
	CaseID        string           `json:"caseId"`
	EvidenceCount int64            `json:"evidenceCount"`
	ArtifactCount int64            `json:"artifactCount"`
	TotalBytes    int64            `json:"totalBytes"`
	Actions       map[string]int64 `json:"actions"`
}

// MaxStreamAttempts bounds how often a failed outbox row is retried.
const MaxStreamAttempts = 10

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func ensureJSON(raw json.RawMessage, fallback string) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(fallback)
	}
	return raw
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func scanArtifact(row rowScanner) (models.Artifact, error) {
	var a models.Artifact
	if err := row.Scan(&a.CID, &a.SizeBytes, &a.StorageKey, &a.Kind, &a.BytesHash, &a.CreatedAt); err != nil {
		return models.Artifact{}, err
	}
	a.CreatedAt = a.CreatedAt.UTC()
	return a, nil
}

func scanEvidence(row rowScanner) (models.EvidenceItem, error) {
	var (
		e        models.EvidenceItem
		metadata []byte
	)
	if err := row.Scan(&e.EvidenceID, &e.CaseID, &e.CID, &e.Source, &e.FileName, &e.LegalHold, &metadata, &e.CreatedAt); err != nil {
		return models.EvidenceItem{}, err
	}
	e.Metadata = append(json.RawMessage(nil), ensureJSON(metadata, "{}")...)
	e.CreatedAt = e.CreatedAt.UTC()
	return e, nil
}

func scanCustody(row rowScanner) (models.CustodyEntry, error) {
	var (
		c      models.CustodyEntry
		action string
	)
	if err := row.Scan(&c.EvidenceID, &c.SequenceNo, &action, &c.Actor, &c.CID, &c.PrevHash, &c.EntryHash, &c.Timestamp, &c.Note); err != nil {
		return models.CustodyEntry{}, err
	}
	// Unknown actions are kept verbatim so verification reports them as
	// hash mismatches instead of failing the read.
	c.Action = models.Action(action)
	c.Timestamp = c.Timestamp.UTC()
	return c, nil
}

func sortCustody(entries []models.CustodyEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].EvidenceID != entries[j].EvidenceID {
			return entries[i].EvidenceID < entries[j].EvidenceID
		}
		return entries[i].SequenceNo < entries[j].SequenceNo
	})
}
