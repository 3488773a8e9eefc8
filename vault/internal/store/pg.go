package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/casevault/evidence/vault/internal/models"
)

const uniqueViolation = "23505"

// PGStore persists evidence records into Postgres.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const (
	artifactColumns = `cid, size_bytes, storage_key, kind, bytes_hash, created_at`
	evidenceColumns = `evidence_id, case_id, cid, source, file_name, legal_hold, metadata, created_at`
	custodyColumns  = `evidence_id, sequence_no, action, actor, cid, prev_hash, entry_hash, ts, note`
)

func (s *PGStore) GetArtifact(ctx context.Context, cid string) (models.Artifact, error) {
	a, err := scanArtifact(s.db.QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM artifact WHERE cid=$1`, cid))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Artifact{}, models.ErrNotFound
		}
		return models.Artifact{}, fmt.Errorf("get artifact: %w", err)
	}
	return a, nil
}

func (s *PGStore) GetEvidence(ctx context.Context, evidenceID string) (models.EvidenceItem, error) {
	e, err := scanEvidence(s.db.QueryRowContext(ctx, `SELECT `+evidenceColumns+` FROM evidence_item WHERE evidence_id=$1`, evidenceID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.EvidenceItem{}, models.ErrNotFound
		}
		return models.EvidenceItem{}, fmt.Errorf("get evidence: %w", err)
	}
	return e, nil
}

func (s *PGStore) GetEvidenceWithArtifact(ctx context.Context, evidenceID string) (models.EvidenceItem, models.Artifact, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true, Isolation: sql.LevelRepeatableRead})
	if err != nil {
		return models.EvidenceItem{}, models.Artifact{}, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	e, err := scanEvidence(tx.QueryRowContext(ctx, `SELECT `+evidenceColumns+` FROM evidence_item WHERE evidence_id=$1`, evidenceID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.EvidenceItem{}, models.Artifact{}, models.ErrNotFound
		}
		return models.EvidenceItem{}, models.Artifact{}, fmt.Errorf("get evidence: %w", err)
	}
	a, err := scanArtifact(tx.QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM artifact WHERE cid=$1`, e.CID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.EvidenceItem{}, models.Artifact{}, fmt.Errorf("artifact %s for evidence %s: %w", e.CID, evidenceID, models.ErrNotFound)
		}
		return models.EvidenceItem{}, models.Artifact{}, fmt.Errorf("get artifact: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return models.EvidenceItem{}, models.Artifact{}, fmt.Errorf("commit read tx: %w", err)
	}
	return e, a, nil
}

func (s *PGStore) ListCustody(ctx context.Context, evidenceID string) ([]models.CustodyEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+custodyColumns+` FROM chain_of_custody WHERE evidence_id=$1 ORDER BY sequence_no`, evidenceID)
	if err != nil {
		return nil, fmt.Errorf("list custody: %w", err)
	}
	defer rows.Close()
	var out []models.CustodyEntry
	for rows.Next() {
		c, err := scanCustody(rows)
		if err != nil {
			return nil, fmt.Errorf("scan custody: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PGStore) ListCaseEvidence(ctx context.Context, caseID string) ([]models.EvidenceItem, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+evidenceColumns+` FROM evidence_item WHERE case_id=$1 ORDER BY created_at, evidence_id`, caseID)
	if err != nil {
		return nil, fmt.Errorf("list case evidence: %w", err)
	}
	defer rows.Close()
	var out []models.EvidenceItem
	for rows.Next() {
		e, err := scanEvidence(rows)
		if err != nil {
			return nil, fmt.Errorf("scan evidence: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PGStore) CaseStats(ctx context.Context, caseID string) (CaseStats, error) {
	stats := CaseStats{CaseID: caseID, Actions: map[string]int64{}}
	const totals = `
		SELECT COUNT(*), COUNT(DISTINCT e.cid), COALESCE(SUM(a.size_bytes), 0)
		FROM evidence_item e JOIN artifact a ON a.cid = e.cid
		WHERE e.case_id=$1
	`
	if err := s.db.QueryRowContext(ctx, totals, caseID).Scan(&stats.EvidenceCount, &stats.ArtifactCount, &stats.TotalBytes); err != nil {
		return CaseStats{}, fmt.Errorf("case totals: %w", err)
	}
	const actions = `
		SELECT c.action, COUNT(*)
		FROM chain_of_custody c JOIN evidence_item e ON e.evidence_id = c.evidence_id
		WHERE e.case_id=$1
		GROUP BY c.action
	`
	rows, err := s.db.QueryContext(ctx, actions, caseID)
	if err != nil {
		return CaseStats{}, fmt.Errorf("case actions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			action string
			n      int64
		)
		if err := rows.Scan(&action, &n); err != nil {
			return CaseStats{}, fmt.Errorf("scan case actions: %w", err)
		}
		stats.Actions[action] = n
	}
	return stats, rows.Err()
}

// WithTx runs fn in a transaction, committing only if fn returns nil.
func (s *PGStore) WithTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) InsertArtifact(ctx context.Context, a models.Artifact) (bool, error) {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now()
	}
	const q = `
		INSERT INTO artifact (cid, size_bytes, storage_key, kind, bytes_hash, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (cid) DO NOTHING
	`
	res, err := t.tx.ExecContext(ctx, q, a.CID, a.SizeBytes, a.StorageKey, a.Kind, a.BytesHash, a.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert artifact: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert artifact rows: %w", err)
	}
	return n == 1, nil
}

func (t *pgTx) InsertEvidence(ctx context.Context, e models.EvidenceItem) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now()
	}
	const q = `
		INSERT INTO evidence_item (evidence_id, case_id, cid, source, file_name, legal_hold, metadata, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`
	_, err := t.tx.ExecContext(ctx, q, e.EvidenceID, e.CaseID, e.CID, e.Source, e.FileName, e.LegalHold, []byte(ensureJSON(e.Metadata, "{}")), e.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert evidence %s: %w", e.EvidenceID, models.ErrEvidenceConflict)
		}
		return fmt.Errorf("insert evidence: %w", err)
	}
	return nil
}

func (t *pgTx) LockEvidence(ctx context.Context, evidenceID string) (models.EvidenceItem, error) {
	if _, err := t.tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, evidenceID); err != nil {
		return models.EvidenceItem{}, fmt.Errorf("lock evidence: %w", err)
	}
	e, err := scanEvidence(t.tx.QueryRowContext(ctx, `SELECT `+evidenceColumns+` FROM evidence_item WHERE evidence_id=$1`, evidenceID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.EvidenceItem{}, models.ErrNotFound
		}
		return models.EvidenceItem{}, fmt.Errorf("get evidence: %w", err)
	}
	return e, nil
}

func (t *pgTx) LatestCustody(ctx context.Context, evidenceID string) (models.CustodyEntry, bool, error) {
	q := `SELECT ` + custodyColumns + ` FROM chain_of_custody WHERE evidence_id=$1 ORDER BY sequence_no DESC LIMIT 1`
	c, err := scanCustody(t.tx.QueryRowContext(ctx, q, evidenceID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.CustodyEntry{}, false, nil
		}
		return models.CustodyEntry{}, false, fmt.Errorf("latest custody: %w", err)
	}
	return c, true, nil
}

func (t *pgTx) InsertCustody(ctx context.Context, c models.CustodyEntry) error {
	const insertEntry = `
		INSERT INTO chain_of_custody (evidence_id, sequence_no, action, actor, cid, prev_hash, entry_hash, ts, note)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`
	_, err := t.tx.ExecContext(ctx, insertEntry, c.EvidenceID, c.SequenceNo, string(c.Action), c.Actor, c.CID, c.PrevHash, c.EntryHash, c.Timestamp, c.Note)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert custody %s#%d: %w", c.EvidenceID, c.SequenceNo, models.ErrSequenceConflict)
		}
		return fmt.Errorf("insert custody: %w", err)
	}
	const insertOutbox = `INSERT INTO custody_outbox (evidence_id, sequence_no) VALUES ($1,$2)`
	if _, err := t.tx.ExecContext(ctx, insertOutbox, c.EvidenceID, c.SequenceNo); err != nil {
		return fmt.Errorf("insert custody outbox: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateEvidenceMetadata(ctx context.Context, evidenceID string, metadata json.RawMessage) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE evidence_item SET metadata=$2 WHERE evidence_id=$1`, evidenceID, []byte(ensureJSON(metadata, "{}")))
	if err != nil {
		return fmt.Errorf("update evidence metadata: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update evidence metadata rows: %w", err)
	}
	if n == 0 {
		return models.ErrNotFound
	}
	return nil
}

// ClaimPendingCustody selects outbox rows with FOR UPDATE SKIP LOCKED so
// several streamers can share the queue. A row whose predecessor is not yet
// complete is never claimed, which keeps delivery per item in sequence order
// across processes. Claims older than lease are taken over.
func (s *PGStore) ClaimPendingCustody(ctx context.Context, limit int, lease time.Duration) ([]models.CustodyEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	const claim = `
		WITH claimed AS (
			SELECT o.evidence_id, o.sequence_no FROM custody_outbox o
			WHERE o.attempts < $2
			  AND (o.stream_status IN ('pending', 'failed')
			       OR (o.stream_status = 'in_progress' AND o.updated_at < NOW() - make_interval(secs => $3)))
			  AND NOT EXISTS (
			      SELECT 1 FROM custody_outbox p
			      WHERE p.evidence_id = o.evidence_id
			        AND p.sequence_no < o.sequence_no
			        AND p.stream_status <> 'complete')
			ORDER BY o.created_at, o.evidence_id, o.sequence_no
			FOR UPDATE OF o SKIP LOCKED
			LIMIT $1
		)
		UPDATE custody_outbox o
		SET stream_status='in_progress', attempts=o.attempts+1, updated_at=NOW()
		FROM claimed
		WHERE o.evidence_id = claimed.evidence_id AND o.sequence_no = claimed.sequence_no
		RETURNING o.evidence_id, o.sequence_no
	`
	rows, err := tx.QueryContext(ctx, claim, limit, MaxStreamAttempts, lease.Seconds())
	if err != nil {
		return nil, fmt.Errorf("claim outbox: %w", err)
	}
	type key struct {
		id  string
		seq int64
	}
	var keys []key
	for rows.Next() {
		var k key
		if err := rows.Scan(&k.id, &k.seq); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		keys = append(keys, k)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim outbox: %w", err)
	}

	out := make([]models.CustodyEntry, 0, len(keys))
	for _, k := range keys {
		q := `SELECT ` + custodyColumns + ` FROM chain_of_custody WHERE evidence_id=$1 AND sequence_no=$2`
		c, err := scanCustody(tx.QueryRowContext(ctx, q, k.id, k.seq))
		if err != nil {
			return nil, fmt.Errorf("load claimed custody %s#%d: %w", k.id, k.seq, err)
		}
		out = append(out, c)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	sortCustody(out)
	return out, nil
}

func (s *PGStore) MarkCustodyStreamResult(ctx context.Context, evidenceID string, sequenceNo int64, archiveKey string, success bool, errMsg string) error {
	status := models.StreamComplete
	if !success {
		status = models.StreamFailed
	}
	const q = `
		UPDATE custody_outbox
		SET stream_status=$3, archive_key=NULLIF($4, ''), last_error=NULLIF($5, ''), updated_at=NOW()
		WHERE evidence_id=$1 AND sequence_no=$2
	`
	res, err := s.db.ExecContext(ctx, q, evidenceID, sequenceNo, status, archiveKey, errMsg)
	if err != nil {
		return fmt.Errorf("mark custody stream result: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark custody stream result rows: %w", err)
	}
	if n == 0 {
		return models.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
