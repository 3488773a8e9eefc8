package registrar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/casevault/evidence/vault/internal/blob"
	"github.com/casevault/evidence/vault/internal/canonical"
	"github.com/casevault/evidence/vault/internal/cid"
	"github.com/casevault/evidence/vault/internal/models"
	"github.com/casevault/evidence/vault/internal/store"
)

// Annotate merges patch's top-level keys into the evidence metadata. The
// CID and evidence id are never touched.
func (r *Registrar) Annotate(ctx context.Context, evidenceID string, patch json.RawMessage) (models.EvidenceItem, error) {
	var updated models.EvidenceItem
	err := r.store.WithTx(ctx, func(tx store.Tx) error {
		item, err := tx.LockEvidence(ctx, evidenceID)
		if err != nil {
			return err
		}
		merged, err := canonical.Merge(item.Metadata, patch)
		if err != nil {
			return fmt.Errorf("merge metadata: %w", err)
		}
		if err := tx.UpdateEvidenceMetadata(ctx, evidenceID, merged); err != nil {
			return err
		}
		item.Metadata = merged
		updated = item
		return nil
	})
	if err != nil {
		return models.EvidenceItem{}, fmt.Errorf("annotate %s: %w", evidenceID, err)
	}
	r.log.Info("evidence annotated", zap.String("evidence_id", evidenceID))
	return updated, nil
}

// Transfer records a hand-over of custody from one party to another.
func (r *Registrar) Transfer(ctx context.Context, evidenceID, from, to string) (models.CustodyEntry, error) {
	if strings.TrimSpace(to) == "" {
		return models.CustodyEntry{}, fmt.Errorf("transfer recipient required")
	}
	entry, err := r.ledger.Append(ctx, evidenceID, models.ActionTransfer, from, to)
	if err != nil {
		return models.CustodyEntry{}, fmt.Errorf("transfer %s: %w", evidenceID, err)
	}
	r.log.Info("custody transferred", zap.String("evidence_id", evidenceID), zap.String("from", from), zap.String("to", to))
	return entry, nil
}

// Export copies the evidence bytes to w after checking them against the
// stored CID, then records an EXPORT entry. Bytes that fail the check are
// never written and no entry is recorded.
func (r *Registrar) Export(ctx context.Context, evidenceID, actor string, w io.Writer) (models.CustodyEntry, int64, error) {
	item, artifact, err := r.store.GetEvidenceWithArtifact(ctx, evidenceID)
	if err != nil {
		return models.CustodyEntry{}, 0, fmt.Errorf("export %s: %w", evidenceID, err)
	}

	rc, err := r.blobs.Get(ctx, artifact.StorageKey)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return models.CustodyEntry{}, 0, fmt.Errorf("export %s: blob missing: %w", evidenceID, models.ErrIntegrityViolation)
		}
		return models.CustodyEntry{}, 0, fmt.Errorf("export %s: %w", evidenceID, err)
	}
	defer rc.Close()

	spool, err := os.CreateTemp("", "evidence-export-*")
	if err != nil {
		return models.CustodyEntry{}, 0, fmt.Errorf("export %s: spool: %w", evidenceID, err)
	}
	defer os.Remove(spool.Name())
	defer spool.Close()

	got, _, err := cid.FromReader(io.TeeReader(rc, spool))
	if err != nil {
		return models.CustodyEntry{}, 0, fmt.Errorf("export %s: read blob: %w", evidenceID, err)
	}
	if got != item.CID {
		r.metrics.IntegrityChecked("compromised")
		r.log.Error("export integrity violation", zap.String("evidence_id", evidenceID), zap.String("expected", item.CID), zap.String("actual", got))
		return models.CustodyEntry{}, 0, fmt.Errorf("export %s: content hashes to %s, expected %s: %w", evidenceID, got, item.CID, models.ErrIntegrityViolation)
	}
	r.metrics.IntegrityChecked("verified")

	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return models.CustodyEntry{}, 0, fmt.Errorf("export %s: rewind spool: %w", evidenceID, err)
	}
	n, err := io.Copy(w, spool)
	if err != nil {
		return models.CustodyEntry{}, n, fmt.Errorf("export %s: write: %w", evidenceID, err)
	}

	entry, err := r.ledger.Append(ctx, evidenceID, models.ActionExport, actor, "")
	if err != nil {
		return models.CustodyEntry{}, n, fmt.Errorf("export %s: %w", evidenceID, err)
	}
	return entry, n, nil
}

// IngestFile opens path and ingests it under its base name.
func (r *Registrar) IngestFile(ctx context.Context, path string, req IngestRequest) (IngestResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return IngestResult{}, fmt.Errorf("open %s: %v: %w", path, err, models.ErrContentUnreadable)
	}
	defer f.Close()
	req.Content = f
	if req.FileName == "" {
		req.FileName = filepath.Base(path)
	}
	return r.Ingest(ctx, req)
}
