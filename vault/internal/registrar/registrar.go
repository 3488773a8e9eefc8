// Package registrar is the only writer of evidence records. It addresses
// content, stores bytes once per CID, obtains identifiers from the identity
// authority and records the INGEST custody entry in the same transaction as
// the evidence row.
package registrar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/casevault/evidence/vault/internal/blob"
	"github.com/casevault/evidence/vault/internal/canonical"
	"github.com/casevault/evidence/vault/internal/cid"
	"github.com/casevault/evidence/vault/internal/custody"
	"github.com/casevault/evidence/vault/internal/identity"
	"github.com/casevault/evidence/vault/internal/metrics"
	"github.com/casevault/evidence/vault/internal/models"
	"github.com/casevault/evidence/vault/internal/store"
)

type Config struct {
	Store   store.Store
	Blobs   blob.Store
	Minter  identity.Minter
	Ledger  *custody.Ledger
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	// IdentityDomain and IdentitySubtype are sent with every mint request.
	IdentityDomain  string
	IdentitySubtype string
}

type Registrar struct {
	store   store.Store
	blobs   blob.Store
	minter  identity.Minter
	ledger  *custody.Ledger
	log     *zap.Logger
	metrics *metrics.Metrics
	domain  string
	subtype string
}

func New(cfg Config) (*Registrar, error) {
	if cfg.Store == nil || cfg.Blobs == nil || cfg.Minter == nil || cfg.Ledger == nil {
		return nil, fmt.Errorf("registrar requires store, blobs, minter and ledger")
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	domain := cfg.IdentityDomain
	if domain == "" {
		domain = "evidence"
	}
	subtype := cfg.IdentitySubtype
	if subtype == "" {
		subtype = "THING"
	}
	return &Registrar{
		store:   cfg.Store,
		blobs:   cfg.Blobs,
		minter:  cfg.Minter,
		ledger:  cfg.Ledger,
		log:     log.Named("registrar"),
		metrics: cfg.Metrics,
		domain:  domain,
		subtype: subtype,
	}, nil
}

type IngestRequest struct {
	Content  io.ReadSeeker
	FileName string
	CaseID   string
	Source   string
	Actor    string
	// EvidenceID is set when retrying with an identifier the authority
	// already issued; otherwise a new one is minted.
	EvidenceID string
	Metadata   json.RawMessage
}

type IngestResult struct {
	Evidence models.EvidenceItem
	Artifact models.Artifact
	Entry    models.CustodyEntry
	// Deduplicated is true when the bytes were already stored.
	Deduplicated bool
	// Existing is true when EvidenceID was already registered for the same
	// content and nothing new was written.
	Existing bool
}

// Ingest registers one file. No evidence row is written unless the blob is
// stored, an identifier was issued and the INGEST entry is recorded.
func (r *Registrar) Ingest(ctx context.Context, req IngestRequest) (IngestResult, error) {
	res, err := r.ingest(ctx, req)
	r.metrics.IngestOutcome(outcome(res, err))
	if err != nil {
		r.log.Warn("ingest failed", zap.String("case_id", req.CaseID), zap.String("file", req.FileName), zap.Error(err))
		return IngestResult{}, err
	}
	r.log.Info("evidence ingested",
		zap.String("evidence_id", res.Evidence.EvidenceID),
		zap.String("case_id", res.Evidence.CaseID),
		zap.String("cid", res.Artifact.CID),
		zap.Bool("deduplicated", res.Deduplicated),
		zap.Bool("existing", res.Existing))
	return res, nil
}

func (r *Registrar) ingest(ctx context.Context, req IngestRequest) (IngestResult, error) {
	if strings.TrimSpace(req.CaseID) == "" {
		return IngestResult{}, fmt.Errorf("case id required")
	}
	if strings.TrimSpace(req.Actor) == "" {
		return IngestResult{}, fmt.Errorf("actor required")
	}
	if req.Content == nil {
		return IngestResult{}, fmt.Errorf("no content: %w", models.ErrContentUnreadable)
	}
	metadata, err := canonical.Object(req.Metadata)
	if err != nil {
		return IngestResult{}, fmt.Errorf("metadata: %w", err)
	}

	contentID, size, kind, err := address(req.Content)
	if err != nil {
		return IngestResult{}, err
	}

	evidenceID := req.EvidenceID
	if evidenceID != "" {
		existing, err := r.store.GetEvidence(ctx, evidenceID)
		switch {
		case err == nil:
			return r.existing(ctx, existing, req.CaseID, contentID)
		case !errors.Is(err, models.ErrNotFound):
			return IngestResult{}, fmt.Errorf("look up evidence %s: %v: %w", evidenceID, err, models.ErrStorageWriteFailed)
		}
	}

	artifact, dedup, err := r.ensureBlob(ctx, req, contentID, size, kind)
	if err != nil {
		return IngestResult{}, err
	}

	if evidenceID == "" {
		evidenceID, err = r.mint(ctx, req, contentID)
		if err != nil {
			return IngestResult{}, err
		}
	}

	item := models.EvidenceItem{
		EvidenceID: evidenceID,
		CaseID:     req.CaseID,
		CID:        contentID,
		Source:     req.Source,
		FileName:   req.FileName,
		LegalHold:  true,
		Metadata:   metadata,
	}
	var entry models.CustodyEntry
	err = r.store.WithTx(ctx, func(tx store.Tx) error {
		if _, err := tx.InsertArtifact(ctx, artifact); err != nil {
			return err
		}
		if err := tx.InsertEvidence(ctx, item); err != nil {
			return err
		}
		var err error
		entry, err = r.ledger.AppendTx(ctx, tx, evidenceID, models.ActionIngest, req.Actor, "")
		return err
	})
	if err != nil {
		if errors.Is(err, models.ErrEvidenceConflict) {
			return IngestResult{}, err
		}
		return IngestResult{}, fmt.Errorf("record evidence %s: %v: %w", evidenceID, err, models.ErrStorageWriteFailed)
	}
	r.metrics.CustodyAppended(string(models.ActionIngest))
	if dedup {
		r.metrics.DedupHit()
	}

	item, stored, err := r.store.GetEvidenceWithArtifact(ctx, evidenceID)
	if err != nil {
		return IngestResult{}, fmt.Errorf("reload evidence %s: %w", evidenceID, err)
	}
	return IngestResult{Evidence: item, Artifact: stored, Entry: entry, Deduplicated: dedup}, nil
}

// address computes the CID, size and detected media type, leaving the
// reader rewound.
func address(content io.ReadSeeker) (string, int64, string, error) {
	if _, err := content.Seek(0, io.SeekStart); err != nil {
		return "", 0, "", fmt.Errorf("rewind content: %v: %w", err, models.ErrContentUnreadable)
	}
	contentID, size, err := cid.FromReader(content)
	if err != nil {
		return "", 0, "", err
	}
	if _, err := content.Seek(0, io.SeekStart); err != nil {
		return "", 0, "", fmt.Errorf("rewind content: %v: %w", err, models.ErrContentUnreadable)
	}
	mt, err := mimetype.DetectReader(content)
	if err != nil {
		return "", 0, "", fmt.Errorf("detect content type: %v: %w", err, models.ErrContentUnreadable)
	}
	if _, err := content.Seek(0, io.SeekStart); err != nil {
		return "", 0, "", fmt.Errorf("rewind content: %v: %w", err, models.ErrContentUnreadable)
	}
	return contentID, size, mt.String(), nil
}

// ensureBlob returns the artifact record for contentID, uploading the bytes
// if no artifact with that CID exists yet.
func (r *Registrar) ensureBlob(ctx context.Context, req IngestRequest, contentID string, size int64, kind string) (models.Artifact, bool, error) {
	existing, err := r.store.GetArtifact(ctx, contentID)
	if err == nil {
		return existing, true, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return models.Artifact{}, false, fmt.Errorf("look up artifact: %v: %w", err, models.ErrStorageWriteFailed)
	}

	key := blob.Key(req.CaseID, contentID)
	present, err := r.blobs.Exists(ctx, key)
	if err != nil {
		return models.Artifact{}, false, fmt.Errorf("check blob %s: %v: %w", key, err, models.ErrStorageWriteFailed)
	}
	if !present {
		if err := r.blobs.Put(ctx, key, req.Content, size, kind); err != nil {
			return models.Artifact{}, false, fmt.Errorf("upload blob %s: %v: %w", key, err, models.ErrStorageWriteFailed)
		}
	}
	return models.Artifact{
		CID:        contentID,
		SizeBytes:  size,
		StorageKey: key,
		Kind:       kind,
		BytesHash:  contentID,
	}, false, nil
}

func (r *Registrar) mint(ctx context.Context, req IngestRequest, contentID string) (string, error) {
	id, err := r.minter.Mint(ctx, identity.MintRequest{
		Domain:  r.domain,
		Subtype: r.subtype,
		Metadata: map[string]any{
			"caseId":   req.CaseID,
			"cid":      contentID,
			"fileName": req.FileName,
			"source":   req.Source,
		},
	})
	if err != nil {
		if errors.Is(err, models.ErrIdentityUnavailable) {
			return "", err
		}
		return "", fmt.Errorf("mint evidence id: %v: %w", err, models.ErrIdentityUnavailable)
	}
	if strings.TrimSpace(id) == "" {
		return "", fmt.Errorf("mint evidence id: empty identifier: %w", models.ErrIdentityUnavailable)
	}
	return id, nil
}

// existing resolves a retry with a supplied evidence id. Only the same bytes
// under the same case count as the same registration.
func (r *Registrar) existing(ctx context.Context, item models.EvidenceItem, caseID, contentID string) (IngestResult, error) {
	if item.CID != contentID {
		return IngestResult{}, fmt.Errorf("evidence %s holds %s, not %s: %w", item.EvidenceID, item.CID, contentID, models.ErrEvidenceConflict)
	}
	if item.CaseID != caseID {
		return IngestResult{}, fmt.Errorf("evidence %s belongs to case %s, not %s: %w", item.EvidenceID, item.CaseID, caseID, models.ErrEvidenceConflict)
	}
	id := item.EvidenceID
	item, artifact, err := r.store.GetEvidenceWithArtifact(ctx, id)
	if err != nil {
		return IngestResult{}, fmt.Errorf("reload evidence %s: %w", id, err)
	}
	res := IngestResult{Evidence: item, Artifact: artifact, Deduplicated: true, Existing: true}
	entries, err := r.ledger.Entries(ctx, id)
	if err != nil {
		return IngestResult{}, err
	}
	if len(entries) > 0 {
		res.Entry = entries[0]
	}
	return res, nil
}

func outcome(res IngestResult, err error) string {
	switch {
	case err == nil && res.Existing:
		return "existing"
	case err == nil && res.Deduplicated:
		return "deduplicated"
	case err == nil:
		return "stored"
	case errors.Is(err, models.ErrContentUnreadable):
		return "content_unreadable"
	case errors.Is(err, models.ErrIdentityUnavailable):
		return "identity_unavailable"
	case errors.Is(err, models.ErrEvidenceConflict):
		return "conflict"
	case errors.Is(err, models.ErrStorageWriteFailed):
		return "storage_write_failed"
	default:
		return "error"
	}
}
