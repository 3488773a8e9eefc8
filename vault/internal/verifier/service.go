// Package verifier serves evidence records read-only and re-checks the stored
// bytes against their CID on every read. Its only write path is the custody
// ledger, which records each access.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/casevault/evidence/vault/internal/blob"
	"github.com/casevault/evidence/vault/internal/cid"
	"github.com/casevault/evidence/vault/internal/custody"
	"github.com/casevault/evidence/vault/internal/metrics"
	"github.com/casevault/evidence/vault/internal/models"
	"github.com/casevault/evidence/vault/internal/store"
)

// Integrity statuses.
const (
	StatusIntact      = "intact"
	StatusCompromised = "compromised"
)

// Case sweep outcomes.
const (
	Synchronized  = "SYNCHRONIZED"
	DriftDetected = "DRIFT_DETECTED"
)

type Integrity struct {
	Status      string    `json:"status"`
	ExpectedCID string    `json:"expectedCid"`
	ActualCID   string    `json:"actualCid,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	CheckedAt   time.Time `json:"checkedAt"`
}

// Record is what a read returns. A compromised record is still returned so
// the caller can decide how far to trust it.
type Record struct {
	Evidence  models.EvidenceItem `json:"evidence"`
	Artifact  models.Artifact     `json:"artifact"`
	Integrity Integrity           `json:"integrity"`
}

type Audit struct {
	EvidenceID   string                `json:"evidenceId"`
	Entries      []models.CustodyEntry `json:"entries"`
	Verification custody.Verification  `json:"verification"`
}

type SweepReport struct {
	CaseID      string    `json:"caseId"`
	Status      string    `json:"status"`
	Checked     int       `json:"checked"`
	Compromised []string  `json:"compromised"`
	Broken      []string  `json:"brokenChains"`
	CheckedAt   time.Time `json:"checkedAt"`
}

type Config struct {
	Reader  store.Reader
	Blobs   blob.Getter
	Ledger  *custody.Ledger
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	// SweepConcurrency bounds parallel reads during SweepCase.
	SweepConcurrency int
}

type Service struct {
	reader  store.Reader
	blobs   blob.Getter
	ledger  *custody.Ledger
	log     *zap.Logger
	metrics *metrics.Metrics
	sweep   int
	now     func() time.Time
}

func New(cfg Config) (*Service, error) {
	if cfg.Reader == nil || cfg.Blobs == nil || cfg.Ledger == nil {
		return nil, fmt.Errorf("verifier requires reader, blobs and ledger")
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	sweep := cfg.SweepConcurrency
	if sweep <= 0 {
		sweep = 4
	}
	return &Service{
		reader:  cfg.Reader,
		blobs:   cfg.Blobs,
		ledger:  cfg.Ledger,
		log:     log.Named("verifier"),
		metrics: cfg.Metrics,
		sweep:   sweep,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// Read returns the record for evidenceID after re-hashing its blob. Every
// read of an existing item appends an ACCESS entry, compromised or not. A
// mismatched or missing blob yields the flagged record together with
// ErrIntegrityViolation.
func (s *Service) Read(ctx context.Context, evidenceID, actor string) (Record, error) {
	item, artifact, err := s.reader.GetEvidenceWithArtifact(ctx, evidenceID)
	if err != nil {
		return Record{}, fmt.Errorf("read %s: %w", evidenceID, err)
	}
	rec := Record{Evidence: item, Artifact: artifact}
	rec.Integrity = s.check(ctx, item, artifact)
	s.metrics.IntegrityChecked(rec.Integrity.Status)

	if _, err := s.ledger.Append(ctx, evidenceID, models.ActionAccess, actor, ""); err != nil {
		return rec, fmt.Errorf("record access to %s: %w", evidenceID, err)
	}

	if rec.Integrity.Status == StatusCompromised {
		s.log.Error("integrity violation",
			zap.String("evidence_id", evidenceID),
			zap.String("expected_cid", rec.Integrity.ExpectedCID),
			zap.String("actual_cid", rec.Integrity.ActualCID),
			zap.String("reason", rec.Integrity.Reason))
		return rec, fmt.Errorf("read %s: %s: %w", evidenceID, rec.Integrity.Reason, models.ErrIntegrityViolation)
	}
	return rec, nil
}

func (s *Service) check(ctx context.Context, item models.EvidenceItem, artifact models.Artifact) Integrity {
	result := Integrity{Status: StatusCompromised, ExpectedCID: item.CID, CheckedAt: s.now()}
	rc, err := s.blobs.Get(ctx, artifact.StorageKey)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			result.Reason = "blob missing"
		} else {
			result.Reason = "blob unreadable: " + err.Error()
		}
		return result
	}
	defer rc.Close()

	actual, _, err := cid.FromReader(rc)
	if err != nil {
		result.Reason = "blob unreadable: " + err.Error()
		return result
	}
	result.ActualCID = actual
	if actual != item.CID {
		result.Reason = "content hash mismatch"
		return result
	}
	result.Status = StatusIntact
	return result
}

// Audit returns the chain of evidenceID with its verification result and
// records the audit itself as an ACCESS entry.
func (s *Service) Audit(ctx context.Context, evidenceID, actor string) (Audit, error) {
	if _, err := s.reader.GetEvidence(ctx, evidenceID); err != nil {
		return Audit{}, fmt.Errorf("audit %s: %w", evidenceID, err)
	}
	if _, err := s.ledger.Append(ctx, evidenceID, models.ActionAccess, actor, "audit"); err != nil {
		return Audit{}, fmt.Errorf("record access to %s: %w", evidenceID, err)
	}
	entries, err := s.ledger.Entries(ctx, evidenceID)
	if err != nil {
		return Audit{}, err
	}
	v := custody.VerifyEntries(evidenceID, entries)
	s.metrics.LedgerVerified(v.OK)
	return Audit{EvidenceID: evidenceID, Entries: entries, Verification: v}, nil
}

// SweepCase reads and verifies every item of caseID. Items whose bytes or
// chain fail the check are listed and the report is marked DRIFT_DETECTED.
func (s *Service) SweepCase(ctx context.Context, caseID, actor string) (SweepReport, error) {
	items, err := s.reader.ListCaseEvidence(ctx, caseID)
	if err != nil {
		return SweepReport{}, fmt.Errorf("sweep %s: %w", caseID, err)
	}
	report := SweepReport{CaseID: caseID, Checked: len(items), Compromised: []string{}, Broken: []string{}}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.sweep)
	for _, item := range items {
		id := item.EvidenceID
		g.Go(func() error {
			_, err := s.Read(gctx, id, actor)
			switch {
			case errors.Is(err, models.ErrIntegrityViolation):
				mu.Lock()
				report.Compromised = append(report.Compromised, id)
				mu.Unlock()
			case err != nil:
				return err
			}
			v, err := s.ledger.Verify(gctx, id)
			if err != nil {
				return err
			}
			if !v.OK {
				mu.Lock()
				report.Broken = append(report.Broken, id)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return SweepReport{}, fmt.Errorf("sweep %s: %w", caseID, err)
	}

	sort.Strings(report.Compromised)
	sort.Strings(report.Broken)
	report.Status = Synchronized
	if len(report.Compromised) > 0 || len(report.Broken) > 0 {
		report.Status = DriftDetected
		s.log.Warn("case drift detected",
			zap.String("case_id", caseID),
			zap.Strings("compromised", report.Compromised),
			zap.Strings("broken_chains", report.Broken))
	}
	report.CheckedAt = s.now()
	return report, nil
}

// CaseReport summarises the holdings of caseID.
func (s *Service) CaseReport(ctx context.Context, caseID string) (store.CaseStats, error) {
	if strings.TrimSpace(caseID) == "" {
		return store.CaseStats{}, fmt.Errorf("case id required")
	}
	stats, err := s.reader.CaseStats(ctx, caseID)
	if err != nil {
		return store.CaseStats{}, fmt.Errorf("case report %s: %w", caseID, err)
	}
	return stats, nil
}

// Ping checks the metadata store.
func (s *Service) Ping(ctx context.Context) error {
	return s.reader.Ping(ctx)
}
