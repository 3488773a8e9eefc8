// Package custody maintains the per-evidence hash-chained custody ledger and
// streams new entries to Kafka and an S3 archive.
package custody

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/casevault/evidence/vault/internal/metrics"
	"github.com/casevault/evidence/vault/internal/models"
	"github.com/casevault/evidence/vault/internal/store"
)

// Store is what the ledger needs from the metadata store.
type Store interface {
	WithTx(ctx context.Context, fn func(store.Tx) error) error
	ListCustody(ctx context.Context, evidenceID string) ([]models.CustodyEntry, error)
}

// Ledger appends and verifies custody entries.
type Ledger struct {
	store   Store
	locker  Locker
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

type Option func(*Ledger)

func WithLocker(l Locker) Option { return func(x *Ledger) { x.locker = l } }

func WithLogger(l *zap.Logger) Option { return func(x *Ledger) { x.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(x *Ledger) { x.metrics = m } }

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option { return func(x *Ledger) { x.now = now } }

func NewLedger(s Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:  s,
		locker: NewKeyedMutex(),
		log:    zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.log = l.log.Named("custody")
	return l
}

const appendAttempts = 3

// Append records one custody event for evidenceID. Appends for the same id
// are serialised; the store's (evidence_id, sequence_no) uniqueness is the
// last guard and a lost race is retried.
func (l *Ledger) Append(ctx context.Context, evidenceID string, action models.Action, actor, note string) (models.CustodyEntry, error) {
	unlock, err := l.locker.Lock(ctx, evidenceID)
	if err != nil {
		return models.CustodyEntry{}, fmt.Errorf("lock custody chain: %w", err)
	}
	defer unlock()

	var entry models.CustodyEntry
	for attempt := 1; attempt <= appendAttempts; attempt++ {
		err = l.store.WithTx(ctx, func(tx store.Tx) error {
			var txErr error
			entry, txErr = l.AppendTx(ctx, tx, evidenceID, action, actor, note)
			return txErr
		})
		if !errors.Is(err, models.ErrSequenceConflict) {
			break
		}
		l.log.Warn("custody sequence conflict, retrying", zap.String("evidence_id", evidenceID), zap.Int("attempt", attempt))
	}
	if err != nil {
		return models.CustodyEntry{}, err
	}
	l.metrics.CustodyAppended(string(action))
	l.log.Debug("custody entry appended",
		zap.String("evidence_id", evidenceID),
		zap.Int64("sequence_no", entry.SequenceNo),
		zap.String("action", string(action)),
		zap.String("actor", actor))
	return entry, nil
}

// AppendTx appends within the caller's transaction. The caller is
// responsible for committing and for counting the append once committed.
func (l *Ledger) AppendTx(ctx context.Context, tx store.Tx, evidenceID string, action models.Action, actor, note string) (models.CustodyEntry, error) {
	if !action.Valid() {
		return models.CustodyEntry{}, fmt.Errorf("append custody: unknown action %q", action)
	}
	if strings.TrimSpace(actor) == "" {
		return models.CustodyEntry{}, fmt.Errorf("append custody: actor required")
	}
	item, err := tx.LockEvidence(ctx, evidenceID)
	if err != nil {
		return models.CustodyEntry{}, fmt.Errorf("append custody %s: %w", evidenceID, err)
	}
	latest, ok, err := tx.LatestCustody(ctx, evidenceID)
	if err != nil {
		return models.CustodyEntry{}, fmt.Errorf("append custody %s: %w", evidenceID, err)
	}

	entry := models.CustodyEntry{
		SequenceNo: 1,
		EvidenceID: evidenceID,
		Action:     action,
		Actor:      actor,
		CID:        item.CID,
		PrevHash:   GenesisPrevHash,
		Timestamp:  l.now().UTC().Truncate(time.Microsecond),
		Note:       note,
	}
	if ok {
		entry.SequenceNo = latest.SequenceNo + 1
		entry.PrevHash = latest.EntryHash
		if entry.Timestamp.Before(latest.Timestamp) {
			entry.Timestamp = latest.Timestamp
		}
	}
	entry.EntryHash = ComputeEntryHash(entry)

	if err := tx.InsertCustody(ctx, entry); err != nil {
		return models.CustodyEntry{}, err
	}
	return entry, nil
}

// Entries returns the chain of evidenceID in sequence order.
func (l *Ledger) Entries(ctx context.Context, evidenceID string) ([]models.CustodyEntry, error) {
	entries, err := l.store.ListCustody(ctx, evidenceID)
	if err != nil {
		return nil, fmt.Errorf("list custody %s: %w", evidenceID, err)
	}
	return entries, nil
}

// Verify walks the chain of evidenceID. A broken chain is reported in the
// returned Verification, not as an error; see Verification.Err.
func (l *Ledger) Verify(ctx context.Context, evidenceID string) (Verification, error) {
	entries, err := l.Entries(ctx, evidenceID)
	if err != nil {
		return Verification{}, err
	}
	v := VerifyEntries(evidenceID, entries)
	l.metrics.LedgerVerified(v.OK)
	if !v.OK {
		l.log.Warn("custody chain broken",
			zap.String("evidence_id", evidenceID),
			zap.Int64("broken_at", v.BrokenAt),
			zap.String("reason", v.Reason))
	}
	return v, nil
}
