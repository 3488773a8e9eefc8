package custody

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/casevault/evidence/vault/internal/canonical"
	"github.com/casevault/evidence/vault/internal/metrics"
	"github.com/casevault/evidence/vault/internal/models"
	"github.com/casevault/evidence/vault/internal/store"
)

type StreamerConfig struct {
	// BatchSize is how many outbox rows are claimed per poll.
	BatchSize    int
	PollInterval time.Duration
	// MaxConcurrency bounds how many evidence items are streamed at once.
	// Entries of one item are always delivered in sequence order.
	MaxConcurrency int
	// EntryTimeout bounds produce+archive for a single entry.
	EntryTimeout time.Duration
	// ClaimLease is how long a claimed row stays with this streamer before
	// another one may take it over. It must outlast a whole batch.
	ClaimLease time.Duration
}

// markTimeout bounds recording a result after the run context is gone.
const markTimeout = 5 * time.Second

// Streamer drains the custody outbox: for each claimed entry it produces the
// canonical envelope to Kafka, archives it, and records the result so the
// database stays the source of truth for retries. Custody rows themselves
// are never modified.
type Streamer struct {
	outbox   store.Outbox
	producer Producer
	archiver Archiver
	cfg      StreamerConfig
	log      *zap.Logger
	metrics  *metrics.Metrics
}

func NewStreamer(outbox store.Outbox, producer Producer, archiver Archiver, cfg StreamerConfig, log *zap.Logger, m *metrics.Metrics) (*Streamer, error) {
	if producer == nil && archiver == nil {
		return nil, fmt.Errorf("streamer needs a producer or an archiver")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 5
	}
	if cfg.EntryTimeout <= 0 {
		cfg.EntryTimeout = 30 * time.Second
	}
	if cfg.ClaimLease <= 0 {
		waves := (cfg.BatchSize + cfg.MaxConcurrency - 1) / cfg.MaxConcurrency
		cfg.ClaimLease = time.Duration(waves+1)*cfg.EntryTimeout + markTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Streamer{
		outbox:   outbox,
		producer: producer,
		archiver: archiver,
		cfg:      cfg,
		log:      log.Named("custody.streamer"),
		metrics:  m,
	}, nil
}

// Run polls until ctx is cancelled.
func (s *Streamer) Run(ctx context.Context) error {
	s.log.Info("starting", zap.Int("batch", s.cfg.BatchSize), zap.Int("concurrency", s.cfg.MaxConcurrency))
	defer s.log.Info("stopped")
	defer func() {
		if s.producer != nil {
			_ = s.producer.Close()
		}
	}()

	for {
		n, err := s.RunOnce(ctx)
		if err != nil {
			s.log.Error("stream batch", zap.Error(err))
		}
		if n > 0 && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.PollInterval):
		}
	}
}

// RunOnce claims and processes one batch and returns how many entries were
// claimed. Per-entry failures are recorded in the outbox, not returned.
func (s *Streamer) RunOnce(ctx context.Context) (int, error) {
	entries, err := s.outbox.ClaimPendingCustody(ctx, s.cfg.BatchSize, s.cfg.ClaimLease)
	if err != nil {
		return 0, fmt.Errorf("claim pending custody: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	// Claimed entries arrive sorted by evidence id then sequence. The outbox
	// hands out one entry per item, but a group keeps order if it does not.
	var groups [][]models.CustodyEntry
	for i, e := range entries {
		if i == 0 || e.EvidenceID != entries[i-1].EvidenceID {
			groups = append(groups, nil)
		}
		groups[len(groups)-1] = append(groups[len(groups)-1], e)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxConcurrency)
	for _, group := range groups {
		g.Go(func() error {
			for i, e := range group {
				if err := s.processEntry(gctx, e); err != nil {
					s.log.Warn("stream entry failed",
						zap.String("evidence_id", e.EvidenceID),
						zap.Int64("sequence_no", e.SequenceNo),
						zap.Error(err))
					// Later entries of the item wait for the retry.
					for _, rest := range group[i+1:] {
						s.markFailed(ctx, rest, "preceding entry not streamed")
					}
					return nil
				}
			}
			return nil
		})
	}
	return len(entries), g.Wait()
}

// Envelope is the canonical JSON published for one custody entry.
func Envelope(e models.CustodyEntry) ([]byte, error) {
	return canonical.Marshal(map[string]any{
		"evidenceId": e.EvidenceID,
		"sequenceNo": e.SequenceNo,
		"action":     string(e.Action),
		"actor":      e.Actor,
		"cid":        e.CID,
		"prevHash":   e.PrevHash,
		"entryHash":  e.EntryHash,
		"timestamp":  CanonicalTimestamp(e.Timestamp),
		"note":       e.Note,
	})
}

func (s *Streamer) processEntry(parent context.Context, e models.CustodyEntry) error {
	ctx, cancel := context.WithTimeout(parent, s.cfg.EntryTimeout)
	defer cancel()

	envelope, err := Envelope(e)
	if err != nil {
		s.markFailed(parent, e, fmt.Sprintf("canonicalize envelope: %v", err))
		return fmt.Errorf("canonicalize envelope: %w", err)
	}

	if s.producer != nil {
		if _, err := s.producer.Produce(ctx, []byte(e.EvidenceID), envelope); err != nil {
			s.markFailed(parent, e, fmt.Sprintf("kafka produce: %v", err))
			return fmt.Errorf("kafka produce: %w", err)
		}
	}

	var archiveKey string
	if s.archiver != nil {
		archiveKey, err = s.archiver.Archive(ctx, e, envelope)
		if err != nil {
			s.markFailed(parent, e, fmt.Sprintf("archive: %v", err))
			return fmt.Errorf("archive: %w", err)
		}
	}

	mctx, mcancel := detached(parent)
	defer mcancel()
	if err := s.outbox.MarkCustodyStreamResult(mctx, e.EvidenceID, e.SequenceNo, archiveKey, true, ""); err != nil {
		s.metrics.Streamed("error")
		return fmt.Errorf("mark custody stream success: %w", err)
	}
	s.metrics.Streamed("ok")
	s.log.Debug("entry streamed",
		zap.String("evidence_id", e.EvidenceID),
		zap.Int64("sequence_no", e.SequenceNo),
		zap.String("archive_key", archiveKey))
	return nil
}

// markFailed records the failure even when parent is already cancelled, so
// the row becomes retryable instead of staying in_progress.
func (s *Streamer) markFailed(parent context.Context, e models.CustodyEntry, msg string) {
	s.metrics.Streamed("failed")
	ctx, cancel := detached(parent)
	defer cancel()
	if err := s.outbox.MarkCustodyStreamResult(ctx, e.EvidenceID, e.SequenceNo, "", false, msg); err != nil {
		s.log.Error("mark custody stream failure", zap.String("evidence_id", e.EvidenceID), zap.Int64("sequence_no", e.SequenceNo), zap.Error(err))
	}
}

func detached(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(parent), markTimeout)
}
