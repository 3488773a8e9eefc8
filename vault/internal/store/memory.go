package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/casevault/evidence/vault/internal/models"
)

type outboxKey struct {
	evidenceID string
	sequenceNo int64
}

type memState struct {
	artifacts map[string]models.Artifact
	evidence  map[string]models.EvidenceItem
	custody   map[string][]models.CustodyEntry
	outbox    map[outboxKey]models.OutboxEntry
}

func (s *memState) clone() *memState {
	c := &memState{
		artifacts: make(map[string]models.Artifact, len(s.artifacts)),
		evidence:  make(map[string]models.EvidenceItem, len(s.evidence)),
		custody:   make(map[string][]models.CustodyEntry, len(s.custody)),
		outbox:    make(map[outboxKey]models.OutboxEntry, len(s.outbox)),
	}
	for k, v := range s.artifacts {
		c.artifacts[k] = v
	}
	for k, v := range s.evidence {
		c.evidence[k] = v
	}
	for k, v := range s.custody {
		c.custody[k] = append([]models.CustodyEntry(nil), v...)
	}
	for k, v := range s.outbox {
		c.outbox[k] = v
	}
	return c
}

// MemoryStore is an in-process Store for tests and local development.
// Transactions are serialised and applied atomically on commit.
type MemoryStore struct {
	txMu  sync.Mutex
	mu    sync.RWMutex
	state *memState
	clock func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: &memState{
		artifacts: map[string]models.Artifact{},
		evidence:  map[string]models.EvidenceItem{},
		custody:   map[string][]models.CustodyEntry{},
		outbox:    map[outboxKey]models.OutboxEntry{},
	}, clock: now}
}

func copyJSON(raw json.RawMessage, fallback string) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(fallback)
	}
	return append(json.RawMessage(nil), raw...)
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) GetArtifact(ctx context.Context, cid string) (models.Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.state.artifacts[cid]
	if !ok {
		return models.Artifact{}, models.ErrNotFound
	}
	return a, nil
}

func (m *MemoryStore) GetEvidence(ctx context.Context, evidenceID string) (models.EvidenceItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.state.evidence[evidenceID]
	if !ok {
		return models.EvidenceItem{}, models.ErrNotFound
	}
	e.Metadata = copyJSON(e.Metadata, "{}")
	return e, nil
}

func (m *MemoryStore) GetEvidenceWithArtifact(ctx context.Context, evidenceID string) (models.EvidenceItem, models.Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.state.evidence[evidenceID]
	if !ok {
		return models.EvidenceItem{}, models.Artifact{}, models.ErrNotFound
	}
	a, ok := m.state.artifacts[e.CID]
	if !ok {
		return models.EvidenceItem{}, models.Artifact{}, fmt.Errorf("artifact %s for evidence %s: %w", e.CID, evidenceID, models.ErrNotFound)
	}
	e.Metadata = copyJSON(e.Metadata, "{}")
	return e, a, nil
}

func (m *MemoryStore) ListCustody(ctx context.Context, evidenceID string) ([]models.CustodyEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := append([]models.CustodyEntry(nil), m.state.custody[evidenceID]...)
	sortCustody(entries)
	return entries, nil
}

func (m *MemoryStore) ListCaseEvidence(ctx context.Context, caseID string) ([]models.EvidenceItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.EvidenceItem
	for _, e := range m.state.evidence {
		if e.CaseID != caseID {
			continue
		}
		e.Metadata = copyJSON(e.Metadata, "{}")
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].EvidenceID < out[j].EvidenceID
	})
	return out, nil
}

func (m *MemoryStore) CaseStats(ctx context.Context, caseID string) (CaseStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := CaseStats{CaseID: caseID, Actions: map[string]int64{}}
	cids := map[string]struct{}{}
	for _, e := range m.state.evidence {
		if e.CaseID != caseID {
			continue
		}
		stats.EvidenceCount++
		cids[e.CID] = struct{}{}
		stats.TotalBytes += m.state.artifacts[e.CID].SizeBytes
		for _, c := range m.state.custody[e.EvidenceID] {
			stats.Actions[string(c.Action)]++
		}
	}
	stats.ArtifactCount = int64(len(cids))
	return stats, nil
}

// WithTx runs fn against a private copy of the state and publishes the copy
// only if fn succeeds.
func (m *MemoryStore) WithTx(ctx context.Context, fn func(Tx) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.RLock()
	staged := m.state.clone()
	m.mu.RUnlock()

	if err := fn(&memTx{state: staged}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	m.mu.Lock()
	m.state = staged
	m.mu.Unlock()
	return nil
}

type memTx struct {
	state *memState
}

func (t *memTx) InsertArtifact(ctx context.Context, a models.Artifact) (bool, error) {
	if _, ok := t.state.artifacts[a.CID]; ok {
		return false, nil
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now()
	}
	t.state.artifacts[a.CID] = a
	return true, nil
}

func (t *memTx) InsertEvidence(ctx context.Context, e models.EvidenceItem) error {
	if _, ok := t.state.evidence[e.EvidenceID]; ok {
		return fmt.Errorf("insert evidence %s: %w", e.EvidenceID, models.ErrEvidenceConflict)
	}
	if _, ok := t.state.artifacts[e.CID]; !ok {
		return fmt.Errorf("insert evidence %s: artifact %s missing", e.EvidenceID, e.CID)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now()
	}
	e.Metadata = copyJSON(e.Metadata, "{}")
	t.state.evidence[e.EvidenceID] = e
	return nil
}

func (t *memTx) LockEvidence(ctx context.Context, evidenceID string) (models.EvidenceItem, error) {
	e, ok := t.state.evidence[evidenceID]
	if !ok {
		return models.EvidenceItem{}, models.ErrNotFound
	}
	return e, nil
}

func (t *memTx) LatestCustody(ctx context.Context, evidenceID string) (models.CustodyEntry, bool, error) {
	entries := t.state.custody[evidenceID]
	if len(entries) == 0 {
		return models.CustodyEntry{}, false, nil
	}
	latest := entries[0]
	for _, c := range entries[1:] {
		if c.SequenceNo > latest.SequenceNo {
			latest = c
		}
	}
	return latest, true, nil
}

func (t *memTx) InsertCustody(ctx context.Context, c models.CustodyEntry) error {
	if _, ok := t.state.evidence[c.EvidenceID]; !ok {
		return fmt.Errorf("insert custody: evidence %s: %w", c.EvidenceID, models.ErrNotFound)
	}
	for _, existing := range t.state.custody[c.EvidenceID] {
		if existing.SequenceNo == c.SequenceNo {
			return fmt.Errorf("insert custody %s#%d: %w", c.EvidenceID, c.SequenceNo, models.ErrSequenceConflict)
		}
	}
	t.state.custody[c.EvidenceID] = append(t.state.custody[c.EvidenceID], c)
	ts := now()
	t.state.outbox[outboxKey{c.EvidenceID, c.SequenceNo}] = models.OutboxEntry{
		EvidenceID:   c.EvidenceID,
		SequenceNo:   c.SequenceNo,
		StreamStatus: models.StreamPending,
		CreatedAt:    ts,
		UpdatedAt:    ts,
	}
	return nil
}

func (t *memTx) UpdateEvidenceMetadata(ctx context.Context, evidenceID string, metadata json.RawMessage) error {
	e, ok := t.state.evidence[evidenceID]
	if !ok {
		return models.ErrNotFound
	}
	e.Metadata = copyJSON(metadata, "{}")
	t.state.evidence[evidenceID] = e
	return nil
}

func (m *MemoryStore) ClaimPendingCustody(ctx context.Context, limit int, lease time.Duration) ([]models.CustodyEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ts := m.clock()

	// Lowest unstreamed sequence per item; later entries wait for it.
	head := map[string]int64{}
	for k, o := range m.state.outbox {
		if o.StreamStatus == models.StreamComplete {
			continue
		}
		if seq, ok := head[k.evidenceID]; !ok || k.sequenceNo < seq {
			head[k.evidenceID] = k.sequenceNo
		}
	}

	keys := make([]outboxKey, 0)
	for k, o := range m.state.outbox {
		if head[k.evidenceID] != k.sequenceNo || o.Attempts >= MaxStreamAttempts {
			continue
		}
		switch o.StreamStatus {
		case models.StreamPending, models.StreamFailed:
			keys = append(keys, k)
		case models.StreamInProgress:
			if o.UpdatedAt.Before(ts.Add(-lease)) {
				keys = append(keys, k)
			}
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := m.state.outbox[keys[i]], m.state.outbox[keys[j]]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if keys[i].evidenceID != keys[j].evidenceID {
			return keys[i].evidenceID < keys[j].evidenceID
		}
		return keys[i].sequenceNo < keys[j].sequenceNo
	})
	if len(keys) > limit {
		keys = keys[:limit]
	}

	out := make([]models.CustodyEntry, 0, len(keys))
	for _, k := range keys {
		o := m.state.outbox[k]
		o.StreamStatus = models.StreamInProgress
		o.Attempts++
		o.UpdatedAt = ts
		m.state.outbox[k] = o
		for _, c := range m.state.custody[k.evidenceID] {
			if c.SequenceNo == k.sequenceNo {
				out = append(out, c)
				break
			}
		}
	}
	sortCustody(out)
	return out, nil
}

func (m *MemoryStore) MarkCustodyStreamResult(ctx context.Context, evidenceID string, sequenceNo int64, archiveKey string, success bool, errMsg string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := outboxKey{evidenceID, sequenceNo}
	o, ok := m.state.outbox[k]
	if !ok {
		return models.ErrNotFound
	}
	if success {
		o.StreamStatus = models.StreamComplete
	} else {
		o.StreamStatus = models.StreamFailed
	}
	o.ArchiveKey = archiveKey
	o.LastError = errMsg
	o.UpdatedAt = m.clock()
	m.state.outbox[k] = o
	return nil
}

// Outbox returns the streaming state of one custody entry.
func (m *MemoryStore) Outbox(evidenceID string, sequenceNo int64) (models.OutboxEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.state.outbox[outboxKey{evidenceID, sequenceNo}]
	return o, ok
}

// OverwriteCustody edits a stored custody entry in place, bypassing the
// append-only rule. It exists to rehearse tamper detection.
func (m *MemoryStore) OverwriteCustody(evidenceID string, sequenceNo int64, fn func(*models.CustodyEntry)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.state.custody[evidenceID]
	for i := range entries {
		if entries[i].SequenceNo == sequenceNo {
			fn(&entries[i])
			return nil
		}
	}
	return models.ErrNotFound
}
