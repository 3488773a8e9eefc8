package custody

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casevault/evidence/vault/internal/models"
	"github.com/casevault/evidence/vault/internal/store"
)

type fakeProducer struct {
	mu       sync.Mutex
	messages []string
	fail     func(key []byte) error
}

func (f *fakeProducer) Produce(ctx context.Context, key, value []byte) (time.Time, error) {
	if f.fail != nil {
		if err := f.fail(key); err != nil {
			return time.Time{}, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, string(value))
	return time.Now().UTC(), nil
}

func (f *fakeProducer) Close() error { return nil }

type fakeArchiver struct {
	mu   sync.Mutex
	keys []string
}

func (f *fakeArchiver) Archive(ctx context.Context, e models.CustodyEntry, envelope []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := ArchiveKey("vault", e)
	f.keys = append(f.keys, key)
	return key, nil
}

func TestStreamerDeliversAndMarksComplete(t *testing.T) {
	s := store.NewMemoryStore()
	seedEvidence(t, s, "EVID-1")
	l := NewLedger(s, WithClock(fixedClock()))
	ctx := context.Background()
	_, err := l.Append(ctx, "EVID-1", models.ActionIngest, "alice", "")
	require.NoError(t, err)
	_, err = l.Append(ctx, "EVID-1", models.ActionAccess, "bob", "")
	require.NoError(t, err)

	prod := &fakeProducer{}
	arch := &fakeArchiver{}
	st, err := NewStreamer(s, prod, arch, StreamerConfig{BatchSize: 10}, nil, nil)
	require.NoError(t, err)

	// One entry per item is in flight at a time.
	for i := 0; i < 2; i++ {
		n, err := st.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	}
	require.Len(t, prod.messages, 2)
	assert.Equal(t, []string{"vault/custody/EVID-1/00000001.json", "vault/custody/EVID-1/00000002.json"}, arch.keys)

	var env map[string]any
	require.NoError(t, json.Unmarshal([]byte(prod.messages[0]), &env))
	assert.Equal(t, "INGEST", env["action"])
	assert.Equal(t, GenesisPrevHash, env["prevHash"])

	for _, seq := range []int64{1, 2} {
		o, ok := s.Outbox("EVID-1", seq)
		require.True(t, ok)
		assert.Equal(t, models.StreamComplete, o.StreamStatus)
	}

	n, err := st.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStreamerRecordsFailureForRetry(t *testing.T) {
	s := store.NewMemoryStore()
	seedEvidence(t, s, "EVID-1")
	l := NewLedger(s, WithClock(fixedClock()))
	ctx := context.Background()
	_, err := l.Append(ctx, "EVID-1", models.ActionIngest, "alice", "")
	require.NoError(t, err)
	_, err = l.Append(ctx, "EVID-1", models.ActionAccess, "bob", "")
	require.NoError(t, err)

	down := true
	prod := &fakeProducer{fail: func([]byte) error {
		if down {
			return errors.New("broker unavailable")
		}
		return nil
	}}
	st, err := NewStreamer(s, prod, nil, StreamerConfig{}, nil, nil)
	require.NoError(t, err)

	_, err = st.RunOnce(ctx)
	require.NoError(t, err)
	o, _ := s.Outbox("EVID-1", 1)
	assert.Equal(t, models.StreamFailed, o.StreamStatus)
	assert.Equal(t, "kafka produce: broker unavailable", o.LastError)
	o, _ = s.Outbox("EVID-1", 2)
	assert.Equal(t, models.StreamPending, o.StreamStatus, "later entries wait for the failed one")

	down = false
	for i := 0; i < 2; i++ {
		n, err := st.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	}
	assert.Len(t, prod.messages, 2)
}

type blockingProducer struct{}

func (blockingProducer) Produce(ctx context.Context, key, value []byte) (time.Time, error) {
	<-ctx.Done()
	return time.Time{}, ctx.Err()
}

func (blockingProducer) Close() error { return nil }

func TestStreamerRecordsFailureAfterShutdown(t *testing.T) {
	s := store.NewMemoryStore()
	seedEvidence(t, s, "EVID-1")
	l := NewLedger(s, WithClock(fixedClock()))
	_, err := l.Append(context.Background(), "EVID-1", models.ActionIngest, "alice", "")
	require.NoError(t, err)

	st, err := NewStreamer(s, blockingProducer{}, nil, StreamerConfig{EntryTimeout: time.Minute}, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	n, err := st.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	o, ok := s.Outbox("EVID-1", 1)
	require.True(t, ok)
	assert.Equal(t, models.StreamFailed, o.StreamStatus, "a cancelled run must not leave the row in_progress")
	assert.Equal(t, 1, o.Attempts)

	prod := &fakeProducer{}
	restarted, err := NewStreamer(s, prod, nil, StreamerConfig{}, nil, nil)
	require.NoError(t, err)
	n, err = restarted.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, prod.messages, 1)
}

func TestStreamerWaitsForEntryHeldElsewhere(t *testing.T) {
	s := store.NewMemoryStore()
	seedEvidence(t, s, "EVID-1")
	l := NewLedger(s, WithClock(fixedClock()))
	ctx := context.Background()
	_, err := l.Append(ctx, "EVID-1", models.ActionIngest, "alice", "")
	require.NoError(t, err)
	_, err = l.Append(ctx, "EVID-1", models.ActionAccess, "bob", "")
	require.NoError(t, err)

	// Another streamer holds sequence 1.
	held, err := s.ClaimPendingCustody(ctx, 10, time.Hour)
	require.NoError(t, err)
	require.Len(t, held, 1)
	assert.Equal(t, int64(1), held[0].SequenceNo)

	prod := &fakeProducer{}
	st, err := NewStreamer(s, prod, nil, StreamerConfig{ClaimLease: time.Hour}, nil, nil)
	require.NoError(t, err)
	n, err := st.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, prod.messages)
	o, _ := s.Outbox("EVID-1", 2)
	assert.Equal(t, models.StreamPending, o.StreamStatus)

	require.NoError(t, s.MarkCustodyStreamResult(ctx, "EVID-1", 1, "", true, ""))
	n, err = st.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, prod.messages, 1)
	assert.Contains(t, prod.messages[0], `"sequenceNo":2`)
}

func TestNewStreamerNeedsASink(t *testing.T) {
	_, err := NewStreamer(store.NewMemoryStore(), nil, nil, StreamerConfig{}, nil, nil)
	assert.Error(t, err)
}

func TestArchiveKey(t *testing.T) {
	e := models.CustodyEntry{EvidenceID: "EVID-9", SequenceNo: 12}
	assert.Equal(t, "custody/EVID-9/00000012.json", ArchiveKey("", e))
	assert.Equal(t, "audit/custody/EVID-9/00000012.json", ArchiveKey("audit", e))
}

func TestNewKafkaProducerValidation(t *testing.T) {
	_, err := NewKafkaProducer(KafkaProducerConfig{Topic: "t"})
	assert.Error(t, err)
	_, err = NewKafkaProducer(KafkaProducerConfig{Brokers: []string{"localhost:9092"}})
	assert.Error(t, err)
	p, err := NewKafkaProducer(KafkaProducerConfig{Brokers: []string{"localhost:9092"}, Topic: "evidence.custody"})
	require.NoError(t, err)
	assert.NoError(t, p.Close())
}
