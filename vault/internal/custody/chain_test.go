package custody

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/casevault/evidence/vault/internal/models"
)

const testCID = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"

func buildChain(id string, actions ...models.Action) []models.CustodyEntry {
	ts := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	prev := GenesisPrevHash
	out := make([]models.CustodyEntry, 0, len(actions))
	for i, a := range actions {
		e := models.CustodyEntry{
			SequenceNo: int64(i + 1),
			EvidenceID: id,
			Action:     a,
			Actor:      "alice",
			CID:        testCID,
			PrevHash:   prev,
			Timestamp:  ts.Add(time.Duration(i) * time.Minute),
		}
		e.EntryHash = ComputeEntryHash(e)
		prev = e.EntryHash
		out = append(out, e)
	}
	return out
}

func TestComputeEntryHash(t *testing.T) {
	e := buildChain("EVID-1", models.ActionIngest)[0]
	assert.Len(t, e.EntryHash, 64)
	assert.Equal(t, e.EntryHash, ComputeEntryHash(e))

	// Sub-microsecond precision is not part of the hash.
	e2 := e
	e2.Timestamp = e.Timestamp.Add(999 * time.Nanosecond)
	assert.Equal(t, e.EntryHash, ComputeEntryHash(e2))

	// Note is informational.
	e2.Note = "to bob"
	assert.Equal(t, e.EntryHash, ComputeEntryHash(e2))

	e2.Actor = "mallory"
	assert.NotEqual(t, e.EntryHash, ComputeEntryHash(e2))
}

func TestVerifyEntriesIntact(t *testing.T) {
	chain := buildChain("EVID-1", models.ActionIngest, models.ActionAccess, models.ActionTransfer)
	v := VerifyEntries("EVID-1", chain)
	assert.True(t, v.OK)
	assert.Equal(t, 3, v.Entries)
	assert.NoError(t, v.Err())
}

func TestVerifyEntriesDetectsTampering(t *testing.T) {
	cases := []struct {
		name   string
		mutate func([]models.CustodyEntry) []models.CustodyEntry
		at     int64
	}{
		{"actor changed", func(c []models.CustodyEntry) []models.CustodyEntry { c[1].Actor = "mallory"; return c }, 2},
		{"timestamp changed", func(c []models.CustodyEntry) []models.CustodyEntry {
			c[2].Timestamp = c[2].Timestamp.Add(time.Second)
			return c
		}, 3},
		{"stored hash corrupted", func(c []models.CustodyEntry) []models.CustodyEntry {
			c[1].EntryHash = strings.Repeat("f", 64)
			return c
		}, 2},
		{"entry removed", func(c []models.CustodyEntry) []models.CustodyEntry { return append(c[:1], c[2:]...) }, 2},
		{"first link forged", func(c []models.CustodyEntry) []models.CustodyEntry { c[0].PrevHash = "abc"; return c }, 1},
		{"hash rewritten", func(c []models.CustodyEntry) []models.CustodyEntry {
			c[1].Actor = "mallory"
			c[1].EntryHash = ComputeEntryHash(c[1])
			return c
		}, 3},
		{"unknown action", func(c []models.CustodyEntry) []models.CustodyEntry { c[0].Action = "DELETE"; return c }, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			chain := tc.mutate(buildChain("EVID-1", models.ActionIngest, models.ActionAccess, models.ActionExport))
			v := VerifyEntries("EVID-1", chain)
			assert.False(t, v.OK)
			assert.Equal(t, tc.at, v.BrokenAt)
			assert.NotEmpty(t, v.Reason)
			assert.True(t, errors.Is(v.Err(), models.ErrLedgerTamperDetected))
		})
	}
}

func TestVerifyEntriesCorruptedHashKeepsEarlierEntries(t *testing.T) {
	chain := buildChain("EVID-1", models.ActionIngest, models.ActionAccess, models.ActionExport)
	chain[1].EntryHash = strings.Repeat("0", 64)

	v := VerifyEntries("EVID-1", chain)
	assert.False(t, v.OK)
	assert.Equal(t, int64(2), v.BrokenAt)

	assert.True(t, VerifyEntries("EVID-1", chain[:1]).OK, "entry 1 is untouched")
}

func TestVerifyEntriesEmpty(t *testing.T) {
	v := VerifyEntries("EVID-1", nil)
	assert.False(t, v.OK)
	assert.Equal(t, int64(1), v.BrokenAt)
}
