// Package models holds the records shared by the registrar, the custody ledger
// and the read-only verification service.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Action is the kind of event recorded in a custody entry.
type Action string

const (
	ActionIngest   Action = "INGEST"
	ActionAccess   Action = "ACCESS"
	ActionTransfer Action = "TRANSFER"
	ActionExport   Action = "EXPORT"
)

// Valid reports whether a is one of the known custody actions.
func (a Action) Valid() bool {
	switch a {
	case ActionIngest, ActionAccess, ActionTransfer, ActionExport:
		return true
	}
	return false
}

// ParseAction parses the textual form stored in chain_of_custody.action.
func ParseAction(s string) (Action, error) {
	a := Action(s)
	if !a.Valid() {
		return "", fmt.Errorf("unknown custody action %q", s)
	}
	return a, nil
}

// Artifact is one distinct byte sequence, addressed by its CID.
type Artifact struct {
	CID        string    `json:"cid"`
	SizeBytes  int64     `json:"sizeBytes"`
	StorageKey string    `json:"storageKey"`
	Kind       string    `json:"kind"`
	BytesHash  string    `json:"bytesHash"`
	CreatedAt  time.Time `json:"createdAt"`
}

// EvidenceItem is a case-owned reference to an artifact under an identifier
// issued by the identity authority.
type EvidenceItem struct {
	EvidenceID string          `json:"evidenceId"`
	CaseID     string          `json:"caseId"`
	CID        string          `json:"cid"`
	Source     string          `json:"source"`
	FileName   string          `json:"fileName,omitempty"`
	LegalHold  bool            `json:"legalHold"`
	Metadata   json.RawMessage `json:"metadata"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// CustodyEntry is one link of an evidence item's hash chain.
type CustodyEntry struct {
	SequenceNo int64     `json:"sequenceNo"`
	EvidenceID string    `json:"evidenceId"`
	Action     Action    `json:"action"`
	Actor      string    `json:"actor"`
	CID        string    `json:"cid"`
	PrevHash   string    `json:"prevHash"`
	EntryHash  string    `json:"entryHash"`
	Timestamp  time.Time `json:"timestamp"`
	// Note is informational (for example the recipient of a transfer) and is
	// not covered by EntryHash.
	Note string `json:"note,omitempty"`
}

// OutboxEntry tracks the streaming state of a custody entry. Chain rows are
// immutable, so delivery bookkeeping lives here.
type OutboxEntry struct {
	EvidenceID   string
	SequenceNo   int64
	StreamStatus string
	Attempts     int
	LastError    string
	ArchiveKey   string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Outbox stream states.
const (
	StreamPending    = "pending"
	StreamInProgress = "in_progress"
	StreamComplete   = "complete"
	StreamFailed     = "failed"
)
