package models

import "errors"

var (
	// ErrContentUnreadable is returned when the source bytes cannot be fully read.
	ErrContentUnreadable = errors.New("content unreadable")

	// ErrIdentityUnavailable is returned when the identity authority is
	// unreachable or rejects the mint request.
	ErrIdentityUnavailable = errors.New("identity unavailable")

	// ErrStorageWriteFailed covers blob and metadata write failures.
	ErrStorageWriteFailed = errors.New("storage write failed")

	// ErrIntegrityViolation is returned when bytes read back from the blob
	// store do not hash to the stored CID.
	ErrIntegrityViolation = errors.New("integrity violation")

	// ErrLedgerTamperDetected is returned when a custody chain fails verification.
	ErrLedgerTamperDetected = errors.New("ledger tamper detected")

	ErrNotFound = errors.New("not found")

	// ErrEvidenceConflict is returned when a caller-supplied evidence id is
	// already bound to different content.
	ErrEvidenceConflict = errors.New("evidence id already bound to different content")

	// ErrSequenceConflict is returned when a concurrent append claimed the
	// same sequence number.
	ErrSequenceConflict = errors.New("custody sequence conflict")

	ErrReadOnly = errors.New("read-only")
)
