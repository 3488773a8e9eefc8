package main

import (
	"errors"

	"github.com/casevault/evidence/vault/internal/models"
)

// Process exit codes, one per failure kind.
const (
	exitOK                  = 0
	exitFailure             = 1
	exitContentUnreadable   = 3
	exitIdentityUnavailable = 4
	exitStorageWriteFailed  = 5
	exitLedgerTamper        = 6
	exitIntegrityViolation  = 7
)

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, models.ErrContentUnreadable):
		return exitContentUnreadable
	case errors.Is(err, models.ErrIdentityUnavailable):
		return exitIdentityUnavailable
	case errors.Is(err, models.ErrStorageWriteFailed):
		return exitStorageWriteFailed
	case errors.Is(err, models.ErrLedgerTamperDetected):
		return exitLedgerTamper
	case errors.Is(err, models.ErrIntegrityViolation):
		return exitIntegrityViolation
	default:
		return exitFailure
	}
}
