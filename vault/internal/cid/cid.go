// Package cid computes content identifiers: the lowercase hex SHA-256 digest
// of a byte sequence. Identical bytes always yield the identical CID.
package cid

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/casevault/evidence/vault/internal/models"
)

// Length is the number of hex characters in a CID.
const Length = sha256.Size * 2

// FromBytes returns the CID of b.
func FromBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// FromReader consumes r to EOF and returns its CID and byte count.
func FromReader(r io.Reader) (string, int64, error) {
	if r == nil {
		return "", 0, fmt.Errorf("nil reader: %w", models.ErrContentUnreadable)
	}
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, fmt.Errorf("read content after %d bytes: %v: %w", n, err, models.ErrContentUnreadable)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// FromFile returns the CID and size of the file at path.
func FromFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("open %s: %v: %w", path, err, models.ErrContentUnreadable)
	}
	defer f.Close()
	return FromReader(f)
}

// Valid reports whether s is well-formed: 64 lowercase hex characters.
func Valid(s string) bool {
	if len(s) != Length {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
