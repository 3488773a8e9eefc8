// Package blob stores evidence bytes under keys of the form
// "{case_id}/{cid}.bin". Backends: S3 (and S3-compatible endpoints such as
// R2), GCS, the local filesystem and memory.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

var ErrNotFound = errors.New("blob not found")

// Getter reads blobs. The verification service only ever holds a Getter.
type Getter interface {
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}

// Putter writes blobs. size may be -1 when unknown.
type Putter interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Exists(ctx context.Context, key string) (bool, error)
}

type Store interface {
	Getter
	Putter
}

// Key returns the storage key for content cid owned by caseID.
func Key(caseID, cid string) string {
	return caseID + "/" + cid + ".bin"
}

func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("blob key required")
	}
	if strings.HasPrefix(key, "/") {
		return fmt.Errorf("blob key %q must be relative", key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." || part == "." || part == "" {
			return fmt.Errorf("blob key %q has an invalid segment", key)
		}
	}
	return nil
}

func joinPrefix(prefix, key string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}
