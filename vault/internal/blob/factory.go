package blob

import (
	"context"
	"fmt"
	"io"

	"github.com/casevault/evidence/vault/internal/config"
)

// Open builds the backend selected by BLOB_BACKEND.
func Open(ctx context.Context, cfg config.Config) (Store, error) {
	if err := cfg.RequireBlob(); err != nil {
		return nil, err
	}
	switch cfg.BlobBackend {
	case "s3":
		return NewS3Store(ctx, S3Config{Bucket: cfg.BlobBucket, Prefix: cfg.BlobPrefix, Endpoint: cfg.BlobEndpoint})
	case "gcs":
		return NewGCSStore(ctx, GCSConfig{Bucket: cfg.BlobBucket, Prefix: cfg.BlobPrefix})
	case "fs":
		return NewFSStore(cfg.BlobDir)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported blob backend: %s", cfg.BlobBackend)
	}
}

// OpenReader builds a read-only view of the BLOB_BACKEND store for the
// verification service. It authenticates with the verifier's own
// credentials: the VERIFIER_BLOB_PROFILE shared-config profile for s3 and
// the VERIFIER_BLOB_CREDENTIALS_FILE service account (read-only scope) for
// gcs. The result exposes Get only; Close releases the client when the
// backend has one.
func OpenReader(ctx context.Context, cfg config.Config) (Getter, error) {
	if err := cfg.RequireBlob(); err != nil {
		return nil, err
	}
	if err := cfg.RequireVerifierBlob(); err != nil {
		return nil, err
	}
	var (
		s   Store
		err error
	)
	switch cfg.BlobBackend {
	case "s3":
		s, err = NewS3Store(ctx, S3Config{Bucket: cfg.BlobBucket, Prefix: cfg.BlobPrefix, Endpoint: cfg.BlobEndpoint, Profile: cfg.VerifierBlobProfile})
	case "gcs":
		s, err = NewGCSStore(ctx, GCSConfig{Bucket: cfg.BlobBucket, Prefix: cfg.BlobPrefix, CredentialsFile: cfg.VerifierBlobCredentials, ReadOnly: true})
	case "fs":
		s, err = NewFSStore(cfg.BlobDir)
	case "memory":
		s = NewMemoryStore()
	default:
		return nil, fmt.Errorf("unsupported blob backend: %s", cfg.BlobBackend)
	}
	if err != nil {
		return nil, err
	}
	return readOnly{s}, nil
}

// readOnly hides the write half of a Store from type assertions.
type readOnly struct {
	s Store
}

func (r readOnly) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	return r.s.Get(ctx, key)
}

func (r readOnly) Close() error {
	if c, ok := r.s.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
