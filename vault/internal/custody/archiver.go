package custody

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/casevault/evidence/vault/internal/models"
)

// Archiver stores the canonical envelope of a custody entry and returns the
// object key it was written under.
type Archiver interface {
	Archive(ctx context.Context, e models.CustodyEntry, envelope []byte) (string, error)
}

// ArchiveKey is {prefix}/custody/{evidence_id}/{sequence_no:08d}.json.
func ArchiveKey(prefix string, e models.CustodyEntry) string {
	return path.Join(prefix, "custody", e.EvidenceID, fmt.Sprintf("%08d.json", e.SequenceNo))
}

// S3Archiver writes envelopes to S3 with SSE-S3.
type S3Archiver struct {
	bucket   string
	prefix   string
	uploader *manager.Uploader
}

func NewS3Archiver(ctx context.Context, bucket, prefix string) (*S3Archiver, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket required")
	}
	cfg, err := awsConfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &S3Archiver{
		bucket:   bucket,
		prefix:   prefix,
		uploader: manager.NewUploader(s3.NewFromConfig(cfg)),
	}, nil
}

func (a *S3Archiver) Archive(ctx context.Context, e models.CustodyEntry, envelope []byte) (string, error) {
	key := ArchiveKey(a.prefix, e)
	_, err := a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(a.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(envelope),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return "", fmt.Errorf("s3 upload failed: %w", err)
	}
	return key, nil
}
