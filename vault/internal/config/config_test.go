package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("NODE_ENV", "")
	t.Setenv("BLOB_BACKEND", "")
	t.Setenv("KAFKA_BROKERS", " broker-1:9092, ,broker-2:9092 ")
	t.Setenv("IDENTITY_TIMEOUT", "3s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "development", cfg.NodeEnv)
	assert.Equal(t, "s3", cfg.BlobBackend)
	assert.Equal(t, "CASE-", cfg.CasePrefix)
	assert.Equal(t, ":8071", cfg.VerifierAddr)
	assert.Equal(t, 3*time.Second, cfg.IdentityTimeout)
	assert.Equal(t, []string{"broker-1:9092", "broker-2:9092"}, cfg.KafkaBrokers)
}

func TestDatabaseURLFallback(t *testing.T) {
	t.Setenv("EVIDENCE_DATABASE_URL", "")
	t.Setenv("DATABASE_URL", "postgres://fallback")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://fallback", cfg.DatabaseURL)
	assert.NoError(t, cfg.RequireDatabase())
}

func TestLoadRejectsDevHeaderInProduction(t *testing.T) {
	t.Setenv("NODE_ENV", "production")
	t.Setenv("VERIFIER_DEV_ALLOW_LOCAL", "true")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	t.Setenv("BLOB_BACKEND", "ftp")
	_, err := Load()
	assert.Error(t, err)
}

func TestRequireIdentity(t *testing.T) {
	cfg := Config{IdentityURL: "https://id.example"}
	assert.Error(t, cfg.RequireIdentity())
	cfg.IdentityToken = "tok"
	assert.NoError(t, cfg.RequireIdentity())
}

func TestRequireBlob(t *testing.T) {
	assert.Error(t, Config{BlobBackend: "s3"}.RequireBlob())
	assert.NoError(t, Config{BlobBackend: "gcs", BlobBucket: "b"}.RequireBlob())
	assert.Error(t, Config{BlobBackend: "fs"}.RequireBlob())
	assert.NoError(t, Config{BlobBackend: "memory"}.RequireBlob())
	assert.Error(t, Config{BlobBackend: "memory", NodeEnv: "production"}.RequireBlob())
}

func TestRequireVerifierBlob(t *testing.T) {
	assert.NoError(t, Config{BlobBackend: "s3"}.RequireVerifierBlob(), "default chain outside production")

	prod := Config{NodeEnv: "production", BlobBackend: "s3", BlobBucket: "vault"}
	assert.Error(t, prod.RequireVerifierBlob())
	prod.VerifierBlobProfile = "evidence-reader"
	assert.NoError(t, prod.RequireVerifierBlob())

	gcs := Config{NodeEnv: "production", BlobBackend: "gcs", BlobBucket: "vault"}
	assert.Error(t, gcs.RequireVerifierBlob())
	gcs.VerifierBlobCredentials = "/etc/evidence/reader.json"
	assert.NoError(t, gcs.RequireVerifierBlob())

	assert.Error(t, Config{NodeEnv: "production", BlobBackend: "fs", BlobDir: "/srv"}.RequireVerifierBlob())
}

func TestLoadVerifierBlobSettings(t *testing.T) {
	t.Setenv("VERIFIER_BLOB_PROFILE", "evidence-reader")
	t.Setenv("VERIFIER_BLOB_CREDENTIALS_FILE", "/etc/evidence/reader.json")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "evidence-reader", cfg.VerifierBlobProfile)
	assert.Equal(t, "/etc/evidence/reader.json", cfg.VerifierBlobCredentials)
}
