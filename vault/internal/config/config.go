// Package config loads the environment-backed settings shared by evidencectl
// and evidence-verifier.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds runtime settings. Every field maps to one environment variable.
type Config struct {
	NodeEnv string // NODE_ENV

	DatabaseURL       string // EVIDENCE_DATABASE_URL or DATABASE_URL
	LedgerDatabaseURL string // VERIFIER_LEDGER_DATABASE_URL (verifier append-only connection)

	IdentityURL     string        // IDENTITY_URL
	IdentityToken   string        // IDENTITY_TOKEN
	IdentityDomain  string        // IDENTITY_DOMAIN
	IdentitySubtype string        // IDENTITY_SUBTYPE
	IdentityTimeout time.Duration // IDENTITY_TIMEOUT

	BlobBackend  string // BLOB_BACKEND: s3, gcs, fs, memory
	BlobBucket   string // BLOB_BUCKET
	BlobPrefix   string // BLOB_PREFIX
	BlobEndpoint string // BLOB_ENDPOINT (S3-compatible endpoint override, e.g. R2)
	BlobDir      string // BLOB_DIR (fs backend)

	VerifierBlobProfile     string // VERIFIER_BLOB_PROFILE (read-only AWS profile)
	VerifierBlobCredentials string // VERIFIER_BLOB_CREDENTIALS_FILE (read-only GCS service account)

	CasePrefix string // CASE_PREFIX
	Actor      string // EVIDENCE_ACTOR

	LockRedisURL string // CUSTODY_LOCK_REDIS_URL

	KafkaBrokers  []string // KAFKA_BROKERS (comma separated)
	KafkaTopic    string   // KAFKA_TOPIC
	ArchiveBucket string   // ARCHIVE_BUCKET
	ArchivePrefix string   // ARCHIVE_PREFIX

	VerifierAddr     string // VERIFIER_ADDR
	JWTKeysFile      string // VERIFIER_JWT_KEYS_FILE
	JWTIssuer        string // VERIFIER_JWT_ISSUER
	DevAllowLocal    bool   // VERIFIER_DEV_ALLOW_LOCAL
	IngestConcurrent int    // INGEST_CONCURRENCY

	LogLevel  string // LOG_LEVEL
	LogFormat string // LOG_FORMAT: json or console
}

const (
	defaultIdentityDomain  = "evidence"
	defaultIdentitySubtype = "THING"
	defaultIdentityTimeout = 10 * time.Second
	defaultBlobBackend     = "s3"
	defaultCasePrefix      = "CASE-"
	defaultVerifierAddr    = ":8071"
	defaultKafkaTopic      = "evidence.custody"
	defaultIngestWorkers   = 4
)

// Load reads the environment. It does not validate requirements that only
// some commands have; see RequireDatabase, RequireIdentity and RequireBlob.
func Load() (Config, error) {
	cfg := Config{
		NodeEnv:                 getEnv("NODE_ENV", "development"),
		DatabaseURL:             firstNonEmpty(os.Getenv("EVIDENCE_DATABASE_URL"), os.Getenv("DATABASE_URL")),
		LedgerDatabaseURL:       os.Getenv("VERIFIER_LEDGER_DATABASE_URL"),
		IdentityURL:             os.Getenv("IDENTITY_URL"),
		IdentityToken:           os.Getenv("IDENTITY_TOKEN"),
		IdentityDomain:          getEnv("IDENTITY_DOMAIN", defaultIdentityDomain),
		IdentitySubtype:         getEnv("IDENTITY_SUBTYPE", defaultIdentitySubtype),
		IdentityTimeout:         getDuration("IDENTITY_TIMEOUT", defaultIdentityTimeout),
		BlobBackend:             strings.ToLower(getEnv("BLOB_BACKEND", defaultBlobBackend)),
		BlobBucket:              os.Getenv("BLOB_BUCKET"),
		BlobPrefix:              os.Getenv("BLOB_PREFIX"),
		BlobEndpoint:            os.Getenv("BLOB_ENDPOINT"),
		BlobDir:                 os.Getenv("BLOB_DIR"),
		VerifierBlobProfile:     os.Getenv("VERIFIER_BLOB_PROFILE"),
		VerifierBlobCredentials: os.Getenv("VERIFIER_BLOB_CREDENTIALS_FILE"),
		CasePrefix:              getEnv("CASE_PREFIX", defaultCasePrefix),
		Actor:                   os.Getenv("EVIDENCE_ACTOR"),
		LockRedisURL:            os.Getenv("CUSTODY_LOCK_REDIS_URL"),
		KafkaBrokers:            splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:              getEnv("KAFKA_TOPIC", defaultKafkaTopic),
		ArchiveBucket:           os.Getenv("ARCHIVE_BUCKET"),
		ArchivePrefix:           os.Getenv("ARCHIVE_PREFIX"),
		VerifierAddr:            getEnv("VERIFIER_ADDR", defaultVerifierAddr),
		JWTKeysFile:             os.Getenv("VERIFIER_JWT_KEYS_FILE"),
		JWTIssuer:               os.Getenv("VERIFIER_JWT_ISSUER"),
		DevAllowLocal:           getBool("VERIFIER_DEV_ALLOW_LOCAL", false),
		IngestConcurrent:        getInt("INGEST_CONCURRENCY", defaultIngestWorkers),
		LogLevel:                getEnv("LOG_LEVEL", "info"),
		LogFormat:               getEnv("LOG_FORMAT", "json"),
	}
	if cfg.Production() && cfg.DevAllowLocal {
		return Config{}, fmt.Errorf("VERIFIER_DEV_ALLOW_LOCAL=true is forbidden in production")
	}
	switch cfg.BlobBackend {
	case "s3", "gcs", "fs", "memory":
	default:
		return Config{}, fmt.Errorf("BLOB_BACKEND %q not supported (s3, gcs, fs, memory)", cfg.BlobBackend)
	}
	if cfg.IngestConcurrent <= 0 {
		cfg.IngestConcurrent = defaultIngestWorkers
	}
	return cfg, nil
}

// Production reports whether NODE_ENV is production.
func (c Config) Production() bool {
	return strings.EqualFold(c.NodeEnv, "production")
}

func (c Config) RequireDatabase() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("EVIDENCE_DATABASE_URL or DATABASE_URL required")
	}
	return nil
}

func (c Config) RequireIdentity() error {
	if c.IdentityURL == "" {
		return fmt.Errorf("IDENTITY_URL required")
	}
	if c.IdentityToken == "" {
		return fmt.Errorf("IDENTITY_TOKEN required")
	}
	return nil
}

func (c Config) RequireBlob() error {
	switch c.BlobBackend {
	case "s3", "gcs":
		if c.BlobBucket == "" {
			return fmt.Errorf("BLOB_BUCKET required for %s backend", c.BlobBackend)
		}
	case "fs":
		if c.BlobDir == "" {
			return fmt.Errorf("BLOB_DIR required for fs backend")
		}
	case "memory":
		if c.Production() {
			return fmt.Errorf("memory blob backend is forbidden in production")
		}
	}
	return nil
}

// RequireVerifierBlob checks that the verifier has blob credentials of its
// own. Outside production the default credential chain is accepted.
func (c Config) RequireVerifierBlob() error {
	if !c.Production() {
		return nil
	}
	switch c.BlobBackend {
	case "s3":
		if c.VerifierBlobProfile == "" {
			return fmt.Errorf("VERIFIER_BLOB_PROFILE is required in production")
		}
	case "gcs":
		if c.VerifierBlobCredentials == "" {
			return fmt.Errorf("VERIFIER_BLOB_CREDENTIALS_FILE is required in production")
		}
	case "fs":
		return fmt.Errorf("fs blob backend is not supported for the verifier in production")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func getBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func splitList(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
