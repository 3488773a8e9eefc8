// Command evidence-verifier serves evidence records read-only and checks
// their integrity on every read.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/casevault/evidence/vault/internal/auth"
	"github.com/casevault/evidence/vault/internal/blob"
	"github.com/casevault/evidence/vault/internal/config"
	"github.com/casevault/evidence/vault/internal/custody"
	"github.com/casevault/evidence/vault/internal/httpserver"
	"github.com/casevault/evidence/vault/internal/logging"
	"github.com/casevault/evidence/vault/internal/metrics"
	"github.com/casevault/evidence/vault/internal/store"
	"github.com/casevault/evidence/vault/internal/verifier"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "evidence-verifier: %v\n", err)
		os.Exit(1)
	}
}

// ledgerDSN picks the append-only connection. Production refuses to fall
// back to the registrar's credentials.
func ledgerDSN(cfg config.Config) (string, error) {
	if cfg.LedgerDatabaseURL != "" {
		return cfg.LedgerDatabaseURL, nil
	}
	if cfg.Production() {
		return "", errors.New("VERIFIER_LEDGER_DATABASE_URL is required in production")
	}
	if cfg.DatabaseURL == "" {
		return "", errors.New("VERIFIER_LEDGER_DATABASE_URL or DATABASE_URL required")
	}
	return cfg.DatabaseURL, nil
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	dsn, err := ledgerDSN(cfg)
	if err != nil {
		return err
	}
	if cfg.LedgerDatabaseURL == "" {
		log.Warn("VERIFIER_LEDGER_DATABASE_URL unset, using registrar database credentials")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := store.Open(ctx, dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	st := store.NewPGStore(db)

	blobs, err := blob.OpenReader(ctx, cfg)
	if err != nil {
		return fmt.Errorf("blob store: %w", err)
	}
	if c, ok := blobs.(io.Closer); ok {
		defer c.Close()
	}
	if cfg.VerifierBlobProfile == "" && cfg.VerifierBlobCredentials == "" && cfg.BlobBackend != "memory" && cfg.BlobBackend != "fs" {
		log.Warn("verifier blob credentials unset, using the default credential chain")
	}

	m := metrics.New()
	var locker custody.Locker = custody.NewKeyedMutex()
	if cfg.LockRedisURL != "" {
		rl, err := custody.NewRedisLockerFromURL(cfg.LockRedisURL, log)
		if err != nil {
			return err
		}
		defer rl.Close()
		locker = rl
	}
	ledger := custody.NewLedger(st, custody.WithLocker(locker), custody.WithLogger(log), custody.WithMetrics(m))

	var reader store.Reader = st
	svc, err := verifier.New(verifier.Config{Reader: reader, Blobs: blobs, Ledger: ledger, Logger: log, Metrics: m})
	if err != nil {
		return err
	}
	authn, err := auth.NewVerifier(auth.Config{KeysFile: cfg.JWTKeysFile, Issuer: cfg.JWTIssuer, DevAllowLocal: cfg.DevAllowLocal})
	if err != nil {
		return fmt.Errorf("auth init: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.VerifierAddr,
		Handler:           httpserver.New(svc, authn, log, m).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("evidence verifier listening", zap.String("addr", cfg.VerifierAddr), zap.Bool("dev_principals", cfg.DevAllowLocal))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	return waitForShutdown(cancel, srv, errCh, log)
}

func waitForShutdown(cancel context.CancelFunc, srv *http.Server, errCh <-chan error, log *zap.Logger) error {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	var serveErr error
	select {
	case <-stop:
	case serveErr = <-errCh:
	}

	cancel()
	ctx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn("graceful shutdown failed", zap.Error(err))
	}
	return serveErr
}
