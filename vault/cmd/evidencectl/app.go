package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os/user"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/casevault/evidence/vault/internal/blob"
	"github.com/casevault/evidence/vault/internal/config"
	"github.com/casevault/evidence/vault/internal/custody"
	"github.com/casevault/evidence/vault/internal/identity"
	"github.com/casevault/evidence/vault/internal/logging"
	"github.com/casevault/evidence/vault/internal/metrics"
	"github.com/casevault/evidence/vault/internal/registrar"
	"github.com/casevault/evidence/vault/internal/store"
	"github.com/casevault/evidence/vault/internal/verifier"
)

// app holds the collaborators a command needs. Fields are filled on demand
// so read-only commands never require identity or blob credentials.
type app struct {
	cfg     config.Config
	log     *zap.Logger
	metrics *metrics.Metrics

	db     *sql.DB
	store  *store.PGStore
	blobs  blob.Store
	ledger *custody.Ledger

	closers []io.Closer
}

func newApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, log: log, metrics: metrics.New()}, nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.log.Warn("close", zap.Error(err))
		}
	}
	_ = a.log.Sync()
}

func (a *app) openStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	if err := a.cfg.RequireDatabase(); err != nil {
		return err
	}
	db, err := store.Open(ctx, a.cfg.DatabaseURL)
	if err != nil {
		return err
	}
	a.db = db
	a.closers = append(a.closers, db)
	a.store = store.NewPGStore(db)

	var locker custody.Locker = custody.NewKeyedMutex()
	if a.cfg.LockRedisURL != "" {
		rl, err := custody.NewRedisLockerFromURL(a.cfg.LockRedisURL, a.log)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, rl)
		locker = rl
	}
	a.ledger = custody.NewLedger(a.store,
		custody.WithLocker(locker),
		custody.WithLogger(a.log),
		custody.WithMetrics(a.metrics))
	return nil
}

func (a *app) openBlobs(ctx context.Context) error {
	if a.blobs != nil {
		return nil
	}
	b, err := blob.Open(ctx, a.cfg)
	if err != nil {
		return err
	}
	if c, ok := b.(io.Closer); ok {
		a.closers = append(a.closers, c)
	}
	a.blobs = b
	return nil
}

func (a *app) registrar(ctx context.Context) (*registrar.Registrar, error) {
	if err := a.cfg.RequireIdentity(); err != nil {
		return nil, err
	}
	if err := a.openStore(ctx); err != nil {
		return nil, err
	}
	if err := a.openBlobs(ctx); err != nil {
		return nil, err
	}
	minter, err := identity.NewHTTPClient(identity.HTTPClientConfig{
		BaseURL: a.cfg.IdentityURL,
		Token:   a.cfg.IdentityToken,
		Timeout: a.cfg.IdentityTimeout,
		Logger:  a.log,
		Metrics: a.metrics,
	})
	if err != nil {
		return nil, err
	}
	return registrar.New(registrar.Config{
		Store:           a.store,
		Blobs:           a.blobs,
		Minter:          minter,
		Ledger:          a.ledger,
		Logger:          a.log,
		Metrics:         a.metrics,
		IdentityDomain:  a.cfg.IdentityDomain,
		IdentitySubtype: a.cfg.IdentitySubtype,
	})
}

// curator is a registrar for commands that never mint identifiers.
func (a *app) curator(ctx context.Context) (*registrar.Registrar, error) {
	if err := a.openStore(ctx); err != nil {
		return nil, err
	}
	if err := a.openBlobs(ctx); err != nil {
		return nil, err
	}
	return registrar.New(registrar.Config{
		Store:   a.store,
		Blobs:   a.blobs,
		Minter:  noMinter{},
		Ledger:  a.ledger,
		Logger:  a.log,
		Metrics: a.metrics,
	})
}

func (a *app) verifier(ctx context.Context) (*verifier.Service, error) {
	if err := a.openStore(ctx); err != nil {
		return nil, err
	}
	if err := a.openBlobs(ctx); err != nil {
		return nil, err
	}
	return verifier.New(verifier.Config{
		Reader:           a.store,
		Blobs:            a.blobs,
		Ledger:           a.ledger,
		Logger:           a.log,
		Metrics:          a.metrics,
		SweepConcurrency: a.cfg.IngestConcurrent,
	})
}

type noMinter struct{}

func (noMinter) Mint(ctx context.Context, req identity.MintRequest) (string, error) {
	return "", fmt.Errorf("identity minting not configured for this command")
}

var yearPattern = regexp.MustCompile(`^[0-9]{4}$`)

// resolveCase maps a four-digit year to {prefix}{year}; any other non-empty
// value is taken as the case id itself. An empty value means the current year.
func resolveCase(arg, prefix string, now time.Time) string {
	arg = strings.TrimSpace(arg)
	switch {
	case arg == "":
		return fmt.Sprintf("%s%d", prefix, now.Year())
	case yearPattern.MatchString(arg):
		return prefix + arg
	default:
		return arg
	}
}

// resolveActor prefers EVIDENCE_ACTOR and falls back to the OS user.
func resolveActor(configured string, lookup func() (*user.User, error)) (string, error) {
	if a := strings.TrimSpace(configured); a != "" {
		return a, nil
	}
	u, err := lookup()
	if err != nil {
		return "", fmt.Errorf("resolve actor: set EVIDENCE_ACTOR: %w", err)
	}
	if u.Username == "" {
		return "", fmt.Errorf("resolve actor: set EVIDENCE_ACTOR")
	}
	return u.Username, nil
}
