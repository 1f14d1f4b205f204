package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/karyon/client/internal/api"
	"github.com/karyon/client/internal/auth"
	"github.com/karyon/client/internal/chat"
	"github.com/karyon/client/internal/config"
	"github.com/karyon/client/internal/db"
	"github.com/karyon/client/internal/middleware"
	"github.com/karyon/client/internal/storage"
	"github.com/karyon/client/internal/videos"
)

// dependencies are the long-lived components shared by every command.
type dependencies struct {
	cfg    config.Config
	logger *slog.Logger

	tokens   *auth.TokenStore
	gateway  *api.Gateway
	client   *api.Client
	session  *auth.SessionController
	history  *chat.HistoryStore
	metadata videos.Provider

	closers []func() error
}

// buildDependencies wires together concrete implementations used by the commands.
func buildDependencies(ctx context.Context, cfg config.Config, logger *slog.Logger) (*dependencies, error) {
	kv, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	deps := &dependencies{cfg: cfg, logger: logger}
	if closeStore != nil {
		deps.closers = append(deps.closers, closeStore)
	}

	var credentialKV storage.KV = kv
	if cfg.StoreKey != "" {
		sealed, err := storage.NewSealed(kv, cfg.StoreKey)
		if err != nil {
			deps.Close()
			return nil, err
		}
		credentialKV = sealed
	}

	httpClient := &http.Client{
		Timeout: cfg.HTTPTimeout,
		Transport: middleware.Chain(http.DefaultTransport,
			middleware.RequestLogger(logger),
			middleware.RateLimit(cfg.RateLimit, time.Second, cfg.RateBurst),
		),
	}

	deps.tokens = auth.NewTokenStore(credentialKV, logger)
	deps.gateway = api.NewGateway(cfg.APIURL, httpClient, deps.tokens, logger)
	deps.client = api.NewClient(deps.gateway)
	deps.session = auth.NewSessionController(deps.tokens, deps.client, logger)
	deps.gateway.OnSessionExpired(deps.session.Expire)
	deps.history = chat.NewHistoryStore(kv, logger)

	var source videos.Provider
	switch cfg.MetadataSource {
	case "ytdlp":
		source = videos.NewYTDLPProvider(cfg.YTDLPPath, cfg.YTDLPTimeout)
	default:
		source = videos.NewAPIProvider(deps.client)
	}
	deps.metadata = videos.NewCachingProvider(source, cfg.MetadataCacheTTL)

	return deps, nil
}

// Close releases the storage backend.
func (d *dependencies) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (storage.KV, func() error, error) {
	switch cfg.Store {
	case config.StoreMemory:
		return storage.NewMemory(), nil, nil
	case config.StorePostgres:
		pool, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		store := storage.NewPostgres(pool)
		if err := ensureSchemaWithRetry(ctx, store, logger); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, func() error { pool.Close(); return nil }, nil
	case config.StoreS3:
		store, err := storage.NewS3(ctx, storage.S3Config{
			Bucket:   cfg.ObjectStore.Bucket,
			Endpoint: cfg.ObjectStore.Endpoint,
			Region:   cfg.ObjectStore.Region,
			Prefix:   cfg.ObjectStore.Prefix,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil
	default:
		store, err := storage.OpenSQLite(ctx, cfg.StorePath)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	}
}

const (
	schemaMaxRetries  = 3
	schemaBaseBackoff = 100 * time.Millisecond
	schemaMaxBackoff  = 3 * time.Second
)

var retryablePgErrorCodes = map[string]struct{}{
	"40001": {}, // serialization_failure
	"40P01": {}, // deadlock_detected
	"55P03": {}, // lock_not_available
}

type schemaEnsurer interface {
	EnsureSchema(ctx context.Context) error
}

// ensureSchemaWithRetry creates the shared kv table, retrying transient
// contention when several clients start against the same database.
func ensureSchemaWithRetry(ctx context.Context, store schemaEnsurer, logger *slog.Logger) error {
	var err error
	for attempt := 0; attempt < schemaMaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * schemaBaseBackoff
			if backoff > schemaMaxBackoff {
				backoff = schemaMaxBackoff
			}
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		err = store.EnsureSchema(ctx)
		if err == nil {
			return nil
		}
		if !shouldRetrySchema(err) {
			return err
		}
		logger.Warn("transient error preparing state table", "attempt", attempt+1, "maxAttempts", schemaMaxRetries, "error", err)
	}
	return fmt.Errorf("prepare state table: exceeded max retries (%d): %w", schemaMaxRetries, err)
}

func shouldRetrySchema(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if _, ok := retryablePgErrorCodes[pgErr.Code]; ok {
			return true
		}
	}

	return errors.Is(err, pgx.ErrTxClosed)
}
