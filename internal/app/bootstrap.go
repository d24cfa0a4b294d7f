package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/nsqio/go-nsq"
	"github.com/redis/go-redis/v9"
	weaviateclient "github.com/weaviate/weaviate-go-client/v5/weaviate"

	"lattice/searchindex/internal/config"
	"lattice/searchindex/internal/hierarchy"
	"lattice/searchindex/internal/index"
	"lattice/searchindex/internal/index/opensearch"
	"lattice/searchindex/internal/index/weaviate"
)

// Dependencies holds every external collaborator the workers need, wired and
// verified.
type Dependencies struct {
	DB          *sql.DB
	Index       index.DocumentIndex
	Redis       *redis.Client
	Hierarchy   *hierarchy.Cache
	NSQProducer *nsq.Producer
}

func Bootstrap(ctx context.Context, cfg *config.Config) (*Dependencies, error) {
	// Database
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPass, cfg.DBName)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}

	retryDelay := time.Duration(cfg.BootstrapRetryDelaySeconds) * time.Second
	for i := 0; i < cfg.BootstrapRetryAttempts; i++ {
		if err := db.Ping(); err == nil {
			break
		}
		slog.Warn("failed to ping db, retrying...", "attempt", i+1)
		time.Sleep(retryDelay)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	// Migrations
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("migration driver error: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance(cfg.MigrationPath, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("migration instance error: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return nil, fmt.Errorf("migration up error: %w", err)
	}

	// Document index
	docIndex, err := BuildIndex(cfg)
	if err != nil {
		return nil, err
	}
	if err := VerifySchemaWithRetry(ctx, docIndex, cfg.EmbeddingDim, cfg.BootstrapRetryAttempts, retryDelay); err != nil {
		return nil, fmt.Errorf("index schema error: %w", err)
	}

	// Redis + hierarchy cache
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping error: %w", err)
	}
	cache := hierarchy.NewCache(hierarchy.NewRedisKV(rdb), hierarchy.NewPostgresRepo(db), nil)

	// NSQ Producer
	producer, err := nsq.NewProducer(cfg.NSQDHost, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("nsq producer error: %w", err)
	}

	createTopics(cfg.NSQDHTTP)

	return &Dependencies{
		DB:          db,
		Index:       docIndex,
		Redis:       rdb,
		Hierarchy:   cache,
		NSQProducer: producer,
	}, nil
}

// BuildIndex selects the engine behind the DocumentIndex contract.
func BuildIndex(cfg *config.Config) (index.DocumentIndex, error) {
	tenant := index.TenantState{TenantID: cfg.TenantID, Multitenant: cfg.Multitenant}
	backoff := index.DefaultBackoffPolicy()
	if cfg.IndexingMaxAttempts > 0 {
		backoff.MaxAttempts = cfg.IndexingMaxAttempts
	}
	if cfg.IndexingMaxBackoffMS > 0 {
		backoff.MaxDelay = time.Duration(cfg.IndexingMaxBackoffMS) * time.Millisecond
	}

	switch cfg.SearchEngine {
	case config.EngineOpenSearch:
		client := opensearch.NewClient(cfg.OpenSearchURL, cfg.OpenSearchIndex,
			cfg.OpenSearchUser, cfg.OpenSearchPassword, nil)
		return opensearch.NewIndex(client, tenant, backoff, cfg.IndexingConcurrency, nil), nil
	case config.EngineWeaviate:
		wClient, err := weaviateclient.NewClient(weaviateclient.Config{
			Host:   cfg.WeaviateHost,
			Scheme: cfg.WeaviateScheme,
		})
		if err != nil {
			return nil, fmt.Errorf("weaviate client error: %w", err)
		}
		return weaviate.NewStore(wClient, tenant, backoff, cfg.IndexingConcurrency, nil), nil
	default:
		return nil, fmt.Errorf("unknown search engine %q", cfg.SearchEngine)
	}
}

func createTopics(nsqdHTTP string) {
	create := func(topic string) {
		url := fmt.Sprintf("http://%s/topic/create?topic=%s", nsqdHTTP, topic)
		resp, err := http.Post(url, "application/json", nil) // #nosec G107 -- URL is built from internal NSQ config, not user input
		if err != nil {
			slog.Warn("failed to create NSQ topic", "topic", topic, "error", err)
			return
		}
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Warn("failed to close NSQ topic creation response body", "error", closeErr)
		}
	}

	go func() {
		time.Sleep(2 * time.Second)
		create(config.TopicChunkBatches)
		create(config.TopicDocumentDeletes)
	}()
}

// VerifySchemaWithRetry keeps probing the backend until the schema is in
// place or the attempts run out.
func VerifySchemaWithRetry(ctx context.Context, v index.SchemaVerifier, embeddingDim, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = v.VerifyAndCreateSchema(ctx, embeddingDim); err == nil {
			return nil
		}
		if i < attempts-1 {
			time.Sleep(delay)
		}
	}
	return err
}
