package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

var ErrMissingRequired = errors.New("missing required configuration")

// Engine names accepted by SEARCH_ENGINE.
const (
	EngineOpenSearch = "opensearch"
	EngineWeaviate   = "weaviate"
)

type Config struct {
	DBHost string `envconfig:"DB_HOST" default:"postgres"`
	DBPort int    `envconfig:"DB_PORT" default:"5432"`
	DBUser string `envconfig:"DB_USER" default:"searchindex"`
	DBPass string `envconfig:"DB_PASS" default:"password"`
	DBName string `envconfig:"DB_NAME" default:"searchindex"`

	RedisAddr string `envconfig:"REDIS_ADDR" default:"redis:6379"`
	RedisDB   int    `envconfig:"REDIS_DB" default:"0"`

	// Which backend serves the document index.
	SearchEngine string `envconfig:"SEARCH_ENGINE" default:"opensearch"`

	OpenSearchURL      string `envconfig:"OPENSEARCH_URL" default:"http://opensearch:9200"`
	OpenSearchIndex    string `envconfig:"OPENSEARCH_INDEX" default:"document_chunks"`
	OpenSearchUser     string `envconfig:"OPENSEARCH_USER"`
	OpenSearchPassword string `envconfig:"OPENSEARCH_PASSWORD"`

	WeaviateHost   string `envconfig:"WEAVIATE_HOST" default:"localhost:8080"`
	WeaviateScheme string `envconfig:"WEAVIATE_SCHEME" default:"http"`

	EmbeddingDim int `envconfig:"EMBEDDING_DIM" default:"768"`

	NSQLookupd    string `envconfig:"NSQ_LOOKUPD" default:"nsqlookupd:4161"`
	NSQDHost      string `envconfig:"NSQD_HOST" default:"nsqd:4150"`
	NSQDHTTP      string `envconfig:"NSQD_HTTP" default:"nsqd:4151"`
	NSQMaxMsgSize int64  `envconfig:"NSQ_MAX_MSG_SIZE" default:"10485760"` // 10MB

	EnableIndexWorker    bool `envconfig:"ENABLE_INDEX_WORKER" default:"true"`
	IndexingConcurrency  int  `envconfig:"INDEXING_CONCURRENCY" default:"8"`
	IndexingMaxAttempts  int  `envconfig:"INDEXING_MAX_ATTEMPTS" default:"5"`
	IndexingMaxBackoffMS int  `envconfig:"INDEXING_MAX_BACKOFF_MS" default:"60000"`

	Multitenant bool   `envconfig:"MULTITENANT" default:"false"`
	TenantID    string `envconfig:"TENANT_ID"`

	MigrationPath string `envconfig:"MIGRATION_PATH" default:"file://migrations"`
	QueryLogPath  string `envconfig:"QUERY_LOG_PATH" default:"data/logs/query.log"`

	// Resilience
	BootstrapRetryAttempts     int `envconfig:"BOOTSTRAP_RETRY_ATTEMPTS" default:"10"`
	BootstrapRetryDelaySeconds int `envconfig:"BOOTSTRAP_RETRY_DELAY_SECONDS" default:"2"`
}

func Load() (*Config, error) {
	// Try loading .env from current dir and repo root
	// Ignore errors, as env vars might be set in the shell
	_ = godotenv.Load(".env")

	cwd, _ := os.Getwd()
	rootEnv := filepath.Join(cwd, "../../.env")
	_ = godotenv.Load(rootEnv)

	var cfg Config
	err := envconfig.Process("", &cfg)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.DBHost == "" {
		return fmt.Errorf("%w: DB_HOST", ErrMissingRequired)
	}
	if c.DBUser == "" {
		return fmt.Errorf("%w: DB_USER", ErrMissingRequired)
	}
	if c.DBName == "" {
		return fmt.Errorf("%w: DB_NAME", ErrMissingRequired)
	}
	if c.SearchEngine != EngineOpenSearch && c.SearchEngine != EngineWeaviate {
		return fmt.Errorf("SEARCH_ENGINE must be %q or %q, got %q",
			EngineOpenSearch, EngineWeaviate, c.SearchEngine)
	}
	if c.Multitenant && c.TenantID == "" {
		return fmt.Errorf("%w: TENANT_ID is required when MULTITENANT is set", ErrMissingRequired)
	}
	if c.EmbeddingDim <= 0 {
		return fmt.Errorf("EMBEDDING_DIM must be positive, got %d", c.EmbeddingDim)
	}
	return nil
}
