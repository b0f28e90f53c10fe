package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/OFFIS-RIT/strata/internal/util"
	"github.com/OFFIS-RIT/strata/pkg/community"
	"github.com/OFFIS-RIT/strata/pkg/graph"
	"github.com/OFFIS-RIT/strata/pkg/loader"
	"github.com/OFFIS-RIT/strata/pkg/matcher"

	"github.com/go-playground/validator"
	"github.com/pelletier/go-toml/v2"
)

// Duration decodes TOML strings such as "90s" or "2m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

type DatabaseConfig struct {
	// URL selects Postgres. When empty SQLitePath is used.
	URL        string `toml:"url"`
	SQLitePath string `toml:"sqlite_path"`
}

type QueueConfig struct {
	URL        string   `toml:"url" validate:"required"`
	Prefetch   int      `toml:"prefetch" validate:"gte=1"`
	MaxRetries int      `toml:"max_retries" validate:"gte=0"`
	RetryDelay Duration `toml:"retry_delay"`
}

type StorageConfig struct {
	// Source is where build messages resolve document keys: "file" or "s3".
	Source    string `toml:"source" validate:"oneof=file s3"`
	Root      string `toml:"root"`
	Region    string `toml:"region"`
	Endpoint  string `toml:"endpoint"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	Bucket    string `toml:"bucket"`
	// ReportPrefix is the key prefix build reports are archived under. Empty
	// disables archiving.
	ReportPrefix string `toml:"report_prefix"`
}

type AIConfig struct {
	ChatURL          string   `toml:"chat_url"`
	ChatKey          string   `toml:"chat_key"`
	EmbeddingURL     string   `toml:"embedding_url"`
	EmbeddingKey     string   `toml:"embedding_key"`
	ExtractionModel  string   `toml:"extraction_model" validate:"required"`
	DescriptionModel string   `toml:"description_model"`
	EmbeddingModel   string   `toml:"embedding_model"`
	Dimensions       int      `toml:"dimensions" validate:"gte=0"`
	RequestsPerSec   float64  `toml:"requests_per_second" validate:"gte=0"`
	Timeout          Duration `toml:"timeout"`
	// CallTimeout bounds one disambiguation or rerank call.
	CallTimeout Duration `toml:"call_timeout"`
	EntityTypes []string `toml:"entity_types"`
}

type ChunkerConfig struct {
	Encoding  string `toml:"encoding"`
	MaxTokens int    `toml:"max_tokens" validate:"gte=1"`
}

type VectorSyncConfig struct {
	Enabled    bool     `toml:"enabled"`
	QueueSize  int      `toml:"queue_size" validate:"gte=1"`
	MaxRetries int      `toml:"max_retries" validate:"gte=1"`
	Backoff    Duration `toml:"backoff"`
}

type ObservabilityConfig struct {
	MetricsAddr string `toml:"metrics_addr"`
	TraceStdout bool   `toml:"trace_stdout"`
}

// Config is the complete worker configuration.
type Config struct {
	KnowledgeBase string `toml:"knowledge_base" validate:"required"`
	WorkerID      string `toml:"worker_id" validate:"required"`
	Debug         bool   `toml:"debug"`

	Database      DatabaseConfig      `toml:"database"`
	Queue         QueueConfig         `toml:"queue"`
	Storage       StorageConfig       `toml:"storage"`
	AI            AIConfig            `toml:"ai"`
	Chunker       ChunkerConfig       `toml:"chunker"`
	Matcher       matcher.Config      `toml:"matcher"`
	Community     community.Config    `toml:"community"`
	Graph         graph.Config        `toml:"graph"`
	VectorSync    VectorSyncConfig    `toml:"vector_sync"`
	Observability ObservabilityConfig `toml:"observability"`
}

func Default() Config {
	host, _ := os.Hostname()
	return Config{
		KnowledgeBase: "default",
		WorkerID:      host,
		Database: DatabaseConfig{
			SQLitePath: "data/strata.db",
		},
		Queue: QueueConfig{
			Prefetch:   1,
			MaxRetries: 10,
			RetryDelay: Duration{10 * time.Second},
		},
		Storage: StorageConfig{
			Source: "file",
		},
		AI: AIConfig{
			Timeout:     Duration{5 * time.Minute},
			CallTimeout: Duration{2 * time.Minute},
		},
		Chunker: ChunkerConfig{
			Encoding:  loader.DefaultEncoding,
			MaxTokens: loader.DefaultMaxTokens,
		},
		Matcher:   matcher.DefaultConfig(),
		Community: community.DefaultConfig(),
		Graph:     graph.DefaultConfig(),
		VectorSync: VectorSyncConfig{
			QueueSize:  64,
			MaxRetries: 3,
			Backoff:    Duration{time.Second},
		},
		Observability: ObservabilityConfig{
			MetricsAddr: ":9090",
		},
	}
}

// Load builds the configuration from defaults, the TOML file named by
// STRATA_CONFIG and environment overrides, in that order, and validates it.
func Load() (*Config, error) {
	cfg := Default()

	if path := util.GetEnv("STRATA_CONFIG"); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFile overlays the values of a TOML file on c. Keys missing from the
// file keep their current value.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.KnowledgeBase = util.GetEnvString("KNOWLEDGE_BASE", c.KnowledgeBase)
	c.WorkerID = util.GetEnvString("WORKER_ID", c.WorkerID)
	c.Debug = util.GetEnvBool("DEBUG", c.Debug)

	c.Database.URL = util.GetEnvString("DATABASE_URL", c.Database.URL)
	c.Database.SQLitePath = util.GetEnvString("SQLITE_PATH", c.Database.SQLitePath)

	c.Queue.URL = util.GetEnvString("RABBITMQ_URL", c.Queue.URL)
	if c.Queue.URL == "" {
		c.Queue.URL = rabbitURLFromEnv()
	}
	c.Queue.Prefetch = util.GetEnvInt("RABBITMQ_PREFETCH", c.Queue.Prefetch)
	c.Queue.MaxRetries = util.GetEnvInt("QUEUE_MAX_RETRIES", c.Queue.MaxRetries)
	c.Queue.RetryDelay.Duration = util.GetEnvDuration("QUEUE_RETRY_DELAY", c.Queue.RetryDelay.Duration)

	c.Storage.Source = util.GetEnvString("DOCUMENT_SOURCE", c.Storage.Source)
	c.Storage.Root = util.GetEnvString("DOCUMENT_ROOT", c.Storage.Root)
	c.Storage.Region = util.GetEnvString("AWS_REGION", c.Storage.Region)
	c.Storage.Endpoint = util.GetEnvString("AWS_ENDPOINT", c.Storage.Endpoint)
	c.Storage.AccessKey = util.GetEnvString("AWS_ACCESS_KEY", c.Storage.AccessKey)
	c.Storage.SecretKey = util.GetEnvString("AWS_SECRET_KEY", c.Storage.SecretKey)
	c.Storage.Bucket = util.GetEnvString("AWS_BUCKET", c.Storage.Bucket)
	c.Storage.ReportPrefix = util.GetEnvString("REPORT_PREFIX", c.Storage.ReportPrefix)

	c.AI.ChatURL = util.GetEnvString("AI_CHAT_URL", c.AI.ChatURL)
	c.AI.ChatKey = util.GetEnvString("AI_CHAT_KEY", c.AI.ChatKey)
	c.AI.EmbeddingURL = util.GetEnvString("AI_EMBED_URL", c.AI.EmbeddingURL)
	c.AI.EmbeddingKey = util.GetEnvString("AI_EMBED_KEY", c.AI.EmbeddingKey)
	c.AI.ExtractionModel = util.GetEnvString("AI_CHAT_EXTRACT_MODEL", c.AI.ExtractionModel)
	c.AI.DescriptionModel = util.GetEnvString("AI_CHAT_DESCRIBE_MODEL", c.AI.DescriptionModel)
	c.AI.EmbeddingModel = util.GetEnvString("AI_EMBED_MODEL", c.AI.EmbeddingModel)
	c.AI.Dimensions = util.GetEnvInt("AI_EMBED_DIMENSIONS", c.AI.Dimensions)
	c.AI.RequestsPerSec = util.GetEnvFloat("AI_REQUESTS_PER_SECOND", c.AI.RequestsPerSec)
	c.AI.Timeout.Duration = util.GetEnvDuration("AI_TIMEOUT", c.AI.Timeout.Duration)
	c.AI.CallTimeout.Duration = util.GetEnvDuration("AI_CALL_TIMEOUT", c.AI.CallTimeout.Duration)

	c.Chunker.Encoding = util.GetEnvString("CHUNK_ENCODING", c.Chunker.Encoding)
	c.Chunker.MaxTokens = util.GetEnvInt("CHUNK_MAX_TOKENS", c.Chunker.MaxTokens)

	c.Matcher.SimilarityThreshold = util.GetEnvFloat("MATCH_SIMILARITY_THRESHOLD", c.Matcher.SimilarityThreshold)
	c.Matcher.AcceptanceThreshold = util.GetEnvFloat("MATCH_ACCEPTANCE_THRESHOLD", c.Matcher.AcceptanceThreshold)
	c.Matcher.TokenSubset = util.GetEnvBool("MATCH_TOKEN_SUBSET", c.Matcher.TokenSubset)
	c.Matcher.ParallelClusters = util.GetEnvInt("MATCH_PARALLEL_CLUSTERS", c.Matcher.ParallelClusters)

	c.Community.Seed = int64(util.GetEnvInt("COMMUNITY_SEED", int(c.Community.Seed)))
	c.Community.MaxLevels = util.GetEnvInt("COMMUNITY_MAX_LEVELS", c.Community.MaxLevels)
	c.Community.ParallelSummaries = util.GetEnvInt("COMMUNITY_PARALLEL_SUMMARIES", c.Community.ParallelSummaries)

	c.Graph.ParallelAiRequests = util.GetEnvInt("AI_PARALLEL_REQ", c.Graph.ParallelAiRequests)
	c.Graph.MaxRetries = util.GetEnvInt("AI_MAX_RETRIES", c.Graph.MaxRetries)

	c.VectorSync.Enabled = util.GetEnvBool("VECTOR_SYNC", c.VectorSync.Enabled)
	c.VectorSync.QueueSize = util.GetEnvInt("VECTOR_SYNC_QUEUE_SIZE", c.VectorSync.QueueSize)
	c.VectorSync.MaxRetries = util.GetEnvInt("VECTOR_SYNC_MAX_RETRIES", c.VectorSync.MaxRetries)
	c.VectorSync.Backoff.Duration = util.GetEnvDuration("VECTOR_SYNC_BACKOFF", c.VectorSync.Backoff.Duration)

	c.Observability.MetricsAddr = util.GetEnvString("METRICS_ADDR", c.Observability.MetricsAddr)
	c.Observability.TraceStdout = util.GetEnvBool("TRACE_STDOUT", c.Observability.TraceStdout)

	c.Matcher.CallTimeout = c.AI.CallTimeout.Duration
}

func rabbitURLFromEnv() string {
	host := util.GetEnv("RABBITMQ_HOST")
	if host == "" {
		return ""
	}
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(util.GetEnv("RABBITMQ_USER"), util.GetEnv("RABBITMQ_PASSWORD")),
		Host:   host + ":" + util.GetEnvString("RABBITMQ_PORT", "5672"),
		Path:   "/",
	}
	return u.String()
}

// Validate checks the struct tags and the rules spanning several fields.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	var errs []error
	if c.Database.URL == "" && c.Database.SQLitePath == "" {
		errs = append(errs, errors.New("either database url or sqlite path is required"))
	}
	if c.Storage.Source == "s3" && c.Storage.Bucket == "" {
		errs = append(errs, errors.New("s3 document source requires a bucket"))
	}
	if c.Storage.ReportPrefix != "" && c.Storage.Bucket == "" {
		errs = append(errs, errors.New("report archiving requires a bucket"))
	}
	if c.VectorSync.Enabled && c.AI.EmbeddingModel == "" {
		errs = append(errs, errors.New("vector sync requires an embedding model"))
	}
	if c.VectorSync.Enabled && c.Database.URL == "" {
		errs = append(errs, errors.New("vector sync requires postgres"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// UsesPostgres reports whether the graph is persisted in Postgres.
func (c *Config) UsesPostgres() bool {
	return c.Database.URL != ""
}
