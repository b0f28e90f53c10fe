package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/OFFIS-RIT/strata/internal/config"
	"github.com/OFFIS-RIT/strata/internal/metrics"
	"github.com/OFFIS-RIT/strata/internal/queue"
	"github.com/OFFIS-RIT/strata/internal/storage"
	"github.com/OFFIS-RIT/strata/internal/util"
	"github.com/OFFIS-RIT/strata/pkg/ai"
	gai "github.com/OFFIS-RIT/strata/pkg/ai/openai"
	"github.com/OFFIS-RIT/strata/pkg/community"
	"github.com/OFFIS-RIT/strata/pkg/graph"
	"github.com/OFFIS-RIT/strata/pkg/leaselock"
	"github.com/OFFIS-RIT/strata/pkg/loader"
	s3loader "github.com/OFFIS-RIT/strata/pkg/loader/s3"
	"github.com/OFFIS-RIT/strata/pkg/logger"
	"github.com/OFFIS-RIT/strata/pkg/logger/console"
	"github.com/OFFIS-RIT/strata/pkg/matcher"
	"github.com/OFFIS-RIT/strata/pkg/store"
	spgx "github.com/OFFIS-RIT/strata/pkg/store/pgx"
	"github.com/OFFIS-RIT/strata/pkg/store/sqlite"
	"github.com/OFFIS-RIT/strata/pkg/vectorsync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

type persistence interface {
	store.Persister
	community.GenerationStore
}

func main() {
	util.LoadEnv()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		// logger is not configured yet
		console.NewConsoleLogger(console.ConsoleLoggerParams{}).Fatal("Invalid configuration", "err", err)
	}

	// logger
	consoleLogger := console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug: cfg.Debug,
	})
	logger.Init(consoleLogger)

	// metrics and tracing
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		logger.Fatal("Failed to register metrics", "err", err)
	}
	serveMetrics(ctx, cfg.Observability.MetricsAddr, reg)
	shutdownTracing := initTracing(cfg.Observability.TraceStdout)
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("Failed to flush traces", "err", err)
		}
	}()

	// GraphAIClient
	aiClient := gai.NewGraphOpenAIClient(gai.NewGraphOpenAIClientParams{
		ExtractionModel:   cfg.AI.ExtractionModel,
		DescriptionModel:  cfg.AI.DescriptionModel,
		EmbeddingModel:    cfg.AI.EmbeddingModel,
		ChatURL:           cfg.AI.ChatURL,
		ChatKey:           cfg.AI.ChatKey,
		EmbeddingURL:      cfg.AI.EmbeddingURL,
		EmbeddingKey:      cfg.AI.EmbeddingKey,
		Dimensions:        cfg.AI.Dimensions,
		RequestsPerSecond: cfg.AI.RequestsPerSec,
		Timeout:           cfg.AI.Timeout.Duration,
		Metrics:           m,
	})

	// persistence
	var (
		persister persistence
		pool      *pgxpool.Pool
	)
	if cfg.UsesPostgres() {
		if err := spgx.Migrate(cfg.Database.URL); err != nil {
			logger.Fatal("Failed to migrate database", "err", err)
		}
		poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
		if err != nil {
			logger.Fatal("Invalid database url", "err", err)
		}
		poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			return pgxvec.RegisterTypes(ctx, conn)
		}
		pool, err = pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			logger.Fatal("Unable to connect to database", "err", err)
		}
		defer pool.Close()
		persister = spgx.NewGraphPersister(pool)
	} else {
		db, err := sqlite.Open(cfg.Database.SQLitePath)
		if err != nil {
			logger.Fatal("Unable to open database", "path", cfg.Database.SQLitePath, "err", err)
		}
		defer db.Close()
		persister = db
		logger.Info("Using sqlite persistence", "path", db.Path())
	}

	// rabbitmq
	conn, err := queue.Dial(ctx, cfg.Queue.URL)
	if err != nil {
		logger.Fatal("Failed to connect to RabbitMQ", "err", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open channel", "err", err)
	}
	defer ch.Close()
	if err := queue.SetupQueues(ch, queue.Queues, cfg.Queue.RetryDelay.Duration); err != nil {
		logger.Fatal("Failed to set up queues", "err", err)
	}
	publisher := queue.NewPublisher(ch)

	// vector sync, failed jobs are parked on the vector sync queue
	var syncer *vectorsync.Syncer
	if cfg.VectorSync.Enabled {
		syncer = vectorsync.NewSyncer(vectorsync.NewSyncerParams{
			Sink:       spgx.NewVectorSink(pool, aiClient),
			QueueSize:  cfg.VectorSync.QueueSize,
			MaxRetries: cfg.VectorSync.MaxRetries,
			Backoff:    cfg.VectorSync.Backoff.Duration,
			Metrics:    m,
			Fallback: func(ctx context.Context, job vectorsync.Job) error {
				data, err := json.Marshal(job)
				if err != nil {
					return err
				}
				return publisher.PublishFIFO(ctx, queue.VectorSyncQueue, data, nil)
			},
		})
		go syncer.Run(ctx)
	}

	// graph
	chunker, err := loader.NewChunker(cfg.Chunker.Encoding, cfg.Chunker.MaxTokens)
	if err != nil {
		logger.Fatal("Failed to create chunker", "err", err)
	}
	retries := cfg.Graph.MaxRetries
	// community reports are free text and use the description model
	var describe []ai.GenerateOption
	if cfg.AI.DescriptionModel != "" {
		describe = append(describe, ai.WithModel(cfg.AI.DescriptionModel))
	}

	graphParams := graph.NewGraphClientParams{
		Store: store.NewGraphStore(store.WithPersister(persister)),
		Extractor: ai.NewAIExtractor(ai.NewAIExtractorParams{
			Client:      aiClient,
			EntityTypes: cfg.AI.EntityTypes,
			MaxRetries:  retries,
		}),
		Matcher: matcher.NewMatcher(matcher.NewMatcherParams{
			Disambiguator: ai.NewAIDisambiguator(aiClient, retries),
			Reranker:      ai.NewAIReranker(aiClient, retries),
			Config:        cfg.Matcher,
		}),
		Builder: community.NewBuilder(community.NewBuilderParams{
			Partitioner: community.LabelPropagation{},
			Summarizer:  ai.NewAISummarizer(aiClient, retries, describe...),
			Store:       persister,
			Config:      cfg.Community,
		}),
		Chunker: chunker,
		Metrics: m,
		Config:  cfg.Graph,
	}
	if syncer != nil {
		graphParams.Vectors = syncer
	}
	graphClient, err := graph.NewGraphClient(graphParams)
	if err != nil {
		logger.Fatal("Failed to create graph client", "err", err)
	}
	if err := graphClient.Load(ctx); err != nil {
		logger.Fatal("Failed to load graph", "err", err)
	}
	stats := graphClient.Stats()
	logger.Info("Graph loaded", "knowledge_base", cfg.KnowledgeBase, "nodes", stats.Nodes, "edges", stats.Edges, "state", stats.State)

	// documents
	handlerParams := queue.NewHandlerParams{
		KnowledgeBase: cfg.KnowledgeBase,
		WorkerID:      cfg.WorkerID,
		Graph:         graphClient,
		Source:        loader.NewFileSource(cfg.Storage.Root),
		ReportPrefix:  cfg.Storage.ReportPrefix,
		Events:        publisher,
	}
	if cfg.Storage.Bucket != "" {
		s3Client, err := storage.NewS3Client(ctx, storage.NewS3ClientParams{
			Region:    cfg.Storage.Region,
			Endpoint:  cfg.Storage.Endpoint,
			AccessKey: cfg.Storage.AccessKey,
			SecretKey: cfg.Storage.SecretKey,
		})
		if err != nil {
			logger.Fatal("Failed to create S3 client", "err", err)
		}
		bucket := storage.NewBucket(s3Client, cfg.Storage.Bucket)
		handlerParams.Reports = bucket
		if cfg.Storage.Source == "s3" {
			handlerParams.Source = s3loader.NewS3Source(cfg.Storage.Bucket, s3Client)
			handlerParams.Lister = bucket
		}
	}
	if pool != nil {
		handlerParams.Locks = leaselock.New(pool)
	}
	if syncer != nil {
		handlerParams.Vectors = syncer
	}
	handler, err := queue.NewHandler(handlerParams)
	if err != nil {
		logger.Fatal("Failed to create handler", "err", err)
	}

	// A dedicated consumer channel with prefetch=1 delivers one message at a
	// time across all queues.
	consumerCh, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open consumer channel", "err", err)
	}
	defer consumerCh.Close()

	consumer, err := queue.NewConsumer(queue.NewConsumerParams{
		Channel:    consumerCh,
		Publisher:  publisher,
		Handler:    handler,
		Queues:     queue.Queues,
		Prefetch:   cfg.Queue.Prefetch,
		MaxRetries: cfg.Queue.MaxRetries,
		Metrics:    m,
	})
	if err != nil {
		logger.Fatal("Failed to create consumer", "err", err)
	}
	if err := consumer.Run(ctx); err != nil {
		logger.Error("Consumer stopped", "err", err)
	}

	usage := aiClient.GetMetrics()
	logger.Info(
		"AI usage",
		"input_tokens", usage.InputTokens,
		"output_tokens", usage.OutputTokens,
		"total_tokens", usage.TotalTokens,
	)
	logger.Info("Shutdown signal received, exiting...")
}
