package graph

import (
	"context"
	"errors"
	"sync"

	"github.com/OFFIS-RIT/strata/internal/metrics"
	"github.com/OFFIS-RIT/strata/pkg/candidate"
	"github.com/OFFIS-RIT/strata/pkg/common"
	"github.com/OFFIS-RIT/strata/pkg/community"
	"github.com/OFFIS-RIT/strata/pkg/loader"
	"github.com/OFFIS-RIT/strata/pkg/matcher"
	"github.com/OFFIS-RIT/strata/pkg/store"
	"github.com/OFFIS-RIT/strata/pkg/vectorsync"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("github.com/OFFIS-RIT/strata/pkg/graph")

// Extractor turns one chunk into raw entities, relations and properties.
type Extractor interface {
	Extract(ctx context.Context, chunk common.Chunk) (*common.Extraction, error)
}

// VectorQueue accepts vector sync jobs without blocking. *vectorsync.Syncer
// implements it.
type VectorQueue interface {
	Enqueue(job vectorsync.Job) error
}

type Config struct {
	ParallelAiRequests int `toml:"parallel_ai_requests" validate:"gte=1"`
	MaxRetries         int `toml:"max_retries" validate:"gte=1"`
}

func DefaultConfig() Config {
	return Config{
		ParallelAiRequests: 16,
		MaxRetries:         3,
	}
}

// GraphClient runs build invocations against one knowledge base. Builds and
// rebuilds of a client are serialized, so merges never interleave with a
// community rebuild.
//
// A GraphClient should be created using NewGraphClient.
type GraphClient struct {
	cfg        Config
	store      *store.GraphStore
	candidates *candidate.Store
	extractor  Extractor
	matcher    *matcher.Matcher
	builder    *community.Builder
	chunker    *loader.Chunker
	vectors    VectorQueue
	metrics    *metrics.Metrics

	mu sync.Mutex
}

// NewGraphClientParams defines the collaborators of a GraphClient.
//
// Store, Extractor, Matcher and Builder are required. Chunker is needed only
// for documents submitted without chunks. Vectors and Metrics are optional.
type NewGraphClientParams struct {
	Store     *store.GraphStore
	Extractor Extractor
	Matcher   *matcher.Matcher
	Builder   *community.Builder
	Chunker   *loader.Chunker
	Vectors   VectorQueue
	Metrics   *metrics.Metrics
	Config    Config
}

// NewGraphClient creates and returns a new GraphClient configured with
// the provided parameters.
//
// Example:
//
//	client, err := graph.NewGraphClient(graph.NewGraphClientParams{
//		Store:     store.NewGraphStore(store.WithPersister(persister)),
//		Extractor: ai.NewAIExtractor(ai.NewAIExtractorParams{Client: aiClient}),
//		Matcher:   matcher.NewMatcher(matcher.NewMatcherParams{...}),
//		Builder:   community.NewBuilder(community.NewBuilderParams{...}),
//		Config:    graph.DefaultConfig(),
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
func NewGraphClient(params NewGraphClientParams) (*GraphClient, error) {
	if params.Store == nil {
		return nil, errors.New("graph store is required")
	}
	if params.Extractor == nil {
		return nil, errors.New("extractor is required")
	}
	if params.Matcher == nil {
		return nil, errors.New("matcher is required")
	}
	if params.Builder == nil {
		return nil, errors.New("community builder is required")
	}

	cfg := params.Config
	if cfg.ParallelAiRequests <= 0 {
		cfg.ParallelAiRequests = 1
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultConfig().MaxRetries
	}

	return &GraphClient{
		cfg:        cfg,
		store:      params.Store,
		candidates: candidate.NewStore(),
		extractor:  params.Extractor,
		matcher:    params.Matcher,
		builder:    params.Builder,
		chunker:    params.Chunker,
		vectors:    params.Vectors,
		metrics:    params.Metrics,
	}, nil
}

// Stats describes the committed graph and its current community generation.
type Stats struct {
	store.Stats
	State      common.GenerationState `json:"state"`
	Generation *GenerationInfo        `json:"generation,omitempty"`
}

func (g *GraphClient) Stats() Stats {
	return Stats{
		Stats:      g.store.Stats(),
		State:      g.builder.State(),
		Generation: generationInfo(g.builder.Current()),
	}
}

// Store returns the graph store of the client.
func (g *GraphClient) Store() *store.GraphStore {
	return g.store
}

// Generation returns the current community generation or nil.
func (g *GraphClient) Generation() *common.Generation {
	return g.builder.Current()
}
