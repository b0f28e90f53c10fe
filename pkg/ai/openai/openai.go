package openai

import (
	"context"
	"sync"
	"time"

	"github.com/OFFIS-RIT/strata/internal/metrics"
	"github.com/OFFIS-RIT/strata/pkg/ai"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

const (
	defaultDimensions        = 1536
	defaultTimeout           = 5 * time.Minute
	defaultParallelEmbeds    = 4
	defaultRequestsPerSecond = 10
)

// GraphOpenAIClient talks to an OpenAI compatible API (OpenAI, Azure
// compatible gateways, Ollama, vLLM). It keeps separate clients for chat and
// embeddings so both can point at different endpoints.
//
// A GraphOpenAIClient should be created using NewGraphOpenAIClient.
type GraphOpenAIClient struct {
	extractionModel  string
	descriptionModel string
	embeddingModel   string
	dimensions       int
	timeout          time.Duration

	// reasoning models reject custom temperatures
	reasoningTemperature bool

	limiter       *rate.Limiter
	embeddingLock *semaphore.Weighted

	metricsLock sync.Mutex
	metrics     ai.ModelMetrics
	prom        *metrics.Metrics

	ChatClient      *openai.Client
	EmbeddingClient *openai.Client
}

// NewGraphOpenAIClientParams configures a GraphOpenAIClient.
//
// ExtractionModel is used for structured completions, DescriptionModel for
// free text. RequestsPerSecond limits all requests of the client; 0 uses the
// default. Dimensions pads or truncates embeddings to a fixed size.
type NewGraphOpenAIClientParams struct {
	ExtractionModel  string
	DescriptionModel string
	EmbeddingModel   string

	ChatURL      string
	ChatKey      string
	EmbeddingURL string
	EmbeddingKey string

	Dimensions        int
	RequestsPerSecond float64
	ParallelEmbeds    int
	Timeout           time.Duration

	Metrics *metrics.Metrics
}

// NewGraphOpenAIClient creates a client for the given endpoints.
//
// Example:
//
//	client := openai.NewGraphOpenAIClient(openai.NewGraphOpenAIClientParams{
//		ExtractionModel:  "gpt-4.1-mini",
//		DescriptionModel: "gpt-4.1-mini",
//		EmbeddingModel:   "text-embedding-3-small",
//		ChatKey:          os.Getenv("AI_CHAT_KEY"),
//		EmbeddingKey:     os.Getenv("AI_EMBED_KEY"),
//	})
func NewGraphOpenAIClient(params NewGraphOpenAIClientParams) *GraphOpenAIClient {
	dims := params.Dimensions
	if dims <= 0 {
		dims = defaultDimensions
	}
	timeout := params.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	rps := params.RequestsPerSecond
	if rps <= 0 {
		rps = defaultRequestsPerSecond
	}
	parallel := params.ParallelEmbeds
	if parallel <= 0 {
		parallel = defaultParallelEmbeds
	}
	descModel := params.DescriptionModel
	if descModel == "" {
		descModel = params.ExtractionModel
	}

	return &GraphOpenAIClient{
		extractionModel:      params.ExtractionModel,
		descriptionModel:     descModel,
		embeddingModel:       params.EmbeddingModel,
		dimensions:           dims,
		timeout:              timeout,
		reasoningTemperature: params.ChatURL == "",
		limiter:              rate.NewLimiter(rate.Limit(rps), max(1, int(rps))),
		embeddingLock:        semaphore.NewWeighted(int64(parallel)),
		prom:                 params.Metrics,
		ChatClient:           newOpenaiClient(params.ChatURL, params.ChatKey),
		EmbeddingClient:      newOpenaiClient(params.EmbeddingURL, params.EmbeddingKey),
	}
}

func newOpenaiClient(
	baseURL string,
	apiKey string,
) *openai.Client {
	if apiKey == "" && baseURL == "" {
		return nil
	}
	options := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}

	if baseURL != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}

	client := openai.NewClient(options...)

	return &client
}

// wait blocks until the rate limiter admits one more request.
func (c *GraphOpenAIClient) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

func (c *GraphOpenAIClient) modifyMetrics(operation string, m ai.ModelMetrics) {
	c.prom.ObserveAIRequest(operation, time.Duration(m.DurationMs)*time.Millisecond, m.InputTokens, m.OutputTokens, nil)

	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()

	c.metrics.Requests++
	c.metrics.InputTokens += m.InputTokens
	c.metrics.OutputTokens += m.OutputTokens
	c.metrics.TotalTokens += m.TotalTokens
	c.metrics.DurationMs += m.DurationMs
	if c.metrics.DurationMs > 0 {
		c.metrics.TokenPerSecond = float32(c.metrics.OutputTokens) / (float32(c.metrics.DurationMs) / 1000)
	}
}

// ResetMetrics clears the accumulated usage.
func (c *GraphOpenAIClient) ResetMetrics() {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.metrics = ai.ModelMetrics{}
}

// GetMetrics returns the usage accumulated since the last reset.
func (c *GraphOpenAIClient) GetMetrics() ai.ModelMetrics {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	return c.metrics
}
