package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the prometheus collectors of the worker. All methods are
// safe to call on a nil *Metrics, which records nothing.
type Metrics struct {
	buildsTotal       *prometheus.CounterVec
	documentsTotal    *prometheus.CounterVec
	chunksTotal       *prometheus.CounterVec
	candidatesTotal   prometheus.Counter
	resolutionsTotal  *prometheus.CounterVec
	clusterFailures   prometheus.Counter
	buildDuration     prometheus.Histogram
	rebuildDuration   prometheus.Histogram
	communities       prometheus.Gauge
	aiRequestsTotal   *prometheus.CounterVec
	aiTokensTotal     *prometheus.CounterVec
	aiLatency         *prometheus.HistogramVec
	vectorSyncTotal   *prometheus.CounterVec
	queueMessageTotal *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg uses
// prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		buildsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "strata_builds_total",
			Help: "Total number of build invocations by result",
		}, []string{"result"}),
		documentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "strata_documents_total",
			Help: "Total number of submitted documents by status",
		}, []string{"status"}),
		chunksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "strata_chunks_total",
			Help: "Total number of chunks by extraction status",
		}, []string{"status"}),
		candidatesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "strata_candidates_total",
			Help: "Total number of candidate nodes resolved by the matcher",
		}),
		resolutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "strata_resolutions_total",
			Help: "Total number of candidate resolutions by kind",
		}, []string{"kind"}),
		clusterFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "strata_cluster_failures_total",
			Help: "Total number of clusters that degraded to no merge",
		}),
		buildDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "strata_build_duration_seconds",
			Help:    "Duration of build invocations in seconds",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		rebuildDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "strata_rebuild_duration_seconds",
			Help:    "Duration of community rebuilds in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		communities: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "strata_communities",
			Help: "Number of communities in the current generation",
		}),
		aiRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "strata_ai_requests_total",
			Help: "Total number of model requests by operation and result",
		}, []string{"operation", "result"}),
		aiTokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "strata_ai_tokens_total",
			Help: "Total number of model tokens by operation and direction",
		}, []string{"operation", "direction"}),
		aiLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "strata_ai_request_seconds",
			Help:    "Latency of model requests in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"operation"}),
		vectorSyncTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "strata_vector_sync_jobs_total",
			Help: "Total number of vector sync jobs by result",
		}, []string{"result"}),
		queueMessageTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "strata_queue_messages_total",
			Help: "Total number of consumed queue messages by queue and result",
		}, []string{"queue", "result"}),
	}

	collectors := []prometheus.Collector{
		m.buildsTotal, m.documentsTotal, m.chunksTotal, m.candidatesTotal,
		m.resolutionsTotal, m.clusterFailures, m.buildDuration, m.rebuildDuration,
		m.communities, m.aiRequestsTotal, m.aiTokensTotal, m.aiLatency,
		m.vectorSyncTotal, m.queueMessageTotal,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// BuildReport is the subset of a build report that is exported as metrics.
type BuildReport struct {
	Failed          bool
	Documents       int
	Duplicates      int
	ChunksProcessed int
	ChunksSkipped   int
	Candidates      int
	ExactMatches    int
	FuzzyMerges     int
	NodesCreated    int
	NodesAbsorbed   int
	ClusterFailures int
	Duration        time.Duration
}

func (m *Metrics) ObserveBuild(r BuildReport) {
	if m == nil {
		return
	}
	result := "success"
	if r.Failed {
		result = "failure"
	}
	m.buildsTotal.WithLabelValues(result).Inc()
	m.documentsTotal.WithLabelValues("ingested").Add(float64(r.Documents))
	m.documentsTotal.WithLabelValues("duplicate").Add(float64(r.Duplicates))
	m.chunksTotal.WithLabelValues("processed").Add(float64(r.ChunksProcessed))
	m.chunksTotal.WithLabelValues("skipped").Add(float64(r.ChunksSkipped))
	m.candidatesTotal.Add(float64(r.Candidates))
	m.resolutionsTotal.WithLabelValues("exact").Add(float64(r.ExactMatches))
	m.resolutionsTotal.WithLabelValues("fuzzy").Add(float64(r.FuzzyMerges))
	m.resolutionsTotal.WithLabelValues("created").Add(float64(r.NodesCreated))
	m.resolutionsTotal.WithLabelValues("absorbed").Add(float64(r.NodesAbsorbed))
	m.clusterFailures.Add(float64(r.ClusterFailures))
	m.buildDuration.Observe(r.Duration.Seconds())
}

func (m *Metrics) ObserveRebuild(d time.Duration, communities int) {
	if m == nil {
		return
	}
	m.rebuildDuration.Observe(d.Seconds())
	m.communities.Set(float64(communities))
}

func (m *Metrics) ObserveAIRequest(operation string, d time.Duration, inputTokens, outputTokens int, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.aiRequestsTotal.WithLabelValues(operation, result).Inc()
	m.aiLatency.WithLabelValues(operation).Observe(d.Seconds())
	m.aiTokensTotal.WithLabelValues(operation, "input").Add(float64(inputTokens))
	m.aiTokensTotal.WithLabelValues(operation, "output").Add(float64(outputTokens))
}

func (m *Metrics) ObserveVectorSync(result string) {
	if m == nil {
		return
	}
	m.vectorSyncTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveQueueMessage(queue, result string) {
	if m == nil {
		return
	}
	m.queueMessageTotal.WithLabelValues(queue, result).Inc()
}
