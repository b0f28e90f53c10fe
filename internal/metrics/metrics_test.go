package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_ObserveBuild(t *testing.T) {
	m, err := New(prometheus.NewRegistry())
	require.NoError(t, err)

	m.ObserveBuild(BuildReport{
		Documents:       2,
		Duplicates:      1,
		ChunksProcessed: 5,
		ChunksSkipped:   1,
		ExactMatches:    3,
		FuzzyMerges:     2,
		NodesCreated:    4,
		Duration:        time.Second,
	})
	m.ObserveBuild(BuildReport{Failed: true})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.buildsTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.buildsTotal.WithLabelValues("failure")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.chunksTotal.WithLabelValues("processed")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.resolutionsTotal.WithLabelValues("exact")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.documentsTotal.WithLabelValues("duplicate")))
}

func TestMetrics_ObserveAIRequest(t *testing.T) {
	m, err := New(prometheus.NewRegistry())
	require.NoError(t, err)

	m.ObserveAIRequest("completion", time.Millisecond, 10, 5, nil)
	m.ObserveAIRequest("completion", time.Millisecond, 0, 0, errors.New("boom"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.aiRequestsTotal.WithLabelValues("completion", "failure")))
	assert.Equal(t, 10.0, testutil.ToFloat64(m.aiTokensTotal.WithLabelValues("completion", "input")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.aiTokensTotal.WithLabelValues("completion", "output")))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveBuild(BuildReport{})
	m.ObserveRebuild(time.Second, 3)
	m.ObserveAIRequest("x", 0, 0, 0, nil)
	m.ObserveVectorSync("ok")
	m.ObserveQueueMessage("q", "ok")
}

func TestNew_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	assert.Error(t, err)
}
