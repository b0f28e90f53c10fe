package graph

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/OFFIS-RIT/strata/pkg/common"
	"github.com/OFFIS-RIT/strata/pkg/community"
	"github.com/OFFIS-RIT/strata/pkg/loader"
	"github.com/OFFIS-RIT/strata/pkg/matcher"
	"github.com/OFFIS-RIT/strata/pkg/store"
	"github.com/OFFIS-RIT/strata/pkg/store/sqlite"
	"github.com/OFFIS-RIT/strata/pkg/vectorsync"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	samText    = "Sam Altman leads OpenAI."
	openaiText = "OpenAI was founded in 2015."
)

var extractions = map[string]*common.Extraction{
	samText: {
		Entities: []common.ExtractedEntity{
			{Name: "Sam Altman", Type: "PERSON", Description: "CEO of OpenAI."},
			{Name: "OpenAI", Type: "ORGANIZATION", Description: "AI research lab."},
		},
		Relations: []common.ExtractedRelation{
			{Source: "Sam Altman", Target: "OpenAI", Label: "leads", Justification: "Sam Altman leads OpenAI."},
			{Source: "Sam Altman", Target: "Nobody", Label: "knows"},
		},
	},
	openaiText: {
		Entities: []common.ExtractedEntity{
			{Name: "OpenAI", Type: "ORGANIZATION", Description: "Founded in 2015."},
		},
		Properties: []common.ExtractedProperty{
			{Entity: "openai", Key: "founded", Value: "2015"},
		},
	},
}

type fakeExtractor struct {
	mu    sync.Mutex
	calls map[string]int
	fail  string
}

func newFakeExtractor() *fakeExtractor {
	return &fakeExtractor{calls: make(map[string]int)}
}

func (f *fakeExtractor) Extract(ctx context.Context, chunk common.Chunk) (*common.Extraction, error) {
	f.mu.Lock()
	f.calls[chunk.Text]++
	f.mu.Unlock()
	if f.fail != "" && strings.Contains(chunk.Text, f.fail) {
		return nil, errors.New("model unavailable")
	}
	if ext, ok := extractions[chunk.Text]; ok {
		return ext, nil
	}
	return &common.Extraction{}, nil
}

func (f *fakeExtractor) callsFor(text string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[text]
}

type separateAll struct{}

func (separateAll) Disambiguate(ctx context.Context, mentions []common.Mention) ([][]int, error) {
	parts := make([][]int, len(mentions))
	for i := range mentions {
		parts[i] = []int{i}
	}
	return parts, nil
}

type rejectAll struct{}

func (rejectAll) Rerank(ctx context.Context, query common.Mention, docs []common.Mention) ([]common.RerankScore, error) {
	out := make([]common.RerankScore, len(docs))
	for i := range docs {
		out[i] = common.RerankScore{Index: i}
	}
	return out, nil
}

type titleSummarizer struct{}

func (titleSummarizer) Summarize(ctx context.Context, c common.Community, texts []string) (*common.CommunitySummary, error) {
	return &common.CommunitySummary{Title: "Community " + c.ID, Summary: strings.Join(texts, " ")}, nil
}

type failingPartitioner struct{}

func (failingPartitioner) Partition(ctx context.Context, g community.WeightedGraph, seed int64) (map[string]int, error) {
	return nil, errors.New("partition diverged")
}

type recordingQueue struct {
	mu   sync.Mutex
	jobs []vectorsync.Job
}

func (q *recordingQueue) Enqueue(job vectorsync.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *recordingQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

func (q *recordingQueue) last() vectorsync.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.jobs[len(q.jobs)-1]
}

func newTestClient(t *testing.T, ext Extractor, modify ...func(*NewGraphClientParams)) (*GraphClient, *recordingQueue) {
	t.Helper()
	queue := &recordingQueue{}
	params := NewGraphClientParams{
		Store:     store.NewGraphStore(),
		Extractor: ext,
		Matcher: matcher.NewMatcher(matcher.NewMatcherParams{
			Disambiguator: separateAll{},
			Reranker:      rejectAll{},
			Config:        matcher.DefaultConfig(),
		}),
		Builder: community.NewBuilder(community.NewBuilderParams{
			Summarizer: titleSummarizer{},
			Config:     community.DefaultConfig(),
		}),
		Vectors: queue,
		Config:  Config{ParallelAiRequests: 4, MaxRetries: 2},
	}
	for _, m := range modify {
		m(&params)
	}
	c, err := NewGraphClient(params)
	require.NoError(t, err)
	return c, queue
}

func doc(name string, texts ...string) DocumentInput {
	in := DocumentInput{Name: name}
	for _, text := range texts {
		in.Chunks = append(in.Chunks, common.Chunk{Text: text})
	}
	return in
}

func mustDocumentID(t *testing.T, c *GraphClient, text string) string {
	t.Helper()
	d, ok := c.Store().DocumentByHash(HashText(text))
	require.True(t, ok)
	return d.ID
}

func kinds(records []vectorsync.Record) map[vectorsync.Kind]int {
	out := make(map[vectorsync.Kind]int)
	for _, r := range records {
		out[r.Kind]++
	}
	return out
}

func TestProcessDocuments_BuildsGraph(t *testing.T) {
	c, queue := newTestClient(t, newFakeExtractor())

	report, err := c.ProcessDocuments(context.Background(), []DocumentInput{
		doc("a.txt", samText),
		doc("b.txt", openaiText),
	})
	require.NoError(t, err)

	assert.Len(t, report.Documents, 2)
	assert.Equal(t, 2, report.ChunksProcessed)
	assert.Zero(t, report.ChunksSkipped)
	assert.Equal(t, 1, report.Unresolved)
	assert.Equal(t, 2, report.Match.NodesCreated)
	assert.Equal(t, 1, report.Match.EdgesAttached)
	assert.Equal(t, 1, report.Match.PropertiesAttached)
	assert.NoError(t, report.RebuildErr)

	stats := c.Stats()
	assert.Equal(t, store.Stats{Documents: 2, Chunks: 2, Nodes: 2, Edges: 1, Properties: 1}, stats.Stats)
	assert.Equal(t, common.StateStable, stats.State)
	require.NotNil(t, report.Generation)
	assert.Equal(t, c.Generation().ID, report.Generation.ID)

	id, ok := c.Store().FindByName("openai")
	require.True(t, ok)
	node, _ := c.Store().GetNode(id)
	assert.Contains(t, node.Description, "AI research lab.")
	assert.Contains(t, node.Description, "Founded in 2015.")
	assert.ElementsMatch(t, report.Documents, []string{
		mustDocumentID(t, c, samText),
		mustDocumentID(t, c, openaiText),
	})

	require.Equal(t, 1, queue.len())
	counts := kinds(queue.last().Upserts)
	assert.Equal(t, 2, counts[vectorsync.KindNode])
	assert.Equal(t, 1, counts[vectorsync.KindEdge])
	assert.Equal(t, 1, counts[vectorsync.KindProperty])
	assert.Equal(t, report.Generation.Communities, counts[vectorsync.KindCommunity])
}

func TestProcessDocuments_DuplicateIsNoOp(t *testing.T) {
	ext := newFakeExtractor()
	c, queue := newTestClient(t, ext)
	ctx := context.Background()

	first, err := c.ProcessDocument(ctx, doc("a.txt", samText))
	require.NoError(t, err)
	stats := c.Stats()
	jobs := queue.len()

	report, err := c.ProcessDocument(ctx, doc("copy.txt", samText))
	var dup *common.DuplicateDocumentError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, first.Documents[0], dup.DocumentID)
	assert.Equal(t, HashText(samText), dup.Hash)
	assert.Empty(t, report.Documents)

	assert.Equal(t, stats, c.Stats())
	assert.Equal(t, jobs, queue.len())
	assert.Equal(t, 1, ext.callsFor(samText))
}

func TestProcessDocuments_SkipsDuplicatesInMixedBatch(t *testing.T) {
	c, _ := newTestClient(t, newFakeExtractor())
	ctx := context.Background()

	_, err := c.ProcessDocument(ctx, doc("a.txt", samText))
	require.NoError(t, err)

	report, err := c.ProcessDocuments(ctx, []DocumentInput{
		doc("again.txt", samText),
		doc("b.txt", openaiText),
		doc("b-copy.txt", openaiText),
	})
	require.NoError(t, err)
	assert.Len(t, report.Documents, 1)
	require.Len(t, report.Duplicates, 2)
	assert.Equal(t, report.Documents[0], report.Duplicates[1].DocumentID)
	assert.Equal(t, 1, report.Match.ExactMatches)
	assert.Equal(t, 2, c.Stats().Documents)
}

func TestProcessDocuments_ExtractionFailureSkipsChunk(t *testing.T) {
	ext := newFakeExtractor()
	ext.fail = "broken"
	c, _ := newTestClient(t, ext)

	in := DocumentInput{Name: "a.txt", Chunks: []common.Chunk{
		{ID: "c1", Text: samText},
		{ID: "c2", Text: "broken chunk"},
	}}
	report, err := c.ProcessDocument(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, 1, report.ChunksProcessed)
	assert.Equal(t, 1, report.ChunksSkipped)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "c2", report.Failures[0].ChunkID)
	assert.Equal(t, 2, ext.callsFor("broken chunk"), "chunk is retried MaxRetries times")
	assert.Equal(t, 2, c.Stats().Nodes)
	assert.Equal(t, 2, c.Stats().Chunks, "skipped chunks are still part of the document")
}

func TestProcessDocuments_CanceledContextLeavesGraphUntouched(t *testing.T) {
	c, queue := newTestClient(t, newFakeExtractor())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.ProcessDocument(ctx, doc("a.txt", samText))
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, store.Stats{}, c.Stats().Stats)
	assert.Zero(t, c.candidates.Len())
	assert.Zero(t, queue.len())
	assert.Nil(t, c.Generation())
}

func TestProcessDocuments_PartitionFailureKeepsCommit(t *testing.T) {
	c, queue := newTestClient(t, newFakeExtractor(), func(p *NewGraphClientParams) {
		p.Builder = community.NewBuilder(community.NewBuilderParams{Partitioner: failingPartitioner{}})
	})

	report, err := c.ProcessDocument(context.Background(), doc("a.txt", samText))
	require.NoError(t, err)

	var pf *common.PartitionFailure
	require.ErrorAs(t, report.RebuildErr, &pf)
	assert.Nil(t, report.Generation)
	assert.Equal(t, 2, c.Stats().Nodes)

	require.Equal(t, 1, queue.len())
	assert.Zero(t, kinds(queue.last().Upserts)[vectorsync.KindCommunity])
}

func TestProcessDocuments_ChunksText(t *testing.T) {
	words := func(s string) int { return len(strings.Fields(s)) }
	ext := newFakeExtractor()
	c, _ := newTestClient(t, ext, func(p *NewGraphClientParams) {
		p.Chunker = loader.NewChunkerWithCounter(3, words)
	})

	report, err := c.ProcessDocument(context.Background(), DocumentInput{
		Name: "a.txt",
		Text: samText + " " + openaiText,
	})
	require.NoError(t, err)

	assert.Equal(t, 2, report.ChunksProcessed)
	assert.Equal(t, 1, ext.callsFor(samText))
	assert.Equal(t, 1, ext.callsFor(openaiText))
	assert.Equal(t, 1, c.Stats().Properties)
}

func TestProcessDocuments_TextWithoutChunker(t *testing.T) {
	c, _ := newTestClient(t, newFakeExtractor())

	_, err := c.ProcessDocument(context.Background(), DocumentInput{Name: "a.txt", Text: samText})
	require.Error(t, err)
	assert.Equal(t, store.Stats{}, c.Stats().Stats)
}

func TestRebuild_PublishesEquivalentGeneration(t *testing.T) {
	c, queue := newTestClient(t, newFakeExtractor())
	ctx := context.Background()

	_, err := c.ProcessDocuments(ctx, []DocumentInput{doc("a.txt", samText), doc("b.txt", openaiText)})
	require.NoError(t, err)
	before := c.Generation()
	jobs := queue.len()

	after, err := c.Rebuild(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, before.ID, after.ID)
	require.Len(t, after.Levels, len(before.Levels))
	for i := range before.Levels {
		require.Len(t, after.Levels[i], len(before.Levels[i]))
		for j := range before.Levels[i] {
			assert.Equal(t, before.Levels[i][j].ID, after.Levels[i][j].ID)
			assert.Equal(t, before.Levels[i][j].Members, after.Levels[i][j].Members)
		}
	}

	require.Equal(t, jobs+1, queue.len())
	job := queue.last()
	assert.Len(t, job.Deletes, before.CommunityCount())
	assert.Contains(t, job.Deletes, vectorsync.CommunityRecordID(before.ID, before.Levels[0][0].ID))
	assert.Equal(t, after.CommunityCount(), kinds(job.Upserts)[vectorsync.KindCommunity])
}

func TestNewGraphClient_RequiresCollaborators(t *testing.T) {
	_, err := NewGraphClient(NewGraphClientParams{})
	require.Error(t, err)
}

func TestProcessDocuments_WorkersShareOneDatabase(t *testing.T) {
	ctx := context.Background()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "graph.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	persisted := func(p *NewGraphClientParams) {
		p.Store = store.NewGraphStore(store.WithPersister(db))
		p.Builder = community.NewBuilder(community.NewBuilderParams{
			Summarizer: titleSummarizer{},
			Store:      db,
			Config:     community.DefaultConfig(),
		})
	}
	a, _ := newTestClient(t, newFakeExtractor(), persisted)
	b, queueB := newTestClient(t, newFakeExtractor(), persisted)
	require.NoError(t, a.Load(ctx))
	require.NoError(t, b.Load(ctx))

	_, err = a.ProcessDocument(ctx, doc("a.txt", samText))
	require.NoError(t, err)

	// b loaded the empty graph; it must see a's commit before matching
	report, err := b.ProcessDocument(ctx, doc("b.txt", openaiText))
	require.NoError(t, err)
	assert.Zero(t, report.Match.NodesCreated)
	assert.NotEqual(t, a.Generation().ID, b.Generation().ID, "b published a newer generation")
	assert.Equal(t, b.Store().Version(), queueB.last().Version)

	_, err = b.ProcessDocument(ctx, doc("copy.txt", samText))
	var dup *common.DuplicateDocumentError
	require.ErrorAs(t, err, &dup)

	snap, err := db.LoadGraph(ctx)
	require.NoError(t, err)
	owners := 0
	for _, n := range snap.Nodes {
		if common.NormalizeName(n.Name) == "openai" {
			owners++
		}
	}
	assert.Equal(t, 1, owners)
	assert.Len(t, snap.Documents, 2)

	// a catches up on its next build
	_, err = a.ProcessDocument(ctx, doc("again.txt", openaiText))
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, b.Generation().ID, a.Generation().ID)
}
