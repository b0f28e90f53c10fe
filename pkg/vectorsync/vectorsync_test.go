package vectorsync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/OFFIS-RIT/strata/pkg/common"
	"github.com/OFFIS-RIT/strata/pkg/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nodeMap map[string]common.Node

func (m nodeMap) GetNode(id string) (common.Node, bool) {
	n, ok := m[id]
	return n, ok
}

type flakySink struct {
	mu       sync.Mutex
	failures int
	upserts  [][]Record
	deletes  [][]string
	calls    int
}

func (s *flakySink) Upsert(ctx context.Context, records []Record, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failures > 0 {
		s.failures--
		return errors.New("index unavailable")
	}
	s.upserts = append(s.upserts, records)
	return nil
}

func (s *flakySink) Delete(ctx context.Context, ids []string, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes = append(s.deletes, ids)
	return nil
}

func (s *flakySink) upsertCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type versionedRecord struct {
	text    string
	version int64
	deleted bool
}

// versionedSink keeps the last applied write per id with the same ordering
// rules as the postgres sink. failNext fails the next upsert.
type versionedSink struct {
	mu       sync.Mutex
	records  map[string]versionedRecord
	failNext bool
}

func (s *versionedSink) Upsert(ctx context.Context, records []Record, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext {
		s.failNext = false
		return errors.New("index unavailable")
	}
	for _, r := range records {
		cur, ok := s.records[r.ID]
		if ok && (cur.version > version || (cur.version == version && cur.deleted)) {
			continue
		}
		s.records[r.ID] = versionedRecord{text: r.Text, version: version}
	}
	return nil
}

func (s *versionedSink) Delete(ctx context.Context, ids []string, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if cur, ok := s.records[id]; ok && cur.version > version {
			continue
		}
		s.records[id] = versionedRecord{version: version, deleted: true}
	}
	return nil
}

func (s *versionedSink) live(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok || r.deleted {
		return "", false
	}
	return r.text, true
}

func TestSyncer_ReplayedJobDoesNotRevertNewerWrites(t *testing.T) {
	sink := &versionedSink{records: map[string]versionedRecord{}, failNext: true}
	var parked []Job
	s := NewSyncer(NewSyncerParams{Sink: sink, MaxRetries: 1, Backoff: -1})
	ctx := context.Background()

	older, err := NewJob(1, []Record{
		{ID: "n1", Kind: KindNode, Text: "Acme: old"},
		{ID: "n2", Kind: KindNode, Text: "Globex"},
	}, nil)
	require.NoError(t, err)
	require.Error(t, s.Sync(ctx, older))
	parked = append(parked, older)

	newer, err := NewJob(2, []Record{{ID: "n1", Kind: KindNode, Text: "Acme: new"}}, []string{"n2"})
	require.NoError(t, err)
	require.NoError(t, s.Sync(ctx, newer))

	for _, job := range parked {
		require.NoError(t, s.Sync(ctx, job))
	}

	text, ok := sink.live("n1")
	require.True(t, ok)
	assert.Equal(t, "Acme: new", text)
	_, ok = sink.live("n2")
	assert.False(t, ok, "deleted record must stay deleted")

	// replaying the newest job again is harmless
	require.NoError(t, s.Sync(ctx, newer))
	text, _ = sink.live("n1")
	assert.Equal(t, "Acme: new", text)
}

func TestSyncer_DeleteOfSameVersionGenerationSticks(t *testing.T) {
	sink := &versionedSink{records: map[string]versionedRecord{}}
	s := NewSyncer(NewSyncerParams{Sink: sink, MaxRetries: 1, Backoff: -1})
	ctx := context.Background()

	build, err := NewJob(3, []Record{{ID: "g1/comm-0-0", Kind: KindCommunity, Text: "AI labs"}}, nil)
	require.NoError(t, err)
	rebuild, err := NewJob(3, []Record{{ID: "g2/comm-0-0", Kind: KindCommunity, Text: "AI labs"}}, []string{"g1/comm-0-0"})
	require.NoError(t, err)

	require.NoError(t, s.Sync(ctx, build))
	require.NoError(t, s.Sync(ctx, rebuild))
	require.NoError(t, s.Sync(ctx, build))

	_, ok := sink.live("g1/comm-0-0")
	assert.False(t, ok)
	_, ok = sink.live("g2/comm-0-0")
	assert.True(t, ok)
}

func TestNewJob_UpsertWinsOverDelete(t *testing.T) {
	job, err := NewJob(2, []Record{{ID: "n1", Kind: KindNode}}, []string{"n1", "n2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"n2"}, job.Deletes)
	assert.Equal(t, int64(2), job.Version)
}

func TestRecordsFromChanges(t *testing.T) {
	cs := &store.ChangeSet{
		UpsertNodes: []common.Node{{
			ID:          "n1",
			Name:        "Sam Altman",
			Type:        "PERSON",
			AltNames:    []string{"Sam Altman", "Sam"},
			ChunkIDs:    []string{"c1", "c2"},
			Description: "CEO of OpenAI",
		}},
		UpsertEdges: []common.Edge{{
			ID:            "e1",
			SourceID:      "n1",
			TargetID:      "n2",
			Label:         "leads",
			Justification: "Altman runs the company",
			ChunkIDs:      []string{"c2"},
		}},
		UpsertProperties: []common.Property{{
			ID:       "p1",
			NodeID:   "n2",
			Key:      "founded",
			Value:    "2015",
			ChunkIDs: []string{"c3"},
		}},
		DeleteNodes:      []string{"n9"},
		DeleteEdges:      []string{"e9"},
		DeleteProperties: []string{"p9"},
	}
	lookup := nodeMap{"n2": {ID: "n2", Name: "OpenAI"}}

	records, deletes := RecordsFromChanges(cs, lookup)
	require.Len(t, records, 3)

	assert.Equal(t, "n1", records[0].ID)
	assert.Equal(t, KindNode, records[0].Kind)
	assert.Equal(t, "Sam Altman: CEO of OpenAI", records[0].Text)
	assert.Equal(t, "c1", records[0].Metadata["chunk_id"])
	assert.Equal(t, "PERSON", records[0].Metadata["entity_type"])

	assert.Equal(t, "Sam Altman -leads-> OpenAI: Altman runs the company", records[1].Text)
	assert.Equal(t, "Sam Altman", records[1].Metadata["entity_from"])
	assert.Equal(t, "OpenAI", records[1].Metadata["entity_to"])

	assert.Equal(t, "founded: 2015", records[2].Text)
	assert.Equal(t, "OpenAI", records[2].Metadata["entity_from"])

	assert.Equal(t, []string{"n9", "e9", "p9"}, deletes)
}

func TestRecordsFromChanges_Empty(t *testing.T) {
	records, deletes := RecordsFromChanges(nil, nil)
	assert.Empty(t, records)
	assert.Empty(t, deletes)
}

func TestRecordsFromGeneration(t *testing.T) {
	prev := &common.Generation{
		ID: "g1",
		Levels: [][]common.Community{{
			{ID: "comm-0-0", Summary: &common.CommunitySummary{Title: "Old"}},
			{ID: "comm-0-1"},
		}},
	}
	gen := &common.Generation{
		ID: "g2",
		Levels: [][]common.Community{
			{
				{ID: "comm-0-0", Level: 0, ParentID: "comm-1-0", Summary: &common.CommunitySummary{
					Title:    "AI labs",
					Summary:  "Companies training models.",
					Findings: []string{"OpenAI is led by Sam Altman"},
				}},
				{ID: "comm-0-1", Level: 0, ParentID: "comm-1-0"},
			},
			{
				{ID: "comm-1-0", Level: 1, Summary: &common.CommunitySummary{Title: "Tech", Summary: "All of it."}},
			},
		},
	}

	records, deletes := RecordsFromGeneration(gen, prev)
	assert.Equal(t, []string{"g1/comm-0-0"}, deletes)
	require.Len(t, records, 2)
	assert.Equal(t, "g2/comm-0-0", records[0].ID)
	assert.Equal(t, KindCommunity, records[0].Kind)
	assert.Equal(t, "AI labs\nCompanies training models.\n- OpenAI is led by Sam Altman", records[0].Text)
	assert.Equal(t, "comm-1-0", records[0].Metadata["parent_id"])
	assert.Equal(t, "1", records[1].Metadata["level"])

	_, deletes = RecordsFromGeneration(gen, gen)
	assert.Empty(t, deletes, "republishing the same generation deletes nothing")
}

func TestJob_JSON(t *testing.T) {
	job, err := NewJob(4, []Record{{ID: "n1", Kind: KindNode, Text: "Sam"}}, []string{"n2"})
	require.NoError(t, err)
	require.NotEmpty(t, job.ID)

	data, err := json.Marshal(job)
	require.NoError(t, err)
	var decoded Job
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, job.ID, decoded.ID)
	assert.Equal(t, int64(4), decoded.Version)
	assert.Equal(t, job.Upserts, decoded.Upserts)
	assert.Equal(t, job.Deletes, decoded.Deletes)
}

func TestSyncer_RetriesTransientFailures(t *testing.T) {
	sink := &flakySink{failures: 2}
	s := NewSyncer(NewSyncerParams{Sink: sink, MaxRetries: 3, Backoff: -1})

	job, err := NewJob(1, []Record{{ID: "n1", Kind: KindNode}}, []string{"n2"})
	require.NoError(t, err)
	require.NoError(t, s.Sync(context.Background(), job))

	assert.Equal(t, 3, sink.upsertCalls())
	require.Len(t, sink.upserts, 1)
	assert.Len(t, sink.deletes, 3, "deletes are repeated with every attempt")
}

func TestSyncer_FallbackAfterRetries(t *testing.T) {
	sink := &flakySink{failures: 100}
	handed := make(chan Job, 1)
	s := NewSyncer(NewSyncerParams{
		Sink:       sink,
		MaxRetries: 2,
		Backoff:    -1,
		Fallback: func(ctx context.Context, job Job) error {
			handed <- job
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	job, err := NewJob(1, []Record{{ID: "n1", Kind: KindNode}}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Enqueue(job))

	select {
	case got := <-handed:
		assert.Equal(t, job.ID, got.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("fallback was not called")
	}
	assert.Equal(t, 2, sink.upsertCalls())

	cancel()
	<-done
}

func TestSyncer_EnqueueDoesNotBlock(t *testing.T) {
	s := NewSyncer(NewSyncerParams{Sink: &flakySink{}, QueueSize: 1})
	job, err := NewJob(1, []Record{{ID: "n1", Kind: KindNode}}, nil)
	require.NoError(t, err)

	require.NoError(t, s.Enqueue(job))
	require.ErrorIs(t, s.Enqueue(job), ErrQueueFull)
	require.NoError(t, s.Enqueue(Job{ID: "empty"}), "empty jobs are ignored")
}
