package ai

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/OFFIS-RIT/strata/pkg/common"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClient answers structured completions with canned JSON, one response
// per call. An empty response string yields an error.
type fakeClient struct {
	mu        sync.Mutex
	responses []string
	prompts   []string
	names     []string
}

func (f *fakeClient) GenerateCompletion(ctx context.Context, prompt string, opts ...GenerateOption) (string, error) {
	return "", errors.New("not implemented")
}

func (f *fakeClient) GenerateCompletionWithFormat(
	ctx context.Context,
	name string,
	description string,
	prompt string,
	out any,
	opts ...GenerateOption,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
	f.names = append(f.names, name)
	if len(f.responses) == 0 {
		return errors.New("no response left")
	}
	resp := f.responses[0]
	f.responses = f.responses[1:]
	if resp == "" {
		return errors.New("model unavailable")
	}
	return UnmarshalFlexible(resp, out)
}

func (f *fakeClient) GenerateEmbedding(ctx context.Context, input []byte) ([]float32, error) {
	return []float32{1}, nil
}

func (f *fakeClient) GenerateEmbeddings(ctx context.Context, inputs [][]byte) ([][]float32, error) {
	out := make([][]float32, len(inputs))
	for i := range inputs {
		out[i] = []float32{float32(i)}
	}
	return out, nil
}

func (f *fakeClient) ResetMetrics()            {}
func (f *fakeClient) GetMetrics() ModelMetrics { return ModelMetrics{} }

func TestAIExtractor_Extract(t *testing.T) {
	client := &fakeClient{responses: []string{
		"",
		`{"entities":[{"name":" Sam Altman ","type":"person","description":"CEO"},{"name":"","type":"X","description":""}],
		  "relations":[{"source":"Sam Altman","target":"OpenAI","label":"CEO of","symmetric":false,"justification":"stated"}],
		  "properties":[{"entity":"Sam Altman","key":"born","value":"1985"}]}`,
	}}
	ex := NewAIExtractor(NewAIExtractorParams{Client: client, MaxRetries: 2, EntityTypes: []string{"PERSON"}})

	out, err := ex.Extract(context.Background(), common.Chunk{ID: "c1", Text: "Sam Altman is the CEO of OpenAI."})
	require.NoError(t, err)
	require.Len(t, out.Entities, 1)
	assert.Equal(t, "Sam Altman", out.Entities[0].Name)
	assert.Equal(t, "PERSON", out.Entities[0].Type)
	require.Len(t, out.Relations, 1)
	assert.Equal(t, "CEO of", out.Relations[0].Label)
	require.Len(t, out.Properties, 1)

	require.Len(t, client.prompts, 2)
	assert.Contains(t, client.prompts[1], "Sam Altman is the CEO of OpenAI.")
	assert.Contains(t, client.prompts[1], "[PERSON]")
}

func TestAIExtractor_EmptyChunkMakesNoCall(t *testing.T) {
	client := &fakeClient{}
	ex := NewAIExtractor(NewAIExtractorParams{Client: client})
	out, err := ex.Extract(context.Background(), common.Chunk{ID: "c1", Text: "  \n"})
	require.NoError(t, err)
	assert.Empty(t, out.Entities)
	assert.Empty(t, client.prompts)
}

func TestAIExtractor_RetriesExhausted(t *testing.T) {
	client := &fakeClient{responses: []string{"", ""}}
	ex := NewAIExtractor(NewAIExtractorParams{Client: client, MaxRetries: 2})
	_, err := ex.Extract(context.Background(), common.Chunk{ID: "c9", Text: "text"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "c9")
}

func TestAIDisambiguator_Disambiguate(t *testing.T) {
	client := &fakeClient{responses: []string{`{"groups":[{"indices":[0,1]},{"indices":[]},{"indices":[2]}]}`}}
	d := NewAIDisambiguator(client, 1)

	groups, err := d.Disambiguate(context.Background(), []common.Mention{
		{Name: "Sam Altman", Context: "CEO of OpenAI"},
		{Name: "Sam", Context: "leads\nOpenAI"},
		{Name: "Sam Bankman-Fried", Context: "founder of FTX"},
	})
	require.NoError(t, err)
	assert.Equal(t, [][]int{{0, 1}, {2}}, groups)
	assert.Contains(t, client.prompts[0], "[1] Sam: leads OpenAI")
}

func TestAIDisambiguator_SingleMentionMakesNoCall(t *testing.T) {
	client := &fakeClient{}
	groups, err := NewAIDisambiguator(client, 1).Disambiguate(context.Background(), []common.Mention{{Name: "a"}})
	require.NoError(t, err)
	assert.Equal(t, [][]int{{0}}, groups)
	assert.Empty(t, client.prompts)
}

func TestAIReranker_Rerank(t *testing.T) {
	client := &fakeClient{responses: []string{`{"scores":[{"index":1,"score":0.9}]}`}}
	r := NewAIReranker(client, 1)

	scores, err := r.Rerank(context.Background(),
		common.Mention{Name: "p100 gpu", Context: "a gpu"},
		[]common.Mention{{Name: "tesla"}, {Name: "p100"}},
	)
	require.NoError(t, err)
	assert.Equal(t, []common.RerankScore{{Index: 0, Score: 0}, {Index: 1, Score: 0.9}}, scores)

	client.responses = []string{`{"scores":[{"index":5,"score":0.9}]}`}
	_, err = r.Rerank(context.Background(), common.Mention{Name: "q"}, []common.Mention{{Name: "d"}})
	require.Error(t, err)
}

func TestAISummarizer_Summarize(t *testing.T) {
	client := &fakeClient{responses: []string{`{"title":" AI labs ","summary":"Labs and people.","findings":["Sam leads OpenAI"]}`}}
	s := NewAISummarizer(client, 1)

	sum, err := s.Summarize(context.Background(),
		common.Community{ID: "comm-0-0", Level: 0},
		[]string{"Sam Altman: CEO of OpenAI", "OpenAI: AI lab"},
	)
	require.NoError(t, err)
	assert.Equal(t, "AI labs", sum.Title)
	assert.Equal(t, []string{"Sam leads OpenAI"}, sum.Findings)
	assert.True(t, strings.Contains(client.prompts[0], "- OpenAI: AI lab"))
	assert.Equal(t, "community_report", client.names[0])
}
