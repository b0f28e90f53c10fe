package ai

import (
	"context"
	"fmt"

	gUtil "github.com/OFFIS-RIT/strata/internal/util"
	"github.com/OFFIS-RIT/strata/pkg/common"
)

type rerankResponse struct {
	Scores []struct {
		Index int     `json:"index" jsonschema_description:"Candidate index."`
		Score float64 `json:"score" jsonschema_description:"Probability between 0 and 1 that the candidate is the query entity."`
	} `json:"scores"`
}

// AIReranker scores existing entities against a query mention with a
// structured completion. Candidates the model does not score get 0.
type AIReranker struct {
	client     GraphAIClient
	maxRetries int
	opts       []GenerateOption
}

func NewAIReranker(client GraphAIClient, maxRetries int, opts ...GenerateOption) *AIReranker {
	return &AIReranker{client: client, maxRetries: max(1, maxRetries), opts: opts}
}

func (r *AIReranker) Rerank(ctx context.Context, query common.Mention, docs []common.Mention) ([]common.RerankScore, error) {
	if r.client == nil {
		return nil, fmt.Errorf("ai client is nil")
	}
	if len(docs) == 0 {
		return nil, nil
	}

	prompt := fmt.Sprintf(
		RerankPrompt,
		fmt.Sprintf("%s: %s", query.Name, oneLine(query.Context)),
		formatMentions("", docs),
	)

	var res rerankResponse
	err := gUtil.RetryErrWithContext(ctx, r.maxRetries, func(ctx context.Context) error {
		res = rerankResponse{}
		return r.client.GenerateCompletionWithFormat(
			ctx, "rerank_entities", "Score candidate entities against a query mention.", prompt, &res, r.opts...,
		)
	})
	if err != nil {
		return nil, err
	}

	scored := make(map[int]float64, len(res.Scores))
	for _, s := range res.Scores {
		if s.Index < 0 || s.Index >= len(docs) {
			return nil, fmt.Errorf("rerank index out of range: %d", s.Index)
		}
		scored[s.Index] = s.Score
	}
	out := make([]common.RerankScore, len(docs))
	for i := range docs {
		out[i] = common.RerankScore{Index: i, Score: scored[i]}
	}
	return out, nil
}
