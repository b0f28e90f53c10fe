package ai

import (
	"context"
	"fmt"
	"strings"

	gUtil "github.com/OFFIS-RIT/strata/internal/util"
	"github.com/OFFIS-RIT/strata/pkg/common"
)

type disambiguationResponse struct {
	Groups []struct {
		Indices []int `json:"indices" jsonschema_description:"Indices of mentions denoting the same entity."`
	} `json:"groups" jsonschema_description:"Partition of the mention indices."`
}

// AIDisambiguator partitions similarly named mentions into groups that
// denote the same entity. It does not validate the partition; callers must
// treat malformed output as a failure.
type AIDisambiguator struct {
	client     GraphAIClient
	maxRetries int
	opts       []GenerateOption
}

func NewAIDisambiguator(client GraphAIClient, maxRetries int, opts ...GenerateOption) *AIDisambiguator {
	return &AIDisambiguator{client: client, maxRetries: max(1, maxRetries), opts: opts}
}

func (d *AIDisambiguator) Disambiguate(ctx context.Context, mentions []common.Mention) ([][]int, error) {
	if d.client == nil {
		return nil, fmt.Errorf("ai client is nil")
	}
	if len(mentions) < 2 {
		groups := make([][]int, 0, len(mentions))
		for i := range mentions {
			groups = append(groups, []int{i})
		}
		return groups, nil
	}

	prompt := fmt.Sprintf(DisambiguatePrompt, formatMentions("Mentions:", mentions))

	var res disambiguationResponse
	err := gUtil.RetryErrWithContext(ctx, d.maxRetries, func(ctx context.Context) error {
		res = disambiguationResponse{}
		return d.client.GenerateCompletionWithFormat(
			ctx, "disambiguate_mentions", "Group mentions that denote the same entity.", prompt, &res, d.opts...,
		)
	})
	if err != nil {
		return nil, err
	}

	groups := make([][]int, 0, len(res.Groups))
	for _, g := range res.Groups {
		if len(g.Indices) == 0 {
			continue
		}
		groups = append(groups, g.Indices)
	}
	return groups, nil
}

func formatMentions(header string, mentions []common.Mention) string {
	var b strings.Builder
	b.WriteString(header)
	b.WriteString("\n")
	for i, m := range mentions {
		fmt.Fprintf(&b, "[%d] %s: %s\n", i, m.Name, oneLine(m.Context))
	}
	return b.String()
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
