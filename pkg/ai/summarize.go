package ai

import (
	"context"
	"fmt"
	"strings"

	gUtil "github.com/OFFIS-RIT/strata/internal/util"
	"github.com/OFFIS-RIT/strata/pkg/common"
)

// maxReportInput bounds the member data sent for a single report.
const maxReportInput = 24000

type communityReport struct {
	Title    string   `json:"title" jsonschema_description:"Short name of the community."`
	Summary  string   `json:"summary" jsonschema_description:"What connects the members."`
	Findings []string `json:"findings" jsonschema_description:"Key insights about the community."`
}

// AISummarizer writes community reports.
type AISummarizer struct {
	client     GraphAIClient
	maxRetries int
	opts       []GenerateOption
}

func NewAISummarizer(client GraphAIClient, maxRetries int, opts ...GenerateOption) *AISummarizer {
	return &AISummarizer{client: client, maxRetries: max(1, maxRetries), opts: opts}
}

func (s *AISummarizer) Summarize(
	ctx context.Context,
	community common.Community,
	memberTexts []string,
) (*common.CommunitySummary, error) {
	if s.client == nil {
		return nil, fmt.Errorf("ai client is nil")
	}

	var members strings.Builder
	for _, t := range memberTexts {
		line := "- " + oneLine(t) + "\n"
		if members.Len()+len(line) > maxReportInput {
			break
		}
		members.WriteString(line)
	}
	prompt := fmt.Sprintf(CommunityReportPrompt, community.Level, members.String())

	var res communityReport
	err := gUtil.RetryErrWithContext(ctx, s.maxRetries, func(ctx context.Context) error {
		res = communityReport{}
		return s.client.GenerateCompletionWithFormat(
			ctx, "community_report", "Describe a community of related entities.", prompt, &res, s.opts...,
		)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to summarize community %s: %w", community.ID, err)
	}
	return &common.CommunitySummary{
		Title:    strings.TrimSpace(res.Title),
		Summary:  strings.TrimSpace(res.Summary),
		Findings: res.Findings,
	}, nil
}
