package graph

import (
	"time"

	"github.com/OFFIS-RIT/strata/internal/metrics"
	"github.com/OFFIS-RIT/strata/pkg/common"
	"github.com/OFFIS-RIT/strata/pkg/matcher"
)

type DocumentFormat string

const (
	FormatText DocumentFormat = "text"
	FormatCSV  DocumentFormat = "csv"
)

// DocumentInput is one document of a build. When Chunks is empty the text is
// chunked by the client's Chunker according to Format.
type DocumentInput struct {
	ID     string         `json:"id,omitempty"`
	Name   string         `json:"name" validate:"required"`
	Text   string         `json:"text,omitempty"`
	Format DocumentFormat `json:"format,omitempty"`
	Chunks []common.Chunk `json:"chunks,omitempty"`
}

type GenerationInfo struct {
	ID          string                 `json:"id"`
	State       common.GenerationState `json:"state"`
	Levels      int                    `json:"levels"`
	Communities int                    `json:"communities"`
}

func generationInfo(gen *common.Generation) *GenerationInfo {
	if gen == nil {
		return nil
	}
	return &GenerationInfo{
		ID:          gen.ID,
		State:       gen.State,
		Levels:      len(gen.Levels),
		Communities: gen.CommunityCount(),
	}
}

// BuildReport summarizes a build invocation. Recoverable failures are
// counted here instead of failing the build.
type BuildReport struct {
	// Documents are the ids of the ingested documents.
	Documents  []string                         `json:"documents"`
	Duplicates []*common.DuplicateDocumentError `json:"duplicates,omitempty"`

	ChunksProcessed int                         `json:"chunks_processed"`
	ChunksSkipped   int                         `json:"chunks_skipped"`
	Failures        []*common.ExtractionFailure `json:"-"`

	Candidates int `json:"candidates"`
	// Unresolved counts extracted relations and properties naming an entity
	// the same chunk did not extract.
	Unresolved int            `json:"unresolved"`
	Match      matcher.Result `json:"match"`

	Generation *GenerationInfo `json:"generation,omitempty"`
	// RebuildErr is set when the community rebuild failed. The graph changes
	// are committed and the previous generation stays current.
	RebuildErr error `json:"-"`

	Duration time.Duration `json:"duration"`
}

func (r *BuildReport) metrics(failed bool) metrics.BuildReport {
	return metrics.BuildReport{
		Failed:          failed,
		Documents:       len(r.Documents),
		Duplicates:      len(r.Duplicates),
		ChunksProcessed: r.ChunksProcessed,
		ChunksSkipped:   r.ChunksSkipped,
		Candidates:      r.Candidates,
		ExactMatches:    r.Match.ExactMatches,
		FuzzyMerges:     r.Match.FuzzyMerges,
		NodesCreated:    r.Match.NodesCreated,
		NodesAbsorbed:   r.Match.NodesAbsorbed,
		ClusterFailures: r.Match.ClusterFailures,
		Duration:        r.Duration,
	}
}
