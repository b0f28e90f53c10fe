package ai

import (
	"context"
	"fmt"
	"strings"

	gUtil "github.com/OFFIS-RIT/strata/internal/util"
	"github.com/OFFIS-RIT/strata/pkg/common"
)

// DefaultEntityTypes is used when no entity types are configured.
var DefaultEntityTypes = []string{
	"PERSON", "ORGANIZATION", "LOCATION", "EVENT", "PRODUCT", "CONCEPT", "DATE",
}

type extractionResponse struct {
	Entities []struct {
		Name        string `json:"name" jsonschema_description:"Entity name as written in the text."`
		Type        string `json:"type" jsonschema_description:"Entity type in upper case."`
		Description string `json:"description" jsonschema_description:"Everything the text states about the entity."`
	} `json:"entities"`
	Relations []struct {
		Source        string `json:"source" jsonschema_description:"Name of the source entity."`
		Target        string `json:"target" jsonschema_description:"Name of the target entity."`
		Label         string `json:"label" jsonschema_description:"Short verb phrase naming the relation."`
		Symmetric     bool   `json:"symmetric" jsonschema_description:"True if the relation reads the same in both directions."`
		Justification string `json:"justification" jsonschema_description:"Evidence for the relation."`
	} `json:"relations"`
	Properties []struct {
		Entity string `json:"entity" jsonschema_description:"Name of the entity the fact is about."`
		Key    string `json:"key"`
		Value  string `json:"value"`
	} `json:"properties"`
}

// AIExtractor extracts entities, relations and properties from a chunk with
// a structured completion.
type AIExtractor struct {
	client      GraphAIClient
	entityTypes []string
	maxRetries  int
	opts        []GenerateOption
}

type NewAIExtractorParams struct {
	Client      GraphAIClient
	EntityTypes []string
	MaxRetries  int
	Options     []GenerateOption
}

func NewAIExtractor(params NewAIExtractorParams) *AIExtractor {
	types := params.EntityTypes
	if len(types) == 0 {
		types = DefaultEntityTypes
	}
	return &AIExtractor{
		client:      params.Client,
		entityTypes: types,
		maxRetries:  max(1, params.MaxRetries),
		opts:        params.Options,
	}
}

func (e *AIExtractor) Extract(ctx context.Context, chunk common.Chunk) (*common.Extraction, error) {
	if e.client == nil {
		return nil, fmt.Errorf("ai client is nil")
	}
	if strings.TrimSpace(chunk.Text) == "" {
		return &common.Extraction{}, nil
	}

	prompt := fmt.Sprintf(ExtractPrompt, strings.Join(e.entityTypes, ", "), chunk.Text)

	var res extractionResponse
	err := gUtil.RetryErrWithContext(ctx, e.maxRetries, func(ctx context.Context) error {
		res = extractionResponse{}
		return e.client.GenerateCompletionWithFormat(
			ctx, "extract_graph", "Extract entities, relations and properties.", prompt, &res, e.opts...,
		)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to extract chunk %s: %w", chunk.ID, err)
	}

	out := &common.Extraction{
		Entities:   make([]common.ExtractedEntity, 0, len(res.Entities)),
		Relations:  make([]common.ExtractedRelation, 0, len(res.Relations)),
		Properties: make([]common.ExtractedProperty, 0, len(res.Properties)),
	}
	for _, ent := range res.Entities {
		name := strings.TrimSpace(ent.Name)
		if name == "" {
			continue
		}
		out.Entities = append(out.Entities, common.ExtractedEntity{
			Name:        name,
			Type:        strings.ToUpper(strings.TrimSpace(ent.Type)),
			Description: strings.TrimSpace(ent.Description),
		})
	}
	for _, rel := range res.Relations {
		out.Relations = append(out.Relations, common.ExtractedRelation{
			Source:        strings.TrimSpace(rel.Source),
			Target:        strings.TrimSpace(rel.Target),
			Label:         strings.TrimSpace(rel.Label),
			Symmetric:     rel.Symmetric,
			Justification: strings.TrimSpace(rel.Justification),
		})
	}
	for _, p := range res.Properties {
		out.Properties = append(out.Properties, common.ExtractedProperty{
			Entity: strings.TrimSpace(p.Entity),
			Key:    strings.TrimSpace(p.Key),
			Value:  strings.TrimSpace(p.Value),
		})
	}
	return out, nil
}
