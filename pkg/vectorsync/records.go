package vectorsync

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/OFFIS-RIT/strata/pkg/common"
	"github.com/OFFIS-RIT/strata/pkg/store"
)

type Kind string

const (
	KindNode      Kind = "node"
	KindEdge      Kind = "edge"
	KindProperty  Kind = "property"
	KindCommunity Kind = "community"
)

// Record is one embeddable item of the vector index. IDs of graph records
// are the ids of the graph elements they describe.
type Record struct {
	ID       string            `json:"id" validate:"required"`
	Kind     Kind              `json:"kind" validate:"required,oneof=node edge property community"`
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// NodeLookup resolves node names for edge and property records whose
// endpoints did not change in the same commit.
type NodeLookup interface {
	GetNode(id string) (common.Node, bool)
}

// RecordsFromChanges turns a committed change set into upserts and deletes.
// Absorbed nodes and rewritten or merged relations show up as deletes.
func RecordsFromChanges(cs *store.ChangeSet, lookup NodeLookup) ([]Record, []string) {
	if cs.Empty() {
		return nil, nil
	}

	names := make(map[string]string, len(cs.UpsertNodes))
	for _, n := range cs.UpsertNodes {
		names[n.ID] = n.Name
	}
	nameOf := func(id string) string {
		if name, ok := names[id]; ok {
			return name
		}
		if lookup != nil {
			if n, ok := lookup.GetNode(id); ok {
				return n.Name
			}
		}
		return id
	}

	records := make([]Record, 0, len(cs.UpsertNodes)+len(cs.UpsertEdges)+len(cs.UpsertProperties))
	for _, n := range cs.UpsertNodes {
		text := n.Name
		if n.Description != "" {
			text += ": " + n.Description
		}
		records = append(records, Record{
			ID:   n.ID,
			Kind: KindNode,
			Text: text,
			Metadata: metadata(KindNode, firstChunk(n.ChunkIDs), map[string]string{
				"entity_type": n.Type,
				"alt_names":   strings.Join(n.AltNames, "; "),
			}),
		})
	}
	for _, e := range cs.UpsertEdges {
		src, tgt := nameOf(e.SourceID), nameOf(e.TargetID)
		text := fmt.Sprintf("%s -%s-> %s", src, e.Label, tgt)
		if e.Justification != "" {
			text += ": " + e.Justification
		}
		records = append(records, Record{
			ID:   e.ID,
			Kind: KindEdge,
			Text: text,
			Metadata: metadata(KindEdge, firstChunk(e.ChunkIDs), map[string]string{
				"entity_from": src,
				"entity_to":   tgt,
				"label":       e.Label,
			}),
		})
	}
	for _, p := range cs.UpsertProperties {
		records = append(records, Record{
			ID:   p.ID,
			Kind: KindProperty,
			Text: fmt.Sprintf("%s: %s", p.Key, p.Value),
			Metadata: metadata(KindProperty, firstChunk(p.ChunkIDs), map[string]string{
				"entity_from": nameOf(p.NodeID),
			}),
		})
	}

	deletes := make([]string, 0, len(cs.DeleteNodes)+len(cs.DeleteEdges)+len(cs.DeleteProperties))
	deletes = append(deletes, cs.DeleteNodes...)
	deletes = append(deletes, cs.DeleteEdges...)
	deletes = append(deletes, cs.DeleteProperties...)
	return records, deletes
}

// CommunityRecordID is the record id of a community. Community ids are only
// unique within their generation.
func CommunityRecordID(generationID, communityID string) string {
	return generationID + "/" + communityID
}

// RecordsFromGeneration returns records for every summarized community of gen
// and deletes for the communities of prev.
func RecordsFromGeneration(gen, prev *common.Generation) ([]Record, []string) {
	var deletes []string
	if prev != nil && (gen == nil || prev.ID != gen.ID) {
		for _, level := range prev.Levels {
			for _, c := range level {
				if c.Summary != nil {
					deletes = append(deletes, CommunityRecordID(prev.ID, c.ID))
				}
			}
		}
	}
	if gen == nil {
		return nil, deletes
	}

	var records []Record
	for _, level := range gen.Levels {
		for _, c := range level {
			if c.Summary == nil {
				continue
			}
			text := c.Summary.Title + "\n" + c.Summary.Summary
			if len(c.Summary.Findings) > 0 {
				text += "\n- " + strings.Join(c.Summary.Findings, "\n- ")
			}
			records = append(records, Record{
				ID:   CommunityRecordID(gen.ID, c.ID),
				Kind: KindCommunity,
				Text: text,
				Metadata: map[string]string{
					"type":          string(KindCommunity),
					"level":         strconv.Itoa(c.Level),
					"generation_id": gen.ID,
					"community_id":  c.ID,
					"parent_id":     c.ParentID,
				},
			})
		}
	}
	return records, deletes
}

func metadata(kind Kind, chunkID string, extra map[string]string) map[string]string {
	m := map[string]string{
		"type":     string(kind),
		"level":    "0",
		"chunk_id": chunkID,
	}
	for k, v := range extra {
		if v != "" {
			m[k] = v
		}
	}
	return m
}

func firstChunk(ids []string) string {
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}
