package common

import (
	"strings"
	"time"
)

// Document is an ingested source text. Documents are identified by the
// SHA-256 hash of their content; a second document with the same hash is
// rejected before any graph mutation happens.
type Document struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Hash      string    `json:"hash"`
	ChunkIDs  []string  `json:"chunk_ids"`
	CreatedAt time.Time `json:"created_at"`
}

// Chunk is a contiguous, immutable slice of a document that is fed to
// extraction. Position is the ordinal of the chunk within its document.
type Chunk struct {
	ID         string `json:"id"`
	DocumentID string `json:"document_id"`
	Position   int    `json:"position"`
	Page       *int   `json:"page,omitempty"`
	Text       string `json:"text"`
}

// CandidateNode is an unmerged entity mention proposed by extraction for a
// single chunk. It lives only until the Node Matcher resolves it.
type CandidateNode struct {
	ID          string `json:"id" validate:"required"`
	Name        string `json:"name" validate:"required"`
	Type        string `json:"type"`
	ChunkID     string `json:"chunk_id" validate:"required"`
	Description string `json:"description"`
}

// CandidateEdge relates two candidate nodes of the same batch.
type CandidateEdge struct {
	ID            string `json:"id" validate:"required"`
	SourceID      string `json:"source_id" validate:"required"`
	TargetID      string `json:"target_id" validate:"required"`
	Label         string `json:"label" validate:"required"`
	Symmetric     bool   `json:"symmetric"`
	Justification string `json:"justification"`
	ChunkID       string `json:"chunk_id" validate:"required"`
}

// CandidateProperty is a key/value fact about a candidate node.
type CandidateProperty struct {
	ID      string `json:"id" validate:"required"`
	NodeID  string `json:"node_id" validate:"required"`
	Key     string `json:"key" validate:"required"`
	Value   string `json:"value" validate:"required"`
	ChunkID string `json:"chunk_id" validate:"required"`
}

// Node is the canonical record of a real-world entity after merging.
//
// AltNames contains every display name ever merged into the node, including
// Name itself. No two live nodes claim the same normalized name.
type Node struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	AltNames    []string `json:"alt_names"`
	ChunkIDs    []string `json:"chunk_ids"`
	Description string   `json:"description"`
}

// Edge is a labelled relation between two live nodes. Symmetric edges are
// deduplicated regardless of endpoint order.
type Edge struct {
	ID            string   `json:"id"`
	SourceID      string   `json:"source_id"`
	TargetID      string   `json:"target_id"`
	Label         string   `json:"label"`
	Symmetric     bool     `json:"symmetric"`
	Justification string   `json:"justification"`
	ChunkIDs      []string `json:"chunk_ids"`
}

// Weight is the evidence count of the edge, used to bias community detection
// towards well supported relations.
func (e Edge) Weight() float64 {
	return float64(max(1, len(e.ChunkIDs)))
}

// Property is a key/value fact attached to exactly one node.
type Property struct {
	ID       string   `json:"id"`
	NodeID   string   `json:"node_id"`
	Key      string   `json:"key"`
	Value    string   `json:"value"`
	ChunkIDs []string `json:"chunk_ids"`
}

// Mention is a name together with the free-text evidence used when asking the
// reasoning service whether two names denote the same entity.
type Mention struct {
	Name    string `json:"name"`
	Context string `json:"context"`
}

// RerankScore is one scored document of a rerank call. Index refers to the
// position in the submitted document list.
type RerankScore struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

// Extraction is the raw output of the extraction service for one chunk.
// Relations and properties reference entities by name.
type Extraction struct {
	Entities   []ExtractedEntity   `json:"entities"`
	Relations  []ExtractedRelation `json:"relations"`
	Properties []ExtractedProperty `json:"properties"`
}

type ExtractedEntity struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

type ExtractedRelation struct {
	Source        string `json:"source"`
	Target        string `json:"target"`
	Label         string `json:"label"`
	Symmetric     bool   `json:"symmetric"`
	Justification string `json:"justification"`
}

type ExtractedProperty struct {
	Entity string `json:"entity"`
	Key    string `json:"key"`
	Value  string `json:"value"`
}

// NormalizeName folds case and whitespace so that names can be compared for
// identity. It is the key used by the no-duplicate-name invariant.
func NormalizeName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

// AppendUnique appends the values that are not already present in dst.
func AppendUnique(dst []string, values ...string) []string {
	for _, v := range values {
		if v == "" {
			continue
		}
		found := false
		for _, d := range dst {
			if d == v {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, v)
		}
	}
	return dst
}

// MergeDescription adds desc to an aggregated description unless the exact
// text is already contained in it.
func MergeDescription(current, desc string) string {
	desc = strings.TrimSpace(desc)
	if desc == "" {
		return current
	}
	if current == "" {
		return desc
	}
	for _, line := range strings.Split(current, "\n") {
		if line == desc {
			return current
		}
	}
	return current + "\n" + desc
}
