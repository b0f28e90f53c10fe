package matcher

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/OFFIS-RIT/strata/pkg/candidate"
	"github.com/OFFIS-RIT/strata/pkg/common"
	"github.com/OFFIS-RIT/strata/pkg/logger"
	"github.com/OFFIS-RIT/strata/pkg/similarity"
	"github.com/OFFIS-RIT/strata/pkg/store"

	"golang.org/x/sync/errgroup"
)

const defaultExcerptLen = 300

// Disambiguator partitions a cluster of mentions into groups that denote the
// same entity. The result refers to mentions by index.
type Disambiguator interface {
	Disambiguate(ctx context.Context, mentions []common.Mention) ([][]int, error)
}

// Reranker scores docs against query. Scores must lie in [0,1].
type Reranker interface {
	Rerank(ctx context.Context, query common.Mention, docs []common.Mention) ([]common.RerankScore, error)
}

// Config holds the thresholds of the matcher.
type Config struct {
	// SimilarityThreshold is the maximum normalized edit distance of a
	// fuzzy candidate.
	SimilarityThreshold float64 `toml:"similarity_threshold" validate:"gte=0,lte=1"`
	TokenSubset         bool    `toml:"token_subset"`
	// AcceptanceThreshold is the minimum rerank score for a merge.
	AcceptanceThreshold float64       `toml:"acceptance_threshold" validate:"gte=0,lte=1"`
	ParallelClusters    int           `toml:"parallel_clusters" validate:"gte=1"`
	CallTimeout         time.Duration `toml:"-"`
	ExcerptLength       int           `toml:"excerpt_length"`
}

func DefaultConfig() Config {
	return Config{
		SimilarityThreshold: 0.25,
		TokenSubset:         true,
		AcceptanceThreshold: 0.5,
		ParallelClusters:    8,
		CallTimeout:         2 * time.Minute,
		ExcerptLength:       defaultExcerptLen,
	}
}

// Result counts what happened to a batch.
type Result struct {
	CandidatesProcessed int `json:"candidates_processed"`
	CandidatesSkipped   int `json:"candidates_skipped"`
	ExactMatches        int `json:"exact_matches"`
	FuzzyMerges         int `json:"fuzzy_merges"`
	NodesCreated        int `json:"nodes_created"`
	NodesAbsorbed       int `json:"nodes_absorbed"`
	EdgesAttached       int `json:"edges_attached"`
	EdgesSkipped        int `json:"edges_skipped"`
	PropertiesAttached  int `json:"properties_attached"`
	PropertiesSkipped   int `json:"properties_skipped"`
	ClusterFailures     int `json:"cluster_failures"`
}

// Matcher resolves candidate batches against the canonical graph.
//
// The similarity index of live names is built from the first transaction it
// sees and then kept up to date with the names the matcher adds. Names of a
// rolled back batch may linger in it; hits on names without a live owner are
// ignored.
type Matcher struct {
	cfg    Config
	disamb Disambiguator
	rerank Reranker

	mu    sync.Mutex
	index *similarity.Index
}

type NewMatcherParams struct {
	Disambiguator Disambiguator
	Reranker      Reranker
	Config        Config
}

func NewMatcher(params NewMatcherParams) *Matcher {
	cfg := params.Config
	if cfg.ParallelClusters <= 0 {
		cfg.ParallelClusters = 1
	}
	if cfg.ExcerptLength <= 0 {
		cfg.ExcerptLength = defaultExcerptLen
	}
	return &Matcher{
		cfg:    cfg,
		disamb: params.Disambiguator,
		rerank: params.Reranker,
	}
}

func (m *Matcher) similarityOptions() similarity.Options {
	return similarity.Options{
		Threshold:   m.cfg.SimilarityThreshold,
		TokenSubset: m.cfg.TokenSubset,
	}
}

// ResetIndex drops the similarity index so that the next Match rebuilds it
// from the graph, e.g. after the store was reloaded.
func (m *Matcher) ResetIndex() {
	m.mu.Lock()
	m.index = nil
	m.mu.Unlock()
}

func (m *Matcher) liveIndex(tx *store.Tx) *similarity.Index {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.index == nil {
		m.index = similarity.NewIndex(m.similarityOptions())
		for _, name := range tx.Names() {
			m.index.Insert(name)
		}
	}
	return m.index
}

// Match resolves every candidate of batch to a node of the graph inside tx,
// creating, extending and merging nodes as needed, and then attaches the
// candidate edges and properties. Disambiguation and rerank failures degrade
// to "no merge" for their cluster. Any returned error is fatal for the batch
// and the caller must roll tx back.
func (m *Matcher) Match(ctx context.Context, tx *store.Tx, batch candidate.Batch) (*Result, error) {
	res := &Result{CandidatesProcessed: len(batch.Nodes)}
	resolved := make(map[string]string, len(batch.Nodes))
	live := m.liveIndex(tx)

	// exact pass
	groups := make([]*mentionGroup, 0)
	byNorm := make(map[string]*mentionGroup)
	for _, c := range batch.Nodes {
		norm := common.NormalizeName(c.Name)
		if norm == "" {
			res.CandidatesSkipped++
			continue
		}
		if id, ok := tx.FindByName(c.Name); ok {
			if err := tx.AddMention(id, mentionOf(c)); err != nil {
				return nil, fmt.Errorf("failed to attach exact match %q: %w", c.Name, err)
			}
			resolved[c.ID] = id
			res.ExactMatches++
			continue
		}
		g, ok := byNorm[norm]
		if !ok {
			g = &mentionGroup{norm: norm}
			byNorm[norm] = g
			groups = append(groups, g)
		}
		g.candidates = append(g.candidates, c)
	}

	clusters := buildClusters(tx, groups, live, m.similarityOptions())

	bc := newBatchContext(batch)
	for _, g := range groups {
		g.mention = groupMention(tx, g, bc, m.cfg.ExcerptLength)
	}

	decisions := make([]*decision, len(clusters))
	eg, gCtx := errgroup.WithContext(ctx)
	eg.SetLimit(m.cfg.ParallelClusters)
	for i, c := range clusters {
		eg.Go(func() error {
			select {
			case <-gCtx.Done():
				return nil
			default:
			}
			decisions[i] = m.decide(gCtx, c)
			return nil
		})
	}
	_ = eg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for i, c := range clusters {
		d := decisions[i]
		if d.err != nil {
			res.ClusterFailures++
			logger.Warn("[Matcher] Cluster degraded to no merge", "names", c.names(), "err", d.err)
		}
		if err := apply(tx, live, c, d, resolved, res); err != nil {
			return nil, err
		}
	}

	if err := attachRelations(tx, batch, resolved, res); err != nil {
		return nil, err
	}

	logger.Debug("[Matcher] Batch matched",
		"candidates", res.CandidatesProcessed,
		"exact", res.ExactMatches,
		"fuzzy", res.FuzzyMerges,
		"created", res.NodesCreated,
		"absorbed", res.NodesAbsorbed,
		"failures", res.ClusterFailures,
	)
	return res, nil
}

func mentionOf(c common.CandidateNode) store.Mention {
	return store.Mention{Name: c.Name, ChunkID: c.ChunkID, Description: c.Description}
}

// apply executes the decision of one cluster against tx and records the
// resolved names in index.
func apply(
	tx *store.Tx,
	index *similarity.Index,
	c *cluster,
	d *decision,
	resolved map[string]string,
	res *Result,
) error {
	for _, out := range d.outcomes {
		groups := make([]*mentionGroup, 0, len(out.groups))
		for _, gi := range out.groups {
			groups = append(groups, c.groups[gi])
		}

		target := ""
		if out.target >= 0 {
			target = c.existing[out.target].id
			for _, ai := range out.absorb {
				if err := tx.Absorb(target, c.existing[ai].id); err != nil {
					return fmt.Errorf("failed to absorb node %s: %w", c.existing[ai].id, err)
				}
				res.NodesAbsorbed++
			}
		} else {
			id, err := createNode(tx, groups)
			if err != nil {
				return err
			}
			target = id
			res.NodesCreated++
		}

		for _, g := range groups {
			for _, cand := range g.candidates {
				if err := tx.AddMention(target, mentionOf(cand)); err != nil {
					return fmt.Errorf("failed to attach %q: %w", cand.Name, err)
				}
				resolved[cand.ID] = target
				if out.target >= 0 {
					res.FuzzyMerges++
				}
			}
			index.Insert(g.norm)
		}
	}
	return nil
}

// createNode creates one node for the given mention groups. The canonical
// name is the longest display name, ties going to the group with more
// mentions and then to the first seen. The type is the most frequent one.
func createNode(tx *store.Tx, groups []*mentionGroup) (string, error) {
	var best *mentionGroup
	typeCounts := make(map[string]int)
	typeOrder := make([]string, 0)
	for _, g := range groups {
		if best == nil ||
			len([]rune(g.displayName())) > len([]rune(best.displayName())) ||
			(len([]rune(g.displayName())) == len([]rune(best.displayName())) && len(g.candidates) > len(best.candidates)) {
			best = g
		}
		for _, c := range g.candidates {
			t := strings.TrimSpace(c.Type)
			if t == "" {
				continue
			}
			if typeCounts[t] == 0 {
				typeOrder = append(typeOrder, t)
			}
			typeCounts[t]++
		}
	}
	nodeType := ""
	for _, t := range typeOrder {
		if typeCounts[t] > typeCounts[nodeType] {
			nodeType = t
		}
	}

	id, err := tx.CreateNode(store.NewNode{Name: best.displayName(), Type: nodeType})
	if err != nil {
		return "", fmt.Errorf("failed to create node %q: %w", best.displayName(), err)
	}
	return id, nil
}

// attachRelations rewrites candidate edges and properties to the resolved
// nodes. An edge whose endpoints resolve to the same node becomes a property
// of that node.
func attachRelations(tx *store.Tx, batch candidate.Batch, resolved map[string]string, res *Result) error {
	lookup := func(candidateID string) (string, bool) {
		id, ok := resolved[candidateID]
		if !ok {
			return "", false
		}
		for {
			next, absorbed := tx.AbsorbedInto(id)
			if !absorbed {
				return id, true
			}
			id = next
		}
	}

	for _, e := range batch.Edges {
		src, okSrc := lookup(e.SourceID)
		tgt, okTgt := lookup(e.TargetID)
		if !okSrc || !okTgt {
			res.EdgesSkipped++
			continue
		}
		if src == tgt {
			value := strings.TrimSpace(e.Justification)
			if value == "" {
				value = e.Label
			}
			_, _, err := tx.AttachProperty(store.PropertyInput{
				NodeID:   src,
				Key:      e.Label,
				Value:    value,
				ChunkIDs: []string{e.ChunkID},
			})
			if err != nil {
				if common.IsFatal(err) {
					return err
				}
				res.EdgesSkipped++
				continue
			}
			res.PropertiesAttached++
			continue
		}
		_, _, err := tx.AttachEdge(store.EdgeInput{
			SourceID:      src,
			TargetID:      tgt,
			Label:         e.Label,
			Symmetric:     e.Symmetric,
			Justification: e.Justification,
			ChunkIDs:      []string{e.ChunkID},
		})
		if err != nil {
			if common.IsFatal(err) {
				return err
			}
			res.EdgesSkipped++
			continue
		}
		res.EdgesAttached++
	}

	for _, p := range batch.Properties {
		node, ok := lookup(p.NodeID)
		if !ok {
			res.PropertiesSkipped++
			continue
		}
		_, _, err := tx.AttachProperty(store.PropertyInput{
			NodeID:   node,
			Key:      p.Key,
			Value:    p.Value,
			ChunkIDs: []string{p.ChunkID},
		})
		if err != nil {
			if common.IsFatal(err) {
				return err
			}
			res.PropertiesSkipped++
			continue
		}
		res.PropertiesAttached++
	}
	return nil
}
