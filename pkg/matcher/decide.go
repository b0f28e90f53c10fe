package matcher

import (
	"context"
	"fmt"
	"strings"

	"github.com/OFFIS-RIT/strata/pkg/common"
)

// outcome resolves a set of mention groups of a cluster. target indexes the
// cluster's existing nodes, -1 means a new node is created. absorb lists
// further existing nodes merged into target.
type outcome struct {
	groups []int
	target int
	absorb []int
}

type decision struct {
	outcomes []outcome
	err      error
}

func (m *Matcher) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.cfg.CallTimeout > 0 {
		return context.WithTimeout(ctx, m.cfg.CallTimeout)
	}
	return context.WithCancel(ctx)
}

// decide runs disambiguation and rerank for one cluster. It only reads the
// precomputed mentions and never touches the graph.
func (m *Matcher) decide(ctx context.Context, c *cluster) *decision {
	if len(c.existing) == 0 && len(c.groups) == 1 {
		return &decision{outcomes: []outcome{{groups: []int{0}, target: -1}}}
	}

	var parts [][]int
	if len(c.groups) == 1 && len(c.existing) == 1 {
		parts = [][]int{{0, 1}}
	} else {
		var err error
		parts, err = m.disambiguate(ctx, c)
		if err != nil {
			return degrade(c, &common.DisambiguationFailure{Cluster: c.names(), Err: err})
		}
	}

	d := &decision{}
	for _, part := range parts {
		var groups, existing []int
		for _, idx := range part {
			if idx < len(c.groups) {
				groups = append(groups, idx)
			} else {
				existing = append(existing, idx-len(c.groups))
			}
		}
		if len(groups) == 0 {
			// existing nodes are only merged on behalf of pending mentions
			continue
		}
		if len(existing) == 0 {
			d.outcomes = append(d.outcomes, outcome{groups: groups, target: -1})
			continue
		}

		out, err := m.rerankPart(ctx, c, groups, existing)
		if err != nil {
			return degrade(c, &common.RerankFailure{Cluster: c.names(), Err: err})
		}
		d.outcomes = append(d.outcomes, out)
	}
	return d
}

// degrade turns every mention group of the cluster into its own new node.
func degrade(c *cluster, err error) *decision {
	d := &decision{err: err}
	for i := range c.groups {
		d.outcomes = append(d.outcomes, outcome{groups: []int{i}, target: -1})
	}
	return d
}

// disambiguate asks the Disambiguator for a partition over the mention groups
// followed by the existing nodes. Indices the answer leaves out become
// singletons; duplicate or unknown indices invalidate the answer.
func (m *Matcher) disambiguate(ctx context.Context, c *cluster) ([][]int, error) {
	if m.disamb == nil {
		return nil, fmt.Errorf("no disambiguator configured")
	}
	mentions := make([]common.Mention, 0, len(c.groups)+len(c.existing))
	for _, g := range c.groups {
		mentions = append(mentions, g.mention)
	}
	for _, e := range c.existing {
		mentions = append(mentions, e.mention)
	}

	callCtx, cancel := m.callContext(ctx)
	defer cancel()
	parts, err := m.disamb.Disambiguate(callCtx, mentions)
	if err != nil {
		return nil, err
	}
	return validatePartition(parts, len(mentions))
}

func validatePartition(parts [][]int, n int) ([][]int, error) {
	seen := make([]bool, n)
	out := make([][]int, 0, len(parts))
	for _, part := range parts {
		if len(part) == 0 {
			continue
		}
		for _, idx := range part {
			if idx < 0 || idx >= n {
				return nil, fmt.Errorf("index %d out of range [0,%d)", idx, n)
			}
			if seen[idx] {
				return nil, fmt.Errorf("index %d assigned twice", idx)
			}
			seen[idx] = true
		}
		out = append(out, part)
	}
	for idx, ok := range seen {
		if !ok {
			out = append(out, []int{idx})
		}
	}
	return out, nil
}

// rerankPart scores the existing nodes of a partition group against the
// combined pending mentions and picks the merge target.
func (m *Matcher) rerankPart(ctx context.Context, c *cluster, groups, existing []int) (outcome, error) {
	if m.rerank == nil {
		return outcome{}, fmt.Errorf("no reranker configured")
	}

	names := make([]string, 0, len(groups))
	contexts := make([]string, 0, len(groups))
	for _, gi := range groups {
		names = append(names, c.groups[gi].mention.Name)
		if text := c.groups[gi].mention.Context; text != "" {
			contexts = append(contexts, text)
		}
	}
	query := common.Mention{
		Name:    strings.Join(names, " / "),
		Context: strings.Join(contexts, " || "),
	}
	docs := make([]common.Mention, 0, len(existing))
	for _, ei := range existing {
		docs = append(docs, c.existing[ei].mention)
	}

	callCtx, cancel := m.callContext(ctx)
	defer cancel()
	scores, err := m.rerank.Rerank(callCtx, query, docs)
	if err != nil {
		return outcome{}, err
	}

	byDoc := make([]float64, len(docs))
	seen := make([]bool, len(docs))
	for _, s := range scores {
		if s.Index < 0 || s.Index >= len(docs) {
			return outcome{}, fmt.Errorf("score index %d out of range [0,%d)", s.Index, len(docs))
		}
		if s.Score < 0 || s.Score > 1 {
			return outcome{}, fmt.Errorf("score %v for index %d outside [0,1]", s.Score, s.Index)
		}
		if seen[s.Index] {
			return outcome{}, fmt.Errorf("index %d scored twice", s.Index)
		}
		seen[s.Index] = true
		byDoc[s.Index] = s.Score
	}

	best := -1
	for i := range docs {
		if byDoc[i] < m.cfg.AcceptanceThreshold {
			continue
		}
		if best < 0 || better(c, existing[i], byDoc[i], existing[best], byDoc[best]) {
			best = i
		}
	}
	if best < 0 {
		return outcome{groups: groups, target: -1}, nil
	}

	out := outcome{groups: groups, target: existing[best]}
	for i := range docs {
		if i != best && byDoc[i] >= m.cfg.AcceptanceThreshold {
			out.absorb = append(out.absorb, existing[i])
		}
	}
	return out, nil
}

// better orders accepted candidates by score, then by number of source
// chunks, then by the lower node id.
func better(c *cluster, a int, scoreA float64, b int, scoreB float64) bool {
	if scoreA != scoreB {
		return scoreA > scoreB
	}
	na, nb := c.existing[a], c.existing[b]
	if na.chunks != nb.chunks {
		return na.chunks > nb.chunks
	}
	return na.id < nb.id
}
