package community

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/OFFIS-RIT/strata/pkg/common"
	"github.com/OFFIS-RIT/strata/pkg/logger"
	"github.com/OFFIS-RIT/strata/pkg/store"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"golang.org/x/sync/errgroup"
)

// WeightedEdge is an undirected weighted edge of a WeightedGraph.
type WeightedEdge struct {
	Source string
	Target string
	Weight float64
}

// WeightedGraph is the input of a Partitioner.
type WeightedGraph struct {
	Nodes []string
	Edges []WeightedEdge
}

// Partitioner assigns every node of a graph to a community index.
type Partitioner interface {
	Partition(ctx context.Context, g WeightedGraph, seed int64) (map[string]int, error)
}

// Summarizer writes the report of a community from the texts of its members.
type Summarizer interface {
	Summarize(ctx context.Context, c common.Community, memberTexts []string) (*common.CommunitySummary, error)
}

// GenerationStore durably stores generations. SaveGeneration must store the
// generation and make it current in one transaction.
type GenerationStore interface {
	SaveGeneration(ctx context.Context, g *common.Generation) error
	LoadCurrentGeneration(ctx context.Context) (*common.Generation, error)
}

type Config struct {
	Seed              int64 `toml:"seed"`
	MaxLevels         int   `toml:"max_levels" validate:"gte=1"`
	ParallelSummaries int   `toml:"parallel_summaries" validate:"gte=1"`
}

func DefaultConfig() Config {
	return Config{
		Seed:              42,
		MaxLevels:         8,
		ParallelSummaries: 4,
	}
}

// Builder rebuilds the community hierarchy of the graph and publishes each
// complete generation atomically. Readers see either the previous or the new
// generation, never a partial one.
type Builder struct {
	cfg         Config
	partitioner Partitioner
	summarizer  Summarizer
	store       GenerationStore

	mu      sync.Mutex
	state   atomic.Value
	current atomic.Pointer[common.Generation]
}

type NewBuilderParams struct {
	Partitioner Partitioner
	Summarizer  Summarizer
	Store       GenerationStore
	Config      Config
}

func NewBuilder(params NewBuilderParams) *Builder {
	cfg := params.Config
	if cfg.MaxLevels <= 0 {
		cfg.MaxLevels = DefaultConfig().MaxLevels
	}
	if cfg.ParallelSummaries <= 0 {
		cfg.ParallelSummaries = 1
	}
	p := params.Partitioner
	if p == nil {
		p = LabelPropagation{}
	}
	b := &Builder{
		cfg:         cfg,
		partitioner: p,
		summarizer:  params.Summarizer,
		store:       params.Store,
	}
	b.state.Store(common.StateEmpty)
	return b
}

// Load restores the current generation from the GenerationStore.
func (b *Builder) Load(ctx context.Context) error {
	if b.store == nil {
		return nil
	}
	gen, err := b.store.LoadCurrentGeneration(ctx)
	if err != nil {
		return fmt.Errorf("failed to load current generation: %w", err)
	}
	if gen == nil {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if cur := b.current.Load(); cur != nil && cur.ID == gen.ID {
		return nil
	}
	b.current.Store(gen)
	b.state.Store(gen.State)
	logger.Info("[Community] Loaded generation", "id", gen.ID, "levels", len(gen.Levels))
	return nil
}

// Current returns the published generation or nil.
func (b *Builder) Current() *common.Generation {
	return b.current.Load()
}

// State returns the build state. During a rebuild it reflects the progress
// of that rebuild.
func (b *Builder) State() common.GenerationState {
	return b.state.Load().(common.GenerationState)
}

// Rebuild computes a new generation from snap and publishes it. On failure
// the previous generation stays current.
func (b *Builder) Rebuild(ctx context.Context, snap *store.Snapshot) (*common.Generation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	prevState := b.State()
	gen, err := b.build(ctx, snap)
	if err != nil {
		b.state.Store(prevState)
		return nil, err
	}

	if b.store != nil {
		if err := b.store.SaveGeneration(ctx, gen); err != nil {
			b.state.Store(prevState)
			return nil, fmt.Errorf("failed to save generation %s: %w", gen.ID, err)
		}
	}
	b.current.Store(gen)
	b.state.Store(gen.State)

	logger.Info("[Community] Published generation",
		"id", gen.ID,
		"levels", len(gen.Levels),
		"communities", gen.CommunityCount(),
	)
	return gen, nil
}

func (b *Builder) build(ctx context.Context, snap *store.Snapshot) (*common.Generation, error) {
	id, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("failed to generate generation id: %w", err)
	}
	gen := &common.Generation{
		ID:        id,
		Seed:      b.cfg.Seed,
		State:     common.StateEmpty,
		Levels:    [][]common.Community{},
		CreatedAt: time.Now().UTC(),
	}
	if snap == nil || len(snap.Nodes) == 0 {
		return gen, nil
	}

	graph := levelZeroGraph(snap)
	b.state.Store(common.StateEmpty)

	for level := 0; level < b.cfg.MaxLevels; level++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		assignment, err := b.partitioner.Partition(ctx, graph, b.cfg.Seed)
		if err != nil {
			return nil, &common.PartitionFailure{Level: level, Err: err}
		}
		communities, err := groupAssignment(gen.ID, level, graph.Nodes, assignment)
		if err != nil {
			return nil, &common.PartitionFailure{Level: level, Err: err}
		}

		if level > 0 {
			prev := gen.Levels[level-1]
			if len(communities) >= len(prev) {
				// no reduction, the previous level is the top
				break
			}
			setParents(prev, communities)
		}
		gen.Levels = append(gen.Levels, communities)

		if level == 0 {
			b.state.Store(common.StateLevel0Built)
		} else {
			b.state.Store(common.StateLevelKBuilt)
		}
		logger.Debug("[Community] Level built", "level", level, "communities", len(communities))

		if len(communities) <= 1 {
			break
		}
		graph = coarsen(graph, communities)
	}

	if b.summarizer != nil {
		if err := b.summarize(ctx, gen, snap); err != nil {
			return nil, err
		}
	}
	gen.State = common.StateStable
	return gen, nil
}

// levelZeroGraph sums edge weights per unordered node pair. Self-loops and
// edges to unknown nodes are dropped.
func levelZeroGraph(snap *store.Snapshot) WeightedGraph {
	nodes := make([]string, 0, len(snap.Nodes))
	known := make(map[string]struct{}, len(snap.Nodes))
	for _, n := range snap.Nodes {
		nodes = append(nodes, n.ID)
		known[n.ID] = struct{}{}
	}
	slices.Sort(nodes)

	type pair struct{ a, b string }
	weights := make(map[pair]float64)
	order := make([]pair, 0)
	for _, e := range snap.Edges {
		if e.SourceID == e.TargetID {
			continue
		}
		if _, ok := known[e.SourceID]; !ok {
			continue
		}
		if _, ok := known[e.TargetID]; !ok {
			continue
		}
		p := pair{e.SourceID, e.TargetID}
		if p.b < p.a {
			p.a, p.b = p.b, p.a
		}
		if _, ok := weights[p]; !ok {
			order = append(order, p)
		}
		weights[p] += e.Weight()
	}
	slices.SortFunc(order, func(x, y pair) int {
		return cmp.Or(cmp.Compare(x.a, y.a), cmp.Compare(x.b, y.b))
	})

	edges := make([]WeightedEdge, 0, len(order))
	for _, p := range order {
		edges = append(edges, WeightedEdge{Source: p.a, Target: p.b, Weight: weights[p]})
	}
	return WeightedGraph{Nodes: nodes, Edges: edges}
}

// groupAssignment turns a partition into communities. Community indices are
// assigned in order of the first member, members are sorted.
func groupAssignment(genID string, level int, nodes []string, assignment map[string]int) ([]common.Community, error) {
	index := make(map[int]int)
	communities := make([]common.Community, 0)
	for _, n := range nodes {
		label, ok := assignment[n]
		if !ok {
			return nil, fmt.Errorf("node %s was not assigned", n)
		}
		i, ok := index[label]
		if !ok {
			i = len(communities)
			index[label] = i
			communities = append(communities, common.Community{
				ID:           fmt.Sprintf("comm-%d-%d", level, i),
				GenerationID: genID,
				Level:        level,
			})
		}
		communities[i].Members = append(communities[i].Members, n)
	}
	for i := range communities {
		slices.Sort(communities[i].Members)
	}
	return communities, nil
}

func setParents(children, parents []common.Community) {
	parentOf := make(map[string]string)
	for _, p := range parents {
		for _, m := range p.Members {
			parentOf[m] = p.ID
		}
	}
	for i := range children {
		children[i].ParentID = parentOf[children[i].ID]
	}
}

// coarsen collapses each community into a super-node. Super-edges carry the
// summed weight of the edges between two communities.
func coarsen(g WeightedGraph, communities []common.Community) WeightedGraph {
	owner := make(map[string]string)
	nodes := make([]string, 0, len(communities))
	for _, c := range communities {
		nodes = append(nodes, c.ID)
		for _, m := range c.Members {
			owner[m] = c.ID
		}
	}
	slices.Sort(nodes)

	weights := make(map[[2]string]float64)
	keys := make([][2]string, 0)
	for _, e := range g.Edges {
		a, b := owner[e.Source], owner[e.Target]
		if a == "" || b == "" || a == b {
			continue
		}
		if b < a {
			a, b = b, a
		}
		k := [2]string{a, b}
		if _, ok := weights[k]; !ok {
			keys = append(keys, k)
		}
		weights[k] += e.Weight
	}
	slices.SortFunc(keys, func(x, y [2]string) int {
		return cmp.Or(cmp.Compare(x[0], y[0]), cmp.Compare(x[1], y[1]))
	})

	edges := make([]WeightedEdge, 0, len(keys))
	for _, k := range keys {
		edges = append(edges, WeightedEdge{Source: k[0], Target: k[1], Weight: weights[k]})
	}
	return WeightedGraph{Nodes: nodes, Edges: edges}
}

// summarize writes community reports bottom-up so that higher levels can
// build on the reports of their members. Failed reports are left empty.
func (b *Builder) summarize(ctx context.Context, gen *common.Generation, snap *store.Snapshot) error {
	nodeText := make(map[string]string, len(snap.Nodes))
	for _, n := range snap.Nodes {
		text := n.Name
		if n.Type != "" {
			text += " (" + n.Type + ")"
		}
		if n.Description != "" {
			text += ": " + n.Description
		}
		nodeText[n.ID] = text
	}

	for level, communities := range gen.Levels {
		lower := make(map[string]string)
		if level > 0 {
			for _, c := range gen.Levels[level-1] {
				text := c.ID
				if c.Summary != nil {
					text = c.Summary.Title + ": " + c.Summary.Summary
				}
				lower[c.ID] = text
			}
		}

		eg, gCtx := errgroup.WithContext(ctx)
		eg.SetLimit(b.cfg.ParallelSummaries)
		for i := range communities {
			eg.Go(func() error {
				select {
				case <-gCtx.Done():
					return nil
				default:
				}
				c := communities[i]
				texts := make([]string, 0, len(c.Members))
				for _, m := range c.Members {
					if level == 0 {
						texts = append(texts, nodeText[m])
					} else {
						texts = append(texts, lower[m])
					}
				}
				summary, err := b.summarizer.Summarize(gCtx, c, texts)
				if err != nil {
					logger.Warn("[Community] Failed to summarize community", "id", c.ID, "err", err)
					return nil
				}
				communities[i].Summary = summary
				return nil
			})
		}
		_ = eg.Wait()
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}
