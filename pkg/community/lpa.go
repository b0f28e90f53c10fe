package community

import (
	"context"
	"math/rand/v2"
	"slices"
)

const (
	// DefaultMaxIterations bounds label propagation when labels keep
	// oscillating.
	DefaultMaxIterations = 100
)

// LabelPropagation is a weighted label propagation partitioner. Every node
// starts in its own community and repeatedly adopts the label with the
// highest summed edge weight among its neighbours. Nodes are visited in a
// seeded random order, so results are reproducible for the same graph and
// seed.
type LabelPropagation struct {
	MaxIterations int
}

func (l LabelPropagation) Partition(ctx context.Context, g WeightedGraph, seed int64) (map[string]int, error) {
	maxIter := l.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}

	nodes := slices.Clone(g.Nodes)
	slices.Sort(nodes)
	nodes = slices.Compact(nodes)
	index := make(map[string]int, len(nodes))
	for i, n := range nodes {
		index[n] = i
	}

	adj := make([]map[int]float64, len(nodes))
	for _, e := range g.Edges {
		a, okA := index[e.Source]
		b, okB := index[e.Target]
		if !okA || !okB || a == b || e.Weight <= 0 {
			continue
		}
		if adj[a] == nil {
			adj[a] = make(map[int]float64)
		}
		if adj[b] == nil {
			adj[b] = make(map[int]float64)
		}
		adj[a][b] += e.Weight
		adj[b][a] += e.Weight
	}

	labels := make([]int, len(nodes))
	for i := range labels {
		labels[i] = i
	}

	rng := rand.New(rand.NewPCG(uint64(seed), uint64(seed)^0x9e3779b97f4a7c15))
	order := make([]int, len(nodes))
	for i := range order {
		order[i] = i
	}
	votes := make(map[int]float64)

	for iter := 0; iter < maxIter; iter++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

		changed := false
		for _, n := range order {
			if len(adj[n]) == 0 {
				continue
			}
			clear(votes)
			// neighbours in index order keep float sums reproducible
			neighbours := make([]int, 0, len(adj[n]))
			for nb := range adj[n] {
				neighbours = append(neighbours, nb)
			}
			slices.Sort(neighbours)
			for _, nb := range neighbours {
				votes[labels[nb]] += adj[n][nb]
			}

			best, bestWeight := -1, 0.0
			for label, w := range votes {
				if best < 0 || w > bestWeight || (w == bestWeight && label < best) {
					best, bestWeight = label, w
				}
			}
			if best != labels[n] {
				labels[n] = best
				changed = true
			}
		}
		if !changed {
			break
		}
	}

	// compact labels in order of their first member
	compact := make(map[int]int)
	out := make(map[string]int, len(nodes))
	for i, n := range nodes {
		c, ok := compact[labels[i]]
		if !ok {
			c = len(compact)
			compact[labels[i]] = c
		}
		out[n] = c
	}
	return out, nil
}
