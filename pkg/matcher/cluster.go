package matcher

import (
	"fmt"
	"slices"
	"strings"

	"github.com/OFFIS-RIT/strata/pkg/candidate"
	"github.com/OFFIS-RIT/strata/pkg/common"
	"github.com/OFFIS-RIT/strata/pkg/similarity"
	"github.com/OFFIS-RIT/strata/pkg/store"
)

// mentionGroup is the set of pending candidates sharing one normalized name.
type mentionGroup struct {
	norm       string
	candidates []common.CandidateNode
	mention    common.Mention
}

func (g *mentionGroup) displayName() string {
	return strings.TrimSpace(g.candidates[0].Name)
}

// existingNode is a live node pulled into a cluster by a fuzzy hit.
type existingNode struct {
	id      string
	chunks  int
	mention common.Mention
}

// cluster is a connected component of mention groups and existing nodes.
type cluster struct {
	groups   []*mentionGroup
	existing []*existingNode
}

func (c *cluster) names() []string {
	out := make([]string, 0, len(c.groups)+len(c.existing))
	for _, g := range c.groups {
		out = append(out, g.displayName())
	}
	for _, e := range c.existing {
		out = append(out, e.mention.Name)
	}
	return out
}

type unionFind struct {
	parent map[string]string
}

func newUnionFind() *unionFind {
	return &unionFind{parent: make(map[string]string)}
}

func (u *unionFind) find(x string) string {
	if _, ok := u.parent[x]; !ok {
		u.parent[x] = x
		return x
	}
	root := x
	for u.parent[root] != root {
		root = u.parent[root]
	}
	for u.parent[x] != root {
		next := u.parent[x]
		u.parent[x] = root
		x = next
	}
	return root
}

func (u *unionFind) union(a, b string) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	// keep the smaller key as root so the result does not depend on call order
	if rb < ra {
		ra, rb = rb, ra
	}
	u.parent[rb] = ra
}

func groupKey(norm string) string { return "p:" + norm }
func nodeKey(id string) string    { return "n:" + id }

// buildClusters connects mention groups with each other and with live nodes
// through similarity hits. Clusters are ordered by their first mention group.
func buildClusters(
	tx *store.Tx,
	groups []*mentionGroup,
	live *similarity.Index,
	opts similarity.Options,
) []*cluster {
	uf := newUnionFind()
	local := similarity.NewIndex(opts)
	byNorm := make(map[string]*mentionGroup, len(groups))
	for _, g := range groups {
		local.Insert(g.norm)
		byNorm[g.norm] = g
		uf.find(groupKey(g.norm))
	}

	nodeHits := make(map[string]struct{})
	for _, g := range groups {
		for _, hit := range live.Search(g.norm) {
			id, ok := tx.FindByName(hit.Name)
			if !ok {
				continue
			}
			nodeHits[id] = struct{}{}
			uf.union(groupKey(g.norm), nodeKey(id))
		}
		for _, hit := range local.Search(g.norm) {
			if hit.Name == g.norm {
				continue
			}
			if _, ok := byNorm[hit.Name]; ok {
				uf.union(groupKey(g.norm), groupKey(hit.Name))
			}
		}
	}

	byRoot := make(map[string]*cluster)
	clusters := make([]*cluster, 0)
	for _, g := range groups {
		root := uf.find(groupKey(g.norm))
		c, ok := byRoot[root]
		if !ok {
			c = &cluster{}
			byRoot[root] = c
			clusters = append(clusters, c)
		}
		c.groups = append(c.groups, g)
	}

	ids := make([]string, 0, len(nodeHits))
	for id := range nodeHits {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		c := byRoot[uf.find(nodeKey(id))]
		node, ok := tx.GetNode(id)
		if c == nil || !ok {
			continue
		}
		c.existing = append(c.existing, &existingNode{
			id:      id,
			chunks:  len(node.ChunkIDs),
			mention: nodeMention(tx, node),
		})
	}
	return clusters
}

// batchContext indexes the batch so that contexts of mention groups can list
// the related names and properties extracted together with them.
type batchContext struct {
	names      map[string]string
	neighbours map[string][]string
	properties map[string][]string
}

func newBatchContext(batch candidate.Batch) *batchContext {
	bc := &batchContext{
		names:      make(map[string]string, len(batch.Nodes)),
		neighbours: make(map[string][]string),
		properties: make(map[string][]string),
	}
	for _, n := range batch.Nodes {
		bc.names[n.ID] = strings.TrimSpace(n.Name)
	}
	for _, e := range batch.Edges {
		src, tgt := bc.names[e.SourceID], bc.names[e.TargetID]
		if src == "" || tgt == "" {
			continue
		}
		bc.neighbours[e.SourceID] = append(bc.neighbours[e.SourceID], fmt.Sprintf("%s %s", e.Label, tgt))
		bc.neighbours[e.TargetID] = append(bc.neighbours[e.TargetID], fmt.Sprintf("%s %s", src, e.Label))
	}
	for _, p := range batch.Properties {
		bc.properties[p.NodeID] = append(bc.properties[p.NodeID], fmt.Sprintf("%s: %s", p.Key, p.Value))
	}
	return bc
}

const (
	maxExcerpts     = 2
	maxContextItems = 10
)

func groupMention(tx *store.Tx, g *mentionGroup, bc *batchContext, excerptLen int) common.Mention {
	var descriptions, excerpts, neighbours, props []string
	for _, c := range g.candidates {
		descriptions = common.AppendUnique(descriptions, strings.TrimSpace(c.Description))
		if len(excerpts) < maxExcerpts {
			if chunk, ok := tx.Chunk(c.ChunkID); ok {
				excerpts = common.AppendUnique(excerpts, excerpt(chunk.Text, g.displayName(), excerptLen))
			}
		}
		neighbours = common.AppendUnique(neighbours, bc.neighbours[c.ID]...)
		props = common.AppendUnique(props, bc.properties[c.ID]...)
	}
	return common.Mention{
		Name:    g.displayName(),
		Context: formatContext(descriptions, excerpts, neighbours, props),
	}
}

func nodeMention(tx *store.Tx, node common.Node) common.Mention {
	var excerpts, neighbours, props []string
	for _, id := range node.ChunkIDs {
		if len(excerpts) >= maxExcerpts {
			break
		}
		if chunk, ok := tx.Chunk(id); ok {
			excerpts = append(excerpts, excerpt(chunk.Text, node.Name, defaultExcerptLen))
		}
	}
	for _, e := range tx.NodeEdges(node.ID) {
		other, label := e.TargetID, e.Label
		if other == node.ID {
			other = e.SourceID
		}
		if n, ok := tx.GetNode(other); ok {
			neighbours = append(neighbours, fmt.Sprintf("%s %s", label, n.Name))
		}
	}
	for _, p := range tx.NodeProperties(node.ID) {
		props = append(props, fmt.Sprintf("%s: %s", p.Key, p.Value))
	}

	descriptions := []string{node.Description}
	if len(node.AltNames) > 1 {
		descriptions = append(descriptions, "Also known as: "+strings.Join(node.AltNames, ", "))
	}
	return common.Mention{
		Name:    node.Name,
		Context: formatContext(descriptions, excerpts, neighbours, props),
	}
}

func formatContext(descriptions, excerpts, neighbours, props []string) string {
	var b strings.Builder
	write := func(title string, items []string) {
		items = slices.DeleteFunc(slices.Clone(items), func(s string) bool { return strings.TrimSpace(s) == "" })
		if len(items) == 0 {
			return
		}
		if len(items) > maxContextItems {
			items = items[:maxContextItems]
		}
		if b.Len() > 0 {
			b.WriteString(" | ")
		}
		b.WriteString(title)
		b.WriteString(": ")
		b.WriteString(strings.Join(items, "; "))
	}
	write("Description", descriptions)
	write("Source", excerpts)
	write("Related", neighbours)
	write("Properties", props)
	return b.String()
}

// excerpt cuts a window of about n bytes around the first occurrence of name.
func excerpt(text, name string, n int) string {
	text = strings.Join(strings.Fields(text), " ")
	if len(text) <= n {
		return text
	}
	start := 0
	if i := strings.Index(strings.ToLower(text), strings.ToLower(name)); i > 0 {
		start = max(0, i-n/3)
	}
	end := min(len(text), start+n)
	for start > 0 && !isRuneStart(text[start]) {
		start--
	}
	for end < len(text) && !isRuneStart(text[end]) {
		end++
	}
	return strings.TrimSpace(text[start:end])
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
