package store

import (
	"maps"
	"slices"
	"strings"

	"github.com/OFFIS-RIT/strata/pkg/common"
)

// state is the arena holding the graph. Records refer to each other only by
// id; the index maps are kept in sync by the Tx operations.
type state struct {
	nodes map[string]*common.Node
	names map[string]string

	edges     map[string]*common.Edge
	edgeKeys  map[string]string
	nodeEdges map[string]map[string]struct{}

	props     map[string]*common.Property
	propKeys  map[string]string
	nodeProps map[string]map[string]struct{}

	documents map[string]*common.Document
	hashes    map[string]string
	chunks    map[string]*common.Chunk

	// absorbed node id -> absorbing node id
	tombstones map[string]string

	version int64
}

func newState() *state {
	return &state{
		nodes:      make(map[string]*common.Node),
		names:      make(map[string]string),
		edges:      make(map[string]*common.Edge),
		edgeKeys:   make(map[string]string),
		nodeEdges:  make(map[string]map[string]struct{}),
		props:      make(map[string]*common.Property),
		propKeys:   make(map[string]string),
		nodeProps:  make(map[string]map[string]struct{}),
		documents:  make(map[string]*common.Document),
		hashes:     make(map[string]string),
		chunks:     make(map[string]*common.Chunk),
		tombstones: make(map[string]string),
	}
}

// clone deep copies all mutable records. Documents and chunks are immutable
// and shared.
func (s *state) clone() *state {
	c := &state{
		nodes:      make(map[string]*common.Node, len(s.nodes)),
		names:      maps.Clone(s.names),
		edges:      make(map[string]*common.Edge, len(s.edges)),
		edgeKeys:   maps.Clone(s.edgeKeys),
		nodeEdges:  make(map[string]map[string]struct{}, len(s.nodeEdges)),
		props:      make(map[string]*common.Property, len(s.props)),
		propKeys:   maps.Clone(s.propKeys),
		nodeProps:  make(map[string]map[string]struct{}, len(s.nodeProps)),
		documents:  maps.Clone(s.documents),
		hashes:     maps.Clone(s.hashes),
		chunks:     maps.Clone(s.chunks),
		tombstones: maps.Clone(s.tombstones),
		version:    s.version,
	}
	for id, n := range s.nodes {
		c.nodes[id] = copyNode(n)
	}
	for id, e := range s.edges {
		c.edges[id] = copyEdge(e)
	}
	for id, p := range s.props {
		c.props[id] = copyProperty(p)
	}
	for id, set := range s.nodeEdges {
		c.nodeEdges[id] = maps.Clone(set)
	}
	for id, set := range s.nodeProps {
		c.nodeProps[id] = maps.Clone(set)
	}
	return c
}

func (s *state) snapshot() *Snapshot {
	snap := &Snapshot{
		Version:    s.version,
		Documents:  make([]common.Document, 0, len(s.documents)),
		Chunks:     make([]common.Chunk, 0, len(s.chunks)),
		Nodes:      make([]common.Node, 0, len(s.nodes)),
		Edges:      make([]common.Edge, 0, len(s.edges)),
		Properties: make([]common.Property, 0, len(s.props)),
	}
	for _, id := range sortedKeys(s.documents) {
		d := *s.documents[id]
		d.ChunkIDs = slices.Clone(d.ChunkIDs)
		snap.Documents = append(snap.Documents, d)
	}
	for _, id := range sortedKeys(s.chunks) {
		snap.Chunks = append(snap.Chunks, *s.chunks[id])
	}
	for _, id := range sortedKeys(s.nodes) {
		snap.Nodes = append(snap.Nodes, *copyNode(s.nodes[id]))
	}
	for _, id := range sortedKeys(s.edges) {
		snap.Edges = append(snap.Edges, *copyEdge(s.edges[id]))
	}
	for _, id := range sortedKeys(s.props) {
		snap.Properties = append(snap.Properties, *copyProperty(s.props[id]))
	}
	return snap
}

// stateFromSnapshot rebuilds the arena and its indexes from loaded records.
func stateFromSnapshot(snap *Snapshot) *state {
	st := newState()
	if snap == nil {
		return st
	}
	st.version = snap.Version
	for i := range snap.Documents {
		d := snap.Documents[i]
		st.documents[d.ID] = &d
		st.hashes[d.Hash] = d.ID
	}
	for i := range snap.Chunks {
		c := snap.Chunks[i]
		st.chunks[c.ID] = &c
	}
	for i := range snap.Nodes {
		n := copyNode(&snap.Nodes[i])
		st.nodes[n.ID] = n
		for _, name := range n.AltNames {
			st.names[common.NormalizeName(name)] = n.ID
		}
		st.names[common.NormalizeName(n.Name)] = n.ID
	}
	for i := range snap.Edges {
		e := copyEdge(&snap.Edges[i])
		st.edges[e.ID] = e
		st.edgeKeys[edgeKey(e)] = e.ID
		st.link(st.nodeEdges, e.SourceID, e.ID)
		st.link(st.nodeEdges, e.TargetID, e.ID)
	}
	for i := range snap.Properties {
		p := copyProperty(&snap.Properties[i])
		st.props[p.ID] = p
		st.propKeys[propertyKey(p)] = p.ID
		st.link(st.nodeProps, p.NodeID, p.ID)
	}
	return st
}

func (s *state) link(index map[string]map[string]struct{}, nodeID, id string) {
	set, ok := index[nodeID]
	if !ok {
		set = make(map[string]struct{})
		index[nodeID] = set
	}
	set[id] = struct{}{}
}

func (s *state) unlink(index map[string]map[string]struct{}, nodeID, id string) {
	if set, ok := index[nodeID]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(index, nodeID)
		}
	}
}

func edgeKey(e *common.Edge) string {
	src, tgt := e.SourceID, e.TargetID
	if e.Symmetric && src > tgt {
		src, tgt = tgt, src
	}
	return src + "|" + tgt + "|" + normalizeLabel(e.Label)
}

func propertyKey(p *common.Property) string {
	return p.NodeID + "|" + normalizeLabel(p.Key) + "|" + common.NormalizeName(p.Value)
}

func normalizeLabel(label string) string {
	return strings.ReplaceAll(common.NormalizeName(label), " ", "_")
}

func copyNode(n *common.Node) *common.Node {
	c := *n
	c.AltNames = slices.Clone(n.AltNames)
	c.ChunkIDs = slices.Clone(n.ChunkIDs)
	return &c
}

func copyEdge(e *common.Edge) *common.Edge {
	c := *e
	c.ChunkIDs = slices.Clone(e.ChunkIDs)
	return &c
}

func copyProperty(p *common.Property) *common.Property {
	c := *p
	c.ChunkIDs = slices.Clone(p.ChunkIDs)
	return &c
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
