package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/OFFIS-RIT/strata/pkg/common"
	"github.com/OFFIS-RIT/strata/pkg/logger"
)

// GraphStore is the canonical graph of one knowledge base. It is an arena of
// nodes, edges, properties, documents and chunks addressed by opaque ids.
//
// Reads always observe the last committed state. All mutation goes through a
// Tx; at most one Tx exists at a time, so merges are strictly serialized. A
// Tx works on a private copy of the graph which is persisted and then swapped
// in on Commit, so a failed or abandoned batch is never visible.
type GraphStore struct {
	writer sync.Mutex

	mu sync.RWMutex
	st *state

	persister Persister
}

type GraphStoreOption func(*GraphStore)

// WithPersister makes every commit durable through p before it becomes
// visible.
func WithPersister(p Persister) GraphStoreOption {
	return func(s *GraphStore) {
		s.persister = p
	}
}

func NewGraphStore(opts ...GraphStoreOption) *GraphStore {
	s := &GraphStore{st: newState()}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(s)
	}
	return s
}

// Load replaces the in-memory graph with the persisted one.
func (s *GraphStore) Load(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}

	s.writer.Lock()
	defer s.writer.Unlock()

	snap, err := s.persister.LoadGraph(ctx)
	if err != nil {
		return fmt.Errorf("failed to load graph: %w", err)
	}
	st := stateFromSnapshot(snap)

	s.mu.Lock()
	s.st = st
	s.mu.Unlock()

	logger.Info("[Store] Graph loaded", "nodes", len(st.nodes), "edges", len(st.edges), "documents", len(st.documents))
	return nil
}

// Refresh reloads the graph if another writer advanced the persisted version
// since it was loaded or last committed here. It reports whether a reload
// happened.
func (s *GraphStore) Refresh(ctx context.Context) (bool, error) {
	if s.persister == nil {
		return false, nil
	}

	s.writer.Lock()
	defer s.writer.Unlock()

	persisted, err := s.persister.Version(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to read graph version: %w", err)
	}
	if persisted == s.Version() {
		return false, nil
	}

	snap, err := s.persister.LoadGraph(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to load graph: %w", err)
	}
	st := stateFromSnapshot(snap)

	s.mu.Lock()
	local := s.st.version
	s.st = st
	s.mu.Unlock()

	logger.Info("[Store] Graph refreshed", "from_version", local, "to_version", st.version, "nodes", len(st.nodes))
	return true, nil
}

// Version is the graph version of the committed state.
func (s *GraphStore) Version() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.version
}

// Begin starts a write transaction, blocking while another one is open.
func (s *GraphStore) Begin() *Tx {
	s.writer.Lock()

	s.mu.RLock()
	st := s.st.clone()
	s.mu.RUnlock()

	return newTx(s, st)
}

func (s *GraphStore) publish(st *state) {
	s.mu.Lock()
	s.st = st
	s.mu.Unlock()
}

// GetNode returns a copy of a live node.
func (s *GraphStore) GetNode(id string) (common.Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.st.nodes[id]
	if !ok {
		return common.Node{}, false
	}
	return *copyNode(n), true
}

// FindByName returns the id of the live node owning name.
func (s *GraphStore) FindByName(name string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.st.names[common.NormalizeName(name)]
	return id, ok
}

// ListNodes returns all live nodes ordered by id.
func (s *GraphStore) ListNodes() []common.Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]common.Node, 0, len(s.st.nodes))
	for _, id := range sortedKeys(s.st.nodes) {
		out = append(out, *copyNode(s.st.nodes[id]))
	}
	return out
}

// ListEdges returns all edges ordered by id.
func (s *GraphStore) ListEdges() []common.Edge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]common.Edge, 0, len(s.st.edges))
	for _, id := range sortedKeys(s.st.edges) {
		out = append(out, *copyEdge(s.st.edges[id]))
	}
	return out
}

// ListProperties returns all properties ordered by id.
func (s *GraphStore) ListProperties() []common.Property {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]common.Property, 0, len(s.st.props))
	for _, id := range sortedKeys(s.st.props) {
		out = append(out, *copyProperty(s.st.props[id]))
	}
	return out
}

// DocumentExists reports whether a document with the given content hash was
// committed.
func (s *GraphStore) DocumentExists(hash string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.st.hashes[hash]
	return ok
}

// DocumentByHash returns the committed document with the given hash.
func (s *GraphStore) DocumentByHash(hash string) (common.Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.st.hashes[hash]
	if !ok {
		return common.Document{}, false
	}
	return *s.st.documents[id], true
}

// Names returns every name claimed by a live node, normalized.
func (s *GraphStore) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.st.names)
}

func (s *GraphStore) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		Documents:  len(s.st.documents),
		Chunks:     len(s.st.chunks),
		Nodes:      len(s.st.nodes),
		Edges:      len(s.st.edges),
		Properties: len(s.st.props),
	}
}

// Snapshot returns an immutable copy of the committed graph.
func (s *GraphStore) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.snapshot()
}
