package candidate

import (
	"fmt"
	"sync"

	"github.com/OFFIS-RIT/strata/pkg/common"

	"github.com/go-playground/validator"
)

// Batch is the set of candidates drained for one build invocation.
type Batch struct {
	Nodes      []common.CandidateNode
	Edges      []common.CandidateEdge
	Properties []common.CandidateProperty
}

// Len returns the total number of candidates in the batch.
func (b Batch) Len() int {
	return len(b.Nodes) + len(b.Edges) + len(b.Properties)
}

// Store collects raw candidates produced by extraction. Adding is purely
// additive and never consults the canonical graph. A Store is safe for use by
// concurrent extraction workers.
type Store struct {
	mu       sync.Mutex
	validate *validator.Validate
	batch    Batch
}

func NewStore() *Store {
	return &Store{validate: validator.New()}
}

// Add appends a CandidateNode, CandidateEdge or CandidateProperty (or a
// pointer to one). It fails only on malformed input.
func (s *Store) Add(c any) error {
	switch v := c.(type) {
	case common.CandidateNode:
		return s.AddNode(v)
	case *common.CandidateNode:
		return s.AddNode(*v)
	case common.CandidateEdge:
		return s.AddEdge(v)
	case *common.CandidateEdge:
		return s.AddEdge(*v)
	case common.CandidateProperty:
		return s.AddProperty(v)
	case *common.CandidateProperty:
		return s.AddProperty(*v)
	default:
		return fmt.Errorf("unsupported candidate type %T", c)
	}
}

func (s *Store) AddNode(n common.CandidateNode) error {
	if err := s.validate.Struct(n); err != nil {
		return fmt.Errorf("invalid candidate node %q: %w", n.Name, err)
	}
	s.mu.Lock()
	s.batch.Nodes = append(s.batch.Nodes, n)
	s.mu.Unlock()
	return nil
}

func (s *Store) AddEdge(e common.CandidateEdge) error {
	if err := s.validate.Struct(e); err != nil {
		return fmt.Errorf("invalid candidate edge %q: %w", e.Label, err)
	}
	s.mu.Lock()
	s.batch.Edges = append(s.batch.Edges, e)
	s.mu.Unlock()
	return nil
}

func (s *Store) AddProperty(p common.CandidateProperty) error {
	if err := s.validate.Struct(p); err != nil {
		return fmt.Errorf("invalid candidate property %q: %w", p.Key, err)
	}
	s.mu.Lock()
	s.batch.Properties = append(s.batch.Properties, p)
	s.mu.Unlock()
	return nil
}

// Drain returns every pending candidate in insertion order and clears the
// store.
func (s *Store) Drain() Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.batch
	s.batch = Batch{}
	return b
}

// Len returns the number of pending candidates.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batch.Len()
}
