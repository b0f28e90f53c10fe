package store

import (
	"context"
	"errors"

	"github.com/OFFIS-RIT/strata/pkg/common"
)

// ErrStale is returned by a Persister when a ChangeSet was computed from an
// older version of the graph than the persisted one.
var ErrStale = errors.New("graph was modified by another writer")

// Persister durably stores the canonical graph. ApplyChanges must apply a
// ChangeSet atomically: either all of it becomes visible or none of it.
//
// Every applied ChangeSet advances the persisted graph version by one.
// ApplyChanges fails with ErrStale unless the persisted version equals
// ChangeSet.BaseVersion.
type Persister interface {
	ApplyChanges(ctx context.Context, changes *ChangeSet) error
	LoadGraph(ctx context.Context) (*Snapshot, error)
	Version(ctx context.Context) (int64, error)
}

// ChangeSet describes everything a committed transaction created, updated or
// deleted. Upserted records carry their full final state.
type ChangeSet struct {
	Documents []common.Document `json:"documents,omitempty"`
	Chunks    []common.Chunk    `json:"chunks,omitempty"`

	UpsertNodes      []common.Node     `json:"upsert_nodes,omitempty"`
	UpsertEdges      []common.Edge     `json:"upsert_edges,omitempty"`
	UpsertProperties []common.Property `json:"upsert_properties,omitempty"`

	DeleteNodes      []string `json:"delete_nodes,omitempty"`
	DeleteEdges      []string `json:"delete_edges,omitempty"`
	DeleteProperties []string `json:"delete_properties,omitempty"`

	// BaseVersion is the graph version the transaction started from and
	// Version the one it produced.
	BaseVersion int64 `json:"base_version"`
	Version     int64 `json:"version"`
}

// Empty reports whether the change set would not modify anything.
func (c *ChangeSet) Empty() bool {
	if c == nil {
		return true
	}
	return len(c.Documents) == 0 && len(c.Chunks) == 0 &&
		len(c.UpsertNodes) == 0 && len(c.UpsertEdges) == 0 && len(c.UpsertProperties) == 0 &&
		len(c.DeleteNodes) == 0 && len(c.DeleteEdges) == 0 && len(c.DeleteProperties) == 0
}

// Snapshot is an immutable copy of the committed graph.
type Snapshot struct {
	Version    int64
	Documents  []common.Document
	Chunks     []common.Chunk
	Nodes      []common.Node
	Edges      []common.Edge
	Properties []common.Property
}

// Stats are record counts of the committed graph.
type Stats struct {
	Documents  int `json:"documents"`
	Chunks     int `json:"chunks"`
	Nodes      int `json:"nodes"`
	Edges      int `json:"edges"`
	Properties int `json:"properties"`
}
