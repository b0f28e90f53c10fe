package common

import (
	"errors"
	"fmt"
)

// DuplicateDocumentError is returned when a document with the same content
// hash was already ingested. The build is a no-op for that document.
type DuplicateDocumentError struct {
	Hash       string
	Name       string
	DocumentID string
}

func (e *DuplicateDocumentError) Error() string {
	return fmt.Sprintf("document %q already ingested as %s (hash %s)", e.Name, e.DocumentID, e.Hash)
}

// ExtractionFailure isolates a failed extraction to a single chunk.
type ExtractionFailure struct {
	ChunkID string
	Err     error
}

func (e *ExtractionFailure) Error() string {
	return fmt.Sprintf("extraction failed for chunk %s: %v", e.ChunkID, e.Err)
}

func (e *ExtractionFailure) Unwrap() error { return e.Err }

// DisambiguationFailure isolates a failed disambiguation call to one cluster.
type DisambiguationFailure struct {
	Cluster []string
	Err     error
}

func (e *DisambiguationFailure) Error() string {
	return fmt.Sprintf("disambiguation failed for cluster %v: %v", e.Cluster, e.Err)
}

func (e *DisambiguationFailure) Unwrap() error { return e.Err }

// RerankFailure isolates a failed rerank call to one cluster.
type RerankFailure struct {
	Cluster []string
	Err     error
}

func (e *RerankFailure) Error() string {
	return fmt.Sprintf("rerank failed for cluster %v: %v", e.Cluster, e.Err)
}

func (e *RerankFailure) Unwrap() error { return e.Err }

// DanglingReferenceError signals an operation on a node that no longer
// exists, typically a second absorption of the same node. It is an internal
// invariant violation and aborts the batch.
type DanglingReferenceError struct {
	Op     string
	NodeID string
}

func (e *DanglingReferenceError) Error() string {
	return fmt.Sprintf("%s: dangling reference to node %s", e.Op, e.NodeID)
}

// NameConflictError signals that a node tried to claim a name already owned
// by another live node.
type NameConflictError struct {
	Name     string
	Owner    string
	Claimant string
}

func (e *NameConflictError) Error() string {
	return fmt.Sprintf("name %q is owned by node %s, cannot be claimed by %s", e.Name, e.Owner, e.Claimant)
}

// PartitionFailure aborts a community rebuild. The previous generation stays
// visible.
type PartitionFailure struct {
	Level int
	Err   error
}

func (e *PartitionFailure) Error() string {
	return fmt.Sprintf("partition failed at level %d: %v", e.Level, e.Err)
}

func (e *PartitionFailure) Unwrap() error { return e.Err }

// IsFatal reports whether err is an invariant violation that must abort the
// current batch.
func IsFatal(err error) bool {
	var dangling *DanglingReferenceError
	var conflict *NameConflictError
	return errors.As(err, &dangling) || errors.As(err, &conflict)
}
