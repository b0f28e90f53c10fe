package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/OFFIS-RIT/strata/pkg/common"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

var ErrTxClosed = errors.New("transaction already closed")

// NewNode describes a node to create.
type NewNode struct {
	Name        string
	Type        string
	Description string
	ChunkIDs    []string
}

// Mention is a name observed for an existing node together with its evidence.
type Mention struct {
	Name        string
	ChunkID     string
	Description string
}

// EdgeInput describes an edge to attach.
type EdgeInput struct {
	SourceID      string
	TargetID      string
	Label         string
	Symmetric     bool
	Justification string
	ChunkIDs      []string
}

// PropertyInput describes a property to attach.
type PropertyInput struct {
	NodeID   string
	Key      string
	Value    string
	ChunkIDs []string
}

// Tx is the single writer of a GraphStore. It must be finished with either
// Commit or Rollback.
type Tx struct {
	store *GraphStore
	st    *state
	done  bool

	dirtyNodes map[string]struct{}
	dirtyEdges map[string]struct{}
	dirtyProps map[string]struct{}

	deletedNodes map[string]struct{}
	deletedEdges map[string]struct{}
	deletedProps map[string]struct{}

	newDocs   []string
	newChunks []string
}

func newTx(s *GraphStore, st *state) *Tx {
	return &Tx{
		store:        s,
		st:           st,
		dirtyNodes:   make(map[string]struct{}),
		dirtyEdges:   make(map[string]struct{}),
		dirtyProps:   make(map[string]struct{}),
		deletedNodes: make(map[string]struct{}),
		deletedEdges: make(map[string]struct{}),
		deletedProps: make(map[string]struct{}),
	}
}

// Commit persists the changes of the transaction and makes them visible to
// readers. On error nothing is visible and the transaction is closed.
func (tx *Tx) Commit(ctx context.Context) (*ChangeSet, error) {
	if tx.done {
		return nil, ErrTxClosed
	}
	defer tx.close()

	changes := tx.changes()
	changes.BaseVersion = tx.st.version
	changes.Version = tx.st.version
	if !changes.Empty() {
		changes.Version++
		if tx.store.persister != nil {
			if err := tx.store.persister.ApplyChanges(ctx, changes); err != nil {
				return nil, fmt.Errorf("failed to persist changes: %w", err)
			}
		}
	}
	tx.st.version = changes.Version
	tx.store.publish(tx.st)
	return changes, nil
}

// Rollback discards the transaction. Calling it after Commit is a no-op.
func (tx *Tx) Rollback() {
	if tx.done {
		return
	}
	tx.close()
}

func (tx *Tx) close() {
	tx.done = true
	tx.st = nil
	tx.store.writer.Unlock()
}

func (tx *Tx) changes() *ChangeSet {
	cs := &ChangeSet{}
	for _, id := range tx.newDocs {
		d := *tx.st.documents[id]
		d.ChunkIDs = slices.Clone(d.ChunkIDs)
		cs.Documents = append(cs.Documents, d)
	}
	for _, id := range tx.newChunks {
		cs.Chunks = append(cs.Chunks, *tx.st.chunks[id])
	}
	for _, id := range sortedKeys(tx.dirtyNodes) {
		cs.UpsertNodes = append(cs.UpsertNodes, *copyNode(tx.st.nodes[id]))
	}
	for _, id := range sortedKeys(tx.dirtyEdges) {
		cs.UpsertEdges = append(cs.UpsertEdges, *copyEdge(tx.st.edges[id]))
	}
	for _, id := range sortedKeys(tx.dirtyProps) {
		cs.UpsertProperties = append(cs.UpsertProperties, *copyProperty(tx.st.props[id]))
	}
	cs.DeleteNodes = sortedKeys(tx.deletedNodes)
	cs.DeleteEdges = sortedKeys(tx.deletedEdges)
	cs.DeleteProperties = sortedKeys(tx.deletedProps)
	return cs
}

func (tx *Tx) AddDocument(doc common.Document, chunks []common.Chunk) error {
	if tx.done {
		return ErrTxClosed
	}
	if doc.ID == "" || doc.Hash == "" {
		return fmt.Errorf("document id and hash are required")
	}
	if existing, ok := tx.st.hashes[doc.Hash]; ok {
		return &common.DuplicateDocumentError{Hash: doc.Hash, Name: doc.Name, DocumentID: existing}
	}
	if _, ok := tx.st.documents[doc.ID]; ok {
		return fmt.Errorf("document %s already exists", doc.ID)
	}

	d := doc
	d.ChunkIDs = make([]string, 0, len(chunks))
	for i := range chunks {
		c := chunks[i]
		if c.DocumentID != doc.ID {
			return fmt.Errorf("chunk %s belongs to document %s, not %s", c.ID, c.DocumentID, doc.ID)
		}
		if _, ok := tx.st.chunks[c.ID]; ok {
			return fmt.Errorf("chunk %s already exists", c.ID)
		}
		tx.st.chunks[c.ID] = &c
		tx.newChunks = append(tx.newChunks, c.ID)
		d.ChunkIDs = append(d.ChunkIDs, c.ID)
	}
	tx.st.documents[d.ID] = &d
	tx.st.hashes[d.Hash] = d.ID
	tx.newDocs = append(tx.newDocs, d.ID)
	return nil
}

// DocumentExists reports whether the hash is known, including documents added
// in this transaction.
func (tx *Tx) DocumentExists(hash string) bool {
	_, ok := tx.st.hashes[hash]
	return ok
}

func (tx *Tx) Chunk(id string) (common.Chunk, bool) {
	c, ok := tx.st.chunks[id]
	if !ok {
		return common.Chunk{}, false
	}
	return *c, true
}

func (tx *Tx) GetNode(id string) (common.Node, bool) {
	n, ok := tx.st.nodes[id]
	if !ok {
		return common.Node{}, false
	}
	return *copyNode(n), true
}

// FindByName returns the id of the live node owning the normalized name.
func (tx *Tx) FindByName(name string) (string, bool) {
	id, ok := tx.st.names[common.NormalizeName(name)]
	return id, ok
}

func (tx *Tx) ListNodes() []common.Node {
	out := make([]common.Node, 0, len(tx.st.nodes))
	for _, id := range sortedKeys(tx.st.nodes) {
		out = append(out, *copyNode(tx.st.nodes[id]))
	}
	return out
}

// Names returns every claimed name, normalized.
func (tx *Tx) Names() []string {
	return sortedKeys(tx.st.names)
}

// NodeEdges returns the edges touching a node ordered by id.
func (tx *Tx) NodeEdges(id string) []common.Edge {
	ids := sortedKeys(tx.st.nodeEdges[id])
	out := make([]common.Edge, 0, len(ids))
	for _, eid := range ids {
		out = append(out, *copyEdge(tx.st.edges[eid]))
	}
	return out
}

// NodeProperties returns the properties of a node ordered by id.
func (tx *Tx) NodeProperties(id string) []common.Property {
	ids := sortedKeys(tx.st.nodeProps[id])
	out := make([]common.Property, 0, len(ids))
	for _, pid := range ids {
		out = append(out, *copyProperty(tx.st.props[pid]))
	}
	return out
}

// AbsorbedInto returns the node that absorbed id, if any.
func (tx *Tx) AbsorbedInto(id string) (string, bool) {
	target, ok := tx.st.tombstones[id]
	return target, ok
}

// CreateNode creates a node owning n.Name.
func (tx *Tx) CreateNode(n NewNode) (string, error) {
	if tx.done {
		return "", ErrTxClosed
	}
	name := strings.TrimSpace(n.Name)
	norm := common.NormalizeName(name)
	if norm == "" {
		return "", fmt.Errorf("node name is empty")
	}
	if owner, ok := tx.st.names[norm]; ok {
		return "", &common.NameConflictError{Name: norm, Owner: owner}
	}

	id, err := gonanoid.New()
	if err != nil {
		return "", fmt.Errorf("failed to generate node id: %w", err)
	}
	node := &common.Node{
		ID:          id,
		Name:        name,
		Type:        n.Type,
		AltNames:    []string{name},
		ChunkIDs:    common.AppendUnique(nil, n.ChunkIDs...),
		Description: common.MergeDescription("", n.Description),
	}
	tx.st.nodes[id] = node
	tx.st.names[norm] = id
	tx.dirtyNodes[id] = struct{}{}
	return id, nil
}

// AddMention records another observation of an existing node: the chunk, the
// description and, if not yet known, the name variant.
func (tx *Tx) AddMention(id string, m Mention) error {
	if tx.done {
		return ErrTxClosed
	}
	node, ok := tx.st.nodes[id]
	if !ok {
		return &common.DanglingReferenceError{Op: "add_mention", NodeID: id}
	}
	if err := tx.claimName(node, m.Name); err != nil {
		return err
	}
	node.ChunkIDs = common.AppendUnique(node.ChunkIDs, m.ChunkID)
	node.Description = common.MergeDescription(node.Description, m.Description)
	tx.dirtyNodes[id] = struct{}{}
	return nil
}

func (tx *Tx) claimName(node *common.Node, name string) error {
	name = strings.TrimSpace(name)
	norm := common.NormalizeName(name)
	if norm == "" {
		return nil
	}
	if owner, ok := tx.st.names[norm]; ok {
		if owner != node.ID {
			return &common.NameConflictError{Name: norm, Owner: owner, Claimant: node.ID}
		}
		return nil
	}
	tx.st.names[norm] = node.ID
	node.AltNames = append(node.AltNames, name)
	return nil
}

// Absorb merges source into target: every edge and property of source is
// rewritten to target and deduplicated, names, chunks and descriptions move
// to target, and source is removed. Absorbing a node that is no longer live
// returns a DanglingReferenceError.
func (tx *Tx) Absorb(targetID, sourceID string) error {
	if tx.done {
		return ErrTxClosed
	}
	if targetID == sourceID {
		return fmt.Errorf("cannot absorb node %s into itself", sourceID)
	}
	source, ok := tx.st.nodes[sourceID]
	if !ok {
		return &common.DanglingReferenceError{Op: "absorb", NodeID: sourceID}
	}
	target, ok := tx.st.nodes[targetID]
	if !ok {
		return &common.DanglingReferenceError{Op: "absorb", NodeID: targetID}
	}

	for _, name := range source.AltNames {
		norm := common.NormalizeName(name)
		tx.st.names[norm] = targetID
		known := false
		for _, existing := range target.AltNames {
			if common.NormalizeName(existing) == norm {
				known = true
				break
			}
		}
		if !known {
			target.AltNames = append(target.AltNames, name)
		}
	}
	target.ChunkIDs = common.AppendUnique(target.ChunkIDs, source.ChunkIDs...)
	for _, line := range strings.Split(source.Description, "\n") {
		target.Description = common.MergeDescription(target.Description, line)
	}
	if target.Type == "" {
		target.Type = source.Type
	}
	tx.dirtyNodes[targetID] = struct{}{}

	for _, eid := range sortedKeys(tx.st.nodeEdges[sourceID]) {
		e := tx.st.edges[eid]
		tx.detachEdge(e)
		if e.SourceID == sourceID {
			e.SourceID = targetID
		}
		if e.TargetID == sourceID {
			e.TargetID = targetID
		}
		if e.SourceID == e.TargetID {
			// a relation between two names of the same entity
			tx.deleteEdge(e.ID)
			if _, err := tx.attachProperty(targetID, e.Label, e.Justification, e.ChunkIDs); err != nil {
				return err
			}
			continue
		}
		tx.insertEdge(e)
	}

	for _, pid := range sortedKeys(tx.st.nodeProps[sourceID]) {
		p := tx.st.props[pid]
		delete(tx.st.propKeys, propertyKey(p))
		tx.st.unlink(tx.st.nodeProps, sourceID, p.ID)
		p.NodeID = targetID
		tx.insertProperty(p)
	}

	delete(tx.st.nodes, sourceID)
	delete(tx.st.nodeEdges, sourceID)
	delete(tx.st.nodeProps, sourceID)
	delete(tx.dirtyNodes, sourceID)
	tx.deletedNodes[sourceID] = struct{}{}
	tx.st.tombstones[sourceID] = targetID
	return nil
}

// AttachEdge adds an edge between two live nodes, or folds it into an existing
// edge with the same endpoints and normalized label. It returns the id of the
// resulting edge and whether a new edge was created.
func (tx *Tx) AttachEdge(in EdgeInput) (string, bool, error) {
	if tx.done {
		return "", false, ErrTxClosed
	}
	if _, ok := tx.st.nodes[in.SourceID]; !ok {
		return "", false, &common.DanglingReferenceError{Op: "attach_edge", NodeID: in.SourceID}
	}
	if _, ok := tx.st.nodes[in.TargetID]; !ok {
		return "", false, &common.DanglingReferenceError{Op: "attach_edge", NodeID: in.TargetID}
	}
	if in.SourceID == in.TargetID {
		return "", false, fmt.Errorf("edge %q would reference node %s twice", in.Label, in.SourceID)
	}
	if normalizeLabel(in.Label) == "" {
		return "", false, fmt.Errorf("edge label is empty")
	}

	id, err := gonanoid.New()
	if err != nil {
		return "", false, fmt.Errorf("failed to generate edge id: %w", err)
	}
	e := &common.Edge{
		ID:            id,
		SourceID:      in.SourceID,
		TargetID:      in.TargetID,
		Label:         strings.TrimSpace(in.Label),
		Symmetric:     in.Symmetric,
		Justification: strings.TrimSpace(in.Justification),
		ChunkIDs:      common.AppendUnique(nil, in.ChunkIDs...),
	}
	resID, created := tx.insertEdge(e)
	return resID, created, nil
}

// AttachProperty adds a property to a live node, or folds it into an existing
// property with the same normalized key and value.
func (tx *Tx) AttachProperty(in PropertyInput) (string, bool, error) {
	if tx.done {
		return "", false, ErrTxClosed
	}
	if _, ok := tx.st.nodes[in.NodeID]; !ok {
		return "", false, &common.DanglingReferenceError{Op: "attach_property", NodeID: in.NodeID}
	}
	if normalizeLabel(in.Key) == "" {
		return "", false, fmt.Errorf("property key is empty")
	}
	before := len(tx.st.props)
	id, err := tx.attachProperty(in.NodeID, in.Key, in.Value, in.ChunkIDs)
	if err != nil {
		return "", false, err
	}
	return id, len(tx.st.props) > before, nil
}

func (tx *Tx) attachProperty(nodeID, key, value string, chunkIDs []string) (string, error) {
	id, err := gonanoid.New()
	if err != nil {
		return "", fmt.Errorf("failed to generate property id: %w", err)
	}
	p := &common.Property{
		ID:       id,
		NodeID:   nodeID,
		Key:      strings.TrimSpace(key),
		Value:    strings.TrimSpace(value),
		ChunkIDs: common.AppendUnique(nil, chunkIDs...),
	}
	resID, _ := tx.insertProperty(p)
	return resID, nil
}

// insertEdge stores e or merges it into the edge with the same key.
func (tx *Tx) insertEdge(e *common.Edge) (string, bool) {
	key := edgeKey(e)
	if existingID, ok := tx.st.edgeKeys[key]; ok && existingID != e.ID {
		existing := tx.st.edges[existingID]
		existing.ChunkIDs = common.AppendUnique(existing.ChunkIDs, e.ChunkIDs...)
		existing.Justification = common.MergeDescription(existing.Justification, e.Justification)
		tx.dirtyEdges[existingID] = struct{}{}
		if _, stored := tx.st.edges[e.ID]; stored {
			tx.deleteEdge(e.ID)
		}
		return existingID, false
	}
	_, stored := tx.st.edges[e.ID]
	tx.st.edges[e.ID] = e
	tx.st.edgeKeys[key] = e.ID
	tx.st.link(tx.st.nodeEdges, e.SourceID, e.ID)
	tx.st.link(tx.st.nodeEdges, e.TargetID, e.ID)
	tx.dirtyEdges[e.ID] = struct{}{}
	return e.ID, !stored
}

// detachEdge removes e from the key and adjacency indexes but keeps the record.
func (tx *Tx) detachEdge(e *common.Edge) {
	key := edgeKey(e)
	if tx.st.edgeKeys[key] == e.ID {
		delete(tx.st.edgeKeys, key)
	}
	tx.st.unlink(tx.st.nodeEdges, e.SourceID, e.ID)
	tx.st.unlink(tx.st.nodeEdges, e.TargetID, e.ID)
}

func (tx *Tx) deleteEdge(id string) {
	if e, ok := tx.st.edges[id]; ok {
		tx.detachEdge(e)
	}
	delete(tx.st.edges, id)
	delete(tx.dirtyEdges, id)
	tx.deletedEdges[id] = struct{}{}
}

func (tx *Tx) insertProperty(p *common.Property) (string, bool) {
	key := propertyKey(p)
	if existingID, ok := tx.st.propKeys[key]; ok && existingID != p.ID {
		existing := tx.st.props[existingID]
		existing.ChunkIDs = common.AppendUnique(existing.ChunkIDs, p.ChunkIDs...)
		tx.dirtyProps[existingID] = struct{}{}
		if _, stored := tx.st.props[p.ID]; stored {
			delete(tx.st.props, p.ID)
			delete(tx.dirtyProps, p.ID)
			tx.deletedProps[p.ID] = struct{}{}
		}
		return existingID, false
	}
	_, stored := tx.st.props[p.ID]
	tx.st.props[p.ID] = p
	tx.st.propKeys[key] = p.ID
	tx.st.link(tx.st.nodeProps, p.NodeID, p.ID)
	tx.dirtyProps[p.ID] = struct{}{}
	return p.ID, !stored
}
