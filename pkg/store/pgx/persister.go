package pgx

import (
	"context"
	"encoding/json"
	"fmt"

	gUtil "github.com/OFFIS-RIT/strata/internal/util"
	"github.com/OFFIS-RIT/strata/pkg/common"
	"github.com/OFFIS-RIT/strata/pkg/logger"
	"github.com/OFFIS-RIT/strata/pkg/store"

	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type pgxIConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...any) (pgxv5.Rows, error)
	QueryRow(ctx context.Context, sql string, optionsAndArgs ...any) pgxv5.Row
	Begin(ctx context.Context) (pgxv5.Tx, error)
	SendBatch(ctx context.Context, b *pgxv5.Batch) pgxv5.BatchResults
}

// maxBatch bounds the number of statements sent in one round trip.
const maxBatch = 500

// GraphPersister stores the canonical graph and the community generations in
// PostgreSQL. It implements store.Persister and community.GenerationStore.
type GraphPersister struct {
	conn pgxIConn
}

func NewGraphPersister(conn pgxIConn) *GraphPersister {
	return &GraphPersister{conn: conn}
}

// ApplyChanges writes cs in a single transaction.
func (p *GraphPersister) ApplyChanges(ctx context.Context, cs *store.ChangeSet) error {
	if cs.Empty() {
		return nil
	}

	tx, err := p.conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// the row lock taken here serializes concurrent writers
	tag, err := tx.Exec(ctx, bumpVersionSQL, cs.BaseVersion)
	if err != nil {
		return fmt.Errorf("failed to advance graph version: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("failed to apply changes on version %d: %w", cs.BaseVersion, store.ErrStale)
	}

	batches, err := changeBatches(cs)
	if err != nil {
		return err
	}
	for _, b := range batches {
		if err := tx.SendBatch(ctx, b).Close(); err != nil {
			return fmt.Errorf("failed to apply changes: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit changes: %w", err)
	}
	logger.Debug("[Postgres] Changes applied",
		"version", cs.Version,
		"documents", len(cs.Documents),
		"nodes", len(cs.UpsertNodes),
		"edges", len(cs.UpsertEdges),
		"deleted_nodes", len(cs.DeleteNodes),
	)
	return nil
}

// changeBatches queues the statements of cs, deletes first.
func changeBatches(cs *store.ChangeSet) ([]*pgxv5.Batch, error) {
	var stmts []func(b *pgxv5.Batch) error

	for _, id := range cs.DeleteEdges {
		stmts = append(stmts, func(b *pgxv5.Batch) error {
			b.Queue(deleteEdgeSQL, id)
			return nil
		})
	}
	for _, id := range cs.DeleteProperties {
		stmts = append(stmts, func(b *pgxv5.Batch) error {
			b.Queue(deletePropertySQL, id)
			return nil
		})
	}
	for _, id := range cs.DeleteNodes {
		stmts = append(stmts, func(b *pgxv5.Batch) error {
			b.Queue(deleteNodeSQL, id)
			return nil
		})
	}
	for _, d := range cs.Documents {
		stmts = append(stmts, func(b *pgxv5.Batch) error {
			chunkIDs, err := encodeList(d.ChunkIDs)
			if err != nil {
				return err
			}
			b.Queue(insertDocumentSQL, d.ID, gUtil.SanitizePostgresText(d.Name), d.Hash, chunkIDs, d.CreatedAt)
			return nil
		})
	}
	for _, c := range cs.Chunks {
		stmts = append(stmts, func(b *pgxv5.Batch) error {
			b.Queue(insertChunkSQL, c.ID, c.DocumentID, c.Position, c.Page, gUtil.SanitizePostgresText(c.Text))
			return nil
		})
	}
	for _, n := range cs.UpsertNodes {
		stmts = append(stmts, func(b *pgxv5.Batch) error {
			altNames, err := encodeList(n.AltNames)
			if err != nil {
				return err
			}
			chunkIDs, err := encodeList(n.ChunkIDs)
			if err != nil {
				return err
			}
			b.Queue(upsertNodeSQL, n.ID, gUtil.SanitizePostgresText(n.Name), gUtil.SanitizePostgresText(n.Type), altNames, chunkIDs,
				gUtil.SanitizePostgresText(n.Description))
			return nil
		})
	}
	for _, e := range cs.UpsertEdges {
		stmts = append(stmts, func(b *pgxv5.Batch) error {
			chunkIDs, err := encodeList(e.ChunkIDs)
			if err != nil {
				return err
			}
			b.Queue(upsertEdgeSQL, e.ID, e.SourceID, e.TargetID, gUtil.SanitizePostgresText(e.Label), e.Symmetric,
				gUtil.SanitizePostgresText(e.Justification), chunkIDs)
			return nil
		})
	}
	for _, pr := range cs.UpsertProperties {
		stmts = append(stmts, func(b *pgxv5.Batch) error {
			chunkIDs, err := encodeList(pr.ChunkIDs)
			if err != nil {
				return err
			}
			b.Queue(upsertPropertySQL, pr.ID, pr.NodeID, gUtil.SanitizePostgresText(pr.Key), gUtil.SanitizePostgresText(pr.Value), chunkIDs)
			return nil
		})
	}

	var batches []*pgxv5.Batch
	err := store.ChunkRange(len(stmts), maxBatch, func(start, end int) error {
		b := &pgxv5.Batch{}
		for _, stmt := range stmts[start:end] {
			if err := stmt(b); err != nil {
				return err
			}
		}
		batches = append(batches, b)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode changes: %w", err)
	}
	return batches, nil
}

// Version returns the persisted graph version.
func (p *GraphPersister) Version(ctx context.Context) (int64, error) {
	var version int64
	if err := p.conn.QueryRow(ctx, selectVersionSQL).Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read graph version: %w", err)
	}
	return version, nil
}

// LoadGraph reads the complete committed graph from one repeatable-read
// snapshot, so the version matches the records.
func (p *GraphPersister) LoadGraph(ctx context.Context) (*store.Snapshot, error) {
	tx, err := p.conn.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)
	if _, err := tx.Exec(ctx, `SET TRANSACTION ISOLATION LEVEL REPEATABLE READ`); err != nil {
		return nil, fmt.Errorf("failed to set isolation level: %w", err)
	}

	snap := &store.Snapshot{}
	if err := tx.QueryRow(ctx, selectVersionSQL).Scan(&snap.Version); err != nil {
		return nil, fmt.Errorf("failed to read graph version: %w", err)
	}

	docs, err := queryAll(ctx, tx, selectDocumentsSQL, func(row pgxv5.Rows) (common.Document, error) {
		var d common.Document
		var chunkIDs []byte
		if err := row.Scan(&d.ID, &d.Name, &d.Hash, &chunkIDs, &d.CreatedAt); err != nil {
			return d, err
		}
		return d, decodeList(chunkIDs, &d.ChunkIDs)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load documents: %w", err)
	}
	snap.Documents = docs

	chunks, err := queryAll(ctx, tx, selectChunksSQL, func(row pgxv5.Rows) (common.Chunk, error) {
		var c common.Chunk
		err := row.Scan(&c.ID, &c.DocumentID, &c.Position, &c.Page, &c.Text)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load chunks: %w", err)
	}
	snap.Chunks = chunks

	nodes, err := queryAll(ctx, tx, selectNodesSQL, func(row pgxv5.Rows) (common.Node, error) {
		var n common.Node
		var altNames, chunkIDs []byte
		if err := row.Scan(&n.ID, &n.Name, &n.Type, &altNames, &chunkIDs, &n.Description); err != nil {
			return n, err
		}
		if err := decodeList(altNames, &n.AltNames); err != nil {
			return n, err
		}
		return n, decodeList(chunkIDs, &n.ChunkIDs)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load nodes: %w", err)
	}
	snap.Nodes = nodes

	edges, err := queryAll(ctx, tx, selectEdgesSQL, func(row pgxv5.Rows) (common.Edge, error) {
		var e common.Edge
		var chunkIDs []byte
		if err := row.Scan(&e.ID, &e.SourceID, &e.TargetID, &e.Label, &e.Symmetric, &e.Justification, &chunkIDs); err != nil {
			return e, err
		}
		return e, decodeList(chunkIDs, &e.ChunkIDs)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load edges: %w", err)
	}
	snap.Edges = edges

	props, err := queryAll(ctx, tx, selectPropertiesSQL, func(row pgxv5.Rows) (common.Property, error) {
		var pr common.Property
		var chunkIDs []byte
		if err := row.Scan(&pr.ID, &pr.NodeID, &pr.Key, &pr.Value, &chunkIDs); err != nil {
			return pr, err
		}
		return pr, decodeList(chunkIDs, &pr.ChunkIDs)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load properties: %w", err)
	}
	snap.Properties = props

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to finish graph read: %w", err)
	}
	return snap, nil
}

func queryAll[T any](
	ctx context.Context,
	conn pgxIConn,
	sql string,
	scan func(pgxv5.Rows) (T, error),
	args ...any,
) ([]T, error) {
	rows, err := conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]T, 0)
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// encodeList encodes values as a JSON array. NUL bytes are stripped because
// jsonb rejects the \u0000 escape.
func encodeList(values []string) (string, error) {
	clean := make([]string, len(values))
	for i, v := range values {
		clean[i] = gUtil.SanitizePostgresText(v)
	}
	data, err := json.Marshal(clean)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeList(data []byte, dst *[]string) error {
	if len(data) == 0 {
		*dst = nil
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("failed to decode list: %w", err)
	}
	if len(*dst) == 0 {
		*dst = nil
	}
	return nil
}

const (
	bumpVersionSQL   = `UPDATE graph_version SET version = version + 1 WHERE singleton AND version = $1`
	selectVersionSQL = `SELECT version FROM graph_version WHERE singleton`

	deleteEdgeSQL     = `DELETE FROM edges WHERE id = $1`
	deletePropertySQL = `DELETE FROM properties WHERE id = $1`
	deleteNodeSQL     = `DELETE FROM nodes WHERE id = $1`

	insertDocumentSQL = `
INSERT INTO documents (id, name, hash, chunk_ids, created_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO NOTHING`

	insertChunkSQL = `
INSERT INTO chunks (id, document_id, position, page, text)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO NOTHING`

	upsertNodeSQL = `
INSERT INTO nodes (id, name, type, alt_names, chunk_ids, description)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE
SET name        = EXCLUDED.name,
    type        = EXCLUDED.type,
    alt_names   = EXCLUDED.alt_names,
    chunk_ids   = EXCLUDED.chunk_ids,
    description = EXCLUDED.description`

	upsertEdgeSQL = `
INSERT INTO edges (id, source_id, target_id, label, symmetric, justification, chunk_ids)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO UPDATE
SET source_id     = EXCLUDED.source_id,
    target_id     = EXCLUDED.target_id,
    label         = EXCLUDED.label,
    symmetric     = EXCLUDED.symmetric,
    justification = EXCLUDED.justification,
    chunk_ids     = EXCLUDED.chunk_ids`

	upsertPropertySQL = `
INSERT INTO properties (id, node_id, key, value, chunk_ids)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE
SET node_id   = EXCLUDED.node_id,
    key       = EXCLUDED.key,
    value     = EXCLUDED.value,
    chunk_ids = EXCLUDED.chunk_ids`

	selectDocumentsSQL  = `SELECT id, name, hash, chunk_ids, created_at FROM documents ORDER BY id`
	selectChunksSQL     = `SELECT id, document_id, position, page, text FROM chunks ORDER BY id`
	selectNodesSQL      = `SELECT id, name, type, alt_names, chunk_ids, description FROM nodes ORDER BY id`
	selectEdgesSQL      = `SELECT id, source_id, target_id, label, symmetric, justification, chunk_ids FROM edges ORDER BY id`
	selectPropertiesSQL = `SELECT id, node_id, key, value, chunk_ids FROM properties ORDER BY id`
)
