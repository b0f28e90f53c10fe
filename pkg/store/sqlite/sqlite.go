// Package sqlite persists the graph and its community generations in a local
// SQLite database. It serves single-node deployments and tests.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/OFFIS-RIT/strata/pkg/common"
	"github.com/OFFIS-RIT/strata/pkg/logger"
	"github.com/OFFIS-RIT/strata/pkg/store"

	"github.com/golang-migrate/migrate/v4"
	msqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store implements store.Persister and community.GenerationStore.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates the database at path and migrates it.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// a single connection keeps pragmas and transactions on one handle
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) migrate() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open migrations: %w", err)
	}
	driver, err := msqlite.WithInstance(s.db, &msqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	logger.Debug("[SQLite] Schema ready", "path", s.path)
	return nil
}

// ApplyChanges writes cs in a single transaction.
func (s *Store) ApplyChanges(ctx context.Context, cs *store.ChangeSet) error {
	if cs.Empty() {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, bumpVersionSQL, cs.BaseVersion)
		if err != nil {
			return fmt.Errorf("failed to advance graph version: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("failed to advance graph version: %w", err)
		} else if n == 0 {
			return fmt.Errorf("failed to apply changes on version %d: %w", cs.BaseVersion, store.ErrStale)
		}

		for _, id := range cs.DeleteEdges {
			if _, err := tx.ExecContext(ctx, `DELETE FROM edges WHERE id = ?`, id); err != nil {
				return fmt.Errorf("failed to delete edge %s: %w", id, err)
			}
		}
		for _, id := range cs.DeleteProperties {
			if _, err := tx.ExecContext(ctx, `DELETE FROM properties WHERE id = ?`, id); err != nil {
				return fmt.Errorf("failed to delete property %s: %w", id, err)
			}
		}
		for _, id := range cs.DeleteNodes {
			if _, err := tx.ExecContext(ctx, `DELETE FROM nodes WHERE id = ?`, id); err != nil {
				return fmt.Errorf("failed to delete node %s: %w", id, err)
			}
		}
		for _, d := range cs.Documents {
			_, err := tx.ExecContext(ctx, insertDocumentSQL,
				d.ID, d.Name, d.Hash, encodeList(d.ChunkIDs), d.CreatedAt.UTC().Format(time.RFC3339Nano))
			if err != nil {
				return fmt.Errorf("failed to insert document %s: %w", d.ID, err)
			}
		}
		for _, c := range cs.Chunks {
			if _, err := tx.ExecContext(ctx, insertChunkSQL, c.ID, c.DocumentID, c.Position, c.Page, c.Text); err != nil {
				return fmt.Errorf("failed to insert chunk %s: %w", c.ID, err)
			}
		}
		for _, n := range cs.UpsertNodes {
			_, err := tx.ExecContext(ctx, upsertNodeSQL,
				n.ID, n.Name, n.Type, encodeList(n.AltNames), encodeList(n.ChunkIDs), n.Description)
			if err != nil {
				return fmt.Errorf("failed to upsert node %s: %w", n.ID, err)
			}
		}
		for _, e := range cs.UpsertEdges {
			_, err := tx.ExecContext(ctx, upsertEdgeSQL,
				e.ID, e.SourceID, e.TargetID, e.Label, e.Symmetric, e.Justification, encodeList(e.ChunkIDs))
			if err != nil {
				return fmt.Errorf("failed to upsert edge %s: %w", e.ID, err)
			}
		}
		for _, p := range cs.UpsertProperties {
			_, err := tx.ExecContext(ctx, upsertPropertySQL, p.ID, p.NodeID, p.Key, p.Value, encodeList(p.ChunkIDs))
			if err != nil {
				return fmt.Errorf("failed to upsert property %s: %w", p.ID, err)
			}
		}
		return nil
	})
}

// Version returns the persisted graph version.
func (s *Store) Version(ctx context.Context) (int64, error) {
	var version int64
	if err := s.db.QueryRowContext(ctx, selectVersionSQL).Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read graph version: %w", err)
	}
	return version, nil
}

// LoadGraph reads the complete committed graph in one transaction.
func (s *Store) LoadGraph(ctx context.Context) (*store.Snapshot, error) {
	var snap *store.Snapshot
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		snap, err = loadGraph(ctx, tx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func loadGraph(ctx context.Context, tx *sql.Tx) (*store.Snapshot, error) {
	snap := &store.Snapshot{}
	if err := tx.QueryRowContext(ctx, selectVersionSQL).Scan(&snap.Version); err != nil {
		return nil, fmt.Errorf("failed to read graph version: %w", err)
	}
	var err error

	snap.Documents, err = queryAll(ctx, tx, selectDocumentsSQL, func(rows *sql.Rows) (common.Document, error) {
		var d common.Document
		var chunkIDs, created string
		if err := rows.Scan(&d.ID, &d.Name, &d.Hash, &chunkIDs, &created); err != nil {
			return d, err
		}
		t, err := time.Parse(time.RFC3339Nano, created)
		if err != nil {
			return d, fmt.Errorf("failed to parse created_at of %s: %w", d.ID, err)
		}
		d.CreatedAt = t
		return d, decodeList(chunkIDs, &d.ChunkIDs)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load documents: %w", err)
	}

	snap.Chunks, err = queryAll(ctx, tx, selectChunksSQL, func(rows *sql.Rows) (common.Chunk, error) {
		var c common.Chunk
		var page sql.NullInt64
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Position, &page, &c.Text); err != nil {
			return c, err
		}
		if page.Valid {
			p := int(page.Int64)
			c.Page = &p
		}
		return c, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load chunks: %w", err)
	}

	snap.Nodes, err = queryAll(ctx, tx, selectNodesSQL, func(rows *sql.Rows) (common.Node, error) {
		var n common.Node
		var altNames, chunkIDs string
		if err := rows.Scan(&n.ID, &n.Name, &n.Type, &altNames, &chunkIDs, &n.Description); err != nil {
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

	snap.Edges, err = queryAll(ctx, tx, selectEdgesSQL, func(rows *sql.Rows) (common.Edge, error) {
		var e common.Edge
		var chunkIDs string
		if err := rows.Scan(&e.ID, &e.SourceID, &e.TargetID, &e.Label, &e.Symmetric, &e.Justification, &chunkIDs); err != nil {
			return e, err
		}
		return e, decodeList(chunkIDs, &e.ChunkIDs)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load edges: %w", err)
	}

	snap.Properties, err = queryAll(ctx, tx, selectPropertiesSQL, func(rows *sql.Rows) (common.Property, error) {
		var p common.Property
		var chunkIDs string
		if err := rows.Scan(&p.ID, &p.NodeID, &p.Key, &p.Value, &chunkIDs); err != nil {
			return p, err
		}
		return p, decodeList(chunkIDs, &p.ChunkIDs)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load properties: %w", err)
	}

	return snap, nil
}

// SaveGeneration stores gen, makes it current and drops older generations in
// one transaction.
func (s *Store) SaveGeneration(ctx context.Context, gen *common.Generation) error {
	if gen == nil {
		return errors.New("generation is nil")
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, insertGenerationSQL,
			gen.ID, gen.Seed, string(gen.State), gen.CreatedAt.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("failed to insert generation %s: %w", gen.ID, err)
		}
		for _, level := range gen.Levels {
			for pos, c := range level {
				summary, err := encodeSummary(c.Summary)
				if err != nil {
					return err
				}
				_, err = tx.ExecContext(ctx, insertCommunitySQL,
					gen.ID, c.ID, c.Level, pos, encodeList(c.Members), c.ParentID, summary)
				if err != nil {
					return fmt.Errorf("failed to insert community %s: %w", c.ID, err)
				}
			}
		}
		if _, err := tx.ExecContext(ctx, setCurrentGenerationSQL, gen.ID); err != nil {
			return fmt.Errorf("failed to set current generation: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM community_generations WHERE id <> ?`, gen.ID); err != nil {
			return fmt.Errorf("failed to drop old generations: %w", err)
		}
		return nil
	})
}

// LoadCurrentGeneration returns the current generation or nil if none was
// published yet.
func (s *Store) LoadCurrentGeneration(ctx context.Context) (*common.Generation, error) {
	gen := &common.Generation{}
	var state, created string
	err := s.db.QueryRowContext(ctx, selectCurrentGenerationSQL).Scan(&gen.ID, &gen.Seed, &state, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load current generation: %w", err)
	}
	gen.State = common.GenerationState(state)
	if gen.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return nil, fmt.Errorf("failed to parse created_at of %s: %w", gen.ID, err)
	}

	communities, err := queryAll(ctx, s.db, selectCommunitiesSQL, func(rows *sql.Rows) (common.Community, error) {
		var c common.Community
		var members string
		var summary sql.NullString
		if err := rows.Scan(&c.ID, &c.Level, &members, &c.ParentID, &summary); err != nil {
			return c, err
		}
		c.GenerationID = gen.ID
		if err := decodeList(members, &c.Members); err != nil {
			return c, err
		}
		if summary.Valid {
			c.Summary = &common.CommunitySummary{}
			if err := json.Unmarshal([]byte(summary.String), c.Summary); err != nil {
				return c, fmt.Errorf("failed to decode summary of %s: %w", c.ID, err)
			}
		}
		return c, nil
	}, gen.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load communities of %s: %w", gen.ID, err)
	}

	gen.Levels = [][]common.Community{}
	for _, c := range communities {
		for len(gen.Levels) <= c.Level {
			gen.Levels = append(gen.Levels, nil)
		}
		gen.Levels[c.Level] = append(gen.Levels[c.Level], c)
	}
	return gen, nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryAll[T any](
	ctx context.Context,
	db querier,
	query string,
	scan func(*sql.Rows) (T, error),
	args ...any,
) ([]T, error) {
	rows, err := db.QueryContext(ctx, query, args...)
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

func encodeList(values []string) string {
	if len(values) == 0 {
		return "[]"
	}
	data, _ := json.Marshal(values)
	return string(data)
}

func decodeList(data string, dst *[]string) error {
	*dst = nil
	if data == "" || data == "[]" {
		return nil
	}
	if err := json.Unmarshal([]byte(data), dst); err != nil {
		return fmt.Errorf("failed to decode list: %w", err)
	}
	return nil
}

func encodeSummary(s *common.CommunitySummary) (sql.NullString, error) {
	if s == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode summary: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

const (
	bumpVersionSQL   = `UPDATE graph_version SET version = version + 1 WHERE singleton = 1 AND version = ?`
	selectVersionSQL = `SELECT version FROM graph_version WHERE singleton = 1`

	insertDocumentSQL = `
INSERT INTO documents (id, name, hash, chunk_ids, created_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (id) DO NOTHING`

	insertChunkSQL = `
INSERT INTO chunks (id, document_id, position, page, text)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (id) DO NOTHING`

	upsertNodeSQL = `
INSERT INTO nodes (id, name, type, alt_names, chunk_ids, description)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE
SET name        = excluded.name,
    type        = excluded.type,
    alt_names   = excluded.alt_names,
    chunk_ids   = excluded.chunk_ids,
    description = excluded.description`

	upsertEdgeSQL = `
INSERT INTO edges (id, source_id, target_id, label, symmetric, justification, chunk_ids)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE
SET source_id     = excluded.source_id,
    target_id     = excluded.target_id,
    label         = excluded.label,
    symmetric     = excluded.symmetric,
    justification = excluded.justification,
    chunk_ids     = excluded.chunk_ids`

	upsertPropertySQL = `
INSERT INTO properties (id, node_id, key, value, chunk_ids)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE
SET node_id   = excluded.node_id,
    key       = excluded.key,
    value     = excluded.value,
    chunk_ids = excluded.chunk_ids`

	insertGenerationSQL = `
INSERT INTO community_generations (id, seed, state, created_at)
VALUES (?, ?, ?, ?)`

	insertCommunitySQL = `
INSERT INTO communities (generation_id, id, level, position, members, parent_id, summary)
VALUES (?, ?, ?, ?, ?, ?, ?)`

	setCurrentGenerationSQL = `
INSERT INTO current_generation (singleton, generation_id)
VALUES (1, ?)
ON CONFLICT (singleton) DO UPDATE SET generation_id = excluded.generation_id`

	selectCurrentGenerationSQL = `
SELECT g.id, g.seed, g.state, g.created_at
FROM current_generation cur
JOIN community_generations g ON g.id = cur.generation_id`

	selectCommunitiesSQL = `
SELECT id, level, members, parent_id, summary
FROM communities
WHERE generation_id = ?
ORDER BY level, position`

	selectDocumentsSQL  = `SELECT id, name, hash, chunk_ids, created_at FROM documents ORDER BY id`
	selectChunksSQL     = `SELECT id, document_id, position, page, text FROM chunks ORDER BY id`
	selectNodesSQL      = `SELECT id, name, type, alt_names, chunk_ids, description FROM nodes ORDER BY id`
	selectEdgesSQL      = `SELECT id, source_id, target_id, label, symmetric, justification, chunk_ids FROM edges ORDER BY id`
	selectPropertiesSQL = `SELECT id, node_id, key, value, chunk_ids FROM properties ORDER BY id`
)
