package pgx

import (
	"context"
	"encoding/json"
	"fmt"

	gUtil "github.com/OFFIS-RIT/strata/internal/util"
	"github.com/OFFIS-RIT/strata/pkg/logger"
	"github.com/OFFIS-RIT/strata/pkg/store"
	"github.com/OFFIS-RIT/strata/pkg/vectorsync"

	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
)

type embedder interface {
	GenerateEmbeddings(ctx context.Context, inputs [][]byte) ([][]float32, error)
}

const embedBatch = 64

// VectorSink keeps the vector_records table in sync with the graph. Texts
// are embedded with the configured AI client. The pool must have the pgvector
// types registered.
//
// Every row carries the graph version that produced it. A write with an older
// version than the stored row is ignored, and deletes leave a tombstone, so
// replaying a parked job never reverts newer text or revives deleted ids.
type VectorSink struct {
	conn     pgxIConn
	embedder embedder
}

func NewVectorSink(conn pgxIConn, e embedder) *VectorSink {
	return &VectorSink{conn: conn, embedder: e}
}

func (s *VectorSink) Upsert(ctx context.Context, records []vectorsync.Record, version int64) error {
	return store.ChunkRange(len(records), embedBatch, func(start, end int) error {
		part := records[start:end]
		inputs := make([][]byte, len(part))
		for i, r := range part {
			inputs[i] = []byte(r.Text)
		}
		embeddings, err := s.embedder.GenerateEmbeddings(ctx, inputs)
		if err != nil {
			return fmt.Errorf("failed to embed records: %w", err)
		}
		if len(embeddings) != len(part) {
			return fmt.Errorf("expected %d embeddings, got %d", len(part), len(embeddings))
		}

		b := &pgxv5.Batch{}
		for i, r := range part {
			meta, err := json.Marshal(r.Metadata)
			if err != nil {
				return fmt.Errorf("failed to encode metadata of %s: %w", r.ID, err)
			}
			b.Queue(upsertVectorSQL, r.ID, string(r.Kind), gUtil.SanitizePostgresText(r.Text), string(meta),
				pgvector.NewVector(embeddings[i]), version)
		}
		if err := s.conn.SendBatch(ctx, b).Close(); err != nil {
			return fmt.Errorf("failed to upsert vector records: %w", err)
		}
		logger.Debug("[Postgres] Vector records upserted", "count", len(part), "version", version)
		return nil
	})
}

func (s *VectorSink) Delete(ctx context.Context, ids []string, version int64) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.conn.Exec(ctx, deleteVectorsSQL, ids, version); err != nil {
		return fmt.Errorf("failed to delete vector records: %w", err)
	}
	return nil
}

const (
	upsertVectorSQL = `
INSERT INTO vector_records (id, kind, text, metadata, embedding, version, deleted, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, FALSE, now())
ON CONFLICT (id) DO UPDATE
SET kind       = EXCLUDED.kind,
    text       = EXCLUDED.text,
    metadata   = EXCLUDED.metadata,
    embedding  = EXCLUDED.embedding,
    version    = EXCLUDED.version,
    deleted    = FALSE,
    updated_at = now()
WHERE vector_records.version < EXCLUDED.version
   OR (vector_records.version = EXCLUDED.version AND NOT vector_records.deleted)`

	deleteVectorsSQL = `
INSERT INTO vector_records (id, kind, text, metadata, embedding, version, deleted, updated_at)
SELECT id, '', '', '{}', NULL, $2, TRUE, now() FROM unnest($1::text[]) AS id
ON CONFLICT (id) DO UPDATE
SET text       = '',
    metadata   = '{}',
    embedding  = NULL,
    version    = EXCLUDED.version,
    deleted    = TRUE,
    updated_at = now()
WHERE vector_records.version <= EXCLUDED.version`
)
