package graph

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	gUtil "github.com/OFFIS-RIT/strata/internal/util"
	"github.com/OFFIS-RIT/strata/pkg/common"
	"github.com/OFFIS-RIT/strata/pkg/logger"
	"github.com/OFFIS-RIT/strata/pkg/store"
	"github.com/OFFIS-RIT/strata/pkg/vectorsync"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

type preparedDocument struct {
	doc    common.Document
	chunks []common.Chunk
}

// HashText returns the lowercase hex SHA-256 of text, the identity of a
// document.
func HashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Load hydrates the client from its persisters: the committed graph and the
// current community generation.
func (g *GraphClient) Load(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.store.Load(ctx); err != nil {
		return err
	}
	if err := g.builder.Load(ctx); err != nil {
		return err
	}
	g.matcher.ResetIndex()

	stats := g.store.Stats()
	logger.Info("[Graph] Loaded graph", "documents", stats.Documents, "nodes", stats.Nodes, "edges", stats.Edges)
	return nil
}

// refresh catches up with commits and generations published by other
// workers sharing the persisters. Callers hold g.mu.
func (g *GraphClient) refresh(ctx context.Context) error {
	reloaded, err := g.store.Refresh(ctx)
	if err != nil {
		return err
	}
	if reloaded {
		g.matcher.ResetIndex()
	}
	return g.builder.Load(ctx)
}

// ProcessDocument is ProcessDocuments for a single document.
func (g *GraphClient) ProcessDocument(ctx context.Context, in DocumentInput) (*BuildReport, error) {
	return g.ProcessDocuments(ctx, []DocumentInput{in})
}

// ProcessDocuments ingests documents into the graph: it extracts candidates
// from every chunk, resolves them against the canonical graph in one
// transaction, rebuilds the community hierarchy and queues the vector sync.
//
// The graph is first brought up to date with commits of other workers, so
// duplicate detection and matching see the latest persisted state. A commit
// racing another writer fails with store.ErrStale and may be retried.
//
// Documents whose hash is already known are reported as duplicates and
// skipped. If every document is a duplicate nothing is mutated and the first
// DuplicateDocumentError is returned. A failed rebuild is reported in
// BuildReport.RebuildErr and does not fail the build.
func (g *GraphClient) ProcessDocuments(ctx context.Context, inputs []DocumentInput) (report *BuildReport, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	start := time.Now()
	report = &BuildReport{}

	ctx, span := tracer.Start(ctx, "graph.ProcessDocuments", trace.WithAttributes(
		attribute.Int("documents", len(inputs)),
	))
	defer func() {
		report.Duration = time.Since(start)
		var dup *common.DuplicateDocumentError
		failed := err != nil && !errors.As(err, &dup)
		if failed {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		g.metrics.ObserveBuild(report.metrics(failed))
		span.End()
	}()

	if err := g.refresh(ctx); err != nil {
		return report, fmt.Errorf("failed to refresh graph: %w", err)
	}

	docs, err := g.prepare(ctx, inputs, report)
	if err != nil {
		return report, err
	}
	if len(docs) == 0 {
		if len(report.Duplicates) > 0 {
			logger.Info("[Graph] All documents already ingested", "duplicates", len(report.Duplicates))
			return report, report.Duplicates[0]
		}
		return report, nil
	}

	logger.Info("[Graph] Processing", "documents", len(docs), "duplicates", len(report.Duplicates))

	if err := g.extract(ctx, docs, report); err != nil {
		g.candidates.Drain()
		return report, err
	}

	changes, err := g.commit(ctx, docs, report)
	if err != nil {
		return report, err
	}

	prev := g.builder.Current()
	gen, rebuildErr := g.rebuild(ctx)
	if rebuildErr != nil {
		report.RebuildErr = rebuildErr
		logger.Error("[Graph] Community rebuild failed, keeping previous generation", "err", rebuildErr)
	}
	report.Generation = generationInfo(g.builder.Current())

	g.enqueueVectors(ctx, changes, gen, prev)

	logger.Info("[Graph] Build completed",
		"documents", len(report.Documents),
		"chunks", report.ChunksProcessed,
		"skipped", report.ChunksSkipped,
		"created", report.Match.NodesCreated,
		"merged", report.Match.FuzzyMerges,
		"duration", time.Since(start),
	)
	return report, nil
}

// Rebuild recomputes the community hierarchy of the committed graph.
func (g *GraphClient) Rebuild(ctx context.Context) (*common.Generation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ctx, span := tracer.Start(ctx, "graph.Rebuild")
	defer span.End()

	if err := g.refresh(ctx); err != nil {
		return nil, fmt.Errorf("failed to refresh graph: %w", err)
	}

	prev := g.builder.Current()
	gen, err := g.rebuild(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to rebuild communities: %w", err)
	}
	g.enqueueVectors(ctx, nil, gen, prev)
	return gen, nil
}

func (g *GraphClient) prepare(ctx context.Context, inputs []DocumentInput, report *BuildReport) ([]preparedDocument, error) {
	_, span := tracer.Start(ctx, "graph.prepare")
	defer span.End()

	seen := make(map[string]string, len(inputs))
	docs := make([]preparedDocument, 0, len(inputs))
	for _, in := range inputs {
		hash := HashText(documentText(in))

		existing := ""
		if doc, ok := g.store.DocumentByHash(hash); ok {
			existing = doc.ID
		} else if id, ok := seen[hash]; ok {
			existing = id
		}
		if existing != "" {
			logger.Info("[Graph] Skipping duplicate document", "name", in.Name, "existing", existing)
			report.Duplicates = append(report.Duplicates, &common.DuplicateDocumentError{
				Hash:       hash,
				Name:       in.Name,
				DocumentID: existing,
			})
			continue
		}

		id := in.ID
		if id == "" {
			nid, err := gonanoid.New()
			if err != nil {
				return nil, err
			}
			id = nid
		}
		chunks, err := g.chunksFor(id, in)
		if err != nil {
			return nil, fmt.Errorf("failed to chunk document %s: %w", in.Name, err)
		}

		seen[hash] = id
		docs = append(docs, preparedDocument{
			doc: common.Document{
				ID:        id,
				Name:      in.Name,
				Hash:      hash,
				CreatedAt: time.Now().UTC(),
			},
			chunks: chunks,
		})
	}

	span.SetAttributes(attribute.Int("duplicates", len(report.Duplicates)))
	return docs, nil
}

func documentText(in DocumentInput) string {
	if in.Text != "" || len(in.Chunks) == 0 {
		return in.Text
	}
	texts := make([]string, len(in.Chunks))
	for i, c := range in.Chunks {
		texts[i] = c.Text
	}
	return strings.Join(texts, "\n")
}

func (g *GraphClient) chunksFor(docID string, in DocumentInput) ([]common.Chunk, error) {
	if len(in.Chunks) > 0 {
		chunks := make([]common.Chunk, len(in.Chunks))
		for i, c := range in.Chunks {
			if c.ID == "" {
				id, err := gonanoid.New()
				if err != nil {
					return nil, err
				}
				c.ID = id
			}
			c.DocumentID = docID
			c.Position = i
			chunks[i] = c
		}
		return chunks, nil
	}

	if strings.TrimSpace(in.Text) == "" {
		return nil, nil
	}
	if g.chunker == nil {
		return nil, errors.New("no chunker configured")
	}
	if in.Format == FormatCSV {
		return g.chunker.ChunkRows(docID, in.Text)
	}
	return g.chunker.Chunk(docID, in.Text)
}

func (g *GraphClient) extract(ctx context.Context, docs []preparedDocument, report *BuildReport) error {
	ctx, span := tracer.Start(ctx, "graph.extract")
	defer span.End()

	mu := sync.Mutex{}
	eg, gCtx := errgroup.WithContext(ctx)
	eg.SetLimit(g.cfg.ParallelAiRequests)
	for _, d := range docs {
		for _, chunk := range d.chunks {
			eg.Go(func() error {
				select {
				case <-gCtx.Done():
					return nil
				default:
				}

				ext, err := gUtil.RetryWithContext(gCtx, g.cfg.MaxRetries, func(ctx context.Context) (*common.Extraction, error) {
					return g.extractor.Extract(ctx, chunk)
				})
				if err != nil {
					if cerr := gCtx.Err(); cerr != nil {
						return cerr
					}
					logger.Warn("[Graph] Skipping chunk", "chunk", chunk.ID, "document", chunk.DocumentID, "err", err)
					mu.Lock()
					report.ChunksSkipped++
					report.Failures = append(report.Failures, &common.ExtractionFailure{ChunkID: chunk.ID, Err: err})
					mu.Unlock()
					return nil
				}

				unresolved, err := g.addCandidates(chunk, ext)
				if err != nil {
					return err
				}
				mu.Lock()
				report.ChunksProcessed++
				report.Unresolved += unresolved
				mu.Unlock()
				return nil
			})
		}
	}

	if err := eg.Wait(); err != nil {
		return fmt.Errorf("failed to extract chunks: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	span.SetAttributes(
		attribute.Int("chunks_processed", report.ChunksProcessed),
		attribute.Int("chunks_skipped", report.ChunksSkipped),
	)
	return nil
}

// addCandidates stores the extraction of one chunk as candidates. Relations
// and properties reference entities by name; references to names the chunk
// did not extract are counted as unresolved.
func (g *GraphClient) addCandidates(chunk common.Chunk, ext *common.Extraction) (int, error) {
	if ext == nil {
		return 0, nil
	}

	ids := make(map[string]string, len(ext.Entities))
	for _, ent := range ext.Entities {
		key := common.NormalizeName(ent.Name)
		if key == "" {
			continue
		}
		id, err := gonanoid.New()
		if err != nil {
			return 0, err
		}
		err = g.candidates.AddNode(common.CandidateNode{
			ID:          id,
			Name:        ent.Name,
			Type:        ent.Type,
			ChunkID:     chunk.ID,
			Description: ent.Description,
		})
		if err != nil {
			logger.Debug("[Graph] Dropping entity", "chunk", chunk.ID, "err", err)
			continue
		}
		if _, ok := ids[key]; !ok {
			ids[key] = id
		}
	}

	unresolved := 0
	for _, rel := range ext.Relations {
		src, okSrc := ids[common.NormalizeName(rel.Source)]
		tgt, okTgt := ids[common.NormalizeName(rel.Target)]
		if !okSrc || !okTgt {
			unresolved++
			continue
		}
		id, err := gonanoid.New()
		if err != nil {
			return 0, err
		}
		err = g.candidates.AddEdge(common.CandidateEdge{
			ID:            id,
			SourceID:      src,
			TargetID:      tgt,
			Label:         rel.Label,
			Symmetric:     rel.Symmetric,
			Justification: rel.Justification,
			ChunkID:       chunk.ID,
		})
		if err != nil {
			unresolved++
		}
	}

	for _, p := range ext.Properties {
		node, ok := ids[common.NormalizeName(p.Entity)]
		if !ok {
			unresolved++
			continue
		}
		id, err := gonanoid.New()
		if err != nil {
			return 0, err
		}
		err = g.candidates.AddProperty(common.CandidateProperty{
			ID:      id,
			NodeID:  node,
			Key:     p.Key,
			Value:   p.Value,
			ChunkID: chunk.ID,
		})
		if err != nil {
			unresolved++
		}
	}
	return unresolved, nil
}

func (g *GraphClient) commit(ctx context.Context, docs []preparedDocument, report *BuildReport) (*store.ChangeSet, error) {
	ctx, span := tracer.Start(ctx, "graph.match")
	defer span.End()

	batch := g.candidates.Drain()
	report.Candidates = batch.Len()

	tx := g.store.Begin()
	for _, d := range docs {
		if err := tx.AddDocument(d.doc, d.chunks); err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("failed to add document %s: %w", d.doc.Name, err)
		}
	}

	res, err := g.matcher.Match(ctx, tx, batch)
	if err != nil {
		tx.Rollback()
		span.RecordError(err)
		return nil, fmt.Errorf("failed to match candidates: %w", err)
	}
	report.Match = *res

	changes, err := tx.Commit(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to commit build: %w", err)
	}
	for _, d := range docs {
		report.Documents = append(report.Documents, d.doc.ID)
	}

	span.SetAttributes(
		attribute.Int("candidates", report.Candidates),
		attribute.Int("nodes_created", res.NodesCreated),
		attribute.Int("fuzzy_merges", res.FuzzyMerges),
		attribute.Int("nodes_absorbed", res.NodesAbsorbed),
	)
	return changes, nil
}

func (g *GraphClient) rebuild(ctx context.Context) (*common.Generation, error) {
	ctx, span := tracer.Start(ctx, "graph.rebuild")
	defer span.End()

	start := time.Now()
	gen, err := g.builder.Rebuild(ctx, g.store.Snapshot())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	g.metrics.ObserveRebuild(time.Since(start), gen.CommunityCount())

	span.SetAttributes(
		attribute.String("generation", gen.ID),
		attribute.Int("levels", len(gen.Levels)),
	)
	return gen, nil
}

// enqueueVectors hands the records of a commit and of a newly published
// generation to the vector queue. Queue failures are logged only.
func (g *GraphClient) enqueueVectors(ctx context.Context, changes *store.ChangeSet, gen, prev *common.Generation) {
	if g.vectors == nil {
		return
	}
	_, span := tracer.Start(ctx, "graph.vectorsync")
	defer span.End()

	upserts, deletes := vectorsync.RecordsFromChanges(changes, g.store)
	if gen != nil {
		u, d := vectorsync.RecordsFromGeneration(gen, prev)
		upserts = append(upserts, u...)
		deletes = append(deletes, d...)
	}

	job, err := vectorsync.NewJob(g.store.Version(), upserts, deletes)
	if err != nil {
		logger.Error("[Graph] Failed to create vector sync job", "err", err)
		return
	}
	if job.Empty() {
		return
	}
	span.SetAttributes(
		attribute.Int("upserts", len(job.Upserts)),
		attribute.Int("deletes", len(job.Deletes)),
	)
	if err := g.vectors.Enqueue(job); err != nil {
		logger.Warn("[Graph] Vector sync job not queued", "job", job.ID, "err", err)
	}
}
