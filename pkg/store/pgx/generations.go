package pgx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/OFFIS-RIT/strata/pkg/common"
	"github.com/OFFIS-RIT/strata/pkg/logger"

	pgxv5 "github.com/jackc/pgx/v5"
)

// SaveGeneration stores gen, makes it current and drops older generations in
// one transaction.
func (p *GraphPersister) SaveGeneration(ctx context.Context, gen *common.Generation) error {
	if gen == nil {
		return errors.New("generation is nil")
	}

	tx, err := p.conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	b := &pgxv5.Batch{}
	b.Queue(insertGenerationSQL, gen.ID, gen.Seed, string(gen.State), gen.CreatedAt)
	for _, level := range gen.Levels {
		for pos, c := range level {
			members, err := encodeList(c.Members)
			if err != nil {
				return err
			}
			summary, err := encodeSummary(c.Summary)
			if err != nil {
				return err
			}
			b.Queue(insertCommunitySQL, gen.ID, c.ID, c.Level, pos, members, c.ParentID, summary)
		}
	}
	b.Queue(setCurrentGenerationSQL, gen.ID)
	b.Queue(deleteOldGenerationsSQL, gen.ID)

	if err := tx.SendBatch(ctx, b).Close(); err != nil {
		return fmt.Errorf("failed to store generation %s: %w", gen.ID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit generation %s: %w", gen.ID, err)
	}
	logger.Debug("[Postgres] Generation stored", "id", gen.ID, "communities", gen.CommunityCount())
	return nil
}

// LoadCurrentGeneration returns the current generation or nil if none was
// published yet.
func (p *GraphPersister) LoadCurrentGeneration(ctx context.Context) (*common.Generation, error) {
	gen := &common.Generation{}
	var state string
	err := p.conn.QueryRow(ctx, selectCurrentGenerationSQL).Scan(&gen.ID, &gen.Seed, &state, &gen.CreatedAt)
	if err != nil {
		if errors.Is(err, pgxv5.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load current generation: %w", err)
	}
	gen.State = common.GenerationState(state)

	communities, err := queryAll(ctx, p.conn, selectCommunitiesSQL, func(row pgxv5.Rows) (common.Community, error) {
		var c common.Community
		var members, summary []byte
		if err := row.Scan(&c.ID, &c.Level, &members, &c.ParentID, &summary); err != nil {
			return c, err
		}
		c.GenerationID = gen.ID
		if err := decodeList(members, &c.Members); err != nil {
			return c, err
		}
		s, err := decodeSummary(summary)
		c.Summary = s
		return c, err
	}, gen.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load communities of %s: %w", gen.ID, err)
	}

	gen.Levels = groupLevels(communities)
	return gen, nil
}

// groupLevels splits communities ordered by level and position into levels.
func groupLevels(communities []common.Community) [][]common.Community {
	levels := make([][]common.Community, 0)
	for _, c := range communities {
		for len(levels) <= c.Level {
			levels = append(levels, nil)
		}
		levels[c.Level] = append(levels[c.Level], c)
	}
	return levels
}

func encodeSummary(s *common.CommunitySummary) (*string, error) {
	if s == nil {
		return nil, nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode summary: %w", err)
	}
	out := string(data)
	return &out, nil
}

func decodeSummary(data []byte) (*common.CommunitySummary, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var s common.CommunitySummary
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode summary: %w", err)
	}
	return &s, nil
}

const (
	insertGenerationSQL = `
INSERT INTO community_generations (id, seed, state, created_at)
VALUES ($1, $2, $3, $4)`

	insertCommunitySQL = `
INSERT INTO communities (generation_id, id, level, position, members, parent_id, summary)
VALUES ($1, $2, $3, $4, $5, $6, $7)`

	setCurrentGenerationSQL = `
INSERT INTO current_generation (singleton, generation_id)
VALUES (TRUE, $1)
ON CONFLICT (singleton) DO UPDATE SET generation_id = EXCLUDED.generation_id`

	deleteOldGenerationsSQL = `DELETE FROM community_generations WHERE id <> $1`

	selectCurrentGenerationSQL = `
SELECT g.id, g.seed, g.state, g.created_at
FROM current_generation cur
JOIN community_generations g ON g.id = cur.generation_id`

	selectCommunitiesSQL = `
SELECT id, level, members, parent_id, summary
FROM communities
WHERE generation_id = $1
ORDER BY level, position`
)
