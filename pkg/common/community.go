package common

import "time"

// GenerationState tracks how far a community hierarchy has been built.
type GenerationState string

const (
	StateEmpty       GenerationState = "EMPTY"
	StateLevel0Built GenerationState = "LEVEL_0_BUILT"
	StateLevelKBuilt GenerationState = "LEVEL_K_BUILT"
	StateStable      GenerationState = "STABLE"
)

// CommunitySummary is the generated report of a community.
type CommunitySummary struct {
	Title    string   `json:"title"`
	Summary  string   `json:"summary"`
	Findings []string `json:"findings"`
}

// Community is a cluster of nodes (level 0) or of communities of the level
// below (level > 0). IDs are unique within a generation.
type Community struct {
	ID           string            `json:"id"`
	GenerationID string            `json:"generation_id"`
	Level        int               `json:"level"`
	Members      []string          `json:"members"`
	ParentID     string            `json:"parent_id,omitempty"`
	Summary      *CommunitySummary `json:"summary,omitempty"`
}

// Generation is one complete, atomically published community hierarchy.
// Levels[i] holds the communities of level i. A published generation is
// never mutated.
type Generation struct {
	ID        string          `json:"id"`
	Seed      int64           `json:"seed"`
	State     GenerationState `json:"state"`
	Levels    [][]Community   `json:"levels"`
	CreatedAt time.Time       `json:"created_at"`
}

// Community looks up a community by level and id.
func (g *Generation) Community(level int, id string) (Community, bool) {
	if g == nil || level < 0 || level >= len(g.Levels) {
		return Community{}, false
	}
	for _, c := range g.Levels[level] {
		if c.ID == id {
			return c, true
		}
	}
	return Community{}, false
}

// CommunityCount returns the number of communities across all levels.
func (g *Generation) CommunityCount() int {
	if g == nil {
		return 0
	}
	n := 0
	for _, l := range g.Levels {
		n += len(l)
	}
	return n
}
