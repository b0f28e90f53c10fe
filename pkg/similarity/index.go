package similarity

import (
	"math"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/OFFIS-RIT/strata/pkg/common"

	"github.com/agnivade/levenshtein"
)

// Match is a name returned by a Search together with its normalized edit
// distance to the query.
type Match struct {
	Name     string
	Distance float64
}

// Options configures an Index.
//
// Threshold is the maximum normalized edit distance (edit distance divided by
// the rune length of the longer name) for two names to be considered similar.
// TokenSubset additionally reports names whose token set contains, or is
// contained in, the token set of the query, e.g. "p100" and "p100 gpu".
type Options struct {
	Threshold   float64
	TokenSubset bool
}

// Index answers "which known names are close to this one" queries. Names are
// compared after case and whitespace folding. Insertion is incremental and
// the index is safe for concurrent use.
type Index struct {
	opts Options

	mu     sync.RWMutex
	root   *bkNode
	names  map[string]struct{}
	tokens map[string]map[string]struct{}
}

func NewIndex(opts Options) *Index {
	if opts.Threshold < 0 {
		opts.Threshold = 0
	}
	return &Index{
		opts:   opts,
		names:  make(map[string]struct{}),
		tokens: make(map[string]map[string]struct{}),
	}
}

// Insert adds name to the index. Inserting a name twice is a no-op.
func (i *Index) Insert(name string) {
	norm := common.NormalizeName(name)
	if norm == "" {
		return
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if _, ok := i.names[norm]; ok {
		return
	}
	i.names[norm] = struct{}{}
	i.root = i.root.insert(norm)
	for _, tok := range strings.Fields(norm) {
		set, ok := i.tokens[tok]
		if !ok {
			set = make(map[string]struct{})
			i.tokens[tok] = set
		}
		set[norm] = struct{}{}
	}
}

// Len returns the number of distinct names in the index.
func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.names)
}

// Contains reports whether the normalized form of name was inserted.
func (i *Index) Contains(name string) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	_, ok := i.names[common.NormalizeName(name)]
	return ok
}

// Search returns all indexed names similar to name, including name itself if
// it was inserted. Results are ordered by distance, then name.
func (i *Index) Search(name string) []Match {
	norm := common.NormalizeName(name)
	if norm == "" {
		return nil
	}

	i.mu.RLock()
	defer i.mu.RUnlock()

	found := make(map[string]float64)
	qLen := utf8.RuneCountInString(norm)

	// The longest candidate a normalized threshold could accept bounds the
	// absolute radius searched in the tree.
	radius := int(math.Floor(i.opts.Threshold*float64(qLen)/(1-math.Min(i.opts.Threshold, 0.999)) + 1e-9))
	i.root.search(norm, radius, func(candidate string, dist int) {
		d := normalizedDistance(dist, qLen, utf8.RuneCountInString(candidate))
		if d <= i.opts.Threshold {
			found[candidate] = d
		}
	})

	if i.opts.TokenSubset {
		for _, candidate := range i.tokenSubsetMatches(norm) {
			if _, ok := found[candidate]; ok {
				continue
			}
			found[candidate] = Distance(norm, candidate)
		}
	}

	res := make([]Match, 0, len(found))
	for n, d := range found {
		res = append(res, Match{Name: n, Distance: d})
	}
	sort.Slice(res, func(a, b int) bool {
		if res[a].Distance != res[b].Distance {
			return res[a].Distance < res[b].Distance
		}
		return res[a].Name < res[b].Name
	})
	return res
}

// tokenSubsetMatches returns names whose token set is a superset or subset of
// the query tokens. Caller must hold the read lock.
func (i *Index) tokenSubsetMatches(norm string) []string {
	qTokens := strings.Fields(norm)
	if len(qTokens) == 0 {
		return nil
	}

	// supersets: names containing every query token
	var supersets map[string]struct{}
	for _, tok := range qTokens {
		set := i.tokens[tok]
		if len(set) == 0 {
			supersets = nil
			break
		}
		if supersets == nil {
			supersets = make(map[string]struct{}, len(set))
			for n := range set {
				supersets[n] = struct{}{}
			}
			continue
		}
		for n := range supersets {
			if _, ok := set[n]; !ok {
				delete(supersets, n)
			}
		}
	}

	out := make([]string, 0)
	for n := range supersets {
		if n != norm {
			out = append(out, n)
		}
	}

	// subsets: names all of whose tokens appear in the query
	qSet := make(map[string]struct{}, len(qTokens))
	for _, tok := range qTokens {
		qSet[tok] = struct{}{}
	}
	seen := make(map[string]struct{})
	for _, tok := range qTokens {
		for n := range i.tokens[tok] {
			if n == norm {
				continue
			}
			if _, ok := seen[n]; ok {
				continue
			}
			seen[n] = struct{}{}
			if _, ok := supersets[n]; ok {
				continue
			}
			subset := true
			for _, t := range strings.Fields(n) {
				if _, ok := qSet[t]; !ok {
					subset = false
					break
				}
			}
			if subset {
				out = append(out, n)
			}
		}
	}
	return out
}

// Distance returns the normalized edit distance of two names after case and
// whitespace folding, in the range [0,1].
func Distance(a, b string) float64 {
	a = common.NormalizeName(a)
	b = common.NormalizeName(b)
	return normalizedDistance(
		levenshtein.ComputeDistance(a, b),
		utf8.RuneCountInString(a),
		utf8.RuneCountInString(b),
	)
}

func normalizedDistance(dist, lenA, lenB int) float64 {
	longest := max(lenA, lenB)
	if longest == 0 {
		return 0
	}
	return float64(dist) / float64(longest)
}
