package search

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/scrypster/memento/internal/entity"
	"github.com/scrypster/memento/pkg/types"
)

const (
	defaultSymbolLimit = 20
	defaultNearbyRange = 25
)

// FindSymbolsByName looks up symbol entities by exact name, or by
// case-insensitive containment when fuzzy is set. Fuzzy hits are
// ranked by how much of the symbol name the query covers.
func (s *Service) FindSymbolsByName(ctx context.Context, name string, opts types.SymbolSearchOptions) ([]types.SearchResult, error) {
	if name == "" {
		return nil, &types.ErrValidation{Field: "name", Reason: "name required"}
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultSymbolLimit
	}

	var (
		stmt   string
		params = map[string]any{"limit": limit * 2}
	)
	if opts.Fuzzy {
		stmt = `MATCH (n:Entity {type: 'symbol'})
WHERE toLower(n.name) CONTAINS $name
RETURN properties(n) AS props LIMIT $limit`
		params["name"] = strings.ToLower(name)
	} else {
		stmt = `MATCH (n:Entity {type: 'symbol', name: $name})
RETURN properties(n) AS props LIMIT $limit`
		params["name"] = name
	}

	rows, err := s.graph.Query(ctx, stmt, params)
	if err != nil {
		return nil, err
	}
	results := make([]types.SearchResult, 0, len(rows))
	for _, row := range rows {
		e := entity.FromRow(row)
		if e == nil {
			continue
		}
		score := 1.0
		if opts.Fuzzy && len(e.Name) > 0 {
			score = float64(len(name)) / float64(len(e.Name))
			if score > 1 {
				score = 1
			}
		}
		results = append(results, types.SearchResult{Entity: e, Score: score, MatchedOn: "name"})
	}
	sortResults(results)
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// FindNearbySymbols returns symbols in the file ordered by line
// distance from the position. Location lives inside the symbol
// payload, so filtering happens after the fetch.
func (s *Service) FindNearbySymbols(ctx context.Context, filePath string, pos types.Position, opts types.NearbyOptions) ([]types.SearchResult, error) {
	if filePath == "" {
		return nil, &types.ErrValidation{Field: "filePath", Reason: "file path required"}
	}
	if pos.Line <= 0 {
		return nil, &types.ErrValidation{Field: "line", Reason: "line must be >= 1"}
	}
	lineRange := opts.Range
	if lineRange <= 0 {
		lineRange = defaultNearbyRange
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultSymbolLimit
	}

	rows, err := s.graph.Query(ctx, `MATCH (n:Entity {type: 'symbol', path: $path})
RETURN properties(n) AS props`, map[string]any{"path": filePath})
	if err != nil {
		return nil, err
	}

	type scored struct {
		result   types.SearchResult
		distance int
	}
	var nearby []scored
	for _, row := range rows {
		e := entity.FromRow(row)
		if e == nil || e.Symbol == nil {
			continue
		}
		distance := e.Symbol.Location.Line - pos.Line
		if distance < 0 {
			distance = -distance
		}
		if distance > lineRange {
			continue
		}
		score := 1.0 - float64(distance)/float64(lineRange+1)
		nearby = append(nearby, scored{
			result:   types.SearchResult{Entity: e, Score: score, MatchedOn: "location"},
			distance: distance,
		})
	}
	sort.SliceStable(nearby, func(i, j int) bool {
		if nearby[i].distance != nearby[j].distance {
			return nearby[i].distance < nearby[j].distance
		}
		return nearby[i].result.Entity.ID < nearby[j].result.Entity.ID
	})
	if len(nearby) > limit {
		nearby = nearby[:limit]
	}
	results := make([]types.SearchResult, 0, len(nearby))
	for _, n := range nearby {
		results = append(results, n.result)
	}
	return results, nil
}

// PatternSearch matches entity names and paths against a regex or
// glob. Patterns are anchored unless the caller spelled out ".*".
func (s *Service) PatternSearch(ctx context.Context, pattern string, opts types.PatternSearchOptions) ([]types.SearchResult, error) {
	if pattern == "" {
		return nil, &types.ErrValidation{Field: "pattern", Reason: "pattern required"}
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = s.cfg.DefaultLimit
	}

	expr := pattern
	switch opts.Type {
	case types.PatternGlob:
		expr = globToRegex(pattern)
	case types.PatternRegex, "":
	default:
		return nil, &types.ErrValidation{Field: "type", Reason: fmt.Sprintf("unknown pattern type %q", opts.Type)}
	}
	if !strings.Contains(pattern, ".*") {
		expr = "^" + expr + "$"
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, &types.ErrValidation{Field: "pattern", Reason: err.Error()}
	}

	rows, err := s.graph.Query(ctx, `MATCH (n:Entity)
WHERE n.name =~ $re OR n.path =~ $re
RETURN properties(n) AS props LIMIT $limit`, map[string]any{"re": expr, "limit": limit * 2})
	if err != nil {
		return nil, err
	}
	results := make([]types.SearchResult, 0, len(rows))
	for _, row := range rows {
		e := entity.FromRow(row)
		if e == nil {
			continue
		}
		matched := ""
		switch {
		case re.MatchString(e.Name):
			matched = "name"
		case re.MatchString(e.Path):
			matched = "path"
		default:
			continue
		}
		results = append(results, types.SearchResult{Entity: e, Score: 1.0, MatchedOn: matched})
	}
	sortResults(results)
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// GetEntityExamples collects the entities that call, use, or reference
// the target, plus location snippets for each referencing symbol.
func (s *Service) GetEntityExamples(ctx context.Context, entityID string) (*types.EntityExamples, error) {
	entities, err := s.fetchEntities(ctx, []string{entityID})
	if err != nil {
		return nil, err
	}
	target, ok := entities[entityID]
	if !ok {
		return nil, &types.ErrNotFound{Kind: "entity", ID: entityID}
	}

	rows, err := s.graph.Query(ctx, `MATCH (m:Entity)-[r:CALLS|USES|REFERENCES|IMPORTS]->(n:Entity {id: $id})
RETURN properties(m) AS props ORDER BY m.id LIMIT 20`, map[string]any{"id": entityID})
	if err != nil {
		return nil, err
	}

	examples := &types.EntityExamples{EntityID: entityID}
	if target.Symbol != nil && target.Symbol.Signature != "" {
		examples.Snippets = append(examples.Snippets, types.ExampleSnippet{
			EntityID: target.ID,
			Path:     target.Path,
			Line:     target.Symbol.Location.Line,
			Content:  target.Symbol.Signature,
		})
	}
	for _, row := range rows {
		ref := entity.FromRow(row)
		if ref == nil {
			continue
		}
		examples.References = append(examples.References, ref)
		if ref.Symbol != nil {
			examples.Snippets = append(examples.Snippets, types.ExampleSnippet{
				EntityID: ref.ID,
				Path:     ref.Path,
				Line:     ref.Symbol.Location.Line,
				Content:  ref.Symbol.Signature,
			})
		}
	}
	return examples, nil
}

// globToRegex translates a shell-style glob. "**" crosses path
// separators, "*" stays within one segment.
func globToRegex(glob string) string {
	var b strings.Builder
	runes := []rune(glob)
	for i := 0; i < len(runes); i++ {
		switch runes[i] {
		case '*':
			if i+1 < len(runes) && runes[i+1] == '*' {
				b.WriteString(".*")
				i++
			} else {
				b.WriteString("[^/]*")
			}
		case '?':
			b.WriteString("[^/]")
		case '.', '+', '(', ')', '|', '[', ']', '{', '}', '^', '$', '\\':
			b.WriteByte('\\')
			b.WriteRune(runes[i])
		default:
			b.WriteRune(runes[i])
		}
	}
	return b.String()
}
