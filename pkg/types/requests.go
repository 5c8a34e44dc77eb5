package types

import "time"

// ── Search ───────────────────────────────────────────────────

type SearchType string

const (
	SearchSemantic   SearchType = "semantic"
	SearchStructural SearchType = "structural"
	SearchUsage      SearchType = "usage"
	SearchDependency SearchType = "dependency"
	SearchHybrid     SearchType = "hybrid"
)

// TimeRange bounds a query by lastModified. Zero values are open ends.
type TimeRange struct {
	Since time.Time `json:"since,omitempty"`
	Until time.Time `json:"until,omitempty"`
}

type SearchFilters struct {
	Tags         []string   `json:"tags,omitempty"`
	Path         string     `json:"path,omitempty"`
	Language     string     `json:"language,omitempty"`
	CheckpointID string     `json:"checkpointId,omitempty"`
	LastModified *TimeRange `json:"lastModified,omitempty"`
}

type GraphSearchRequest struct {
	Query          string         `json:"query"`
	EntityTypes    []EntityType   `json:"entityTypes,omitempty"`
	SearchType     SearchType     `json:"searchType,omitempty"`
	Filters        *SearchFilters `json:"filters,omitempty"`
	Limit          int            `json:"limit,omitempty"`
	IncludeRelated bool           `json:"includeRelated,omitempty"`
}

// SearchResult is one scored hit. StructuralScore and SemanticScore are
// populated when the hybrid strategy merged both branches.
type SearchResult struct {
	Entity          *Entity        `json:"entity"`
	Score           float64        `json:"score"`
	StructuralScore float64        `json:"structuralScore,omitempty"`
	SemanticScore   float64        `json:"semanticScore,omitempty"`
	MatchedOn       string         `json:"matchedOn,omitempty"`
	Related         []Relationship `json:"related,omitempty"`
}

// SearchResponse carries the merged hits. Partial is set when one
// branch of a hybrid search failed and the other still answered.
type SearchResponse struct {
	Results []SearchResult `json:"results"`
	Total   int            `json:"total"`
	Partial bool           `json:"partial,omitempty"`
	TookMS  int64          `json:"tookMs,omitempty"`
}

type SymbolSearchOptions struct {
	Fuzzy bool `json:"fuzzy,omitempty"`
	Limit int  `json:"limit,omitempty"`
}

// Position is a 1-based line/column inside a file. Column 0 means
// "anywhere on the line".
type Position struct {
	Line   int `json:"line"`
	Column int `json:"column,omitempty"`
}

// NearbyOptions bounds findNearbySymbols. Range is the line distance
// considered "nearby".
type NearbyOptions struct {
	Range int `json:"range,omitempty"`
	Limit int `json:"limit,omitempty"`
}

type PatternType string

const (
	PatternRegex PatternType = "regex"
	PatternGlob  PatternType = "glob"
)

type PatternSearchOptions struct {
	Type  PatternType `json:"type,omitempty"`
	Limit int         `json:"limit,omitempty"`
}

// ExampleSnippet is one place an entity is used or defined.
type ExampleSnippet struct {
	EntityID string `json:"entityId"`
	Path     string `json:"path,omitempty"`
	Line     int    `json:"line,omitempty"`
	Content  string `json:"content,omitempty"`
}

type EntityExamples struct {
	EntityID   string           `json:"entityId"`
	Snippets   []ExampleSnippet `json:"snippets"`
	References []*Entity        `json:"references"`
}

// SearchStats reports result-cache behavior and query volume by
// strategy since process start.
type SearchStats struct {
	CacheHits     int64                `json:"cacheHits"`
	CacheMisses   int64                `json:"cacheMisses"`
	CacheSize     int                  `json:"cacheSize"`
	Invalidations int64                `json:"invalidations"`
	QueriesByType map[SearchType]int64 `json:"queriesByType,omitempty"`
}

// ── Listing ──────────────────────────────────────────────────

type OrderDirection string

const (
	OrderAsc  OrderDirection = "asc"
	OrderDesc OrderDirection = "desc"
)

// ListEntitiesOptions pages entities either by Offset+Limit or by the
// opaque Cursor returned from a previous page. Cursor wins when both
// are set.
type ListEntitiesOptions struct {
	Type           EntityType     `json:"type,omitempty"`
	Path           string         `json:"path,omitempty"`
	Name           string         `json:"name,omitempty"`
	Tags           []string       `json:"tags,omitempty"`
	Language       string         `json:"language,omitempty"`
	Limit          int            `json:"limit,omitempty"`
	Offset         int            `json:"offset,omitempty"`
	Cursor         string         `json:"cursor,omitempty"`
	OrderBy        string         `json:"orderBy,omitempty"`
	OrderDirection OrderDirection `json:"orderDirection,omitempty"`
}

type EntityList struct {
	Items      []*Entity `json:"items"`
	Total      int       `json:"total"`
	NextCursor string    `json:"nextCursor,omitempty"`
}

type ListRelationshipsOptions struct {
	FromEntity string           `json:"fromEntity,omitempty"`
	ToEntity   string           `json:"toEntity,omitempty"`
	Type       RelationshipType `json:"type,omitempty"`
	Limit      int              `json:"limit,omitempty"`
	Offset     int              `json:"offset,omitempty"`
}

type RelationshipList struct {
	Items []*Relationship `json:"items"`
	Total int             `json:"total"`
}

// ── Bulk results ─────────────────────────────────────────────

type BulkError struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

type BulkEntityResult struct {
	Created int         `json:"created"`
	Updated int         `json:"updated"`
	Failed  int         `json:"failed"`
	Errors  []BulkError `json:"errors,omitempty"`
}

type BulkRelationshipResult struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
}

// ── Traversal & paths ────────────────────────────────────────

type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
	DirectionBoth     Direction = "both"
)

type PathQuery struct {
	StartEntityID     string             `json:"startEntityId"`
	EndEntityID       string             `json:"endEntityId,omitempty"`
	RelationshipTypes []RelationshipType `json:"relationshipTypes,omitempty"`
	MaxDepth          int                `json:"maxDepth,omitempty"`
	MaxPaths          int                `json:"maxPaths,omitempty"`
	Direction         Direction          `json:"direction,omitempty"`
}

// EntityPath is one walk through the graph. Length counts edges, so a
// degenerate start==end path has Length 0.
type EntityPath struct {
	EntityIDs         []string           `json:"entityIds"`
	RelationshipTypes []RelationshipType `json:"relationshipTypes,omitempty"`
	Length            int                `json:"length"`
}

type PathResult struct {
	Paths []EntityPath `json:"paths"`
}

type TraversalFilter struct {
	EntityTypes []EntityType   `json:"entityTypes,omitempty"`
	Properties  map[string]any `json:"properties,omitempty"`
}

type TraversalQuery struct {
	StartEntityID     string             `json:"startEntityId"`
	RelationshipTypes []RelationshipType `json:"relationshipTypes"`
	Direction         Direction          `json:"direction,omitempty"`
	MaxDepth          int                `json:"maxDepth,omitempty"`
	Limit             int                `json:"limit,omitempty"`
	Filter            *TraversalFilter   `json:"filter,omitempty"`
	AtTime            *time.Time         `json:"atTime,omitempty"`
	Since             *time.Time         `json:"since,omitempty"`
	Until             *time.Time         `json:"until,omitempty"`
}

// AllPathsOptions tunes exhaustive path enumeration.
type AllPathsOptions struct {
	MaxDepth          int                `json:"maxDepth,omitempty"`
	MaxPaths          int                `json:"maxPaths,omitempty"`
	RelationshipTypes []RelationshipType `json:"relationshipTypes,omitempty"`
}

// CriticalPath is a path that reaches a high-importance target, ranked
// by target weight and brevity.
type CriticalPath struct {
	Path     EntityPath `json:"path"`
	TargetID string     `json:"targetId"`
	Score    float64    `json:"score"`
}

// BottleneckNode is an entity appearing on many distinct paths from
// the seed set.
type BottleneckNode struct {
	EntityID  string `json:"entityId"`
	PathCount int    `json:"pathCount"`
}

// PathCharacteristics summarizes the paths between two entities.
// Diversity is the share of distinct intermediate nodes across all
// path slots: 1.0 means the paths share nothing but the endpoints.
type PathCharacteristics struct {
	PathCount  int     `json:"pathCount"`
	MeanLength float64 `json:"meanLength"`
	MinLength  int     `json:"minLength"`
	MaxLength  int     `json:"maxLength"`
	Diversity  float64 `json:"diversity"`
}

// ── Impact analysis ──────────────────────────────────────────

type ChangeType string

const (
	ChangeModify ChangeType = "modify"
	ChangeDelete ChangeType = "delete"
	ChangeRename ChangeType = "rename"
)

type ImpactSeverity string

const (
	SeverityHigh   ImpactSeverity = "high"
	SeverityMedium ImpactSeverity = "medium"
	SeverityLow    ImpactSeverity = "low"
)

type ImpactQuery struct {
	EntityID          string             `json:"entityId"`
	ChangeType        ChangeType         `json:"changeType"`
	IncludeIndirect   bool               `json:"includeIndirect,omitempty"`
	MaxDepth          int                `json:"maxDepth,omitempty"`
	RelationshipTypes []RelationshipType `json:"relationshipTypes,omitempty"`
}

type DirectImpact struct {
	Entity       *Entity          `json:"entity"`
	Severity     ImpactSeverity   `json:"severity"`
	Relationship RelationshipType `json:"relationship"`
	Reason       string           `json:"reason,omitempty"`
}

type CascadingImpact struct {
	Level        int              `json:"level"`
	Entities     []*Entity        `json:"entities"`
	Relationship RelationshipType `json:"relationship"`
	Confidence   float64          `json:"confidence"`
}

type ImpactResult struct {
	EntityID  string            `json:"entityId"`
	Change    ChangeType        `json:"changeType"`
	Direct    []DirectImpact    `json:"direct"`
	Cascading []CascadingImpact `json:"cascading,omitempty"`
}

// ── History ──────────────────────────────────────────────────

type TimelineOptions struct {
	StartTime *time.Time `json:"startTime,omitempty"`
	EndTime   *time.Time `json:"endTime,omitempty"`
	Limit     int        `json:"limit,omitempty"`
}

type PruneOptions struct {
	DryRun    bool `json:"dryRun,omitempty"`
	BatchSize int  `json:"batchSize,omitempty"`
}

type PruneResult struct {
	Versions    int `json:"versions"`
	ClosedEdges int `json:"closedEdges"`
	Checkpoints int `json:"checkpoints"`
}

type CheckpointOptions struct {
	Reason      CheckpointReason `json:"reason"`
	Hops        int              `json:"hops,omitempty"`
	Window      *TimeRange       `json:"window,omitempty"`
	Description string           `json:"description,omitempty"`
}

type CheckpointResult struct {
	CheckpointID string `json:"checkpointId"`
	MemberCount  int    `json:"memberCount"`
}

type ListCheckpointsOptions struct {
	Reason CheckpointReason `json:"reason,omitempty"`
	Since  *time.Time       `json:"since,omitempty"`
	Until  *time.Time       `json:"until,omitempty"`
	Limit  int              `json:"limit,omitempty"`
	Offset int              `json:"offset,omitempty"`
}

// CheckpointExport is the portable JSON document produced by export and
// consumed by import.
type CheckpointExport struct {
	Checkpoint    *Checkpoint     `json:"checkpoint"`
	Members       []*Entity       `json:"members"`
	Relationships []*Relationship `json:"relationships,omitempty"`
}

type ImportOptions struct {
	UseOriginalID bool `json:"useOriginalId,omitempty"`
}

type ImportResult struct {
	CheckpointID         string `json:"checkpointId"`
	EntitiesImported     int    `json:"entitiesImported"`
	RelationshipsSkipped int    `json:"relationshipsSkipped"`
}

type CheckpointSummary struct {
	Checkpoint   *Checkpoint        `json:"checkpoint"`
	MemberCount  int                `json:"memberCount"`
	CountsByType map[EntityType]int `json:"countsByType,omitempty"`
}

// ── Embeddings ───────────────────────────────────────────────

type EmbeddingUsage struct {
	PromptTokens int `json:"prompt_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

type EmbeddingResult struct {
	Embedding []float32      `json:"embedding"`
	Content   string         `json:"content"`
	Model     string         `json:"model"`
	Usage     EmbeddingUsage `json:"usage"`
	Cached    bool           `json:"cached,omitempty"`
}

type EmbeddingInput struct {
	Content  string `json:"content"`
	EntityID string `json:"entityId,omitempty"`
}

type BatchEmbeddingResult struct {
	Results        []*EmbeddingResult `json:"results"`
	TotalTokens    int                `json:"totalTokens"`
	TotalCost      float64            `json:"totalCost"`
	ProcessingTime time.Duration      `json:"processingTime"`
}
