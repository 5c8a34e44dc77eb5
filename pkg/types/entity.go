// Package types defines the shared data model of the knowledge graph:
// entities and their tagged variants, typed relationships, versions,
// checkpoints, sessions, and the request/response shapes the services
// exchange. Nothing here talks to a store.
package types

import "time"

// ── Entity ───────────────────────────────────────────────────

type EntityType string

const (
	EntityFile            EntityType = "file"
	EntityDirectory       EntityType = "directory"
	EntityModule          EntityType = "module"
	EntitySymbol          EntityType = "symbol"
	EntityTest            EntityType = "test"
	EntitySpec            EntityType = "spec"
	EntitySession         EntityType = "session"
	EntityVersion         EntityType = "version"
	EntityCheckpoint      EntityType = "checkpoint"
	EntityDocumentation   EntityType = "documentation"
	EntityBusinessDomain  EntityType = "businessDomain"
	EntitySemanticCluster EntityType = "semanticCluster"
	EntitySecurityIssue   EntityType = "security-issue"
)

// Entity is a node in the knowledge graph. Type selects which of the
// variant payloads is meaningful; exactly one should be set, and the
// auxiliary types (documentation, businessDomain, ...) carry everything
// in Metadata.
type Entity struct {
	ID           string         `json:"id"`
	Type         EntityType     `json:"type"`
	Name         string         `json:"name,omitempty"`
	Path         string         `json:"path,omitempty"`
	Hash         string         `json:"hash,omitempty"`
	Language     string         `json:"language,omitempty"`
	Created      time.Time      `json:"created"`
	LastModified time.Time      `json:"lastModified"`
	Metadata     map[string]any `json:"metadata,omitempty"`

	// Version is the optimistic-concurrency counter, bumped on every
	// update. A stale value on update fails with a conflict.
	Version int64 `json:"version,omitempty"`

	File       *FileData       `json:"file,omitempty"`
	Directory  *DirectoryData  `json:"directory,omitempty"`
	Module     *ModuleData     `json:"module,omitempty"`
	Symbol     *SymbolData     `json:"symbol,omitempty"`
	Test       *TestData       `json:"test,omitempty"`
	Spec       *SpecData       `json:"spec,omitempty"`
	Checkpoint *CheckpointData `json:"checkpoint,omitempty"`
}

type FileData struct {
	Extension    string   `json:"extension,omitempty"`
	Size         int64    `json:"size,omitempty"`
	Lines        int      `json:"lines,omitempty"`
	IsTest       bool     `json:"isTest,omitempty"`
	IsConfig     bool     `json:"isConfig,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
}

type DirectoryData struct {
	Children       []string `json:"children,omitempty"`
	FileCount      int      `json:"fileCount,omitempty"`
	DirectoryCount int      `json:"directoryCount,omitempty"`
	TotalSize      int64    `json:"totalSize,omitempty"`
}

type ModuleData struct {
	Exports      []string `json:"exports,omitempty"`
	Imports      []string `json:"imports,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
	IsEntryPoint bool     `json:"isEntryPoint,omitempty"`
}

// ── Symbols ──────────────────────────────────────────────────

type SymbolKind string

const (
	SymbolFunction  SymbolKind = "function"
	SymbolClass     SymbolKind = "class"
	SymbolInterface SymbolKind = "interface"
	SymbolTypeAlias SymbolKind = "typeAlias"
	SymbolVariable  SymbolKind = "variable"
	SymbolProperty  SymbolKind = "property"
	SymbolMethod    SymbolKind = "method"
	SymbolUnknown   SymbolKind = "unknown"
)

type Visibility string

const (
	VisibilityPublic    Visibility = "public"
	VisibilityPrivate   Visibility = "private"
	VisibilityProtected Visibility = "protected"
)

// SourceLocation pins a symbol inside its file. Start/End are byte
// offsets; Line/Column are 1-based.
type SourceLocation struct {
	Line   int `json:"line"`
	Column int `json:"column,omitempty"`
	Start  int `json:"start,omitempty"`
	End    int `json:"end,omitempty"`
}

type SymbolData struct {
	Kind         SymbolKind     `json:"kind"`
	Signature    string         `json:"signature,omitempty"`
	Docstring    string         `json:"docstring,omitempty"`
	Visibility   Visibility     `json:"visibility,omitempty"`
	IsExported   bool           `json:"isExported,omitempty"`
	IsDeprecated bool           `json:"isDeprecated,omitempty"`
	Location     SourceLocation `json:"location"`

	// Kind-specific fields; populated according to Kind.
	Parameters []Parameter `json:"parameters,omitempty"` // function, method
	ReturnType string      `json:"returnType,omitempty"` // function, method
	IsAsync    bool        `json:"isAsync,omitempty"`    // function, method
	Extends    string      `json:"extends,omitempty"`    // class, interface
	Implements []string    `json:"implements,omitempty"` // class
	Members    []string    `json:"members,omitempty"`    // class, interface
	AliasOf    string      `json:"aliasOf,omitempty"`    // typeAlias
}

type Parameter struct {
	Name     string `json:"name"`
	TypeName string `json:"type,omitempty"`
	Optional bool   `json:"optional,omitempty"`
}

// ── Tests ────────────────────────────────────────────────────

type TestType string

const (
	TestUnit        TestType = "unit"
	TestIntegration TestType = "integration"
	TestE2E         TestType = "e2e"
)

type TestStatus string

const (
	TestPassed  TestStatus = "passed"
	TestFailed  TestStatus = "failed"
	TestSkipped TestStatus = "skipped"
)

// TestExecution is one recorded run of a test entity. Executions are
// kept newest-last in a window bounded by maxTrendDataPoints.
type TestExecution struct {
	Status     TestStatus    `json:"status"`
	Duration   time.Duration `json:"duration,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
	Errors     []string      `json:"errors,omitempty"`
	CommitHash string        `json:"commitHash,omitempty"`
}

type TestData struct {
	TestType        TestType        `json:"testType"`
	TargetSymbol    string          `json:"targetSymbol,omitempty"`
	CoveragePercent float64         `json:"coveragePercent,omitempty"`
	CoveredLines    int             `json:"coveredLines,omitempty"`
	Executions      []TestExecution `json:"executions,omitempty"`
	FlakinessScore  float64         `json:"flakinessScore,omitempty"`
	IsFlaky         bool            `json:"isFlaky,omitempty"`
}

// ── Specs ────────────────────────────────────────────────────

type SpecStatus string

const (
	SpecDraft       SpecStatus = "draft"
	SpecApproved    SpecStatus = "approved"
	SpecImplemented SpecStatus = "implemented"
	SpecDeprecated  SpecStatus = "deprecated"
)

type SpecData struct {
	Title              string     `json:"title"`
	Description        string     `json:"description,omitempty"`
	AcceptanceCriteria []string   `json:"acceptanceCriteria,omitempty"`
	Status             SpecStatus `json:"status"`
	Priority           int        `json:"priority,omitempty"`
}

// ── Versions ─────────────────────────────────────────────────

// Version is an immutable snapshot node for one (entityId, hash) pair.
// Versions chain backwards through PREVIOUS_VERSION edges; the id is
// deterministic ("ver_<entityId>_<hash>") so re-appending the same
// state is a no-op.
type Version struct {
	VersionID         string    `json:"versionId"`
	EntityID          string    `json:"entityId"`
	Hash              string    `json:"hash"`
	Timestamp         time.Time `json:"timestamp"`
	PreviousVersionID string    `json:"previousVersionId,omitempty"`
	ChangeSetID       string    `json:"changeSetId,omitempty"`
	Path              string    `json:"path,omitempty"`
	Language          string    `json:"language,omitempty"`
}

// VersionID builds the deterministic id for an (entityId, hash) pair.
func VersionID(entityID, hash string) string {
	return "ver_" + entityID + "_" + hash
}

// ── Checkpoints ──────────────────────────────────────────────

type CheckpointReason string

const (
	CheckpointDaily    CheckpointReason = "daily"
	CheckpointIncident CheckpointReason = "incident"
	CheckpointManual   CheckpointReason = "manual"
	CheckpointSession  CheckpointReason = "session"
)

// Checkpoint is a named subgraph snapshot: the entities reachable from
// the seeds within the configured hop count at creation time.
type Checkpoint struct {
	CheckpointID string           `json:"checkpointId"`
	Timestamp    time.Time        `json:"timestamp"`
	Reason       CheckpointReason `json:"reason"`
	Description  string           `json:"description,omitempty"`
	Hops         int              `json:"hops"`
	SeedEntities []string         `json:"seedEntities"`
	MemberCount  int              `json:"memberCount,omitempty"`
}

// CheckpointData mirrors Checkpoint for entities of type checkpoint.
type CheckpointData struct {
	CheckpointID string           `json:"checkpointId"`
	Timestamp    time.Time        `json:"timestamp"`
	Hops         int              `json:"hops"`
	SeedEntities []string         `json:"seedEntities,omitempty"`
	Reason       CheckpointReason `json:"reason"`
}
