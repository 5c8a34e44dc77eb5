package types

import "time"

// ── Relationship ─────────────────────────────────────────────

type RelationshipType string

const (
	// Structural
	RelBelongsTo RelationshipType = "BELONGS_TO"
	RelContains  RelationshipType = "CONTAINS"
	RelDefines   RelationshipType = "DEFINES"
	RelExports   RelationshipType = "EXPORTS"
	RelImports   RelationshipType = "IMPORTS"

	// Code
	RelCalls      RelationshipType = "CALLS"
	RelReferences RelationshipType = "REFERENCES"
	RelImplements RelationshipType = "IMPLEMENTS"
	RelExtends    RelationshipType = "EXTENDS"
	RelDependsOn  RelationshipType = "DEPENDS_ON"
	RelUses       RelationshipType = "USES"

	// Test
	RelTests     RelationshipType = "TESTS"
	RelValidates RelationshipType = "VALIDATES"
	RelLocatedIn RelationshipType = "LOCATED_IN"

	// Spec
	RelRequires RelationshipType = "REQUIRES"
	RelImpacts  RelationshipType = "IMPACTS"
	RelLinkedTo RelationshipType = "LINKED_TO"

	// Temporal
	RelPreviousVersion RelationshipType = "PREVIOUS_VERSION"
	RelChangedAt       RelationshipType = "CHANGED_AT"
	RelModifiedBy      RelationshipType = "MODIFIED_BY"
	RelCreatedIn       RelationshipType = "CREATED_IN"
	RelIntroducedIn    RelationshipType = "INTRODUCED_IN"
	RelModifiedIn      RelationshipType = "MODIFIED_IN"
	RelRemovedIn       RelationshipType = "REMOVED_IN"

	// Documentation / security / performance
	RelDocuments     RelationshipType = "DOCUMENTS"
	RelDescribedBy   RelationshipType = "DESCRIBED_BY"
	RelAffectedBy    RelationshipType = "AFFECTED_BY"
	RelHotPathOf     RelationshipType = "HOT_PATH_OF"
	RelVersionOf     RelationshipType = "VERSION_OF"
	RelIncludes      RelationshipType = "INCLUDES"
	RelMemberOf      RelationshipType = "MEMBER_OF"
	RelAnchoredBy    RelationshipType = "ANCHORED_BY"
	RelClustersWith  RelationshipType = "CLUSTERS_WITH"
	RelInDomain      RelationshipType = "IN_DOMAIN"
	RelSupersededBy  RelationshipType = "SUPERSEDED_BY"
	RelContributedBy RelationshipType = "CONTRIBUTED_BY"
)

// RelationshipFamily groups relationship types by the role they play.
type RelationshipFamily string

const (
	FamilyStructural    RelationshipFamily = "structural"
	FamilyCode          RelationshipFamily = "code"
	FamilyTest          RelationshipFamily = "test"
	FamilySpec          RelationshipFamily = "spec"
	FamilyTemporal      RelationshipFamily = "temporal"
	FamilyDocumentation RelationshipFamily = "documentation"
)

var relationshipFamilies = map[RelationshipType]RelationshipFamily{
	RelBelongsTo: FamilyStructural,
	RelContains:  FamilyStructural,
	RelDefines:   FamilyStructural,
	RelExports:   FamilyStructural,
	RelImports:   FamilyStructural,

	RelCalls:      FamilyCode,
	RelReferences: FamilyCode,
	RelImplements: FamilyCode,
	RelExtends:    FamilyCode,
	RelDependsOn:  FamilyCode,
	RelUses:       FamilyCode,

	RelTests:     FamilyTest,
	RelValidates: FamilyTest,
	RelLocatedIn: FamilyTest,

	RelRequires: FamilySpec,
	RelImpacts:  FamilySpec,
	RelLinkedTo: FamilySpec,

	RelPreviousVersion: FamilyTemporal,
	RelChangedAt:       FamilyTemporal,
	RelModifiedBy:      FamilyTemporal,
	RelCreatedIn:       FamilyTemporal,
	RelIntroducedIn:    FamilyTemporal,
	RelModifiedIn:      FamilyTemporal,
	RelRemovedIn:       FamilyTemporal,

	RelDocuments:     FamilyDocumentation,
	RelDescribedBy:   FamilyDocumentation,
	RelAffectedBy:    FamilyDocumentation,
	RelHotPathOf:     FamilyDocumentation,
	RelVersionOf:     FamilyTemporal,
	RelIncludes:      FamilyStructural,
	RelMemberOf:      FamilyStructural,
	RelAnchoredBy:    FamilyTemporal,
	RelClustersWith:  FamilyDocumentation,
	RelInDomain:      FamilyDocumentation,
	RelSupersededBy:  FamilyTemporal,
	RelContributedBy: FamilyDocumentation,
}

// Family reports which family a relationship type belongs to.
// Unknown types default to the code family.
func (t RelationshipType) Family() RelationshipFamily {
	if f, ok := relationshipFamilies[t]; ok {
		return f
	}
	return FamilyCode
}

// IsTemporal reports whether edges of this type carry a validity window.
func (t RelationshipType) IsTemporal() bool {
	return t.Family() == FamilyTemporal
}

// StructuralAndCodeTypes returns the relationship types checkpoints and
// traversals expand over by default.
func StructuralAndCodeTypes() []RelationshipType {
	out := make([]RelationshipType, 0, len(relationshipFamilies))
	for t, f := range relationshipFamilies {
		if f == FamilyStructural || f == FamilyCode {
			out = append(out, t)
		}
	}
	return out
}

// Relationship is a directed typed edge between two entities. Temporal
// edges carry a validity window: ValidFrom set, ValidTo nil while open.
// Closing a temporal edge sets ValidTo and clears Active instead of
// deleting the row.
type Relationship struct {
	ID           string           `json:"id"`
	FromEntityID string           `json:"fromEntityId"`
	ToEntityID   string           `json:"toEntityId"`
	Type         RelationshipType `json:"type"`
	Created      time.Time        `json:"created"`
	LastModified time.Time        `json:"lastModified"`
	Version      int64            `json:"version,omitempty"`
	Metadata     map[string]any   `json:"metadata,omitempty"`

	ValidFrom   *time.Time `json:"validFrom,omitempty"`
	ValidTo     *time.Time `json:"validTo,omitempty"`
	Active      bool       `json:"active,omitempty"`
	ChangeSetID string     `json:"changeSetId,omitempty"`
}

// Open reports whether the relationship's validity window is still open.
func (r *Relationship) Open() bool {
	return r.ValidFrom != nil && r.ValidTo == nil
}

// Triple identifies the (from, to, type) key relationships are deduped on.
func (r *Relationship) Triple() string {
	return r.FromEntityID + "|" + r.ToEntityID + "|" + string(r.Type)
}
