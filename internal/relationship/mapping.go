package relationship

import (
	"encoding/json"
	"time"

	"github.com/scrypster/memento/internal/storage"
	"github.com/scrypster/memento/pkg/types"
)

// Relationships are real graph edges; the edge type is the
// relationship type. Edge properties mirror pkg/types.Relationship
// with times as epoch milliseconds and metadata as a JSON document.

func relProps(r *types.Relationship) map[string]any {
	props := map[string]any{
		"id":           r.ID,
		"created":      r.Created.UnixMilli(),
		"lastModified": r.LastModified.UnixMilli(),
		"version":      r.Version,
		"active":       r.Active,
	}
	if len(r.Metadata) > 0 {
		if raw, err := json.Marshal(r.Metadata); err == nil {
			props["metadata"] = string(raw)
		}
	}
	if r.ValidFrom != nil {
		props["validFrom"] = r.ValidFrom.UnixMilli()
	}
	if r.ValidTo != nil {
		props["validTo"] = r.ValidTo.UnixMilli()
	}
	if r.ChangeSetID != "" {
		props["changeSetId"] = r.ChangeSetID
	}
	return props
}

func relFromRow(row storage.Row) *types.Relationship {
	props, ok := row["props"].(map[string]any)
	if !ok {
		return nil
	}
	r := &types.Relationship{
		ID:           asString(props["id"]),
		FromEntityID: asString(row["from"]),
		ToEntityID:   asString(row["to"]),
		Type:         types.RelationshipType(asString(row["relType"])),
		Created:      asTime(props["created"]),
		LastModified: asTime(props["lastModified"]),
		Version:      asInt64(props["version"]),
		ChangeSetID:  asString(props["changeSetId"]),
	}
	if b, ok := props["active"].(bool); ok {
		r.Active = b
	}
	if raw := asString(props["metadata"]); raw != "" {
		_ = json.Unmarshal([]byte(raw), &r.Metadata)
	}
	if ms := asInt64(props["validFrom"]); ms != 0 {
		t := time.UnixMilli(ms).UTC()
		r.ValidFrom = &t
	}
	if ms := asInt64(props["validTo"]); ms != 0 {
		t := time.UnixMilli(ms).UTC()
		r.ValidTo = &t
	}
	return r
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

func asTime(v any) time.Time {
	ms := asInt64(v)
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
