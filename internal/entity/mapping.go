package entity

import (
	"encoding/json"
	"time"

	"github.com/scrypster/memento/internal/storage"
	"github.com/scrypster/memento/pkg/types"
)

// Entities live on Entity nodes with flat scalar properties plus two
// JSON documents: "metadata" for the free-form mapping and "data" for
// the typed variant payload. Times are stored as epoch milliseconds so
// range queries and ordering stay plain property comparisons.

// Props flattens an entity into node properties.
func Props(e *types.Entity) map[string]any {
	props := map[string]any{
		"id":           e.ID,
		"type":         string(e.Type),
		"name":         e.Name,
		"path":         e.Path,
		"hash":         e.Hash,
		"language":     e.Language,
		"created":      e.Created.UnixMilli(),
		"lastModified": e.LastModified.UnixMilli(),
		"timestamp":    e.LastModified.UnixMilli(),
		"version":      e.Version,
	}
	if len(e.Metadata) > 0 {
		if raw, err := json.Marshal(e.Metadata); err == nil {
			props["metadata"] = string(raw)
		}
	}
	if raw := marshalVariant(e); raw != "" {
		props["data"] = raw
	}
	return props
}

// FromProps rebuilds an entity from node properties, tolerating the
// numeric types the driver hands back.
func FromProps(props map[string]any) *types.Entity {
	e := &types.Entity{
		ID:           asString(props["id"]),
		Type:         types.EntityType(asString(props["type"])),
		Name:         asString(props["name"]),
		Path:         asString(props["path"]),
		Hash:         asString(props["hash"]),
		Language:     asString(props["language"]),
		Created:      asTime(props["created"]),
		LastModified: asTime(props["lastModified"]),
		Version:      asInt64(props["version"]),
	}
	if raw := asString(props["metadata"]); raw != "" {
		_ = json.Unmarshal([]byte(raw), &e.Metadata)
	}
	if raw := asString(props["data"]); raw != "" {
		unmarshalVariant(e, raw)
	}
	return e
}

// FromRow reads the conventional "props" alias services return.
func FromRow(row storage.Row) *types.Entity {
	props, ok := row["props"].(map[string]any)
	if !ok {
		return nil
	}
	return FromProps(props)
}

func marshalVariant(e *types.Entity) string {
	var v any
	switch {
	case e.File != nil:
		v = e.File
	case e.Directory != nil:
		v = e.Directory
	case e.Module != nil:
		v = e.Module
	case e.Symbol != nil:
		v = e.Symbol
	case e.Test != nil:
		v = e.Test
	case e.Spec != nil:
		v = e.Spec
	case e.Checkpoint != nil:
		v = e.Checkpoint
	default:
		return ""
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(raw)
}

func unmarshalVariant(e *types.Entity, raw string) {
	data := []byte(raw)
	switch e.Type {
	case types.EntityFile:
		e.File = &types.FileData{}
		_ = json.Unmarshal(data, e.File)
	case types.EntityDirectory:
		e.Directory = &types.DirectoryData{}
		_ = json.Unmarshal(data, e.Directory)
	case types.EntityModule:
		e.Module = &types.ModuleData{}
		_ = json.Unmarshal(data, e.Module)
	case types.EntitySymbol:
		e.Symbol = &types.SymbolData{}
		_ = json.Unmarshal(data, e.Symbol)
	case types.EntityTest:
		e.Test = &types.TestData{}
		_ = json.Unmarshal(data, e.Test)
	case types.EntitySpec:
		e.Spec = &types.SpecData{}
		_ = json.Unmarshal(data, e.Spec)
	case types.EntityCheckpoint:
		e.Checkpoint = &types.CheckpointData{}
		_ = json.Unmarshal(data, e.Checkpoint)
	}
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
