package knowledge

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/scrypster/memento/internal/entity"
	"github.com/scrypster/memento/pkg/types"
)

// Handlers run at-least-once; everything they do is idempotent
// upserts, so a requeued task converges to the same graph state.
func (g *Graph) registerHandlers() {
	g.pipeline.RegisterHandler(types.TaskParse, g.handleParse)
	g.pipeline.RegisterHandler(types.TaskEntityUpsert, g.handleEntityUpsert)
	g.pipeline.RegisterHandler(types.TaskRelationshipUpsert, g.handleRelationshipUpsert)
	g.pipeline.RegisterHandler(types.TaskEmbedding, g.handleEmbedding)
}

// handleParse runs the injected AST provider over one file and bulk
// upserts what it found. Deletes remove every entity anchored at the
// path. Successful upserts fan out embedding tasks on the same
// partition key so they stay ordered behind the parse.
func (g *Graph) handleParse(ctx context.Context, task *types.TaskPayload) error {
	if g.ast == nil {
		return &types.ErrValidation{Field: "type", Reason: "no ast provider configured"}
	}
	var file SourceFile
	if err := decode(task.Data, &file); err != nil {
		return &types.ErrValidation{Field: "data", Reason: err.Error()}
	}
	if file.Path == "" {
		return &types.ErrValidation{Field: "path", Reason: "is required"}
	}

	if file.Deleted {
		return g.deleteFile(ctx, file.Path)
	}

	res, err := g.ast.Parse(ctx, file)
	if err != nil {
		return fmt.Errorf("parse %s: %w", file.Path, err)
	}
	if res == nil || len(res.Entities) == 0 {
		log.Debug().Str("path", file.Path).Msg("parse produced no entities")
		return nil
	}

	bulk, err := g.Entities.CreateBulk(ctx, res.Entities, entity.BulkOptions{
		UpdateExisting: true,
		ChangeSetID:    task.ID,
	})
	if err != nil {
		return fmt.Errorf("upsert entities for %s: %w", file.Path, err)
	}
	if bulk.Failed > 0 {
		log.Warn().Str("path", file.Path).Int("failed", bulk.Failed).Msg("some parsed entities rejected")
	}
	if len(res.Relationships) > 0 {
		if _, err := g.Relationships.CreateBulk(ctx, res.Relationships); err != nil {
			return fmt.Errorf("upsert relationships for %s: %w", file.Path, err)
		}
	}

	g.enqueueEmbeddings(res.Entities, file, task.PartitionKey)
	return nil
}

func (g *Graph) deleteFile(ctx context.Context, path string) error {
	entities, err := g.Entities.GetByFile(ctx, path)
	if err != nil {
		return err
	}
	for _, e := range entities {
		if err := g.Entities.Delete(ctx, e.ID); err != nil && !types.IsNotFound(err) {
			return err
		}
	}
	log.Info().Str("path", path).Int("entities", len(entities)).Msg("file removed from graph")
	return nil
}

func (g *Graph) handleEntityUpsert(ctx context.Context, task *types.TaskPayload) error {
	var payload struct {
		Entities       []*types.Entity `json:"entities"`
		SkipExisting   bool            `json:"skipExisting"`
		UpdateExisting bool            `json:"updateExisting"`
		Embed          bool            `json:"embed"`
	}
	if err := decode(task.Data, &payload); err != nil {
		return &types.ErrValidation{Field: "data", Reason: err.Error()}
	}
	if len(payload.Entities) == 0 {
		return &types.ErrValidation{Field: "entities", Reason: "is required"}
	}

	if _, err := g.Entities.CreateBulk(ctx, payload.Entities, entity.BulkOptions{
		SkipExisting:   payload.SkipExisting,
		UpdateExisting: payload.UpdateExisting,
		ChangeSetID:    task.ID,
	}); err != nil {
		return err
	}
	if payload.Embed {
		g.enqueueEmbeddings(payload.Entities, SourceFile{}, task.PartitionKey)
	}
	return nil
}

func (g *Graph) handleRelationshipUpsert(ctx context.Context, task *types.TaskPayload) error {
	var payload struct {
		Relationships []*types.Relationship `json:"relationships"`
	}
	if err := decode(task.Data, &payload); err != nil {
		return &types.ErrValidation{Field: "data", Reason: err.Error()}
	}
	if len(payload.Relationships) == 0 {
		return &types.ErrValidation{Field: "relationships", Reason: "is required"}
	}
	_, err := g.Relationships.CreateBulk(ctx, payload.Relationships)
	return err
}

// handleEmbedding generates a vector for one entity and writes it to
// the shared collection, where semantic search picks it up.
func (g *Graph) handleEmbedding(ctx context.Context, task *types.TaskPayload) error {
	var payload struct {
		EntityID string `json:"entityId"`
		Content  string `json:"content"`
		Language string `json:"language,omitempty"`
	}
	if err := decode(task.Data, &payload); err != nil {
		return &types.ErrValidation{Field: "data", Reason: err.Error()}
	}
	if payload.EntityID == "" {
		return &types.ErrValidation{Field: "entityId", Reason: "is required"}
	}
	if payload.Content == "" {
		return &types.ErrValidation{Field: "content", Reason: "is required"}
	}

	res, err := g.Embeddings.GenerateEmbedding(ctx, payload.Content, payload.EntityID)
	if err != nil {
		return err
	}
	metadata := map[string]any{"entityId": payload.EntityID, "model": res.Model}
	if payload.Language != "" {
		metadata["language"] = payload.Language
	}
	return g.graph.UpsertVector(ctx, vectorCollection, payload.EntityID, res.Embedding, metadata)
}

// enqueueEmbeddings fans one embedding task out per entity that has
// embeddable content. Overflow is logged and skipped: losing a vector
// degrades semantic recall, never graph correctness.
func (g *Graph) enqueueEmbeddings(entities []*types.Entity, file SourceFile, partitionKey string) {
	for _, e := range entities {
		content := embeddableContent(e, file)
		if content == "" {
			continue
		}
		task := &types.TaskPayload{
			Type:         types.TaskEmbedding,
			PartitionKey: partitionKey,
			Data: map[string]any{
				"entityId": e.ID,
				"content":  content,
				"language": e.Language,
			},
		}
		if err := g.pipeline.Enqueue(task); err != nil {
			log.Warn().Err(err).Str("entity_id", e.ID).Msg("embedding task dropped")
		}
	}
}

// embeddableContent picks the text a vector should represent: the
// entity's own content when the parser extracted it, the whole file
// for file entities, nothing otherwise.
func embeddableContent(e *types.Entity, file SourceFile) string {
	if c, ok := e.Metadata["content"].(string); ok && c != "" {
		return c
	}
	if e.Type == types.EntityFile {
		return file.Content
	}
	return ""
}

// decode round-trips a task's loosely typed Data map into a concrete
// payload struct.
func decode(data map[string]any, target any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, target)
}
