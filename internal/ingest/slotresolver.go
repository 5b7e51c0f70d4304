package ingest

import (
	"context"

	"ragengine/internal/store"
)

// SlotResolver adapts a RelationalStore into retrieval.SlotResolver,
// resolving a vector-index slot back to the chunk record it embeds.
type SlotResolver struct {
	relational store.RelationalStore
}

func NewSlotResolver(relational store.RelationalStore) SlotResolver {
	return SlotResolver{relational: relational}
}

func (s SlotResolver) ChunkIDForSlot(ctx context.Context, tenantID string, slot int) (string, bool, error) {
	rec, ok, err := s.relational.GetChunkBySlot(ctx, tenantID, slot)
	if err != nil || !ok {
		return "", ok, err
	}
	return rec.ID, true, nil
}
