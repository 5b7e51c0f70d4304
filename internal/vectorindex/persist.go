package vectorindex

import (
	"context"
	"fmt"

	"ragengine/internal/store"
)

func blobPath(tenantID string) string { return fmt.Sprintf("indexes/%s/index.bin", tenantID) }

// Load reads a tenant's index from obj. A missing blob is not an error: it
// returns a fresh empty index of the given dimension, matching the
// first-ingest case.
func Load(ctx context.Context, obj store.ObjectStore, tenantID string, dimension int) (*Index, error) {
	data, ok, err := obj.Get(ctx, blobPath(tenantID))
	if err != nil {
		return nil, fmt.Errorf("vectorindex: load %s: %w", tenantID, err)
	}
	if !ok {
		return New(dimension), nil
	}
	return Decode(data)
}

// Persist writes ix through obj.Put, which is documented to be atomic with
// respect to concurrent Get — the on-disk equivalent of a temp-file-then-
// rename so readers always observe a consistent blob.
func Persist(ctx context.Context, obj store.ObjectStore, tenantID string, ix *Index) error {
	if err := obj.Put(ctx, blobPath(tenantID), ix.Encode()); err != nil {
		return fmt.Errorf("vectorindex: persist %s: %w", tenantID, err)
	}
	return nil
}
