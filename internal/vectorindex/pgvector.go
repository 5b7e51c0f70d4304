package vectorindex

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// PgvectorIndex is a Postgres/pgvector-backed secondary index kept alongside
// the on-disk Index. It is grounded in the teacher's
// rag_document_chunks.embedding pgvector column (unified-rag-service) and
// exists to cross-validate the custom on-disk blob format against a
// relational ANN index: the production query path always reads through
// indexcache.Cache's in-memory Index, never this type, and nothing in
// ingest, compaction or the tests writes to it.
type PgvectorIndex struct {
	pool      *pgxpool.Pool
	tenantID  string
	dimension int
}

// NewPgvectorIndex constructs a mirror index for one tenant's vectors.
func NewPgvectorIndex(pool *pgxpool.Pool, tenantID string, dimension int) *PgvectorIndex {
	return &PgvectorIndex{pool: pool, tenantID: tenantID, dimension: dimension}
}

// Migrate creates the pgvector extension and backing table if absent.
func (p *PgvectorIndex) Migrate(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, fmt.Sprintf(`
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS vector_index_slots (
			tenant_id TEXT NOT NULL,
			slot INT NOT NULL,
			embedding vector(%d) NOT NULL,
			tombstoned BOOLEAN NOT NULL DEFAULT FALSE,
			PRIMARY KEY (tenant_id, slot)
		);
	`, p.dimension))
	return err
}

// Upsert mirrors slot->vector assignments already committed to the primary
// on-disk Index; callers pass the same slots Index.Upsert returned so the
// two indexes stay keyed identically.
func (p *PgvectorIndex) Upsert(ctx context.Context, slots []int, vectors [][]float32) error {
	for i, slot := range slots {
		_, err := p.pool.Exec(ctx, `
			INSERT INTO vector_index_slots (tenant_id, slot, embedding, tombstoned)
			VALUES ($1, $2, $3, FALSE)
			ON CONFLICT (tenant_id, slot) DO UPDATE SET embedding = EXCLUDED.embedding, tombstoned = FALSE
		`, p.tenantID, slot, pgvector.NewVector(vectors[i]))
		if err != nil {
			return fmt.Errorf("vectorindex: pgvector upsert slot %d: %w", slot, err)
		}
	}
	return nil
}

// Remove tombstones slots, mirroring Index.Remove.
func (p *PgvectorIndex) Remove(ctx context.Context, slots []int) error {
	for _, slot := range slots {
		_, err := p.pool.Exec(ctx, `UPDATE vector_index_slots SET tombstoned = TRUE WHERE tenant_id = $1 AND slot = $2`, p.tenantID, slot)
		if err != nil {
			return fmt.Errorf("vectorindex: pgvector remove slot %d: %w", slot, err)
		}
	}
	return nil
}

// Search runs a cosine-distance ANN query via pgvector's "<=>" operator and
// converts the distance back to a similarity score comparable to Index.Search
// (vectors are unit-normalized, so cosine distance and dot product rank
// identically).
func (p *PgvectorIndex) Search(ctx context.Context, query []float32, k int) ([]Result, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT slot, 1 - (embedding <=> $1) AS score
		FROM vector_index_slots
		WHERE tenant_id = $2 AND NOT tombstoned
		ORDER BY embedding <=> $1
		LIMIT $3
	`, pgvector.NewVector(query), p.tenantID, k)
	if err != nil {
		return nil, fmt.Errorf("vectorindex: pgvector search: %w", err)
	}
	defer rows.Close()

	var out []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.Slot, &r.Score); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
