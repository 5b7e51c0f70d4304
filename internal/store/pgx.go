package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("ragengine/store/pgx")

// PgxRelationalStore backs RelationalStore with Postgres, grounded in the
// teacher's pgxpool wiring (unified-rag-service, legal-gateway). It expects
// the schema created by Migrate to already exist.
type PgxRelationalStore struct {
	pool *pgxpool.Pool
}

func NewPgxRelationalStore(pool *pgxpool.Pool) *PgxRelationalStore {
	return &PgxRelationalStore{pool: pool}
}

// Migrate creates the tables this store depends on if they do not already
// exist, mirroring the teacher's inline schema bootstrap.
func (s *PgxRelationalStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS documents (
			id TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			title TEXT NOT NULL,
			digest TEXT NOT NULL,
			source_type TEXT NOT NULL,
			storage_size BIGINT NOT NULL,
			status TEXT NOT NULL,
			failure_note TEXT NOT NULL DEFAULT '',
			chunk_count INT NOT NULL DEFAULT 0,
			uploaded_at TIMESTAMPTZ NOT NULL,
			processed_at TIMESTAMPTZ,
			PRIMARY KEY (tenant_id, id)
		);
		CREATE INDEX IF NOT EXISTS idx_documents_digest ON documents (tenant_id, digest);

		CREATE TABLE IF NOT EXISTS chunk_records (
			id TEXT NOT NULL,
			document_id TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			ordinal INT NOT NULL,
			content TEXT NOT NULL,
			token_count INT NOT NULL,
			page INT NOT NULL,
			tags TEXT[] NOT NULL DEFAULT '{}',
			embedding_slot INT NOT NULL DEFAULT -1,
			PRIMARY KEY (tenant_id, id)
		);
		CREATE INDEX IF NOT EXISTS idx_chunk_records_doc ON chunk_records (tenant_id, document_id);
		CREATE INDEX IF NOT EXISTS idx_chunk_records_slot ON chunk_records (tenant_id, embedding_slot);

		CREATE TABLE IF NOT EXISTS audit_records (
			id TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			app_user TEXT NOT NULL DEFAULT '',
			request_id TEXT NOT NULL,
			question TEXT NOT NULL,
			answer_digest TEXT NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			chunk_ids TEXT[] NOT NULL DEFAULT '{}',
			cache_hit BOOLEAN NOT NULL,
			degraded BOOLEAN NOT NULL,
			latency_ms BIGINT NOT NULL DEFAULT 0,
			tokens_in BIGINT NOT NULL DEFAULT 0,
			tokens_out BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (tenant_id, id)
		);
		CREATE INDEX IF NOT EXISTS idx_audit_records_request ON audit_records (tenant_id, request_id);

		CREATE TABLE IF NOT EXISTS feedback_records (
			id TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			request_id TEXT NOT NULL,
			rating INT NOT NULL,
			issue_tag TEXT NOT NULL DEFAULT '',
			comment TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (tenant_id, id)
		);
	`)
	return err
}

func (s *PgxRelationalStore) PutDocument(ctx context.Context, doc Document) error {
	ctx, span := tracer.Start(ctx, "store.PgxRelationalStore.PutDocument", trace.WithAttributes(
		attribute.String("tenant_id", doc.TenantID),
		attribute.String("document_id", doc.ID),
	))
	defer span.End()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO documents (id, tenant_id, title, digest, source_type, storage_size, status, failure_note, chunk_count, uploaded_at, processed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (tenant_id, id) DO UPDATE SET
			title = EXCLUDED.title, status = EXCLUDED.status, failure_note = EXCLUDED.failure_note,
			chunk_count = EXCLUDED.chunk_count, processed_at = EXCLUDED.processed_at
	`, doc.ID, doc.TenantID, doc.Title, doc.Digest, doc.SourceType, doc.StorageSize, doc.Status, doc.FailureNote, doc.ChunkCount, doc.UploadedAt, nullableTime(doc.ProcessedAt))
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (s *PgxRelationalStore) GetDocument(ctx context.Context, tenantID, documentID string) (Document, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, title, digest, source_type, storage_size, status, failure_note, chunk_count, uploaded_at, processed_at
		FROM documents WHERE tenant_id = $1 AND id = $2
	`, tenantID, documentID)
	return scanDocument(row)
}

func (s *PgxRelationalStore) FindDocumentByDigest(ctx context.Context, tenantID, digest string) (Document, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, title, digest, source_type, storage_size, status, failure_note, chunk_count, uploaded_at, processed_at
		FROM documents WHERE tenant_id = $1 AND digest = $2
	`, tenantID, digest)
	return scanDocument(row)
}

func (s *PgxRelationalStore) ListDocuments(ctx context.Context, tenantID string) ([]Document, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, title, digest, source_type, storage_size, status, failure_note, chunk_count, uploaded_at, processed_at
		FROM documents WHERE tenant_id = $1 ORDER BY uploaded_at ASC
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		doc, _, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

func (s *PgxRelationalStore) DeleteDocument(ctx context.Context, tenantID, documentID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM documents WHERE tenant_id = $1 AND id = $2`, tenantID, documentID)
	return err
}

// CommitReady inserts chunks and transitions doc to READY inside one
// pgx.Tx, per §4.6 step 7: a failure anywhere in the batch rolls back both
// the chunk inserts and the document status change, so the caller's
// rollback (vector slot removal, FAILED transition) starts from a
// consistent, unmodified row set.
func (s *PgxRelationalStore) CommitReady(ctx context.Context, doc Document, chunks []ChunkRecord) error {
	ctx, span := tracer.Start(ctx, "store.PgxRelationalStore.CommitReady", trace.WithAttributes(
		attribute.String("tenant_id", doc.TenantID),
		attribute.String("document_id", doc.ID),
	))
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		span.RecordError(err)
		return err
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, c := range chunks {
		batch.Queue(`
			INSERT INTO chunk_records (id, document_id, tenant_id, ordinal, content, token_count, page, tags, embedding_slot)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			ON CONFLICT (tenant_id, id) DO UPDATE SET content = EXCLUDED.content, token_count = EXCLUDED.token_count, embedding_slot = EXCLUDED.embedding_slot
		`, c.ID, c.DocumentID, c.TenantID, c.Ordinal, c.Text, c.TokenCount, c.Page, c.Tags, c.EmbeddingSlot)
	}
	br := tx.SendBatch(ctx, batch)
	for range chunks {
		if _, err := br.Exec(); err != nil {
			br.Close()
			span.RecordError(err)
			return err
		}
	}
	if err := br.Close(); err != nil {
		span.RecordError(err)
		return err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE documents SET status = $1, chunk_count = $2, processed_at = $3
		WHERE tenant_id = $4 AND id = $5
	`, doc.Status, doc.ChunkCount, doc.ProcessedAt, doc.TenantID, doc.ID); err != nil {
		span.RecordError(err)
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

func (s *PgxRelationalStore) PutChunks(ctx context.Context, chunks []ChunkRecord) error {
	batch := &pgx.Batch{}
	for _, c := range chunks {
		batch.Queue(`
			INSERT INTO chunk_records (id, document_id, tenant_id, ordinal, content, token_count, page, tags, embedding_slot)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			ON CONFLICT (tenant_id, id) DO UPDATE SET content = EXCLUDED.content, token_count = EXCLUDED.token_count, embedding_slot = EXCLUDED.embedding_slot
		`, c.ID, c.DocumentID, c.TenantID, c.Ordinal, c.Text, c.TokenCount, c.Page, c.Tags, c.EmbeddingSlot)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range chunks {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

func (s *PgxRelationalStore) GetChunks(ctx context.Context, tenantID, documentID string) ([]ChunkRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, document_id, tenant_id, ordinal, content, token_count, page, tags, embedding_slot
		FROM chunk_records WHERE tenant_id = $1 AND document_id = $2 ORDER BY ordinal ASC
	`, tenantID, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanChunks(rows)
}

func (s *PgxRelationalStore) GetChunksByID(ctx context.Context, tenantID string, chunkIDs []string) ([]ChunkRecord, error) {
	if len(chunkIDs) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, document_id, tenant_id, ordinal, content, token_count, page, tags, embedding_slot
		FROM chunk_records WHERE tenant_id = $1 AND id = ANY($2)
	`, tenantID, chunkIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanChunks(rows)
}

func (s *PgxRelationalStore) GetChunkBySlot(ctx context.Context, tenantID string, slot int) (ChunkRecord, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, document_id, tenant_id, ordinal, content, token_count, page, tags, embedding_slot
		FROM chunk_records WHERE tenant_id = $1 AND embedding_slot = $2
	`, tenantID, slot)
	var c ChunkRecord
	err := row.Scan(&c.ID, &c.DocumentID, &c.TenantID, &c.Ordinal, &c.Text, &c.TokenCount, &c.Page, &c.Tags, &c.EmbeddingSlot)
	if err != nil {
		if err == pgx.ErrNoRows {
			return ChunkRecord{}, false, nil
		}
		return ChunkRecord{}, false, err
	}
	return c, true, nil
}

func (s *PgxRelationalStore) RemapSlots(ctx context.Context, tenantID string, oldToNew map[int]int) error {
	batch := &pgx.Batch{}
	for old, next := range oldToNew {
		batch.Queue(`UPDATE chunk_records SET embedding_slot = $1 WHERE tenant_id = $2 AND embedding_slot = $3`, next, tenantID, old)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range oldToNew {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

func (s *PgxRelationalStore) DeleteChunks(ctx context.Context, tenantID, documentID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM chunk_records WHERE tenant_id = $1 AND document_id = $2`, tenantID, documentID)
	return err
}

func (s *PgxRelationalStore) AppendAudit(ctx context.Context, rec AuditRecord) error {
	ctx, span := tracer.Start(ctx, "store.PgxRelationalStore.AppendAudit", trace.WithAttributes(
		attribute.String("tenant_id", rec.TenantID),
		attribute.String("request_id", rec.RequestID),
	))
	defer span.End()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_records (id, tenant_id, app_user, request_id, question, answer_digest, confidence, chunk_ids, cache_hit, degraded, latency_ms, tokens_in, tokens_out, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, rec.ID, rec.TenantID, rec.User, rec.RequestID, rec.Question, rec.AnswerDigest, rec.Confidence, rec.ChunkIDs, rec.CacheHit, rec.Degraded, rec.LatencyMS, rec.TokensIn, rec.TokensOut, rec.CreatedAt)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (s *PgxRelationalStore) AppendFeedback(ctx context.Context, rec FeedbackRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO feedback_records (id, tenant_id, request_id, rating, issue_tag, comment, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, rec.ID, rec.TenantID, rec.RequestID, rec.Rating, rec.IssueTag, rec.Comment, rec.CreatedAt)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (Document, bool, error) {
	var doc Document
	var processedAt *time.Time
	err := row.Scan(&doc.ID, &doc.TenantID, &doc.Title, &doc.Digest, &doc.SourceType, &doc.StorageSize, &doc.Status, &doc.FailureNote, &doc.ChunkCount, &doc.UploadedAt, &processedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Document{}, false, nil
		}
		return Document{}, false, err
	}
	if processedAt != nil {
		doc.ProcessedAt = *processedAt
	}
	return doc, true, nil
}

func scanChunks(rows pgx.Rows) ([]ChunkRecord, error) {
	var out []ChunkRecord
	for rows.Next() {
		var c ChunkRecord
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.TenantID, &c.Ordinal, &c.Text, &c.TokenCount, &c.Page, &c.Tags, &c.EmbeddingSlot); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
