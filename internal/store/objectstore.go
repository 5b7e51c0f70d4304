// Package store defines the two external collaborators the core consumes:
// an ObjectStore for persisted vector-index blobs and a RelationalStore for
// chunk/document/log rows. Both are capability interfaces with an
// in-memory implementation (sufficient for correctness) and a
// production-grade backing (MinIO, pgx) grounded in the teacher's
// unified-rag-service.
package store

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ObjectStore persists opaque blobs by path. Implementations must make Put
// atomic with respect to concurrent Get calls: a reader sees either the
// prior blob or the new one in full, never a partial write.
type ObjectStore interface {
	Put(ctx context.Context, path string, data []byte) error
	Get(ctx context.Context, path string) ([]byte, bool, error)
	Delete(ctx context.Context, path string) error
}

// MemoryObjectStore is an in-memory ObjectStore. Put replaces the map entry
// under a lock, which is sufficient to give readers an atomic all-or-nothing
// view without a real temp-file-then-rename (there is no filesystem).
type MemoryObjectStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryObjectStore() *MemoryObjectStore {
	return &MemoryObjectStore{data: make(map[string][]byte)}
}

func (m *MemoryObjectStore) Put(_ context.Context, path string, data []byte) error {
	cp := append([]byte(nil), data...)
	m.mu.Lock()
	m.data[path] = cp
	m.mu.Unlock()
	return nil
}

func (m *MemoryObjectStore) Get(_ context.Context, path string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[path]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *MemoryObjectStore) Delete(_ context.Context, path string) error {
	m.mu.Lock()
	delete(m.data, path)
	m.mu.Unlock()
	return nil
}

// MinIOObjectStore backs ObjectStore with a MinIO/S3 bucket, grounded in
// unified-rag-service's MinIO wiring. PutObject/GetObject on object storage
// is already atomic-by-overwrite at the object level, which satisfies the
// same "readers see either the old or the new blob, never a partial write"
// guarantee the spec asks of a local temp-file-then-rename.
type MinIOObjectStore struct {
	client *minio.Client
	bucket string
}

type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Secure    bool
}

func NewMinIOObjectStore(ctx context.Context, cfg MinIOConfig) (*MinIOObjectStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("minio bucket check: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("minio make bucket: %w", err)
		}
	}
	return &MinIOObjectStore{client: client, bucket: cfg.Bucket}, nil
}

func (s *MinIOObjectStore) Put(ctx context.Context, path string, data []byte) error {
	ctx, span := tracer.Start(ctx, "store.MinIOObjectStore.Put", trace.WithAttributes(
		attribute.String("path", path),
		attribute.Int("bytes", len(data)),
	))
	defer span.End()
	_, err := s.client.PutObject(ctx, s.bucket, path, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (s *MinIOObjectStore) Get(ctx context.Context, path string) ([]byte, bool, error) {
	ctx, span := tracer.Start(ctx, "store.MinIOObjectStore.Get", trace.WithAttributes(attribute.String("path", path)))
	defer span.End()
	obj, err := s.client.GetObject(ctx, s.bucket, path, minio.GetObjectOptions{})
	if err != nil {
		span.RecordError(err)
		return nil, false, err
	}
	defer obj.Close()

	if _, err := obj.Stat(); err != nil {
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" {
			return nil, false, nil
		}
		return nil, false, err
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(obj); err != nil {
		return nil, false, err
	}
	return buf.Bytes(), true, nil
}

func (s *MinIOObjectStore) Delete(ctx context.Context, path string) error {
	return s.client.RemoveObject(ctx, s.bucket, path, minio.RemoveObjectOptions{})
}
