// Package audit appends one record per completed query to the relational
// store's append-only audit log, and records user feedback against it.
// Questions and answers are hashed before storage: the log exists to
// reconstruct what happened (which chunks, how confident, how fast), not to
// retain verbatim tenant content.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"

	"ragengine/internal/store"
)

// Entry is the input to Log: everything the query pipeline knows about one
// completed request.
type Entry struct {
	TenantID   string
	User       string
	RequestID  string
	Question   string
	Answer     string
	Confidence float64
	ChunkIDs   []string
	CacheHit   bool
	Degraded   bool
	Latency    time.Duration
	TokensIn   int64
	TokensOut  int64
}

// Logger appends audit and feedback records.
type Logger struct {
	relational store.RelationalStore
	now        func() time.Time
}

func New(relational store.RelationalStore) *Logger {
	return &Logger{relational: relational, now: time.Now}
}

// Log appends one audit record. The raw question and answer text are
// reduced to digests; only chunk ids, timing, and scoring metadata survive
// verbatim.
func (l *Logger) Log(ctx context.Context, e Entry) error {
	requestID := e.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	return l.relational.AppendAudit(ctx, store.AuditRecord{
		ID:           uuid.NewString(),
		TenantID:     e.TenantID,
		User:         e.User,
		RequestID:    requestID,
		Question:     digest(e.Question),
		AnswerDigest: digest(e.Answer),
		Confidence:   e.Confidence,
		ChunkIDs:     e.ChunkIDs,
		CacheHit:     e.CacheHit,
		Degraded:     e.Degraded,
		LatencyMS:    e.Latency.Milliseconds(),
		TokensIn:     e.TokensIn,
		TokensOut:    e.TokensOut,
		CreatedAt:    l.now(),
	})
}

// Feedback is one piece of user feedback on a prior answer.
type Feedback struct {
	TenantID  string
	RequestID string
	Rating    int
	IssueTag  string
	Note      string
}

// RecordFeedback appends a feedback record. Feedback is always writable,
// independent of whether the original request succeeded, degraded, or was
// served from cache.
func (l *Logger) RecordFeedback(ctx context.Context, f Feedback) error {
	return l.relational.AppendFeedback(ctx, store.FeedbackRecord{
		ID:        uuid.NewString(),
		TenantID:  f.TenantID,
		RequestID: f.RequestID,
		Rating:    f.Rating,
		IssueTag:  f.IssueTag,
		Comment:   f.Note,
		CreatedAt: l.now(),
	})
}

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
