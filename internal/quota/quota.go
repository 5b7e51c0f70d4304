// Package quota tracks per-tenant resource consumption (documents, storage
// bytes, queries-per-day, tokens-per-day) and enforces the configured
// ceilings. It follows the engine's enumerated-result convention from errs
// rather than returning bare booleans: tryConsume either succeeds or returns
// an *errs.Error of Kind QuotaExceeded carrying a retry-after hint.
package quota

import (
	"sync"
	"time"

	"ragengine/internal/config"
	"ragengine/internal/errs"
)

// Kind identifies which counter a consumption call is against.
type Kind string

const (
	Documents Kind = "documents"
	Storage   Kind = "storage_bytes"
	Queries   Kind = "queries"
	Tokens    Kind = "tokens"
)

type usage struct {
	mu sync.Mutex

	documentsUsed   int
	storageUsedBytes int64
	queriesToday    int
	tokensToday     int64
	dayKey          string
}

// Governor enforces per-tenant quotas. The zero value is not usable; use
// New.
type Governor struct {
	limits config.QuotaConfig
	now    func() time.Time

	mu     sync.Mutex
	usages map[string]*usage
}

func New(limits config.QuotaConfig) *Governor {
	return &Governor{limits: limits, now: time.Now, usages: make(map[string]*usage)}
}

func (g *Governor) usageFor(tenantID string) *usage {
	g.mu.Lock()
	defer g.mu.Unlock()
	u, ok := g.usages[tenantID]
	if !ok {
		u = &usage{dayKey: dayKeyFor(g.now())}
		g.usages[tenantID] = u
	}
	return u
}

func dayKeyFor(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// nextDayBoundary returns the UTC midnight following now.
func nextDayBoundary(now time.Time) time.Time {
	u := now.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}

// TryConsume attempts to reserve amount units of kind for tenantID. Document
// and storage consumption are cumulative high-water marks checked against
// the tenant's absolute ceiling; queries and tokens are daily counters that
// roll over at UTC midnight. On denial the returned error's
// RetryAfterSeconds is populated: 0 for ceilings that never reset
// (documents/storage — the caller must free capacity first) and the seconds
// until the next daily rollover otherwise.
func (g *Governor) TryConsume(tenantID string, kind Kind, amount int64) error {
	u := g.usageFor(tenantID)
	u.mu.Lock()
	defer u.mu.Unlock()

	now := g.now()
	g.rollIfNewDay(u, now)

	switch kind {
	case Documents:
		if int64(u.documentsUsed)+amount > int64(g.limits.MaxDocuments) {
			return g.denied(tenantID, kind, "document quota exceeded", 0)
		}
		u.documentsUsed += int(amount)
	case Storage:
		if u.storageUsedBytes+amount > g.limits.MaxStorageBytes {
			return g.denied(tenantID, kind, "storage quota exceeded", 0)
		}
		u.storageUsedBytes += amount
	case Queries:
		if int64(u.queriesToday)+amount > int64(g.limits.DailyQueries) {
			return g.denied(tenantID, kind, "daily query quota exceeded", nextDayBoundary(now).Sub(now).Seconds())
		}
		u.queriesToday += int(amount)
	case Tokens:
		if u.tokensToday+amount > g.limits.DailyTokens {
			return g.denied(tenantID, kind, "daily token quota exceeded", nextDayBoundary(now).Sub(now).Seconds())
		}
		u.tokensToday += amount
	}
	return nil
}

// Release gives back amount units previously reserved against kind.
// Ingestion uses it to roll back a document reservation when a subsequent
// storage check fails. Queries are not releasable: once counted, a query
// stays counted for the day.
func (g *Governor) Release(tenantID string, kind Kind, amount int64) {
	u := g.usageFor(tenantID)
	u.mu.Lock()
	defer u.mu.Unlock()

	switch kind {
	case Documents:
		u.documentsUsed -= int(amount)
		if u.documentsUsed < 0 {
			u.documentsUsed = 0
		}
	case Storage:
		u.storageUsedBytes -= amount
		if u.storageUsedBytes < 0 {
			u.storageUsedBytes = 0
		}
	case Tokens:
		u.tokensToday -= amount
		if u.tokensToday < 0 {
			u.tokensToday = 0
		}
	}
}

func (g *Governor) denied(tenantID string, kind Kind, message string, retryAfter float64) error {
	return errs.New(errs.QuotaExceeded, tenantID, message).WithRetryAfter(retryAfter)
}

func (g *Governor) rollIfNewDay(u *usage, now time.Time) {
	key := dayKeyFor(now)
	if u.dayKey == key {
		return
	}
	u.dayKey = key
	u.queriesToday = 0
	u.tokensToday = 0
}

// Snapshot is a point-in-time view of a tenant's usage, used by status
// endpoints and tests.
type Snapshot struct {
	DocumentsUsed    int
	StorageUsedBytes int64
	QueriesToday     int
	TokensToday      int64
	DayKey           string
}

func (g *Governor) Snapshot(tenantID string) Snapshot {
	u := g.usageFor(tenantID)
	u.mu.Lock()
	defer u.mu.Unlock()
	return Snapshot{
		DocumentsUsed:    u.documentsUsed,
		StorageUsedBytes: u.storageUsedBytes,
		QueriesToday:     u.queriesToday,
		TokensToday:      u.tokensToday,
		DayKey:           u.dayKey,
	}
}
