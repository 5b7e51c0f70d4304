// Package ratelimit enforces per-tenant request-per-minute and
// token-per-minute ceilings using golang.org/x/time/rate token buckets with
// continuous linear refill. A query first reserves 1 RPM unit, then an
// estimated TPM cost; once actual token usage is known the excess
// reservation is reconciled back into the bucket.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"ragengine/internal/config"
	"ragengine/internal/errs"
)

type buckets struct {
	rpm *rate.Limiter
	tpm *rate.Limiter
}

// Limiter enforces dual RPM/TPM ceilings per tenant.
type Limiter struct {
	cfg config.RateConfig

	mu      sync.Mutex
	tenants map[string]*buckets
}

func New(cfg config.RateConfig) *Limiter {
	return &Limiter{cfg: cfg, tenants: make(map[string]*buckets)}
}

func (l *Limiter) bucketsFor(tenantID string) *buckets {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.tenants[tenantID]
	if !ok {
		b = &buckets{
			rpm: rate.NewLimiter(rate.Limit(l.cfg.RPM/60), burstFor(l.cfg.RPM)),
			tpm: rate.NewLimiter(rate.Limit(l.cfg.TPM/60), burstFor(l.cfg.TPM)),
		}
		l.tenants[tenantID] = b
	}
	return b
}

func burstFor(perMinute float64) int {
	b := int(perMinute)
	if b < 1 {
		b = 1
	}
	return b
}

// Reservation is an in-flight TPM reservation the caller must reconcile
// once the actual token cost is known.
type Reservation struct {
	limiter   *rate.Limiter
	estimated int
}

// Admit checks the RPM bucket (cost 1) and reserves estimatedTokens against
// the TPM bucket. On denial it returns an *errs.Error of Kind RateLimited
// with a retry-after hint; the caller must not proceed with the request.
func (l *Limiter) Admit(tenantID string, estimatedTokens int) (*Reservation, error) {
	b := l.bucketsFor(tenantID)

	now := time.Now()
	rpmRes := b.rpm.ReserveN(now, 1)
	if !rpmRes.OK() || rpmRes.DelayFrom(now) > 0 {
		if rpmRes.OK() {
			rpmRes.CancelAt(now)
		}
		return nil, rateLimited(tenantID, 0)
	}

	tpmRes := b.tpm.ReserveN(now, estimatedTokens)
	if !tpmRes.OK() || tpmRes.DelayFrom(now) > 0 {
		if tpmRes.OK() {
			tpmRes.CancelAt(now)
		}
		return nil, rateLimited(tenantID, tpmRes.DelayFrom(now).Seconds())
	}

	return &Reservation{limiter: b.tpm, estimated: estimatedTokens}, nil
}

// Reconcile gives back the difference between the estimated and actual
// token cost of a request admitted via Admit. A negative ReserveN credits
// tokens back to the bucket instead of consuming them; actual may exceed
// the estimate, in which case the bucket goes further into debt and future
// callers wait longer.
func (r *Reservation) Reconcile(actual int) {
	if r == nil || r.limiter == nil {
		return
	}
	diff := r.estimated - actual
	if diff != 0 {
		r.limiter.ReserveN(time.Now(), -diff)
	}
}

func rateLimited(tenantID string, retryAfter float64) error {
	return errs.New(errs.RateLimited, tenantID, "rate limit exceeded").WithRetryAfter(retryAfter)
}
