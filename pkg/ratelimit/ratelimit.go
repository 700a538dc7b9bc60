// Package ratelimit throttles mutating actions per authority. Limits are
// scoped by {authorityId, authorityType, action} only; per-incident
// throttling is forbidden because the incident version counter already
// serializes contended writes. Refill uses the wall clock, which is fine
// here: rate limiting is never an input to any identity computation.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/opx-platform/opx-core/pkg/contracts"
)

// Key scopes one token bucket.
type Key struct {
	AuthorityID   string
	AuthorityType contracts.AuthorityType
	Action        string
}

func (k Key) String() string {
	return fmt.Sprintf("%s|%s|%s", k.AuthorityID, k.AuthorityType, k.Action)
}

// Decision is the limiter's answer for one request.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter admits or rejects a single request against the bucket for key.
type Limiter interface {
	Allow(ctx context.Context, key Key) (Decision, error)
}

// Err builds the client-visible rate limit error for a rejected request.
func Err(key Key, retryAfter time.Duration) *contracts.Error {
	return contracts.NewError(contracts.KindRateLimit, contracts.CodeRateLimitExceeded,
		"rate limit exceeded for authority").
		WithDetail("action", key.Action).
		WithDetail("retryAfterSeconds", int(retryAfter.Seconds())+1)
}

// Local is an in-process token bucket limiter. Buckets are created lazily
// per key and never expire; the key space is bounded by the number of
// active authorities.
type Local struct {
	rps   rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[Key]*rate.Limiter
}

// NewLocal builds a limiter refilling rps tokens per second with the given
// burst capacity per bucket.
func NewLocal(rps float64, burst int) *Local {
	return &Local{
		rps:     rate.Limit(rps),
		burst:   burst,
		buckets: make(map[Key]*rate.Limiter),
	}
}

// Allow consumes one token from the key's bucket.
func (l *Local) Allow(_ context.Context, key Key) (Decision, error) {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(l.rps, l.burst)
		l.buckets[key] = b
	}
	l.mu.Unlock()

	res := b.Reserve()
	delay := res.Delay()
	if delay > 0 {
		res.Cancel()
		return Decision{Allowed: false, RetryAfter: delay}, nil
	}
	return Decision{Allowed: true}, nil
}
