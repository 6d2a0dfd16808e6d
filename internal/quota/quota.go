// Package quota tracks per-user hourly usage in a shared store.
//
// The store computes the hour bucket itself, so instances with skewed clocks
// still agree on which bucket a request lands in. Increments are a single
// atomic store operation; no application-level locking is involved.
package quota

import (
	"context"
	"errors"
	"time"
)

// DefaultLimit is the number of conversions a user may start per hour.
const DefaultLimit = 30

// ErrStore wraps every failure talking to the usage store. It is never a
// quota decision: callers must answer it with a server error.
var ErrStore = errors.New("usage store unavailable")

// Usage is the post-increment state of one (identity, hour bucket) record.
type Usage struct {
	// Count is the number of requests charged in Bucket, this one included.
	Count int64
	// Bucket is the start of the hour the request was charged to.
	Bucket time.Time
}

// ResetAt returns the start of the next bucket in UTC.
func (u Usage) ResetAt() time.Time {
	return u.Bucket.Add(time.Hour).UTC()
}

// Ledger atomically increments and returns the caller's usage for the current
// hour bucket.
type Ledger interface {
	IncrementAndGet(ctx context.Context, identity string) (Usage, error)
}

// Policy decides whether a usage count is over the hourly limit.
type Policy struct {
	Limit int64
}

// NewPolicy returns a Policy with limit, or DefaultLimit when limit <= 0.
func NewPolicy(limit int64) Policy {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return Policy{Limit: limit}
}

// Exceeded reports whether u is past the limit. The request that brings the
// count to exactly Limit is still allowed.
func (p Policy) Exceeded(u Usage) bool {
	return u.Count > p.Limit
}

var errEmptyIdentity = errors.New("quota: empty identity")

// ResetAt returns when u's bucket closes.
func (p Policy) ResetAt(u Usage) time.Time {
	return u.ResetAt()
}
