// Package ratelimit admits or rejects ingestion requests per tenant key using
// a fixed window. Memory keeps windows in process; Redis shares them across
// instances.
package ratelimit

import (
	"context"
	"time"
)

// Defaults applied when a Policy field is zero.
const (
	DefaultLimit  = 60
	DefaultWindow = 60 * time.Second
)

// Limiter decides whether one more request for key fits in its window.
type Limiter interface {
	Allow(ctx context.Context, key string) bool
}

// Policy is the per-key admission budget.
type Policy struct {
	Limit  int
	Window time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.Limit <= 0 {
		p.Limit = DefaultLimit
	}
	if p.Window <= 0 {
		p.Window = DefaultWindow
	}
	return p
}
