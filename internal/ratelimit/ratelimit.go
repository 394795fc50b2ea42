// Package ratelimit bounds how fast callers may hit the synchronous AI
// endpoints. Two drivers mirror the queue's split: a Redis-backed token
// bucket shared by every API replica, and an in-process bucket for when
// no broker is configured.
package ratelimit

import "context"

// Limiter reports whether one request for key may proceed now. The
// float return is an estimate of the tokens left, for logging only.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}
