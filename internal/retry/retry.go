package retry

import (
	"errors"
	"math"
	"math/rand"
	"time"
)

// Classification buckets a failure by how the caller should react to it.
type Classification int

const (
	// Unknown failures are never retried.
	Unknown Classification = iota
	// Overloaded means the remote service shed load; retry on the 2^n curve.
	Overloaded
	// RateLimited means the caller hit a quota; retry on the slower 3^n curve.
	RateLimited
	// ModelUnavailable means the requested model is gone; retry immediately
	// on the next model in the fallback list.
	ModelUnavailable
	// Timeout means a bounded operation ran out of budget; retryable.
	Timeout
	// Validation means the input itself is bad; terminal.
	Validation
)

func (c Classification) String() string {
	switch c {
	case Overloaded:
		return "overloaded"
	case RateLimited:
		return "rate_limited"
	case ModelUnavailable:
		return "model_unavailable"
	case Timeout:
		return "timeout"
	case Validation:
		return "validation"
	default:
		return "unknown"
	}
}

// Classifier is implemented by error types that know their own class.
type Classifier interface {
	RetryClass() Classification
}

// Classify walks the error chain for a Classifier. Errors that don't
// declare a class are Unknown and therefore not retried.
func Classify(err error) Classification {
	var c Classifier
	if errors.As(err, &c) {
		return c.RetryClass()
	}
	return Unknown
}

// Retryable reports whether an error's classification permits another attempt.
func Retryable(err error) bool {
	return Decide(Classify(err), 0).Retry
}

// Decision is the outcome of one retry deliberation.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// Decide computes whether attempt n+1 should happen and how long to wait
// first. attempt is zero-based: the wait after the first failure uses
// attempt 0. Deterministic; callers wanting jitter layer it on top.
func Decide(class Classification, attempt int) Decision {
	if attempt < 0 {
		attempt = 0
	}
	switch class {
	case Overloaded:
		return Decision{Retry: true, Delay: powSeconds(2, attempt)}
	case RateLimited:
		return Decision{Retry: true, Delay: powSeconds(3, attempt)}
	case ModelUnavailable:
		return Decision{Retry: true, Delay: 0}
	case Timeout:
		return Decision{Retry: true, Delay: 0}
	default:
		return Decision{}
	}
}

// maxDelay caps the deterministic curves so a deep attempt count cannot
// produce an hour-scale sleep.
const maxDelay = 5 * time.Minute

func powSeconds(base float64, attempt int) time.Duration {
	d := time.Duration(math.Pow(base, float64(attempt+1))) * time.Second
	if d <= 0 || d > maxDelay {
		return maxDelay
	}
	return d
}

// BackoffWithJitter computes the queue's re-dispatch delay after a failed
// attempt: exponential from base, capped at max, with up to 50% jitter so
// a burst of failures doesn't re-dispatch in lockstep.
func BackoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
