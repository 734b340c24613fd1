package core

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidInput indicates a precondition violation (step <= 0, negative
	// price, malformed level). Fatal for the operation, not for the engine.
	ErrInvalidInput = errors.New("invalid input")
	// ErrCapabilityUnmet indicates the adapter lacks a required capability.
	ErrCapabilityUnmet = errors.New("capability unmet")
	// ErrOrderNotFound indicates the order does not exist on the exchange.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderRejected indicates the exchange permanently refused the request.
	ErrOrderRejected = errors.New("order rejected")
	// ErrDuplicateOrder indicates the client order id was accepted before.
	ErrDuplicateOrder = errors.New("duplicate order")
	// ErrTransient indicates a network or exchange condition worth retrying.
	ErrTransient = errors.New("transient exchange error")
)

// RateLimitError is the 429-equivalent condition. RetryAfter is zero when the
// exchange gave no hint.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

func IsRateLimited(err error) (*RateLimitError, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}

func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if _, ok := IsRateLimited(err); ok {
		return true
	}
	return errors.Is(err, ErrTransient)
}
