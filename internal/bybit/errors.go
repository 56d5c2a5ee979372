package bybit

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for the client error taxonomy. Callers classify with
// errors.Is / errors.As; only transient network errors, rate limits and
// server errors are retried.
var (
	ErrTransientNetwork = errors.New("bybit: transient network error")
	ErrRateLimited      = errors.New("bybit: rate limited")
	ErrServerError      = errors.New("bybit: server error")
	ErrBreakerOpen      = errors.New("bybit: circuit breaker open")
	ErrMalformed        = errors.New("bybit: malformed response")
	ErrDelisted         = errors.New("bybit: symbol delisted")
)

// APIError is a non-zero retCode returned inside a 200 response.
type APIError struct {
	Code int
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bybit: api error %d: %s", e.Code, e.Msg)
}

// Bybit v5 retCodes that indicate rate limiting at the API level.
var rateLimitCodes = map[int]bool{
	10006: true, // too many visits
	10018: true, // exceeded IP rate limit
}

// retCodes that mean the symbol is gone for good this session.
var delistCodes = map[int]bool{
	10001:  true, // params error: symbol invalid
	110025: true, // position/symbol closed
	170001: true, // symbol not whitelisted / suspended
}

func classifyRetCode(code int, msg string) error {
	switch {
	case code == 0:
		return nil
	case rateLimitCodes[code]:
		return fmt.Errorf("%w: retCode %d: %s", ErrRateLimited, code, msg)
	case delistCodes[code]:
		return fmt.Errorf("%w: retCode %d: %s", ErrDelisted, code, msg)
	default:
		return &APIError{Code: code, Msg: msg}
	}
}

// retryable reports whether err is worth another attempt.
func retryable(err error) bool {
	return errors.Is(err, ErrTransientNetwork) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrServerError)
}

// wrapTransport maps low-level transport failures into the taxonomy.
// Context cancellation is surfaced as-is so shutdown is not retried.
func wrapTransport(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrTransientNetwork, err)
}
