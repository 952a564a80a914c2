package scraper

import (
	"errors"
	"fmt"
)

var (
	// ErrResultsConsumed is yielded when a SearchResult is ranged over twice.
	ErrResultsConsumed = errors.New("search results already consumed")

	// ErrLoginFailed marks a login the remote service rejected.
	ErrLoginFailed = errors.New("login failed")

	// ErrNotAuthenticated is returned by Search before Authenticate succeeds.
	ErrNotAuthenticated = errors.New("not authenticated")
)

// ErrAuth indicates the session could not be established.
type ErrAuth struct {
	Err error
}

func (e ErrAuth) Error() string {
	return fmt.Errorf("auth: %w", e.Err).Error()
}

func (e ErrAuth) Unwrap() error {
	return e.Err
}

// ErrQuery indicates malformed criteria or a search the service rejected.
type ErrQuery struct {
	Err error
}

func (e ErrQuery) Error() string {
	return fmt.Errorf("query: %w", e.Err).Error()
}

func (e ErrQuery) Unwrap() error {
	return e.Err
}

// ErrParse indicates a page whose structure diverges from the tag mapping.
type ErrParse struct {
	Err error
}

func (e ErrParse) Error() string {
	return fmt.Errorf("parse: %w", e.Err).Error()
}

func (e ErrParse) Unwrap() error {
	return e.Err
}

// ErrTimeout indicates a timeout while issuing a request.
type ErrTimeout struct {
	Err error
}

func (e ErrTimeout) Error() string {
	return fmt.Errorf("timeout: %w", e.Err).Error()
}

func (e ErrTimeout) Unwrap() error {
	return e.Err
}

// ErrConnection indicates a network connectivity failure.
type ErrConnection struct {
	Err error
}

func (e ErrConnection) Error() string {
	return fmt.Errorf("connection: %w", e.Err).Error()
}

func (e ErrConnection) Unwrap() error {
	return e.Err
}

// ErrForbidden indicates a forbidden response (HTTP 403).
type ErrForbidden struct {
	Err error
}

func (e ErrForbidden) Error() string {
	return fmt.Errorf("forbidden: %w", e.Err).Error()
}

func (e ErrForbidden) Unwrap() error {
	return e.Err
}

// ErrNotFound indicates an entry or resource that does not resolve.
type ErrNotFound struct {
	Err error
}

func (e ErrNotFound) Error() string {
	return fmt.Errorf("not_found: %w", e.Err).Error()
}

func (e ErrNotFound) Unwrap() error {
	return e.Err
}

// ErrRateLimited indicates the target rate-limited the request.
type ErrRateLimited struct {
	Err error
}

func (e ErrRateLimited) Error() string {
	return fmt.Errorf("rate_limited: %w", e.Err).Error()
}

func (e ErrRateLimited) Unwrap() error {
	return e.Err
}

func errorTypeLabel(err error) string {
	if err == nil {
		return "unknown"
	}
	var timeout ErrTimeout
	if errors.As(err, &timeout) {
		return "timeout"
	}
	var conn ErrConnection
	if errors.As(err, &conn) {
		return "connection"
	}
	var forbidden ErrForbidden
	if errors.As(err, &forbidden) {
		return "forbidden"
	}
	var notFound ErrNotFound
	if errors.As(err, &notFound) {
		return "not_found"
	}
	var rateLimited ErrRateLimited
	if errors.As(err, &rateLimited) {
		return "rate_limited"
	}
	var parse ErrParse
	if errors.As(err, &parse) {
		return "parse"
	}
	return "other"
}
