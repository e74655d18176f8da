// Package fetcherr classifies failures of page and file requests.
package fetcherr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

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

// ErrRateLimited indicates the target refused the request with 403 or 429.
type ErrRateLimited struct {
	StatusCode int
}

func (e ErrRateLimited) Error() string {
	return fmt.Sprintf("rate_limited: http %d", e.StatusCode)
}

// ErrHTTPStatus indicates any other non-success response.
type ErrHTTPStatus struct {
	StatusCode int
}

func (e ErrHTTPStatus) Error() string {
	return fmt.Sprintf("http %d", e.StatusCode)
}

// ErrIntegrity indicates the body length disagreed with the declared length.
type ErrIntegrity struct {
	Expected int64
	Written  int64
}

func (e ErrIntegrity) Error() string {
	return fmt.Sprintf("integrity: wrote %d bytes, expected %d (%d missing)", e.Written, e.Expected, e.Expected-e.Written)
}

// Classify maps a transport error or status code to one of the kinds above.
// Errors that are already classified are returned unchanged.
func Classify(err error, statusCode int) error {
	if err == nil && statusCode == 0 {
		return nil
	}
	if err != nil && isClassified(err) {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout{Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout{Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrConnection{Err: err}
	}

	switch {
	case statusCode == http.StatusForbidden || statusCode == http.StatusTooManyRequests:
		return ErrRateLimited{StatusCode: statusCode}
	case statusCode != 0 && (statusCode < 200 || statusCode > 299):
		return ErrHTTPStatus{StatusCode: statusCode}
	}
	return err
}

func isClassified(err error) bool {
	var (
		timeout   ErrTimeout
		conn      ErrConnection
		limited   ErrRateLimited
		status    ErrHTTPStatus
		integrity ErrIntegrity
	)
	return errors.As(err, &timeout) || errors.As(err, &conn) || errors.As(err, &limited) ||
		errors.As(err, &status) || errors.As(err, &integrity)
}

// IsRateLimited reports whether err is a 403/429 refusal.
func IsRateLimited(err error) bool {
	var limited ErrRateLimited
	return errors.As(err, &limited)
}

// IsTransient reports whether err is a timeout or connection failure.
func IsTransient(err error) bool {
	var timeout ErrTimeout
	var conn ErrConnection
	return errors.As(err, &timeout) || errors.As(err, &conn)
}

// Label returns a short metrics label for err.
func Label(err error) string {
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
	var limited ErrRateLimited
	if errors.As(err, &limited) {
		return "rate_limited"
	}
	var status ErrHTTPStatus
	if errors.As(err, &status) {
		return "http_status"
	}
	var integrity ErrIntegrity
	if errors.As(err, &integrity) {
		return "integrity"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	return "other"
}

// Reason renders err the way it is recorded in the status ledger.
func Reason(err error) string {
	if errors.Is(err, context.Canceled) {
		return "interrupted"
	}
	var status ErrHTTPStatus
	if errors.As(err, &status) {
		return status.Error()
	}
	var limited ErrRateLimited
	if errors.As(err, &limited) {
		return fmt.Sprintf("http %d", limited.StatusCode)
	}
	return err.Error()
}
