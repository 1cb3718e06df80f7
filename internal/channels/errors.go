package channels

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"eventorder/internal/ordering"
)

var (
	ErrNotFound            = errors.New("dispatcharr: resource not found")
	ErrForbidden           = errors.New("dispatcharr: access forbidden")
	ErrUpstreamUnavailable = ordering.ErrUpstreamUnavailable
	ErrUpstreamError       = errors.New("dispatcharr: internal error (5xx)")
	ErrBadResponse         = errors.New("dispatcharr: invalid response format")
	ErrTimeout             = errors.New("dispatcharr: request timed out")
)

// UpstreamError wraps a sentinel with the failing operation.
type UpstreamError struct {
	Sentinel  error
	Operation string
	Status    int
	Body      string
	Err       error
}

func (e *UpstreamError) Error() string {
	msg := fmt.Sprintf("dispatcharr: %s: %v", e.Operation, e.Sentinel)
	if e.Status > 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.Status)
	}
	if e.Body != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Body)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *UpstreamError) Unwrap() error { return e.Sentinel }

// Is makes every client failure an ordering.ErrUpstreamUnavailable.
func (e *UpstreamError) Is(target error) bool { return target == ordering.ErrUpstreamUnavailable }

// classifyTransport maps a failed round trip.
func classifyTransport(op string, err error) error {
	sentinel := ErrUpstreamUnavailable
	var ne net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		sentinel = ErrTimeout
	case errors.As(err, &ne) && ne.Timeout():
		sentinel = ErrTimeout
	}
	return &UpstreamError{Sentinel: sentinel, Operation: op, Err: err}
}

// classifyStatus maps a non-2xx response.
func classifyStatus(op string, status int, body string) error {
	var sentinel error
	switch {
	case status == http.StatusNotFound:
		sentinel = ErrNotFound
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		sentinel = ErrForbidden
	case status >= 500:
		sentinel = ErrUpstreamError
	default:
		sentinel = ErrBadResponse
	}
	return &UpstreamError{Sentinel: sentinel, Operation: op, Status: status, Body: body}
}

// kind is the metrics label for err.
func kind(err error) string {
	switch {
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrUpstreamError):
		return "upstream_5xx"
	case errors.Is(err, ErrBadResponse):
		return "bad_response"
	default:
		return "unavailable"
	}
}
