package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/sashabaranov/go-openai"
)

type Kind string

const (
	KindTimeout     Kind = "timeout"
	KindRateLimited Kind = "rate_limited"
	KindUnavailable Kind = "unavailable"
	KindAuth        Kind = "auth"
	KindRejected    Kind = "rejected"
	KindMalformed   Kind = "malformed"
	KindCanceled    Kind = "canceled"
	KindUnknown     Kind = "unknown"
)

// Error categories as seen by the orchestrator.
const (
	CategoryTransient = "transient"
	CategoryPermanent = "permanent"
	CategoryMalformed = "malformed"
)

var (
	// ErrEmptyResponse is returned by adapters when the provider answered
	// without any usable text.
	ErrEmptyResponse = errors.New("empty completion")
	// ErrNotConfigured means the endpoint has no model or credentials.
	ErrNotConfigured = errors.New("llm endpoint not configured")
)

// Error is a classified provider failure.
type Error struct {
	Kind       Kind
	Status     int
	RetryAfter time.Duration
	Attempts   int
	Err        error
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("llm %s (status %d): %v", e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("llm %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient reports whether another attempt may succeed.
func (e *Error) Transient() bool {
	switch e.Kind {
	case KindTimeout, KindRateLimited, KindUnavailable, KindMalformed:
		return true
	}
	return false
}

// Category groups kinds for the caller. A canceled call is never retried
// but still counts as transient: nothing is wrong with the endpoint.
func (e *Error) Category() string {
	switch {
	case e.Kind == KindMalformed:
		return CategoryMalformed
	case e.Transient(), e.Kind == KindCanceled:
		return CategoryTransient
	default:
		return CategoryPermanent
	}
}

// Classify maps an adapter error onto a Kind. A nil error yields nil.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}
	e := &Error{Kind: KindUnknown, Err: err}

	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.Is(err, ErrEmptyResponse):
		e.Kind = KindMalformed
	case errors.Is(err, ErrNotConfigured):
		e.Kind = KindAuth
	case errors.As(err, &apiErr):
		e.Status = apiErr.HTTPStatusCode
		e.Kind = kindForStatus(apiErr.HTTPStatusCode)
		if code, ok := apiErr.Code.(string); ok {
			switch code {
			case "content_filter", "insufficient_quota", "model_not_found":
				e.Kind = KindRejected
			case "rate_limit_exceeded":
				e.Kind = KindRateLimited
			}
		}
	case errors.As(err, &reqErr):
		e.Status = reqErr.HTTPStatusCode
		e.Kind = kindForStatus(reqErr.HTTPStatusCode)
	case errors.Is(err, context.DeadlineExceeded):
		e.Kind = KindTimeout
	case errors.Is(err, context.Canceled):
		e.Kind = KindCanceled
	case isTimeout(err):
		e.Kind = KindTimeout
	case isNetworkError(err):
		e.Kind = KindUnavailable
	}
	return e
}

func kindForStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		return KindTimeout
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusConflict, status >= 500:
		return KindUnavailable
	case status >= 400:
		return KindRejected
	case status == 0:
		return KindUnavailable
	}
	return KindUnknown
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isNetworkError(err error) bool {
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return strings.Contains(err.Error(), "connection reset")
}
