package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	apiErr := func(status int, code any) error {
		return fmt.Errorf("create chat completion: %w", &openai.APIError{HTTPStatusCode: status, Code: code, Message: "x"})
	}
	tests := []struct {
		name string
		err  error
		kind Kind
	}{
		{"401", apiErr(http.StatusUnauthorized, "invalid_api_key"), KindAuth},
		{"403", apiErr(http.StatusForbidden, nil), KindAuth},
		{"400", apiErr(http.StatusBadRequest, nil), KindRejected},
		{"404", apiErr(http.StatusNotFound, nil), KindRejected},
		{"quota", apiErr(http.StatusTooManyRequests, "insufficient_quota"), KindRejected},
		{"content filter", apiErr(http.StatusBadRequest, "content_filter"), KindRejected},
		{"429", apiErr(http.StatusTooManyRequests, "rate_limit_exceeded"), KindRateLimited},
		{"408", apiErr(http.StatusRequestTimeout, nil), KindTimeout},
		{"409", apiErr(http.StatusConflict, nil), KindUnavailable},
		{"500", apiErr(http.StatusInternalServerError, nil), KindUnavailable},
		{"502 raw body", &openai.RequestError{HTTPStatusCode: http.StatusBadGateway, Err: errors.New("bad gateway")}, KindUnavailable},
		{"deadline", fmt.Errorf("post: %w", context.DeadlineExceeded), KindTimeout},
		{"canceled", fmt.Errorf("post: %w", context.Canceled), KindCanceled},
		{"reset", &net.OpError{Op: "read", Err: syscall.ECONNRESET}, KindUnavailable},
		{"unexpected eof", fmt.Errorf("read body: %w", io.ErrUnexpectedEOF), KindUnavailable},
		{"empty", fmt.Errorf("no choices: %w", ErrEmptyResponse), KindMalformed},
		{"not configured", ErrNotConfigured, KindAuth},
		{"plain", errors.New("boom"), KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := Classify(tt.err)
			assert.Equal(t, tt.kind, e.Kind)
			assert.ErrorIs(t, e, tt.err)
		})
	}
}

func TestCategory(t *testing.T) {
	tests := map[Kind]string{
		KindTimeout:     CategoryTransient,
		KindRateLimited: CategoryTransient,
		KindUnavailable: CategoryTransient,
		KindCanceled:    CategoryTransient,
		KindMalformed:   CategoryMalformed,
		KindAuth:        CategoryPermanent,
		KindRejected:    CategoryPermanent,
		KindUnknown:     CategoryPermanent,
	}
	for kind, want := range tests {
		e := &Error{Kind: kind}
		assert.Equal(t, want, e.Category(), kind)
	}
	assert.False(t, (&Error{Kind: KindCanceled}).Transient(), "canceled calls are not retried")
}

func TestClassify_KeepsClassifiedError(t *testing.T) {
	orig := &Error{Kind: KindRateLimited, RetryAfter: time.Second, Err: errors.New("slow")}
	assert.Same(t, orig, Classify(fmt.Errorf("wrapped: %w", orig)))
	assert.Nil(t, Classify(nil))
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 3*time.Second, ParseRetryAfter("3", now))
	assert.Equal(t, time.Duration(0), ParseRetryAfter("-1", now))
	assert.Equal(t, time.Duration(0), ParseRetryAfter("soon", now))
	assert.Equal(t, 90*time.Second, ParseRetryAfter(now.Add(90*time.Second).Format(http.TimeFormat), now))
}
