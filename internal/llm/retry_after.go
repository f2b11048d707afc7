package llm

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// go-openai drops response headers on error, so the Retry-After value is
// captured by a transport and handed back through the request context.

type retryHintKey struct{}

type retryHint struct {
	mu    sync.Mutex
	after time.Duration
}

func (h *retryHint) set(d time.Duration) {
	h.mu.Lock()
	h.after = d
	h.mu.Unlock()
}

func (h *retryHint) get() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.after
}

func withRetryHint(ctx context.Context) (context.Context, *retryHint) {
	h := &retryHint{}
	return context.WithValue(ctx, retryHintKey{}, h), h
}

// RecordRetryAfter stores d for the attempt running under ctx. Adapters that
// see the header themselves can call it directly.
func RecordRetryAfter(ctx context.Context, d time.Duration) {
	if h, ok := ctx.Value(retryHintKey{}).(*retryHint); ok && d > 0 {
		h.set(d)
	}
}

type retryAfterTransport struct {
	rt  http.RoundTripper
	now func() time.Time
}

func (t retryAfterTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.rt.RoundTrip(req)
	if err != nil || resp == nil {
		return resp, err
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		if d := ParseRetryAfter(resp.Header.Get("Retry-After"), t.now()); d > 0 {
			RecordRetryAfter(req.Context(), d)
		}
	}
	return resp, nil
}

// ParseRetryAfter understands both delay-seconds and HTTP-date forms.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
