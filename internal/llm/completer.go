package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"chat-relay/internal/metrics"
)

// RetryPolicy bounds one Complete call.
type RetryPolicy struct {
	MaxAttempts    int
	AttemptTimeout time.Duration
	Deadline       time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		AttemptTimeout: 30 * time.Second,
		Deadline:       90 * time.Second,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     8 * time.Second,
	}
}

// Source yields the client for the currently configured endpoint. Building
// a client may hit the network, so ctx bounds it. The returned config is
// meaningful even when err is not nil.
type Source interface {
	Current(ctx context.Context) (Client, ModelConfig, error)
}

// Result carries either a response or a classified error, plus the number
// of attempts made.
type Result struct {
	Response Response
	Err      *Error
	Attempts int
}

type Completer struct {
	source Source
	policy RetryPolicy
	log    zerolog.Logger
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) bool
}

func NewCompleter(source Source, policy RetryPolicy, log zerolog.Logger) *Completer {
	def := DefaultRetryPolicy()
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = def.MaxAttempts
	}
	if policy.AttemptTimeout <= 0 {
		policy.AttemptTimeout = def.AttemptTimeout
	}
	if policy.Deadline <= 0 {
		policy.Deadline = def.Deadline
	}
	if policy.InitialBackoff <= 0 {
		policy.InitialBackoff = def.InitialBackoff
	}
	if policy.MaxBackoff < policy.InitialBackoff {
		policy.MaxBackoff = policy.InitialBackoff
	}
	return &Completer{
		source: source,
		policy: policy,
		log:    log.With().Str("component", "llm").Logger(),
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

func (c *Completer) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.policy.InitialBackoff
	b.MaxInterval = c.policy.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Complete calls the model with retries. A zero deadline means now plus the
// policy's overall deadline. Transient failures, including a client that
// could not be built, are retried with jittered exponential backoff;
// Retry-After wins when it is longer. No retry is started when its delay
// would cross the deadline.
func (c *Completer) Complete(ctx context.Context, messages []Message, deadline time.Time) Result {
	if deadline.IsZero() {
		deadline = c.now().Add(c.policy.Deadline)
	}
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	bo := c.newBackOff()
	var last *Error
	attempt := 0
	for attempt < c.policy.MaxAttempts {
		attempt++
		started := c.now()
		resp, provider, err := c.attempt(ctx, messages)
		elapsed := c.now().Sub(started).Seconds()
		if err == nil {
			metrics.RecordAttempt(provider, "ok", elapsed)
			metrics.RecordTokens(resp.Model, resp.PromptTokens, resp.CompletionTokens)
			return Result{Response: resp, Attempts: attempt}
		}
		last = err
		last.Attempts = attempt
		metrics.RecordAttempt(provider, string(err.Kind), elapsed)

		ev := c.log.Warn()
		if err.Category() == CategoryPermanent {
			ev = c.log.Error()
		}
		ev.Err(err.Err).
			Str("kind", string(err.Kind)).
			Str("category", err.Category()).
			Int("status", err.Status).
			Int("attempt", attempt).
			Msg("llm attempt failed")

		if !err.Transient() || attempt >= c.policy.MaxAttempts || ctx.Err() != nil {
			break
		}
		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			break
		}
		if err.RetryAfter > delay {
			delay = err.RetryAfter
		}
		if c.now().Add(delay).After(deadline) {
			c.log.Warn().Dur("delay", delay).Int("attempt", attempt).Msg("next retry would cross the deadline")
			break
		}
		if !c.sleep(ctx, delay) {
			break
		}
	}
	return Result{Err: last, Attempts: attempt}
}

// attempt resolves the client and calls it once, both under the attempt
// timeout. It returns the provider name for metrics.
func (c *Completer) attempt(ctx context.Context, messages []Message) (Response, string, *Error) {
	actx, cancel := context.WithTimeout(ctx, c.policy.AttemptTimeout)
	defer cancel()

	client, cfg, err := c.source.Current(actx)
	if err != nil {
		return Response{}, cfg.Provider, c.classify(ctx, actx, fmt.Errorf("build client: %w", err))
	}

	actx, hint := withRetryHint(actx)
	resp, err := client.Generate(actx, messages)
	if err == nil {
		return resp, cfg.Provider, nil
	}
	e := c.classify(ctx, actx, err)
	if e.RetryAfter == 0 {
		e.RetryAfter = hint.get()
	}
	return Response{}, cfg.Provider, e
}

// classify also corrects what adapters report when a context ended: the
// attempt timeout becomes KindTimeout and a caller cancellation KindCanceled.
func (c *Completer) classify(ctx, actx context.Context, err error) *Error {
	e := Classify(err)
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		if e.Kind != KindCanceled {
			e = &Error{Kind: KindCanceled, Err: err}
		}
	case errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		if e.Kind != KindTimeout {
			e = &Error{Kind: KindTimeout, Err: fmt.Errorf("attempt timed out after %s: %w", c.policy.AttemptTimeout, err)}
		}
	}
	return e
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
