package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"chat-relay/internal/conversation"
	"chat-relay/internal/metrics"
)

var (
	ErrQueueFull = errors.New("conversation queue full")
	ErrClosed    = errors.New("dispatcher closed")
)

const DefaultQueueSize = 16

// Handler is what the dispatcher feeds. *Orchestrator implements it.
type Handler interface {
	Key(msg Message) conversation.Key
	Handle(ctx context.Context, msg Message) Outcome
}

type job struct {
	msg     Message
	deliver func(Outcome)
}

type lane struct {
	jobs    chan job
	pending int
}

// Dispatcher gives every conversation its own bounded FIFO lane with one
// consumer goroutine. Lanes are created on first use and retired when they
// drain, so idle conversations cost nothing and different conversations
// never wait on each other.
type Dispatcher struct {
	ctx     context.Context
	handler Handler
	size    int
	log     zerolog.Logger

	mu     sync.Mutex
	lanes  map[string]*lane
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher runs handlers under ctx. queueSize bounds the backlog of a
// single conversation.
func NewDispatcher(ctx context.Context, h Handler, queueSize int, log zerolog.Logger) *Dispatcher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Dispatcher{
		ctx:     ctx,
		handler: h,
		size:    queueSize,
		log:     log.With().Str("component", "dispatcher").Logger(),
		lanes:   make(map[string]*lane),
	}
}

// Submit queues msg on its conversation lane. deliver is called from the
// lane goroutine with the outcome; it may be nil.
func (d *Dispatcher) Submit(msg Message, deliver func(Outcome)) error {
	key := d.handler.Key(msg).String()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		metrics.RecordRejected("closed")
		return ErrClosed
	}
	l, ok := d.lanes[key]
	if !ok {
		l = &lane{jobs: make(chan job, d.size)}
		d.lanes[key] = l
		d.wg.Add(1)
		metrics.ActiveLanes.Inc()
		go d.run(key, l)
	}
	select {
	case l.jobs <- job{msg: msg, deliver: deliver}:
		l.pending++
		return nil
	default:
		metrics.RecordRejected("queue_full")
		return fmt.Errorf("conversation %s: %w", key, ErrQueueFull)
	}
}

func (d *Dispatcher) run(key string, l *lane) {
	defer d.wg.Done()
	defer metrics.ActiveLanes.Dec()
	for {
		j := <-l.jobs
		d.process(key, j)

		d.mu.Lock()
		l.pending--
		if l.pending == 0 {
			delete(d.lanes, key)
			d.mu.Unlock()
			return
		}
		d.mu.Unlock()
	}
}

func (d *Dispatcher) process(key string, j job) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Str("conversation", key).Interface("panic", r).Msg("handler panicked")
		}
	}()
	out := d.handler.Handle(d.ctx, j.msg)
	if j.deliver != nil {
		j.deliver(out)
	}
}

// Lanes reports how many conversations currently have queued work.
func (d *Dispatcher) Lanes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.lanes)
}

// Close stops accepting messages and waits for queued work to finish or
// for ctx to expire.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain dispatcher: %w", ctx.Err())
	}
}
