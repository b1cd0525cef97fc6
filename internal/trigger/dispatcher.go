package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/dotpaths/internal/dotpaths"
	"github.com/agentworkforce/dotpaths/internal/logging"
	"github.com/agentworkforce/dotpaths/internal/metrics"
)

const (
	KindObjectFinalized = "object.finalized"
	KindUploadWritten   = "upload.written"

	defaultWorkers     = 2
	defaultMaxAttempts = 3
	defaultRetryDelay  = 50 * time.Millisecond
	maxDeadLetters     = 1000

	inlineTimeout = 30 * time.Second
)

var ErrDispatcherClosed = errors.New("dispatcher closed")

type Handler func(ctx context.Context, env Envelope) error

type DeadLetter struct {
	EnvelopeID    string `json:"envelopeId"`
	Kind          string `json:"kind"`
	CorrelationID string `json:"correlationId,omitempty"`
	FailedAt      string `json:"failedAt"`
	AttemptCount  int    `json:"attemptCount"`
	LastError     string `json:"lastError"`
}

type DispatcherOptions struct {
	Queue       Queue
	Workers     int
	MaxAttempts int
	RetryDelay  time.Duration
	Logger      *zerolog.Logger
	Now         func() time.Time
}

// Dispatcher pulls envelopes off a queue and runs the handler registered for
// their kind. Retryable failures are re-enqueued after RetryDelay until
// MaxAttempts; the rest become dead letters.
type Dispatcher struct {
	queue       Queue
	workers     int
	maxAttempts int
	retryDelay  time.Duration
	log         zerolog.Logger
	now         func() time.Time

	mu          sync.RWMutex
	handlers    map[string]Handler
	deadLetters map[string]DeadLetter

	ctx     context.Context
	cancel  context.CancelFunc
	closeMu sync.Mutex
	closed  chan struct{}
	started bool
	wg      sync.WaitGroup
}

func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	if opts.Queue == nil {
		opts.Queue = NewInMemoryQueue(defaultQueueCapacity)
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := logging.Component("trigger")
	if opts.Logger != nil {
		log = *opts.Logger
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		queue:       opts.Queue,
		workers:     opts.Workers,
		maxAttempts: opts.MaxAttempts,
		retryDelay:  opts.RetryDelay,
		log:         log,
		now:         opts.Now,
		handlers:    map[string]Handler{},
		deadLetters: map[string]DeadLetter{},
		ctx:         ctx,
		cancel:      cancel,
		closed:      make(chan struct{}),
	}
}

// Handle registers h for kind, replacing any previous handler.
func (d *Dispatcher) Handle(kind string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[kind] = h
}

func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
}

// Close stops the workers. Envelopes still queued stay in the queue.
func (d *Dispatcher) Close() error {
	d.closeMu.Lock()
	if d.isClosed() {
		d.closeMu.Unlock()
		return nil
	}
	close(d.closed)
	d.closeMu.Unlock()
	d.cancel()
	d.wg.Wait()
	return d.queue.Close()
}

// Publish wraps payload in a new envelope and enqueues it, waiting for room
// until ctx ends.
func (d *Dispatcher) Publish(ctx context.Context, kind string, payload any) (Envelope, error) {
	if d.isClosed() {
		return Envelope{}, ErrDispatcherClosed
	}
	env, err := d.newEnvelope(ctx, kind, payload)
	if err != nil {
		return Envelope{}, err
	}
	if !d.queue.Enqueue(ctx, env) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Envelope{}, ctxErr
		}
		return Envelope{}, fmt.Errorf("trigger queue rejected envelope %s", env.ID)
	}
	metrics.DispatcherQueueDepth.Set(float64(d.queue.Depth()))
	return env, nil
}

// Deliver never waits for queue room. When the queue is full or the
// dispatcher is closed, the handler for kind runs on the caller's goroutine
// with the same retry and dead-letter policy as a worker.
func (d *Dispatcher) Deliver(ctx context.Context, kind string, payload any) (Envelope, error) {
	env, err := d.newEnvelope(ctx, kind, payload)
	if err != nil {
		return Envelope{}, err
	}
	if !d.isClosed() && d.queue.TryEnqueue(env) {
		metrics.DispatcherQueueDepth.Set(float64(d.queue.Depth()))
		return env, nil
	}
	metrics.DispatcherEnvelopes.WithLabelValues(env.Kind, "inline").Inc()
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), inlineTimeout)
	defer cancel()
	return env, d.runInline(runCtx, env)
}

func (d *Dispatcher) runInline(ctx context.Context, env Envelope) error {
	for {
		env.Attempt++
		err := d.invoke(ctx, env)
		if err == nil {
			metrics.DispatcherEnvelopes.WithLabelValues(env.Kind, "ok").Inc()
			return nil
		}
		if !dotpaths.Retryable(err) || env.Attempt >= d.maxAttempts || ctx.Err() != nil {
			d.deadLetter(env, err)
			metrics.DispatcherEnvelopes.WithLabelValues(env.Kind, "dead_letter").Inc()
			d.log.Error().Err(err).Str("envelope_id", env.ID).Str("kind", env.Kind).Int("attempt", env.Attempt).Msg("inline envelope dead-lettered")
			return err
		}
		timer := time.NewTimer(d.retryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (d *Dispatcher) newEnvelope(ctx context.Context, kind string, payload any) (Envelope, error) {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return Envelope{}, fmt.Errorf("%w: envelope kind is required", ErrInvalidInput)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return Envelope{
		ID:            "env_" + uuid.NewString(),
		Kind:          kind,
		Payload:       raw,
		CorrelationID: logging.CorrelationIDFromContext(ctx),
		ReceivedAt:    d.now().UTC(),
	}, nil
}

func (d *Dispatcher) isClosed() bool {
	select {
	case <-d.closed:
		return true
	default:
		return false
	}
}

func (d *Dispatcher) invoke(ctx context.Context, env Envelope) error {
	d.mu.RLock()
	handler, ok := d.handlers[env.Kind]
	d.mu.RUnlock()
	if !ok {
		return dotpaths.InvalidInputError("no handler for envelope kind %q", env.Kind)
	}
	return handler(ctx, env)
}

func (d *Dispatcher) DeadLetters() []DeadLetter {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]DeadLetter, 0, len(d.deadLetters))
	for _, dl := range d.deadLetters {
		out = append(out, dl)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FailedAt != out[j].FailedAt {
			return out[i].FailedAt < out[j].FailedAt
		}
		return out[i].EnvelopeID < out[j].EnvelopeID
	})
	return out
}

func (d *Dispatcher) QueueDepth() int {
	return d.queue.Depth()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		env, ok := d.queue.Dequeue(d.ctx)
		if !ok {
			return
		}
		metrics.DispatcherQueueDepth.Set(float64(d.queue.Depth()))
		d.process(env)
	}
}

func (d *Dispatcher) process(env Envelope) {
	env.Attempt++
	ctx := logging.ContextWithCorrelationID(d.ctx, env.CorrelationID)
	log := d.log.With().
		Str("envelope_id", env.ID).
		Str("kind", env.Kind).
		Int("attempt", env.Attempt).
		Str("correlation_id", env.CorrelationID).
		Logger()

	err := d.invoke(ctx, env)
	if err == nil {
		metrics.DispatcherEnvelopes.WithLabelValues(env.Kind, "ok").Inc()
		log.Debug().Msg("envelope processed")
		return
	}
	if d.ctx.Err() != nil && errors.Is(err, context.Canceled) {
		// Shutdown interrupted the handler; put it back for the next run.
		env.Attempt--
		_ = d.queue.TryEnqueue(env)
		return
	}
	if !dotpaths.Retryable(err) || env.Attempt >= d.maxAttempts {
		d.deadLetter(env, err)
		metrics.DispatcherEnvelopes.WithLabelValues(env.Kind, "dead_letter").Inc()
		log.Error().Err(err).Msg("envelope dead-lettered")
		return
	}
	metrics.DispatcherEnvelopes.WithLabelValues(env.Kind, "retry").Inc()
	log.Warn().Err(err).Dur("retry_in", d.retryDelay).Msg("envelope failed, retrying")
	d.scheduleRetry(env)
}

func (d *Dispatcher) scheduleRetry(env Envelope) {
	time.AfterFunc(d.retryDelay, func() {
		if d.isClosed() {
			return
		}
		if !d.queue.Enqueue(d.ctx, env) {
			d.deadLetter(env, fmt.Errorf("re-enqueue after attempt %d failed", env.Attempt))
		}
	})
}

func (d *Dispatcher) deadLetter(env Envelope, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.deadLetters) >= maxDeadLetters {
		var oldest string
		for id, dl := range d.deadLetters {
			if oldest == "" || dl.FailedAt < d.deadLetters[oldest].FailedAt {
				oldest = id
			}
		}
		delete(d.deadLetters, oldest)
	}
	d.deadLetters[env.ID] = DeadLetter{
		EnvelopeID:    env.ID,
		Kind:          env.Kind,
		CorrelationID: env.CorrelationID,
		FailedAt:      d.now().UTC().Format(time.RFC3339Nano),
		AttemptCount:  env.Attempt,
		LastError:     err.Error(),
	}
}
