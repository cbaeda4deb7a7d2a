// Package loader turns tile keys into raw bytes: it collapses concurrent
// requests for the same key into one fetch, retries transient failures with
// exponential backoff and cancels a fetch once nobody is waiting for it.
package loader

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/gogpu/tilemap/internal/logging"
	"github.com/gogpu/tilemap/metrics"
	"github.com/gogpu/tilemap/tile"
)

const tracerName = "github.com/gogpu/tilemap/loader"

// RetryPolicy bounds the retries of transient failures.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// Jitter is the randomization factor applied to every interval.
	Jitter float64
}

// DefaultRetryPolicy returns 3 attempts starting at 200ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Multiplier:      2,
		Jitter:          0.5,
	}
}

func (p RetryPolicy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.Jitter
	return b
}

// Option configures a Loader.
type Option func(*Loader)

// WithRetry sets the retry policy.
func WithRetry(p RetryPolicy) Option {
	return func(l *Loader) { l.retry = p }
}

// WithAttemptTimeout bounds every single fetch attempt.
func WithAttemptTimeout(d time.Duration) Option {
	return func(l *Loader) { l.timeout = d }
}

// WithMetrics records fetch metrics on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Loader) { l.metrics = m }
}

// WithTracerProvider sets where fetch spans go. The global provider is
// used by default.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(l *Loader) { l.tracer = tp.Tracer(tracerName) }
}

// flight tracks the callers waiting on one key.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// Loader deduplicates and retries tile fetches.
//
// Loader is safe for concurrent use.
type Loader struct {
	fetcher Fetcher
	group   singleflight.Group

	mu       sync.Mutex
	flights  map[string]*flight
	onOrphan func(tile.Key, []byte)

	retry   RetryPolicy
	timeout time.Duration
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

// New creates a loader over f.
func New(f Fetcher, opts ...Option) *Loader {
	l := &Loader{
		fetcher: f,
		flights: make(map[string]*flight),
		retry:   DefaultRetryPolicy(),
		tracer:  otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.metrics == nil {
		l.metrics = metrics.New(nil)
	}
	if l.retry.MaxAttempts < 1 {
		l.retry.MaxAttempts = 1
	}
	return l
}

// SetOrphanHandler registers fn to receive bytes of fetches that completed
// after every waiter had left. fn runs on the fetching goroutine.
func (l *Loader) SetOrphanHandler(fn func(tile.Key, []byte)) {
	l.mu.Lock()
	l.onOrphan = fn
	l.mu.Unlock()
}

// InFlight returns the number of distinct keys being fetched.
func (l *Loader) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.flights)
}

// Request returns the bytes for key. Concurrent requests for the same key
// share a single fetch and receive the same result. If ctx is cancelled the
// caller stops waiting; the fetch itself is cancelled when its last waiter
// leaves. Errors are *LoadError.
func (l *Loader) Request(ctx context.Context, key tile.Key) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, &LoadError{Kind: KindCancelled, Key: key, Err: err}
		}

		k := key.String()
		f := l.join(k)

		ch := l.group.DoChan(k, func() (any, error) {
			return l.fetch(f.ctx, key)
		})

		select {
		case r := <-ch:
			l.leave(k, f, false)
			if errors.Is(r.Err, errAbandoned) && ctx.Err() == nil {
				// Joined a flight whose waiters had all left; start afresh.
				continue
			}
			if r.Err != nil {
				return nil, r.Err
			}
			return r.Val.([]byte), nil
		case <-ctx.Done():
			l.leave(k, f, true)
			return nil, &LoadError{Kind: KindCancelled, Key: key, Err: ctx.Err()}
		}
	}
}

func (l *Loader) join(k string) *flight {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, ok := l.flights[k]
	if ok {
		l.metrics.FetchJoined.Inc()
	} else {
		ctx, cancel := context.WithCancel(context.Background())
		f = &flight{ctx: ctx, cancel: cancel}
		l.flights[k] = f
		l.metrics.FetchInFlight.Inc()
	}
	f.waiters++
	return f
}

func (l *Loader) leave(k string, f *flight, abandoned bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f.waiters--
	if f.waiters > 0 {
		return
	}
	if l.flights[k] == f {
		delete(l.flights, k)
		l.metrics.FetchInFlight.Dec()
	}
	if abandoned {
		logging.L().Debug("loader: cancelling abandoned fetch", "key", k)
	}
	f.cancel()
}

func (l *Loader) fetch(ctx context.Context, key tile.Key) ([]byte, error) {
	start := time.Now()
	ctx, span := l.tracer.Start(ctx, "tilemap.loader.fetch",
		trace.WithAttributes(attribute.String("tile.key", key.String())))
	defer span.End()

	attempt := 0
	op := func() ([]byte, error) {
		attempt++
		actx, cancel := ctx, context.CancelFunc(func() {})
		if l.timeout > 0 {
			actx, cancel = context.WithTimeout(ctx, l.timeout)
		}
		defer cancel()

		data, err := l.fetcher.Fetch(actx, key)
		span.AddEvent("attempt", trace.WithAttributes(
			attribute.Int("attempt", attempt),
			attribute.Bool("ok", err == nil),
		))
		if err == nil {
			l.metrics.FetchAttempts.WithLabelValues("ok").Inc()
			return data, nil
		}

		le := classify(ctx, key, err)
		l.metrics.FetchAttempts.WithLabelValues(le.Kind.String()).Inc()
		if !le.Retryable() {
			return nil, backoff.Permanent(le)
		}
		return nil, le
	}

	data, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(l.retry.backOff()),
		backoff.WithMaxTries(uint(l.retry.MaxAttempts)),
		backoff.WithNotify(func(err error, d time.Duration) {
			logging.L().Warn("loader: retrying fetch", "key", key.String(), "attempt", attempt, "in", d, "error", err)
		}),
	)

	if err == nil {
		l.metrics.FetchDuration.WithLabelValues("ok").Observe(time.Since(start).Seconds())
		if ctx.Err() != nil {
			l.orphan(key, data)
		}
		return data, nil
	}

	le := asLoadError(ctx, key, err)
	l.metrics.FetchDuration.WithLabelValues(le.Kind.String()).Observe(time.Since(start).Seconds())
	span.RecordError(le)
	span.SetStatus(codes.Error, le.Kind.String())
	if le.Kind == KindCancelled {
		le.Err = errors.Join(errAbandoned, le.Err)
	}
	return nil, le
}

func (l *Loader) orphan(key tile.Key, data []byte) {
	l.mu.Lock()
	fn := l.onOrphan
	l.mu.Unlock()
	if fn != nil {
		logging.L().Debug("loader: adopting orphaned fetch", "key", key.String(), "bytes", len(data))
		fn(key, data)
	}
}

func classify(ctx context.Context, key tile.Key, err error) *LoadError {
	switch {
	case errors.Is(err, ErrNotFound):
		return &LoadError{Kind: KindNotFound, Key: key, Err: err}
	case ctx.Err() != nil:
		return &LoadError{Kind: KindCancelled, Key: key, Err: err}
	default:
		return &LoadError{Kind: KindNetwork, Key: key, Err: err}
	}
}

func asLoadError(ctx context.Context, key tile.Key, err error) *LoadError {
	var le *LoadError
	if errors.As(err, &le) {
		if ctx.Err() != nil && le.Kind == KindNetwork {
			return &LoadError{Kind: KindCancelled, Key: key, Err: err}
		}
		return le
	}
	if ctx.Err() != nil {
		return &LoadError{Kind: KindCancelled, Key: key, Err: err}
	}
	return &LoadError{Kind: KindNetwork, Key: key, Err: err}
}
