package loader

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/gogpu/tilemap/metrics"
	"github.com/gogpu/tilemap/tile"
)

var testKey = tile.NewKey("osm", tile.Index{Z: 3, X: 4, Y: 2}, 0)

func fastRetry(attempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Multiplier:      2,
	}
}

// waitFor polls cond until it holds or the test times out.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRequestDeduplicates(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	m := metrics.New(nil)
	l := New(FetcherFunc(func(ctx context.Context, key tile.Key) ([]byte, error) {
		calls.Add(1)
		<-release
		return []byte("tile-bytes"), nil
	}), WithMetrics(m))

	const n = 32
	results := make([][]byte, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = l.Request(context.Background(), testKey)
		}()
	}

	waitFor(t, func() bool { return testutil.ToFloat64(m.FetchJoined) == n-1 })
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Errorf("fetch called %d times, want 1", got)
	}
	for i := range n {
		if errs[i] != nil {
			t.Fatalf("request %d: %v", i, errs[i])
		}
		if !bytes.Equal(results[i], []byte("tile-bytes")) {
			t.Errorf("request %d got %q", i, results[i])
		}
	}
	if l.InFlight() != 0 {
		t.Errorf("InFlight() = %d after completion", l.InFlight())
	}
}

func TestRequestDeduplicatesFailure(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	m := metrics.New(nil)
	l := New(FetcherFunc(func(ctx context.Context, key tile.Key) ([]byte, error) {
		calls.Add(1)
		<-release
		return nil, ErrNotFound
	}), WithMetrics(m), WithRetry(fastRetry(3)))

	const n = 16
	results := make([][]byte, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = l.Request(context.Background(), testKey)
		}()
	}

	waitFor(t, func() bool { return testutil.ToFloat64(m.FetchJoined) == n-1 })
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Errorf("fetch called %d times, want 1", got)
	}
	for i := range n {
		if KindOf(errs[i]) != KindNotFound || !errors.Is(errs[i], ErrNotFound) {
			t.Errorf("request %d: expected NotFound, got %v", i, errs[i])
		}
		if results[i] != nil {
			t.Errorf("request %d got data %q", i, results[i])
		}
	}
}

func TestRequestRetriesTransient(t *testing.T) {
	var calls atomic.Int32
	l := New(FetcherFunc(func(ctx context.Context, key tile.Key) ([]byte, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("connection reset")
		}
		return []byte{1}, nil
	}), WithRetry(fastRetry(3)))

	data, err := l.Request(context.Background(), testKey)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if len(data) != 1 || calls.Load() != 3 {
		t.Errorf("got %v after %d calls, want 1 byte after 3", data, calls.Load())
	}
}

func TestRequestGivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	l := New(FetcherFunc(func(ctx context.Context, key tile.Key) ([]byte, error) {
		calls.Add(1)
		return nil, errors.New("503")
	}), WithRetry(fastRetry(4)))

	_, err := l.Request(context.Background(), testKey)
	if KindOf(err) != KindNetwork {
		t.Fatalf("expected network error, got %v", err)
	}
	var le *LoadError
	if !errors.As(err, &le) || !le.Retryable() || le.Key != testKey {
		t.Errorf("unexpected load error %#v", le)
	}
	if got := calls.Load(); got != 4 {
		t.Errorf("fetch called %d times, want 4", got)
	}
}

func TestRequestNotFoundIsPermanent(t *testing.T) {
	var calls atomic.Int32
	l := New(FetcherFunc(func(ctx context.Context, key tile.Key) ([]byte, error) {
		calls.Add(1)
		return nil, ErrNotFound
	}), WithRetry(fastRetry(5)))

	_, err := l.Request(context.Background(), testKey)
	if !errors.Is(err, ErrNotFound) || KindOf(err) != KindNotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("fetch called %d times, want 1", got)
	}
}

func TestRequestCancelStopsFetch(t *testing.T) {
	stopped := make(chan struct{})
	started := make(chan struct{})
	l := New(FetcherFunc(func(ctx context.Context, key tile.Key) ([]byte, error) {
		close(started)
		<-ctx.Done()
		close(stopped)
		return nil, ctx.Err()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := l.Request(ctx, testKey)
		errc <- err
	}()

	<-started
	cancel()

	if err := <-errc; KindOf(err) != KindCancelled {
		t.Errorf("expected cancelled, got %v", err)
	}
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("fetch context was not cancelled after the last waiter left")
	}
}

func TestRequestCancelOneWaiterKeepsFetch(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	m := metrics.New(nil)
	l := New(FetcherFunc(func(ctx context.Context, key tile.Key) ([]byte, error) {
		calls.Add(1)
		select {
		case <-release:
			return []byte("ok"), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}), WithMetrics(m))

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := l.Request(ctx, testKey)
		first <- err
	}()
	second := make(chan []byte, 1)
	go func() {
		data, _ := l.Request(context.Background(), testKey)
		second <- data
	}()

	waitFor(t, func() bool { return testutil.ToFloat64(m.FetchJoined) == 1 })
	cancel()
	if err := <-first; KindOf(err) != KindCancelled {
		t.Fatalf("expected cancelled, got %v", err)
	}
	close(release)

	if got := <-second; string(got) != "ok" {
		t.Errorf("second waiter got %q, want ok", got)
	}
	if calls.Load() != 1 {
		t.Errorf("fetch called %d times, want 1", calls.Load())
	}
}

func TestOrphanedResultIsHandedOff(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	l := New(FetcherFunc(func(ctx context.Context, key tile.Key) ([]byte, error) {
		close(started)
		<-release // ignores ctx, like a transport that cannot be interrupted
		return []byte("late"), nil
	}))

	adopted := make(chan []byte, 1)
	l.SetOrphanHandler(func(key tile.Key, data []byte) {
		if key == testKey {
			adopted <- data
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _, _ = l.Request(ctx, testKey) }()
	<-started
	cancel()
	waitFor(t, func() bool { return l.InFlight() == 0 })
	close(release)

	select {
	case data := <-adopted:
		if string(data) != "late" {
			t.Errorf("adopted %q, want late", data)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("orphaned result was not handed off")
	}
}

func TestFetchIsTraced(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	l := New(FetcherFunc(func(ctx context.Context, key tile.Key) ([]byte, error) {
		return []byte{1}, nil
	}), WithTracerProvider(tp))

	if _, err := l.Request(context.Background(), testKey); err != nil {
		t.Fatalf("Request: %v", err)
	}

	spans := rec.Ended()
	if len(spans) != 1 || spans[0].Name() != "tilemap.loader.fetch" {
		t.Fatalf("expected one fetch span, got %d", len(spans))
	}
	if len(spans[0].Events()) != 1 {
		t.Errorf("expected 1 attempt event, got %d", len(spans[0].Events()))
	}
}

func TestHTTPFetcherStatusMapping(t *testing.T) {
	status := map[string]int{
		"/2/1/1": http.StatusOK,
		"/2/1/2": http.StatusNoContent,
		"/2/1/3": http.StatusNotFound,
		"/2/2/1": http.StatusForbidden,
		"/2/2/2": http.StatusTooManyRequests,
		"/2/2/3": http.StatusBadGateway,
	}
	var agent atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agent.Store(r.UserAgent())
		code := status[r.URL.Path]
		w.WriteHeader(code)
		if code == http.StatusOK {
			_, _ = w.Write([]byte("pbf"))
		}
	}))
	defer srv.Close()

	f := NewHTTPFetcher(srv.URL+"/{z}/{x}/{y}", "tilemap-test/1.0")
	tests := []struct {
		idx      tile.Index
		want     string
		notFound bool
		failed   bool
	}{
		{tile.Index{Z: 2, X: 1, Y: 1}, "pbf", false, false},
		{tile.Index{Z: 2, X: 1, Y: 2}, "", false, false},
		{tile.Index{Z: 2, X: 1, Y: 3}, "", true, true},
		{tile.Index{Z: 2, X: 2, Y: 1}, "", true, true},
		{tile.Index{Z: 2, X: 2, Y: 2}, "", false, true},
		{tile.Index{Z: 2, X: 2, Y: 3}, "", false, true},
	}
	for _, tt := range tests {
		data, err := f.Fetch(context.Background(), tile.NewKey("osm", tt.idx, 0))
		if (err != nil) != tt.failed {
			t.Errorf("%v: err = %v, want failure %v", tt.idx, err, tt.failed)
			continue
		}
		if got := errors.Is(err, ErrNotFound); got != tt.notFound {
			t.Errorf("%v: NotFound = %v, want %v", tt.idx, got, tt.notFound)
		}
		if string(data) != tt.want {
			t.Errorf("%v: data = %q, want %q", tt.idx, data, tt.want)
		}
	}
	if agent.Load() != "tilemap-test/1.0" {
		t.Errorf("User-Agent = %v", agent.Load())
	}
}

func TestHTTPFetcherSubdomains(t *testing.T) {
	f := NewHTTPFetcher("https://{s}.tiles.test/{z}/{x}/{y}.pbf", "", "a", "b", "c")
	got := f.URL(tile.NewKey("osm", tile.Index{Z: 3, X: 5, Y: 2}, 0))
	if want := "https://b.tiles.test/3/5/2.pbf"; got != want {
		t.Errorf("URL = %q, want %q", got, want)
	}
}
