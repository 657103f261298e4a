package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRequestCoalescer_GetOrDo_ConcurrentRequests(t *testing.T) {
	coalescer := newRequestCoalescer(5 * time.Second)
	var calls atomic.Int32
	release := make(chan struct{})

	fn := func(ctx context.Context) ([]byte, error) {
		calls.Add(1)
		<-release
		return []byte(`{"temperature":10}`), nil
	}

	const n = 10
	var wg sync.WaitGroup
	results := make([][]byte, n)
	errs := make([]error, n)
	var sharedCount atomic.Int32
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			var shared bool
			results[idx], shared, errs[idx] = coalescer.GetOrDo(context.Background(), "current_weather_1_2", fn)
			if shared {
				sharedCount.Add(1)
			}
		}(i)
	}
	// Give every goroutine time to register before the fetch completes.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := range results {
		if errs[i] != nil {
			t.Errorf("request %d error = %v", i, errs[i])
		}
		if string(results[i]) != `{"temperature":10}` {
			t.Errorf("request %d payload = %s", i, results[i])
		}
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("fn call count = %d, want 1", got)
	}
	if got := sharedCount.Load(); got != n-1 {
		t.Errorf("shared callers = %d, want %d", got, n-1)
	}
}

func TestRequestCoalescer_GetOrDo_ErrorPropagation(t *testing.T) {
	coalescer := newRequestCoalescer(5 * time.Second)
	wantErr := errors.New("api failure")
	release := make(chan struct{})
	fn := func(ctx context.Context) ([]byte, error) {
		<-release
		return nil, wantErr
	}

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, _, errs[idx] = coalescer.GetOrDo(context.Background(), "forecast_1_2", fn)
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for i, err := range errs {
		if !errors.Is(err, wantErr) {
			t.Errorf("request %d error = %v, want %v", i, err, wantErr)
		}
	}
}

func TestRequestCoalescer_GetOrDo_CallerCancellation(t *testing.T) {
	coalescer := newRequestCoalescer(time.Second)
	fnCtxErr := make(chan error, 1)
	fn := func(ctx context.Context) ([]byte, error) {
		time.Sleep(100 * time.Millisecond)
		fnCtxErr <- ctx.Err()
		return []byte("{}"), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err := coalescer.GetOrDo(ctx, "alerts_1_2", fn)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("GetOrDo() error = %v, want deadline exceeded", err)
	}
	// The fetch keeps running for other waiters.
	select {
	case err := <-fnCtxErr:
		if err != nil {
			t.Errorf("fetch context error = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("fetch did not complete")
	}
}

func TestRequestCoalescer_GetOrDo_DifferentKeys(t *testing.T) {
	coalescer := newRequestCoalescer(5 * time.Second)
	var calls atomic.Int32
	fn := func(ctx context.Context) ([]byte, error) {
		calls.Add(1)
		return []byte("{}"), nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			_, _, _ = coalescer.GetOrDo(context.Background(), key, fn)
		}("key" + string(rune('a'+i)))
	}
	wg.Wait()

	if got := calls.Load(); got != 5 {
		t.Errorf("fn call count = %d, want 5", got)
	}
}

func TestRequestCoalescer_ReleasesKeyAfterCompletion(t *testing.T) {
	coalescer := newRequestCoalescer(time.Second)
	var calls atomic.Int32
	fn := func(ctx context.Context) ([]byte, error) {
		calls.Add(1)
		return []byte("{}"), nil
	}
	for i := 0; i < 3; i++ {
		if _, shared, err := coalescer.GetOrDo(context.Background(), "k", fn); err != nil || shared {
			t.Fatalf("GetOrDo() shared=%v err=%v", shared, err)
		}
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("fn call count = %d, want 3 for sequential calls", got)
	}
}
