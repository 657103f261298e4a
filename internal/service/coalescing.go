package service

import (
	"context"
	"sync"
	"time"
)

// inFlightRequest is one upstream fetch that several callers may wait for.
type inFlightRequest struct {
	done    chan struct{}
	payload []byte
	err     error
}

// requestCoalescer runs at most one fetch per key at a time. Callers that
// arrive while a fetch is running share its encoded payload.
type requestCoalescer struct {
	mu       sync.Mutex
	inFlight map[string]*inFlightRequest
	timeout  time.Duration
}

func newRequestCoalescer(timeout time.Duration) *requestCoalescer {
	return &requestCoalescer{
		inFlight: make(map[string]*inFlightRequest),
		timeout:  timeout,
	}
}

// GetOrDo returns the result of the in-flight fetch for key, starting fn if
// none is running. shared is true when the caller joined an existing fetch.
//
// fn runs detached from the caller's cancellation, bounded by the coalescer
// timeout, so one caller giving up does not fail the others. Each caller still
// stops waiting when its own ctx is done.
func (rc *requestCoalescer) GetOrDo(ctx context.Context, key string, fn func(ctx context.Context) ([]byte, error)) (payload []byte, shared bool, err error) {
	rc.mu.Lock()
	req, exists := rc.inFlight[key]
	if !exists {
		req = &inFlightRequest{done: make(chan struct{})}
		rc.inFlight[key] = req
	}
	rc.mu.Unlock()

	if !exists {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rc.timeout)
		go func() {
			defer cancel()
			req.payload, req.err = fn(fetchCtx)
			rc.cleanup(key)
			close(req.done)
		}()
	}

	select {
	case <-req.done:
		return req.payload, exists, req.err
	case <-ctx.Done():
		return nil, exists, ctx.Err()
	}
}

func (rc *requestCoalescer) cleanup(key string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	delete(rc.inFlight, key)
}
