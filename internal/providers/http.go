// Package providers holds the HTTP clients for the third-party NFT data
// providers and for token-URI metadata.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/johnkcr/collection-service/internal/metrics"
	"github.com/johnkcr/collection-service/internal/queue"
)

const userAgent = "collection-service/1.0"

// maxBodyBytes caps provider responses.
const maxBodyBytes = 16 << 20

var ErrNotFound = errors.New("not found")

// StatusError is a non-200 provider response.
type StatusError struct {
	Provider   string
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s responded with status code %d (url %s)", e.Provider, e.StatusCode, e.URL)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// retryPolicy decides how many times a request is attempted and how long
// to back off for throttling and server errors.
type retryPolicy struct {
	maxAttempts      int
	rateLimitDelay   time.Duration
	serverErrorDelay time.Duration
	// gatewayDelay applies to 502/503/504 when set.
	gatewayDelay time.Duration
}

// requester performs GETs through a bounded queue with status-code based
// retry.
type requester struct {
	name   string
	http   *http.Client
	queue  *queue.BoundedQueue
	policy retryPolicy
}

func newRequester(name string, timeout time.Duration, q *queue.BoundedQueue, p retryPolicy) *requester {
	if p.maxAttempts <= 0 {
		p.maxAttempts = 3
	}
	if q == nil {
		q = queue.New(queue.Config{Name: name, Concurrency: 10})
	}
	return &requester{
		name:   name,
		http:   &http.Client{Timeout: timeout},
		queue:  q,
		policy: p,
	}
}

// get returns the body of a 200 response. 404 and other 4xx responses
// are fatal; 429, 5xx and transport errors are retried.
func (r *requester) get(ctx context.Context, url string, header http.Header) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= r.policy.maxAttempts; attempt++ {
		body, status, err := r.do(ctx, url, header)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
		case status == http.StatusOK:
			return body, nil
		default:
			lastErr = &StatusError{Provider: r.name, StatusCode: status, URL: url}
		}

		delay, retry := r.backoff(status, err)
		if !retry || attempt == r.policy.maxAttempts {
			break
		}
		log.Printf("[%s] request failed (attempt %d/%d): %v", r.name, attempt, r.policy.maxAttempts, lastErr)
		if err := sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func (r *requester) backoff(status int, err error) (time.Duration, bool) {
	if err != nil {
		return 0, true
	}
	switch {
	case status == http.StatusTooManyRequests:
		return r.policy.rateLimitDelay, true
	case status == http.StatusBadGateway, status == http.StatusServiceUnavailable, status == http.StatusGatewayTimeout:
		if r.policy.gatewayDelay > 0 {
			return r.policy.gatewayDelay, true
		}
		return r.policy.serverErrorDelay, true
	case status >= 500:
		return r.policy.serverErrorDelay, true
	default:
		return 0, false
	}
}

func (r *requester) do(ctx context.Context, url string, header http.Header) ([]byte, int, error) {
	var body []byte
	var status int
	err := r.queue.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		req.Header.Set("User-Agent", userAgent)
		req.Header.Set("Accept", "application/json")
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}

		resp, err := r.http.Do(req)
		if err != nil {
			metrics.ProviderRequests.WithLabelValues(r.name, "error").Inc()
			return err
		}
		defer resp.Body.Close()
		status = resp.StatusCode
		metrics.ProviderRequests.WithLabelValues(r.name, strconv.Itoa(status/100)+"xx").Inc()

		body, err = io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		return err
	})
	return body, status, err
}

func (r *requester) getJSON(ctx context.Context, url string, header http.Header, out interface{}) error {
	body, err := r.get(ctx, url, header)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", r.name, err)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
