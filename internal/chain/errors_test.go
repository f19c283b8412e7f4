package chain

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
)

type codeError struct {
	code int
}

func (e codeError) Error() string  { return fmt.Sprintf("rpc error %d", e.code) }
func (e codeError) ErrorCode() int { return e.code }

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want Action
	}{
		{"rate limit code", codeError{codeRateLimit}, ActionRetryDelay},
		{"server error", codeError{codeServerError}, ActionRetryDelay},
		{"parse error", codeError{codeParseError}, ActionRetryNow},
		{"internal error", codeError{codeInternalError}, ActionRetryNow},
		{"invalid request", codeError{codeInvalidRequest}, ActionFatal},
		{"method not found", codeError{codeMethodNotFound}, ActionFatal},
		{"invalid params", codeError{codeInvalidParams}, ActionFatal},
		{"revert", codeError{3}, ActionFatal},
		{"wrapped code", fmt.Errorf("failed to filter logs: %w", codeError{codeServerError}), ActionRetryDelay},
		{"http 429", rpc.HTTPError{StatusCode: 429, Status: "429 Too Many Requests"}, ActionRetryDelay},
		{"http 502", rpc.HTTPError{StatusCode: 502, Status: "502 Bad Gateway"}, ActionRetryDelay},
		{"http 401", rpc.HTTPError{StatusCode: 401, Status: "401 Unauthorized"}, ActionFatal},
		{"net timeout", timeoutError{}, ActionRetryDelay},
		{"deadline", context.DeadlineExceeded, ActionRetryDelay},
		{"canceled", context.Canceled, ActionFatal},
		{"no code", errors.New("EOF"), ActionRetryNow},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := Classify(tc.err).Action; got != tc.want {
				t.Fatalf("Classify(%v)=%s want %s", tc.err, got, tc.want)
			}
		})
	}
}

func TestRetry(t *testing.T) {
	t.Parallel()

	t.Run("transient then success", func(t *testing.T) {
		t.Parallel()
		var calls int
		v, err := Retry(context.Background(), RetryPolicy{MaxAttempts: 5, Delay: time.Millisecond}, func(ctx context.Context) (int, error) {
			calls++
			if calls < 3 {
				return 0, codeError{codeServerError}
			}
			return 42, nil
		})
		if err != nil || v != 42 || calls != 3 {
			t.Fatalf("Retry=(%d, %v) after %d calls, want (42, nil) after 3", v, err, calls)
		}
	})

	t.Run("fatal stops immediately", func(t *testing.T) {
		t.Parallel()
		var calls int
		_, err := Retry(context.Background(), RetryPolicy{MaxAttempts: 5}, func(ctx context.Context) (int, error) {
			calls++
			return 0, codeError{codeMethodNotFound}
		})
		if err == nil || calls != 1 {
			t.Fatalf("Retry err=%v calls=%d, want error after 1 call", err, calls)
		}
	})

	t.Run("attempts bounded", func(t *testing.T) {
		t.Parallel()
		var calls int
		_, err := Retry(context.Background(), RetryPolicy{MaxAttempts: 4}, func(ctx context.Context) (int, error) {
			calls++
			return 0, codeError{codeParseError}
		})
		if err == nil || calls != 4 {
			t.Fatalf("Retry err=%v calls=%d, want error after 4 calls", err, calls)
		}
	})

	t.Run("context cancelled during delay", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := Retry(ctx, RetryPolicy{MaxAttempts: 5, Delay: time.Hour}, func(ctx context.Context) (int, error) {
			return 0, codeError{codeRateLimit}
		})
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Retry err=%v want context.Canceled", err)
		}
	})
}
