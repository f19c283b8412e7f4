package chain

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/johnkcr/collection-service/internal/metrics"

	"github.com/ethereum/go-ethereum/rpc"
)

// JSON-RPC error codes the classifier distinguishes.
const (
	codeRateLimit      = 429
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
	codeServerError    = -32000
)

type Action string

const (
	ActionFatal      Action = "fatal"
	ActionRetryNow   Action = "retry_now"
	ActionRetryDelay Action = "retry_delay"
)

type Decision struct {
	Action Action
	Reason string
}

func (d Decision) Retryable() bool { return d.Action != ActionFatal }

// Classify decides how a failed RPC request should be retried.
func Classify(err error) Decision {
	if err == nil {
		return Decision{Action: ActionFatal, Reason: "nil_error"}
	}
	if errors.Is(err, context.Canceled) {
		return Decision{Action: ActionFatal, Reason: "context_canceled"}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Decision{Action: ActionRetryDelay, Reason: "timeout"}
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == http.StatusTooManyRequests:
			return Decision{Action: ActionRetryDelay, Reason: "http_rate_limit"}
		case httpErr.StatusCode >= 500:
			return Decision{Action: ActionRetryDelay, Reason: "http_server_error"}
		default:
			return Decision{Action: ActionFatal, Reason: fmt.Sprintf("http_%d", httpErr.StatusCode)}
		}
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return classifyCode(rpcErr.ErrorCode())
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Decision{Action: ActionRetryDelay, Reason: "net_timeout"}
	}

	// Errors without a code (dropped connections, empty responses) are
	// retried straight away.
	return Decision{Action: ActionRetryNow, Reason: "no_code"}
}

func classifyCode(code int) Decision {
	switch code {
	case codeRateLimit:
		return Decision{Action: ActionRetryDelay, Reason: "rate_limit"}
	case codeServerError:
		return Decision{Action: ActionRetryDelay, Reason: "server_error"}
	case codeParseError:
		return Decision{Action: ActionRetryNow, Reason: "parse_error"}
	case codeInternalError:
		return Decision{Action: ActionRetryNow, Reason: "internal_error"}
	case codeInvalidRequest, codeMethodNotFound, codeInvalidParams:
		return Decision{Action: ActionFatal, Reason: "invalid_request"}
	default:
		return Decision{Action: ActionFatal, Reason: fmt.Sprintf("code_%d", code)}
	}
}

// RetryPolicy bounds attempts of a single RPC request.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
}

var DefaultRetry = RetryPolicy{MaxAttempts: 5, Delay: time.Second}

// Retry runs fn until it succeeds, Classify declares the error fatal, or
// the policy's attempts are exhausted.
func Retry[T any](ctx context.Context, p RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	var zero T
	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		var v T
		v, err = fn(ctx)
		if err == nil {
			return v, nil
		}
		d := Classify(err)
		if !d.Retryable() || attempt == p.MaxAttempts {
			break
		}
		metrics.RPCRetries.WithLabelValues(d.Reason).Inc()
		log.Printf("[chain] retrying rpc request (%s, attempt %d/%d): %v", d.Reason, attempt, p.MaxAttempts, err)
		if d.Action == ActionRetryDelay && p.Delay > 0 {
			select {
			case <-time.After(p.Delay):
			case <-ctx.Done():
				return zero, ctx.Err()
			}
		}
	}
	return zero, err
}
