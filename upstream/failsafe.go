package upstream

import (
	"context"
	"errors"

	"github.com/evmgate/evmgate/common"
	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/failsafe-go/failsafe-go/timeout"
	"github.com/rs/zerolog"
)

// createRetryPolicy builds the retry policy for one chain's forwarder.
// Backoff doubles from the configured base delay; jitter spreads each delay
// uniformly across [0.5, 1.5) of its nominal value.
func createRetryPolicy(cfg *common.ErrorHandlingConfig) retrypolicy.RetryPolicy[*common.JsonRpcResponse] {
	delay := cfg.RetryDelay.Duration()
	maxDelay := delay << uint(cfg.MaxRetries-1)

	builder := retrypolicy.Builder[*common.JsonRpcResponse]().
		WithMaxRetries(cfg.MaxRetries).
		WithBackoff(delay, maxDelay)

	if cfg.JitterEnabled() {
		builder = builder.WithJitterFactor(0.5)
	}

	builder.HandleIf(func(_ *common.JsonRpcResponse, err error) bool {
		return err != nil && common.IsRetryable(err)
	})

	return builder.Build()
}

// Forwarder wraps selection and the single-call client in the configured
// retry policy. Each attempt re-selects an upstream against a fresh healthy
// snapshot; within one request successive attempts avoid the previous
// upstream whenever more than one is healthy.
type Forwarder struct {
	logger   *zerolog.Logger
	pool     *Pool
	selector Selector
	retry    retrypolicy.RetryPolicy[*common.JsonRpcResponse]
}

func NewForwarder(logger *zerolog.Logger, pool *Pool, selector Selector, cfg *common.ErrorHandlingConfig) *Forwarder {
	lg := logger.With().Str("component", "forwarder").Uint64("chainId", pool.ChainId()).Logger()
	f := &Forwarder{
		logger:   &lg,
		pool:     pool,
		selector: selector,
	}
	if cfg.Type == common.ErrorHandlingRetry {
		f.retry = createRetryPolicy(cfg)
	}
	return f
}

// Forward pushes one request through select+call, retrying transient and
// rate-limited outcomes. Cancellation of ctx stops further attempts.
func (f *Forwarder) Forward(ctx context.Context, req *common.JsonRpcRequest) (*common.JsonRpcResponse, error) {
	var prev *Upstream
	attempts := 0

	attempt := func(ctx context.Context) (*common.JsonRpcResponse, error) {
		up, err := f.selector.Select(f.pool.Snapshot(), prev)
		if err != nil {
			return nil, err
		}
		prev = up
		attempts++
		resp, err := up.Forward(ctx, req)
		if err != nil {
			f.logger.Debug().Err(err).Str("upstream", up.Label()).Int("attempt", attempts).Msg("attempt failed")
		}
		return resp, err
	}

	if f.retry == nil {
		resp, err := attempt(ctx)
		if err != nil {
			return nil, translateAttemptError(err, attempts)
		}
		return resp, nil
	}

	resp, err := failsafe.NewExecutor[*common.JsonRpcResponse](f.retry).
		WithContext(ctx).
		GetWithExecution(func(exec failsafe.Execution[*common.JsonRpcResponse]) (*common.JsonRpcResponse, error) {
			return attempt(ctx)
		})
	if err != nil {
		return nil, translateAttemptError(err, attempts)
	}
	return resp, nil
}

// translateAttemptError maps failsafe and classification errors onto the
// taxonomy the HTTP layer surfaces.
func translateAttemptError(err error, attempts int) error {
	var exceeded *retrypolicy.ExceededError
	if errors.As(err, &exceeded) {
		last := exceeded.LastError
		if last == nil {
			last = err
		}
		return finalOutcome(last, attempts)
	}
	if errors.Is(err, timeout.ErrExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return common.NewErrRequestTimeout(err)
	}
	return finalOutcome(err, attempts)
}

func finalOutcome(err error, attempts int) error {
	var noHealthy *common.ErrNoHealthyUpstream
	if errors.As(err, &noHealthy) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if common.IsRetryable(err) {
		return common.NewErrAllAttemptsFailed(err, attempts)
	}
	// Permanent outcomes (including forwardable upstream envelopes) pass
	// through untouched.
	return err
}
