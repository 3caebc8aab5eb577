package eventhub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// BackoffStrategy selects how the delay grows between retries.
type BackoffStrategy string

const (
	Exponential BackoffStrategy = "exponential"
	Linear      BackoffStrategy = "linear"
	Fixed       BackoffStrategy = "fixed"
)

// RetryPolicy bounds how often a failing handler is retried and how long to wait
// in between.
type RetryPolicy struct {
	MaxRetries   int             `json:"maxRetries"`
	Strategy     BackoffStrategy `json:"strategy"`
	InitialDelay time.Duration   `json:"initialDelay"`
}

// MaxRetryDelay caps the growth of linear and exponential delays. A larger
// InitialDelay is used as is.
const MaxRetryDelay = time.Hour

// Delay returns the wait before retry n (1-based).
func (p RetryPolicy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	if p.InitialDelay <= 0 {
		return 0
	}
	ceiling := max(MaxRetryDelay, p.InitialDelay)
	switch p.Strategy {
	case Linear:
		if time.Duration(n) > ceiling/p.InitialDelay {
			return ceiling
		}
		return p.InitialDelay * time.Duration(n)
	case Fixed:
		return p.InitialDelay
	default:
		if n > 63 || p.InitialDelay > ceiling>>(n-1) {
			return ceiling
		}
		return p.InitialDelay << (n - 1)
	}
}

// Validate rejects policies that cannot be executed.
func (p RetryPolicy) Validate() error {
	if p.MaxRetries < 0 {
		return fmt.Errorf("retry policy: negative max retries %d", p.MaxRetries)
	}
	if p.InitialDelay < 0 {
		return fmt.Errorf("retry policy: negative initial delay %s", p.InitialDelay)
	}
	switch p.Strategy {
	case Exponential, Linear, Fixed, "":
		return nil
	default:
		return fmt.Errorf("retry policy: unknown strategy %q", p.Strategy)
	}
}

// policyBackOff adapts a RetryPolicy to backoff.BackOff.
type policyBackOff struct {
	policy RetryPolicy
	n      int
}

func (b *policyBackOff) NextBackOff() time.Duration {
	b.n++
	return b.policy.Delay(b.n)
}

func (b *policyBackOff) Reset() { b.n = 0 }

// BackOff returns a backoff.BackOff that stops after MaxRetries retries.
func (p RetryPolicy) BackOff() backoff.BackOff {
	return backoff.WithMaxRetries(&policyBackOff{policy: p}, uint64(max(p.MaxRetries, 0)))
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Retry runs op until it succeeds, returns a Permanent error, ctx is done or the
// policy's retries are used up. It returns the number of attempts made and the
// last error. A nil policy makes exactly one attempt.
func Retry(ctx context.Context, policy *RetryPolicy, op func(ctx context.Context) error) (int, error) {
	attempts := 0
	if policy == nil {
		attempts++
		err := op(ctx)
		return attempts, unwrapPermanent(err)
	}

	err := backoff.Retry(func() error {
		attempts++
		return op(ctx)
	}, backoff.WithContext(policy.BackOff(), ctx))
	return attempts, err
}

func unwrapPermanent(err error) error {
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}

// WithRetry wraps h so each Handle call is retried according to policy. After the
// last attempt the error is returned as a HandlerError carrying the attempt count.
//
// Example Usage:
//
//	h := WithRetry(projector, &RetryPolicy{MaxRetries: 3, Strategy: Linear, InitialDelay: time.Second})
func WithRetry(h Handler, policy *RetryPolicy) Handler {
	return &retryHandler{Handler: h, policy: policy}
}

type retryHandler struct {
	Handler
	policy *RetryPolicy
}

func (r *retryHandler) Handle(ctx context.Context, ev DomainEvent) error {
	attempts, err := Retry(ctx, r.policy, func(ctx context.Context) error {
		return r.Handler.Handle(ctx, ev)
	})
	if err != nil {
		return &HandlerError{HandlerName: r.HandlerName(), EventID: ev.ID(), Attempts: attempts, Err: err}
	}
	return nil
}

func (r *retryHandler) RetryPolicy() *RetryPolicy { return r.policy }

// PolicyFor resolves the retry policy of h: an explicit subscription policy wins,
// then a policy the handler provides. Nil means a single attempt.
func PolicyFor(h Handler, explicit *RetryPolicy) *RetryPolicy {
	if explicit != nil {
		return explicit
	}
	if p, ok := h.(RetryPolicyProvider); ok {
		if policy := p.RetryPolicy(); policy != nil {
			return policy
		}
	}
	return nil
}
