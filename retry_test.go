package eventhub_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/terraskye/eventhub"
	"github.com/terraskye/eventhub/fixtures"
)

func TestRetryPolicy_Delay(t *testing.T) {
	tests := []struct {
		strategy eventhub.BackoffStrategy
		want     []time.Duration
	}{
		{eventhub.Exponential, []time.Duration{10, 20, 40, 80}},
		{eventhub.Linear, []time.Duration{10, 20, 30, 40}},
		{eventhub.Fixed, []time.Duration{10, 10, 10, 10}},
		{"", []time.Duration{10, 20, 40, 80}},
	}
	for _, tt := range tests {
		t.Run(string(tt.strategy), func(t *testing.T) {
			p := eventhub.RetryPolicy{Strategy: tt.strategy, InitialDelay: 10 * time.Millisecond}
			for i, want := range tt.want {
				if got := p.Delay(i + 1); got != want*time.Millisecond {
					t.Errorf("retry %d: got %s, want %s", i+1, got, want*time.Millisecond)
				}
			}
		})
	}
}

func TestRetryPolicy_DelaySaturates(t *testing.T) {
	for _, strategy := range []eventhub.BackoffStrategy{eventhub.Exponential, eventhub.Linear} {
		t.Run(string(strategy), func(t *testing.T) {
			p := eventhub.RetryPolicy{Strategy: strategy, InitialDelay: 100 * time.Millisecond}
			prev := time.Duration(0)
			for _, n := range []int{1, 10, 40, 63, 64, 100, 1 << 20} {
				got := p.Delay(n)
				if got < prev || got > eventhub.MaxRetryDelay {
					t.Fatalf("retry %d: got %s after %s", n, got, prev)
				}
				prev = got
			}
			if prev != eventhub.MaxRetryDelay {
				t.Errorf("expected the delay to settle at %s, got %s", eventhub.MaxRetryDelay, prev)
			}
		})
	}

	long := eventhub.RetryPolicy{InitialDelay: 2 * time.Hour}
	if got := long.Delay(5); got != 2*time.Hour {
		t.Errorf("an initial delay above the cap must be kept, got %s", got)
	}
}

func TestRetryPolicy_Validate(t *testing.T) {
	tests := []struct {
		name    string
		policy  eventhub.RetryPolicy
		wantErr bool
	}{
		{"valid", eventhub.RetryPolicy{MaxRetries: 3, Strategy: eventhub.Linear, InitialDelay: time.Second}, false},
		{"zero value", eventhub.RetryPolicy{}, false},
		{"negative retries", eventhub.RetryPolicy{MaxRetries: -1}, true},
		{"negative delay", eventhub.RetryPolicy{InitialDelay: -time.Second}, true},
		{"unknown strategy", eventhub.RetryPolicy{Strategy: "random"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.policy.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRetry_ExhaustsPolicy(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	attempts, err := eventhub.Retry(t.Context(), &eventhub.RetryPolicy{MaxRetries: 2, Strategy: eventhub.Fixed, InitialDelay: time.Millisecond},
		func(ctx context.Context) error {
			calls++
			return boom
		})

	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if attempts != 3 || calls != 3 {
		t.Errorf("expected 1 attempt plus 2 retries, got %d attempts", attempts)
	}
}

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	attempts, err := eventhub.Retry(t.Context(), &eventhub.RetryPolicy{MaxRetries: 5, Strategy: eventhub.Fixed, InitialDelay: time.Millisecond},
		func(ctx context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("not yet")
			}
			return nil
		})
	if err != nil || attempts != 3 {
		t.Errorf("expected success on attempt 3, got %d (%v)", attempts, err)
	}
}

func TestRetry_PermanentStops(t *testing.T) {
	boom := errors.New("boom")
	attempts, err := eventhub.Retry(t.Context(), &eventhub.RetryPolicy{MaxRetries: 5, InitialDelay: time.Millisecond},
		func(ctx context.Context) error { return eventhub.Permanent(boom) })

	if attempts != 1 {
		t.Errorf("expected a single attempt, got %d", attempts)
	}
	if err != boom {
		t.Errorf("expected the unwrapped error, got %v", err)
	}

	attempts, err = eventhub.Retry(t.Context(), nil, func(ctx context.Context) error { return eventhub.Permanent(boom) })
	if attempts != 1 || err != boom {
		t.Errorf("nil policy: expected one attempt returning boom, got %d (%v)", attempts, err)
	}
}

func TestRetry_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	attempts, err := eventhub.Retry(ctx, &eventhub.RetryPolicy{MaxRetries: 5, InitialDelay: time.Hour},
		func(ctx context.Context) error { return errors.New("boom") })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected no retries after cancellation, got %d attempts", attempts)
	}
}

func TestWithRetry_ReportsAttempts(t *testing.T) {
	h := fixtures.NewRecordingHandler(fixtures.OrderPlacedType, "projector").FailTimes(10)
	policy := &eventhub.RetryPolicy{MaxRetries: 2, Strategy: eventhub.Fixed, InitialDelay: time.Millisecond}
	ev := fixtures.PlaceOrder("o1", 1)

	err := eventhub.WithRetry(h, policy).Handle(t.Context(), ev)

	var handlerErr *eventhub.HandlerError
	if !errors.As(err, &handlerErr) {
		t.Fatalf("expected a HandlerError, got %v", err)
	}
	if handlerErr.HandlerName != "projector" || handlerErr.Attempts != 3 || handlerErr.EventID != ev.ID() {
		t.Errorf("unexpected handler error %+v", handlerErr)
	}
	if !errors.Is(err, fixtures.ErrHandlerFailed) {
		t.Error("expected the handler's error to be reachable")
	}
	if h.Calls() != 3 {
		t.Errorf("expected 3 calls, got %d", h.Calls())
	}
}

func TestWithRetry_RecoversWithinBudget(t *testing.T) {
	h := fixtures.NewRecordingHandler(fixtures.OrderPlacedType, "projector").FailTimes(2)
	policy := &eventhub.RetryPolicy{MaxRetries: 3, Strategy: eventhub.Fixed, InitialDelay: time.Millisecond}

	if err := eventhub.WithRetry(h, policy).Handle(t.Context(), fixtures.PlaceOrder("o1", 1)); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if h.Calls() != 3 || len(h.Events()) != 1 {
		t.Errorf("expected 3 calls and 1 success, got %d calls", h.Calls())
	}
}

func TestPolicyFor(t *testing.T) {
	own := eventhub.RetryPolicy{MaxRetries: 1}
	explicit := &eventhub.RetryPolicy{MaxRetries: 7}
	withPolicy := fixtures.NewRecordingHandler(fixtures.OrderPlacedType, "a").WithPolicy(own)
	without := fixtures.NewRecordingHandler(fixtures.OrderPlacedType, "b")

	if got := eventhub.PolicyFor(withPolicy, explicit); got != explicit {
		t.Errorf("expected the explicit policy to win, got %+v", got)
	}
	if got := eventhub.PolicyFor(withPolicy, nil); got == nil || got.MaxRetries != 1 {
		t.Errorf("expected the handler's own policy, got %+v", got)
	}
	if got := eventhub.PolicyFor(without, nil); got != nil {
		t.Errorf("expected no policy, got %+v", got)
	}
}
