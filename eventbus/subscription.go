package eventbus

import (
	"cmp"
	"slices"

	"github.com/terraskye/eventhub"
)

// SubscriptionInfo describes one binding of a handler to an event type.
type SubscriptionInfo struct {
	EventType   string                `json:"eventType"`
	HandlerName string                `json:"handlerName"`
	Priority    int                   `json:"priority"`
	Synchronous bool                  `json:"synchronous"`
	RetryPolicy *eventhub.RetryPolicy `json:"retryPolicy,omitempty"`
	MaxAttempts int                   `json:"maxAttempts"`
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*SubscriptionInfo)

// Synchronous runs the handler inside Publish, after the append and before the
// delivery jobs are enqueued.
func Synchronous() SubscribeOption {
	return func(s *SubscriptionInfo) { s.Synchronous = true }
}

// WithPriority orders handlers of one event type, highest first.
func WithPriority(p int) SubscribeOption {
	return func(s *SubscriptionInfo) { s.Priority = p }
}

// WithSubscriptionRetry overrides the handler's own retry policy.
func WithSubscriptionRetry(policy eventhub.RetryPolicy) SubscribeOption {
	return func(s *SubscriptionInfo) { s.RetryPolicy = &policy }
}

// WithMaxAttempts bounds how many times the delivery job of an asynchronous
// subscription is claimed before it is left failed.
func WithMaxAttempts(n int) SubscribeOption {
	return func(s *SubscriptionInfo) { s.MaxAttempts = n }
}

type binding struct {
	info    SubscriptionInfo
	handler eventhub.Handler
	seq     uint64
}

// table is never mutated once published through the bus's atomic pointer.
type table map[string][]*binding

func (t table) with(b *binding) table {
	out := make(table, len(t)+1)
	for k, v := range t {
		out[k] = v
	}
	list := append(slices.Clone(t[b.info.EventType]), b)
	slices.SortStableFunc(list, func(x, y *binding) int {
		if x.info.Priority != y.info.Priority {
			return cmp.Compare(y.info.Priority, x.info.Priority)
		}
		return cmp.Compare(x.seq, y.seq)
	})
	out[b.info.EventType] = list
	return out
}

func (t table) without(eventType, handlerName string) (table, bool) {
	list := t[eventType]
	i := slices.IndexFunc(list, func(b *binding) bool { return b.info.HandlerName == handlerName })
	if i < 0 {
		return t, false
	}
	out := make(table, len(t))
	for k, v := range t {
		out[k] = v
	}
	rest := slices.Delete(slices.Clone(list), i, i+1)
	if len(rest) == 0 {
		delete(out, eventType)
	} else {
		out[eventType] = rest
	}
	return out, true
}

func (t table) find(eventType, handlerName string) *binding {
	for _, b := range t[eventType] {
		if b.info.HandlerName == handlerName {
			return b
		}
	}
	return nil
}

func sortInfos(infos []SubscriptionInfo) {
	slices.SortStableFunc(infos, func(x, y SubscriptionInfo) int {
		return cmp.Or(
			cmp.Compare(x.EventType, y.EventType),
			cmp.Compare(y.Priority, x.Priority),
		)
	})
}
