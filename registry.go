package eventhub

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// DecodeFunc turns a stored payload back into its typed value.
type DecodeFunc func(data []byte) (any, error)

// Registry maps event type names to decode functions. Each event owning module
// registers its types at startup; the bus and replay engine use it to rebuild
// typed events from stored records.
type Registry struct {
	mu       sync.RWMutex
	decoders map[string]DecodeFunc
	fallback DecodeFunc
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithFallbackDecoder decodes event types nobody registered instead of failing.
func WithFallbackDecoder(fn DecodeFunc) RegistryOption {
	return func(r *Registry) { r.fallback = fn }
}

// RawJSON is a DecodeFunc keeping the payload as json.RawMessage.
func RawJSON(data []byte) (any, error) {
	out := make(json.RawMessage, len(data))
	copy(out, data)
	return out, nil
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{decoders: make(map[string]DecodeFunc)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a decoder for eventType.
//
// Errors:
//   - ErrDuplicateEventType if the type is already registered.
func (r *Registry) Register(eventType string, fn DecodeFunc) error {
	if fn == nil {
		return fmt.Errorf("register %q: nil decode func", eventType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.decoders[eventType]; exists {
		return fmt.Errorf("register %q: %w", eventType, ErrDuplicateEventType)
	}
	r.decoders[eventType] = fn
	return nil
}

// MustRegister is Register that panics, for init-time wiring.
func (r *Registry) MustRegister(eventType string, fn DecodeFunc) {
	if err := r.Register(eventType, fn); err != nil {
		panic(err)
	}
}

// RegisterJSON registers eventType with a JSON decoder producing T.
//
// Example Usage:
//
//	eventhub.RegisterJSON[OrderPlaced](registry, "OrderPlaced")
func RegisterJSON[T any](r *Registry, eventType string) error {
	return r.Register(eventType, func(data []byte) (any, error) {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		return v, nil
	})
}

// Decode rebuilds the typed DomainEvent of rec.
//
// Errors:
//   - DecodeError wrapping ErrUnknownEventType when no decoder applies.
//   - DecodeError wrapping the decoder's error.
func (r *Registry) Decode(rec Record) (DomainEvent, error) {
	r.mu.RLock()
	fn, ok := r.decoders[rec.EventType]
	fallback := r.fallback
	r.mu.RUnlock()

	if !ok {
		if fallback == nil {
			return DomainEvent{}, &DecodeError{EventID: rec.EventID, EventType: rec.EventType, Err: ErrUnknownEventType}
		}
		fn = fallback
	}

	payload, err := fn(rec.Data)
	if err != nil {
		return DomainEvent{}, &DecodeError{EventID: rec.EventID, EventType: rec.EventType, Err: err}
	}
	return rec.Event(payload), nil
}

// EventTypes lists the registered event types in sorted order.
func (r *Registry) EventTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.decoders))
	for name := range r.decoders {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
