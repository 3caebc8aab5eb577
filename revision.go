package eventhub

import "fmt"

// StreamState is the expectation an append places on the aggregate's current version.
type StreamState interface {
	// Check reports whether an aggregate at version current satisfies the expectation.
	Check(current int64) bool
	fmt.Stringer
}

// Any means append without checking the current version.
type Any struct{}

func (Any) Check(int64) bool { return true }
func (Any) String() string   { return "any" }

// NoStream means the aggregate must not have any events yet.
type NoStream struct{}

func (NoStream) Check(current int64) bool { return current == 0 }
func (NoStream) String() string           { return "no stream" }

// StreamExists means the aggregate must have at least one event.
type StreamExists struct{}

func (StreamExists) Check(current int64) bool { return current > 0 }
func (StreamExists) String() string           { return "stream exists" }

// Revision matches exactly one aggregate version.
type Revision int64

func (r Revision) Check(current int64) bool { return current == int64(r) }
func (r Revision) String() string           { return fmt.Sprintf("%d", int64(r)) }

// AppendOptions controls a single AppendEvents call.
type AppendOptions struct {
	ExpectedVersion StreamState
}

// AppendOption configures AppendOptions.
type AppendOption func(*AppendOptions)

// WithExpectedVersion enables the optimistic concurrency check for one append.
func WithExpectedVersion(state StreamState) AppendOption {
	return func(o *AppendOptions) { o.ExpectedVersion = state }
}

// NewAppendOptions applies opts over the default (no version check).
func NewAppendOptions(opts ...AppendOption) AppendOptions {
	o := AppendOptions{ExpectedVersion: Any{}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.ExpectedVersion == nil {
		o.ExpectedVersion = Any{}
	}
	return o
}
