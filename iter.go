package eventhub

import (
	"context"
	"errors"
	"io"
)

// Iterator is a lazy, pull based iterator. The producing function returns io.EOF
// when exhausted.
type Iterator[T any] struct {
	nextFunc func(ctx context.Context) (T, error)
	current  T
	err      error
	done     bool
}

// NewIteratorFunc creates an Iterator from a function producing the next item.
func NewIteratorFunc[T any](next func(ctx context.Context) (T, error)) *Iterator[T] {
	return &Iterator[T]{nextFunc: next}
}

// NewSliceIterator iterates over a slice.
func NewSliceIterator[T any](items []T) *Iterator[T] {
	i := 0
	return NewIteratorFunc(func(ctx context.Context) (T, error) {
		var zero T
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		if i >= len(items) {
			return zero, io.EOF
		}
		item := items[i]
		i++
		return item, nil
	})
}

// Next advances the iterator. It returns false when exhausted or on error.
func (it *Iterator[T]) Next(ctx context.Context) bool {
	if it.done {
		return false
	}
	v, err := it.nextFunc(ctx)
	if err != nil {
		it.done = true
		if !errors.Is(err, io.EOF) {
			it.err = err
		}
		var zero T
		it.current = zero
		return false
	}
	it.current = v
	return true
}

// Value returns the current item.
func (it *Iterator[T]) Value() T {
	return it.current
}

// Err returns the error that stopped iteration; io.EOF is not reported.
func (it *Iterator[T]) Err() error {
	return it.err
}

// All drains the iterator.
func (it *Iterator[T]) All(ctx context.Context) ([]T, error) {
	var out []T
	for it.Next(ctx) {
		out = append(out, it.Value())
	}
	return out, it.Err()
}

// Scan walks the global order of store from fromPosition, fetching pageSize
// records at a time. The cursor is the last seen position, so a scan can be
// resumed from Value().Position+1.
func Scan(store EventStore, fromPosition int64, pageSize int) *Iterator[Record] {
	if pageSize <= 0 {
		pageSize = 500
	}
	cursor := fromPosition
	var page []Record
	var exhausted bool

	return NewIteratorFunc(func(ctx context.Context) (Record, error) {
		if len(page) == 0 {
			if exhausted {
				return Record{}, io.EOF
			}
			var err error
			page, err = store.GetAllEvents(ctx, cursor, pageSize)
			if err != nil {
				return Record{}, err
			}
			if len(page) < pageSize {
				exhausted = true
			}
			if len(page) == 0 {
				return Record{}, io.EOF
			}
		}
		rec := page[0]
		page = page[1:]
		cursor = rec.Position + 1
		return rec, nil
	})
}
