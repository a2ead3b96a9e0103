// Package optional allows to safely express optional values.
package optional

import (
	"errors"

	"github.com/sugawarayuuta/sonnet"
)

// Value is an optional value. A JSON document sets the value only when
// it contains the corresponding field.
type Value[T any] struct {
	ok  bool
	val T
}

// None creates an empty optional value.
func None[T any]() Value[T] {
	return Value[T]{
		ok:  false,
		val: *new(T),
	}
}

// Some creates a non-empty optional value.
func Some[T any](val T) Value[T] {
	return Value[T]{
		ok:  true,
		val: val,
	}
}

// Empty returns whether the [Value] is empty.
func (v Value[T]) Empty() bool {
	return !v.ok
}

// ErrEmpty is the error passed to panic by [Value.Unwrap] when the value is empty.
var ErrEmpty = errors.New("optional: empty value")

// Unwrap panics if [Value] is empty, otherwise returns the underlying value.
func (v Value[T]) Unwrap() T {
	if !v.ok {
		panic(ErrEmpty)
	}
	return v.val
}

// UnwrapOr returns the underlying value or fallback if the [Value] is empty.
func (v Value[T]) UnwrapOr(fallback T) T {
	if !v.ok {
		return fallback
	}
	return v.val
}

// UnmarshalJSON implements json.Unmarshaler
func (v *Value[T]) UnmarshalJSON(data []byte) error {
	var val T
	if err := sonnet.Unmarshal(data, &val); err != nil {
		return err
	}
	v.ok, v.val = true, val
	return nil
}
