package schema

// Result carries either a value or an error for one item of a remote batch.
//
// A failure to load or translate a single remote document is reported in its
// Result instead of failing the whole batch.
type Result[T any] struct {
	// Key identifies the item the result is for, typically a document id.
	Key   string
	Value T
	Err   error
}

// Ok returns a successful Result.
func Ok[T any](key string, v T) Result[T] {
	return Result[T]{Key: key, Value: v}
}

// Failed returns an error Result.
func Failed[T any](key string, err error) Result[T] {
	return Result[T]{Key: key, Err: err}
}

// IsOk reports whether the result carries a value.
func (r Result[T]) IsOk() bool {
	return r.Err == nil
}

// Get returns the value and error.
func (r Result[T]) Get() (T, error) {
	return r.Value, r.Err
}
