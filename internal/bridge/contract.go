// Package bridge implements the typed side of the engine's raw callback
// protocol: the read-completion callback that delivers decoded values to a
// waiting caller, and the read-modify-write callback that merges values in
// application code and hands the encoded result to the engine.
//
// Two buffer regimes cross the boundary. Borrowed buffers are engine-owned
// and valid only while a callback runs. Owned buffers are allocated by the
// bridge and, once converted with IntoRaw, belong to the engine.
package bridge

// Mergeable is implemented by value types that carry their own
// read-modify-write logic.
type Mergeable[T any] interface {
	// Merge returns the value that replaces the receiver after applying
	// modification. It must be total over every decodable value.
	Merge(modification T) T
}

// MergeFunc combines the stored value with a modification.
type MergeFunc[T any] func(current, modification T) T

// MergeOf adapts a Mergeable type's method to a MergeFunc.
func MergeOf[T Mergeable[T]]() MergeFunc[T] {
	return func(current, modification T) T {
		return current.Merge(modification)
	}
}

// MergeFor returns the Merge method of T as a MergeFunc when T implements
// Mergeable[T], or nil otherwise.
func MergeFor[T any]() MergeFunc[T] {
	var zero T
	if _, ok := any(zero).(Mergeable[T]); !ok {
		if _, ok := any(&zero).(Mergeable[T]); !ok {
			return nil
		}
	}
	return func(current, modification T) T {
		if m, ok := any(current).(Mergeable[T]); ok {
			return m.Merge(modification)
		}
		return any(&current).(Mergeable[T]).Merge(modification)
	}
}
