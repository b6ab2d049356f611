// Package codec converts application values to and from the opaque byte
// buffers that cross the engine boundary.
//
// Every codec must be deterministic and round-trip: Decode(Encode(v)) is
// observationally equal to v. Failures are reported as *EncodeError and
// *DecodeError so callers can tell a broken wrapper from an empty query.
package codec

import (
	"errors"
	"fmt"
	"reflect"
)

// Codec encodes and decodes values of type T.
type Codec[T any] interface {
	Encode(v T) ([]byte, error)
	Decode(data []byte) (T, error)
	// Name identifies the codec in errors and logs.
	Name() string
}

// EncodeError reports a value the codec cannot represent. It is fatal to the
// operation that produced it; no default is ever substituted.
type EncodeError struct {
	Codec string
	Type  string
	Err   error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("codec %s: cannot encode %s: %v", e.Codec, e.Type, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

// DecodeError reports bytes that are not a valid encoding of the target type.
// On data returned by the engine it means a type mismatch between the write
// and read paths or storage corruption.
type DecodeError struct {
	Codec string
	Type  string
	Len   int
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("codec %s: cannot decode %d bytes as %s: %v", e.Codec, e.Len, e.Type, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsEncodeError reports whether err wraps an *EncodeError.
func IsEncodeError(err error) bool {
	var ee *EncodeError
	return errors.As(err, &ee)
}

// IsDecodeError reports whether err wraps a *DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

func typeName[T any]() string {
	return reflect.TypeFor[T]().String()
}

func encodeErr[T any](codec string, err error) error {
	return &EncodeError{Codec: codec, Type: typeName[T](), Err: err}
}

func decodeErr[T any](codec string, n int, err error) error {
	return &DecodeError{Codec: codec, Type: typeName[T](), Len: n, Err: err}
}
