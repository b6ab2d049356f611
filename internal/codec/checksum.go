package codec

import (
	"encoding/binary"
	"errors"

	"github.com/cespare/xxhash/v2"
)

const checksumSize = 8

// ErrChecksumMismatch is wrapped by the DecodeError for a payload whose
// trailer does not match its contents.
var ErrChecksumMismatch = errors.New("checksum mismatch")

type checksummedCodec[T any] struct {
	inner Codec[T]
}

// Checksummed wraps inner with an xxhash64 trailer so corrupted payloads are
// reported as DecodeErrors instead of decoding into garbage.
func Checksummed[T any](inner Codec[T]) Codec[T] {
	return checksummedCodec[T]{inner: inner}
}

func (c checksummedCodec[T]) Name() string { return c.inner.Name() + "+xxh64" }

func (c checksummedCodec[T]) Encode(v T) ([]byte, error) {
	data, err := c.inner.Encode(v)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data), len(data)+checksumSize)
	copy(out, data)
	return binary.LittleEndian.AppendUint64(out, xxhash.Sum64(data)), nil
}

func (c checksummedCodec[T]) Decode(data []byte) (T, error) {
	var zero T
	if len(data) < checksumSize {
		return zero, decodeErr[T](c.Name(), len(data), ErrChecksumMismatch)
	}
	payload, trailer := data[:len(data)-checksumSize], data[len(data)-checksumSize:]
	if binary.LittleEndian.Uint64(trailer) != xxhash.Sum64(payload) {
		return zero, decodeErr[T](c.Name(), len(data), ErrChecksumMismatch)
	}
	return c.inner.Decode(payload)
}
