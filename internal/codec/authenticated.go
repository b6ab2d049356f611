package codec

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"
)

const (
	// AuthKeySize is the key length Authenticated requires.
	AuthKeySize = 32

	macSize = 32
)

// ErrAuthentication is wrapped by the DecodeError for a payload whose MAC
// does not verify under the codec's key.
var ErrAuthentication = errors.New("message authentication failed")

type authenticatedCodec[T any] struct {
	inner Codec[T]
	key   []byte
}

// Authenticated wraps inner with a keyed BLAKE3 MAC trailer. Unlike
// Checksummed it also rejects payloads written by anyone without the key.
func Authenticated[T any](inner Codec[T], key []byte) (Codec[T], error) {
	if len(key) != AuthKeySize {
		return nil, fmt.Errorf("authenticated codec: key must be %d bytes, got %d", AuthKeySize, len(key))
	}
	return authenticatedCodec[T]{inner: inner, key: append([]byte(nil), key...)}, nil
}

func (c authenticatedCodec[T]) Name() string { return c.inner.Name() + "+blake3" }

func (c authenticatedCodec[T]) mac(payload []byte) []byte {
	h, err := blake3.NewKeyed(c.key)
	if err != nil {
		// key length is checked in Authenticated
		panic(err)
	}
	h.Write(payload)
	return h.Sum(nil)
}

func (c authenticatedCodec[T]) Encode(v T) ([]byte, error) {
	data, err := c.inner.Encode(v)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data), len(data)+macSize)
	copy(out, data)
	return append(out, c.mac(data)...), nil
}

func (c authenticatedCodec[T]) Decode(data []byte) (T, error) {
	var zero T
	if len(data) < macSize {
		return zero, decodeErr[T](c.Name(), len(data), ErrAuthentication)
	}
	payload, tag := data[:len(data)-macSize], data[len(data)-macSize:]
	if subtle.ConstantTimeCompare(tag, c.mac(payload)) != 1 {
		return zero, decodeErr[T](c.Name(), len(data), ErrAuthentication)
	}
	return c.inner.Decode(payload)
}
