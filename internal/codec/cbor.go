package codec

import (
	"github.com/fxamacker/cbor/v2"
)

var (
	// Core Deterministic Encoding: sorted map keys, shortest integer forms.
	cborEncMode, _ = cbor.CoreDetEncOptions().EncMode()

	cborDecMode, _ = cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
)

type cborCodec[T any] struct{}

// CBOR returns the default codec. Equal values always produce equal bytes and
// decoding rejects trailing data and duplicate map keys.
func CBOR[T any]() Codec[T] {
	return cborCodec[T]{}
}

func (cborCodec[T]) Name() string { return "cbor" }

func (cborCodec[T]) Encode(v T) ([]byte, error) {
	data, err := cborEncMode.Marshal(v)
	if err != nil {
		return nil, encodeErr[T]("cbor", err)
	}
	return data, nil
}

func (cborCodec[T]) Decode(data []byte) (T, error) {
	var v T
	if err := cborDecMode.Unmarshal(data, &v); err != nil {
		var zero T
		return zero, decodeErr[T]("cbor", len(data), err)
	}
	return v, nil
}
