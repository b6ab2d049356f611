package codec

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

const (
	frameRaw  byte = 0
	frameZstd byte = 1

	// DefaultCompressionThreshold matches the storage layer's cutoff.
	DefaultCompressionThreshold = 256

	// DefaultMaxDecodedSize bounds decompression to the engine's default
	// storage memory limit (1024MB). No legitimate record decodes larger.
	DefaultMaxDecodedSize uint64 = 1024 << 20
)

// ErrUnknownFrame is wrapped by the DecodeError for a payload whose frame tag
// is neither raw nor zstd.
var ErrUnknownFrame = errors.New("unknown compression frame")

var (
	zstdEncoders = sync.Pool{
		New: func() interface{} {
			enc, _ := zstd.NewWriter(nil,
				zstd.WithEncoderLevel(zstd.SpeedFastest),
				zstd.WithEncoderConcurrency(1),
			)
			return enc
		},
	}

	// one decoder pool per decompression limit
	zstdDecoders sync.Map
)

func decoderPool(maxDecoded uint64) *sync.Pool {
	if p, ok := zstdDecoders.Load(maxDecoded); ok {
		return p.(*sync.Pool)
	}
	p, _ := zstdDecoders.LoadOrStore(maxDecoded, &sync.Pool{
		New: func() interface{} {
			dec, _ := zstd.NewReader(nil,
				zstd.WithDecoderConcurrency(1),
				zstd.WithDecoderMaxMemory(maxDecoded),
			)
			return dec
		},
	})
	return p.(*sync.Pool)
}

type compressedCodec[T any] struct {
	inner     Codec[T]
	threshold int
	decoders  *sync.Pool
}

// Compressed wraps inner so that payloads of at least threshold bytes are
// zstd-compressed. Each payload carries a one byte frame tag. A threshold of 0
// uses DefaultCompressionThreshold. Decompression is capped at
// DefaultMaxDecodedSize.
func Compressed[T any](inner Codec[T], threshold int) Codec[T] {
	return CompressedWithLimit(inner, threshold, DefaultMaxDecodedSize)
}

// CompressedWithLimit is Compressed with an explicit cap on the decompressed
// size; a frame that would exceed it fails to decode before the memory is
// allocated. Size it to the storage memory limit. 0 uses
// DefaultMaxDecodedSize.
func CompressedWithLimit[T any](inner Codec[T], threshold int, maxDecoded uint64) Codec[T] {
	if threshold <= 0 {
		threshold = DefaultCompressionThreshold
	}
	if maxDecoded == 0 {
		maxDecoded = DefaultMaxDecodedSize
	}
	return &compressedCodec[T]{
		inner:     inner,
		threshold: threshold,
		decoders:  decoderPool(maxDecoded),
	}
}

func (c *compressedCodec[T]) Name() string { return "zstd+" + c.inner.Name() }

func (c *compressedCodec[T]) Encode(v T) ([]byte, error) {
	data, err := c.inner.Encode(v)
	if err != nil {
		return nil, err
	}

	if len(data) >= c.threshold {
		enc := zstdEncoders.Get().(*zstd.Encoder)
		out := enc.EncodeAll(data, append(make([]byte, 0, len(data)/2+1), frameZstd))
		zstdEncoders.Put(enc)
		// Only keep the compressed form if it is actually smaller
		if len(out) <= len(data) {
			return out, nil
		}
	}

	out := make([]byte, 0, len(data)+1)
	out = append(out, frameRaw)
	return append(out, data...), nil
}

func (c *compressedCodec[T]) Decode(data []byte) (T, error) {
	var zero T
	if len(data) == 0 {
		return zero, decodeErr[T](c.Name(), 0, ErrUnknownFrame)
	}

	switch data[0] {
	case frameRaw:
		return c.inner.Decode(data[1:])
	case frameZstd:
		dec := c.decoders.Get().(*zstd.Decoder)
		plain, err := dec.DecodeAll(data[1:], nil)
		c.decoders.Put(dec)
		if err != nil {
			return zero, decodeErr[T](c.Name(), len(data), err)
		}
		return c.inner.Decode(plain)
	default:
		return zero, decodeErr[T](c.Name(), len(data), fmt.Errorf("%w: tag %d", ErrUnknownFrame, data[0]))
	}
}
