package codec

import (
	"google.golang.org/protobuf/proto"
)

var protoMarshal = proto.MarshalOptions{Deterministic: true}

type protoCodec[T proto.Message] struct{}

// Proto returns a codec for protobuf message types, e.g.
// Proto[*wrapperspb.UInt64Value]().
func Proto[T proto.Message]() Codec[T] {
	return protoCodec[T]{}
}

func (protoCodec[T]) Name() string { return "proto" }

func (protoCodec[T]) Encode(v T) ([]byte, error) {
	data, err := protoMarshal.Marshal(v)
	if err != nil {
		return nil, encodeErr[T]("proto", err)
	}
	return data, nil
}

func (protoCodec[T]) Decode(data []byte) (T, error) {
	var zero T
	msg := zero.ProtoReflect().Type().New().Interface().(T)
	if err := proto.Unmarshal(data, msg); err != nil {
		return zero, decodeErr[T]("proto", len(data), err)
	}
	return msg, nil
}
