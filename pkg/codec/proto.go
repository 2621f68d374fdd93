package codec

import (
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Proto encodes documents as a google.protobuf.Value.
type Proto struct{}

func (Proto) Name() string {
	return "proto"
}

func (Proto) Encode(v any) ([]byte, error) {
	nv, err := Normalize(v)
	if err != nil {
		return nil, err
	}
	pv, err := structpb.NewValue(nv)
	if err != nil {
		return nil, &CodecError{Msg: "failed to build protobuf value", Err: err}
	}
	out, err := proto.MarshalOptions{Deterministic: true}.Marshal(pv)
	if err != nil {
		return nil, &CodecError{Msg: "failed to marshal protobuf", Err: err}
	}
	return out, nil
}

func (Proto) Decode(data []byte) (any, error) {
	pv := new(structpb.Value)
	if err := proto.Unmarshal(data, pv); err != nil {
		return nil, &CodecError{Msg: "failed to unmarshal protobuf", Err: err}
	}
	if pv.GetKind() == nil {
		return nil, &CodecError{Msg: "protobuf value has no kind"}
	}
	return Normalize(pv.AsInterface())
}
