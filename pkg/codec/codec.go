package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
)

// Codec turns canonical documents into bytes and back. Decode(Encode(d)) must equal d for every normalised d.
type Codec interface {
	Name() string
	Encode(v any) ([]byte, error)
	Decode(data []byte) (any, error)
}

// ByName returns one of the built in codecs.
func ByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSON{}, nil
	case "proto":
		return Proto{}, nil
	case "automerge":
		return Automerge{}, nil
	}
	return nil, &CodecError{Msg: "unknown codec " + name}
}

// JSON is the default codec. Map keys are written in sorted order so equal documents encode to equal bytes.
type JSON struct{}

func (JSON) Name() string {
	return "json"
}

func (JSON) Encode(v any) ([]byte, error) {
	nv, err := Normalize(v)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(nv)
	if err != nil {
		return nil, &CodecError{Msg: "failed to marshal json", Err: err}
	}
	return out, nil
}

func (JSON) Decode(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, &CodecError{Msg: "failed to unmarshal json", Err: err}
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, &CodecError{Msg: "trailing data after json value"}
	}
	return out, nil
}
