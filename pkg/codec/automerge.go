package codec

import (
	"github.com/automerge/automerge-go"
)

// automergeRootKey is the key in the automerge root map under which the value is stored. Automerge documents are
// always rooted in a map, so non-map values need a home.
const automergeRootKey = "value"

// Automerge stores a document as a saved automerge-go document. This makes snapshots readable by any automerge
// implementation.
type Automerge struct{}

func (Automerge) Name() string {
	return "automerge"
}

func (Automerge) Encode(v any) ([]byte, error) {
	nv, err := Normalize(v)
	if err != nil {
		return nil, err
	}
	doc := automerge.New()
	if err := doc.Path(automergeRootKey).Set(nv); err != nil {
		return nil, &CodecError{Msg: "failed to set automerge value", Err: err}
	}
	if _, err := doc.Commit("snapshot", automerge.CommitOptions{AllowEmpty: true}); err != nil {
		return nil, &CodecError{Msg: "failed to commit automerge doc", Err: err}
	}
	return doc.Save(), nil
}

func (Automerge) Decode(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, &CodecError{Msg: "empty automerge document"}
	}
	doc, err := automerge.Load(data)
	if err != nil {
		return nil, &CodecError{Msg: "failed to load automerge doc", Err: err}
	}
	value, err := doc.Path(automergeRootKey).Get()
	if err != nil {
		return nil, &CodecError{Msg: "failed to read automerge value", Err: err}
	}
	if value.Kind() == automerge.KindVoid {
		return nil, &CodecError{Msg: "automerge doc has no " + automergeRootKey + " key"}
	}
	return Normalize(value.Interface())
}
