// Package wire defines the frames exchanged with the relay and the plaintext encoding of edits. Everything is CBOR.
package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/astromechza/listmap/pkg/codec"
	"github.com/astromechza/listmap/pkg/engine"
)

type Kind uint8

const (
	// KindHello is sent by a client on every (re)connect. Seq and ID name the last relayed frame the client has seen.
	KindHello Kind = iota + 1
	// KindSubmit carries a sealed payload from a client. ID de-duplicates resubmissions.
	KindSubmit
	// KindFrame is a sequenced payload relayed to every subscriber of the channel.
	KindFrame
	// KindSynced ends the history replay that follows a hello. Seq is the channel head.
	KindSynced
	// KindError reports a fatal protocol error before the relay closes the connection.
	KindError
	// KindReset tells a client that the relay does not hold the frame its hello named. The whole log follows.
	KindReset
)

func (k Kind) String() string {
	switch k {
	case KindHello:
		return "hello"
	case KindSubmit:
		return "submit"
	case KindFrame:
		return "frame"
	case KindSynced:
		return "synced"
	case KindError:
		return "error"
	case KindReset:
		return "reset"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

type Envelope struct {
	Kind    Kind   `cbor:"1,keyasint"`
	Channel string `cbor:"2,keyasint,omitempty"`
	Seq     uint64 `cbor:"3,keyasint,omitempty"`
	ID      string `cbor:"4,keyasint,omitempty"`
	Payload []byte `cbor:"5,keyasint,omitempty"`
	Error   string `cbor:"6,keyasint,omitempty"`
}

// Frame is a relayed payload as stored by the relay.
type Frame struct {
	Seq     uint64 `cbor:"1,keyasint" json:"seq"`
	ID      string `cbor:"2,keyasint" json:"id"`
	Payload []byte `cbor:"3,keyasint" json:"payload"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(err)
	}
	if decMode, err = (cbor.DecOptions{MaxArrayElements: 1 << 20, MaxMapPairs: 1 << 20}).DecMode(); err != nil {
		panic(err)
	}
}

func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

func EncodeEnvelope(env *Envelope) ([]byte, error) {
	out, err := encMode.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s envelope: %w", env.Kind, err)
	}
	return out, nil
}

func DecodeEnvelope(data []byte) (*Envelope, error) {
	env := new(Envelope)
	if err := decMode.Unmarshal(data, env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if env.Kind < KindHello || env.Kind > KindReset {
		return nil, fmt.Errorf("unknown envelope kind %d", env.Kind)
	}
	return env, nil
}

type editFrame struct {
	Origin string    `cbor:"1,keyasint"`
	Seq    uint64    `cbor:"2,keyasint"`
	Codec  string    `cbor:"3,keyasint"`
	Ops    []opFrame `cbor:"4,keyasint"`
}

type idFrame struct {
	_      struct{} `cbor:",toarray"`
	Clock  uint64
	Origin string
}

type opFrame struct {
	ID     idFrame          `cbor:"1,keyasint"`
	Kind   engine.OpKind    `cbor:"2,keyasint"`
	Target idFrame          `cbor:"3,keyasint"`
	Key    string           `cbor:"4,keyasint,omitempty"`
	Ref    idFrame          `cbor:"5,keyasint"`
	Value  engine.ValueKind `cbor:"6,keyasint,omitempty"`
	Scalar []byte           `cbor:"7,keyasint,omitempty"`
	Node   *idFrame         `cbor:"8,keyasint,omitempty"`
}

func toIDFrame(id engine.ID) idFrame {
	return idFrame{Clock: id.Clock, Origin: id.Origin}
}

func (f idFrame) id() engine.ID {
	return engine.ID{Clock: f.Clock, Origin: f.Origin}
}

// EncodeEdit serialises an edit. Scalar values go through c so the document codec is pluggable.
func EncodeEdit(edit *engine.Edit, c codec.Codec) ([]byte, error) {
	ef := editFrame{Origin: edit.Origin, Seq: edit.Seq, Codec: c.Name(), Ops: make([]opFrame, len(edit.Ops))}
	for i, op := range edit.Ops {
		of := opFrame{
			ID:     toIDFrame(op.ID),
			Kind:   op.Kind,
			Target: toIDFrame(op.Target),
			Key:    op.Key,
			Ref:    toIDFrame(op.Ref),
			Value:  op.Value,
		}
		if !op.Node.IsZero() {
			node := toIDFrame(op.Node)
			of.Node = &node
		}
		if op.Value == engine.ValueScalar && op.Kind != engine.OpMapDelete && op.Kind != engine.OpListDelete {
			raw, err := c.Encode(op.Scalar)
			if err != nil {
				return nil, fmt.Errorf("failed to encode op %s: %w", op.ID, err)
			}
			of.Scalar = raw
		}
		ef.Ops[i] = of
	}
	out, err := encMode.Marshal(&ef)
	if err != nil {
		return nil, fmt.Errorf("failed to encode edit: %w", err)
	}
	return out, nil
}

// DecodeEdit is the inverse of EncodeEdit. Malformed input yields a *codec.CodecError.
func DecodeEdit(data []byte, c codec.Codec) (*engine.Edit, error) {
	var ef editFrame
	if err := decMode.Unmarshal(data, &ef); err != nil {
		return nil, &codec.CodecError{Msg: "malformed edit frame", Err: err}
	}
	if ef.Codec != c.Name() {
		return nil, &codec.CodecError{Msg: fmt.Sprintf("edit encoded with codec %q, expected %q", ef.Codec, c.Name())}
	}
	edit := &engine.Edit{Origin: ef.Origin, Seq: ef.Seq, Ops: make([]engine.Op, len(ef.Ops))}
	for i, of := range ef.Ops {
		op := engine.Op{
			ID:     of.ID.id(),
			Kind:   of.Kind,
			Target: of.Target.id(),
			Key:    of.Key,
			Ref:    of.Ref.id(),
			Value:  of.Value,
		}
		if of.Node != nil {
			op.Node = of.Node.id()
		}
		if of.Value == engine.ValueScalar && of.Kind != engine.OpMapDelete && of.Kind != engine.OpListDelete {
			v, err := c.Decode(of.Scalar)
			if err != nil {
				return nil, err
			}
			op.Scalar = v
		}
		edit.Ops[i] = op
	}
	return edit, nil
}
