package engine

import (
	"fmt"
	"strings"

	"github.com/astromechza/listmap/pkg/codec"
)

// ID is a Lamport timestamp qualified by the replica that issued it. IDs name ops, list elements and containers.
// The zero ID names the root map and, as a list insert reference, the head of the list.
type ID struct {
	Clock  uint64
	Origin string
}

func (id ID) IsZero() bool {
	return id.Clock == 0 && id.Origin == ""
}

// Less orders IDs by clock, then by origin. Every replica agrees on this order, which makes it the tie-break for
// concurrent writes.
func (id ID) Less(other ID) bool {
	if id.Clock != other.Clock {
		return id.Clock < other.Clock
	}
	return id.Origin < other.Origin
}

// keyedPrefix marks the origin of a keyed container ID. Replica origins never start with it.
const keyedPrefix = "~"

// keyedNode names the empty container of kind created at key of target over the write pred. Replicas that create
// the same kind of empty container over the same write agree on its ID, so their later ops land in one container.
func keyedNode(target ID, key string, pred ID, kind ValueKind) ID {
	return ID{Origin: fmt.Sprintf("%s%d/%s/%s/%q", keyedPrefix, kind, target, pred, key)}
}

func (id ID) keyed() bool {
	return id.Clock == 0 && strings.HasPrefix(id.Origin, keyedPrefix)
}

func (id ID) String() string {
	if id.IsZero() {
		return "root"
	}
	return fmt.Sprintf("%d@%s", id.Clock, id.Origin)
}

type OpKind uint8

const (
	OpMapSet OpKind = iota + 1
	OpMapDelete
	OpListInsert
	OpListSet
	OpListDelete
)

func (k OpKind) String() string {
	switch k {
	case OpMapSet:
		return "map-set"
	case OpMapDelete:
		return "map-delete"
	case OpListInsert:
		return "list-insert"
	case OpListSet:
		return "list-set"
	case OpListDelete:
		return "list-delete"
	}
	return fmt.Sprintf("op(%d)", uint8(k))
}

func (k OpKind) onList() bool {
	return k == OpListInsert || k == OpListSet || k == OpListDelete
}

type ValueKind uint8

const (
	ValueScalar ValueKind = iota
	ValueMap
	ValueList
)

// Op is a single replicated mutation.
//
// Target is the container the op applies to. For map ops Key names the entry. For OpListInsert Ref is the element the
// new element follows (zero for the head); for OpListSet and OpListDelete Ref is the element itself. When Value is
// ValueMap or ValueList the op creates an empty container whose ID is the op ID; later ops in the same edit fill it.
type Op struct {
	ID     ID
	Kind   OpKind
	Target ID
	Key    string
	Ref    ID
	Value  ValueKind
	Scalar any
}

func (o Op) String() string {
	switch o.Kind {
	case OpMapSet:
		return fmt.Sprintf("%s %s[%q]=%s", o.ID, o.Target, o.Key, o.valueString())
	case OpMapDelete:
		return fmt.Sprintf("%s %s del %q", o.ID, o.Target, o.Key)
	case OpListInsert:
		return fmt.Sprintf("%s %s ins after %s=%s", o.ID, o.Target, o.Ref, o.valueString())
	case OpListSet:
		return fmt.Sprintf("%s %s[%s]=%s", o.ID, o.Target, o.Ref, o.valueString())
	case OpListDelete:
		return fmt.Sprintf("%s %s del %s", o.ID, o.Target, o.Ref)
	}
	return o.Kind.String()
}

func (o Op) valueString() string {
	switch o.Value {
	case ValueMap:
		return "{}"
	case ValueList:
		return "[]"
	}
	return fmt.Sprintf("%v", o.Scalar)
}

// Edit is the unit of replication: all ops produced by one local mutation. Seq counts edits per origin from 1.
type Edit struct {
	Origin string
	Seq    uint64
	Ops    []Op
}

func (e *Edit) String() string {
	return fmt.Sprintf("%s#%d(%d ops)", e.Origin, e.Seq, len(e.Ops))
}

// Source says whether a change came from this replica or from the network.
type Source uint8

const (
	Local Source = iota
	Remote
)

func (s Source) String() string {
	if s == Local {
		return "local"
	}
	return "remote"
}

// Change describes one affected path of an accepted edit. Old and New are detached copies.
type Change struct {
	Path   codec.Path
	Old    any
	New    any
	Source Source
}

// EngineError rejects an edit that references a missing path or container, or mismatches a container type.
type EngineError struct {
	Origin string
	Seq    uint64
	Msg    string
	Err    error
}

func (e *EngineError) Error() string {
	msg := "engine: " + e.Msg
	if e.Origin != "" {
		msg = fmt.Sprintf("engine: edit %s#%d: %s", e.Origin, e.Seq, e.Msg)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *EngineError) Unwrap() error {
	return e.Err
}
