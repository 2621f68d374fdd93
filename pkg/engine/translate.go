package engine

import (
	"sort"

	"github.com/astromechza/listmap/pkg/codec"
)

// translator turns snapshot patches into ops against the live replica, applying every op as soon as it is emitted so
// that later patches resolve indexes against the updated state.
type translator struct {
	e        *Engine
	ops      []Op
	affected []codec.Path
}

func (t *translator) nextID() ID {
	t.e.clock++
	return ID{Clock: t.e.clock, Origin: t.e.origin}
}

func (t *translator) emit(op Op) Op {
	op.ID = t.nextID()
	t.e.applyOp(op)
	t.ops = append(t.ops, op)
	t.affected = t.e.affect(t.affected, op)
	return op
}

// emitContainer writes an empty container through op. An empty container set at a map key is keyed by the write it
// replaces, so concurrent "create if absent" writes share one container instead of discarding each other's contents.
func (t *translator) emitContainer(op Op, kind ValueKind, empty bool) Op {
	op.Value = kind
	if empty && op.Kind == OpMapSet {
		var pred ID
		if r := t.e.nodes[op.Target].entries[op.Key]; r != nil {
			pred = r.stamp
		}
		op.Node = keyedNode(op.Target, op.Key, pred, kind)
	}
	return t.emit(op)
}

// emitValue writes v through op, then fills the container the op created, if any. It returns the op ID.
func (t *translator) emitValue(op Op, v any) ID {
	switch tv := v.(type) {
	case map[string]any:
		created := t.emitContainer(op, ValueMap, len(tv) == 0)
		keys := make([]string, 0, len(tv))
		for k := range tv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			t.emitValue(Op{Kind: OpMapSet, Target: created.node(), Key: k}, tv[k])
		}
		return created.ID
	case []any:
		created := t.emitContainer(op, ValueList, len(tv) == 0)
		var prev ID
		for _, item := range tv {
			prev = t.emitValue(Op{Kind: OpListInsert, Target: created.node(), Ref: prev}, item)
		}
		return created.ID
	default:
		op.Value = ValueScalar
		op.Scalar = v
		return t.emit(op).ID
	}
}

func (t *translator) patch(p codec.Patch) error {
	if len(p.Path) == 0 {
		nv, err := codec.Normalize(p.Value)
		if err != nil {
			return &EngineError{Msg: "invalid root value", Err: err}
		}
		root, ok := nv.(map[string]any)
		if !ok {
			return &EngineError{Msg: "document root must be a map"}
		}
		for _, sub := range codec.Diff(t.e.Snapshot(), root) {
			if err := t.patch(sub); err != nil {
				return err
			}
		}
		return nil
	}

	value, err := codec.Normalize(p.Value)
	if err != nil {
		return &EngineError{Msg: "invalid value", Err: err}
	}
	c, err := t.e.resolve(p.Path[:len(p.Path)-1])
	if err != nil {
		return err
	}
	last := p.Path[len(p.Path)-1]

	if c.kind == ValueMap {
		key, ok := last.(string)
		if !ok {
			return &EngineError{Msg: "map requires a string key at " + p.Path.String()}
		}
		switch p.Op {
		case codec.OpSet:
			t.emitValue(Op{Kind: OpMapSet, Target: c.id, Key: key}, value)
		case codec.OpDelete:
			if !c.entries[key].live() {
				return &EngineError{Msg: "no such key at " + p.Path.String()}
			}
			t.emit(Op{Kind: OpMapDelete, Target: c.id, Key: key})
		default:
			return &EngineError{Msg: string(p.Op) + " is not valid on a map at " + p.Path.String()}
		}
		return nil
	}

	index, ok := last.(int)
	if !ok {
		return &EngineError{Msg: "list requires an int index at " + p.Path.String()}
	}
	switch p.Op {
	case codec.OpSet:
		el := c.visibleAt(index)
		if el == nil {
			return &EngineError{Msg: "index out of range at " + p.Path.String()}
		}
		t.emitValue(Op{Kind: OpListSet, Target: c.id, Ref: el.id}, value)
	case codec.OpInsert:
		var ref ID
		if index > 0 {
			el := c.visibleAt(index - 1)
			if el == nil {
				return &EngineError{Msg: "index out of range at " + p.Path.String()}
			}
			ref = el.id
		}
		t.emitValue(Op{Kind: OpListInsert, Target: c.id, Ref: ref}, value)
	case codec.OpDelete:
		el := c.visibleAt(index)
		if el == nil {
			return &EngineError{Msg: "index out of range at " + p.Path.String()}
		}
		t.emit(Op{Kind: OpListDelete, Target: c.id, Ref: el.id})
	case codec.OpMove:
		el := c.visibleAt(index)
		if el == nil {
			return &EngineError{Msg: "index out of range at " + p.Path.String()}
		}
		moved := t.e.registerValue(&el.value)
		t.emit(Op{Kind: OpListDelete, Target: c.id, Ref: el.id})
		var ref ID
		if p.To > 0 {
			prev := c.visibleAt(p.To - 1)
			if prev == nil {
				return &EngineError{Msg: "move target out of range at " + p.Path.String()}
			}
			ref = prev.id
		}
		t.emitValue(Op{Kind: OpListInsert, Target: c.id, Ref: ref}, moved)
	default:
		return &EngineError{Msg: "unknown patch op " + string(p.Op)}
	}
	return nil
}
