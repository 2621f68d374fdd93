package engine

import (
	"github.com/astromechza/listmap/pkg/codec"
)

// register is a last-writer-wins cell. The write with the greatest stamp wins, deletes included.
type register struct {
	stamp   ID
	deleted bool
	kind    ValueKind
	scalar  any
	node    ID
}

func (r *register) live() bool {
	return r != nil && !r.deleted
}

// child is the container a live container register points at.
func (r *register) child() (ID, bool) {
	if !r.live() || r.kind == ValueScalar {
		return ID{}, false
	}
	return r.node, true
}

func (r *register) write(op Op) bool {
	if !r.stamp.Less(op.ID) {
		return false
	}
	r.stamp = op.ID
	r.deleted = false
	r.kind = op.Value
	r.scalar = op.Scalar
	r.node = ID{}
	if op.Value != ValueScalar {
		r.node = op.node()
	}
	return true
}

// element is one RGA list slot. Its identity is the ID of the op that inserted it.
type element struct {
	id      ID
	value   register
	deleted bool
}

type container struct {
	id   ID
	kind ValueKind

	entries map[string]*register

	elems []*element
	byID  map[ID]*element

	// Where this container hangs from. The container is reachable only while the parent register still points at it.
	parent     ID
	parentKey  string
	parentElem ID
}

func newContainer(id ID, kind ValueKind) *container {
	c := &container{id: id, kind: kind}
	if kind == ValueMap {
		c.entries = map[string]*register{}
	} else {
		c.byID = map[ID]*element{}
	}
	return c
}

func (c *container) position(id ID) int {
	for i, el := range c.elems {
		if el.id == id {
			return i
		}
	}
	return -1
}

// visibleAt returns the index-th element that is not tombstoned.
func (c *container) visibleAt(index int) *element {
	if index < 0 {
		return nil
	}
	n := 0
	for _, el := range c.elems {
		if el.deleted {
			continue
		}
		if n == index {
			return el
		}
		n++
	}
	return nil
}

func (c *container) visibleIndex(id ID) int {
	n := 0
	for _, el := range c.elems {
		if el.id == id {
			if el.deleted {
				return -1
			}
			return n
		}
		if !el.deleted {
			n++
		}
	}
	return -1
}

// insert places a new element after ref following RGA: skip over every following element with a greater ID, so
// concurrent inserts after the same element end up in descending ID order on every replica.
func (c *container) insert(op Op) *element {
	i := 0
	if !op.Ref.IsZero() {
		i = c.position(op.Ref) + 1
	}
	for i < len(c.elems) && op.ID.Less(c.elems[i].id) {
		i++
	}
	el := &element{id: op.ID}
	el.value.write(op)
	c.elems = append(c.elems, nil)
	copy(c.elems[i+1:], c.elems[i:])
	c.elems[i] = el
	c.byID[op.ID] = el
	return el
}

func (e *Engine) materialize(id ID) any {
	c := e.nodes[id]
	if c == nil {
		return nil
	}
	if c.kind == ValueMap {
		out := make(map[string]any, len(c.entries))
		for k, r := range c.entries {
			if r.live() {
				out[k] = e.registerValue(r)
			}
		}
		return out
	}
	out := make([]any, 0, len(c.elems))
	for _, el := range c.elems {
		if !el.deleted {
			out = append(out, e.registerValue(&el.value))
		}
	}
	return out
}

func (e *Engine) registerValue(r *register) any {
	if child, ok := r.child(); ok {
		return e.materialize(child)
	}
	return r.scalar
}

// pathOf resolves the current path of a container. It fails when the container, or one of its ancestors, has been
// overwritten or deleted.
func (e *Engine) pathOf(id ID) (codec.Path, bool) {
	var rev []any
	for {
		c := e.nodes[id]
		if c == nil {
			return nil, false
		}
		if id.IsZero() {
			break
		}
		p := e.nodes[c.parent]
		if p == nil {
			return nil, false
		}
		if p.kind == ValueMap {
			child, ok := p.entries[c.parentKey].child()
			if !ok || child != id {
				return nil, false
			}
			rev = append(rev, c.parentKey)
		} else {
			el := p.byID[c.parentElem]
			if el == nil || el.deleted {
				return nil, false
			}
			child, ok := el.value.child()
			if !ok || child != id {
				return nil, false
			}
			rev = append(rev, p.visibleIndex(el.id))
		}
		id = c.parent
	}
	path := make(codec.Path, len(rev))
	for i := range rev {
		path[i] = rev[len(rev)-1-i]
	}
	return path, true
}

// resolve walks path from the root and returns the container holding the final segment.
func (e *Engine) resolve(path codec.Path) (*container, error) {
	c := e.nodes[ID{}]
	for i, seg := range path {
		var child ID
		var ok bool
		switch c.kind {
		case ValueMap:
			k, isKey := seg.(string)
			if !isKey {
				return nil, &EngineError{Msg: "map requires a string key at " + path[:i+1].String()}
			}
			child, ok = c.entries[k].child()
		case ValueList:
			idx, isIndex := seg.(int)
			if !isIndex {
				return nil, &EngineError{Msg: "list requires an int index at " + path[:i+1].String()}
			}
			el := c.visibleAt(idx)
			if el == nil {
				return nil, &EngineError{Msg: "index out of range at " + path[:i+1].String()}
			}
			child, ok = el.value.child()
		}
		if !ok {
			return nil, &EngineError{Msg: "no container at " + path[:i+1].String()}
		}
		c = e.nodes[child]
	}
	return c, nil
}

// applyOp mutates the replica state. The op must already be validated.
func (e *Engine) applyOp(op Op) {
	c := e.nodes[op.Target]
	var created *container
	if op.Value != ValueScalar && (op.Kind == OpMapSet || op.Kind == OpListInsert || op.Kind == OpListSet) {
		id := op.node()
		if created = e.nodes[id]; created == nil {
			created = newContainer(id, op.Value)
			created.parent = op.Target
			e.nodes[id] = created
		}
	}

	switch op.Kind {
	case OpMapSet, OpMapDelete:
		r := c.entries[op.Key]
		if r == nil {
			r = &register{}
			c.entries[op.Key] = r
		}
		if op.Kind == OpMapSet {
			r.write(op)
		} else if r.stamp.Less(op.ID) {
			r.stamp = op.ID
			r.deleted = true
			r.scalar = nil
		}
		if created != nil {
			created.parentKey = op.Key
		}
	case OpListInsert:
		el := c.insert(op)
		if created != nil {
			created.parentElem = el.id
		}
	case OpListSet:
		el := c.byID[op.Ref]
		el.value.write(op)
		if created != nil {
			created.parentElem = el.id
		}
	case OpListDelete:
		c.byID[op.Ref].deleted = true
	}

	if op.ID.Clock > e.clock {
		e.clock = op.ID.Clock
	}
	if op.ID.Clock > e.maxClock[op.ID.Origin] {
		e.maxClock[op.ID.Origin] = op.ID.Clock
	}
}
