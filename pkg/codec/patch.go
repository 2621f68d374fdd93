package codec

import (
	"fmt"
)

type PatchOp string

const (
	// OpSet assigns a map key or replaces an existing list element.
	OpSet PatchOp = "set"
	// OpInsert inserts before the list index named by the last path segment. An index equal to the list length appends.
	OpInsert PatchOp = "insert"
	// OpDelete removes a map key or a list element.
	OpDelete PatchOp = "delete"
	// OpMove moves the list element at the last path segment so that it ends up at index To.
	OpMove PatchOp = "move"
)

// Patch is a snapshot level edit. A sequence of patches is applied in order, each against the result of the previous.
type Patch struct {
	Op    PatchOp `json:"op"`
	Path  Path    `json:"path"`
	Value any     `json:"value,omitempty"`
	To    int     `json:"to,omitempty"`
}

func (p Patch) String() string {
	switch p.Op {
	case OpDelete:
		return fmt.Sprintf("%s %s", p.Op, p.Path)
	case OpMove:
		return fmt.Sprintf("%s %s -> %d", p.Op, p.Path, p.To)
	default:
		return fmt.Sprintf("%s %s = %v", p.Op, p.Path, p.Value)
	}
}

// Apply returns the document that results from applying p to doc. The input document is never modified; containers
// along the patch path are copied.
func Apply(doc any, p Patch) (any, error) {
	if len(p.Path) == 0 {
		if p.Op != OpSet {
			return nil, codecErrorf(p.Path, "%s requires a non-empty path", p.Op)
		}
		return Normalize(p.Value)
	}
	var value any
	if p.Op == OpSet || p.Op == OpInsert {
		v, err := Normalize(p.Value)
		if err != nil {
			return nil, err
		}
		value = v
	}
	return applyAt(doc, p, value, 0)
}

// ApplyAll applies patches in order.
func ApplyAll(doc any, patches []Patch) (any, error) {
	var err error
	for _, p := range patches {
		if doc, err = Apply(doc, p); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

func applyAt(cur any, p Patch, value any, depth int) (any, error) {
	seg := p.Path[depth]
	last := depth == len(p.Path)-1
	switch c := cur.(type) {
	case map[string]any:
		k, ok := seg.(string)
		if !ok {
			return nil, codecErrorf(p.Path[:depth+1], "map requires a string key, got %T", seg)
		}
		out := make(map[string]any, len(c)+1)
		for kk, vv := range c {
			out[kk] = vv
		}
		if !last {
			child, ok := c[k]
			if !ok {
				return nil, codecErrorf(p.Path[:depth+1], "no such key")
			}
			nv, err := applyAt(child, p, value, depth+1)
			if err != nil {
				return nil, err
			}
			out[k] = nv
			return out, nil
		}
		switch p.Op {
		case OpSet:
			out[k] = value
		case OpDelete:
			if _, ok := c[k]; !ok {
				return nil, codecErrorf(p.Path, "no such key")
			}
			delete(out, k)
		default:
			return nil, codecErrorf(p.Path, "%s is not valid on a map", p.Op)
		}
		return out, nil
	case []any:
		i, ok := seg.(int)
		if !ok {
			return nil, codecErrorf(p.Path[:depth+1], "list requires an int index, got %T", seg)
		}
		if !last {
			if i < 0 || i >= len(c) {
				return nil, codecErrorf(p.Path[:depth+1], "index out of range")
			}
			nv, err := applyAt(c[i], p, value, depth+1)
			if err != nil {
				return nil, err
			}
			out := append([]any(nil), c...)
			out[i] = nv
			return out, nil
		}
		switch p.Op {
		case OpSet:
			if i < 0 || i >= len(c) {
				return nil, codecErrorf(p.Path, "index out of range")
			}
			out := append([]any(nil), c...)
			out[i] = value
			return out, nil
		case OpInsert:
			if i < 0 || i > len(c) {
				return nil, codecErrorf(p.Path, "index out of range")
			}
			out := make([]any, 0, len(c)+1)
			out = append(out, c[:i]...)
			out = append(out, value)
			return append(out, c[i:]...), nil
		case OpDelete:
			if i < 0 || i >= len(c) {
				return nil, codecErrorf(p.Path, "index out of range")
			}
			out := make([]any, 0, len(c)-1)
			out = append(out, c[:i]...)
			return append(out, c[i+1:]...), nil
		case OpMove:
			if i < 0 || i >= len(c) || p.To < 0 || p.To >= len(c) {
				return nil, codecErrorf(p.Path, "index out of range")
			}
			moved := c[i]
			out := make([]any, 0, len(c))
			out = append(out, c[:i]...)
			out = append(out, c[i+1:]...)
			out = append(out[:p.To], append([]any{moved}, out[p.To:]...)...)
			return out, nil
		}
		return nil, codecErrorf(p.Path, "unknown patch op %q", p.Op)
	default:
		return nil, codecErrorf(p.Path[:depth], "cannot descend into %T", cur)
	}
}
