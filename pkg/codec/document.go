package codec

import (
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// Path addresses a value inside a document. Each element is either a string (a map key) or an int (a list index).
type Path []any

func (p Path) String() string {
	parts := make([]string, len(p))
	for i, seg := range p {
		switch s := seg.(type) {
		case string:
			parts[i] = strconv.Quote(s)
		case int:
			parts[i] = strconv.Itoa(s)
		default:
			parts[i] = fmt.Sprintf("%v", s)
		}
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// Validate rejects segments that are neither string nor int.
func (p Path) Validate() error {
	for i, seg := range p {
		switch seg.(type) {
		case string, int:
		default:
			return codecErrorf(p[:i+1], "path segment %d is a %T", i, seg)
		}
	}
	return nil
}

// HasPrefix reports whether prefix addresses p itself or one of its ancestors. Invalid segments never match.
func (p Path) HasPrefix(prefix Path) bool {
	if len(prefix) > len(p) {
		return false
	}
	for i := range prefix {
		if !sameSegment(prefix[i], p[i]) {
			return false
		}
	}
	return true
}

func sameSegment(a, b any) bool {
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case int:
		bv, ok := b.(int)
		return ok && av == bv
	}
	return false
}

func (p Path) Equal(other Path) bool {
	return len(p) == len(other) && p.HasPrefix(other)
}

// Append returns a new path and never aliases the receiver's backing array.
func (p Path) Append(segs ...any) Path {
	out := make(Path, 0, len(p)+len(segs))
	out = append(out, p...)
	return append(out, segs...)
}

// CodecError reports a value or byte sequence that cannot be represented as a document.
type CodecError struct {
	Path Path
	Msg  string
	Err  error
}

func (e *CodecError) Error() string {
	msg := "codec: " + e.Msg
	if len(e.Path) > 0 {
		msg += " at " + e.Path.String()
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CodecError) Unwrap() error {
	return e.Err
}

func codecErrorf(path Path, format string, args ...any) *CodecError {
	return &CodecError{Path: path, Msg: fmt.Sprintf(format, args...)}
}

// Normalize converts an arbitrary Go value into the canonical document form: map[string]any, []any, string, float64,
// bool and nil. Cycles, non-finite numbers and unsupported types are rejected.
func Normalize(v any) (any, error) {
	return normalize(v, nil, map[uintptr]bool{})
}

func normalize(v any, path Path, visiting map[uintptr]bool) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string:
		return t, nil
	case bool:
		return t, nil
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return nil, codecErrorf(path, "non-finite number %v", t)
		}
		return t, nil
	case float32:
		return normalize(float64(t), path, visiting)
	case int:
		return float64(t), nil
	case int8:
		return float64(t), nil
	case int16:
		return float64(t), nil
	case int32:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case uint:
		return float64(t), nil
	case uint8:
		return float64(t), nil
	case uint16:
		return float64(t), nil
	case uint32:
		return float64(t), nil
	case uint64:
		return float64(t), nil
	case []byte:
		return nil, codecErrorf(path, "unsupported value type %T", v)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, codecErrorf(path, "unsupported map key type %s", rv.Type().Key())
		}
		if rv.IsNil() {
			return nil, nil
		}
		ptr := rv.Pointer()
		if visiting[ptr] {
			return nil, codecErrorf(path, "cyclic reference")
		}
		visiting[ptr] = true
		defer delete(visiting, ptr)
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			k := iter.Key().String()
			nv, err := normalize(iter.Value().Interface(), path.Append(k), visiting)
			if err != nil {
				return nil, err
			}
			out[k] = nv
		}
		return out, nil
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice {
			if rv.IsNil() {
				return nil, nil
			}
			if rv.Len() > 0 {
				ptr := rv.Pointer()
				if visiting[ptr] {
					return nil, codecErrorf(path, "cyclic reference")
				}
				visiting[ptr] = true
				defer delete(visiting, ptr)
			}
		}
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			nv, err := normalize(rv.Index(i).Interface(), path.Append(i), visiting)
			if err != nil {
				return nil, err
			}
			out[i] = nv
		}
		return out, nil
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return normalize(rv.Elem().Interface(), path, visiting)
	}
	return nil, codecErrorf(path, "unsupported value type %T", v)
}

// Get looks up the value at path. The bool is false when any segment does not resolve.
func Get(doc any, path Path) (any, bool) {
	cur := doc
	for _, seg := range path {
		switch c := cur.(type) {
		case map[string]any:
			k, ok := seg.(string)
			if !ok {
				return nil, false
			}
			v, ok := c[k]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, ok := seg.(int)
			if !ok || i < 0 || i >= len(c) {
				return nil, false
			}
			cur = c[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// Equal is a deep equality over canonical documents.
func Equal(a, b any) bool {
	switch at := a.(type) {
	case map[string]any:
		bt, ok := b.(map[string]any)
		if !ok || len(at) != len(bt) {
			return false
		}
		for k, av := range at {
			bv, ok := bt[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	case []any:
		bt, ok := b.([]any)
		if !ok || len(at) != len(bt) {
			return false
		}
		for i := range at {
			if !Equal(at[i], bt[i]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}

// Clone deep copies a canonical document.
func Clone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = Clone(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = Clone(vv)
		}
		return out
	default:
		return v
	}
}

// SortedKeys returns the keys of m in ascending order.
func SortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// IsContainer reports whether v is a map or list.
func IsContainer(v any) bool {
	switch v.(type) {
	case map[string]any, []any:
		return true
	}
	return false
}
