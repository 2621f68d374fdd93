package listmap

import (
	"fmt"

	"github.com/astromechza/listmap/pkg/codec"
)

// Proxy is the mutable view of a session's document. Reads return copies of the merged document. Every write goes
// through the engine and returns only after it was accepted, so a read never shows a value the engine rejected.
type Proxy struct {
	s *Session
}

func (p *Proxy) Snapshot() map[string]any {
	return p.s.snapshot()
}

func (p *Proxy) Get(path ...any) (any, bool) {
	return codec.Get(p.s.snapshot(), codec.Path(path))
}

// Set writes value at path, creating or replacing a map key or replacing a list element. An empty path replaces the
// whole document, which must then be a map.
func (p *Proxy) Set(path codec.Path, value any) error {
	return p.s.mutate(func(map[string]any) ([]codec.Patch, error) {
		return []codec.Patch{{Op: codec.OpSet, Path: path, Value: value}}, nil
	})
}

// Delete removes a map key or a list element.
func (p *Proxy) Delete(path ...any) error {
	return p.s.mutate(func(map[string]any) ([]codec.Patch, error) {
		return []codec.Patch{{Op: codec.OpDelete, Path: codec.Path(path)}}, nil
	})
}

// Push appends values to the list at path, as a single edit.
func (p *Proxy) Push(path codec.Path, values ...any) error {
	return p.s.mutate(func(doc map[string]any) ([]codec.Patch, error) {
		list, err := listAt(doc, path)
		if err != nil {
			return nil, err
		}
		patches := make([]codec.Patch, len(values))
		for i, v := range values {
			patches[i] = codec.Patch{Op: codec.OpInsert, Path: path.Append(len(list) + i), Value: v}
		}
		return patches, nil
	})
}

// Insert places value at index of the list at path. index may equal the list length.
func (p *Proxy) Insert(path codec.Path, index int, value any) error {
	return p.s.mutate(func(map[string]any) ([]codec.Patch, error) {
		return []codec.Patch{{Op: codec.OpInsert, Path: path.Append(index), Value: value}}, nil
	})
}

// Move relocates the element at from so that it ends up at index to.
func (p *Proxy) Move(path codec.Path, from, to int) error {
	return p.s.mutate(func(map[string]any) ([]codec.Patch, error) {
		return []codec.Patch{{Op: codec.OpMove, Path: path.Append(from), To: to}}, nil
	})
}

// Update hands fn a private deep copy of the document. Whatever fn changes in the copy is diffed against the document
// it started from and applied as one edit. Returning an error discards the changes. fn runs with the session locked
// and must not call back into the Proxy.
func (p *Proxy) Update(fn func(doc map[string]any) error) error {
	return p.s.mutate(func(doc map[string]any) ([]codec.Patch, error) {
		draft := codec.Clone(doc).(map[string]any)
		if err := fn(draft); err != nil {
			return nil, err
		}
		return codec.Diff(doc, draft), nil
	})
}

// At returns a handle scoped to path.
func (p *Proxy) At(path ...any) *Handle {
	return &Handle{p: p, path: codec.Path(path)}
}

// On registers handler for event. For change events only paths under prefix are delivered; nil matches everything.
// A prefix holding anything but string and int segments can never match and is not registered.
func (p *Proxy) On(event Event, prefix codec.Path, handler Handler) *Proxy {
	if err := prefix.Validate(); err != nil {
		p.s.logger.Error("not registering observer", "event", event, "err", err)
		return p
	}
	p.s.addObserver(&registration{event: event, prefix: prefix, handler: handler})
	return p
}

// OnReady fires once, with the merged document, after the first sync. Handlers registered later fire immediately.
func (p *Proxy) OnReady(fn func(doc map[string]any)) *Proxy {
	return p.On(EventReady, nil, func(n Notification) {
		fn(n.Document)
	})
}

func (p *Proxy) OnChange(prefix codec.Path, fn func(old, new any, path codec.Path)) *Proxy {
	return p.On(EventChange, prefix, func(n Notification) {
		fn(n.Old, n.New, n.Path)
	})
}

// OnDisconnect fires once each time the live connection is lost.
func (p *Proxy) OnDisconnect(fn func(err error)) *Proxy {
	return p.On(EventDisconnect, nil, func(n Notification) {
		fn(n.Err)
	})
}

func listAt(doc map[string]any, path codec.Path) ([]any, error) {
	v, ok := codec.Get(doc, path)
	if !ok {
		return nil, fmt.Errorf("no value at %s", path)
	}
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("value at %s is a %T, not a list", path, v)
	}
	return list, nil
}

// Handle is a Proxy scoped to one path. The value behind the path is looked up again on every call.
type Handle struct {
	p    *Proxy
	path codec.Path
}

func (h *Handle) Path() codec.Path {
	return h.path.Append()
}

func (h *Handle) At(path ...any) *Handle {
	return &Handle{p: h.p, path: h.path.Append(path...)}
}

func (h *Handle) Get() (any, bool) {
	return h.p.Get(h.path...)
}

func (h *Handle) Set(value any) error {
	return h.p.Set(h.path, value)
}

func (h *Handle) Delete() error {
	return h.p.Delete(h.path...)
}

// Len is the length of the list or map at the handle, 0 for anything else.
func (h *Handle) Len() int {
	v, _ := h.Get()
	switch tv := v.(type) {
	case []any:
		return len(tv)
	case map[string]any:
		return len(tv)
	}
	return 0
}

// IndexOf returns the index of the first list element equal to value, or -1.
func (h *Handle) IndexOf(value any) int {
	v, _ := h.Get()
	list, ok := v.([]any)
	if !ok {
		return -1
	}
	nv, err := codec.Normalize(value)
	if err != nil {
		return -1
	}
	for i, item := range list {
		if codec.Equal(item, nv) {
			return i
		}
	}
	return -1
}

func (h *Handle) Push(values ...any) error {
	return h.p.Push(h.path, values...)
}

func (h *Handle) Insert(index int, value any) error {
	return h.p.Insert(h.path, index, value)
}

func (h *Handle) Move(from, to int) error {
	return h.p.Move(h.path, from, to)
}

func (h *Handle) OnChange(fn func(old, new any, path codec.Path)) *Handle {
	h.p.OnChange(h.path, fn)
	return h
}
