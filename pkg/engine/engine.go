// Package engine holds the replicated document: an op based JSON CRDT of last-writer-wins map registers and RGA
// lists. It never performs I/O and is not safe for concurrent use.
package engine

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/astromechza/listmap/pkg/codec"
)

const DefaultMaxBuffered = 1024

type Option func(*Engine)

// WithMaxBuffered bounds the number of remote edits held back while waiting for their dependencies.
func WithMaxBuffered(n int) Option {
	return func(e *Engine) {
		e.maxBuffered = n
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

type Engine struct {
	origin string
	clock  uint64
	seq    uint64

	// seen is the last applied edit Seq per origin, maxClock the highest op clock applied per origin.
	seen     map[string]uint64
	maxClock map[string]uint64

	nodes map[ID]*container

	buffered    []*Edit
	maxBuffered int
	// overflowed is the edit the current Remote call pushed out of the buffer.
	overflowed *Edit
	history     []*Edit

	logger *slog.Logger
}

func New(origin string, opts ...Option) *Engine {
	e := &Engine{
		origin:      origin,
		seen:        map[string]uint64{},
		maxClock:    map[string]uint64{},
		nodes:       map[ID]*container{{}: newContainer(ID{}, ValueMap)},
		maxBuffered: DefaultMaxBuffered,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Origin() string {
	return e.origin
}

// Clock is the current Lamport clock.
func (e *Engine) Clock() uint64 {
	return e.clock
}

// Buffered is the number of remote edits waiting on missing dependencies.
func (e *Engine) Buffered() int {
	return len(e.buffered)
}

// Applied is the number of accepted edits.
func (e *Engine) Applied() int {
	return len(e.history)
}

// History returns the accepted edits in the order this replica applied them.
func (e *Engine) History() []*Edit {
	return append([]*Edit(nil), e.history...)
}

// Snapshot materialises the document. The result is a fresh copy owned by the caller.
func (e *Engine) Snapshot() map[string]any {
	return e.materialize(ID{}).(map[string]any)
}

func (e *Engine) Get(path codec.Path) (any, bool) {
	return codec.Get(e.Snapshot(), path)
}

// Provenance returns the ID of the write currently holding the value at path.
func (e *Engine) Provenance(path codec.Path) (ID, bool) {
	if len(path) == 0 {
		return ID{}, false
	}
	c, err := e.resolve(path[:len(path)-1])
	if err != nil {
		return ID{}, false
	}
	switch seg := path[len(path)-1].(type) {
	case string:
		if c.kind != ValueMap {
			return ID{}, false
		}
		r := c.entries[seg]
		if !r.live() {
			return ID{}, false
		}
		return r.stamp, true
	case int:
		if c.kind != ValueList {
			return ID{}, false
		}
		el := c.visibleAt(seg)
		if el == nil {
			return ID{}, false
		}
		return el.value.stamp, true
	}
	return ID{}, false
}

// Local validates patches against the current document, applies them optimistically and returns the edit to
// broadcast. A nil edit means the patches changed nothing.
func (e *Engine) Local(patches ...codec.Patch) (*Edit, []Change, error) {
	before := e.Snapshot()
	after, err := codec.ApplyAll(before, patches)
	if err != nil {
		return nil, nil, &EngineError{Msg: "invalid local mutation", Err: err}
	}
	if _, ok := after.(map[string]any); !ok {
		return nil, nil, &EngineError{Msg: fmt.Sprintf("document root must be a map, got %T", after)}
	}
	if codec.Equal(before, after) {
		return nil, nil, nil
	}

	t := &translator{e: e}
	for _, p := range patches {
		if err := t.patch(p); err != nil {
			// Unreachable once ApplyAll accepted the patches, but the ops emitted so far are already applied.
			e.logger.Error("local translation failed after validation", "patch", p.String(), "err", err)
			return nil, nil, err
		}
	}
	if len(t.ops) == 0 {
		return nil, nil, nil
	}
	e.seq++
	edit := &Edit{Origin: e.origin, Seq: e.seq, Ops: t.ops}
	e.seen[e.origin] = e.seq
	e.history = append(e.history, edit)
	return edit, e.changes(before, t.affected, Local), nil
}

// Remote merges an edit received from the network. Duplicates are ignored and edits whose dependencies have not
// arrived yet are buffered. The returned changes include those of buffered edits that became ready.
func (e *Engine) Remote(edit *Edit) ([]Change, error) {
	if edit == nil || edit.Origin == "" || edit.Seq == 0 {
		return nil, &EngineError{Msg: "edit has no origin or sequence"}
	}
	e.overflowed = nil
	changes, progressed, err := e.tryApply(edit)
	if err == nil && e.overflowed != nil {
		err = &EngineError{Origin: e.overflowed.Origin, Seq: e.overflowed.Seq, Msg: "dropped", Err: ErrBufferFull}
	}
	if progressed {
		changes = append(changes, e.drain()...)
	}
	return changes, err
}

var errNotReady = errors.New("dependencies not yet applied")

// ErrBufferFull reports that a buffered edit was dropped to make room. The dropped edit only comes back if the
// caller replays the log, so later edits of its origin stay buffered until then.
var ErrBufferFull = errors.New("edit buffer full")

// tryApply reports progressed when the origin's sequence advanced, so buffered edits may have become ready.
func (e *Engine) tryApply(edit *Edit) ([]Change, bool, error) {
	last := e.seen[edit.Origin]
	switch {
	case edit.Seq <= last:
		e.logger.Debug("dropping duplicate edit", "edit", edit.String())
		return nil, false, nil
	case edit.Seq > last+1:
		e.buffer(edit)
		return nil, false, nil
	}

	if err := e.validate(edit); err != nil {
		if errors.Is(err, errNotReady) {
			e.buffer(edit)
			return nil, false, nil
		}
		// The sequence number is consumed so later edits from the same origin are not stuck behind a bad one.
		e.seen[edit.Origin] = edit.Seq
		return nil, true, &EngineError{Origin: edit.Origin, Seq: edit.Seq, Msg: "rejected", Err: err}
	}

	before := e.Snapshot()
	affected := make([]codec.Path, 0, len(edit.Ops))
	for _, op := range edit.Ops {
		e.applyOp(op)
		affected = e.affect(affected, op)
	}
	e.seen[edit.Origin] = edit.Seq
	e.history = append(e.history, edit)
	return e.changes(before, affected, Remote), true, nil
}

func (e *Engine) buffer(edit *Edit) {
	for _, b := range e.buffered {
		if b.Origin == edit.Origin && b.Seq == edit.Seq {
			return
		}
	}
	if len(e.buffered) >= e.maxBuffered {
		e.logger.Warn("edit buffer full, dropping oldest", "edit", e.buffered[0].String())
		e.overflowed = e.buffered[0]
		e.buffered = e.buffered[1:]
	}
	e.buffered = append(e.buffered, edit)
}

func (e *Engine) drain() []Change {
	var out []Change
	for progressed := true; progressed; {
		progressed = false
		pending := e.buffered
		e.buffered = nil
		for _, b := range pending {
			if b.Seq <= e.seen[b.Origin] {
				continue
			}
			changes, ok, err := e.tryApply(b)
			if err != nil {
				e.logger.Warn("dropping buffered edit", "err", err)
			}
			if ok {
				progressed = true
				out = append(out, changes...)
			}
		}
	}
	return out
}

// validate checks a whole edit before any of it is applied, so a bad edit never leaves a partial mutation.
func (e *Engine) validate(edit *Edit) error {
	if len(edit.Ops) == 0 {
		return errors.New("edit has no ops")
	}
	created := map[ID]ValueKind{}
	inserted := map[ID]ID{}
	var prev uint64
	for i, op := range edit.Ops {
		if op.ID.Origin != edit.Origin {
			return fmt.Errorf("op %d: origin %q does not match edit", i, op.ID.Origin)
		}
		if op.ID.Clock <= prev {
			return fmt.Errorf("op %d: clock %d is not increasing", i, op.ID.Clock)
		}
		prev = op.ID.Clock
		if _, exists := e.nodes[op.ID]; exists {
			return fmt.Errorf("op %d: id %s already used", i, op.ID)
		}
		if op.Value > ValueList {
			return fmt.Errorf("op %d: unknown value kind %d", i, op.Value)
		}
		if !op.Node.IsZero() {
			if !op.Node.keyed() || op.Kind != OpMapSet || op.Value == ValueScalar {
				return fmt.Errorf("op %d: node %s is only valid on a map-set of a container", i, op.Node)
			}
			if c := e.nodes[op.Node]; c != nil && c.kind != op.Value {
				return fmt.Errorf("op %d: node %s is not a %d container", i, op.Node, op.Value)
			}
		}
		if op.Value == ValueScalar {
			switch op.Scalar.(type) {
			case nil, string, float64, bool:
			default:
				return fmt.Errorf("op %d: unsupported scalar %T", i, op.Scalar)
			}
		}

		kind, ok := created[op.Target]
		if !ok {
			c := e.nodes[op.Target]
			if c == nil {
				return e.missing(op.Target, edit.Origin, fmt.Errorf("op %d: unknown container %s", i, op.Target))
			}
			kind = c.kind
		}
		switch {
		case op.Kind == OpMapSet || op.Kind == OpMapDelete:
			if kind != ValueMap {
				return fmt.Errorf("op %d: %s on a list", i, op.Kind)
			}
		case op.Kind.onList():
			if kind != ValueList {
				return fmt.Errorf("op %d: %s on a map", i, op.Kind)
			}
			needRef := op.Kind != OpListInsert || !op.Ref.IsZero()
			if needRef && !e.hasElement(op.Target, op.Ref, inserted) {
				return e.missing(op.Ref, edit.Origin, fmt.Errorf("op %d: unknown element %s", i, op.Ref))
			}
		default:
			return fmt.Errorf("op %d: unknown op kind %d", i, op.Kind)
		}

		if op.Kind == OpListInsert {
			inserted[op.ID] = op.Target
		}
		if op.Value != ValueScalar && op.Kind != OpMapDelete && op.Kind != OpListDelete {
			created[op.node()] = op.Value
		}
	}
	return nil
}

func (e *Engine) hasElement(list, id ID, inserted map[ID]ID) bool {
	if target, ok := inserted[id]; ok {
		return target == list
	}
	c := e.nodes[list]
	if c == nil {
		return false
	}
	_, ok := c.byID[id]
	return ok
}

// missing distinguishes a reference to an op this replica has not received yet from a reference that can never
// resolve.
func (e *Engine) missing(ref ID, origin string, err error) error {
	// A keyed container may still be created by an edit that has not arrived.
	if ref.keyed() || (ref.Origin != origin && ref.Clock > e.maxClock[ref.Origin]) {
		return fmt.Errorf("%w: %v", errNotReady, err)
	}
	return err
}

// affect records the path an op touched. List ops report the list itself.
func (e *Engine) affect(affected []codec.Path, op Op) []codec.Path {
	path, ok := e.pathOf(op.Target)
	if !ok {
		return affected
	}
	if !op.Kind.onList() {
		path = path.Append(op.Key)
	}
	return append(affected, path)
}

// changes collapses affected paths to their shallowest ancestors and compares each against the previous snapshot.
// Paths whose value did not change produce no change.
func (e *Engine) changes(before map[string]any, affected []codec.Path, source Source) []Change {
	var collapsed []codec.Path
outer:
	for _, p := range affected {
		for _, c := range collapsed {
			if p.HasPrefix(c) {
				continue outer
			}
		}
		kept := collapsed[:0:0]
		at := -1
		for _, c := range collapsed {
			if c.HasPrefix(p) {
				if at < 0 {
					at = len(kept)
				}
				continue
			}
			kept = append(kept, c)
		}
		if at < 0 {
			collapsed = append(kept, p)
		} else {
			collapsed = append(kept[:at], append([]codec.Path{p}, kept[at:]...)...)
		}
	}

	after := e.Snapshot()
	var out []Change
	for _, p := range collapsed {
		oldValue, hadOld := codec.Get(before, p)
		newValue, hasNew := codec.Get(after, p)
		if hadOld == hasNew && codec.Equal(oldValue, newValue) {
			continue
		}
		out = append(out, Change{Path: p, Old: oldValue, New: newValue, Source: source})
	}
	return out
}
