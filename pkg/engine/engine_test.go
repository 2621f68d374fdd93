package engine

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/astromechza/listmap/pkg/codec"
)

func mustLocal(t *testing.T, e *Engine, patches ...codec.Patch) *Edit {
	t.Helper()
	edit, _, err := e.Local(patches...)
	if err != nil {
		t.Fatalf("local %v: %v", patches, err)
	}
	return edit
}

func mustRemote(t *testing.T, e *Engine, edit *Edit) []Change {
	t.Helper()
	changes, err := e.Remote(edit)
	if err != nil {
		t.Fatalf("remote %s: %v", edit, err)
	}
	return changes
}

func set(path codec.Path, v any) codec.Patch {
	return codec.Patch{Op: codec.OpSet, Path: path, Value: v}
}

func insert(path codec.Path, v any) codec.Patch {
	return codec.Patch{Op: codec.OpInsert, Path: path, Value: v}
}

func TestLocalApplyIsImmediate(t *testing.T) {
	e := New("a")
	edit, changes, err := e.Local(set(codec.Path{"guestBook"}, []any{}))
	if err != nil {
		t.Fatalf("local: %v", err)
	}
	assert.Equal(t, edit.Seq, uint64(1))
	assert.Equal(t, e.Snapshot(), map[string]any{"guestBook": []any{}})
	assert.Equal(t, len(changes), 1)
	assert.Equal(t, changes[0].Path, codec.Path{"guestBook"})
	assert.Equal(t, changes[0].Old, nil)
	assert.Equal(t, changes[0].New, []any{})
	assert.Equal(t, changes[0].Source, Local)
}

func TestAppendNotifiesListPath(t *testing.T) {
	e := New("a")
	mustLocal(t, e, set(codec.Path{"guestBook"}, []any{"Alice"}), set(codec.Path{"other"}, 1))
	_, changes, err := e.Local(insert(codec.Path{"guestBook", 1}, "Bob"))
	if err != nil {
		t.Fatalf("local: %v", err)
	}
	assert.Equal(t, len(changes), 1)
	assert.Equal(t, changes[0].Path, codec.Path{"guestBook"})
	assert.Equal(t, changes[0].Old, []any{"Alice"})
	assert.Equal(t, changes[0].New, []any{"Alice", "Bob"})
}

func TestNoOpWriteIsSuppressed(t *testing.T) {
	e := New("a")
	mustLocal(t, e, set(codec.Path{"name"}, "x"))
	edit, changes, err := e.Local(set(codec.Path{"name"}, "x"))
	if err != nil {
		t.Fatalf("local: %v", err)
	}
	if edit != nil || len(changes) != 0 {
		t.Fatalf("expected no edit and no changes, got %v %v", edit, changes)
	}
}

func TestAliceAndBobBothSurvive(t *testing.T) {
	a, b := New("a"), New("b")
	mustRemote(t, b, mustLocal(t, a, set(codec.Path{"guestBook"}, []any{})))

	ea := mustLocal(t, a, insert(codec.Path{"guestBook", 0}, "Alice"))
	eb := mustLocal(t, b, insert(codec.Path{"guestBook", 0}, "Bob"))

	changes := mustRemote(t, a, eb)
	mustRemote(t, b, ea)

	assert.Equal(t, a.Snapshot(), b.Snapshot())
	list := a.Snapshot()["guestBook"].([]any)
	assert.Equal(t, len(list), 2)
	assert.Equal(t, len(changes), 1)
	assert.Equal(t, changes[0].Source, Remote)
	assert.Equal(t, changes[0].Old, []any{"Alice"})
}

func TestConcurrentEmptyListCreationsMerge(t *testing.T) {
	a, b := New("a"), New("b")
	// both replicas initialise the absent list, then sign it, before seeing each other
	ea1 := mustLocal(t, a, set(codec.Path{"guestBook"}, []any{}))
	ea2 := mustLocal(t, a, insert(codec.Path{"guestBook", 0}, "Alice"))
	eb1 := mustLocal(t, b, set(codec.Path{"guestBook"}, []any{}))
	eb2 := mustLocal(t, b, insert(codec.Path{"guestBook", 0}, "Bob"))
	assert.Equal(t, ea1.Ops[0].Node, eb1.Ops[0].Node)

	mustRemote(t, a, eb1)
	mustRemote(t, a, eb2)
	mustRemote(t, b, ea1)
	mustRemote(t, b, ea2)

	assert.Equal(t, a.Snapshot(), b.Snapshot())
	list := a.Snapshot()["guestBook"].([]any)
	assert.Equal(t, len(list), 2)
	assert.Equal(t, codec.Equal(list, []any{"Alice", "Bob"}) || codec.Equal(list, []any{"Bob", "Alice"}), true)

	// an insert into the shared list from a third origin waits for the list to exist
	d := New("d")
	mustRemote(t, d, ea1)
	ed := mustLocal(t, d, insert(codec.Path{"guestBook", 0}, "Dan"))
	c := New("c")
	mustRemote(t, c, ed)
	assert.Equal(t, c.Buffered(), 1)
	mustRemote(t, c, eb1)
	assert.Equal(t, c.Buffered(), 0)
	assert.Equal(t, c.Snapshot(), map[string]any{"guestBook": []any{"Dan"}})
}

func TestRecreatedEmptyListStartsEmpty(t *testing.T) {
	a, b := New("a"), New("b")
	mustRemote(t, b, mustLocal(t, a, set(codec.Path{"l"}, []any{})))
	mustRemote(t, b, mustLocal(t, a, insert(codec.Path{"l", 0}, "old")))
	mustRemote(t, b, mustLocal(t, a, codec.Patch{Op: codec.OpDelete, Path: codec.Path{"l"}}))
	mustRemote(t, b, mustLocal(t, a, set(codec.Path{"l"}, []any{})))

	assert.Equal(t, a.Snapshot(), map[string]any{"l": []any{}})
	assert.Equal(t, b.Snapshot(), a.Snapshot())

	// replacing a filled list with an empty one clears it too
	mustRemote(t, b, mustLocal(t, a, insert(codec.Path{"l", 0}, "x")))
	mustRemote(t, b, mustLocal(t, a, set(codec.Path{"l"}, []any{})))
	assert.Equal(t, b.Snapshot(), map[string]any{"l": []any{}})
}

func TestConcurrentEmptyContainersOfDifferentKindsStayApart(t *testing.T) {
	a, b := New("a"), New("b")
	ea := mustLocal(t, a, set(codec.Path{"x"}, []any{}))
	eb := mustLocal(t, b, set(codec.Path{"x"}, map[string]any{}))
	assert.NotEqual(t, ea.Ops[0].Node, eb.Ops[0].Node)
	mustRemote(t, a, eb)
	mustRemote(t, b, ea)
	assert.Equal(t, a.Snapshot(), b.Snapshot())
	assert.Equal(t, a.Snapshot()["x"], map[string]any{})
}

func TestConcurrentScalarWritesConverge(t *testing.T) {
	a, b := New("a"), New("b")
	ea := mustLocal(t, a, set(codec.Path{"title"}, "from a"))
	eb := mustLocal(t, b, set(codec.Path{"title"}, "from b"))
	mustRemote(t, a, eb)
	mustRemote(t, b, ea)
	assert.Equal(t, a.Snapshot(), b.Snapshot())
	// equal clocks, so the greater origin wins
	assert.Equal(t, a.Snapshot()["title"], "from b")

	id, ok := a.Provenance(codec.Path{"title"})
	assert.Equal(t, ok, true)
	assert.Equal(t, id.Origin, "b")
}

func TestConcurrentDeleteAndInsertBothSurvive(t *testing.T) {
	a, b := New("a"), New("b")
	mustRemote(t, b, mustLocal(t, a, set(codec.Path{"l"}, []any{"x", "y", "z"})))

	ea := mustLocal(t, a, codec.Patch{Op: codec.OpDelete, Path: codec.Path{"l", 1}})
	eb := mustLocal(t, b, insert(codec.Path{"l", 2}, "new"))
	mustRemote(t, a, eb)
	mustRemote(t, b, ea)

	assert.Equal(t, a.Snapshot(), b.Snapshot())
	assert.Equal(t, a.Snapshot()["l"], []any{"x", "new", "z"})
}

func TestDuplicatesAreIgnored(t *testing.T) {
	a, b := New("a"), New("b")
	edit := mustLocal(t, a, set(codec.Path{"guestBook"}, []any{"Alice"}))
	mustRemote(t, b, edit)
	changes := mustRemote(t, b, edit)
	assert.Equal(t, len(changes), 0)
	assert.Equal(t, len(b.History()), 1)

	// the echo of a replica's own edit is a duplicate too
	changes = mustRemote(t, a, edit)
	assert.Equal(t, len(changes), 0)
}

func TestOutOfOrderEditsAreBuffered(t *testing.T) {
	a, b := New("a"), New("b")
	e1 := mustLocal(t, a, set(codec.Path{"l"}, []any{}))
	e2 := mustLocal(t, a, insert(codec.Path{"l", 0}, "one"))
	e3 := mustLocal(t, a, insert(codec.Path{"l", 1}, "two"))

	assert.Equal(t, len(mustRemote(t, b, e3)), 0)
	assert.Equal(t, len(mustRemote(t, b, e2)), 0)
	assert.Equal(t, b.Buffered(), 2)
	changes := mustRemote(t, b, e1)
	assert.Equal(t, b.Buffered(), 0)
	assert.Equal(t, b.Snapshot(), a.Snapshot())
	assert.Equal(t, len(changes), 3)
}

func TestBufferOverflowIsReported(t *testing.T) {
	a := New("a")
	var edits []*Edit
	edits = append(edits, mustLocal(t, a, set(codec.Path{"l"}, []any{})))
	for i := 0; i < 3; i++ {
		edits = append(edits, mustLocal(t, a, insert(codec.Path{"l", i}, i)))
	}

	b := New("b", WithMaxBuffered(2))
	mustRemote(t, b, edits[1])
	mustRemote(t, b, edits[2])
	_, err := b.Remote(edits[3])
	if !errors.Is(err, ErrBufferFull) {
		t.Fatalf("expected ErrBufferFull, got %v", err)
	}
	var ee *EngineError
	if !errors.As(err, &ee) || ee.Seq != 2 {
		t.Fatalf("expected the dropped edit a#2 to be named, got %v", err)
	}

	// seq 2 was dropped, so seq 3 and 4 wait until the log is replayed
	mustRemote(t, b, edits[0])
	assert.Equal(t, b.Buffered(), 2)
	for _, edit := range edits {
		mustRemote(t, b, edit)
	}
	assert.Equal(t, b.Buffered(), 0)
	assert.Equal(t, b.Snapshot(), a.Snapshot())
}

func TestCrossOriginDependencyIsBuffered(t *testing.T) {
	a, b, c := New("a"), New("b"), New("c")
	ea := mustLocal(t, a, set(codec.Path{"l"}, []any{}))
	mustRemote(t, b, ea)
	eb := mustLocal(t, b, insert(codec.Path{"l", 0}, "from b"))

	// c sees b's insert before the list it targets exists
	mustRemote(t, c, eb)
	assert.Equal(t, c.Buffered(), 1)
	mustRemote(t, c, ea)
	assert.Equal(t, c.Buffered(), 0)
	assert.Equal(t, c.Snapshot(), b.Snapshot())
}

func TestMalformedEditIsRejectedAndIsolated(t *testing.T) {
	a, b := New("a"), New("b")
	e1 := mustLocal(t, a, set(codec.Path{"m"}, map[string]any{}))
	mustRemote(t, b, e1)

	listOnMap := &Edit{Origin: "a", Seq: 2, Ops: []Op{{
		ID: ID{Clock: 50, Origin: "a"}, Kind: OpListInsert, Target: e1.Ops[0].Node, Value: ValueScalar, Scalar: "x",
	}}}
	_, err := b.Remote(listOnMap)
	var ee *EngineError
	if !errors.As(err, &ee) {
		t.Fatalf("expected EngineError, got %v", err)
	}
	assert.Equal(t, b.Snapshot(), map[string]any{"m": map[string]any{}})

	bogusTarget := &Edit{Origin: "a", Seq: 3, Ops: []Op{{
		ID: ID{Clock: 51, Origin: "a"}, Kind: OpMapSet, Target: ID{Clock: 49, Origin: "a"}, Key: "k", Scalar: "v",
	}}}
	if _, err := b.Remote(bogusTarget); !errors.As(err, &ee) {
		t.Fatalf("expected EngineError for unknown container, got %v", err)
	}

	// later edits from the same origin still apply
	e4 := &Edit{Origin: "a", Seq: 4, Ops: []Op{{
		ID: ID{Clock: 52, Origin: "a"}, Kind: OpMapSet, Target: ID{}, Key: "ok", Scalar: true,
	}}}
	mustRemote(t, b, e4)
	assert.Equal(t, b.Snapshot()["ok"], true)

	// a bad op in the middle rejects the whole edit
	partial := &Edit{Origin: "a", Seq: 5, Ops: []Op{
		{ID: ID{Clock: 53, Origin: "a"}, Kind: OpMapSet, Target: ID{}, Key: "half", Scalar: "x"},
		{ID: ID{Clock: 54, Origin: "a"}, Kind: OpMapSet, Target: ID{}, Key: "bad", Scalar: []int{1}},
	}}
	if _, err := b.Remote(partial); !errors.As(err, &ee) {
		t.Fatalf("expected EngineError, got %v", err)
	}
	_, ok := b.Get(codec.Path{"half"})
	assert.Equal(t, ok, false)
}

func TestInvalidLocalMutation(t *testing.T) {
	e := New("a")
	cases := []codec.Patch{
		set(codec.Path{"missing", "child"}, 1),
		insert(codec.Path{"notalist", 0}, 1),
		set(nil, "root must be a map"),
		{Op: codec.OpDelete, Path: codec.Path{"nothing"}},
	}
	for _, p := range cases {
		edit, _, err := e.Local(p)
		var ee *EngineError
		if !errors.As(err, &ee) {
			t.Fatalf("%v: expected EngineError, got %v", p, err)
		}
		if edit != nil {
			t.Fatalf("%v: expected no edit", p)
		}
	}
	assert.Equal(t, e.Snapshot(), map[string]any{})
	assert.Equal(t, len(e.History()), 0)
}

func TestMoveAndRootReplace(t *testing.T) {
	a, b := New("a"), New("b")
	mustRemote(t, b, mustLocal(t, a, set(codec.Path{"l"}, []any{"a", "b", "c"})))
	mustRemote(t, b, mustLocal(t, a, codec.Patch{Op: codec.OpMove, Path: codec.Path{"l", 0}, To: 2}))
	assert.Equal(t, b.Snapshot()["l"], []any{"b", "c", "a"})

	mustRemote(t, b, mustLocal(t, a, set(nil, map[string]any{"l": []any{"b", "c", "a", "d"}, "n": 1})))
	assert.Equal(t, b.Snapshot(), map[string]any{"l": []any{"b", "c", "a", "d"}, "n": 1.0})
	assert.Equal(t, a.Snapshot(), b.Snapshot())
}

// randomPatch produces a valid patch against doc.
func randomPatch(r *rand.Rand, doc map[string]any, tag string) codec.Patch {
	keys := []string{"guestBook", "title", "meta"}
	key := keys[r.Intn(len(keys))]
	switch v := doc[key].(type) {
	case []any:
		switch r.Intn(4) {
		case 0:
			if len(v) > 0 {
				return codec.Patch{Op: codec.OpDelete, Path: codec.Path{key, r.Intn(len(v))}}
			}
		case 1:
			if len(v) > 0 {
				return set(codec.Path{key, r.Intn(len(v))}, tag)
			}
		case 2:
			if len(v) > 1 {
				return codec.Patch{Op: codec.OpMove, Path: codec.Path{key, r.Intn(len(v))}, To: r.Intn(len(v))}
			}
		}
		return insert(codec.Path{key, r.Intn(len(v) + 1)}, tag)
	case map[string]any:
		if r.Intn(3) == 0 && len(v) > 0 {
			return codec.Patch{Op: codec.OpDelete, Path: codec.Path{key}}
		}
		return set(codec.Path{key, fmt.Sprintf("k%d", r.Intn(3))}, tag)
	}
	switch key {
	case "guestBook":
		return set(codec.Path{key}, []any{tag})
	case "meta":
		return set(codec.Path{key}, map[string]any{"by": tag})
	}
	return set(codec.Path{key}, tag)
}

func TestRandomizedConvergence(t *testing.T) {
	for round := 0; round < 50; round++ {
		r := rand.New(rand.NewSource(int64(round)))
		replicas := []*Engine{New("r0"), New("r1"), New("r2")}
		var log []*Edit

		for step := 0; step < 40; step++ {
			i := r.Intn(len(replicas))
			rep := replicas[i]
			edit, _, err := rep.Local(randomPatch(r, rep.Snapshot(), fmt.Sprintf("%d-%d", i, step)))
			if err != nil {
				t.Fatalf("round %d step %d: %v", round, step, err)
			}
			if edit != nil {
				log = append(log, edit)
			}
			// partial, shuffled delivery of what has been produced so far
			for _, other := range replicas {
				if r.Intn(3) == 0 {
					for _, j := range r.Perm(len(log)) {
						if _, err := other.Remote(log[j]); err != nil {
							t.Fatalf("round %d: remote: %v", round, err)
						}
					}
				}
			}
		}
		for _, rep := range replicas {
			for _, j := range r.Perm(len(log)) {
				if _, err := rep.Remote(log[j]); err != nil {
					t.Fatalf("round %d: remote: %v", round, err)
				}
			}
			assert.Equal(t, rep.Buffered(), 0)
		}
		for _, rep := range replicas[1:] {
			if !codec.Equal(rep.Snapshot(), replicas[0].Snapshot()) {
				t.Fatalf("round %d: replicas diverged:\n%v\n%v", round, rep.Snapshot(), replicas[0].Snapshot())
			}
		}
	}
}
