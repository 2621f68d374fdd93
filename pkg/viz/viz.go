// Package viz draws the edit history of a replica. Each node is an edit, labelled with the value at a path right after
// that edit was applied; edges point from an edit to the edits that depend on it.
package viz

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/astromechza/listmap/pkg/codec"
	"github.com/astromechza/listmap/pkg/engine"
)

// Step is one edit of the history together with the value at the rendered path after it.
type Step struct {
	Name  string
	Edit  *engine.Edit
	Value any
	// Dependencies names the earlier steps this edit builds on.
	Dependencies []string
}

func stepName(edit *engine.Edit) string {
	return fmt.Sprintf("%s@%d", edit.Origin, edit.Seq)
}

func shortName(edit *engine.Edit) string {
	origin := edit.Origin
	if len(origin) > 8 {
		origin = origin[:8]
	}
	return fmt.Sprintf("%s@%d", origin, edit.Seq)
}

// Steps replays history into a scratch replica. An edit depends on the previous edit of its origin and on every edit
// that created an op it references.
func Steps(history []*engine.Edit, nodePath codec.Path) ([]Step, error) {
	replica := engine.New("viz")
	creator := map[engine.ID]string{}
	last := map[string]string{}
	steps := make([]Step, 0, len(history))
	for _, edit := range history {
		if _, err := replica.Remote(edit); err != nil {
			return nil, fmt.Errorf("failed to replay %s: %w", stepName(edit), err)
		}
		name := stepName(edit)
		seen := map[string]bool{name: true}
		var deps []string
		addDep := func(dep string) {
			if dep != "" && !seen[dep] {
				seen[dep] = true
				deps = append(deps, dep)
			}
		}
		addDep(last[edit.Origin])
		for _, op := range edit.Ops {
			addDep(creator[op.Target])
			addDep(creator[op.Ref])
		}
		for _, op := range edit.Ops {
			creator[op.ID] = name
			if !op.Node.IsZero() {
				creator[op.Node] = name
			}
		}
		last[edit.Origin] = name

		value, _ := replica.Get(nodePath)
		steps = append(steps, Step{Name: name, Edit: edit, Value: value, Dependencies: deps})
	}
	return steps, nil
}

func label(s Step) (string, error) {
	encoded, err := json.Marshal(s.Value)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s: %w", s.Name, err)
	}
	return fmt.Sprintf("%s %d ops %s", shortName(s.Edit), len(s.Edit.Ops), string(encoded)), nil
}

// WriteDot writes the history as a graphviz dot document.
func WriteDot(w io.Writer, history []*engine.Edit, nodePath codec.Path) error {
	steps, err := Steps(history, nodePath)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintln(w, `digraph "log" {`); err != nil {
		return err
	}
	for _, s := range steps {
		l, err := label(s)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "    %q [label=%q]\n", s.Name, l); err != nil {
			return err
		}
		for _, dep := range s.Dependencies {
			if _, err := fmt.Fprintf(w, "    %q -> %q\n", dep, s.Name); err != nil {
				return err
			}
		}
	}
	_, err = fmt.Fprintln(w, "}")
	return err
}

func RenderHistoryToSvg(history []*engine.Edit, nodePath codec.Path, outputPath string) error {
	steps, err := Steps(history, nodePath)
	if err != nil {
		return err
	}

	g := graphviz.New()
	defer g.Close()
	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}
	defer graph.Close()

	nodeMap := make(map[string]*cgraph.Node)
	var edgeCounter uint64
	for _, s := range steps {
		l, err := label(s)
		if err != nil {
			return err
		}
		n, err := graph.CreateNode(s.Name)
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		n.SetLabel(l)
		nodeMap[s.Name] = n

		for _, dep := range s.Dependencies {
			_, err := graph.CreateEdge(strconv.Itoa(int(atomic.AddUint64(&edgeCounter, 1))), nodeMap[dep], n)
			if err != nil {
				return fmt.Errorf("failed to create edge: %w", err)
			}
		}
	}

	var buff bytes.Buffer
	if err := g.Render(graph, graphviz.SVG, &buff); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}

	if err := os.WriteFile(outputPath, buff.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write: %w", err)
	}
	return nil
}

func RenderToTemp(history []*engine.Edit, nodePath codec.Path) (string, error) {
	tf := filepath.Join(os.TempDir(), fmt.Sprintf("%d%d.svg", time.Now().UnixNano(), rand.Int()))
	if err := RenderHistoryToSvg(history, nodePath, tf); err != nil {
		return "", err
	}
	return tf, nil
}
