package compilesrv

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/danmuck/edgejit/internal/backend"
	"github.com/danmuck/edgejit/internal/lang"
	"github.com/danmuck/edgejit/internal/objfile"
	"github.com/danmuck/edgejit/internal/protocol"
	"github.com/danmuck/edgejit/internal/toolchain"
	"github.com/stretchr/testify/require"
)

const primarySource = `(ns app.a (:require app.b [app.c :refer [base]]))
(defn run [] (app.b/plus2))
(def answer (+ (run) (base) -40))
`

var moduleFixtures = map[string]string{
	"app/c.lisp":   "(ns app.c)\n(defn base [] 40)\n",
	"app/b.lisp":   "(ns app.b (:require [app.c :as c]))\n(defn plus2 [] (+ (c/base) 2))\n",
	"app/bad.lisp": "(ns app.bad)\n(defn broken [] (undefined-thing 1))\n",
}

func writeFixtures(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	for rel, src := range moduleFixtures {
		path := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	}
	return root
}

func newTestOrchestrator(t *testing.T, kind backend.Kind) (*Orchestrator, *lang.Runtime) {
	t.Helper()
	rt := lang.NewRuntime(lang.Options{ModulePaths: []string{writeFixtures(t)}})
	be, err := backend.New(backend.Config{
		Kind:       kind,
		Target:     backend.PresetSimulator,
		ScratchDir: t.TempDir(),
		Runner:     toolchain.InProcessRunner{},
	})
	require.NoError(t, err)
	require.Equal(t, kind, be.Kind())
	t.Cleanup(func() { _ = be.Close() })
	return NewOrchestrator(rt, be), rt
}

// countingBackend counts the units that reach the toolchain.
type countingBackend struct {
	backend.Backend
	compiles atomic.Int64
}

func (c *countingBackend) Compile(ctx context.Context, ir string, module string) ([]byte, error) {
	c.compiles.Add(1)
	return c.Backend.Compile(ctx, ir, module)
}

func newCountingOrchestrator(t *testing.T, kind backend.Kind) (*Orchestrator, *countingBackend) {
	t.Helper()
	orch, rt := newTestOrchestrator(t, kind)
	counted := &countingBackend{Backend: orch.Backend()}
	return NewOrchestrator(rt, counted), counted
}

func newTestLinker() *objfile.Linker {
	return objfile.NewLinker(backend.TargetSimulator, nil)
}

// runArtifacts loads every artifact before invoking any entry, the way the
// evaluator does, and returns the last entry's value.
func runArtifacts(t *testing.T, l *objfile.Linker, arts ...protocol.Artifact) objfile.Value {
	t.Helper()
	for _, a := range arts {
		require.NoError(t, l.Load(a.Name, a.Object))
	}
	var last objfile.Value
	for _, a := range arts {
		v, err := l.Invoke(a.EntrySymbol)
		require.NoError(t, err, a.EntrySymbol)
		last = v
	}
	return last
}

func artifactNames(arts []protocol.Artifact) []string {
	names := make([]string, len(arts))
	for i, a := range arts {
		names[i] = a.Name
	}
	return names
}
