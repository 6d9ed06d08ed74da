package compilesrv

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/danmuck/edgejit/internal/backend"
	"github.com/danmuck/edgejit/internal/lang"
	"github.com/danmuck/edgejit/internal/protocol"
	"github.com/danmuck/edgejit/internal/protocol/session"
	"github.com/danmuck/edgejit/internal/testutil/testlog"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestCompileRoundTripOnBothBackends(t *testing.T) {
	testlog.Start(t)
	for _, kind := range []backend.Kind{backend.KindResident, backend.KindTransient} {
		t.Run(string(kind), func(t *testing.T) {
			orch, rt := newTestOrchestrator(t, kind)
			art, err := orch.Compile(context.Background(), "(+ 1 2)", "", "")
			require.NoError(t, err)
			require.Equal(t, "user$repl_1", art.Name)
			require.True(t, strings.HasPrefix(art.EntrySymbol, "_user_repl_fn_1_"+rt.Instance()))
			require.Equal(t, int64(3), runArtifacts(t, newTestLinker(), art))

			art, err = orch.Compile(context.Background(), "(str :ok)", "scratch", "custom-module")
			require.NoError(t, err)
			require.Equal(t, "custom-module", art.Name)
			require.Equal(t, ":ok", runArtifacts(t, newTestLinker(), art))
			require.Equal(t, "", rt.Current(), "namespace binding released")
		})
	}
}

func TestBackendsProduceEquivalentArtifacts(t *testing.T) {
	testlog.Start(t)
	resident, _ := newTestOrchestrator(t, backend.KindResident)
	transient, _ := newTestOrchestrator(t, backend.KindTransient)

	fromResident, err := resident.NativeSource("(defn sq [x] (* x x)) (sq 7)", "user")
	require.NoError(t, err)
	fromTransient, err := transient.NativeSource("(defn sq [x] (* x x)) (sq 7)", "user")
	require.NoError(t, err)
	// Instance tokens differ between runtimes; strip them before comparing.
	strip := func(s string) string {
		return strings.NewReplacer(resident.fe.Instance(), "I", transient.fe.Instance(), "I").Replace(s)
	}
	require.Equal(t, strip(fromResident), strip(fromTransient))

	a, err := resident.Compile(context.Background(), "(+ 40 2)", "user", "m")
	require.NoError(t, err)
	b, err := transient.Compile(context.Background(), "(+ 40 2)", "user", "m")
	require.NoError(t, err)
	require.Equal(t, runArtifacts(t, newTestLinker(), a), runArtifacts(t, newTestLinker(), b))
}

func TestNativeSourceLayout(t *testing.T) {
	testlog.Start(t)
	orch, rt := newTestOrchestrator(t, backend.KindResident)
	_, err := rt.EvalNamespaceDecl(`(ns app.native (:include "sensors.irh"))`)
	require.NoError(t, err)

	src, err := orch.NativeSource("(native/read_temp 1)", "app.native")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(src), "\n")
	require.Equal(t, `.include "prelude.irh"`, lines[0])
	require.Equal(t, `.include "sensors.irh"`, lines[1])
	require.Contains(t, src, "call native/read_temp 1")
	require.Equal(t, ".end", lines[len(lines)-1])
	require.Contains(t, lines[len(lines)-4], ".func _app_native_repl_fn_1_")
	require.True(t, strings.HasPrefix(strings.TrimSpace(lines[len(lines)-3]), "call app.native/repl_fn_1_"))
}

func TestCompileErrorsAreClassified(t *testing.T) {
	testlog.Start(t)
	orch, _ := newTestOrchestrator(t, backend.KindResident)

	_, err := orch.Compile(context.Background(), "", "user", "")
	require.Equal(t, protocol.KindCompile, protocol.KindOf(err))
	require.True(t, errors.Is(err, lang.ErrNoForms))

	_, err = orch.Compile(context.Background(), "(nope)", "user", "")
	require.Equal(t, protocol.KindCompile, protocol.KindOf(err))

	// The front end accepts native calls unchecked; the toolchain rejects them.
	_, err = orch.Compile(context.Background(), "(native/missing 1)", "user", "")
	require.Equal(t, protocol.KindCrossCompile, protocol.KindOf(err))
	require.Contains(t, err.Error(), "use of undeclared function 'native/missing'")
}

func TestRequireShipsDependenciesFirst(t *testing.T) {
	testlog.Start(t)
	orch, counted := newCountingOrchestrator(t, backend.KindResident)
	deps := session.NewDependencySet()

	arts, err := orch.Require(context.Background(), "app.a", primarySource, deps)
	require.NoError(t, err)
	require.Equal(t, int64(3), counted.compiles.Load())
	want := []string{"app.c$loading__", "app.b$loading__", "app.a$loading__"}
	if diff := cmp.Diff(want, artifactNames(arts)); diff != "" {
		t.Fatalf("module order mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, []string{"app.c", "app.b", "app.a"}, deps.List())

	l := newTestLinker()
	runArtifacts(t, l, arts...)
	v, ok := l.VarValue("app.a/answer")
	require.True(t, ok)
	require.Equal(t, int64(42), v)

	// The loaded namespace is usable from later fragments.
	art, err := orch.Compile(context.Background(), "(app.a/run)", "user", "")
	require.NoError(t, err)
	require.Equal(t, int64(42), runArtifacts(t, l, art))

	require.Equal(t, int64(4), counted.compiles.Load())

	again, err := orch.Require(context.Background(), "app.a", primarySource, deps)
	require.NoError(t, err)
	require.Empty(t, again)
	require.NotNil(t, again)
	require.Equal(t, int64(4), counted.compiles.Load())
	require.Equal(t, []string{"app.c", "app.b", "app.a"}, deps.List())
}

func TestRequireSkipsOnlyAlreadyShipped(t *testing.T) {
	testlog.Start(t)
	orch, _ := newTestOrchestrator(t, backend.KindTransient)
	deps := session.NewDependencySet()

	arts, err := orch.Require(context.Background(), "app.b", moduleFixtures["app/b.lisp"], deps)
	require.NoError(t, err)
	require.Equal(t, []string{"app.c$loading__", "app.b$loading__"}, artifactNames(arts))

	arts, err = orch.Require(context.Background(), "app.a", primarySource, deps)
	require.NoError(t, err)
	require.Equal(t, []string{"app.a$loading__"}, artifactNames(arts))
}

func TestRequireSkipsBrokenDependency(t *testing.T) {
	testlog.Start(t)
	orch, _ := newTestOrchestrator(t, backend.KindResident)
	deps := session.NewDependencySet()

	src := "(ns app.uses-bad (:require app.bad app.c))\n(defn ok [] (app.c/base))\n"
	arts, err := orch.Require(context.Background(), "app.uses-bad", src, deps)
	require.NoError(t, err)
	require.Equal(t, []string{"app.c$loading__", "app.uses-bad$loading__"}, artifactNames(arts))
	require.False(t, deps.Contains("app.bad"))
	require.True(t, deps.Contains("app.uses-bad"))
}

func TestRequireFailureLeavesSessionUntouched(t *testing.T) {
	testlog.Start(t)
	orch, _ := newTestOrchestrator(t, backend.KindResident)
	deps := session.NewDependencySet()

	_, err := orch.Require(context.Background(), "app.a", "(ns app.a (:require app.b))\n(defn run [] (missing-fn))\n", deps)
	require.Equal(t, protocol.KindCompile, protocol.KindOf(err))
	require.Equal(t, 0, deps.Len())

	_, err = orch.Require(context.Background(), "app.a", "(ns app.other)\n", deps)
	require.ErrorContains(t, err, "declares namespace app.other, expected app.a")

	_, err = orch.Require(context.Background(), "app.a", "(+ 1 2)", deps)
	require.True(t, errors.Is(err, lang.ErrNotNamespace))

	_, err = orch.Require(context.Background(), "app.z", "(ns app.z (:require app.nowhere))", deps)
	require.True(t, errors.Is(err, lang.ErrSourceNotFound))
	require.Equal(t, 0, deps.Len())

	arts, err := orch.Require(context.Background(), "app.a", primarySource, deps)
	require.NoError(t, err)
	require.Len(t, arts, 3)
}

type panickingFrontEnd struct {
	*lang.Runtime
}

func (panickingFrontEnd) GenerateUnit(string, string) (string, error) {
	panic("analyzer exploded")
}

func TestHandleRecoversAndCorrelates(t *testing.T) {
	testlog.Start(t)
	base, _ := newTestOrchestrator(t, backend.KindResident)
	rt := lang.NewRuntime(lang.Options{})
	orch := NewOrchestrator(panickingFrontEnd{rt}, base.Backend())
	deps := session.NewDependencySet()

	resp := orch.Handle(context.Background(), protocol.Request{Op: protocol.OpCompile, ID: 9, Code: "(+ 1 2)", NS: "user"}, deps)
	require.Equal(t, protocol.OpError, resp.Op)
	require.Equal(t, int64(9), resp.ID)
	require.Equal(t, protocol.KindCompile, resp.Type)
	require.Contains(t, resp.Error, "analyzer exploded")
	require.Equal(t, "", rt.Current(), "binding released after a panic")

	resp = orch.Handle(context.Background(), protocol.Request{Op: protocol.OpPing, ID: 10}, deps)
	require.Equal(t, protocol.Pong(10), resp)

	resp = orch.Handle(context.Background(), protocol.Request{Op: protocol.OpSource, ID: 11, NS: "x", Source: "(ns x)"}, deps)
	require.Equal(t, protocol.OpError, resp.Op)
	require.Equal(t, protocol.KindProtocol, resp.Type)
	require.Equal(t, int64(11), resp.ID)
}

func TestHandleDispatch(t *testing.T) {
	testlog.Start(t)
	orch, _ := newTestOrchestrator(t, backend.KindResident)
	deps := session.NewDependencySet()

	resp := orch.Handle(context.Background(), protocol.Request{Op: protocol.OpCompile, ID: 1, Code: "(* 6 7)", NS: "user"}, deps)
	require.Equal(t, protocol.OpCompiled, resp.Op)
	require.NotEmpty(t, resp.Object)

	resp = orch.Handle(context.Background(), protocol.Request{Op: protocol.OpRequire, ID: 2, NS: "app.a", Source: primarySource}, deps)
	require.Equal(t, protocol.OpRequired, resp.Op)
	require.Len(t, resp.Modules, 3)

	resp = orch.Handle(context.Background(), protocol.Request{Op: protocol.OpNativeSource, ID: 3, Code: "(inc 1)", NS: "user"}, deps)
	require.Equal(t, protocol.OpNativeSourceResult, resp.Op)
	require.Contains(t, resp.Source, "call core/inc 1")

	resp = orch.Handle(context.Background(), protocol.Request{Op: protocol.OpCompile, ID: 4, Code: "(inc 1 2)", NS: "user"}, deps)
	require.Equal(t, protocol.KindCompile, resp.Type)
	require.Contains(t, resp.Error, "Wrong number of args (2) passed to: core/inc")
}
