package backend

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danmuck/edgejit/internal/objfile"
	"github.com/danmuck/edgejit/internal/protocol"
	"github.com/danmuck/edgejit/internal/testutil/testlog"
	"github.com/danmuck/edgejit/internal/toolchain"
	"github.com/danmuck/edgejit/internal/tools"
	"github.com/stretchr/testify/require"
)

const addUnit = `.include "prelude.irh"
.func _user_repl_fn_1_0 0 0
  const i 1
  const i 2
  call core/+ 2
  ret
.end
`

const brokenUnit = `.include "prelude.irh"
.func _user_repl_fn_2_0 0 0
  call nope 0
  ret
.end
`

func testConfig(t *testing.T, kind Kind) Config {
	t.Helper()
	return Config{
		Kind:       kind,
		Target:     PresetSimulator,
		ScratchDir: t.TempDir(),
		Runner:     toolchain.InProcessRunner{},
	}
}

func scratchFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func invoke(t *testing.T, module string, data []byte, entry string) objfile.Value {
	t.Helper()
	l := objfile.NewLinker(TargetSimulator, nil)
	require.NoError(t, l.Load(module, data))
	v, err := l.Invoke(entry)
	require.NoError(t, err)
	return v
}

func TestResolveTarget(t *testing.T) {
	testlog.Start(t)
	require.Equal(t, TargetSimulator, ResolveTarget(""))
	require.Equal(t, TargetSimulator, ResolveTarget("sim"))
	require.Equal(t, TargetDevice, ResolveTarget(" device "))
	require.Equal(t, "arm64-apple-tvos17.0", ResolveTarget("arm64-apple-tvos17.0"))
}

func TestToolchainArgs(t *testing.T) {
	testlog.Start(t)
	cfg := Config{
		Target:       TargetDevice,
		Sysroot:      "/sdk",
		PCH:          "/pch/prelude.pch",
		IncludePaths: []string{"/inc/a", "/inc/b"},
		Defines:      map[string]string{"DEBUG": "", "LEVEL": "2"},
		ExtraFlags:   []string{"-Wall"},
	}
	got := cfg.toolchainArgs("app.core$loading__", "/tmp/compile_1.ir", "/tmp/compile_1.o")
	want := []string{
		"-c", "-target", TargetDevice, "-sysroot", "/sdk", "-fPIC", "-O2",
		"-include-pch", "/pch/prelude.pch", "-I/inc/a", "-I/inc/b",
		"-DDEBUG", "-DLEVEL=2", "-Wall", "-fmodule-name=app.core$loading__",
		"-o", "/tmp/compile_1.o", "/tmp/compile_1.ir",
	}
	require.Equal(t, want, got)
}

func TestTransientCompileRemovesScratch(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig(t, KindTransient)
	b, err := NewTransient(cfg)
	require.NoError(t, err)
	require.Equal(t, KindTransient, b.Kind())

	data, err := b.Compile(context.Background(), addUnit, "user$repl_1")
	require.NoError(t, err)
	require.Empty(t, scratchFiles(t, cfg.ScratchDir))
	require.Equal(t, int64(3), invoke(t, "user$repl_1", data, "_user_repl_fn_1_0"))

	obj, err := objfile.Unmarshal(data)
	require.NoError(t, err)
	require.Equal(t, "user$repl_1", obj.Module)
	require.True(t, obj.PIC)
}

func TestTransientFailureKeepsSource(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig(t, KindTransient)
	b, err := NewTransient(cfg)
	require.NoError(t, err)

	_, err = b.Compile(context.Background(), brokenUnit, "user$repl_2")
	require.Error(t, err)
	require.Equal(t, protocol.KindCrossCompile, protocol.KindOf(err))
	require.Contains(t, err.Error(), "use of undeclared function 'nope'")
	require.Contains(t, err.Error(), "1 error generated.")
	kept := scratchFiles(t, cfg.ScratchDir)
	require.Len(t, kept, 1)
	require.Regexp(t, `^compile_\d+\.ir$`, kept[0])
	require.Contains(t, err.Error(), kept[0])
}

func TestTransientMissingObjectIsInternal(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig(t, KindTransient)
	var gotName string
	cfg.Runner = tools.RunnerFunc(func(_ context.Context, name string, _ ...string) ([]byte, []byte, int32, error) {
		gotName = name
		return nil, nil, 0, nil
	})
	b, err := NewTransient(cfg)
	require.NoError(t, err)

	_, err = b.Compile(context.Background(), addUnit, "m")
	var perr *protocol.Error
	require.True(t, errors.As(err, &perr))
	require.Equal(t, protocol.KindCrossCompile, perr.Kind)
	require.Contains(t, perr.Message, "internal:")
	require.Equal(t, DefaultToolchain, gotName)
	kept := scratchFiles(t, cfg.ScratchDir)
	require.Len(t, kept, 1)
	require.True(t, strings.HasSuffix(kept[0], ".ir"), kept[0])
	require.FileExists(t, filepath.Join(cfg.ScratchDir, kept[0]))
}

func TestTransientInstancesShareScratchDir(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig(t, KindTransient)
	first, err := NewTransient(cfg)
	require.NoError(t, err)
	_, err = first.Compile(context.Background(), brokenUnit, "user$repl_2")
	require.Error(t, err)
	kept := scratchFiles(t, cfg.ScratchDir)
	require.Len(t, kept, 1)
	keptPath := filepath.Join(cfg.ScratchDir, kept[0])
	keptBody, err := os.ReadFile(keptPath)
	require.NoError(t, err)

	// A restarted or second service on the same directory.
	second, err := NewTransient(cfg)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		data, err := second.Compile(context.Background(), addUnit, "user$repl_1")
		require.NoError(t, err)
		require.Equal(t, int64(3), invoke(t, "user$repl_1", data, "_user_repl_fn_1_0"))
	}

	require.Equal(t, kept, scratchFiles(t, cfg.ScratchDir))
	body, err := os.ReadFile(keptPath)
	require.NoError(t, err)
	require.Equal(t, keptBody, body)
	require.Equal(t, brokenUnit, string(body))
}

func TestTransientRunnerFailureWithoutStderr(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig(t, KindTransient)
	cfg.Toolchain = "/no/such/irc"
	cfg.Runner = tools.ExecRunner{}
	b, err := NewTransient(cfg)
	require.NoError(t, err)

	_, err = b.Compile(context.Background(), addUnit, "m")
	require.Equal(t, protocol.KindCrossCompile, protocol.KindOf(err))
	require.Contains(t, err.Error(), "exited with status 127")
}

func TestResidentMatchesTransient(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig(t, KindResident)
	r, err := NewResident(cfg)
	require.NoError(t, err)
	defer r.Close()
	tr, err := NewTransient(cfg)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		fromResident, err := r.Compile(context.Background(), addUnit, "user$repl_1")
		require.NoError(t, err)
		fromTransient, err := tr.Compile(context.Background(), addUnit, "user$repl_1")
		require.NoError(t, err)
		require.Equal(t, fromTransient, fromResident)
	}
	require.Equal(t, 1, r.Session().HeaderParses(), "prelude parsed once for the session")
	require.Equal(t, 3, r.Session().Compiles())

	_, err = r.Compile(context.Background(), brokenUnit, "bad")
	require.Equal(t, protocol.KindCrossCompile, protocol.KindOf(err))
	require.Contains(t, err.Error(), "use of undeclared function 'nope'")

	require.NoError(t, r.Close())
	_, err = r.Compile(context.Background(), addUnit, "m")
	require.ErrorContains(t, err, "internal: resident session closed")
}

func TestNewSelectsBackend(t *testing.T) {
	testlog.Start(t)
	b, err := New(testConfig(t, KindAuto))
	require.NoError(t, err)
	require.Equal(t, KindResident, b.Kind())

	b, err = New(testConfig(t, KindTransient))
	require.NoError(t, err)
	require.Equal(t, KindTransient, b.Kind())

	broken := testConfig(t, KindResident)
	broken.PCH = filepath.Join(t.TempDir(), "missing.pch")
	b, err = New(broken)
	require.NoError(t, err)
	require.Equal(t, KindTransient, b.Kind(), "resident falls back when the session cannot start")

	_, err = New(testConfig(t, Kind("distributed")))
	require.ErrorIs(t, err, ErrUnknownKind)
}
