package objfile

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danmuck/edgejit/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

const testTarget = "arm64-apple-ios17.0-simulator"

func intConst(i int64) Const { return Const{Kind: ConstInt, I: i} }

func encode(t *testing.T, obj Object) []byte {
	t.Helper()
	if obj.Target == "" {
		obj.Target = testTarget
	}
	data, err := obj.Marshal()
	require.NoError(t, err)
	return data
}

func addObject(t *testing.T) []byte {
	return encode(t, Object{
		PIC:     true,
		Module:  "user$repl_1",
		Externs: []Symbol{{Name: "core/+", Arity: -1}},
		Funcs: []Func{{
			Name:   "_user__add_0",
			Consts: []Const{intConst(1), intConst(2)},
			Code: []Instr{
				{Op: OpConst, A: 0},
				{Op: OpConst, A: 1},
				{Op: OpCall, A: 2, Sym: "core/+"},
				{Op: OpRet},
			},
		}},
	})
}

func TestLoadAndInvoke(t *testing.T) {
	testlog.Start(t)
	l := NewLinker(testTarget, nil)
	require.NoError(t, l.Load("user$repl_1", addObject(t)))
	v, err := l.Invoke("_user__add_0")
	require.NoError(t, err)
	require.Equal(t, int64(3), v)
	require.Equal(t, []string{"user$repl_1"}, l.Modules())
}

func TestLoadRejectsBadObjects(t *testing.T) {
	testlog.Start(t)
	l := NewLinker(testTarget, nil)

	err := l.Load("junk", []byte{0xc1, 0x00})
	require.True(t, errors.Is(err, ErrBadObject), "got %v", err)

	other := encode(t, Object{Target: "x86_64-unknown-linux", PIC: true, Funcs: []Func{}})
	err = l.Load("other", other)
	require.True(t, errors.Is(err, ErrTargetMismatch), "got %v", err)

	static := encode(t, Object{PIC: false, Funcs: []Func{}})
	err = l.Load("static", static)
	require.True(t, errors.Is(err, ErrNotPIC), "got %v", err)
	require.True(t, IsLoadError(err))

	bad := encode(t, Object{PIC: true, Funcs: []Func{{Name: "f", Code: []Instr{{Op: OpConst, A: 3}}}}})
	err = l.Load("bad", bad)
	require.True(t, errors.Is(err, ErrBadObject), "got %v", err)
}

func TestTwoPhaseLinking(t *testing.T) {
	testlog.Start(t)
	caller := encode(t, Object{
		PIC:     true,
		Module:  "app.a$loading__",
		Externs: []Symbol{{Name: "app.b/twice", Arity: 1}},
		Funcs: []Func{{
			Name:   "_app_a_0",
			Consts: []Const{intConst(21)},
			Code: []Instr{
				{Op: OpConst, A: 0},
				{Op: OpCall, A: 1, Sym: "app.b/twice"},
				{Op: OpRet},
			},
		}},
	})
	callee := encode(t, Object{
		PIC:     true,
		Module:  "app.b$loading__",
		Externs: []Symbol{{Name: "core/*", Arity: -1}},
		Funcs: []Func{{
			Name:   "app.b/twice",
			Arity:  1,
			Locals: 1,
			Consts: []Const{intConst(2)},
			Code: []Instr{
				{Op: OpLoad, A: 0},
				{Op: OpConst, A: 0},
				{Op: OpCall, A: 2, Sym: "core/*"},
				{Op: OpRet},
			},
		}},
	})

	l := NewLinker(testTarget, nil)
	require.NoError(t, l.Load("app.a$loading__", caller))
	err := l.Lookup("_app_a_0")
	require.True(t, errors.Is(err, ErrUnresolved), "got %v", err)
	require.Contains(t, err.Error(), "app.b/twice")

	require.NoError(t, l.Load("app.b$loading__", callee))
	v, err := l.Invoke("_app_a_0")
	require.NoError(t, err)
	require.Equal(t, int64(42), v)
}

func TestVarsAndBranches(t *testing.T) {
	testlog.Start(t)
	// (def x 5) (if (< x 3) "small" "big")
	obj := encode(t, Object{
		PIC:  true,
		Vars: []string{"user/x"},
		Funcs: []Func{{
			Name:   "_entry_0",
			Consts: []Const{intConst(5), intConst(3), {Kind: ConstString, S: "small"}, {Kind: ConstString, S: "big"}},
			Code: []Instr{
				{Op: OpConst, A: 0},
				{Op: OpSetVar, Sym: "user/x"},
				{Op: OpGVar, Sym: "user/x"},
				{Op: OpConst, A: 1},
				{Op: OpCall, A: 2, Sym: "core/<"},
				{Op: OpJmpF, A: 8},
				{Op: OpConst, A: 2},
				{Op: OpRet},
				{Op: OpConst, A: 3},
				{Op: OpRet},
			},
		}},
	})
	l := NewLinker(testTarget, nil)
	require.NoError(t, l.Load("m", obj))
	v, err := l.Invoke("_entry_0")
	require.NoError(t, err)
	require.Equal(t, "big", v)
	x, ok := l.VarValue("user/x")
	require.True(t, ok)
	require.Equal(t, int64(5), x)
}

func TestRuntimeErrors(t *testing.T) {
	testlog.Start(t)
	var out bytes.Buffer
	obj := encode(t, Object{
		PIC:     true,
		Globals: []string{"user/y"},
		Vars:    []string{"user/y"},
		Funcs: []Func{
			{
				Name:   "div0",
				Consts: []Const{intConst(1), intConst(0)},
				Code:   []Instr{{Op: OpConst, A: 0}, {Op: OpConst, A: 1}, {Op: OpCall, A: 2, Sym: "core//"}, {Op: OpRet}},
			},
			{
				Name: "unbound",
				Code: []Instr{{Op: OpGVar, Sym: "user/y"}, {Op: OpRet}},
			},
			{
				Name:   "hello",
				Consts: []Const{{Kind: ConstString, S: "hello"}, {Kind: ConstKeyword, S: "k"}},
				Code:   []Instr{{Op: OpConst, A: 0}, {Op: OpConst, A: 1}, {Op: OpCall, A: 2, Sym: "core/println"}, {Op: OpRet}},
			},
			{
				Name:  "loop",
				Code:  []Instr{{Op: OpCall, A: 0, Sym: "loop"}, {Op: OpRet}},
				Arity: 0,
			},
		},
	})
	l := NewLinker(testTarget, &out)
	require.NoError(t, l.Load("m", obj))

	_, err := l.Invoke("div0")
	var rerr *RuntimeError
	require.True(t, errors.As(err, &rerr), "got %v", err)
	require.Contains(t, rerr.Message, "Divide by zero")
	require.False(t, IsLoadError(err))

	_, err = l.Invoke("unbound")
	require.True(t, errors.As(err, &rerr))
	require.Contains(t, rerr.Message, "unbound")

	v, err := l.Invoke("hello")
	require.NoError(t, err)
	require.Nil(t, v)
	require.Equal(t, "hello :k\n", out.String())

	_, err = l.Invoke("loop")
	require.True(t, errors.As(err, &rerr))
	require.Equal(t, "stack overflow", rerr.Message)

	_, err = l.Invoke("missing")
	require.True(t, errors.Is(err, ErrSymbolNotFound))
}

func TestRedefinitionReplacesFunction(t *testing.T) {
	testlog.Start(t)
	def := func(v int64) []byte {
		return encode(t, Object{PIC: true, Funcs: []Func{{
			Name:   "user/f",
			Consts: []Const{intConst(v)},
			Code:   []Instr{{Op: OpConst, A: 0}, {Op: OpRet}},
		}}})
	}
	l := NewLinker(testTarget, nil)
	require.NoError(t, l.Load("m1", def(1)))
	require.NoError(t, l.Load("m2", def(2)))
	v, err := l.Invoke("user/f")
	require.NoError(t, err)
	require.Equal(t, int64(2), v)
}

func TestRegisterNative(t *testing.T) {
	testlog.Start(t)
	l := NewLinker(testTarget, nil)
	l.RegisterNative("native/read_temp", 0, func([]Value) (Value, error) { return 21.5, nil })
	obj := encode(t, Object{
		PIC:     true,
		Externs: []Symbol{{Name: "native/read_temp", Arity: 0}},
		Funcs: []Func{{
			Name: "_t_0",
			Code: []Instr{{Op: OpCall, A: 0, Sym: "native/read_temp"}, {Op: OpRet}},
		}},
	})
	require.NoError(t, l.Load("t", obj))
	v, err := l.Invoke("_t_0")
	require.NoError(t, err)
	require.Equal(t, 21.5, v)
}

func TestBuiltinArithmetic(t *testing.T) {
	testlog.Start(t)
	l := NewLinker(testTarget, nil)
	cases := []struct {
		sym  string
		args []Value
		want Value
	}{
		{"core/+", nil, int64(0)},
		{"core/+", []Value{int64(1), 2.5}, 3.5},
		{"core/-", []Value{int64(5)}, int64(-5)},
		{"core/-", []Value{int64(10), int64(3), int64(2)}, int64(5)},
		{"core//", []Value{int64(6), int64(3)}, int64(2)},
		{"core//", []Value{int64(1), int64(2)}, 0.5},
		{"core/mod", []Value{int64(-7), int64(3)}, int64(2)},
		{"core/inc", []Value{int64(41)}, int64(42)},
		{"core/=", []Value{int64(1), 1.0}, true},
		{"core/<", []Value{int64(1), int64(2), int64(3)}, true},
		{"core/>=", []Value{int64(1), int64(2)}, false},
		{"core/str", []Value{"a", int64(1), nil, Keyword("k")}, "a1:k"},
		{"core/not", []Value{nil}, true},
	}
	for _, tc := range cases {
		got, err := l.Call(tc.sym, tc.args...)
		require.NoError(t, err, tc.sym)
		require.Equal(t, tc.want, got, "%s %v", tc.sym, tc.args)
	}
}

func TestFormatValue(t *testing.T) {
	testlog.Start(t)
	require.Equal(t, "nil", FormatValue(nil))
	require.Equal(t, `"hi"`, FormatValue("hi"))
	require.Equal(t, "3", FormatValue(int64(3)))
	require.Equal(t, "2.0", FormatValue(2.0))
	require.Equal(t, "0.25", FormatValue(0.25))
	require.Equal(t, ":ok", FormatValue(Keyword("ok")))
	require.Equal(t, "true", FormatValue(true))
}
