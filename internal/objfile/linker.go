package objfile

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

var (
	ErrUnresolved     = errors.New("objfile: unresolved symbol")
	ErrSymbolNotFound = errors.New("objfile: symbol not found")
)

// RuntimeError is a failure raised while running loaded code.
type RuntimeError struct {
	Symbol  string
	Message string
}

func (e *RuntimeError) Error() string {
	if e.Symbol == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (in %s)", e.Message, e.Symbol)
}

// IsLoadError reports whether err came from loading or linking rather than
// from running code.
func IsLoadError(err error) bool {
	return errors.Is(err, ErrBadObject) ||
		errors.Is(err, ErrTargetMismatch) ||
		errors.Is(err, ErrNotPIC) ||
		errors.Is(err, ErrUnresolved) ||
		errors.Is(err, ErrSymbolNotFound)
}

// DefaultMaxDepth bounds nested calls before a stack overflow is reported.
const DefaultMaxDepth = 4096

type linkedFunc struct {
	name   string
	module string
	arity  int
	code   *Func
	consts []Value
	native NativeFunc
}

type varCell struct {
	value Value
	bound bool
}

type loadedModule struct {
	name    string
	externs []Symbol
	globals []string
}

// Linker holds every module loaded into one process image. A later
// definition of a function replaces the earlier one, the way a REPL
// redefinition does.
type Linker struct {
	target   string
	maxDepth int

	mu      sync.RWMutex
	funcs   map[string]*linkedFunc
	vars    map[string]*varCell
	modules map[string]*loadedModule
	order   []string
}

// NewLinker returns a loader for objects built for target. Core builtins are
// preloaded; println writes to out.
func NewLinker(target string, out io.Writer) *Linker {
	l := &Linker{
		target:   target,
		maxDepth: DefaultMaxDepth,
		funcs:    make(map[string]*linkedFunc),
		vars:     make(map[string]*varCell),
		modules:  make(map[string]*loadedModule),
	}
	for _, b := range Builtins(out) {
		l.funcs[b.Name] = &linkedFunc{name: b.Name, module: CoreNamespace, arity: b.Arity, native: b.Fn}
	}
	return l
}

func (l *Linker) Target() string {
	return l.target
}

// RegisterNative exposes a host function to loaded code under name.
func (l *Linker) RegisterNative(name string, arity int, fn NativeFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.funcs[name] = &linkedFunc{name: name, module: "native", arity: arity, native: fn}
}

// Load decodes object and registers its definitions. References are not
// resolved until Lookup.
func (l *Linker) Load(name string, object []byte) error {
	obj, err := Unmarshal(object)
	if err != nil {
		return errors.Wrapf(err, "load %s", name)
	}
	if l.target != "" && obj.Target != l.target {
		return errors.Wrapf(ErrTargetMismatch, "load %s: object target %q, loader target %q", name, obj.Target, l.target)
	}
	if !obj.PIC {
		return errors.Wrapf(ErrNotPIC, "load %s", name)
	}
	if name == "" {
		name = obj.Module
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range obj.Funcs {
		fn := &obj.Funcs[i]
		consts := make([]Value, len(fn.Consts))
		for j, c := range fn.Consts {
			consts[j] = c.Value()
		}
		l.funcs[fn.Name] = &linkedFunc{name: fn.Name, module: name, arity: fn.Arity, code: fn, consts: consts}
	}
	for _, v := range obj.Vars {
		if _, ok := l.vars[v]; !ok {
			l.vars[v] = &varCell{}
		}
	}
	if _, seen := l.modules[name]; !seen {
		l.order = append(l.order, name)
	}
	l.modules[name] = &loadedModule{name: name, externs: obj.Externs, globals: obj.Globals}
	return nil
}

// Modules lists loaded module names in first-load order.
func (l *Linker) Modules() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, len(l.order))
	copy(out, l.order)
	return out
}

// Lookup resolves symbol and every reference of the module defining it.
func (l *Linker) Lookup(symbol string) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	fn, ok := l.funcs[symbol]
	if !ok {
		return errors.Wrapf(ErrSymbolNotFound, "%s", symbol)
	}
	mod, ok := l.modules[fn.module]
	if !ok {
		return nil
	}
	var missing []string
	for _, ext := range mod.externs {
		target, ok := l.funcs[ext.Name]
		if !ok {
			missing = append(missing, ext.Name)
			continue
		}
		if ext.Arity >= 0 && target.arity >= 0 && ext.Arity != target.arity {
			return errors.Wrapf(ErrUnresolved, "%s: %s declared with arity %d, defined with %d", mod.name, ext.Name, ext.Arity, target.arity)
		}
	}
	for _, g := range mod.globals {
		if _, ok := l.vars[g]; !ok {
			missing = append(missing, g)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return errors.Wrapf(ErrUnresolved, "%s: %s", mod.name, strings.Join(missing, ", "))
	}
	return nil
}

// Invoke resolves symbol and calls it with no arguments.
func (l *Linker) Invoke(symbol string) (Value, error) {
	return l.Call(symbol)
}

// Call resolves symbol and calls it with args.
func (l *Linker) Call(symbol string, args ...Value) (result Value, err error) {
	if err := l.Lookup(symbol); err != nil {
		return nil, err
	}
	fn, _ := l.function(symbol)
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = &RuntimeError{Symbol: symbol, Message: fmt.Sprint(r)}
		}
	}()
	return l.exec(fn, args, 0)
}

// VarValue returns the value of a loaded variable.
func (l *Linker) VarValue(name string) (Value, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	cell, ok := l.vars[name]
	if !ok || !cell.bound {
		return nil, false
	}
	return cell.value, true
}

func (l *Linker) function(name string) (*linkedFunc, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	fn, ok := l.funcs[name]
	return fn, ok
}

// readVar returns the value of name, whether it is bound, and whether it exists.
func (l *Linker) readVar(name string) (Value, bool, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	c, ok := l.vars[name]
	if !ok {
		return nil, false, false
	}
	return c.value, c.bound, true
}

func (l *Linker) exec(fn *linkedFunc, args []Value, depth int) (Value, error) {
	if depth > l.maxDepth {
		return nil, &RuntimeError{Symbol: fn.name, Message: "stack overflow"}
	}
	if fn.arity >= 0 && len(args) != fn.arity {
		return nil, &RuntimeError{Symbol: fn.name, Message: fmt.Sprintf("wrong number of args (%d) passed to %s", len(args), fn.name)}
	}
	if fn.native != nil {
		v, err := fn.native(args)
		if err != nil {
			var rerr *RuntimeError
			if errors.As(err, &rerr) {
				return nil, err
			}
			return nil, &RuntimeError{Symbol: fn.name, Message: err.Error()}
		}
		return v, nil
	}

	code := fn.code
	locals := make([]Value, max(code.Locals, len(args)))
	copy(locals, args)
	stack := make([]Value, 0, 16)
	pop := func() Value {
		if len(stack) == 0 {
			panic(fmt.Sprintf("%s: operand stack underflow", fn.name))
		}
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return v
	}

	for pc := 0; pc < len(code.Code); pc++ {
		in := code.Code[pc]
		switch in.Op {
		case OpConst:
			stack = append(stack, fn.consts[in.A])
		case OpLoad:
			stack = append(stack, locals[in.A])
		case OpStore:
			locals[in.A] = pop()
		case OpGVar:
			v, bound, ok := l.readVar(in.Sym)
			if !ok {
				return nil, errors.Wrapf(ErrUnresolved, "%s: variable %s", fn.name, in.Sym)
			}
			if !bound {
				return nil, &RuntimeError{Symbol: fn.name, Message: fmt.Sprintf("Var %s is unbound", in.Sym)}
			}
			stack = append(stack, v)
		case OpSetVar:
			v := pop()
			l.mu.Lock()
			c, ok := l.vars[in.Sym]
			if !ok {
				c = &varCell{}
				l.vars[in.Sym] = c
			}
			c.value, c.bound = v, true
			l.mu.Unlock()
		case OpCall:
			argc := int(in.A)
			if argc > len(stack) {
				panic(fmt.Sprintf("%s: operand stack underflow", fn.name))
			}
			callArgs := make([]Value, argc)
			copy(callArgs, stack[len(stack)-argc:])
			stack = stack[:len(stack)-argc]
			target, ok := l.function(in.Sym)
			if !ok {
				return nil, errors.Wrapf(ErrUnresolved, "%s: function %s", fn.name, in.Sym)
			}
			v, err := l.exec(target, callArgs, depth+1)
			if err != nil {
				return nil, err
			}
			stack = append(stack, v)
		case OpJmp:
			pc = int(in.A) - 1
		case OpJmpF:
			if !Truthy(pop()) {
				pc = int(in.A) - 1
			}
		case OpPop:
			pop()
		case OpRet:
			if len(stack) == 0 {
				return nil, nil
			}
			return pop(), nil
		}
	}
	if len(stack) == 0 {
		return nil, nil
	}
	return stack[len(stack)-1], nil
}
