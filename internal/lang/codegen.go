package lang

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrNoForms is returned for a unit with nothing to compile.
var ErrNoForms = errors.New("lang: no forms to compile")

// CompileError is an analysis failure in user source.
type CompileError struct {
	NS      string
	Line    int
	Message string
}

func (e *CompileError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s (%s:%d)", e.Message, e.NS, e.Line)
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.NS)
}

// Munge turns a qualified name into a plain identifier.
func Munge(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		case r == '.', r == '/', r == '-', r == '$':
			b.WriteByte('_')
		default:
			fmt.Fprintf(&b, "_%X_", r)
		}
	}
	return b.String()
}

// GenerateUnit translates every form of src, analyzed in the bound
// namespace, into an IR unit. Top-level expressions run in order inside the
// niladic function wrapper, which returns the value of the last one.
// Definitions become visible to later units only if the whole unit succeeds.
func (rt *Runtime) GenerateUnit(src, wrapper string) (string, error) {
	nsName := rt.Current()
	if nsName == "" {
		return "", fmt.Errorf("lang: no namespace bound")
	}
	forms, err := Read(src)
	if err != nil {
		return "", err
	}
	if len(forms) == 0 {
		return "", ErrNoForms
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	ns, ok := rt.namespaces[nsName]
	if !ok {
		ns = newNamespace(nsName)
		rt.namespaces[nsName] = ns
	}
	g := &unitGen{
		rt:          rt,
		ns:          ns,
		externs:     make(map[string]int),
		globals:     make(map[string]bool),
		varSet:      make(map[string]bool),
		unitFns:     make(map[string]int),
		pendingFns:  make(map[string]int),
		pendingVars: make(map[string]bool),
	}

	body := g.newFn(wrapper, 0)
	for i, f := range forms {
		if err := g.topLevel(body, f); err != nil {
			return "", err
		}
		if i < len(forms)-1 {
			body.emit("pop")
		}
	}
	body.emit("ret")
	g.funcs = append(g.funcs, body)

	for name, arity := range g.pendingFns {
		ns.Fns[name] = arity
	}
	for name := range g.pendingVars {
		ns.Vars[name] = true
	}
	return g.render(), nil
}

type unitGen struct {
	rt          *Runtime
	ns          *Namespace
	externs     map[string]int
	globals     map[string]bool
	vars        []string
	varSet      map[string]bool
	unitFns     map[string]int
	pendingFns  map[string]int
	pendingVars map[string]bool
	funcs       []*fnGen
}

type fnGen struct {
	name   string
	arity  int
	locals int
	labels int
	lines  []string
}

func (f *fnGen) emit(format string, args ...any) {
	f.lines = append(f.lines, "  "+fmt.Sprintf(format, args...))
}

func (f *fnGen) label() string {
	f.labels++
	return "L" + strconv.Itoa(f.labels)
}

func (f *fnGen) slot() int {
	f.locals++
	return f.locals - 1
}

type scope struct {
	parent *scope
	names  map[string]int
}

func (s *scope) lookup(name string) (int, bool) {
	for cur := s; cur != nil; cur = cur.parent {
		if slot, ok := cur.names[name]; ok {
			return slot, true
		}
	}
	return 0, false
}

func (g *unitGen) newFn(name string, arity int) *fnGen {
	return &fnGen{name: name, arity: arity, locals: arity}
}

func (g *unitGen) errorf(line int, format string, args ...any) error {
	return &CompileError{NS: g.ns.Name, Line: line, Message: fmt.Sprintf(format, args...)}
}

func (g *unitGen) qualify(name string) string {
	return g.ns.Name + "/" + name
}

func (g *unitGen) topLevel(body *fnGen, f Form) error {
	l, ok := f.(List)
	if ok && len(l.Items) > 0 {
		switch {
		case isSym(l.Items[0], "ns"):
			body.emit("const nil")
			return nil
		case isSym(l.Items[0], "defn"):
			return g.defn(body, l)
		case isSym(l.Items[0], "def"):
			return g.def(body, l, nil)
		}
	}
	return g.expr(body, nil, f)
}

func defnParams(l List) (Vector, bool) {
	for _, item := range l.Items[2:] {
		switch v := item.(type) {
		case string:
			continue
		case Vector:
			return v, true
		default:
			return Vector{}, false
		}
	}
	return Vector{}, false
}

func (g *unitGen) defn(body *fnGen, l List) error {
	if len(l.Items) < 3 {
		return g.errorf(l.Line, "defn: too few arguments")
	}
	name, ok := l.Items[1].(Symbol)
	if !ok || name.NS != "" {
		return g.errorf(l.Line, "defn: first argument must be a simple symbol")
	}
	params, ok := defnParams(l)
	if !ok {
		return g.errorf(l.Line, "defn %s: parameter vector required", name.Name)
	}
	rest := l.Items[2:]
	for len(rest) > 0 {
		if _, isDoc := rest[0].(string); !isDoc {
			break
		}
		rest = rest[1:]
	}
	rest = rest[1:]

	sc := &scope{names: make(map[string]int)}
	for i, p := range params.Items {
		sym, ok := p.(Symbol)
		if !ok || sym.NS != "" {
			return g.errorf(l.Line, "defn %s: parameters must be simple symbols", name.Name)
		}
		if sym.Name == "&" {
			return g.errorf(l.Line, "defn %s: variadic parameters are not supported", name.Name)
		}
		sc.names[sym.Name] = i
	}

	qualified := g.qualify(name.Name)
	arity := len(params.Items)
	if _, dup := g.unitFns[qualified]; dup {
		return g.errorf(l.Line, "defn %s: defined twice in one unit", name.Name)
	}
	// Registered before the body so the function can call itself.
	g.pendingFns[name.Name] = arity
	g.unitFns[qualified] = arity

	fn := g.newFn(qualified, arity)
	if err := g.bodyForms(fn, sc, rest); err != nil {
		return err
	}
	fn.emit("ret")
	g.funcs = append(g.funcs, fn)
	body.emit("const s %s", strconv.Quote("#'"+qualified))
	return nil
}

func (g *unitGen) def(body *fnGen, l List, sc *scope) error {
	if len(l.Items) < 2 || len(l.Items) > 3 {
		return g.errorf(l.Line, "def: expects a name and an optional value")
	}
	name, ok := l.Items[1].(Symbol)
	if !ok || name.NS != "" {
		return g.errorf(l.Line, "def: first argument must be a simple symbol")
	}
	qualified := g.qualify(name.Name)
	g.pendingVars[name.Name] = true
	if !g.varSet[qualified] {
		g.varSet[qualified] = true
		g.vars = append(g.vars, qualified)
	}
	if len(l.Items) == 3 {
		if err := g.expr(body, sc, l.Items[2]); err != nil {
			return err
		}
		body.emit("setvar %s", qualified)
	}
	body.emit("const s %s", strconv.Quote("#'"+qualified))
	return nil
}

func (g *unitGen) bodyForms(fn *fnGen, sc *scope, forms []Form) error {
	if len(forms) == 0 {
		fn.emit("const nil")
		return nil
	}
	for i, f := range forms {
		if err := g.expr(fn, sc, f); err != nil {
			return err
		}
		if i < len(forms)-1 {
			fn.emit("pop")
		}
	}
	return nil
}

func (g *unitGen) expr(fn *fnGen, sc *scope, f Form) error {
	switch v := f.(type) {
	case nil:
		fn.emit("const nil")
	case bool:
		fn.emit("const b %t", v)
	case int64:
		fn.emit("const i %d", v)
	case float64:
		fn.emit("const f %s", strconv.FormatFloat(v, 'g', -1, 64))
	case string:
		fn.emit("const s %s", strconv.Quote(v))
	case Keyword:
		fn.emit("const k %s", string(v))
	case Symbol:
		return g.symbolValue(fn, sc, v)
	case Vector:
		return g.errorf(v.Line, "vector literals are not supported")
	case List:
		return g.list(fn, sc, v)
	default:
		return g.errorf(0, "cannot compile %T", f)
	}
	return nil
}

func (g *unitGen) symbolValue(fn *fnGen, sc *scope, s Symbol) error {
	if s.NS == "" {
		if slot, ok := sc.lookup(s.Name); ok {
			fn.emit("load %d", slot)
			return nil
		}
	}
	target, kind := g.resolve(s)
	switch kind {
	case symVar:
		if !g.varSet[target] {
			g.globals[target] = true
		}
		fn.emit("gvar %s", target)
		return nil
	case symNative:
		fn.emit("gvar %s", target)
		return nil
	case symFn:
		return g.errorf(0, "Can't take value of function %s: functions are not first-class", s)
	default:
		return g.errorf(0, "Unable to resolve symbol: %s in this context", s)
	}
}

type symKind int

const (
	symUnknown symKind = iota
	symVar
	symFn
	symNative
)

// resolve finds what a non-local symbol names and returns its qualified form.
func (g *unitGen) resolve(s Symbol) (string, symKind) {
	nsName := s.NS
	if nsName == "" {
		if _, ok := g.pendingFns[s.Name]; ok {
			return g.qualify(s.Name), symFn
		}
		if g.pendingVars[s.Name] {
			return g.qualify(s.Name), symVar
		}
		if _, ok := g.ns.Fns[s.Name]; ok {
			return g.qualify(s.Name), symFn
		}
		if g.ns.Vars[s.Name] {
			return g.qualify(s.Name), symVar
		}
		if from, ok := g.ns.Refers[s.Name]; ok {
			return g.resolveIn(from, s.Name)
		}
		if _, ok := coreFns[s.Name]; ok {
			return CoreNamespace + "/" + s.Name, symFn
		}
		return "", symUnknown
	}
	if nsName == NativeNamespace {
		return s.String(), symNative
	}
	if target, ok := g.ns.Aliases[nsName]; ok {
		nsName = target
	}
	if nsName == g.ns.Name {
		return g.resolve(Symbol{Name: s.Name})
	}
	return g.resolveIn(nsName, s.Name)
}

func (g *unitGen) resolveIn(nsName, name string) (string, symKind) {
	ns, ok := g.rt.namespaces[nsName]
	if !ok {
		return "", symUnknown
	}
	if _, ok := ns.Fns[name]; ok {
		return nsName + "/" + name, symFn
	}
	if ns.Vars[name] {
		return nsName + "/" + name, symVar
	}
	return "", symUnknown
}

// arity returns the known arity of a resolved function.
func (g *unitGen) arity(qualified string) (int, bool) {
	if a, ok := g.unitFns[qualified]; ok {
		return a, true
	}
	nsName, name, _ := strings.Cut(qualified, "/")
	if nsName == g.ns.Name {
		if a, ok := g.pendingFns[name]; ok {
			return a, true
		}
	}
	ns, ok := g.rt.namespaces[nsName]
	if !ok {
		return 0, false
	}
	a, ok := ns.Fns[name]
	return a, ok
}

func (g *unitGen) list(fn *fnGen, sc *scope, l List) error {
	if len(l.Items) == 0 {
		fn.emit("const nil")
		return nil
	}
	head, ok := l.Items[0].(Symbol)
	if !ok {
		return g.errorf(l.Line, "cannot call %v: only named functions can be called", l.Items[0])
	}
	if head.NS == "" {
		if _, local := sc.lookup(head.Name); local {
			return g.errorf(l.Line, "cannot call local %s: functions are not first-class", head.Name)
		}
		switch head.Name {
		case "if":
			return g.ifForm(fn, sc, l)
		case "when":
			return g.whenForm(fn, sc, l)
		case "do":
			return g.bodyForms(fn, sc, l.Items[1:])
		case "let":
			return g.letForm(fn, sc, l)
		case "def", "defn", "ns":
			return g.errorf(l.Line, "%s is only allowed at top level", head.Name)
		case "quote", "fn", "loop", "recur":
			return g.errorf(l.Line, "%s is not supported", head.Name)
		}
	}

	target, kind := g.resolve(head)
	args := l.Items[1:]
	switch kind {
	case symFn:
		if arity, known := g.arity(target); known && arity >= 0 && arity != len(args) {
			return g.errorf(l.Line, "Wrong number of args (%d) passed to: %s", len(args), target)
		}
	case symNative:
	case symVar:
		return g.errorf(l.Line, "cannot call var %s: functions are not first-class", target)
	default:
		return g.errorf(l.Line, "Unable to resolve symbol: %s in this context", head)
	}
	for _, a := range args {
		if err := g.expr(fn, sc, a); err != nil {
			return err
		}
	}
	if kind == symFn && !strings.HasPrefix(target, CoreNamespace+"/") {
		if _, inUnit := g.unitFns[target]; !inUnit {
			arity, _ := g.arity(target)
			g.externs[target] = arity
		}
	}
	fn.emit("call %s %d", target, len(args))
	return nil
}

func (g *unitGen) ifForm(fn *fnGen, sc *scope, l List) error {
	if len(l.Items) < 3 {
		return g.errorf(l.Line, "Too few arguments to if")
	}
	if len(l.Items) > 4 {
		return g.errorf(l.Line, "Too many arguments to if")
	}
	elseLbl, endLbl := fn.label(), fn.label()
	if err := g.expr(fn, sc, l.Items[1]); err != nil {
		return err
	}
	fn.emit("jmpf %s", elseLbl)
	if err := g.expr(fn, sc, l.Items[2]); err != nil {
		return err
	}
	fn.emit("jmp %s", endLbl)
	fn.emit("label %s", elseLbl)
	if len(l.Items) == 4 {
		if err := g.expr(fn, sc, l.Items[3]); err != nil {
			return err
		}
	} else {
		fn.emit("const nil")
	}
	fn.emit("label %s", endLbl)
	return nil
}

func (g *unitGen) whenForm(fn *fnGen, sc *scope, l List) error {
	if len(l.Items) < 2 {
		return g.errorf(l.Line, "Too few arguments to when")
	}
	elseLbl, endLbl := fn.label(), fn.label()
	if err := g.expr(fn, sc, l.Items[1]); err != nil {
		return err
	}
	fn.emit("jmpf %s", elseLbl)
	if err := g.bodyForms(fn, sc, l.Items[2:]); err != nil {
		return err
	}
	fn.emit("jmp %s", endLbl)
	fn.emit("label %s", elseLbl)
	fn.emit("const nil")
	fn.emit("label %s", endLbl)
	return nil
}

func (g *unitGen) letForm(fn *fnGen, sc *scope, l List) error {
	if len(l.Items) < 2 {
		return g.errorf(l.Line, "let requires a binding vector")
	}
	bindings, ok := l.Items[1].(Vector)
	if !ok {
		return g.errorf(l.Line, "let requires a binding vector")
	}
	if len(bindings.Items)%2 != 0 {
		return g.errorf(l.Line, "let requires an even number of forms in binding vector")
	}
	inner := &scope{parent: sc, names: make(map[string]int)}
	for i := 0; i < len(bindings.Items); i += 2 {
		sym, ok := bindings.Items[i].(Symbol)
		if !ok || sym.NS != "" {
			return g.errorf(l.Line, "let binding names must be simple symbols")
		}
		if err := g.expr(fn, inner, bindings.Items[i+1]); err != nil {
			return err
		}
		slot := fn.slot()
		fn.emit("store %d", slot)
		inner.names[sym.Name] = slot
	}
	return g.bodyForms(fn, inner, l.Items[2:])
}

func (g *unitGen) render() string {
	var b strings.Builder
	for _, name := range sortedKeys(g.externs) {
		fmt.Fprintf(&b, ".extern %s %d\n", name, g.externs[name])
	}
	for _, name := range sortedKeys(g.globals) {
		fmt.Fprintf(&b, ".global %s\n", name)
	}
	for _, name := range g.vars {
		fmt.Fprintf(&b, ".var %s\n", name)
	}
	for _, fn := range g.funcs {
		fmt.Fprintf(&b, ".func %s %d %d\n", fn.name, fn.arity, fn.locals)
		for _, ln := range fn.lines {
			b.WriteString(ln)
			b.WriteByte('\n')
		}
		b.WriteString(".end\n")
	}
	return b.String()
}
