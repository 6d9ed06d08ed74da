package lang

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// CoreNamespace holds the host builtins. It is always loaded.
const CoreNamespace = "core"

// NativeNamespace prefixes functions and variables that native headers
// declare. The front end does not check them; the toolchain does.
const NativeNamespace = "native"

// SourceExtensions lists namespace file extensions by precedence.
var SourceExtensions = []string{".lisp", ".cljc"}

var (
	ErrSourceNotFound = errors.New("lang: namespace source not found")
	ErrCyclicLoad     = errors.New("lang: cyclic load dependency")
	ErrNotNamespace   = errors.New("lang: source does not start with an ns form")
)

// coreFns mirrors the core builtins; -1 marks variadic.
var coreFns = map[string]int{
	"+": -1, "-": -1, "*": -1, "/": -1, "mod": 2, "inc": 1, "dec": 1,
	"=": -1, "<": -1, ">": -1, "<=": -1, ">=": -1,
	"not": 1, "nil?": 1, "str": -1, "println": -1,
}

// Namespace records what one namespace defines and references.
type Namespace struct {
	Name     string
	Fns      map[string]int
	Vars     map[string]bool
	Aliases  map[string]string
	Refers   map[string]string
	Requires []string
	Includes []string
}

func newNamespace(name string) *Namespace {
	return &Namespace{
		Name:    name,
		Fns:     make(map[string]int),
		Vars:    make(map[string]bool),
		Aliases: make(map[string]string),
		Refers:  make(map[string]string),
	}
}

// Options configures a Runtime.
type Options struct {
	ModulePaths []string
}

// Runtime is the server-side namespace table and module loader. It keeps
// every namespace it ever loaded for the life of the process.
type Runtime struct {
	modulePaths []string
	instance    string
	counter     atomic.Int64

	mu         sync.RWMutex
	namespaces map[string]*Namespace
	loaded     []string
	loadedSet  map[string]bool
	loading    []string
	sources    map[string]string

	bindMu  sync.Mutex
	current string
}

func NewRuntime(opts Options) *Runtime {
	rt := &Runtime{
		modulePaths: append([]string(nil), opts.ModulePaths...),
		instance:    strings.ReplaceAll(uuid.NewString(), "-", "")[:8],
		namespaces:  make(map[string]*Namespace),
		loadedSet:   make(map[string]bool),
		sources:     make(map[string]string),
	}
	core := newNamespace(CoreNamespace)
	for name, arity := range coreFns {
		core.Fns[name] = arity
	}
	rt.namespaces[CoreNamespace] = core
	rt.loaded = append(rt.loaded, CoreNamespace)
	rt.loadedSet[CoreNamespace] = true
	return rt
}

// Instance is a per-process token that keeps generated names unique across
// service restarts.
func (rt *Runtime) Instance() string {
	return rt.instance
}

// UniqueName returns prefix followed by a process-unique suffix.
func (rt *Runtime) UniqueName(prefix string) string {
	return fmt.Sprintf("%s_%d_%s", prefix, rt.counter.Add(1), rt.instance)
}

// BindNamespace makes ns current, creating it if needed, and returns the
// function that restores the previous binding. Callers defer it so the
// binding ends on every exit path.
func (rt *Runtime) BindNamespace(ns string) func() {
	rt.ensureNamespace(ns)
	rt.bindMu.Lock()
	prev := rt.current
	rt.current = ns
	rt.bindMu.Unlock()
	return func() {
		rt.bindMu.Lock()
		rt.current = prev
		rt.bindMu.Unlock()
	}
}

// Current returns the bound namespace, or "" outside any binding.
func (rt *Runtime) Current() string {
	rt.bindMu.Lock()
	defer rt.bindMu.Unlock()
	return rt.current
}

func (rt *Runtime) ensureNamespace(name string) *Namespace {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	ns, ok := rt.namespaces[name]
	if !ok {
		ns = newNamespace(name)
		rt.namespaces[name] = ns
	}
	return ns
}

func (rt *Runtime) namespace(name string) (*Namespace, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	ns, ok := rt.namespaces[name]
	return ns, ok
}

// LoadedModules lists loaded namespaces in load order: every namespace
// appears after the namespaces it requires.
func (rt *Runtime) LoadedModules() []string {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	out := make([]string, len(rt.loaded))
	copy(out, rt.loaded)
	return out
}

// IsCoreModule reports whether name is provided by the host and never shipped.
func (rt *Runtime) IsCoreModule(name string) bool {
	return name == CoreNamespace || strings.HasPrefix(name, CoreNamespace+".")
}

// NativeHeaders returns the headers named by ns's (:include ...) clauses.
func (rt *Runtime) NativeHeaders(ns string) []string {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	n, ok := rt.namespaces[ns]
	if !ok {
		return nil
	}
	return append([]string(nil), n.Includes...)
}

// Namespaces lists known namespace names.
func (rt *Runtime) Namespaces() []string {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	out := make([]string, 0, len(rt.namespaces))
	for name := range rt.namespaces {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// NamespacePath maps a namespace to its relative source path without extension.
func NamespacePath(ns string) string {
	return filepath.Join(strings.Split(strings.ReplaceAll(ns, "-", "_"), ".")...)
}

// LocateSource finds the source of ns on the module paths. Extension
// precedence wins over path order.
func (rt *Runtime) LocateSource(ns string) (string, string, error) {
	rel := NamespacePath(ns)
	for _, ext := range SourceExtensions {
		for _, dir := range rt.modulePaths {
			path := filepath.Join(dir, rel+ext)
			data, err := os.ReadFile(path)
			if err == nil {
				return path, string(data), nil
			}
		}
	}
	return "", "", fmt.Errorf("%w: could not locate %s on module path", ErrSourceNotFound, ns)
}

// DeclaredNamespace returns the name in the leading ns form of src without
// evaluating anything.
func (rt *Runtime) DeclaredNamespace(src string) (string, error) {
	forms, err := Read(src)
	if err != nil {
		return "", err
	}
	decl, err := nsDecl(forms)
	if err != nil {
		return "", err
	}
	return decl.name, nil
}

// EvalNamespaceDecl evaluates only the leading ns form of src: it records
// aliases and includes and loads every required namespace that is not yet
// loaded. It returns the declared namespace name.
func (rt *Runtime) EvalNamespaceDecl(src string) (string, error) {
	forms, err := Read(src)
	if err != nil {
		return "", err
	}
	decl, err := nsDecl(forms)
	if err != nil {
		return "", err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if err := rt.evalNSLocked(decl); err != nil {
		return "", err
	}
	rt.markLoadedLocked(decl.name)
	return decl.name, nil
}

// Require loads ns and its dependency closure from the module paths.
func (rt *Runtime) Require(ns string) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.loadLocked(ns)
}

func (rt *Runtime) markLoadedLocked(name string) {
	if rt.loadedSet[name] {
		return
	}
	rt.loadedSet[name] = true
	rt.loaded = append(rt.loaded, name)
}

func (rt *Runtime) loadLocked(name string) error {
	if rt.loadedSet[name] {
		return nil
	}
	for i, l := range rt.loading {
		if l == name {
			chain := append(append([]string(nil), rt.loading[i:]...), name)
			return fmt.Errorf("%w: %s", ErrCyclicLoad, strings.Join(chain, " -> "))
		}
	}
	path, src, err := rt.LocateSource(name)
	if err != nil {
		return err
	}
	forms, err := Read(src)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	decl, err := nsDecl(forms)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if decl.name != name {
		return fmt.Errorf("%s: declares namespace %s, expected %s", path, decl.name, name)
	}

	rt.loading = append(rt.loading, name)
	defer func() { rt.loading = rt.loading[:len(rt.loading)-1] }()

	if err := rt.evalNSLocked(decl); err != nil {
		return err
	}
	ns := rt.namespaces[name]
	for _, f := range forms[1:] {
		declareTopLevel(ns, f)
	}
	rt.sources[name] = path
	rt.markLoadedLocked(name)
	log.Debug().Str("ns", name).Str("path", path).Msg("lang.Runtime loaded namespace")
	return nil
}

func (rt *Runtime) evalNSLocked(decl nsForm) error {
	ns, ok := rt.namespaces[decl.name]
	if !ok {
		ns = newNamespace(decl.name)
		rt.namespaces[decl.name] = ns
	}
	for _, inc := range decl.includes {
		if !contains(ns.Includes, inc) {
			ns.Includes = append(ns.Includes, inc)
		}
	}
	for _, req := range decl.requires {
		if req.ns == decl.name {
			return fmt.Errorf("%w: %s requires itself", ErrCyclicLoad, decl.name)
		}
		if !rt.IsCoreModule(req.ns) {
			if err := rt.loadLocked(req.ns); err != nil {
				return err
			}
		}
		if !contains(ns.Requires, req.ns) {
			ns.Requires = append(ns.Requires, req.ns)
		}
		if req.alias != "" {
			ns.Aliases[req.alias] = req.ns
		}
		for _, name := range req.refers {
			ns.Refers[name] = req.ns
		}
	}
	return nil
}

// declareTopLevel registers a def or defn so other units can resolve it.
func declareTopLevel(ns *Namespace, f Form) {
	l, ok := f.(List)
	if !ok || len(l.Items) < 2 {
		return
	}
	head, ok := l.Items[0].(Symbol)
	if !ok || head.NS != "" {
		return
	}
	name, ok := l.Items[1].(Symbol)
	if !ok || name.NS != "" {
		return
	}
	switch head.Name {
	case "def":
		ns.Vars[name.Name] = true
	case "defn":
		if params, ok := defnParams(l); ok {
			ns.Fns[name.Name] = len(params.Items)
		}
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

type requireSpec struct {
	ns     string
	alias  string
	refers []string
}

type nsForm struct {
	name     string
	requires []requireSpec
	includes []string
}

// nsDecl parses the leading (ns name clauses...) form of forms.
func nsDecl(forms []Form) (nsForm, error) {
	if len(forms) == 0 {
		return nsForm{}, ErrNotNamespace
	}
	l, ok := forms[0].(List)
	if !ok || len(l.Items) < 2 || !isSym(l.Items[0], "ns") {
		return nsForm{}, ErrNotNamespace
	}
	name, ok := l.Items[1].(Symbol)
	if !ok || name.NS != "" {
		return nsForm{}, fmt.Errorf("ns: namespace name must be a simple symbol")
	}
	decl := nsForm{name: name.Name}
	for _, clause := range l.Items[2:] {
		if _, isDoc := clause.(string); isDoc {
			continue
		}
		cl, ok := clause.(List)
		if !ok || len(cl.Items) == 0 {
			return nsForm{}, fmt.Errorf("ns %s: malformed clause", decl.name)
		}
		kw, ok := cl.Items[0].(Keyword)
		if !ok {
			return nsForm{}, fmt.Errorf("ns %s: clause must start with a keyword", decl.name)
		}
		switch kw {
		case "require":
			for _, spec := range cl.Items[1:] {
				req, err := parseRequireSpec(spec)
				if err != nil {
					return nsForm{}, fmt.Errorf("ns %s: %w", decl.name, err)
				}
				decl.requires = append(decl.requires, req)
			}
		case "include":
			for _, h := range cl.Items[1:] {
				s, ok := h.(string)
				if !ok {
					return nsForm{}, fmt.Errorf("ns %s: :include expects header name strings", decl.name)
				}
				decl.includes = append(decl.includes, s)
			}
		default:
			return nsForm{}, fmt.Errorf("ns %s: unsupported clause :%s", decl.name, kw)
		}
	}
	return decl, nil
}

func parseRequireSpec(spec Form) (requireSpec, error) {
	switch s := spec.(type) {
	case Symbol:
		if s.NS != "" {
			return requireSpec{}, fmt.Errorf("bad require spec %s", s)
		}
		return requireSpec{ns: s.Name}, nil
	case Vector:
		if len(s.Items) == 0 {
			return requireSpec{}, fmt.Errorf("empty require spec")
		}
		name, ok := s.Items[0].(Symbol)
		if !ok || name.NS != "" {
			return requireSpec{}, fmt.Errorf("require spec must start with a namespace symbol")
		}
		req := requireSpec{ns: name.Name}
		opts := s.Items[1:]
		if len(opts)%2 != 0 {
			return requireSpec{}, fmt.Errorf("require spec for %s has an odd option list", req.ns)
		}
		for i := 0; i < len(opts); i += 2 {
			kw, _ := opts[i].(Keyword)
			switch kw {
			case "as":
				alias, ok := opts[i+1].(Symbol)
				if !ok || alias.NS != "" {
					return requireSpec{}, fmt.Errorf(":as expects a symbol")
				}
				req.alias = alias.Name
			case "refer":
				v, ok := opts[i+1].(Vector)
				if !ok {
					return requireSpec{}, fmt.Errorf(":refer expects a vector")
				}
				for _, item := range v.Items {
					sym, ok := item.(Symbol)
					if !ok || sym.NS != "" {
						return requireSpec{}, fmt.Errorf(":refer expects symbols")
					}
					req.refers = append(req.refers, sym.Name)
				}
			default:
				return requireSpec{}, fmt.Errorf("unsupported require option %v", opts[i])
			}
		}
		return req, nil
	default:
		return requireSpec{}, fmt.Errorf("bad require spec %v", spec)
	}
}

func isSym(f Form, name string) bool {
	s, ok := f.(Symbol)
	return ok && s.NS == "" && s.Name == name
}
