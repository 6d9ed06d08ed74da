package remoteeval

import (
	"context"
	"strings"
	"sync"

	"github.com/danmuck/edgejit/internal/compileclient"
	"github.com/danmuck/edgejit/internal/objfile"
	"github.com/danmuck/edgejit/internal/protocol"
	"github.com/rs/zerolog/log"
)

// Evaluator evaluates code in a namespace. An empty ns means the
// evaluator's current namespace.
type Evaluator interface {
	Eval(ctx context.Context, code, ns string) (objfile.Value, error)
}

// NamespaceLoader loads a namespace and its dependency closure. Remote and
// Local implement it.
type NamespaceLoader interface {
	LoadNamespace(ctx context.Context, ns, source string) ([]string, error)
}

// Compiler produces artifacts. *compileclient.Client implements it over the
// wire and InProcess implements it locally.
type Compiler interface {
	Compile(ctx context.Context, code, ns, module string) (protocol.Artifact, error)
	Require(ctx context.Context, ns, source string) ([]protocol.Artifact, error)
}

// Loader links relocatable objects into the running image from memory.
// *objfile.Linker implements it.
type Loader interface {
	Load(name string, object []byte) error
	Invoke(symbol string) (objfile.Value, error)
}

var (
	_ Compiler        = (*compileclient.Client)(nil)
	_ Loader          = (*objfile.Linker)(nil)
	_ NamespaceLoader = (*Remote)(nil)
	_ NamespaceLoader = (*Local)(nil)
)

// engine is the compile, load, invoke pipeline shared by Remote and Local.
type engine struct {
	compiler Compiler
	loader   Loader

	mu sync.Mutex
	ns string
}

// Namespace returns the current namespace.
func (e *engine) Namespace() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ns
}

// SetNamespace changes the namespace used when Eval gets none.
func (e *engine) SetNamespace(ns string) {
	ns = strings.TrimSpace(ns)
	if ns == "" {
		ns = protocol.DefaultNamespace
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ns = ns
}

func (e *engine) eval(ctx context.Context, code, ns string) (objfile.Value, error) {
	if strings.TrimSpace(ns) == "" {
		ns = e.Namespace()
	}
	art, err := e.compiler.Compile(ctx, code, ns, "")
	if err != nil {
		return nil, fromCompiler(err)
	}
	if err := e.loader.Load(art.Name, art.Object); err != nil {
		return nil, fromLoader(err)
	}
	v, err := e.loader.Invoke(art.EntrySymbol)
	if err != nil {
		return nil, fromLoader(err)
	}
	return v, nil
}

// loadNamespace loads every artifact before invoking any entry, so a module
// never runs before the whole closure is linked. Entries run in the order
// received: dependencies first, ns last.
func (e *engine) loadNamespace(ctx context.Context, ns, source string) ([]string, error) {
	arts, err := e.compiler.Require(ctx, ns, source)
	if err != nil {
		return nil, fromCompiler(err)
	}
	names := make([]string, 0, len(arts))
	for _, a := range arts {
		if err := e.loader.Load(a.Name, a.Object); err != nil {
			return nil, fromLoader(err)
		}
		names = append(names, a.Name)
	}
	for _, a := range arts {
		if _, err := e.loader.Invoke(a.EntrySymbol); err != nil {
			return nil, fromLoader(err)
		}
	}
	log.Debug().Str("ns", ns).Strs("modules", names).Msg("remoteeval loaded namespace")
	return names, nil
}

// Remote evaluates through a compile service. When disabled it hands every
// evaluation to its fallback.
type Remote struct {
	engine

	stateMu  sync.RWMutex
	enabled  bool
	fallback Evaluator
}

func NewRemote(c Compiler, l Loader) *Remote {
	return &Remote{
		engine:  engine{compiler: c, loader: l, ns: protocol.DefaultNamespace},
		enabled: true,
	}
}

func (r *Remote) Enabled() bool {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	return r.enabled
}

func (r *Remote) SetEnabled(enabled bool) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	r.enabled = enabled
}

// SetFallback sets the evaluator used while remote evaluation is disabled.
func (r *Remote) SetFallback(ev Evaluator) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	r.fallback = ev
}

func (r *Remote) Eval(ctx context.Context, code, ns string) (objfile.Value, error) {
	r.stateMu.RLock()
	enabled, fallback := r.enabled, r.fallback
	r.stateMu.RUnlock()
	if !enabled {
		if fallback == nil {
			return nil, &EvalError{Kind: KindConnection, Message: ErrDisabled.Error(), Err: ErrDisabled}
		}
		if strings.TrimSpace(ns) == "" {
			ns = r.Namespace()
		}
		return fallback.Eval(ctx, code, ns)
	}
	return r.eval(ctx, code, ns)
}

// LoadNamespace requires ns from the service and runs every module it ships.
// It returns the loaded module names; an already shipped ns loads nothing.
// While disabled it goes to the fallback when that can load namespaces.
func (r *Remote) LoadNamespace(ctx context.Context, ns, source string) ([]string, error) {
	r.stateMu.RLock()
	enabled, fallback := r.enabled, r.fallback
	r.stateMu.RUnlock()
	if !enabled {
		if nl, ok := fallback.(NamespaceLoader); ok {
			return nl.LoadNamespace(ctx, ns, source)
		}
		return nil, &EvalError{Kind: KindConnection, Message: ErrDisabled.Error(), Err: ErrDisabled}
	}
	return r.loadNamespace(ctx, ns, source)
}
