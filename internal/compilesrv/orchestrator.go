package compilesrv

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/danmuck/edgejit/internal/backend"
	"github.com/danmuck/edgejit/internal/lang"
	"github.com/danmuck/edgejit/internal/observability"
	"github.com/danmuck/edgejit/internal/protocol"
	"github.com/danmuck/edgejit/internal/protocol/session"
	"github.com/danmuck/edgejit/internal/toolchain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LoadingSuffix marks module names produced by a namespace require.
const LoadingSuffix = "$loading__"

// FrontEnd is the language side of the service: analysis, IR generation and
// the server-side module loader. *lang.Runtime implements it.
type FrontEnd interface {
	Instance() string
	BindNamespace(ns string) func()
	GenerateUnit(src, wrapper string) (string, error)
	NativeHeaders(ns string) []string
	DeclaredNamespace(src string) (string, error)
	EvalNamespaceDecl(src string) (string, error)
	LoadedModules() []string
	IsCoreModule(name string) bool
	LocateSource(ns string) (string, string, error)
}

var _ FrontEnd = (*lang.Runtime)(nil)

// EntrySymbol is the niladic entry function generated for a wrapper.
func EntrySymbol(wrapper string) string {
	return "_" + lang.Munge(wrapper) + "_0"
}

// Orchestrator implements compile, require and native-source on top of a
// front end and a backend.
type Orchestrator struct {
	fe      FrontEnd
	be      backend.Backend
	counter atomic.Int64
	logger  zerolog.Logger
}

func NewOrchestrator(fe FrontEnd, be backend.Backend) *Orchestrator {
	return &Orchestrator{
		fe:     fe,
		be:     be,
		logger: log.With().Str("component", "compilesrv").Logger(),
	}
}

func (o *Orchestrator) Backend() backend.Backend {
	return o.be
}

// unit is one generated translation unit ready for the backend.
type unit struct {
	ns      string
	seq     int64
	wrapper string
	ir      string
}

// generate analyzes src in ns and wraps the result with the prelude, the
// namespace's native headers and the entry function.
func (o *Orchestrator) generate(src, ns, prefix string) (unit, error) {
	release := o.fe.BindNamespace(ns)
	defer release()

	seq := o.counter.Add(1)
	wrapper := fmt.Sprintf("%s/%s_%d_%s", ns, prefix, seq, o.fe.Instance())
	body, err := o.fe.GenerateUnit(src, wrapper)
	if err != nil {
		return unit{}, protocol.Wrap(protocol.KindCompile, err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, ".include %q\n", toolchain.PreludeHeader)
	for _, h := range o.fe.NativeHeaders(ns) {
		fmt.Fprintf(&b, ".include %q\n", h)
	}
	b.WriteString(body)
	fmt.Fprintf(&b, ".func %s 0 0\n  call %s 0\n  ret\n.end\n", EntrySymbol(wrapper), wrapper)
	return unit{ns: ns, seq: seq, wrapper: wrapper, ir: b.String()}, nil
}

func (o *Orchestrator) build(ctx context.Context, u unit, module string) (protocol.Artifact, error) {
	start := time.Now()
	obj, err := o.be.Compile(ctx, u.ir, module)
	observability.RecordCompile(string(o.be.Kind()), time.Since(start), err == nil)
	if err != nil {
		return protocol.Artifact{}, protocol.AsError(err, protocol.KindCrossCompile)
	}
	return protocol.Artifact{Name: module, EntrySymbol: EntrySymbol(u.wrapper), Object: obj}, nil
}

// Compile turns one fragment into an artifact. module overrides the default
// <ns>$repl_<n> module name.
func (o *Orchestrator) Compile(ctx context.Context, code, ns, module string) (protocol.Artifact, error) {
	if strings.TrimSpace(ns) == "" {
		ns = protocol.DefaultNamespace
	}
	u, err := o.generate(code, ns, "repl_fn")
	if err != nil {
		return protocol.Artifact{}, err
	}
	if strings.TrimSpace(module) == "" {
		module = fmt.Sprintf("%s$repl_%d", ns, u.seq)
	}
	return o.build(ctx, u, module)
}

// NativeSource returns the IR Compile would hand to the backend.
func (o *Orchestrator) NativeSource(code, ns string) (string, error) {
	if strings.TrimSpace(ns) == "" {
		ns = protocol.DefaultNamespace
	}
	u, err := o.generate(code, ns, "repl_fn")
	if err != nil {
		return "", err
	}
	return u.ir, nil
}

// Require ships ns and every dependency not yet in deps, dependencies first
// and ns last. A dependency that cannot be located or compiled is skipped;
// a failure of ns itself fails the request. deps changes only on success.
func (o *Orchestrator) Require(ctx context.Context, ns, source string, deps *session.DependencySet) ([]protocol.Artifact, error) {
	if deps.Contains(ns) {
		return []protocol.Artifact{}, nil
	}
	declared, err := o.fe.DeclaredNamespace(source)
	if err != nil {
		return nil, protocol.Wrap(protocol.KindCompile, err)
	}
	if declared != ns {
		return nil, protocol.Errorf(protocol.KindCompile, "source declares namespace %s, expected %s", declared, ns)
	}

	if err := o.loadDeclaration(ns, source); err != nil {
		return nil, err
	}

	modules := make([]protocol.Artifact, 0)
	shipped := make([]string, 0)
	for _, dep := range o.fe.LoadedModules() {
		if dep == ns || o.fe.IsCoreModule(dep) || deps.Contains(dep) {
			continue
		}
		path, src, err := o.fe.LocateSource(dep)
		if err != nil {
			o.logger.Warn().Err(err).Str("ns", ns).Str("dep", dep).Msg("compilesrv.Require dependency source missing, skipped")
			continue
		}
		art, err := o.compileNamespace(ctx, dep, src)
		if err != nil {
			o.logger.Warn().Err(err).Str("ns", ns).Str("dep", dep).Str("path", path).Msg("compilesrv.Require dependency failed, skipped")
			continue
		}
		modules = append(modules, art)
		shipped = append(shipped, dep)
	}

	primary, err := o.compileNamespace(ctx, ns, source)
	if err != nil {
		return nil, err
	}
	modules = append(modules, primary)
	shipped = append(shipped, ns)

	deps.AddAll(shipped)
	observability.RecordModulesShipped(len(modules))
	o.logger.Info().Str("ns", ns).Strs("modules", shipped).Msg("compilesrv.Require shipped")
	return modules, nil
}

// loadDeclaration evaluates only the ns form, which loads the dependency
// closure server-side.
func (o *Orchestrator) loadDeclaration(ns, source string) error {
	release := o.fe.BindNamespace(ns)
	defer release()
	if _, err := o.fe.EvalNamespaceDecl(source); err != nil {
		return protocol.Wrap(protocol.KindCompile, err)
	}
	return nil
}

func (o *Orchestrator) compileNamespace(ctx context.Context, ns, src string) (protocol.Artifact, error) {
	u, err := o.generate(src, ns, "load_fn")
	if err != nil {
		return protocol.Artifact{}, err
	}
	return o.build(ctx, u, ns+LoadingSuffix)
}

// Handle answers one request. Every failure, panics included, becomes an
// error response carrying the request id.
func (o *Orchestrator) Handle(ctx context.Context, req protocol.Request, deps *session.DependencySet) (resp protocol.Response) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error().Int64("id", req.ID).Str("op", string(req.Op)).Interface("panic", r).Msg("compilesrv.Handle recovered")
			resp = protocol.ErrorResponse(req.ID, protocol.Errorf(protocol.KindCompile, "internal: %v", r))
		}
		outcome := "ok"
		if resp.Op == protocol.OpError {
			outcome = string(resp.Type)
		}
		observability.RecordRequest(string(req.Op), outcome)
	}()

	switch req.Op {
	case protocol.OpPing:
		return protocol.Pong(req.ID)
	case protocol.OpCompile:
		art, err := o.Compile(ctx, req.Code, req.NS, req.Module)
		if err != nil {
			return o.fail(req, err)
		}
		return protocol.Compiled(req.ID, art)
	case protocol.OpRequire:
		modules, err := o.Require(ctx, req.NS, req.Source, deps)
		if err != nil {
			return o.fail(req, err)
		}
		return protocol.Required(req.ID, modules)
	case protocol.OpNativeSource:
		src, err := o.NativeSource(req.Code, req.NS)
		if err != nil {
			return o.fail(req, err)
		}
		return protocol.NativeSourceResult(req.ID, src)
	case protocol.OpSource:
		return o.fail(req, protocol.Errorf(protocol.KindProtocol, "%w: %q is reserved and not accepted", protocol.ErrUnknownOp, req.Op))
	default:
		return o.fail(req, protocol.Errorf(protocol.KindProtocol, "%w: %q", protocol.ErrUnknownOp, req.Op))
	}
}

func (o *Orchestrator) fail(req protocol.Request, err error) protocol.Response {
	o.logger.Warn().Err(err).Int64("id", req.ID).Str("op", string(req.Op)).Str("ns", req.NS).Msg("compilesrv.Handle request failed")
	return protocol.ErrorResponse(req.ID, err)
}
