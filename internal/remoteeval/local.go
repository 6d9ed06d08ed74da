package remoteeval

import (
	"context"

	"github.com/danmuck/edgejit/internal/compilesrv"
	"github.com/danmuck/edgejit/internal/objfile"
	"github.com/danmuck/edgejit/internal/protocol"
	"github.com/danmuck/edgejit/internal/protocol/session"
)

// InProcess runs an orchestrator directly as a Compiler. It keeps one
// dependency set, as a single long-lived session would.
type InProcess struct {
	orch *compilesrv.Orchestrator
	deps *session.DependencySet
}

func NewInProcess(orch *compilesrv.Orchestrator) *InProcess {
	return &InProcess{orch: orch, deps: session.NewDependencySet()}
}

func (p *InProcess) Compile(ctx context.Context, code, ns, module string) (protocol.Artifact, error) {
	return p.orch.Compile(ctx, code, ns, module)
}

func (p *InProcess) Require(ctx context.Context, ns, source string) ([]protocol.Artifact, error) {
	return p.orch.Require(ctx, ns, source, p.deps)
}

// Local evaluates without a network hop. Failures have the same type and
// kinds as Remote's.
type Local struct {
	engine
}

func NewLocal(orch *compilesrv.Orchestrator, l Loader) *Local {
	return &Local{engine: engine{compiler: NewInProcess(orch), loader: l, ns: protocol.DefaultNamespace}}
}

func (l *Local) Eval(ctx context.Context, code, ns string) (objfile.Value, error) {
	return l.eval(ctx, code, ns)
}

func (l *Local) LoadNamespace(ctx context.Context, ns, source string) ([]string, error) {
	return l.loadNamespace(ctx, ns, source)
}
