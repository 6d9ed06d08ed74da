package backend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/edgejit/internal/protocol"
	"github.com/danmuck/edgejit/internal/toolchain"
	"github.com/rs/zerolog/log"
)

// Resident owns one toolchain session for its whole life. Shared headers are
// parsed when it starts; each compile parses only the new unit.
type Resident struct {
	mu      sync.Mutex
	sess    *toolchain.Session
	counter int64
}

// NewResident starts a session with exactly the options the driver would
// derive from the transient command line.
func NewResident(cfg Config) (*Resident, error) {
	cfg = cfg.WithDefaults()
	inv, err := toolchain.ParseArgs(cfg.toolchainArgs("", "unit.ir", "unit.o"))
	if err != nil {
		return nil, fmt.Errorf("backend: resident options: %w", err)
	}
	start := time.Now()
	sess, err := toolchain.NewSession(inv.Options)
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("target", cfg.Target).
		Int("header_parses", sess.HeaderParses()).
		Dur("elapsed", time.Since(start)).
		Msg("backend.Resident session ready")
	return &Resident{sess: sess}, nil
}

func (r *Resident) Kind() Kind {
	return KindResident
}

func (r *Resident) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sess = nil
	return nil
}

// Session exposes the live session, mainly for status reporting.
func (r *Resident) Session() *toolchain.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sess
}

// Compile emits the object for ir in memory. One compile runs at a time.
func (r *Resident) Compile(ctx context.Context, ir string, module string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, protocol.Wrap(protocol.KindCrossCompile, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sess == nil {
		return nil, protocol.Errorf(protocol.KindCrossCompile, "internal: resident session closed")
	}
	r.counter++
	data, err := r.sess.Compile(fmt.Sprintf("compile_%d.ir", r.counter), ir, module)
	if err != nil {
		return nil, protocol.Wrap(protocol.KindCrossCompile, err)
	}
	return data, nil
}
