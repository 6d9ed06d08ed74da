package backend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/danmuck/edgejit/internal/protocol"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
)

// Transient runs the toolchain driver once per unit through scratch files.
// Every invocation re-resolves its headers.
type Transient struct {
	cfg Config
}

func NewTransient(cfg Config) (*Transient, error) {
	cfg = cfg.WithDefaults()
	if err := os.MkdirAll(cfg.ScratchDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrScratchDir, err)
	}
	return &Transient{cfg: cfg}, nil
}

func (t *Transient) Kind() Kind {
	return KindTransient
}

func (t *Transient) Close() error {
	return nil
}

// Compile writes ir to a fresh compile_*.ir, runs the driver and reads the
// object back from the matching .o. Both files are removed on success. On
// failure the source stays on disk for inspection and its path is logged.
// Names are unique within the scratch directory, so instances and restarts
// sharing one directory never touch each other's files.
func (t *Transient) Compile(ctx context.Context, ir string, module string) ([]byte, error) {
	src, err := writeScratch(t.cfg.ScratchDir, ir)
	if err != nil {
		return nil, protocol.Errorf(protocol.KindCrossCompile, "internal: %v", err)
	}
	obj := strings.TrimSuffix(src, filepath.Ext(src)) + ".o"

	start := time.Now()
	_, stderr, code, err := t.cfg.Runner.Run(ctx, t.cfg.Toolchain, t.cfg.toolchainArgs(module, src, obj)...)
	if err != nil || code != 0 {
		_ = os.Remove(obj)
		msg := strings.TrimSpace(string(stderr))
		if msg == "" {
			msg = fmt.Sprintf("%s exited with status %d: %v", t.cfg.Toolchain, code, err)
		}
		log.Warn().
			Str("module", module).
			Str("source", src).
			Int32("exit_code", code).
			Msg("backend.Transient compile failed, source kept")
		return nil, &protocol.Error{Kind: protocol.KindCrossCompile, Message: msg}
	}

	data, err := os.ReadFile(obj)
	if err != nil {
		log.Warn().Str("module", module).Str("source", src).Msg("backend.Transient object missing, source kept")
		return nil, protocol.Errorf(protocol.KindCrossCompile, "internal: toolchain produced no object %s", obj)
	}
	if err := multierr.Combine(os.Remove(src), os.Remove(obj)); err != nil {
		log.Warn().Err(err).Str("module", module).Msg("backend.Transient scratch cleanup")
	}
	log.Debug().
		Str("module", module).
		Int("bytes", len(data)).
		Dur("elapsed", time.Since(start)).
		Msg("backend.Transient compiled")
	return data, nil
}

// writeScratch creates compile_<random>.ir in dir holding ir. The .o name is
// derived from it; nothing else creates names of that shape.
func writeScratch(dir, ir string) (string, error) {
	f, err := os.CreateTemp(dir, "compile_*.ir")
	if err != nil {
		return "", fmt.Errorf("create scratch source: %w", err)
	}
	_, werr := f.WriteString(ir)
	if err := multierr.Append(werr, f.Close()); err != nil {
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("write %s: %w", f.Name(), err)
	}
	return f.Name(), nil
}
