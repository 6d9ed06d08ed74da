package backend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/danmuck/edgejit/internal/tools"
	"github.com/rs/zerolog/log"
)

var (
	ErrUnknownKind = errors.New("backend: unknown backend kind")
	ErrScratchDir  = errors.New("backend: scratch directory unavailable")
)

// Kind selects a compilation strategy.
type Kind string

const (
	KindAuto      Kind = "auto"
	KindResident  Kind = "resident"
	KindTransient Kind = "transient"
)

// Target presets accepted wherever a triple is configured.
const (
	PresetSimulator = "sim"
	PresetDevice    = "device"

	TargetSimulator = "arm64-apple-ios17.0-simulator"
	TargetDevice    = "arm64-apple-ios17.0"
)

// DefaultToolchain is the driver binary the transient backend runs.
const DefaultToolchain = "irc"

// ResolveTarget maps a preset name to its triple. Anything else is taken as
// an explicit triple; empty means the simulator.
func ResolveTarget(name string) string {
	switch strings.TrimSpace(name) {
	case "", PresetSimulator:
		return TargetSimulator
	case PresetDevice:
		return TargetDevice
	default:
		return strings.TrimSpace(name)
	}
}

// Backend compiles one IR unit into object bytes for the configured target.
// Diagnostics come back as cross-compile *protocol.Error values carrying the
// toolchain text verbatim.
type Backend interface {
	Compile(ctx context.Context, ir string, module string) ([]byte, error)
	Kind() Kind
	Close() error
}

// Config is shared by both strategies so they build identical objects.
type Config struct {
	Kind         Kind
	Toolchain    string
	Target       string
	Sysroot      string
	PCH          string
	IncludePaths []string
	ExtraFlags   []string
	Defines      map[string]string
	ScratchDir   string
	// Runner executes the toolchain for the transient backend.
	Runner tools.CommandRunner
}

func DefaultConfig() Config {
	return Config{
		Kind:       KindAuto,
		Toolchain:  DefaultToolchain,
		Target:     TargetSimulator,
		ScratchDir: filepath.Join(os.TempDir(), "edgejit-compile-server"),
		Runner:     tools.ExecRunner{},
	}
}

// WithDefaults fills unset fields from DefaultConfig and resolves presets.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if strings.TrimSpace(string(c.Kind)) == "" {
		c.Kind = def.Kind
	}
	if strings.TrimSpace(c.Toolchain) == "" {
		c.Toolchain = def.Toolchain
	}
	c.Target = ResolveTarget(c.Target)
	if strings.TrimSpace(c.ScratchDir) == "" {
		c.ScratchDir = def.ScratchDir
	}
	if c.Runner == nil {
		c.Runner = def.Runner
	}
	return c
}

// New builds the backend cfg asks for. Resident and auto fall back to
// Transient when the resident session cannot start.
func New(cfg Config) (Backend, error) {
	cfg = cfg.WithDefaults()
	switch cfg.Kind {
	case KindTransient:
		return NewTransient(cfg)
	case KindResident, KindAuto:
		r, err := NewResident(cfg)
		if err == nil {
			return r, nil
		}
		log.Warn().
			Err(err).
			Str("requested", string(cfg.Kind)).
			Msg("backend.New resident session unavailable, falling back to transient")
		return NewTransient(cfg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, cfg.Kind)
	}
}

// toolchainArgs is the driver command line for one unit. Resident parses the
// same line so both strategies agree on every option.
func (c Config) toolchainArgs(module, src, obj string) []string {
	args := []string{"-c", "-target", c.Target}
	if c.Sysroot != "" {
		args = append(args, "-sysroot", c.Sysroot)
	}
	args = append(args, "-fPIC", "-O2")
	if c.PCH != "" {
		args = append(args, "-include-pch", c.PCH)
	}
	for _, dir := range c.IncludePaths {
		args = append(args, "-I"+dir)
	}
	names := make([]string, 0, len(c.Defines))
	for name := range c.Defines {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if v := c.Defines[name]; v != "" {
			args = append(args, "-D"+name+"="+v)
		} else {
			args = append(args, "-D"+name)
		}
	}
	args = append(args, c.ExtraFlags...)
	if module != "" {
		args = append(args, "-fmodule-name="+module)
	}
	return append(args, "-o", obj, src)
}
