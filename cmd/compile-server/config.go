package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/edgejit/internal/backend"
	"github.com/danmuck/edgejit/internal/compilesrv"
)

// serverConfig is everything one compile-server process needs.
type serverConfig struct {
	Service     compilesrv.ServiceConfig
	Backend     backend.Config
	ModulePaths []string
}

func defaultServerConfig() serverConfig {
	return serverConfig{
		Service: compilesrv.DefaultServiceConfig(),
		Backend: backend.DefaultConfig(),
	}
}

// compile-server config.toml key mapping.
type fileConfig struct {
	ListenAddr   string            `toml:"listen_addr"`
	AdminAddr    string            `toml:"admin_addr"`
	Backend      string            `toml:"backend"`
	Toolchain    string            `toml:"toolchain"`
	Target       string            `toml:"target"`
	Sysroot      string            `toml:"sysroot"`
	PCH          string            `toml:"pch"`
	IncludePaths []string          `toml:"include_paths"`
	ModulePaths  []string          `toml:"module_paths"`
	ExtraFlags   []string          `toml:"extra_flags"`
	Defines      map[string]string `toml:"defines"`
	ScratchDir   string            `toml:"scratch_dir"`
	IdleTimeout  string            `toml:"idle_timeout"`
	WriteTimeout string            `toml:"write_timeout"`
	MaxLineBytes int               `toml:"max_line_bytes"`
}

func loadServerConfig(path string) (serverConfig, error) {
	cfg := defaultServerConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return serverConfig{}, fmt.Errorf("load compile-server config: %w", err)
	}

	if meta.IsDefined("listen_addr") {
		cfg.Service.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("admin_addr") {
		cfg.Service.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("backend") {
		kind, err := parseKind(raw.Backend)
		if err != nil {
			return serverConfig{}, err
		}
		cfg.Backend.Kind = kind
	}
	if meta.IsDefined("toolchain") {
		if v := strings.TrimSpace(raw.Toolchain); v != "" {
			cfg.Backend.Toolchain = v
		}
	}
	if meta.IsDefined("target") {
		cfg.Backend.Target = backend.ResolveTarget(raw.Target)
	}
	if meta.IsDefined("sysroot") {
		cfg.Backend.Sysroot = strings.TrimSpace(raw.Sysroot)
	}
	if meta.IsDefined("pch") {
		cfg.Backend.PCH = strings.TrimSpace(raw.PCH)
	}
	if meta.IsDefined("include_paths") {
		cfg.Backend.IncludePaths = normalizeList(raw.IncludePaths)
	}
	if meta.IsDefined("module_paths") {
		cfg.ModulePaths = normalizeList(raw.ModulePaths)
	}
	if meta.IsDefined("extra_flags") {
		cfg.Backend.ExtraFlags = normalizeList(raw.ExtraFlags)
	}
	if meta.IsDefined("defines") {
		cfg.Backend.Defines = make(map[string]string, len(raw.Defines))
		for name, value := range raw.Defines {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			cfg.Backend.Defines[name] = strings.TrimSpace(value)
		}
	}
	if meta.IsDefined("scratch_dir") {
		if v := strings.TrimSpace(raw.ScratchDir); v != "" {
			cfg.Backend.ScratchDir = v
		}
	}
	if meta.IsDefined("idle_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.IdleTimeout))
		if err != nil {
			return serverConfig{}, fmt.Errorf("parse idle_timeout: %w", err)
		}
		cfg.Service.IdleTimeout = d
	}
	if meta.IsDefined("write_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.WriteTimeout))
		if err != nil {
			return serverConfig{}, fmt.Errorf("parse write_timeout: %w", err)
		}
		cfg.Service.WriteTimeout = d
	}
	if meta.IsDefined("max_line_bytes") && raw.MaxLineBytes > 0 {
		cfg.Service.MaxLineBytes = raw.MaxLineBytes
	}

	return cfg, nil
}

func parseKind(raw string) (backend.Kind, error) {
	kind := backend.Kind(strings.ToLower(strings.TrimSpace(raw)))
	switch kind {
	case backend.KindAuto, backend.KindResident, backend.KindTransient:
		return kind, nil
	case "":
		return backend.KindAuto, nil
	default:
		return "", fmt.Errorf("%w: %q", backend.ErrUnknownKind, raw)
	}
}

func normalizeList(in []string) []string {
	if len(in) == 0 {
		return []string{}
	}
	out := make([]string, 0, len(in))
	for _, item := range in {
		v := strings.TrimSpace(item)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
