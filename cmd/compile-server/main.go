package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/edgejit/internal/backend"
	"github.com/danmuck/edgejit/internal/compilesrv"
	"github.com/danmuck/edgejit/internal/lang"
	"github.com/danmuck/edgejit/internal/observability"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/multierr"
)

type flagValues struct {
	configPath  string
	listenAddr  string
	adminAddr   string
	backend     string
	target      string
	toolchain   string
	scratchDir  string
	modulePaths []string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "compile-server: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var fv flagValues
	cmd := &cobra.Command{
		Use:           "compile-server",
		Short:         "Compile forms and namespaces into target object code for a remote evaluator",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(fv, cmd.Flags())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	fs := cmd.Flags()
	fs.StringVarP(&fv.configPath, "config", "c", "", "path to a compile-server TOML config")
	fs.StringVar(&fv.listenAddr, "listen", "", "compile listener address")
	fs.StringVar(&fv.adminAddr, "admin", "", "HTTP admin and metrics address")
	fs.StringVar(&fv.backend, "backend", "", "backend kind: auto, resident or transient")
	fs.StringVar(&fv.target, "target", "", "target preset (sim, device) or triple")
	fs.StringVar(&fv.toolchain, "toolchain", "", "toolchain binary for the transient backend")
	fs.StringVar(&fv.scratchDir, "scratch-dir", "", "scratch directory for transient compiles")
	fs.StringSliceVar(&fv.modulePaths, "module-path", nil, "source roots searched for required namespaces")
	return cmd
}

// resolveConfig loads the file when one is given and lets explicitly set
// flags override it.
func resolveConfig(fv flagValues, fs *pflag.FlagSet) (serverConfig, error) {
	cfg := defaultServerConfig()
	if fv.configPath != "" {
		loaded, err := loadServerConfig(fv.configPath)
		if err != nil {
			return serverConfig{}, err
		}
		cfg = loaded
	}
	if fs.Changed("listen") {
		cfg.Service.ListenAddr = fv.listenAddr
	}
	if fs.Changed("admin") {
		cfg.Service.AdminAddr = fv.adminAddr
	}
	if fs.Changed("backend") {
		kind, err := parseKind(fv.backend)
		if err != nil {
			return serverConfig{}, err
		}
		cfg.Backend.Kind = kind
	}
	if fs.Changed("target") {
		cfg.Backend.Target = backend.ResolveTarget(fv.target)
	}
	if fs.Changed("toolchain") && fv.toolchain != "" {
		cfg.Backend.Toolchain = fv.toolchain
	}
	if fs.Changed("scratch-dir") && fv.scratchDir != "" {
		cfg.Backend.ScratchDir = fv.scratchDir
	}
	if fs.Changed("module-path") {
		cfg.ModulePaths = normalizeList(fv.modulePaths)
	}
	return cfg, nil
}

func run(ctx context.Context, cfg serverConfig) error {
	logger := observability.InitLogger("compile-server")

	be, err := backend.New(cfg.Backend)
	if err != nil {
		return err
	}
	rt := lang.NewRuntime(lang.Options{ModulePaths: cfg.ModulePaths})
	svc := compilesrv.NewService(cfg.Service, compilesrv.NewOrchestrator(rt, be))

	logger.Info().
		Str("listen", cfg.Service.ListenAddr).
		Str("backend", string(be.Kind())).
		Str("target", cfg.Backend.Target).
		Strs("module_paths", cfg.ModulePaths).
		Msg("compile-server starting")
	return multierr.Append(svc.Run(ctx), svc.Close())
}
