package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/danmuck/edgejit/internal/backend"
	"github.com/danmuck/edgejit/internal/compileclient"
	"github.com/danmuck/edgejit/internal/compilesrv"
	"github.com/danmuck/edgejit/internal/lang"
	"github.com/danmuck/edgejit/internal/logging"
	"github.com/danmuck/edgejit/internal/objfile"
	"github.com/danmuck/edgejit/internal/protocol/session"
	"github.com/danmuck/edgejit/internal/remoteeval"
	"github.com/danmuck/edgejit/internal/toolchain"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type options struct {
	addr           string
	target         string
	ns             string
	requires       []string
	timeout        time.Duration
	requireTimeout time.Duration
	wait           time.Duration
	showIR         bool
	local          bool
	modulePaths    []string
}

// evaluator is what the command drives; Remote and Local both satisfy it.
type evaluator interface {
	remoteeval.Evaluator
	LoadNamespace(ctx context.Context, ns, source string) ([]string, error)
	Namespace() string
	SetNamespace(ns string)
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "remote-eval: %v\n", err)
		os.Exit(1)
	}
}

func defaultOptions() options {
	return options{
		addr:           compileclient.DefaultConfig().Address,
		target:         backend.PresetSimulator,
		timeout:        30 * time.Second,
		requireTimeout: session.DefaultConfig().ReadTimeout,
	}
}

func newRootCommand() *cobra.Command {
	opts := defaultOptions()
	cmd := &cobra.Command{
		Use:   "remote-eval [expr...]",
		Short: "Evaluate forms through a compile server and run them in this process",
		Long: "remote-eval compiles each expression on a compile server, links the object\n" +
			"in memory and prints the value. With no expressions it reads one form per\n" +
			"line from stdin; ':ns <name>' switches the current namespace.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.ConfigureRuntime()
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts, args, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	fs := cmd.Flags()
	fs.StringVarP(&opts.addr, "addr", "a", opts.addr, "compile server address")
	fs.StringVar(&opts.target, "target", opts.target, "target preset (sim, device) or triple of this process")
	fs.StringVarP(&opts.ns, "ns", "n", "", "namespace for evaluation")
	fs.StringSliceVarP(&opts.requires, "require", "r", nil, "namespace source files to load before evaluating")
	fs.DurationVar(&opts.timeout, "timeout", opts.timeout, "per-request timeout for evaluation")
	fs.DurationVar(&opts.requireTimeout, "require-timeout", opts.requireTimeout, "timeout for one --require, which may compile a whole dependency closure")
	fs.DurationVar(&opts.wait, "wait", 0, "keep retrying the first connection for up to this long")
	fs.BoolVar(&opts.showIR, "show-ir", false, "print the generated IR instead of evaluating")
	fs.BoolVar(&opts.local, "local", false, "compile in this process instead of on a server")
	fs.StringSliceVar(&opts.modulePaths, "module-path", nil, "source roots for --local")
	return cmd
}

func run(ctx context.Context, opts options, exprs []string, in io.Reader, out io.Writer) error {
	target := backend.ResolveTarget(opts.target)
	linker := objfile.NewLinker(target, out)

	var (
		ev     evaluator
		client *compileclient.Client
	)
	if opts.local {
		be, err := backend.New(backend.Config{
			Kind:   backend.KindResident,
			Target: target,
			Runner: toolchain.InProcessRunner{},
		})
		if err != nil {
			return err
		}
		defer be.Close()
		rt := lang.NewRuntime(lang.Options{ModulePaths: opts.modulePaths})
		ev = remoteeval.NewLocal(compilesrv.NewOrchestrator(rt, be), linker)
	} else {
		cfg := compileclient.DefaultConfig()
		cfg.Address = opts.addr
		c, err := compileclient.New(cfg)
		if err != nil {
			return err
		}
		defer c.Close()
		client = c
		ev = remoteeval.NewRemote(c, linker)
		if opts.wait > 0 {
			wctx, cancel := context.WithTimeout(ctx, opts.wait)
			err := c.ConnectWithRetry(wctx)
			cancel()
			if err != nil {
				return err
			}
		}
	}
	if opts.ns != "" {
		ev.SetNamespace(opts.ns)
	}

	for _, path := range opts.requires {
		if err := requireFile(ctx, ev, path, opts.requireTimeout, out); err != nil {
			return err
		}
	}

	if opts.showIR {
		if client == nil {
			return fmt.Errorf("--show-ir needs a compile server")
		}
		for _, expr := range exprs {
			rctx, cancel := context.WithTimeout(ctx, opts.timeout)
			src, err := client.NativeSource(rctx, expr, ev.Namespace())
			cancel()
			if err != nil {
				return err
			}
			fmt.Fprintln(out, src)
		}
		return nil
	}

	if len(exprs) > 0 {
		for _, expr := range exprs {
			if err := evalAndPrint(ctx, ev, expr, opts.timeout, out); err != nil {
				return err
			}
		}
		return nil
	}
	if len(opts.requires) > 0 {
		return nil
	}
	return repl(ctx, ev, opts.timeout, in, out)
}

func requireFile(ctx context.Context, ev evaluator, path string, timeout time.Duration, out io.Writer) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	src := string(raw)
	ns, err := lang.NewRuntime(lang.Options{}).DeclaredNamespace(src)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	// Zero leaves only the client's read timeout in force.
	var (
		rctx   context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		rctx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		rctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()
	mods, err := ev.LoadNamespace(rctx, ns, src)
	if err != nil {
		return err
	}
	log.Info().Str("ns", ns).Strs("modules", mods).Msg("remote-eval loaded namespace")
	fmt.Fprintf(out, "loaded %s (%d modules)\n", ns, len(mods))
	ev.SetNamespace(ns)
	return nil
}

func evalAndPrint(ctx context.Context, ev evaluator, code string, timeout time.Duration, out io.Writer) error {
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	v, err := ev.Eval(rctx, code, "")
	if err != nil {
		return err
	}
	fmt.Fprintln(out, objfile.FormatValue(v))
	return nil
}

// repl evaluates one form per line. Evaluation errors are printed and the
// loop continues; only a read failure or ctx ends it.
func repl(ctx context.Context, ev evaluator, timeout time.Duration, in io.Reader, out io.Writer) error {
	sc := bufio.NewScanner(in)
	for {
		fmt.Fprintf(out, "%s=> ", ev.Namespace())
		if !sc.Scan() {
			fmt.Fprintln(out)
			return sc.Err()
		}
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, ":ns"):
			ev.SetNamespace(strings.TrimSpace(strings.TrimPrefix(line, ":ns")))
			continue
		}
		if err := evalAndPrint(ctx, ev, line, timeout, out); err != nil {
			fmt.Fprintf(out, "%v\n", err)
		}
	}
}
