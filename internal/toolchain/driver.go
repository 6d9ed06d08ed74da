package toolchain

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Version is printed by irc --version.
const Version = "irc 0.4.0"

// Invocation is one parsed irc command line. The flag set mirrors a C
// compiler driver so the transient backend can pass the same flags to
// either toolchain.
type Invocation struct {
	CompileOnly bool
	EmitPCH     bool
	Output      string
	Input       string
	ModuleName  string
	Options     Options
	Ignored     []string
	ShowVersion bool
}

// ParseArgs parses an irc argument vector.
func ParseArgs(args []string) (Invocation, error) {
	inv := Invocation{Options: Options{Defines: map[string]string{}, OptLevel: 0}}
	next := func(i *int, flag string) (string, error) {
		if *i+1 >= len(args) {
			return "", fmt.Errorf("argument to '%s' is missing", flag)
		}
		*i++
		return args[*i], nil
	}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "-c":
			inv.CompileOnly = true
		case arg == "-emit-pch":
			inv.EmitPCH = true
		case arg == "--version" || arg == "-v":
			inv.ShowVersion = true
		case arg == "-o":
			v, err := next(&i, arg)
			if err != nil {
				return inv, err
			}
			inv.Output = v
		case arg == "-target" || arg == "--target":
			v, err := next(&i, arg)
			if err != nil {
				return inv, err
			}
			inv.Options.Target = v
		case strings.HasPrefix(arg, "--target="):
			inv.Options.Target = strings.TrimPrefix(arg, "--target=")
		case arg == "-sysroot" || arg == "-isysroot":
			v, err := next(&i, arg)
			if err != nil {
				return inv, err
			}
			inv.Options.Sysroot = v
		case strings.HasPrefix(arg, "--sysroot="):
			inv.Options.Sysroot = strings.TrimPrefix(arg, "--sysroot=")
		case arg == "-include-pch":
			v, err := next(&i, arg)
			if err != nil {
				return inv, err
			}
			inv.Options.PCH = v
		case arg == "-I":
			v, err := next(&i, arg)
			if err != nil {
				return inv, err
			}
			inv.Options.IncludePaths = append(inv.Options.IncludePaths, v)
		case strings.HasPrefix(arg, "-I"):
			inv.Options.IncludePaths = append(inv.Options.IncludePaths, strings.TrimPrefix(arg, "-I"))
		case arg == "-D":
			v, err := next(&i, arg)
			if err != nil {
				return inv, err
			}
			addDefine(inv.Options.Defines, v)
		case strings.HasPrefix(arg, "-D"):
			addDefine(inv.Options.Defines, strings.TrimPrefix(arg, "-D"))
		case arg == "-fPIC" || arg == "-fpic":
			inv.Options.PIC = true
		case arg == "-fno-pic" || arg == "-fno-PIC":
			inv.Options.PIC = false
		case strings.HasPrefix(arg, "-fmodule-name="):
			inv.ModuleName = strings.TrimPrefix(arg, "-fmodule-name=")
		case arg == "-O0" || arg == "-O1" || arg == "-O2" || arg == "-O3":
			inv.Options.OptLevel = int(arg[2] - '0')
		case arg == "-Os" || arg == "-Oz":
			inv.Options.OptLevel = 2
		case strings.HasPrefix(arg, "-f"), strings.HasPrefix(arg, "-W"), arg == "-g", strings.HasPrefix(arg, "-std="):
			inv.Ignored = append(inv.Ignored, arg)
		case strings.HasPrefix(arg, "-") && arg != "-":
			return inv, fmt.Errorf("unknown argument: '%s'", arg)
		default:
			if inv.Input != "" {
				return inv, fmt.Errorf("multiple input files: '%s' and '%s'", inv.Input, arg)
			}
			inv.Input = arg
		}
	}
	if inv.ShowVersion {
		return inv, nil
	}
	if inv.Input == "" {
		return inv, fmt.Errorf("no input files")
	}
	if !inv.CompileOnly && !inv.EmitPCH {
		return inv, fmt.Errorf("linking is not supported; pass -c or -emit-pch")
	}
	if inv.Options.Target == "" {
		return inv, fmt.Errorf("-target is required")
	}
	if inv.Output == "" {
		ext := ".o"
		if inv.EmitPCH {
			ext = ".pch"
		}
		base := filepath.Base(inv.Input)
		inv.Output = strings.TrimSuffix(base, filepath.Ext(base)) + ext
	}
	return inv, nil
}

func addDefine(defs map[string]string, raw string) {
	name, value, found := strings.Cut(raw, "=")
	if !found {
		value = "1"
	}
	defs[name] = value
}

// Main runs irc with args and returns the process exit code.
func Main(args []string, stdout, stderr io.Writer) int {
	inv, err := ParseArgs(args)
	if err != nil {
		fmt.Fprintf(stderr, "irc: error: %v\n", err)
		return 1
	}
	if inv.ShowVersion {
		fmt.Fprintf(stdout, "%s\nTarget: %s\n", Version, inv.Options.Target)
		return 0
	}
	src, err := os.ReadFile(inv.Input)
	if err != nil {
		fmt.Fprintf(stderr, "irc: error: no such file or directory: '%s'\n", inv.Input)
		return 1
	}
	sess, err := NewSession(inv.Options)
	if err != nil {
		fmt.Fprintf(stderr, "irc: error: %v\n", err)
		return 1
	}

	var out []byte
	if inv.EmitPCH {
		out, err = sess.EmitPCH(inv.Input, string(src))
	} else {
		out, err = sess.Compile(inv.Input, string(src), inv.ModuleName)
	}
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	if err := os.WriteFile(inv.Output, out, 0o644); err != nil {
		fmt.Fprintf(stderr, "irc: error: unable to open output file '%s': %v\n", inv.Output, err)
		return 1
	}
	return 0
}

// InProcessRunner runs irc inside the current process. It satisfies the
// tools.CommandRunner contract and ignores the command name.
type InProcessRunner struct{}

func (InProcessRunner) Run(ctx context.Context, _ string, args ...string) ([]byte, []byte, int32, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, 1, err
	}
	var stdout, stderr bytes.Buffer
	code := Main(args, &stdout, &stderr)
	if code != 0 {
		return stdout.Bytes(), stderr.Bytes(), int32(code), fmt.Errorf("exit status %d", code)
	}
	return stdout.Bytes(), stderr.Bytes(), 0, nil
}
