package main

import (
	"errors"
	"os"

	"github.com/danmuck/edgejit/internal/toolchain"
	"github.com/spf13/cobra"
)

type exitCode int

func (c exitCode) Error() string { return "irc failed" }

func main() {
	cmd := &cobra.Command{
		Use:   "irc [flags] <input.ir>",
		Short: "Compile IR units into target object files",
		Long: "irc compiles one IR unit per invocation. It accepts C-driver style flags:\n" +
			"  -c -target <triple> [-sysroot <dir>] [-include-pch <file>] [-I<dir>]\n" +
			"  [-D<name>[=value]] [-fPIC] [-O0..-O3] [-fmodule-name=<name>] -o <out>\n" +
			"  -emit-pch writes a precompiled header instead of an object.",
		// irc owns its command line; cobra flag parsing would reject -target.
		DisableFlagParsing: true,
		SilenceUsage:       true,
		SilenceErrors:      true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 && (args[0] == "-h" || args[0] == "--help") {
				return cmd.Help()
			}
			if code := toolchain.Main(args, cmd.OutOrStdout(), cmd.ErrOrStderr()); code != 0 {
				return exitCode(code)
			}
			return nil
		},
	}
	if err := cmd.Execute(); err != nil {
		var code exitCode
		if errors.As(err, &code) {
			os.Exit(int(code))
		}
		os.Exit(1)
	}
}
