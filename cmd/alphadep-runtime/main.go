// Command alphadep-runtime is installed on the target. The deployer probes it
// for compatibility and then drives the build and execute steps through it.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/danmuck/alphadep/internal/locator"
	"github.com/danmuck/alphadep/internal/logging"
	"github.com/danmuck/alphadep/internal/wrapper"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// exitCode carries a script's non-zero status out of cobra.
type exitCode int

func (c exitCode) Error() string {
	return fmt.Sprintf("script exited with status %d", int(c))
}

func main() {
	logging.ConfigureRuntime()
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	cmd := rootCmd(stdout, stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	if err == nil {
		return 0
	}
	var code exitCode
	if errors.As(err, &code) {
		return processStatus(code)
	}
	log.Error().Err(err).Msg("alphadep-runtime failed")
	return 1
}

// processStatus keeps the status inside the range a process can exit with.
func processStatus(code exitCode) int {
	if code < 1 || code > 255 {
		return 1
	}
	return int(code)
}

func rootCmd(stdout, stderr io.Writer) *cobra.Command {
	var compat bool
	opts := wrapper.Options{Stdout: stdout, Stderr: stderr}

	cmd := &cobra.Command{
		Use:           "alphadep-runtime",
		Short:         "Remote side of an alphadep deployment",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if compat {
				return wrapper.Compat(stdout)
			}
			return cmd.Help()
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	cmd.Flags().BoolVar(&compat, strings.TrimPrefix(locator.CompatFlag, "--"), false, "Print the supported protocol and exit")
	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.ConfigPath, "config", wrapper.DefaultConfigPath, "Runtime configuration uploaded by the deployer")
	pf.StringVar(&opts.ArchivePath, "archive", wrapper.DefaultArchivePath, "Project archive uploaded by the deployer")
	pf.StringVar(&opts.WorkspaceRoot, "workspace", wrapper.DefaultWorkspaceRoot, "Directory the archive is unpacked under")

	cmd.AddCommand(
		stepCmd(wrapper.StepBuild, "Run the build script", &opts),
		stepCmd(wrapper.StepExecute, "Run the execute script", &opts),
	)
	return cmd
}

func stepCmd(step wrapper.Step, short string, opts *wrapper.Options) *cobra.Command {
	var refresh, temporary bool
	cmd := &cobra.Command{
		Use:   string(step),
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			stepOpts := *opts
			stepOpts.Refresh = refresh
			stepOpts.Temporary = temporary
			code, err := wrapper.Run(ctx, step, stepOpts)
			if err != nil {
				return err
			}
			if code != 0 {
				return exitCode(code)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "Unpack the archive even if the workspace is current")
	cmd.Flags().BoolVar(&temporary, "temporary", false, "Remove the workspace after execute")
	return cmd
}
