// Command alphadep archives a project, ships it to the configured machine and
// runs it there through the alphadep-runtime wrapper.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/danmuck/alphadep/internal/config"
	"github.com/danmuck/alphadep/internal/deploy"
	"github.com/danmuck/alphadep/internal/files"
	"github.com/danmuck/alphadep/internal/logging"
	"github.com/danmuck/alphadep/internal/machine"
	"github.com/danmuck/alphadep/internal/transport"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// LocalArchivePath is where --write-archive puts the archive.
const LocalArchivePath = "./alphadep-archive"

// exitCode carries the remote execute status out of cobra.
type exitCode int

func (c exitCode) Error() string {
	return fmt.Sprintf("remote execute exited with status %d", int(c))
}

type rootOptions struct {
	configPath   string
	projectDir   string
	writeArchive bool
}

// projectConfig resolves the config path; an unset --config is looked up in
// the project directory.
func (o rootOptions) projectConfig(cmd *cobra.Command) string {
	if cmd.Flags().Changed("config") {
		return o.configPath
	}
	return filepath.Join(o.projectDir, config.ProjectFileName)
}

func main() {
	logging.ConfigureRuntime()
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := rootCmd(stdout, stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	var code exitCode
	if errors.As(err, &code) {
		return int(code)
	}
	log.Error().Err(err).Msg("alphadep failed")
	return 1
}

func rootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := rootOptions{}
	cmd := &cobra.Command{
		Use:           "alphadep",
		Short:         "Deploy a project to a remote machine over SSH",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			project, err := config.Load(opts.projectConfig(cmd))
			if err != nil {
				return err
			}
			if opts.writeArchive {
				return writeArchive(stdout, project, opts.projectDir)
			}
			return deployProject(cmd.Context(), project, opts.projectDir, stdout, stderr)
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", config.ProjectFileName, "Project configuration file")
	pf.StringVar(&opts.projectDir, "project-dir", ".", "Project root to archive")
	cmd.Flags().BoolVar(&opts.writeArchive, "write-archive", false, "Write the archive to "+LocalArchivePath+" and exit")

	cmd.AddCommand(initCmd(&opts), validateCmd(&opts))
	return cmd
}

func writeArchive(stdout io.Writer, project config.Project, projectDir string) error {
	out, err := os.OpenFile(LocalArchivePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("%w: %v", files.ErrArchive, err)
	}
	rules := files.Rules{
		Includes: project.Deployment.Files.Includes,
		Excludes: project.Deployment.Files.Excludes,
	}
	if err := files.Archive(out, projectDir, rules, LocalArchivePath); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("%w: %v", files.ErrArchive, err)
	}
	_, _ = fmt.Fprintf(stdout, "archive written to %s\n", LocalArchivePath)
	return nil
}

func deployProject(ctx context.Context, project config.Project, projectDir string, stdout, stderr io.Writer) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	m, err := machine.DefaultRegistry().New(project, machine.Options{
		ProjectDir: projectDir,
		Transport:  transport.DefaultConfig(),
	})
	if err != nil {
		return err
	}

	res, err := deploy.New(m, project, deploy.Sink{Stdout: stdout, Stderr: stderr}).Run(ctx)
	if err != nil {
		return err
	}

	var total time.Duration
	for _, d := range res.Durations {
		total += d
	}
	event := log.Info().Str("deployment", res.DeploymentID).Str("runtime", res.Runtime.Path).Dur("elapsed", total)
	if res.Execute != nil {
		event = event.Int("exit_status", res.Execute.ExitStatus)
	}
	event.Msg("deployment finished")

	if res.Execute != nil && !res.Execute.Success() {
		if res.Execute.Exited && res.Execute.ExitStatus != 0 {
			return exitCode(res.Execute.ExitStatus)
		}
		return exitCode(1)
	}
	return nil
}

func initCmd(opts *rootOptions) *cobra.Command {
	var kind string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a template " + config.ProjectFileName,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := opts.projectConfig(cmd)
			if err := config.WriteTemplate(path, kind, force); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "wrote %s template to %s\n", kind, path)
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "key", "Identity kind: key|password")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	return cmd
}

func validateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and validate " + config.ProjectFileName,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := opts.projectConfig(cmd)
			if _, err := config.Load(path); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s is valid\n", path)
			return nil
		},
	}
}
