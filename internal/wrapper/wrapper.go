// Package wrapper is the remote side of a deployment: it unpacks the uploaded
// archive into a workspace and runs the configured scripts there.
package wrapper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/danmuck/alphadep/internal/config"
	"github.com/danmuck/alphadep/internal/files"
	"github.com/danmuck/alphadep/internal/locator"
	"github.com/danmuck/alphadep/internal/tools"
	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigPath    = config.RuntimeFileName
	DefaultArchivePath   = "alphadep-archive"
	DefaultWorkspaceRoot = "alphadep-workspace"
)

// Step is a wrapper subcommand.
type Step string

const (
	StepBuild   Step = "build"
	StepExecute Step = "execute"
)

var ErrUnknownStep = errors.New("wrapper: unknown step")

// Options locates the inputs of one wrapper run.
type Options struct {
	ConfigPath    string
	ArchivePath   string
	WorkspaceRoot string
	// Refresh re-extracts the archive even if the workspace is current.
	Refresh bool
	// Temporary removes the workspace once the execute step finishes.
	Temporary bool
	Stdout    io.Writer
	Stderr    io.Writer
	Runner    tools.CommandRunner
}

func (o Options) withDefaults() Options {
	if o.ConfigPath == "" {
		o.ConfigPath = DefaultConfigPath
	}
	if o.ArchivePath == "" {
		o.ArchivePath = DefaultArchivePath
	}
	if o.WorkspaceRoot == "" {
		o.WorkspaceRoot = DefaultWorkspaceRoot
	}
	if o.Stdout == nil {
		o.Stdout = io.Discard
	}
	if o.Stderr == nil {
		o.Stderr = io.Discard
	}
	if o.Runner == nil {
		o.Runner = tools.ExecRunner{}
	}
	return o
}

// Compat writes the protocol line the locator probes for.
func Compat(w io.Writer) error {
	_, err := fmt.Fprintln(w, locator.CompatProtocol)
	return err
}

// Run performs step and returns the script's exit code. A script that exits
// non-zero is not an error; failing to start it is.
func Run(ctx context.Context, step Step, opts Options) (int, error) {
	if step != StepBuild && step != StepExecute {
		return 1, fmt.Errorf("%w: %q", ErrUnknownStep, step)
	}
	opts = opts.withDefaults()

	cfg, err := config.LoadRuntime(opts.ConfigPath)
	if err != nil {
		return 1, err
	}

	script := cfg.Execution.Script
	if step == StepBuild {
		script = cfg.Build.Script
	}
	if strings.TrimSpace(script) == "" {
		log.Info().Str("step", string(step)).Msg("no script configured")
		return 0, nil
	}

	workspace, err := prepareWorkspace(cfg, opts)
	if err != nil {
		return 1, err
	}
	if step == StepExecute && opts.Temporary {
		defer func() {
			if err := removeWorkspace(workspace); err != nil {
				log.Warn().Err(err).Str("workspace", workspace).Msg("workspace not removed")
			}
		}()
	}

	cmd := tools.Shell(script)
	cmd.Dir = workspace
	cmd.Env = scriptEnv(cfg, workspace)
	cmd.Stdout = opts.Stdout
	cmd.Stderr = opts.Stderr

	log.Debug().Str("step", string(step)).Str("workspace", workspace).Msg("running script")
	code, err := opts.Runner.Run(ctx, cmd)
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return int(code), fmt.Errorf("wrapper: %s script: %w", step, err)
	}
	return int(code), nil
}

func scriptEnv(cfg config.RuntimeConfig, workspace string) map[string]string {
	env := make(map[string]string, len(cfg.EnvironmentVariables)+3)
	for k, v := range cfg.EnvironmentVariables {
		env[k] = v
	}
	env["ALPHADEP_DEPLOYMENT_ID"] = cfg.Deployment.ID
	env["ALPHADEP_CONTEXT"] = cfg.Execution.Context
	env["ALPHADEP_WORKSPACE"] = workspace
	return env
}

// prepareWorkspace extracts the archive into <root>/<deployment id> when
// asked to, when the workspace is missing, or when the archive changed since
// the last extraction.
func prepareWorkspace(cfg config.RuntimeConfig, opts Options) (string, error) {
	id := cfg.Deployment.ID
	if id == "" {
		id = "default"
	}
	if strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("%w: deployment id %q is not a directory name", config.ErrInvalidConfig, id)
	}
	workspace, err := filepath.Abs(filepath.Join(opts.WorkspaceRoot, id))
	if err != nil {
		return "", err
	}

	info, err := os.Stat(opts.ArchivePath)
	if err != nil {
		return "", fmt.Errorf("wrapper: archive: %w", err)
	}
	stamp := archiveStamp(info)
	stampPath := workspace + ".stamp"

	if !opts.Refresh && workspaceCurrent(workspace, stampPath, stamp) {
		log.Debug().Str("workspace", workspace).Msg("workspace current")
		return workspace, nil
	}

	if err := os.RemoveAll(workspace); err != nil {
		return "", fmt.Errorf("wrapper: clear workspace: %w", err)
	}
	if err := files.ExtractArchive(opts.ArchivePath, workspace); err != nil {
		return "", err
	}
	if err := os.WriteFile(stampPath, []byte(stamp), 0o644); err != nil {
		return "", fmt.Errorf("wrapper: write stamp: %w", err)
	}
	log.Info().Str("workspace", workspace).Msg("archive extracted")
	return workspace, nil
}

func archiveStamp(info os.FileInfo) string {
	return strconv.FormatInt(info.Size(), 10) + ":" + strconv.FormatInt(info.ModTime().UnixNano(), 10)
}

func workspaceCurrent(workspace, stampPath, stamp string) bool {
	if info, err := os.Stat(workspace); err != nil || !info.IsDir() {
		return false
	}
	got, err := os.ReadFile(stampPath)
	if err != nil {
		return false
	}
	return string(got) == stamp
}

func removeWorkspace(workspace string) error {
	if err := os.RemoveAll(workspace); err != nil {
		return err
	}
	if err := os.Remove(workspace + ".stamp"); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
