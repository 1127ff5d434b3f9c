package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// ProjectFileName is the project configuration every deployment starts from.
const ProjectFileName = "alphadep.toml"

var ErrInvalidConfig = errors.New("config: invalid configuration")

// MachineKind tags the machine variant in `machine.type`.
type MachineKind string

const MachineRemoteSSH MachineKind = "remote/ssh"

// RuntimeContext selects how the remote runtime hosts the execute script.
type RuntimeContext string

const (
	ContextSession RuntimeContext = "session"
	ContextService RuntimeContext = "service"
)

// BuildMachine selects where the build script runs.
type BuildMachine string

const (
	BuildOnMaster BuildMachine = "master"
	BuildOnTarget BuildMachine = "target"
)

// IdentityKind discriminates the SSH identity variants.
type IdentityKind string

const (
	IdentityKey      IdentityKind = "key"
	IdentityPassword IdentityKind = "password"
)

// Identity holds exactly one of KeyPath or Password.
type Identity struct {
	KeyPath    string
	Passphrase string
	Password   string
}

func (i Identity) Kind() IdentityKind {
	if strings.TrimSpace(i.KeyPath) != "" {
		return IdentityKey
	}
	return IdentityPassword
}

// MachineRuntime tunes how the remote runtime wrapper is found and driven.
type MachineRuntime struct {
	AlwaysUpdate bool
	Temporary    bool
	Path         string
}

type SSHMachine struct {
	Host       string
	User       string
	KnownHosts string
	Identity   Identity
	Runtime    MachineRuntime
}

// Machine is the tagged machine union; SSH is set when Kind is remote/ssh.
type Machine struct {
	Kind MachineKind
	SSH  *SSHMachine
}

type Files struct {
	Includes []string
	Excludes []string
}

type Build struct {
	Machine BuildMachine
	Script  string
}

// HasScript reports whether a build phase is configured at all.
func (b Build) HasScript() bool {
	return strings.TrimSpace(b.Script) != ""
}

type Runtime struct {
	Context RuntimeContext
	Execute string
}

type Deployment struct {
	ID          string
	Runtime     Runtime
	Files       Files
	Build       Build
	Environment map[string]string
}

// Project is the immutable, parsed form of alphadep.toml.
type Project struct {
	Machine    Machine
	Deployment Deployment
}

type fileIdentity struct {
	Key        string `toml:"key"`
	Passphrase string `toml:"passphrase"`
	Password   string `toml:"password"`
}

type fileMachineRuntime struct {
	AlwaysUpdate bool   `toml:"always-update"`
	Temporary    bool   `toml:"temporary"`
	Path         string `toml:"path"`
}

type fileMachine struct {
	Type       string             `toml:"type"`
	Host       string             `toml:"host"`
	User       string             `toml:"user"`
	KnownHosts string             `toml:"known-hosts"`
	Identity   fileIdentity       `toml:"identity"`
	Runtime    fileMachineRuntime `toml:"runtime"`
}

type fileDeployment struct {
	ID      string `toml:"id"`
	Runtime struct {
		Context string `toml:"context"`
		Execute string `toml:"execute"`
	} `toml:"runtime"`
	Files struct {
		Includes []string `toml:"includes"`
		Excludes []string `toml:"excludes"`
	} `toml:"files"`
	Build struct {
		Machine string `toml:"machine"`
		Script  string `toml:"script"`
	} `toml:"build"`
	EnvironmentVariables map[string]string `toml:"environment-variables"`
}

type fileProject struct {
	Machine    fileMachine    `toml:"machine"`
	Deployment fileDeployment `toml:"deployment"`
}

// Load reads, defaults, and validates a project configuration file.
func Load(path string) (Project, error) {
	var raw fileProject
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Project{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	return fromFile(raw, meta)
}

// Parse is Load for in-memory TOML documents.
func Parse(data string) (Project, error) {
	var raw fileProject
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return Project{}, fmt.Errorf("config parse failed: %w", err)
	}
	return fromFile(raw, meta)
}

func fromFile(raw fileProject, meta toml.MetaData) (Project, error) {
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Project{}, fmt.Errorf("%w: unknown key %q", ErrInvalidConfig, undecoded[0].String())
	}

	machine, err := machineFromFile(raw.Machine, meta)
	if err != nil {
		return Project{}, err
	}

	d := raw.Deployment
	deployment := Deployment{
		ID: strings.TrimSpace(d.ID),
		Runtime: Runtime{
			Context: ContextSession,
			Execute: strings.TrimSpace(d.Runtime.Execute),
		},
		Files: Files{
			Includes: normalizePatterns(d.Files.Includes),
			Excludes: normalizePatterns(d.Files.Excludes),
		},
		Build: Build{
			Machine: BuildOnMaster,
			Script:  strings.TrimSpace(d.Build.Script),
		},
		Environment: make(map[string]string, len(d.EnvironmentVariables)),
	}
	if meta.IsDefined("deployment", "runtime", "context") {
		deployment.Runtime.Context = RuntimeContext(strings.ToLower(strings.TrimSpace(d.Runtime.Context)))
	}
	if meta.IsDefined("deployment", "build", "machine") {
		deployment.Build.Machine = BuildMachine(strings.ToLower(strings.TrimSpace(d.Build.Machine)))
	}
	for k, v := range d.EnvironmentVariables {
		deployment.Environment[k] = v
	}

	project := Project{Machine: machine, Deployment: deployment}
	if err := Validate(project); err != nil {
		return Project{}, err
	}
	return project, nil
}

func machineFromFile(raw fileMachine, meta toml.MetaData) (Machine, error) {
	kind := MachineKind(strings.TrimSpace(raw.Type))
	switch kind {
	case MachineRemoteSSH:
	case "":
		return Machine{}, fmt.Errorf("%w: machine.type is required", ErrInvalidConfig)
	default:
		return Machine{}, fmt.Errorf("%w: unsupported machine.type %q", ErrInvalidConfig, raw.Type)
	}

	ssh := &SSHMachine{
		Host:       strings.TrimSpace(raw.Host),
		User:       strings.TrimSpace(raw.User),
		KnownHosts: ExpandHome(strings.TrimSpace(raw.KnownHosts)),
		Identity: Identity{
			KeyPath:    ExpandHome(strings.TrimSpace(raw.Identity.Key)),
			Passphrase: raw.Identity.Passphrase,
			Password:   raw.Identity.Password,
		},
		Runtime: MachineRuntime{
			AlwaysUpdate: raw.Runtime.AlwaysUpdate,
			Temporary:    raw.Runtime.Temporary,
			Path:         strings.TrimSpace(raw.Runtime.Path),
		},
	}
	if meta.IsDefined("machine", "identity", "key") && meta.IsDefined("machine", "identity", "password") {
		return Machine{}, fmt.Errorf("%w: machine.identity takes key or password, not both", ErrInvalidConfig)
	}
	return Machine{Kind: kind, SSH: ssh}, nil
}

// Validate enforces required fields and enum values.
func Validate(p Project) error {
	if err := validateMachine(p.Machine); err != nil {
		return err
	}
	d := p.Deployment
	if d.ID == "" {
		return fmt.Errorf("%w: deployment.id is required", ErrInvalidConfig)
	}
	if d.Runtime.Execute == "" {
		return fmt.Errorf("%w: deployment.runtime.execute is required", ErrInvalidConfig)
	}
	switch d.Runtime.Context {
	case ContextSession, ContextService:
	default:
		return fmt.Errorf("%w: deployment.runtime.context %q (want session|service)", ErrInvalidConfig, d.Runtime.Context)
	}
	switch d.Build.Machine {
	case BuildOnMaster, BuildOnTarget:
	default:
		return fmt.Errorf("%w: deployment.build.machine %q (want master|target)", ErrInvalidConfig, d.Build.Machine)
	}
	return nil
}

func validateMachine(m Machine) error {
	if m.Kind != MachineRemoteSSH || m.SSH == nil {
		return fmt.Errorf("%w: unsupported machine %q", ErrInvalidConfig, m.Kind)
	}
	if m.SSH.Host == "" {
		return fmt.Errorf("%w: machine.host is required", ErrInvalidConfig)
	}
	if m.SSH.User == "" {
		return fmt.Errorf("%w: machine.user is required", ErrInvalidConfig)
	}
	id := m.SSH.Identity
	hasKey := strings.TrimSpace(id.KeyPath) != ""
	hasPassword := id.Password != ""
	if hasKey == hasPassword {
		return fmt.Errorf("%w: machine.identity requires exactly one of key or password", ErrInvalidConfig)
	}
	return nil
}

// ExpandHome resolves a leading "~/" against the local home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

func normalizePatterns(in []string) []string {
	out := make([]string, 0, len(in))
	for _, raw := range in {
		v := strings.TrimSpace(raw)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
