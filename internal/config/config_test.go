package config

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const fullProject = `
[machine]
type = "remote/ssh"
host = "10.0.0.4"
user = "deploy"
known-hosts = "/etc/ssh/known"

[machine.identity]
key = "/keys/id_ed25519"
passphrase = "pw"

[machine.runtime]
always-update = true
temporary = true
path = "/opt/alphadep/runtime"

[deployment]
id = "demo"

[deployment.runtime]
context = "service"
execute = "./run.sh"

[deployment.files]
includes = ["src/**", " "]
excludes = ["**/*.log"]

[deployment.build]
machine = "target"
script = "make"

[deployment.environment-variables]
RUST_LOG = "info"
`

func TestParseFullProject(t *testing.T) {
	p, err := Parse(fullProject)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.Machine.Kind != MachineRemoteSSH || p.Machine.SSH == nil {
		t.Fatalf("unexpected machine: %+v", p.Machine)
	}
	ssh := p.Machine.SSH
	if ssh.Host != "10.0.0.4" || ssh.User != "deploy" || ssh.KnownHosts != "/etc/ssh/known" {
		t.Fatalf("unexpected ssh machine: %+v", ssh)
	}
	if ssh.Identity.Kind() != IdentityKey || ssh.Identity.KeyPath != "/keys/id_ed25519" || ssh.Identity.Passphrase != "pw" {
		t.Fatalf("unexpected identity: %+v", ssh.Identity)
	}
	if !ssh.Runtime.AlwaysUpdate || !ssh.Runtime.Temporary || ssh.Runtime.Path != "/opt/alphadep/runtime" {
		t.Fatalf("unexpected machine runtime: %+v", ssh.Runtime)
	}
	d := p.Deployment
	if d.ID != "demo" || d.Runtime.Context != ContextService || d.Runtime.Execute != "./run.sh" {
		t.Fatalf("unexpected deployment: %+v", d)
	}
	if len(d.Files.Includes) != 1 || d.Files.Includes[0] != "src/**" {
		t.Fatalf("unexpected includes: %+v", d.Files.Includes)
	}
	if len(d.Files.Excludes) != 1 || d.Files.Excludes[0] != "**/*.log" {
		t.Fatalf("unexpected excludes: %+v", d.Files.Excludes)
	}
	if d.Build.Machine != BuildOnTarget || !d.Build.HasScript() {
		t.Fatalf("unexpected build: %+v", d.Build)
	}
	if d.Environment["RUST_LOG"] != "info" {
		t.Fatalf("unexpected env: %+v", d.Environment)
	}
}

func TestParseAppliesDefaults(t *testing.T) {
	p, err := Parse(passwordTemplate)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.Deployment.Runtime.Context != ContextSession {
		t.Fatalf("expected session context default, got %q", p.Deployment.Runtime.Context)
	}
	if p.Deployment.Build.Machine != BuildOnMaster {
		t.Fatalf("expected master build default, got %q", p.Deployment.Build.Machine)
	}
	if p.Deployment.Build.HasScript() {
		t.Fatalf("expected no build script")
	}
	if p.Machine.SSH.Identity.Kind() != IdentityPassword {
		t.Fatalf("expected password identity")
	}
}

func TestParseRejectsInvalidDocuments(t *testing.T) {
	cases := map[string]string{
		"missing type": `
[machine]
host = "h"
user = "u"
[machine.identity]
password = "p"
[deployment]
id = "d"
[deployment.runtime]
execute = "x"
`,
		"unknown type": strings.Replace(passwordTemplate, `"remote/ssh"`, `"local/docker"`, 1),
		"both identities": strings.Replace(passwordTemplate, `password = "change-me"`, "password = \"a\"\nkey = \"/k\"", 1),
		"no identity":     strings.Replace(passwordTemplate, `password = "change-me"`, "", 1),
		"missing execute": strings.Replace(passwordTemplate, `execute = "./run.sh"`, "", 1),
		"bad context":     strings.Replace(passwordTemplate, `execute = "./run.sh"`, "execute = \"x\"\ncontext = \"daemon\"", 1),
		"unknown key":     passwordTemplate + "\n[extra]\nfoo = 1\n",
	}
	for name, doc := range cases {
		if _, err := Parse(doc); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("%s: expected ErrInvalidConfig, got %v", name, err)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), ProjectFileName)); err == nil {
		t.Fatalf("expected load error")
	}
}

func TestWriteTemplateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), ProjectFileName)
	if err := WriteTemplate(path, "key", false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	if err := WriteTemplate(path, "key", false); err == nil {
		t.Fatalf("expected refusal to overwrite")
	}
	p, err := Load(path)
	if err != nil {
		t.Fatalf("load template: %v", err)
	}
	if p.Deployment.ID != "my-project" {
		t.Fatalf("unexpected id: %q", p.Deployment.ID)
	}
	home, err := os.UserHomeDir()
	if err == nil && !strings.HasPrefix(p.Machine.SSH.Identity.KeyPath, home) {
		t.Fatalf("expected key path expanded under %q, got %q", home, p.Machine.SSH.Identity.KeyPath)
	}
}

func TestRuntimeConfigRoundTrip(t *testing.T) {
	p, err := Parse(fullProject)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	rc := RuntimeFromProject(p)

	var buf bytes.Buffer
	if err := rc.Encode(&buf); err != nil {
		t.Fatalf("encode: %v", err)
	}
	path := filepath.Join(t.TempDir(), RuntimeFileName)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := LoadRuntime(path)
	if err != nil {
		t.Fatalf("load runtime: %v", err)
	}
	if got.Deployment.ID != "demo" || got.Build.Script != "make" || got.Execution.Script != "./run.sh" {
		t.Fatalf("unexpected runtime config: %+v", got)
	}
	if got.Execution.Context != "service" || got.EnvironmentVariables["RUST_LOG"] != "info" {
		t.Fatalf("unexpected runtime execution/env: %+v", got)
	}
}

func TestLoadRuntimeRequiresExecution(t *testing.T) {
	path := filepath.Join(t.TempDir(), RuntimeFileName)
	if err := os.WriteFile(path, []byte("[build]\nscript = \"make\"\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadRuntime(path); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}
