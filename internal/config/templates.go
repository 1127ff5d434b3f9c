package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "key", "":
		return keyTemplate, nil
	case "password":
		return passwordTemplate, nil
	default:
		return "", fmt.Errorf("unknown identity template: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const keyTemplate = `[machine]
type = "remote/ssh"
host = "192.168.1.20"
user = "deploy"

[machine.identity]
key = "~/.ssh/id_ed25519"

[machine.runtime]
always-update = false
temporary = false

[deployment]
id = "my-project"

[deployment.runtime]
context = "session"
execute = "./run.sh"

[deployment.files]
includes = []
excludes = ["target/**"]

[deployment.build]
machine = "master"

[deployment.environment-variables]
`

const passwordTemplate = `[machine]
type = "remote/ssh"
host = "192.168.1.20"
user = "deploy"

[machine.identity]
password = "change-me"

[deployment]
id = "my-project"

[deployment.runtime]
execute = "./run.sh"
`
