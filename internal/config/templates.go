package config

import (
	"fmt"
	"os"
	"strings"
)

// Template returns a commented starter file for kind.
func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "manager", "serve":
		return managerTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
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

const managerTemplate = `kernel_name = "shell"
# {connection_file} is replaced with the kernel's connection file.
# Omit argv to run "kernelctl kernel -f {connection_file}".
# argv = ["kernelctl", "kernel", "-f", "{connection_file}"]
transport = "tcp"
ip = "127.0.0.1"
signature_scheme = "hmac-sha256"
shutdown_wait = "5s"
interrupt_mode = "signal"
admin_addr = "127.0.0.1:7070"
cors_origins = ["http://localhost:3000"]
# admin_tokens = ["change-me"]
boot_kernels = 1

# [admin_tls]
# cert = "admin.crt"
# key = "admin.key"
# client_ca = "ca.crt"

[restart]
auto = true
interval = "3s"
limit = 0
stable_after = "10s"

# [restart.backoff]
# initial = "250ms"
# multiplier = 2.0
# max = "10s"
# jitter = true

[heartbeat]
first_beat = "1s"
period = "3s"
`
