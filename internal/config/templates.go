package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "daemon":
		return daemonTemplate, nil
	case "policy":
		return policyTemplate, nil
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

// Validate loads path as the given kind.
func Validate(path, kind string) error {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "daemon":
		_, err := LoadDaemon(path)
		return err
	case "policy":
		_, err := LoadPolicy(path)
		return err
	default:
		return fmt.Errorf("unknown config kind: %s", kind)
	}
}

const daemonTemplate = `bind_host = "0.0.0.0"
bind_port = 9600
request_queue_size = 5
log_level = "info"
log_file = ""

agent_cpu_seconds = 10
agent_heap_bytes = 536870912

pool_idle_timeout = "60s"
pool_sweep_interval = "60s"
pool_max_idle = "0s"
connect_timeout = "15s"
handshake_timeout = "15s"
io_timeout = "15s"

sandbox_binary = "agent-sandbox"
spawn_timeout = "10s"

admin_addr = "127.0.0.1:9601"
# bearer token for POST routes on the admin surface; empty disables the check
admin_token = ""
policy_file = ""
`

const policyTemplate = `allowed_networks = ["127.0.0.0/8", "10.0.0.0/8"]
max_code_bytes = 65536
allowed_code_digests = []
`
