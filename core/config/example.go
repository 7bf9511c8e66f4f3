package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Example is the config written by "config init" and on first start.
const Example = `# sourcebot configuration.
# Every key can be overridden with an environment variable, e.g.
# SOURCEBOT_COMMANDS_PREFIX or SOURCEBOT_STORE_DSN.

environment: development

# Users that pass every permission check.
global-admins: []

commands:
  prefix: "!"
  # Delete the triggering message and replies after this delay; 0s keeps them.
  delete-after: 0s
  workers: 4
  queue-size: 64
  handler-timeout: 30s
  # Commands per second per user; 0 disables rate limiting.
  rate-limit: 0
  rate-burst: 3

store:
  # memory://, file://<path>.json or sqlite://<path>
  dsn: file://permissions.json

modules:
  directory: modules
  # Extracted module archives; defaults to <directory>/.cache
  cache-directory: ""
  config: {}

# Per-gateway settings. The console gateway reads commands from stdin.
gateways:
  console:
    channel: console
    author: console

auth:
  roles:
    - id: default
      priority: 0
      rules:
        - node: help
          allow: true

alert:
  footer: ""

log:
  level: info
  format: console

metrics:
  # Serve Prometheus metrics on this address, e.g. ":9090"; empty disables.
  address: ""

timeouts:
  module_operation_seconds: 30
  shutdown_seconds: 15
`

// WriteExample writes Example to path unless a file already exists there. It
// reports whether the file was written.
func WriteExample(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return false, fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(Example), 0o644); err != nil {
		return false, fmt.Errorf("failed to write config file: %w", err)
	}
	return true, nil
}
