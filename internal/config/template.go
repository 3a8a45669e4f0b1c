package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const defaultTemplate = `# yk-ddns configuration. Changes are picked up without a restart.

[account]
email = ""
# Scoped API token with Zone.DNS edit permission. Use either api-token or auth-key.
api-token = "${CF_API_TOKEN}"
# auth-key = ""

[zone]
# 32 character zone identifier from the Cloudflare dashboard.
id = ""
record = ""
proxied = false

[http]
timeout = "30s"
max-idle-per-host = 2
rate-limit = 4

[retry]
max-retries = 5
initial-delay = "2s"
max-delay = "5m"
factor = 2.0
jitter = 0.1

[refresh]
interval = "1h"
network-detection = true
debounce = "2s"

[resolver]
concurrent = 3
dns = true
# [[resolver.sources]]
# url = "https://api.ipify.org?format=json"
# json-key = "ip"
`

// ErrExists is returned by WriteDefault when the target file is present.
var ErrExists = errors.New("config file already exists")

// WriteDefault writes a commented configuration template to path. It never
// overwrites an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s: %w", path, ErrExists)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("checking config file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(defaultTemplate), 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
