package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# keygate configuration
# Settings can be overridden with KEYGATE__ environment variables,
# e.g. KEYGATE__SMTP_PASSWORD.

host = "localhost"
port = 8090

# Mount the API under a path prefix when behind a reverse proxy.
#baseUrl = "/keygate"

# TRACE, DEBUG, INFO, WARN, ERROR
logLevel = "INFO"

# Directory for the SQLite database. Defaults to the config directory.
#dataDir = "/var/lib/keygate"

[license]
keyPrefix = "LOL"
maxActivations = 3
productName = "Land of Love"

[imap]
host = "imap.gmail.com"
port = 993
username = ""
password = ""
mailbox = "INBOX"

[smtp]
host = "smtp.gmail.com"
port = 587
username = ""
password = ""
from = ""

[watcher]
pollIntervalSeconds = 60
apiUrl = "http://localhost:8090"
`

// Generate writes a commented default config file. It refuses to overwrite an
// existing file.
func Generate(dir string) (string, error) {
	if dir == "" {
		var err error
		dir, err = DefaultConfigDir()
		if err != nil {
			return "", err
		}
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}

	path := filepath.Join(dir, "config.toml")
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("config file already exists: %s", path)
	}

	if err := os.WriteFile(path, []byte(configTemplate), 0644); err != nil {
		return "", fmt.Errorf("failed to write config file: %w", err)
	}

	return path, nil
}
