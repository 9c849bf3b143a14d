package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# Auto-exit Trader Configuration

[trading]
# Trading mode: "live" or "paper"
mode = "paper"
# Defaults for entry orders placed by "trader buy"
default_product = "MIS"
default_exchange = "NSE"
# Tag attached to every order placed by the engine
order_tag = "autoexit"
# How often tick subscriptions are reconciled against the position store
reconcile_interval = "30s"
# Upper bound for a single exit order attempt
exit_timeout = "15s"

[storage]
# Position store: sqlite, postgres or memory
driver = "sqlite"
sqlite_path = "positions.db"
postgres_dsn = ""
max_conns = 10

[redis]
# Cross-process exit lock, needed when several engines share a postgres store
enabled = false
addr = "localhost:6379"
password = ""
db = 0
lock_ttl = "30s"

[metrics]
enabled = false
addr = ":9090"

[logging]
level = "info"
console = true
file = true
path = "logs/trader.log"
max_size_mb = 100
max_backups = 7
max_age_days = 30

[brokers.zerodha]
api_key = ""
api_secret = ""

[brokers.angelone]
api_key = ""
base_url = "https://apiconnect.angelone.in"
stream_url = "wss://smartapisocket.angelone.in/smart-stream"

[credentials]
# Per-owner broker logins and TOTP secrets
users_file = "users.yaml"

[notify.webhook]
# JSON POST for every exit and failed exit
enabled = false
url = ""

[notify.telegram]
enabled = false
bot_token = ""
chat_id = ""
`

const usersTemplate = `# Auto-exit Trader users
# WARNING: Keep this file secure! Do not commit to version control.
#
# users:
#   alice:
#     broker: zerodha
#     user_id: AB1234
#     password: ""
#     totp_secret: ""
#   bob:
#     broker: angelone
#     user_id: B5678
#     password: "1234"
#     totp_secret: ""
users: {}
`

func createTemplateConfig(configDir, name string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, name+".toml")
	if err := os.WriteFile(path, []byte(configTemplate), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	usersPath := filepath.Join(configDir, "users.yaml")
	if _, err := os.Stat(usersPath); os.IsNotExist(err) {
		// Use restricted permissions for the credentials file
		if err := os.WriteFile(usersPath, []byte(usersTemplate), 0600); err != nil {
			return fmt.Errorf("writing users template: %w", err)
		}
	}

	return fmt.Errorf("config file not found, created template at %s", path)
}
