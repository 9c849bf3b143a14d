// Package cli provides the command-line interface for the auto-exit engine.
package cli

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"autoexit-trader/internal/config"
	"autoexit-trader/internal/logging"
)

// Version information
const (
	Version   = "0.3.0"
	BuildDate = "2026-10-01"
)

// App holds state shared by commands. Config and Logger are loaded in the
// root command's PersistentPreRunE, after flags are parsed.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewRootCmd creates the root command for the CLI.
func NewRootCmd() *cobra.Command {
	app := &App{Logger: zerolog.Nop()}

	rootCmd := &cobra.Command{
		Use:   "trader",
		Short: "Auto-exit trader - stop-loss and target monitoring for broker positions",
		Long: `Auto-exit trader watches open positions across Zerodha and Angel One
accounts and places the exit order the moment a stop-loss or sell condition is met.

Trailing stop-losses ratchet with the highest traded price. Broker sessions are
refreshed or re-established automatically when they expire.

Use 'trader run' to start the engine and 'trader positions' to manage positions.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if skipConfig(cmd) {
				return nil
			}
			dir, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(dir)
			if err != nil {
				return err
			}
			app.Config = cfg

			logCfg := cfg.LogConfig()
			if debug, _ := cmd.Flags().GetBool("debug"); debug {
				logCfg.Level = "debug"
			}
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				// Keep stdout parseable.
				logCfg.Console = false
			}
			app.Logger = logging.New(logCfg)
			return nil
		},
	}

	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/autoexit-trader)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
	rootCmd.AddCommand(newRunCmd(app))
	rootCmd.AddCommand(newLoginCmd(app))
	rootCmd.AddCommand(newPositionsCmd(app))
	rootCmd.AddCommand(newBuyCmd(app))

	return rootCmd
}

// skipConfig reports commands that run without loading configuration.
func skipConfig(cmd *cobra.Command) bool {
	switch cmd.Name() {
	case "version", "help", "path":
		return true
	}
	return false
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
			} else {
				output.Printf("Auto-exit trader v%s\n", Version)
				output.Dim("Build date: %s", BuildDate)
			}
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "View and validate application configuration.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(redacted(app.Config))
			}
			showConfig(output, app.Config)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration directory path",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			dir, _ := cmd.Flags().GetString("config")
			if dir == "" {
				dir = config.DefaultConfigDir()
			}
			if output.IsJSON() {
				output.JSON(map[string]string{"path": dir})
			} else {
				output.Println(dir)
			}
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration files",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			// Load already validated; reaching here means the file is good.
			if err := app.Config.Validate(); err != nil {
				output.Error("Configuration validation failed: %v", err)
				return err
			}
			if output.IsJSON() {
				output.JSON(map[string]bool{"valid": true})
			} else {
				output.Success("Configuration is valid")
			}
			return nil
		},
	})

	return cmd
}

// redacted returns a copy of cfg with secrets blanked.
func redacted(cfg *config.Config) config.Config {
	out := *cfg
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "********"
	}
	out.Brokers.Zerodha.APISecret = mask(out.Brokers.Zerodha.APISecret)
	out.Redis.Password = mask(out.Redis.Password)
	out.Storage.PostgresDSN = mask(out.Storage.PostgresDSN)
	out.Notify.Telegram.BotToken = mask(out.Notify.Telegram.BotToken)
	return out
}

func showConfig(output *Output, cfg *config.Config) {
	c := redacted(cfg)

	output.Bold("Trading")
	output.Printf("  Mode:               %s\n", c.Trading.Mode)
	output.Printf("  Default Exchange:   %s\n", c.Trading.DefaultExchange)
	output.Printf("  Default Product:    %s\n", c.Trading.DefaultProduct)
	output.Printf("  Order Tag:          %s\n", c.Trading.OrderTag)
	output.Printf("  Reconcile Interval: %s\n", c.Trading.ReconcileInterval)
	output.Printf("  Exit Timeout:       %s\n", c.Trading.ExitTimeout)
	output.Println()

	output.Bold("Storage")
	output.Printf("  Driver:             %s\n", c.Storage.Driver)
	switch c.Storage.Driver {
	case "sqlite":
		output.Printf("  Path:               %s\n", c.Storage.SQLitePath)
	case "postgres":
		output.Printf("  DSN:                %s\n", c.Storage.PostgresDSN)
	}
	output.Println()

	output.Bold("Infrastructure")
	output.Printf("  Redis Lock:         %v (%s)\n", c.Redis.Enabled, c.Redis.Addr)
	output.Printf("  Metrics:            %v (%s)\n", c.Metrics.Enabled, c.Metrics.Addr)
	output.Printf("  Log Level:          %s\n", c.Logging.Level)
	output.Println()

	output.Bold("Brokers")
	output.Printf("  Zerodha:            %s\n", configured(c.Brokers.Zerodha.APIKey))
	output.Printf("  Angel One:          %s\n", configured(c.Brokers.AngelOne.APIKey))
	output.Printf("  Users File:         %s\n", c.Credentials.UsersFile)
	output.Println()

	output.Bold("Notifications")
	output.Printf("  Webhook:            %v\n", c.Notify.Webhook.Enabled)
	output.Printf("  Telegram:           %v\n", c.Notify.Telegram.Enabled)
}

func configured(key string) string {
	if key == "" {
		return "not configured"
	}
	return "configured"
}
