package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmcleod/gatehouse/internal/config"
)

// Version is set at build time with -ldflags.
var Version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "gatehouse",
	Short: "Gatehouse verifies credentials and manages login sessions",
	Long: `Gatehouse authenticates users against a credential store, protects accounts
with brute-force lockout and manages server-side sessions with CSRF protection.

Configuration is read from an optional TOML file (--config), then from
GATEHOUSE_* environment variables, then from command-line flags.`,
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a TOML configuration file")
	rootCmd.PersistentFlags().String("backend", "", "Credential store: file, postgres or memory")
	rootCmd.PersistentFlags().String("users-file", "", "Path of the users file for the file backend")
	rootCmd.PersistentFlags().String("database-url", "", "PostgreSQL connection string for the postgres backend")
}

// loadConfig layers the flags that were explicitly set on top of the file
// and environment configuration, then validates the result.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	for name, dst := range map[string]*string{
		"backend":      &cfg.Backend,
		"users-file":   &cfg.UsersFile,
		"database-url": &cfg.DatabaseURL,
		"listen":       &cfg.Listen,
		"tls-cert":     &cfg.TLSCert,
		"tls-key":      &cfg.TLSKey,
		"cookie-path":  &cfg.CookiePath,
		"log-level":    &cfg.LogLevel,
	} {
		if f := flags.Lookup(name); f != nil && f.Changed {
			*dst = f.Value.String()
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
