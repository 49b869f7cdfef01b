// Command httpcache fetches URLs through a persistent HTTP response cache
// and manages the cache contents.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// For testing
var (
	osExit = os.Exit
)

// rootOptions are the persistent flags shared by all commands. Flags that
// mirror an environment variable are applied to the environment before the
// configuration is loaded, so they take precedence over .env and the
// settings file.
type rootOptions struct {
	envFile      string
	settingsFile string
	backend      string
	cacheName    string
	logLevel     string
	debug        bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "httpcache",
		Short:         "Persistent HTTP response cache",
		Long:          `Fetch URLs through a persistent HTTP response cache and inspect, expire or clear its contents.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.apply()
		},
	}

	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "Path to a .env file loaded before reading the environment")
	root.PersistentFlags().StringVar(&opts.settingsFile, "settings", "", "YAML settings file (overrides CACHE_SETTINGS_FILE)")
	root.PersistentFlags().StringVar(&opts.backend, "backend", "", "Cache backend (overrides CACHE_BACKEND)")
	root.PersistentFlags().StringVar(&opts.cacheName, "cache-name", "", "Cache name (overrides CACHE_NAME)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level (overrides LOG_LEVEL)")
	root.PersistentFlags().BoolVarP(&opts.debug, "debug", "v", false, "Enable debug logging")

	root.AddCommand(
		newGetCmd(),
		newDeleteCmd(),
		newPurgeExpiredCmd(),
		newResetExpirationCmd(),
		newClearCmd(),
		newStatsCmd(),
		newConfigCmd(),
		newKeygenCmd(),
		newServeCmd(),
	)
	return root
}

func (o *rootOptions) apply() error {
	if o.envFile != "" {
		if _, err := os.Stat(o.envFile); err == nil {
			if err := godotenv.Load(o.envFile); err != nil {
				return fmt.Errorf("failed to load %s: %w", o.envFile, err)
			}
		}
	}

	overrides := map[string]string{
		"CACHE_SETTINGS_FILE": o.settingsFile,
		"CACHE_BACKEND":       o.backend,
		"CACHE_NAME":          o.cacheName,
		"LOG_LEVEL":           o.logLevel,
	}
	if o.debug {
		overrides["LOG_LEVEL"] = "debug"
	}
	for key, value := range overrides {
		if value == "" {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("failed to set %s environment variable: %w", key, err)
		}
	}
	return nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		osExit(1)
	}
}
