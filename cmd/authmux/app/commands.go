// Package app provides the entry point for the authmux command-line
// application.
package app

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/authmux/authmux/pkg/logger"
	"github.com/authmux/authmux/pkg/providers"
	"github.com/authmux/authmux/pkg/secrets"
	"github.com/authmux/authmux/pkg/session"
)

var rootCmd = &cobra.Command{
	Use:               "authmux",
	DisableAutoGenTag: true,
	Short:             "authmux obtains and manages identity tokens for developer-tool providers",
	Long: `authmux is a multi-provider authentication client for developer tools.
It obtains, caches, refreshes and serves OAuth-style identity tokens using
either a local browser flow or the device-code flow for headless machines.
Refresh tokens are persisted in the operating system keyring.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
}

// NewRootCmd creates a new root command for the authmux CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	rootCmd.PersistentFlags().String("config", "", "Path to the provider config file")
	rootCmd.PersistentFlags().String("secrets", "keyring", "Secrets backend: keyring, basic or none")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(logoutCmd)

	return rootCmd
}

// newStore builds a session store from the CLI flags: providers from the
// config file, secrets from the selected backend.
func newStore(cmd *cobra.Command) (*session.Store, error) {
	configPath, _ := cmd.Flags().GetString("config")
	if configPath == "" {
		return nil, fmt.Errorf("a provider config file is required (--config)")
	}
	configs, err := providers.LoadFile(configPath)
	if err != nil {
		return nil, err
	}

	registry := providers.NewRegistry()
	for _, cfg := range configs {
		if err := registry.Register(cmd.Context(), cfg); err != nil {
			return nil, err
		}
	}

	backend, _ := cmd.Flags().GetString("secrets")
	manager, err := secrets.NewManager(secrets.ManagerType(backend))
	if err != nil {
		return nil, err
	}

	store := session.NewStore(registry, session.WithSecrets(manager))
	if err := store.Restore(cmd.Context()); err != nil {
		logger.Warnf("Could not restore persisted sessions: %v", err)
	}
	return store, nil
}
