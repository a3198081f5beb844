package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/profile"
)

var (
	profileFlag string
	configFlag  string
)

var rootCmd = &cobra.Command{
	Use:          "chatsync",
	Short:        "Realtime chat sync client",
	Long:         "chatsync keeps a local view of your conversations in sync with a chat server\nover a realtime connection, with a warm-start snapshot per profile.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&profileFlag, "profile", "", "profile name (overrides config default)")
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "config file (default ~/.chatsync/config.toml)")
}

func configPath() string {
	if configFlag != "" {
		return configFlag
	}
	return profile.ConfigPath()
}

// loadConfig reads the config file, or the defaults when there is none.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOrDefault(configPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// resolveProfile picks the active profile and checks its name.
func resolveProfile(cfg *config.Config) (string, error) {
	name := profile.Resolve(profileFlag, cfg.DefaultProfile)
	if err := profile.ValidateName(name); err != nil {
		return "", err
	}
	return name, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
