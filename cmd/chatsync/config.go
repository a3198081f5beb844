package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/matheus3301/chatsync/internal/config"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd, configInitCmd, configSetCmd)
	configInitCmd.Flags().Bool("force", false, "overwrite an existing config file")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatsync configuration",
	Long:  "View or modify the configuration stored in ~/.chatsync/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		shown := *cfg
		shown.Server.Token = maskToken(cfg.Server.Token)
		return toml.NewEncoder(cmd.OutOrStdout()).Encode(shown)
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath()
		force, _ := cmd.Flags().GetBool("force")
		if _, err := os.Stat(path); err == nil && !force {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		} else if err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		if err := config.Save(path, config.Default()); err != nil {
			return fmt.Errorf("save config: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: chatsync config set server.token eyJhbGciOi...",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid value for %s: %w", key, err)
		}
		if err := config.Save(configPath(), cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Set %s\n", key)
		return nil
	},
}

// setConfigValue sets a field using dot notation (e.g. "server.url").
func setConfigValue(cfg *config.Config, key, value string) error {
	str := map[string]*string{
		"default_profile":     &cfg.DefaultProfile,
		"server.url":          &cfg.Server.URL,
		"server.realtime_url": &cfg.Server.RealtimeURL,
		"server.token":        &cfg.Server.Token,
		"server.user_id":      &cfg.Server.UserID,
		"send.mode":           &cfg.Send.Mode,
		"log.level":           &cfg.Log.Level,
	}
	dur := map[string]*config.Duration{
		"server.timeout":                &cfg.Server.Timeout,
		"realtime.heartbeat_interval":   &cfg.Realtime.HeartbeatInterval,
		"realtime.reconnect_base_delay": &cfg.Realtime.ReconnectBaseDelay,
		"realtime.reconnect_max_delay":  &cfg.Realtime.ReconnectMaxDelay,
		"typing.idle_timeout":           &cfg.Typing.IdleTimeout,
		"typing.remote_expiry":          &cfg.Typing.RemoteExpiry,
	}
	num := map[string]*int{
		"realtime.max_reconnect_attempts": &cfg.Realtime.MaxReconnectAttempts,
		"cache.page_size":                 &cfg.Cache.PageSize,
		"cache.dedup_capacity":            &cfg.Cache.DedupCapacity,
	}

	if p, ok := str[key]; ok {
		*p = value
		return nil
	}
	if p, ok := dur[key]; ok {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		p.Duration = d
		return nil
	}
	if p, ok := num[key]; ok {
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*p = n
		return nil
	}
	if key == "cache.snapshot_on_exit" {
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		cfg.Cache.SnapshotOnExit = b
		return nil
	}
	return fmt.Errorf("unknown config key %q", key)
}

func maskToken(token string) string {
	if len(token) <= 12 {
		return strings.Repeat("*", len(token))
	}
	return token[:6] + "..." + token[len(token)-4:]
}
