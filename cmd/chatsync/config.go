package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/LuminPulse-AI/chatsync"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatsync configuration",
	Long:  "View or modify the chatsync configuration stored in ~/.chatsync/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Fprintln(cmd.OutOrStdout(), "No configuration file found. Run 'chatsync login <token>' to create one.")
				return nil
			}
			return fmt.Errorf("cannot read config file: %w", err)
		}
		fmt.Fprint(cmd.OutOrStdout(), string(data))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: chatsync config set default.base_url https://chat.example.com",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, value)
		return nil
	},
}

// ============================================================================
// [sync] section
// ============================================================================

func setSyncValue(s *ConfigSync, field, value string) error {
	if field == "max_reconnects" {
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("max_reconnects must be an integer: %w", err)
		}
		s.MaxReconnects = n
		return nil
	}

	if _, err := time.ParseDuration(value); err != nil {
		return fmt.Errorf("%s must be a duration such as 3s or 100ms: %w", field, err)
	}
	switch field {
	case "reconnect_delay":
		s.ReconnectDelay = value
	case "reconnect_max_delay":
		s.ReconnectMaxDelay = value
	case "preload_stagger":
		s.PreloadStagger = value
	case "dedup_window":
		s.DedupWindow = value
	case "typing_timeout":
		s.TypingTimeout = value
	default:
		return fmt.Errorf("unknown field %q in section [sync]", field)
	}
	return nil
}

// engineConfig converts the [sync] section. Empty values keep the engine defaults.
func (s ConfigSync) engineConfig() (*chatsync.Config, error) {
	cfg := &chatsync.Config{MaxReconnectAttempts: s.MaxReconnects}
	durations := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"reconnect_delay", s.ReconnectDelay, &cfg.ReconnectDelay},
		{"reconnect_max_delay", s.ReconnectMaxDelay, &cfg.ReconnectMaxDelay},
		{"preload_stagger", s.PreloadStagger, &cfg.PreloadStagger},
		{"dedup_window", s.DedupWindow, &cfg.DedupWindow},
		{"typing_timeout", s.TypingTimeout, &cfg.TypingTimeout},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		v, err := time.ParseDuration(d.value)
		if err != nil {
			return nil, fmt.Errorf("sync.%s: %w", d.name, err)
		}
		*d.dst = v
	}
	return cfg, nil
}
