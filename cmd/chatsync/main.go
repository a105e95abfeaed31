package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.chatsync/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
	Sync    ConfigSync    `toml:"sync"`
}

// ConfigDefault holds general settings.
type ConfigDefault struct {
	BaseURL     string `toml:"base_url"`
	Environment string `toml:"environment"`
	LogLevel    string `toml:"log_level"`
}

// ConfigAuth holds the stored session.
type ConfigAuth struct {
	Token        string `toml:"token"`
	UserID       string `toml:"user_id"`
	Username     string `toml:"username"`
	TokenExpires string `toml:"token_expires"`
}

// ConfigSync holds engine tuning as Go duration strings ("3s", "100ms").
type ConfigSync struct {
	ReconnectDelay    string `toml:"reconnect_delay"`
	ReconnectMaxDelay string `toml:"reconnect_max_delay"`
	MaxReconnects     int    `toml:"max_reconnects"`
	PreloadStagger    string `toml:"preload_stagger"`
	DedupWindow       string `toml:"dedup_window"`
	TypingTimeout     string `toml:"typing_timeout"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configPath returns the config file location. CHATSYNC_CONFIG overrides the
// default of ~/.chatsync/config.toml.
func configPath() (string, error) {
	if p := os.Getenv("CHATSYNC_CONFIG"); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".chatsync", "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "environment":
			cfg.Default.Environment = value
		case "log_level":
			cfg.Default.LogLevel = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "user_id":
			cfg.Auth.UserID = value
		case "username":
			cfg.Auth.Username = value
		case "token_expires":
			cfg.Auth.TokenExpires = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "sync":
		return setSyncValue(&cfg.Sync, field, value)
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth, sync)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:          "chatsync",
	Short:        "Direct-message chat client",
	Long:         "Command-line client for direct-message conversations.\nLog in, list conversations, chat in real time, and watch for new messages.",
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
