package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	loginUserID   string
	loginUsername string
	loginExpires  string
)

func init() {
	loginCmd.Flags().StringVar(&loginUserID, "user-id", "", "Your user id on the server (required)")
	loginCmd.Flags().StringVar(&loginUsername, "username", "", "Your username, used to filter your own typing echoes")
	loginCmd.Flags().StringVar(&loginExpires, "expires", "", "Token expiry as RFC 3339")
	_ = loginCmd.MarkFlagRequired("user-id")

	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <token>",
	Short: "Store a session token in ~/.chatsync/config.toml",
	Long:  "Store the bearer token and identity used for HTTP requests and socket sessions.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if loginExpires != "" {
			if _, err := time.Parse(time.RFC3339, loginExpires); err != nil {
				return fmt.Errorf("--expires must be RFC 3339: %w", err)
			}
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth = ConfigAuth{
			Token:        args[0],
			UserID:       loginUserID,
			Username:     loginUsername,
			TokenExpires: loginExpires,
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Fprintf(cmd.OutOrStdout(), "Session saved to %s\n", path)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove the stored session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.Auth.Token == "" {
			fmt.Fprintln(cmd.OutOrStdout(), "Not logged in.")
			return nil
		}
		cfg.Auth = ConfigAuth{}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Logged out.")
		return nil
	},
}
