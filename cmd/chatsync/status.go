package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and session status",
	Long:  "Display the current configuration, check whether the token is expired, and verify it against the server.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		out := cmd.OutOrStdout()

		fmt.Fprintln(out, "Configuration:")
		fmt.Fprintf(out, "  Environment: %s\n", valueOrDefault(cfg.Default.Environment, "(not set)"))
		fmt.Fprintf(out, "  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, "(not set)"))
		fmt.Fprintf(out, "  Log level:   %s\n", valueOrDefault(cfg.Default.LogLevel, "warn"))

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Auth:")
		if cfg.Auth.Token == "" {
			fmt.Fprintln(out, "  Token:       (not logged in)")
			return nil
		}
		fmt.Fprintf(out, "  User:        %s (id %s)\n", valueOrDefault(cfg.Auth.Username, "(no username)"), cfg.Auth.UserID)
		fmt.Fprintf(out, "  Token:       %s, %s\n", maskKey(cfg.Auth.Token), tokenStatus(cfg.Auth.TokenExpires, time.Now()))

		if cfg.Default.BaseURL == "" {
			return nil
		}

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Live status:")
		s, err := newSession()
		if err != nil {
			fmt.Fprintf(out, "  Error: %v\n", err)
			return nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		list, err := s.client.ListConversations(ctx)
		if err != nil {
			fmt.Fprintf(out, "  Error fetching conversations: %v\n", err)
			return nil
		}
		unread := 0
		for _, c := range list {
			unread += c.UnreadCount
		}
		fmt.Fprintf(out, "  Conversations: %d\n", len(list))
		fmt.Fprintf(out, "  Unread:        %d\n", unread)
		return nil
	},
}

func tokenStatus(expires string, now time.Time) string {
	if expires == "" {
		return "present (no expiry set)"
	}
	t, err := time.Parse(time.RFC3339, expires)
	if err != nil {
		return fmt.Sprintf("present (unparseable expiry: %s)", expires)
	}
	if now.Before(t) {
		return fmt.Sprintf("valid (expires %s)", t.Format(time.RFC3339))
	}
	return fmt.Sprintf("EXPIRED (expired %s)", t.Format(time.RFC3339))
}
