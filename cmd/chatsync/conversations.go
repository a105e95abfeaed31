package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/LuminPulse-AI/chatsync"
	"github.com/spf13/cobra"
)

var (
	conversationsUnread bool
	conversationsJSON   bool
)

func init() {
	conversationsListCmd.Flags().BoolVar(&conversationsUnread, "unread", false, "Show only conversations with unread messages")
	conversationsListCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output JSON")

	conversationsCmd.AddCommand(conversationsListCmd)
	conversationsCmd.AddCommand(conversationsReadCmd)
	rootCmd.AddCommand(conversationsCmd)
}

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls"},
	Short:   "List and manage conversations",
}

var conversationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		list, err := s.client.ListConversations(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if conversationsUnread {
			list = unreadOnly(list)
		}

		out := cmd.OutOrStdout()
		if conversationsJSON {
			data, err := json.MarshalIndent(list, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(out, string(data))
			return nil
		}

		if len(list) == 0 {
			fmt.Fprintln(out, "No conversations found.")
			return nil
		}
		for _, c := range list {
			fmt.Fprintln(out, formatConversation(c))
		}
		return nil
	},
}

var conversationsReadCmd = &cobra.Command{
	Use:   "read <conversation-id>",
	Short: "Mark a conversation as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := s.client.MarkAsRead(ctx, chatsync.ID(args[0])); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Conversation %s marked as read.\n", args[0])
		return nil
	},
}

func unreadOnly(list []chatsync.Conversation) []chatsync.Conversation {
	var out []chatsync.Conversation
	for _, c := range list {
		if c.UnreadCount > 0 {
			out = append(out, c)
		}
	}
	return out
}
