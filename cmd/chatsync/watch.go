package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/LuminPulse-AI/chatsync"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the conversation list and unread counts",
	Long:  "Connect to the notification channel and print the conversation list whenever it changes. Ctrl-C to stop.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		con := &console{out: cmd.OutOrStdout()}
		w := &listWatcher{con: con, unread: make(map[chatsync.ID]int)}
		e := s.engine

		defer e.Conversations().Subscribe(w.update)()
		defer e.Notifications().OnState(func(st chatsync.State) {
			s.logger.Info("notifications", "state", st)
		})()
		defer e.OnError(func(err error) {
			s.logger.Warn("background request failed", "error", err)
		})()

		e.Start()
		defer e.Stop()

		<-ctx.Done()
		return nil
	},
}

// listWatcher prints the list when membership or unread counts change.
type listWatcher struct {
	con *console

	mu     sync.Mutex
	unread map[chatsync.ID]int
}

func (w *listWatcher) update(list []chatsync.Conversation) {
	w.mu.Lock()
	defer w.mu.Unlock()

	next := make(map[chatsync.ID]int, len(list))
	changed := len(list) != len(w.unread)
	for _, c := range list {
		next[c.ID] = c.UnreadCount
		if prev, ok := w.unread[c.ID]; !ok || prev != c.UnreadCount {
			changed = true
		}
	}
	w.unread = next
	if !changed || len(list) == 0 {
		return
	}

	w.con.println("Conversations:")
	for _, c := range list {
		w.con.println(formatConversation(c))
	}
}
