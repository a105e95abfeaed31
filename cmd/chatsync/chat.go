package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/LuminPulse-AI/chatsync"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(dmCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat <conversation-id>",
	Short: "Open a conversation and chat in real time",
	Long: "Open a conversation, print its history and live messages, and send each line typed on stdin.\n" +
		"Commands: /older loads an earlier page, /raw <text> sends over the socket, /quit exits.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat(cmd, func(ctx context.Context, e *chatsync.Engine) (*chatsync.Conversation, error) {
			return e.OpenConversation(ctx, chatsync.ID(args[0]))
		})
	},
}

var dmCmd = &cobra.Command{
	Use:   "dm <user-id>",
	Short: "Start or resume a direct conversation with a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat(cmd, func(ctx context.Context, e *chatsync.Engine) (*chatsync.Conversation, error) {
			return e.StartConversation(ctx, chatsync.ID(args[0]))
		})
	},
}

// console serializes output from subscriber goroutines and the input loop.
type console struct {
	mu  sync.Mutex
	out io.Writer
}

func (c *console) println(a ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, a...)
}

func (c *console) printf(format string, a ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, a...)
}

// messagePrinter prints each confirmed message once, in arrival order.
// Pending messages are skipped until the server confirms them.
type messagePrinter struct {
	con  *console
	mu   sync.Mutex
	seen map[chatsync.ID]struct{}
}

func newMessagePrinter(con *console) *messagePrinter {
	return &messagePrinter{con: con, seen: make(map[chatsync.ID]struct{})}
}

func (p *messagePrinter) update(msgs []chatsync.Message) {
	p.mu.Lock()
	var fresh []chatsync.Message
	for _, m := range msgs {
		if m.Pending {
			continue
		}
		if _, ok := p.seen[m.ID]; ok {
			continue
		}
		p.seen[m.ID] = struct{}{}
		fresh = append(fresh, m)
	}
	p.mu.Unlock()

	for _, m := range fresh {
		p.con.println(formatMessage(m))
	}
}

type openFunc func(ctx context.Context, e *chatsync.Engine) (*chatsync.Conversation, error)

func runChat(cmd *cobra.Command, open openFunc) error {
	s, err := newSession()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	con := &console{out: cmd.OutOrStdout()}
	printer := newMessagePrinter(con)
	e := s.engine

	defer e.Messages().Subscribe(printer.update)()
	defer e.Typing().Subscribe(func(users []string) {
		if len(users) > 0 {
			con.printf("  ... %s typing\n", strings.Join(users, ", "))
		}
	})()
	defer e.Connection().OnState(func(st chatsync.State) {
		s.logger.Info("chat session", "state", st)
	})()
	defer e.OnError(func(err error) {
		s.logger.Warn("background request failed", "error", err)
	})()

	e.Start()
	defer e.Stop()

	openCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	conv, err := open(openCtx, e)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to open conversation: %w", err)
	}
	con.printf("Chatting with %s in conversation %s. /quit to leave.\n", displayName(conv.OtherParticipant), conv.ID)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	page := 2
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			done, err := handleInput(ctx, e, conv.ID, line, &page, con)
			if err != nil {
				con.printf("error: %v\n", err)
			}
			if done {
				return nil
			}
		}
	}
}

// handleInput runs one line of user input. It reports whether the chat should end.
func handleInput(ctx context.Context, e *chatsync.Engine, id chatsync.ID, line string, page *int, con *console) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}

	reqCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	switch {
	case line == "/quit":
		return true, nil
	case line == "/older":
		added, more, err := e.LoadOlderMessages(reqCtx, *page)
		if err != nil {
			return false, err
		}
		*page++
		con.printf("loaded %d older messages\n", added)
		if !more {
			con.println("(beginning of conversation)")
		}
		return false, nil
	case strings.HasPrefix(line, "/raw "):
		return false, e.SendRaw(reqCtx, strings.TrimPrefix(line, "/raw "))
	}

	_, err := e.SendMessage(reqCtx, id, chatsync.Draft{Content: line})
	var sendErr *chatsync.SendError
	if errors.As(err, &sendErr) {
		return false, fmt.Errorf("message not sent (%q): %w", sendErr.Draft.Content, sendErr.Err)
	}
	return false, err
}
