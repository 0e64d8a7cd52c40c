package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/aquilax/truncate"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/harmonia-app/chatsync"
)

func init() {
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat <peer-id>",
	Short: "Chat with a peer interactively",
	Long: "Open a live conversation. Type a line and press enter to send it.\n" +
		"Commands: /retry resends the last failed message, /quit leaves.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		peerID := args[0]
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		s, closeAll, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer closeAll()

		name := peerID
		if _, err := s.Peers(ctx); err == nil {
			if p, ok := s.Peer(peerID); ok && p.Name != "" {
				name = p.Name
			}
		}

		tr := s.Transport()
		tr.OnDisconnected(func(info chatsync.DisconnectInfo) {
			if info.Permanent {
				fmt.Printf("* offline: %s (messages go over REST)\n", info.Reason)
			} else {
				fmt.Printf("* connection lost: %s\n", info.Reason)
			}
		})
		tr.OnReconnecting(func(attempt int, delay time.Duration) {
			fmt.Printf("* reconnecting (attempt %d) in %s\n", attempt, delay)
		})
		if err := s.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "* live channel unavailable: %v\n", err)
		}

		store, err := s.Open(ctx, peerID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "* %v\n", err)
		}
		fmt.Printf("--- chat with %s ---\n", name)

		printer := newChatPrinter(s.UserID())
		cancelFeed := store.Subscribe(printer.update)
		defer cancelFeed()

		cancelPresence := s.Presence().OnChange(func(c chatsync.PresenceChange) {
			if c.UserID != peerID {
				return
			}
			switch c.Kind {
			case chatsync.PresenceTyping:
				fmt.Printf("* %s is typing...\n", name)
			case chatsync.PresenceOnline, chatsync.PresenceOffline:
				fmt.Printf("* %s is %s\n", name, c.Kind)
			}
		})
		defer cancelPresence()

		lines := make(chan string)
		go func() {
			sc := bufio.NewScanner(os.Stdin)
			for sc.Scan() {
				lines <- sc.Text()
			}
			close(lines)
		}()

		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				if err := chatLine(ctx, s, store, peerID, strings.TrimSpace(line)); err != nil {
					if err == errQuit {
						return nil
					}
					fmt.Printf("* %v\n", err)
				}
			}
		}
	},
}

var errQuit = errors.New("quit")

func chatLine(ctx context.Context, s *chatsync.Session, store *chatsync.MessageStore, peerID, line string) error {
	switch {
	case line == "":
		return nil
	case line == "/quit":
		return errQuit
	case line == "/retry":
		msgs := store.Messages()
		for i := len(msgs) - 1; i >= 0; i-- {
			if msgs[i].State() == chatsync.MessageFailed {
				_, err := s.Retry(ctx, peerID, msgs[i].ID)
				return err
			}
		}
		return fmt.Errorf("nothing to retry")
	}
	_, err := s.Send(ctx, peerID, line, "")
	return err
}

// chatPrinter prints each message once and every later state change of the
// user's own messages.
type chatPrinter struct {
	selfID string

	mu    sync.Mutex
	state map[string]chatsync.MessageState
}

func newChatPrinter(selfID string) *chatPrinter {
	return &chatPrinter{selfID: selfID, state: make(map[string]chatsync.MessageState)}
}

func (p *chatPrinter) update(msgs []chatsync.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range msgs {
		prev, seen := p.state[m.ID]
		cur := m.State()
		p.state[m.ID] = cur
		switch {
		case cur == chatsync.MessagePending:
		case !seen:
			fmt.Println(formatMessage(p.selfID, m))
		case prev != cur && m.SenderID == p.selfID:
			fmt.Printf("  %s: %s\n", truncate.Truncate(m.Text, 24, "...", truncate.PositionEnd), cur)
		}
	}
}
