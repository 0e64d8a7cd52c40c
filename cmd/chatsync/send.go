package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var sendImage string

func init() {
	sendCmd.Flags().StringVar(&sendImage, "image", "", "URL of an image to attach")
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <peer-id> [text...]",
	Short: "Send a message to a peer",
	Long:  "Send a message over the live channel, falling back to REST when it is unavailable.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		peerID, text := args[0], strings.Join(args[1:], " ")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		s, closeAll, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer closeAll()

		if err := s.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Live channel unavailable, sending over REST: %v\n", err)
		}
		store, err := s.Open(ctx, peerID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}

		tempID, err := s.Send(ctx, peerID, text, sendImage)
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}

		// The newest own entry is the one just sent, under its server id once
		// confirmed.
		msgs := store.Messages()
		for i := len(msgs) - 1; i >= 0; i-- {
			if msgs[i].SenderID == s.UserID() {
				fmt.Printf("%s %s\n", msgs[i].State(), msgs[i].ID)
				return nil
			}
		}
		fmt.Printf("accepted %s\n", tempID)
		return nil
	},
}
