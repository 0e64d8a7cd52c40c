package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	jww "github.com/spf13/jwalterweatherman"
	"github.com/spf13/cobra"

	"github.com/harmonia-app/chatsync"
)

// ============================================================================
// Root command
// ============================================================================

var (
	debugFlag bool
	logBuffer *chatsync.LogBuffer
)

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Harmonia chat sync CLI",
	Long:  "Command-line client for Harmonia conversations.\nRead history, send messages, chat live and check presence.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("cannot load .env: %w", err)
		}
		if !debugFlag {
			chatsync.SetLogThreshold(jww.LevelError)
			return nil
		}
		chatsync.SetLogThreshold(jww.LevelInfo)
		lb, err := chatsync.NewLogBuffer(jww.LevelTrace, 64*1024)
		if err != nil {
			return err
		}
		logBuffer = lb
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "Print info logs and dump recent trace logs on failure")
}

func main() {
	err := rootCmd.Execute()
	if logBuffer != nil {
		if err != nil {
			fmt.Fprintf(os.Stderr, "\n--- last %d bytes of logs ---\n", logBuffer.Size())
			os.Stderr.Write(logBuffer.Bytes())
		}
		logBuffer.Close()
	}
	if err != nil {
		os.Exit(1)
	}
}
