package main

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"
)

var statusWait time.Duration

func init() {
	statusCmd.Flags().DurationVar(&statusWait, "wait", 2*time.Second, "How long to wait for the online list after connecting")
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, token state and which friends are online",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadEffectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, "(default)"))
		if cfg.Default.WSURL != "" {
			fmt.Printf("  Socket URL:  %s\n", cfg.Default.WSURL)
		}
		fmt.Printf("  Cache:       %s\n", valueOrDefault(cfg.Cache.Driver, "file"))

		fmt.Println()
		fmt.Println("Auth:")
		fmt.Printf("  User ID:     %s\n", valueOrDefault(cfg.Auth.UserID, "(not set)"))
		fmt.Printf("  Token:       %s\n", tokenStatus(cfg.Auth.Token, time.Now()))
		if cfg.Auth.UserID == "" || cfg.Auth.Token == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		s, closeAll, err := openSession(ctx)
		if err != nil {
			fmt.Printf("  %v\n", err)
			return nil
		}
		defer closeAll()

		if err := s.Start(ctx); err != nil {
			fmt.Printf("  Socket:      %v\n", err)
		} else {
			fmt.Printf("  Socket:      %s\n", s.Transport().State())
			time.Sleep(statusWait)
		}

		peers, err := s.Peers(ctx)
		if err != nil {
			fmt.Printf("  Friends:     %v\n", err)
			return nil
		}
		fmt.Printf("  Friends:     %d\n", len(peers))
		for _, p := range peers {
			mark := " "
			if s.Presence().IsOnline(p.ID) {
				mark = "*"
			}
			fmt.Printf("    %s %-24s %s\n", mark, valueOrDefault(p.Name, p.ID), p.ID)
		}
		return nil
	},
}

// tokenStatus describes a token without verifying its signature.
func tokenStatus(token string, now time.Time) string {
	if token == "" {
		return "none"
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return fmt.Sprintf("present, opaque (%s)", maskKey(token))
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return "present (no expiry set)"
	}
	if now.Before(exp.Time) {
		return fmt.Sprintf("valid (expires %s)", exp.Time.UTC().Format(time.RFC3339))
	}
	return fmt.Sprintf("EXPIRED (expired %s)", exp.Time.UTC().Format(time.RFC3339))
}
