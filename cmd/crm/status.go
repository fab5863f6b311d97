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
	Short: "Show configuration, session and offline queue status",
	Long:  "Display the current configuration, check the stored session, probe the API and count queued offline leads.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL: %s\n", s.client.BaseURL())
		fmt.Printf("  Storage:  %s\n", valueOrDefault(s.cfg.Storage.Backend, "file"))

		fmt.Println()
		fmt.Println("Session:")
		tokens := s.client.Tokens()
		if id, ok := tokens.Identity(ctx); ok {
			fmt.Printf("  Username: %s\n", valueOrDefault(id.Username(), "(unknown)"))
			fmt.Printf("  Role:     %s\n", valueOrDefault(string(id.Role), "(unknown)"))
		} else {
			fmt.Println("  Username: (not logged in)")
		}

		tokenStatus := "none"
		if tokens.LoggedIn(ctx) {
			if exp, ok := tokens.Expiry(ctx); ok {
				if tokens.IsExpired(ctx) {
					tokenStatus = fmt.Sprintf("EXPIRED (expired %s)", exp.Format(time.RFC3339))
				} else {
					tokenStatus = fmt.Sprintf("valid (expires %s)", exp.Format(time.RFC3339))
				}
			} else {
				tokenStatus = fmt.Sprintf("present (no expiry, %s)", tokens.Policy())
			}
		}
		fmt.Printf("  Token:    %s\n", tokenStatus)

		fmt.Println()
		fmt.Println("Live status:")
		mgr := s.offline(ctx)
		if mgr.IsOnline() {
			fmt.Println("  API:      reachable")
		} else {
			fmt.Println("  API:      unreachable")
		}
		fmt.Printf("  Queued:   %d\n", mgr.Pending(ctx))
		if rejected := mgr.Queue().Rejected(ctx); len(rejected) > 0 {
			fmt.Printf("  Rejected: %d (see 'crm queue list')\n", len(rejected))
		}
		return nil
	},
}
