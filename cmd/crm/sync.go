package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	crm "github.com/schoolcrm/crm/sdk/golang"
	"github.com/spf13/cobra"
)

var syncJSON bool

func init() {
	syncCmd.Flags().BoolVar(&syncJSON, "json", false, "Output the sync report as JSON")
	rootCmd.AddCommand(syncCmd)
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Submit queued offline leads",
	Long:  "Run one sync pass: every queued lead not rejected by the server is submitted in the order it was captured.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.close()
		if err := s.requireLogin(ctx); err != nil {
			return err
		}

		mgr := s.offline(ctx)
		mgr.On(crm.EventLeadSynced, func(_ string, payload any) {
			if p, ok := payload.(map[string]any); ok && !syncJSON {
				fmt.Printf("  synced   %v\n", p["temp_id"])
			}
		})
		mgr.On(crm.EventLeadFailed, func(_ string, payload any) {
			if p, ok := payload.(map[string]any); ok && !syncJSON {
				fmt.Printf("  failed   %v: %v\n", p["temp_id"], p["error"])
			}
		})
		mgr.On(crm.EventLeadRejected, func(_ string, payload any) {
			if p, ok := payload.(map[string]any); ok && !syncJSON {
				fmt.Printf("  rejected %v: %v\n", p["temp_id"], p["error"])
			}
		})

		report, err := mgr.Sync(ctx)
		switch {
		case errors.Is(err, crm.ErrOffline):
			return fmt.Errorf("API unreachable; %d lead(s) stay queued", mgr.Pending(ctx))
		case err != nil:
			return err
		}
		if syncJSON {
			return printJSON(report)
		}
		fmt.Printf("Sync complete: %d synced, %d failed, %d skipped, %d still queued\n",
			report.Synced, report.Failed, report.Skipped, mgr.Pending(ctx))
		return nil
	},
}
