package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	queueListJSON  bool
	queueEditField []string
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the offline lead queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued leads",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		q := s.offline(ctx).Queue()
		entries := q.List(ctx)
		if queueListJSON {
			return printJSON(entries)
		}
		if len(entries) == 0 {
			fmt.Println("Offline queue is empty.")
			return nil
		}
		for _, e := range entries {
			state := "pending"
			if e.Failure != "" {
				state = string(e.Failure)
			}
			fmt.Printf("%s  %-12s  %-30s  queued %s\n",
				e.TempID, state, valueOrDefault(e.Lead.FullName(), "(no name)"),
				e.CreatedAt.Local().Format(time.RFC3339))
			if e.Attempts > 0 {
				fmt.Printf("    attempts: %d, last error: %s\n", e.Attempts, valueOrDefault(e.LastError, "-"))
			}
			if len(e.FieldErrors) > 0 {
				fields := make([]string, 0, len(e.FieldErrors))
				for f := range e.FieldErrors {
					fields = append(fields, f)
				}
				sort.Strings(fields)
				for _, f := range fields {
					fmt.Printf("    %s: %s\n", f, strings.Join(e.FieldErrors[f], "; "))
				}
			}
		}
		return nil
	},
}

var queueEditCmd = &cobra.Command{
	Use:   "edit <temp-id>",
	Short: "Correct fields of a queued lead and clear its rejection",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		changes, err := parseFields(queueEditField)
		if err != nil {
			return err
		}
		ctx := context.Background()
		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		q := s.offline(ctx).Queue()
		e, ok := q.Get(ctx, args[0])
		if !ok {
			return fmt.Errorf("no queued lead %s", args[0])
		}
		lead := e.Payload()
		for k, v := range changes {
			lead[k] = v
		}
		if _, err := q.Update(ctx, e.TempID, lead); err != nil {
			return fmt.Errorf("update failed: %w", err)
		}
		fmt.Printf("Updated %s; it will be submitted on the next sync.\n", e.TempID)
		return nil
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry <temp-id>",
	Short: "Clear the failure tag of a queued lead",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		if err := s.offline(ctx).Queue().Retry(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("%s will be retried on the next sync.\n", args[0])
		return nil
	},
}

var queueRemoveCmd = &cobra.Command{
	Use:   "remove <temp-id>",
	Short: "Drop a queued lead",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		s.offline(ctx).Queue().Remove(ctx, args[0])
		fmt.Printf("Removed %s\n", args[0])
		return nil
	},
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop every queued lead",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		q := s.offline(ctx).Queue()
		n := q.Len(ctx)
		q.Clear(ctx)
		fmt.Printf("Removed %d queued lead(s)\n", n)
		return nil
	},
}

func init() {
	queueListCmd.Flags().BoolVar(&queueListJSON, "json", false, "Output raw JSON")
	queueEditCmd.Flags().StringArrayVarP(&queueEditField, "field", "f", nil, "Field to change as key=value (repeatable)")

	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueEditCmd)
	queueCmd.AddCommand(queueRetryCmd)
	queueCmd.AddCommand(queueRemoveCmd)
	queueCmd.AddCommand(queueClearCmd)
	rootCmd.AddCommand(queueCmd)
}
