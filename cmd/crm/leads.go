package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	crm "github.com/schoolcrm/crm/sdk/golang"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// leads list
	leadsListStatus string
	leadsListJSON   bool

	// leads create
	leadsCreateFields []string
	leadsCreateJSON   bool

	// leads get
	leadsGetJSON bool

	// leads note
	leadsNoteType string
)

// ============================================================================
// Root leads command
// ============================================================================

var leadsCmd = &cobra.Command{
	Use:   "leads",
	Short: "Lead commands",
	Long:  "List, create and update admission leads. Creation falls back to the offline queue when the API is unreachable.",
}

// ============================================================================
// leads list
// ============================================================================

var leadsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List leads, from the cache when offline",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.close()
		if err := s.requireLogin(ctx); err != nil {
			return err
		}

		var filters crm.Filters
		if leadsListStatus != "" {
			status := crm.LeadStatus(leadsListStatus)
			if !status.Valid() {
				return fmt.Errorf("unknown status %q", leadsListStatus)
			}
			filters = crm.Filters{"status": leadsListStatus}
		}

		list, err := s.offline(ctx).ListLeads(ctx, filters)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if leadsListJSON {
			return printJSON(list.Leads)
		}

		if list.Stale {
			when := "never"
			if !list.FetchedAt.IsZero() {
				when = list.FetchedAt.Local().Format(time.RFC3339)
			}
			fmt.Printf("(offline: showing cached leads, last fetched %s)\n", when)
		}
		if len(list.Leads) == 0 {
			fmt.Println("No leads.")
			return nil
		}
		for _, l := range list.Leads {
			fmt.Println(formatLead(l))
		}
		if list.Pending > 0 {
			fmt.Printf("%d lead(s) waiting to sync.\n", list.Pending)
		}
		return nil
	},
}

// ============================================================================
// leads create
// ============================================================================

var leadsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a lead, queueing it when offline",
	Long:  "Create a lead from --field key=value pairs.\nExample: crm leads create -f first_name=Asha -f phone_number=+911234567890",
	RunE: func(cmd *cobra.Command, args []string) error {
		lead, err := parseFields(leadsCreateFields)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.close()
		if err := s.requireLogin(ctx); err != nil {
			return err
		}

		res, err := s.offline(ctx).CreateLead(ctx, lead)
		if err != nil {
			return fmt.Errorf("create failed: %w", err)
		}
		if leadsCreateJSON {
			return printJSON(res.Lead)
		}
		if res.Queued {
			fmt.Printf("API unreachable, lead queued as %s\n", res.Entry.TempID)
			fmt.Println("Run 'crm sync' once the network is back.")
			return nil
		}
		fmt.Printf("Lead created: %s\n", formatLead(res.Lead))
		return nil
	},
}

// ============================================================================
// leads get
// ============================================================================

var leadsGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show one lead",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid lead id %q", args[0])
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		lead, err := s.client.Leads.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if leadsGetJSON {
			return printJSON(lead)
		}
		fmt.Println(formatLead(lead))
		return nil
	},
}

// ============================================================================
// leads status
// ============================================================================

var leadsStatusCmd = &cobra.Command{
	Use:   "status <id> <status>",
	Short: "Move a lead to another pipeline status",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid lead id %q", args[0])
		}
		status := crm.LeadStatus(args[1])
		if !status.Valid() {
			return fmt.Errorf("unknown status %q", args[1])
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		lead, err := s.client.Leads.UpdateStatus(ctx, id, status)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Lead %d is now %s\n", id, lead.Status())
		return nil
	},
}

// ============================================================================
// leads note
// ============================================================================

var leadsNoteCmd = &cobra.Command{
	Use:   "note <id> <text>",
	Short: "Log an interaction against a lead",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid lead id %q", args[0])
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		if _, err := s.client.Leads.LogInteraction(ctx, id, map[string]any{
			"interaction_type": leadsNoteType,
			"notes":            args[1],
		}); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Interaction logged for lead %d\n", id)
		return nil
	},
}

// ============================================================================
// Helpers
// ============================================================================

// parseFields turns key=value pairs into a lead.
func parseFields(pairs []string) (crm.Lead, error) {
	if len(pairs) == 0 {
		return nil, fmt.Errorf("at least one --field key=value is required")
	}
	lead := crm.Lead{}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid field %q: expected key=value", p)
		}
		lead[k] = v
	}
	return lead, nil
}

func formatLead(l crm.Lead) string {
	id := "-"
	if n, ok := l.ID(); ok {
		id = strconv.FormatInt(n, 10)
	} else if temp, ok := l["temp_id"].(string); ok {
		id = temp
	}
	line := fmt.Sprintf("%-24s %-30s %s", id, valueOrDefault(l.FullName(), "(no name)"), valueOrDefault(string(l.Status()), "-"))
	if failure, ok := l["failure"].(string); ok && failure != "" {
		line += " [" + failure + "]"
	} else if offline, _ := l["is_offline"].(bool); offline {
		line += " [queued]"
	}
	return line
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	// leads list
	leadsListCmd.Flags().StringVar(&leadsListStatus, "status", "", "Filter by pipeline status")
	leadsListCmd.Flags().BoolVar(&leadsListJSON, "json", false, "Output raw JSON")

	// leads create
	leadsCreateCmd.Flags().StringArrayVarP(&leadsCreateFields, "field", "f", nil, "Lead field as key=value (repeatable)")
	leadsCreateCmd.Flags().BoolVar(&leadsCreateJSON, "json", false, "Output raw JSON")

	// leads get
	leadsGetCmd.Flags().BoolVar(&leadsGetJSON, "json", false, "Output raw JSON")

	// leads note
	leadsNoteCmd.Flags().StringVar(&leadsNoteType, "type", "Call", "Interaction type")

	leadsCmd.AddCommand(leadsListCmd)
	leadsCmd.AddCommand(leadsCreateCmd)
	leadsCmd.AddCommand(leadsGetCmd)
	leadsCmd.AddCommand(leadsStatusCmd)
	leadsCmd.AddCommand(leadsNoteCmd)

	rootCmd.AddCommand(leadsCmd)
}
