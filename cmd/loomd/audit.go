package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/coord"
	"github.com/loomworks/loom/internal/eventlog"
	"github.com/loomworks/loom/internal/eventlog/postgres"
	"github.com/loomworks/loom/internal/governance"
	"github.com/loomworks/loom/internal/ui"
	"github.com/spf13/cobra"
)

var (
	auditActor    string
	auditEntity   string
	auditDecision string
	auditSince    string
	auditLimit    int
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query the durable governance audit trail",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("LOOM_DATABASE_URL is required for audit queries")
		}

		store, err := postgres.New(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer store.Close()

		filter := eventlog.AuditFilter{
			ActorID:       auditActor,
			EntityAddress: coord.Address(auditEntity),
			Decision:      governance.Decision(auditDecision),
			Limit:         auditLimit,
		}
		if auditSince != "" {
			since, err := time.Parse(time.RFC3339, auditSince)
			if err != nil {
				return fmt.Errorf("--since: %w", err)
			}
			filter.Since = since
		}

		entries, err := store.ListAudit(context.Background(), filter)
		if err != nil {
			return err
		}

		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(entries)
		}

		for _, entry := range entries {
			decision := string(entry.Decision)
			switch entry.Decision {
			case governance.Deny:
				decision = ui.RenderDeny(decision)
			default:
				decision = ui.RenderCommand(decision)
			}
			fmt.Printf("%s  %s  %-6s  %s", entry.At.Format(time.RFC3339), entry.ID, decision, entry.CommandType)
			if entry.ActorID != "" {
				fmt.Printf("  actor=%s", entry.ActorID)
			}
			if entry.EntityAddress != "" {
				fmt.Printf("  entity=%s", entry.EntityAddress)
			}
			if entry.Reason != "" {
				fmt.Printf("  %s", ui.RenderMuted(entry.Reason))
			}
			fmt.Println()
		}
		if len(entries) == 0 {
			fmt.Println(ui.RenderMuted("no audit entries match"))
		}
		return nil
	},
}

func init() {
	auditCmd.Flags().StringVar(&auditActor, "actor", "", "filter by actor id")
	auditCmd.Flags().StringVar(&auditEntity, "entity", "", "filter by entity address")
	auditCmd.Flags().StringVar(&auditDecision, "decision", "", "filter by decision (PERMIT, DENY, MUTATE)")
	auditCmd.Flags().StringVar(&auditSince, "since", "", "only entries at or after this RFC3339 time")
	auditCmd.Flags().IntVar(&auditLimit, "limit", 100, "maximum entries to return")
}
