package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/governance"
	"github.com/loomworks/loom/internal/ui"
	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:   "check [loom-file]",
	Short: "Validate a loom file without starting the coordinator",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := ""
		if len(args) == 1 {
			path = args[0]
		} else {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			path = cfg.LoomFile
		}

		loomFile, err := loadLoomFile(path)
		if err != nil {
			return err
		}

		// Building the full policy chain exercises every declaration.
		policies, err := loomFile.BuildPolicies()
		if err != nil {
			return err
		}
		if _, err := governance.NewEngine(policies); err != nil {
			return err
		}
		for _, decl := range loomFile.Realms {
			if _, err := decl.realmConfig(); err != nil {
				return err
			}
		}

		if jsonOutput {
			return printCheckJSON(path, loomFile)
		}

		fmt.Printf("%s %s\n", ui.RenderAccent("ok"), path)
		for _, r := range loomFile.Realms {
			interval := "master"
			if r.TickInterval != 0 {
				interval = time.Duration(r.TickInterval).String()
			}
			fmt.Printf("  realm %s  interval=%s  rules=[%s]  patterns=%d\n",
				ui.RenderCommand(r.ID), interval, strings.Join(r.Rules, ", "), len(r.Patterns))
		}
		for _, p := range loomFile.Policies {
			state := ""
			if p.Disabled {
				state = ui.RenderMuted(" (disabled)")
			}
			scope := p.Scope
			if scope == "" {
				scope = string(governance.ScopeGlobal)
			}
			fmt.Printf("  policy %s  kind=%s  scope=%s  priority=%d%s\n",
				ui.RenderCommand(p.Name), p.Kind, scope, p.Priority, state)
		}
		return nil
	},
}

func printCheckJSON(path string, f LoomFile) error {
	out := struct {
		File     string   `json:"file"`
		Realms   int      `json:"realms"`
		Policies int      `json:"policies"`
		RealmIDs []string `json:"realm_ids"`
	}{File: path, Realms: len(f.Realms), Policies: len(f.Policies)}
	for _, r := range f.Realms {
		out.RealmIDs = append(out.RealmIDs, r.ID)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
