package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/missioncontrol/internal/config"
	"github.com/cuemby/missioncontrol/internal/counterstore"
)

// counterCmd groups the counter-administration subcommands, a CLI
// counterpart to the /api/counter/* endpoints for operators who want to
// reconcile counter state without going through the HTTP surface.
var counterCmd = &cobra.Command{
	Use:   "counter",
	Short: "Inspect and repair counter state",
}

var counterValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check counter state against the filesystem",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, repos, err := loadCounterAndRepos(cmd)
		if err != nil {
			return err
		}

		validation, err := store.Validate(repos)
		if err != nil {
			return fmt.Errorf("validating counters: %w", err)
		}
		return printJSON(validation)
	},
}

var counterMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Reconcile counter state from the filesystem",
	Long: `Scans every configured repo's work-effort and ticket trees and
proposes (or, with --apply, performs) the counter writes needed to bring
stored state in line with what's on disk.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		apply, _ := cmd.Flags().GetBool("apply")

		store, repos, err := loadCounterAndRepos(cmd)
		if err != nil {
			return err
		}

		if !apply {
			fsCounts, err := counterstore.Scan(repos)
			if err != nil {
				return fmt.Errorf("scanning repos: %w", err)
			}
			ops := counterstore.Preview(fsCounts)
			fmt.Printf("Dry run: %d operation(s) would be applied. Re-run with --apply to perform them.\n", len(ops))
			return printJSON(ops)
		}

		ops, err := store.Migrate(repos)
		if err != nil {
			return fmt.Errorf("migrating counters: %w", err)
		}
		fmt.Printf("Applied %d operation(s).\n", len(ops))
		return printJSON(ops)
	},
}

var counterRepairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Apply validation suggestions to repair counter state",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, repos, err := loadCounterAndRepos(cmd)
		if err != nil {
			return err
		}

		validation, err := store.Validate(repos)
		if err != nil {
			return fmt.Errorf("validating counters: %w", err)
		}
		if validation.Status == "valid" {
			fmt.Println("Counter state is already valid, nothing to repair.")
			return nil
		}

		n, err := store.Repair(validation)
		if err != nil {
			return fmt.Errorf("repairing counters: %w", err)
		}
		fmt.Printf("Applied %d of %d suggested fix(es).\n", n, len(validation.Suggestions))
		return nil
	},
}

func init() {
	counterCmd.PersistentFlags().String("counters", "", "Path to the counter state file (default: alongside --config)")
	counterMigrateCmd.Flags().Bool("apply", false, "Perform the migration instead of only previewing it")

	counterCmd.AddCommand(counterValidateCmd)
	counterCmd.AddCommand(counterMigrateCmd)
	counterCmd.AddCommand(counterRepairCmd)
}

func loadCounterAndRepos(cmd *cobra.Command) (*counterstore.Store, map[string]string, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	countersPath, _ := cmd.Flags().GetString("counters")

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	if countersPath == "" {
		countersPath = deriveCountersPath(cfgPath)
	}
	store, err := counterstore.Load(countersPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading counter state: %w", err)
	}

	repos := make(map[string]string, len(cfg.Repos))
	for _, r := range cfg.Repos {
		repos[r.Name] = r.Path
	}
	return store, repos, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
