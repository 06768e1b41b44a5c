package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/warp/maintenance-engine/api"
	"github.com/warp/maintenance-engine/maintenance"
)

// ─── Admin commands ─────────────────────────────────────────────────────────
// Same engine operations the API exposes, for cron jobs and local setup.

func init() {
	generateCmd.Flags().String("society", "", "Society ID")
	generateCmd.Flags().String("period", "", "Billing month, YYYY-MM (default: current month)")
	generateCmd.Flags().String("actor", "cli", "Recorded as the admin who generated the bills")
	generateCmd.MarkFlagRequired("society")

	seedCmd.Flags().String("scenario", "green-meadows", "Scenario to load")

	tokenCmd.Flags().String("sub", "", "User ID (the resident ID on bills)")
	tokenCmd.Flags().StringSlice("admin", nil, "Society IDs the user administers")
	tokenCmd.Flags().StringSlice("unit", nil, "Unit IDs the user lives in")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")
	tokenCmd.MarkFlagRequired("sub")

	rootCmd.AddCommand(generateCmd, seedCmd, tokenCmd)
}

// ─── generate ───────────────────────────────────────────────────────────────

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate bills for every unit of a society",
	Long: `Bills every unit of a society for one month under the rule that
resolves for it. Running it twice for the same month only skips.`,
	RunE: runGenerate,
}

func runGenerate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	engine, store, err := openEngine(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	society, _ := cmd.Flags().GetString("society")
	actor, _ := cmd.Flags().GetString("actor")
	periodFlag, _ := cmd.Flags().GetString("period")

	period := maintenance.PeriodOf(time.Now(), engine.Location)
	if periodFlag != "" {
		if period, err = maintenance.ParsePeriod(periodFlag); err != nil {
			return err
		}
	}

	report, err := engine.GenerateForSociety(cmd.Context(), maintenance.SocietyID(society), period, actor)
	if err != nil {
		return err
	}

	out := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(out, "UNIT\tOUTCOME\tBILL\tAMOUNT\tERROR")
	for _, r := range report.Results {
		amount := ""
		if r.Outcome == maintenance.OutcomeGenerated {
			amount = r.Amount.StringFixed(maintenance.MoneyScale)
		}
		fmt.Fprintf(out, "%s\t%s\t%s\t%s\t%s\n", r.UnitID, r.Outcome, r.BillID, amount, r.Error)
	}
	if err := out.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "\n%s %s: %d generated, %d skipped, %d failed\n",
		society, period,
		report.Counts[maintenance.OutcomeGenerated],
		report.Counts[maintenance.OutcomeSkippedExisting],
		report.Counts[maintenance.OutcomeFailed])

	if n := report.Counts[maintenance.OutcomeFailed]; n > 0 {
		return fmt.Errorf("%d units failed", n)
	}
	return nil
}

// ─── seed ───────────────────────────────────────────────────────────────────

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Reset the database and load a demo scenario",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		engine, store, err := openEngine(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		scenario, _ := cmd.Flags().GetString("scenario")
		ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
		defer cancel()

		if err := api.NewHandler(engine, store).LoadScenarioByID(ctx, scenario); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "loaded %s into %s (society %s)\n", scenario, cfg.Database.Path, api.DemoSocietyID)
		return nil
	},
}

// ─── token ──────────────────────────────────────────────────────────────────

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Sign a bearer token for local testing",
	Long: `Signs an HS256 token with the configured auth.jwt_secret. Production
tokens come from the society app's auth service.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cfg.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret is required (or MAINT_JWT_SECRET)")
		}

		sub, _ := cmd.Flags().GetString("sub")
		admins, _ := cmd.Flags().GetStringSlice("admin")
		units, _ := cmd.Flags().GetStringSlice("unit")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		id := api.Identity{UserID: strings.TrimSpace(sub)}
		for _, s := range admins {
			id.AdminOf = append(id.AdminOf, maintenance.SocietyID(s))
		}
		for _, u := range units {
			id.Units = append(id.Units, maintenance.UnitID(u))
		}

		token, err := api.NewAuthenticator(cfg.Auth.JWTSecret).Issue(id, ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}
