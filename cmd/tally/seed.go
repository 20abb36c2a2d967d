package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/alecgard/tally/internal/auth"
	"github.com/alecgard/tally/internal/config"
	"github.com/alecgard/tally/internal/policy"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed demo accounts, a platform policy and a caller key",
	RunE:  runSeed,
}

var seedTenants []string

func init() {
	seedCmd.Flags().StringSliceVar(&seedTenants, "tenant", []string{"demo-tenant"}, "tenant ids to open accounts for")
	rootCmd.AddCommand(seedCmd)
}

func runSeed(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if len(seedTenants) == 0 {
		return errors.New("at least one --tenant is required")
	}
	if cfg.Store.Driver == config.DriverMemory {
		return errors.New("seed needs a durable store; set store.driver to postgres")
	}

	ctx := context.Background()
	a, err := buildApp(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	for _, tenant := range seedTenants {
		acct, err := a.meter.EnsureAccount(ctx, tenant, "")
		if err != nil {
			return fmt.Errorf("opening account for %q: %w", tenant, err)
		}
		slog.Info("account ready", "tenant", tenant, "account", acct.ID, "plan", acct.PlanID,
			"period_start", acct.PeriodStart, "period_end", acct.PeriodEnd)
	}

	// Only seed the platform policy once.
	history, err := a.gov.History(ctx, policy.ScopePlatform, "")
	if err != nil {
		return fmt.Errorf("checking platform policy: %w", err)
	}
	if len(history) == 0 {
		draft, err := a.gov.SaveDraft(ctx, policy.ScopePlatform, "", policy.Defaults(), "seed")
		if err != nil {
			return fmt.Errorf("drafting platform policy: %w", err)
		}
		if _, err := a.gov.ApplyPolicy(ctx, draft.ID, "seed", "initial platform policy"); err != nil {
			return fmt.Errorf("applying platform policy: %w", err)
		}
		slog.Info("platform policy applied", "version", draft.Version)
	} else {
		slog.Info("platform policy already exists, skipping")
	}

	key, plaintext, err := auth.GenerateAPIKey()
	if err != nil {
		return fmt.Errorf("generating api key: %w", err)
	}

	fmt.Printf("\n=== Demo Data Seeded ===\n")
	fmt.Printf("Tenants:   %v\n", seedTenants)
	fmt.Printf("API Key:   %s\n", plaintext)
	fmt.Printf("\nAdd to config:\n")
	fmt.Printf("  auth:\n    caller_keys:\n      - id: demo\n        key_hash: %q\n", key.Hash)
	fmt.Printf("\nTry it:\n")
	fmt.Printf("  curl -H 'Authorization: Bearer %s' -d '{\"action\":\"check\",\"tenantId\":\"%s\",\"serviceKey\":\"brave_searches\",\"amount\":1}' http://localhost:8080/meter\n",
		plaintext, seedTenants[0])

	return nil
}
