package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"consensus-trader/internal/api"
	"consensus-trader/internal/gate"
	"consensus-trader/internal/service"

	"github.com/spf13/cobra"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check account capabilities and permitted streams",
	Long: `Query the brokerage account once and report its tier, status, recommended
feed and which of the configured streams would be subscribed.

Examples:
  trader verify
  trader verify --config ./config/config.yaml`,
	Args: cobra.NoArgs,
	RunE: runVerify,
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}

func runVerify(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	service.InitLogger(cfg.Log.Level, cfg.Log.Development)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	creds := api.Credentials{KeyID: cfg.Broker.KeyID, SecretKey: cfg.Broker.SecretKey}
	rest := api.NewRESTClient(cfg.Broker.RESTURL, creds, cfg.Broker.Timeout)
	capability, err := gate.NewGate(rest).Verify(ctx, creds)
	if err != nil {
		return fmt.Errorf("verification failed: %w", err)
	}

	fmt.Printf("✓ Account verified: %s\n", capability.AccountID)
	fmt.Printf("  Tier: %s  Status: %s  Feed: %s\n", capability.Tier, capability.Status, capability.RecommendedFeed)
	fmt.Printf("  Cash: %.2f  Buying power: %.2f  Equity: %.2f\n", capability.Cash, capability.BuyingPower, capability.Equity)

	allowed, denied := gate.FilterStreams(capability, cfg.Streams, gate.FilterOptions{
		Live:             cfg.IsLive(),
		AdvancedLiveOnly: cfg.Features.AdvancedLiveOnly,
	})
	names := make([]string, 0, len(allowed))
	for _, c := range allowed {
		names = append(names, string(c))
	}
	fmt.Printf("  Allowed streams: %s\n", strings.Join(names, ", "))
	for _, d := range denied {
		fmt.Printf("  ✗ %s: %s\n", d.Category, d.Reason)
	}
	return nil
}
