package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print or validate the effective configuration",
	Long: `Inspect the configuration after defaults, .env and TRADER_* environment
overrides have been applied. Secrets are never printed.

Examples:
  trader config print
  trader config validate --config ./config/config.yaml`,
}

var configPrintCmd = &cobra.Command{
	Use:   "print",
	Short: "Print the effective configuration as YAML",
	Args:  cobra.NoArgs,
	RunE:  runConfigPrint,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration",
	Args:  cobra.NoArgs,
	RunE:  runConfigValidate,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configPrintCmd)
	configCmd.AddCommand(configValidateCmd)
}

func runConfigPrint(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	defer enc.Close()
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	fmt.Printf("✓ Configuration valid: %s\n", configPath)
	fmt.Printf("  Mode: %s (simulate: %v)\n", cfg.Mode, cfg.Execution.Simulate)
	fmt.Printf("  Streams: %v\n", cfg.Streams)
	for cat, symbols := range cfg.Symbols {
		fmt.Printf("  Symbols[%s]: %v\n", cat, symbols)
	}
	fmt.Printf("  Models: %d (threshold %.2f, ai weight %.2f, rounds %d)\n",
		len(cfg.Consensus.Models), cfg.Consensus.Threshold, cfg.Consensus.AIWeight, cfg.Consensus.Rounds)
	if cfg.Journal.Enabled {
		fmt.Printf("  Journal: %s\n", cfg.Journal.Driver)
	}
	return nil
}
