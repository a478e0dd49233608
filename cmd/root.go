package main

import (
	"fmt"
	"os"

	"consensus-trader/internal/service"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "trader",
	Short: "Consensus trading pipeline for brokerage market data",
	Long: `Trader streams brokerage market data, fuses a quantitative score with
several AI opinions into one decision per symbol, and executes the result
with position sizing and wash-trade protection.

Subcommands:
  run     - Start the streaming, decision and execution pipeline
  verify  - Check account capabilities and permitted streams
  config  - Print or validate the effective configuration

Examples:
  trader run --config config
  trader verify
  trader config print`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var configPath string

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config", "config directory (containing config.yaml) or file path")
}

// loadConfig 配置目录不存在时直接报错
func loadConfig() (*service.Config, *service.ConfigLoader, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("%w: configuration path %q not found", service.ErrConfig, configPath)
	}
	loader := service.NewConfigLoader(configPath)
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, err
	}
	service.GlobalConfig = *cfg
	return cfg, loader, nil
}
