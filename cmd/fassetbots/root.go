package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"fassetbots/internal/chain"
	"fassetbots/internal/config"
	"fassetbots/internal/secrets"
)

var (
	configPath  string
	secretsPath string
)

var rootCmd = &cobra.Command{
	Use:          "fassetbots",
	Short:        "FAsset system bots",
	Long:         color.CyanString("fassetbots") + "\nTracks FAsset agents and runs the liquidator, challenger, system keeper and time keeper.",
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("FASSET_CONFIG"), "YAML config file")
	rootCmd.PersistentFlags().StringVar(&secretsPath, "secrets", "", "secrets file (overrides actors.secrets_file)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(secretsCmd)
	rootCmd.AddCommand(withdrawCmd)
}

// loadConfig loads and validates the config and resolves the contracts of
// the configured fasset.
func loadConfig() (*config.Config, config.Contracts, chain.Contracts, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, chain.Contracts{}, err
	}
	if secretsPath != "" {
		cfg.Actors.SecretsFile = secretsPath
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, chain.Contracts{}, err
	}
	contracts, err := config.LoadContracts(cfg.Actors.ContractsFile)
	if err != nil {
		return nil, nil, chain.Contracts{}, err
	}
	resolved, err := contracts.ForFAsset(cfg.Actors.FAssetSymbol)
	if err != nil {
		return nil, nil, chain.Contracts{}, err
	}
	return cfg, contracts, resolved, nil
}

func loadSecrets(cfg *config.Config) (*secrets.Secrets, error) {
	s, err := secrets.Load(cfg.Actors.SecretsFile, os.Getenv(secrets.PasswordEnv))
	if err != nil {
		return nil, fmt.Errorf("load secrets: %w", err)
	}
	return s, nil
}

func nativeClient(cfg *config.Config, s *secrets.Secrets, logger zerolog.Logger) *chain.Client {
	return chain.NewClient(chain.RPCConfig{
		URL:               cfg.RPC.NativeURL,
		APIKey:            s.APIKey,
		Timeout:           cfg.RPC.Timeout,
		RequestsPerSecond: cfg.RPC.RequestsPerSecond,
		Burst:             cfg.RPC.Burst,
	}, logger)
}

func underlyingGateway(cfg *config.Config, s *secrets.Secrets, logger zerolog.Logger) *chain.UnderlyingGateway {
	client := chain.NewClient(chain.RPCConfig{
		URL:               cfg.RPC.UnderlyingURL,
		APIKey:            s.APIKey,
		Timeout:           cfg.RPC.Timeout,
		RequestsPerSecond: cfg.RPC.RequestsPerSecond,
		Burst:             cfg.RPC.Burst,
	}, logger)
	return chain.NewUnderlyingGateway(client, cfg.Actors.UnderlyingFinalizationBlocks)
}
