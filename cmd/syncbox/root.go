package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lumenhealth/syncbox/internal/client"
	"github.com/lumenhealth/syncbox/internal/config"
	"github.com/lumenhealth/syncbox/internal/events"
)

var (
	cfgFile    string
	jsonOutput bool

	cfg       *config.Config
	logger    *events.Logger
	apiClient *client.Client
)

var rootCmd = &cobra.Command{
	Use:   "syncbox",
	Short: "Offline-first mutation queue and sync engine",
	Long: `Syncbox queues writes locally while the network is away and drains them
to the server once connectivity returns. Mutations are delivered in
creation order with per-entity FIFO guarantees and bounded retries.`,
	Version:           "1.0.0",
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initClient,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"Config file (default: searches . and ~/.config/syncbox)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Machine-readable JSON output")
}

// initClient loads config and wires the client every command talks to.
func initClient(cmd *cobra.Command, args []string) error {
	var err error

	cfg, err = config.NewLoader(cfgFile).Load()
	if err != nil {
		return err
	}

	logger, err = events.NewLogger(&cfg.Log)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}

	apiClient, err = client.New(cfg, logger)
	if err != nil {
		return err
	}

	return nil
}
