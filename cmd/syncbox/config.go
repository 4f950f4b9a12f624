package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lumenhealth/syncbox/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage syncbox configuration",
	// Runs before any config file exists, so the client is not built.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write an example config file",
	Example: `  syncbox config init
  syncbox config init ~/.config/syncbox/syncbox.json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the resolved configuration",
	RunE:  runConfigShow,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := "syncbox.json"
	if len(args) > 0 {
		path = args[0]
	}

	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}

	if err := config.SaveExample(path); err != nil {
		return err
	}

	printSuccess("Wrote %s", path)
	printInfo("Set executor.base_url before syncing")
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	loaded, err := config.NewLoader(cfgFile).Load()
	if err != nil {
		return err
	}

	printJSON(loaded)
	return nil
}
