package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/lumenhealth/syncbox/internal/clock"
	"github.com/lumenhealth/syncbox/internal/models"
	"github.com/lumenhealth/syncbox/internal/queue"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the mutation queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued mutations in creation order",
	Example: `  syncbox queue list
  syncbox queue list --all --json`,
	Args: cobra.NoArgs,
	RunE: runQueueList,
}

var queueListAll bool

var queuePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete synced mutations older than a window",
	Example: `  syncbox queue purge
  syncbox queue purge --older-than 24h`,
	Args: cobra.NoArgs,
	RunE: runQueuePurge,
}

var queuePurgeOlderThan time.Duration

var queueClearFailedCmd = &cobra.Command{
	Use:   "clear-failed",
	Short: "Delete all terminally failed mutations",
	Args:  cobra.NoArgs,
	RunE:  runQueueClearFailed,
}

var queueMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Copy the queue to another storage backend",
	Long: `Migrate copies every mutation, statuses and attempt counts included,
into the target backend. The source queue is left untouched; point
storage.backend at the target once the copy succeeds.`,
	Example: `  syncbox queue migrate --to sqlite`,
	Args:    cobra.NoArgs,
	RunE:    runQueueMigrate,
}

var queueMigrateTo string

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueListCmd, queuePurgeCmd, queueClearFailedCmd, queueMigrateCmd)

	queueListCmd.Flags().BoolVarP(&queueListAll, "all", "a", false,
		"Include synced and failed mutations")
	queuePurgeCmd.Flags().DurationVar(&queuePurgeOlderThan, "older-than", 0,
		"Age threshold (default: queue.synced_retention from config)")
	queueMigrateCmd.Flags().StringVar(&queueMigrateTo, "to", "",
		"Target backend: sqlite or file (required)")

	_ = queueMigrateCmd.MarkFlagRequired("to")
}

func runQueueList(cmd *cobra.Command, args []string) error {
	store := apiClient.Queue()

	var (
		mutations []*models.QueuedMutation
		err       error
	)
	if queueListAll {
		mutations, err = store.List(0)
	} else {
		mutations, err = store.ListPending(0)
	}
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(map[string]interface{}{
			"count":     len(mutations),
			"mutations": mutations,
		})
		return nil
	}

	if len(mutations) == 0 {
		printInfo("Queue is empty")
		return nil
	}

	fmt.Printf("%-36s  %-14s  %-9s  %3s  %-19s  %-24s  %s\n",
		"ID", "KIND", "STATUS", "ATT", "CREATED", "KEY", "LAST ERROR")
	for _, m := range mutations {
		lastErr := ""
		if m.LastError != nil {
			lastErr = truncate(m.LastError.Message, 40)
		}
		fmt.Printf("%-36s  %-14s  %-9s  %3d  %-19s  %-24s  %s\n",
			m.ID, m.Kind, m.Status, m.Attempts,
			m.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			truncate(m.LogicalKey, 24), lastErr)
	}

	return nil
}

func runQueuePurge(cmd *cobra.Command, args []string) error {
	olderThan := queuePurgeOlderThan
	if olderThan <= 0 {
		olderThan = cfg.Queue.SyncedRetention
	}

	purged, err := apiClient.PurgeSynced(olderThan)
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(map[string]interface{}{
			"success":    true,
			"purged":     purged,
			"older_than": olderThan.String(),
		})
	} else {
		printSuccess("Purged %d synced mutations older than %s", purged, olderThan)
	}

	return nil
}

func runQueueClearFailed(cmd *cobra.Command, args []string) error {
	cleared, err := apiClient.ClearFailed()
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(map[string]interface{}{
			"success": true,
			"cleared": cleared,
		})
	} else {
		printSuccess("Cleared %d failed mutations", cleared)
	}

	return nil
}

func runQueueMigrate(cmd *cobra.Command, args []string) error {
	if queueMigrateTo == cfg.Storage.Backend {
		return fmt.Errorf("queue already uses the %s backend", queueMigrateTo)
	}

	limits := queue.LimitsFromConfig(cfg.Queue)
	clk := clock.New()

	var (
		dst queue.Store
		err error
	)
	switch queueMigrateTo {
	case "sqlite":
		dst, err = queue.NewSQLiteStore(cfg.Storage.QueueDBPath(), limits, clk, logger)
	case "file":
		dst, err = queue.NewFileStore(cfg.Storage.QueueFilePath(), limits, clk, logger)
	default:
		return fmt.Errorf("invalid migration target: %s (want sqlite or file)", queueMigrateTo)
	}
	if err != nil {
		return fmt.Errorf("open target store: %w", err)
	}
	defer dst.Close()

	migrated, err := queue.Migrate(apiClient.Queue(), dst)
	if err != nil {
		return fmt.Errorf("migrate stopped after %d mutations: %w", migrated, err)
	}

	if jsonOutput {
		printJSON(map[string]interface{}{
			"success":  true,
			"migrated": migrated,
			"to":       queueMigrateTo,
		})
	} else {
		printSuccess("Migrated %d mutations to the %s backend", migrated, queueMigrateTo)
		printInfo("Set storage.backend to %q to switch over", queueMigrateTo)
	}

	return nil
}
