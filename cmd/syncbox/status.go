package main

import (
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/lumenhealth/syncbox/internal/services/sync"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue counts and the last session outcome",
	Example: `  syncbox status
  syncbox status --json
  syncbox status --watch`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

var statusWatch bool

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().BoolVarP(&statusWatch, "watch", "w", false,
		"Refresh every 2 seconds (terminal only)")
}

func runStatus(cmd *cobra.Command, args []string) error {
	if statusWatch && !jsonOutput && term.IsTerminal(int(os.Stdout.Fd())) {
		return watchStatus()
	}
	return showStatus()
}

func showStatus() error {
	sum, err := apiClient.Summary()
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(sum)
		return nil
	}

	renderStatus(sum)
	return nil
}

func renderStatus(sum sync.Summary) {
	if apiClient.Network().Online {
		printSuccess("Network:  online")
	} else {
		printWarning("Network:  offline")
	}

	fmt.Printf("Pending:   %d\n", sum.PendingCount)
	fmt.Printf("In-flight: %d\n", sum.InFlightCount)
	fmt.Printf("Synced:    %d\n", sum.SyncedCount)
	fmt.Printf("Failed:    %d\n", sum.FailedCount)

	if sum.OldestPendingAge > 0 {
		fmt.Printf("Oldest pending: %s\n", sum.OldestPendingAge.Round(time.Second))
	}

	if sum.IsSyncing {
		printInfo("A sync session is running")
	} else if !sum.LastSyncAt.IsZero() {
		fmt.Printf("Last sync: %s (%s)\n",
			sum.LastSyncAt.Local().Format("2006-01-02 15:04:05"), sum.LastTrigger)
	}

	if sum.LastError != "" {
		printWarning("Last error: %s", truncate(sum.LastError, 100))
	}
}

// watchStatus redraws the summary until interrupted.
func watchStatus() error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	defer signal.Stop(sigChan)

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		sum, err := apiClient.Summary()
		if err != nil {
			return err
		}

		fmt.Print("\033[2J\033[H")
		fmt.Printf("syncbox status  %s\n\n", time.Now().Format("15:04:05"))
		renderStatus(sum)

		select {
		case <-sigChan:
			fmt.Println()
			return nil
		case <-ticker.C:
		}
	}
}
