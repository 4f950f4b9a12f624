package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/lumenhealth/syncbox/internal/events"
	"github.com/lumenhealth/syncbox/internal/models"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Drain the mutation queue now",
	Long: `Sync triggers a drain session and reports the outcome. Mutations that
fail transiently are retried with backoff inside the session when time
allows; anything left over stays queued for the next trigger.

With --watch the service keeps running: reconnect and interval triggers
stay active until interrupted.`,
	Example: `  syncbox sync
  syncbox sync --wait
  syncbox sync --watch --json`,
	Args: cobra.NoArgs,
	RunE: runSync,
}

var (
	syncWait  bool
	syncWatch bool
)

func init() {
	rootCmd.AddCommand(syncCmd)

	syncCmd.Flags().BoolVar(&syncWait, "wait", false,
		"If a session is already running, wait for it instead of failing")
	syncCmd.Flags().BoolVarP(&syncWatch, "watch", "w", false,
		"Keep running; drain on reconnect and interval triggers until interrupted")
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	defer signal.Stop(sigChan)
	go func() {
		<-sigChan
		printWarning("\nInterrupted, letting in-flight deliveries settle...")
		cancel()
	}()

	if syncWatch {
		return runSyncWatch(ctx)
	}

	evts, cancelEvents := apiClient.Events()
	defer cancelEvents()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for evt := range evts {
			if !jsonOutput {
				printEvent(evt)
			}
			if evt.Type == events.EventSyncCompleted {
				return
			}
		}
	}()

	session, err := apiClient.Sync(ctx)
	if errors.Is(err, models.ErrSyncInProgress) && syncWait {
		session, err = waitForRunningSession(ctx)
	}

	// The completion event trails the Sync return; let the stream finish
	// before the summary goes out.
	if session != nil {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
	}

	return reportSession(session, err)
}

// runSyncWatch starts the background trigger sources and streams
// lifecycle events until interrupted.
func runSyncWatch(ctx context.Context) error {
	evts, cancelEvents := apiClient.Events()
	defer cancelEvents()

	apiClient.Start(ctx)

	if !jsonOutput {
		printInfo("Watching queue; reconnect and interval triggers active (Ctrl-C to stop)")
	}

	// Drain anything already waiting before settling into watch mode.
	if sum, err := apiClient.Summary(); err == nil && sum.PendingCount > 0 {
		go func() {
			_, serr := apiClient.Sync(ctx)
			switch {
			case serr == nil:
			case errors.Is(serr, models.ErrOffline):
			case errors.Is(serr, models.ErrSyncInProgress):
			case errors.Is(serr, context.Canceled):
			default:
				printError("Sync failed: %v", serr)
			}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-evts:
			if !ok {
				return nil
			}
			if jsonOutput {
				printJSON(eventPayload(evt))
			} else {
				printEvent(evt)
			}
		}
	}
}

// waitForRunningSession polls until the in-progress session settles and
// returns its record.
func waitForRunningSession(ctx context.Context) (*models.SyncSession, error) {
	for {
		select {
		case <-ctx.Done():
			return apiClient.LastSession(), ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}

		sum, err := apiClient.Summary()
		if err != nil {
			return nil, err
		}
		if !sum.IsSyncing {
			return apiClient.LastSession(), nil
		}
	}
}

func reportSession(session *models.SyncSession, err error) error {
	if jsonOutput {
		result := map[string]interface{}{"success": err == nil}
		if session != nil {
			result["session"] = session
		}
		if err != nil {
			result["error"] = err.Error()
		}
		printJSON(result)
		return err
	}

	if err != nil {
		switch {
		case errors.Is(err, models.ErrOffline):
			printWarning("Offline; mutations stay queued until connectivity returns")
		case errors.Is(err, models.ErrSyncInProgress):
			printWarning("A sync session is already running (use --wait)")
		case errors.Is(err, context.Canceled):
			printWarning("Sync interrupted; undelivered mutations stay queued")
		default:
			printError("Sync failed: %v", err)
		}
		return err
	}

	fmt.Printf("\nSession %s (%s, %d passes, %s)\n",
		shortID(session.ID), session.TriggeredBy, session.Passes,
		session.Duration().Round(time.Millisecond))
	fmt.Printf("  Processed: %d\n", session.Processed)
	fmt.Printf("  Succeeded: %d\n", session.Succeeded)
	fmt.Printf("  Failed:    %d\n", session.Failed)
	fmt.Printf("  Retried:   %d\n", session.Retried)
	fmt.Printf("  Aborted:   %d\n", session.Aborted)

	switch {
	case session.Failed > 0:
		printWarning("Completed with failures; see syncbox queue list --all")
	case session.Aborted > 0:
		printWarning("Session aborted early; remaining mutations stay queued")
	default:
		printSuccess("Queue drained")
	}

	return nil
}

// printEvent renders one lifecycle event for interactive output.
func printEvent(evt events.Event) {
	switch evt.Type {
	case events.EventSyncStarted:
		if evt.Session != nil {
			printInfo("Sync started (%s)", evt.Session.TriggeredBy)
		}
	case events.EventSyncCompleted:
		if evt.Session != nil {
			s := evt.Session
			printInfo("Sync completed: %d succeeded, %d failed, %d aborted",
				s.Succeeded, s.Failed, s.Aborted)
		}
	case events.EventMutationSynced:
		if evt.Mutation != nil {
			printSuccess("  %s %s synced", evt.Mutation.Kind, shortID(evt.Mutation.ID))
		}
	case events.EventMutationSyncFailed:
		if evt.Mutation != nil {
			printError("  %s %s failed: %v", evt.Mutation.Kind, shortID(evt.Mutation.ID), evt.Error)
		}
	case events.EventNetworkChanged:
		if evt.Network != nil {
			if evt.Network.Online {
				printInfo("Network online")
			} else {
				printWarning("Network offline")
			}
		}
	}
}

// eventPayload flattens an event for JSON streaming.
func eventPayload(evt events.Event) map[string]interface{} {
	out := map[string]interface{}{
		"type":      string(evt.Type),
		"timestamp": evt.Timestamp,
	}
	if evt.Session != nil {
		out["session"] = evt.Session
	}
	if evt.Mutation != nil {
		out["mutation"] = evt.Mutation
	}
	if evt.Network != nil {
		out["network"] = evt.Network
	}
	if evt.Error != nil {
		out["error"] = evt.Error.Error()
	}
	return out
}
